// Package engine turns raw image bytes into inference results. It owns the
// preprocess-then-infer pipeline for one model, including request timing,
// chunked batch fan-out, and synthetic warmup.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hiplawrussia-stack/FolliCore/internal/backend"
	"github.com/hiplawrussia-stack/FolliCore/internal/config"
	"github.com/hiplawrussia-stack/FolliCore/internal/preprocess"
	"github.com/hiplawrussia-stack/FolliCore/pkg/types"
)

// Engine binds a loaded backend to its preprocessing configuration.
type Engine struct {
	backend   backend.Backend
	preCfg    preprocess.Config
	batchSize int
	log       zerolog.Logger
}

// New wraps a backend. The backend may not be loaded yet; callers decide when
// Load runs and gate traffic on readiness.
func New(b backend.Backend, cfg config.ModelConfig, log zerolog.Logger) *Engine {
	batch := cfg.BatchSize
	if batch < 1 {
		batch = config.DefaultBatchSize
	}
	size := cfg.ImageSize
	if size <= 0 {
		size = config.DefaultImageSize
	}
	return &Engine{
		backend:   b,
		preCfg:    preprocess.DefaultConfig(size),
		batchSize: batch,
		log:       log,
	}
}

// ExtractFeatures runs the full pipeline for one image. Preprocessing and
// inference are timed separately with wall-clock milliseconds; failures carry
// the phase they happened in.
func (e *Engine) ExtractFeatures(ctx context.Context, image []byte, opts types.InferenceOptions) (*types.InferenceResult, error) {
	start := time.Now()
	tensor, err := preprocess.Run(image, e.preCfg)
	if err != nil {
		return nil, &backend.InferenceError{Phase: "preprocess", Err: err}
	}
	preMs := msSince(start)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inferStart := time.Now()
	out, err := e.backend.Infer(tensor, opts)
	if err != nil {
		return nil, err
	}
	inferMs := msSince(inferStart)

	desc := e.backend.Describe()
	res := &types.InferenceResult{
		Embedding:       out.Embedding,
		Dimension:       len(out.Embedding),
		ModelName:       desc.Name,
		ModelVersion:    desc.Version,
		PreprocessingMs: preMs,
		InferenceMs:     inferMs,
		TotalMs:         msSince(start),
	}
	if opts.ReturnAttention {
		res.AttentionMaps = out.AttentionMaps
	}
	if opts.ReturnPatches {
		res.PatchFeatures = out.PatchFeatures
	}
	return res, nil
}

// ModelInfo returns the backend descriptor. Safe before Load.
func (e *Engine) ModelInfo() types.ModelDescriptor {
	return e.backend.Describe()
}

// BatchSize reports the configured fan-out bound.
func (e *Engine) BatchSize() int {
	return e.batchSize
}

// CloseBackend releases the underlying backend's resources. The engine must
// not be used afterwards.
func (e *Engine) CloseBackend() error {
	return e.backend.Close()
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}
