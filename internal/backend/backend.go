// Package backend owns model weights, device placement, and the raw forward
// pass. Two implementations exist behind one contract: the in-process native
// framework backend and the optimized ONNX runtime backend.
package backend

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/hiplawrussia-stack/FolliCore/internal/common/fsutil"
	"github.com/hiplawrussia-stack/FolliCore/internal/config"
	"github.com/hiplawrussia-stack/FolliCore/internal/preprocess"
	"github.com/hiplawrussia-stack/FolliCore/pkg/types"
)

// Output is the raw result of one forward pass.
type Output struct {
	// CLS-token embedding.
	Embedding []float32
	// Per-layer attention maps; nil when unsupported or not requested.
	AttentionMaps []types.AttentionMap
	// All tokens except the CLS token; nil when not requested.
	PatchFeatures [][]float32
}

// Backend is the capability contract shared by both runtimes.
type Backend interface {
	// Load brings the model into memory. Calling it twice re-loads; the
	// lifecycle controller is responsible for serializing loads.
	Load(ctx context.Context) error
	// Infer runs the forward pass. Fails with NotLoadedError before Load
	// succeeds and with InferenceError on any runtime failure.
	Infer(t *preprocess.Tensor, opts types.InferenceOptions) (*Output, error)
	// Describe returns a descriptor snapshot. Never triggers a load.
	Describe() types.ModelDescriptor
	// Close releases native resources (sessions, weights).
	Close() error
}

// Select picks the backend for a model configuration. If an optimized-runtime
// artifact path is configured and the file exists on disk, the ONNX backend
// wins; otherwise the native framework backend is used. The decision is made
// once, at load time, and is immutable for the lifetime of a registry entry.
func Select(cfg config.ModelConfig, log zerolog.Logger) Backend {
	if cfg.ONNXPath != "" && fsutil.FileExists(cfg.ONNXPath) {
		return NewONNXBackend(cfg, log)
	}
	return NewNativeBackend(cfg, log)
}
