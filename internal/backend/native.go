package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hiplawrussia-stack/FolliCore/internal/common/fsutil"
	"github.com/hiplawrussia-stack/FolliCore/internal/config"
	"github.com/hiplawrussia-stack/FolliCore/internal/preprocess"
	"github.com/hiplawrussia-stack/FolliCore/pkg/types"
)

// NativeBackend runs the vision transformer in-process. It loads a
// pretrained state dict by name, optionally merges a fine-tuned checkpoint
// (unmatched keys ignored), and supports attention-map and patch-feature
// extraction.
type NativeBackend struct {
	cfg config.ModelConfig
	log zerolog.Logger

	mu      sync.RWMutex
	model   *vitModel
	desc    types.ModelDescriptor
	loaded  bool
}

// NewNativeBackend constructs an unloaded native backend.
func NewNativeBackend(cfg config.ModelConfig, log zerolog.Logger) *NativeBackend {
	return &NativeBackend{
		cfg: cfg,
		log: log.With().Str("model", cfg.ID).Str("backend", string(types.BackendNative)).Logger(),
	}
}

// Load reads the pretrained weights, merges the checkpoint if configured,
// derives the embedding dimension from the hidden-state width, and applies
// the fail-soft fusion pass.
func (b *NativeBackend) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// FP16 storage is only permitted on accelerator devices.
	fp16 := b.cfg.UseFP16 && b.cfg.Device != "cpu"

	weightsPath, err := fsutil.ExpandHome(b.cfg.WeightsPath)
	if err != nil {
		return &LoadError{Model: b.cfg.ID, Kind: types.BackendNative, Err: err}
	}
	if !fsutil.FileExists(weightsPath) {
		return &LoadError{Model: b.cfg.ID, Kind: types.BackendNative,
			Err: fmt.Errorf("weights not found at %s", weightsPath)}
	}
	b.log.Info().Str("name", b.cfg.Name).Str("device", b.cfg.Device).Bool("fp16", fp16).
		Msg("loading native model")

	sd, err := loadStateDict(weightsPath, fp16)
	if err != nil {
		return &LoadError{Model: b.cfg.ID, Kind: types.BackendNative, Err: err}
	}
	model, err := buildViT(sd, b.cfg.ImageSize)
	if err != nil {
		return &LoadError{Model: b.cfg.ID, Kind: types.BackendNative, Err: err}
	}

	version := "pretrained"
	if b.cfg.CheckpointPath != "" {
		ckptPath, err := fsutil.ExpandHome(b.cfg.CheckpointPath)
		if err != nil {
			return &LoadError{Model: b.cfg.ID, Kind: types.BackendNative, Err: err}
		}
		if fsutil.FileExists(ckptPath) {
			ckpt, err := loadStateDict(ckptPath, fp16)
			if err != nil {
				return &LoadError{Model: b.cfg.ID, Kind: types.BackendNative, Err: err}
			}
			if err := mergeCheckpoint(model, ckpt); err != nil {
				return &LoadError{Model: b.cfg.ID, Kind: types.BackendNative, Err: err}
			}
			version = "checkpoint"
			if ckpt.version != "" {
				version = ckpt.version
			}
			b.log.Info().Str("checkpoint", ckptPath).Str("version", version).Msg("merged checkpoint")
		} else {
			b.log.Warn().Str("checkpoint", ckptPath).Msg("checkpoint not found, using pretrained weights")
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	// Optimization pass: fail soft, keep the unfused path on error.
	if err := model.fuse(); err != nil {
		b.log.Warn().Err(err).Msg("qkv fusion unsupported, continuing unfused")
	}

	desc := types.ModelDescriptor{
		ID:           b.cfg.ID,
		Name:         b.cfg.Name,
		Backend:      types.BackendNative,
		Version:      version,
		EmbeddingDim: model.hidden,
		Device:       b.cfg.Device,
		FP16:         fp16,
		ImageSize:    b.cfg.ImageSize,
	}

	b.mu.Lock()
	b.model = model
	b.desc = desc
	b.loaded = true
	b.mu.Unlock()
	b.log.Info().Int("embedding_dim", model.hidden).Int("layers", len(model.layers)).
		Msg("native model loaded")
	return nil
}

// Infer runs the forward pass and extracts the requested explainability
// outputs.
func (b *NativeBackend) Infer(t *preprocess.Tensor, opts types.InferenceOptions) (*Output, error) {
	b.mu.RLock()
	model := b.model
	loaded := b.loaded
	b.mu.RUnlock()
	if !loaded {
		return nil, &NotLoadedError{Model: b.cfg.ID}
	}
	out, err := model.forward(t, opts.ReturnAttention, opts.ReturnPatches)
	if err != nil {
		return nil, &InferenceError{Phase: "inference", Err: err}
	}
	return out, nil
}

// Describe returns the descriptor snapshot. Zero-valued before Load.
func (b *NativeBackend) Describe() types.ModelDescriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.loaded {
		return types.ModelDescriptor{
			ID: b.cfg.ID, Name: b.cfg.Name, Backend: types.BackendNative,
			Device: b.cfg.Device, ImageSize: b.cfg.ImageSize,
		}
	}
	return b.desc
}

// Close drops the weights.
func (b *NativeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.model = nil
	b.loaded = false
	return nil
}
