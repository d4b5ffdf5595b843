//go:build !onnx
// +build !onnx

package backend

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hiplawrussia-stack/FolliCore/internal/config"
	"github.com/hiplawrussia-stack/FolliCore/internal/preprocess"
	"github.com/hiplawrussia-stack/FolliCore/pkg/types"
)

// onnxStub stands in when the binary is built without the 'onnx' tag. Loads
// fail so the affected model ends up failed rather than silently degraded.
type onnxStub struct {
	cfg config.ModelConfig
}

// NewONNXBackend returns a stub in builds without ONNX Runtime support.
func NewONNXBackend(cfg config.ModelConfig, _ zerolog.Logger) Backend {
	return &onnxStub{cfg: cfg}
}

func (b *onnxStub) Load(context.Context) error {
	return &LoadError{Model: b.cfg.ID, Kind: types.BackendONNX,
		Err: fmt.Errorf("binary built without onnx support (rebuild with -tags=onnx)")}
}

func (b *onnxStub) Infer(*preprocess.Tensor, types.InferenceOptions) (*Output, error) {
	return nil, &NotLoadedError{Model: b.cfg.ID}
}

func (b *onnxStub) Describe() types.ModelDescriptor {
	return types.ModelDescriptor{
		ID: b.cfg.ID, Name: b.cfg.Name, Backend: types.BackendONNX,
		Device: b.cfg.Device, ImageSize: b.cfg.ImageSize,
	}
}

func (b *onnxStub) Close() error { return nil }
