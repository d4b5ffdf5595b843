//go:build !onnx

package backend

import (
	"context"
	"testing"

	"github.com/hiplawrussia-stack/FolliCore/internal/config"
)

func TestONNXStubLoadFails(t *testing.T) {
	b := NewONNXBackend(config.ModelConfig{ID: "m", ONNXPath: "model.onnx"}, testLogger())
	err := b.Load(context.Background())
	if !IsLoadError(err) {
		t.Fatalf("err=%v want LoadError", err)
	}
}
