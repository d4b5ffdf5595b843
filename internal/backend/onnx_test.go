//go:build onnx
// +build onnx

package backend

import (
	"testing"

	"github.com/hiplawrussia-stack/FolliCore/pkg/types"
)

func TestBuildOutputNeverCarriesAttention(t *testing.T) {
	data := make([]float32, 3*4)
	for i := range data {
		data[i] = float32(i)
	}
	out, err := buildOutput(data, []int64{1, 3, 4}, types.InferenceOptions{
		ReturnAttention: true,
		ReturnPatches:   true,
	})
	if err != nil {
		t.Fatalf("build output: %v", err)
	}
	if out.AttentionMaps != nil {
		t.Fatal("optimized graph output must not carry attention maps")
	}
	if len(out.Embedding) != 4 || len(out.PatchFeatures) != 2 {
		t.Fatalf("embedding=%d patches=%d", len(out.Embedding), len(out.PatchFeatures))
	}
}

func TestBuildOutputPooled(t *testing.T) {
	out, err := buildOutput([]float32{1, 2, 3}, []int64{1, 3}, types.InferenceOptions{ReturnAttention: true})
	if err != nil {
		t.Fatalf("build output: %v", err)
	}
	if out.AttentionMaps != nil || out.PatchFeatures != nil {
		t.Fatalf("pooled output: %+v", out)
	}
	if len(out.Embedding) != 3 {
		t.Fatalf("embedding=%d", len(out.Embedding))
	}
}

func TestBuildOutputRejectsUnknownRank(t *testing.T) {
	if _, err := buildOutput([]float32{1}, []int64{1}, types.InferenceOptions{}); !IsInferenceError(err) {
		t.Fatalf("err=%v want InferenceError", err)
	}
}

func TestResolveDimFreezesDescriptor(t *testing.T) {
	b := &ONNXBackend{
		desc:       types.ModelDescriptor{ID: "m", Backend: types.BackendONNX, EmbeddingDim: 768},
		dimDynamic: true,
		loaded:     true,
	}
	b.resolveDim(384)
	if got := b.Describe().EmbeddingDim; got != 384 {
		t.Fatalf("dim=%d want 384", got)
	}
	b.resolveDim(512)
	if got := b.Describe().EmbeddingDim; got != 384 {
		t.Fatalf("descriptor changed after the first run: dim=%d", got)
	}
}

func TestResolveDimStaticGraphUntouched(t *testing.T) {
	b := &ONNXBackend{
		desc:   types.ModelDescriptor{ID: "m", Backend: types.BackendONNX, EmbeddingDim: 768},
		loaded: true,
	}
	b.resolveDim(384)
	if got := b.Describe().EmbeddingDim; got != 768 {
		t.Fatalf("static dim mutated: %d", got)
	}
}
