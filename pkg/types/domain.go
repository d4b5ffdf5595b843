package types

// BackendKind identifies which inference runtime backs a model.
type BackendKind string

const (
	// BackendNative is the in-process framework backend. It supports
	// attention-map and patch-feature extraction.
	BackendNative BackendKind = "native"
	// BackendONNX is the optimized-runtime backend loaded from an exported
	// graph. Attention maps are not available from it.
	BackendONNX BackendKind = "onnx"
)

// ModelDescriptor describes a loaded model. It is immutable once a load
// succeeds; a reload produces a fresh descriptor.
type ModelDescriptor struct {
	// Stable identifier for the model.
	ID string `json:"model_id"`
	// Human-friendly name, e.g. "facebook/dinov2-base".
	Name string `json:"model_name"`
	// Backend serving this model.
	Backend BackendKind `json:"backend"`
	// Version tag: "pretrained", "checkpoint" (or the checkpoint's own
	// version string), or "onnx".
	Version string `json:"version"`
	// Length of every embedding this model produces.
	EmbeddingDim int `json:"embedding_dim"`
	// Device the model runs on ("cpu", "cuda", "mps").
	Device string `json:"device"`
	// True when weights were downcast to 16-bit precision.
	FP16 bool `json:"fp16"`
	// Input image side length in pixels.
	ImageSize int `json:"image_size"`
}

// InferenceOptions are request-scoped extraction flags. Never persisted.
type InferenceOptions struct {
	// Return per-layer attention maps (native backend only).
	ReturnAttention bool `json:"return_attention,omitempty"`
	// Return patch-level features (all tokens except the CLS token).
	ReturnPatches bool `json:"return_patches,omitempty"`
}

// InferenceResult is the outcome of one feature extraction.
type InferenceResult struct {
	// Feature embedding taken from the CLS token.
	Embedding []float32 `json:"embedding"`
	// Embedding length; always equals len(Embedding).
	Dimension int `json:"dimension"`
	// Model identity.
	ModelName    string `json:"model_name"`
	ModelVersion string `json:"model_version"`
	// Wall-clock timings in milliseconds.
	PreprocessingMs float64 `json:"preprocessing_time_ms"`
	InferenceMs     float64 `json:"inference_time_ms"`
	TotalMs         float64 `json:"total_time_ms"`
	// Per-layer attention maps. Nil unless requested and supported by the
	// backend.
	AttentionMaps []AttentionMap `json:"attention_maps,omitempty"`
	// Patch features, one row per non-CLS token. Nil unless requested.
	PatchFeatures [][]float32 `json:"patch_features,omitempty"`
}

// AttentionMap holds one transformer layer's attention weights.
type AttentionMap struct {
	Layer  int `json:"layer"`
	Heads  int `json:"heads"`
	Tokens int `json:"tokens"`
	// Row-major (head, query token, key token) weights.
	Weights []float32 `json:"weights"`
}

// WarmupStats aggregates synthetic forward-pass latencies.
type WarmupStats struct {
	FirstMs float64 `json:"first_inference_ms"`
	AvgMs   float64 `json:"avg_inference_ms"`
	MinMs   float64 `json:"min_inference_ms"`
	MaxMs   float64 `json:"max_inference_ms"`
}
