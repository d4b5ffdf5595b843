//go:build onnx
// +build onnx

package backend

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/hiplawrussia-stack/FolliCore/internal/config"
	"github.com/hiplawrussia-stack/FolliCore/internal/preprocess"
	"github.com/hiplawrussia-stack/FolliCore/pkg/types"
)

// ortInitOnce guards the process-wide ONNX Runtime environment. Sessions are
// per-model; the environment is shared and released at process exit, not per
// backend Close.
var ortInitOnce sync.Once

// ONNXBackend serves a serialized, already-optimized model graph through
// ONNX Runtime. Graph-level optimization discards intermediate activations,
// so attention maps are never available from this backend.
type ONNXBackend struct {
	cfg config.ModelConfig
	log zerolog.Logger

	mu         sync.RWMutex
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
	desc       types.ModelDescriptor
	dimDynamic bool
	loaded     bool
}

// NewONNXBackend constructs an unloaded optimized-runtime backend.
func NewONNXBackend(cfg config.ModelConfig, log zerolog.Logger) Backend {
	return &ONNXBackend{
		cfg: cfg,
		log: log.With().Str("model", cfg.ID).Str("backend", string(types.BackendONNX)).Logger(),
	}
}

// Load opens the exported graph, picks the most capable execution provider
// available (TensorRT, then CUDA, then CPU), and derives the embedding
// dimension from the graph's output shape.
func (b *ONNXBackend) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if shlib := os.Getenv("ONNXRUNTIME_SHARED_LIB"); shlib != "" {
		ort.SetSharedLibraryPath(shlib)
	}
	var initErr error
	ortInitOnce.Do(func() {
		if !ort.IsInitialized() {
			initErr = ort.InitializeEnvironment()
		}
	})
	if initErr != nil {
		return &LoadError{Model: b.cfg.ID, Kind: types.BackendONNX,
			Err: fmt.Errorf("onnxruntime init: %w", initErr)}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(b.cfg.ONNXPath)
	if err != nil {
		return &LoadError{Model: b.cfg.ID, Kind: types.BackendONNX,
			Err: fmt.Errorf("inspect graph: %w", err)}
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return &LoadError{Model: b.cfg.ID, Kind: types.BackendONNX,
			Err: fmt.Errorf("graph declares %d inputs and %d outputs", len(inputs), len(outputs))}
	}
	inputName := inputs[0].Name
	for _, in := range inputs {
		if strings.EqualFold(in.Name, "pixel_values") {
			inputName = in.Name
			break
		}
	}
	outputName := outputs[0].Name
	dim := 0
	if dims := outputs[0].Dimensions; len(dims) > 0 {
		if last := dims[len(dims)-1]; last > 0 {
			dim = int(last)
		}
	}
	dynamic := dim == 0
	if dynamic {
		// Dynamic output shape; ViT-Base width until the first warmup run.
		dim = 768
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return &LoadError{Model: b.cfg.ID, Kind: types.BackendONNX, Err: err}
	}
	defer opts.Destroy()
	provider := b.appendProviders(opts)

	session, err := ort.NewDynamicAdvancedSession(b.cfg.ONNXPath,
		[]string{inputName}, []string{outputName}, opts)
	if err != nil {
		return &LoadError{Model: b.cfg.ID, Kind: types.BackendONNX,
			Err: fmt.Errorf("create session: %w", err)}
	}

	desc := types.ModelDescriptor{
		ID:           b.cfg.ID,
		Name:         b.cfg.Name,
		Backend:      types.BackendONNX,
		Version:      "onnx",
		EmbeddingDim: dim,
		Device:       b.cfg.Device,
		FP16:         b.cfg.UseFP16 && b.cfg.Device != "cpu",
		ImageSize:    b.cfg.ImageSize,
	}

	b.mu.Lock()
	if b.session != nil {
		b.session.Destroy()
	}
	b.session = session
	b.inputName = inputName
	b.outputName = outputName
	b.desc = desc
	b.dimDynamic = dynamic
	b.loaded = true
	b.mu.Unlock()
	b.log.Info().Str("provider", provider).Int("embedding_dim", dim).
		Str("input", inputName).Str("output", outputName).Msg("onnx model loaded")
	return nil
}

// appendProviders registers execution providers most-preferred first,
// falling back through the ordered list and ending at the CPU provider.
// Provider failures fail soft.
func (b *ONNXBackend) appendProviders(opts *ort.SessionOptions) string {
	provider := "CPUExecutionProvider"
	if b.cfg.Device != "cuda" {
		return provider
	}
	if trt, err := ort.NewTensorRTProviderOptions(); err == nil {
		terr := trt.Update(map[string]string{
			"trt_max_workspace_size":  "2147483648",
			"trt_fp16_enable":         boolFlag(b.cfg.UseFP16),
			"trt_engine_cache_enable": "1",
		})
		if terr == nil {
			terr = opts.AppendExecutionProviderTensorRT(trt)
		}
		trt.Destroy()
		if terr == nil {
			provider = "TensorrtExecutionProvider"
		} else {
			b.log.Warn().Err(terr).Msg("tensorrt provider unavailable")
		}
	}
	if cuda, err := ort.NewCUDAProviderOptions(); err == nil {
		cerr := cuda.Update(map[string]string{
			"device_id":             "0",
			"arena_extend_strategy": "kNextPowerOfTwo",
		})
		if cerr == nil {
			cerr = opts.AppendExecutionProviderCUDA(cuda)
		}
		cuda.Destroy()
		if cerr == nil && provider == "CPUExecutionProvider" {
			provider = "CUDAExecutionProvider"
		} else if cerr != nil {
			b.log.Warn().Err(cerr).Msg("cuda provider unavailable")
		}
	}
	return provider
}

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// Infer runs the graph. Attention maps are nil regardless of the request
// flag.
func (b *ONNXBackend) Infer(t *preprocess.Tensor, opts types.InferenceOptions) (*Output, error) {
	b.mu.RLock()
	session := b.session
	loaded := b.loaded
	b.mu.RUnlock()
	if !loaded {
		return nil, &NotLoadedError{Model: b.cfg.ID}
	}

	shape := ort.NewShape(t.Shape...)
	input, err := ort.NewTensor[float32](shape, t.Data)
	if err != nil {
		return nil, &InferenceError{Phase: "inference", Err: fmt.Errorf("create input tensor: %w", err)}
	}
	defer input.Destroy()

	outputs := make([]ort.Value, 1)
	if err := session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, &InferenceError{Phase: "inference", Err: fmt.Errorf("run graph: %w", err)}
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()
	outTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, &InferenceError{Phase: "inference",
			Err: fmt.Errorf("unexpected output type %T (want float32 tensor)", outputs[0])}
	}
	out, err := buildOutput(outTensor.GetData(), outTensor.GetShape(), opts)
	if err != nil {
		return nil, err
	}
	b.resolveDim(len(out.Embedding))
	return out, nil
}

// buildOutput maps the graph's output tensor onto the backend contract.
// Attention maps are never produced; the optimized graph discards the
// intermediate activations they come from.
func buildOutput(data []float32, outShape []int64, opts types.InferenceOptions) (*Output, error) {
	out := &Output{}
	switch len(outShape) {
	case 2:
		// (batch, dim): pooled CLS embedding.
		d := int(outShape[1])
		out.Embedding = append([]float32(nil), data[:d]...)
	case 3:
		// (batch, tokens, dim): first token is CLS.
		seq := int(outShape[1])
		d := int(outShape[2])
		out.Embedding = append([]float32(nil), data[:d]...)
		if opts.ReturnPatches {
			feats := make([][]float32, seq-1)
			for i := 1; i < seq; i++ {
				feats[i-1] = append([]float32(nil), data[i*d:(i+1)*d]...)
			}
			out.PatchFeatures = feats
		}
	default:
		return nil, &InferenceError{Phase: "inference",
			Err: fmt.Errorf("unsupported output shape %v", outShape)}
	}
	return out, nil
}

// resolveDim fixes a dynamic embedding dimension on the first forward pass,
// which happens during warmup before the model is published. The descriptor
// never changes after that.
func (b *ONNXBackend) resolveDim(n int) {
	b.mu.Lock()
	if b.dimDynamic {
		b.desc.EmbeddingDim = n
		b.dimDynamic = false
	}
	b.mu.Unlock()
}

// Describe returns the descriptor snapshot. Never triggers a load.
func (b *ONNXBackend) Describe() types.ModelDescriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.loaded {
		return types.ModelDescriptor{
			ID: b.cfg.ID, Name: b.cfg.Name, Backend: types.BackendONNX,
			Device: b.cfg.Device, ImageSize: b.cfg.ImageSize,
		}
	}
	return b.desc
}

// Close releases the runtime session.
func (b *ONNXBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		b.session.Destroy()
		b.session = nil
	}
	b.loaded = false
	return nil
}
