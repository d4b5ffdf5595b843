package backend

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	gptypes "github.com/nlpodyssey/gopickle/types"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
)

// maxProbedLayers bounds the encoder depth probe when deriving the layer
// count from state-dict keys.
const maxProbedLayers = 48

// stateDict is a flat name -> tensor-data view over a pickled checkpoint.
type stateDict struct {
	root interface{}
	// version tag carried by fine-tuned checkpoints; empty otherwise.
	version string
	// emulate 16-bit storage by rounding every weight through float16.
	fp16 bool
}

// loadStateDict reads a torch-saved blob. Fine-tuned checkpoints wrap the
// weights under "model_state_dict" next to an optional "version" string;
// pretrained exports are the bare dict.
func loadStateDict(path string, fp16 bool) (*stateDict, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("read state dict %s: %w", path, err)
	}
	sd := &stateDict{root: obj, fp16: fp16}
	if inner, ok := dictGet(obj, "model_state_dict"); ok {
		sd.root = inner
		if v, ok := dictGet(obj, "version"); ok {
			if s, ok := v.(string); ok {
				sd.version = s
			}
		}
	}
	return sd, nil
}

func dictGet(d interface{}, key string) (interface{}, bool) {
	switch t := d.(type) {
	case *gptypes.Dict:
		return t.Get(key)
	case *gptypes.OrderedDict:
		if e, ok := t.Map[key]; ok {
			return e.Value, true
		}
	}
	return nil, false
}

func (sd *stateDict) has(name string) bool {
	_, ok := dictGet(sd.root, name)
	return ok
}

// tensor returns the named weight as a flat float64 slice plus its shape.
func (sd *stateDict) tensor(name string) ([]float64, []int, error) {
	v, ok := dictGet(sd.root, name)
	if !ok {
		return nil, nil, fmt.Errorf("missing weight %q", name)
	}
	t, ok := v.(*pytorch.Tensor)
	if !ok {
		return nil, nil, fmt.Errorf("weight %q is not a tensor (%T)", name, v)
	}
	n := 1
	for _, d := range t.Size {
		n *= d
	}
	out := make([]float64, n)
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		for i := 0; i < n; i++ {
			out[i] = float64(sd.round(s.Data[t.StorageOffset+i]))
		}
	case *pytorch.HalfStorage:
		for i := 0; i < n; i++ {
			out[i] = float64(sd.round(s.Data[t.StorageOffset+i]))
		}
	case *pytorch.DoubleStorage:
		for i := 0; i < n; i++ {
			out[i] = float64(sd.round(float32(s.Data[t.StorageOffset+i])))
		}
	default:
		return nil, nil, fmt.Errorf("weight %q has unsupported storage %T", name, t.Source)
	}
	return out, t.Size, nil
}

// round applies the configured precision: a float16 round-trip when fp16
// storage is requested, identity otherwise.
func (sd *stateDict) round(v float32) float32 {
	if !sd.fp16 {
		return v
	}
	return float16.Fromfloat32(v).Float32()
}

// linearFromDict builds a dense layer from "<prefix>.weight"/"<prefix>.bias",
// transposing the torch (out, in) layout to input-major.
func (sd *stateDict) linearFromDict(prefix string) (linear, error) {
	w, shape, err := sd.tensor(prefix + ".weight")
	if err != nil {
		return linear{}, err
	}
	if len(shape) != 2 {
		return linear{}, fmt.Errorf("%s.weight: want 2 dims, got %v", prefix, shape)
	}
	out, in := shape[0], shape[1]
	wt := mat.NewDense(in, out, nil)
	for r := 0; r < out; r++ {
		for c := 0; c < in; c++ {
			wt.Set(c, r, w[r*in+c])
		}
	}
	b, bshape, err := sd.tensor(prefix + ".bias")
	if err != nil {
		return linear{}, err
	}
	if len(bshape) != 1 || bshape[0] != out {
		return linear{}, fmt.Errorf("%s.bias: want (%d), got %v", prefix, out, bshape)
	}
	return linear{w: wt, b: b}, nil
}

func (sd *stateDict) normFromDict(prefix string, hidden int) (layerNorm, error) {
	g, gs, err := sd.tensor(prefix + ".weight")
	if err != nil {
		return layerNorm{}, err
	}
	b, bs, err := sd.tensor(prefix + ".bias")
	if err != nil {
		return layerNorm{}, err
	}
	if len(gs) != 1 || gs[0] != hidden || len(bs) != 1 || bs[0] != hidden {
		return layerNorm{}, fmt.Errorf("%s: norm shapes %v/%v, want (%d)", prefix, gs, bs, hidden)
	}
	return layerNorm{gamma: g, beta: b}, nil
}

// buildViT assembles a vitModel from a DINOv2-style state dict. The hidden
// width is derived from the CLS token, the patch size from the projection
// weight, and the depth by probing encoder layer keys.
func buildViT(sd *stateDict, imageSize int) (*vitModel, error) {
	cls, clsShape, err := sd.tensor("embeddings.cls_token")
	if err != nil {
		return nil, err
	}
	hidden := clsShape[len(clsShape)-1]
	if hidden <= 0 {
		return nil, fmt.Errorf("cls_token shape %v has no hidden width", clsShape)
	}

	projW, projShape, err := sd.tensor("embeddings.patch_embeddings.projection.weight")
	if err != nil {
		return nil, err
	}
	if len(projShape) != 4 || projShape[0] != hidden || projShape[1] != 3 || projShape[2] != projShape[3] {
		return nil, fmt.Errorf("projection weight shape %v incompatible with hidden %d", projShape, hidden)
	}
	patch := projShape[2]
	if imageSize%patch != 0 {
		return nil, fmt.Errorf("image size %d not divisible by patch size %d", imageSize, patch)
	}
	projB, _, err := sd.tensor("embeddings.patch_embeddings.projection.bias")
	if err != nil {
		return nil, err
	}
	// Flatten the conv kernel to (3*p*p, hidden), input-major.
	rowLen := 3 * patch * patch
	projT := mat.NewDense(rowLen, hidden, nil)
	for o := 0; o < hidden; o++ {
		for i := 0; i < rowLen; i++ {
			projT.Set(i, o, projW[o*rowLen+i])
		}
	}

	pos, posShape, err := sd.tensor("embeddings.position_embeddings")
	if err != nil {
		return nil, err
	}
	grid := imageSize / patch
	tokens := grid*grid + 1
	if posShape[len(posShape)-1] != hidden || len(pos) != tokens*hidden {
		return nil, fmt.Errorf("position embeddings shape %v incompatible with %d tokens x %d", posShape, tokens, hidden)
	}

	m := &vitModel{
		imageSize: imageSize,
		patchSize: patch,
		hidden:    hidden,
		clsToken:  cls[len(cls)-hidden:],
		posEmbed:  mat.NewDense(tokens, hidden, pos),
		patchProj: linear{w: projT, b: projB},
	}

	heads := hidden / 64
	if heads == 0 {
		heads = 1
	}
	for i := 0; i < maxProbedLayers; i++ {
		prefix := fmt.Sprintf("encoder.layer.%d", i)
		if !sd.has(prefix + ".norm1.weight") {
			break
		}
		layer, err := sd.encoderLayerFromDict(prefix, hidden, heads)
		if err != nil {
			return nil, err
		}
		m.layers = append(m.layers, layer)
	}
	if len(m.layers) == 0 {
		return nil, fmt.Errorf("state dict has no encoder layers")
	}

	m.finalNorm, err = sd.normFromDict("layernorm", hidden)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (sd *stateDict) encoderLayerFromDict(prefix string, hidden, heads int) (encoderLayer, error) {
	var l encoderLayer
	var err error
	l.heads = heads
	if l.norm1, err = sd.normFromDict(prefix+".norm1", hidden); err != nil {
		return l, err
	}
	if l.norm2, err = sd.normFromDict(prefix+".norm2", hidden); err != nil {
		return l, err
	}
	if l.query, err = sd.linearFromDict(prefix + ".attention.attention.query"); err != nil {
		return l, err
	}
	if l.key, err = sd.linearFromDict(prefix + ".attention.attention.key"); err != nil {
		return l, err
	}
	if l.value, err = sd.linearFromDict(prefix + ".attention.attention.value"); err != nil {
		return l, err
	}
	if l.out, err = sd.linearFromDict(prefix + ".attention.output.dense"); err != nil {
		return l, err
	}
	if l.fc1, err = sd.linearFromDict(prefix + ".mlp.fc1"); err != nil {
		return l, err
	}
	if l.fc2, err = sd.linearFromDict(prefix + ".mlp.fc2"); err != nil {
		return l, err
	}
	// DINOv2 layer scale; absent in plain ViT checkpoints.
	if sd.has(prefix + ".layer_scale1.lambda1") {
		if l.scale1, _, err = sd.tensor(prefix + ".layer_scale1.lambda1"); err != nil {
			return l, err
		}
	}
	if sd.has(prefix + ".layer_scale2.lambda1") {
		if l.scale2, _, err = sd.tensor(prefix + ".layer_scale2.lambda1"); err != nil {
			return l, err
		}
	}
	return l, nil
}

// mergeCheckpoint overwrites base weights with any matching keys from the
// fine-tuned dict, ignoring unmatched keys on either side.
func mergeCheckpoint(m *vitModel, sd *stateDict) error {
	rebuilt, err := buildViT(&stateDict{root: sd.root, fp16: sd.fp16}, m.imageSize)
	if err == nil {
		*m = *rebuilt
		return nil
	}
	// Partial checkpoints (a strict=False state dict) fall back to
	// key-by-key replacement of the blocks that are present.
	for i := range m.layers {
		prefix := fmt.Sprintf("encoder.layer.%d", i)
		if !sd.has(prefix + ".norm1.weight") {
			continue
		}
		layer, err := sd.encoderLayerFromDict(prefix, m.hidden, m.layers[i].heads)
		if err != nil {
			return fmt.Errorf("checkpoint %s: %w", prefix, err)
		}
		m.layers[i] = layer
	}
	if sd.has("layernorm.weight") {
		norm, err := sd.normFromDict("layernorm", m.hidden)
		if err != nil {
			return fmt.Errorf("checkpoint layernorm: %w", err)
		}
		m.finalNorm = norm
	}
	return nil
}
