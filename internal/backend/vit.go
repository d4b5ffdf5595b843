package backend

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/hiplawrussia-stack/FolliCore/internal/preprocess"
	"github.com/hiplawrussia-stack/FolliCore/pkg/types"
)

const layerNormEps = 1e-6

// linear is a dense layer y = x*W + b with W stored input-major (in, out) so
// the forward pass is a single right-multiplication.
type linear struct {
	w *mat.Dense
	b []float64
}

func (l *linear) apply(x *mat.Dense) *mat.Dense {
	rows, _ := x.Dims()
	_, out := l.w.Dims()
	y := mat.NewDense(rows, out, nil)
	y.Mul(x, l.w)
	if l.b != nil {
		for r := 0; r < rows; r++ {
			row := y.RawRowView(r)
			for c := range row {
				row[c] += l.b[c]
			}
		}
	}
	return y
}

// layerNorm normalizes each token row to zero mean and unit variance, then
// applies the learned gain and bias.
type layerNorm struct {
	gamma []float64
	beta  []float64
}

func (n *layerNorm) apply(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	y := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		row := x.RawRowView(r)
		var mean float64
		for _, v := range row {
			mean += v
		}
		mean /= float64(cols)
		var varSum float64
		for _, v := range row {
			d := v - mean
			varSum += d * d
		}
		inv := 1.0 / math.Sqrt(varSum/float64(cols)+layerNormEps)
		dst := y.RawRowView(r)
		for c, v := range row {
			dst[c] = (v-mean)*inv*n.gamma[c] + n.beta[c]
		}
	}
	return y
}

// encoderLayer is one pre-norm transformer block with optional layer scale.
type encoderLayer struct {
	norm1, norm2 layerNorm
	query, key   linear
	value, out   linear
	// fused QKV projection built by the optimization pass; nil when unfused.
	qkv *linear
	// layer scale vectors; nil when the checkpoint has none.
	scale1, scale2 []float64
	fc1, fc2       linear
	heads          int
}

// vitModel is a vision transformer encoder operating on a single image.
type vitModel struct {
	imageSize int
	patchSize int
	hidden    int
	clsToken  []float64
	posEmbed  *mat.Dense // (tokens, hidden)
	patchProj linear     // (3*p*p, hidden)
	layers    []encoderLayer
	finalNorm layerNorm
}

func (m *vitModel) tokens() int {
	g := m.imageSize / m.patchSize
	return g*g + 1
}

// fuse precomputes a merged QKV projection so each block runs one matmul
// instead of three. Must fail soft: callers log and continue unfused.
func (m *vitModel) fuse() error {
	for i := range m.layers {
		l := &m.layers[i]
		in, out := l.query.w.Dims()
		for _, other := range []*linear{&l.key, &l.value} {
			oi, oo := other.w.Dims()
			if oi != in || oo != out {
				return fmt.Errorf("layer %d: qkv shapes disagree", i)
			}
		}
		w := mat.NewDense(in, 3*out, nil)
		b := make([]float64, 3*out)
		for c := 0; c < out; c++ {
			for r := 0; r < in; r++ {
				w.Set(r, c, l.query.w.At(r, c))
				w.Set(r, out+c, l.key.w.At(r, c))
				w.Set(r, 2*out+c, l.value.w.At(r, c))
			}
			b[c] = l.query.b[c]
			b[out+c] = l.key.b[c]
			b[2*out+c] = l.value.b[c]
		}
		l.qkv = &linear{w: w, b: b}
	}
	return nil
}

// patchify rearranges the CHW input tensor into one row per patch, ordered
// channel-major within a patch to match the projection weight layout.
func (m *vitModel) patchify(t *preprocess.Tensor) (*mat.Dense, error) {
	s := m.imageSize
	p := m.patchSize
	if want := 3 * s * s; t.Elems() != want {
		return nil, fmt.Errorf("input has %d elements, model expects %d (3x%dx%d)", t.Elems(), want, s, s)
	}
	g := s / p
	n := g * g
	plane := s * s
	rowLen := 3 * p * p
	out := mat.NewDense(n, rowLen, nil)
	for gy := 0; gy < g; gy++ {
		for gx := 0; gx < g; gx++ {
			row := out.RawRowView(gy*g + gx)
			for c := 0; c < 3; c++ {
				for py := 0; py < p; py++ {
					src := c*plane + (gy*p+py)*s + gx*p
					dst := c*p*p + py*p
					for px := 0; px < p; px++ {
						row[dst+px] = float64(t.Data[src+px])
					}
				}
			}
		}
	}
	return out, nil
}

// forward runs the full encoder. The CLS token row becomes the embedding;
// the remaining rows are the patch features.
func (m *vitModel) forward(t *preprocess.Tensor, wantAttn, wantPatches bool) (*Output, error) {
	patches, err := m.patchify(t)
	if err != nil {
		return nil, err
	}
	embedded := m.patchProj.apply(patches)
	n, _ := embedded.Dims()

	x := mat.NewDense(n+1, m.hidden, nil)
	copy(x.RawRowView(0), m.clsToken)
	for r := 0; r < n; r++ {
		copy(x.RawRowView(r+1), embedded.RawRowView(r))
	}
	x.Add(x, m.posEmbed)

	var maps []types.AttentionMap
	for i := range m.layers {
		l := &m.layers[i]
		attended, attn := l.attend(l.norm1.apply(x), wantAttn)
		if wantAttn {
			attn.Layer = i
			maps = append(maps, *attn)
		}
		if l.scale1 != nil {
			scaleRows(attended, l.scale1)
		}
		x.Add(x, attended)

		h := l.fc1.apply(l.norm2.apply(x))
		geluInPlace(h)
		h = l.fc2.apply(h)
		if l.scale2 != nil {
			scaleRows(h, l.scale2)
		}
		x.Add(x, h)
	}
	x = m.finalNorm.apply(x)

	out := &Output{Embedding: rowF32(x, 0)}
	if wantAttn {
		out.AttentionMaps = maps
	}
	if wantPatches {
		feats := make([][]float32, n)
		for r := 0; r < n; r++ {
			feats[r] = rowF32(x, r+1)
		}
		out.PatchFeatures = feats
	}
	return out, nil
}

// attend computes multi-head self attention over the normalized tokens y.
func (l *encoderLayer) attend(y *mat.Dense, wantAttn bool) (*mat.Dense, *types.AttentionMap) {
	tokens, hidden := y.Dims()
	var q, k, v mat.Matrix
	if l.qkv != nil {
		joint := l.qkv.apply(y)
		q = joint.Slice(0, tokens, 0, hidden)
		k = joint.Slice(0, tokens, hidden, 2*hidden)
		v = joint.Slice(0, tokens, 2*hidden, 3*hidden)
	} else {
		q = l.query.apply(y)
		k = l.key.apply(y)
		v = l.value.apply(y)
	}

	dh := hidden / l.heads
	scale := 1.0 / math.Sqrt(float64(dh))
	ctx := mat.NewDense(tokens, hidden, nil)
	var attn *types.AttentionMap
	if wantAttn {
		attn = &types.AttentionMap{
			Heads:   l.heads,
			Tokens:  tokens,
			Weights: make([]float32, l.heads*tokens*tokens),
		}
	}
	scores := mat.NewDense(tokens, tokens, nil)
	headCtx := mat.NewDense(tokens, dh, nil)
	for h := 0; h < l.heads; h++ {
		qh := sliceCols(q, h*dh, (h+1)*dh)
		kh := sliceCols(k, h*dh, (h+1)*dh)
		vh := sliceCols(v, h*dh, (h+1)*dh)
		scores.Mul(qh, kh.T())
		scores.Scale(scale, scores)
		softmaxRows(scores)
		if attn != nil {
			base := h * tokens * tokens
			for r := 0; r < tokens; r++ {
				row := scores.RawRowView(r)
				for c, w := range row {
					attn.Weights[base+r*tokens+c] = float32(w)
				}
			}
		}
		headCtx.Mul(scores, vh)
		for r := 0; r < tokens; r++ {
			copy(ctx.RawRowView(r)[h*dh:(h+1)*dh], headCtx.RawRowView(r))
		}
	}
	return l.out.apply(ctx), attn
}

func sliceCols(m mat.Matrix, c0, c1 int) mat.Matrix {
	type slicer interface {
		Slice(r0, r1, c0, c1 int) mat.Matrix
	}
	r, _ := m.Dims()
	if s, ok := m.(slicer); ok {
		return s.Slice(0, r, c0, c1)
	}
	out := mat.NewDense(r, c1-c0, nil)
	for i := 0; i < r; i++ {
		for j := c0; j < c1; j++ {
			out.Set(i, j-c0, m.At(i, j))
		}
	}
	return out
}

func softmaxRows(m *mat.Dense) {
	rows, _ := m.Dims()
	for r := 0; r < rows; r++ {
		row := m.RawRowView(r)
		maxV := row[0]
		for _, v := range row[1:] {
			if v > maxV {
				maxV = v
			}
		}
		var sum float64
		for c, v := range row {
			e := math.Exp(v - maxV)
			row[c] = e
			sum += e
		}
		inv := 1.0 / sum
		for c := range row {
			row[c] *= inv
		}
	}
}

func geluInPlace(m *mat.Dense) {
	rows, _ := m.Dims()
	const c = 0.7978845608028654 // sqrt(2/pi)
	for r := 0; r < rows; r++ {
		row := m.RawRowView(r)
		for i, v := range row {
			row[i] = 0.5 * v * (1 + math.Tanh(c*(v+0.044715*v*v*v)))
		}
	}
}

func scaleRows(m *mat.Dense, scale []float64) {
	rows, _ := m.Dims()
	for r := 0; r < rows; r++ {
		row := m.RawRowView(r)
		for c := range row {
			row[c] *= scale[c]
		}
	}
}

func rowF32(m *mat.Dense, r int) []float32 {
	row := m.RawRowView(r)
	out := make([]float32, len(row))
	for i, v := range row {
		out[i] = float32(v)
	}
	return out
}
