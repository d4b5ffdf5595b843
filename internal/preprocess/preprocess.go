// Package preprocess converts encoded images into normalized model input
// tensors. The pipeline is pure: identical bytes and config always produce a
// bit-identical tensor.
package preprocess

import (
	"bytes"
	"errors"
	"image"
	"math/rand"

	// register standard decoders
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ImageNet normalization statistics, the defaults used by DINOv2.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Tensor is a dense float32 array in (batch, channel, height, width) layout.
type Tensor struct {
	Data  []float32
	Shape []int64
}

// Elems returns the number of elements implied by the shape.
func (t *Tensor) Elems() int {
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// Config fixes the transform parameters for one model.
type Config struct {
	ImageSize int
	Mean      [3]float32
	Std       [3]float32
}

// DefaultConfig returns the ImageNet transform at the given input size.
func DefaultConfig(imageSize int) Config {
	return Config{ImageSize: imageSize, Mean: ImageNetMean, Std: ImageNetStd}
}

// DecodeError wraps a malformed-image failure. Per-request and recoverable:
// only the offending request is rejected.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode image: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Run decodes image bytes and applies the full transform: RGB conversion,
// bilinear resize to ImageSize x ImageSize, [0,1] scaling, per-channel
// mean/std normalization, channel-first layout, leading batch dimension.
func Run(data []byte, cfg Config) (*Tensor, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return FromImage(img, cfg), nil
}

// FromImage applies the transform to an already-decoded image.
func FromImage(img image.Image, cfg Config) *Tensor {
	rgba := resizeRGBA(img, cfg.ImageSize)
	size := cfg.ImageSize
	out := &Tensor{
		Data:  make([]float32, 3*size*size),
		Shape: []int64{1, 3, int64(size), int64(size)},
	}
	plane := size * size
	for y := 0; y < size; y++ {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+size*4]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+4]
			idx := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(px[c]) / 255.0
				out.Data[c*plane+idx] = (v - cfg.Mean[c]) / cfg.Std[c]
			}
		}
	}
	return out
}

// resizeRGBA converts to RGBA and scales to side x side with bilinear
// interpolation.
func resizeRGBA(img image.Image, side int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// Synthetic builds a warmup input of the configured shape. The values are
// irrelevant; warmup exercises allocation and kernel-selection paths, not
// correctness.
func Synthetic(imageSize int) *Tensor {
	t := &Tensor{
		Data:  make([]float32, 3*imageSize*imageSize),
		Shape: []int64{1, 3, int64(imageSize), int64(imageSize)},
	}
	rng := rand.New(rand.NewSource(1))
	for i := range t.Data {
		t.Data[i] = rng.Float32()
	}
	return t
}
