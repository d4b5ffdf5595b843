package preprocess

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"
)

// encodePNG renders a uniform gray image as PNG bytes.
func encodePNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestRunShape(t *testing.T) {
	data := encodePNG(t, 64, 48, color.RGBA{R: 128, G: 128, B: 128, A: 255})
	out, err := Run(data, DefaultConfig(224))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []int64{1, 3, 224, 224}
	if len(out.Shape) != 4 {
		t.Fatalf("shape=%v", out.Shape)
	}
	for i, d := range want {
		if out.Shape[i] != d {
			t.Fatalf("shape=%v want %v", out.Shape, want)
		}
	}
	if len(out.Data) != out.Elems() {
		t.Fatalf("data len=%d elems=%d", len(out.Data), out.Elems())
	}
}

func TestRunDeterministic(t *testing.T) {
	data := encodePNG(t, 100, 80, color.RGBA{R: 30, G: 200, B: 90, A: 255})
	cfg := DefaultConfig(224)
	a, err := Run(data, cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	b, err := Run(data, cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("tensors differ at %d: %v vs %v", i, a.Data[i], b.Data[i])
		}
	}
}

func TestRunNormalization(t *testing.T) {
	// A pure-white image maps every channel to (1 - mean) / std.
	data := encodePNG(t, 32, 32, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	cfg := DefaultConfig(16)
	out, err := Run(data, cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	plane := 16 * 16
	for c := 0; c < 3; c++ {
		want := (float32(1) - cfg.Mean[c]) / cfg.Std[c]
		got := out.Data[c*plane]
		if math.Abs(float64(got-want)) > 1e-5 {
			t.Fatalf("channel %d: got %v want %v", c, got, want)
		}
	}
}

func TestRunDecodeError(t *testing.T) {
	_, err := Run([]byte("definitely not an image"), DefaultConfig(224))
	if err == nil {
		t.Fatalf("expected decode error")
	}
	if !IsDecodeError(err) {
		t.Fatalf("expected DecodeError, got %T", err)
	}
}

func TestSyntheticShape(t *testing.T) {
	tt := Synthetic(224)
	if tt.Elems() != 3*224*224 {
		t.Fatalf("elems=%d", tt.Elems())
	}
	if len(tt.Shape) != 4 || tt.Shape[0] != 1 || tt.Shape[1] != 3 {
		t.Fatalf("shape=%v", tt.Shape)
	}
}
