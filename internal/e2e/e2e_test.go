// Package e2e exercises the daemon end to end: real controller, real routers,
// real HTTP, with only the model backend stubbed out.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hiplawrussia-stack/FolliCore/internal/backend"
	"github.com/hiplawrussia-stack/FolliCore/internal/config"
	"github.com/hiplawrussia-stack/FolliCore/internal/httpapi"
	"github.com/hiplawrussia-stack/FolliCore/internal/preprocess"
	"github.com/hiplawrussia-stack/FolliCore/internal/registry"
	"github.com/hiplawrussia-stack/FolliCore/pkg/types"
)

type stubBackend struct {
	id       string
	loadGate chan struct{} // Load blocks until closed when non-nil
}

func (s *stubBackend) Load(ctx context.Context) error {
	if s.loadGate != nil {
		select {
		case <-s.loadGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *stubBackend) Infer(*preprocess.Tensor, types.InferenceOptions) (*backend.Output, error) {
	return &backend.Output{Embedding: []float32{0.1, 0.2, 0.3}}, nil
}

func (s *stubBackend) Describe() types.ModelDescriptor {
	return types.ModelDescriptor{ID: s.id, Name: "stub/" + s.id, Backend: types.BackendNative, Version: "pretrained", EmbeddingDim: 3}
}

func (s *stubBackend) Close() error { return nil }

func newDaemon(t *testing.T, gate chan struct{}) (ctrl *registry.Controller, wire, status *httptest.Server) {
	t.Helper()
	cfg := config.Config{Models: []config.ModelConfig{
		{ID: "dinov2", Name: "stub/dinov2", ImageSize: 16, BatchSize: 2, WarmupIterations: 1},
	}}
	ctrl = registry.NewController(cfg, zerolog.Nop())
	ctrl.SetBackendFactory(func(mc config.ModelConfig, _ zerolog.Logger) backend.Backend {
		return &stubBackend{id: mc.ID, loadGate: gate}
	})
	opts := httpapi.Options{Version: "e2e", Logger: zerolog.Nop()}
	wire = httptest.NewServer(httpapi.NewWireMux(ctrl, opts))
	status = httptest.NewServer(httpapi.NewStatusMux(ctrl, opts))
	t.Cleanup(wire.Close)
	t.Cleanup(status.Close)
	return ctrl, wire, status
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body
}

func postImage(t *testing.T, url string) (int, []byte) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "image/png", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body
}

// The full lifecycle: traffic is refused while loading, the status listener
// answers the whole time, readiness flips after warmup, and drain takes the
// server back out of rotation.
func TestLifecycleTimeline(t *testing.T) {
	gate := make(chan struct{})
	ctrl, wire, status := newDaemon(t, gate)

	loadDone := make(chan struct{})
	go func() {
		ctrl.LoadAll(context.Background())
		close(loadDone)
	}()

	// While the load is gated the daemon must answer probes but refuse work.
	if code, _ := get(t, status.URL+"/healthz"); code != http.StatusOK {
		t.Fatalf("healthz during load: %d", code)
	}
	if code, _ := get(t, status.URL+"/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz during load: %d", code)
	}
	if code, _ := get(t, status.URL+"/startupz"); code != http.StatusServiceUnavailable {
		t.Fatalf("startupz during load: %d", code)
	}
	if code, _ := postImage(t, wire.URL+"/v1/extract"); code != http.StatusServiceUnavailable {
		t.Fatalf("extract during load: %d", code)
	}

	close(gate)
	select {
	case <-loadDone:
	case <-time.After(5 * time.Second):
		t.Fatal("load never completed")
	}

	if code, _ := get(t, status.URL+"/readyz"); code != http.StatusOK {
		t.Fatalf("readyz after load: %d", code)
	}
	if code, _ := get(t, status.URL+"/startupz"); code != http.StatusOK {
		t.Fatalf("startupz after load: %d", code)
	}

	code, body := postImage(t, wire.URL+"/v1/extract")
	if code != http.StatusOK {
		t.Fatalf("extract after load: %d %s", code, body)
	}
	var res types.InferenceResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("json: %v", err)
	}
	if res.Dimension != 3 || res.ModelVersion != "pretrained" {
		t.Fatalf("result: %+v", res)
	}

	code, body = get(t, status.URL+"/status")
	if code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
	var st types.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("json: %v", err)
	}
	if st.State != "ready" || !st.ModelsReady || st.ModelCount != 1 {
		t.Fatalf("status body: %+v", st)
	}

	// Drain: probes keep answering, traffic is refused.
	ctrl.Drain()
	if code, _ := get(t, status.URL+"/healthz"); code != http.StatusOK {
		t.Fatalf("healthz during drain: %d", code)
	}
	if code, _ := get(t, status.URL+"/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz during drain: %d", code)
	}
	if code, _ := postImage(t, wire.URL+"/v1/extract"); code != http.StatusServiceUnavailable {
		t.Fatalf("extract during drain: %d", code)
	}
	if err := ctrl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMetricsExposed(t *testing.T) {
	ctrl, wire, status := newDaemon(t, nil)
	ctrl.LoadAll(context.Background())

	if code, _ := postImage(t, wire.URL+"/v1/extract"); code != http.StatusOK {
		t.Fatalf("extract: %d", code)
	}
	code, body := get(t, status.URL+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("metrics: %d", code)
	}
	for _, metric := range []string{"follicore_uptime_seconds", "follicore_models_count", "follicore_http_requests_total"} {
		if !bytes.Contains(body, []byte(metric)) {
			t.Fatalf("metric %s missing from exposition", metric)
		}
	}
}
