package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hiplawrussia-stack/FolliCore/internal/backend"
	"github.com/hiplawrussia-stack/FolliCore/internal/config"
	"github.com/hiplawrussia-stack/FolliCore/internal/preprocess"
	"github.com/hiplawrussia-stack/FolliCore/pkg/types"
)

// fakeBe is a controllable backend for lifecycle tests.
type fakeBe struct {
	id         string
	loadErr    error
	inferErr   error
	inferDelay time.Duration
	loadGate   chan struct{} // when non-nil Load blocks until closed or ctx ends
	loads      atomic.Int32
	infers     atomic.Int32
	closed     atomic.Bool
}

func (f *fakeBe) Load(ctx context.Context) error {
	f.loads.Add(1)
	if f.loadGate != nil {
		select {
		case <-f.loadGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.loadErr
}

func (f *fakeBe) Infer(*preprocess.Tensor, types.InferenceOptions) (*backend.Output, error) {
	f.infers.Add(1)
	if f.inferDelay > 0 {
		time.Sleep(f.inferDelay)
	}
	if f.inferErr != nil {
		return nil, f.inferErr
	}
	return &backend.Output{Embedding: make([]float32, 4)}, nil
}

func (f *fakeBe) Describe() types.ModelDescriptor {
	return types.ModelDescriptor{ID: f.id, Name: "fake/" + f.id, Backend: types.BackendNative, EmbeddingDim: 4}
}

func (f *fakeBe) Close() error {
	f.closed.Store(true)
	return nil
}

func modelCfg(ids ...string) config.Config {
	var cfg config.Config
	for _, id := range ids {
		cfg.Models = append(cfg.Models, config.ModelConfig{
			ID: id, Name: "fake/" + id, ImageSize: 16, BatchSize: 2, WarmupIterations: 1,
		})
	}
	return cfg
}

// factoryOf returns a factory serving per-id fakes.
func factoryOf(backends map[string]*fakeBe) BackendFactory {
	return func(mc config.ModelConfig, _ zerolog.Logger) backend.Backend {
		if b, ok := backends[mc.ID]; ok {
			return b
		}
		return &fakeBe{id: mc.ID}
	}
}

func newTestController(cfg config.Config, backends map[string]*fakeBe) *Controller {
	c := NewController(cfg, zerolog.Nop())
	c.SetBackendFactory(factoryOf(backends))
	return c
}

func TestControllerStartupReadiness(t *testing.T) {
	c := newTestController(modelCfg("a", "b"), map[string]*fakeBe{})
	if c.Ready() || c.Started() {
		t.Fatal("must not be ready before loads run")
	}
	for _, e := range c.Registry().List() {
		if e.State != StateStarting {
			t.Fatalf("entry %s state=%s", e.Descriptor.ID, e.State)
		}
	}
	c.LoadAll(context.Background())
	if !c.Ready() || !c.Started() {
		t.Fatalf("ready=%v started=%v after LoadAll", c.Ready(), c.Started())
	}
	for _, e := range c.Registry().List() {
		if e.State != StateReady || e.Engine == nil || e.Warmup == nil {
			t.Fatalf("entry %s not fully ready: %+v", e.Descriptor.ID, e)
		}
	}
}

func TestControllerFailedLoadIsolation(t *testing.T) {
	backends := map[string]*fakeBe{
		"bad": {id: "bad", loadErr: errors.New("corrupt weights")},
	}
	c := newTestController(modelCfg("good", "bad"), backends)
	c.LoadAll(context.Background())

	if c.Ready() {
		t.Fatal("global readiness must AND over all models")
	}
	if c.Started() {
		t.Fatal("startup latch must not flip until readiness is reached")
	}
	good, _ := c.Registry().Get("good")
	if good.State != StateReady {
		t.Fatalf("good state=%s", good.State)
	}
	bad, _ := c.Registry().Get("bad")
	if bad.State != StateFailed || bad.Err == "" {
		t.Fatalf("bad entry: %+v", bad)
	}
	if _, err := c.Acquire("good"); err != nil {
		t.Fatalf("acquire good: %v", err)
	}
	if _, err := c.Acquire("bad"); !IsNotReady(err) {
		t.Fatalf("acquire bad err=%v", err)
	}
}

func TestControllerStartupLatchRequiresReadiness(t *testing.T) {
	be := &fakeBe{id: "m", loadErr: errors.New("device busy")}
	c := newTestController(modelCfg("m"), map[string]*fakeBe{"m": be})
	c.LoadAll(context.Background())
	if c.Started() {
		t.Fatal("startup must not complete while the only model is failed")
	}

	// A later successful load reaches readiness and latches startup.
	be.loadErr = nil
	if err := c.Load(context.Background(), "m"); err != nil {
		t.Fatalf("retry load: %v", err)
	}
	if !c.Started() {
		t.Fatal("startup latch must set once readiness is reached")
	}

	// The latch survives drain.
	c.Drain()
	if !c.Started() {
		t.Fatal("startup latch must stay set through drain")
	}
}

func TestControllerWarmupDisabled(t *testing.T) {
	cfg := modelCfg("m")
	cfg.Models[0].WarmupIterations = 0
	be := &fakeBe{id: "m"}
	c := newTestController(cfg, map[string]*fakeBe{"m": be})
	pub := NewMemoryPublisher()
	c.SetPublisher(pub)
	c.LoadAll(context.Background())

	e, _ := c.Registry().Get("m")
	if e.State != StateReady || e.Warmup != nil {
		t.Fatalf("entry: state=%s warmup=%+v", e.State, e.Warmup)
	}
	if got := be.infers.Load(); got != 0 {
		t.Fatalf("warmup disabled but %d forward passes ran", got)
	}
	for _, ev := range pub.Events() {
		if ev.Name == "warmup_start" {
			t.Fatal("warmup_start published although warmup is disabled")
		}
	}
}

func TestControllerWarmupTimeout(t *testing.T) {
	cfg := modelCfg("slow")
	cfg.Models[0].LoadTimeoutMS = 20
	cfg.Models[0].WarmupIterations = 1000
	backends := map[string]*fakeBe{
		"slow": {id: "slow", inferDelay: 5 * time.Millisecond},
	}
	c := newTestController(cfg, backends)
	err := c.Load(context.Background(), "slow")
	if !backend.IsTimeout(err) {
		t.Fatalf("err=%v want TimeoutError", err)
	}
	e, _ := c.Registry().Get("slow")
	if e.State != StateFailed {
		t.Fatalf("state=%s want failed", e.State)
	}
	if !backends["slow"].closed.Load() {
		t.Fatal("backend must be released when warmup times out")
	}
}

func TestControllerWarmupFailureFailsModel(t *testing.T) {
	backends := map[string]*fakeBe{
		"m": {id: "m", inferErr: errors.New("kernel launch failed")},
	}
	c := newTestController(modelCfg("m"), backends)
	c.LoadAll(context.Background())
	e, _ := c.Registry().Get("m")
	if e.State != StateFailed {
		t.Fatalf("state=%s want failed", e.State)
	}
}

func TestControllerLoadTimeout(t *testing.T) {
	cfg := modelCfg("slow")
	cfg.Models[0].LoadTimeoutMS = 20
	backends := map[string]*fakeBe{
		"slow": {id: "slow", loadGate: make(chan struct{})}, // never opened
	}
	c := newTestController(cfg, backends)
	err := c.Load(context.Background(), "slow")
	if !backend.IsTimeout(err) {
		t.Fatalf("err=%v want TimeoutError", err)
	}
	e, _ := c.Registry().Get("slow")
	if e.State != StateFailed {
		t.Fatalf("state=%s want failed", e.State)
	}
}

func TestControllerConcurrentLoadRejected(t *testing.T) {
	gate := make(chan struct{})
	backends := map[string]*fakeBe{
		"m": {id: "m", loadGate: gate},
	}
	c := newTestController(modelCfg("m"), backends)

	done := make(chan error, 1)
	go func() { done <- c.Load(context.Background(), "m") }()

	// Wait for the first load to hold the slot.
	deadline := time.After(2 * time.Second)
	for backends["m"].loads.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("first load never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if err := c.Load(context.Background(), "m"); !IsLoadInProgress(err) {
		t.Fatalf("second load err=%v", err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first load: %v", err)
	}
}

func TestControllerAcquire(t *testing.T) {
	c := newTestController(modelCfg("m"), map[string]*fakeBe{})
	c.LoadAll(context.Background())

	if _, err := c.Acquire("nope"); !IsModelNotFound(err) {
		t.Fatalf("unknown id err=%v", err)
	}
	eng, err := c.Acquire("")
	if err != nil || eng == nil {
		t.Fatalf("default acquire: %v", err)
	}
}

func TestControllerDrainAndClose(t *testing.T) {
	be := &fakeBe{id: "m"}
	c := newTestController(modelCfg("m"), map[string]*fakeBe{"m": be})
	c.LoadAll(context.Background())

	c.Drain()
	if c.Ready() {
		t.Fatal("draining server must not report ready")
	}
	if _, err := c.Acquire("m"); !IsDraining(err) {
		t.Fatalf("acquire during drain err=%v", err)
	}
	e, _ := c.Registry().Get("m")
	if e.State != StateDraining {
		t.Fatalf("state=%s want draining", e.State)
	}
	if be.closed.Load() {
		t.Fatal("drain must not close backends")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !be.closed.Load() {
		t.Fatal("close must release backends")
	}
	e, _ = c.Registry().Get("m")
	if e.State != StateStopped {
		t.Fatalf("state=%s want stopped", e.State)
	}
}

func TestControllerReloadMakeBeforeBreak(t *testing.T) {
	first := &fakeBe{id: "m"}
	c := newTestController(modelCfg("m"), map[string]*fakeBe{"m": first})
	c.LoadAll(context.Background())

	// A failing replacement must leave the serving copy untouched.
	c.SetBackendFactory(func(mc config.ModelConfig, _ zerolog.Logger) backend.Backend {
		return &fakeBe{id: mc.ID, loadErr: errors.New("bad artifact")}
	})
	if err := c.Reload(context.Background(), "m"); err == nil {
		t.Fatal("expected reload failure")
	}
	e, _ := c.Registry().Get("m")
	if e.State != StateReady || e.Engine == nil {
		t.Fatalf("entry degraded by failed reload: %+v", e)
	}
	if first.closed.Load() {
		t.Fatal("failed reload must not close the serving backend")
	}

	// A successful replacement swaps engines and closes the old backend.
	second := &fakeBe{id: "m"}
	c.SetBackendFactory(func(config.ModelConfig, zerolog.Logger) backend.Backend { return second })
	if err := c.Reload(context.Background(), "m"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !first.closed.Load() {
		t.Fatal("old backend must be closed after swap")
	}
	if e, _ := c.Registry().Get("m"); e.State != StateReady {
		t.Fatalf("state=%s", e.State)
	}
}

func TestControllerEvents(t *testing.T) {
	pub := NewMemoryPublisher()
	c := newTestController(modelCfg("m"), map[string]*fakeBe{})
	c.SetPublisher(pub)
	c.LoadAll(context.Background())

	names := map[string]bool{}
	for _, ev := range pub.Events() {
		names[ev.Name] = true
	}
	for _, want := range []string{"load_start", "warmup_start", "model_ready", "startup_complete"} {
		if !names[want] {
			t.Fatalf("missing event %s in %v", want, names)
		}
	}
}

func TestControllerStatus(t *testing.T) {
	backends := map[string]*fakeBe{
		"bad": {id: "bad", loadErr: errors.New("nope")},
	}
	c := newTestController(modelCfg("good", "bad"), backends)
	c.LoadAll(context.Background())

	st := c.Status("1.2.3")
	if st.State != string(StateFailed) {
		t.Fatalf("state=%s", st.State)
	}
	if st.ModelCount != 2 || st.ModelsReady || st.Version != "1.2.3" {
		t.Fatalf("status: %+v", st)
	}
	if st.Models[0].ModelID != "good" || st.Models[1].ModelID != "bad" {
		t.Fatalf("model order not stable: %+v", st.Models)
	}

	rs := c.ReadyStatus()
	if rs.Ready || len(rs.Models) != 2 {
		t.Fatalf("ready status: %+v", rs)
	}
}
