package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hiplawrussia-stack/FolliCore/internal/backend"
	"github.com/hiplawrussia-stack/FolliCore/internal/config"
	"github.com/hiplawrussia-stack/FolliCore/internal/engine"
	"github.com/hiplawrussia-stack/FolliCore/pkg/types"
)

// BackendFactory builds a backend for one model configuration. Swappable in
// tests.
type BackendFactory func(config.ModelConfig, zerolog.Logger) backend.Backend

// Controller drives model lifecycles: concurrent startup loads, warmup as a
// readiness precondition, live reloads, and drain on shutdown.
type Controller struct {
	cfg       config.Config
	reg       *Registry
	log       zerolog.Logger
	publisher EventPublisher
	factory   BackendFactory
	startedAt time.Time

	mu      sync.Mutex
	loading map[string]bool

	started  atomic.Bool // latched the first time every model is ready
	draining atomic.Bool
}

// NewController wires a controller over an empty registry. Every configured
// model is registered in the starting state so status endpoints can report it
// before its load begins.
func NewController(cfg config.Config, log zerolog.Logger) *Controller {
	c := &Controller{
		cfg:       cfg,
		reg:       New(),
		log:       log,
		publisher: noopPublisher{},
		factory:   backend.Select,
		startedAt: time.Now(),
		loading:   make(map[string]bool),
	}
	for _, mc := range cfg.Models {
		c.reg.Put(mc.ID, &Entry{
			Descriptor: descriptorFor(mc),
			State:      StateStarting,
		})
	}
	return c
}

// SetPublisher replaces the event sink. Call before LoadAll.
func (c *Controller) SetPublisher(p EventPublisher) {
	if p != nil {
		c.publisher = p
	}
}

// SetBackendFactory replaces the backend constructor. Call before LoadAll.
func (c *Controller) SetBackendFactory(f BackendFactory) {
	if f != nil {
		c.factory = f
	}
}

// Registry exposes the entry table for status reporting.
func (c *Controller) Registry() *Registry { return c.reg }

// LoadAll loads every configured model concurrently and blocks until all of
// them reached ready or failed. One model failing never aborts the others.
func (c *Controller) LoadAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, mc := range c.cfg.Models {
		wg.Add(1)
		go func(mc config.ModelConfig) {
			defer wg.Done()
			if err := c.Load(ctx, mc.ID); err != nil {
				c.log.Error().Err(err).Str("model", mc.ID).Msg("model failed to load")
			}
		}(mc)
	}
	wg.Wait()
	c.publisher.Publish(Event{Name: "startup_complete", Fields: map[string]any{
		"ready": c.reg.AllReady(),
	}})
}

// Load runs the full load-then-warm sequence for one model id. A second Load
// for an id whose load is still running is rejected, not queued.
func (c *Controller) Load(ctx context.Context, id string) error {
	mc, ok := c.modelConfig(id)
	if !ok {
		return ErrModelNotFound(id)
	}
	if !c.beginLoad(id) {
		return ErrLoadInProgress(id)
	}
	defer c.endLoad(id)

	eng, warmup, err := c.bringUp(ctx, mc)
	if err != nil {
		c.reg.update(id, func(e *Entry) {
			e.State = StateFailed
			e.Err = err.Error()
			e.Engine = nil
			e.Warmup = nil
		})
		c.publisher.Publish(Event{Name: "load_failed", ModelID: id, Fields: map[string]any{"error": err.Error()}})
		return err
	}

	c.reg.Put(id, &Entry{
		Descriptor: eng.ModelInfo(),
		State:      StateReady,
		Engine:     eng,
		Warmup:     warmup,
		LoadedAt:   time.Now(),
	})
	c.latchStartup()
	fields := map[string]any{}
	if warmup != nil {
		fields["first_inference_ms"] = warmup.FirstMs
	}
	c.publisher.Publish(Event{Name: "model_ready", ModelID: id, Fields: fields})
	return nil
}

// Reload swaps in a freshly loaded copy of the model without dropping the one
// currently serving. The old backend keeps answering until the replacement is
// warm; it is closed only after the swap.
func (c *Controller) Reload(ctx context.Context, id string) error {
	mc, ok := c.modelConfig(id)
	if !ok {
		return ErrModelNotFound(id)
	}
	if !c.beginLoad(id) {
		return ErrLoadInProgress(id)
	}
	defer c.endLoad(id)

	c.publisher.Publish(Event{Name: "reload_start", ModelID: id})
	eng, warmup, err := c.bringUpQuiet(ctx, mc)
	if err != nil {
		c.publisher.Publish(Event{Name: "reload_failed", ModelID: id, Fields: map[string]any{"error": err.Error()}})
		return err
	}

	old, _ := c.reg.Get(id)
	c.reg.Put(id, &Entry{
		Descriptor: eng.ModelInfo(),
		State:      StateReady,
		Engine:     eng,
		Warmup:     warmup,
		LoadedAt:   time.Now(),
	})
	c.latchStartup()
	c.publisher.Publish(Event{Name: "reload_complete", ModelID: id})
	if old != nil && old.Engine != nil {
		if err := old.Engine.CloseBackend(); err != nil {
			c.log.Warn().Err(err).Str("model", id).Msg("closing replaced backend")
		}
	}
	return nil
}

// bringUp loads and warms one model, publishing the intermediate states.
func (c *Controller) bringUp(ctx context.Context, mc config.ModelConfig) (*engine.Engine, *types.WarmupStats, error) {
	log := c.log.With().Str("model", mc.ID).Logger()
	b := c.factory(mc, log)
	eng := engine.New(b, mc, log)

	c.reg.update(mc.ID, func(e *Entry) { e.State = StateLoading })
	c.publisher.Publish(Event{Name: "load_start", ModelID: mc.ID})

	loadCtx, cancel := context.WithTimeout(ctx, mc.LoadTimeout())
	defer cancel()
	start := time.Now()
	if err := b.Load(loadCtx); err != nil {
		if loadCtx.Err() == context.DeadlineExceeded {
			err = &backend.TimeoutError{Op: "load " + mc.ID, Limit: mc.LoadTimeout()}
		}
		return nil, nil, err
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("model loaded")

	if mc.WarmupIterations <= 0 {
		log.Info().Msg("warmup disabled")
		return eng, nil, nil
	}
	c.reg.update(mc.ID, func(e *Entry) { e.State = StateWarming })
	c.publisher.Publish(Event{Name: "warmup_start", ModelID: mc.ID})
	warmup, err := eng.Warmup(loadCtx, mc.WarmupIterations)
	if err != nil {
		_ = b.Close()
		if loadCtx.Err() == context.DeadlineExceeded {
			err = &backend.TimeoutError{Op: "warmup " + mc.ID, Limit: mc.LoadTimeout()}
		}
		return nil, nil, err
	}
	log.Info().Float64("first_ms", warmup.FirstMs).Float64("avg_ms", warmup.AvgMs).Msg("warmup complete")
	return eng, warmup, nil
}

// bringUpQuiet is bringUp without touching the live entry's state, used by
// Reload so the serving copy never leaves ready.
func (c *Controller) bringUpQuiet(ctx context.Context, mc config.ModelConfig) (*engine.Engine, *types.WarmupStats, error) {
	log := c.log.With().Str("model", mc.ID).Logger()
	b := c.factory(mc, log)
	eng := engine.New(b, mc, log)

	loadCtx, cancel := context.WithTimeout(ctx, mc.LoadTimeout())
	defer cancel()
	if err := b.Load(loadCtx); err != nil {
		if loadCtx.Err() == context.DeadlineExceeded {
			err = &backend.TimeoutError{Op: "reload " + mc.ID, Limit: mc.LoadTimeout()}
		}
		return nil, nil, err
	}
	if mc.WarmupIterations <= 0 {
		return eng, nil, nil
	}
	warmup, err := eng.Warmup(loadCtx, mc.WarmupIterations)
	if err != nil {
		_ = b.Close()
		if loadCtx.Err() == context.DeadlineExceeded {
			err = &backend.TimeoutError{Op: "warmup " + mc.ID, Limit: mc.LoadTimeout()}
		}
		return nil, nil, err
	}
	return eng, warmup, nil
}

// Acquire resolves a model id to its serving engine. Empty id selects the
// first configured model.
func (c *Controller) Acquire(id string) (*engine.Engine, error) {
	if c.draining.Load() {
		return nil, ErrDraining
	}
	if id == "" {
		id = c.DefaultID()
	}
	e, ok := c.reg.Get(id)
	if !ok {
		return nil, ErrModelNotFound(id)
	}
	if !e.Ready() {
		return nil, ErrNotReady(id, e.State)
	}
	return e.Engine, nil
}

// DefaultID returns the first configured model id.
func (c *Controller) DefaultID() string {
	if len(c.cfg.Models) == 0 {
		return ""
	}
	return c.cfg.Models[0].ID
}

// Ready reports global readiness: every model ready and not draining.
func (c *Controller) Ready() bool {
	return !c.draining.Load() && c.reg.AllReady()
}

// Started reports whether full readiness was reached at least once. The
// latch stays set through later failures, reloads, and drain.
func (c *Controller) Started() bool {
	return c.started.Load()
}

// latchStartup sets the startup latch once every configured model is ready.
func (c *Controller) latchStartup() {
	if c.reg.AllReady() {
		c.started.CompareAndSwap(false, true)
	}
}

// Draining reports whether shutdown has begun.
func (c *Controller) Draining() bool {
	return c.draining.Load()
}

// Uptime reports time since the controller was constructed.
func (c *Controller) Uptime() time.Duration {
	return time.Since(c.startedAt)
}

// Drain flips every ready entry to draining and rejects new acquisitions.
// In-flight requests already hold their engine and finish normally.
func (c *Controller) Drain() {
	if !c.draining.CompareAndSwap(false, true) {
		return
	}
	for _, e := range c.reg.List() {
		if e.State == StateReady {
			c.reg.update(e.Descriptor.ID, func(e *Entry) { e.State = StateDraining })
		}
	}
	c.publisher.Publish(Event{Name: "drain_start"})
}

// Close releases every backend. Call only after the traffic listener has
// fully stopped so no in-flight request can touch a closed backend.
func (c *Controller) Close() error {
	c.Drain()
	var first error
	for _, e := range c.reg.List() {
		if e.Engine != nil {
			if err := e.Engine.CloseBackend(); err != nil && first == nil {
				first = err
			}
		}
		c.reg.update(e.Descriptor.ID, func(e *Entry) {
			e.State = StateStopped
			e.Engine = nil
		})
	}
	c.publisher.Publish(Event{Name: "shutdown_complete"})
	return first
}

func (c *Controller) beginLoad(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loading[id] {
		return false
	}
	c.loading[id] = true
	return true
}

func (c *Controller) endLoad(id string) {
	c.mu.Lock()
	delete(c.loading, id)
	c.mu.Unlock()
}

// descriptorFor builds the provisional descriptor shown before a model's
// backend has been constructed.
func descriptorFor(mc config.ModelConfig) types.ModelDescriptor {
	return types.ModelDescriptor{
		ID:        mc.ID,
		Name:      mc.Name,
		Device:    mc.Device,
		FP16:      mc.UseFP16,
		ImageSize: mc.ImageSize,
	}
}

func (c *Controller) modelConfig(id string) (config.ModelConfig, bool) {
	for _, mc := range c.cfg.Models {
		if mc.ID == id {
			return mc, true
		}
	}
	return config.ModelConfig{}, false
}
