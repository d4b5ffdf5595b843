package config

import (
	"fmt"
	"time"
)

// Defaults applied when the corresponding fields are unset.
const (
	DefaultWireAddr       = ":8085"
	DefaultStatusAddr     = ":8081"
	DefaultMaxBodyBytes   = 100 << 20 // matches the original 100MB message cap
	DefaultImageSize      = 224
	DefaultBatchSize      = 8
	DefaultWarmupIters    = 3
	DefaultLoadTimeout    = 5 * time.Minute
	DefaultDrainGrace     = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// ServerConfig holds listener settings. The wire listener serves inference;
// the status listener serves liveness/readiness/metrics and must stay
// responsive regardless of model state.
type ServerConfig struct {
	WireAddr   string `json:"wire_addr" yaml:"wire_addr" toml:"wire_addr"`
	StatusAddr string `json:"status_addr" yaml:"status_addr" toml:"status_addr"`
	// Maximum accepted request body size in bytes on the wire listener.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	// Per-request deadline in milliseconds (0 disables).
	RequestTimeoutMS int64 `json:"request_timeout_ms" yaml:"request_timeout_ms" toml:"request_timeout_ms"`
	// Grace period in milliseconds for draining in-flight requests on
	// shutdown.
	DrainGraceMS int64 `json:"drain_grace_ms" yaml:"drain_grace_ms" toml:"drain_grace_ms"`
	// Allowed CORS origins for the wire listener; empty disables CORS.
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// ModelConfig describes one model to load at startup.
type ModelConfig struct {
	// Stable id used in the registry and status reporting.
	ID string `json:"id" yaml:"id" toml:"id"`
	// Pretrained model name, e.g. "facebook/dinov2-base".
	Name string `json:"name" yaml:"name" toml:"name"`
	// Path to the pretrained state-dict blob for the native backend.
	WeightsPath string `json:"weights_path" yaml:"weights_path" toml:"weights_path"`
	// Optional fine-tuned checkpoint merged over the pretrained weights.
	CheckpointPath string `json:"checkpoint_path" yaml:"checkpoint_path" toml:"checkpoint_path"`
	// Optional optimized-runtime graph. When set and present on disk the
	// ONNX backend is selected instead of the native one.
	ONNXPath string `json:"onnx_path" yaml:"onnx_path" toml:"onnx_path"`
	// Device: cpu, cuda, or mps.
	Device string `json:"device" yaml:"device" toml:"device"`
	// Downcast weights to 16-bit precision. Only honored on accelerators.
	UseFP16 bool `json:"use_fp16" yaml:"use_fp16" toml:"use_fp16"`
	// Input image side length.
	ImageSize int `json:"image_size" yaml:"image_size" toml:"image_size"`
	// Bound on batch fan-out concurrency.
	BatchSize int `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	// Synthetic forward passes before the model is marked ready; 0 skips
	// warmup.
	WarmupIterations int `json:"warmup_iterations" yaml:"warmup_iterations" toml:"warmup_iterations"`
	// Load deadline in milliseconds; exceeding it fails the model.
	LoadTimeoutMS int64 `json:"load_timeout_ms" yaml:"load_timeout_ms" toml:"load_timeout_ms"`
}

// LoggingConfig selects log verbosity and encoding.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"` // json or console
}

// Config holds runtime parameters for the service.
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server" toml:"server"`
	Logging LoggingConfig `json:"logging" yaml:"logging" toml:"logging"`
	Models  []ModelConfig `json:"models" yaml:"models" toml:"models"`
}

// RequestTimeout returns the per-request deadline.
func (s ServerConfig) RequestTimeout() time.Duration {
	if s.RequestTimeoutMS <= 0 {
		return DefaultRequestTimeout
	}
	return time.Duration(s.RequestTimeoutMS) * time.Millisecond
}

// DrainGrace returns the shutdown drain grace period.
func (s ServerConfig) DrainGrace() time.Duration {
	if s.DrainGraceMS <= 0 {
		return DefaultDrainGrace
	}
	return time.Duration(s.DrainGraceMS) * time.Millisecond
}

// LoadTimeout returns the model load deadline.
func (m ModelConfig) LoadTimeout() time.Duration {
	if m.LoadTimeoutMS <= 0 {
		return DefaultLoadTimeout
	}
	return time.Duration(m.LoadTimeoutMS) * time.Millisecond
}

// ApplyDefaults fills unset fields in place.
func (c *Config) ApplyDefaults() {
	if c.Server.WireAddr == "" {
		c.Server.WireAddr = DefaultWireAddr
	}
	if c.Server.StatusAddr == "" {
		c.Server.StatusAddr = DefaultStatusAddr
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	for i := range c.Models {
		m := &c.Models[i]
		if m.Name == "" {
			m.Name = m.ID
		}
		if m.Device == "" {
			m.Device = "cpu"
		}
		if m.ImageSize <= 0 {
			m.ImageSize = DefaultImageSize
		}
		if m.BatchSize <= 0 {
			m.BatchSize = DefaultBatchSize
		}
		if m.WarmupIterations < 0 {
			m.WarmupIterations = DefaultWarmupIters
		}
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("no models configured")
	}
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("model with empty id")
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate model id %q", m.ID)
		}
		seen[m.ID] = true
		if m.WeightsPath == "" && m.ONNXPath == "" {
			return fmt.Errorf("model %q: neither weights_path nor onnx_path configured", m.ID)
		}
		switch m.Device {
		case "cpu", "cuda", "mps":
		default:
			return fmt.Errorf("model %q: invalid device %q (must be cpu, cuda, or mps)", m.ID, m.Device)
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}
	return nil
}
