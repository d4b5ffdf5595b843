package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override key.
const EnvPrefix = "FOLLICORE_"

// Load reads a configuration file based on its extension, applies FOLLICORE_*
// environment overrides, defaults, and validation. An empty path skips the
// file and builds the config from environment alone.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		case ".json":
			if err := json.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		case ".toml":
			if err := toml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		default:
			return cfg, fmt.Errorf("unsupported config extension: %s", ext)
		}
	}
	cfg.applyEnv(os.Getenv)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from the environment. Model-level
// variables apply to every configured model; when no models are configured
// at all, a single default entry is synthesized so the service can run from
// environment alone.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvPrefix + "WIRE_ADDR"); v != "" {
		c.Server.WireAddr = v
	}
	if v := getenv(EnvPrefix + "STATUS_ADDR"); v != "" {
		c.Server.StatusAddr = v
	}
	if v, ok := envInt(getenv, "MAX_BODY_BYTES"); ok {
		c.Server.MaxBodyBytes = v
	}
	if v, ok := envInt(getenv, "REQUEST_TIMEOUT_MS"); ok {
		c.Server.RequestTimeoutMS = v
	}
	if v, ok := envInt(getenv, "DRAIN_GRACE_MS"); ok {
		c.Server.DrainGraceMS = v
	}
	if v := getenv(EnvPrefix + "CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = splitCSV(v)
	}
	if v := getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := getenv(EnvPrefix + "LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}

	if len(c.Models) == 0 {
		if getenv(EnvPrefix+"WEIGHTS") != "" || getenv(EnvPrefix+"ONNX") != "" {
			c.Models = []ModelConfig{{ID: "dinov2", Name: "facebook/dinov2-base"}}
		}
	}
	for i := range c.Models {
		m := &c.Models[i]
		if v := getenv(EnvPrefix + "MODEL"); v != "" {
			m.Name = v
		}
		if v := getenv(EnvPrefix + "WEIGHTS"); v != "" {
			m.WeightsPath = v
		}
		if v := getenv(EnvPrefix + "CHECKPOINT"); v != "" {
			m.CheckpointPath = v
		}
		if v := getenv(EnvPrefix + "ONNX"); v != "" {
			m.ONNXPath = v
		}
		if v := getenv(EnvPrefix + "DEVICE"); v != "" {
			m.Device = strings.ToLower(v)
		}
		if v := getenv(EnvPrefix + "USE_FP16"); v != "" {
			m.UseFP16 = strings.EqualFold(v, "true") || v == "1"
		}
		if v, ok := envInt(getenv, "IMAGE_SIZE"); ok {
			m.ImageSize = int(v)
		}
		if v, ok := envInt(getenv, "BATCH_SIZE"); ok {
			m.BatchSize = int(v)
		}
		if v, ok := envInt(getenv, "WARMUP_ITERATIONS"); ok {
			m.WarmupIterations = int(v)
		}
		if v, ok := envInt(getenv, "LOAD_TIMEOUT_MS"); ok {
			m.LoadTimeoutMS = v
		}
	}
}

func envInt(getenv func(string) string, key string) (int64, bool) {
	v := getenv(EnvPrefix + key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
