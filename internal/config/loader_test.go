package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, "cfg.yaml", `
server:
  wire_addr: ":9000"
  max_body_bytes: 1048576
models:
  - id: dinov2
    name: facebook/dinov2-base
    weights_path: /models/dinov2.bin
    image_size: 224
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.WireAddr != ":9000" {
		t.Fatalf("wire_addr=%q", cfg.Server.WireAddr)
	}
	if cfg.Server.StatusAddr != DefaultStatusAddr {
		t.Fatalf("status_addr default missing: %q", cfg.Server.StatusAddr)
	}
	if len(cfg.Models) != 1 || cfg.Models[0].ID != "dinov2" {
		t.Fatalf("models=%+v", cfg.Models)
	}
	if cfg.Models[0].BatchSize != DefaultBatchSize {
		t.Fatalf("batch_size default missing: %d", cfg.Models[0].BatchSize)
	}
}

func TestLoadTOML(t *testing.T) {
	p := writeFile(t, "cfg.toml", `
[server]
status_addr = ":7070"

[[models]]
id = "vit"
weights_path = "/models/vit.bin"
device = "cuda"
use_fp16 = true
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.StatusAddr != ":7070" {
		t.Fatalf("status_addr=%q", cfg.Server.StatusAddr)
	}
	if !cfg.Models[0].UseFP16 || cfg.Models[0].Device != "cuda" {
		t.Fatalf("model=%+v", cfg.Models[0])
	}
}

func TestLoadJSON(t *testing.T) {
	p := writeFile(t, "cfg.json", `{"models":[{"id":"m","onnx_path":"/m.onnx"}]}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Models[0].ONNXPath != "/m.onnx" {
		t.Fatalf("model=%+v", cfg.Models[0])
	}
}

func TestLoadUnsupportedExtension(t *testing.T) {
	p := writeFile(t, "cfg.ini", "x=1")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error for .ini")
	}
}

func TestValidateRejectsBadDevice(t *testing.T) {
	cfg := Config{Models: []ModelConfig{{ID: "m", WeightsPath: "/w", Device: "tpu"}}}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid device error")
	}
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	cfg := Config{Models: []ModelConfig{
		{ID: "m", WeightsPath: "/w"},
		{ID: "m", WeightsPath: "/w"},
	}}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestValidateRequiresArtifact(t *testing.T) {
	cfg := Config{Models: []ModelConfig{{ID: "m"}}}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing artifact error")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"FOLLICORE_WIRE_ADDR":   ":6000",
		"FOLLICORE_DEVICE":      "cuda",
		"FOLLICORE_USE_FP16":    "true",
		"FOLLICORE_BATCH_SIZE":  "4",
		"FOLLICORE_LOG_LEVEL":   "debug",
		"FOLLICORE_DRAIN_GRACE_MS": "2500",
	}
	cfg := Config{Models: []ModelConfig{{ID: "m", WeightsPath: "/w"}}}
	cfg.applyEnv(func(k string) string { return env[k] })
	cfg.ApplyDefaults()
	if cfg.Server.WireAddr != ":6000" {
		t.Fatalf("wire_addr=%q", cfg.Server.WireAddr)
	}
	if cfg.Models[0].Device != "cuda" || !cfg.Models[0].UseFP16 || cfg.Models[0].BatchSize != 4 {
		t.Fatalf("model=%+v", cfg.Models[0])
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level=%q", cfg.Logging.Level)
	}
	if got := cfg.Server.DrainGrace().Milliseconds(); got != 2500 {
		t.Fatalf("drain grace=%dms", got)
	}
}

func TestApplyEnvSynthesizesModel(t *testing.T) {
	env := map[string]string{"FOLLICORE_ONNX": "/models/dinov2.onnx"}
	var cfg Config
	cfg.applyEnv(func(k string) string { return env[k] })
	cfg.ApplyDefaults()
	if len(cfg.Models) != 1 || cfg.Models[0].ONNXPath != "/models/dinov2.onnx" {
		t.Fatalf("models=%+v", cfg.Models)
	}
}
