package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "addr: :9999\nmodels_dir: /tmp\nruntime: openai\nuse_worker: true\ndefault_model: m1\nllama:\n  port_start: 4000\ngeneration:\n  temperature: 0.2\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.ModelsDir != "/tmp" || cfg.Runtime != RuntimeOpenAI || !cfg.UseWorker || cfg.DefaultModel != "m1" || cfg.Llama.PortStart != 4000 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Generation.Temperature == nil || *cfg.Generation.Temperature != 0.2 {
		t.Fatalf("generation not decoded: %+v", cfg.Generation)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","models_file":"/m.yaml","max_queue_depth":4,"default_model":"m2","openai":{"base_url":"http://x"}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.ModelsFile != "/m.yaml" || cfg.MaxQueueDepth != 4 || cfg.DefaultModel != "m2" || cfg.OpenAI.BaseURL != "http://x" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "addr=\":8081\"\nmodels_dir=\"/x\"\nworker_mode=\"goroutine\"\ndefault_model=\"m3\"\n[cors]\nenabled=true\norigins=[\"*\"]\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.ModelsDir != "/x" || cfg.WorkerMode != WorkerGoroutine || cfg.DefaultModel != "m3" || !cfg.CORS.Enabled {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	if _, err := Load("/definitely/not/a/real/file-12345.yaml"); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
	for name, body := range map[string]string{
		"bad.yaml": "addr: :8080\n: broken\n",
		"bad.json": `{ "addr": ":8080", "models_dir": }`,
		"bad.toml": "addr=:8080\nmodels_dir\n",
	} {
		if _, err := Load(writeTempFile(t, d, name, body)); err == nil {
			t.Fatalf("%s: expected unmarshal error", name)
		}
	}
}

func TestMergeOverDefaults(t *testing.T) {
	cfg := Defaults().Merge(Config{Addr: ":1", UseWorker: true, Llama: LlamaConfig{Threads: 8}})
	if cfg.Addr != ":1" || !cfg.UseWorker || cfg.Llama.Threads != 8 {
		t.Fatalf("override lost: %+v", cfg)
	}
	if cfg.Runtime != RuntimeLlamaServer || cfg.Llama.PortStart != 31000 || cfg.MaxQueueDepth != 32 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"POCKETD_ADDR":            ":5555",
		"POCKETD_USE_WORKER":      "true",
		"POCKETD_MAX_QUEUE_DEPTH": "3",
		"POCKETD_OPENAI_API_KEY":  "k",

		"POCKETD_MAX_BODY_BYTES":    "2048",
		"POCKETD_GENERATE_TIMEOUT":  "45s",
		"POCKETD_REQUEST_LOG_LEVEL": "debug",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	cfg, err := Defaults().ApplyEnv(lookup)
	if err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Addr != ":5555" || !cfg.UseWorker || cfg.MaxQueueDepth != 3 || cfg.OpenAI.APIKey != "k" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.MaxBodyBytes != 2048 || cfg.GenerateTimeout != "45s" || cfg.RequestLogLevel != "debug" {
		t.Fatalf("http settings not applied: %+v", cfg)
	}
	if d, err := cfg.GenerateTimeoutDuration(); err != nil || d != 45*time.Second {
		t.Fatalf("generate timeout: %v %v", d, err)
	}
	env["POCKETD_LLAMA_THREADS"] = "many"
	if _, err := Defaults().ApplyEnv(lookup); err == nil {
		t.Fatalf("expected parse error for non-numeric threads")
	}
}

func TestLoadEnvFile(t *testing.T) {
	d := t.TempDir()
	if err := LoadEnvFile(filepath.Join(d, "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
	p := writeTempFile(t, d, "test.env", "POCKETD_TEST_ENVFILE=from-file\n")
	t.Setenv("POCKETD_TEST_ENVFILE", "")
	os.Unsetenv("POCKETD_TEST_ENVFILE")
	if err := LoadEnvFile(p); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if got := os.Getenv("POCKETD_TEST_ENVFILE"); got != "from-file" {
		t.Fatalf("expected value from file, got %q", got)
	}
}

func TestValidate(t *testing.T) {
	base := Defaults()
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"runtime", func(c *Config) { c.Runtime = "gpu" }},
		{"worker mode", func(c *Config) { c.WorkerMode = "thread" }},
		{"ports", func(c *Config) { c.Llama.PortStart, c.Llama.PortEnd = 10, 5 }},
		{"max wait", func(c *Config) { c.MaxWait = "soon" }},
		{"no models", func(c *Config) { c.ModelsDir, c.ModelsFile = "", "" }},
		{"body limit", func(c *Config) { c.MaxBodyBytes = -1 }},
		{"generate timeout", func(c *Config) { c.GenerateTimeout = "later" }},
		{"negative generate timeout", func(c *Config) { c.GenerateTimeout = "-1s" }},
		{"request log level", func(c *Config) { c.RequestLogLevel = "trace" }},
	}
	for _, tc := range cases {
		c := base
		tc.mut(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
	if base.MaxBodyBytes != 1<<20 || base.RequestLogLevel != "info" {
		t.Fatalf("http defaults: %+v", base)
	}
	if d, err := base.GenerateTimeoutDuration(); err != nil || d != 0 {
		t.Fatalf("generate timeout default: %v %v", d, err)
	}
	if d, err := base.MaxWaitDuration(); err != nil || d != 30*time.Second {
		t.Fatalf("max wait: %v %v", d, err)
	}
}
