package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"

	"pocketd/pkg/types"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POCKETD_"

// Runtime names accepted by Config.Runtime.
const (
	RuntimeLlamaServer = "llamaserver"
	RuntimeOpenAI      = "openai"
	RuntimeLlamaCpp    = "llamacpp"
)

// Worker modes accepted by Config.WorkerMode.
const (
	WorkerProcess   = "process"
	WorkerGoroutine = "goroutine"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by Defaults via Merge.
type Config struct {
	Addr          string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsFile    string `json:"models_file" yaml:"models_file" toml:"models_file"`
	ModelsDir     string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	CacheDir      string `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	DefaultModel  string `json:"default_model" yaml:"default_model" toml:"default_model"`
	Runtime       string `json:"runtime" yaml:"runtime" toml:"runtime"`
	UseWorker     bool   `json:"use_worker" yaml:"use_worker" toml:"use_worker"`
	WorkerMode    string `json:"worker_mode" yaml:"worker_mode" toml:"worker_mode"`
	SystemPrompt  string `json:"system_prompt" yaml:"system_prompt" toml:"system_prompt"`
	LogLevel      string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogBufferSize int    `json:"log_buffer_size" yaml:"log_buffer_size" toml:"log_buffer_size"`
	MaxQueueDepth int    `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWait       string `json:"max_wait" yaml:"max_wait" toml:"max_wait"`

	// HTTP request limits and default per-request log level.
	MaxBodyBytes    int    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	GenerateTimeout string `json:"generate_timeout" yaml:"generate_timeout" toml:"generate_timeout"`
	RequestLogLevel string `json:"request_log_level" yaml:"request_log_level" toml:"request_log_level"`

	Llama      LlamaConfig            `json:"llama" yaml:"llama" toml:"llama"`
	OpenAI     OpenAIConfig           `json:"openai" yaml:"openai" toml:"openai"`
	CORS       CORSConfig             `json:"cors" yaml:"cors" toml:"cors"`
	Generation types.GenerationParams `json:"generation" yaml:"generation" toml:"generation"`
}

// LlamaConfig configures spawned llama-server processes and in-process llama.cpp.
type LlamaConfig struct {
	Bin       string   `json:"bin" yaml:"bin" toml:"bin"`
	Host      string   `json:"host" yaml:"host" toml:"host"`
	PortStart int      `json:"port_start" yaml:"port_start" toml:"port_start"`
	PortEnd   int      `json:"port_end" yaml:"port_end" toml:"port_end"`
	CtxSize   int      `json:"ctx_size" yaml:"ctx_size" toml:"ctx_size"`
	Threads   int      `json:"threads" yaml:"threads" toml:"threads"`
	GPULayers int      `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	ExtraArgs []string `json:"extra_args" yaml:"extra_args" toml:"extra_args"`
}

// OpenAIConfig points the openai runtime at an existing compatible server.
type OpenAIConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url" toml:"base_url"`
	APIKey  string `json:"api_key" yaml:"api_key" toml:"api_key"`
}

// CORSConfig is opt-in; disabled means no CORS middleware.
type CORSConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

// Defaults returns the configuration used when nothing else is specified.
func Defaults() Config {
	return Config{
		Addr:          ":8080",
		ModelsDir:     "~/models/llm",
		CacheDir:      "~/.cache/pocketd",
		Runtime:       RuntimeLlamaServer,
		WorkerMode:    WorkerProcess,
		LogLevel:      "info",
		LogBufferSize: 1000,
		MaxQueueDepth: 32,
		MaxWait:       "30s",

		MaxBodyBytes:    1 << 20,
		RequestLogLevel: "info",
		Llama: LlamaConfig{
			Host:      "127.0.0.1",
			PortStart: 31000,
			PortEnd:   31999,
			CtxSize:   4096,
		},
		OpenAI: OpenAIConfig{BaseURL: "http://127.0.0.1:8000"},
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, err
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Merge overlays every non-zero field of o onto c.
func (c Config) Merge(o Config) Config {
	setS := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setI := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	setS(&c.Addr, o.Addr)
	setS(&c.ModelsFile, o.ModelsFile)
	setS(&c.ModelsDir, o.ModelsDir)
	setS(&c.CacheDir, o.CacheDir)
	setS(&c.DefaultModel, o.DefaultModel)
	setS(&c.Runtime, o.Runtime)
	setS(&c.WorkerMode, o.WorkerMode)
	setS(&c.SystemPrompt, o.SystemPrompt)
	setS(&c.LogLevel, o.LogLevel)
	setS(&c.MaxWait, o.MaxWait)
	setS(&c.GenerateTimeout, o.GenerateTimeout)
	setS(&c.RequestLogLevel, o.RequestLogLevel)
	setI(&c.MaxBodyBytes, o.MaxBodyBytes)
	setI(&c.LogBufferSize, o.LogBufferSize)
	setI(&c.MaxQueueDepth, o.MaxQueueDepth)
	if o.UseWorker {
		c.UseWorker = true
	}
	setS(&c.Llama.Bin, o.Llama.Bin)
	setS(&c.Llama.Host, o.Llama.Host)
	setI(&c.Llama.PortStart, o.Llama.PortStart)
	setI(&c.Llama.PortEnd, o.Llama.PortEnd)
	setI(&c.Llama.CtxSize, o.Llama.CtxSize)
	setI(&c.Llama.Threads, o.Llama.Threads)
	setI(&c.Llama.GPULayers, o.Llama.GPULayers)
	if len(o.Llama.ExtraArgs) > 0 {
		c.Llama.ExtraArgs = append([]string(nil), o.Llama.ExtraArgs...)
	}
	setS(&c.OpenAI.BaseURL, o.OpenAI.BaseURL)
	setS(&c.OpenAI.APIKey, o.OpenAI.APIKey)
	if o.CORS.Enabled {
		c.CORS = o.CORS
	}
	c.Generation = c.Generation.Merge(o.Generation)
	return c
}

// ApplyEnv overrides fields from POCKETD_* variables. lookup defaults to os.LookupEnv.
func (c Config) ApplyEnv(lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := map[string]*string{
		"ADDR":              &c.Addr,
		"MODELS_FILE":       &c.ModelsFile,
		"MODELS_DIR":        &c.ModelsDir,
		"CACHE_DIR":         &c.CacheDir,
		"DEFAULT_MODEL":     &c.DefaultModel,
		"RUNTIME":           &c.Runtime,
		"WORKER_MODE":       &c.WorkerMode,
		"SYSTEM_PROMPT":     &c.SystemPrompt,
		"LOG_LEVEL":         &c.LogLevel,
		"MAX_WAIT":          &c.MaxWait,
		"GENERATE_TIMEOUT":  &c.GenerateTimeout,
		"REQUEST_LOG_LEVEL": &c.RequestLogLevel,
		"LLAMA_BIN":         &c.Llama.Bin,
		"LLAMA_HOST":        &c.Llama.Host,
		"OPENAI_BASE_URL":   &c.OpenAI.BaseURL,
		"OPENAI_API_KEY":    &c.OpenAI.APIKey,
	}
	for k, dst := range str {
		if v, ok := lookup(EnvPrefix + k); ok && v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"MAX_QUEUE_DEPTH":  &c.MaxQueueDepth,
		"LOG_BUFFER_SIZE":  &c.LogBufferSize,
		"MAX_BODY_BYTES":   &c.MaxBodyBytes,
		"LLAMA_PORT_START": &c.Llama.PortStart,
		"LLAMA_PORT_END":   &c.Llama.PortEnd,
		"LLAMA_CTX_SIZE":   &c.Llama.CtxSize,
		"LLAMA_THREADS":    &c.Llama.Threads,
		"LLAMA_GPU_LAYERS": &c.Llama.GPULayers,
	}
	for k, dst := range ints {
		v, ok := lookup(EnvPrefix + k)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("%s%s: %w", EnvPrefix, k, err)
		}
		*dst = n
	}
	if v, ok := lookup(EnvPrefix + "USE_WORKER"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c, fmt.Errorf("%sUSE_WORKER: %w", EnvPrefix, err)
		}
		c.UseWorker = b
	}
	return c, nil
}

// MaxWaitDuration parses MaxWait; empty means zero.
func (c Config) MaxWaitDuration() (time.Duration, error) {
	if c.MaxWait == "" {
		return 0, nil
	}
	return time.ParseDuration(c.MaxWait)
}

// GenerateTimeoutDuration parses GenerateTimeout; empty means no timeout.
func (c Config) GenerateTimeoutDuration() (time.Duration, error) {
	if c.GenerateTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.GenerateTimeout)
}

// Validate checks enumerations and ranges.
func (c Config) Validate() error {
	switch c.Runtime {
	case RuntimeLlamaServer, RuntimeOpenAI, RuntimeLlamaCpp:
	default:
		return fmt.Errorf("unknown runtime %q", c.Runtime)
	}
	switch c.WorkerMode {
	case WorkerProcess, WorkerGoroutine:
	default:
		return fmt.Errorf("unknown worker mode %q", c.WorkerMode)
	}
	if c.Llama.PortStart > 0 && c.Llama.PortEnd > 0 && c.Llama.PortEnd < c.Llama.PortStart {
		return fmt.Errorf("llama port range %d-%d is empty", c.Llama.PortStart, c.Llama.PortEnd)
	}
	if c.MaxQueueDepth < 0 {
		return fmt.Errorf("max_queue_depth must be >= 0")
	}
	if _, err := c.MaxWaitDuration(); err != nil {
		return fmt.Errorf("max_wait: %w", err)
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes must be >= 0")
	}
	if d, err := c.GenerateTimeoutDuration(); err != nil {
		return fmt.Errorf("generate_timeout: %w", err)
	} else if d < 0 {
		return fmt.Errorf("generate_timeout must be >= 0")
	}
	switch c.RequestLogLevel {
	case "", "off", "error", "info", "debug":
	default:
		return fmt.Errorf("unknown request_log_level %q", c.RequestLogLevel)
	}
	if c.ModelsFile == "" && c.ModelsDir == "" {
		return fmt.Errorf("one of models_file or models_dir is required")
	}
	return nil
}
