package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pocketd/internal/config"
)

// options holds the persistent flags. Flags override the config file and
// POCKETD_* variables.
type options struct {
	configPath string
	envFile    string
	flags      config.Config
	cfg        config.Config
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "pocketd",
		Short:         "Local LLM engine with a chat session and an HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&o.configPath, "config", "", "Config file (.yaml, .yml, .toml or .json)")
	pf.StringVar(&o.envFile, "env-file", ".env", "dotenv file loaded before POCKETD_* variables are read")
	pf.StringVar(&o.flags.Addr, "addr", "", "HTTP listen address, e.g. :8080")
	pf.StringVar(&o.flags.ModelsFile, "models-file", "", "Model catalog (.yaml, .toml or .json)")
	pf.StringVar(&o.flags.ModelsDir, "models-dir", "", "Directory to scan for *.gguf model files")
	pf.StringVar(&o.flags.CacheDir, "cache-dir", "", "Directory of downloaded model shards")
	pf.StringVar(&o.flags.DefaultModel, "default-model", "", "Model loaded at startup")
	pf.StringVar(&o.flags.Runtime, "runtime", "", "Inference runtime: llamaserver|openai|llamacpp")
	pf.StringVar(&o.flags.WorkerMode, "worker-mode", "", "Worker hosting: process|goroutine")
	pf.BoolVar(&o.flags.UseWorker, "use-worker", false, "Load models in a worker by default")
	pf.StringVar(&o.flags.LogLevel, "log-level", "", "Log level: debug|info|warn|error")
	pf.StringVar(&o.flags.OpenAI.BaseURL, "openai-url", "", "Base URL of the OpenAI-compatible server")
	pf.StringVar(&o.flags.Llama.Bin, "llama-bin", "", "Path to llama-server")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := o.resolve(cmd.Flags().Changed("use-worker"))
		if err != nil {
			return err
		}
		o.cfg = cfg
		return nil
	}

	root.AddCommand(
		newServeCmd(o),
		newWorkerCmd(o),
		newModelsCmd(o),
		newCacheCmd(o),
		newChatCmd(o),
	)
	return root
}

// resolve layers defaults, the config file, the environment and changed flags.
func (o *options) resolve(useWorkerSet bool) (config.Config, error) {
	if err := config.LoadEnvFile(o.envFile); err != nil {
		return config.Config{}, err
	}
	cfg := config.Defaults()
	if o.configPath != "" {
		fileCfg, err := config.Load(o.configPath)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		cfg = cfg.Merge(fileCfg)
	}
	cfg, err := cfg.ApplyEnv(nil)
	if err != nil {
		return config.Config{}, err
	}
	cfg = cfg.Merge(o.flags)
	if useWorkerSet {
		cfg.UseWorker = o.flags.UseWorker
	}
	cfg.Runtime = strings.ToLower(strings.TrimSpace(cfg.Runtime))
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// workerArgs returns the arguments that make a child process serve the same
// runtime as cfg.
func (o *options) workerArgs() []string {
	args := []string{"worker", "--env-file", o.envFile}
	if o.configPath != "" {
		args = append(args, "--config", o.configPath)
	}
	add := func(flag, v string) {
		if v != "" {
			args = append(args, "--"+flag, v)
		}
	}
	add("runtime", o.cfg.Runtime)
	add("cache-dir", o.cfg.CacheDir)
	add("log-level", o.cfg.LogLevel)
	add("openai-url", o.cfg.OpenAI.BaseURL)
	add("llama-bin", o.cfg.Llama.Bin)
	return args
}
