// Package config resolves the controller's settings: defaults, then an
// optional TOML file, then environment overrides. It is also where the
// two managed service descriptors are assembled.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"lmctl/internal/env"
	"lmctl/internal/logger"
	"lmctl/internal/service"
)

// Managed service names. These are the only two services the controller
// knows how to run.
const (
	NameOllama = "ollama"
	NameMLX    = "mlx"
)

const (
	defaultOllamaHost  = "127.0.0.1"
	defaultOllamaPort  = 11434
	defaultOllamaModel = "llama3.2:3b"

	defaultMLXHost  = "127.0.0.1"
	defaultMLXPort  = 8080
	defaultMLXModel = "mlx-community/Llama-3.2-3B-Instruct-4bit"

	defaultStartupTimeout = 300 * time.Second
	defaultGraceTimeout   = 10 * time.Second
)

// ErrUnknownService is returned for any service name other than the two
// managed ones.
var ErrUnknownService = errors.New("unknown service")

// ServerSettings configure how one service is launched: where it binds,
// which model it serves, and extra environment entries handed to the
// spawned process.
type ServerSettings struct {
	Host  string            `mapstructure:"host" toml:"host"`
	Port  int               `mapstructure:"port" toml:"port"`
	Model string            `mapstructure:"model" toml:"model"`
	Extra map[string]string `mapstructure:"extra" toml:"extra,omitempty"`
}

// RunSettings are the per-service prompt defaults; command-line flags
// override them per invocation.
type RunSettings struct {
	Model        string  `mapstructure:"model" toml:"model"`
	SystemPrompt string  `mapstructure:"system_prompt" toml:"system_prompt,omitempty"`
	Temperature  float64 `mapstructure:"temperature" toml:"temperature"`
	Stream       bool    `mapstructure:"stream" toml:"stream"`
}

// Settings is the full resolved configuration.
type Settings struct {
	StateDir       string        `mapstructure:"state_dir"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	GraceTimeout   time.Duration `mapstructure:"grace_timeout"`

	Log logger.Config `mapstructure:"log"`

	OllamaServer ServerSettings `mapstructure:"ollama_server"`
	MLXServer    ServerSettings `mapstructure:"mlx_server"`
	OllamaRun    RunSettings    `mapstructure:"ollama_run"`
	MLXRun       RunSettings    `mapstructure:"mlx_run"`
}

// Default returns the built-in configuration. The Ollama extras mirror
// the knobs a local single-user install wants pinned down.
func Default() Settings {
	return Settings{
		StateDir:       DefaultStateDir(),
		StartupTimeout: defaultStartupTimeout,
		GraceTimeout:   defaultGraceTimeout,
		Log:            logger.Config{Level: "info"},
		OllamaServer: ServerSettings{
			Host:  defaultOllamaHost,
			Port:  defaultOllamaPort,
			Model: defaultOllamaModel,
			Extra: map[string]string{
				"context_length":    "4096",
				"max_loaded_models": "1",
				"num_parallel":      "1",
				"max_queue":         "512",
				"flash_attention":   "true",
				"keep_alive":        "10m",
				"gpu_overhead":      "1024",
				"kv_cache_type":     "q8_0",
			},
		},
		MLXServer: ServerSettings{
			Host:  defaultMLXHost,
			Port:  defaultMLXPort,
			Model: defaultMLXModel,
		},
		OllamaRun: RunSettings{Model: defaultOllamaModel, Temperature: 0.7},
		MLXRun:    RunSettings{Model: defaultMLXModel, Temperature: 0.7},
	}
}

// Load resolves settings from path (or the default location when path
// is empty), layered over Default. A missing file is not an error; a
// present-but-broken file is.
func Load(path string) (Settings, error) {
	s := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile()
	}
	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if explicit || (!errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist)) {
				return Settings{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := v.Unmarshal(&s); err != nil {
			return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&s)
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// applyEnv layers process-environment overrides on top of file values.
func applyEnv(s *Settings) {
	if v := os.Getenv("LMCTL_HOME"); v != "" {
		s.StateDir = v
	}
	if v := os.Getenv("LMCTL_STARTUP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			s.StartupTimeout = d
		} else if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			s.StartupTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("LMCTL_LOG_LEVEL"); v != "" {
		s.Log.Level = v
	}
}

// Validate checks the cross-field invariants Load must guarantee before
// descriptors are built.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.StateDir) == "" {
		return errors.New("state_dir is required")
	}
	if s.StartupTimeout <= 0 {
		return errors.New("startup_timeout must be positive")
	}
	if s.GraceTimeout <= 0 {
		return errors.New("grace_timeout must be positive")
	}
	for name, srv := range map[string]ServerSettings{NameOllama: s.OllamaServer, NameMLX: s.MLXServer} {
		if srv.Port <= 0 || srv.Port > 65535 {
			return fmt.Errorf("%s: invalid port %d", name, srv.Port)
		}
		if strings.TrimSpace(srv.Host) == "" {
			return fmt.Errorf("%s: host is required", name)
		}
		if strings.TrimSpace(srv.Model) == "" {
			return fmt.Errorf("%s: model is required", name)
		}
	}
	return nil
}

// Ollama builds the descriptor for the Ollama-style service. The bind
// address travels through OLLAMA_HOST rather than launch arguments.
func (s Settings) Ollama() service.Descriptor {
	srv := s.OllamaServer
	d := service.Descriptor{
		Name:     NameOllama,
		Command:  []string{"ollama", "serve"},
		BindHost: srv.Host,
		BindPort: srv.Port,
	}
	d.Env = env.Build(srv.Extra, "OLLAMA_", env.Var{"OLLAMA_HOST": d.Addr()})
	s.fillCommon(&d, srv, s.OllamaRun)
	return d
}

// MLX builds the descriptor for the MLX-style service. The bind address
// travels through --host/--port launch arguments.
func (s Settings) MLX() service.Descriptor {
	srv := s.MLXServer
	d := service.Descriptor{
		Name: NameMLX,
		Command: []string{
			"mlx_lm.server",
			"--model", srv.Model,
			"--host", srv.Host,
			"--port", strconv.Itoa(srv.Port),
		},
		BindHost: srv.Host,
		BindPort: srv.Port,
	}
	if len(srv.Extra) > 0 {
		d.Env = env.Build(srv.Extra, "MLX_", nil)
	}
	s.fillCommon(&d, srv, s.MLXRun)
	return d
}

func (s Settings) fillCommon(d *service.Descriptor, srv ServerSettings, run RunSettings) {
	d.LogPath = filepath.Join(s.StateDir, d.Name+".log")
	d.DefaultModel = srv.Model
	d.DefaultSystemPrompt = run.SystemPrompt
	d.DefaultTemperature = run.Temperature
	if run.Model != "" {
		d.DefaultModel = run.Model
	}
}

// Services returns both managed descriptors in display order.
func (s Settings) Services() []service.Descriptor {
	return []service.Descriptor{s.Ollama(), s.MLX()}
}

// ByName resolves a descriptor from a CLI service argument.
func (s Settings) ByName(name string) (service.Descriptor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameOllama:
		return s.Ollama(), nil
	case NameMLX:
		return s.MLX(), nil
	default:
		return service.Descriptor{}, fmt.Errorf("%w %q (expected %s or %s)", ErrUnknownService, name, NameOllama, NameMLX)
	}
}

// Run returns the prompt defaults for the named service.
func (s Settings) Run(name string) RunSettings {
	if strings.EqualFold(name, NameMLX) {
		return s.MLXRun
	}
	return s.OllamaRun
}
