package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	s := Default()
	if err := s.Validate(); err != nil {
		t.Fatalf("default settings invalid: %v", err)
	}
	if s.OllamaServer.Port != 11434 || s.MLXServer.Port != 8080 {
		t.Fatalf("default ports = %d/%d", s.OllamaServer.Port, s.MLXServer.Port)
	}
	if s.StartupTimeout != 300*time.Second {
		t.Fatalf("default startup timeout = %v", s.StartupTimeout)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("LMCTL_HOME", t.TempDir())
	t.Setenv("LMCTL_CONFIG", filepath.Join(t.TempDir(), "nope.toml"))
	s, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.OllamaServer.Model != "llama3.2:3b" {
		t.Fatalf("model = %q", s.OllamaServer.Model)
	}
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("explicit missing config accepted")
	}
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LMCTL_HOME", dir)
	path := filepath.Join(dir, "config.toml")
	content := `
startup_timeout = "45s"

[ollama_server]
port = 12000
model = "qwen2.5:7b"

[mlx_run]
temperature = 0.1
stream = true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.StartupTimeout != 45*time.Second {
		t.Fatalf("startup timeout = %v", s.StartupTimeout)
	}
	if s.OllamaServer.Port != 12000 || s.OllamaServer.Model != "qwen2.5:7b" {
		t.Fatalf("ollama server = %+v", s.OllamaServer)
	}
	// Untouched sections keep their defaults.
	if s.OllamaServer.Host != "127.0.0.1" || s.MLXServer.Port != 8080 {
		t.Fatalf("defaults lost: %+v / %+v", s.OllamaServer, s.MLXServer)
	}
	if s.MLXRun.Temperature != 0.1 || !s.MLXRun.Stream {
		t.Fatalf("mlx run = %+v", s.MLXRun)
	}
}

func TestEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("LMCTL_HOME", home)
	t.Setenv("LMCTL_STARTUP_TIMEOUT", "90s")
	t.Setenv("LMCTL_CONFIG", filepath.Join(home, "nope.toml"))

	s, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.StateDir != home {
		t.Fatalf("state dir = %q, want %q", s.StateDir, home)
	}
	if s.StartupTimeout != 90*time.Second {
		t.Fatalf("startup timeout = %v", s.StartupTimeout)
	}
}

func TestStartupTimeoutEnvAcceptsBareSeconds(t *testing.T) {
	s := Default()
	t.Setenv("LMCTL_STARTUP_TIMEOUT", "120")
	applyEnv(&s)
	if s.StartupTimeout != 120*time.Second {
		t.Fatalf("startup timeout = %v", s.StartupTimeout)
	}
}

func TestValidateRejectsBrokenSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"empty state dir", func(s *Settings) { s.StateDir = "" }},
		{"zero startup timeout", func(s *Settings) { s.StartupTimeout = 0 }},
		{"zero grace timeout", func(s *Settings) { s.GraceTimeout = 0 }},
		{"bad port", func(s *Settings) { s.MLXServer.Port = -1 }},
		{"empty host", func(s *Settings) { s.OllamaServer.Host = "" }},
		{"empty model", func(s *Settings) { s.OllamaServer.Model = "" }},
	}
	for _, tc := range cases {
		s := Default()
		tc.mutate(&s)
		if err := s.Validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestOllamaDescriptor(t *testing.T) {
	s := Default()
	s.StateDir = "/var/lib/lmctl"
	d := s.Ollama()
	if err := d.Validate(); err != nil {
		t.Fatalf("descriptor invalid: %v", err)
	}
	if d.Signature() != "ollama serve" {
		t.Fatalf("signature = %q", d.Signature())
	}
	if d.LogPath != "/var/lib/lmctl/ollama.log" {
		t.Fatalf("log path = %q", d.LogPath)
	}

	env := strings.Join(d.Env, " ")
	if !strings.Contains(env, "OLLAMA_HOST=127.0.0.1:11434") {
		t.Fatalf("OLLAMA_HOST missing: %v", d.Env)
	}
	if !strings.Contains(env, "OLLAMA_KEEP_ALIVE=10m") {
		t.Fatalf("extras not normalized: %v", d.Env)
	}
}

func TestMLXDescriptor(t *testing.T) {
	d := Default().MLX()
	if err := d.Validate(); err != nil {
		t.Fatalf("descriptor invalid: %v", err)
	}
	sig := d.Signature()
	for _, want := range []string{"mlx_lm.server", "--model mlx-community/Llama-3.2-3B-Instruct-4bit", "--host 127.0.0.1", "--port 8080"} {
		if !strings.Contains(sig, want) {
			t.Fatalf("signature %q missing %q", sig, want)
		}
	}
}

func TestMLXDescriptorExtrasEnv(t *testing.T) {
	s := Default()
	s.MLXServer.Extra = map[string]string{"max_tokens": "2048"}
	d := s.MLX()
	if len(d.Env) != 1 || d.Env[0] != "MLX_MAX_TOKENS=2048" {
		t.Fatalf("mlx extras env = %v", d.Env)
	}
}

func TestByName(t *testing.T) {
	s := Default()
	if d, err := s.ByName("  OLLAMA "); err != nil || d.Name != NameOllama {
		t.Fatalf("ByName(ollama) = (%+v, %v)", d, err)
	}
	if d, err := s.ByName("mlx"); err != nil || d.Name != NameMLX {
		t.Fatalf("ByName(mlx) = (%+v, %v)", d, err)
	}
	if _, err := s.ByName("vllm"); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("ByName(vllm) = %v, want ErrUnknownService", err)
	}
}

func TestRunDefaultsPerService(t *testing.T) {
	s := Default()
	s.MLXRun.Temperature = 0.3
	if got := s.Run("mlx").Temperature; got != 0.3 {
		t.Fatalf("mlx run temperature = %v", got)
	}
	if got := s.Run("ollama").Model; got != "llama3.2:3b" {
		t.Fatalf("ollama run model = %q", got)
	}
}
