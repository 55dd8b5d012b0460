// Package service defines the immutable descriptor for a managed
// inference server. Descriptors are built once by the config layer and
// passed by value into the lifecycle controller and the chat pipeline.
package service

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Descriptor describes one manageable service: how to launch it, where
// it binds, and where its log goes. PID record and lock file locations
// are owned by the pidstore, keyed by Name. It carries no behavior
// beyond derived lookups and must not be mutated after construction.
type Descriptor struct {
	Name                string
	Command             []string
	BindHost            string
	BindPort            int
	LogPath             string
	Env                 []string // extra KEY=VALUE entries for the spawned process
	DefaultModel        string
	DefaultSystemPrompt string
	DefaultTemperature  float64
}

// Addr returns the service bind address in host:port form, bracketing
// IPv6 hosts.
func (d Descriptor) Addr() string {
	return net.JoinHostPort(d.BindHost, strconv.Itoa(d.BindPort))
}

// BaseURL returns the HTTP base URL of the service.
func (d Descriptor) BaseURL() string {
	return "http://" + d.Addr()
}

// Signature is the command-line fingerprint used to verify that a PID
// still belongs to this service (and to find re-daemonized instances).
func (d Descriptor) Signature() string {
	return strings.Join(d.Command, " ")
}

// WithBind returns a copy of the descriptor rebound to host:port. The
// MLX launch command embeds --host/--port arguments and the Ollama
// environment embeds OLLAMA_HOST; both are rewritten so that a
// descriptor reloaded from a runtime record stays self-consistent.
func (d Descriptor) WithBind(host string, port int) Descriptor {
	out := d
	out.BindHost = host
	out.BindPort = port

	out.Command = append([]string(nil), d.Command...)
	for i := 0; i < len(out.Command)-1; i++ {
		switch out.Command[i] {
		case "--host":
			out.Command[i+1] = host
		case "--port":
			out.Command[i+1] = strconv.Itoa(port)
		}
	}

	out.Env = append([]string(nil), d.Env...)
	for i, kv := range out.Env {
		if strings.HasPrefix(kv, "OLLAMA_HOST=") {
			out.Env[i] = "OLLAMA_HOST=" + out.Addr()
		}
	}
	return out
}

// Validate checks the invariants the config layer must guarantee.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("service name is required")
	}
	if len(d.Command) == 0 || strings.TrimSpace(d.Command[0]) == "" {
		return fmt.Errorf("%s: launch command is empty", d.Name)
	}
	if d.BindPort <= 0 || d.BindPort > 65535 {
		return fmt.Errorf("%s: invalid port %d", d.Name, d.BindPort)
	}
	if d.BindHost == "" {
		return fmt.Errorf("%s: bind host is empty", d.Name)
	}
	return nil
}
