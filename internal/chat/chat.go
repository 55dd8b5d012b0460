// Package chat builds and sends OpenAI-compatible chat-completion
// requests to a managed service's bind address. It serves both the run
// command and inference-based health probing.
package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"lmctl/internal/lifecycle"
	"lmctl/internal/service"
)

const (
	completionsPath = "/v1/chat/completions"
	healthPrompt    = "ping"

	defaultRunTimeout    = 10 * time.Minute
	defaultHealthTimeout = 30 * time.Second
	readinessTimeout     = 2 * time.Second
)

// ErrServiceNotRunning is returned when a run is attempted against a
// service whose status is not Running; no HTTP call is made.
var ErrServiceNotRunning = errors.New("service is not running")

// Request is one prompt execution, constructed per invocation.
type Request struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
	Stream       bool
}

// HealthResult is the outcome of an inference health probe. Transport
// failures and malformed responses are folded into Reason, never
// escalated to errors.
type HealthResult struct {
	Reachable bool
	Latency   time.Duration
	Reason    string
}

// StatusFunc reports the current lifecycle status of a service; the
// pipeline uses it as the run precondition.
type StatusFunc func(service.Descriptor) (lifecycle.Status, error)

// Options configure a Pipeline.
type Options struct {
	Timeout       time.Duration // per-run HTTP timeout
	HealthTimeout time.Duration
	Status        StatusFunc
	Logger        *slog.Logger
}

// Pipeline posts chat completions to running services.
type Pipeline struct {
	client        *http.Client
	status        StatusFunc
	logger        *slog.Logger
	healthTimeout time.Duration
}

func New(opts Options) *Pipeline {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRunTimeout
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = defaultHealthTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		client:        &http.Client{Timeout: opts.Timeout},
		status:        opts.Status,
		logger:        opts.Logger,
		healthTimeout: opts.HealthTimeout,
	}
}

// Wire types for the chat-completion contract. Choices carry either a
// full message (buffered mode) or a delta (streaming chunks).

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []choice `json:"choices"`
}

type choice struct {
	Message *message `json:"message"`
	Delta   *delta   `json:"delta"`
}

type delta struct {
	Content string `json:"content"`
}

func buildBody(req Request) completionRequest {
	msgs := make([]message, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, message{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, message{Role: "user", Content: req.UserPrompt})
	return completionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
}

func (p *Pipeline) requireRunning(d service.Descriptor) error {
	if p.status == nil {
		return nil
	}
	st, err := p.status(d)
	if err != nil {
		return err
	}
	if !st.Running {
		return fmt.Errorf("%s: %w", d.Name, ErrServiceNotRunning)
	}
	return nil
}

// post sends the completion request and returns the response with a
// 2xx status; any other outcome is an error carrying the service name.
func (p *Pipeline) post(ctx context.Context, d service.Descriptor, body completionRequest) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", d.Name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL()+completionsPath, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", d.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s: chat endpoint returned %s: %s", d.Name, resp.Status, strings.TrimSpace(string(detail)))
	}
	return resp, nil
}

// Run executes the prompt in buffered mode and returns the first
// choice's content with trailing whitespace trimmed.
func (p *Pipeline) Run(ctx context.Context, d service.Descriptor, req Request) (string, error) {
	if err := p.requireRunning(d); err != nil {
		return "", err
	}
	req.Stream = false
	resp, err := p.post(ctx, d, buildBody(req))
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%s: decode completion: %w", d.Name, err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message == nil {
		return "", fmt.Errorf("%s: completion has no choices", d.Name)
	}
	return strings.TrimRight(out.Choices[0].Message.Content, " \t\r\n"), nil
}

// Stream executes the prompt with stream=true and forwards chunk
// content to out as it arrives. The response body is closed on every
// path, including early cancellation, so the connection never leaks.
func (p *Pipeline) Stream(ctx context.Context, d service.Descriptor, req Request, out io.Writer) error {
	if err := p.requireRunning(d); err != nil {
		return err
	}
	req.Stream = true
	resp, err := p.post(ctx, d, buildBody(req))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == "data: [DONE]" {
			return nil
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var chunk completionResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return fmt.Errorf("%s: invalid stream chunk: %w", d.Name, err)
		}
		for _, ch := range chunk.Choices {
			content := ""
			switch {
			case ch.Delta != nil:
				content = ch.Delta.Content
			case ch.Message != nil:
				content = ch.Message.Content
			}
			if content == "" {
				continue
			}
			if _, err := io.WriteString(out, content); err != nil {
				return fmt.Errorf("%s: forward chunk: %w", d.Name, err)
			}
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", d.Name, ctx.Err())
		}
		return fmt.Errorf("%s: read stream: %w", d.Name, err)
	}
	return nil
}

// HealthCheck sends a minimal fixed prompt and reports reachability.
// It never returns an error: every failure mode lands in the result's
// Reason.
func (p *Pipeline) HealthCheck(ctx context.Context, d service.Descriptor, model string) HealthResult {
	return p.probe(ctx, d, model, p.healthTimeout, 10)
}

// Ready implements lifecycle.ReadinessProber with a short per-attempt
// timeout; Up's own deadline bounds the retries.
func (p *Pipeline) Ready(ctx context.Context, d service.Descriptor) bool {
	return p.probe(ctx, d, d.DefaultModel, readinessTimeout, 1).Reachable
}

func (p *Pipeline) probe(ctx context.Context, d service.Descriptor, model string, timeout time.Duration, maxTokens int) HealthResult {
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := completionRequest{
		Model:     model,
		Messages:  []message{{Role: "user", Content: healthPrompt}},
		MaxTokens: maxTokens,
	}
	resp, err := p.post(pctx, d, body)
	if err != nil {
		return HealthResult{Reason: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return HealthResult{Reason: fmt.Sprintf("%s: malformed completion body: %v", d.Name, err)}
	}
	p.logger.Debug("health probe succeeded", "service", d.Name, "latency", time.Since(start))
	return HealthResult{Reachable: true, Latency: time.Since(start)}
}
