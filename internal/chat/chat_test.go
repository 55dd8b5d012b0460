package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"lmctl/internal/lifecycle"
	"lmctl/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// descFor binds a descriptor to the test server's listen address.
func descFor(t *testing.T, srv *httptest.Server) service.Descriptor {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split server addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return service.Descriptor{
		Name:         "ollama",
		Command:      []string{"ollama", "serve"},
		BindHost:     host,
		BindPort:     port,
		DefaultModel: "llama3.2:3b",
	}
}

func runningStatus(service.Descriptor) (lifecycle.Status, error) {
	return lifecycle.Status{Running: true, PID: 1}, nil
}

func TestRunReturnsTrimmedReply(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = fmt.Fprint(w, `{"choices":[{"message":{"content":"hello world \n"}}]}`)
	}))
	defer srv.Close()

	p := New(Options{Status: runningStatus})
	reply, err := p.Run(context.Background(), descFor(t, srv), Request{
		Model:        "llama3.2:3b",
		SystemPrompt: "be brief",
		UserPrompt:   "hi",
		Temperature:  0.2,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reply != "hello world" {
		t.Fatalf("reply = %q", reply)
	}

	var sent completionRequest
	if err := json.Unmarshal(gotBody, &sent); err != nil {
		t.Fatalf("decode sent body: %v", err)
	}
	if sent.Model != "llama3.2:3b" || sent.Stream {
		t.Fatalf("sent = %+v", sent)
	}
	if len(sent.Messages) != 2 || sent.Messages[0].Role != "system" || sent.Messages[1].Role != "user" {
		t.Fatalf("messages = %+v", sent.Messages)
	}
}

func TestRunOmitsEmptySystemPrompt(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	p := New(Options{Status: runningStatus})
	if _, err := p.Run(context.Background(), descFor(t, srv), Request{Model: "m", UserPrompt: "hi"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var sent completionRequest
	if err := json.Unmarshal(gotBody, &sent); err != nil {
		t.Fatalf("decode sent body: %v", err)
	}
	if len(sent.Messages) != 1 || sent.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v", sent.Messages)
	}
}

func TestRunRequiresRunningService(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	p := New(Options{Status: func(service.Descriptor) (lifecycle.Status, error) {
		return lifecycle.Status{Running: false}, nil
	}})
	_, err := p.Run(context.Background(), descFor(t, srv), Request{Model: "m", UserPrompt: "hi"})
	if !errors.Is(err, ErrServiceNotRunning) {
		t.Fatalf("Run error = %v, want ErrServiceNotRunning", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("HTTP call made despite stopped service")
	}
}

func TestRunSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	p := New(Options{Status: runningStatus})
	_, err := p.Run(context.Background(), descFor(t, srv), Request{Model: "nope", UserPrompt: "hi"})
	if err == nil {
		t.Fatal("expected error for 404")
	}
	for _, want := range []string{"404", "model not found"} {
		if !bytes.Contains([]byte(err.Error()), []byte(want)) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestStreamForwardsChunksUntilDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sent completionRequest
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &sent); err != nil || !sent.Stream {
			t.Errorf("stream not requested: %s", body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		_, _ = fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
		_, _ = fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"IGNORED\"}}]}\n\n")
	}))
	defer srv.Close()

	p := New(Options{Status: runningStatus})
	var out bytes.Buffer
	if err := p.Stream(context.Background(), descFor(t, srv), Request{Model: "m", UserPrompt: "hi"}, &out); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if out.String() != "Hello" {
		t.Fatalf("streamed output = %q", out.String())
	}
}

// notifyWriter signals once the first bytes arrive, so a test can
// cancel only after output has demonstrably flowed.
type notifyWriter struct {
	buf      bytes.Buffer
	received chan struct{}
	once     sync.Once
}

func (w *notifyWriter) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	w.once.Do(func() { close(w.received) })
	return n, err
}

func TestStreamHonorsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		w.(http.Flusher).Flush()
		// Stall until the client gives up.
		<-r.Context().Done()
	}))
	defer srv.Close()

	d := descFor(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &notifyWriter{received: make(chan struct{})}
	done := make(chan error, 1)
	p := New(Options{Status: runningStatus})
	go func() {
		done <- p.Stream(ctx, d, Request{Model: "m", UserPrompt: "hi"}, out)
	}()

	select {
	case <-out.received:
	case <-time.After(3 * time.Second):
		t.Fatal("no chunk arrived before cancellation")
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Stream error = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Stream did not return after cancellation")
	}
	if got := out.buf.String(); got != "Hel" {
		t.Fatalf("forwarded output = %q", got)
	}
}

func TestStreamRejectsMalformedChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "data: this is not json\n\n")
	}))
	defer srv.Close()

	p := New(Options{Status: runningStatus})
	err := p.Stream(context.Background(), descFor(t, srv), Request{Model: "m", UserPrompt: "hi"}, io.Discard)
	if err == nil {
		t.Fatal("expected error for malformed chunk")
	}
}

func TestHealthCheckOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"choices":[{"message":{"content":"pong"}}]}`)
	}))
	defer srv.Close()

	p := New(Options{})
	res := p.HealthCheck(context.Background(), descFor(t, srv), "llama3.2:3b")
	if !res.Reachable {
		t.Fatalf("probe failed: %s", res.Reason)
	}
	if res.Latency <= 0 {
		t.Fatalf("latency not measured: %v", res.Latency)
	}
}

func TestHealthCheckMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "definitely not json")
	}))
	defer srv.Close()

	p := New(Options{})
	res := p.HealthCheck(context.Background(), descFor(t, srv), "m")
	if res.Reachable || res.Reason == "" {
		t.Fatalf("malformed body reported healthy: %+v", res)
	}
}

func TestHealthCheckUnreachable(t *testing.T) {
	// Grab a port that nothing listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr)
	_ = l.Close()

	p := New(Options{})
	d := service.Descriptor{Name: "mlx", Command: []string{"mlx_lm.server"}, BindHost: "127.0.0.1", BindPort: addr.Port}
	res := p.HealthCheck(context.Background(), d, "m")
	if res.Reachable || res.Reason == "" {
		t.Fatalf("dead port reported healthy: %+v", res)
	}
}

func TestReadyUsesDefaultModel(t *testing.T) {
	var gotModel atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sent completionRequest
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &sent)
		gotModel.Store(sent.Model)
		_, _ = fmt.Fprint(w, `{"choices":[{"message":{"content":"pong"}}]}`)
	}))
	defer srv.Close()

	p := New(Options{})
	if !p.Ready(context.Background(), descFor(t, srv)) {
		t.Fatal("Ready = false against live server")
	}
	if got, _ := gotModel.Load().(string); got != "llama3.2:3b" {
		t.Fatalf("probe model = %q", got)
	}
}
