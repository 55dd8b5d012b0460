package pidstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteReadRoundtrip(t *testing.T) {
	s := New(t.TempDir(), nil)
	want := Record{PID: 4242, StartedAt: time.Now().UTC().Truncate(time.Second), Host: "127.0.0.1", Port: 11434}
	if err := s.Write("ollama", want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("ollama")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got == nil {
		t.Fatal("Read returned nil record")
	}
	if got.PID != want.PID || got.Host != want.Host || got.Port != want.Port {
		t.Fatalf("Read = %+v, want %+v", got, want)
	}
	if !got.StartedAt.Equal(want.StartedAt) {
		t.Fatalf("StartedAt = %v, want %v", got.StartedAt, want.StartedAt)
	}
}

func TestReadMissingIsNil(t *testing.T) {
	s := New(t.TempDir(), nil)
	rec, err := s.Read("ollama")
	if err != nil || rec != nil {
		t.Fatalf("Read missing = (%v, %v), want (nil, nil)", rec, err)
	}
}

func TestReadDiscardsGarbage(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	path := filepath.Join(dir, "ollama.pid")
	if err := os.WriteFile(path, []byte("not toml at all {{{"), 0o600); err != nil {
		t.Fatalf("seed garbage: %v", err)
	}
	rec, err := s.Read("ollama")
	if err != nil || rec != nil {
		t.Fatalf("garbage record = (%v, %v), want (nil, nil)", rec, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("garbage file not removed")
	}
}

func TestReadDiscardsNonPositivePID(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	if err := os.WriteFile(filepath.Join(dir, "mlx.pid"), []byte("pid = 0\n"), 0o600); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	rec, err := s.Read("mlx")
	if err != nil || rec != nil {
		t.Fatalf("pid=0 record = (%v, %v), want (nil, nil)", rec, err)
	}
}

func TestWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	if err := s.Write("mlx", Record{PID: 1, StartedAt: time.Now()}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "mlx.pid.tmp")); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
}

func TestClearIdempotent(t *testing.T) {
	s := New(t.TempDir(), nil)
	if err := s.Write("ollama", Record{PID: 7, StartedAt: time.Now()}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Clear("ollama"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := s.Clear("ollama"); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
	rec, err := s.Read("ollama")
	if err != nil || rec != nil {
		t.Fatalf("record survived Clear: (%v, %v)", rec, err)
	}
}

func TestLockCreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	s := New(dir, nil)
	unlock, err := s.Lock("ollama")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	unlock()
	if _, err := os.Stat(filepath.Join(dir, "ollama.lock")); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}
}

func TestLockReacquirableAfterUnlock(t *testing.T) {
	s := New(t.TempDir(), nil)
	unlock, err := s.Lock("mlx")
	if err != nil {
		t.Fatalf("first Lock: %v", err)
	}
	unlock()
	unlock2, err := s.Lock("mlx")
	if err != nil {
		t.Fatalf("second Lock: %v", err)
	}
	unlock2()
}
