package driver

import (
	"fmt"
	"sync"

	"lmctl/internal/service"
)

// SignalCall records one Signal invocation against the fake.
type SignalCall struct {
	Service string
	PID     int
	Kind    SignalKind
}

// Fake is an in-memory Driver for deterministic tests. Aliveness can be
// scheduled per PID ("alive after N probes") and graceful signals can
// be configured to be ignored to exercise the escalation path.
type Fake struct {
	mu sync.Mutex

	// SpawnErr, when set, makes Spawn fail without allocating a PID.
	SpawnErr error
	// SpawnAliveAfter is the number of Alive probes a freshly spawned
	// PID absorbs before reporting alive. Zero means alive immediately.
	SpawnAliveAfter int
	// IgnoreGraceful makes Graceful signals no-ops so processes only
	// die to Forceful.
	IgnoreGraceful bool

	nextPID    int
	alive      map[int]bool
	probesLeft map[int]int
	spawned    []string
	signals    []SignalCall
	signatures map[string]int
}

func NewFake() *Fake {
	return &Fake{
		nextPID:    4242,
		alive:      make(map[int]bool),
		probesLeft: make(map[int]int),
		signatures: make(map[string]int),
	}
}

func (f *Fake) Spawn(d service.Descriptor) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SpawnErr != nil {
		return 0, fmt.Errorf("%s: %w: %v", d.Name, ErrSpawnFailed, f.SpawnErr)
	}
	pid := f.nextPID
	f.nextPID++
	f.alive[pid] = true
	f.probesLeft[pid] = f.SpawnAliveAfter
	f.spawned = append(f.spawned, d.Name)
	return pid, nil
}

func (f *Fake) Alive(_ service.Descriptor, pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if left := f.probesLeft[pid]; left > 0 {
		f.probesLeft[pid] = left - 1
		return false
	}
	return f.alive[pid]
}

func (f *Fake) FindBySignature(d service.Descriptor) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pid, ok := f.signatures[d.Signature()]
	if !ok || !f.alive[pid] {
		return 0, false
	}
	return pid, true
}

func (f *Fake) Signal(d service.Descriptor, pid int, kind SignalKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, SignalCall{Service: d.Name, PID: pid, Kind: kind})
	if _, ok := f.alive[pid]; !ok {
		return fmt.Errorf("%s: %w", d.Name, ErrProcessGone)
	}
	if kind == Forceful || !f.IgnoreGraceful {
		f.alive[pid] = false
	}
	return nil
}

// SetAlive plants or kills a PID directly, for stale-record and
// adoption scenarios.
func (f *Fake) SetAlive(pid int, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[pid] = alive
}

// PlantSignature makes FindBySignature return pid for the descriptor's
// signature, simulating a service that daemonized itself.
func (f *Fake) PlantSignature(d service.Descriptor, pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[pid] = true
	f.signatures[d.Signature()] = pid
}

// SpawnCount reports how many times Spawn succeeded for the named
// service.
func (f *Fake) SpawnCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.spawned {
		if s == name {
			n++
		}
	}
	return n
}

// Signals returns a copy of all recorded signal calls.
func (f *Fake) Signals() []SignalCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SignalCall(nil), f.signals...)
}
