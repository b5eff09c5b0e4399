package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bifrost/backend/internal/execctx"
)

// FakeBackend spawns in-memory fake workers. Tests script each worker's
// behavior through the spawned FakeProc handles.
type FakeBackend struct {
	mu      sync.Mutex
	nextPID int32
	procs   []*FakeProc
	// Behavior is applied to every newly spawned proc.
	Behavior func(p *FakeProc)
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{nextPID: 1000}
}

func (b *FakeBackend) Spawn(_ context.Context) (Proc, error) {
	p := &FakeProc{
		pid:       int(atomic.AddInt32(&b.nextPID, 1)),
		startedAt: time.Now(),
		work:      make(chan string, 16),
		results:   make(chan execctx.ExecutionResult, 16),
	}
	b.mu.Lock()
	b.procs = append(b.procs, p)
	behavior := b.Behavior
	b.mu.Unlock()
	if behavior != nil {
		behavior(p)
	}
	return p, nil
}

// Procs returns every proc spawned so far.
func (b *FakeBackend) Procs() []*FakeProc {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*FakeProc, len(b.procs))
	copy(out, b.procs)
	return out
}

// FakeProc is a scriptable worker.
type FakeProc struct {
	pid       int
	startedAt time.Time
	work      chan string
	results   chan execctx.ExecutionResult

	mu         sync.Mutex
	dead       bool
	terminated bool
}

func (p *FakeProc) PID() int             { return p.pid }
func (p *FakeProc) StartedAt() time.Time { return p.startedAt }
func (p *FakeProc) MemoryMB() float64    { return 42 }

func (p *FakeProc) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead
}

func (p *FakeProc) Send(executionID string) error {
	p.work <- executionID
	return nil
}

func (p *FakeProc) Results() <-chan execctx.ExecutionResult { return p.results }

func (p *FakeProc) Terminate(_ time.Duration) {
	p.mu.Lock()
	p.dead = true
	p.terminated = true
	p.mu.Unlock()
}

// Terminated reports whether the pool asked this proc to die.
func (p *FakeProc) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// Crash simulates an OS-level death: the process is gone without the
// pool having killed it.
func (p *FakeProc) Crash() {
	p.mu.Lock()
	p.dead = true
	p.mu.Unlock()
}

// Work exposes the work channel so tests can observe dispatches.
func (p *FakeProc) Work() <-chan string { return p.work }

// Finish emits a successful result for an execution.
func (p *FakeProc) Finish(executionID string, value interface{}, duration time.Duration) {
	p.results <- execctx.ExecutionResult{
		ExecutionID: executionID,
		Success:     true,
		Value:       value,
		DurationMS:  duration.Milliseconds(),
	}
}

// Echo runs a trivial worker loop: every dispatched execution succeeds
// immediately. Useful as a FakeBackend.Behavior.
func Echo(p *FakeProc) {
	go func() {
		for id := range p.work {
			p.Finish(id, "ok", 0)
		}
	}()
}

var _ Proc = (*FakeProc)(nil)
var _ Backend = (*FakeBackend)(nil)
