// Package pool manages the fleet of worker processes: spawning,
// routing, timeout and crash supervision, recycling and resizing. The
// backend abstraction keeps the manager independent of how workers are
// actually launched; production uses OS child processes.
package pool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bifrost/backend/internal/execctx"
	"github.com/bifrost/backend/internal/worker"
)

// Proc is one live worker process as the manager sees it: an OS handle,
// a work channel in, a result channel out.
type Proc interface {
	PID() int
	Alive() bool
	StartedAt() time.Time
	// Send writes one execution id to the work channel.
	Send(executionID string) error
	// Results yields every result the worker produces. Closed when the
	// process exits.
	Results() <-chan execctx.ExecutionResult
	// Terminate asks nicely first: SIGTERM, wait up to grace, SIGKILL.
	Terminate(grace time.Duration)
	// MemoryMB reports resident memory, best effort.
	MemoryMB() float64
}

// Backend spawns worker processes.
type Backend interface {
	Spawn(ctx context.Context) (Proc, error)
}

// =============================================================================
// ExecBackend: os/exec child processes speaking JSON lines over pipes.
// =============================================================================

// ExecBackend launches the worker binary as a child process. The work
// channel is the child's stdin, the result channel its stdout, one JSON
// object per line.
type ExecBackend struct {
	command []string
	logger  *log.Logger
}

func NewExecBackend(command []string) (*ExecBackend, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("worker command is empty")
	}
	return &ExecBackend{
		command: command,
		logger:  log.New(log.Writer(), "[PoolBackend] ", log.LstdFlags),
	}, nil
}

func (b *ExecBackend) Spawn(ctx context.Context) (Proc, error) {
	cmd := exec.Command(b.command[0], b.command[1:]...)
	cmd.Env = os.Environ()
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	p := &execProc{
		cmd:       cmd,
		stdin:     stdin,
		startedAt: time.Now(),
		results:   make(chan execctx.ExecutionResult, 16),
		exited:    make(chan struct{}),
	}
	go p.readResults(stdout)
	go func() {
		_ = cmd.Wait()
		close(p.exited)
	}()

	b.logger.Printf("Spawned worker pid=%d", cmd.Process.Pid)
	return p, nil
}

type execProc struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	startedAt time.Time
	results   chan execctx.ExecutionResult
	exited    chan struct{}

	sendMu sync.Mutex
}

func (p *execProc) PID() int             { return p.cmd.Process.Pid }
func (p *execProc) StartedAt() time.Time { return p.startedAt }

func (p *execProc) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *execProc) Send(executionID string) error {
	payload, err := json.Marshal(worker.WorkRequest{ExecutionID: executionID})
	if err != nil {
		return err
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if _, err := p.stdin.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write to worker %d: %w", p.PID(), err)
	}
	return nil
}

func (p *execProc) Results() <-chan execctx.ExecutionResult { return p.results }

func (p *execProc) readResults(stdout io.Reader) {
	defer close(p.results)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var res execctx.ExecutionResult
		if err := json.Unmarshal(line, &res); err != nil {
			continue
		}
		p.results <- res
	}
}

func (p *execProc) Terminate(grace time.Duration) {
	_ = p.stdin.Close()
	if !p.Alive() {
		return
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.exited:
	case <-time.After(grace):
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
}

// MemoryMB reads VmRSS from /proc. Returns 0 where procfs is absent.
func (p *execProc) MemoryMB() float64 {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", p.PID()))
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0
		}
		return kb / 1024
	}
	return 0
}

var _ Proc = (*execProc)(nil)
var _ Backend = (*ExecBackend)(nil)
