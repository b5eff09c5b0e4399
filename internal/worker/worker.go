// Package worker implements the child process side of the execution
// pool. A worker reads execution ids off its work channel (stdin),
// resolves the target workflow through the entity table and module
// cache, invokes it under the remaining deadline budget, and writes
// exactly one result per execution to its result channel (stdout).
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/bifrost/backend/internal/entity"
	"github.com/bifrost/backend/internal/execctx"
	"github.com/bifrost/backend/internal/modcache"
)

// WorkRequest is one line on the work channel.
type WorkRequest struct {
	ExecutionID string `json:"execution_id"`
}

// Compiled is an opaque runtime token for one unique content hash.
type Compiled interface{}

// Runtime abstracts the engine that actually runs user code. The
// subprocess runtime shells out; tests substitute a stub.
type Runtime interface {
	// Compile prepares the source once per content hash.
	Compile(ctx context.Context, path, source, hash string) (Compiled, error)
	// Invoke runs the named symbol until completion or ctx deadline.
	Invoke(ctx context.Context, c Compiled, symbol string, ec *execctx.ExecutionContext) (interface{}, error)
}

// resolved is one cached (org, workflow name) lookup. Cached for the
// worker's lifetime; a stale path surfaces as a load error and the
// execution fails cleanly.
type resolved struct {
	path   string
	symbol string
}

// Worker is the per-process execution loop state.
type Worker struct {
	contexts *execctx.Store
	entities entity.Store
	loader   *modcache.Loader
	runtime  Runtime
	logger   *log.Logger

	lookups  map[string]resolved
	compiled map[string]Compiled
}

func New(contexts *execctx.Store, entities entity.Store, loader *modcache.Loader, runtime Runtime) *Worker {
	return &Worker{
		contexts: contexts,
		entities: entities,
		loader:   loader,
		runtime:  runtime,
		logger:   log.New(log.Writer(), "[Worker] ", log.LstdFlags),
		lookups:  make(map[string]resolved),
		compiled: make(map[string]Compiled),
	}
}

// current is the process-wide execution slot SDK calls read from.
var (
	currentMu sync.RWMutex
	current   *execctx.ExecutionContext
)

// Current returns the execution context of the in-flight execution, or
// nil between executions.
func Current() *execctx.ExecutionContext {
	currentMu.RLock()
	defer currentMu.RUnlock()
	return current
}

func setCurrent(ec *execctx.ExecutionContext) {
	currentMu.Lock()
	current = ec
	currentMu.Unlock()
}

// Run is the main loop: one request line in, one result line out,
// single execution in flight at a time. Returns when the work channel
// closes or ctx is cancelled.
func (w *Worker) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	writer := bufio.NewWriter(out)
	enc := json.NewEncoder(writer)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req WorkRequest
		if err := json.Unmarshal(line, &req); err != nil {
			w.logger.Printf("Dropping malformed work request: %v", err)
			continue
		}

		result := w.Execute(ctx, req.ExecutionID)
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("write result for %s: %w", req.ExecutionID, err)
		}
		if err := writer.Flush(); err != nil {
			return fmt.Errorf("flush result for %s: %w", req.ExecutionID, err)
		}
	}
	return scanner.Err()
}

// Execute resolves and runs one execution, always producing a result.
func (w *Worker) Execute(ctx context.Context, executionID string) execctx.ExecutionResult {
	start := time.Now()

	ec, err := w.contexts.Get(ctx, executionID)
	if err != nil {
		return execctx.FailureResult(executionID, execctx.ErrKindExecution,
			fmt.Sprintf("execution context unavailable: %v", err), time.Since(start))
	}

	target, err := w.resolve(ctx, ec.OrgID, ec.WorkflowName)
	if err != nil {
		return execctx.FailureResult(executionID, execctx.ErrKindExecution,
			fmt.Sprintf("resolve workflow %s: %v", ec.WorkflowName, err), time.Since(start))
	}

	module, err := w.loader.Load(ctx, target.path)
	if err != nil {
		return execctx.FailureResult(executionID, execctx.ErrKindExecution,
			fmt.Sprintf("load module %s: %v", target.path, err), time.Since(start))
	}

	compiled, err := w.compile(ctx, target.path, module)
	if err != nil {
		return execctx.FailureResult(executionID, execctx.ErrKindExecution,
			fmt.Sprintf("compile %s: %v", target.path, err), time.Since(start))
	}

	setCurrent(ec)
	defer setCurrent(nil)

	runCtx := ctx
	if !ec.Deadline.IsZero() {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, ec.Deadline)
		defer cancel()
	}

	value, err := w.runtime.Invoke(runCtx, compiled, target.symbol, ec)
	if err != nil {
		return execctx.FailureResult(executionID, execctx.ErrKindExecution, err.Error(), time.Since(start))
	}
	return execctx.ExecutionResult{
		ExecutionID: executionID,
		Success:     true,
		Value:       value,
		DurationMS:  time.Since(start).Milliseconds(),
	}
}

func (w *Worker) resolve(ctx context.Context, orgID, workflowName string) (resolved, error) {
	key := orgID + "/" + workflowName
	if r, ok := w.lookups[key]; ok {
		return r, nil
	}
	wf, err := w.entities.FindActiveWorkflowByName(ctx, orgID, workflowName)
	if err != nil {
		return resolved{}, err
	}
	r := resolved{path: wf.Path, symbol: wf.FunctionSymbol}
	w.lookups[key] = r
	return r, nil
}

// compile reuses one compiled unit per unique content hash for the
// worker's lifetime.
func (w *Worker) compile(ctx context.Context, path string, module modcache.Entry) (Compiled, error) {
	if c, ok := w.compiled[module.Hash]; ok {
		return c, nil
	}
	c, err := w.runtime.Compile(ctx, path, module.Content, module.Hash)
	if err != nil {
		return nil, err
	}
	w.compiled[module.Hash] = c
	return c, nil
}
