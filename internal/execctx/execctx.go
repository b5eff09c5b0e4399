// Package execctx carries the per-execution contract between the
// dispatcher, the context store and the worker: the context written
// before dispatch and the single result every execution resolves to.
package execctx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Error kinds carried in ExecutionResult.ErrorKind. Every failure mode
// maps to exactly one of these.
const (
	ErrKindTimeout      = "TimeoutError"
	ErrKindCancelled    = "CancelledError"
	ErrKindProcessCrash = "ProcessCrashError"
	ErrKindExecution    = "ExecutionError"
)

// DefaultTTL keeps contexts readable for the full execution window.
const DefaultTTL = time.Hour

// ExecutionContext is written to the context store before dispatch and
// read once by the worker that picks the execution up.
type ExecutionContext struct {
	ExecutionID    string                 `json:"execution_id"`
	UserID         string                 `json:"user_id,omitempty"`
	OrgID          string                 `json:"org_id"`
	WorkflowName   string                 `json:"workflow_name"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	Deadline       time.Time              `json:"deadline"`
}

// ExecutionResult is the single terminal event of one execution.
type ExecutionResult struct {
	ExecutionID  string      `json:"execution_id"`
	Success      bool        `json:"success"`
	Value        interface{} `json:"value,omitempty"`
	ErrorKind    string      `json:"error_kind,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	DurationMS   int64       `json:"duration_ms"`
	InputTokens  int         `json:"input_tokens,omitempty"`
	OutputTokens int         `json:"output_tokens,omitempty"`
}

// FailureResult builds the error-kind result for an execution.
func FailureResult(executionID, kind, message string, duration time.Duration) ExecutionResult {
	return ExecutionResult{
		ExecutionID:  executionID,
		Success:      false,
		ErrorKind:    kind,
		ErrorMessage: message,
		DurationMS:   duration.Milliseconds(),
	}
}

// KV is the key-value surface the store needs: set with TTL, get. The
// Redis adapter satisfies it in production.
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Store persists execution contexts under exec:<id>:context with a
// TTL. There is no delete: contexts are read-once and expiry cleans
// them up.
type Store struct {
	kv  KV
	ttl time.Duration
}

func NewStore(kv KV) *Store {
	return &Store{kv: kv, ttl: DefaultTTL}
}

func NewStoreWithTTL(kv KV, ttl time.Duration) *Store {
	if ttl < DefaultTTL {
		ttl = DefaultTTL
	}
	return &Store{kv: kv, ttl: ttl}
}

func contextKey(executionID string) string {
	return "exec:" + executionID + ":context"
}

func (s *Store) Set(ctx context.Context, ec *ExecutionContext) error {
	data, err := json.Marshal(ec)
	if err != nil {
		return fmt.Errorf("marshal execution context: %w", err)
	}
	if err := s.kv.Set(ctx, contextKey(ec.ExecutionID), data, s.ttl); err != nil {
		return fmt.Errorf("store execution context %s: %w", ec.ExecutionID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, executionID string) (*ExecutionContext, error) {
	data, err := s.kv.Get(ctx, contextKey(executionID))
	if err != nil {
		return nil, fmt.Errorf("load execution context %s: %w", executionID, err)
	}
	var ec ExecutionContext
	if err := json.Unmarshal(data, &ec); err != nil {
		return nil, fmt.Errorf("decode execution context %s: %w", executionID, err)
	}
	return &ec, nil
}
