package entity

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for lookups of missing entities.
var ErrNotFound = errors.New("entity not found")

// Store is the entity-table surface the indexer, guard, pool and
// reindexer share. Postgres is the production implementation; Memory
// backs tests.
type Store interface {
	// UpsertEntity inserts or updates on the (path, function_symbol)
	// identity key. The stored id is preserved on conflict; the
	// returned entity carries the effective id.
	UpsertEntity(ctx context.Context, e *Entity) (*Entity, error)
	GetEntity(ctx context.Context, id string) (*Entity, error)
	EntityExists(ctx context.Context, id string) (bool, error)
	// ActiveByPath returns the active entities declared by one artifact.
	ActiveByPath(ctx context.Context, path string) ([]Entity, error)
	// FindActiveWorkflowByName resolves (org, name) to the current
	// active workflow. Name matches either the display name or the
	// function symbol.
	FindActiveWorkflowByName(ctx context.Context, orgID, name string) (*Entity, error)
	ListActive(ctx context.Context) ([]Entity, error)
	// DeactivateByPath soft-deletes every entity at path
	// (is_active=false, is_orphaned=true). Update rather than physical
	// delete, to avoid lock contention with concurrent upserts.
	DeactivateByPath(ctx context.Context, path string, now time.Time) (int, error)
	// DeactivateSymbols soft-deletes exactly the named symbols at path.
	DeactivateSymbols(ctx context.Context, path string, symbols []string, now time.Time) (int, error)
	// UpdateFunctionSymbol rewrites the on-disk symbol while preserving
	// the id. This is the rename-with-identity path.
	UpdateFunctionSymbol(ctx context.Context, id, newSymbol string) error

	// ExecutionHistory reports whether the entity has ever run and when
	// it last ran.
	ExecutionHistory(ctx context.Context, entityID string) (bool, *time.Time, error)
	RecordExecution(ctx context.Context, entityID, executionID string, startedAt time.Time) error

	// Referents enumerates forms and agents referencing the workflow.
	Referents(ctx context.Context, workflowID string) ([]Referent, error)

	UpsertForm(ctx context.Context, f *Form) error
	GetForm(ctx context.Context, id string) (*Form, error)
	ListForms(ctx context.Context) ([]Form, error)
	UpsertAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]Agent, error)
}
