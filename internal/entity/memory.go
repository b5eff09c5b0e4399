package entity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store used by tests and by the CLI's
// dry-run mode. Behavior mirrors PostgresStore, including id
// preservation on the (path, function_symbol) identity key.
type MemoryStore struct {
	mu         sync.RWMutex
	entities   map[string]*Entity // id -> entity
	forms      map[string]*Form
	agents     map[string]*Agent
	executions map[string][]time.Time // entity id -> run starts
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:   make(map[string]*Entity),
		forms:      make(map[string]*Form),
		agents:     make(map[string]*Agent),
		executions: make(map[string][]time.Time),
	}
}

func (m *MemoryStore) findByIdentity(path, symbol string) *Entity {
	for _, e := range m.entities {
		if e.Path == path && e.FunctionSymbol == symbol {
			return e
		}
	}
	return nil
}

func (m *MemoryStore) UpsertEntity(_ context.Context, e *Entity) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *e
	if existing := m.findByIdentity(e.Path, e.FunctionSymbol); existing != nil {
		stored.ID = existing.ID
		if existing.LastSeenAt.After(stored.LastSeenAt) {
			stored.LastSeenAt = existing.LastSeenAt
		}
	} else if stored.ID == "" {
		stored.ID = uuid.NewString()
	} else if holder := m.entities[stored.ID]; holder != nil {
		// The explicit id belongs to a different identity key; Postgres
		// rejects this as a primary key violation.
		return nil, fmt.Errorf("entity id %s already bound to %s/%s",
			stored.ID, holder.Path, holder.FunctionSymbol)
	}
	m.entities[stored.ID] = &stored
	cp := stored
	return &cp, nil
}

func (m *MemoryStore) GetEntity(_ context.Context, id string) (*Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) EntityExists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entities[id]
	return ok, nil
}

func (m *MemoryStore) ActiveByPath(_ context.Context, path string) ([]Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entity
	for _, e := range m.entities {
		if e.Path == path && e.IsActive {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FunctionSymbol < out[j].FunctionSymbol })
	return out, nil
}

func (m *MemoryStore) FindActiveWorkflowByName(_ context.Context, orgID, name string) (*Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Entity
	for _, e := range m.entities {
		if e.OrgID != orgID || !e.IsActive {
			continue
		}
		if e.Name == name || e.FunctionSymbol == name {
			if best == nil || e.LastSeenAt.After(best.LastSeenAt) {
				best = e
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, name)
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entity
	for _, e := range m.entities {
		if e.IsActive {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeactivateByPath(_ context.Context, path string, _ time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.entities {
		if e.Path == path && e.IsActive {
			e.IsActive = false
			e.IsOrphaned = true
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeactivateSymbols(_ context.Context, path string, symbols []string, _ time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	n := 0
	for _, e := range m.entities {
		if e.Path == path && e.IsActive && want[e.FunctionSymbol] {
			e.IsActive = false
			e.IsOrphaned = true
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) UpdateFunctionSymbol(_ context.Context, id, newSymbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.FunctionSymbol = newSymbol
	return nil
}

func (m *MemoryStore) ExecutionHistory(_ context.Context, entityID string) (bool, *time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := m.executions[entityID]
	if len(runs) == 0 {
		return false, nil, nil
	}
	last := runs[0]
	for _, t := range runs[1:] {
		if t.After(last) {
			last = t
		}
	}
	return true, &last, nil
}

func (m *MemoryStore) RecordExecution(_ context.Context, entityID, _ string, startedAt time.Time) error {
	m.mu.Lock()
	m.executions[entityID] = append(m.executions[entityID], startedAt)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Referents(_ context.Context, workflowID string) ([]Referent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Referent
	for _, f := range m.forms {
		if !f.IsActive {
			continue
		}
		if f.WorkflowRef == workflowID {
			out = append(out, Referent{EntityType: "form", ID: f.ID, Name: f.Name, Relation: "main"})
		}
		if f.LaunchWorkflowRef == workflowID {
			out = append(out, Referent{EntityType: "form", ID: f.ID, Name: f.Name, Relation: "launch"})
		}
		for _, field := range f.Fields {
			if field.DataProviderRef == workflowID {
				out = append(out, Referent{EntityType: "form", ID: f.ID, Name: f.Name, Relation: "data_provider"})
				break
			}
		}
	}
	for _, a := range m.agents {
		if !a.IsActive {
			continue
		}
		for _, ref := range a.ToolRefs {
			if ref == workflowID {
				out = append(out, Referent{EntityType: "agent", ID: a.ID, Name: a.Name, Relation: "tool"})
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Relation < out[j].Relation
	})
	return out, nil
}

func (m *MemoryStore) UpsertForm(_ context.Context, f *Form) error {
	m.mu.Lock()
	cp := *f
	m.forms[f.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetForm(_ context.Context, id string) (*Form, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.forms[id]
	if !ok {
		return nil, fmt.Errorf("%w: form %s", ErrNotFound, id)
	}
	cp := *f
	return &cp, nil
}

func (m *MemoryStore) ListForms(_ context.Context) ([]Form, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Form, 0, len(m.forms))
	for _, f := range m.forms {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpsertAgent(_ context.Context, a *Agent) error {
	m.mu.Lock()
	cp := *a
	m.agents[a.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAgents(_ context.Context) ([]Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
