// Package guard implements deactivation protection for executable
// artifact writes. Before content is persisted, the guard diffs the new
// symbol set against the active entities at the same path and blocks the
// write when still-referenced entities would silently go inactive.
package guard

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/bifrost/backend/internal/entity"
)

// MinReplacementScore is the floor below which a new symbol is not
// offered as a rename candidate.
const MinReplacementScore = 0.2

// PendingDeactivation describes one entity a write would deactivate,
// enriched with everything a caller needs to decide replace vs. accept.
type PendingDeactivation struct {
	EntityID            string            `json:"entity_id"`
	FunctionSymbol      string            `json:"function_symbol"`
	Name                string            `json:"name"`
	Kind                string            `json:"kind"`
	EndpointEnabled     bool              `json:"endpoint_enabled"`
	HasExecutionHistory bool              `json:"has_execution_history"`
	LastExecutionAt     *time.Time        `json:"last_execution_at,omitempty"`
	AffectedEntities    []entity.Referent `json:"affected_entities,omitempty"`
}

// Replacement is a new symbol scored against the pending set.
type Replacement struct {
	FunctionSymbol string  `json:"function_symbol"`
	Similarity     float64 `json:"similarity"`
}

// Decision is the guard's verdict for one write attempt. Blocked()
// reports whether the pipeline must abort with the structured payload;
// Removed carries the entities to deactivate when the caller forced
// through.
type Decision struct {
	Pending      []PendingDeactivation `json:"pending,omitempty"`
	Replacements []Replacement         `json:"replacements,omitempty"`
	Removed      []entity.Entity       `json:"-"`
}

func (d *Decision) Blocked() bool { return len(d.Pending) > 0 }

// Guard evaluates writes against the entity store.
type Guard struct {
	store  entity.Store
	logger *log.Logger
}

func NewGuard(store entity.Store) *Guard {
	return &Guard{
		store:  store,
		logger: log.New(log.Writer(), "[Guard] ", log.LstdFlags),
	}
}

// Check runs the guard for a write of newSymbols to path.
//
// Replacements are applied first: each {old entity id -> new symbol}
// pair rewrites the stored function_symbol in place, so the entity's
// id, execution history and endpoint registration survive the rename.
// Replacements win over natural matching.
//
// After that, symbols that exist on disk but not in newSymbols become
// pending deactivations. With force=true the write proceeds and
// Decision.Removed lists exactly the entities to deactivate; without
// it a non-empty pending set blocks the write.
func (g *Guard) Check(ctx context.Context, path string, newSymbols []string, force bool, replacements map[string]string) (*Decision, error) {
	existing, err := g.store.ActiveByPath(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("load active entities for %s: %w", path, err)
	}

	for oldID, newSymbol := range replacements {
		if err := g.applyReplacement(ctx, path, existing, oldID, newSymbol); err != nil {
			return nil, err
		}
		for i := range existing {
			if existing[i].ID == oldID {
				existing[i].FunctionSymbol = newSymbol
			}
		}
	}

	newSet := make(map[string]bool, len(newSymbols))
	for _, s := range newSymbols {
		newSet[s] = true
	}

	var removed []entity.Entity
	existingSet := make(map[string]bool, len(existing))
	for _, e := range existing {
		existingSet[e.FunctionSymbol] = true
		if !newSet[e.FunctionSymbol] {
			removed = append(removed, e)
		}
	}
	if len(removed) == 0 {
		return &Decision{}, nil
	}
	if force {
		g.logger.Printf("Forced deactivation of %d entities at %s", len(removed), path)
		return &Decision{Removed: removed}, nil
	}

	pending := make([]PendingDeactivation, 0, len(removed))
	for _, e := range removed {
		p := PendingDeactivation{
			EntityID:        e.ID,
			FunctionSymbol:  e.FunctionSymbol,
			Name:            e.Name,
			Kind:            e.Kind,
			EndpointEnabled: e.EndpointEnabled,
		}
		hasHistory, lastAt, err := g.store.ExecutionHistory(ctx, e.ID)
		if err != nil {
			return nil, fmt.Errorf("execution history for %s: %w", e.ID, err)
		}
		p.HasExecutionHistory = hasHistory
		p.LastExecutionAt = lastAt

		refs, err := g.store.Referents(ctx, e.ID)
		if err != nil {
			return nil, fmt.Errorf("referents for %s: %w", e.ID, err)
		}
		p.AffectedEntities = refs
		pending = append(pending, p)
	}

	return &Decision{
		Pending:      pending,
		Replacements: scoreReplacements(newSymbols, existingSet, pending),
		Removed:      removed,
	}, nil
}

func (g *Guard) applyReplacement(ctx context.Context, path string, existing []entity.Entity, oldID, newSymbol string) error {
	found := false
	for _, e := range existing {
		if e.ID == oldID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("replacement target %s is not an active entity at %s", oldID, path)
	}
	if err := g.store.UpdateFunctionSymbol(ctx, oldID, newSymbol); err != nil {
		return fmt.Errorf("rename %s to %s: %w", oldID, newSymbol, err)
	}
	g.logger.Printf("Renamed entity %s to symbol %s (identity preserved)", oldID, newSymbol)
	return nil
}

// scoreReplacements scores every genuinely new symbol against every
// pending deactivation, keeps each symbol's best score when it clears
// the floor, and sorts descending.
func scoreReplacements(newSymbols []string, existingSet map[string]bool, pending []PendingDeactivation) []Replacement {
	var out []Replacement
	for _, s := range newSymbols {
		if existingSet[s] {
			continue
		}
		best := 0.0
		for _, p := range pending {
			if score := Similarity(p.FunctionSymbol, s); score > best {
				best = score
			}
		}
		if best >= MinReplacementScore {
			out = append(out, Replacement{FunctionSymbol: s, Similarity: best})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].FunctionSymbol < out[j].FunctionSymbol
	})
	return out
}
