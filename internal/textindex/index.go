// Package textindex maintains the searchable text tier: one mutable row
// per artifact path with the decoded content and its hash. The write
// pipeline keeps it in lockstep with the blob store; the reindexer
// repairs any drift left by crashes.
package textindex

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when no row exists for a path.
var ErrNotFound = errors.New("text index row not found")

// Row is the indexed form of one artifact.
type Row struct {
	Path        string
	Content     string
	ContentHash string
	UpdatedAt   time.Time
}

// Index is the path-keyed text table. Upsert is idempotent; UpdatedAt
// always advances to now.
type Index interface {
	Upsert(ctx context.Context, path, content, hash string, now time.Time) error
	Get(ctx context.Context, path string) (*Row, error)
	Delete(ctx context.Context, path string) error
	Scan(ctx context.Context, prefix string, limit int) ([]Row, error)
}

// Memory is the in-process index used in tests.
type Memory struct {
	mu   sync.RWMutex
	rows map[string]Row
}

func NewMemory() *Memory {
	return &Memory{rows: make(map[string]Row)}
}

func (m *Memory) Upsert(_ context.Context, path, content, hash string, now time.Time) error {
	m.mu.Lock()
	m.rows[path] = Row{Path: path, Content: content, ContentHash: hash, UpdatedAt: now}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, path string) (*Row, error) {
	m.mu.RLock()
	row, ok := m.rows[path]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return &row, nil
}

func (m *Memory) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	delete(m.rows, path)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Scan(_ context.Context, prefix string, limit int) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]Row, 0)
	for _, row := range m.rows {
		if strings.HasPrefix(row.Path, prefix) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

var _ Index = (*Memory)(nil)
