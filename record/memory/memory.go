// Package memory provides an in-memory record.Store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/freight-sla/record"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	records map[record.BusinessKey]record.Record
	runs    []record.Run
	now     func() time.Time
}

func New() *Memory {
	return &Memory{
		records: make(map[record.BusinessKey]record.Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the clock used for CreatedAt/UpdatedAt.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

func (m *Memory) FindByKey(_ context.Context, key record.BusinessKey) (*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Insert adds a new record. The map key is the uniqueness constraint.
func (m *Memory) Insert(_ context.Context, rec record.Record) error {
	if !rec.BusinessKey.Valid() {
		return &record.KeyError{Key: rec.BusinessKey, Err: record.ErrInvalidKey}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.BusinessKey]; exists {
		return &record.KeyError{Key: rec.BusinessKey, Err: record.ErrDuplicateKey}
	}
	now := m.now()
	rec = rec.WithDefaults()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.records[rec.BusinessKey] = rec
	return nil
}

// Update coalesces patch into the stored record and refreshes UpdatedAt.
func (m *Memory) Update(_ context.Context, key record.BusinessKey, patch record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.records[key]
	if !ok {
		return &record.KeyError{Key: key, Err: record.ErrNotFound}
	}
	merged := current.Merge(patch)
	merged.UpdatedAt = m.now()
	if merged.UpdatedAt.Before(merged.CreatedAt) {
		merged.UpdatedAt = merged.CreatedAt
	}
	m.records[key] = merged
	return nil
}

func (m *Memory) QueryAll(_ context.Context) ([]record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]record.Record, 0, len(m.records))
	for _, rec := range m.records {
		result = append(result, rec)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BusinessKey < result[j].BusinessKey })
	return result, nil
}

func (m *Memory) Delete(_ context.Context, key record.BusinessKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[key]; !ok {
		return &record.KeyError{Key: key, Err: record.ErrNotFound}
	}
	delete(m.records, key)
	return nil
}

// =============================================================================
// RUN LOG
// =============================================================================

func (m *Memory) SaveRun(_ context.Context, run record.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) ListRuns(_ context.Context, limit int) ([]record.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []record.Run
	for i := len(m.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, m.runs[i])
	}
	return result, nil
}
