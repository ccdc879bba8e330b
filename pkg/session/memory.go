package session

import (
	"context"
	"sync"

	"github.com/NIAGADS/etl-engine/pkg/errors"
)

// MemoryCoordinator is an in-process Coordinator backed by plain maps. It is
// used by the engine tests and by local runs against the memory:// target; it
// honors the same commit/rollback semantics as the Postgres coordinator.
type MemoryCoordinator struct {
	mu        sync.Mutex
	committed map[string][]Row
	staging   map[string][]Row
	sess      *memorySession
}

// NewMemoryCoordinator creates an empty in-memory store.
func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{committed: make(map[string][]Row)}
}

// Seed installs committed rows for a table, bypassing the transaction
// machinery. Intended for test fixtures.
func (c *MemoryCoordinator) Seed(table string, rows []Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed[table] = cloneTable(rows)
}

// CommittedRowCount returns the number of durably committed rows in table.
// Uncommitted staged work is not visible here.
func (c *MemoryCoordinator) CommittedRowCount(table string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.committed[table])
}

// CommittedRows returns a copy of the durably committed rows in table.
func (c *MemoryCoordinator) CommittedRows(table string) []Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneTable(c.committed[table])
}

// Begin opens the run's session over a staging copy of the committed state.
func (c *MemoryCoordinator) Begin(_ context.Context) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return nil, errors.New(errors.ErrorTypeInternal, "session already open for this coordinator")
	}
	c.staging = cloneStore(c.committed)
	c.sess = &memorySession{coord: c, touches: newTouchSet()}
	return c.sess, nil
}

// Commit promotes the staging state to committed and starts a fresh staging
// copy so the session stays usable for the next batch.
func (c *MemoryCoordinator) Commit(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return errors.New(errors.ErrorTypeInternal, "commit without an open session")
	}
	c.committed = cloneStore(c.staging)
	c.staging = cloneStore(c.committed)
	return nil
}

// Rollback discards staged work since the last commit.
func (c *MemoryCoordinator) Rollback(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return errors.New(errors.ErrorTypeInternal, "rollback without an open session")
	}
	c.staging = cloneStore(c.committed)
	return nil
}

// Close discards any uncommitted work and invalidates the session.
func (c *MemoryCoordinator) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staging = nil
	c.sess = nil
	return nil
}

type memorySession struct {
	coord   *MemoryCoordinator
	touches *touchSet
}

func (s *memorySession) Insert(_ context.Context, table string, rows []Row) (int64, error) {
	s.coord.mu.Lock()
	defer s.coord.mu.Unlock()
	s.touches.touch(table)
	for _, row := range rows {
		s.coord.staging[table] = append(s.coord.staging[table], cloneRow(row))
	}
	return int64(len(rows)), nil
}

func (s *memorySession) Update(_ context.Context, table string, set Row, where Row) (int64, error) {
	s.coord.mu.Lock()
	defer s.coord.mu.Unlock()
	s.touches.touch(table)
	var n int64
	for _, row := range s.coord.staging[table] {
		if matches(row, where) {
			for k, v := range set {
				row[k] = v
			}
			n++
		}
	}
	return n, nil
}

func (s *memorySession) Upsert(_ context.Context, table string, rows []Row, keys []string) (int64, error) {
	s.coord.mu.Lock()
	defer s.coord.mu.Unlock()
	s.touches.touch(table)
	for _, row := range rows {
		replaced := false
		for i, existing := range s.coord.staging[table] {
			if sameKeys(existing, row, keys) {
				s.coord.staging[table][i] = cloneRow(row)
				replaced = true
				break
			}
		}
		if !replaced {
			s.coord.staging[table] = append(s.coord.staging[table], cloneRow(row))
		}
	}
	return int64(len(rows)), nil
}

func (s *memorySession) Delete(_ context.Context, table string, where Row) (int64, error) {
	s.coord.mu.Lock()
	defer s.coord.mu.Unlock()
	s.touches.touch(table)
	kept := s.coord.staging[table][:0]
	var n int64
	for _, row := range s.coord.staging[table] {
		if matches(row, where) {
			n++
			continue
		}
		kept = append(kept, row)
	}
	s.coord.staging[table] = kept
	return n, nil
}

func (s *memorySession) Select(_ context.Context, table string, where Row) ([]Row, error) {
	s.coord.mu.Lock()
	defer s.coord.mu.Unlock()
	var out []Row
	for _, row := range s.coord.staging[table] {
		if matches(row, where) {
			out = append(out, cloneRow(row))
		}
	}
	return out, nil
}

func (s *memorySession) TouchedTables() []string {
	return s.touches.list()
}

func matches(row Row, where Row) bool {
	for k, v := range where {
		if row[k] != v {
			return false
		}
	}
	return true
}

func sameKeys(a, b Row, keys []string) bool {
	if len(keys) == 0 {
		return false
	}
	for _, k := range keys {
		if a[k] != b[k] {
			return false
		}
	}
	return true
}

func cloneRow(row Row) Row {
	cp := make(Row, len(row))
	for k, v := range row {
		cp[k] = v
	}
	return cp
}

func cloneTable(rows []Row) []Row {
	cp := make([]Row, 0, len(rows))
	for _, row := range rows {
		cp = append(cp, cloneRow(row))
	}
	return cp
}

func cloneStore(store map[string][]Row) map[string][]Row {
	cp := make(map[string][]Row, len(store))
	for table, rows := range store {
		cp[table] = cloneTable(rows)
	}
	return cp
}
