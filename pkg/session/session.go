// Package session provides the single read/write database session threaded
// through a pipeline run. The executor owns the transaction coordinator and
// alone decides commit or rollback; plugins receive the Session handle inside
// load and treat it as opaque beyond row operations scoped to their declared
// tables.
package session

import (
	"context"
	"sort"
	"sync"
)

// Row is a column-name to value mapping.
type Row map[string]interface{}

// Session is the handle passed into a plugin's load call. All row operations
// take a schema-qualified table name; the session records every table touched
// so the executor can enforce the plugin's affected-tables declaration.
type Session interface {
	// Insert appends rows to table, returning the number of rows written.
	Insert(ctx context.Context, table string, rows []Row) (int64, error)

	// Update sets the columns in set on every row matching where, returning
	// the number of rows changed.
	Update(ctx context.Context, table string, set Row, where Row) (int64, error)

	// Upsert inserts rows, replacing existing rows that share the same values
	// for the key columns. Returns the number of rows written.
	Upsert(ctx context.Context, table string, rows []Row, keys []string) (int64, error)

	// Delete removes rows matching where, returning the number removed.
	Delete(ctx context.Context, table string, where Row) (int64, error)

	// Select returns the rows matching where; an empty where matches all.
	Select(ctx context.Context, table string, where Row) ([]Row, error)

	// TouchedTables returns the sorted set of tables mutated through this
	// session since the run began. Reads do not count as touches.
	TouchedTables() []string
}

// Coordinator owns the session for one run. Begin is called exactly once per
// run; Commit finalizes the work since the previous commit and opens a fresh
// transaction so the same session stays usable for the next batch.
type Coordinator interface {
	// Begin opens the run's session.
	Begin(ctx context.Context) (Session, error)

	// Commit durably applies all work since the last commit.
	Commit(ctx context.Context) error

	// Rollback discards all uncommitted work.
	Rollback(ctx context.Context) error

	// Close releases the coordinator's resources, rolling back any work left
	// uncommitted.
	Close(ctx context.Context) error
}

// touchSet tracks mutated tables for contract enforcement.
type touchSet struct {
	mu     sync.Mutex
	tables map[string]struct{}
}

func newTouchSet() *touchSet {
	return &touchSet{tables: make(map[string]struct{})}
}

func (t *touchSet) touch(table string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tables[table] = struct{}{}
}

func (t *touchSet) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.tables))
	for table := range t.tables {
		out = append(out, table)
	}
	sort.Strings(out)
	return out
}
