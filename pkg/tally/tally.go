// Package tally accumulates per-table, per-operation row counts for a single
// pipeline run. Plugins report affected rows through Add during load; the
// executor owns the tally and flushes it into the final run report.
package tally

import (
	"sort"
	"strings"
	"sync"

	"github.com/NIAGADS/etl-engine/pkg/errors"
	"github.com/NIAGADS/etl-engine/pkg/models"
)

// DryRunTable is the placeholder table label used when simulating counts for
// a plugin that declares more than one affected table.
const DryRunTable = "DRY.RUN"

// Tally maps (table, operation) to a count of affected rows. Counts are
// monotonically non-decreasing within a run: Add rejects negative deltas.
type Tally struct {
	mu     sync.Mutex
	counts map[string]map[models.Operation]int64
}

// New creates an empty tally.
func New() *Tally {
	return &Tally{counts: make(map[string]map[models.Operation]int64)}
}

// Add increments the count for (table, op) by n. The table must be
// schema-qualified ("schema.table"); n must be non-negative.
func (t *Tally) Add(table string, op models.Operation, n int64) error {
	if err := validateTable(table); err != nil {
		return err
	}
	if !op.Valid() {
		return errors.Newf(errors.ErrorTypeInternal, "unknown operation %q", string(op))
	}
	if n < 0 {
		return errors.Newf(errors.ErrorTypeInternal, "tally decrement rejected: %s %s %d", table, op, n)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	byOp, ok := t.counts[table]
	if !ok {
		byOp = make(map[models.Operation]int64)
		t.counts[table] = byOp
	}
	byOp[op] += n
	return nil
}

// Total returns the sum of all counts.
func (t *Tally) Total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total int64
	for _, byOp := range t.counts {
		for _, n := range byOp {
			total += n
		}
	}
	return total
}

// Count returns the accumulated count for (table, op).
func (t *Tally) Count(table string, op models.Operation) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[table][op]
}

// Snapshot returns a copy of the accumulated counts, keyed by table then
// operation.
func (t *Tally) Snapshot() map[string]map[models.Operation]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]map[models.Operation]int64, len(t.counts))
	for table, byOp := range t.counts {
		cp := make(map[models.Operation]int64, len(byOp))
		for op, n := range byOp {
			cp[op] = n
		}
		out[table] = cp
	}
	return out
}

// Tables returns the sorted list of tables with at least one count.
func (t *Tally) Tables() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	tables := make([]string, 0, len(t.counts))
	for table := range t.counts {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	return tables
}

// validateTable requires a schema-qualified table name. The DRY.RUN
// placeholder is accepted because it satisfies the same shape.
func validateTable(table string) error {
	if strings.Count(table, ".") != 1 || strings.HasPrefix(table, ".") || strings.HasSuffix(table, ".") {
		return errors.Newf(errors.ErrorTypeInternal,
			"table must be qualified by a schema (e.g. 'myschema.mytable'), got %q", table)
	}
	return nil
}
