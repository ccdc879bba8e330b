package models

import "fmt"

// Operation declares the kind of store mutation a plugin performs. It labels
// tally entries and routes failure policy: deletes are never retried
// automatically.
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	// OperationLoad is an upsert: insert-or-update on conflict
	OperationLoad   Operation = "LOAD"
	OperationPatch  Operation = "PATCH"
	OperationDelete Operation = "DELETE"
)

// Valid reports whether op is a recognized operation kind.
func (op Operation) Valid() bool {
	switch op {
	case OperationInsert, OperationUpdate, OperationLoad, OperationPatch, OperationDelete:
		return true
	}
	return false
}

// LoadStrategy is the batching policy governing how transformed records are
// grouped before persistence.
type LoadStrategy string

const (
	// StrategyChunked consumes extract one record at a time, buffering
	// transformed records and flushing each time the buffer reaches
	// commit_after. Peak memory is bounded to one buffer.
	StrategyChunked LoadStrategy = "CHUNKED"
	// StrategyBulk fully drains and transforms the source, then issues a
	// single load call with the entire transformed set.
	StrategyBulk LoadStrategy = "BULK"
	// StrategyBatch fully drains and transforms the source first, then
	// partitions the result into commit_after-sized chunks loaded
	// sequentially, each with its own checkpoint.
	StrategyBatch LoadStrategy = "BATCH"
)

// Valid reports whether s is a recognized load strategy.
func (s LoadStrategy) Valid() bool {
	switch s {
	case StrategyChunked, StrategyBulk, StrategyBatch:
		return true
	}
	return false
}

// RequiresCommitAfter reports whether the strategy consumes the commit_after
// batching threshold. BULK ignores it.
func (s LoadStrategy) RequiresCommitAfter() bool {
	return s == StrategyChunked || s == StrategyBatch
}

// Mode is the execution mode of a run, selected once and fixed for its
// duration.
type Mode string

const (
	// ModeDryRun runs extract and transform but never calls load; tallies are
	// simulated from transformed record counts.
	ModeDryRun Mode = "DRY_RUN"
	// ModeCommit runs the full pipeline, committing the session after each
	// batch (CHUNKED/BATCH) or once at the end (BULK).
	ModeCommit Mode = "COMMIT"
	// ModeNonCommit runs the full pipeline including load, then rolls the
	// entire session back at run end.
	ModeNonCommit Mode = "NON_COMMIT"
	// ModePreprocess runs extract and transform so the plugin can materialize
	// an intermediate artifact; load is never called. Only valid for plugins
	// that declare preprocess support.
	ModePreprocess Mode = "PREPROCESS"
)

// Valid reports whether m is a recognized execution mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeDryRun, ModeCommit, ModeNonCommit, ModePreprocess:
		return true
	}
	return false
}

// WritesToStore reports whether the mode issues real load calls against the
// transaction coordinator session.
func (m Mode) WritesToStore() bool {
	return m == ModeCommit || m == ModeNonCommit
}

// ParseMode converts a string (case-sensitive, as emitted by the CLI) to a
// Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown execution mode %q", s)
	}
	return m, nil
}

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	StatusPending   RunStatus = "PENDING"
	StatusRunning   RunStatus = "RUNNING"
	StatusSucceeded RunStatus = "SUCCEEDED"
	StatusFailed    RunStatus = "FAILED"
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}
