// Package report defines the final status object emitted for every pipeline
// run: per-table tallies grouped by operation kind, the final checkpoint,
// elapsed time, and error detail on failure.
package report

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/NIAGADS/etl-engine/pkg/checkpoint"
	"github.com/NIAGADS/etl-engine/pkg/models"
)

// RunReport is the result of one pipeline run.
type RunReport struct {
	Plugin string           `json:"plugin"`
	RunID  string           `json:"run_id"`
	Mode   models.Mode      `json:"mode"`
	Status models.RunStatus `json:"status"`

	// Tallies maps table -> operation -> affected row count.
	Tallies map[string]map[models.Operation]int64 `json:"tallies,omitempty"`

	// Checkpoint is the final resume point, nil when the run never advanced
	// one (DRY_RUN, NON_COMMIT, PREPROCESS, or an empty source).
	Checkpoint *checkpoint.Checkpoint `json:"checkpoint,omitempty"`

	// MaterializationComplete marks a finished PREPROCESS run; such runs
	// never commit data.
	MaterializationComplete bool `json:"materialization_complete,omitempty"`

	// Artifact is the intermediate artifact a PREPROCESS run produced.
	Artifact string `json:"artifact,omitempty"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Elapsed    time.Duration `json:"elapsed"`
	MemoryMB   float64       `json:"memory_mb"`

	// Records is the number of records the run extracted from the source.
	Records int64 `json:"records"`

	// Skipped is the number of records dropped by per-record transform
	// failures.
	Skipped int64 `json:"skipped"`

	Error string `json:"error,omitempty"`
}

// Succeeded reports whether the run finished in the SUCCEEDED state.
func (r *RunReport) Succeeded() bool {
	return r.Status == models.StatusSucceeded
}

// TotalWrites returns the sum of all tally counts.
func (r *RunReport) TotalWrites() int64 {
	var total int64
	for _, byOp := range r.Tallies {
		for _, n := range byOp {
			total += n
		}
	}
	return total
}

// JSON serializes the report for CLI output and log emission.
func (r *RunReport) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// ProcessMemoryMB returns the current resident set size in megabytes, or zero
// when the stat is unavailable.
func ProcessMemoryMB(pid int32) float64 {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return float64(info.RSS) / (1024 * 1024)
}
