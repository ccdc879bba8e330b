// Package plugin defines the contract every ETL plugin implements and the
// parameter model used to configure plugin instances.
//
// A plugin describes itself (operation kind, affected tables, load strategy)
// and provides the three pipeline stages: Extract yields raw records from the
// source, Transform maps one record to a persist-ready row, and Load writes a
// batch through the session handle the executor provides. Plugins never
// commit or roll back; that authority belongs to the executor's transaction
// coordinator.
package plugin

import (
	"context"
	"iter"

	"github.com/NIAGADS/etl-engine/pkg/checkpoint"
	"github.com/NIAGADS/etl-engine/pkg/errors"
	"github.com/NIAGADS/etl-engine/pkg/models"
	"github.com/NIAGADS/etl-engine/pkg/report"
	"github.com/NIAGADS/etl-engine/pkg/session"
	"github.com/NIAGADS/etl-engine/pkg/tally"
)

// Plugin is the contract a loader implements to run under the executor.
//
// All methods other than the pipeline stages are pure metadata and must be
// stable for the lifetime of the instance.
type Plugin interface {
	// Description returns a human-readable summary for CLI introspection.
	Description() string

	// Operation returns the kind of store mutation the plugin performs.
	Operation() models.Operation

	// AffectedTables returns the schema-qualified tables the plugin is
	// allowed to mutate. The executor fails the run with a contract error if
	// load touches any table outside this set.
	AffectedTables() []string

	// LoadStrategy returns the batching policy for this plugin.
	LoadStrategy() models.LoadStrategy

	// Extract yields records from the source in a stable order. When resume
	// is non-nil the plugin must skip everything at or before the resume
	// point and yield only unprocessed records. Iteration errors surface as
	// the second sequence value and end the run.
	Extract(ctx context.Context, resume *checkpoint.Checkpoint) iter.Seq2[*models.Record, error]

	// Transform maps one raw record to a persist-ready record. An error of
	// category transform skips only the failing record; any other category
	// fails the run.
	Transform(ctx context.Context, rec *models.Record) (*models.TransformedRecord, error)

	// Load persists one batch through sess, recording affected row counts in
	// t. It returns the checkpoint for the last record of the batch so the
	// executor can persist it after the commit succeeds.
	Load(ctx context.Context, batch []*models.TransformedRecord, sess session.Session, t *tally.Tally) (checkpoint.Checkpoint, error)

	// RecordID returns the stable identifier of a raw record, used in
	// checkpoints and failure diagnostics.
	RecordID(rec *models.Record) string
}

// Preprocessor is implemented by plugins that support PREPROCESS mode:
// instead of loading, each transformed batch is handed to Preprocess to
// materialize an intermediate artifact.
type Preprocessor interface {
	// Preprocess consumes one transformed batch toward the artifact.
	Preprocess(ctx context.Context, batch []*models.TransformedRecord) error

	// PreprocessArtifact returns the path or identifier of the materialized
	// artifact once the run drains the source.
	PreprocessArtifact() string
}

// RunObserver is implemented by plugins that want the completed run report.
// The executor invokes it exactly once per run, on success and on failure
// alike, after the terminal status is fixed.
type RunObserver interface {
	OnRunComplete(ctx context.Context, rep *report.RunReport)
}

// Factory creates a configured plugin instance from validated parameters.
type Factory func(params Params) (Plugin, error)

// Params is the bag of plugin configuration values for one run. Overrides
// supplied at run time live only for that run.
type Params map[string]interface{}

// String returns the string value for key, or def when absent.
func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return def
}

// Int returns the integer value for key, or def when absent. YAML and JSON
// decoders disagree on numeric types, so both int and float64 are accepted.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Bool returns the boolean value for key, or def when absent.
func (p Params) Bool(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

// ParamSpec declares one configuration parameter a plugin accepts.
type ParamSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ValidateParams checks params against specs, rejecting unknown keys and
// missing required values, and returns a copy with defaults applied.
func ValidateParams(specs []ParamSpec, params Params) (Params, error) {
	known := make(map[string]ParamSpec, len(specs))
	for _, spec := range specs {
		known[spec.Name] = spec
	}

	for key := range params {
		if _, ok := known[key]; !ok {
			return nil, errors.Newf(errors.ErrorTypeConfig, "unknown parameter %q", key)
		}
	}

	out := make(Params, len(specs))
	for key, value := range params {
		out[key] = value
	}
	for _, spec := range specs {
		if _, ok := out[spec.Name]; ok {
			continue
		}
		if spec.Required {
			return nil, errors.Newf(errors.ErrorTypeConfig, "missing required parameter %q", spec.Name)
		}
		if spec.Default != nil {
			out[spec.Name] = spec.Default
		}
	}
	return out, nil
}
