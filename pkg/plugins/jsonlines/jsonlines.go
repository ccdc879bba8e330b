// Package jsonlines loads newline-delimited JSON records as upserts into the
// annotations table under the BATCH strategy.
package jsonlines

import (
	"bufio"
	"context"
	"iter"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"github.com/NIAGADS/etl-engine/pkg/checkpoint"
	"github.com/NIAGADS/etl-engine/pkg/errors"
	"github.com/NIAGADS/etl-engine/pkg/models"
	"github.com/NIAGADS/etl-engine/pkg/plugin"
	"github.com/NIAGADS/etl-engine/pkg/plugin/registry"
	"github.com/NIAGADS/etl-engine/pkg/session"
	"github.com/NIAGADS/etl-engine/pkg/tally"
)

// Table is the sole table this plugin mutates.
const Table = "metadata.annotations"

func init() {
	registry.MustRegister(&registry.Descriptor{
		Name:           "json-lines",
		Description:    "upserts newline-delimited JSON annotation records",
		Operation:      models.OperationLoad,
		AffectedTables: []string{Table},
		LoadStrategy:   models.StrategyBatch,
		Params: []plugin.ParamSpec{
			{Name: "path", Description: "input .jsonl file", Required: true},
			{Name: "id_field", Description: "field holding the record identifier", Default: "id"},
		},
		New: NewLoader,
	})
}

// Loader implements the json-lines plugin.
type Loader struct {
	path    string
	idField string
}

// NewLoader creates a loader from validated parameters.
func NewLoader(params plugin.Params) (plugin.Plugin, error) {
	return &Loader{
		path:    params.String("path", ""),
		idField: params.String("id_field", "id"),
	}, nil
}

func (l *Loader) Description() string { return "upserts newline-delimited JSON annotation records" }

func (l *Loader) Operation() models.Operation { return models.OperationLoad }

func (l *Loader) AffectedTables() []string { return []string{Table} }

func (l *Loader) LoadStrategy() models.LoadStrategy { return models.StrategyBatch }

// RecordID returns the value of the configured identifier field.
func (l *Loader) RecordID(rec *models.Record) string {
	id, _ := rec.Data[l.idField].(string)
	return id
}

// Extract yields one record per non-blank line. Line numbers are 1-based over
// all lines, blank included, so a resume line maps directly back to the file.
func (l *Loader) Extract(ctx context.Context, resume *checkpoint.Checkpoint) iter.Seq2[*models.Record, error] {
	return func(yield func(*models.Record, error) bool) {
		f, err := os.Open(l.path)
		if err != nil {
			yield(nil, errors.Wrap(err, errors.ErrorTypeExtraction, "failed to open "+l.path))
			return
		}
		defer f.Close()

		var skipTo int64
		if resume != nil {
			skipTo = resume.Line
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

		var line int64
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line++
			text := strings.TrimSpace(scanner.Text())
			if text == "" || line <= skipTo {
				continue
			}

			var data map[string]interface{}
			if err := json.Unmarshal([]byte(text), &data); err != nil {
				yield(nil, errors.Wrap(err, errors.ErrorTypeExtraction, "invalid JSON in "+l.path).
					WithDetail("line", line))
				return
			}
			if !yield(models.NewRecord(data, line), nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(nil, errors.Wrap(err, errors.ErrorTypeExtraction, "failed to read "+l.path))
		}
	}
}

// Transform passes the decoded object through, requiring the identifier
// field. Records without one are skipped.
func (l *Loader) Transform(_ context.Context, rec *models.Record) (*models.TransformedRecord, error) {
	id, _ := rec.Data[l.idField].(string)
	if id == "" {
		return nil, errors.Newf(errors.ErrorTypeTransform,
			"record on line %d has no %s field", rec.Line, l.idField)
	}
	return &models.TransformedRecord{ID: id, Row: rec.Data, Line: rec.Line}, nil
}

// Load upserts the batch keyed on the identifier field and returns the
// checkpoint of its last record.
func (l *Loader) Load(ctx context.Context, batch []*models.TransformedRecord, sess session.Session, t *tally.Tally) (checkpoint.Checkpoint, error) {
	rows := make([]session.Row, len(batch))
	for i, tr := range batch {
		rows[i] = session.Row(tr.Row)
	}

	n, err := sess.Upsert(ctx, Table, rows, []string{l.idField})
	if err != nil {
		return checkpoint.Checkpoint{}, errors.Wrap(err, errors.ErrorTypeLoad, "upsert into "+Table+" failed")
	}
	if err := t.Add(Table, models.OperationLoad, n); err != nil {
		return checkpoint.Checkpoint{}, err
	}

	last := batch[len(batch)-1]
	return checkpoint.Checkpoint{RecordID: last.ID, Line: last.Line}, nil
}
