// Package csvmeta loads delimited metadata files into the tracks table. It
// reads plain or gzip-compressed files, streams records one at a time under
// the CHUNKED strategy, and supports PREPROCESS runs that materialize a
// cleaned copy of the input.
package csvmeta

import (
	"context"
	"encoding/csv"
	"io"
	"iter"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/NIAGADS/etl-engine/pkg/checkpoint"
	"github.com/NIAGADS/etl-engine/pkg/errors"
	"github.com/NIAGADS/etl-engine/pkg/models"
	"github.com/NIAGADS/etl-engine/pkg/plugin"
	"github.com/NIAGADS/etl-engine/pkg/plugin/registry"
	"github.com/NIAGADS/etl-engine/pkg/report"
	"github.com/NIAGADS/etl-engine/pkg/session"
	"github.com/NIAGADS/etl-engine/pkg/tally"
)

// Table is the sole table this plugin mutates.
const Table = "metadata.tracks"

func init() {
	registry.MustRegister(&registry.Descriptor{
		Name:               "csv-metadata",
		Description:        "loads delimited track metadata files, plain or gzipped",
		Operation:          models.OperationInsert,
		AffectedTables:     []string{Table},
		LoadStrategy:       models.StrategyChunked,
		SupportsPreprocess: true,
		Params: []plugin.ParamSpec{
			{Name: "path", Description: "input file, .gz accepted", Required: true},
			{Name: "delimiter", Description: "field delimiter", Default: ","},
			{Name: "id_column", Description: "column holding the record identifier", Default: "track_id"},
			{Name: "preprocess_output", Description: "cleaned CSV written by PREPROCESS runs"},
		},
		New: NewLoader,
	})
}

// Loader implements the csv-metadata plugin.
type Loader struct {
	path      string
	delimiter rune
	idColumn  string

	// preprocess state
	outPath string
	outFile *os.File
	out     *csv.Writer
	header  []string
}

// NewLoader creates a loader from validated parameters.
func NewLoader(params plugin.Params) (plugin.Plugin, error) {
	delim := params.String("delimiter", ",")
	if len([]rune(delim)) != 1 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "delimiter must be a single character, got %q", delim)
	}
	return &Loader{
		path:      params.String("path", ""),
		delimiter: []rune(delim)[0],
		idColumn:  params.String("id_column", "track_id"),
		outPath:   params.String("preprocess_output", ""),
	}, nil
}

func (l *Loader) Description() string { return "loads delimited track metadata files" }

func (l *Loader) Operation() models.Operation { return models.OperationInsert }

func (l *Loader) AffectedTables() []string { return []string{Table} }

func (l *Loader) LoadStrategy() models.LoadStrategy { return models.StrategyChunked }

// RecordID returns the value of the configured identifier column.
func (l *Loader) RecordID(rec *models.Record) string {
	id, _ := rec.Data[l.idColumn].(string)
	return id
}

// open returns a reader over the input, transparently decompressing .gz
// files, plus a closer for every layer opened.
func (l *Loader) open() (io.Reader, func() error, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeExtraction, "failed to open "+l.path)
	}
	if !strings.HasSuffix(l.path, ".gz") {
		return f, f.Close, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrap(err, errors.ErrorTypeExtraction, "failed to open gzip stream "+l.path)
	}
	return gz, func() error {
		gz.Close()
		return f.Close()
	}, nil
}

// Extract yields one record per data row. Line numbers are 1-based over data
// rows, excluding the header; when resume is set, rows at or before the
// resume line are skipped without parsing side effects.
func (l *Loader) Extract(ctx context.Context, resume *checkpoint.Checkpoint) iter.Seq2[*models.Record, error] {
	return func(yield func(*models.Record, error) bool) {
		src, closeSrc, err := l.open()
		if err != nil {
			yield(nil, err)
			return
		}
		defer closeSrc()

		r := csv.NewReader(src)
		r.Comma = l.delimiter
		r.ReuseRecord = false

		header, err := r.Read()
		if err != nil {
			yield(nil, errors.Wrap(err, errors.ErrorTypeExtraction, "failed to read header from "+l.path))
			return
		}
		l.header = header

		var skipTo int64
		if resume != nil {
			skipTo = resume.Line
		}

		var line int64
		for {
			if ctx.Err() != nil {
				return
			}
			row, err := r.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, errors.Wrap(err, errors.ErrorTypeExtraction, "malformed row in "+l.path))
				return
			}
			line++
			if line <= skipTo {
				continue
			}

			data := make(map[string]interface{}, len(header))
			for i, col := range header {
				if i < len(row) {
					data[col] = row[i]
				}
			}
			if !yield(models.NewRecord(data, line), nil) {
				return
			}
		}
	}
}

// Transform trims whitespace and drops empty fields. A row without an
// identifier is skipped as a per-record transform failure.
func (l *Loader) Transform(_ context.Context, rec *models.Record) (*models.TransformedRecord, error) {
	row := make(map[string]interface{}, len(rec.Data))
	for col, v := range rec.Data {
		s, _ := v.(string)
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		row[col] = s
	}

	id, _ := row[l.idColumn].(string)
	if id == "" {
		return nil, errors.Newf(errors.ErrorTypeTransform,
			"row %d has no value for identifier column %s", rec.Line, l.idColumn)
	}

	return &models.TransformedRecord{ID: id, Row: row, Line: rec.Line}, nil
}

// Load inserts the batch and returns the checkpoint of its last record.
func (l *Loader) Load(ctx context.Context, batch []*models.TransformedRecord, sess session.Session, t *tally.Tally) (checkpoint.Checkpoint, error) {
	rows := make([]session.Row, len(batch))
	for i, tr := range batch {
		rows[i] = session.Row(tr.Row)
	}

	n, err := sess.Insert(ctx, Table, rows)
	if err != nil {
		return checkpoint.Checkpoint{}, errors.Wrap(err, errors.ErrorTypeLoad, "insert into "+Table+" failed")
	}
	if err := t.Add(Table, models.OperationInsert, n); err != nil {
		return checkpoint.Checkpoint{}, err
	}

	last := batch[len(batch)-1]
	return checkpoint.Checkpoint{RecordID: last.ID, Line: last.Line}, nil
}

// Preprocess appends the cleaned batch to the configured output CSV.
func (l *Loader) Preprocess(_ context.Context, batch []*models.TransformedRecord) error {
	if l.outPath == "" {
		return errors.New(errors.ErrorTypeConfig, "preprocess_output is required for PREPROCESS runs")
	}
	if l.out == nil {
		f, err := os.Create(l.outPath)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to create "+l.outPath)
		}
		l.outFile = f
		l.out = csv.NewWriter(f)
		l.out.Comma = l.delimiter
		if err := l.out.Write(l.header); err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write header to "+l.outPath)
		}
	}

	for _, tr := range batch {
		row := make([]string, len(l.header))
		for i, col := range l.header {
			if v, ok := tr.Row[col].(string); ok {
				row[i] = v
			}
		}
		if err := l.out.Write(row); err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write row to "+l.outPath)
		}
	}
	return nil
}

// PreprocessArtifact returns the cleaned CSV path.
func (l *Loader) PreprocessArtifact() string { return l.outPath }

// OnRunComplete flushes and closes the preprocess output, if one was opened.
func (l *Loader) OnRunComplete(_ context.Context, _ *report.RunReport) {
	if l.out != nil {
		l.out.Flush()
		l.out = nil
	}
	if l.outFile != nil {
		l.outFile.Close()
		l.outFile = nil
	}
}
