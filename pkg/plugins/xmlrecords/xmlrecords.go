// Package xmlrecords loads XML record documents into the studies table under
// the BULK strategy. XML documents are parsed as a whole and the source
// carries no stable line positions, so runs are not resumable: every run
// reloads the full document and the plugin never emits a checkpoint.
package xmlrecords

import (
	"context"
	"encoding/xml"
	"io"
	"iter"
	"os"
	"strings"

	"github.com/NIAGADS/etl-engine/pkg/checkpoint"
	"github.com/NIAGADS/etl-engine/pkg/errors"
	"github.com/NIAGADS/etl-engine/pkg/models"
	"github.com/NIAGADS/etl-engine/pkg/plugin"
	"github.com/NIAGADS/etl-engine/pkg/plugin/registry"
	"github.com/NIAGADS/etl-engine/pkg/session"
	"github.com/NIAGADS/etl-engine/pkg/tally"
)

// Table is the sole table this plugin mutates.
const Table = "metadata.studies"

func init() {
	registry.MustRegister(&registry.Descriptor{
		Name:           "xml-records",
		Description:    "loads XML study record documents",
		Operation:      models.OperationInsert,
		AffectedTables: []string{Table},
		LoadStrategy:   models.StrategyBulk,
		Params: []plugin.ParamSpec{
			{Name: "path", Description: "input XML document", Required: true},
			{Name: "element", Description: "record element name", Default: "record"},
			{Name: "id_attr", Description: "attribute holding the record identifier", Default: "id"},
		},
		New: NewLoader,
	})
}

// Loader implements the xml-records plugin.
type Loader struct {
	path    string
	element string
	idAttr  string
}

// NewLoader creates a loader from validated parameters.
func NewLoader(params plugin.Params) (plugin.Plugin, error) {
	return &Loader{
		path:    params.String("path", ""),
		element: params.String("element", "record"),
		idAttr:  params.String("id_attr", "id"),
	}, nil
}

func (l *Loader) Description() string { return "loads XML study record documents" }

func (l *Loader) Operation() models.Operation { return models.OperationInsert }

func (l *Loader) AffectedTables() []string { return []string{Table} }

func (l *Loader) LoadStrategy() models.LoadStrategy { return models.StrategyBulk }

// RecordID returns the record's identifier attribute value.
func (l *Loader) RecordID(rec *models.Record) string {
	id, _ := rec.Data[l.idAttr].(string)
	return id
}

// xmlRecord captures one record element: attributes plus flat child elements.
type xmlRecord struct {
	Attrs  []xml.Attr `xml:",any,attr"`
	Fields []struct {
		XMLName xml.Name
		Value   string `xml:",chardata"`
	} `xml:",any"`
}

// Extract streams record elements from the document. The resume checkpoint is
// ignored; see the package comment.
func (l *Loader) Extract(ctx context.Context, _ *checkpoint.Checkpoint) iter.Seq2[*models.Record, error] {
	return func(yield func(*models.Record, error) bool) {
		f, err := os.Open(l.path)
		if err != nil {
			yield(nil, errors.Wrap(err, errors.ErrorTypeExtraction, "failed to open "+l.path))
			return
		}
		defer f.Close()

		dec := xml.NewDecoder(f)
		var n int64
		for {
			if ctx.Err() != nil {
				return
			}
			tok, err := dec.Token()
			if err != nil {
				if err == io.EOF {
					return
				}
				yield(nil, errors.Wrap(err, errors.ErrorTypeExtraction, "malformed XML in "+l.path))
				return
			}

			start, ok := tok.(xml.StartElement)
			if !ok || start.Name.Local != l.element {
				continue
			}

			var raw xmlRecord
			if err := dec.DecodeElement(&raw, &start); err != nil {
				yield(nil, errors.Wrap(err, errors.ErrorTypeExtraction, "malformed record element in "+l.path))
				return
			}

			n++
			data := make(map[string]interface{}, len(raw.Attrs)+len(raw.Fields))
			for _, attr := range raw.Attrs {
				data[attr.Name.Local] = attr.Value
			}
			for _, field := range raw.Fields {
				data[field.XMLName.Local] = strings.TrimSpace(field.Value)
			}
			if !yield(models.NewRecord(data, n), nil) {
				return
			}
		}
	}
}

// Transform requires the identifier attribute and drops empty fields.
func (l *Loader) Transform(_ context.Context, rec *models.Record) (*models.TransformedRecord, error) {
	id, _ := rec.Data[l.idAttr].(string)
	if id == "" {
		return nil, errors.Newf(errors.ErrorTypeTransform,
			"record %d has no %s attribute", rec.Line, l.idAttr)
	}

	row := make(map[string]interface{}, len(rec.Data))
	for col, v := range rec.Data {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		row[col] = v
	}
	return &models.TransformedRecord{ID: id, Row: row, Line: rec.Line}, nil
}

// Load inserts the full record set. The zero checkpoint keeps the run
// non-resumable.
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
	return checkpoint.Checkpoint{}, nil
}
