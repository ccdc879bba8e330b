package csvmeta

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NIAGADS/etl-engine/pkg/checkpoint"
	"github.com/NIAGADS/etl-engine/pkg/errors"
	"github.com/NIAGADS/etl-engine/pkg/models"
	"github.com/NIAGADS/etl-engine/pkg/plugin"
	"github.com/NIAGADS/etl-engine/pkg/session"
	"github.com/NIAGADS/etl-engine/pkg/tally"
)

const sample = `track_id,name,genome_build
NG00027,ADSP Discovery,GRCh38
NG00031, IGAP Stage 1 ,GRCh38
NG00039,,GRCh37
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writeGzip(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

func newTestLoader(t *testing.T, params plugin.Params) *Loader {
	t.Helper()
	p, err := NewLoader(params)
	require.NoError(t, err)
	return p.(*Loader)
}

func extractAll(t *testing.T, l *Loader, resume *checkpoint.Checkpoint) []*models.Record {
	t.Helper()
	var out []*models.Record
	for rec, err := range l.Extract(context.Background(), resume) {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestExtractReadsHeaderAndRows(t *testing.T) {
	l := newTestLoader(t, plugin.Params{"path": writeFile(t, "tracks.csv", sample)})

	records := extractAll(t, l, nil)
	require.Len(t, records, 3)
	assert.Equal(t, "NG00027", records[0].Data["track_id"])
	assert.Equal(t, "ADSP Discovery", records[0].Data["name"])
	assert.Equal(t, int64(1), records[0].Line)
	assert.Equal(t, int64(3), records[2].Line)
}

func TestExtractGzip(t *testing.T) {
	l := newTestLoader(t, plugin.Params{"path": writeGzip(t, "tracks.csv.gz", sample)})
	records := extractAll(t, l, nil)
	require.Len(t, records, 3)
	assert.Equal(t, "NG00039", records[2].Data["track_id"])
}

func TestExtractResumeSkipsCommittedLines(t *testing.T) {
	l := newTestLoader(t, plugin.Params{"path": writeFile(t, "tracks.csv", sample)})
	records := extractAll(t, l, &checkpoint.Checkpoint{Line: 2})
	require.Len(t, records, 1)
	assert.Equal(t, int64(3), records[0].Line)
}

func TestExtractMissingFile(t *testing.T) {
	l := newTestLoader(t, plugin.Params{"path": "/no/such/file.csv"})
	var got error
	for _, err := range l.Extract(context.Background(), nil) {
		got = err
	}
	require.Error(t, got)
	assert.True(t, errors.IsType(got, errors.ErrorTypeExtraction))
}

func TestTransformTrimsAndDropsEmpty(t *testing.T) {
	l := newTestLoader(t, plugin.Params{"path": "unused.csv"})

	rec := models.NewRecord(map[string]interface{}{
		"track_id": "NG00031", "name": " IGAP Stage 1 ", "genome_build": "",
	}, 2)
	tr, err := l.Transform(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "NG00031", tr.ID)
	assert.Equal(t, "IGAP Stage 1", tr.Row["name"])
	_, present := tr.Row["genome_build"]
	assert.False(t, present)
}

func TestTransformMissingIDSkipsRecord(t *testing.T) {
	l := newTestLoader(t, plugin.Params{"path": "unused.csv"})
	rec := models.NewRecord(map[string]interface{}{"name": "orphan"}, 9)
	_, err := l.Transform(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransform))
}

func TestLoadInsertsAndCheckpoints(t *testing.T) {
	ctx := context.Background()
	l := newTestLoader(t, plugin.Params{"path": "unused.csv"})

	coord := session.NewMemoryCoordinator()
	sess, err := coord.Begin(ctx)
	require.NoError(t, err)
	ta := tally.New()

	batch := []*models.TransformedRecord{
		{ID: "NG00027", Row: map[string]interface{}{"track_id": "NG00027"}, Line: 1},
		{ID: "NG00031", Row: map[string]interface{}{"track_id": "NG00031"}, Line: 2},
	}
	cp, err := l.Load(ctx, batch, sess, ta)
	require.NoError(t, err)

	assert.Equal(t, "NG00031", cp.RecordID)
	assert.Equal(t, int64(2), cp.Line)
	assert.Equal(t, int64(2), ta.Count(Table, models.OperationInsert))
	assert.Equal(t, []string{Table}, sess.TouchedTables())
}

func TestPreprocessWritesCleanedCopy(t *testing.T) {
	ctx := context.Background()
	out := filepath.Join(t.TempDir(), "cleaned.csv")
	l := newTestLoader(t, plugin.Params{
		"path":              writeFile(t, "tracks.csv", sample),
		"preprocess_output": out,
	})

	var batch []*models.TransformedRecord
	for _, rec := range extractAll(t, l, nil) {
		tr, err := l.Transform(ctx, rec)
		if err != nil {
			continue // rows without identifiers are dropped
		}
		batch = append(batch, tr)
	}
	require.NoError(t, l.Preprocess(ctx, batch))
	l.OnRunComplete(ctx, nil)

	assert.Equal(t, out, l.PreprocessArtifact())
	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(content), "track_id,name,genome_build")
	assert.Contains(t, string(content), "NG00031,IGAP Stage 1,GRCh38")
}

func TestPreprocessRequiresOutputPath(t *testing.T) {
	l := newTestLoader(t, plugin.Params{"path": "unused.csv"})
	err := l.Preprocess(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestNewLoaderRejectsMultiCharDelimiter(t *testing.T) {
	_, err := NewLoader(plugin.Params{"path": "x.csv", "delimiter": "||"})
	assert.Error(t, err)
}
