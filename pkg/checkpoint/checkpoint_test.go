package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	key := Key{Plugin: "csv-metadata", Target: "genomicsdb"}

	cp, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, store.Put(ctx, key, Checkpoint{RecordID: "NG00027", Line: 120}))
	cp, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "NG00027", cp.RecordID)
	assert.Equal(t, int64(120), cp.Line)

	// Replacement, not accumulation.
	require.NoError(t, store.Put(ctx, key, Checkpoint{RecordID: "NG00031", Line: 240}))
	cp, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(240), cp.Line)

	// Different target, independent slot.
	other := Key{Plugin: "csv-metadata", Target: "staging"}
	cp, err = store.Get(ctx, other)
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, store.Clear(ctx, key))
	cp, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, cp)

	// Clearing an absent key is not an error.
	require.NoError(t, store.Clear(ctx, key))
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	testStore(t, store)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()
	testStore(t, store)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	key := Key{Plugin: "json-lines", Target: "default"}

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, key, Checkpoint{RecordID: "rs429358", Line: 7}))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	cp, err := reopened.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "rs429358", cp.RecordID)
	assert.Equal(t, int64(7), cp.Line)
}

func TestIsZero(t *testing.T) {
	assert.True(t, Checkpoint{}.IsZero())
	assert.False(t, Checkpoint{Line: 1}.IsZero())
	assert.False(t, Checkpoint{RecordID: "x"}.IsZero())
}
