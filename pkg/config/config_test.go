package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NIAGADS/etl-engine/pkg/models"
)

func TestDefaults(t *testing.T) {
	cfg := NewRuntimeConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, models.ModeDryRun, cfg.Mode)
	assert.Equal(t, DefaultCommitAfter, cfg.CommitAfter)
	assert.Equal(t, "default", cfg.Target)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := NewRuntimeConfig()
	cfg.Mode = "YOLO"
	assert.Error(t, cfg.Validate())

	cfg = NewRuntimeConfig()
	cfg.CommitAfter = 0
	assert.Error(t, cfg.Validate())

	cfg = NewRuntimeConfig()
	cfg.Target = ""
	assert.Error(t, cfg.Validate())

	cfg = NewRuntimeConfig()
	cfg.LogLevel = "verbose"
	assert.Error(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: COMMIT
commit_after: 500
database_uri: memory://local
checkpoint_path: /var/lib/etl/checkpoints.db
target: genomicsdb
log_level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, models.ModeCommit, cfg.Mode)
	assert.Equal(t, 500, cfg.CommitAfter)
	assert.Equal(t, "memory://local", cfg.DatabaseURI)
	assert.Equal(t, "genomicsdb", cfg.Target)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, models.ModeDryRun, cfg.Mode)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("target: filevalue\n"), 0o644))

	t.Setenv("ETL_TARGET", "envvalue")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "envvalue", cfg.Target)
}

func TestLoadInvalidFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: NOPE\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
