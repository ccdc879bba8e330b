package pipeline

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NIAGADS/etl-engine/pkg/checkpoint"
	"github.com/NIAGADS/etl-engine/pkg/errors"
	"github.com/NIAGADS/etl-engine/pkg/models"
	"github.com/NIAGADS/etl-engine/pkg/plugin"
	"github.com/NIAGADS/etl-engine/pkg/plugin/registry"
	"github.com/NIAGADS/etl-engine/pkg/session"
	"github.com/NIAGADS/etl-engine/pkg/tally"
)

// recorder tracks plugin instantiations across a pipeline run.
type recorder struct {
	mu     sync.Mutex
	order  []string
	params []plugin.Params
}

func (r *recorder) note(name string, p plugin.Params) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
	r.params = append(r.params, p)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.order...)
}

// pipeSource is a minimal plugin: one record, no-op transform.
type pipeSource struct {
	fail bool
}

func (p *pipeSource) Description() string { return "pipeline test source" }

func (p *pipeSource) Operation() models.Operation { return models.OperationInsert }

func (p *pipeSource) AffectedTables() []string { return []string{"test.samples"} }

func (p *pipeSource) LoadStrategy() models.LoadStrategy { return models.StrategyChunked }

func (p *pipeSource) RecordID(rec *models.Record) string {
	id, _ := rec.Data["id"].(string)
	return id
}

func (p *pipeSource) Extract(_ context.Context, _ *checkpoint.Checkpoint) iter.Seq2[*models.Record, error] {
	return func(yield func(*models.Record, error) bool) {
		if p.fail {
			yield(nil, errors.New(errors.ErrorTypeExtraction, "simulated extraction failure"))
			return
		}
		yield(models.NewRecord(map[string]interface{}{"id": "r1"}, 1), nil)
	}
}

func (p *pipeSource) Transform(_ context.Context, rec *models.Record) (*models.TransformedRecord, error) {
	return &models.TransformedRecord{ID: p.RecordID(rec), Row: rec.Data, Line: rec.Line}, nil
}

func (p *pipeSource) Load(_ context.Context, batch []*models.TransformedRecord, _ session.Session, t *tally.Tally) (checkpoint.Checkpoint, error) {
	if err := t.Add("test.samples", models.OperationInsert, int64(len(batch))); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	return checkpoint.Checkpoint{}, nil
}

func registerSource(t *testing.T, reg *registry.Registry, name string, rec *recorder, fail bool) {
	t.Helper()
	require.NoError(t, reg.Register(&registry.Descriptor{
		Name:           name,
		Description:    "test plugin",
		Operation:      models.OperationInsert,
		AffectedTables: []string{"test.samples"},
		LoadStrategy:   models.StrategyChunked,
		Params: []plugin.ParamSpec{
			{Name: "release"},
			{Name: "path"},
			{Name: "extra"},
		},
		New: func(p plugin.Params) (plugin.Plugin, error) {
			if rec != nil {
				rec.note(name, p)
			}
			return &pipeSource{fail: fail}, nil
		},
	}))
}

func pipelineConfig() *Config {
	return &Config{
		Name: "metadata-refresh",
		Stages: []Stage{
			{Name: "staging", Tasks: []Task{
				{Name: "tracks", Type: TaskPlugin, Plugin: "one"},
				{Name: "annotations", Type: TaskPlugin, Plugin: "two"},
			}},
			{Name: "load", Tasks: []Task{
				{Name: "studies", Type: TaskPlugin, Plugin: "three"},
			}},
			{Name: "finalize", Tasks: []Task{
				{Name: "notify", Type: TaskShell, Command: "true"},
			}},
		},
	}
}

func planRefs(plan []PlannedStage) []string {
	var refs []string
	for _, stage := range plan {
		for _, task := range stage.Tasks {
			refs = append(refs, stage.Name+"."+task.Name)
		}
	}
	return refs
}

func TestValidateRejectsBrokenDefinitions(t *testing.T) {
	cfg := pipelineConfig()
	cfg.Name = ""
	assert.Error(t, cfg.Validate())

	cfg = pipelineConfig()
	cfg.Stages[1].Name = "staging"
	assert.Error(t, cfg.Validate())

	cfg = pipelineConfig()
	cfg.Stages[0].Tasks[1].Name = "tracks"
	assert.Error(t, cfg.Validate())

	cfg = pipelineConfig()
	cfg.Stages[0].Tasks[0].Plugin = ""
	assert.Error(t, cfg.Validate())

	cfg = pipelineConfig()
	cfg.Stages[2].Tasks[0].Command = ""
	assert.Error(t, cfg.Validate())

	cfg = pipelineConfig()
	cfg.Stages[0].Tasks[0].Type = "email"
	assert.Error(t, cfg.Validate())
}

func TestValidateDefaultsTaskTypeToPlugin(t *testing.T) {
	cfg := pipelineConfig()
	cfg.Stages[0].Tasks[0].Type = ""
	require.NoError(t, cfg.Validate())
	assert.Equal(t, TaskPlugin, cfg.Stages[0].Tasks[0].Type)
}

func TestLoadConfigParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: metadata-refresh
params:
  release: "2026-08"
stages:
  - name: staging
    parallel: true
    max_concurrency: 2
    tasks:
      - name: tracks
        plugin: csv-metadata
        params:
          path: tracks.csv
  - name: finalize
    tasks:
      - name: notify
        type: shell
        command: "echo done"
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "metadata-refresh", cfg.Name)
	assert.Equal(t, "2026-08", cfg.Params.String("release", ""))
	require.Len(t, cfg.Stages, 2)
	assert.True(t, cfg.Stages[0].Parallel)
	assert.Equal(t, 2, cfg.Stages[0].MaxConcurrency)
	assert.Equal(t, TaskPlugin, cfg.Stages[0].Tasks[0].Type)
	assert.Equal(t, TaskShell, cfg.Stages[1].Tasks[0].Type)
}

func TestParseSelector(t *testing.T) {
	sel, err := ParseSelector("staging")
	require.NoError(t, err)
	assert.Equal(t, Selector{Stage: "staging"}, sel)

	sel, err = ParseSelector("staging.tracks")
	require.NoError(t, err)
	assert.Equal(t, Selector{Stage: "staging", Task: "tracks"}, sel)

	_, err = ParseSelector(".tracks")
	assert.Error(t, err)
}

func TestPlanWithoutFiltersKeepsEverything(t *testing.T) {
	plan, err := Plan(pipelineConfig(), Filters{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"staging.tracks", "staging.annotations", "load.studies", "finalize.notify",
	}, planRefs(plan))
}

func TestPlanOnlySelectsStagesAndTasks(t *testing.T) {
	plan, err := Plan(pipelineConfig(), Filters{Only: []Selector{
		{Stage: "staging", Task: "annotations"},
		{Stage: "load"},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"staging.annotations", "load.studies"}, planRefs(plan))
}

func TestPlanSkipRemovesSelection(t *testing.T) {
	plan, err := Plan(pipelineConfig(), Filters{Skip: []Selector{
		{Stage: "staging", Task: "tracks"},
		{Stage: "finalize"},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"staging.annotations", "load.studies"}, planRefs(plan))
}

func TestPlanOnlyAndSkipAreMutuallyExclusive(t *testing.T) {
	_, err := Plan(pipelineConfig(), Filters{
		Only: []Selector{{Stage: "staging"}},
		Skip: []Selector{{Stage: "load"}},
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestPlanRejectsUnknownSelectors(t *testing.T) {
	_, err := Plan(pipelineConfig(), Filters{Only: []Selector{{Stage: "cleanup"}}})
	assert.Error(t, err)

	_, err = Plan(pipelineConfig(), Filters{Skip: []Selector{{Stage: "staging", Task: "nope"}}})
	assert.Error(t, err)
}

func TestPlanResumeFromStage(t *testing.T) {
	plan, err := Plan(pipelineConfig(), Filters{ResumeFrom: &Selector{Stage: "load"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"load.studies", "finalize.notify"}, planRefs(plan))
}

func TestPlanResumeFromTaskWithinStage(t *testing.T) {
	plan, err := Plan(pipelineConfig(), Filters{
		ResumeFrom: &Selector{Stage: "staging", Task: "annotations"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"staging.annotations", "load.studies", "finalize.notify",
	}, planRefs(plan))
}

func TestPlanExcludesSkippedAndDeprecated(t *testing.T) {
	cfg := pipelineConfig()
	cfg.Stages[0].Tasks[0].Skip = true
	cfg.Stages[1].Deprecated = true

	plan, err := Plan(cfg, Filters{})
	require.NoError(t, err)
	assert.Equal(t, []string{"staging.annotations", "finalize.notify"}, planRefs(plan))
}

func TestPlanRejectsResumeAtSkippedWork(t *testing.T) {
	cfg := pipelineConfig()
	cfg.Stages[1].Skip = true
	_, err := Plan(cfg, Filters{ResumeFrom: &Selector{Stage: "load"}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	cfg = pipelineConfig()
	cfg.Stages[0].Tasks[1].Deprecated = true
	_, err = Plan(cfg, Filters{ResumeFrom: &Selector{Stage: "staging", Task: "annotations"}})
	require.Error(t, err)
}

func newRunner(t *testing.T, rec *recorder, failPlugins ...string) *Runner {
	t.Helper()
	reg := registry.NewRegistry()
	failing := make(map[string]bool, len(failPlugins))
	for _, name := range failPlugins {
		failing[name] = true
	}
	for _, name := range []string{"one", "two", "three"} {
		registerSource(t, reg, name, rec, failing[name])
	}
	return NewRunner(reg, checkpoint.NewMemoryStore(), nil)
}

func TestRunExecutesStagesInOrder(t *testing.T) {
	rec := &recorder{}
	r := newRunner(t, rec)
	cfg := pipelineConfig()
	plan, err := Plan(cfg, Filters{})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), cfg, plan, RunOptions{Mode: models.ModeDryRun})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSucceeded, res.Status)
	assert.Equal(t, []string{"one", "two", "three"}, rec.names())
	require.Len(t, res.Tasks, 4)
	assert.Equal(t, "notify", res.Tasks[3].Task)
	assert.Equal(t, models.StatusSucceeded, res.Tasks[3].Status)
}

func TestRunStopsAtFirstFailedStage(t *testing.T) {
	rec := &recorder{}
	r := newRunner(t, rec, "one")
	cfg := pipelineConfig()
	plan, err := Plan(cfg, Filters{})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), cfg, plan, RunOptions{Mode: models.ModeDryRun})
	require.Error(t, err)

	assert.Equal(t, models.StatusFailed, res.Status)
	// The failing task ran; the rest of its stage and later stages did not.
	assert.Equal(t, []string{"one"}, rec.names())
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, models.StatusFailed, res.Tasks[0].Status)
	assert.NotEmpty(t, res.Tasks[0].Error)
}

func TestRunParallelStageRunsEveryTask(t *testing.T) {
	rec := &recorder{}
	r := newRunner(t, rec)
	cfg := &Config{
		Name: "fanout",
		Stages: []Stage{
			{Name: "staging", Parallel: true, MaxConcurrency: 2, Tasks: []Task{
				{Name: "a", Type: TaskPlugin, Plugin: "one"},
				{Name: "b", Type: TaskPlugin, Plugin: "two"},
				{Name: "c", Type: TaskPlugin, Plugin: "three"},
			}},
		},
	}
	plan, err := Plan(cfg, Filters{})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), cfg, plan, RunOptions{Mode: models.ModeDryRun})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSucceeded, res.Status)
	assert.ElementsMatch(t, []string{"one", "two", "three"}, rec.names())
	// Results surface in definition order regardless of completion order.
	require.Len(t, res.Tasks, 3)
	assert.Equal(t, "a", res.Tasks[0].Task)
	assert.Equal(t, "c", res.Tasks[2].Task)
}

func TestRunShellTaskCapturesOutputAndFailure(t *testing.T) {
	r := NewRunner(registry.NewRegistry(), checkpoint.NewMemoryStore(), nil)
	cfg := &Config{
		Name: "ops",
		Stages: []Stage{
			{Name: "finalize", Tasks: []Task{
				{Name: "notify", Type: TaskShell, Command: "echo refreshed"},
			}},
		},
	}
	plan, err := Plan(cfg, Filters{})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), cfg, plan, RunOptions{Mode: models.ModeDryRun})
	require.NoError(t, err)
	require.Len(t, res.Tasks, 1)
	assert.Equal(t, "refreshed", res.Tasks[0].Output)

	cfg.Stages[0].Tasks[0].Command = "exit 3"
	plan, err = Plan(cfg, Filters{})
	require.NoError(t, err)
	res, err = r.Run(context.Background(), cfg, plan, RunOptions{Mode: models.ModeDryRun})
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, models.StatusFailed, res.Tasks[0].Status)
}

func TestRunMergesParamLayers(t *testing.T) {
	rec := &recorder{}
	r := newRunner(t, rec)
	cfg := &Config{
		Name:   "layered",
		Params: plugin.Params{"release": "R1", "path": "shared.csv"},
		Stages: []Stage{
			{Name: "staging", Tasks: []Task{
				{Name: "tracks", Type: TaskPlugin, Plugin: "one",
					Params: plugin.Params{"path": "tracks.csv"}},
			}},
		},
	}
	plan, err := Plan(cfg, Filters{})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), cfg, plan, RunOptions{
		Mode:   models.ModeDryRun,
		Params: plugin.Params{"extra": "on"},
	})
	require.NoError(t, err)

	require.Len(t, rec.params, 1)
	assert.Equal(t, "R1", rec.params[0].String("release", ""))
	assert.Equal(t, "tracks.csv", rec.params[0].String("path", ""))
	assert.Equal(t, "on", rec.params[0].String("extra", ""))
}

func TestRunCommitModeRequiresCoordinatorFactory(t *testing.T) {
	rec := &recorder{}
	r := newRunner(t, rec)
	cfg := &Config{
		Name: "writes",
		Stages: []Stage{
			{Name: "load", Tasks: []Task{
				{Name: "studies", Type: TaskPlugin, Plugin: "one"},
			}},
		},
	}
	plan, err := Plan(cfg, Filters{})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), cfg, plan, RunOptions{Mode: models.ModeCommit})
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, res.Status)
}

func TestRunWithCoordinatorFactoryCommits(t *testing.T) {
	reg := registry.NewRegistry()
	registerSource(t, reg, "one", nil, false)

	var coords []*session.MemoryCoordinator
	factory := func(context.Context) (session.Coordinator, error) {
		c := session.NewMemoryCoordinator()
		coords = append(coords, c)
		return c, nil
	}
	r := NewRunner(reg, checkpoint.NewMemoryStore(), factory)

	cfg := &Config{
		Name: "writes",
		Stages: []Stage{
			{Name: "load", Tasks: []Task{
				{Name: "a", Type: TaskPlugin, Plugin: "one"},
				{Name: "b", Type: TaskPlugin, Plugin: "one"},
			}},
		},
	}
	plan, err := Plan(cfg, Filters{})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), cfg, plan, RunOptions{Mode: models.ModeCommit})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, res.Status)
	// One coordinator per plugin task.
	assert.Len(t, coords, 2)
}

func TestFormatPlan(t *testing.T) {
	cfg := pipelineConfig()
	cfg.Stages[0].Parallel = true
	cfg.Stages[0].MaxConcurrency = 2
	plan, err := Plan(cfg, Filters{})
	require.NoError(t, err)

	out := FormatPlan(cfg.Name, plan)
	assert.Contains(t, out, "pipeline metadata-refresh")
	assert.Contains(t, out, "stage staging (parallel, max 2)")
	assert.Contains(t, out, "1. tracks [plugin one]")
	assert.Contains(t, out, "1. notify [shell]")

	assert.Contains(t, FormatPlan("empty", nil), "nothing to run")
}
