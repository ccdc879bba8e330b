package pipeline

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NIAGADS/etl-engine/internal/engine"
	"github.com/NIAGADS/etl-engine/pkg/checkpoint"
	"github.com/NIAGADS/etl-engine/pkg/errors"
	"github.com/NIAGADS/etl-engine/pkg/logger"
	"github.com/NIAGADS/etl-engine/pkg/models"
	"github.com/NIAGADS/etl-engine/pkg/plugin"
	"github.com/NIAGADS/etl-engine/pkg/plugin/registry"
	"github.com/NIAGADS/etl-engine/pkg/report"
	"github.com/NIAGADS/etl-engine/pkg/session"
)

// CoordinatorFactory opens a transaction coordinator for one plugin task.
// Coordinators hold a single run-long transaction, so parallel tasks cannot
// share one; the runner opens a fresh coordinator per task and closes it when
// the task ends. Nil means no store is configured.
type CoordinatorFactory func(ctx context.Context) (session.Coordinator, error)

// RunOptions apply to every plugin task of one pipeline invocation.
type RunOptions struct {
	Mode        models.Mode
	CommitAfter int
	Target      string

	// Params override pipeline- and task-level parameters.
	Params plugin.Params
}

// TaskResult records the outcome of one task.
type TaskResult struct {
	Stage  string            `json:"stage"`
	Task   string            `json:"task"`
	Type   TaskType          `json:"type"`
	Status models.RunStatus  `json:"status"`
	Report *report.RunReport `json:"report,omitempty"`
	Output string            `json:"output,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Result is the outcome of a pipeline invocation. Tasks appear in completion
// order for sequential stages and in definition order for parallel ones.
type Result struct {
	Pipeline   string           `json:"pipeline"`
	Status     models.RunStatus `json:"status"`
	Tasks      []TaskResult     `json:"tasks"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Elapsed    time.Duration    `json:"elapsed"`
}

// Runner executes pipeline plans.
type Runner struct {
	registry *registry.Registry
	store    checkpoint.Store
	coords   CoordinatorFactory
}

// NewRunner creates a runner over the given registry, checkpoint store, and
// coordinator factory.
func NewRunner(reg *registry.Registry, store checkpoint.Store, coords CoordinatorFactory) *Runner {
	return &Runner{registry: reg, store: store, coords: coords}
}

// Run executes the plan stage by stage. A stage must complete before the next
// starts; the first failed stage stops the pipeline, and completed stages are
// never rolled back.
func (r *Runner) Run(ctx context.Context, cfg *Config, plan []PlannedStage, opts RunOptions) (*Result, error) {
	res := &Result{
		Pipeline:  cfg.Name,
		Status:    models.StatusRunning,
		StartedAt: time.Now(),
	}
	defer func() {
		res.FinishedAt = time.Now()
		res.Elapsed = res.FinishedAt.Sub(res.StartedAt)
	}()

	log := logger.Get().With(
		zap.String("pipeline", cfg.Name),
		zap.String("mode", string(opts.Mode)))
	log.Info("pipeline started", zap.Int("stages", len(plan)))

	for _, stage := range plan {
		var err error
		if stage.Parallel {
			err = r.runParallelStage(ctx, cfg, stage, opts, res)
		} else {
			err = r.runSequentialStage(ctx, cfg, stage, opts, res)
		}
		if err != nil {
			res.Status = models.StatusFailed
			log.Error("pipeline failed",
				zap.String("stage", stage.Name),
				zap.Error(err))
			return res, err
		}
		log.Info("stage completed", zap.String("stage", stage.Name))
	}

	res.Status = models.StatusSucceeded
	log.Info("pipeline completed", zap.Int("tasks", len(res.Tasks)))
	return res, nil
}

func (r *Runner) runSequentialStage(ctx context.Context, cfg *Config, stage PlannedStage, opts RunOptions, res *Result) error {
	for i := range stage.Tasks {
		tr := r.runTask(ctx, cfg, stage.Name, &stage.Tasks[i], opts)
		res.Tasks = append(res.Tasks, tr)
		if tr.Error != "" {
			return errors.Newf(errors.ErrorTypeInternal, "task %s failed: %s",
				stage.Tasks[i].ref(stage.Name), tr.Error)
		}
	}
	return nil
}

func (r *Runner) runParallelStage(ctx context.Context, cfg *Config, stage PlannedStage, opts RunOptions, res *Result) error {
	results := make([]TaskResult, len(stage.Tasks))

	g, gctx := errgroup.WithContext(ctx)
	limit := stage.MaxConcurrency
	if limit <= 0 {
		limit = len(stage.Tasks)
	}
	g.SetLimit(limit)

	for i := range stage.Tasks {
		g.Go(func() error {
			tr := r.runTask(gctx, cfg, stage.Name, &stage.Tasks[i], opts)
			results[i] = tr
			if tr.Error != "" {
				return errors.Newf(errors.ErrorTypeInternal, "task %s failed: %s",
					stage.Tasks[i].ref(stage.Name), tr.Error)
			}
			return nil
		})
	}

	err := g.Wait()
	for _, tr := range results {
		if tr.Task != "" {
			res.Tasks = append(res.Tasks, tr)
		}
	}
	return err
}

func (r *Runner) runTask(ctx context.Context, cfg *Config, stageName string, task *Task, opts RunOptions) TaskResult {
	tr := TaskResult{Stage: stageName, Task: task.Name, Type: task.Type}
	if tr.Type == "" {
		tr.Type = TaskPlugin
	}

	switch tr.Type {
	case TaskShell:
		out, err := runShell(ctx, task.Command)
		tr.Output = out
		if err != nil {
			tr.Status = models.StatusFailed
			tr.Error = err.Error()
		} else {
			tr.Status = models.StatusSucceeded
		}

	default:
		rep, err := r.runPluginTask(ctx, cfg, task, opts)
		tr.Report = rep
		if rep != nil {
			tr.Status = rep.Status
		}
		if err != nil {
			tr.Status = models.StatusFailed
			tr.Error = err.Error()
		}
	}
	return tr
}

// runPluginTask runs one plugin through a fresh executor. Each task gets its
// own coordinator because a coordinator's session spans a single run.
func (r *Runner) runPluginTask(ctx context.Context, cfg *Config, task *Task, opts RunOptions) (*report.RunReport, error) {
	var coord session.Coordinator
	if opts.Mode.WritesToStore() {
		if r.coords == nil {
			return nil, errors.Newf(errors.ErrorTypeConfig,
				"mode %s requires a configured data store", opts.Mode)
		}
		var err error
		coord, err = r.coords(ctx)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open coordinator for task "+task.Name)
		}
		defer coord.Close(ctx)
	}

	exec := engine.New(r.registry, r.store, coord)
	return exec.Run(ctx, task.Plugin, engine.Options{
		Mode:        opts.Mode,
		CommitAfter: opts.CommitAfter,
		Target:      opts.Target,
		Params:      mergeParams(cfg.Params, task.Params, opts.Params),
	})
}

func runShell(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, errors.Wrap(err, errors.ErrorTypeInternal, "shell command failed")
	}
	return output, nil
}

// mergeParams layers parameter maps, later layers winning per key.
func mergeParams(layers ...plugin.Params) plugin.Params {
	merged := plugin.Params{}
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}
