// Package engine implements the pipeline executor: the single component that
// drives a plugin through extract, transform, and load, enforces the
// execution mode and commit policy, advances checkpoints, and produces the
// run report.
package engine

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/NIAGADS/etl-engine/pkg/checkpoint"
	"github.com/NIAGADS/etl-engine/pkg/config"
	"github.com/NIAGADS/etl-engine/pkg/errors"
	"github.com/NIAGADS/etl-engine/pkg/logger"
	"github.com/NIAGADS/etl-engine/pkg/models"
	"github.com/NIAGADS/etl-engine/pkg/plugin"
	"github.com/NIAGADS/etl-engine/pkg/plugin/registry"
	"github.com/NIAGADS/etl-engine/pkg/report"
	"github.com/NIAGADS/etl-engine/pkg/session"
	"github.com/NIAGADS/etl-engine/pkg/tally"
)

// Executor runs plugins. It owns the transaction coordinator and the
// checkpoint store for the lifetime of the process; plugins receive only the
// session handle and never commit, roll back, or write checkpoints.
type Executor struct {
	registry *registry.Registry
	store    checkpoint.Store
	coord    session.Coordinator
}

// New creates an executor over the given registry, checkpoint store, and
// transaction coordinator. The coordinator may be nil when every run uses a
// mode that never opens a store session.
func New(reg *registry.Registry, store checkpoint.Store, coord session.Coordinator) *Executor {
	return &Executor{registry: reg, store: store, coord: coord}
}

// Options configures one run.
type Options struct {
	// Mode is the execution mode, fixed for the run.
	Mode models.Mode

	// CommitAfter is the batch threshold for CHUNKED and BATCH strategies.
	// Zero selects the default; values below 1 are rejected.
	CommitAfter int

	// Target names the logical destination for checkpoint scoping.
	Target string

	// RunID identifies the run in logs and the report. Generated when empty.
	RunID string

	// Params are plugin parameter overrides, applied for this run only.
	Params plugin.Params
}

func (o *Options) normalize() error {
	if o.Mode == "" {
		o.Mode = models.ModeDryRun
	}
	if !o.Mode.Valid() {
		return errors.Newf(errors.ErrorTypeConfig, "invalid execution mode %q", o.Mode)
	}
	if o.CommitAfter == 0 {
		o.CommitAfter = config.DefaultCommitAfter
	}
	if o.CommitAfter < 1 {
		return errors.Newf(errors.ErrorTypeConfig, "commit_after must be at least 1, got %d", o.CommitAfter)
	}
	if o.Target == "" {
		o.Target = "default"
	}
	if o.RunID == "" {
		o.RunID = uuid.NewString()[:8]
	}
	return nil
}

// Run executes the named plugin under opts. The returned report is always
// non-nil; on failure it carries the FAILED status and the error message, and
// the error is returned as well.
func (e *Executor) Run(ctx context.Context, name string, opts Options) (*report.RunReport, error) {
	rep := &report.RunReport{
		Plugin:    name,
		Status:    models.StatusPending,
		StartedAt: time.Now(),
	}

	if err := opts.normalize(); err != nil {
		return e.abort(rep, err)
	}
	rep.RunID = opts.RunID
	rep.Mode = opts.Mode

	p, desc, err := e.registry.Instantiate(name, opts.Params)
	if err != nil {
		return e.abort(rep, err)
	}

	// The run identity travels on ctx so plugin code and the run logger share
	// the same fields.
	ctx = logger.Annotate(ctx, opts.RunID, name, string(opts.Mode))

	r := &runState{
		exec:  e,
		opts:  opts,
		p:     p,
		desc:  desc,
		tally: tally.New(),
		rep:   rep,
		key:   checkpoint.Key{Plugin: name, Target: opts.Target},
		log:   logger.WithContext(ctx),
	}
	defer r.finish(ctx)

	if err := r.execute(ctx); err != nil {
		r.fail(ctx, err)
		return rep, err
	}

	rep.Status = models.StatusSucceeded
	return rep, nil
}

// abort finalizes a run that failed before a plugin instance existed. No
// post-run hook fires because there is no plugin to observe it.
func (e *Executor) abort(rep *report.RunReport, err error) (*report.RunReport, error) {
	rep.Status = models.StatusFailed
	rep.Error = err.Error()
	rep.FinishedAt = time.Now()
	rep.Elapsed = rep.FinishedAt.Sub(rep.StartedAt)
	runsTotal.WithLabelValues(rep.Plugin, string(rep.Mode), string(rep.Status)).Inc()
	return rep, err
}

// runState carries the moving parts of one run.
type runState struct {
	exec  *Executor
	opts  Options
	p     plugin.Plugin
	desc  *registry.Descriptor
	sess  session.Session
	tally *tally.Tally
	rep   *report.RunReport
	key   checkpoint.Key
	log   *zap.Logger

	// lastID is the identifier of the most recently extracted record, logged
	// as the resume point when the run fails.
	lastID string
}

func (r *runState) execute(ctx context.Context) error {
	if r.opts.Mode == models.ModePreprocess {
		if _, ok := r.p.(plugin.Preprocessor); !ok {
			return errors.Newf(errors.ErrorTypeConfig,
				"plugin %s does not support PREPROCESS mode", r.rep.Plugin)
		}
	}

	if r.opts.Mode.WritesToStore() {
		if r.exec.coord == nil {
			return errors.Newf(errors.ErrorTypeConfig,
				"mode %s requires a transaction coordinator", r.opts.Mode)
		}
		sess, err := r.exec.coord.Begin(ctx)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to open run session")
		}
		r.sess = sess
	}

	resume, err := r.exec.store.Get(ctx, r.key)
	if err != nil {
		return err
	}
	if resume != nil {
		r.log.Info("resuming from checkpoint",
			zap.String("record_id", resume.RecordID),
			zap.Int64("line", resume.Line))
	}

	r.rep.Status = models.StatusRunning
	strategy := r.p.LoadStrategy()
	r.log.Info("run started",
		zap.String("load_strategy", string(strategy)),
		zap.Int("commit_after", r.opts.CommitAfter),
		zap.Strings("affected_tables", r.p.AffectedTables()))

	switch strategy {
	case models.StrategyChunked:
		err = r.runChunked(ctx, resume)
	case models.StrategyBulk:
		err = r.runBulk(ctx, resume)
	case models.StrategyBatch:
		err = r.runBatch(ctx, resume)
	default:
		err = errors.Newf(errors.ErrorTypeConfig,
			"plugin %s declares unknown load strategy %q", r.rep.Plugin, strategy)
	}
	if err != nil {
		return err
	}

	if r.opts.Mode == models.ModeNonCommit {
		if err := r.exec.coord.Rollback(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeLoad, "failed to roll back non-commit run")
		}
		r.log.Info("non-commit run rolled back")
	}

	if r.opts.Mode.WritesToStore() && r.rep.Records > 0 && r.tally.Total() == 0 {
		r.log.Warn("no transaction counts were updated in load()")
	}

	if r.opts.Mode == models.ModePreprocess {
		r.rep.MaterializationComplete = true
		r.rep.Artifact = r.p.(plugin.Preprocessor).PreprocessArtifact()
	}
	return nil
}

// runChunked consumes the source one record at a time, flushing each time
// the buffer reaches commit_after. Peak memory is bounded to one buffer.
func (r *runState) runChunked(ctx context.Context, resume *checkpoint.Checkpoint) error {
	buf := make([]*models.TransformedRecord, 0, r.opts.CommitAfter)
	for rec, err := range r.p.Extract(ctx, resume) {
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeExtraction, "extract failed")
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTimeout, "run canceled")
		}
		tr, err := r.transform(ctx, rec)
		if err != nil {
			return err
		}
		if tr == nil {
			continue
		}
		buf = append(buf, tr)
		if len(buf) >= r.opts.CommitAfter {
			if err := r.flush(ctx, buf); err != nil {
				return err
			}
			buf = make([]*models.TransformedRecord, 0, r.opts.CommitAfter)
		}
	}
	return r.flush(ctx, buf)
}

// runBulk drains and transforms the entire source, then issues exactly one
// load call with the full transformed set.
func (r *runState) runBulk(ctx context.Context, resume *checkpoint.Checkpoint) error {
	all, err := r.drain(ctx, resume)
	if err != nil {
		return err
	}
	return r.flush(ctx, all)
}

// runBatch drains and transforms the entire source first, then partitions the
// result into commit_after-sized batches loaded sequentially in order.
func (r *runState) runBatch(ctx context.Context, resume *checkpoint.Checkpoint) error {
	all, err := r.drain(ctx, resume)
	if err != nil {
		return err
	}
	for start := 0; start < len(all); start += r.opts.CommitAfter {
		end := start + r.opts.CommitAfter
		if end > len(all) {
			end = len(all)
		}
		if err := r.flush(ctx, all[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *runState) drain(ctx context.Context, resume *checkpoint.Checkpoint) ([]*models.TransformedRecord, error) {
	var all []*models.TransformedRecord
	for rec, err := range r.p.Extract(ctx, resume) {
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeExtraction, "extract failed")
		}
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "run canceled")
		}
		tr, err := r.transform(ctx, rec)
		if err != nil {
			return nil, err
		}
		if tr != nil {
			all = append(all, tr)
		}
	}
	return all, nil
}

// transform maps one record. A transform-category failure skips only the
// failing record; any other error category fails the run.
func (r *runState) transform(ctx context.Context, rec *models.Record) (*models.TransformedRecord, error) {
	r.rep.Records++
	r.lastID = r.p.RecordID(rec)
	recordsExtracted.WithLabelValues(r.rep.Plugin).Inc()

	tr, err := r.p.Transform(ctx, rec)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeTransform) {
			r.rep.Skipped++
			recordsSkipped.WithLabelValues(r.rep.Plugin).Inc()
			r.log.Warn("record skipped",
				zap.String("record_id", r.lastID),
				zap.Error(err))
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.TypeOf(err), "transform failed for record "+r.lastID)
	}
	return tr, nil
}

// flush dispatches one batch according to the execution mode. Empty batches
// are silently dropped so an exhausted source never triggers an empty load.
func (r *runState) flush(ctx context.Context, batch []*models.TransformedRecord) error {
	if len(batch) == 0 {
		return nil
	}
	batchesLoaded.WithLabelValues(r.rep.Plugin, string(r.p.LoadStrategy())).Inc()

	switch r.opts.Mode {
	case models.ModePreprocess:
		if err := r.p.(plugin.Preprocessor).Preprocess(ctx, batch); err != nil {
			return errors.Wrap(err, errors.TypeOf(err), "preprocess failed")
		}
		return nil

	case models.ModeDryRun:
		// Simulated tallies count against the sole declared table, or the
		// placeholder when the plugin declares several.
		table := tally.DryRunTable
		if tables := r.p.AffectedTables(); len(tables) == 1 {
			table = tables[0]
		}
		return r.tally.Add(table, r.p.Operation(), int64(len(batch)))
	}

	cp, err := r.p.Load(ctx, batch, r.sess, r.tally)
	if err != nil {
		errType := errors.TypeOf(err)
		if errType == errors.ErrorTypeInternal {
			errType = errors.ErrorTypeLoad
		}
		return errors.Wrap(err, errType, "load failed")
	}

	if err := r.checkContract(); err != nil {
		return err
	}

	if r.opts.Mode == models.ModeCommit {
		if err := r.exec.coord.Commit(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeLoad, "commit failed")
		}
		// The checkpoint advances only now that the batch is durable.
		if !cp.IsZero() {
			if err := r.exec.store.Put(ctx, r.key, cp); err != nil {
				return err
			}
			saved := cp
			r.rep.Checkpoint = &saved
		}
	}
	return nil
}

// checkContract verifies the session touched only declared tables.
func (r *runState) checkContract() error {
	declared := make(map[string]struct{}, len(r.p.AffectedTables()))
	for _, t := range r.p.AffectedTables() {
		declared[t] = struct{}{}
	}
	for _, touched := range r.sess.TouchedTables() {
		if _, ok := declared[touched]; !ok {
			return errors.Newf(errors.ErrorTypeContract,
				"plugin %s touched undeclared table %s", r.rep.Plugin, touched)
		}
	}
	return nil
}

// fail fixes the FAILED status and rolls back any open session work. The
// resume point is logged so an operator can verify the next run picks up
// where this one stopped.
func (r *runState) fail(ctx context.Context, err error) {
	r.rep.Status = models.StatusFailed
	r.rep.Error = err.Error()

	if r.sess != nil {
		if rbErr := r.exec.coord.Rollback(ctx); rbErr != nil {
			r.log.Error("rollback after failure did not complete", zap.Error(rbErr))
		}
	}

	r.log.Error("run failed",
		zap.Error(err),
		zap.String("error_type", string(errors.TypeOf(err))),
		zap.Bool("retryable", errors.IsRetryable(err)),
		zap.String("resume_record_id", r.lastID))
}

// finish fills the report tail, records metrics, and fires the post-run hook.
// It runs on every exit path once a plugin instance exists.
func (r *runState) finish(ctx context.Context) {
	rep := r.rep
	rep.FinishedAt = time.Now()
	rep.Elapsed = rep.FinishedAt.Sub(rep.StartedAt)
	rep.MemoryMB = report.ProcessMemoryMB(int32(os.Getpid()))
	rep.Tallies = r.tally.Snapshot()

	for table, byOp := range rep.Tallies {
		for op, n := range byOp {
			rowsWritten.WithLabelValues(rep.Plugin, table, string(op)).Add(float64(n))
		}
	}
	runsTotal.WithLabelValues(rep.Plugin, string(rep.Mode), string(rep.Status)).Inc()
	runDuration.WithLabelValues(rep.Plugin, string(rep.Mode)).Observe(rep.Elapsed.Seconds())

	if obs, ok := r.p.(plugin.RunObserver); ok {
		obs.OnRunComplete(ctx, rep)
	}

	r.log.Info("run finished",
		zap.String("status", string(rep.Status)),
		zap.Int64("records", rep.Records),
		zap.Int64("skipped", rep.Skipped),
		zap.Int64("rows_written", rep.TotalWrites()),
		zap.Duration("elapsed", rep.Elapsed),
		zap.Float64("memory_mb", rep.MemoryMB))
}
