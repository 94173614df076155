// Package engine runs reconciliation passes: it diffs the stored snapshot of
// open tasks against the upstream listing and classifies every task that
// disappeared as completed or deleted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tickwatch/internal/domain"
	"tickwatch/internal/notify"
	"tickwatch/internal/repo"
)

// ErrPassInProgress is returned when RunPass is called while another pass holds the engine.
var ErrPassInProgress = errors.New("reconciliation pass already in progress")

// Upstream is the task service as seen by the engine.
type Upstream interface {
	ListProjects(ctx context.Context) ([]domain.Project, error)
	ListOpenTasks(ctx context.Context, projectID string) ([]domain.Task, error)
	FetchTask(ctx context.Context, projectID, taskID string) (domain.Task, error)
}

const (
	DefaultCallTimeout  = 30 * time.Second
	DefaultRetryBackoff = 2 * time.Second
)

type Options struct {
	// CallTimeout bounds each upstream call and each store operation.
	CallTimeout time.Duration
	// LookupRetries is how many times a failed task lookup is retried before
	// the task is recorded as deleted. Not-found answers are never retried.
	LookupRetries int
	RetryBackoff  time.Duration
	Logger        *log.Logger
	Notifier      notify.Notifier
	Tracer        trace.Tracer
}

type Option func(*Options)

func WithCallTimeout(d time.Duration) Option { return func(o *Options) { o.CallTimeout = d } }

func WithLookupRetries(n int, wait time.Duration) Option {
	return func(o *Options) {
		if n < 0 {
			n = 0
		}
		o.LookupRetries = n
		o.RetryBackoff = wait
	}
}

func WithLogger(l *log.Logger) Option { return func(o *Options) { o.Logger = l } }

func WithNotifier(n notify.Notifier) Option { return func(o *Options) { o.Notifier = n } }

func WithTracer(t trace.Tracer) Option { return func(o *Options) { o.Tracer = t } }

type Engine struct {
	Repo     repo.Repo
	Upstream Upstream
	Now      func() time.Time

	opts    Options
	mu      sync.Mutex
	running atomic.Bool
}

func New(r repo.Repo, up Upstream, opts ...Option) *Engine {
	o := Options{CallTimeout: DefaultCallTimeout, RetryBackoff: DefaultRetryBackoff}
	for _, fn := range opts {
		fn(&o)
	}
	if o.Logger == nil {
		o.Logger = log.StandardLogger()
	}
	if o.Notifier == nil {
		o.Notifier = notify.Nop{}
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("tickwatch/engine")
	}
	return &Engine{Repo: r, Upstream: up, Now: time.Now, opts: o}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.CallTimeout > 0 {
		return context.WithTimeout(ctx, e.opts.CallTimeout)
	}
	return context.WithCancel(ctx)
}

// storeCtx detaches writes from pass cancellation so a started unit of work
// always finishes. The call timeout still applies.
func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return e.callCtx(context.WithoutCancel(ctx))
}

// Running reports whether a pass currently holds the engine.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// RunPass executes one reconciliation pass. It never waits for a pass that is
// already running; it returns ErrPassInProgress instead.
//
// The returned summary is filled in even when the pass fails. A pass whose
// context is cancelled stops before the next classification and returns the
// context error with status interrupted.
func (e *Engine) RunPass(ctx context.Context) (domain.PassSummary, error) {
	if !e.mu.TryLock() {
		return domain.PassSummary{}, ErrPassInProgress
	}
	defer e.mu.Unlock()
	e.running.Store(true)
	defer e.running.Store(false)

	started := e.now()
	sum := domain.PassSummary{ID: uuid.NewString(), PassedAt: started.UTC()}
	ctx, span := e.opts.Tracer.Start(ctx, "reconcile.pass", trace.WithAttributes(attribute.String("pass.id", sum.ID)))
	defer span.End()
	logger := e.opts.Logger.WithField("pass_id", sum.ID)

	err := e.runPass(ctx, logger, &sum)

	sum.ElapsedMS = e.now().Sub(started).Milliseconds()
	switch {
	case err == nil:
		sum.Status = domain.PassSucceeded
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		sum.Status = domain.PassInterrupted
		sum.Error = err.Error()
	default:
		sum.Status = domain.PassFailed
		sum.Error = err.Error()
	}

	span.SetAttributes(
		attribute.String("pass.status", string(sum.Status)),
		attribute.Int("pass.previous", sum.PreviousCount),
		attribute.Int("pass.current", sum.CurrentCount),
		attribute.Int("pass.disappeared", sum.DisappearedCount),
		attribute.Int("pass.completed", sum.CompletedCount),
		attribute.Int("pass.deleted", sum.DeletedCount),
		attribute.Int("pass.unresolved", sum.UnresolvedCount),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	wctx, cancel := e.storeCtx(ctx)
	if rerr := e.Repo.InsertPass(wctx, sum); rerr != nil {
		logger.WithError(rerr).Error("reconcile.pass.record_failed")
	}
	cancel()

	fields := log.Fields{
		"status":            sum.Status,
		"previous_count":    sum.PreviousCount,
		"current_count":     sum.CurrentCount,
		"disappeared_count": sum.DisappearedCount,
		"completed_count":   sum.CompletedCount,
		"deleted_count":     sum.DeletedCount,
		"unresolved_count":  sum.UnresolvedCount,
		"skipped_count":     sum.SkippedCount,
		"skipped_projects":  sum.SkippedProjects,
		"elapsed_ms":        sum.ElapsedMS,
	}
	if err != nil {
		logger.WithFields(fields).WithError(err).Error("reconcile.pass.failed")
	} else {
		logger.WithFields(fields).Info("reconcile.pass.summary")
	}
	return sum, err
}

func (e *Engine) runPass(ctx context.Context, logger *log.Entry, sum *domain.PassSummary) error {
	sctx, cancel := e.callCtx(ctx)
	previous, err := e.Repo.CurrentIDs(sctx)
	cancel()
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	sum.PreviousCount = len(previous)

	current, skipped, err := e.fetchUniverse(ctx, logger)
	if err != nil {
		return err
	}
	sum.SkippedProjects = skipped
	sum.CurrentCount = len(current.ids)

	disappeared := make([]string, 0)
	for id := range previous {
		if _, ok := current.ids[id]; !ok {
			disappeared = append(disappeared, id)
		}
	}
	sort.Strings(disappeared)
	sum.DisappearedCount = len(disappeared)

	for _, id := range disappeared {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := e.classify(ctx, logger.WithField("task_id", id), sum.ID, id)
		if err != nil {
			return err
		}
		switch res {
		case resultCompleted:
			sum.CompletedCount++
		case resultDeleted:
			sum.DeletedCount++
		case resultUnresolved:
			sum.UnresolvedCount++
		case resultSkipped:
			sum.SkippedCount++
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	wctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.Repo.ReplaceSnapshot(wctx, current.tasks, e.now()); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

type universe struct {
	tasks []domain.Task
	ids   map[string]struct{}
}

// fetchUniverse collects the open tasks of every active project. A failed
// project listing aborts the pass; a failed per-project listing only skips
// that project.
func (e *Engine) fetchUniverse(ctx context.Context, logger *log.Entry) (universe, int, error) {
	u := universe{ids: make(map[string]struct{})}
	cctx, cancel := e.callCtx(ctx)
	projects, err := e.Upstream.ListProjects(cctx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return u, 0, ctx.Err()
		}
		return u, 0, fmt.Errorf("fetch projects: %w", err)
	}

	skipped := 0
	for _, p := range projects {
		// kind carries no archive state; closed is the only exclusion
		if p.Closed {
			continue
		}
		if err := ctx.Err(); err != nil {
			return u, skipped, err
		}
		cctx, cancel := e.callCtx(ctx)
		tasks, err := e.Upstream.ListOpenTasks(cctx, p.ID)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return u, skipped, ctx.Err()
			}
			skipped++
			logger.WithFields(log.Fields{"project_id": p.ID, "project": p.Name}).WithError(err).
				Warn("reconcile.project.skipped")
			continue
		}
		for _, t := range tasks {
			if t.ID == "" {
				continue
			}
			if _, dup := u.ids[t.ID]; dup {
				continue
			}
			if t.ProjectID == "" {
				t.ProjectID = p.ID
			}
			u.ids[t.ID] = struct{}{}
			u.tasks = append(u.tasks, t)
		}
	}
	return u, skipped, nil
}

type result int

const (
	resultSkipped result = iota
	resultCompleted
	resultDeleted
	resultUnresolved
)

// classify resolves one disappeared task. Only store failures and
// cancellation are returned as errors; everything else is a local recovery.
func (e *Engine) classify(ctx context.Context, logger *log.Entry, passID, taskID string) (result, error) {
	ctx, span := e.opts.Tracer.Start(ctx, "reconcile.classify", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	sctx, cancel := e.callCtx(ctx)
	cached, err := e.Repo.GetSnapshot(sctx, taskID)
	cancel()
	if errors.Is(err, repo.ErrNotFound) {
		logger.Warn("reconcile.task.no_snapshot")
		span.SetAttributes(attribute.String("task.result", "skipped"))
		return resultSkipped, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return resultSkipped, ctx.Err()
		}
		return resultSkipped, fmt.Errorf("read snapshot %s: %w", taskID, err)
	}
	logger = logger.WithField("project_id", cached.ProjectID)

	fetched, lookupErr := e.lookup(ctx, logger, cached.ProjectID, taskID)
	if lookupErr != nil && ctx.Err() != nil {
		// a cancelled lookup says nothing about the task
		return resultSkipped, ctx.Err()
	}

	var out domain.Outcome
	var res result
	switch {
	case lookupErr == nil && fetched.IsCompleted():
		if fetched.ProjectID == "" {
			fetched.ProjectID = cached.ProjectID
		}
		wctx, cancel := e.storeCtx(ctx)
		out, err = e.Repo.MarkCompleted(wctx, taskID, fetched, passID)
		cancel()
		if err != nil {
			return resultSkipped, fmt.Errorf("mark completed %s: %w", taskID, err)
		}
		res = resultCompleted
	case lookupErr == nil:
		logger.WithField("status", fetched.Status.String()).Warn("reconcile.task.still_open")
		span.SetAttributes(attribute.String("task.result", "unresolved"))
		return resultUnresolved, nil
	default:
		if !errors.Is(lookupErr, domain.ErrTaskNotFound) {
			logger.WithError(lookupErr).Warn("reconcile.task.lookup_failed")
		}
		wctx, cancel := e.storeCtx(ctx)
		out, err = e.Repo.MarkDeleted(wctx, taskID, cached, passID)
		cancel()
		if err != nil {
			return resultSkipped, fmt.Errorf("mark deleted %s: %w", taskID, err)
		}
		res = resultDeleted
	}
	span.SetAttributes(attribute.String("task.result", string(out.Kind)))
	logger.WithField("outcome", out.Kind).Info("reconcile.task.classified")

	nctx, cancel := e.storeCtx(ctx)
	if err := e.opts.Notifier.Notify(nctx, out); err != nil {
		logger.WithError(err).Warn("reconcile.notify.failed")
	}
	cancel()
	return res, nil
}

// lookup fetches a task, retrying transient failures up to LookupRetries
// times. A not-found answer is final.
func (e *Engine) lookup(ctx context.Context, logger *log.Entry, projectID, taskID string) (domain.Task, error) {
	var t domain.Task
	op := func() error {
		cctx, cancel := e.callCtx(ctx)
		defer cancel()
		var err error
		t, err = e.Upstream.FetchTask(cctx, projectID, taskID)
		if errors.Is(err, domain.ErrTaskNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	attempt := 0
	notify := func(err error, wait time.Duration) {
		attempt++
		logger.WithError(err).WithFields(log.Fields{"attempt": attempt, "wait": wait.String()}).
			Debug("reconcile.task.lookup_retry")
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.opts.RetryBackoff), uint64(e.opts.LookupRetries)),
		ctx,
	)
	err := backoff.RetryNotify(op, policy, notify)
	return t, err
}
