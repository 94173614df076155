package engine_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"tickwatch/internal/db"
	"tickwatch/internal/domain"
	"tickwatch/internal/engine"
	"tickwatch/internal/migrate"
	"tickwatch/internal/repo"
)

var passTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

// fakeUpstream serves a fixed universe. Lookups default to not found.
type fakeUpstream struct {
	mu          sync.Mutex
	projects    []domain.Project
	projectsErr error
	tasks       map[string][]domain.Task
	taskErrs    map[string]error
	lookups     map[string]func(ctx context.Context) (domain.Task, error)
	calls       map[string]int
	onList      func()
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		projects: []domain.Project{{ID: "p1", Name: "Work"}},
		tasks:    map[string][]domain.Task{},
		taskErrs: map[string]error{},
		lookups:  map[string]func(ctx context.Context) (domain.Task, error){},
		calls:    map[string]int{},
	}
}

func (f *fakeUpstream) ListProjects(ctx context.Context) ([]domain.Project, error) {
	if f.onList != nil {
		f.onList()
	}
	if f.projectsErr != nil {
		return nil, &domain.UpstreamError{Op: "list projects", Err: f.projectsErr}
	}
	return f.projects, nil
}

func (f *fakeUpstream) ListOpenTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	if err := f.taskErrs[projectID]; err != nil {
		return nil, &domain.UpstreamError{Op: "list tasks", Err: err}
	}
	return f.tasks[projectID], nil
}

func (f *fakeUpstream) FetchTask(ctx context.Context, projectID, taskID string) (domain.Task, error) {
	f.mu.Lock()
	f.calls[taskID]++
	fn := f.lookups[taskID]
	f.mu.Unlock()
	if fn == nil {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	return fn(ctx)
}

func (f *fakeUpstream) setOpen(projectID string, ids ...string) {
	var tasks []domain.Task
	for _, id := range ids {
		tasks = append(tasks, openTask(id, projectID))
	}
	f.tasks[projectID] = tasks
}

func openTask(id, projectID string) domain.Task {
	return domain.Task{ID: id, ProjectID: projectID, Title: "task " + id, Status: domain.StatusOpen}
}

func returns(t domain.Task) func(context.Context) (domain.Task, error) {
	return func(context.Context) (domain.Task, error) { return t, nil }
}

func fails(err error) func(context.Context) (domain.Task, error) {
	return func(context.Context) (domain.Task, error) { return domain.Task{}, err }
}

type testEnv struct {
	Repo     repo.Repo
	Upstream *fakeUpstream
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn)
	r.Now = func() time.Time { return passTime }
	return testEnv{Repo: r, Upstream: newFakeUpstream(), Ctx: context.Background()}
}

func (env testEnv) engine(opts ...engine.Option) *engine.Engine {
	logger, _ := test.NewNullLogger()
	opts = append([]engine.Option{engine.WithLogger(logger)}, opts...)
	eng := engine.New(env.Repo, env.Upstream, opts...)
	eng.Now = func() time.Time { return passTime }
	return eng
}

func (env testEnv) seed(t *testing.T, projectID string, ids ...string) {
	t.Helper()
	var tasks []domain.Task
	for _, id := range ids {
		tasks = append(tasks, openTask(id, projectID))
	}
	if err := env.Repo.ReplaceSnapshot(env.Ctx, tasks, passTime.Add(-10*time.Minute)); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
}

func (env testEnv) snapshotIDs(t *testing.T) []string {
	t.Helper()
	set, err := env.Repo.CurrentIDs(env.Ctx)
	if err != nil {
		t.Fatalf("current ids: %v", err)
	}
	var ids []string
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (env testEnv) outcomes(t *testing.T) (completed, deleted []string) {
	t.Helper()
	comps, err := env.Repo.ListCompletions(env.Ctx, repo.CompletionFilter{})
	if err != nil {
		t.Fatal(err)
	}
	dels, err := env.Repo.ListDeletions(env.Ctx, repo.DeletionFilter{})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range comps {
		completed = append(completed, c.TaskID)
	}
	for _, d := range dels {
		deleted = append(deleted, d.TaskID)
	}
	sort.Strings(completed)
	sort.Strings(deleted)
	return completed, deleted
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFirstPassSeedsSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.Upstream.setOpen("p1", "A", "B")
	sum, err := env.engine().RunPass(env.Ctx)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if sum.Status != domain.PassSucceeded || sum.PreviousCount != 0 || sum.CurrentCount != 2 || sum.DisappearedCount != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if ids := env.snapshotIDs(t); !equal(ids, []string{"A", "B"}) {
		t.Fatalf("snapshot = %v", ids)
	}
}

func TestDisappearedCompletedTask(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "p1", "A", "B", "C")
	env.Upstream.setOpen("p1", "A", "C")
	done := openTask("B", "p1")
	done.Status = domain.StatusCompleted
	done.CompletedTime = "2024-01-15T09:30:00.000+0000"
	env.Upstream.lookups["B"] = returns(done)

	sum, err := env.engine().RunPass(env.Ctx)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if sum.DisappearedCount != 1 || sum.CompletedCount != 1 || sum.DeletedCount != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	completed, deleted := env.outcomes(t)
	if !equal(completed, []string{"B"}) || len(deleted) != 0 {
		t.Fatalf("completed=%v deleted=%v", completed, deleted)
	}
	if ids := env.snapshotIDs(t); !equal(ids, []string{"A", "C"}) {
		t.Fatalf("snapshot = %v", ids)
	}
	recs, _ := env.Repo.ListCompletions(env.Ctx, repo.CompletionFilter{})
	if !recs[0].CompletedTime.Equal(time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)) {
		t.Fatalf("expected upstream completion time, got %v", recs[0].CompletedTime)
	}
}

func TestDisappearedNotFoundTaskIsDeleted(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "p1", "A", "B")
	env.Upstream.setOpen("p1", "A")

	sum, err := env.engine().RunPass(env.Ctx)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if sum.DeletedCount != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	completed, deleted := env.outcomes(t)
	if len(completed) != 0 || !equal(deleted, []string{"B"}) {
		t.Fatalf("completed=%v deleted=%v", completed, deleted)
	}
	if ids := env.snapshotIDs(t); !equal(ids, []string{"A"}) {
		t.Fatalf("snapshot = %v", ids)
	}
}

func TestDisappearedButStillOpenIsNotClassified(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "p1", "A", "B")
	env.Upstream.setOpen("p1", "A")
	env.Upstream.lookups["B"] = returns(openTask("B", "p1"))

	logger, hook := test.NewNullLogger()
	sum, err := env.engine(engine.WithLogger(logger)).RunPass(env.Ctx)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if sum.UnresolvedCount != 1 || sum.CompletedCount != 0 || sum.DeletedCount != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	completed, deleted := env.outcomes(t)
	if len(completed) != 0 || len(deleted) != 0 {
		t.Fatalf("no outcome expected, completed=%v deleted=%v", completed, deleted)
	}
	if ids := env.snapshotIDs(t); !equal(ids, []string{"A"}) {
		t.Fatalf("snapshot = %v", ids)
	}
	found := false
	for _, entry := range hook.AllEntries() {
		if entry.Message == "reconcile.task.still_open" && entry.Data["task_id"] == "B" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected still-open warning")
	}
}

func TestProjectListFailureLeavesStoresUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "p1", "A", "B")
	env.Upstream.projectsErr = errors.New("connection refused")

	sum, err := env.engine().RunPass(env.Ctx)
	if err == nil {
		t.Fatalf("expected pass failure")
	}
	var upErr *domain.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if sum.Status != domain.PassFailed || sum.PreviousCount != 2 || sum.DisappearedCount != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if ids := env.snapshotIDs(t); !equal(ids, []string{"A", "B"}) {
		t.Fatalf("snapshot changed: %v", ids)
	}
	completed, deleted := env.outcomes(t)
	if len(completed) != 0 || len(deleted) != 0 {
		t.Fatalf("outcomes written on aborted pass")
	}
	for _, id := range []string{"A", "B"} {
		if env.Upstream.calls[id] != 0 {
			t.Fatalf("no lookups expected on aborted pass")
		}
	}
	passes, _ := env.Repo.ListPasses(env.Ctx, 1)
	if len(passes) != 1 || passes[0].Status != domain.PassFailed {
		t.Fatalf("failed pass not journaled: %+v", passes)
	}
}

func TestProjectFetchFailureSkipsProject(t *testing.T) {
	env := newTestEnv(t)
	env.Upstream.projects = []domain.Project{{ID: "p1"}, {ID: "p2"}, {ID: "p3", Closed: true}}
	if err := env.Repo.ReplaceSnapshot(env.Ctx, []domain.Task{openTask("A", "p1"), openTask("B", "p1"), openTask("X", "p2")}, passTime); err != nil {
		t.Fatal(err)
	}
	env.Upstream.setOpen("p1", "A")
	env.Upstream.setOpen("p3", "Z")
	env.Upstream.taskErrs["p2"] = errors.New("timeout")
	env.Upstream.lookups["X"] = returns(openTask("X", "p2"))

	sum, err := env.engine().RunPass(env.Ctx)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if sum.SkippedProjects != 1 || sum.CurrentCount != 1 || sum.DeletedCount != 1 || sum.UnresolvedCount != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if ids := env.snapshotIDs(t); !equal(ids, []string{"A"}) {
		t.Fatalf("closed project must not contribute tasks, snapshot = %v", ids)
	}
}

func TestOnlyClosedFlagExcludesProject(t *testing.T) {
	env := newTestEnv(t)
	env.Upstream.projects = []domain.Project{
		{ID: "p1", Kind: "TASK"},
		{ID: "p2", Kind: "NOTE"},
		{ID: "p3", Kind: "TASK", Closed: true},
	}
	env.Upstream.setOpen("p1", "A")
	env.Upstream.setOpen("p2", "N")
	env.Upstream.setOpen("p3", "Z")

	sum, err := env.engine().RunPass(env.Ctx)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if sum.CurrentCount != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if ids := env.snapshotIDs(t); !equal(ids, []string{"A", "N"}) {
		t.Fatalf("snapshot = %v, want [A N]", ids)
	}
}

func TestLookupErrorIsRecordedAsDeletion(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "p1", "A", "B")
	env.Upstream.setOpen("p1", "A")
	env.Upstream.lookups["B"] = fails(&domain.UpstreamError{Op: "fetch task", Err: errors.New("502")})

	sum, err := env.engine().RunPass(env.Ctx)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if sum.DeletedCount != 1 || env.Upstream.calls["B"] != 1 {
		t.Fatalf("unexpected summary %+v calls=%d", sum, env.Upstream.calls["B"])
	}
}

func TestLookupRetriesBeforeFallingBack(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "p1", "A", "B")
	env.Upstream.setOpen("p1", "A")
	attempts := 0
	done := openTask("B", "p1")
	done.Status = domain.StatusCompleted
	env.Upstream.lookups["B"] = func(context.Context) (domain.Task, error) {
		attempts++
		if attempts < 3 {
			return domain.Task{}, errors.New("flaky")
		}
		return done, nil
	}

	sum, err := env.engine(engine.WithLookupRetries(2, time.Millisecond)).RunPass(env.Ctx)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if sum.CompletedCount != 1 || attempts != 3 {
		t.Fatalf("unexpected summary %+v attempts=%d", sum, attempts)
	}
}

func TestNotFoundLookupIsNeverRetried(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "p1", "A", "B")
	env.Upstream.setOpen("p1", "A")

	sum, err := env.engine(engine.WithLookupRetries(3, time.Millisecond)).RunPass(env.Ctx)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if sum.DeletedCount != 1 || env.Upstream.calls["B"] != 1 {
		t.Fatalf("unexpected summary %+v calls=%d", sum, env.Upstream.calls["B"])
	}
}

func TestExhaustedRetriesRecordDeletion(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "p1", "A", "B")
	env.Upstream.setOpen("p1", "A")
	env.Upstream.lookups["B"] = fails(errors.New("502 bad gateway"))

	sum, err := env.engine(engine.WithLookupRetries(2, time.Millisecond)).RunPass(env.Ctx)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if sum.DeletedCount != 1 || env.Upstream.calls["B"] != 3 {
		t.Fatalf("unexpected summary %+v calls=%d", sum, env.Upstream.calls["B"])
	}
}

func TestMissingCachedRecordIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "p1", "A", "B")
	env.Upstream.setOpen("p1", "A")
	env.Upstream.onList = func() {
		if err := env.Repo.RemoveSnapshot(env.Ctx, "B"); err != nil {
			t.Errorf("remove snapshot: %v", err)
		}
	}

	sum, err := env.engine().RunPass(env.Ctx)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if sum.SkippedCount != 1 || sum.DeletedCount != 0 || env.Upstream.calls["B"] != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	completed, deleted := env.outcomes(t)
	if len(completed) != 0 || len(deleted) != 0 {
		t.Fatalf("nothing should be recorded for a missing snapshot row")
	}
}

func TestEachDisappearedTaskClassifiedOnce(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "p1", "A", "B", "C", "D", "E")
	env.Upstream.setOpen("p1", "A")
	done := openTask("B", "p1")
	done.Status = domain.StatusCompleted
	env.Upstream.lookups["B"] = returns(done)
	env.Upstream.lookups["C"] = returns(openTask("C", "p1"))
	env.Upstream.lookups["D"] = fails(errors.New("reset by peer"))

	sum, err := env.engine().RunPass(env.Ctx)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if sum.CompletedCount+sum.DeletedCount+sum.UnresolvedCount+sum.SkippedCount != sum.DisappearedCount {
		t.Fatalf("classification counts do not add up: %+v", sum)
	}
	completed, deleted := env.outcomes(t)
	seen := map[string]int{}
	for _, id := range append(completed, deleted...) {
		seen[id]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("task %s recorded %d times", id, n)
		}
	}
	if !equal(completed, []string{"B"}) || !equal(deleted, []string{"D", "E"}) {
		t.Fatalf("completed=%v deleted=%v", completed, deleted)
	}
}

func TestSecondPassIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "p1", "A", "B")
	env.Upstream.setOpen("p1", "A")
	eng := env.engine()
	if _, err := eng.RunPass(env.Ctx); err != nil {
		t.Fatal(err)
	}
	sum, err := eng.RunPass(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.DisappearedCount != 0 {
		t.Fatalf("classified task reappeared as disappeared: %+v", sum)
	}
	_, deleted := env.outcomes(t)
	if len(deleted) != 1 {
		t.Fatalf("deleted = %v", deleted)
	}
}

func TestCancelledLookupIsNotADeletion(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "p1", "A", "B", "C")
	env.Upstream.setOpen("p1", "A")
	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	env.Upstream.lookups["B"] = func(ctx context.Context) (domain.Task, error) {
		cancel()
		<-ctx.Done()
		return domain.Task{}, &domain.UpstreamError{Op: "fetch task", Err: ctx.Err()}
	}

	sum, err := env.engine().RunPass(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if sum.Status != domain.PassInterrupted || sum.DeletedCount != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	completed, deleted := env.outcomes(t)
	if len(completed) != 0 || len(deleted) != 0 {
		t.Fatalf("cancelled pass recorded outcomes: %v %v", completed, deleted)
	}
	if env.Upstream.calls["C"] != 0 {
		t.Fatalf("pass continued after cancellation")
	}
	if ids := env.snapshotIDs(t); !equal(ids, []string{"A", "B", "C"}) {
		t.Fatalf("interrupted pass rewrote snapshot: %v", ids)
	}
}

func TestCancelAfterClassificationKeepsUnit(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "p1", "A", "B", "C")
	env.Upstream.setOpen("p1", "A")
	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	done := openTask("B", "p1")
	done.Status = domain.StatusCompleted
	env.Upstream.lookups["B"] = func(context.Context) (domain.Task, error) {
		// stop arrives while B is being classified
		cancel()
		return done, nil
	}

	sum, err := env.engine().RunPass(ctx)
	if !errors.Is(err, context.Canceled) || sum.CompletedCount != 1 {
		t.Fatalf("err=%v summary=%+v", err, sum)
	}
	completed, _ := env.outcomes(t)
	if !equal(completed, []string{"B"}) {
		t.Fatalf("completed = %v", completed)
	}
	if ids := env.snapshotIDs(t); !equal(ids, []string{"A", "C"}) {
		t.Fatalf("snapshot = %v", ids)
	}
}

func TestConcurrentPassIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "p1", "A", "B")
	env.Upstream.setOpen("p1", "A")
	entered := make(chan struct{})
	release := make(chan struct{})
	env.Upstream.lookups["B"] = func(context.Context) (domain.Task, error) {
		close(entered)
		<-release
		return domain.Task{}, domain.ErrTaskNotFound
	}
	eng := env.engine()

	errc := make(chan error, 1)
	go func() {
		_, err := eng.RunPass(env.Ctx)
		errc <- err
	}()
	<-entered
	if !eng.Running() {
		t.Fatalf("engine should report running")
	}
	if _, err := eng.RunPass(env.Ctx); !errors.Is(err, engine.ErrPassInProgress) {
		t.Fatalf("expected ErrPassInProgress, got %v", err)
	}
	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if eng.Running() {
		t.Fatalf("engine should be idle")
	}
}

func TestStoreFailureFailsPass(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "p1", "A", "B")
	env.Upstream.setOpen("p1", "A")
	env.Upstream.lookups["B"] = func(context.Context) (domain.Task, error) {
		env.Repo.DB.Close()
		return domain.Task{}, domain.ErrTaskNotFound
	}

	sum, err := env.engine().RunPass(env.Ctx)
	if err == nil || sum.Status != domain.PassFailed {
		t.Fatalf("expected failed pass, got err=%v summary=%+v", err, sum)
	}
}

type recordingNotifier struct {
	got []domain.Outcome
}

func (r *recordingNotifier) Notify(_ context.Context, o domain.Outcome) error {
	r.got = append(r.got, o)
	return errors.New("listener down")
}

func TestOutcomesAreNotifiedAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "p1", "A", "B")
	env.Upstream.setOpen("p1", "A")
	n := &recordingNotifier{}

	sum, err := env.engine(engine.WithNotifier(n)).RunPass(env.Ctx)
	if err != nil {
		t.Fatalf("notifier failure must not fail the pass: %v", err)
	}
	if len(n.got) != 1 || n.got[0].TaskID != "B" || n.got[0].Kind != domain.OutcomeDeleted || n.got[0].PassID != sum.ID {
		t.Fatalf("unexpected notifications %+v", n.got)
	}
}

func TestPassIsTraced(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "p1", "A", "B")
	env.Upstream.setOpen("p1", "A")
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	sum, err := env.engine(engine.WithTracer(tp.Tracer("test"))).RunPass(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	var pass, classify int
	for _, span := range exporter.GetSpans() {
		switch span.Name {
		case "reconcile.pass":
			pass++
			attrs := map[string]any{}
			for _, kv := range span.Attributes {
				attrs[string(kv.Key)] = kv.Value.AsInterface()
			}
			if attrs["pass.id"] != sum.ID || attrs["pass.status"] != "succeeded" || attrs["pass.deleted"] != int64(1) {
				t.Fatalf("unexpected pass attributes %v", attrs)
			}
		case "reconcile.classify":
			classify++
		}
	}
	if pass != 1 || classify != 1 {
		t.Fatalf("spans: pass=%d classify=%d", pass, classify)
	}
}
