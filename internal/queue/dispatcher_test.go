package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"compute-queue/internal/models"
)

// gatedExecutor blocks each job until the test releases it.
type gatedExecutor struct {
	started chan *models.Job
	mu      sync.Mutex
	gates   map[string]chan bool
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{
		started: make(chan *models.Job, 64),
		gates:   make(map[string]chan bool),
	}
}

func (e *gatedExecutor) gate(id string) chan bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.gates[id]
	if !ok {
		g = make(chan bool, 1)
		e.gates[id] = g
	}
	return g
}

func (e *gatedExecutor) Execute(ctx context.Context, job *models.Job) {
	e.started <- job
	select {
	case ok := <-e.gate(job.ID):
		if ok {
			job.Complete(time.Now(), 0, models.Result{Primary: "p", Secondary: "s"})
		} else {
			job.Fail(time.Now(), 0)
		}
	case <-ctx.Done():
		job.Fail(time.Now(), 0)
	}
}

// finish lets job id end successfully (true) or with a failure (false).
func (e *gatedExecutor) finish(id string, ok bool) { e.gate(id) <- ok }

func waitStarted(t *testing.T, e *gatedExecutor) *models.Job {
	t.Helper()
	select {
	case job := <-e.started:
		return job
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a job to start")
		return nil
	}
}

func assertNoStart(t *testing.T, e *gatedExecutor) {
	t.Helper()
	select {
	case job := <-e.started:
		t.Fatalf("unexpected start of %s", job.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func queuedJob(id, owner string) *models.Job {
	job := newJob(id, owner)
	job.MarkQueued()
	return job
}

func startDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDispatcherCompletionStartsNextJob(t *testing.T) {
	exec := newGatedExecutor()
	d := NewDispatcher(1, exec, Hooks{})
	startDispatcher(t, d)

	j1, j2 := queuedJob("j1", "A"), queuedJob("j2", "A")
	d.Submit(j1)
	if got := waitStarted(t, exec); got != j1 {
		t.Fatalf("expected j1 first, got %s", got.ID)
	}
	d.Submit(j2)
	assertNoStart(t, exec)
	if p := j2.Position(); p == nil || *p != 1 {
		t.Fatalf("waiting job should be at position 1, got %v", p)
	}
	if j2.Status() != "Position: 1" {
		t.Fatalf("unexpected status %q", j2.Status())
	}

	exec.finish("j1", true)
	if got := waitStarted(t, exec); got != j2 {
		t.Fatalf("expected j2 after j1, got %s", got.ID)
	}
	if j2.State() != models.StateRunning || j2.Position() != nil {
		t.Fatalf("j2 should be running without position, got %s %v", j2.State(), j2.Position())
	}
	exec.finish("j2", true)
	eventually(t, func() bool { return len(d.Jobs()) == 0 }, "pool drains")
}

func TestDispatcherGlobalCap(t *testing.T) {
	exec := newGatedExecutor()
	d := NewDispatcher(2, exec, Hooks{})
	startDispatcher(t, d)

	jobs := []*models.Job{queuedJob("a1", "A"), queuedJob("b1", "B"), queuedJob("c1", "C"), queuedJob("d1", "D")}
	for _, j := range jobs {
		d.Submit(j)
	}
	waitStarted(t, exec)
	waitStarted(t, exec)
	assertNoStart(t, exec)
	if d.Running() != 2 {
		t.Fatalf("expected 2 running, got %d", d.Running())
	}
	if p := jobs[2].Position(); p == nil || *p != 1 {
		t.Fatalf("c1 should be first in line, got %v", p)
	}
	if p := jobs[3].Position(); p == nil || *p != 2 {
		t.Fatalf("d1 should be second in line, got %v", p)
	}

	exec.finish("a1", true)
	if got := waitStarted(t, exec); got.ID != "c1" {
		t.Fatalf("expected c1 to start, got %s", got.ID)
	}
	if p := jobs[3].Position(); p == nil || *p != 1 {
		t.Fatalf("d1 should move up to position 1, got %v", p)
	}
	for _, id := range []string{"b1", "c1"} {
		exec.finish(id, true)
	}
	waitStarted(t, exec)
	exec.finish("d1", true)
	eventually(t, func() bool { return len(d.Jobs()) == 0 }, "pool drains")
}

func TestDispatcherHooksAndFailure(t *testing.T) {
	exec := newGatedExecutor()
	var mu sync.Mutex
	var started, completed []string
	d := NewDispatcher(1, exec, Hooks{
		OnStart: func(job *models.Job) {
			mu.Lock()
			started = append(started, job.ID)
			mu.Unlock()
		},
		OnComplete: func(job *models.Job) {
			mu.Lock()
			completed = append(completed, job.ID+":"+job.State().String())
			mu.Unlock()
		},
	})
	startDispatcher(t, d)

	d.Submit(queuedJob("j1", "A"))
	d.Submit(queuedJob("j2", "A"))
	waitStarted(t, exec)
	exec.finish("j1", false)
	waitStarted(t, exec)
	exec.finish("j2", true)

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) == 2
	}, "both jobs complete")
	mu.Lock()
	defer mu.Unlock()
	if started[0] != "j1" || started[1] != "j2" {
		t.Fatalf("unexpected start order %v", started)
	}
	if completed[0] != "j1:failed" || completed[1] != "j2:completed" {
		t.Fatalf("unexpected completions %v", completed)
	}
}

func TestDispatcherRecoversPanic(t *testing.T) {
	done := make(chan *models.Job, 1)
	d := NewDispatcher(1, ExecutorFunc(func(ctx context.Context, job *models.Job) {
		panic("boom")
	}), Hooks{OnComplete: func(job *models.Job) { done <- job }})
	startDispatcher(t, d)

	d.Submit(queuedJob("j1", "A"))
	select {
	case job := <-done:
		if job.State() != models.StateFailed {
			t.Fatalf("panicking job should fail, got %s", job.State())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("completion hook not called")
	}
}

func TestDispatcherRejectsDuplicateSubmit(t *testing.T) {
	d := NewDispatcher(1, newGatedExecutor(), Hooks{})
	job := queuedJob("j1", "A")
	if !d.Submit(job) {
		t.Fatalf("first submit should succeed")
	}
	if d.Submit(job) {
		t.Fatalf("duplicate submit should be refused")
	}
	if d.CountOwner("A") != 1 {
		t.Fatalf("expected one job for owner A, got %d", d.CountOwner("A"))
	}
}

func TestDispatcherShutdownFailsRunningJobs(t *testing.T) {
	exec := newGatedExecutor()
	d := NewDispatcher(1, exec, Hooks{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	job := queuedJob("j1", "A")
	d.Submit(job)
	waitStarted(t, exec)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher did not stop")
	}
	if job.State() != models.StateFailed {
		t.Fatalf("interrupted job should fail, got %s", job.State())
	}
}

// Wires user queues and the dispatcher together the way the job manager does.
func TestPerOwnerCapWithDispatcher(t *testing.T) {
	exec := newGatedExecutor()
	var q *UserQueues
	d := NewDispatcher(4, exec, Hooks{OnComplete: func(job *models.Job) { q.Release(job.OwnerID) }})
	q = NewUserQueues(10, 2, d, newMapSaver())
	startDispatcher(t, d)

	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		if err := q.Enqueue(newJob(id, "A")); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	first, second := waitStarted(t, exec), waitStarted(t, exec)
	assertNoStart(t, exec)
	if ids := map[string]bool{first.ID: true, second.ID: true}; !ids["a1"] || !ids["a2"] {
		t.Fatalf("expected a1 and a2 running, got %s %s", first.ID, second.ID)
	}
	if a3 := q.Waiting("A"); len(a3) != 2 || a3[0].ID != "a3" {
		t.Fatalf("a3 and a4 should still wait in the user queue")
	}
	if d.CountOwner("A") != 2 {
		t.Fatalf("owner cap exceeded: %d in pool", d.CountOwner("A"))
	}

	exec.finish("a1", false)
	if got := waitStarted(t, exec); got.ID != "a3" {
		t.Fatalf("failure must not block the line, got %s", got.ID)
	}
	exec.finish("a2", true)
	if got := waitStarted(t, exec); got.ID != "a4" {
		t.Fatalf("expected a4, got %s", got.ID)
	}
	exec.finish("a3", true)
	exec.finish("a4", true)
	eventually(t, func() bool { return len(d.Jobs()) == 0 }, "pool drains")
}

func TestDispatcherClosedAfterRun(t *testing.T) {
	exec := newGatedExecutor()
	var completed []*models.Job
	var mu sync.Mutex
	d := NewDispatcher(1, exec, Hooks{OnComplete: func(job *models.Job) {
		mu.Lock()
		completed = append(completed, job)
		mu.Unlock()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	running, waiting := queuedJob("j1", "A"), queuedJob("j2", "B")
	d.Submit(running)
	waitStarted(t, exec)
	d.Submit(waiting)
	cancel()
	<-done

	if !d.Closed() {
		t.Fatalf("dispatcher should be closed after Run")
	}
	if waiting.State() != models.StateFailed || waiting.Position() != nil {
		t.Fatalf("unstarted job should fail on shutdown, got %s %v", waiting.State(), waiting.Position())
	}
	if len(d.Jobs()) != 0 {
		t.Fatalf("pool should be empty, got %d", len(d.Jobs()))
	}
	mu.Lock()
	n := len(completed)
	mu.Unlock()
	if n != 2 {
		t.Fatalf("completion hook should see both jobs, got %d", n)
	}

	late := queuedJob("j3", "C")
	if d.Submit(late) {
		t.Fatalf("closed dispatcher must refuse new jobs")
	}
	if late.State() != models.StateQueued || len(d.Jobs()) != 0 {
		t.Fatalf("refused job must not be admitted, got %s", late.State())
	}
}
