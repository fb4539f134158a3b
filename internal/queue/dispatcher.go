package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"compute-queue/internal/models"
	"compute-queue/internal/telemetry"
)

// Executor runs a job until it is Completed or Failed. Errors are recorded on
// the job itself and never returned.
type Executor interface {
	Execute(ctx context.Context, job *models.Job)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job *models.Job)

func (f ExecutorFunc) Execute(ctx context.Context, job *models.Job) { f(ctx, job) }

// Hooks are invoked from worker goroutines without any dispatcher lock held.
type Hooks struct {
	// OnStart runs right before the executor.
	OnStart func(job *models.Job)
	// OnComplete runs after the job left the pool, whatever its outcome.
	OnComplete func(job *models.Job)
}

// Dispatcher owns the bounded worker pool shared by all owners.
//
// The mirror holds every admitted job in admission order until it finishes.
// It is the pool's queue as well as the source of positions and listings.
type Dispatcher struct {
	mu     sync.Mutex
	mirror []*models.Job
	index  map[string]struct{}
	closed bool

	size  int
	slots *semaphore.Weighted
	wake  chan struct{}
	exec  Executor
	hooks Hooks
	wg    sync.WaitGroup
	now   func() time.Time
}

// NewDispatcher creates a pool executing at most size jobs at once.
func NewDispatcher(size int, exec Executor, hooks Hooks) *Dispatcher {
	if size < 1 {
		size = 1
	}
	return &Dispatcher{
		index: make(map[string]struct{}),
		size:  size,
		slots: semaphore.NewWeighted(int64(size)),
		wake:  make(chan struct{}, 1),
		exec:  exec,
		hooks: hooks,
		now:   time.Now,
	}
}

// Submit admits a job to the pool and gives it the next waiting position.
// It returns false if the job is already in the pool, cannot be admitted or
// the pool has shut down.
func (d *Dispatcher) Submit(job *models.Job) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	if _, ok := d.index[job.ID]; ok {
		d.mu.Unlock()
		return false
	}
	position := d.waitingLocked() + 1
	if !job.Admit(d.now(), position) {
		d.mu.Unlock()
		return false
	}
	d.mirror = append(d.mirror, job)
	d.index[job.ID] = struct{}{}
	d.updateGaugesLocked()
	d.mu.Unlock()

	log.Printf("job %s owner=%s admitted to pool position=%d", job.ID, job.OwnerID, position)
	d.signal()
	return true
}

// Run executes admitted jobs in admission order until ctx is cancelled, then
// waits for in-flight jobs. Cancelling ctx also cancels their executions.
// Once Run returns the pool is closed: Submit refuses new jobs and admitted
// jobs that never started are failed.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.wg.Wait()
	defer d.close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.slots.Acquire(ctx, 1); err != nil {
			return ctx.Err()
		}
		job := d.claimNext()
		for job == nil {
			select {
			case <-ctx.Done():
				d.slots.Release(1)
				return ctx.Err()
			case <-d.wake:
			}
			job = d.claimNext()
		}
		d.wg.Add(1)
		go d.execute(ctx, job)
	}
}

// Closed reports whether the pool stopped accepting jobs.
func (d *Dispatcher) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	var stranded []*models.Job
	for _, job := range d.mirror {
		if job.State() == models.StateAdmitted {
			stranded = append(stranded, job)
		}
	}
	d.mu.Unlock()

	for _, job := range stranded {
		if job.Fail(d.now(), 0) {
			log.Printf("job %s owner=%s failed: pool shut down before it started", job.ID, job.OwnerID)
			d.complete(job)
		}
	}
}

// Jobs returns the mirrored jobs in admission order.
func (d *Dispatcher) Jobs() []*models.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*models.Job, len(d.mirror))
	copy(out, d.mirror)
	return out
}

// CountOwner returns how many of the owner's jobs are admitted or running.
func (d *Dispatcher) CountOwner(owner string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, job := range d.mirror {
		if job.OwnerID == owner {
			n++
		}
	}
	return n
}

// Running returns how many jobs currently hold a pool slot.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mirror) - d.waitingLocked()
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// claimNext starts the oldest waiting job, if any, and renumbers the rest.
func (d *Dispatcher) claimNext() *models.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, job := range d.mirror {
		if job.State() != models.StateAdmitted {
			continue
		}
		if !job.Start(d.now()) {
			continue
		}
		d.renumberLocked()
		d.updateGaugesLocked()
		return job
	}
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, job *models.Job) {
	defer d.wg.Done()
	defer d.slots.Release(1)

	started := d.now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("job %s panicked: %v", job.ID, r)
				job.Fail(d.now(), d.now().Sub(started))
			}
		}()
		if d.hooks.OnStart != nil {
			d.hooks.OnStart(job)
		}
		d.exec.Execute(ctx, job)
	}()
	if !job.State().Terminal() {
		log.Printf("job %s left executor in state %s, marking failed", job.ID, job.State())
		job.Fail(d.now(), d.now().Sub(started))
	}
	d.complete(job)
}

func (d *Dispatcher) complete(job *models.Job) {
	d.mu.Lock()
	for i, j := range d.mirror {
		if j == job {
			d.mirror = append(d.mirror[:i], d.mirror[i+1:]...)
			break
		}
	}
	delete(d.index, job.ID)
	d.renumberLocked()
	d.updateGaugesLocked()
	remaining := len(d.mirror)
	d.mu.Unlock()

	log.Printf("job %s owner=%s left pool state=%s jobs_in_pool=%d", job.ID, job.OwnerID, job.State(), remaining)
	if d.hooks.OnComplete != nil {
		d.hooks.OnComplete(job)
	}
}

// renumberLocked assigns dense positions 1..K to waiting jobs in mirror order.
func (d *Dispatcher) renumberLocked() {
	idx := 1
	for _, job := range d.mirror {
		if job.State() == models.StateAdmitted {
			job.SetPosition(idx)
			idx++
		}
	}
}

func (d *Dispatcher) waitingLocked() int {
	n := 0
	for _, job := range d.mirror {
		if job.State() == models.StateAdmitted {
			n++
		}
	}
	return n
}

func (d *Dispatcher) updateGaugesLocked() {
	waiting := d.waitingLocked()
	telemetry.PoolWaitingGauge.Set(float64(waiting))
	telemetry.InFlightGauge.Set(float64(len(d.mirror) - waiting))
}
