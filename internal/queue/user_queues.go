package queue

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"compute-queue/internal/models"
)

var (
	// ErrQueueFull is returned when an owner already has the maximum number of waiting jobs.
	ErrQueueFull = errors.New("user queue full")
	// ErrAlreadyQueued is returned when the same job is enqueued twice.
	ErrAlreadyQueued = errors.New("job already queued")
)

// Pool accepts jobs released from user queues.
type Pool interface {
	Submit(job *models.Job) bool
}

// Saver records jobs so their status can be queried while they wait.
type Saver interface {
	Save(job *models.Job)
	// Refresh starts the retention window of a job that reached a terminal state.
	Refresh(job *models.Job)
}

// UserQueues keeps one FIFO waiting line per owner.
//
// Lock ordering: the registry lock may be taken before a line's lock, never
// after it. No lock is held while calling into the pool or the saver.
type UserQueues struct {
	mu    sync.Mutex
	lines map[string]*line

	maxWaiting int
	maxActive  int
	pool       Pool
	saver      Saver
}

type line struct {
	mu      sync.Mutex
	waiting []*models.Job
	// active counts jobs released to the pool and not yet finished.
	active int
	// dead lines were pruned from the registry and must not be used.
	dead bool
}

// NewUserQueues creates the per-owner lines. maxWaiting bounds waiting jobs per
// owner; maxActive bounds jobs per owner that are in the pool at once.
func NewUserQueues(maxWaiting, maxActive int, pool Pool, saver Saver) *UserQueues {
	return &UserQueues{
		lines:      make(map[string]*line),
		maxWaiting: maxWaiting,
		maxActive:  maxActive,
		pool:       pool,
		saver:      saver,
	}
}

// Enqueue appends the job to its owner's line, saves it and tries to release
// the owner's next job. It fails with ErrQueueFull instead of dropping work.
func (q *UserQueues) Enqueue(job *models.Job) error {
	l := q.lockLine(job.OwnerID)
	for _, waiting := range l.waiting {
		if waiting.ID == job.ID {
			l.mu.Unlock()
			return ErrAlreadyQueued
		}
	}
	if len(l.waiting) >= q.maxWaiting {
		n := len(l.waiting)
		l.mu.Unlock()
		log.Printf("too many jobs job=%s owner=%s waiting=%d", job.ID, job.OwnerID, n)
		return fmt.Errorf("%w: %d jobs waiting", ErrQueueFull, n)
	}
	if !job.MarkQueued() {
		l.mu.Unlock()
		q.prune(job.OwnerID)
		return fmt.Errorf("job %s cannot be queued from state %s", job.ID, job.State())
	}
	l.waiting = append(l.waiting, job)
	l.mu.Unlock()

	log.Printf("job %s owner=%s queued", job.ID, job.OwnerID)
	q.saver.Save(job)
	q.TryDispatchNext(job.OwnerID)
	return nil
}

// TryDispatchNext releases the owner's oldest waiting job to the pool if the
// owner is below its concurrency cap. It is a no-op otherwise.
func (q *UserQueues) TryDispatchNext(owner string) {
	l := q.lockLine(owner)
	if l.active >= q.maxActive || len(l.waiting) == 0 {
		l.mu.Unlock()
		q.prune(owner)
		return
	}
	job := l.waiting[0]
	l.waiting[0] = nil
	l.waiting = l.waiting[1:]
	l.active++
	l.mu.Unlock()

	if q.pool.Submit(job) {
		return
	}
	// A refused job would otherwise stay Pending forever.
	log.Printf("job %s owner=%s refused by pool, failing it", job.ID, owner)
	job.Fail(time.Now(), 0)
	q.saver.Refresh(job)
	q.Release(owner)
}

// Release frees one of the owner's pool slots and admits the next waiting job.
// Lines left without waiting or active jobs are dropped.
func (q *UserQueues) Release(owner string) {
	l := q.lockLine(owner)
	if l.active > 0 {
		l.active--
	}
	l.mu.Unlock()
	q.TryDispatchNext(owner)
	q.prune(owner)
}

// Waiting returns the owner's jobs that have not been released to the pool.
func (q *UserQueues) Waiting(owner string) []*models.Job {
	l, ok := q.lookup(owner)
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*models.Job, len(l.waiting))
	copy(out, l.waiting)
	return out
}

// Active returns how many of the owner's jobs are in the pool.
func (q *UserQueues) Active(owner string) int {
	l, ok := q.lookup(owner)
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Owners returns how many owners currently have a line.
func (q *UserQueues) Owners() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lines)
}

func (q *UserQueues) lookup(owner string) (*line, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lines[owner]
	return l, ok
}

// lockLine returns the owner's live line with its lock held.
func (q *UserQueues) lockLine(owner string) *line {
	for {
		q.mu.Lock()
		l, ok := q.lines[owner]
		if !ok {
			l = &line{}
			q.lines[owner] = l
		}
		q.mu.Unlock()

		l.mu.Lock()
		if !l.dead {
			return l
		}
		l.mu.Unlock()
	}
}

func (q *UserQueues) prune(owner string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lines[owner]
	if !ok {
		return
	}
	l.mu.Lock()
	if len(l.waiting) == 0 && l.active == 0 {
		l.dead = true
		delete(q.lines, owner)
	}
	l.mu.Unlock()
}
