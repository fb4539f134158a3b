package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"compute-queue/internal/config"
	"compute-queue/internal/models"
	"compute-queue/internal/notify"
	"compute-queue/internal/queue"
	"compute-queue/internal/store"
	"compute-queue/internal/telemetry"
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrResultNotReady = errors.New("result not available yet")
	ErrJobFailed      = errors.New("job failed")
)

const (
	StatusNotFound = "Job Not Found"
	// MessageTooManyJobs is returned to owners whose waiting line is full.
	MessageTooManyJobs = "Too many jobs in queue. Please wait for some of your jobs to finish before submitting more."
	// MessageShuttingDown is returned once the worker pool stopped.
	MessageShuttingDown = "Server shutting down"

	notifyTimeout = 5 * time.Second
	noticeBacklog = 256
)

// Manager is the entry point for submitting and querying jobs. It wires the
// per-owner queues, the shared worker pool and the saved job store together.
type Manager struct {
	cfg        config.Config
	saved      *store.SavedJobs
	queues     *queue.UserQueues
	dispatcher *queue.Dispatcher
	sweeper    *store.Sweeper
	notifier   notify.Notifier
	snapshots  store.SnapshotStore
	notices    chan notice
	now        func() time.Time
}

type notice struct {
	event string
	job   *models.Job
}

// New builds a manager around exec. notifier and snapshots may be nil.
func New(cfg config.Config, exec queue.Executor, notifier notify.Notifier, snapshots store.SnapshotStore) *Manager {
	m := &Manager{
		cfg:       cfg,
		saved:     store.NewSavedJobs(cfg.PurgeAfter),
		notifier:  notifier,
		snapshots: snapshots,
		notices:   make(chan notice, noticeBacklog),
		now:       time.Now,
	}
	m.dispatcher = queue.NewDispatcher(cfg.ConcurrentJobs, exec, queue.Hooks{
		OnStart:    m.onStart,
		OnComplete: m.onComplete,
	})
	m.queues = queue.NewUserQueues(cfg.UserJobLimit, cfg.UserProcessLimit, m.dispatcher, queueSaver{m})
	if cfg.PurgeSavedJobs {
		m.sweeper = store.NewSweeper(m.saved, cfg.PurgeInterval)
	}
	return m
}

// queueSaver stores jobs on behalf of the user queues.
type queueSaver struct{ m *Manager }

func (s queueSaver) Save(job *models.Job) { s.m.onQueued(job) }

func (s queueSaver) Refresh(job *models.Job) { s.m.saved.Refresh(job) }

// Run executes jobs until ctx is cancelled. In-flight executions are
// cancelled with ctx and awaited before Run returns, and so are the
// notifications they produced. Run must be called once.
func (m *Manager) Run(ctx context.Context) error {
	if m.sweeper != nil {
		m.sweeper.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			m.sweeper.Stop(stopCtx)
		}()
	}
	stop := make(chan struct{})
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		m.sendNotices(stop)
	}()
	defer func() {
		close(stop)
		<-sent
	}()

	err := m.dispatcher.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// CreateJob builds a new job with a fresh id and staging directory.
func (m *Manager) CreateJob(sub models.Submission) *models.Job {
	id := uuid.NewString()
	return models.NewJob(id, filepath.Join(m.cfg.JobsDirectory, id), sub)
}

// Submit validates and queues the job. It returns an empty string on success,
// otherwise the reason the job was turned away.
func (m *Manager) Submit(job *models.Job) string {
	if m.dispatcher.Closed() {
		telemetry.JobsRejected.WithLabelValues("shutdown").Inc()
		log.Printf("job %s owner=%s rejected: server shutting down", job.ID, job.OwnerID)
		return MessageShuttingDown
	}
	if err := job.Validate(); err != nil {
		job.FailValidation(m.now())
		telemetry.JobsRejected.WithLabelValues("validation").Inc()
		log.Printf("job %s owner=%s rejected: %v", job.ID, job.OwnerID, err)
		return models.StatusValidationFailed
	}
	if err := m.queues.Enqueue(job); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			telemetry.JobsRejected.WithLabelValues("queue_full").Inc()
			return MessageTooManyJobs
		}
		telemetry.JobsRejected.WithLabelValues("invalid").Inc()
		log.Printf("job %s owner=%s not queued: %v", job.ID, job.OwnerID, err)
		return err.Error()
	}
	telemetry.JobsSubmitted.Inc()
	return ""
}

// GetJob returns the masked view of a job and extends its retention.
func (m *Manager) GetJob(id string) (models.View, error) {
	job, ok := m.lookup(id)
	if !ok {
		return models.View{}, ErrNotFound
	}
	return job.View(false), nil
}

// Status returns the status text, or StatusNotFound.
func (m *Manager) Status(id string) string {
	job, ok := m.lookup(id)
	if !ok {
		return StatusNotFound
	}
	return job.Status()
}

// ListPublicJobs lists every non-hidden job known to the pool or the store:
// waiting jobs by position first, then the most recently submitted.
func (m *Manager) ListPublicJobs() []models.View {
	seen := make(map[string]struct{})
	var views []models.View
	add := func(jobs []*models.Job) {
		for _, job := range jobs {
			if _, dup := seen[job.ID]; dup || job.Hidden {
				continue
			}
			seen[job.ID] = struct{}{}
			views = append(views, job.View(false))
		}
	}
	add(m.dispatcher.Jobs())
	add(m.saved.All())
	sortViews(views)
	return views
}

func sortViews(views []models.View) {
	sort.SliceStable(views, func(i, k int) bool {
		a, b := views[i], views[k]
		if c := compareNullsLast(a.Position, b.Position, func(x, y int) int { return x - y }); c != 0 {
			return c < 0
		}
		if c := compareNullsLast(a.SubmittedDate, b.SubmittedDate, func(x, y time.Time) int { return y.Compare(x) }); c != 0 {
			return c < 0
		}
		return a.Status < b.Status
	})
}

func compareNullsLast[T any](a, b *T, cmp func(x, y T) int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return cmp(*a, *b)
}

// PrimaryResult returns the primary output of a completed job.
func (m *Manager) PrimaryResult(ctx context.Context, id string) (string, error) {
	res, err := m.result(ctx, id)
	return res.Primary, err
}

// SecondaryResult returns the secondary output of a completed job.
func (m *Manager) SecondaryResult(ctx context.Context, id string) (string, error) {
	res, err := m.result(ctx, id)
	return res.Secondary, err
}

// Lookup returns the job itself, for callers that need more than the view.
func (m *Manager) Lookup(id string) (*models.Job, bool) {
	return m.lookup(id)
}

// result waits at most ResultWait for a running job to publish its outputs.
func (m *Manager) result(ctx context.Context, id string) (models.Result, error) {
	job, ok := m.lookup(id)
	if !ok {
		return models.Result{}, ErrNotFound
	}
	if job.State() == models.StateRunning && m.cfg.ResultWait > 0 {
		timer := time.NewTimer(m.cfg.ResultWait)
		select {
		case <-job.Done():
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}
	switch job.State() {
	case models.StateCompleted:
		res, _ := job.Result()
		return res, nil
	case models.StateFailed:
		return models.Result{}, ErrJobFailed
	default:
		return models.Result{}, ErrResultNotReady
	}
}

func (m *Manager) lookup(id string) (*models.Job, bool) {
	if job, ok := m.saved.Get(id); ok {
		return job, true
	}
	for _, job := range m.dispatcher.Jobs() {
		if job.ID == id {
			return job, true
		}
	}
	return nil, false
}

// Recover reloads finished jobs from their snapshots into the saved store
// with a fresh retention window. Unreadable snapshots are skipped.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	if !m.cfg.LoadJobsFromDisk || m.snapshots == nil {
		return 0, nil
	}
	snaps, loadErr := m.snapshots.Load(ctx)
	if loadErr != nil {
		log.Printf("snapshot recovery incomplete: %v", loadErr)
	}
	savedUntil := m.now().Add(m.cfg.PurgeAfter)
	restored := 0
	for _, snap := range snaps {
		job, err := restore(snap, savedUntil)
		if err != nil {
			log.Printf("skip snapshot job=%s: %v", snap.Job.JobID, err)
			continue
		}
		m.saved.Save(job)
		restored++
	}
	telemetry.JobsRestored.Add(float64(restored))
	telemetry.SavedJobsGauge.Set(float64(m.saved.Len()))
	log.Printf("restored %d jobs from snapshots", restored)
	if loadErr != nil {
		return restored, fmt.Errorf("load snapshots: %w", loadErr)
	}
	return restored, nil
}

func restore(snap store.Snapshot, savedUntil time.Time) (*models.Job, error) {
	if err := snap.Check(); err != nil {
		return nil, err
	}
	art := snap.Artifacts
	primary, err := readArtifact(art, art.PrimaryInput)
	if err != nil {
		return nil, err
	}
	secondary, err := readArtifact(art, art.SecondaryInput)
	if err != nil {
		return nil, err
	}
	var result models.Result
	if snap.Job.State == models.StateCompleted {
		if result.Primary, err = readArtifact(art, art.PrimaryOutput); err != nil {
			return nil, err
		}
		if result.Secondary, err = readArtifact(art, art.SecondaryOutput); err != nil {
			return nil, err
		}
	}
	return models.Restore(snap.Job, art.Dir, primary, secondary, result, savedUntil), nil
}

func readArtifact(art store.Artifacts, name string) (string, error) {
	if name == "" {
		return "", nil
	}
	data, err := os.ReadFile(art.Path(name))
	if err != nil {
		return "", fmt.Errorf("read artifact %s: %w", name, err)
	}
	return string(data), nil
}

func (m *Manager) onQueued(job *models.Job) {
	m.saved.Save(job)
	telemetry.SavedJobsGauge.Set(float64(m.saved.Len()))
	if m.cfg.NotifyOnSubmit {
		m.notify(notify.EventQueued, job)
	}
}

func (m *Manager) onStart(job *models.Job) {
	if m.cfg.NotifyOnStart {
		m.notify(notify.EventStarted, job)
	}
}

func (m *Manager) onComplete(job *models.Job) {
	m.saved.Refresh(job)
	m.queues.Release(job.OwnerID)
	if m.cfg.NotifyOnComplete {
		m.notify(notify.EventCompleted, job)
	}
}

// notify hands the event to the sender started by Run. It never blocks:
// when the backlog is full the notification is dropped. Jobs without a
// contact address are skipped.
func (m *Manager) notify(event string, job *models.Job) {
	if m.notifier == nil || job.NotifyAddress == "" {
		return
	}
	select {
	case m.notices <- notice{event: event, job: job}:
	default:
		telemetry.NotificationFailures.WithLabelValues(event).Inc()
		log.Printf("notify %s job=%s: backlog full, dropped", event, job.ID)
	}
}

// sendNotices delivers notifications one at a time so a job's events arrive
// in order. Once stop is closed the backlog is flushed and it returns.
func (m *Manager) sendNotices(stop <-chan struct{}) {
	for {
		select {
		case n := <-m.notices:
			m.deliver(n)
		case <-stop:
			for {
				select {
				case n := <-m.notices:
					m.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) deliver(n notice) {
	event, job := n.event, n.job
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	var err error
	switch event {
	case notify.EventQueued:
		err = m.notifier.NotifyQueued(ctx, job)
	case notify.EventStarted:
		err = m.notifier.NotifyStarted(ctx, job)
	case notify.EventCompleted:
		err = m.notifier.NotifyCompleted(ctx, job)
	}
	if err != nil {
		telemetry.NotificationFailures.WithLabelValues(event).Inc()
		log.Printf("notify %s job=%s: %v", event, job.ID, err)
	}
}
