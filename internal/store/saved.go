package store

import (
	"sync"
	"time"

	"compute-queue/internal/models"
)

// SavedJobs is the identity-keyed cache of queued, running and finished jobs.
// Entries leave only through Purge once terminal and past their deadline.
type SavedJobs struct {
	mu        sync.Mutex
	jobs      map[string]*models.Job
	retention time.Duration
	now       func() time.Time
}

// NewSavedJobs creates an empty store with the given retention window.
func NewSavedJobs(retention time.Duration) *SavedJobs {
	return &SavedJobs{
		jobs:      make(map[string]*models.Job),
		retention: retention,
		now:       time.Now,
	}
}

// Save inserts or replaces the job.
func (s *SavedJobs) Save(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.MarkSaved()
	s.jobs[job.ID] = job
}

// Get looks a job up and extends its retention deadline.
func (s *SavedJobs) Get(id string) (*models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	job.KeepUntil(s.now().Add(s.retention))
	return job, true
}

// Refresh restarts the retention window, used when a job finishes.
func (s *SavedJobs) Refresh(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.KeepUntil(s.now().Add(s.retention))
}

// All returns every stored job in no particular order.
func (s *SavedJobs) All() []*models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	return out
}

func (s *SavedJobs) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Purge evicts terminal jobs whose deadline passed and returns how many were removed.
// The scan holds the store lock, so a concurrent Get cannot revive an entry mid-removal.
func (s *SavedJobs) Purge(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if !job.Expired(now) {
			continue
		}
		job.Unsave()
		delete(s.jobs, id)
		removed++
	}
	return removed
}
