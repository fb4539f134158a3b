package models

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const defaultLabel = "unnamed"

// Inputs are the user supplied payloads. They never change after creation.
type Inputs struct {
	Primary       string
	Secondary     string
	AuxiliarySpec string
}

// Result holds the two output artifacts of a completed job.
type Result struct {
	Primary   string
	Secondary string
}

// Submission is what a front end hands over to create a job.
type Submission struct {
	OwnerID       string
	Label         string
	NotifyAddress string
	Hidden        bool
	Inputs        Inputs
}

// Job is one compute request and its lifecycle record.
//
// Identity, ownership and inputs are immutable and read without locking.
// Lifecycle fields are guarded by the job's own mutex, which is always the
// innermost lock: callers may hold a queue or store lock while touching a
// job, never the other way around.
type Job struct {
	ID            string
	OwnerID       string
	Label         string
	Hidden        bool
	NotifyAddress string
	Inputs        Inputs
	// Dir is the staging directory for inputs and outputs.
	Dir string

	mu               sync.RWMutex
	state            State
	status           string
	position         *int
	submittedAt      *time.Time
	startedAt        *time.Time
	finishedAt       *time.Time
	executionSeconds int64
	result           *Result
	saved            bool
	savedUntil       *time.Time
	done             chan struct{}
}

// NewJob builds a job in the Created state.
func NewJob(id, dir string, sub Submission) *Job {
	label := strings.TrimSpace(sub.Label)
	if label == "" {
		label = defaultLabel
	}
	return &Job{
		ID:            id,
		OwnerID:       sub.OwnerID,
		Label:         label,
		Hidden:        sub.Hidden,
		NotifyAddress: strings.TrimSpace(sub.NotifyAddress),
		Inputs:        sub.Inputs,
		Dir:           dir,
		state:         StateCreated,
		done:          make(chan struct{}),
	}
}

// Validate requires all three inputs to be non-blank.
func (j *Job) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(j.Inputs.Primary) == "" {
		verr.Add(errors.New("primary input is required"))
	}
	if strings.TrimSpace(j.Inputs.Secondary) == "" {
		verr.Add(errors.New("secondary input is required"))
	}
	if strings.TrimSpace(j.Inputs.AuxiliarySpec) == "" {
		verr.Add(errors.New("auxiliary spec is required"))
	}
	if verr.HasError() {
		return verr
	}
	return nil
}

func (j *Job) State() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

func (j *Job) Status() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Position returns the waiting rank, or nil when the job is not waiting in the pool.
func (j *Job) Position() *int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return copyInt(j.position)
}

func (j *Job) SubmittedAt() *time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return copyTime(j.submittedAt)
}

func (j *Job) FinishedAt() *time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return copyTime(j.finishedAt)
}

func (j *Job) ExecutionSeconds() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.executionSeconds
}

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Result returns the output artifacts, present only for completed jobs.
func (j *Job) Result() (Result, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.state != StateCompleted || j.result == nil {
		return Result{}, false
	}
	return *j.result, true
}

// FailValidation ends a job that never entered any queue.
func (j *Job) FailValidation(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.moveLocked(StateFailed) {
		return false
	}
	j.status = StatusValidationFailed
	j.finishedAt = &now
	j.finishLocked()
	return true
}

// MarkQueued places the job in its owner's waiting line.
func (j *Job) MarkQueued() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.moveLocked(StateQueued) {
		return false
	}
	j.status = StatusPending
	j.position = nil
	return true
}

// Admit records hand-off to the worker pool at the given waiting rank.
func (j *Job) Admit(now time.Time, position int) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.moveLocked(StateAdmitted) {
		return false
	}
	j.submittedAt = &now
	j.setPositionLocked(position)
	return true
}

// SetPosition refreshes the waiting rank of an admitted job.
func (j *Job) SetPosition(position int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateAdmitted {
		return
	}
	j.setPositionLocked(position)
}

// Start marks the job as occupying a pool slot.
func (j *Job) Start(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.moveLocked(StateRunning) {
		return false
	}
	j.position = nil
	j.status = StatusProcessing
	j.startedAt = &now
	return true
}

// Complete publishes the result together with the terminal state.
func (j *Job) Complete(now time.Time, elapsed time.Duration, result Result) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.moveLocked(StateCompleted) {
		return false
	}
	j.executionSeconds = int64(elapsed / time.Second)
	j.result = &result
	j.finishedAt = &now
	j.status = fmt.Sprintf("Completed in %ds", j.executionSeconds)
	j.finishLocked()
	return true
}

// Fail ends a job that has not finished yet with an empty result.
func (j *Job) Fail(now time.Time, elapsed time.Duration) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.moveLocked(StateFailed) {
		return false
	}
	j.executionSeconds = int64(elapsed / time.Second)
	j.result = &Result{}
	j.finishedAt = &now
	j.status = fmt.Sprintf("Failed after %ds", j.executionSeconds)
	j.finishLocked()
	return true
}

// MarkSaved flags the job as present in the saved job store.
func (j *Job) MarkSaved() {
	j.mu.Lock()
	j.saved = true
	j.mu.Unlock()
}

func (j *Job) Saved() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.saved
}

// KeepUntil sets the retention deadline.
func (j *Job) KeepUntil(t time.Time) {
	j.mu.Lock()
	j.savedUntil = &t
	j.mu.Unlock()
}

func (j *Job) SavedUntil() *time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return copyTime(j.savedUntil)
}

// Expired reports whether the job is terminal and past its retention deadline.
func (j *Job) Expired(now time.Time) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state.Terminal() && j.savedUntil != nil && now.After(*j.savedUntil)
}

// Unsave clears retention bookkeeping before removal from the store.
func (j *Job) Unsave() {
	j.mu.Lock()
	j.saved = false
	j.savedUntil = nil
	j.mu.Unlock()
}

func (j *Job) moveLocked(to State) bool {
	if !IsValidTransition(j.state, to) {
		return false
	}
	j.state = to
	return true
}

func (j *Job) setPositionLocked(position int) {
	p := position
	j.position = &p
	j.status = fmt.Sprintf("Position: %d", position)
}

func (j *Job) finishLocked() {
	j.position = nil
	close(j.done)
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
