package models

import (
	"regexp"
	"time"
)

// View is the externally visible shape of a job. Failed and completed jobs
// share it; failed ones simply report Failed with no result.
type View struct {
	JobID            string     `json:"jobId"`
	Label            string     `json:"label"`
	State            State      `json:"state"`
	Status           string     `json:"status"`
	Running          bool       `json:"running"`
	Failed           bool       `json:"failed"`
	Complete         bool       `json:"complete"`
	Position         *int       `json:"position"`
	Email            string     `json:"email"`
	Hidden           bool       `json:"hidden"`
	SubmittedDate    *time.Time `json:"submittedDate"`
	StartedDate      *time.Time `json:"startedDate"`
	FinishedDate     *time.Time `json:"finishedDate"`
	AuxiliarySpec    string     `json:"auxiliarySpec"`
	ExecutionSeconds int64      `json:"executionTime"`
	SavedUntil       *time.Time `json:"savedUntil,omitempty"`
}

// View snapshots the job. The notify address is masked unless reveal is set.
func (j *Job) View(reveal bool) View {
	j.mu.RLock()
	defer j.mu.RUnlock()
	email := j.NotifyAddress
	if !reveal {
		email = MaskEmail(email)
	}
	return View{
		JobID:            j.ID,
		Label:            j.Label,
		State:            j.state,
		Status:           j.status,
		Running:          j.state == StateRunning,
		Failed:           j.state == StateFailed,
		Complete:         j.state.Terminal(),
		Position:         copyInt(j.position),
		Email:            email,
		Hidden:           j.Hidden,
		SubmittedDate:    copyTime(j.submittedAt),
		StartedDate:      copyTime(j.startedAt),
		FinishedDate:     copyTime(j.finishedAt),
		AuxiliarySpec:    j.Inputs.AuxiliarySpec,
		ExecutionSeconds: j.executionSeconds,
		SavedUntil:       copyTime(j.savedUntil),
	}
}

var emailPattern = regexp.MustCompile(`(\w{0,3})(\w+.*)(@.*)`)

// MaskEmail keeps up to three leading characters and the domain.
func MaskEmail(email string) string {
	return emailPattern.ReplaceAllString(email, "$1****$3")
}

// Record is the persisted field set of a finished job. Contact address and
// queue position are deliberately absent; they never survive a restart.
type Record struct {
	JobID            string     `json:"jobId"`
	OwnerID          string     `json:"ownerId"`
	Label            string     `json:"label"`
	Hidden           bool       `json:"hidden"`
	AuxiliarySpec    string     `json:"auxiliarySpec"`
	State            State      `json:"state"`
	Status           string     `json:"status"`
	SubmittedAt      *time.Time `json:"submittedAt,omitempty"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
	ExecutionSeconds int64      `json:"executionSeconds"`
}

// Record extracts the persisted fields.
func (j *Job) Record() Record {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return Record{
		JobID:            j.ID,
		OwnerID:          j.OwnerID,
		Label:            j.Label,
		Hidden:           j.Hidden,
		AuxiliarySpec:    j.Inputs.AuxiliarySpec,
		State:            j.state,
		Status:           j.status,
		SubmittedAt:      copyTime(j.submittedAt),
		StartedAt:        copyTime(j.startedAt),
		FinishedAt:       copyTime(j.finishedAt),
		ExecutionSeconds: j.executionSeconds,
	}
}

// Restore rebuilds a finished job from its record and artifacts.
func Restore(rec Record, dir string, primary, secondary string, result Result, savedUntil time.Time) *Job {
	j := &Job{
		ID:      rec.JobID,
		OwnerID: rec.OwnerID,
		Label:   rec.Label,
		Hidden:  rec.Hidden,
		Inputs: Inputs{
			Primary:       primary,
			Secondary:     secondary,
			AuxiliarySpec: rec.AuxiliarySpec,
		},
		Dir:              dir,
		state:            rec.State,
		status:           rec.Status,
		submittedAt:      copyTime(rec.SubmittedAt),
		startedAt:        copyTime(rec.StartedAt),
		finishedAt:       copyTime(rec.FinishedAt),
		executionSeconds: rec.ExecutionSeconds,
		result:           &result,
		savedUntil:       &savedUntil,
		done:             make(chan struct{}),
	}
	if j.state.Terminal() {
		close(j.done)
	}
	return j
}
