package models

// State enumerates the lifecycle of a job.
type State string

const (
	StateCreated   State = "created"
	StateQueued    State = "queued"
	StateAdmitted  State = "admitted"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) String() string {
	return string(s)
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Status texts shown to users alongside the state.
const (
	StatusPending          = "Pending"
	StatusProcessing       = "Processing"
	StatusValidationFailed = "Validation Failed"
)

type transition struct {
	from State
	to   State
}

var validTransitions = []transition{
	{from: StateCreated, to: StateQueued},
	{from: StateCreated, to: StateFailed},
	{from: StateQueued, to: StateAdmitted},
	{from: StateAdmitted, to: StateRunning},
	{from: StateRunning, to: StateCompleted},
	{from: StateRunning, to: StateFailed},
	// Shutdown or a panic before start still ends the job.
	{from: StateAdmitted, to: StateFailed},
	// The pool refused a job released from its owner's line.
	{from: StateQueued, to: StateFailed},
}

// IsValidTransition reports whether a job may move from one state to another.
func IsValidTransition(from, to State) bool {
	for _, t := range validTransitions {
		if t.from == from && t.to == to {
			return true
		}
	}
	return false
}
