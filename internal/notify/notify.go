package notify

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"compute-queue/internal/models"
)

// Event names carried by notifications.
const (
	EventQueued    = "queued"
	EventStarted   = "started"
	EventCompleted = "completed"
)

// Notifier delivers job lifecycle messages to the job's contact address.
// Calls are best effort; callers log errors and carry on.
type Notifier interface {
	NotifyQueued(ctx context.Context, job *models.Job) error
	NotifyStarted(ctx context.Context, job *models.Job) error
	NotifyCompleted(ctx context.Context, job *models.Job) error
}

// Message is the payload handed to a delivery backend.
type Message struct {
	Event     string     `json:"event"`
	JobID     string     `json:"jobId"`
	Label     string     `json:"label"`
	To        string     `json:"to"`
	Status    string     `json:"status"`
	Failed    bool       `json:"failed"`
	Submitted *time.Time `json:"submitted,omitempty"`
	Link      string     `json:"link,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// NewMessage builds the message for an event. The link is only included once
// the job is retrievable by id.
func NewMessage(event string, job *models.Job, publicURL string) Message {
	v := job.View(true)
	msg := Message{
		Event:     event,
		JobID:     job.ID,
		Label:     job.Label,
		To:        job.NotifyAddress,
		Status:    v.Status,
		Failed:    v.Failed,
		Submitted: v.SubmittedDate,
		CreatedAt: time.Now().UTC(),
	}
	if job.Saved() && publicURL != "" {
		msg.Link = strings.TrimSuffix(publicURL, "/") + "/job/" + job.ID
	}
	return msg
}

// Log only writes notifications to the process log.
type Log struct {
	PublicURL string
}

func (l Log) NotifyQueued(_ context.Context, job *models.Job) error {
	return l.write(NewMessage(EventQueued, job, l.PublicURL))
}

func (l Log) NotifyStarted(_ context.Context, job *models.Job) error {
	return l.write(NewMessage(EventStarted, job, l.PublicURL))
}

func (l Log) NotifyCompleted(_ context.Context, job *models.Job) error {
	return l.write(NewMessage(EventCompleted, job, l.PublicURL))
}

func (l Log) write(msg Message) error {
	log.Printf("notify event=%s job=%s to=%s status=%q", msg.Event, msg.JobID, models.MaskEmail(msg.To), msg.Status)
	return nil
}

// Multi fans a notification out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) NotifyQueued(ctx context.Context, job *models.Job) error {
	return m.each(func(n Notifier) error { return n.NotifyQueued(ctx, job) })
}

func (m Multi) NotifyStarted(ctx context.Context, job *models.Job) error {
	return m.each(func(n Notifier) error { return n.NotifyStarted(ctx, job) })
}

func (m Multi) NotifyCompleted(ctx context.Context, job *models.Job) error {
	return m.each(func(n Notifier) error { return n.NotifyCompleted(ctx, job) })
}

func (m Multi) each(fn func(Notifier) error) error {
	var errs []error
	for _, n := range m {
		if err := fn(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
