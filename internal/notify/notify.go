// Package notify delivers run notifications to chat services.
package notify

import (
	"context"
	"fmt"
	"time"

	"capsule-go/internal/capsule"
	"capsule-go/internal/scheduler"
)

// Level is the kind of event a message reports.
type Level int

const (
	LevelStart Level = iota
	LevelSuccess
	LevelFailure
)

func (l Level) String() string {
	switch l {
	case LevelStart:
		return "start"
	case LevelSuccess:
		return "success"
	case LevelFailure:
		return "failure"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Field is a name/value line of a message.
type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Message is one notification.
type Message struct {
	Title       string
	Description string
	Level       Level
	Fields      []Field
	Time        time.Time
}

// Notifier delivers messages.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// RunMessage describes a finished backup run.
func RunMessage(r *capsule.RunResult) Message {
	msg := Message{
		Time: r.FinishedAt,
		Fields: []Field{
			{Name: "Refreshed", Value: fmt.Sprint(r.Refreshed), Inline: true},
			{Name: "Skipped", Value: fmt.Sprint(r.Skipped + r.Touched), Inline: true},
			{Name: "Attachments", Value: fmt.Sprint(r.AttachmentsFetched), Inline: true},
			{Name: "Duration", Value: fmt.Sprintf("%.1fs", r.Duration().Seconds()), Inline: true},
		},
	}
	switch r.Outcome {
	case capsule.OutcomeSuccess, capsule.OutcomeNoWork:
		msg.Title = "Backup Complete"
		msg.Description = "Workspace backup completed successfully."
		msg.Level = LevelSuccess
	default:
		msg.Title = "Backup Failed"
		if r.Outcome == capsule.OutcomePartial {
			msg.Title = "Backup Completed With Errors"
		}
		msg.Description = fmt.Sprintf("Workspace backup finished as %s.", r.Outcome)
		msg.Level = LevelFailure
		msg.Fields = append(msg.Fields, Field{Name: "Errors", Value: failureSummary(r.Failures)})
	}
	return msg
}

func failureSummary(failures []capsule.Failure) string {
	if len(failures) == 0 {
		return "cancelled"
	}
	first := failures[0].Message
	if len(failures) == 1 {
		return first
	}
	return fmt.Sprintf("%s\n... and %d more", first, len(failures)-1)
}

// JobNotifier reports scheduler events as messages.
type JobNotifier struct {
	n      Notifier
	logger capsule.Logger
}

// NewJobNotifier adapts n to scheduler.Notifier.
func NewJobNotifier(n Notifier, logger capsule.Logger) *JobNotifier {
	return &JobNotifier{n: n, logger: logger}
}

func (j *JobNotifier) JobStarted(job string, at time.Time) {
	j.send(Message{
		Title:       "Job Started: " + job,
		Description: fmt.Sprintf("Scheduled %s job has started.", job),
		Level:       LevelStart,
		Time:        at,
	})
}

func (j *JobNotifier) JobFinished(r scheduler.JobResult) {
	msg := Message{
		Title: "Job Complete: " + r.Job,
		Level: LevelSuccess,
		Time:  r.FinishedAt,
		Fields: []Field{
			{Name: "Duration", Value: r.FinishedAt.Sub(r.StartedAt).Round(100 * time.Millisecond).String(), Inline: true},
		},
	}
	msg.Description = r.Summary
	if r.Err != nil {
		msg.Title = "Job Failed: " + r.Job
		if r.Partial {
			msg.Title = "Job Completed With Errors: " + r.Job
		}
		msg.Level = LevelFailure
		msg.Fields = append(msg.Fields, Field{Name: "Error", Value: r.Err.Error()})
	}
	j.send(msg)
}

func (j *JobNotifier) send(msg Message) {
	if err := j.n.Send(context.Background(), msg); err != nil {
		j.logger.Warn("notification not sent", "title", msg.Title, "error", err)
	}
}

var _ scheduler.Notifier = (*JobNotifier)(nil)
