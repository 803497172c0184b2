package queue

import (
	"context"

	"rentalhub/pkg/domain"
)

// Sender delivers one moderation e-mail. notify.Mailer satisfies it.
type Sender interface {
	ModerationDecided(ctx context.Context, owner domain.User, l domain.Listing, decision domain.EventType) error
}

// Notifier enqueues moderation decisions for the queue workers instead of
// sending them inline.
type Notifier struct {
	Queue *RedisJobQueue
}

func (n Notifier) ModerationDecided(ctx context.Context, owner domain.User, l domain.Listing, decision domain.EventType) error {
	_, err := n.Queue.Enqueue(ctx, NewNotification(owner, l, decision))
	return err
}

// Deliver returns a job handler that hands each notification to s.
func Deliver(s Sender) Handler {
	return func(ctx context.Context, job JobStatus) error {
		n := job.Notification
		return s.ModerationDecided(ctx, n.Owner(), n.Listing(), n.Decision)
	}
}
