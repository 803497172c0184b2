// Package notify e-mails listing owners about moderation decisions.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"
	"rentalhub/pkg/domain"
)

// Notifier delivers a moderation decision to the listing owner.
type Notifier interface {
	ModerationDecided(ctx context.Context, owner domain.User, l domain.Listing, decision domain.EventType) error
}

// Nop discards notifications. Used when SMTP is not configured.
type Nop struct{}

func (Nop) ModerationDecided(context.Context, domain.User, domain.Listing, domain.EventType) error {
	return nil
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Mailer sends plain-text e-mails through SMTP.
type Mailer struct {
	from   string
	sender sender
}

func NewMailer(cfg SMTPConfig) (*Mailer, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	from := strings.TrimSpace(cfg.From)
	if from == "" {
		from = cfg.Username
	}
	if from == "" {
		return nil, errors.New("smtp from address required")
	}
	return &Mailer{
		from:   from,
		sender: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}, nil
}

func (m *Mailer) ModerationDecided(ctx context.Context, owner domain.User, l domain.Listing, decision domain.EventType) error {
	if strings.TrimSpace(owner.Email) == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	subject, body, err := compose(owner, l, decision)
	if err != nil {
		return err
	}
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", owner.Email)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)
	if err := m.sender.DialAndSend(msg); err != nil {
		return fmt.Errorf("send moderation mail: %w", err)
	}
	return nil
}

func compose(owner domain.User, l domain.Listing, decision domain.EventType) (string, string, error) {
	name := owner.Username
	if name == "" {
		name = "there"
	}
	switch decision {
	case domain.EventApproved:
		return "Your listing is live",
			fmt.Sprintf("Hi %s,\n\nYour listing %q has been approved and is now visible to everyone.\n", name, l.Title), nil
	case domain.EventRejected:
		return "Your listing was not approved",
			fmt.Sprintf("Hi %s,\n\nYour listing %q was reviewed and rejected. It is not visible in public listings.\n", name, l.Title), nil
	default:
		return "", "", fmt.Errorf("no template for %s", decision)
	}
}
