package auth

import (
	"context"

	"qazna.org/authcore/internal/obs"
)

// MailKind selects the template the delivery collaborator renders.
type MailKind string

const (
	MailVerification  MailKind = "email_verification"
	MailPasswordReset MailKind = "password_reset"
	MailWelcome       MailKind = "welcome"
)

// Message is handed to the email delivery collaborator.
type Message struct {
	To    string
	Name  string
	Kind  MailKind
	Token string
}

// Mailer delivers account emails.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer records messages in the service log instead of delivering them.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, msg Message) error {
	fields := map[string]any{
		"to":   msg.To,
		"kind": string(msg.Kind),
	}
	if msg.Token != "" {
		fields["token_len"] = len(msg.Token)
	}
	obs.LogEvent("info", "mail queued", fields)
	return nil
}
