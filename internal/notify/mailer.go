package notify

import (
	"context"

	"go.uber.org/zap"
)

type Message struct {
	UserID  string
	Subject string
	Body    string
	Tags    map[string]string
}

// Mailer delivers customer notifications. Address lookup is the mailer's job.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct{ Log *zap.Logger }

func (m LogMailer) Send(_ context.Context, msg Message) error {
	fields := []zap.Field{
		zap.String("user_id", msg.UserID),
		zap.String("subject", msg.Subject),
		zap.Int("body_bytes", len(msg.Body)),
	}
	for k, v := range msg.Tags {
		fields = append(fields, zap.String(k, v))
	}
	m.Log.Info("mail_sent", fields...)
	return nil
}
