package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogChannel writes alerts to the service log. It never fails and is the
// fallback when no other channel is configured.
type LogChannel struct {
	logger zerolog.Logger
}

func NewLogChannel(logger zerolog.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(_ context.Context, msg Message) error {
	ev := l.logger.Warn().
		Str("alert_id", msg.ID).
		Str("priority", msg.Priority).
		Str("subject", msg.Subject)
	for k, v := range msg.Attributes {
		ev = ev.Str(k, v)
	}
	ev.Msg(msg.Body)
	return nil
}
