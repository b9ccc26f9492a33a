package provider

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/shohag/smsrelay/internal/models"
)

// LogAdapter accepts every message and only writes it to the log. It stands
// in for a real provider in development.
type LogAdapter struct {
	log zerolog.Logger
}

func NewLogAdapter(log zerolog.Logger) *LogAdapter {
	return &LogAdapter{log: log}
}

func (a *LogAdapter) Name() string { return "log" }

func (a *LogAdapter) Send(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := models.NewID("logmsg")
	a.log.Info().
		Str("queue_id", req.QueueID).
		Str("destination", req.Destination).
		Str("sender", req.Sender).
		Int("length", len([]rune(req.Message))).
		Str("message_id", id).
		Msg("sms accepted by log provider")
	return &Result{MessageID: id}, nil
}
