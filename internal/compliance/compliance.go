// Package compliance decides whether a destination may receive a message.
package compliance

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/shohag/smsrelay/internal/failure"
)

type Store interface {
	IsBlacklisted(ctx context.Context, destination string) (bool, error)
	IsOptedOut(ctx context.Context, destination, customerID, category string) (bool, error)
}

type Filter struct {
	store Store
	log   zerolog.Logger
}

func NewFilter(store Store, log zerolog.Logger) *Filter {
	return &Filter{store: store, log: log}
}

// Check returns nil when destination may be messaged, or a *failure.Error
// coded blacklisted or opted_out. destination must already be normalized.
func (f *Filter) Check(ctx context.Context, destination, customerID, category string) error {
	blocked, err := f.store.IsBlacklisted(ctx, destination)
	if err != nil {
		return fmt.Errorf("check blacklist: %w", err)
	}
	if blocked {
		f.log.Warn().Str("destination", destination).Msg("destination is blacklisted")
		return failure.New(failure.CodeBlacklisted, "destination %s is blacklisted", destination)
	}

	optedOut, err := f.store.IsOptedOut(ctx, destination, customerID, category)
	if err != nil {
		return fmt.Errorf("check opt-out: %w", err)
	}
	if optedOut {
		f.log.Warn().
			Str("destination", destination).
			Str("customer_id", customerID).
			Str("category", category).
			Msg("destination opted out")
		return failure.New(failure.CodeOptedOut, "destination %s opted out of %s messages", destination, category)
	}
	return nil
}
