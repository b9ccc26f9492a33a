// Package provider keeps the set of configured SMS providers and resolves the
// adapter that talks to each of them.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/shohag/smsrelay/internal/failure"
	"github.com/shohag/smsrelay/internal/models"
	"github.com/shohag/smsrelay/internal/storage"
)

// Request is what an adapter needs to hand one message to its provider.
type Request struct {
	QueueID     string
	Destination string
	Message     string
	Sender      string
	Config      models.ProviderConfig
}

type Result struct {
	MessageID string
}

// Adapter delivers a message to one provider. A nil error means the provider
// accepted the message.
type Adapter interface {
	Name() string
	Send(ctx context.Context, req Request) (*Result, error)
}

type Store interface {
	ListProviders(ctx context.Context, activeOnly bool) ([]models.Provider, error)
	GetProvider(ctx context.Context, id string) (*models.Provider, error)
	SetPrimaryProvider(ctx context.Context, id string) error
}

type Registry struct {
	store Store
	log   zerolog.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter
	limiters map[string]*rate.Limiter
}

func NewRegistry(store Store, log zerolog.Logger, adapters ...Adapter) *Registry {
	r := &Registry{
		store:    store,
		log:      log,
		adapters: make(map[string]Adapter),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register makes a available under a.Name(), replacing any previous adapter
// with that name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Name()] = a
	r.mu.Unlock()
}

func (r *Registry) Adapters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

func (r *Registry) ActiveProviders(ctx context.Context) ([]models.Provider, error) {
	return r.store.ListProviders(ctx, true)
}

func (r *Registry) PrimaryProvider(ctx context.Context) (*models.Provider, error) {
	providers, err := r.store.ListProviders(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	for i := range providers {
		if providers[i].Primary {
			return &providers[i], nil
		}
	}
	return nil, failure.New(failure.CodeNoProvider, "no active primary provider configured")
}

// Resolve returns the provider with the given id, or the primary provider
// when id is empty.
func (r *Registry) Resolve(ctx context.Context, id string) (*models.Provider, error) {
	if id == "" {
		return r.PrimaryProvider(ctx)
	}
	p, err := r.store.GetProvider(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, failure.New(failure.CodeUnknownProvider, "provider %s does not exist", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	if !p.Active {
		return nil, failure.New(failure.CodeNoProvider, "provider %s is not active", p.Name)
	}
	return p, nil
}

func (r *Registry) SetPrimary(ctx context.Context, id string) error {
	err := r.store.SetPrimaryProvider(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return failure.New(failure.CodeUnknownProvider, "provider %s does not exist", id)
	}
	if err != nil {
		return err
	}
	r.log.Info().Str("provider_id", id).Msg("primary provider changed")
	return nil
}

// AdapterFor resolves the adapter registered for p. A provider whose adapter
// is not registered is a configuration error.
func (r *Registry) AdapterFor(p *models.Provider) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[p.AdapterName()]
	r.mu.RUnlock()
	if !ok {
		return nil, failure.New(failure.CodeUnknownProvider, "no adapter registered for %q", p.AdapterName())
	}
	if p.Config.RateLimit > 0 {
		return &limitedAdapter{Adapter: a, limiter: r.limiter(p.ID, p.Config.RateLimit)}, nil
	}
	return a, nil
}

func (r *Registry) limiter(providerID string, perSecond float64) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[providerID]
	if !ok || l.Limit() != rate.Limit(perSecond) {
		l = rate.NewLimiter(rate.Limit(perSecond), 1)
		r.limiters[providerID] = l
	}
	return l
}

// limitedAdapter holds each send until the provider's rate allows it.
type limitedAdapter struct {
	Adapter
	limiter *rate.Limiter
}

func (l *limitedAdapter) Send(ctx context.Context, req Request) (*Result, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return l.Adapter.Send(ctx, req)
}
