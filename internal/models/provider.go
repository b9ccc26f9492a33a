package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProviderConfig is the typed form of a provider's adapter settings.
// Adapters read only the fields they understand.
type ProviderConfig struct {
	Endpoint   string            `json:"endpoint,omitempty"`
	APIKey     string            `json:"api_key,omitempty"`
	Secret     string            `json:"secret,omitempty"`
	Exchange   string            `json:"exchange,omitempty"`
	RoutingKey string            `json:"routing_key,omitempty"`
	RateLimit  float64           `json:"rate_limit,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

type Provider struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Adapter        string          `json:"adapter"`
	Active         bool            `json:"active"`
	Primary        bool            `json:"primary"`
	CostPerSegment decimal.Decimal `json:"cost_per_segment"`
	DefaultSender  string          `json:"default_sender"`
	Config         ProviderConfig  `json:"config"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AdapterName is the registry key used to resolve the provider's adapter.
func (p *Provider) AdapterName() string {
	if p.Adapter != "" {
		return p.Adapter
	}
	return p.Name
}
