package models

import "time"

type Template struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Variant struct {
	Name   string `json:"name"`
	Body   string `json:"body"`
	Weight int    `json:"weight"`
}

// TemplateVersion is immutable once stored.
type TemplateVersion struct {
	ID         string    `json:"id"`
	TemplateID string    `json:"template_id"`
	Version    int       `json:"version"`
	Body       string    `json:"body"`
	Variants   []Variant `json:"variants,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type EngagementScore struct {
	Destination string    `json:"destination"`
	Score       float64   `json:"score"`
	Total       int       `json:"total"`
	Delivered   int       `json:"delivered"`
	BestHour    int       `json:"best_hour"`
	ComputedAt  time.Time `json:"computed_at"`
}
