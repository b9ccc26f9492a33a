// Package template turns stored, versioned message templates into message
// bodies and recommends send times from a destination's delivery history.
package template

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"github.com/shohag/smsrelay/internal/cost"
	"github.com/shohag/smsrelay/internal/failure"
	"github.com/shohag/smsrelay/internal/models"
	"github.com/shohag/smsrelay/internal/storage"
)

var placeholder = regexp.MustCompile(`\{([^{}]+)\}`)

type Store interface {
	GetTemplateByCode(ctx context.Context, code string) (*models.Template, error)
	LatestTemplateVersion(ctx context.Context, templateID string) (*models.TemplateVersion, error)
	GetEngagementScore(ctx context.Context, destination string) (*models.EngagementScore, error)
	SaveEngagementScore(ctx context.Context, s *models.EngagementScore) error
	ListHistoryByDestination(ctx context.Context, destination string, limit int) ([]models.HistoryRecord, error)
}

// CustomerLookup supplies per-customer variables such as a first name.
// It is optional.
type CustomerLookup interface {
	Variables(ctx context.Context, customerID string) (map[string]any, error)
}

type Options struct {
	// DefaultHour is the local send hour used without history. It is taken
	// as given, so 0 means midnight; out-of-range values fall back to 10.
	DefaultHour   int
	HistoryWindow int
	ScoreTTL      time.Duration
}

type Engine struct {
	store     Store
	customers CustomerLookup
	opts      Options
	log       zerolog.Logger
	now       func() time.Time
}

// New builds an Engine. customers may be nil.
func New(store Store, customers CustomerLookup, opts Options, log zerolog.Logger) *Engine {
	if opts.DefaultHour < 0 || opts.DefaultHour > 23 {
		opts.DefaultHour = 10
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 500
	}
	if opts.ScoreTTL <= 0 {
		opts.ScoreTTL = 24 * time.Hour
	}
	return &Engine{store: store, customers: customers, opts: opts, log: log, now: time.Now}
}

type ResolveRequest struct {
	Code        string
	Destination string
	CustomerID  string
	Variables   map[string]any
	// Variant forces a named variant instead of the hashed choice.
	Variant string
}

type Rendered struct {
	TemplateID string
	Code       string
	Category   string
	Version    int
	Variant    string
	Body       string
	Variables  map[string]string
}

// Estimate prices the rendered body at perSegment.
func (r *Rendered) Estimate(perSegment decimal.Decimal) cost.Estimate {
	return cost.Calculate(r.Body, perSegment)
}

// Resolve renders the latest version of the template. Unknown placeholders
// are left in the body as written.
func (e *Engine) Resolve(ctx context.Context, req ResolveRequest) (*Rendered, error) {
	tpl, err := e.store.GetTemplateByCode(ctx, req.Code)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, failure.New(failure.CodeTemplateMissing, "template %q does not exist", req.Code)
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	if !tpl.Active {
		return nil, failure.New(failure.CodeTemplateMissing, "template %q is not active", req.Code)
	}

	version, err := e.store.LatestTemplateVersion(ctx, tpl.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, failure.New(failure.CodeTemplateMissing, "template %q has no versions", req.Code)
	}
	if err != nil {
		return nil, fmt.Errorf("get template version: %w", err)
	}

	variant, body := pickVariant(version, req.Destination, req.Variant)
	vars := Stringify(req.Variables)
	return &Rendered{
		TemplateID: tpl.ID,
		Code:       tpl.Code,
		Category:   tpl.Category,
		Version:    version.Version,
		Variant:    variant,
		Body:       Substitute(body, vars),
		Variables:  vars,
	}, nil
}

// Personalize resolves the template with the customer's variables merged
// under the caller's. Without a customer id or lookup it is Resolve.
func (e *Engine) Personalize(ctx context.Context, req ResolveRequest) (*Rendered, error) {
	if req.CustomerID == "" || e.customers == nil {
		return e.Resolve(ctx, req)
	}

	merged := make(map[string]any)
	extra, err := e.customers.Variables(ctx, req.CustomerID)
	if err != nil {
		e.log.Warn().Err(err).Str("customer_id", req.CustomerID).Msg("customer lookup failed, sending without customer variables")
	}
	for k, v := range extra {
		merged[k] = v
	}
	for k, v := range req.Variables {
		merged[k] = v
	}
	req.Variables = merged
	return e.Resolve(ctx, req)
}

// Substitute replaces every {key} that has a value in vars.
func Substitute(body string, vars map[string]string) string {
	if len(vars) == 0 {
		return body
	}
	return placeholder.ReplaceAllStringFunc(body, func(tok string) string {
		if v, ok := vars[tok[1:len(tok)-1]]; ok {
			return v
		}
		return tok
	})
}

// Stringify renders variable values the way they are substituted.
func Stringify(vars map[string]any) map[string]string {
	if len(vars) == 0 {
		return nil
	}
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		s, err := cast.ToStringE(v)
		if err != nil {
			s = fmt.Sprint(v)
		}
		out[k] = s
	}
	return out
}

// pickVariant chooses a weighted variant from a hash of the destination so a
// recipient keeps seeing the same variant of a version.
func pickVariant(v *models.TemplateVersion, destination, forced string) (name, body string) {
	if len(v.Variants) == 0 {
		return "", v.Body
	}
	if forced != "" {
		for _, vr := range v.Variants {
			if vr.Name == forced {
				return vr.Name, vr.Body
			}
		}
	}

	total := 0
	for _, vr := range v.Variants {
		total += weight(vr)
	}
	h := fnv.New32a()
	h.Write([]byte(v.TemplateID + ":" + destination))
	point := int(h.Sum32() % uint32(total))

	for _, vr := range v.Variants {
		point -= weight(vr)
		if point < 0 {
			return vr.Name, vr.Body
		}
	}
	last := v.Variants[len(v.Variants)-1]
	return last.Name, last.Body
}

func weight(v models.Variant) int {
	if v.Weight <= 0 {
		return 1
	}
	return v.Weight
}
