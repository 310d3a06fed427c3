package attribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"referral-engine/internal/domain"
	"referral-engine/internal/repository"

	"go.uber.org/zap"
)

// Reason explains why a click cannot be credited.
type Reason string

const (
	ReasonExpiredWindow    Reason = "expired_window"
	ReasonAlreadyConverted Reason = "already_converted"
	ReasonDuplicateClick   Reason = "duplicate_click"
	ReasonBotClick         Reason = "bot_click"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonNotFound         Reason = "not_found"
)

// DefaultCandidateLimit bounds how many eligible clicks of a referral code
// are inspected when searching for the last touch.
const DefaultCandidateLimit = 50

// Request identifies the order and the click reference to attribute.
type Request struct {
	OrderID         string
	ReferralClickID string
	ReferralCode    string
	PartnerID       string
	SessionID       string
	CustomerID      string
	ConvertedAt     time.Time
}

// Result is the outcome of an attribution attempt. Ineligibility is carried
// in Reason, not reported as an error.
type Result struct {
	Eligible bool
	Reason   Reason
	// Click is the credited click when eligible, or the click that was
	// rejected when the reference pointed at a specific one.
	Click *domain.ReferralClick

	Model                 string
	Weight                float64
	WindowDays            int
	ConversionTimeMinutes int64
	IsWithinWindow        bool
	Path                  domain.AttributionPath
}

// Resolver decides which earlier click, if any, a conversion is credited to.
type Resolver struct {
	clicks         repository.ClickStore
	model          Model
	windowDays     int
	candidateLimit int
	log            *zap.Logger
}

func NewResolver(clicks repository.ClickStore, model Model, windowDays int, log *zap.Logger) *Resolver {
	if model == nil {
		model = LastTouch{}
	}
	return &Resolver{
		clicks:         clicks,
		model:          model,
		windowDays:     windowDays,
		candidateLimit: DefaultCandidateLimit,
		log:            log,
	}
}

// WindowDays returns the configured attribution window.
func (r *Resolver) WindowDays() int {
	return r.windowDays
}

// Resolve attributes the request to a click. It returns an error only for
// storage failures.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Result, error) {
	if req.ConvertedAt.IsZero() {
		req.ConvertedAt = time.Now().UTC()
	}

	candidates, err := r.candidates(ctx, req)
	if err != nil {
		return nil, err
	}

	check := func(c *domain.ReferralClick) Reason {
		return r.check(c, req.ConvertedAt)
	}
	touches, credited, reason := r.model.Attribute(candidates, check)

	res := &Result{
		Model:      r.model.Name(),
		WindowDays: r.windowDays,
		Reason:     reason,
	}
	if credited != nil {
		res.Eligible = reason == ""
		res.Click = credited
		elapsed := req.ConvertedAt.Sub(credited.CreatedAt)
		if elapsed >= 0 {
			res.ConversionTimeMinutes = int64(elapsed / time.Minute)
			res.IsWithinWindow = res.ConversionTimeMinutes <= int64(r.windowDays)*24*60
		}
	}
	if res.Eligible {
		res.Weight = 1
		res.Path = domain.AttributionPath{Version: domain.AttributionPathVersion, Touches: touches}
	}

	r.log.Debug("attribution resolved",
		zap.String("order_id", req.OrderID),
		zap.Bool("eligible", res.Eligible),
		zap.String("reason", string(res.Reason)),
		zap.Int("candidates", len(candidates)))
	return res, nil
}

func (r *Resolver) candidates(ctx context.Context, req Request) ([]*domain.ReferralClick, error) {
	if req.ReferralClickID != "" {
		click, err := r.clicks.GetClick(ctx, req.ReferralClickID)
		if errors.Is(err, repository.ErrClickNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load click: %w", err)
		}
		if req.PartnerID != "" && click.PartnerID != req.PartnerID {
			return nil, nil
		}
		return []*domain.ReferralClick{click}, nil
	}

	if req.ReferralCode == "" {
		return nil, nil
	}
	q := repository.ClickQuery{
		ReferralCode: req.ReferralCode,
		PartnerID:    req.PartnerID,
		SessionID:    req.SessionID,
		CustomerID:   req.CustomerID,
		Since:        req.ConvertedAt.Add(-r.window()),
		Until:        req.ConvertedAt,
		EligibleOnly: true,
		Limit:        r.candidateLimit,
	}
	clicks, err := r.clicks.FindClicks(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to find candidate clicks: %w", err)
	}
	if len(clicks) > 0 {
		return clicks, nil
	}

	// Nothing creditable: the latest click of the visitor explains why.
	q.Since = time.Time{}
	q.EligibleOnly = false
	q.Limit = 1
	clicks, err = r.clicks.FindClicks(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to find latest click: %w", err)
	}
	return clicks, nil
}

func (r *Resolver) window() time.Duration {
	return time.Duration(r.windowDays) * 24 * time.Hour
}

// check returns the reason c cannot be credited at convertedAt, or "".
func (r *Resolver) check(c *domain.ReferralClick, convertedAt time.Time) Reason {
	switch {
	case c.IsDuplicate:
		return ReasonDuplicateClick
	case c.IsSuspiciousBot:
		return ReasonBotClick
	case c.IsRateLimited:
		return ReasonRateLimited
	case c.HasConverted || c.ConvertedAt != nil:
		return ReasonAlreadyConverted
	}
	elapsed := convertedAt.Sub(c.CreatedAt)
	if elapsed < 0 || elapsed > r.window() {
		return ReasonExpiredWindow
	}
	return ""
}
