package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"referral-engine/internal/domain"
)

var (
	ErrPartnerNotFound    = errors.New("partner not found")
	ErrClickNotFound      = errors.New("click not found")
	ErrPolicyNotFound     = errors.New("policy not found")
	ErrConversionNotFound = errors.New("conversion not found")

	// ErrConversionExists is returned when the idempotency key is already taken.
	// Callers treat it as "already recorded", not as a failure.
	ErrConversionExists = errors.New("conversion already recorded")

	// ErrClickAlreadyConverted is returned when the click's conversion fields
	// were set by someone else between attribution and commit.
	ErrClickAlreadyConverted = errors.New("click already converted")

	ErrPolicyCodeExists = errors.New("policy code already exists")
)

// CapExceededError is returned when a policy usage increment lost the race
// for the last unit of its total or per-partner cap.
type CapExceededError struct {
	PolicyID   string
	PerPartner bool
}

func (e *CapExceededError) Error() string {
	scope := "total"
	if e.PerPartner {
		scope = "per-partner"
	}
	return fmt.Sprintf("policy %s %s usage cap exceeded", e.PolicyID, scope)
}

// RecentActivity is what the dedup filter needs to know about the past of a
// fingerprint or session.
type RecentActivity struct {
	// Original is the oldest non-duplicate click within the dedup window.
	Original *domain.ReferralClick
	// ClicksInVelocityWindow counts every click (duplicates included) within
	// the velocity window.
	ClicksInVelocityWindow int64
}

// ActivityQuery scopes the recent-activity lookup for a new click.
type ActivityQuery struct {
	PartnerID     string
	Fingerprint   string
	SessionID     string
	DedupSince    time.Time
	VelocitySince time.Time
}

// ClassifyFunc decides the classification of click given its recent activity.
// It runs inside the store's per-fingerprint critical section and must not
// block.
type ClassifyFunc func(click *domain.ReferralClick, recent RecentActivity)

// ClickQuery selects attribution candidates for a referral code.
type ClickQuery struct {
	ReferralCode string
	PartnerID    string
	SessionID    string
	CustomerID   string
	Since        time.Time
	Until        time.Time
	// EligibleOnly drops duplicates, flagged clicks and clicks that already
	// carry a conversion.
	EligibleOnly bool
	Limit        int
}

// ClickStore is the durable append-only record of referral clicks.
type ClickStore interface {
	// SaveClick classifies and inserts click atomically per fingerprint and
	// session. When classify marks the click as a duplicate, the original's
	// click_count is incremented in the same transaction and the updated
	// original is returned; otherwise the returned click is click itself.
	// A click whose id is already stored is not inserted again: click is
	// overwritten with the stored row and its canonical click is returned
	// with click_count untouched.
	SaveClick(ctx context.Context, click *domain.ReferralClick, q ActivityQuery, classify ClassifyFunc) (*domain.ReferralClick, error)
	GetClick(ctx context.Context, id string) (*domain.ReferralClick, error)
	// FindClicks returns candidates newest first, ties broken by id descending.
	FindClicks(ctx context.Context, q ClickQuery) ([]*domain.ReferralClick, error)
	AnonymizeClicks(ctx context.Context, before time.Time, now time.Time) (int64, error)
}

// PolicyGrant is one usage increment requested for a conversion.
type PolicyGrant struct {
	PolicyID           string
	PolicyCode         string
	MaxUsageTotal      *int64
	MaxUsagePerPartner *int64
}

// ConversionWrite is everything persisted atomically for one conversion.
type ConversionWrite struct {
	Event  *domain.ConversionEvent
	Grants []PolicyGrant
	// ClickID, when set, is marked converted by Event in the same transaction.
	ClickID *string
}

// ConversionStore persists conversion events and commission usage.
type ConversionStore interface {
	GetConversion(ctx context.Context, id string) (*domain.ConversionEvent, error)
	GetConversionByIdempotencyKey(ctx context.Context, key string) (*domain.ConversionEvent, error)
	// GetPrimaryConversionByOrder returns the non-duplicate conversion of an order.
	GetPrimaryConversionByOrder(ctx context.Context, orderID string) (*domain.ConversionEvent, error)
	// SaveConversion inserts the event, its commission lines, the usage
	// increments and the click linkage in one transaction. It returns
	// ErrConversionExists, *CapExceededError or ErrClickAlreadyConverted
	// without persisting anything.
	SaveConversion(ctx context.Context, w ConversionWrite) error
	// TransitionConversion moves a conversion to status if its current
	// status is one of from; mutate is applied to the row before saving.
	TransitionConversion(ctx context.Context, id string, from []domain.ConversionStatus, mutate func(c *domain.ConversionEvent)) (*domain.ConversionEvent, error)
}

// PolicyStore reads commission policies and their usage.
type PolicyStore interface {
	// ListCandidatePolicies returns active policies whose validity period
	// contains now; the resolver applies the remaining filters.
	ListCandidatePolicies(ctx context.Context, now time.Time) ([]domain.CommissionPolicy, error)
	GetPolicyByCode(ctx context.Context, code string) (*domain.CommissionPolicy, error)
	CreatePolicy(ctx context.Context, p *domain.CommissionPolicy) error
	// PartnerUsage returns per-partner usage counts keyed by policy id.
	PartnerUsage(ctx context.Context, partnerID string, policyIDs []string) (map[string]int64, error)
}

// PartnerDirectory resolves partners.
type PartnerDirectory interface {
	GetPartner(ctx context.Context, id string) (*domain.Partner, error)
	GetPartnerByReferralCode(ctx context.Context, code string) (*domain.Partner, error)
}

// Storage aggregates every store the engine needs.
type Storage interface {
	ClickStore
	ConversionStore
	PolicyStore
	PartnerDirectory
	SavePartner(ctx context.Context, p *domain.Partner) error
	Ping(ctx context.Context) error
}
