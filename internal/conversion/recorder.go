package conversion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"referral-engine/internal/attribution"
	"referral-engine/internal/commission"
	"referral-engine/internal/domain"
	"referral-engine/internal/metrics"
	"referral-engine/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Idempotency scopes.
const (
	ScopeOrder      = "order"
	ScopeOrderClick = "order_click"
)

// ReasonDuplicateOrder marks a conversion stored for an order that already
// has a primary conversion.
const ReasonDuplicateOrder = "duplicate_order"

// Notification types.
const (
	EventRecorded      = "conversion.recorded"
	EventStatusChanged = "conversion.status_changed"
)

// Config controls how conversions are recorded.
type Config struct {
	IdempotencyScope   string
	DropUnattributed   bool
	DefaultCurrency    string
	MaxResolveAttempts int
}

// Store is the persistence the recorder needs.
type Store interface {
	repository.ConversionStore
	repository.PartnerDirectory
}

// CommissionResolver resolves the commission of a conversion context.
type CommissionResolver interface {
	Resolve(ctx context.Context, cc commission.ConversionContext, excluded map[string]bool) (*commission.Resolution, error)
}

// Notification is published after a conversion is committed or changes status.
type Notification struct {
	Type       string                  `json:"type"`
	OccurredAt time.Time               `json:"occurred_at"`
	Conversion *domain.ConversionEvent `json:"conversion"`
}

// Publisher delivers notifications to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// RecordResult is the outcome of Record. Event is nil when an unattributed
// order was dropped.
type RecordResult struct {
	Event       *domain.ConversionEvent
	Created     bool
	Attribution *attribution.Result
}

// Recorder turns order completions into idempotent conversion events.
type Recorder struct {
	store       Store
	attribution *attribution.Resolver
	commissions CommissionResolver
	publisher   Publisher
	cfg         Config
	metrics     *metrics.Metrics
	log         *zap.Logger
	now         func() time.Time
}

func NewRecorder(
	store Store,
	resolver *attribution.Resolver,
	commissions CommissionResolver,
	publisher Publisher,
	cfg Config,
	m *metrics.Metrics,
	log *zap.Logger,
) *Recorder {
	if cfg.MaxResolveAttempts < 1 {
		cfg.MaxResolveAttempts = 5
	}
	if cfg.IdempotencyScope == "" {
		cfg.IdempotencyScope = ScopeOrder
	}
	return &Recorder{
		store:       store,
		attribution: resolver,
		commissions: commissions,
		publisher:   publisher,
		cfg:         cfg,
		metrics:     m,
		log:         log,
		now:         time.Now,
	}
}

// IdempotencyKey derives the key of an order completion from its stable
// identifiers. With ScopeOrderClick the click reference as supplied is part
// of the key.
func IdempotencyKey(scope string, ev *domain.OrderCompletedEvent) string {
	parts := []string{"order", ev.OrderID}
	if scope == ScopeOrderClick {
		if ev.ReferralClickID != "" {
			parts = append(parts, "click", ev.ReferralClickID)
		} else {
			parts = append(parts, "code", ev.ReferralCode)
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// Record records the conversion of a completed order exactly once per
// idempotency key. A repeated call returns the stored event with
// Created=false.
func (r *Recorder) Record(ctx context.Context, ev domain.OrderCompletedEvent) (*RecordResult, error) {
	ev.OrderID = strings.TrimSpace(ev.OrderID)
	ev.ReferralCode = strings.TrimSpace(ev.ReferralCode)
	ev.ReferralClickID = strings.TrimSpace(ev.ReferralClickID)
	if err := domain.Validate(&ev); err != nil {
		return nil, err
	}
	if ev.OrderAmount.IsNegative() {
		return nil, domain.NewValidationError("order_amount", "must not be negative")
	}

	key := IdempotencyKey(r.cfg.IdempotencyScope, &ev)
	if existing, err := r.store.GetConversionByIdempotencyKey(ctx, key); err == nil {
		r.metrics.RecordConversion("replayed", existing.Currency, 0)
		return &RecordResult{Event: existing}, nil
	} else if !errors.Is(err, repository.ErrConversionNotFound) {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	now := r.now().UTC()
	convertedAt := now
	if !ev.CompletedAt.IsZero() {
		convertedAt = ev.CompletedAt.UTC()
	}

	partner, err := r.partnerFor(ctx, ev)
	if err != nil {
		return nil, err
	}

	req := attribution.Request{
		OrderID:         ev.OrderID,
		ReferralClickID: ev.ReferralClickID,
		ReferralCode:    ev.ReferralCode,
		SessionID:       ev.SessionID,
		CustomerID:      ev.CustomerID,
		ConvertedAt:     convertedAt,
	}
	if partner != nil {
		req.PartnerID = partner.ID
	}
	attr, err := r.attribution.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	if partner == nil {
		if attr.Click == nil {
			return nil, domain.NewNotFoundError("click", ev.ReferralClickID)
		}
		if partner, err = r.lookupPartner(ctx, attr.Click.PartnerID); err != nil {
			return nil, err
		}
	}

	conv, err := r.newEvent(ev, partner, attr, key, convertedAt, now)
	if err != nil {
		return nil, err
	}

	primary, err := r.store.GetPrimaryConversionByOrder(ctx, ev.OrderID)
	switch {
	case err == nil:
		r.log.Info("order already has a conversion, recording duplicate",
			zap.String("order_id", ev.OrderID),
			zap.String("primary_id", primary.ID))
		conv.IsDuplicate = true
		r.unattribute(conv, ReasonDuplicateOrder)
		return r.save(ctx, repository.ConversionWrite{Event: conv}, attr, "duplicate")
	case !errors.Is(err, repository.ErrConversionNotFound):
		return nil, fmt.Errorf("failed to check order conversions: %w", err)
	}

	if !attr.Eligible {
		return r.recordIneligible(ctx, conv, attr, string(attr.Reason))
	}
	return r.recordAttributed(ctx, ev, partner, conv, attr)
}

func (r *Recorder) recordAttributed(ctx context.Context, ev domain.OrderCompletedEvent, partner *domain.Partner, conv *domain.ConversionEvent, attr *attribution.Result) (*RecordResult, error) {
	cc := commission.ConversionContext{
		PartnerID:         partner.ID,
		PartnerTier:       partner.Tier,
		ProductID:         ev.ProductID,
		Category:          ev.Category,
		SupplierID:        ev.SupplierID,
		OrderAmount:       conv.OrderAmount,
		Currency:          conv.Currency,
		IsNewCustomer:     ev.IsNewCustomer,
		HasDiscountedItem: ev.HasDiscountedItem,
		Now:               conv.ConvertedAt,
	}
	clickID := attr.Click.ID
	excluded := make(map[string]bool)

	for attempt := 1; ; attempt++ {
		resolution := &commission.Resolution{TotalAmount: decimal.Zero, Currency: conv.Currency}
		if attempt <= r.cfg.MaxResolveAttempts {
			var err error
			if resolution, err = r.commissions.Resolve(ctx, cc, excluded); err != nil {
				return nil, err
			}
		} else {
			r.log.Warn("giving up on capped policies",
				zap.String("order_id", conv.OrderID),
				zap.Int("attempts", r.cfg.MaxResolveAttempts))
		}

		conv.CommissionAmount = resolution.TotalAmount
		conv.Commissions = resolution.Lines()
		meta := conv.Metadata.Data()
		meta.ResolveAttempts = attempt
		conv.Metadata = datatypes.NewJSONType(meta)

		res, err := r.save(ctx, repository.ConversionWrite{
			Event:   conv,
			Grants:  resolution.Grants(),
			ClickID: &clickID,
		}, attr, "attributed")

		var capErr *repository.CapExceededError
		switch {
		case err == nil:
			return res, nil
		case errors.As(err, &capErr):
			r.metrics.RecordCapFallback(capErr.PerPartner)
			r.log.Info("policy cap reached during commit, re-resolving",
				zap.String("order_id", conv.OrderID),
				zap.String("policy_id", capErr.PolicyID),
				zap.Bool("per_partner", capErr.PerPartner),
				zap.Int("attempt", attempt))
			excluded[capErr.PolicyID] = true
		case errors.Is(err, repository.ErrClickAlreadyConverted):
			r.unattribute(conv, "")
			attr.Eligible = false
			attr.Reason = attribution.ReasonAlreadyConverted
			return r.recordIneligible(ctx, conv, attr, string(attribution.ReasonAlreadyConverted))
		default:
			return nil, err
		}
	}
}

func (r *Recorder) recordIneligible(ctx context.Context, conv *domain.ConversionEvent, attr *attribution.Result, reason string) (*RecordResult, error) {
	if r.cfg.DropUnattributed {
		r.metrics.RecordConversion("dropped", conv.Currency, 0)
		r.log.Info("dropping unattributed order",
			zap.String("order_id", conv.OrderID),
			zap.String("reason", reason))
		return &RecordResult{Attribution: attr}, nil
	}
	r.unattribute(conv, reason)
	return r.save(ctx, repository.ConversionWrite{Event: conv}, attr, "unattributed")
}

// save persists w and maps an idempotency conflict to the stored row.
func (r *Recorder) save(ctx context.Context, w repository.ConversionWrite, attr *attribution.Result, outcome string) (*RecordResult, error) {
	err := r.store.SaveConversion(ctx, w)
	if errors.Is(err, repository.ErrConversionExists) {
		existing, getErr := r.store.GetConversionByIdempotencyKey(ctx, w.Event.IdempotencyKey)
		if getErr != nil {
			return nil, fmt.Errorf("failed to load recorded conversion: %w", getErr)
		}
		r.metrics.RecordConversion("replayed", existing.Currency, 0)
		return &RecordResult{Event: existing, Attribution: attr}, nil
	}
	if err != nil {
		return nil, err
	}

	amount, _ := w.Event.CommissionAmount.Float64()
	r.metrics.RecordConversion(outcome, w.Event.Currency, amount)
	r.publish(ctx, EventRecorded, w.Event)
	return &RecordResult{Event: w.Event, Created: true, Attribution: attr}, nil
}

// unattribute strips click linkage and commission from conv.
func (r *Recorder) unattribute(conv *domain.ConversionEvent, reason string) {
	conv.ReferralClickID = nil
	conv.ClickedAt = nil
	conv.IsWithinAttributionWindow = false
	conv.AttributionWeight = 0
	conv.AttributionPath = datatypes.NewJSONType(domain.AttributionPath{Version: domain.AttributionPathVersion})
	conv.CommissionAmount = decimal.Zero
	conv.Commissions = nil
	if reason != "" {
		meta := conv.Metadata.Data()
		meta.IneligibleReason = reason
		conv.Metadata = datatypes.NewJSONType(meta)
	}
}

func (r *Recorder) newEvent(ev domain.OrderCompletedEvent, partner *domain.Partner, attr *attribution.Result, key string, convertedAt, now time.Time) (*domain.ConversionEvent, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate conversion id: %w", err)
	}

	currency := strings.ToUpper(ev.Currency)
	if currency == "" {
		currency = r.cfg.DefaultCurrency
	}
	quantity := ev.Quantity
	if quantity == 0 {
		quantity = 1
	}
	convType := ev.ConversionType
	if convType == "" {
		convType = domain.ConversionDirectPurchase
	}

	conv := &domain.ConversionEvent{
		ID:                    id.String(),
		PartnerID:             partner.ID,
		OrderID:               ev.OrderID,
		ReferralCode:          ev.ReferralCode,
		ConversionType:        convType,
		AttributionModel:      attr.Model,
		Status:                domain.ConversionPending,
		OrderAmount:           ev.OrderAmount,
		ProductPrice:          ev.ProductPrice,
		Quantity:              quantity,
		Currency:              currency,
		RefundedAmount:        decimal.Zero,
		CommissionAmount:      decimal.Zero,
		AttributionWeight:     attr.Weight,
		AttributionPath:       datatypes.NewJSONType(attr.Path),
		ConvertedAt:           convertedAt,
		AttributionWindowDays: attr.WindowDays,
		CustomerID:            ev.CustomerID,
		IsNewCustomer:         ev.IsNewCustomer,
		IsRepeatCustomer:      ev.IsRepeatCustomer,
		IdempotencyKey:        key,
		Metadata: datatypes.NewJSONType(domain.ConversionMetadata{
			Version:           1,
			HasDiscountedItem: ev.HasDiscountedItem,
		}),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ev.ProductID != "" {
		p := ev.ProductID
		conv.ProductID = &p
	}
	if c := attr.Click; c != nil && attr.Eligible {
		clickID, clickedAt := c.ID, c.CreatedAt
		conv.ReferralClickID = &clickID
		conv.ClickedAt = &clickedAt
		conv.ConversionTimeMinutes = attr.ConversionTimeMinutes
		conv.IsWithinAttributionWindow = attr.IsWithinWindow
		conv.Campaign = c.Campaign
		conv.Medium = c.Medium
		conv.Source = c.Source
		if conv.ReferralCode == "" {
			conv.ReferralCode = c.ReferralCode
		}
	}
	return conv, nil
}

// partnerFor resolves the partner named by the event. It returns nil when
// the event only carries a click id.
func (r *Recorder) partnerFor(ctx context.Context, ev domain.OrderCompletedEvent) (*domain.Partner, error) {
	if ev.PartnerID != "" {
		return r.lookupPartner(ctx, ev.PartnerID)
	}
	if ev.ReferralCode == "" {
		return nil, nil
	}
	p, err := r.store.GetPartnerByReferralCode(ctx, ev.ReferralCode)
	if errors.Is(err, repository.ErrPartnerNotFound) {
		return nil, domain.NewNotFoundError("partner", ev.ReferralCode)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve partner: %w", err)
	}
	return p, nil
}

func (r *Recorder) lookupPartner(ctx context.Context, id string) (*domain.Partner, error) {
	p, err := r.store.GetPartner(ctx, id)
	if errors.Is(err, repository.ErrPartnerNotFound) {
		return nil, domain.NewNotFoundError("partner", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve partner: %w", err)
	}
	return p, nil
}

func (r *Recorder) publish(ctx context.Context, typ string, conv *domain.ConversionEvent) {
	if r.publisher == nil {
		return
	}
	n := Notification{Type: typ, OccurredAt: r.now().UTC(), Conversion: conv}
	if err := r.publisher.Publish(ctx, n); err != nil {
		r.log.Error("failed to publish conversion notification",
			zap.String("type", typ),
			zap.String("conversion_id", conv.ID),
			zap.Error(err))
	}
}
