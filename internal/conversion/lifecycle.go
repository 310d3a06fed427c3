package conversion

import (
	"context"
	"errors"
	"fmt"

	"referral-engine/internal/domain"
	"referral-engine/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Get returns a conversion by id.
func (r *Recorder) Get(ctx context.Context, id string) (*domain.ConversionEvent, error) {
	c, err := r.store.GetConversion(ctx, id)
	if errors.Is(err, repository.ErrConversionNotFound) {
		return nil, domain.NewNotFoundError("conversion", id)
	}
	return c, err
}

// Confirm settles a pending conversion.
func (r *Recorder) Confirm(ctx context.Context, id string) (*domain.ConversionEvent, error) {
	return r.transition(ctx, id, domain.ConversionConfirmed, func(c *domain.ConversionEvent) {
		now := r.now().UTC()
		c.Status = domain.ConversionConfirmed
		c.ConfirmedAt = &now
		c.UpdatedAt = now
	})
}

// Cancel cancels a pending or confirmed conversion. Policy usage is not
// given back.
func (r *Recorder) Cancel(ctx context.Context, id string) (*domain.ConversionEvent, error) {
	return r.transition(ctx, id, domain.ConversionCancelled, func(c *domain.ConversionEvent) {
		now := r.now().UTC()
		c.Status = domain.ConversionCancelled
		c.CancelledAt = &now
		c.UpdatedAt = now
	})
}

// Refund adds a partial refund to a confirmed conversion. The conversion
// becomes refunded once the refunded amount reaches the order amount.
func (r *Recorder) Refund(ctx context.Context, id string, amount decimal.Decimal, quantity int) (*domain.ConversionEvent, error) {
	if !amount.IsPositive() {
		return nil, domain.NewValidationError("refunded_amount", "must be positive")
	}
	if quantity < 0 {
		return nil, domain.NewValidationError("refunded_quantity", "must not be negative")
	}
	return r.refund(ctx, id, func(c *domain.ConversionEvent) {
		c.RefundedAmount = c.RefundedAmount.Add(amount)
		c.RefundedQuantity += quantity
	})
}

// ApplyOrderStatus applies a downstream order status change to the order's
// primary conversion. Refund amounts in the event are cumulative, and
// re-delivered events are no-ops.
func (r *Recorder) ApplyOrderStatus(ctx context.Context, ev domain.OrderStatusChangedEvent) (*domain.ConversionEvent, error) {
	if err := domain.Validate(&ev); err != nil {
		return nil, err
	}

	current, err := r.store.GetPrimaryConversionByOrder(ctx, ev.OrderID)
	if errors.Is(err, repository.ErrConversionNotFound) {
		return nil, domain.NewNotFoundError("conversion for order", ev.OrderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversion: %w", err)
	}

	switch ev.Status {
	case domain.ConversionConfirmed:
		if current.Status == domain.ConversionConfirmed {
			return current, nil
		}
		return r.Confirm(ctx, current.ID)
	case domain.ConversionCancelled:
		if current.Status == domain.ConversionCancelled {
			return current, nil
		}
		return r.Cancel(ctx, current.ID)
	case domain.ConversionRefunded:
		if current.Status == domain.ConversionRefunded || !ev.RefundedAmount.GreaterThan(current.RefundedAmount) {
			return current, nil
		}
		return r.refund(ctx, current.ID, func(c *domain.ConversionEvent) {
			if ev.RefundedAmount.GreaterThan(c.RefundedAmount) {
				c.RefundedAmount = ev.RefundedAmount
			}
			if ev.RefundedQuantity > c.RefundedQuantity {
				c.RefundedQuantity = ev.RefundedQuantity
			}
		})
	default:
		return nil, domain.NewValidationError("status", "unsupported status "+string(ev.Status))
	}
}

func (r *Recorder) refund(ctx context.Context, id string, apply func(c *domain.ConversionEvent)) (*domain.ConversionEvent, error) {
	return r.transition(ctx, id, domain.ConversionRefunded, func(c *domain.ConversionEvent) {
		now := r.now().UTC()
		apply(c)
		if c.RefundedAmount.GreaterThan(c.OrderAmount) {
			c.RefundedAmount = c.OrderAmount
		}
		if c.RefundedQuantity > c.Quantity {
			c.RefundedQuantity = c.Quantity
		}
		if c.RefundedAmount.GreaterThanOrEqual(c.OrderAmount) {
			c.Status = domain.ConversionRefunded
			c.RefundedAt = &now
		}
		c.UpdatedAt = now
	})
}

func (r *Recorder) transition(ctx context.Context, id string, target domain.ConversionStatus, mutate func(c *domain.ConversionEvent)) (*domain.ConversionEvent, error) {
	from, err := domain.TransitionSources(target)
	if err != nil {
		return nil, err
	}

	c, err := r.store.TransitionConversion(ctx, id, from, mutate)
	if errors.Is(err, repository.ErrConversionNotFound) {
		return nil, domain.NewNotFoundError("conversion", id)
	}
	if err != nil {
		return nil, err
	}

	r.metrics.RecordTransition(string(c.Status))
	r.log.Info("conversion updated",
		zap.String("conversion_id", c.ID),
		zap.String("status", string(c.Status)),
		zap.String("refunded_amount", c.RefundedAmount.String()))
	r.publish(ctx, EventStatusChanged, c)
	return c, nil
}
