package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"referral-engine/internal/conversion"
	"referral-engine/internal/domain"

	"go.uber.org/zap"
)

// ConversionService is what the order topic handlers drive.
type ConversionService interface {
	Record(ctx context.Context, ev domain.OrderCompletedEvent) (*conversion.RecordResult, error)
	ApplyOrderStatus(ctx context.Context, ev domain.OrderStatusChangedEvent) (*domain.ConversionEvent, error)
}

type orderCompletedHandler struct {
	conversions ConversionService
	log         *zap.Logger
}

type orderStatusHandler struct {
	conversions ConversionService
	log         *zap.Logger
}

func NewOrderCompletedHandler(conversions ConversionService, log *zap.Logger) MessageHandler {
	return &orderCompletedHandler{conversions: conversions, log: log}
}

func NewOrderStatusHandler(conversions ConversionService, log *zap.Logger) MessageHandler {
	return &orderStatusHandler{conversions: conversions, log: log}
}

func (h *orderCompletedHandler) HandleMessage(ctx context.Context, message []byte) error {
	var ev domain.OrderCompletedEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		return permanent(fmt.Errorf("failed to decode order completed event: %w", err))
	}

	res, err := h.conversions.Record(ctx, ev)
	if err != nil {
		return classify(err)
	}

	if res.Event == nil {
		h.log.Debug("order completion dropped", zap.String("order_id", ev.OrderID))
		return nil
	}
	h.log.Info("order completion processed",
		zap.String("order_id", ev.OrderID),
		zap.String("conversion_id", res.Event.ID),
		zap.Bool("created", res.Created))
	return nil
}

func (h *orderStatusHandler) HandleMessage(ctx context.Context, message []byte) error {
	var ev domain.OrderStatusChangedEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		return permanent(fmt.Errorf("failed to decode order status event: %w", err))
	}

	conv, err := h.conversions.ApplyOrderStatus(ctx, ev)
	if err != nil {
		return classify(err)
	}
	h.log.Info("order status applied",
		zap.String("order_id", ev.OrderID),
		zap.String("conversion_id", conv.ID),
		zap.String("status", string(conv.Status)))
	return nil
}

// classify marks errors that retrying cannot fix as permanent.
func classify(err error) error {
	if domain.IsValidation(err) || domain.IsNotFound(err) || errors.Is(err, domain.ErrInvalidTransition) {
		return permanent(err)
	}
	return err
}
