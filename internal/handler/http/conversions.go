package http

import (
	"context"
	"net/http"

	"referral-engine/internal/attribution"
	"referral-engine/internal/conversion"
	"referral-engine/internal/domain"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ConversionService records conversions and drives their lifecycle.
type ConversionService interface {
	Record(ctx context.Context, ev domain.OrderCompletedEvent) (*conversion.RecordResult, error)
	Get(ctx context.Context, id string) (*domain.ConversionEvent, error)
	Confirm(ctx context.Context, id string) (*domain.ConversionEvent, error)
	Cancel(ctx context.Context, id string) (*domain.ConversionEvent, error)
	Refund(ctx context.Context, id string, amount decimal.Decimal, quantity int) (*domain.ConversionEvent, error)
}

// ConversionsHandler serves the conversion API.
type ConversionsHandler struct {
	conversions ConversionService
	log         *zap.Logger
}

func NewConversionsHandler(conversions ConversionService, log *zap.Logger) *ConversionsHandler {
	return &ConversionsHandler{conversions: conversions, log: log}
}

type recordResponse struct {
	Conversion *domain.ConversionEvent `json:"conversion,omitempty"`
	Created    bool                    `json:"created"`
	Attributed bool                    `json:"attributed"`
	Reason     attribution.Reason      `json:"reason,omitempty"`
}

// RecordConversion handles POST /api/conversions. It answers 201 for a new
// conversion, 200 for a replay and 202 for a dropped unattributed order.
func (h *ConversionsHandler) RecordConversion(w http.ResponseWriter, r *http.Request) {
	var ev domain.OrderCompletedEvent
	if err := decodeJSON(w, r, &ev); err != nil {
		writeError(w, h.log, err)
		return
	}

	res, err := h.conversions.Record(r.Context(), ev)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	resp := recordResponse{Conversion: res.Event, Created: res.Created}
	if res.Attribution != nil {
		resp.Reason = res.Attribution.Reason
	}
	if res.Event != nil {
		resp.Attributed = res.Event.ReferralClickID != nil
	}

	switch {
	case res.Event == nil:
		writeJSON(w, http.StatusAccepted, resp)
	case res.Created:
		writeJSON(w, http.StatusCreated, resp)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

// GetConversion handles GET /api/conversions/{id}.
func (h *ConversionsHandler) GetConversion(w http.ResponseWriter, r *http.Request) {
	c, err := h.conversions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Confirm handles POST /api/conversions/{id}/confirm.
func (h *ConversionsHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	h.respond(w)(h.conversions.Confirm(r.Context(), r.PathValue("id")))
}

// Cancel handles POST /api/conversions/{id}/cancel.
func (h *ConversionsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.respond(w)(h.conversions.Cancel(r.Context(), r.PathValue("id")))
}

type refundRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Quantity int             `json:"quantity"`
}

// Refund handles POST /api/conversions/{id}/refund. Amount is added to the
// refunded total.
func (h *ConversionsHandler) Refund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	h.respond(w)(h.conversions.Refund(r.Context(), r.PathValue("id"), req.Amount, req.Quantity))
}

func (h *ConversionsHandler) respond(w http.ResponseWriter) func(*domain.ConversionEvent, error) {
	return func(c *domain.ConversionEvent, err error) {
		if err != nil {
			writeError(w, h.log, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}
