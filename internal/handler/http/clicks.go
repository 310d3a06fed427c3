package http

import (
	"context"
	"net/http"
	"time"

	"referral-engine/internal/domain"
	"referral-engine/internal/tracking"

	"go.uber.org/zap"
)

// ClickIngestor records clicks synchronously.
type ClickIngestor interface {
	Ingest(ctx context.Context, in domain.RawClickInput) (*tracking.IngestResult, error)
}

// ClicksHandler serves the click ingestion API.
type ClicksHandler struct {
	ingestor ClickIngestor
	log      *zap.Logger
}

func NewClicksHandler(ingestor ClickIngestor, log *zap.Logger) *ClicksHandler {
	return &ClicksHandler{ingestor: ingestor, log: log}
}

type clickResponse struct {
	ClickID          string             `json:"click_id"`
	CanonicalClickID string             `json:"canonical_click_id"`
	Status           domain.ClickStatus `json:"status"`
	IsDuplicate      bool               `json:"is_duplicate"`
	IsSuspiciousBot  bool               `json:"is_suspicious_bot"`
	IsRateLimited    bool               `json:"is_rate_limited"`
	ClickCount       int64              `json:"click_count"`
	CreatedAt        time.Time          `json:"created_at"`
}

// CreateClick handles POST /api/clicks. Missing IP and user agent are taken
// from the request.
func (h *ClicksHandler) CreateClick(w http.ResponseWriter, r *http.Request) {
	var in domain.RawClickInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, h.log, err)
		return
	}
	if in.IPAddress == "" {
		in.IPAddress = extractIPAddress(r)
	}
	if in.UserAgent == "" {
		in.UserAgent = r.UserAgent()
	}
	if in.Referer == "" {
		in.Referer = r.Referer()
	}

	res, err := h.ingestor.Ingest(r.Context(), in)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	c := res.Recorded
	writeJSON(w, http.StatusCreated, clickResponse{
		ClickID:          c.ID,
		CanonicalClickID: res.Canonical.ID,
		Status:           c.Status,
		IsDuplicate:      c.IsDuplicate,
		IsSuspiciousBot:  c.IsSuspiciousBot,
		IsRateLimited:    c.IsRateLimited,
		ClickCount:       res.Canonical.ClickCount,
		CreatedAt:        c.CreatedAt,
	})
}
