package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"referral-engine/internal/domain"
	"referral-engine/internal/tracking"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ClickQueue accepts clicks for asynchronous ingestion.
type ClickQueue interface {
	Submit(in domain.RawClickInput) error
}

// RedirectConfig controls the tracking redirect.
type RedirectConfig struct {
	LandingURL    string
	SessionCookie string
	SessionTTL    time.Duration
}

// RedirectHandler records a click and sends the visitor on to the landing
// page without waiting for storage.
type RedirectHandler struct {
	queue ClickQueue
	cfg   RedirectConfig
	log   *zap.Logger
	now   func() time.Time
}

func NewRedirectHandler(queue ClickQueue, cfg RedirectConfig, log *zap.Logger) *RedirectHandler {
	if cfg.LandingURL == "" {
		cfg.LandingURL = "/"
	}
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = "ref_sid"
	}
	return &RedirectHandler{queue: queue, cfg: cfg, log: log, now: time.Now}
}

// HandleRedirect handles GET /r/{code}.
func (h *RedirectHandler) HandleRedirect(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.PathValue("code"))
	if code == "" {
		http.NotFound(w, r)
		return
	}

	sessionID := h.session(w, r)
	q := r.URL.Query()
	landing := h.landing(q.Get("to"))

	in := domain.RawClickInput{
		ReferralCode: code,
		ProductID:    q.Get("product_id"),
		ReferralLink: r.URL.String(),
		Campaign:     q.Get("utm_campaign"),
		Medium:       q.Get("utm_medium"),
		Source:       q.Get("utm_source"),
		ClickSource:  q.Get("src"),
		SessionID:    sessionID,
		IPAddress:    extractIPAddress(r),
		UserAgent:    r.UserAgent(),
		Referer:      r.Referer(),
		Country:      r.Header.Get("CF-IPCountry"),
		LandingPage:  landing,
		ClickedAt:    h.now().UTC(),
	}

	if err := h.queue.Submit(in); err != nil {
		// The visitor is redirected regardless; a lost click is only logged.
		if errors.Is(err, tracking.ErrQueueFull) {
			h.log.Warn("click queue full, dropping click", zap.String("referral_code", code))
		} else {
			h.log.Error("failed to queue click", zap.String("referral_code", code), zap.Error(err))
		}
	}

	http.Redirect(w, r, landing, http.StatusFound)
}

// session returns the visitor's session id, issuing a cookie when absent.
func (h *RedirectHandler) session(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(h.cfg.SessionCookie); err == nil && c.Value != "" && len(c.Value) <= 128 {
		return c.Value
	}
	id, err := uuid.NewV7()
	if err != nil {
		return ""
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SessionCookie,
		Value:    id.String(),
		Path:     "/",
		MaxAge:   int(h.cfg.SessionTTL / time.Second),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	return id.String()
}

// landing accepts only same-site paths to avoid an open redirect.
func (h *RedirectHandler) landing(to string) string {
	if strings.HasPrefix(to, "/") && !strings.HasPrefix(to, "//") && !strings.Contains(to, `\`) {
		return to
	}
	return h.cfg.LandingURL
}
