package attribution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"referral-engine/internal/domain"
	"referral-engine/internal/repository"
	"referral-engine/internal/repository/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var t0 = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

func seedClick(t *testing.T, store *memory.MemStorage, c domain.ReferralClick) *domain.ReferralClick {
	t.Helper()
	if c.PartnerID == "" {
		c.PartnerID = "p-1"
	}
	if c.ReferralCode == "" {
		c.ReferralCode = "PARTNER1"
	}
	if c.Fingerprint == "" {
		c.Fingerprint = "fp-" + c.ID
	}
	c.ClickCount = 1
	c.Status = domain.ClickStatusValid
	keep := func(*domain.ReferralClick, repository.RecentActivity) {}
	_, err := store.SaveClick(context.Background(), &c, repository.ActivityQuery{
		PartnerID:   c.PartnerID,
		Fingerprint: c.Fingerprint,
	}, keep)
	require.NoError(t, err)
	return &c
}

func newResolver(store *memory.MemStorage) *Resolver {
	return NewResolver(store, LastTouch{}, 30, zap.NewNop())
}

func TestResolve_WindowBoundary(t *testing.T) {
	store := memory.New()
	click := seedClick(t, store, domain.ReferralClick{ID: "c-1", CreatedAt: t0})
	r := newResolver(store)
	window := 30 * 24 * time.Hour

	tests := []struct {
		name     string
		at       time.Time
		eligible bool
		minutes  int64
	}{
		{"one minute before boundary", t0.Add(window - time.Minute), true, 30*1440 - 1},
		{"exactly at boundary", t0.Add(window), true, 30 * 1440},
		{"one minute past boundary", t0.Add(window + time.Minute), false, 30*1440 + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(context.Background(), Request{OrderID: "o-1", ReferralClickID: click.ID, ConvertedAt: tt.at})
			require.NoError(t, err)
			assert.Equal(t, tt.eligible, res.Eligible)
			assert.Equal(t, tt.eligible, res.IsWithinWindow)
			assert.Equal(t, tt.minutes, res.ConversionTimeMinutes)
			if !tt.eligible {
				assert.Equal(t, ReasonExpiredWindow, res.Reason)
			}
		})
	}
}

func TestResolve_LastTouchByCode(t *testing.T) {
	store := memory.New()
	seedClick(t, store, domain.ReferralClick{ID: "c-1", CreatedAt: t0, SessionID: "s-1"})
	seedClick(t, store, domain.ReferralClick{ID: "c-2", CreatedAt: t0.Add(time.Hour), SessionID: "s-1"})
	seedClick(t, store, domain.ReferralClick{ID: "c-3", CreatedAt: t0.Add(2 * time.Hour), SessionID: "s-1", IsSuspiciousBot: true})
	seedClick(t, store, domain.ReferralClick{ID: "c-4", CreatedAt: t0.Add(3 * time.Hour), SessionID: "s-2"})
	seedClick(t, store, domain.ReferralClick{ID: "c-5", CreatedAt: t0.Add(5 * time.Hour), SessionID: "s-1"})

	r := newResolver(store)
	res, err := r.Resolve(context.Background(), Request{
		OrderID:      "o-1",
		ReferralCode: "PARTNER1",
		SessionID:    "s-1",
		ConvertedAt:  t0.Add(4 * time.Hour),
	})
	require.NoError(t, err)

	require.True(t, res.Eligible)
	assert.Equal(t, "c-2", res.Click.ID, "bot click skipped, other session and later clicks ignored")
	assert.Equal(t, domain.AttributionModelLastTouch, res.Model)
	assert.Equal(t, 1.0, res.Weight)
	assert.EqualValues(t, 180, res.ConversionTimeMinutes)
	require.Len(t, res.Path.Touches, 1)
	assert.Equal(t, "c-2", res.Path.Touches[0].ClickID)
}

func TestResolve_TieBrokenByID(t *testing.T) {
	store := memory.New()
	seedClick(t, store, domain.ReferralClick{ID: "c-a", CreatedAt: t0})
	seedClick(t, store, domain.ReferralClick{ID: "c-b", CreatedAt: t0})

	res, err := newResolver(store).Resolve(context.Background(), Request{ReferralCode: "PARTNER1", ConvertedAt: t0.Add(time.Minute)})
	require.NoError(t, err)
	require.True(t, res.Eligible)
	assert.Equal(t, "c-b", res.Click.ID)
}

func TestResolve_CustomerMatch(t *testing.T) {
	store := memory.New()
	seedClick(t, store, domain.ReferralClick{
		ID: "c-1", CreatedAt: t0,
		Metadata: datatypes.NewJSONType(domain.ClickMetadata{Version: 1, CustomerID: "cust-1"}),
	})
	seedClick(t, store, domain.ReferralClick{ID: "c-2", CreatedAt: t0.Add(time.Minute)})

	res, err := newResolver(store).Resolve(context.Background(), Request{
		ReferralCode: "PARTNER1", CustomerID: "cust-1", ConvertedAt: t0.Add(time.Hour),
	})
	require.NoError(t, err)
	require.True(t, res.Eligible)
	assert.Equal(t, "c-1", res.Click.ID)
}

func TestResolve_IneligibleReasons(t *testing.T) {
	store := memory.New()
	converted := t0.Add(time.Minute)
	seedClick(t, store, domain.ReferralClick{ID: "dup", CreatedAt: t0, IsDuplicate: true})
	seedClick(t, store, domain.ReferralClick{ID: "bot", CreatedAt: t0, IsSuspiciousBot: true})
	seedClick(t, store, domain.ReferralClick{ID: "fast", CreatedAt: t0, IsRateLimited: true})
	seedClick(t, store, domain.ReferralClick{ID: "used", CreatedAt: t0, HasConverted: true, ConvertedAt: &converted})
	seedClick(t, store, domain.ReferralClick{ID: "other", PartnerID: "p-2", ReferralCode: "OTHER", CreatedAt: t0})

	r := newResolver(store)
	tests := []struct {
		name string
		req  Request
		want Reason
	}{
		{"duplicate", Request{ReferralClickID: "dup"}, ReasonDuplicateClick},
		{"bot", Request{ReferralClickID: "bot"}, ReasonBotClick},
		{"rate limited", Request{ReferralClickID: "fast"}, ReasonRateLimited},
		{"already converted", Request{ReferralClickID: "used"}, ReasonAlreadyConverted},
		{"unknown click", Request{ReferralClickID: "missing"}, ReasonNotFound},
		{"partner mismatch", Request{ReferralClickID: "other", PartnerID: "p-1"}, ReasonNotFound},
		{"unknown code", Request{ReferralCode: "NOPE"}, ReasonNotFound},
		{"no reference", Request{}, ReasonNotFound},
		{"click after conversion", Request{ReferralClickID: "other"}, ReasonExpiredWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.OrderID = "o-1"
			if tt.req.ConvertedAt.IsZero() {
				tt.req.ConvertedAt = t0.Add(time.Hour)
			}
			if tt.name == "click after conversion" {
				tt.req.ConvertedAt = t0.Add(-time.Hour)
			}
			res, err := r.Resolve(context.Background(), tt.req)
			require.NoError(t, err)
			assert.False(t, res.Eligible)
			assert.Equal(t, tt.want, res.Reason)
			assert.Zero(t, res.Weight)
		})
	}
}

func TestResolve_ReportsLatestRejection(t *testing.T) {
	store := memory.New()
	seedClick(t, store, domain.ReferralClick{ID: "c-1", CreatedAt: t0, IsDuplicate: true})
	seedClick(t, store, domain.ReferralClick{ID: "c-2", CreatedAt: t0.Add(time.Minute), IsSuspiciousBot: true})

	res, err := newResolver(store).Resolve(context.Background(), Request{ReferralCode: "PARTNER1", ConvertedAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, res.Eligible)
	assert.Equal(t, ReasonBotClick, res.Reason)
}

func TestResolve_DuplicateFloodKeepsOriginal(t *testing.T) {
	store := memory.New()
	seedClick(t, store, domain.ReferralClick{ID: "c-000", CreatedAt: t0, SessionID: "s1"})
	for i := 1; i <= 60; i++ {
		seedClick(t, store, domain.ReferralClick{
			ID:          fmt.Sprintf("c-%03d", i),
			CreatedAt:   t0.Add(time.Duration(i) * time.Second),
			SessionID:   "s1",
			IsDuplicate: true,
		})
	}

	res, err := newResolver(store).Resolve(context.Background(), Request{
		OrderID:      "o-1",
		ReferralCode: "PARTNER1",
		SessionID:    "s1",
		ConvertedAt:  t0.Add(time.Hour),
	})
	require.NoError(t, err)
	require.True(t, res.Eligible, res.Reason)
	assert.Equal(t, "c-000", res.Click.ID)
}

func TestResolve_BotFloodDoesNotHideRealClick(t *testing.T) {
	store := memory.New()
	seedClick(t, store, domain.ReferralClick{ID: "real", CreatedAt: t0})
	for i := 0; i < 60; i++ {
		seedClick(t, store, domain.ReferralClick{
			ID:              fmt.Sprintf("bot-%03d", i),
			CreatedAt:       t0.Add(time.Duration(i+1) * time.Second),
			IsSuspiciousBot: true,
		})
	}

	res, err := newResolver(store).Resolve(context.Background(), Request{ReferralCode: "PARTNER1", ConvertedAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.True(t, res.Eligible, res.Reason)
	assert.Equal(t, "real", res.Click.ID)
}

func TestResolve_EligibleClickOutsideWindow(t *testing.T) {
	store := memory.New()
	converted := t0.Add(40 * 24 * time.Hour)
	seedClick(t, store, domain.ReferralClick{ID: "old", CreatedAt: t0})

	res, err := newResolver(store).Resolve(context.Background(), Request{ReferralCode: "PARTNER1", ConvertedAt: converted})
	require.NoError(t, err)
	assert.False(t, res.Eligible)
	assert.Equal(t, ReasonExpiredWindow, res.Reason)
	require.NotNil(t, res.Click)
	assert.Equal(t, "old", res.Click.ID)
}
