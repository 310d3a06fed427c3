package tracking

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
	"unicode/utf8"

	"referral-engine/internal/domain"
	"referral-engine/internal/metrics"
	"referral-engine/internal/repository"
	"referral-engine/pkg/useragent"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// DefaultMaxBackdate is how far in the past a caller may date a click.
const DefaultMaxBackdate = 5 * time.Minute

// Config controls deduplication and fingerprinting.
type Config struct {
	DedupWindow       time.Duration
	FingerprintBucket time.Duration
	VelocityWindow    time.Duration
	// MaxBackdate bounds a caller supplied ClickedAt. Older or future times
	// are replaced with the ingest time.
	MaxBackdate time.Duration
}

// IngestResult is the outcome of one ingested click.
type IngestResult struct {
	// Canonical is the click conversions attach to: the original when the
	// ingested click was a duplicate, the new row otherwise.
	Canonical *domain.ReferralClick
	// Recorded is the row persisted for this attempt.
	Recorded *domain.ReferralClick
}

// Ingestor fingerprints, classifies and persists referral clicks.
type Ingestor struct {
	clicks   repository.ClickStore
	partners repository.PartnerDirectory
	filter   *DedupBotFilter
	ua       *useragent.Parser
	cfg      Config
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time
}

func NewIngestor(
	clicks repository.ClickStore,
	partners repository.PartnerDirectory,
	filter *DedupBotFilter,
	ua *useragent.Parser,
	cfg Config,
	m *metrics.Metrics,
	log *zap.Logger,
) *Ingestor {
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = time.Minute
	}
	if cfg.MaxBackdate <= 0 {
		cfg.MaxBackdate = DefaultMaxBackdate
	}
	return &Ingestor{
		clicks:   clicks,
		partners: partners,
		filter:   filter,
		ua:       ua,
		cfg:      cfg,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// Ingest records a click. It fails only when the referral code is missing
// or the partner cannot be resolved; malformed optional fields are dropped
// or truncated.
func (i *Ingestor) Ingest(ctx context.Context, in domain.RawClickInput) (*IngestResult, error) {
	in.ReferralCode = strings.TrimSpace(in.ReferralCode)
	in.PartnerID = strings.TrimSpace(in.PartnerID)
	if err := domain.Validate(&in); err != nil {
		return nil, err
	}

	partner, err := i.resolvePartner(ctx, in)
	if err != nil {
		return nil, err
	}

	now := i.now().UTC()
	createdAt := now
	if !in.ClickedAt.IsZero() && !in.ClickedAt.After(now) && !in.ClickedAt.Before(now.Add(-i.cfg.MaxBackdate)) {
		createdAt = in.ClickedAt.UTC()
	}

	id := in.ClickID
	if id == "" {
		v7, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate click id: %w", err)
		}
		id = v7.String()
	}

	click := i.buildClick(id, partner, in, createdAt)

	q := repository.ActivityQuery{
		PartnerID:     partner.ID,
		Fingerprint:   click.Fingerprint,
		SessionID:     click.SessionID,
		DedupSince:    createdAt.Add(-i.cfg.DedupWindow),
		VelocitySince: createdAt.Add(-i.cfg.VelocityWindow),
	}

	canonical, err := i.clicks.SaveClick(ctx, click, q, i.filter.ClassifyFunc())
	if err != nil {
		return nil, fmt.Errorf("failed to save click: %w", err)
	}

	i.metrics.RecordClick(string(click.Status), click.IsDuplicate)
	if click.IsSuspiciousBot || click.IsRateLimited {
		i.log.Info("flagged referral click",
			zap.String("click_id", click.ID),
			zap.String("partner_id", partner.ID),
			zap.String("reason", click.BotDetectionReason))
	}

	return &IngestResult{Canonical: canonical, Recorded: click}, nil
}

func (i *Ingestor) resolvePartner(ctx context.Context, in domain.RawClickInput) (*domain.Partner, error) {
	var (
		partner *domain.Partner
		err     error
	)
	if in.PartnerID != "" {
		partner, err = i.partners.GetPartner(ctx, in.PartnerID)
	} else {
		partner, err = i.partners.GetPartnerByReferralCode(ctx, in.ReferralCode)
	}
	if errors.Is(err, repository.ErrPartnerNotFound) {
		return nil, domain.NewValidationError("partner_id", "cannot resolve partner for referral code "+in.ReferralCode)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve partner: %w", err)
	}
	if !partner.IsActive() {
		return nil, domain.NewValidationError("partner_id", "partner "+partner.ID+" is not active")
	}
	return partner, nil
}

func (i *Ingestor) buildClick(id string, partner *domain.Partner, in domain.RawClickInput, at time.Time) *domain.ReferralClick {
	ip := normalizeIP(in.IPAddress)
	ua := truncate(strings.TrimSpace(in.UserAgent), 2048)

	click := &domain.ReferralClick{
		ID:           id,
		PartnerID:    partner.ID,
		ReferralCode: in.ReferralCode,
		ReferralLink: truncate(in.ReferralLink, 1024),
		Campaign:     truncate(in.Campaign, 128),
		Medium:       truncate(in.Medium, 128),
		Source:       truncate(in.Source, 128),
		ClickSource:  domain.ParseClickSource(strings.ToLower(strings.TrimSpace(in.ClickSource))),
		SessionID:    truncate(strings.TrimSpace(in.SessionID), 128),
		Fingerprint:  Fingerprint(in.FingerprintToken, ip, ua, partner.ID, at, i.cfg.FingerprintBucket),
		IPAddress:    ip,
		UserAgent:    ua,
		Referer:      truncate(in.Referer, 1024),
		Country:      normalizeCountry(in.Country),
		City:         truncate(in.City, 100),
		ClickCount:   1,
		Metadata: datatypes.NewJSONType(domain.ClickMetadata{
			Version:     domain.ClickMetadataVersion,
			CustomerID:  truncate(in.CustomerID, 128),
			LandingPage: truncate(in.LandingPage, 1024),
			Extra:       in.Extra,
		}),
		CreatedAt: at,
		UpdatedAt: at,
	}
	if p := strings.TrimSpace(in.ProductID); p != "" {
		p = truncate(p, 64)
		click.ProductID = &p
	}

	if i.ua != nil && ua != "" {
		info := i.ua.Parse(ua)
		click.DeviceType = info.DeviceType
		click.OSName = truncate(info.OS, 64)
		click.BrowserName = truncate(info.Browser, 64)
	}
	return click
}

func normalizeIP(raw string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

func normalizeCountry(raw string) string {
	c := strings.ToUpper(strings.TrimSpace(raw))
	if len(c) != 2 {
		return ""
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return ""
		}
	}
	return c
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
