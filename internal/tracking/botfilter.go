package tracking

import (
	"fmt"
	"net/netip"
	"strings"
	"unicode"

	"referral-engine/internal/domain"
	"referral-engine/internal/repository"
	"referral-engine/pkg/useragent"
)

// Bot detection reasons.
const (
	ReasonMissingUA   = "missing_user_agent"
	ReasonMalformedUA = "malformed_user_agent"
	ReasonVelocity    = "velocity"
)

// BotRule is one deterministic bot heuristic. Check returns a reason when
// the click looks automated.
type BotRule interface {
	Check(click *domain.ReferralClick) (reason string, hit bool)
}

// ClickClassification is the outcome of classifying a click.
type ClickClassification struct {
	Status             domain.ClickStatus
	IsDuplicate        bool
	OriginalClickID    *string
	IsSuspiciousBot    bool
	BotDetectionReason string
	IsRateLimited      bool
}

// ApplyTo copies the classification onto click.
func (c ClickClassification) ApplyTo(click *domain.ReferralClick) {
	click.Status = c.Status
	click.IsDuplicate = c.IsDuplicate
	click.OriginalClickID = c.OriginalClickID
	click.IsSuspiciousBot = c.IsSuspiciousBot
	click.BotDetectionReason = c.BotDetectionReason
	click.IsRateLimited = c.IsRateLimited
}

// DedupBotFilter classifies clicks as valid, duplicate, suspicious or rate
// limited. It has no side effects.
type DedupBotFilter struct {
	rules []BotRule
	// maxPerMinute is the number of clicks one origin may produce in the
	// velocity window before being rate limited. Zero disables the check.
	maxPerMinute int64
}

func NewDedupBotFilter(maxPerMinute int64, rules ...BotRule) *DedupBotFilter {
	return &DedupBotFilter{rules: rules, maxPerMinute: maxPerMinute}
}

// Classify decides the classification of click given the recent activity
// of its fingerprint and session.
func (f *DedupBotFilter) Classify(click *domain.ReferralClick, recent repository.RecentActivity) ClickClassification {
	var out ClickClassification

	if recent.Original != nil {
		id := recent.Original.ID
		out.IsDuplicate = true
		out.OriginalClickID = &id
	}

	var reasons []string
	for _, rule := range f.rules {
		if reason, hit := rule.Check(click); hit {
			reasons = append(reasons, reason)
		}
	}
	out.IsSuspiciousBot = len(reasons) > 0

	if f.maxPerMinute > 0 && recent.ClicksInVelocityWindow+1 > f.maxPerMinute {
		out.IsRateLimited = true
		reasons = append(reasons, ReasonVelocity)
	}
	out.BotDetectionReason = strings.Join(reasons, ";")

	switch {
	case out.IsSuspiciousBot:
		out.Status = domain.ClickStatusSuspicious
	case out.IsRateLimited:
		out.Status = domain.ClickStatusInvalid
	default:
		out.Status = domain.ClickStatusValid
	}
	return out
}

// ClassifyFunc adapts the filter to the store's critical section.
func (f *DedupBotFilter) ClassifyFunc() repository.ClassifyFunc {
	return func(click *domain.ReferralClick, recent repository.RecentActivity) {
		f.Classify(click, recent).ApplyTo(click)
	}
}

// UserAgentSubstrings flags user agents containing a known bot marker.
type UserAgentSubstrings []string

func (r UserAgentSubstrings) Check(click *domain.ReferralClick) (string, bool) {
	ua := strings.ToLower(click.UserAgent)
	if ua == "" {
		return "", false
	}
	for _, s := range r {
		if s != "" && strings.Contains(ua, strings.ToLower(s)) {
			return "bot_user_agent:" + s, true
		}
	}
	return "", false
}

// MissingUserAgent flags clicks without a user agent.
type MissingUserAgent struct{}

func (MissingUserAgent) Check(click *domain.ReferralClick) (string, bool) {
	if strings.TrimSpace(click.UserAgent) == "" {
		return ReasonMissingUA, true
	}
	return "", false
}

// MalformedUserAgent flags user agents that no real browser sends: too
// short, containing control characters, or lacking a product/version token.
type MalformedUserAgent struct {
	MinLength int
}

func (r MalformedUserAgent) Check(click *domain.ReferralClick) (string, bool) {
	ua := strings.TrimSpace(click.UserAgent)
	if ua == "" {
		return "", false
	}
	if len(ua) < r.MinLength {
		return ReasonMalformedUA, true
	}
	for _, c := range ua {
		if unicode.IsControl(c) {
			return ReasonMalformedUA, true
		}
	}
	if !strings.Contains(ua, "/") {
		return ReasonMalformedUA, true
	}
	return "", false
}

// ParsedBot flags user agents the uap-go definitions classify as crawlers.
type ParsedBot struct {
	Parser *useragent.Parser
}

func (r ParsedBot) Check(click *domain.ReferralClick) (string, bool) {
	if r.Parser == nil || click.UserAgent == "" {
		return "", false
	}
	if info := r.Parser.Parse(click.UserAgent); info.IsBot {
		return "crawler:" + info.Browser, true
	}
	return "", false
}

// NetworkRanges flags clicks from datacenter or proxy networks.
type NetworkRanges struct {
	prefixes []netip.Prefix
}

// NewNetworkRanges parses CIDR ranges such as "10.0.0.0/8".
func NewNetworkRanges(cidrs []string) (*NetworkRanges, error) {
	r := &NetworkRanges{}
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid network range %q: %w", c, err)
		}
		r.prefixes = append(r.prefixes, p.Masked())
	}
	return r, nil
}

func (r *NetworkRanges) Check(click *domain.ReferralClick) (string, bool) {
	addr, err := netip.ParseAddr(click.IPAddress)
	if err != nil {
		return "", false
	}
	addr = addr.Unmap()
	for _, p := range r.prefixes {
		if p.Contains(addr) {
			return "datacenter_ip:" + p.String(), true
		}
	}
	return "", false
}
