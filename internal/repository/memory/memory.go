package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"referral-engine/internal/domain"
	"referral-engine/internal/repository"
)

// MemStorage is an in-process Storage. A single mutex serializes writers,
// which gives the same per-fingerprint, per-key and per-policy guarantees as
// the PostgreSQL implementation.
type MemStorage struct {
	mu sync.RWMutex

	partners       map[string]*domain.Partner
	partnersByCode map[string]string

	clicks []*domain.ReferralClick
	byID   map[string]*domain.ReferralClick

	conversions      map[string]*domain.ConversionEvent
	conversionsByKey map[string]string

	policies     map[string]*domain.CommissionPolicy
	policyByCode map[string]string
	partnerUsage map[string]map[string]int64
}

func New() *MemStorage {
	return &MemStorage{
		partners:         make(map[string]*domain.Partner),
		partnersByCode:   make(map[string]string),
		byID:             make(map[string]*domain.ReferralClick),
		conversions:      make(map[string]*domain.ConversionEvent),
		conversionsByKey: make(map[string]string),
		policies:         make(map[string]*domain.CommissionPolicy),
		policyByCode:     make(map[string]string),
		partnerUsage:     make(map[string]map[string]int64),
	}
}

func (s *MemStorage) Ping(_ context.Context) error {
	return nil
}

// --- Partner Methods ---

func (s *MemStorage) SavePartner(_ context.Context, p *domain.Partner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.partners[p.ID] = &cp
	s.partnersByCode[p.ReferralCode] = p.ID
	return nil
}

func (s *MemStorage) GetPartner(_ context.Context, id string) (*domain.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.partners[id]
	if !ok {
		return nil, repository.ErrPartnerNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemStorage) GetPartnerByReferralCode(ctx context.Context, code string) (*domain.Partner, error) {
	s.mu.RLock()
	id, ok := s.partnersByCode[code]
	s.mu.RUnlock()
	if !ok {
		return nil, repository.ErrPartnerNotFound
	}
	return s.GetPartner(ctx, id)
}

// --- Click Methods ---

func (s *MemStorage) SaveClick(_ context.Context, click *domain.ReferralClick, q repository.ActivityQuery, classify repository.ClassifyFunc) (*domain.ReferralClick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.byID[click.ID]; ok {
		*click = *stored
		canonical := stored
		if stored.IsDuplicate && stored.OriginalClickID != nil {
			if orig, ok := s.byID[*stored.OriginalClickID]; ok {
				canonical = orig
			}
		}
		out := *canonical
		return &out, nil
	}

	var recent repository.RecentActivity
	for _, c := range s.clicks {
		if c.PartnerID != q.PartnerID || !sameOrigin(c, q) {
			continue
		}
		if !c.CreatedAt.Before(q.VelocitySince) {
			recent.ClicksInVelocityWindow++
		}
		if c.IsDuplicate || c.CreatedAt.Before(q.DedupSince) {
			continue
		}
		if recent.Original == nil || c.CreatedAt.Before(recent.Original.CreatedAt) {
			recent.Original = c
		}
	}
	if recent.Original != nil {
		orig := *recent.Original
		recent.Original = &orig
	}

	classify(click, recent)

	cp := *click
	s.clicks = append(s.clicks, &cp)
	s.byID[cp.ID] = &cp

	if click.IsDuplicate && click.OriginalClickID != nil {
		orig, ok := s.byID[*click.OriginalClickID]
		if !ok {
			return nil, repository.ErrClickNotFound
		}
		orig.ClickCount++
		orig.UpdatedAt = click.CreatedAt
		out := *orig
		return &out, nil
	}
	out := cp
	return &out, nil
}

func sameOrigin(c *domain.ReferralClick, q repository.ActivityQuery) bool {
	if c.Fingerprint == q.Fingerprint {
		return true
	}
	return q.SessionID != "" && c.SessionID == q.SessionID
}

func (s *MemStorage) GetClick(_ context.Context, id string) (*domain.ReferralClick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrClickNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemStorage) FindClicks(_ context.Context, q repository.ClickQuery) ([]*domain.ReferralClick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.ReferralClick
	for _, c := range s.clicks {
		if c.ReferralCode != q.ReferralCode {
			continue
		}
		if q.PartnerID != "" && c.PartnerID != q.PartnerID {
			continue
		}
		if !matchesVisitor(c, q) {
			continue
		}
		if q.EligibleOnly && !eligible(c) {
			continue
		}
		if !q.Since.IsZero() && c.CreatedAt.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && c.CreatedAt.After(q.Until) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func eligible(c *domain.ReferralClick) bool {
	return !c.IsDuplicate && !c.IsSuspiciousBot && !c.IsRateLimited && !c.HasConverted && c.ConvertedAt == nil
}

func matchesVisitor(c *domain.ReferralClick, q repository.ClickQuery) bool {
	if q.SessionID == "" && q.CustomerID == "" {
		return true
	}
	if q.SessionID != "" && c.SessionID == q.SessionID {
		return true
	}
	return q.CustomerID != "" && c.CustomerID() == q.CustomerID
}

func (s *MemStorage) AnonymizeClicks(_ context.Context, before time.Time, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.clicks {
		if c.AnonymizedAt != nil || !c.CreatedAt.Before(before) {
			continue
		}
		c.IPAddress = ""
		c.UserAgent = ""
		c.Referer = ""
		c.City = ""
		c.AnonymizedAt = &now
		c.UpdatedAt = now
		n++
	}
	return n, nil
}

// --- Conversion Methods ---

func (s *MemStorage) GetConversion(_ context.Context, id string) (*domain.ConversionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversions[id]
	if !ok {
		return nil, repository.ErrConversionNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemStorage) GetConversionByIdempotencyKey(ctx context.Context, key string) (*domain.ConversionEvent, error) {
	s.mu.RLock()
	id, ok := s.conversionsByKey[key]
	s.mu.RUnlock()
	if !ok {
		return nil, repository.ErrConversionNotFound
	}
	return s.GetConversion(ctx, id)
}

func (s *MemStorage) GetPrimaryConversionByOrder(_ context.Context, orderID string) (*domain.ConversionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *domain.ConversionEvent
	for _, c := range s.conversions {
		if c.OrderID != orderID || c.IsDuplicate {
			continue
		}
		if found == nil || c.CreatedAt.Before(found.CreatedAt) {
			found = c
		}
	}
	if found == nil {
		return nil, repository.ErrConversionNotFound
	}
	cp := *found
	return &cp, nil
}

func (s *MemStorage) SaveConversion(_ context.Context, w repository.ConversionWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := w.Event
	if _, exists := s.conversionsByKey[ev.IdempotencyKey]; exists {
		return repository.ErrConversionExists
	}

	// Validate everything first so a failure leaves no partial writes.
	for _, g := range w.Grants {
		p, ok := s.policies[g.PolicyID]
		if !ok {
			return repository.ErrPolicyNotFound
		}
		if g.MaxUsageTotal != nil && p.CurrentUsageCount >= *g.MaxUsageTotal {
			return &repository.CapExceededError{PolicyID: g.PolicyID}
		}
		if g.MaxUsagePerPartner != nil && s.partnerUsage[g.PolicyID][ev.PartnerID] >= *g.MaxUsagePerPartner {
			return &repository.CapExceededError{PolicyID: g.PolicyID, PerPartner: true}
		}
	}
	var click *domain.ReferralClick
	if w.ClickID != nil {
		c, ok := s.byID[*w.ClickID]
		if !ok {
			return repository.ErrClickNotFound
		}
		if c.HasConverted || c.IsDuplicate {
			return repository.ErrClickAlreadyConverted
		}
		click = c
	}

	for _, g := range w.Grants {
		s.policies[g.PolicyID].CurrentUsageCount++
		if s.partnerUsage[g.PolicyID] == nil {
			s.partnerUsage[g.PolicyID] = make(map[string]int64)
		}
		s.partnerUsage[g.PolicyID][ev.PartnerID]++
	}
	if click != nil {
		click.HasConverted = true
		click.ConversionID = &ev.ID
		convertedAt := ev.ConvertedAt
		click.ConvertedAt = &convertedAt
		click.UpdatedAt = ev.CreatedAt
	}

	cp := *ev
	cp.Commissions = append([]domain.ConversionCommission(nil), ev.Commissions...)
	s.conversions[ev.ID] = &cp
	s.conversionsByKey[ev.IdempotencyKey] = ev.ID
	return nil
}

func (s *MemStorage) TransitionConversion(_ context.Context, id string, from []domain.ConversionStatus, mutate func(c *domain.ConversionEvent)) (*domain.ConversionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversions[id]
	if !ok {
		return nil, repository.ErrConversionNotFound
	}
	allowed := false
	for _, st := range from {
		if c.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, domain.ErrInvalidTransition
	}
	cp := *c
	mutate(&cp)
	s.conversions[id] = &cp
	out := cp
	return &out, nil
}

// --- Policy Methods ---

func (s *MemStorage) CreatePolicy(_ context.Context, p *domain.CommissionPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.policyByCode[p.PolicyCode]; exists {
		return repository.ErrPolicyCodeExists
	}
	cp := *p
	s.policies[p.ID] = &cp
	s.policyByCode[p.PolicyCode] = p.ID
	return nil
}

func (s *MemStorage) GetPolicyByCode(_ context.Context, code string) (*domain.CommissionPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.policyByCode[code]
	if !ok {
		return nil, repository.ErrPolicyNotFound
	}
	cp := *s.policies[id]
	return &cp, nil
}

func (s *MemStorage) ListCandidatePolicies(_ context.Context, now time.Time) ([]domain.CommissionPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CommissionPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		if p.Status != domain.PolicyStatusActive {
			continue
		}
		if p.ValidFrom != nil && now.Before(*p.ValidFrom) {
			continue
		}
		if p.ValidUntil != nil && now.After(*p.ValidUntil) {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStorage) PartnerUsage(_ context.Context, partnerID string, policyIDs []string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	usage := make(map[string]int64, len(policyIDs))
	for _, id := range policyIDs {
		if n := s.partnerUsage[id][partnerID]; n > 0 {
			usage[id] = n
		}
	}
	return usage, nil
}

var _ repository.Storage = (*MemStorage)(nil)
