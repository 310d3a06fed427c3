package attribution

import "referral-engine/internal/domain"

// Model selects the credited clicks among the candidates of a conversion.
// Candidates are ordered newest first, ties broken by id descending.
type Model interface {
	Name() string
	// Attribute returns the touch path, the primary credited click and, when
	// nothing can be credited, the reason. When no click is credited the
	// returned click is the one that best explains the reason, or nil.
	Attribute(candidates []*domain.ReferralClick, check func(*domain.ReferralClick) Reason) ([]domain.TouchPoint, *domain.ReferralClick, Reason)
}

// LastTouch credits the most recent eligible click with the full weight.
type LastTouch struct{}

func (LastTouch) Name() string {
	return domain.AttributionModelLastTouch
}

func (LastTouch) Attribute(candidates []*domain.ReferralClick, check func(*domain.ReferralClick) Reason) ([]domain.TouchPoint, *domain.ReferralClick, Reason) {
	if len(candidates) == 0 {
		return nil, nil, ReasonNotFound
	}
	for _, c := range candidates {
		if check(c) == "" {
			return []domain.TouchPoint{{ClickID: c.ID, ClickedAt: c.CreatedAt, Weight: 1}}, c, ""
		}
	}
	// Nothing eligible: report why the latest touch was rejected.
	return nil, candidates[0], check(candidates[0])
}
