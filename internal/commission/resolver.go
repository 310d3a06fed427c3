package commission

import (
	"sort"
	"time"

	"referral-engine/internal/domain"
	"referral-engine/internal/repository"

	"github.com/shopspring/decimal"
)

// ConversionContext is everything policy matching looks at.
type ConversionContext struct {
	PartnerID         string
	PartnerTier       string
	ProductID         string
	Category          string
	SupplierID        string
	OrderAmount       decimal.Decimal
	Currency          string
	IsNewCustomer     bool
	HasDiscountedItem bool
	Now               time.Time
}

// AppliedPolicy is one selected policy and its contribution.
type AppliedPolicy struct {
	Policy    domain.CommissionPolicy
	RawAmount decimal.Decimal
	Amount    decimal.Decimal
}

// Resolution is the outcome of policy resolution. An empty Policies slice
// with a zero total is a valid "no commission" outcome.
type Resolution struct {
	Policies    []AppliedPolicy
	TotalAmount decimal.Decimal
	Currency    string
}

// Grants returns the usage increments the resolution needs.
func (r Resolution) Grants() []repository.PolicyGrant {
	grants := make([]repository.PolicyGrant, 0, len(r.Policies))
	for _, ap := range r.Policies {
		grants = append(grants, repository.PolicyGrant{
			PolicyID:           ap.Policy.ID,
			PolicyCode:         ap.Policy.PolicyCode,
			MaxUsageTotal:      ap.Policy.MaxUsageTotal,
			MaxUsagePerPartner: ap.Policy.MaxUsagePerPartner,
		})
	}
	return grants
}

// Lines converts the resolution into persisted commission lines.
func (r Resolution) Lines() []domain.ConversionCommission {
	lines := make([]domain.ConversionCommission, 0, len(r.Policies))
	for _, ap := range r.Policies {
		lines = append(lines, domain.ConversionCommission{
			PolicyID:   ap.Policy.ID,
			PolicyCode: ap.Policy.PolicyCode,
			RawAmount:  ap.RawAmount,
			Amount:     ap.Amount,
		})
	}
	return lines
}

// Resolve selects the applicable policies for cc and computes the
// commission. partnerUsage holds the partner's usage count per policy id;
// policies listed in excluded are skipped. Resolve is pure.
func Resolve(cc ConversionContext, policies []domain.CommissionPolicy, partnerUsage map[string]int64, excluded map[string]bool) Resolution {
	res := Resolution{TotalAmount: decimal.Zero, Currency: cc.Currency}

	candidates := make([]domain.CommissionPolicy, 0, len(policies))
	for _, p := range policies {
		if excluded[p.ID] || !applicable(&p, cc, partnerUsage[p.ID]) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return res
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := &candidates[i], &candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if sa, sb := specificity(a), specificity(b); sa != sb {
			return sa > sb
		}
		return a.ID < b.ID
	})

	selected := []domain.CommissionPolicy{candidates[0]}
	if candidates[0].CanStackWithOtherPolicies {
		for _, c := range candidates[1:] {
			if !c.CanStackWithOtherPolicies || conflicts(&c, selected) {
				continue
			}
			selected = append(selected, c)
		}
	}

	scale := minorUnits(cc.Currency)
	for _, p := range selected {
		raw := clamp(amountFor(&p, cc, partnerUsage[p.ID]), p.MinCommission, p.MaxCommission)
		amount := raw.Round(scale)
		res.Policies = append(res.Policies, AppliedPolicy{Policy: p, RawAmount: raw, Amount: amount})
		res.TotalAmount = res.TotalAmount.Add(amount)
	}
	res.TotalAmount = res.TotalAmount.Round(scale)
	return res
}

// applicable reports whether p may apply to cc. A policy that reached one of
// its caps is simply not applicable.
func applicable(p *domain.CommissionPolicy, cc ConversionContext, usage int64) bool {
	if p.Status != domain.PolicyStatusActive {
		return false
	}
	if _, ok := calculators[p.CommissionType]; !ok {
		return false
	}
	if p.RequiresApproval && p.ApprovedAt == nil {
		return false
	}
	if p.ValidFrom != nil && cc.Now.Before(*p.ValidFrom) {
		return false
	}
	if p.ValidUntil != nil && cc.Now.After(*p.ValidUntil) {
		return false
	}
	if p.MinOrderAmount != nil && cc.OrderAmount.LessThan(*p.MinOrderAmount) {
		return false
	}
	if p.MaxOrderAmount != nil && cc.OrderAmount.GreaterThan(*p.MaxOrderAmount) {
		return false
	}
	if !scopeMatches(p.PartnerID, cc.PartnerID) ||
		!scopeMatches(p.PartnerTier, cc.PartnerTier) ||
		!scopeMatches(p.ProductID, cc.ProductID) ||
		!scopeMatches(p.SupplierID, cc.SupplierID) ||
		!scopeMatches(p.Category, cc.Category) {
		return false
	}
	if p.RequiresNewCustomer && !cc.IsNewCustomer {
		return false
	}
	if p.ExcludeDiscountedItems && cc.HasDiscountedItem {
		return false
	}
	if p.TotalCapReached() {
		return false
	}
	if p.MaxUsagePerPartner != nil && usage >= *p.MaxUsagePerPartner {
		return false
	}
	return true
}

// scopeMatches treats a nil scope as a wildcard.
func scopeMatches(scope *string, value string) bool {
	return scope == nil || *scope == value
}

// specificity ranks how narrowly a policy is scoped.
func specificity(p *domain.CommissionPolicy) int {
	switch {
	case p.ProductID != nil:
		return 5
	case p.Category != nil:
		return 4
	case p.SupplierID != nil:
		return 3
	case p.PartnerID != nil:
		return 2
	case p.PartnerTier != nil:
		return 1
	default:
		return 0
	}
}

// conflicts reports whether c and any selected policy exclude each other.
func conflicts(c *domain.CommissionPolicy, selected []domain.CommissionPolicy) bool {
	for i := range selected {
		if selected[i].ExcludesCode(c.PolicyCode) || c.ExcludesCode(selected[i].PolicyCode) {
			return true
		}
	}
	return false
}

func clamp(v decimal.Decimal, min, max *decimal.Decimal) decimal.Decimal {
	if min != nil && v.LessThan(*min) {
		v = *min
	}
	if max != nil && v.GreaterThan(*max) {
		v = *max
	}
	return v
}
