package commission

import (
	"sort"
	"strings"

	"referral-engine/internal/domain"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

var hundred = decimal.NewFromInt(100)

// calculator computes the unclamped commission of one policy variant.
type calculator func(p *domain.CommissionPolicy, cc ConversionContext, partnerUsage int64) decimal.Decimal

var calculators = map[domain.CommissionType]calculator{
	domain.CommissionPercentage: percentageAmount,
	domain.CommissionFixed:      fixedAmount,
	domain.CommissionTiered:     tieredAmount,
}

func amountFor(p *domain.CommissionPolicy, cc ConversionContext, partnerUsage int64) decimal.Decimal {
	calc, ok := calculators[p.CommissionType]
	if !ok {
		return decimal.Zero
	}
	return calc(p, cc, partnerUsage)
}

func percentageAmount(p *domain.CommissionPolicy, cc ConversionContext, _ int64) decimal.Decimal {
	return cc.OrderAmount.Mul(p.CommissionRate).Div(hundred)
}

func fixedAmount(p *domain.CommissionPolicy, _ ConversionContext, _ int64) decimal.Decimal {
	return p.CommissionAmount
}

func tieredAmount(p *domain.CommissionPolicy, cc ConversionContext, partnerUsage int64) decimal.Decimal {
	rates := p.TieredRates.Data()

	basis := cc.OrderAmount
	if rates.Basis == domain.TierBasisPartnerConversions {
		basis = decimal.NewFromInt(partnerUsage)
	}

	tier, ok := FindTier(rates.Tiers, basis)
	if !ok {
		return decimal.Zero
	}
	if tier.Type == domain.CommissionFixed {
		return tier.Rate
	}
	return cc.OrderAmount.Mul(tier.Rate).Div(hundred)
}

// FindTier returns the bracket containing v. Brackets cover
// [Threshold, next Threshold); a value below the first threshold has no
// bracket.
func FindTier(tiers []domain.Tier, v decimal.Decimal) (domain.Tier, bool) {
	sorted := make([]domain.Tier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Threshold.LessThan(sorted[j].Threshold)
	})

	var (
		found domain.Tier
		ok    bool
	)
	for _, t := range sorted {
		if v.LessThan(t.Threshold) {
			break
		}
		found, ok = t, true
	}
	return found, ok
}

// minorUnits returns the number of decimal places of the currency's
// smallest unit; unknown currencies use 2.
func minorUnits(code string) int32 {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}
