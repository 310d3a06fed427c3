package commission

import (
	"context"
	"fmt"

	"referral-engine/internal/domain"
	"referral-engine/internal/repository"

	"go.uber.org/zap"
)

// Service loads policies and usage from storage and resolves commissions.
type Service struct {
	policies repository.PolicyStore
	log      *zap.Logger
}

func NewService(policies repository.PolicyStore, log *zap.Logger) *Service {
	return &Service{policies: policies, log: log}
}

// Resolve resolves the commission for cc, skipping the policies in excluded.
// It never increments usage.
func (s *Service) Resolve(ctx context.Context, cc ConversionContext, excluded map[string]bool) (*Resolution, error) {
	policies, err := s.policies.ListCandidatePolicies(ctx, cc.Now)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	usage, err := s.partnerUsage(ctx, cc.PartnerID, policies)
	if err != nil {
		return nil, err
	}

	res := Resolve(cc, policies, usage, excluded)

	codes := make([]string, 0, len(res.Policies))
	for _, ap := range res.Policies {
		codes = append(codes, ap.Policy.PolicyCode)
	}
	s.log.Debug("commission resolved",
		zap.String("partner_id", cc.PartnerID),
		zap.Strings("policies", codes),
		zap.String("total", res.TotalAmount.String()),
		zap.Int("candidates", len(policies)))
	return &res, nil
}

// partnerUsage loads usage for the policies whose resolution depends on it.
func (s *Service) partnerUsage(ctx context.Context, partnerID string, policies []domain.CommissionPolicy) (map[string]int64, error) {
	var ids []string
	for _, p := range policies {
		if p.MaxUsagePerPartner != nil ||
			(p.CommissionType == domain.CommissionTiered && p.TieredRates.Data().Basis == domain.TierBasisPartnerConversions) {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 || partnerID == "" {
		return map[string]int64{}, nil
	}
	usage, err := s.policies.PartnerUsage(ctx, partnerID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load partner usage: %w", err)
	}
	return usage, nil
}
