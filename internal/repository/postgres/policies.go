package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"referral-engine/internal/domain"
	"referral-engine/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ListCandidatePolicies returns active policies valid at now.
func (s *PostgresStorage) ListCandidatePolicies(ctx context.Context, now time.Time) ([]domain.CommissionPolicy, error) {
	var policies []domain.CommissionPolicy
	err := s.db.WithContext(ctx).
		Where("status = ?", domain.PolicyStatusActive).
		Where("valid_from IS NULL OR valid_from <= ?", now).
		Where("valid_until IS NULL OR valid_until >= ?", now).
		Order("id ASC").
		Find(&policies).Error
	if err != nil {
		s.log.Error("failed to list commission policies", zap.Error(err))
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	return policies, nil
}

// GetPolicyByCode returns a policy by its unique code.
func (s *PostgresStorage) GetPolicyByCode(ctx context.Context, code string) (*domain.CommissionPolicy, error) {
	var p domain.CommissionPolicy
	err := s.db.WithContext(ctx).Where("policy_code = ?", code).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrPolicyNotFound
	}
	if err != nil {
		s.log.Error("failed to get policy", zap.String("policy_code", code), zap.Error(err))
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return &p, nil
}

// CreatePolicy stores a new policy.
func (s *PostgresStorage) CreatePolicy(ctx context.Context, p *domain.CommissionPolicy) error {
	err := s.db.WithContext(ctx).Create(p).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return repository.ErrPolicyCodeExists
	}
	if err != nil {
		s.log.Error("failed to create policy", zap.String("policy_code", p.PolicyCode), zap.Error(err))
		return fmt.Errorf("failed to create policy: %w", err)
	}
	s.log.Info("created commission policy", zap.String("policy_code", p.PolicyCode))
	return nil
}

// PartnerUsage returns the partner's usage counters for the given policies.
func (s *PostgresStorage) PartnerUsage(ctx context.Context, partnerID string, policyIDs []string) (map[string]int64, error) {
	usage := make(map[string]int64, len(policyIDs))
	if len(policyIDs) == 0 {
		return usage, nil
	}

	var rows []domain.PolicyPartnerUsage
	err := s.db.WithContext(ctx).
		Where("partner_id = ? AND policy_id IN ?", partnerID, policyIDs).
		Find(&rows).Error
	if err != nil {
		s.log.Error("failed to load partner usage", zap.String("partner_id", partnerID), zap.Error(err))
		return nil, fmt.Errorf("failed to load partner usage: %w", err)
	}
	for _, r := range rows {
		usage[r.PolicyID] = r.UsageCount
	}
	return usage, nil
}
