package postgres

import (
	"context"
	"errors"
	"fmt"

	"referral-engine/internal/domain"
	"referral-engine/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	incrementPartnerUsageSQL = `INSERT INTO commission_policy_partner_usages (policy_id, partner_id, usage_count, updated_at)
VALUES (?, ?, 1, NOW())
ON CONFLICT (policy_id, partner_id) DO UPDATE
SET usage_count = commission_policy_partner_usages.usage_count + 1, updated_at = NOW()`

	incrementPartnerUsageCappedSQL = incrementPartnerUsageSQL + `
WHERE commission_policy_partner_usages.usage_count < ?`
)

// GetConversion returns a conversion with its commission lines.
func (s *PostgresStorage) GetConversion(ctx context.Context, id string) (*domain.ConversionEvent, error) {
	return s.getConversion(ctx, "id = ?", id)
}

// GetConversionByIdempotencyKey returns the conversion recorded under key.
func (s *PostgresStorage) GetConversionByIdempotencyKey(ctx context.Context, key string) (*domain.ConversionEvent, error) {
	return s.getConversion(ctx, "idempotency_key = ?", key)
}

// GetPrimaryConversionByOrder returns the first non-duplicate conversion of an order.
func (s *PostgresStorage) GetPrimaryConversionByOrder(ctx context.Context, orderID string) (*domain.ConversionEvent, error) {
	return s.getConversion(ctx, "order_id = ? AND is_duplicate = ?", orderID, false)
}

func (s *PostgresStorage) getConversion(ctx context.Context, cond string, args ...interface{}) (*domain.ConversionEvent, error) {
	var ev domain.ConversionEvent
	err := s.db.WithContext(ctx).
		Preload("Commissions", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where(cond, args...).
		Order("created_at ASC").
		First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrConversionNotFound
	}
	if err != nil {
		s.log.Error("failed to get conversion", zap.String("condition", cond), zap.Error(err))
		return nil, fmt.Errorf("failed to get conversion: %w", err)
	}
	return &ev, nil
}

// SaveConversion persists a conversion, its commission lines, the policy
// usage increments and the click linkage in a single transaction.
func (s *PostgresStorage) SaveConversion(ctx context.Context, w repository.ConversionWrite) error {
	ev := w.Event

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
			Create(ev)
		if res.Error != nil {
			if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
				return repository.ErrConversionExists
			}
			return fmt.Errorf("failed to create conversion: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return repository.ErrConversionExists
		}

		if len(ev.Commissions) > 0 {
			for i := range ev.Commissions {
				ev.Commissions[i].ConversionID = ev.ID
			}
			if err := tx.Create(&ev.Commissions).Error; err != nil {
				return fmt.Errorf("failed to create commission lines: %w", err)
			}
		}

		for _, g := range w.Grants {
			if err := incrementPolicyUsage(tx, g, ev.PartnerID); err != nil {
				return err
			}
		}

		if w.ClickID != nil {
			res := tx.Model(&domain.ReferralClick{}).
				Where("id = ? AND has_converted = ? AND is_duplicate = ?", *w.ClickID, false, false).
				Updates(map[string]interface{}{
					"has_converted": true,
					"conversion_id": ev.ID,
					"converted_at":  ev.ConvertedAt,
					"updated_at":    ev.CreatedAt,
				})
			if res.Error != nil {
				return fmt.Errorf("failed to link click: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return repository.ErrClickAlreadyConverted
			}
		}
		return nil
	})
	if err != nil {
		var capErr *repository.CapExceededError
		switch {
		case errors.Is(err, repository.ErrConversionExists),
			errors.Is(err, repository.ErrClickAlreadyConverted),
			errors.As(err, &capErr):
			s.log.Debug("conversion not persisted",
				zap.String("order_id", ev.OrderID),
				zap.String("idempotency_key", ev.IdempotencyKey),
				zap.Error(err))
		default:
			s.log.Error("failed to save conversion", zap.String("order_id", ev.OrderID), zap.Error(err))
		}
		return err
	}

	s.log.Info("recorded conversion",
		zap.String("conversion_id", ev.ID),
		zap.String("order_id", ev.OrderID),
		zap.String("commission", ev.CommissionAmount.String()))
	return nil
}

// incrementPolicyUsage atomically bumps the policy counters if they are
// still below their caps.
func incrementPolicyUsage(tx *gorm.DB, g repository.PolicyGrant, partnerID string) error {
	res := tx.Model(&domain.CommissionPolicy{}).
		Where("id = ?", g.PolicyID).
		Where("max_usage_total IS NULL OR current_usage_count < max_usage_total").
		UpdateColumn("current_usage_count", gorm.Expr("current_usage_count + 1"))
	if res.Error != nil {
		return fmt.Errorf("failed to increment usage of policy %s: %w", g.PolicyCode, res.Error)
	}
	if res.RowsAffected == 0 {
		return &repository.CapExceededError{PolicyID: g.PolicyID}
	}

	if g.MaxUsagePerPartner == nil {
		res = tx.Exec(incrementPartnerUsageSQL, g.PolicyID, partnerID)
	} else {
		res = tx.Exec(incrementPartnerUsageCappedSQL, g.PolicyID, partnerID, *g.MaxUsagePerPartner)
	}
	if res.Error != nil {
		return fmt.Errorf("failed to increment partner usage of policy %s: %w", g.PolicyCode, res.Error)
	}
	if res.RowsAffected == 0 {
		return &repository.CapExceededError{PolicyID: g.PolicyID, PerPartner: true}
	}
	return nil
}

// TransitionConversion applies a status change under a row lock.
func (s *PostgresStorage) TransitionConversion(ctx context.Context, id string, from []domain.ConversionStatus, mutate func(c *domain.ConversionEvent)) (*domain.ConversionEvent, error) {
	var ev domain.ConversionEvent

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&ev).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return repository.ErrConversionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock conversion: %w", err)
		}

		allowed := false
		for _, st := range from {
			if ev.Status == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: conversion %s is %s", domain.ErrInvalidTransition, id, ev.Status)
		}

		mutate(&ev)
		return tx.Omit(clause.Associations).Save(&ev).Error
	})
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, repository.ErrConversionNotFound) {
			s.log.Error("failed to transition conversion", zap.String("conversion_id", id), zap.Error(err))
		}
		return nil, err
	}

	s.log.Info("conversion status changed", zap.String("conversion_id", id), zap.String("status", string(ev.Status)))
	return &ev, nil
}
