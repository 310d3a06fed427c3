package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"referral-engine/internal/domain"
	"referral-engine/internal/repository"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SaveClick classifies and inserts a click. Concurrent clicks sharing a
// fingerprint or session are serialized with transaction-scoped advisory
// locks, so exactly one of them can observe "no original" and become it.
func (s *PostgresStorage) SaveClick(ctx context.Context, click *domain.ReferralClick, q repository.ActivityQuery, classify repository.ClassifyFunc) (*domain.ReferralClick, error) {
	var canonical domain.ReferralClick

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored []domain.ReferralClick
		if err := tx.Where("id = ?", click.ID).Limit(1).Find(&stored).Error; err != nil {
			return fmt.Errorf("failed to look up click: %w", err)
		}
		if len(stored) > 0 {
			*click = stored[0]
			canonical = stored[0]
			if click.IsDuplicate && click.OriginalClickID != nil {
				return tx.Where("id = ?", *click.OriginalClickID).First(&canonical).Error
			}
			return nil
		}

		for _, key := range activityLockKeys(q) {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtextextended(?, 0))", key).Error; err != nil {
				return fmt.Errorf("failed to lock click origin: %w", err)
			}
		}

		originCond, originArgs := originCondition(q)

		var recent repository.RecentActivity
		var originals []domain.ReferralClick
		err := tx.Where("partner_id = ? AND is_duplicate = ? AND created_at >= ?", q.PartnerID, false, q.DedupSince).
			Where(originCond, originArgs...).
			Order("created_at ASC, id ASC").
			Limit(1).
			Find(&originals).Error
		if err != nil {
			return fmt.Errorf("failed to find original click: %w", err)
		}
		if len(originals) > 0 {
			recent.Original = &originals[0]
		}

		err = tx.Model(&domain.ReferralClick{}).
			Where("partner_id = ? AND created_at >= ?", q.PartnerID, q.VelocitySince).
			Where(originCond, originArgs...).
			Count(&recent.ClicksInVelocityWindow).Error
		if err != nil {
			return fmt.Errorf("failed to count recent clicks: %w", err)
		}

		classify(click, recent)

		if err := tx.Omit("Partner").Create(click).Error; err != nil {
			return fmt.Errorf("failed to create click: %w", err)
		}

		if !click.IsDuplicate || click.OriginalClickID == nil {
			canonical = *click
			return nil
		}

		res := tx.Model(&domain.ReferralClick{}).
			Where("id = ?", *click.OriginalClickID).
			Updates(map[string]interface{}{
				"click_count": gorm.Expr("click_count + 1"),
				"updated_at":  click.CreatedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update click count: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return repository.ErrClickNotFound
		}
		return tx.Where("id = ?", *click.OriginalClickID).First(&canonical).Error
	})
	if err != nil {
		s.log.Error("failed to save click",
			zap.String("partner_id", click.PartnerID),
			zap.String("fingerprint", click.Fingerprint),
			zap.Error(err))
		return nil, err
	}

	s.log.Debug("recorded click",
		zap.String("click_id", click.ID),
		zap.Bool("duplicate", click.IsDuplicate),
		zap.String("status", string(click.Status)))
	return &canonical, nil
}

// activityLockKeys returns the advisory lock keys for a click origin in a
// stable order so two transactions never wait on each other crosswise.
func activityLockKeys(q repository.ActivityQuery) []string {
	keys := []string{"click:fp:" + q.PartnerID + ":" + q.Fingerprint}
	if q.SessionID != "" {
		keys = append(keys, "click:session:"+q.PartnerID+":"+q.SessionID)
	}
	sort.Strings(keys)
	return keys
}

func originCondition(q repository.ActivityQuery) (string, []interface{}) {
	if q.SessionID == "" {
		return "fingerprint = ?", []interface{}{q.Fingerprint}
	}
	return "(fingerprint = ? OR session_id = ?)", []interface{}{q.Fingerprint, q.SessionID}
}

// GetClick returns a click by id.
func (s *PostgresStorage) GetClick(ctx context.Context, id string) (*domain.ReferralClick, error) {
	var c domain.ReferralClick
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrClickNotFound
	}
	if err != nil {
		s.log.Error("failed to get click", zap.String("click_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get click: %w", err)
	}
	return &c, nil
}

// FindClicks returns attribution candidates newest first.
func (s *PostgresStorage) FindClicks(ctx context.Context, q repository.ClickQuery) ([]*domain.ReferralClick, error) {
	query := s.db.WithContext(ctx).Where("referral_code = ?", q.ReferralCode)
	if q.PartnerID != "" {
		query = query.Where("partner_id = ?", q.PartnerID)
	}
	switch {
	case q.SessionID != "" && q.CustomerID != "":
		query = query.Where(s.db.Where("session_id = ?", q.SessionID).
			Or(datatypes.JSONQuery("metadata").Equals(q.CustomerID, "customerId")))
	case q.SessionID != "":
		query = query.Where("session_id = ?", q.SessionID)
	case q.CustomerID != "":
		query = query.Where(datatypes.JSONQuery("metadata").Equals(q.CustomerID, "customerId"))
	}
	if q.EligibleOnly {
		query = query.Where("is_duplicate = ? AND is_suspicious_bot = ? AND is_rate_limited = ? AND has_converted = ? AND converted_at IS NULL",
			false, false, false, false)
	}
	if !q.Since.IsZero() {
		query = query.Where("created_at >= ?", q.Since)
	}
	if !q.Until.IsZero() {
		query = query.Where("created_at <= ?", q.Until)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var clicks []*domain.ReferralClick
	if err := query.Order("created_at DESC, id DESC").Find(&clicks).Error; err != nil {
		s.log.Error("failed to find clicks", zap.String("referral_code", q.ReferralCode), zap.Error(err))
		return nil, fmt.Errorf("failed to find clicks: %w", err)
	}
	return clicks, nil
}

// AnonymizeClicks strips personal data from clicks created before the cutoff.
func (s *PostgresStorage) AnonymizeClicks(ctx context.Context, before time.Time, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&domain.ReferralClick{}).
		Where("created_at < ? AND anonymized_at IS NULL", before).
		Updates(map[string]interface{}{
			"ip_address":    "",
			"user_agent":    "",
			"referer":       "",
			"city":          "",
			"anonymized_at": now,
			"updated_at":    now,
		})
	if res.Error != nil {
		s.log.Error("failed to anonymize clicks", zap.Time("before", before), zap.Error(res.Error))
		return 0, fmt.Errorf("failed to anonymize clicks: %w", res.Error)
	}
	return res.RowsAffected, nil
}
