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

// PostgresStorage implements repository.Storage on PostgreSQL.
type PostgresStorage struct {
	db  *gorm.DB
	log *zap.Logger
}

// New creates a PostgreSQL storage.
func New(db *gorm.DB, log *zap.Logger) *PostgresStorage {
	return &PostgresStorage{
		db:  db,
		log: log,
	}
}

// Ping checks the database connection.
func (s *PostgresStorage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB instance: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// --- Partner Methods ---

// SavePartner inserts or updates a partner projection.
func (s *PostgresStorage) SavePartner(ctx context.Context, p *domain.Partner) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"referral_code", "name", "tier", "status", "updated_at"}),
	}).Create(p).Error
	if err != nil {
		s.log.Error("failed to save partner", zap.String("partner_id", p.ID), zap.Error(err))
		return fmt.Errorf("failed to save partner: %w", err)
	}
	return nil
}

// GetPartner returns a partner by id.
func (s *PostgresStorage) GetPartner(ctx context.Context, id string) (*domain.Partner, error) {
	var p domain.Partner
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrPartnerNotFound
	}
	if err != nil {
		s.log.Error("failed to get partner", zap.String("partner_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get partner: %w", err)
	}
	return &p, nil
}

// GetPartnerByReferralCode returns the partner owning a referral code.
func (s *PostgresStorage) GetPartnerByReferralCode(ctx context.Context, code string) (*domain.Partner, error) {
	var p domain.Partner
	err := s.db.WithContext(ctx).Where("referral_code = ?", code).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, repository.ErrPartnerNotFound
	}
	if err != nil {
		s.log.Error("failed to get partner by referral code", zap.String("referral_code", code), zap.Error(err))
		return nil, fmt.Errorf("failed to get partner: %w", err)
	}
	return &p, nil
}

var _ repository.Storage = (*PostgresStorage)(nil)
