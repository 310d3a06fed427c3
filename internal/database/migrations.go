package database

import (
	"database/sql"
	"errors"
	"fmt"

	"referral-engine/internal/domain"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const migrationsTable = "referral_schema_migrations"

// RunMigrations applies the SQL migrations in dir to the database at dbURL.
func RunMigrations(dbURL, dir string, log *zap.Logger) error {
	conn, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer conn.Close()

	driver, err := migratepg.WithInstance(conn, &migratepg.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	log.Info("database migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// AutoMigrate syncs the GORM models into the schema. The SQL migrations are
// the source of truth; this is for local development.
func AutoMigrate(db *gorm.DB, log *zap.Logger) error {
	log.Info("starting database auto-migration")

	// Order matters because of foreign keys.
	models := []interface{}{
		&domain.Partner{},
		&domain.ReferralClick{},
		&domain.CommissionPolicy{},
		&domain.PolicyPartnerUsage{},
		&domain.ConversionEvent{},
		&domain.ConversionCommission{},
	}

	for i, model := range models {
		modelName := fmt.Sprintf("%T", model)
		log.Debug("migrating model",
			zap.String("model", modelName),
			zap.Int("step", i+1),
			zap.Int("total", len(models)))

		if err := db.AutoMigrate(model); err != nil {
			log.Error("failed to migrate model",
				zap.String("model", modelName),
				zap.Error(err))
			return fmt.Errorf("failed to migrate model %s: %w", modelName, err)
		}
	}

	log.Info("database auto-migration completed", zap.Int("migrated_models", len(models)))
	return nil
}

// SeedData creates the default "standard" commission policy when it does
// not exist yet.
func SeedData(db *gorm.DB, log *zap.Logger) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate policy id: %w", err)
	}

	standard := domain.CommissionPolicy{
		ID:             id.String(),
		PolicyCode:     "standard",
		Name:           "Standard commission",
		Description:    "Default commission applied to every attributed conversion.",
		PolicyType:     "standard",
		Status:         domain.PolicyStatusActive,
		Priority:       0,
		CommissionType: domain.CommissionPercentage,
		CommissionRate: decimal.NewFromInt(10),
		CreatedBy:      "seed",
	}

	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "policy_code"}},
		DoNothing: true,
	}).Create(&standard)
	if res.Error != nil {
		log.Error("failed to seed commission policies", zap.Error(res.Error))
		return fmt.Errorf("failed to seed commission policies: %w", res.Error)
	}

	log.Info("database seeding completed", zap.Int64("policies_created", res.RowsAffected))
	return nil
}
