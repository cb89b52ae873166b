package db

import (
	"errors"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"abinsight/internal/config"
)

// Connect opens a GORM database connection using APP_DATABASE_URL
// (PostgreSQL URL) and migrates the schema. The returned handle wraps a
// shared connection pool; callers hold it for the process lifetime and
// release it via Close.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	if dsn == "" {
		return nil, errors.New("APP_DATABASE_URL is required (PostgreSQL URL)")
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return nil, errors.New("APP_DATABASE_URL must be a postgres:// or postgresql:// URL")
	}

	// PrepareStmt: true prevents the GORM postgres migrator from forcing simple protocol
	// for "SELECT * FROM table LIMIT 1", which would otherwise trigger "insufficient arguments".
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{PrepareStmt: true})
	if err != nil {
		return nil, err
	}

	// Auto-migrate the core tables.
	if err := db.AutoMigrate(
		&Experiment{},
		&Variant{},
		&Assignment{},
		&EventLog{},
		&RollupRun{},
		&DailyMetricRollup{},
		&ExperimentMetricRollup{},
		&FunnelRollup{},
		&LoadTestRun{},
		&LoadTestEndpointMetric{},
		&LoadTestDataCheck{},
	); err != nil {
		return nil, err
	}

	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
