// Package database opens the GORM session backing every core
// component and runs AutoMigrate against internal/models. Driver
// selection by DSN prefix (postgres:// / postgresql:// vs. a sqlite
// file path) mirrors the teacher's internal/database.New dispatch,
// applied to this module's own schema instead of the trading bot's.
package database

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/forgecraft/tradepost/internal/models"
)

// Open connects to dsn (Postgres if it has a postgres(ql):// prefix,
// otherwise a sqlite file at that path, creating parent directories as
// needed) and migrates every model in models.AllModels.
func Open(dsn string) (*gorm.DB, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("database: connected (postgres)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("database: connected (sqlite)")
	}

	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return nil, err
	}

	var version models.SchemaVersion
	if err := db.FirstOrCreate(&version, models.SchemaVersion{ID: 1, Version: models.CurrentSchemaVersion}).Error; err != nil {
		return nil, err
	}
	if version.Version != models.CurrentSchemaVersion {
		log.Warn().Int("have", version.Version).Int("want", models.CurrentSchemaVersion).
			Msg("database: schema version mismatch, run migration tooling")
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
