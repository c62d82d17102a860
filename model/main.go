package model

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/common/logger"
)

type sqlDialect string

const (
	dialectMySQL    sqlDialect = "mysql"
	dialectPostgres sqlDialect = "postgres"
	dialectSQLite   sqlDialect = "sqlite"
)

// chooseDB picks the gorm dialector for storageType and dsn.
func chooseDB(storageType, dsn string) (*gorm.DB, sqlDialect, error) {
	switch storageType {
	case StorageTypePgSQL:
		db, err := openPostgreSQL(dsn)
		return db, dialectPostgres, err
	case StorageTypeMySQL:
		db, err := openMySQL(dsn)
		return db, dialectMySQL, err
	default:
		db, err := openSQLite(dsn)
		return db, dialectSQLite, err
	}
}

// normalizePostgresDSN maps the pgsql:// scheme accepted in SERVER_STORAGE_URL
// onto one the pgx driver understands.
func normalizePostgresDSN(dsn string) string {
	for _, prefix := range []string{"pgsql://", "postgresql+asyncpg://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "postgres://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

func openPostgreSQL(dsn string) (*gorm.DB, error) {
	logger.Logger.Info("using PostgreSQL as storage")
	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  normalizePostgresDSN(dsn),
		PreferSimpleProtocol: true, // disables implicit prepared statement usage
	}), &gorm.Config{
		PrepareStmt: true,
	})
}

func openMySQL(dsn string) (*gorm.DB, error) {
	logger.Logger.Info("using MySQL as storage")
	normalized, err := mysqlDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "normalize MySQL DSN")
	}

	return gorm.Open(mysql.Open(normalized), &gorm.Config{
		PrepareStmt: true,
	})
}

func openSQLite(path string) (*gorm.DB, error) {
	logger.Logger.Info("using SQLite as storage", zap.String("path", path))
	dsn := fmt.Sprintf("%s?_busy_timeout=%d", path, config.SQLiteBusyTimeout)
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt: true,
	})
}

// openDB opens and migrates a SQL database for the storage backend.
func openDB(ctx context.Context, storageType, dsn string) (*gorm.DB, sqlDialect, error) {
	db, dialect, err := chooseDB(storageType, dsn)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to initialize database")
	}

	if config.DebugSQLEnabled {
		logger.Logger.Debug("debug sql enabled")
		db = db.Debug()
	}

	if _, err = setDBConns(ctx, db); err != nil {
		return nil, "", errors.WithStack(err)
	}

	logger.Logger.Info("database migration started")
	if err = migrateDB(db); err != nil {
		return nil, "", errors.Wrap(err, "failed to migrate database")
	}
	logger.Logger.Info("database migration completed")

	return db, dialect, nil
}

func migrateDB(db *gorm.DB) error {
	if err := db.AutoMigrate(&Token{}); err != nil {
		return errors.Wrap(err, "failed to migrate Token")
	}
	if err := db.AutoMigrate(&AppConfig{}); err != nil {
		return errors.Wrap(err, "failed to migrate AppConfig")
	}
	if err := db.AutoMigrate(&StorageMeta{}); err != nil {
		return errors.Wrap(err, "failed to migrate StorageMeta")
	}
	return nil
}

func setDBConns(ctx context.Context, db *gorm.DB) (*sql.DB, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect database")
	}

	maxIdleConns := config.SQLMaxIdleConns
	maxOpenConns := config.SQLMaxOpenConns
	maxLifetime := config.SQLMaxLifetimeSeconds

	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Second * time.Duration(maxLifetime))

	logger.Logger.Info("database connection pool configured",
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_lifetime_secs", maxLifetime))

	go monitorDBConnections(ctx, sqlDB)

	return sqlDB, nil
}

// monitorDBConnections logs when the connection pool is under pressure.
func monitorDBConnections(ctx context.Context, sqlDB *sql.DB) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats := sqlDB.Stats()
		if stats.MaxOpenConnections > 0 && stats.InUse > int(float64(stats.MaxOpenConnections)*0.8) {
			usagePercent := float64(stats.InUse) / float64(stats.MaxOpenConnections) * 100
			logger.Logger.Warn("high db connection usage",
				zap.Int("in_use", stats.InUse),
				zap.Int("max_open", stats.MaxOpenConnections),
				zap.Float64("usage_percent", usagePercent),
				zap.Int("idle", stats.Idle),
				zap.Int64("wait_count", stats.WaitCount),
				zap.Duration("wait_duration", stats.WaitDuration))
		}

		if stats.WaitCount > 0 && stats.WaitDuration > time.Second {
			logger.Logger.Error("db connection bottleneck, consider increasing SQL_MAX_OPEN_CONNS",
				zap.Int64("wait_count", stats.WaitCount),
				zap.Duration("wait_duration", stats.WaitDuration))
		}
	}
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return errors.WithStack(err)
	}
	err = sqlDB.Close()
	return errors.WithStack(err)
}
