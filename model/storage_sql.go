package model

import (
	"context"
	"sort"
	"time"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/common/helper"
)

// AppConfig stores one "section.key" of the runtime config per row.
type AppConfig struct {
	Section string `gorm:"primaryKey;type:varchar(64)"`
	KeyName string `gorm:"primaryKey;type:varchar(64)"`
	Value   string `gorm:"type:text"`
}

func (AppConfig) TableName() string {
	return "app_config"
}

// StorageMeta holds backend-wide counters such as the pool generation.
type StorageMeta struct {
	Name  string `gorm:"primaryKey;type:varchar(64)"`
	Value int64  `gorm:"bigint;default:0"`
}

func (StorageMeta) TableName() string {
	return "storage_meta"
}

const metaGeneration = "generation"

// SQLStorage serves the mysql, pgsql and sqlite backends through gorm.
type SQLStorage struct {
	db          *gorm.DB
	dialect     sqlDialect
	storageType string
}

func NewSQLStorage(ctx context.Context, storageType, dsn string) (*SQLStorage, error) {
	db, dialect, err := openDB(ctx, storageType, dsn)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &SQLStorage{db: db, dialect: dialect, storageType: storageType}, nil
}

// newSQLStorageWithDB wraps an already migrated connection.
func newSQLStorageWithDB(db *gorm.DB, dialect sqlDialect, storageType string) *SQLStorage {
	return &SQLStorage{db: db, dialect: dialect, storageType: storageType}
}

func (s *SQLStorage) Type() string {
	return s.storageType
}

func (s *SQLStorage) run(ctx context.Context, op func(db *gorm.DB) error) error {
	budget := time.Duration(config.SQLiteBusyTimeout) * time.Millisecond
	return busyRetry(ctx, s.dialect, budget, func() error {
		return op(s.db.WithContext(ctx))
	})
}

func (s *SQLStorage) LoadAll(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	err := s.run(ctx, func(db *gorm.DB) error {
		var tokens []*Token
		if err := db.Order("created_at asc").Find(&tokens).Error; err != nil {
			return errors.Wrap(err, "select tokens")
		}
		var meta StorageMeta
		err := db.Where("name = ?", metaGeneration).Limit(1).Find(&meta).Error
		if err != nil {
			return errors.Wrap(err, "select generation")
		}
		snap.Tokens = tokens
		snap.Generation = meta.Value
		return nil
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return snap, nil
}

func (s *SQLStorage) UpsertToken(ctx context.Context, t *Token) error {
	if t == nil || t.Id == "" {
		return errors.New("token id is required")
	}
	stored := t.Clone()
	return s.run(ctx, func(db *gorm.DB) error {
		err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(stored).Error
		return errors.Wrapf(err, "upsert token %s", t.Id)
	})
}

func (s *SQLStorage) DeleteTokens(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.run(ctx, func(db *gorm.DB) error {
		return errors.Wrap(db.Where("id IN ?", ids).Delete(&Token{}).Error, "delete tokens")
	})
}

func (s *SQLStorage) MarkGeneration(ctx context.Context) (int64, error) {
	var gen int64
	err := s.run(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			res := tx.Exec("UPDATE storage_meta SET value = value + 1 WHERE name = ?", metaGeneration)
			if res.Error != nil {
				return errors.Wrap(res.Error, "bump generation")
			}
			if res.RowsAffected == 0 {
				if err := tx.Exec("INSERT INTO storage_meta (name, value) VALUES (?, ?)", metaGeneration, 1).Error; err != nil {
					return errors.Wrap(err, "insert generation")
				}
			}
			return errors.Wrap(
				tx.Raw("SELECT value FROM storage_meta WHERE name = ?", metaGeneration).Scan(&gen).Error,
				"read generation")
		})
	})
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return gen, nil
}

func (s *SQLStorage) FlushUsage(ctx context.Context, id string, delta UsageDelta) error {
	return s.run(ctx, func(db *gorm.DB) error {
		res := db.Exec(
			"UPDATE tokens SET total_requests = total_requests + ?, total_failures = total_failures + ?, "+
				"requests_used = ?, window_started_at = ?, consecutive_failures = ?, "+
				"last_used_at = CASE WHEN last_used_at > ? THEN last_used_at ELSE ? END, "+
				"last_error = CASE WHEN ? = '' THEN last_error ELSE ? END, updated_at = ? WHERE id = ?",
			delta.Requests, delta.Failures,
			delta.RequestsUsed, delta.WindowStartedAt, delta.ConsecutiveFailures,
			delta.LastUsedAt, delta.LastUsedAt,
			delta.LastError, delta.LastError, helper.NowMilli(), id,
		)
		if res.Error != nil {
			return errors.Wrapf(res.Error, "flush usage for %s", id)
		}
		if res.RowsAffected == 0 {
			return errors.Wrap(ErrTokenNotFound, id)
		}
		return nil
	})
}

func (s *SQLStorage) LoadConfig(ctx context.Context) ([]byte, error) {
	var rows []AppConfig
	err := s.run(ctx, func(db *gorm.DB) error {
		return errors.Wrap(db.Find(&rows).Error, "select app_config")
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}

	flat := make(map[string]string, len(rows))
	for _, row := range rows {
		flat[row.Section+"."+row.KeyName] = row.Value
	}
	return unflattenConfig(flat)
}

func (s *SQLStorage) SaveConfig(ctx context.Context, doc []byte) error {
	flat, err := flattenConfig(doc)
	if err != nil {
		return errors.WithStack(err)
	}

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([]AppConfig, 0, len(keys))
	for _, k := range keys {
		section, key := splitConfigKey(k)
		rows = append(rows, AppConfig{Section: section, KeyName: key, Value: flat[k]})
	}

	return s.run(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec("DELETE FROM app_config").Error; err != nil {
				return errors.Wrap(err, "clear app_config")
			}
			if len(rows) == 0 {
				return nil
			}
			return errors.Wrap(tx.CreateInBatches(rows, 100).Error, "insert app_config")
		})
	})
}

func splitConfigKey(composite string) (section, key string) {
	for i := 0; i < len(composite); i++ {
		if composite[i] == '.' {
			return composite[:i], composite[i+1:]
		}
	}
	return composite, ""
}

func (s *SQLStorage) Close() error {
	return closeDB(s.db)
}
