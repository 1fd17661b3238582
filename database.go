package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const defaultScope = "default"

// PreferenceStore is a key/value store scoped by user identity.
type PreferenceStore interface {
	Get(ctx context.Context, user, key string) (string, bool, error)
	Set(ctx context.Context, user, key, value string) error
	Remove(ctx context.Context, user, key string) error
}

type Database struct {
	db *gorm.DB
}

func NewDatabase(dbPath string) (*Database, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Auto migrate tables
	if err := db.AutoMigrate(allModels...); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	return &Database{db: db}, nil
}

func scopeOf(user string) string {
	if user == "" {
		return defaultScope
	}
	return user
}

// Preference operations

func (d *Database) Get(ctx context.Context, user, key string) (string, bool, error) {
	var pref Preference
	err := d.db.WithContext(ctx).
		Where("scope = ? AND pref_key = ?", scopeOf(user), key).
		First(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query preference %s: %w", key, err)
	}
	return pref.Value, true, nil
}

func (d *Database) Set(ctx context.Context, user, key, value string) error {
	pref := Preference{Scope: scopeOf(user), Key: key, Value: value}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}, {Name: "pref_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&pref).Error
	if err != nil {
		return fmt.Errorf("failed to save preference %s: %w", key, err)
	}
	return nil
}

func (d *Database) Remove(ctx context.Context, user, key string) error {
	err := d.db.WithContext(ctx).
		Where("scope = ? AND pref_key = ?", scopeOf(user), key).
		Delete(&Preference{}).Error
	if err != nil {
		return fmt.Errorf("failed to remove preference %s: %w", key, err)
	}
	return nil
}

// Mover snapshot operations

func (d *Database) SaveMoverSnapshot(ctx context.Context, takenAt time.Time, movers *TopMovers) error {
	payload, err := json.Marshal(movers)
	if err != nil {
		return fmt.Errorf("failed to encode movers: %w", err)
	}
	snap := MoverSnapshot{
		TakenAt: takenAt.UTC(),
		Source:  movers.Source,
		Payload: string(payload),
	}
	if err := d.db.WithContext(ctx).Create(&snap).Error; err != nil {
		return fmt.Errorf("failed to save mover snapshot: %w", err)
	}
	return nil
}

// ListMoverSnapshots returns the newest snapshots first.
func (d *Database) ListMoverSnapshots(ctx context.Context, limit int) ([]SnapshotAPI, error) {
	var rows []MoverSnapshot
	err := d.db.WithContext(ctx).
		Order("taken_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query mover snapshots: %w", err)
	}

	snapshots := make([]SnapshotAPI, 0, len(rows))
	for _, row := range rows {
		var movers TopMovers
		if err := json.Unmarshal([]byte(row.Payload), &movers); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot %d: %w", row.ID, err)
		}
		snapshots = append(snapshots, SnapshotAPI{
			ID:      row.ID,
			TakenAt: row.TakenAt,
			Source:  row.Source,
			Gainers: movers.Gainers,
			Losers:  movers.Losers,
		})
	}
	return snapshots, nil
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}
