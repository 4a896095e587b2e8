// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the key-value settings store.
package repo

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/dealflow-admin/internal/domain"
)

// GetSetting returns the document stored under key, or ErrNotFound.
func GetSetting(ctx context.Context, db *gorm.DB, key string) (*domain.Setting, error) {
	var s domain.Setting
	if err := db.WithContext(ctx).Where("key = ?", key).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// PutSetting stores value under key, replacing any previous document.
// There is no versioning: the last write wins.
func PutSetting(ctx context.Context, db *gorm.DB, key string, value datatypes.JSON) error {
	s := &domain.Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(s).Error
}

// DeleteSetting removes key. Deleting a missing key is not an error.
func DeleteSetting(ctx context.Context, db *gorm.DB, key string) error {
	return db.WithContext(ctx).Where("key = ?", key).Delete(&domain.Setting{}).Error
}
