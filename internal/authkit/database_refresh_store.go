package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// DatabaseRefreshTokenStore persists rotating refresh tokens using GORM.
type DatabaseRefreshTokenStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseRefreshTokenStore) Driver() string {
	return store.driverLabel
}

type refreshTokenRow struct {
	TokenID           string `gorm:"column:token_id;primaryKey;size:64"`
	UserID            string `gorm:"column:user_id;index;not null;size:64"`
	TokenHash         string `gorm:"column:token_hash;uniqueIndex;not null;size:64"`
	IssuedAtUnix      int64  `gorm:"column:issued_at_unix;index;not null"`
	ExpiresUnix       int64  `gorm:"column:expires_unix;index;not null"`
	RevokedAtUnix     int64  `gorm:"column:revoked_at_unix;not null;default:0"`
	PreviousTokenID   string `gorm:"column:previous_token_id;not null;default:'';size:64"`
	ReplacedByTokenID string `gorm:"column:replaced_by_token_id;not null;default:'';size:64"`
	ClientIP          string `gorm:"column:client_ip;not null;default:'';size:64"`
	UserAgent         string `gorm:"column:user_agent;not null;default:'';size:255"`
}

func (refreshTokenRow) TableName() string {
	return "refresh_tokens"
}

func newRefreshTokenRow(record RefreshTokenRecord) refreshTokenRow {
	row := refreshTokenRow{
		TokenID:           record.TokenID,
		UserID:            record.UserID,
		TokenHash:         record.TokenHash,
		IssuedAtUnix:      record.IssuedAt.Unix(),
		ExpiresUnix:       record.ExpiresAt.Unix(),
		PreviousTokenID:   record.PreviousTokenID,
		ReplacedByTokenID: record.ReplacedByTokenID,
		ClientIP:          record.ClientIP,
		UserAgent:         record.UserAgent,
	}
	if record.IsRevoked() {
		row.RevokedAtUnix = record.RevokedAt.Unix()
	}
	return row
}

func (row refreshTokenRow) toRecord() RefreshTokenRecord {
	record := RefreshTokenRecord{
		TokenID:           row.TokenID,
		UserID:            row.UserID,
		TokenHash:         row.TokenHash,
		IssuedAt:          time.Unix(row.IssuedAtUnix, 0).UTC(),
		ExpiresAt:         time.Unix(row.ExpiresUnix, 0).UTC(),
		PreviousTokenID:   row.PreviousTokenID,
		ReplacedByTokenID: row.ReplacedByTokenID,
		ClientIP:          row.ClientIP,
		UserAgent:         row.UserAgent,
	}
	if row.RevokedAtUnix != 0 {
		record.RevokedAt = time.Unix(row.RevokedAtUnix, 0).UTC()
	}
	return record
}

// NewDatabaseRefreshTokenStore opens the database and constructs a GORM-backed store.
func NewDatabaseRefreshTokenStore(ctx context.Context, databaseURL string) (*DatabaseRefreshTokenStore, error) {
	database, err := OpenDatabase(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return NewDatabaseRefreshTokenStoreFromDB(ctx, database)
}

// NewDatabaseRefreshTokenStoreFromDB migrates the refresh_tokens table on an existing handle.
func NewDatabaseRefreshTokenStoreFromDB(ctx context.Context, database *Database) (*DatabaseRefreshTokenStore, error) {
	if migrateErr := database.DB.WithContext(ctx).AutoMigrate(&refreshTokenRow{}); migrateErr != nil {
		return nil, fmt.Errorf("refresh_store.migrate.%s: %w", database.Driver, migrateErr)
	}
	return &DatabaseRefreshTokenStore{
		db:          database.DB,
		driverLabel: database.Driver,
	}, nil
}

// Insert persists a new refresh token record.
func (store *DatabaseRefreshTokenStore) Insert(ctx context.Context, record RefreshTokenRecord) error {
	if strings.TrimSpace(record.TokenHash) == "" {
		return fmt.Errorf("refresh_store.insert.%s: %w", store.driverLabel, ErrRefreshTokenEmptyHash)
	}
	row := newRefreshTokenRow(record)
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("refresh_store.insert.%s: %w", store.driverLabel, err)
	}
	return nil
}

// FindByHash locates a refresh token by the hash of its text.
func (store *DatabaseRefreshTokenStore) FindByHash(ctx context.Context, tokenHash string) (RefreshTokenRecord, error) {
	if strings.TrimSpace(tokenHash) == "" {
		return RefreshTokenRecord{}, fmt.Errorf("refresh_store.find.%s: %w", store.driverLabel, ErrRefreshTokenEmptyHash)
	}
	var row refreshTokenRow
	err := store.db.WithContext(ctx).Where("token_hash = ?", tokenHash).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RefreshTokenRecord{}, fmt.Errorf("refresh_store.find.%s: %w", store.driverLabel, ErrRefreshTokenNotFound)
		}
		return RefreshTokenRecord{}, fmt.Errorf("refresh_store.find.%s: %w", store.driverLabel, err)
	}
	return row.toRecord(), nil
}

// Rotate conditionally revokes the current token and inserts its successor in one transaction.
func (store *DatabaseRefreshTokenStore) Rotate(ctx context.Context, currentTokenID string, successor RefreshTokenRecord, now time.Time) error {
	nowUnix := now.Unix()
	transactionErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&refreshTokenRow{}).
			Where("token_id = ? AND revoked_at_unix = 0 AND expires_unix > ?", currentTokenID, nowUnix).
			Updates(map[string]interface{}{
				"revoked_at_unix":      nowUnix,
				"replaced_by_token_id": successor.TokenID,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var current refreshTokenRow
			findErr := tx.Where("token_id = ?", currentTokenID).Take(&current).Error
			if errors.Is(findErr, gorm.ErrRecordNotFound) {
				return ErrRefreshTokenNotFound
			}
			if findErr != nil {
				return findErr
			}
			return ClassifyRotateMiss(current.toRecord(), now)
		}
		row := newRefreshTokenRow(successor)
		return tx.Create(&row).Error
	})
	if transactionErr != nil {
		return fmt.Errorf("refresh_store.rotate.%s: %w", store.driverLabel, transactionErr)
	}
	return nil
}

// Revoke marks a refresh token as revoked.
func (store *DatabaseRefreshTokenStore) Revoke(ctx context.Context, tokenID string, now time.Time) error {
	result := store.db.WithContext(ctx).Model(&refreshTokenRow{}).
		Where("token_id = ? AND revoked_at_unix = 0", tokenID).
		Update("revoked_at_unix", now.Unix())
	if result.Error != nil {
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		var row refreshTokenRow
		findErr := store.db.WithContext(ctx).Where("token_id = ?", tokenID).Take(&row).Error
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, ErrRefreshTokenNotFound)
		}
		if findErr != nil {
			return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, findErr)
		}
		if row.RevokedAtUnix != 0 {
			return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, ErrRefreshTokenAlreadyRevoked)
		}
	}
	return nil
}

// DeleteExpired removes records whose expiry is before cutoff.
func (store *DatabaseRefreshTokenStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result := store.db.WithContext(ctx).Where("expires_unix < ?", cutoff.Unix()).Delete(&refreshTokenRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("refresh_store.delete_expired.%s: %w", store.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

// TrimToLimit evicts the oldest issued records above maxRecords.
func (store *DatabaseRefreshTokenStore) TrimToLimit(ctx context.Context, maxRecords int) (int64, error) {
	if maxRecords < 0 {
		return 0, nil
	}
	var deleted int64
	transactionErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var total int64
		if err := tx.Model(&refreshTokenRow{}).Count(&total).Error; err != nil {
			return err
		}
		surplus := total - int64(maxRecords)
		if surplus <= 0 {
			return nil
		}
		var tokenIDs []string
		if err := tx.Model(&refreshTokenRow{}).
			Order("issued_at_unix ASC").Order("token_id ASC").
			Limit(int(surplus)).
			Pluck("token_id", &tokenIDs).Error; err != nil {
			return err
		}
		if len(tokenIDs) == 0 {
			return nil
		}
		result := tx.Where("token_id IN ?", tokenIDs).Delete(&refreshTokenRow{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	if transactionErr != nil {
		return 0, fmt.Errorf("refresh_store.trim.%s: %w", store.driverLabel, transactionErr)
	}
	return deleted, nil
}

// Count returns the number of stored records.
func (store *DatabaseRefreshTokenStore) Count(ctx context.Context) (int64, error) {
	var total int64
	if err := store.db.WithContext(ctx).Model(&refreshTokenRow{}).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("refresh_store.count.%s: %w", store.driverLabel, err)
	}
	return total, nil
}
