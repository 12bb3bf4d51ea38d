package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tyemirov/platformauth/internal/authkit"
	"gorm.io/gorm"
)

type userRow struct {
	ID           string    `gorm:"column:id;primaryKey;size:64"`
	Name         string    `gorm:"column:name;not null;size:120"`
	Email        string    `gorm:"column:email;uniqueIndex;not null;size:255"`
	PasswordHash string    `gorm:"column:password_hash;not null;size:255"`
	Role         string    `gorm:"column:role;not null;size:20;default:'user'"`
	Verified     bool      `gorm:"column:verified;not null;default:false"`
	Phone        string    `gorm:"column:phone;not null;default:'';size:32"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (userRow) TableName() string {
	return "users"
}

func newUserRow(user authkit.User) userRow {
	return userRow{
		ID:           user.ID,
		Name:         user.Name,
		Email:        normalizeEmail(user.Email),
		PasswordHash: user.PasswordHash,
		Role:         string(user.Role),
		Verified:     user.Verified,
		Phone:        user.Phone,
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.UpdatedAt,
	}
}

func (row userRow) toUser() authkit.User {
	return authkit.User{
		ID:           row.ID,
		Name:         row.Name,
		Email:        row.Email,
		PasswordHash: row.PasswordHash,
		Role:         authkit.Role(row.Role),
		Verified:     row.Verified,
		Phone:        row.Phone,
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
	}
}

// DatabaseUsers persists users with GORM. Emails are stored lowercased.
type DatabaseUsers struct {
	db          *gorm.DB
	driverLabel string
}

// NewDatabaseUsers migrates the users table on an opened database.
func NewDatabaseUsers(ctx context.Context, database *authkit.Database) (*DatabaseUsers, error) {
	if migrateErr := database.DB.WithContext(ctx).AutoMigrate(&userRow{}); migrateErr != nil {
		return nil, fmt.Errorf("accounts.migrate.%s: %w", database.Driver, migrateErr)
	}
	return &DatabaseUsers{db: database.DB, driverLabel: database.Driver}, nil
}

// CreateUser inserts user, mapping unique-email violations onto authkit.ErrUserDuplicateEmail.
func (store *DatabaseUsers) CreateUser(ctx context.Context, user authkit.User) (authkit.User, error) {
	row := newUserRow(user)
	transactionErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&userRow{}).Where("email = ?", row.Email).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return authkit.ErrUserDuplicateEmail
		}
		return tx.Create(&row).Error
	})
	if transactionErr != nil {
		if errors.Is(transactionErr, gorm.ErrDuplicatedKey) {
			transactionErr = authkit.ErrUserDuplicateEmail
		}
		return authkit.User{}, fmt.Errorf("accounts.create.%s: %w", store.driverLabel, transactionErr)
	}
	return row.toUser(), nil
}

// FindUserByEmail looks up a user case-insensitively.
func (store *DatabaseUsers) FindUserByEmail(ctx context.Context, email string) (authkit.User, error) {
	return store.findOne(ctx, "email = ?", normalizeEmail(email))
}

// FindUserByID looks up a user by id.
func (store *DatabaseUsers) FindUserByID(ctx context.Context, userID string) (authkit.User, error) {
	return store.findOne(ctx, "id = ?", userID)
}

func (store *DatabaseUsers) findOne(ctx context.Context, condition string, value string) (authkit.User, error) {
	var row userRow
	err := store.db.WithContext(ctx).Where(condition, value).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return authkit.User{}, fmt.Errorf("accounts.find.%s: %w", store.driverLabel, authkit.ErrUserNotFound)
		}
		return authkit.User{}, fmt.Errorf("accounts.find.%s: %w", store.driverLabel, err)
	}
	return row.toUser(), nil
}
