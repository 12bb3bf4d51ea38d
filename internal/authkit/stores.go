package authkit

import (
	"context"
	"time"
)

// User is the identity record referenced by tokens.
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Role         Role
	Verified     bool
	Phone        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UserStore persists and retrieves platform users.
type UserStore interface {
	CreateUser(ctx context.Context, user User) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
	FindUserByID(ctx context.Context, userID string) (User, error)
}

// PasswordHasher hashes and verifies user passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(passwordHash string, password string) error
}

// RefreshTokenRecord represents one issued refresh token. Only the hash of the token is stored.
type RefreshTokenRecord struct {
	TokenID           string
	UserID            string
	TokenHash         string
	IssuedAt          time.Time
	ExpiresAt         time.Time
	RevokedAt         time.Time
	PreviousTokenID   string
	ReplacedByTokenID string
	ClientIP          string
	UserAgent         string
}

// RefreshTokenState is the lifecycle position of a record at a given instant.
type RefreshTokenState string

const (
	RefreshTokenActive  RefreshTokenState = "active"
	RefreshTokenRotated RefreshTokenState = "rotated"
	RefreshTokenRevoked RefreshTokenState = "revoked"
	RefreshTokenExpired RefreshTokenState = "expired"
)

// IsRevoked reports whether the record was revoked or rotated.
func (record RefreshTokenRecord) IsRevoked() bool {
	return !record.RevokedAt.IsZero()
}

// State classifies the record. Revocation wins over expiry.
func (record RefreshTokenRecord) State(now time.Time) RefreshTokenState {
	switch {
	case record.IsRevoked() && record.ReplacedByTokenID != "":
		return RefreshTokenRotated
	case record.IsRevoked():
		return RefreshTokenRevoked
	case !now.Before(record.ExpiresAt):
		return RefreshTokenExpired
	default:
		return RefreshTokenActive
	}
}

// RefreshTokenStore manages long-lived refresh token records.
type RefreshTokenStore interface {
	// Insert persists a new record.
	Insert(ctx context.Context, record RefreshTokenRecord) error
	// FindByHash returns the record whose token hash matches, or ErrRefreshTokenNotFound.
	FindByHash(ctx context.Context, tokenHash string) (RefreshTokenRecord, error)
	// Rotate revokes currentTokenID, links it to successor, and inserts successor as one unit.
	// It succeeds only while the current record is unrevoked and unexpired at write time.
	Rotate(ctx context.Context, currentTokenID string, successor RefreshTokenRecord, now time.Time) error
	// Revoke marks a record revoked, returning ErrRefreshTokenAlreadyRevoked when it already was.
	Revoke(ctx context.Context, tokenID string, now time.Time) error
	// DeleteExpired removes records whose expiry is before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
	// TrimToLimit evicts the oldest issued records until at most maxRecords remain.
	TrimToLimit(ctx context.Context, maxRecords int) (int64, error)
	// Count returns the number of stored records.
	Count(ctx context.Context) (int64, error)
}
