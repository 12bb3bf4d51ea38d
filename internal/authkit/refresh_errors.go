package authkit

import (
	"errors"
	"time"
)

var (
	// ErrRefreshTokenNotFound indicates no refresh token matched the provided identifier.
	ErrRefreshTokenNotFound = errors.New("refresh_store.not_found")
	// ErrRefreshTokenRevoked indicates the refresh token has been revoked.
	ErrRefreshTokenRevoked = errors.New("refresh_store.revoked")
	// ErrRefreshTokenExpired indicates the refresh token has exceeded its expiry.
	ErrRefreshTokenExpired = errors.New("refresh_store.expired")
	// ErrRefreshTokenAlreadyRevoked signals a revoke call on an already-revoked token.
	ErrRefreshTokenAlreadyRevoked = errors.New("refresh_store.already_revoked")
	// ErrRefreshTokenConflict indicates a concurrent writer changed the record first.
	ErrRefreshTokenConflict = errors.New("refresh_store.conflict")
	// ErrRefreshTokenEmptyHash indicates that the provided token hash is empty.
	ErrRefreshTokenEmptyHash = errors.New("refresh_store.empty_hash")
)

// Errors raised by UserStore implementations.
var (
	ErrUserNotFound       = errors.New("accounts.not_found")
	ErrUserDuplicateEmail = errors.New("accounts.duplicate_email")
)

// ClassifyRotateMiss maps the state of a record that failed a compare-and-set onto a store sentinel.
// Stores call it after a conditional update touched no rows.
func ClassifyRotateMiss(record RefreshTokenRecord, now time.Time) error {
	switch record.State(now) {
	case RefreshTokenRevoked, RefreshTokenRotated:
		return ErrRefreshTokenRevoked
	case RefreshTokenExpired:
		return ErrRefreshTokenExpired
	default:
		return ErrRefreshTokenConflict
	}
}
