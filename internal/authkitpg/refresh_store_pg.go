package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/platformauth/internal/authkit"
)

// PostgresRefreshTokenStore persists rotating refresh tokens in PostgreSQL through pgx.
type PostgresRefreshTokenStore struct {
	pool *pgxpool.Pool
}

// NewPostgresRefreshTokenStore constructs a Postgres store. The schema comes from Migrate.
func NewPostgresRefreshTokenStore(pool *pgxpool.Pool) *PostgresRefreshTokenStore {
	return &PostgresRefreshTokenStore{pool: pool}
}

const selectRecordColumns = `token_id, user_id, token_hash, issued_at_unix, expires_unix, revoked_at_unix,
       previous_token_id, replaced_by_token_id, client_ip, user_agent`

const insertRecordSQL = `
INSERT INTO refresh_tokens (token_id, user_id, token_hash, issued_at_unix, expires_unix, revoked_at_unix,
                            previous_token_id, replaced_by_token_id, client_ip, user_agent)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

func insertArguments(record authkit.RefreshTokenRecord) []any {
	var revokedAtUnix int64
	if record.IsRevoked() {
		revokedAtUnix = record.RevokedAt.Unix()
	}
	return []any{
		record.TokenID, record.UserID, record.TokenHash, record.IssuedAt.Unix(), record.ExpiresAt.Unix(), revokedAtUnix,
		record.PreviousTokenID, record.ReplacedByTokenID, record.ClientIP, record.UserAgent,
	}
}

func scanRecord(row pgx.Row) (authkit.RefreshTokenRecord, error) {
	var (
		record        authkit.RefreshTokenRecord
		issuedAtUnix  int64
		expiresUnix   int64
		revokedAtUnix int64
	)
	if err := row.Scan(&record.TokenID, &record.UserID, &record.TokenHash, &issuedAtUnix, &expiresUnix, &revokedAtUnix,
		&record.PreviousTokenID, &record.ReplacedByTokenID, &record.ClientIP, &record.UserAgent); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authkit.RefreshTokenRecord{}, authkit.ErrRefreshTokenNotFound
		}
		return authkit.RefreshTokenRecord{}, err
	}
	record.IssuedAt = time.Unix(issuedAtUnix, 0).UTC()
	record.ExpiresAt = time.Unix(expiresUnix, 0).UTC()
	if revokedAtUnix != 0 {
		record.RevokedAt = time.Unix(revokedAtUnix, 0).UTC()
	}
	return record, nil
}

// Insert persists a new refresh token record.
func (store *PostgresRefreshTokenStore) Insert(ctx context.Context, record authkit.RefreshTokenRecord) error {
	if strings.TrimSpace(record.TokenHash) == "" {
		return fmt.Errorf("refresh_store.insert.pgx: %w", authkit.ErrRefreshTokenEmptyHash)
	}
	if _, err := store.pool.Exec(ctx, insertRecordSQL, insertArguments(record)...); err != nil {
		return fmt.Errorf("refresh_store.insert.pgx: %w", err)
	}
	return nil
}

// FindByHash locates a refresh token by the hash of its text.
func (store *PostgresRefreshTokenStore) FindByHash(ctx context.Context, tokenHash string) (authkit.RefreshTokenRecord, error) {
	if strings.TrimSpace(tokenHash) == "" {
		return authkit.RefreshTokenRecord{}, fmt.Errorf("refresh_store.find.pgx: %w", authkit.ErrRefreshTokenEmptyHash)
	}
	record, err := scanRecord(store.pool.QueryRow(ctx, `SELECT `+selectRecordColumns+` FROM refresh_tokens WHERE token_hash = $1`, tokenHash))
	if err != nil {
		return authkit.RefreshTokenRecord{}, fmt.Errorf("refresh_store.find.pgx: %w", err)
	}
	return record, nil
}

// Rotate conditionally revokes the current token and inserts its successor in one transaction.
func (store *PostgresRefreshTokenStore) Rotate(ctx context.Context, currentTokenID string, successor authkit.RefreshTokenRecord, now time.Time) error {
	nowUnix := now.Unix()
	transactionErr := pgx.BeginTxFunc(ctx, store.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, updateErr := tx.Exec(ctx, `
UPDATE refresh_tokens
SET revoked_at_unix = $1, replaced_by_token_id = $2
WHERE token_id = $3 AND revoked_at_unix = 0 AND expires_unix > $1
`, nowUnix, successor.TokenID, currentTokenID)
		if updateErr != nil {
			return updateErr
		}
		if tag.RowsAffected() == 0 {
			current, findErr := scanRecord(tx.QueryRow(ctx, `SELECT `+selectRecordColumns+` FROM refresh_tokens WHERE token_id = $1`, currentTokenID))
			if findErr != nil {
				return findErr
			}
			return authkit.ClassifyRotateMiss(current, now)
		}
		_, insertErr := tx.Exec(ctx, insertRecordSQL, insertArguments(successor)...)
		return insertErr
	})
	if transactionErr != nil {
		return fmt.Errorf("refresh_store.rotate.pgx: %w", transactionErr)
	}
	return nil
}

// Revoke marks a refresh token as revoked.
func (store *PostgresRefreshTokenStore) Revoke(ctx context.Context, tokenID string, now time.Time) error {
	tag, err := store.pool.Exec(ctx, `
UPDATE refresh_tokens
SET revoked_at_unix = $1
WHERE token_id = $2 AND revoked_at_unix = 0
`, now.Unix(), tokenID)
	if err != nil {
		return fmt.Errorf("refresh_store.revoke.pgx: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if scanErr := store.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM refresh_tokens WHERE token_id = $1)`, tokenID).Scan(&exists); scanErr != nil {
		return fmt.Errorf("refresh_store.revoke.pgx: %w", scanErr)
	}
	if !exists {
		return fmt.Errorf("refresh_store.revoke.pgx: %w", authkit.ErrRefreshTokenNotFound)
	}
	return fmt.Errorf("refresh_store.revoke.pgx: %w", authkit.ErrRefreshTokenAlreadyRevoked)
}

// DeleteExpired removes records whose expiry is before cutoff.
func (store *PostgresRefreshTokenStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := store.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_unix < $1`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("refresh_store.delete_expired.pgx: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TrimToLimit evicts the oldest issued records above maxRecords.
func (store *PostgresRefreshTokenStore) TrimToLimit(ctx context.Context, maxRecords int) (int64, error) {
	if maxRecords < 0 {
		return 0, nil
	}
	tag, err := store.pool.Exec(ctx, `
DELETE FROM refresh_tokens
WHERE token_id IN (
    SELECT token_id FROM refresh_tokens
    ORDER BY issued_at_unix ASC, token_id ASC
    LIMIT GREATEST((SELECT COUNT(*) FROM refresh_tokens) - $1, 0)
)
`, maxRecords)
	if err != nil {
		return 0, fmt.Errorf("refresh_store.trim.pgx: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Count returns the number of stored records.
func (store *PostgresRefreshTokenStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := store.pool.QueryRow(ctx, `SELECT COUNT(*) FROM refresh_tokens`).Scan(&count); err != nil {
		return 0, fmt.Errorf("refresh_store.count.pgx: %w", err)
	}
	return count, nil
}

var _ authkit.RefreshTokenStore = (*PostgresRefreshTokenStore)(nil)
