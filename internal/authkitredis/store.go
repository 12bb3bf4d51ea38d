// Package authkitredis stores refresh token records in Redis.
//
// Each record lives in a hash keyed by token id, with a lookup key from token hash to id and two
// sorted sets ordering ids by expiry and by issue time. Every mutation runs as a Lua script so a
// rotation is a single compare-and-set.
package authkitredis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tyemirov/platformauth/internal/authkit"
)

const (
	defaultPrefix   = "platformauth"
	deleteBatchSize = 500
)

// Script status codes.
const (
	statusOK        = 0
	statusNotFound  = 1
	statusRevoked   = 2
	statusExpired   = 3
	statusDuplicate = 4
)

var errDuplicateHash = errors.New("refresh_store.duplicate_hash")

const writeRecordLua = `
local function write_record(record_key, hash_key, expiry_key, issued_key, token_id, fields)
  redis.call("HSET", record_key,
    "user_id", fields[1], "token_hash", fields[2], "issued_at", fields[3], "expires_at", fields[4],
    "revoked_at", fields[5], "previous_token_id", fields[6], "replaced_by_token_id", fields[7],
    "client_ip", fields[8], "user_agent", fields[9])
  redis.call("SET", hash_key, token_id)
  redis.call("ZADD", expiry_key, fields[4], token_id)
  redis.call("ZADD", issued_key, fields[3], token_id)
end
`

// KEYS: record, hash lookup, expiry zset, issued zset. ARGV: token id, record fields.
var insertScript = redis.NewScript(writeRecordLua + `
if redis.call("EXISTS", KEYS[1]) == 1 or redis.call("EXISTS", KEYS[2]) == 1 then
  return 4
end
write_record(KEYS[1], KEYS[2], KEYS[3], KEYS[4], ARGV[1], {ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6], ARGV[7], ARGV[8], ARGV[9], ARGV[10]})
return 0
`)

// KEYS: current record, successor record, successor hash lookup, expiry zset, issued zset.
// ARGV: now, successor id, successor fields.
var rotateScript = redis.NewScript(writeRecordLua + `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 1
end
local now = tonumber(ARGV[1])
if tonumber(redis.call("HGET", KEYS[1], "revoked_at")) ~= 0 then
  return 2
end
if tonumber(redis.call("HGET", KEYS[1], "expires_at")) <= now then
  return 3
end
if redis.call("EXISTS", KEYS[2]) == 1 or redis.call("EXISTS", KEYS[3]) == 1 then
  return 4
end
redis.call("HSET", KEYS[1], "revoked_at", ARGV[1], "replaced_by_token_id", ARGV[2])
write_record(KEYS[2], KEYS[3], KEYS[4], KEYS[5], ARGV[2], {ARGV[3], ARGV[4], ARGV[5], ARGV[6], ARGV[7], ARGV[8], ARGV[9], ARGV[10], ARGV[11]})
return 0
`)

// KEYS: record. ARGV: now.
var revokeScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 1
end
if tonumber(redis.call("HGET", KEYS[1], "revoked_at")) ~= 0 then
  return 2
end
redis.call("HSET", KEYS[1], "revoked_at", ARGV[1])
return 0
`)

// KEYS: expiry zset, issued zset. ARGV: record key prefix, hash key prefix, token ids.
var deleteScript = redis.NewScript(`
local deleted = 0
for index = 3, #ARGV do
  local token_id = ARGV[index]
  local record_key = ARGV[1] .. token_id
  local token_hash = redis.call("HGET", record_key, "token_hash")
  if token_hash then
    redis.call("DEL", ARGV[2] .. token_hash)
  end
  deleted = deleted + redis.call("DEL", record_key)
  redis.call("ZREM", KEYS[1], token_id)
  redis.call("ZREM", KEYS[2], token_id)
end
return deleted
`)

// RedisRefreshTokenStore implements authkit.RefreshTokenStore on Redis.
type RedisRefreshTokenStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRefreshTokenStore wraps client. An empty prefix selects the default key namespace.
func NewRedisRefreshTokenStore(client redis.UniversalClient, prefix string) *RedisRefreshTokenStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultPrefix
	}
	return &RedisRefreshTokenStore{client: client, prefix: prefix}
}

// NewClient parses a redis:// URL and verifies the server answers.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("refresh_store.redis.parse_url: %w", err)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("refresh_store.redis.ping: %w", pingErr)
	}
	return client, nil
}

func (store *RedisRefreshTokenStore) recordPrefix() string {
	return store.prefix + ":rt:id:"
}

func (store *RedisRefreshTokenStore) hashPrefix() string {
	return store.prefix + ":rt:hash:"
}

func (store *RedisRefreshTokenStore) recordKey(tokenID string) string {
	return store.recordPrefix() + tokenID
}

func (store *RedisRefreshTokenStore) hashKey(tokenHash string) string {
	return store.hashPrefix() + tokenHash
}

func (store *RedisRefreshTokenStore) expiryKey() string {
	return store.prefix + ":rt:by_expiry"
}

func (store *RedisRefreshTokenStore) issuedKey() string {
	return store.prefix + ":rt:by_issued"
}

func recordArguments(record authkit.RefreshTokenRecord) []any {
	var revokedAt int64
	if record.IsRevoked() {
		revokedAt = record.RevokedAt.Unix()
	}
	return []any{
		record.UserID,
		record.TokenHash,
		record.IssuedAt.Unix(),
		record.ExpiresAt.Unix(),
		revokedAt,
		record.PreviousTokenID,
		record.ReplacedByTokenID,
		record.ClientIP,
		record.UserAgent,
	}
}

func parseRecord(tokenID string, values map[string]string) (authkit.RefreshTokenRecord, error) {
	unixField := func(name string) (int64, error) {
		parsed, err := strconv.ParseInt(values[name], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %s: %w", name, err)
		}
		return parsed, nil
	}
	issuedAt, err := unixField("issued_at")
	if err != nil {
		return authkit.RefreshTokenRecord{}, err
	}
	expiresAt, err := unixField("expires_at")
	if err != nil {
		return authkit.RefreshTokenRecord{}, err
	}
	revokedAt, err := unixField("revoked_at")
	if err != nil {
		return authkit.RefreshTokenRecord{}, err
	}
	record := authkit.RefreshTokenRecord{
		TokenID:           tokenID,
		UserID:            values["user_id"],
		TokenHash:         values["token_hash"],
		IssuedAt:          time.Unix(issuedAt, 0).UTC(),
		ExpiresAt:         time.Unix(expiresAt, 0).UTC(),
		PreviousTokenID:   values["previous_token_id"],
		ReplacedByTokenID: values["replaced_by_token_id"],
		ClientIP:          values["client_ip"],
		UserAgent:         values["user_agent"],
	}
	if revokedAt != 0 {
		record.RevokedAt = time.Unix(revokedAt, 0).UTC()
	}
	return record, nil
}

// Insert persists a new refresh token record.
func (store *RedisRefreshTokenStore) Insert(ctx context.Context, record authkit.RefreshTokenRecord) error {
	if strings.TrimSpace(record.TokenHash) == "" {
		return fmt.Errorf("refresh_store.insert.redis: %w", authkit.ErrRefreshTokenEmptyHash)
	}
	arguments := append([]any{record.TokenID}, recordArguments(record)...)
	status, err := insertScript.Run(ctx, store.client,
		[]string{store.recordKey(record.TokenID), store.hashKey(record.TokenHash), store.expiryKey(), store.issuedKey()},
		arguments...).Int()
	if err != nil {
		return fmt.Errorf("refresh_store.insert.redis: %w", err)
	}
	if status == statusDuplicate {
		return fmt.Errorf("refresh_store.insert.redis: %w", errDuplicateHash)
	}
	return nil
}

func (store *RedisRefreshTokenStore) findByID(ctx context.Context, tokenID string) (authkit.RefreshTokenRecord, error) {
	values, err := store.client.HGetAll(ctx, store.recordKey(tokenID)).Result()
	if err != nil {
		return authkit.RefreshTokenRecord{}, err
	}
	if len(values) == 0 {
		return authkit.RefreshTokenRecord{}, authkit.ErrRefreshTokenNotFound
	}
	return parseRecord(tokenID, values)
}

// FindByHash locates a refresh token by the hash of its text.
func (store *RedisRefreshTokenStore) FindByHash(ctx context.Context, tokenHash string) (authkit.RefreshTokenRecord, error) {
	if strings.TrimSpace(tokenHash) == "" {
		return authkit.RefreshTokenRecord{}, fmt.Errorf("refresh_store.find.redis: %w", authkit.ErrRefreshTokenEmptyHash)
	}
	tokenID, err := store.client.Get(ctx, store.hashKey(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return authkit.RefreshTokenRecord{}, fmt.Errorf("refresh_store.find.redis: %w", authkit.ErrRefreshTokenNotFound)
	}
	if err != nil {
		return authkit.RefreshTokenRecord{}, fmt.Errorf("refresh_store.find.redis: %w", err)
	}
	record, err := store.findByID(ctx, tokenID)
	if err != nil {
		return authkit.RefreshTokenRecord{}, fmt.Errorf("refresh_store.find.redis: %w", err)
	}
	return record, nil
}

// Rotate revokes the current token and writes its successor in one script.
func (store *RedisRefreshTokenStore) Rotate(ctx context.Context, currentTokenID string, successor authkit.RefreshTokenRecord, now time.Time) error {
	arguments := append([]any{now.Unix(), successor.TokenID}, recordArguments(successor)...)
	status, err := rotateScript.Run(ctx, store.client,
		[]string{
			store.recordKey(currentTokenID),
			store.recordKey(successor.TokenID),
			store.hashKey(successor.TokenHash),
			store.expiryKey(),
			store.issuedKey(),
		},
		arguments...).Int()
	if err != nil {
		return fmt.Errorf("refresh_store.rotate.redis: %w", err)
	}
	switch status {
	case statusOK:
		return nil
	case statusNotFound:
		return fmt.Errorf("refresh_store.rotate.redis: %w", authkit.ErrRefreshTokenNotFound)
	case statusRevoked:
		return fmt.Errorf("refresh_store.rotate.redis: %w", authkit.ErrRefreshTokenRevoked)
	case statusExpired:
		return fmt.Errorf("refresh_store.rotate.redis: %w", authkit.ErrRefreshTokenExpired)
	case statusDuplicate:
		return fmt.Errorf("refresh_store.rotate.redis: %w", errDuplicateHash)
	default:
		return fmt.Errorf("refresh_store.rotate.redis: unexpected status %d", status)
	}
}

// Revoke marks a refresh token as revoked.
func (store *RedisRefreshTokenStore) Revoke(ctx context.Context, tokenID string, now time.Time) error {
	status, err := revokeScript.Run(ctx, store.client, []string{store.recordKey(tokenID)}, now.Unix()).Int()
	if err != nil {
		return fmt.Errorf("refresh_store.revoke.redis: %w", err)
	}
	switch status {
	case statusOK:
		return nil
	case statusNotFound:
		return fmt.Errorf("refresh_store.revoke.redis: %w", authkit.ErrRefreshTokenNotFound)
	default:
		return fmt.Errorf("refresh_store.revoke.redis: %w", authkit.ErrRefreshTokenAlreadyRevoked)
	}
}

func (store *RedisRefreshTokenStore) deleteIDs(ctx context.Context, tokenIDs []string) (int64, error) {
	var deleted int64
	for start := 0; start < len(tokenIDs); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(tokenIDs))
		arguments := make([]any, 0, end-start+2)
		arguments = append(arguments, store.recordPrefix(), store.hashPrefix())
		for _, tokenID := range tokenIDs[start:end] {
			arguments = append(arguments, tokenID)
		}
		count, err := deleteScript.Run(ctx, store.client, []string{store.expiryKey(), store.issuedKey()}, arguments...).Int64()
		if err != nil {
			return deleted, err
		}
		deleted += count
	}
	return deleted, nil
}

// DeleteExpired removes records whose expiry is before cutoff.
func (store *RedisRefreshTokenStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tokenIDs, err := store.client.ZRangeByScore(ctx, store.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("refresh_store.delete_expired.redis: %w", err)
	}
	deleted, err := store.deleteIDs(ctx, tokenIDs)
	if err != nil {
		return deleted, fmt.Errorf("refresh_store.delete_expired.redis: %w", err)
	}
	return deleted, nil
}

// TrimToLimit evicts the oldest issued records above maxRecords.
func (store *RedisRefreshTokenStore) TrimToLimit(ctx context.Context, maxRecords int) (int64, error) {
	if maxRecords < 0 {
		return 0, nil
	}
	total, err := store.client.ZCard(ctx, store.issuedKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("refresh_store.trim.redis: %w", err)
	}
	surplus := total - int64(maxRecords)
	if surplus <= 0 {
		return 0, nil
	}
	tokenIDs, err := store.client.ZRange(ctx, store.issuedKey(), 0, surplus-1).Result()
	if err != nil {
		return 0, fmt.Errorf("refresh_store.trim.redis: %w", err)
	}
	deleted, err := store.deleteIDs(ctx, tokenIDs)
	if err != nil {
		return deleted, fmt.Errorf("refresh_store.trim.redis: %w", err)
	}
	return deleted, nil
}

// Count returns the number of stored records.
func (store *RedisRefreshTokenStore) Count(ctx context.Context) (int64, error) {
	count, err := store.client.ZCard(ctx, store.issuedKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("refresh_store.count.redis: %w", err)
	}
	return count, nil
}

var _ authkit.RefreshTokenStore = (*RedisRefreshTokenStore)(nil)
