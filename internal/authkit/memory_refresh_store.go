package authkit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRefreshTokenStore is an in-memory store intended for tests and dev.
type MemoryRefreshTokenStore struct {
	mutex  sync.Mutex
	byID   map[string]*RefreshTokenRecord
	byHash map[string]string
}

// NewMemoryRefreshTokenStore creates a new in-memory token store.
func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		byID:   make(map[string]*RefreshTokenRecord),
		byHash: make(map[string]string),
	}
}

// Insert stores a copy of the record.
func (store *MemoryRefreshTokenStore) Insert(ctx context.Context, record RefreshTokenRecord) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.insertLocked(record)
}

func (store *MemoryRefreshTokenStore) insertLocked(record RefreshTokenRecord) error {
	if strings.TrimSpace(record.TokenHash) == "" {
		return fmt.Errorf("refresh_store.insert.memory: %w", ErrRefreshTokenEmptyHash)
	}
	if _, exists := store.byID[record.TokenID]; exists {
		return fmt.Errorf("refresh_store.insert.memory: duplicate token id %s", record.TokenID)
	}
	if _, exists := store.byHash[record.TokenHash]; exists {
		return fmt.Errorf("refresh_store.insert.memory: duplicate token hash")
	}
	stored := record
	store.byID[record.TokenID] = &stored
	store.byHash[record.TokenHash] = record.TokenID
	return nil
}

// FindByHash returns a copy of the record for the given hash.
func (store *MemoryRefreshTokenStore) FindByHash(ctx context.Context, tokenHash string) (RefreshTokenRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	tokenID, ok := store.byHash[tokenHash]
	if !ok {
		return RefreshTokenRecord{}, fmt.Errorf("refresh_store.find.memory: %w", ErrRefreshTokenNotFound)
	}
	record := store.byID[tokenID]
	if record == nil {
		return RefreshTokenRecord{}, fmt.Errorf("refresh_store.find.memory: %w", ErrRefreshTokenNotFound)
	}
	return *record, nil
}

// Rotate revokes the current record and inserts the successor under one lock.
func (store *MemoryRefreshTokenStore) Rotate(ctx context.Context, currentTokenID string, successor RefreshTokenRecord, now time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	current := store.byID[currentTokenID]
	if current == nil {
		return fmt.Errorf("refresh_store.rotate.memory: %w", ErrRefreshTokenNotFound)
	}
	if current.State(now) != RefreshTokenActive {
		return fmt.Errorf("refresh_store.rotate.memory: %w", ClassifyRotateMiss(*current, now))
	}
	if err := store.insertLocked(successor); err != nil {
		return err
	}
	current.RevokedAt = now
	current.ReplacedByTokenID = successor.TokenID
	return nil
}

// Revoke marks a token as revoked.
func (store *MemoryRefreshTokenStore) Revoke(ctx context.Context, tokenID string, now time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.byID[tokenID]
	if record == nil {
		return fmt.Errorf("refresh_store.revoke.memory: %w", ErrRefreshTokenNotFound)
	}
	if record.IsRevoked() {
		return fmt.Errorf("refresh_store.revoke.memory: %w", ErrRefreshTokenAlreadyRevoked)
	}
	record.RevokedAt = now
	return nil
}

// DeleteExpired removes records whose expiry is before cutoff.
func (store *MemoryRefreshTokenStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	var deleted int64
	for tokenID, record := range store.byID {
		if record.ExpiresAt.Before(cutoff) {
			store.deleteLocked(tokenID)
			deleted++
		}
	}
	return deleted, nil
}

// TrimToLimit evicts the oldest issued records above maxRecords.
func (store *MemoryRefreshTokenStore) TrimToLimit(ctx context.Context, maxRecords int) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	surplus := len(store.byID) - maxRecords
	if maxRecords < 0 || surplus <= 0 {
		return 0, nil
	}
	records := make([]*RefreshTokenRecord, 0, len(store.byID))
	for _, record := range store.byID {
		records = append(records, record)
	}
	sort.Slice(records, func(left, right int) bool {
		if records[left].IssuedAt.Equal(records[right].IssuedAt) {
			return records[left].TokenID < records[right].TokenID
		}
		return records[left].IssuedAt.Before(records[right].IssuedAt)
	})
	for _, record := range records[:surplus] {
		store.deleteLocked(record.TokenID)
	}
	return int64(surplus), nil
}

// Count returns the number of stored records.
func (store *MemoryRefreshTokenStore) Count(ctx context.Context) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return int64(len(store.byID)), nil
}

func (store *MemoryRefreshTokenStore) deleteLocked(tokenID string) {
	record := store.byID[tokenID]
	if record == nil {
		return
	}
	delete(store.byHash, record.TokenHash)
	delete(store.byID, tokenID)
}
