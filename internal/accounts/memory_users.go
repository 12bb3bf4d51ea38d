package accounts

import (
	"context"
	"strings"
	"sync"

	"github.com/tyemirov/platformauth/internal/authkit"
)

// MemoryUsers is an in-process user store used for local runs and tests.
type MemoryUsers struct {
	mutex   sync.RWMutex
	byID    map[string]authkit.User
	byEmail map[string]string
}

// NewMemoryUsers constructs an empty store.
func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{
		byID:    make(map[string]authkit.User),
		byEmail: make(map[string]string),
	}
}

// CreateUser stores user, rejecting an email that is already registered.
func (store *MemoryUsers) CreateUser(ctx context.Context, user authkit.User) (authkit.User, error) {
	email := normalizeEmail(user.Email)
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.byEmail[email]; exists {
		return authkit.User{}, authkit.ErrUserDuplicateEmail
	}
	user.Email = email
	store.byID[user.ID] = user
	store.byEmail[email] = user.ID
	return user, nil
}

// FindUserByEmail looks up a user case-insensitively.
func (store *MemoryUsers) FindUserByEmail(ctx context.Context, email string) (authkit.User, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	userID, ok := store.byEmail[normalizeEmail(email)]
	if !ok {
		return authkit.User{}, authkit.ErrUserNotFound
	}
	return store.byID[userID], nil
}

// FindUserByID looks up a user by id.
func (store *MemoryUsers) FindUserByID(ctx context.Context, userID string) (authkit.User, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	user, ok := store.byID[userID]
	if !ok {
		return authkit.User{}, authkit.ErrUserNotFound
	}
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
