package authkit

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tyemirov/platformauth/internal/audit"
	"go.uber.org/zap/zaptest"
)

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newControllableClock() *controllableClock {
	return &controllableClock{current: time.Unix(1700000000, 0).UTC()}
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type testUserStore struct {
	mutex sync.Mutex
	users map[string]User
}

func newTestUserStore() *testUserStore {
	return &testUserStore{users: make(map[string]User)}
}

func (store *testUserStore) CreateUser(ctx context.Context, user User) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, existing := range store.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return User{}, ErrUserDuplicateEmail
		}
	}
	store.users[user.ID] = user
	return user, nil
}

func (store *testUserStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, user := range store.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (store *testUserStore) FindUserByID(ctx context.Context, userID string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	user, ok := store.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (store *testUserStore) delete(userID string) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.users, userID)
}

var errPlainMismatch = errors.New("plain.mismatch")

// plainHasher keeps tests fast; bcrypt is covered in the accounts package.
type plainHasher struct{}

func (plainHasher) Hash(password string) (string, error) {
	return "plain:" + password, nil
}

func (plainHasher) Compare(passwordHash string, password string) error {
	if passwordHash != "plain:"+password {
		return errPlainMismatch
	}
	return nil
}

type recordingEmitter struct {
	mutex  sync.Mutex
	events []audit.Event
}

func (emitter *recordingEmitter) Emit(_ context.Context, event audit.Event) {
	emitter.mutex.Lock()
	defer emitter.mutex.Unlock()
	emitter.events = append(emitter.events, event)
}

func (emitter *recordingEmitter) ofType(eventType string) []audit.Event {
	emitter.mutex.Lock()
	defer emitter.mutex.Unlock()
	var matched []audit.Event
	for _, event := range emitter.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func newTestServerConfig() ServerConfig {
	return ServerConfig{
		Environment:        EnvironmentProduction,
		AccessTokenSecret:  []byte("access-secret-1234567890"),
		RefreshTokenSecret: []byte("refresh-secret-0987654321"),
		TokenIssuer:        "platformauth-test",
		AccessTTL:          time.Hour,
		RefreshTTL:         7 * 24 * time.Hour,
		ReaperInterval:     time.Minute,
		ReaperGrace:        time.Hour,
		ReaperMaxRecords:   100,
	}
}

type serviceFixture struct {
	service *Service
	clock   *controllableClock
	users   *testUserStore
	store   RefreshTokenStore
	metrics *CounterMetrics
	emitter *recordingEmitter
	config  ServerConfig
	issuer  *TokenIssuer
}

func newServiceFixture(t *testing.T, store RefreshTokenStore) *serviceFixture {
	t.Helper()
	return newServiceFixtureWithConfig(t, store, newTestServerConfig())
}

func newServiceFixtureWithConfig(t *testing.T, store RefreshTokenStore, config ServerConfig) *serviceFixture {
	t.Helper()
	if store == nil {
		store = NewMemoryRefreshTokenStore()
	}
	clock := newControllableClock()
	issuer, err := NewTokenIssuer(config, clock)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	fixture := &serviceFixture{
		clock:   clock,
		users:   newTestUserStore(),
		store:   store,
		metrics: NewCounterMetrics(),
		emitter: &recordingEmitter{},
		config:  config,
		issuer:  issuer,
	}
	service, err := NewService(config, fixture.users, store, plainHasher{}, issuer,
		WithClock(clock),
		WithLogger(zaptest.NewLogger(t)),
		WithMetrics(fixture.metrics),
		WithAuditEmitter(fixture.emitter),
		WithRotateRetryDelay(time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	fixture.service = service
	return fixture
}

func (fixture *serviceFixture) register(t *testing.T, email string, password string) AuthResult {
	t.Helper()
	result, err := fixture.service.Register(context.Background(), RegisterInput{Name: "Test User", Email: email, Password: password}, ClientMetadata{IP: "203.0.113.7", UserAgent: "test-agent"})
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return result
}

func (fixture *serviceFixture) seedUser(t *testing.T, id string, email string, password string, role Role) User {
	t.Helper()
	user, err := fixture.users.CreateUser(context.Background(), User{
		ID:           id,
		Name:         "Seeded " + id,
		Email:        email,
		PasswordHash: "plain:" + password,
		Role:         role,
		CreatedAt:    fixture.clock.Now(),
		UpdatedAt:    fixture.clock.Now(),
	})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func requireServiceError(t *testing.T, err error, kind ErrorKind, code string) {
	t.Helper()
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if serviceErr.Kind != kind || serviceErr.Code != code {
		t.Fatalf("expected %s/%s, got %s/%s (%v)", kind, code, serviceErr.Kind, serviceErr.Code, serviceErr.Err)
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return parsed
}
