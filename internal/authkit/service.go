package authkit

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/tyemirov/platformauth/internal/audit"
	"github.com/tyemirov/platformauth/pkg/accesstoken"
	"go.uber.org/zap"
)

const defaultRotateRetryDelay = 50 * time.Millisecond

// ClientMetadata describes the client presenting a credential.
type ClientMetadata struct {
	IP        string
	UserAgent string
}

// RegisterInput carries a self-registration request.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
	Role     string
	Phone    string
}

// AuthResult is returned by every operation that issues a token pair.
type AuthResult struct {
	Tokens TokenPair
	User   User
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithClock overrides the service clock. It should match the issuer's clock.
func WithClock(clock Clock) ServiceOption {
	return func(service *Service) {
		if clock != nil {
			service.clock = clock
		}
	}
}

// WithLogger attaches a zap logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(metrics MetricsRecorder) ServiceOption {
	return func(service *Service) {
		if metrics != nil {
			service.metrics = metrics
		}
	}
}

// WithAuditEmitter attaches an audit event emitter.
func WithAuditEmitter(emitter audit.Emitter) ServiceOption {
	return func(service *Service) {
		if emitter != nil {
			service.audit = emitter
		}
	}
}

// WithRotateRetryDelay sets the pause before the single rotation retry.
func WithRotateRetryDelay(delay time.Duration) ServiceOption {
	return func(service *Service) {
		if delay > 0 {
			service.rotateRetryDelay = delay
		}
	}
}

// Service implements registration, login, and the refresh-token lifecycle.
type Service struct {
	configuration    ServerConfig
	users            UserStore
	refreshTokens    RefreshTokenStore
	hasher           PasswordHasher
	issuer           *TokenIssuer
	accessValidator  *accesstoken.Validator
	clock            Clock
	logger           *zap.Logger
	metrics          MetricsRecorder
	audit            audit.Emitter
	rotateRetryDelay time.Duration
}

// NewService wires the collaborators together.
func NewService(configuration ServerConfig, users UserStore, refreshTokens RefreshTokenStore, hasher PasswordHasher, issuer *TokenIssuer, options ...ServiceOption) (*Service, error) {
	if users == nil || refreshTokens == nil || hasher == nil || issuer == nil {
		return nil, errors.New("authkit.service: users, refresh store, hasher, and issuer are required")
	}
	service := &Service{
		configuration:    configuration,
		users:            users,
		refreshTokens:    refreshTokens,
		hasher:           hasher,
		issuer:           issuer,
		clock:            NewSystemClock(),
		logger:           zap.NewNop(),
		metrics:          NewCounterMetrics(),
		audit:            audit.NoOpSink{},
		rotateRetryDelay: defaultRotateRetryDelay,
	}
	for _, option := range options {
		option(service)
	}
	accessValidator, validatorErr := issuer.AccessValidator()
	if validatorErr != nil {
		return nil, validatorErr
	}
	service.accessValidator = accessValidator
	return service, nil
}

// Issuer exposes the token issuer used by the service.
func (service *Service) Issuer() *TokenIssuer {
	return service.issuer
}

// AccessValidator returns the stateless validator for access tokens minted by the service.
func (service *Service) AccessValidator() *accesstoken.Validator {
	return service.accessValidator
}

// Register creates a user with a self-assignable role and issues a token pair.
func (service *Service) Register(ctx context.Context, input RegisterInput, client ClientMetadata) (AuthResult, error) {
	name := strings.TrimSpace(input.Name)
	email := normalizeEmail(input.Email)
	if name == "" || email == "" || input.Password == "" {
		return AuthResult{}, validationError(CodeInvalidRequest, "name, email, and password are required")
	}
	role := RoleUser
	if strings.TrimSpace(input.Role) != "" {
		parsedRole, parseErr := ParseRole(input.Role)
		if parseErr != nil {
			return AuthResult{}, validationError(CodeInvalidRequest, "unknown role")
		}
		role = parsedRole
	}
	if !role.IsSelfAssignable() {
		return AuthResult{}, validationError(CodeRoleNotAllowed, "role cannot be self-assigned")
	}

	_, findErr := service.users.FindUserByEmail(ctx, email)
	switch {
	case findErr == nil:
		return AuthResult{}, newServiceError(KindConflict, CodeDuplicateEmail, "email is already registered", nil)
	case !errors.Is(findErr, ErrUserNotFound):
		return AuthResult{}, internalError(findErr)
	}

	passwordHash, hashErr := service.hasher.Hash(input.Password)
	if hashErr != nil {
		return AuthResult{}, internalError(hashErr)
	}
	now := service.clock.Now()
	user, createErr := service.users.CreateUser(ctx, User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
		Phone:        strings.TrimSpace(input.Phone),
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if createErr != nil {
		if errors.Is(createErr, ErrUserDuplicateEmail) {
			return AuthResult{}, newServiceError(KindConflict, CodeDuplicateEmail, "email is already registered", createErr)
		}
		return AuthResult{}, internalError(createErr)
	}

	result, issueErr := service.issueSession(ctx, user, client)
	if issueErr != nil {
		return AuthResult{}, issueErr
	}
	service.metrics.Increment(metricRegister)
	service.emit(ctx, audit.Event{Type: audit.EventRegister, UserID: user.ID, TokenID: result.Tokens.RefreshTokenID, IP: client.IP, UserAgent: client.UserAgent, Success: true})
	return result, nil
}

// Login verifies credentials and issues a token pair.
func (service *Service) Login(ctx context.Context, email string, password string, client ClientMetadata) (AuthResult, error) {
	normalizedEmail := normalizeEmail(email)
	if normalizedEmail == "" || password == "" {
		return AuthResult{}, validationError(CodeInvalidRequest, "email and password are required")
	}
	user, findErr := service.users.FindUserByEmail(ctx, normalizedEmail)
	if findErr != nil {
		if errors.Is(findErr, ErrUserNotFound) {
			return AuthResult{}, service.loginFailed(ctx, "", client, findErr)
		}
		return AuthResult{}, internalError(findErr)
	}
	if compareErr := service.hasher.Compare(user.PasswordHash, password); compareErr != nil {
		return AuthResult{}, service.loginFailed(ctx, user.ID, client, compareErr)
	}

	result, issueErr := service.issueSession(ctx, user, client)
	if issueErr != nil {
		return AuthResult{}, issueErr
	}
	service.metrics.Increment(metricLoginSuccess)
	service.emit(ctx, audit.Event{Type: audit.EventLogin, UserID: user.ID, TokenID: result.Tokens.RefreshTokenID, IP: client.IP, UserAgent: client.UserAgent, Success: true})
	return result, nil
}

func (service *Service) loginFailed(ctx context.Context, userID string, client ClientMetadata, cause error) error {
	service.metrics.Increment(metricLoginFailure)
	service.logger.Info("login rejected", zap.String("code", CodeInvalidCredentials), zap.String("ip", client.IP), zap.Error(cause))
	service.emit(ctx, audit.Event{Type: audit.EventLoginFailed, UserID: userID, IP: client.IP, UserAgent: client.UserAgent, Code: CodeInvalidCredentials})
	return authenticationError(CodeInvalidCredentials, "invalid email or password", cause)
}

// Refresh exchanges an active refresh token for a new pair and retires the presented token.
func (service *Service) Refresh(ctx context.Context, refreshToken string, client ClientMetadata) (AuthResult, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return AuthResult{}, validationError(CodeInvalidRequest, "refresh token is required")
	}

	current, findErr := service.refreshTokens.FindByHash(ctx, hashRefreshToken(refreshToken))
	if findErr != nil {
		if errors.Is(findErr, ErrRefreshTokenNotFound) {
			return AuthResult{}, service.refreshFailed(ctx, RefreshTokenRecord{}, client, "refresh.unknown_token",
				authenticationError(CodeRefreshInvalid, "refresh token is invalid", findErr))
		}
		return AuthResult{}, internalError(findErr)
	}

	now := service.clock.Now()
	switch current.State(now) {
	case RefreshTokenRotated:
		service.metrics.Increment(metricRefreshReuse)
		service.logger.Warn("rotated refresh token presented again",
			zap.String("code", audit.EventReuseDetected),
			zap.String("user_id", current.UserID),
			zap.String("token_id", current.TokenID),
			zap.String("replaced_by", current.ReplacedByTokenID),
			zap.String("ip", client.IP))
		service.emit(ctx, audit.Event{Type: audit.EventReuseDetected, UserID: current.UserID, TokenID: current.TokenID, IP: client.IP, UserAgent: client.UserAgent, Code: CodeRefreshRevoked,
			Metadata: map[string]string{"replaced_by": current.ReplacedByTokenID}})
		return AuthResult{}, service.refreshFailed(ctx, current, client, "refresh.reused_token",
			authenticationError(CodeRefreshRevoked, "refresh token has been revoked", ErrRefreshTokenRevoked))
	case RefreshTokenRevoked:
		return AuthResult{}, service.refreshFailed(ctx, current, client, "refresh.revoked_token",
			authenticationError(CodeRefreshRevoked, "refresh token has been revoked", ErrRefreshTokenRevoked))
	case RefreshTokenExpired:
		return AuthResult{}, service.refreshFailed(ctx, current, client, "refresh.expired_token",
			authenticationError(CodeRefreshExpired, "refresh token has expired", ErrRefreshTokenExpired))
	}

	claims, verifyErr := service.issuer.VerifyRefreshToken(refreshToken)
	if verifyErr == nil && (claims.ID != current.TokenID || claims.UserID != current.UserID) {
		verifyErr = ErrRefreshSignature
	}
	if verifyErr != nil {
		if revokeErr := service.refreshTokens.Revoke(ctx, current.TokenID, now); revokeErr != nil && !errors.Is(revokeErr, ErrRefreshTokenAlreadyRevoked) {
			service.logger.Error("revoke after signature failure failed", zap.String("token_id", current.TokenID), zap.Error(revokeErr))
		}
		return AuthResult{}, service.refreshFailed(ctx, current, client, "refresh.signature_invalid",
			authenticationError(CodeRefreshInvalid, "refresh token is invalid", verifyErr))
	}

	user, userErr := service.users.FindUserByID(ctx, current.UserID)
	if userErr != nil {
		if errors.Is(userErr, ErrUserNotFound) {
			return AuthResult{}, service.refreshFailed(ctx, current, client, "refresh.user_not_found",
				newServiceError(KindNotFound, CodeUserNotFound, "user not found", userErr))
		}
		return AuthResult{}, internalError(userErr)
	}

	pair, issueErr := service.issuer.IssuePair(user)
	if issueErr != nil {
		return AuthResult{}, internalError(issueErr)
	}
	successor := service.newRecord(user.ID, pair, client)
	successor.PreviousTokenID = current.TokenID

	if rotateErr := service.rotateWithRetry(ctx, current, successor); rotateErr != nil {
		switch {
		case errors.Is(rotateErr, ErrRefreshTokenExpired):
			return AuthResult{}, service.refreshFailed(ctx, current, client, "refresh.expired_during_rotation",
				authenticationError(CodeRefreshExpired, "refresh token has expired", rotateErr))
		case errors.Is(rotateErr, ErrRefreshTokenRevoked), errors.Is(rotateErr, ErrRefreshTokenConflict), errors.Is(rotateErr, ErrRefreshTokenNotFound):
			return AuthResult{}, service.refreshFailed(ctx, current, client, "refresh.rotation_lost_race",
				authenticationError(CodeRefreshRevoked, "refresh token has been revoked", rotateErr))
		default:
			service.metrics.Increment(metricRefreshFailure)
			service.logger.Error("refresh rotation failed", zap.String("token_id", current.TokenID), zap.Error(rotateErr))
			return AuthResult{}, internalError(rotateErr)
		}
	}

	service.metrics.Increment(metricRefreshSuccess)
	service.emit(ctx, audit.Event{Type: audit.EventRefresh, UserID: user.ID, TokenID: successor.TokenID, IP: client.IP, UserAgent: client.UserAgent, Success: true,
		Metadata: map[string]string{"previous_token_id": current.TokenID}})
	return AuthResult{Tokens: pair, User: user}, nil
}

// rotateWithRetry retries a transient store failure once. A lost compare-and-set is final.
func (service *Service) rotateWithRetry(ctx context.Context, current RefreshTokenRecord, successor RefreshTokenRecord) error {
	attempt := 0
	backoff := retry.WithMaxRetries(1, retry.NewConstant(service.rotateRetryDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := service.refreshTokens.Rotate(ctx, current.TokenID, successor, service.clock.Now())
		if err == nil {
			return nil
		}
		if isRotateOutcome(err) {
			if attempt > 1 && errors.Is(err, ErrRefreshTokenRevoked) && service.rotationCommitted(ctx, current, successor) {
				return nil
			}
			return err
		}
		service.metrics.Increment(metricRotateRetry)
		service.logger.Warn("refresh rotation write failed", zap.Int("attempt", attempt), zap.String("token_id", current.TokenID), zap.Error(err))
		return retry.RetryableError(err)
	})
}

// rotationCommitted detects a first attempt that committed despite reporting an error.
func (service *Service) rotationCommitted(ctx context.Context, current RefreshTokenRecord, successor RefreshTokenRecord) bool {
	record, err := service.refreshTokens.FindByHash(ctx, current.TokenHash)
	return err == nil && record.ReplacedByTokenID == successor.TokenID
}

func isRotateOutcome(err error) bool {
	return errors.Is(err, ErrRefreshTokenRevoked) ||
		errors.Is(err, ErrRefreshTokenExpired) ||
		errors.Is(err, ErrRefreshTokenConflict) ||
		errors.Is(err, ErrRefreshTokenNotFound)
}

func (service *Service) refreshFailed(ctx context.Context, record RefreshTokenRecord, client ClientMetadata, logCode string, serviceErr *ServiceError) error {
	service.metrics.Increment(metricRefreshFailure)
	service.logger.Info("refresh rejected",
		zap.String("code", logCode),
		zap.String("token_id", record.TokenID),
		zap.String("ip", client.IP),
		zap.Error(serviceErr.Err))
	service.emit(ctx, audit.Event{Type: audit.EventRefreshFailed, UserID: record.UserID, TokenID: record.TokenID, IP: client.IP, UserAgent: client.UserAgent, Code: serviceErr.Code,
		Metadata: map[string]string{"reason": logCode}})
	return serviceErr
}

// Revoke retires a refresh token. Unknown and already revoked tokens succeed silently.
func (service *Service) Revoke(ctx context.Context, refreshToken string, client ClientMetadata) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}
	record, findErr := service.refreshTokens.FindByHash(ctx, hashRefreshToken(refreshToken))
	if findErr != nil {
		if errors.Is(findErr, ErrRefreshTokenNotFound) {
			return nil
		}
		return internalError(findErr)
	}
	revokeErr := service.refreshTokens.Revoke(ctx, record.TokenID, service.clock.Now())
	switch {
	case revokeErr == nil:
	case errors.Is(revokeErr, ErrRefreshTokenAlreadyRevoked), errors.Is(revokeErr, ErrRefreshTokenNotFound):
		return nil
	default:
		return internalError(revokeErr)
	}
	service.metrics.Increment(metricRevoke)
	service.emit(ctx, audit.Event{Type: audit.EventRevoke, UserID: record.UserID, TokenID: record.TokenID, IP: client.IP, UserAgent: client.UserAgent, Success: true})
	return nil
}

// Profile returns the stored user for an authenticated identity.
func (service *Service) Profile(ctx context.Context, userID string) (User, error) {
	user, err := service.users.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, newServiceError(KindNotFound, CodeUserNotFound, "user not found", err)
		}
		return User{}, internalError(err)
	}
	return user, nil
}

// RefreshTokenCount reports the number of stored refresh token records.
func (service *Service) RefreshTokenCount(ctx context.Context) (int64, error) {
	count, err := service.refreshTokens.Count(ctx)
	if err != nil {
		return 0, internalError(err)
	}
	service.metrics.SetRefreshTokenCount(count)
	return count, nil
}

func (service *Service) issueSession(ctx context.Context, user User, client ClientMetadata) (AuthResult, error) {
	pair, issueErr := service.issuer.IssuePair(user)
	if issueErr != nil {
		return AuthResult{}, internalError(issueErr)
	}
	record := service.newRecord(user.ID, pair, client)
	if insertErr := service.refreshTokens.Insert(ctx, record); insertErr != nil {
		return AuthResult{}, internalError(insertErr)
	}
	return AuthResult{Tokens: pair, User: user}, nil
}

func (service *Service) newRecord(userID string, pair TokenPair, client ClientMetadata) RefreshTokenRecord {
	return RefreshTokenRecord{
		TokenID:   pair.RefreshTokenID,
		UserID:    userID,
		TokenHash: hashRefreshToken(pair.RefreshToken),
		IssuedAt:  pair.RefreshIssuedAt,
		ExpiresAt: pair.RefreshExpiresAt,
		ClientIP:  client.IP,
		UserAgent: truncate(client.UserAgent, 255),
	}
}

func (service *Service) emit(ctx context.Context, event audit.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = service.clock.Now()
	}
	service.audit.Emit(ctx, event)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// truncate cuts value to at most limit bytes on a rune boundary and drops invalid UTF-8.
func truncate(value string, limit int) string {
	value = strings.ToValidUTF8(value, "")
	if len(value) <= limit {
		return value
	}
	for limit > 0 && !utf8.RuneStart(value[limit]) {
		limit--
	}
	return value[:limit]
}
