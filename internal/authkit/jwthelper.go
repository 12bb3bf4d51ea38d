package authkit

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/platformauth/pkg/accesstoken"
)

const refreshTokenUse = "refresh"

var (
	ErrMissingAccessSecret  = errors.New("jwt.config.missing_access_secret")
	ErrMissingRefreshSecret = errors.New("jwt.config.missing_refresh_secret")
	ErrSharedTokenSecrets   = errors.New("jwt.config.shared_secrets")
	ErrInvalidTokenTTL      = errors.New("jwt.config.invalid_ttl")
	ErrMissingIssuer        = errors.New("jwt.config.missing_issuer")
	ErrEmptySubject         = errors.New("jwt.mint.failure: subject must be non-empty")
	ErrRefreshSignature     = errors.New("jwt.refresh.invalid_signature")
)

// RefreshClaims are embedded in the refresh token. The registered ID is the store's token id.
type RefreshClaims struct {
	UserID   string `json:"user_id"`
	TokenUse string `json:"token_use"`
	jwt.RegisteredClaims
}

// TokenPair is the result of a successful login, registration, or rotation.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshTokenID   string
	RefreshIssuedAt  time.Time
	RefreshExpiresAt time.Time
}

// TokenIssuer mints access and refresh tokens with distinct HS256 secrets.
type TokenIssuer struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	clock         Clock
}

// NewTokenIssuer validates the signing configuration. Failures are meant to be fatal at startup.
func NewTokenIssuer(configuration ServerConfig, clock Clock) (*TokenIssuer, error) {
	if len(configuration.AccessTokenSecret) == 0 {
		return nil, ErrMissingAccessSecret
	}
	if len(configuration.RefreshTokenSecret) == 0 {
		return nil, ErrMissingRefreshSecret
	}
	if bytes.Equal(configuration.AccessTokenSecret, configuration.RefreshTokenSecret) {
		return nil, ErrSharedTokenSecrets
	}
	if configuration.AccessTTL <= 0 || configuration.RefreshTTL <= 0 {
		return nil, ErrInvalidTokenTTL
	}
	if strings.TrimSpace(configuration.TokenIssuer) == "" {
		return nil, ErrMissingIssuer
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &TokenIssuer{
		accessSecret:  configuration.AccessTokenSecret,
		refreshSecret: configuration.RefreshTokenSecret,
		issuer:        configuration.TokenIssuer,
		accessTTL:     configuration.AccessTTL,
		refreshTTL:    configuration.RefreshTTL,
		clock:         clock,
	}, nil
}

// IssuePair mints a fresh access and refresh token for the user.
func (issuer *TokenIssuer) IssuePair(user User) (TokenPair, error) {
	accessToken, accessExpiresAt, accessErr := issuer.MintAccessToken(user)
	if accessErr != nil {
		return TokenPair{}, accessErr
	}
	refreshToken, tokenID, issuedAt, refreshExpiresAt, refreshErr := issuer.MintRefreshToken(user.ID)
	if refreshErr != nil {
		return TokenPair{}, refreshErr
	}
	return TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     refreshToken,
		RefreshTokenID:   tokenID,
		RefreshIssuedAt:  issuedAt,
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}

// MintAccessToken creates a signed access token carrying id, email, and role.
func (issuer *TokenIssuer) MintAccessToken(user User) (string, time.Time, error) {
	if strings.TrimSpace(user.ID) == "" {
		return "", time.Time{}, ErrEmptySubject
	}
	issuedAt := issuer.clock.Now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(issuer.accessTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, accesstoken.Claims{
		UserID:    user.ID,
		UserEmail: user.Email,
		UserRole:  string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(issuer.accessSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt.mint.access: %w", err)
	}
	return signed, expiresAt, nil
}

// MintRefreshToken creates a signed refresh token with a new token id.
func (issuer *TokenIssuer) MintRefreshToken(userID string) (string, string, time.Time, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", "", time.Time{}, time.Time{}, ErrEmptySubject
	}
	tokenID := newRefreshTokenID()
	issuedAt := issuer.clock.Now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(issuer.refreshTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, RefreshClaims{
		UserID:   userID,
		TokenUse: refreshTokenUse,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    issuer.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(issuer.refreshSecret)
	if err != nil {
		return "", "", time.Time{}, time.Time{}, fmt.Errorf("jwt.mint.refresh: %w", err)
	}
	return signed, tokenID, issuedAt, expiresAt, nil
}

// VerifyRefreshToken checks the refresh token signature against the refresh secret.
func (issuer *TokenIssuer) VerifyRefreshToken(tokenString string) (*RefreshClaims, error) {
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &RefreshClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return issuer.refreshSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer.issuer), jwt.WithTimeFunc(func() time.Time {
		return issuer.clock.Now()
	}))
	if parseErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshSignature, parseErr)
	}
	claims, ok := parsedToken.Claims.(*RefreshClaims)
	if !ok || !parsedToken.Valid || claims.TokenUse != refreshTokenUse || claims.ID == "" {
		return nil, ErrRefreshSignature
	}
	return claims, nil
}

// AccessValidator returns a stateless validator for tokens minted by this issuer.
func (issuer *TokenIssuer) AccessValidator() (*accesstoken.Validator, error) {
	return accesstoken.New(accesstoken.Config{
		SigningKey: issuer.accessSecret,
		Issuer:     issuer.issuer,
		Clock:      issuer.clock,
	})
}
