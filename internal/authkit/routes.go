package authkit

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const platformRoleTag = "platform_role"

var errUnsupportedValidatorEngine = errors.New("validators.unsupported_engine")

var (
	registerValidatorsOnce sync.Once
	registerValidatorsErr  error
)

// RegisterValidators installs the platform_role tag on gin's default validator.
func RegisterValidators() error {
	registerValidatorsOnce.Do(func() {
		registerValidatorsErr = registerPlatformValidators(binding.Validator.Engine())
	})
	return registerValidatorsErr
}

func registerPlatformValidators(engine any) error {
	validate, ok := engine.(*validator.Validate)
	if !ok {
		return fmt.Errorf("validators.register.%s: %w", platformRoleTag, errUnsupportedValidatorEngine)
	}
	if err := validate.RegisterValidation(platformRoleTag, func(field validator.FieldLevel) bool {
		return IsValidRole(field.Field().String())
	}); err != nil {
		return fmt.Errorf("validators.register.%s: %w", platformRoleTag, err)
	}
	return nil
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type registerRequest struct {
	Name     string `json:"name" binding:"required,max=120"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6,max=72"`
	Role     string `json:"role" binding:"omitempty,platform_role"`
	Phone    string `json:"phone" binding:"omitempty,max=32"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// UserResponse is the public projection of a User.
type UserResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Verified  bool      `json:"verified"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewUserResponse strips credentials from a User.
func NewUserResponse(user User) UserResponse {
	return UserResponse{
		ID:        user.ID,
		Name:      user.Name,
		Email:     user.Email,
		Role:      string(user.Role),
		Verified:  user.Verified,
		Phone:     user.Phone,
		CreatedAt: user.CreatedAt,
	}
}

type tokenResponse struct {
	AccessToken           string       `json:"accessToken"`
	AccessTokenExpiresAt  time.Time    `json:"accessTokenExpiresAt"`
	RefreshToken          string       `json:"refreshToken"`
	RefreshTokenExpiresAt time.Time    `json:"refreshTokenExpiresAt"`
	User                  UserResponse `json:"user"`
}

func newTokenResponse(result AuthResult) tokenResponse {
	return tokenResponse{
		AccessToken:           result.Tokens.AccessToken,
		AccessTokenExpiresAt:  result.Tokens.AccessExpiresAt,
		RefreshToken:          result.Tokens.RefreshToken,
		RefreshTokenExpiresAt: result.Tokens.RefreshExpiresAt,
		User:                  NewUserResponse(result.User),
	}
}

// WriteError renders err with its stable code. Wrapped details are exposed only in development.
func WriteError(contextGin *gin.Context, logger *zap.Logger, development bool, err error) {
	serviceErr := AsServiceError(err)
	if serviceErr.Kind == KindInternal && logger != nil {
		logger.Error("request failed",
			zap.String("code", serviceErr.Code),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Error(serviceErr.Err))
	}
	body := gin.H{"error": serviceErr.Code, "message": serviceErr.Message}
	if development && serviceErr.Err != nil {
		body["details"] = serviceErr.Err.Error()
	}
	contextGin.AbortWithStatusJSON(serviceErr.HTTPStatus(), body)
}

func clientMetadata(contextGin *gin.Context) ClientMetadata {
	return ClientMetadata{
		IP:        contextGin.ClientIP(),
		UserAgent: contextGin.Request.UserAgent(),
	}
}

// MountAuthRoutes registers the public auth endpoints, the admin refresh-token endpoints, and /healthz.
// Admin endpoints are mounted only when reaper is non-nil.
func MountAuthRoutes(router gin.IRouter, service *Service, reaper *Reaper, logger *zap.Logger, metrics MetricsRecorder) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := RegisterValidators(); err != nil {
		logger.Error("request validators unavailable", zap.String("code", "validators.register_failed"), zap.Error(err))
	}
	development := service.configuration.IsDevelopment()

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")

	api.POST("/auth/login", func(contextGin *gin.Context) {
		var inbound loginRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			WriteError(contextGin, logger, development, newServiceError(KindValidation, CodeInvalidRequest, "email and password are required", err))
			return
		}
		result, loginErr := service.Login(contextGin.Request.Context(), inbound.Email, inbound.Password, clientMetadata(contextGin))
		if loginErr != nil {
			WriteError(contextGin, logger, development, loginErr)
			return
		}
		contextGin.JSON(http.StatusOK, newTokenResponse(result))
	})

	api.POST("/auth/register", func(contextGin *gin.Context) {
		var inbound registerRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			WriteError(contextGin, logger, development, newServiceError(KindValidation, CodeInvalidRequest, "name, email, and a password of at least 6 characters are required", err))
			return
		}
		result, registerErr := service.Register(contextGin.Request.Context(), RegisterInput{
			Name:     inbound.Name,
			Email:    inbound.Email,
			Password: inbound.Password,
			Role:     inbound.Role,
			Phone:    inbound.Phone,
		}, clientMetadata(contextGin))
		if registerErr != nil {
			WriteError(contextGin, logger, development, registerErr)
			return
		}
		contextGin.JSON(http.StatusCreated, newTokenResponse(result))
	})

	api.POST("/auth/refresh", func(contextGin *gin.Context) {
		var inbound refreshRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
			WriteError(contextGin, logger, development, newServiceError(KindValidation, CodeInvalidRequest, "refreshToken is required", err))
			return
		}
		result, refreshErr := service.Refresh(contextGin.Request.Context(), inbound.RefreshToken, clientMetadata(contextGin))
		if refreshErr != nil {
			WriteError(contextGin, logger, development, refreshErr)
			return
		}
		contextGin.JSON(http.StatusOK, newTokenResponse(result))
	})

	revokeHandler := func(contextGin *gin.Context) {
		var inbound refreshRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			logger.Debug("revoke body unreadable", zap.String("code", "revoke.invalid_body"), zap.Error(err))
		}
		if revokeErr := service.Revoke(contextGin.Request.Context(), inbound.RefreshToken, clientMetadata(contextGin)); revokeErr != nil {
			WriteError(contextGin, logger, development, revokeErr)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"success": true})
	}
	api.POST("/refresh-token/revoke", revokeHandler)
	api.POST("/auth/logout", revokeHandler)

	if reaper == nil {
		return
	}
	admin := api.Group("/admin")
	admin.Use(RequireAccessToken(service.AccessValidator(), logger, metrics, service.audit), RequireRoles(logger, metrics, RoleAdmin))
	admin.GET("/refresh-tokens/stats", func(contextGin *gin.Context) {
		count, countErr := service.RefreshTokenCount(contextGin.Request.Context())
		if countErr != nil {
			WriteError(contextGin, logger, development, countErr)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"count": count})
	})
	admin.POST("/refresh-tokens/sweep", func(contextGin *gin.Context) {
		result, sweepErr := reaper.Sweep(contextGin.Request.Context())
		if sweepErr != nil {
			WriteError(contextGin, logger, development, internalError(sweepErr))
			return
		}
		contextGin.JSON(http.StatusOK, result)
	})
}
