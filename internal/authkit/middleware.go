package authkit

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/platformauth/internal/audit"
	"github.com/tyemirov/platformauth/pkg/accesstoken"
	"go.uber.org/zap"
)

const claimsContextKey = "auth_claims"

// RequireAccessToken validates the bearer access token and injects claims.
// It never consults the refresh-token store. Rejections are reported to emitter when it is non-nil.
func RequireAccessToken(validator *accesstoken.Validator, logger *zap.Logger, metrics MetricsRecorder, emitter audit.Emitter) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	if emitter == nil {
		emitter = audit.NoOpSink{}
	}
	return func(contextGin *gin.Context) {
		claims, validateErr := validator.ValidateRequest(contextGin.Request)
		if validateErr != nil {
			metrics.Increment(metricAccessRejected)
			code, logCode := classifyAccessError(validateErr)
			logger.Info("access token rejected",
				zap.String("code", logCode),
				zap.String("path", contextGin.FullPath()),
				zap.String("ip", contextGin.ClientIP()),
				zap.Error(validateErr))
			emitter.Emit(contextGin.Request.Context(), audit.Event{
				Timestamp: time.Now().UTC(),
				Type:      audit.EventAccessRejected,
				IP:        contextGin.ClientIP(),
				UserAgent: truncate(contextGin.Request.UserAgent(), 255),
				Code:      logCode,
				Metadata:  map[string]string{"path": contextGin.FullPath()},
			})
			message := "access token is invalid"
			if code == CodeMissingToken {
				message = "access token is required"
			}
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": code, "message": message})
			return
		}
		contextGin.Set(claimsContextKey, claims)
		contextGin.Next()
	}
}

// classifyAccessError returns the client-visible code and the more specific log code.
func classifyAccessError(err error) (string, string) {
	switch {
	case errors.Is(err, accesstoken.ErrMissingToken):
		return CodeMissingToken, "access_guard.missing_token"
	case errors.Is(err, accesstoken.ErrMalformedHeader):
		return CodeInvalidToken, "access_guard.malformed_header"
	case errors.Is(err, accesstoken.ErrTokenExpired):
		return CodeInvalidToken, "access_guard.token_expired"
	case errors.Is(err, accesstoken.ErrInvalidIssuer):
		return CodeInvalidToken, "access_guard.invalid_issuer"
	default:
		return CodeInvalidToken, "access_guard.invalid_token"
	}
}

// RequireRoles allows the request only when the authenticated role is one of roles.
// It must run after RequireAccessToken.
func RequireRoles(logger *zap.Logger, metrics MetricsRecorder, roles ...Role) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	allowed := make(map[Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(contextGin *gin.Context) {
		claims, ok := ClaimsFromContext(contextGin)
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": CodeMissingToken, "message": "access token is required"})
			return
		}
		role, parseErr := ParseRole(claims.GetUserRole())
		if _, permitted := allowed[role]; parseErr != nil || !permitted {
			metrics.Increment(metricRoleForbidden)
			logger.Info("role gate rejected request",
				zap.String("code", CodeForbidden),
				zap.String("user_id", claims.GetUserID()),
				zap.String("role", claims.GetUserRole()),
				zap.String("path", contextGin.FullPath()))
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": CodeForbidden, "message": "insufficient role"})
			return
		}
		contextGin.Next()
	}
}

// ClaimsFromContext returns the claims injected by RequireAccessToken.
func ClaimsFromContext(contextGin *gin.Context) (*accesstoken.Claims, bool) {
	value, exists := contextGin.Get(claimsContextKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*accesstoken.Claims)
	return claims, ok && claims != nil
}

// RequestLogger writes one zap line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		start := time.Now()
		contextGin.Next()
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// Recovery converts handler panics into a 500 response and keeps the process serving.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return gin.CustomRecovery(func(contextGin *gin.Context, recovered any) {
		logger.Error("panic recovered",
			zap.String("code", "internal.panic"),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Any("panic", recovered),
			zap.Stack("stack"))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal.panic", "message": "internal server error"})
	})
}
