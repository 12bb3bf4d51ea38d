package web

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/platformauth/internal/authkit"
	"go.uber.org/zap"
)

// ProfileReader loads the stored user behind an authenticated identity.
type ProfileReader interface {
	Profile(ctx context.Context, userID string) (authkit.User, error)
}

// HandleProfile returns the authenticated user's stored profile.
// It must be mounted behind authkit.RequireAccessToken.
func HandleProfile(logger *zap.Logger, profiles ProfileReader, development bool) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if profiles == nil {
		panic("profile reader is required")
	}

	return func(contextGin *gin.Context) {
		claims, found := authkit.ClaimsFromContext(contextGin)
		if !found || claims.GetUserID() == "" {
			logger.Warn("missing auth claims on context",
				zap.String("code", "api.profile.missing_claims"))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": authkit.CodeMissingToken, "message": "access token is required"})
			return
		}

		user, profileErr := profiles.Profile(contextGin.Request.Context(), claims.GetUserID())
		if profileErr != nil {
			logger.Warn("profile lookup failed",
				zap.String("code", "api.profile.lookup_failed"),
				zap.String("user_id", claims.GetUserID()),
				zap.Error(profileErr))
			authkit.WriteError(contextGin, logger, development, profileErr)
			return
		}

		contextGin.JSON(http.StatusOK, gin.H{
			"user":                 authkit.NewUserResponse(user),
			"accessTokenExpiresAt": claims.GetExpiresAt(),
		})
	}
}
