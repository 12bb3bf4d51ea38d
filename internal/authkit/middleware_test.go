package authkit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/platformauth/internal/audit"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newGuardedRouter(t *testing.T, fixture *serviceFixture, logger *zap.Logger, roles ...Role) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handlers := []gin.HandlerFunc{RequireAccessToken(fixture.service.AccessValidator(), logger, fixture.metrics, fixture.emitter)}
	if len(roles) > 0 {
		handlers = append(handlers, RequireRoles(logger, fixture.metrics, roles...))
	}
	handlers = append(handlers, func(contextGin *gin.Context) {
		claims, ok := ClaimsFromContext(contextGin)
		if !ok {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"user_id": claims.GetUserID(), "role": claims.GetUserRole()})
	})
	router.GET("/protected", handlers...)
	return router
}

func performGuardedRequest(router *gin.Engine, authorization string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if authorization != "" {
		request.Header.Set("Authorization", authorization)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func decodeErrorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
	code, _ := body["error"].(string)
	return code
}

func TestRequireAccessToken(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	registered := fixture.register(t, "a@example.com", "secret1")
	core, logs := observer.New(zap.InfoLevel)
	router := newGuardedRouter(t, fixture, zap.New(core))

	recorder := performGuardedRequest(router, "Bearer "+registered.Tokens.AccessToken)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid token, got %d", recorder.Code)
	}

	testCases := []struct {
		name          string
		authorization string
		code          string
		logCode       string
	}{
		{name: "missing", authorization: "", code: CodeMissingToken, logCode: "access_guard.missing_token"},
		{name: "basic scheme", authorization: "Basic dXNlcjpwYXNz", code: CodeInvalidToken, logCode: "access_guard.malformed_header"},
		{name: "garbage", authorization: "Bearer not-a-jwt", code: CodeInvalidToken, logCode: "access_guard.invalid_token"},
		{name: "refresh token", authorization: "Bearer " + registered.Tokens.RefreshToken, code: CodeInvalidToken, logCode: "access_guard.invalid_token"},
	}
	for _, testCase := range testCases {
		recorder := performGuardedRequest(router, testCase.authorization)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", testCase.name, recorder.Code)
		}
		if code := decodeErrorCode(t, recorder); code != testCase.code {
			t.Fatalf("%s: expected code %s, got %s", testCase.name, testCase.code, code)
		}
		entries := logs.FilterMessage("access token rejected").All()
		if len(entries) == 0 || entries[len(entries)-1].ContextMap()["code"] != testCase.logCode {
			t.Fatalf("%s: expected log code %s", testCase.name, testCase.logCode)
		}
		events := fixture.emitter.ofType(audit.EventAccessRejected)
		if len(events) == 0 || events[len(events)-1].Code != testCase.logCode || events[len(events)-1].Success {
			t.Fatalf("%s: expected access rejection audit event with code %s", testCase.name, testCase.logCode)
		}
	}
	if rejected := len(fixture.emitter.ofType(audit.EventAccessRejected)); rejected != len(testCases) {
		t.Fatalf("expected %d access rejection events, got %d", len(testCases), rejected)
	}
}

func TestRequireAccessTokenRejectsExpiredTokenRegardlessOfRefreshState(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	registered := fixture.register(t, "a@example.com", "secret1")
	core, logs := observer.New(zap.InfoLevel)
	router := newGuardedRouter(t, fixture, zap.New(core))

	fixture.clock.Advance(fixture.config.AccessTTL)
	recorder := performGuardedRequest(router, "Bearer "+registered.Tokens.AccessToken)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", recorder.Code)
	}
	if code := decodeErrorCode(t, recorder); code != CodeInvalidToken {
		t.Fatalf("expired tokens must share the invalid-token code, got %s", code)
	}
	if entries := logs.FilterField(zap.String("code", "access_guard.token_expired")).All(); len(entries) != 1 {
		t.Fatalf("expected expiry to be distinguished in logs")
	}

	record, err := fixture.store.FindByHash(t.Context(), hashRefreshToken(registered.Tokens.RefreshToken))
	if err != nil || record.State(fixture.clock.Now()) != RefreshTokenActive {
		t.Fatalf("refresh token should still be active: %v", err)
	}
}

func TestRevokedRefreshTokenDoesNotInvalidateAccessToken(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	registered := fixture.register(t, "a@example.com", "secret1")
	router := newGuardedRouter(t, fixture, zap.NewNop())

	if err := fixture.service.Revoke(t.Context(), registered.Tokens.RefreshToken, ClientMetadata{}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	fixture.clock.Advance(time.Minute)
	if recorder := performGuardedRequest(router, "Bearer "+registered.Tokens.AccessToken); recorder.Code != http.StatusOK {
		t.Fatalf("access tokens stay valid until expiry, got %d", recorder.Code)
	}
}

func TestRequireRoles(t *testing.T) {
	fixture := newServiceFixture(t, nil)
	fixture.seedUser(t, "admin-1", "admin@example.com", "adminpw", RoleAdmin)
	fixture.seedUser(t, "staff-1", "staff@example.com", "staffpw", RoleStaff)
	fixture.seedUser(t, "vendor-1", "vendor@example.com", "vendorpw", RoleVendor)
	router := newGuardedRouter(t, fixture, zap.NewNop(), RoleAdmin, RoleStaff)

	testCases := []struct {
		email    string
		password string
		status   int
	}{
		{email: "admin@example.com", password: "adminpw", status: http.StatusOK},
		{email: "staff@example.com", password: "staffpw", status: http.StatusOK},
		{email: "vendor@example.com", password: "vendorpw", status: http.StatusForbidden},
	}
	for _, testCase := range testCases {
		result, err := fixture.service.Login(t.Context(), testCase.email, testCase.password, ClientMetadata{})
		if err != nil {
			t.Fatalf("login %s: %v", testCase.email, err)
		}
		recorder := performGuardedRequest(router, "Bearer "+result.Tokens.AccessToken)
		if recorder.Code != testCase.status {
			t.Fatalf("%s: expected %d, got %d", testCase.email, testCase.status, recorder.Code)
		}
		if testCase.status == http.StatusForbidden && decodeErrorCode(t, recorder) != CodeForbidden {
			t.Fatalf("expected forbidden code")
		}
	}
	if fixture.metrics.Count(metricRoleForbidden) != 1 {
		t.Fatalf("expected one forbidden metric")
	}
}

func TestRequireRolesWithoutClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/admin", RequireRoles(nil, nil, RoleAdmin), func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/admin", nil))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without claims, got %d", recorder.Code)
	}
}

func TestRecoveryKeepsServing(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.ErrorLevel)
	router := gin.New()
	router.Use(Recovery(zap.New(core)))
	router.GET("/panic", func(contextGin *gin.Context) {
		panic("boom")
	})
	router.GET("/ok", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", recorder.Code)
	}
	if code := decodeErrorCode(t, recorder); code != "internal.panic" {
		t.Fatalf("unexpected code %s", code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}

	next := httptest.NewRecorder()
	router.ServeHTTP(next, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if next.Code != http.StatusOK {
		t.Fatalf("expected router to keep serving, got %d", next.Code)
	}
}
