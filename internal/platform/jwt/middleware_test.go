package jwtmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const testSecret = "test-secret"

// signToken は認証テスト用の署名済みトークンを生成します。
func signToken(t *testing.T, secret string, userID uint) string {
	t.Helper()
	token, err := NewGenerator(secret, time.Hour).GenerateToken(userID, "user@example.com")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return token
}

func newAuthRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", AuthRequired(), func(c *gin.Context) {
		id, _ := c.Get(ContextUserID)
		c.JSON(http.StatusOK, gin.H{"user_id": id})
	})
	return r
}

func TestAuthRequired(t *testing.T) {
	testCases := []struct {
		name       string
		secret     string
		authHeader string
		wantStatus int
	}{
		{
			name:       "valid token",
			secret:     testSecret,
			authHeader: "Bearer %TOKEN%",
			wantStatus: http.StatusOK,
		},
		{
			name:       "missing header",
			secret:     testSecret,
			authHeader: "",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "malformed header",
			secret:     testSecret,
			authHeader: "Token abc",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "garbage token",
			secret:     testSecret,
			authHeader: "Bearer not.a.jwt",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "secret not configured",
			secret:     "",
			authHeader: "Bearer %TOKEN%",
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(EnvKeyJWTSecret, tc.secret)

			header := tc.authHeader
			if header == "Bearer %TOKEN%" {
				header = "Bearer " + signToken(t, testSecret, 42)
			}

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			newAuthRouter().ServeHTTP(w, req)

			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tc.wantStatus)
			}
		})
	}
}

func TestVerifyToken(t *testing.T) {
	t.Setenv(EnvKeyJWTSecret, testSecret)

	token := signToken(t, testSecret, 7)
	userID, err := VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if userID != 7 {
		t.Fatalf("userID = %d, want 7", userID)
	}
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	t.Setenv(EnvKeyJWTSecret, testSecret)

	token := signToken(t, "other-secret", 7)
	if _, err := VerifyToken(token); err == nil {
		t.Fatal("expected verification error for token signed with wrong secret")
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	t.Setenv(EnvKeyJWTSecret, testSecret)

	token, err := NewGenerator(testSecret, -time.Minute).GenerateToken(1, "user@example.com")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := VerifyToken(token); err == nil {
		t.Fatal("expected verification error for expired token")
	}
}
