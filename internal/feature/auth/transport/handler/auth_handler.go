// Package handler はauthフィーチャーのHTTPハンドラーを提供します。
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"tradecoach_backend/internal/api"
)

// AuthUsecase は認証操作のユースケースを定義します。
// Goの慣例に従い、インターフェースはコンシューマー（handler）が定義します。
type AuthUsecase interface {
	Signup(ctx context.Context, email, password string) error
	Login(ctx context.Context, email, password string) (string, error)
}

// AuthHandler handles signup and login over HTTP. The issued token is
// also the websocket connect credential.
type AuthHandler struct {
	auth AuthUsecase
}

// NewAuthHandler はAuthHandlerの新しいインスタンスを生成します。
func NewAuthHandler(auth AuthUsecase) *AuthHandler {
	return &AuthHandler{auth: auth}
}

// Signup はPOST /signupを処理します。登録失敗の理由はレスポンスに
// 出さず（メールアドレスの存在が列挙できてしまうため）、ログにのみ残します。
func (h *AuthHandler) Signup(c *gin.Context) {
	var req api.SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid request"})
		return
	}

	if err := h.auth.Signup(c.Request.Context(), req.Email, req.Password); err != nil {
		slog.Warn("signup rejected", "error", err, "remote_addr", c.ClientIP())
		c.JSON(http.StatusConflict, api.ErrorResponse{Error: "signup failed"})
		return
	}

	slog.Info("user registered", "email", req.Email)
	c.JSON(http.StatusCreated, api.MessageResponse{Message: "ok"})
}

// Login はPOST /loginを処理します。認証失敗はすべて同じ401に畳みます。
func (h *AuthHandler) Login(c *gin.Context) {
	var req api.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid request"})
		return
	}

	token, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		slog.Warn("login rejected", "error", err, "remote_addr", c.ClientIP())
		c.JSON(http.StatusUnauthorized, api.ErrorResponse{Error: "invalid email or password"})
		return
	}

	slog.Info("user logged in", "email", req.Email)
	c.JSON(http.StatusOK, api.TokenResponse{Token: token})
}
