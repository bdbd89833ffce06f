// Package router assembles the HTTP route table.
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	authhandler "tradecoach_backend/internal/feature/auth/transport/handler"
	markethandler "tradecoach_backend/internal/feature/market/transport/handler"
	streamhandler "tradecoach_backend/internal/feature/stream/transport/handler"
	jwtmw "tradecoach_backend/internal/platform/jwt"
)

// NewRouter wires every endpoint onto a gin engine.
func NewRouter(auth *authhandler.AuthHandler, assets *markethandler.AssetHandler, stream *streamhandler.WSHandler) *gin.Engine {
	r := gin.Default()

	// 認証不要
	// 導通確認用
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	// 新規ユーザー登録
	r.POST("/signup", auth.Signup)
	// ログイン（JWT 発行）
	r.POST("/login", auth.Login)

	// WebSocket接続。ブラウザのWSクライアントはヘッダーを付けられない
	// ため、トークンはクエリパラメータで受けてハンドラー内で検証する。
	r.GET("/ws/:session_id", stream.HandleWS)

	// 認証必須のルート
	protected := r.Group("/")
	protected.Use(jwtmw.AuthRequired())
	{
		protected.GET("/assets", assets.List)
	}

	return r
}
