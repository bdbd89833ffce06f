// Package handler はmarketフィーチャーのHTTPハンドラーを処理します。
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tradecoach_backend/internal/feature/market/domain/entity"
)

// AssetItem is the wire form of one catalog asset.
type AssetItem struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Group  string `json:"group"`
}

// AssetHandler serves the static asset catalog over REST. The same data
// is available over the websocket, this endpoint exists for clients that
// want it before opening a stream.
type AssetHandler struct {
	catalog *entity.Catalog
}

// NewAssetHandler は新しい AssetHandler を作成します。
func NewAssetHandler(catalog *entity.Catalog) *AssetHandler {
	return &AssetHandler{catalog: catalog}
}

// List は対応銘柄の一覧をグループ別に返すAPIです。
func (h *AssetHandler) List(c *gin.Context) {
	out := map[string][]AssetItem{}
	for group := range h.catalog.Groups() {
		for _, a := range h.catalog.Group(group) {
			out[string(group)] = append(out[string(group)], AssetItem{
				Symbol: a.Symbol,
				Name:   a.Name,
				Group:  string(a.Group),
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"groups": out})
}
