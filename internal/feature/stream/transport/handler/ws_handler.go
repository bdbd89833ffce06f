// Package handler はstreamフィーチャーのWebSocketハンドラーを提供します。
// 接続ごとに読み取りループを1本持ち、すべての応答はハブの送信キュー
// 経由で書き込まれます。このパッケージが直接ソケットへ書くことはありません。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tradecoach_backend/internal/api"
	alertentity "tradecoach_backend/internal/feature/alerts/domain/entity"
	behaviorentity "tradecoach_backend/internal/feature/behavior/domain/entity"
	chatusecase "tradecoach_backend/internal/feature/chat/usecase"
	marketentity "tradecoach_backend/internal/feature/market/domain/entity"
	marketusecase "tradecoach_backend/internal/feature/market/usecase"
	"tradecoach_backend/internal/feature/stream/hub"
	jwtmw "tradecoach_backend/internal/platform/jwt"
)

const (
	defaultCandleLimit    = 100
	defaultIndicatorLimit = 200
	maxCandleLimit        = 500
	chatTimeout           = 30 * time.Second
)

// FeedSource controls upstream symbol subscriptions.
// Goの慣例に従い、インターフェースはコンシューマーが定義します。
type FeedSource interface {
	SubscribeGroup(group marketentity.AssetGroup) error
}

// PriceSource serves the latest in-memory prices.
type PriceSource interface {
	LatestPrices() map[string]float64
}

// SnapshotReader serves the shared latest-price mirror, used to answer
// price queries right after a restart before ticks have flowed.
type SnapshotReader interface {
	All(ctx context.Context) map[string]float64
}

// HistoryProvider serves candle history for a symbol, oldest first.
type HistoryProvider interface {
	History(ctx context.Context, symbol string, limit int) ([]marketentity.Candle, error)
}

// AlertService manages price alerts for sessions.
type AlertService interface {
	Create(ctx context.Context, sessionID string, userID uint, symbol string, target float64, direction alertentity.Direction) (alertentity.PriceAlert, error)
	Cancel(ctx context.Context, sessionID, alertID string) error
	Rearm(ctx context.Context, sessionID, alertID string) (alertentity.PriceAlert, error)
	List(sessionID string) []alertentity.PriceAlert
	LoadSession(ctx context.Context, sessionID string, userID uint) error
	DropSession(sessionID string)
}

// TradeStore persists reported trades.
type TradeStore interface {
	Save(ctx context.Context, t *behaviorentity.Trade) error
	RecentBySession(ctx context.Context, sessionID string, userID uint, limit int) ([]behaviorentity.Trade, error)
}

// Analyzer maintains the per-session behavioral window.
type Analyzer interface {
	OnTrade(sessionID string, trade behaviorentity.Trade) behaviorentity.Report
	Report(sessionID string) behaviorentity.Report
	Window(sessionID string) []behaviorentity.Trade
	Seed(sessionID string, trades []behaviorentity.Trade)
	Forget(sessionID string)
}

// Coach turns reports into nudges.
type Coach interface {
	Evaluate(sessionID string, report behaviorentity.Report, window []behaviorentity.Trade) ([]behaviorentity.Nudge, *behaviorentity.Celebration)
	Dismiss(sessionID, nudgeID string) bool
	Forget(sessionID string)
}

// ChatService answers questions with market and behavior context.
type ChatService interface {
	Ask(ctx context.Context, in chatusecase.AskInput) (string, error)
}

// WSHandlerDeps bundles the handler's collaborators.
type WSHandlerDeps struct {
	Hub       *hub.Hub
	Catalog   *marketentity.Catalog
	Feed      FeedSource
	Prices    PriceSource
	Snapshots SnapshotReader
	History   HistoryProvider
	Alerts    AlertService
	Trades    TradeStore
	Analyzer  Analyzer
	Coach     Coach
	Chat      ChatService
	// SeedDepth is how many persisted trades hydrate the analyzer window
	// on connect.
	SeedDepth int
}

// WSHandler accepts websocket connections and dispatches client frames.
type WSHandler struct {
	deps     WSHandlerDeps
	upgrader websocket.Upgrader
}

// NewWSHandler はWSHandlerの新しいインスタンスを生成します。
func NewWSHandler(deps WSHandlerDeps) *WSHandler {
	if deps.SeedDepth <= 0 {
		deps.SeedDepth = 50
	}
	return &WSHandler{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// トークンはクエリで検証済みなのでOriginは制限しない
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades GET /ws/:session_id. The JWT is passed as a query
// parameter because browser websocket clients cannot set headers.
func (h *WSHandler) HandleWS(c *gin.Context) {
	sessionID := c.Param("session_id")
	if strings.TrimSpace(sessionID) == "" {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "session_id is required"})
		return
	}

	userID, err := jwtmw.VerifyToken(c.Query("token"))
	if err != nil {
		slog.Warn("ws auth failed", "error", err, "remote_addr", c.ClientIP())
		c.JSON(http.StatusUnauthorized, api.ErrorResponse{Error: "invalid token"})
		return
	}

	// セッションIDはクライアント採番なので、別ユーザーの生きている
	// セッションを乗っ取れないことをここで保証する。
	if owner, ok := h.deps.Hub.Owner(sessionID); ok && owner != userID {
		slog.Warn("ws session takeover rejected", "session_id", sessionID, "user_id", userID, "owner_id", owner)
		c.JSON(http.StatusForbidden, api.ErrorResponse{Error: "session belongs to another user"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "error", err, "remote_addr", c.ClientIP())
		return
	}

	h.deps.Hub.Connect(sessionID, userID, conn)
	slog.Info("ws session connected", "session_id", sessionID, "user_id", userID)

	h.hydrate(sessionID, userID)
	go h.readPump(sessionID, userID, conn)
}

// hydrate restores persisted per-session state after (re)connect. The
// hub gives a reconnecting session a fresh subscription set, so only
// alerts and the behavioral window carry over. Both reads are scoped to
// the authenticated user.
func (h *WSHandler) hydrate(sessionID string, userID uint) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.deps.Alerts.LoadSession(ctx, sessionID, userID); err != nil {
		slog.Warn("alert hydration failed", "error", err, "session_id", sessionID)
	}
	trades, err := h.deps.Trades.RecentBySession(ctx, sessionID, userID, h.deps.SeedDepth)
	if err != nil {
		slog.Warn("trade hydration failed", "error", err, "session_id", sessionID)
		return
	}
	if len(trades) > 0 {
		h.deps.Analyzer.Seed(sessionID, trades)
	}
}

func (h *WSHandler) readPump(sessionID string, userID uint, conn *websocket.Conn) {
	defer h.teardown(sessionID)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			slog.Info("ws session closed", "session_id", sessionID, "error", err)
			return
		}
		h.dispatch(sessionID, userID, raw)
	}
}

// teardown releases everything tied to the live connection. Persisted
// state stays; hydrate rebuilds the in-memory side on reconnect.
func (h *WSHandler) teardown(sessionID string) {
	h.deps.Hub.Disconnect(sessionID)
	h.deps.Alerts.DropSession(sessionID)
	h.deps.Analyzer.Forget(sessionID)
	h.deps.Coach.Forget(sessionID)
}

// dispatch routes one inbound frame. A malformed frame answers an error
// to this session only and never tears the connection down.
func (h *WSHandler) dispatch(sessionID string, userID uint, raw []byte) {
	var env api.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.sendError(sessionID, api.ErrCodeBadRequest, "malformed frame")
		return
	}

	switch env.Type {
	case api.KindSubscribeGroup:
		h.onSubscribeGroup(sessionID, env.Data)
	case api.KindSubscribeSymbol:
		h.onSubscribeSymbol(sessionID, env.Data)
	case api.KindListAssets:
		h.onListAssets(sessionID)
	case api.KindGetPrices:
		h.onGetPrices(sessionID)
	case api.KindCandlesHistory:
		h.onCandlesHistory(sessionID, env.Data)
	case api.KindIndicators:
		h.onIndicators(sessionID, env.Data)
	case api.KindCreateAlert:
		h.onCreateAlert(sessionID, userID, env.Data)
	case api.KindCancelAlert:
		h.onCancelAlert(sessionID, env.Data)
	case api.KindRearmAlert:
		h.onRearmAlert(sessionID, env.Data)
	case api.KindListAlerts:
		h.onListAlerts(sessionID)
	case api.KindTradeEvent:
		h.onTradeEvent(sessionID, userID, env.Data)
	case api.KindChat:
		h.onChat(sessionID, userID, env.Data)
	case api.KindDismissNudge:
		h.onDismissNudge(sessionID, env.Data)
	default:
		h.sendError(sessionID, api.ErrCodeUnknownKind, "unknown message type: "+env.Type)
	}
}

func (h *WSHandler) onSubscribeGroup(sessionID string, data json.RawMessage) {
	var req api.SubscribeGroupRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Group == "" {
		h.sendError(sessionID, api.ErrCodeBadRequest, "group is required")
		return
	}
	group := marketentity.AssetGroup(req.Group)
	if err := h.deps.Feed.SubscribeGroup(group); err != nil {
		h.sendError(sessionID, api.ErrCodeUnknownGroup, "unknown asset group: "+req.Group)
		return
	}
	if err := h.deps.Hub.Subscribe(sessionID, hub.GroupTopic(req.Group)); err != nil {
		slog.Warn("subscribe failed", "error", err, "session_id", sessionID)
		return
	}
	h.sendInfo(sessionID, "subscribed to group "+req.Group)
}

func (h *WSHandler) onSubscribeSymbol(sessionID string, data json.RawMessage) {
	var req api.SubscribeSymbolRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Symbol == "" {
		h.sendError(sessionID, api.ErrCodeBadRequest, "symbol is required")
		return
	}
	asset, ok := h.deps.Catalog.Lookup(req.Symbol)
	if !ok {
		h.sendError(sessionID, api.ErrCodeUnknownSymbol, "unknown symbol: "+req.Symbol)
		return
	}
	// 上流の購読はグループ単位。既に購読済みなら何もしない。
	if err := h.deps.Feed.SubscribeGroup(asset.Group); err != nil {
		h.sendError(sessionID, api.ErrCodeUpstream, "subscription failed")
		return
	}
	if err := h.deps.Hub.Subscribe(sessionID, hub.SymbolTopic(req.Symbol)); err != nil {
		slog.Warn("subscribe failed", "error", err, "session_id", sessionID)
		return
	}
	h.sendInfo(sessionID, "subscribed to "+req.Symbol)
}

// assetDTO is the wire form of a catalog asset.
type assetDTO struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Group  string `json:"group"`
}

type assetListPayload struct {
	Groups map[string][]assetDTO `json:"groups"`
}

func (h *WSHandler) onListAssets(sessionID string) {
	payload := assetListPayload{Groups: map[string][]assetDTO{}}
	for group := range h.deps.Catalog.Groups() {
		for _, a := range h.deps.Catalog.Group(group) {
			payload.Groups[string(group)] = append(payload.Groups[string(group)], assetDTO{
				Symbol: a.Symbol,
				Name:   a.Name,
				Group:  string(a.Group),
			})
		}
	}
	h.send(sessionID, api.KindAssetList, payload)
}

type latestPricesPayload struct {
	Prices map[string]float64 `json:"prices"`
}

func (h *WSHandler) onGetPrices(sessionID string) {
	prices := h.deps.Prices.LatestPrices()
	if h.deps.Snapshots != nil {
		// 再起動直後はメモリが空なので、共有ミラーを下敷きにする
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for symbol, price := range h.deps.Snapshots.All(ctx) {
			if _, ok := prices[symbol]; !ok {
				prices[symbol] = price
			}
		}
	}
	h.send(sessionID, api.KindLatestPrices, latestPricesPayload{Prices: prices})
}

type candlesPayload struct {
	Symbol  string                `json:"symbol"`
	Status  string                `json:"status"`
	Candles []marketentity.Candle `json:"candles,omitempty"`
}

func (h *WSHandler) onCandlesHistory(sessionID string, data json.RawMessage) {
	var req api.CandlesHistoryRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Symbol == "" {
		h.sendError(sessionID, api.ErrCodeBadRequest, "symbol is required")
		return
	}
	if _, ok := h.deps.Catalog.Lookup(req.Symbol); !ok {
		h.sendError(sessionID, api.ErrCodeUnknownSymbol, "unknown symbol: "+req.Symbol)
		return
	}
	limit := clampLimit(req.Limit, defaultCandleLimit)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	candles, err := h.deps.History.History(ctx, req.Symbol, limit)
	if err != nil {
		slog.Warn("candle history failed", "error", err, "symbol", req.Symbol)
		h.sendError(sessionID, api.ErrCodeUpstream, "history unavailable")
		return
	}

	status := "ok"
	if len(candles) == 0 {
		status = "no_data"
	}
	h.send(sessionID, api.KindCandlesHistory, candlesPayload{
		Symbol:  req.Symbol,
		Status:  status,
		Candles: candles,
	})
}

type indicatorPayload struct {
	Symbol string                         `json:"symbol"`
	Status string                         `json:"status"`
	Result *marketusecase.IndicatorResult `json:"result,omitempty"`
}

func (h *WSHandler) onIndicators(sessionID string, data json.RawMessage) {
	var req api.IndicatorsRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Symbol == "" {
		h.sendError(sessionID, api.ErrCodeBadRequest, "symbol is required")
		return
	}
	if _, ok := h.deps.Catalog.Lookup(req.Symbol); !ok {
		h.sendError(sessionID, api.ErrCodeUnknownSymbol, "unknown symbol: "+req.Symbol)
		return
	}
	limit := clampLimit(req.Limit, defaultIndicatorLimit)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	candles, err := h.deps.History.History(ctx, req.Symbol, limit)
	if err != nil {
		slog.Warn("indicator history failed", "error", err, "symbol", req.Symbol)
		h.sendError(sessionID, api.ErrCodeUpstream, "history unavailable")
		return
	}

	result, err := marketusecase.ComputeIndicators(candles, marketusecase.DefaultIndicatorConfig())
	if err != nil {
		// データ不足はエラーではなく明示的なステータスで返す
		h.send(sessionID, api.KindIndicatorResult, indicatorPayload{
			Symbol: req.Symbol,
			Status: "insufficient_data",
		})
		return
	}
	h.send(sessionID, api.KindIndicatorResult, indicatorPayload{
		Symbol: req.Symbol,
		Status: "ok",
		Result: result,
	})
}

func (h *WSHandler) onCreateAlert(sessionID string, userID uint, data json.RawMessage) {
	var req api.CreateAlertRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Symbol == "" {
		h.sendError(sessionID, api.ErrCodeBadRequest, "symbol, target_price and direction are required")
		return
	}
	if _, ok := h.deps.Catalog.Lookup(req.Symbol); !ok {
		h.sendError(sessionID, api.ErrCodeUnknownSymbol, "unknown symbol: "+req.Symbol)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	alert, err := h.deps.Alerts.Create(ctx, sessionID, userID, req.Symbol, req.TargetPrice, alertentity.Direction(req.Direction))
	if err != nil {
		h.sendError(sessionID, api.ErrCodeBadRequest, err.Error())
		return
	}
	h.send(sessionID, api.KindAlertCreated, alert)
}

func (h *WSHandler) onCancelAlert(sessionID string, data json.RawMessage) {
	var req api.CancelAlertRequest
	if err := json.Unmarshal(data, &req); err != nil || req.AlertID == "" {
		h.sendError(sessionID, api.ErrCodeBadRequest, "alert_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.deps.Alerts.Cancel(ctx, sessionID, req.AlertID); err != nil {
		h.sendError(sessionID, api.ErrCodeNotFound, "alert not found")
		return
	}
	h.send(sessionID, api.KindAlertCancelled, api.CancelAlertRequest{AlertID: req.AlertID})
}

func (h *WSHandler) onRearmAlert(sessionID string, data json.RawMessage) {
	var req api.RearmAlertRequest
	if err := json.Unmarshal(data, &req); err != nil || req.AlertID == "" {
		h.sendError(sessionID, api.ErrCodeBadRequest, "alert_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	alert, err := h.deps.Alerts.Rearm(ctx, sessionID, req.AlertID)
	if err != nil {
		h.sendError(sessionID, api.ErrCodeBadRequest, err.Error())
		return
	}
	h.send(sessionID, api.KindAlertRearmed, alert)
}

type alertListPayload struct {
	Alerts []alertentity.PriceAlert `json:"alerts"`
}

func (h *WSHandler) onListAlerts(sessionID string) {
	h.send(sessionID, api.KindAlertList, alertListPayload{Alerts: h.deps.Alerts.List(sessionID)})
}

type nudgesPayload struct {
	Nudges      []behaviorentity.Nudge      `json:"nudges"`
	Celebration *behaviorentity.Celebration `json:"celebration,omitempty"`
}

func (h *WSHandler) onTradeEvent(sessionID string, userID uint, data json.RawMessage) {
	var req api.TradeEventRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendError(sessionID, api.ErrCodeBadRequest, "malformed trade event")
		return
	}
	side := behaviorentity.TradeSide(req.Side)
	if side != behaviorentity.SideBuy && side != behaviorentity.SideSell {
		h.sendError(sessionID, api.ErrCodeBadRequest, "side must be buy or sell")
		return
	}
	if req.Size <= 0 || req.Price <= 0 {
		h.sendError(sessionID, api.ErrCodeBadRequest, "size and price must be positive")
		return
	}

	trade := behaviorentity.Trade{
		SessionID: sessionID,
		UserID:    userID,
		Symbol:    req.Symbol,
		Side:      side,
		Size:      req.Size,
		Price:     req.Price,
		PnL:       req.PnL,
		Epoch:     req.Timestamp,
	}
	if trade.Epoch == 0 {
		trade.Epoch = time.Now().Unix()
	}

	// 永続化はベストエフォート。分析は常に実行する。
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.deps.Trades.Save(ctx, &trade); err != nil {
		slog.Warn("trade persistence failed", "error", err, "session_id", sessionID)
	}

	report := h.deps.Analyzer.OnTrade(sessionID, trade)
	h.send(sessionID, api.KindBehavioralReport, report)

	nudges, celebration := h.deps.Coach.Evaluate(sessionID, report, h.deps.Analyzer.Window(sessionID))
	if len(nudges) > 0 || celebration != nil {
		h.send(sessionID, api.KindNudges, nudgesPayload{Nudges: nudges, Celebration: celebration})
	}
}

func (h *WSHandler) onChat(sessionID string, userID uint, data json.RawMessage) {
	var req api.ChatRequest
	if err := json.Unmarshal(data, &req); err != nil || strings.TrimSpace(req.Message) == "" {
		h.sendError(sessionID, api.ErrCodeBadRequest, "message is required")
		return
	}

	in := chatusecase.AskInput{
		SessionID: sessionID,
		UserID:    userID,
		Question:  req.Message,
		Market:    h.marketSnapshot(req.Symbol),
		Behavior:  h.behaviorSnapshot(sessionID),
	}

	// 生成の待ち時間で読み取りループを塞がない
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), chatTimeout)
		defer cancel()

		answer, err := h.deps.Chat.Ask(ctx, in)
		if err != nil {
			slog.Warn("chat generation failed", "error", err, "session_id", sessionID)
			h.sendError(sessionID, api.ErrCodeUpstream, "assistant is unavailable right now")
			return
		}
		h.send(sessionID, api.KindChatResponse, api.ChatResponsePayload{Message: answer})
	}()
}

func (h *WSHandler) onDismissNudge(sessionID string, data json.RawMessage) {
	var req api.DismissNudgeRequest
	if err := json.Unmarshal(data, &req); err != nil || req.NudgeID == "" {
		h.sendError(sessionID, api.ErrCodeBadRequest, "nudge_id is required")
		return
	}
	if !h.deps.Coach.Dismiss(sessionID, req.NudgeID) {
		h.sendError(sessionID, api.ErrCodeNotFound, "nudge not found")
		return
	}
	h.sendInfo(sessionID, "nudge dismissed")
}

// marketSnapshot collects precomputed market numbers for the chat
// context. Returns nil when the symbol is absent or unknown.
func (h *WSHandler) marketSnapshot(symbol string) *chatusecase.MarketSnapshot {
	if symbol == "" {
		return nil
	}
	if _, ok := h.deps.Catalog.Lookup(symbol); !ok {
		return nil
	}
	price, ok := h.deps.Prices.LatestPrices()[symbol]
	if !ok {
		return nil
	}

	snap := &chatusecase.MarketSnapshot{
		Symbol:     symbol,
		Price:      price,
		Indicators: map[string]float64{},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	candles, err := h.deps.History.History(ctx, symbol, defaultIndicatorLimit)
	if err != nil {
		return snap
	}
	result, err := marketusecase.ComputeIndicators(candles, marketusecase.DefaultIndicatorConfig())
	if err != nil {
		return snap
	}

	latest := result.Latest
	put := func(name string, v *float64) {
		if v != nil {
			snap.Indicators[name] = *v
		}
	}
	put("sma_20", latest.SMAFast)
	put("sma_50", latest.SMASlow)
	put("ema_12", latest.EMAFast)
	put("ema_26", latest.EMASlow)
	put("rsi_14", latest.RSI)
	put("macd_line", latest.MACDLine)
	put("macd_signal", latest.MACDSignal)
	snap.Signals = result.Signals
	return snap
}

func (h *WSHandler) behaviorSnapshot(sessionID string) *chatusecase.BehaviorSnapshot {
	report := h.deps.Analyzer.Report(sessionID)
	if report.Status != behaviorentity.ReportReady {
		return nil
	}
	return &chatusecase.BehaviorSnapshot{
		TradeCount:      report.TradeCount,
		WinRate:         report.WinRate,
		StreakType:      string(report.Streak.Type),
		StreakLength:    report.Streak.Length,
		DisciplineScore: report.DisciplineScore,
		Sentiment:       report.Sentiment,
	}
}

func (h *WSHandler) send(sessionID, kind string, payload any) {
	frame, err := api.NewEnvelope(kind, payload)
	if err != nil {
		slog.Error("encode frame failed", "error", err, "kind", kind)
		return
	}
	if err := h.deps.Hub.Send(sessionID, frame); err != nil {
		slog.Debug("send skipped", "session_id", sessionID, "kind", kind)
	}
}

func (h *WSHandler) sendError(sessionID, code, message string) {
	h.send(sessionID, api.KindError, api.WSError{Code: code, Message: message})
}

func (h *WSHandler) sendInfo(sessionID, message string) {
	h.send(sessionID, api.KindInfo, api.InfoPayload{Message: message})
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > maxCandleLimit {
		return maxCandleLimit
	}
	return limit
}
