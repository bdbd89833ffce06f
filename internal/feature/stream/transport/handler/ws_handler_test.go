package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecoach_backend/internal/api"
	alertentity "tradecoach_backend/internal/feature/alerts/domain/entity"
	behaviorentity "tradecoach_backend/internal/feature/behavior/domain/entity"
	chatusecase "tradecoach_backend/internal/feature/chat/usecase"
	marketentity "tradecoach_backend/internal/feature/market/domain/entity"
	"tradecoach_backend/internal/feature/stream/hub"
	jwtmw "tradecoach_backend/internal/platform/jwt"
)

// fakeConn は書き込まれたフレームを記録するhub.Conn実装です。
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) Close() error                     { return nil }

func (c *fakeConn) envelopes(t *testing.T) []api.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]api.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		var env api.Envelope
		require.NoError(t, json.Unmarshal(f, &env))
		out = append(out, env)
	}
	return out
}

// waitForKind polls until a frame of the given kind arrives.
func (c *fakeConn) waitForKind(t *testing.T, kind string) api.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, env := range c.envelopes(t) {
			if env.Type == kind {
				return env
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %q frame arrived", kind)
	return api.Envelope{}
}

type mockFeed struct {
	groups []marketentity.AssetGroup
	err    error
}

func (m *mockFeed) SubscribeGroup(group marketentity.AssetGroup) error {
	if m.err != nil {
		return m.err
	}
	m.groups = append(m.groups, group)
	return nil
}

type mockPrices struct{ prices map[string]float64 }

func (m *mockPrices) LatestPrices() map[string]float64 {
	out := map[string]float64{}
	for k, v := range m.prices {
		out[k] = v
	}
	return out
}

type mockSnapshots struct{ prices map[string]float64 }

func (m *mockSnapshots) All(context.Context) map[string]float64 { return m.prices }

type mockHistory struct {
	HistoryFunc func(ctx context.Context, symbol string, limit int) ([]marketentity.Candle, error)
}

func (m *mockHistory) History(ctx context.Context, symbol string, limit int) ([]marketentity.Candle, error) {
	if m.HistoryFunc != nil {
		return m.HistoryFunc(ctx, symbol, limit)
	}
	return nil, nil
}

type mockAlerts struct {
	CreateFunc func(ctx context.Context, sessionID string, userID uint, symbol string, target float64, direction alertentity.Direction) (alertentity.PriceAlert, error)
	cancelled  []string
}

func (m *mockAlerts) Create(ctx context.Context, sessionID string, userID uint, symbol string, target float64, direction alertentity.Direction) (alertentity.PriceAlert, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, sessionID, userID, symbol, target, direction)
	}
	return alertentity.PriceAlert{ID: "a1", SessionID: sessionID, Symbol: symbol, TargetPrice: target, Direction: direction, Active: true}, nil
}

func (m *mockAlerts) Cancel(_ context.Context, _, alertID string) error {
	m.cancelled = append(m.cancelled, alertID)
	return nil
}

func (m *mockAlerts) Rearm(_ context.Context, sessionID, alertID string) (alertentity.PriceAlert, error) {
	return alertentity.PriceAlert{ID: alertID, SessionID: sessionID, Active: true}, nil
}

func (m *mockAlerts) List(sessionID string) []alertentity.PriceAlert { return nil }
func (m *mockAlerts) LoadSession(context.Context, string, uint) error { return nil }
func (m *mockAlerts) DropSession(string)                             {}

type mockTrades struct {
	saved         []behaviorentity.Trade
	recentUserIDs []uint
}

func (m *mockTrades) Save(_ context.Context, t *behaviorentity.Trade) error {
	m.saved = append(m.saved, *t)
	return nil
}

func (m *mockTrades) RecentBySession(_ context.Context, _ string, userID uint, _ int) ([]behaviorentity.Trade, error) {
	m.recentUserIDs = append(m.recentUserIDs, userID)
	return nil, nil
}

type mockAnalyzer struct {
	report behaviorentity.Report
}

func (m *mockAnalyzer) OnTrade(string, behaviorentity.Trade) behaviorentity.Report { return m.report }
func (m *mockAnalyzer) Report(string) behaviorentity.Report                        { return m.report }
func (m *mockAnalyzer) Window(string) []behaviorentity.Trade                      { return nil }
func (m *mockAnalyzer) Seed(string, []behaviorentity.Trade)                       {}
func (m *mockAnalyzer) Forget(string)                                             {}

type mockCoach struct {
	nudges    []behaviorentity.Nudge
	dismissed []string
}

func (m *mockCoach) Evaluate(string, behaviorentity.Report, []behaviorentity.Trade) ([]behaviorentity.Nudge, *behaviorentity.Celebration) {
	return m.nudges, nil
}

func (m *mockCoach) Dismiss(_, nudgeID string) bool {
	m.dismissed = append(m.dismissed, nudgeID)
	return true
}

func (m *mockCoach) Forget(string) {}

type mockChat struct {
	AskFunc func(ctx context.Context, in chatusecase.AskInput) (string, error)
}

func (m *mockChat) Ask(ctx context.Context, in chatusecase.AskInput) (string, error) {
	if m.AskFunc != nil {
		return m.AskFunc(ctx, in)
	}
	return "answer", nil
}

type handlerFixture struct {
	handler *WSHandler
	hub     *hub.Hub
	conn    *fakeConn
	feed    *mockFeed
	trades  *mockTrades
	coach   *mockCoach
}

func newFixture(t *testing.T) *handlerFixture {
	t.Helper()
	h := hub.New(hub.Config{PriceQueueDepth: 16, ControlQueueDepth: 64, WriteTimeout: time.Second})
	f := &handlerFixture{
		hub:    h,
		conn:   &fakeConn{},
		feed:   &mockFeed{},
		trades: &mockTrades{},
		coach:  &mockCoach{},
	}
	f.handler = NewWSHandler(WSHandlerDeps{
		Hub:       h,
		Catalog:   marketentity.DefaultCatalog(),
		Feed:      f.feed,
		Prices:    &mockPrices{prices: map[string]float64{"R_100": 1234.5}},
		Snapshots: &mockSnapshots{prices: map[string]float64{"R_50": 200.1}},
		History:   &mockHistory{},
		Alerts:    &mockAlerts{},
		Trades:    f.trades,
		Analyzer:  &mockAnalyzer{report: behaviorentity.Report{Status: behaviorentity.ReportReady, TradeCount: 6}},
		Coach:     f.coach,
		Chat:      &mockChat{},
	})
	f.hub.Connect("s1", 7, f.conn)
	t.Cleanup(func() { f.hub.Disconnect("s1") })
	return f
}

func frame(t *testing.T, kind string, payload any) []byte {
	t.Helper()
	raw, err := api.NewEnvelope(kind, payload)
	require.NoError(t, err)
	return raw
}

func TestWSHandler_MalformedFrame(t *testing.T) {
	f := newFixture(t)

	f.handler.dispatch("s1", 7, []byte("{not json"))

	env := f.conn.waitForKind(t, api.KindError)
	var wsErr api.WSError
	require.NoError(t, json.Unmarshal(env.Data, &wsErr))
	assert.Equal(t, api.ErrCodeBadRequest, wsErr.Code)

	// 接続は維持される
	assert.Equal(t, 1, f.hub.ActiveSessions())
}

func TestWSHandler_SubscribeGroup(t *testing.T) {
	f := newFixture(t)

	f.handler.dispatch("s1", 7, frame(t, api.KindSubscribeGroup, api.SubscribeGroupRequest{Group: "synthetic"}))

	f.conn.waitForKind(t, api.KindInfo)
	require.Len(t, f.feed.groups, 1)
	assert.Equal(t, marketentity.GroupSynthetic, f.feed.groups[0])
}

func TestWSHandler_SubscribeSymbolUnknown(t *testing.T) {
	f := newFixture(t)

	f.handler.dispatch("s1", 7, frame(t, api.KindSubscribeSymbol, api.SubscribeSymbolRequest{Symbol: "NOPE"}))

	env := f.conn.waitForKind(t, api.KindError)
	var wsErr api.WSError
	require.NoError(t, json.Unmarshal(env.Data, &wsErr))
	assert.Equal(t, api.ErrCodeUnknownSymbol, wsErr.Code)
}

func TestWSHandler_GetPricesMergesSnapshotFallback(t *testing.T) {
	f := newFixture(t)

	f.handler.dispatch("s1", 7, frame(t, api.KindGetPrices, nil))

	env := f.conn.waitForKind(t, api.KindLatestPrices)
	var payload latestPricesPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	// メモリ上の値とスナップショットの補完が合成される
	assert.Equal(t, 1234.5, payload.Prices["R_100"])
	assert.Equal(t, 200.1, payload.Prices["R_50"])
}

func TestWSHandler_IndicatorsInsufficientData(t *testing.T) {
	f := newFixture(t)

	f.handler.dispatch("s1", 7, frame(t, api.KindIndicators, api.IndicatorsRequest{Symbol: "R_100"}))

	env := f.conn.waitForKind(t, api.KindIndicatorResult)
	var payload indicatorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "insufficient_data", payload.Status)
	assert.Nil(t, payload.Result)
}

func TestWSHandler_TradeEventEmitsReportAndNudges(t *testing.T) {
	f := newFixture(t)
	f.coach.nudges = []behaviorentity.Nudge{{ID: "n1", Category: behaviorentity.RuleOversize}}

	f.handler.dispatch("s1", 7, frame(t, api.KindTradeEvent, api.TradeEventRequest{
		Symbol: "R_100",
		Side:   "buy",
		Size:   2,
		Price:  1234.5,
		PnL:    -10,
	}))

	f.conn.waitForKind(t, api.KindBehavioralReport)
	env := f.conn.waitForKind(t, api.KindNudges)
	var payload nudgesPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	require.Len(t, payload.Nudges, 1)
	assert.Equal(t, "n1", payload.Nudges[0].ID)

	// 取引は永続化され、所有者が補完されている
	require.Len(t, f.trades.saved, 1)
	assert.Equal(t, "s1", f.trades.saved[0].SessionID)
	assert.Equal(t, uint(7), f.trades.saved[0].UserID)
	assert.NotZero(t, f.trades.saved[0].Epoch)
}

func TestWSHandler_TradeEventValidation(t *testing.T) {
	f := newFixture(t)

	f.handler.dispatch("s1", 7, frame(t, api.KindTradeEvent, api.TradeEventRequest{
		Symbol: "R_100",
		Side:   "hold",
		Size:   1,
		Price:  100,
	}))

	f.conn.waitForKind(t, api.KindError)
	assert.Empty(t, f.trades.saved)
}

func TestWSHandler_ChatResponseIsAsync(t *testing.T) {
	f := newFixture(t)

	f.handler.dispatch("s1", 7, frame(t, api.KindChat, api.ChatRequest{Message: "what is RSI?"}))

	env := f.conn.waitForKind(t, api.KindChatResponse)
	var payload api.ChatResponsePayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "answer", payload.Message)
}

func TestWSHandler_DismissNudge(t *testing.T) {
	f := newFixture(t)

	f.handler.dispatch("s1", 7, frame(t, api.KindDismissNudge, api.DismissNudgeRequest{NudgeID: "n1"}))

	f.conn.waitForKind(t, api.KindInfo)
	assert.Equal(t, []string{"n1"}, f.coach.dismissed)
}

func TestWSHandler_UnknownKind(t *testing.T) {
	f := newFixture(t)

	f.handler.dispatch("s1", 7, frame(t, "teleport", nil))

	env := f.conn.waitForKind(t, api.KindError)
	var wsErr api.WSError
	require.NoError(t, json.Unmarshal(env.Data, &wsErr))
	assert.Equal(t, api.ErrCodeUnknownKind, wsErr.Code)
}

func TestWSHandler_RejectsInvalidToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-key")
	gin.SetMode(gin.TestMode)

	f := newFixture(t)
	r := gin.New()
	r.GET("/ws/:session_id", f.handler.HandleWS)

	req := httptest.NewRequest(http.MethodGet, "/ws/s9?token=bogus", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWSHandler_RejectsSessionTakeoverByAnotherUser(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-key")
	gin.SetMode(gin.TestMode)

	// s1はユーザー7の生きているセッション
	f := newFixture(t)
	r := gin.New()
	r.GET("/ws/:session_id", f.handler.HandleWS)

	token, err := jwtmw.NewGenerator("test-secret-key", time.Hour).GenerateToken(8, "intruder@example.com")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ws/s1?token="+token, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	// 被害者側のセッションは切断されず、持ち主も変わらない
	owner, ok := f.hub.Owner("s1")
	require.True(t, ok)
	assert.Equal(t, uint(7), owner)
}

func TestWSHandler_HydrationScopedToAuthenticatedUser(t *testing.T) {
	f := newFixture(t)

	f.handler.hydrate("s1", 7)

	require.Len(t, f.trades.recentUserIDs, 1)
	assert.Equal(t, uint(7), f.trades.recentUserIDs[0])
}
