// Package deriv implements the upstream quoting venue adapter over the
// Deriv-style websocket API.
package deriv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tradecoach_backend/internal/feature/market/domain/entity"
	"tradecoach_backend/internal/feature/market/feed"
	"tradecoach_backend/internal/platform/config"
	"tradecoach_backend/internal/shared/ratelimiter"
)

// ErrNotConnected is returned for request/response calls while the upstream
// connection is down.
var ErrNotConnected = errors.New("deriv: upstream not connected")

const eventBufferSize = 1024

// Client owns the single upstream websocket connection. No other component
// opens or reads that socket; everything downstream consumes Events().
type Client struct {
	cfg     config.Feed
	catalog *entity.Catalog
	pacer   *ratelimiter.Pacer
	events  chan feed.Event

	granularity int64

	mu            sync.Mutex
	conn          *websocket.Conn
	activeGroups  map[entity.AssetGroup]struct{}
	activeSymbols map[string]struct{}
	subIDs        map[string]string // symbol -> venue subscription id
	latest        map[string]float64
	pending       map[int64]chan serverMsg

	reqID atomic.Int64
}

// NewClient creates a feed client for the given venue configuration.
// bucketSeconds is the candle granularity used for history requests.
func NewClient(cfg config.Feed, catalog *entity.Catalog, bucketSeconds int64) *Client {
	c := &Client{
		cfg:           cfg,
		catalog:       catalog,
		events:        make(chan feed.Event, eventBufferSize),
		granularity:   bucketSeconds,
		activeGroups:  make(map[entity.AssetGroup]struct{}),
		activeSymbols: make(map[string]struct{}),
		subIDs:        make(map[string]string),
		latest:        make(map[string]float64),
		pending:       make(map[int64]chan serverMsg),
	}
	c.pacer = ratelimiter.NewPacer(cfg.RequestsPerMinute, cfg.PendingQueueDepth, func() {
		c.emit(feed.NoticeEvent{Message: "subscription request queue overflowed; subscription is best-effort"})
	})
	return c
}

// Events returns the adapter's outbound event stream.
func (c *Client) Events() <-chan feed.Event {
	return c.events
}

// LatestSnapshot returns the current known price for every subscribed symbol.
func (c *Client) LatestSnapshot() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.latest))
	for s, p := range c.latest {
		out[s] = p
	}
	return out
}

// SubscribeGroup registers interest in every symbol of an asset group.
// Repeat calls for an already-active group are coalesced.
func (c *Client) SubscribeGroup(group entity.AssetGroup) error {
	symbols := c.catalog.GroupSymbols(group)
	if len(symbols) == 0 {
		return fmt.Errorf("deriv: unknown asset group %q", group)
	}

	c.mu.Lock()
	if _, active := c.activeGroups[group]; active {
		c.mu.Unlock()
		return nil // idempotent
	}
	c.activeGroups[group] = struct{}{}
	var fresh []string
	for _, s := range symbols {
		if _, ok := c.activeSymbols[s]; !ok {
			c.activeSymbols[s] = struct{}{}
			fresh = append(fresh, s)
		}
	}
	c.mu.Unlock()

	for _, s := range fresh {
		symbol := s
		c.pacer.Submit(func() { c.sendSubscribe(symbol) })
	}
	return nil
}

// UnsubscribeGroup drops interest in a group and forgets its venue
// subscriptions, keeping symbols still needed by other active groups.
func (c *Client) UnsubscribeGroup(group entity.AssetGroup) {
	symbols := c.catalog.GroupSymbols(group)

	c.mu.Lock()
	if _, active := c.activeGroups[group]; !active {
		c.mu.Unlock()
		return
	}
	delete(c.activeGroups, group)

	still := make(map[string]struct{})
	for g := range c.activeGroups {
		for _, s := range c.catalog.GroupSymbols(g) {
			still[s] = struct{}{}
		}
	}

	var forget []string
	for _, s := range symbols {
		if _, needed := still[s]; needed {
			continue
		}
		delete(c.activeSymbols, s)
		if id, ok := c.subIDs[s]; ok {
			delete(c.subIDs, s)
			forget = append(forget, id)
		}
	}
	c.mu.Unlock()

	for _, id := range forget {
		subID := id
		c.pacer.Submit(func() { _ = c.writeJSON(forgetReq{Forget: subID}) })
	}
}

// History fetches up to limit historical candles for symbol over the
// upstream socket, correlated by req_id. The request is paced like any
// other outbound venue request.
func (c *Client) History(ctx context.Context, symbol string, limit int) ([]entity.Candle, error) {
	id := c.reqID.Add(1)
	reply := make(chan serverMsg, 1)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := historyReq{
		TicksHistory:    symbol,
		Style:           "candles",
		Granularity:     c.granularity,
		Count:           limit,
		End:             "latest",
		AdjustStartTime: 1,
		ReqID:           id,
	}
	c.pacer.Submit(func() { _ = c.writeJSON(req) })

	select {
	case msg := <-reply:
		if msg.Error != nil {
			return nil, fmt.Errorf("deriv: %s: %s", msg.Error.Code, msg.Error.Message)
		}
		candles := make([]entity.Candle, 0, len(msg.Candles))
		for _, m := range msg.Candles {
			candles = append(candles, entity.Candle{
				Symbol: symbol,
				Epoch:  m.Epoch,
				Open:   m.Open,
				High:   m.High,
				Low:    m.Low,
				Close:  m.Close,
			})
		}
		return candles, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run connects to the venue and keeps the connection alive until ctx is
// cancelled, reconnecting with doubling backoff on failure. It blocks and is
// intended to run on its own goroutine alongside the pacer's Run loop.
func (c *Client) Run(ctx context.Context) {
	go c.pacer.Run(ctx)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		connected, err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			// セッションが確立できたらバックオフを初期値に戻す
			backoff = time.Second
		}
		c.emit(feed.StateEvent{State: entity.ConnDisconnected, Detail: err.Error()})
		slog.Warn("upstream feed disconnected", "error", err, "retry_in", backoff)
		c.emit(feed.StateEvent{State: entity.ConnReconnecting, Detail: backoff.String()})

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if backoff < c.cfg.ReconnectCeiling {
			backoff *= 2
			if backoff > c.cfg.ReconnectCeiling {
				backoff = c.cfg.ReconnectCeiling
			}
		}
	}
}

// connectAndRead maintains a single websocket session until it fails or the
// context is cancelled. The bool reports whether the session reached the
// connected state before failing.
func (c *Client) connectAndRead(ctx context.Context) (bool, error) {
	url := fmt.Sprintf("%s?app_id=%s", c.cfg.Endpoint, c.cfg.AppID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	resub := make([]string, 0, len(c.activeSymbols))
	for s := range c.activeSymbols {
		resub = append(resub, s)
	}
	c.subIDs = make(map[string]string)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	// Close the socket when the context is cancelled so ReadMessage unblocks.
	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	if c.cfg.APIToken != "" {
		if err := c.writeJSON(authorizeReq{Authorize: c.cfg.APIToken}); err != nil {
			return false, fmt.Errorf("authorize: %w", err)
		}
	}

	c.emit(feed.StateEvent{State: entity.ConnConnected})

	// Re-issue every previously active subscription.
	for _, s := range resub {
		symbol := s
		c.pacer.Submit(func() { c.sendSubscribe(symbol) })
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("read: %w", err)
		}
		c.handleFrame(raw)
	}
}

// handleFrame routes one inbound frame. Malformed frames are logged and
// skipped; they never tear the connection down.
func (c *Client) handleFrame(raw []byte) {
	var msg serverMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Warn("upstream frame parse error", "error", err)
		return
	}

	// Route correlated request/response frames first.
	if msg.ReqID != 0 {
		c.mu.Lock()
		reply, ok := c.pending[msg.ReqID]
		c.mu.Unlock()
		if ok {
			reply <- msg
			return
		}
	}

	if msg.Error != nil {
		slog.Warn("upstream api error", "code", msg.Error.Code, "message", msg.Error.Message)
		return
	}

	switch msg.MsgType {
	case "tick":
		if msg.Tick == nil {
			return
		}
		c.mu.Lock()
		c.latest[msg.Tick.Symbol] = msg.Tick.Quote
		if msg.Subscription != nil {
			c.subIDs[msg.Tick.Symbol] = msg.Subscription.ID
		}
		c.mu.Unlock()
		c.emit(feed.TickEvent{Tick: entity.Tick{
			Symbol: msg.Tick.Symbol,
			Price:  msg.Tick.Quote,
			Epoch:  msg.Tick.Epoch,
		}})
	case "authorize":
		slog.Info("upstream feed authorized")
	}
}

// sendSubscribe issues one tick subscription. Executed from the pacer; if
// the connection is down the symbol is picked up again on reconnect.
func (c *Client) sendSubscribe(symbol string) {
	if err := c.writeJSON(subscribeReq{Ticks: symbol, Subscribe: 1}); err != nil {
		slog.Warn("subscribe request failed", "symbol", symbol, "error", err)
	}
}

// writeJSON serializes concurrent writers onto the single socket.
func (c *Client) writeJSON(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// emit delivers an event downstream. Tick events are droppable under
// backpressure; state and notice events always get through.
func (c *Client) emit(ev feed.Event) {
	if _, droppable := ev.(feed.TickEvent); droppable {
		select {
		case c.events <- ev:
		default:
		}
		return
	}
	c.events <- ev
}
