package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecoach_backend/internal/api"
	alertentity "tradecoach_backend/internal/feature/alerts/domain/entity"
	marketentity "tradecoach_backend/internal/feature/market/domain/entity"
	"tradecoach_backend/internal/feature/market/feed"
	marketusecase "tradecoach_backend/internal/feature/market/usecase"
	"tradecoach_backend/internal/feature/stream/hub"
)

// mockBroadcaster はテスト用のBroadcaster実装です。
type mockBroadcaster struct {
	broadcasts map[hub.Topic][][]byte
	all        [][]byte
	sent       map[string][][]byte
}

func newMockBroadcaster() *mockBroadcaster {
	return &mockBroadcaster{
		broadcasts: map[hub.Topic][][]byte{},
		sent:       map[string][][]byte{},
	}
}

func (m *mockBroadcaster) Broadcast(topic hub.Topic, payload []byte) {
	m.broadcasts[topic] = append(m.broadcasts[topic], payload)
}

func (m *mockBroadcaster) BroadcastAll(payload []byte) {
	m.all = append(m.all, payload)
}

func (m *mockBroadcaster) Send(id string, payload []byte) error {
	m.sent[id] = append(m.sent[id], payload)
	return nil
}

// mockMatcher はテスト用のAlertMatcher実装です。
type mockMatcher struct {
	OnPriceFunc func(ctx context.Context, symbol string, price float64) []alertentity.PriceAlert
}

func (m *mockMatcher) OnPrice(ctx context.Context, symbol string, price float64) []alertentity.PriceAlert {
	if m.OnPriceFunc != nil {
		return m.OnPriceFunc(ctx, symbol, price)
	}
	return nil
}

func runDispatcher(t *testing.T, d *Dispatcher, events chan feed.Event, feedEvents []feed.Event) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	for _, ev := range feedEvents {
		events <- ev
	}
	// closeで終端を伝えると、バッファ済みイベントは必ず処理されてから
	// Runが戻る。cancelだと処理前に抜ける可能性がある。
	close(events)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func decodeEnvelope(t *testing.T, frame []byte) api.Envelope {
	t.Helper()
	var env api.Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	return env
}

func TestDispatcher_TickBroadcastsToSymbolAndGroupTopics(t *testing.T) {
	events := make(chan feed.Event, 8)
	agg := marketusecase.NewAggregator(60, 10)
	sessions := newMockBroadcaster()
	d := NewDispatcher(events, agg, marketentity.DefaultCatalog(), sessions, nil, nil)

	runDispatcher(t, d, events, []feed.Event{
		feed.TickEvent{Tick: marketentity.Tick{Symbol: "R_100", Price: 1234.5, Epoch: 1700000000}},
	})

	symbolFrames := sessions.broadcasts[hub.SymbolTopic("R_100")]
	groupFrames := sessions.broadcasts[hub.GroupTopic("synthetic")]
	require.Len(t, symbolFrames, 1)
	require.Len(t, groupFrames, 1)
	assert.Equal(t, symbolFrames[0], groupFrames[0])

	env := decodeEnvelope(t, symbolFrames[0])
	assert.Equal(t, api.KindPriceUpdate, env.Type)
	var payload PriceUpdatePayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "R_100", payload.Symbol)
	assert.Equal(t, 1234.5, payload.Price)
	assert.Equal(t, 1234.5, payload.Candle.Open)

	// 集計器にも反映されている
	price, ok := agg.LatestPrice("R_100")
	require.True(t, ok)
	assert.Equal(t, 1234.5, price)
}

func TestDispatcher_FiredAlertGoesToOwnerOnly(t *testing.T) {
	events := make(chan feed.Event, 8)
	agg := marketusecase.NewAggregator(60, 10)
	sessions := newMockBroadcaster()
	matcher := &mockMatcher{
		OnPriceFunc: func(_ context.Context, symbol string, price float64) []alertentity.PriceAlert {
			if price >= 105 {
				return []alertentity.PriceAlert{{
					ID:        "a1",
					SessionID: "owner",
					Symbol:    symbol,
					Direction: alertentity.DirectionAbove,
				}}
			}
			return nil
		},
	}
	d := NewDispatcher(events, agg, marketentity.DefaultCatalog(), sessions, nil, matcher)

	runDispatcher(t, d, events, []feed.Event{
		feed.TickEvent{Tick: marketentity.Tick{Symbol: "R_50", Price: 103, Epoch: 1700000000}},
		feed.TickEvent{Tick: marketentity.Tick{Symbol: "R_50", Price: 106, Epoch: 1700000001}},
	})

	require.Len(t, sessions.sent["owner"], 1)
	env := decodeEnvelope(t, sessions.sent["owner"][0])
	assert.Equal(t, api.KindPriceAlertTriggered, env.Type)
	var payload AlertTriggeredPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "a1", payload.Alert.ID)
	assert.Equal(t, 106.0, payload.Price)
}

func TestDispatcher_StateEventBroadcastsToEveryone(t *testing.T) {
	events := make(chan feed.Event, 8)
	agg := marketusecase.NewAggregator(60, 10)
	sessions := newMockBroadcaster()
	d := NewDispatcher(events, agg, marketentity.DefaultCatalog(), sessions, nil, nil)

	runDispatcher(t, d, events, []feed.Event{
		feed.StateEvent{State: marketentity.ConnReconnecting, Detail: "read error"},
		feed.NoticeEvent{Message: "subscription dropped"},
	})

	require.Len(t, sessions.all, 2)
	env := decodeEnvelope(t, sessions.all[0])
	assert.Equal(t, api.KindConnectionState, env.Type)
	var state api.ConnectionStatePayload
	require.NoError(t, json.Unmarshal(env.Data, &state))
	assert.Equal(t, "reconnecting", state.State)

	env = decodeEnvelope(t, sessions.all[1])
	assert.Equal(t, api.KindInfo, env.Type)
}

// mockSnapshotWriter はテスト用のSnapshotWriter実装です。
// blockが非nilの間、Setは閉じられるかctxの期限まで待ちます。
type mockSnapshotWriter struct {
	mu    sync.Mutex
	sets  map[string]float64
	block chan struct{}
}

func newMockSnapshotWriter() *mockSnapshotWriter {
	return &mockSnapshotWriter{sets: map[string]float64{}}
}

func (m *mockSnapshotWriter) Set(ctx context.Context, symbol string, price float64) {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return
		}
	}
	m.mu.Lock()
	m.sets[symbol] = price
	m.mu.Unlock()
}

func (m *mockSnapshotWriter) get(symbol string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.sets[symbol]
	return price, ok
}

func TestDispatcher_SnapshotMirrorWritesOffTheDispatchPath(t *testing.T) {
	events := make(chan feed.Event, 8)
	agg := marketusecase.NewAggregator(60, 10)
	sessions := newMockBroadcaster()
	snapshots := newMockSnapshotWriter()
	d := NewDispatcher(events, agg, marketentity.DefaultCatalog(), sessions, snapshots, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	events <- feed.TickEvent{Tick: marketentity.Tick{Symbol: "R_100", Price: 1234.5, Epoch: 1700000000}}

	require.Eventually(t, func() bool {
		price, ok := snapshots.get("R_100")
		return ok && price == 1234.5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcher_StalledSnapshotStoreDoesNotBlockFanout(t *testing.T) {
	events := make(chan feed.Event, 8)
	agg := marketusecase.NewAggregator(60, 10)
	sessions := newMockBroadcaster()
	snapshots := newMockSnapshotWriter()
	snapshots.block = make(chan struct{}) // 閉じない＝ストアは刺さったまま
	d := NewDispatcher(events, agg, marketentity.DefaultCatalog(), sessions, snapshots, nil)

	runDispatcher(t, d, events, []feed.Event{
		feed.TickEvent{Tick: marketentity.Tick{Symbol: "R_100", Price: 100, Epoch: 1700000000}},
		feed.TickEvent{Tick: marketentity.Tick{Symbol: "R_100", Price: 101, Epoch: 1700000001}},
		feed.TickEvent{Tick: marketentity.Tick{Symbol: "R_100", Price: 102, Epoch: 1700000002}},
	})

	// ストアが固まっていても配信は全ティック分進んでいる
	assert.Len(t, sessions.broadcasts[hub.SymbolTopic("R_100")], 3)
}
