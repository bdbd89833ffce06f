// Package usecase はstreamフィーチャーのビジネスロジックを実装します。
// フィードのイベントループを唯一の消費者として回し、集計・配信・
// アラート判定へ順に受け渡します。
package usecase

import (
	"context"
	"log/slog"
	"time"

	"tradecoach_backend/internal/api"
	alertentity "tradecoach_backend/internal/feature/alerts/domain/entity"
	marketentity "tradecoach_backend/internal/feature/market/domain/entity"
	"tradecoach_backend/internal/feature/market/feed"
	marketusecase "tradecoach_backend/internal/feature/market/usecase"
	"tradecoach_backend/internal/feature/stream/hub"
)

// Broadcaster delivers frames to connected sessions.
// Goの慣例に従い、インターフェースはコンシューマーが定義します。
type Broadcaster interface {
	Broadcast(topic hub.Topic, payload []byte)
	BroadcastAll(payload []byte)
	Send(id string, payload []byte) error
}

// SnapshotWriter mirrors the latest price per symbol into shared storage.
type SnapshotWriter interface {
	Set(ctx context.Context, symbol string, price float64)
}

// AlertMatcher evaluates a price observation against armed alerts.
type AlertMatcher interface {
	OnPrice(ctx context.Context, symbol string, price float64) []alertentity.PriceAlert
}

// PriceUpdatePayload is the price_update frame body.
type PriceUpdatePayload struct {
	Symbol string              `json:"symbol"`
	Price  float64             `json:"price"`
	Epoch  int64               `json:"timestamp"`
	Candle marketentity.Candle `json:"candle"`
}

// AlertTriggeredPayload is the price_alert_triggered frame body.
type AlertTriggeredPayload struct {
	Alert alertentity.PriceAlert `json:"alert"`
	Price float64                `json:"price"`
}

// snapshotDepth bounds the queue feeding the snapshot mirror worker.
// The mirror only ever needs the most recent price, so dropping under
// pressure loses nothing a later tick will not replace.
const snapshotDepth = 256

type snapshotUpdate struct {
	symbol string
	price  float64
}

// Dispatcher consumes the feed event stream and fans the results out.
// Exactly one Run loop owns the stream; everything it calls is safe for
// concurrent use from other goroutines.
type Dispatcher struct {
	events    <-chan feed.Event
	agg       *marketusecase.Aggregator
	catalog   *marketentity.Catalog
	sessions  Broadcaster
	snapshots SnapshotWriter
	alerts    AlertMatcher

	// snapCh decouples the Redis round trip from the dispatch loop.
	snapCh chan snapshotUpdate
}

// NewDispatcher wires a dispatcher. snapshots and alerts may be nil when
// the corresponding subsystem is disabled.
func NewDispatcher(
	events <-chan feed.Event,
	agg *marketusecase.Aggregator,
	catalog *marketentity.Catalog,
	sessions Broadcaster,
	snapshots SnapshotWriter,
	alerts AlertMatcher,
) *Dispatcher {
	d := &Dispatcher{
		events:    events,
		agg:       agg,
		catalog:   catalog,
		sessions:  sessions,
		snapshots: snapshots,
		alerts:    alerts,
	}
	if snapshots != nil {
		d.snapCh = make(chan snapshotUpdate, snapshotDepth)
	}
	return d
}

// Run drains the event stream until the context is cancelled or the
// stream closes.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.snapCh != nil {
		go d.mirrorSnapshots(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.events:
			if !ok {
				return
			}
			d.handle(ctx, ev)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev feed.Event) {
	switch ev := ev.(type) {
	case feed.TickEvent:
		d.onTick(ctx, ev)

	case feed.StateEvent:
		frame, err := api.NewEnvelope(api.KindConnectionState, api.ConnectionStatePayload{
			State:  string(ev.State),
			Detail: ev.Detail,
		})
		if err != nil {
			slog.Error("encode connection_state failed", "error", err)
			return
		}
		d.sessions.BroadcastAll(frame)

	case feed.NoticeEvent:
		frame, err := api.NewEnvelope(api.KindInfo, api.InfoPayload{Message: ev.Message})
		if err != nil {
			slog.Error("encode info failed", "error", err)
			return
		}
		d.sessions.BroadcastAll(frame)
	}
}

// mirrorSnapshots writes queued prices to the shared store off the
// dispatch goroutine. Each write gets its own short deadline so a stalled
// store can never hold up the fan-out pipeline.
func (d *Dispatcher) mirrorSnapshots(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case up := <-d.snapCh:
			setCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			d.snapshots.Set(setCtx, up.symbol, up.price)
			cancel()
		}
	}
}

func (d *Dispatcher) onTick(ctx context.Context, ev feed.TickEvent) {
	snap := d.agg.OnTick(ev.Tick)
	if d.snapCh != nil {
		// 満杯ならこのティックのミラーは捨てる。後続のティックが上書きする。
		select {
		case d.snapCh <- snapshotUpdate{symbol: snap.Symbol, price: snap.Price}:
		default:
		}
	}

	frame, err := api.NewEnvelope(api.KindPriceUpdate, PriceUpdatePayload{
		Symbol: snap.Symbol,
		Price:  snap.Price,
		Epoch:  snap.Epoch,
		Candle: snap.Candle,
	})
	if err != nil {
		slog.Error("encode price_update failed", "error", err, "symbol", snap.Symbol)
		return
	}

	// シンボル購読とグループ購読の両方へ配信する。両方を購読している
	// セッションには同じフレームが二度届くが、冪等な更新なので許容する。
	d.sessions.Broadcast(hub.SymbolTopic(snap.Symbol), frame)
	if asset, ok := d.catalog.Lookup(snap.Symbol); ok {
		d.sessions.Broadcast(hub.GroupTopic(string(asset.Group)), frame)
	}

	if d.alerts == nil {
		return
	}
	for _, fired := range d.alerts.OnPrice(ctx, snap.Symbol, snap.Price) {
		alertFrame, err := api.NewEnvelope(api.KindPriceAlertTriggered, AlertTriggeredPayload{
			Alert: fired,
			Price: snap.Price,
		})
		if err != nil {
			slog.Error("encode price_alert_triggered failed", "error", err)
			continue
		}
		// 持ち主のセッションだけに届ける。切断済みなら捨てる。
		if err := d.sessions.Send(fired.SessionID, alertFrame); err != nil {
			slog.Debug("alert delivery skipped", "session_id", fired.SessionID, "alert_id", fired.ID)
		}
	}
}
