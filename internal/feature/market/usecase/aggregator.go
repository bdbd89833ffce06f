// Package usecase はマーケットデータ集計のビジネスロジックを実装します。
package usecase

import (
	"hash/fnv"
	"sync"

	"tradecoach_backend/internal/feature/market/domain/entity"
)

const aggregatorShards = 16

// PriceSnapshot is the per-tick aggregation result handed to the dispatcher.
type PriceSnapshot struct {
	Symbol string
	Price  float64
	Epoch  int64
	Candle entity.Candle // the open candle after applying the tick
}

// Aggregator folds raw ticks into one open candle per symbol and keeps a
// bounded history of closed candles. The symbol map is partitioned into
// shards so concurrent symbols do not contend on a single lock; the maps
// are owned exclusively by this type.
type Aggregator struct {
	bucketSeconds int64
	historyDepth  int
	shards        [aggregatorShards]aggShard
}

type aggShard struct {
	mu     sync.Mutex
	states map[string]*symbolState
}

type symbolState struct {
	open        *entity.Candle
	closed      []entity.Candle
	latestPrice float64
	latestEpoch int64
}

// NewAggregator creates an aggregator with the given candle bucket length
// (seconds) and closed-candle history depth per symbol.
func NewAggregator(bucketSeconds int64, historyDepth int) *Aggregator {
	if bucketSeconds <= 0 {
		bucketSeconds = 60
	}
	if historyDepth <= 0 {
		historyDepth = 500
	}
	a := &Aggregator{bucketSeconds: bucketSeconds, historyDepth: historyDepth}
	for i := range a.shards {
		a.shards[i].states = make(map[string]*symbolState)
	}
	return a
}

func (a *Aggregator) shard(symbol string) *aggShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return &a.shards[h.Sum32()%aggregatorShards]
}

func (a *Aggregator) bucket(epoch int64) int64 {
	return epoch - epoch%a.bucketSeconds
}

// OnTick updates the symbol's open candle with the tick: the bucket's first
// tick sets the open, later ticks extend high/low and advance close. A tick
// landing in a new bucket first finalizes the previous candle into history.
// Returns the updated snapshot.
func (a *Aggregator) OnTick(tick entity.Tick) PriceSnapshot {
	sh := a.shard(tick.Symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.states[tick.Symbol]
	if !ok {
		st = &symbolState{}
		sh.states[tick.Symbol] = st
	}

	bucket := a.bucket(tick.Epoch)
	switch {
	case st.open == nil:
		c := entity.NewCandle(tick.Symbol, bucket, tick.Price)
		st.open = &c
	case st.open.Epoch != bucket:
		a.finalizeLocked(st)
		c := entity.NewCandle(tick.Symbol, bucket, tick.Price)
		st.open = &c
	default:
		st.open.Apply(tick.Price)
	}

	st.latestPrice = tick.Price
	st.latestEpoch = tick.Epoch

	return PriceSnapshot{
		Symbol: tick.Symbol,
		Price:  tick.Price,
		Epoch:  tick.Epoch,
		Candle: *st.open,
	}
}

// CloseIdle finalizes every open candle whose bucket has elapsed at nowEpoch.
// The next tick for a symbol opens a fresh candle at its own price; no candle
// is fabricated for a tickless gap.
func (a *Aggregator) CloseIdle(nowEpoch int64) {
	current := a.bucket(nowEpoch)
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.Lock()
		for _, st := range sh.states {
			if st.open != nil && st.open.Epoch < current {
				a.finalizeLocked(st)
				st.open = nil
			}
		}
		sh.mu.Unlock()
	}
}

// finalizeLocked appends the open candle to the bounded history, evicting
// the oldest entry at capacity. Caller holds the shard lock.
func (a *Aggregator) finalizeLocked(st *symbolState) {
	if st.open == nil {
		return
	}
	st.closed = append(st.closed, *st.open)
	if len(st.closed) > a.historyDepth {
		st.closed = st.closed[len(st.closed)-a.historyDepth:]
	}
}

// History returns up to limit most recent candles for symbol, oldest first,
// with the currently open candle as the final element.
func (a *Aggregator) History(symbol string, limit int) []entity.Candle {
	sh := a.shard(symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.states[symbol]
	if !ok {
		return nil
	}

	out := make([]entity.Candle, 0, len(st.closed)+1)
	out = append(out, st.closed...)
	if st.open != nil {
		out = append(out, *st.open)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// LatestPrices returns the current known price for every symbol seen so far.
func (a *Aggregator) LatestPrices() map[string]float64 {
	out := make(map[string]float64)
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.Lock()
		for symbol, st := range sh.states {
			out[symbol] = st.latestPrice
		}
		sh.mu.Unlock()
	}
	return out
}

// LatestPrice returns the last price seen for symbol.
func (a *Aggregator) LatestPrice(symbol string) (float64, bool) {
	sh := a.shard(symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.states[symbol]
	if !ok {
		return 0, false
	}
	return st.latestPrice, true
}
