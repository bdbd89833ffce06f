package usecase

import (
	"context"

	"tradecoach_backend/internal/feature/market/domain/entity"
)

// CandleFetcher fetches historical candles from the upstream venue.
// Goの慣例に従い、インターフェースはコンシューマーが定義します。
type CandleFetcher interface {
	History(ctx context.Context, symbol string, limit int) ([]entity.Candle, error)
}

// BackfillHistory serves candle history from the in-memory aggregator and
// backfills the older remainder from the venue when the local window is
// too short, e.g. right after startup.
type BackfillHistory struct {
	agg     *Aggregator
	fetcher CandleFetcher
}

// NewBackfillHistory creates a provider over the aggregator and fetcher.
func NewBackfillHistory(agg *Aggregator, fetcher CandleFetcher) *BackfillHistory {
	return &BackfillHistory{agg: agg, fetcher: fetcher}
}

// History returns up to limit candles, oldest first. Local candles win on
// epoch collision since they include the still-forming bucket.
func (b *BackfillHistory) History(ctx context.Context, symbol string, limit int) ([]entity.Candle, error) {
	local := b.agg.History(symbol, limit)
	if len(local) >= limit || b.fetcher == nil {
		return local, nil
	}

	remote, err := b.fetcher.History(ctx, symbol, limit)
	if err != nil {
		// ベンダー照会に失敗してもローカル分だけで応答する
		if len(local) > 0 {
			return local, nil
		}
		return nil, err
	}

	return mergeCandles(remote, local, limit), nil
}

// mergeCandles merges two epoch-ascending candle series, local winning on
// a shared epoch, trimmed to the most recent limit entries.
func mergeCandles(remote, local []entity.Candle, limit int) []entity.Candle {
	have := make(map[int64]struct{}, len(local))
	for _, c := range local {
		have[c.Epoch] = struct{}{}
	}

	merged := make([]entity.Candle, 0, len(remote)+len(local))
	i, j := 0, 0
	for i < len(remote) || j < len(local) {
		switch {
		case i == len(remote):
			merged = append(merged, local[j])
			j++
		case j == len(local):
			if _, dup := have[remote[i].Epoch]; !dup {
				merged = append(merged, remote[i])
			}
			i++
		case remote[i].Epoch < local[j].Epoch:
			if _, dup := have[remote[i].Epoch]; !dup {
				merged = append(merged, remote[i])
			}
			i++
		default:
			merged = append(merged, local[j])
			j++
		}
	}

	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged
}
