// Package entity defines the domain models for the behavior feature.
package entity

// TradeSide is the direction of a trade.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// Trade is one executed trade reported by a client session. Trades are
// append-only per session and analyzed over a bounded window of the most
// recent entries.
type Trade struct {
	ID        uint      `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    uint      `json:"user_id"`
	Symbol    string    `json:"symbol"`
	Side      TradeSide `json:"side"`
	Size      float64   `json:"size"`
	Price     float64   `json:"price"`
	PnL       float64   `json:"pnl"`
	Epoch     int64     `json:"timestamp"`
}

// IsWin reports whether the trade closed with a positive result.
func (t Trade) IsWin() bool {
	return t.PnL > 0
}
