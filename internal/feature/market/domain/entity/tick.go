package entity

import "time"

// Tick is a single price update for a symbol. Ticks are ephemeral and are
// only ever folded into candles, never persisted individually.
type Tick struct {
	Symbol string
	Price  float64
	Epoch  int64 // Venue timestamp, unix seconds
}

// Time returns the tick timestamp as time.Time.
func (t Tick) Time() time.Time {
	return time.Unix(t.Epoch, 0).UTC()
}

// ConnState describes the upstream connection lifecycle.
type ConnState string

const (
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnReconnecting ConnState = "reconnecting"
)
