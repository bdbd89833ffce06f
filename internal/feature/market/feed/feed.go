// Package feed defines the event stream produced by the upstream quoting
// venue adapter.
package feed

import "tradecoach_backend/internal/feature/market/domain/entity"

// Event is one item on the adapter's outbound stream. Exactly one of the
// concrete types below is delivered per receive.
type Event interface {
	isEvent()
}

// TickEvent carries one price update.
type TickEvent struct {
	Tick entity.Tick
}

// StateEvent signals an upstream connection-state change. Downstream never
// sees fabricated ticks during an outage, only these events.
type StateEvent struct {
	State  entity.ConnState
	Detail string
}

// NoticeEvent carries a best-effort notice, e.g. a subscription request that
// was dropped from a full pacing queue.
type NoticeEvent struct {
	Message string
}

func (TickEvent) isEvent()   {}
func (StateEvent) isEvent()  {}
func (NoticeEvent) isEvent() {}
