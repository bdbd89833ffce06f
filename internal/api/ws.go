package api

import "encoding/json"

// Envelope is the framing for every websocket message in both
// directions. Type selects the payload schema carried in Data.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals a payload into an envelope frame.
func NewEnvelope(kind string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: kind, Data: data})
}

// Inbound message kinds.
const (
	KindSubscribeGroup  = "subscribe_group"
	KindSubscribeSymbol = "subscribe_symbol"
	KindListAssets      = "list_assets"
	KindGetPrices       = "get_prices"
	KindCandlesHistory  = "candles_history"
	KindIndicators      = "indicators"
	KindCreateAlert     = "create_alert"
	KindCancelAlert     = "cancel_alert"
	KindRearmAlert      = "rearm_alert"
	KindListAlerts      = "list_alerts"
	KindTradeEvent      = "trade_event"
	KindChat            = "chat"
	KindDismissNudge    = "dismiss_nudge"
)

// Outbound message kinds.
const (
	KindAssetList           = "asset_list"
	KindLatestPrices        = "latest_prices"
	KindPriceUpdate         = "price_update"
	KindIndicatorResult     = "indicator_result"
	KindAlertCreated        = "alert_created"
	KindAlertCancelled      = "alert_cancelled"
	KindAlertRearmed        = "alert_rearmed"
	KindAlertList           = "alert_list"
	KindPriceAlertTriggered = "price_alert_triggered"
	KindBehavioralReport    = "behavioral_report"
	KindNudges              = "nudges"
	KindChatResponse        = "chat_response"
	KindConnectionState     = "connection_state"
	KindInfo                = "info"
	KindError               = "error"
)

// SubscribeGroupRequest selects a whole asset group for streaming.
type SubscribeGroupRequest struct {
	Group string `json:"group"`
}

// SubscribeSymbolRequest selects a single symbol for streaming.
type SubscribeSymbolRequest struct {
	Symbol string `json:"symbol"`
}

// CandlesHistoryRequest asks for recent candles of a symbol.
type CandlesHistoryRequest struct {
	Symbol string `json:"symbol"`
	Limit  int    `json:"limit"`
}

// IndicatorsRequest asks for the current indicator values of a symbol.
type IndicatorsRequest struct {
	Symbol string `json:"symbol"`
	Limit  int    `json:"limit"`
}

// CreateAlertRequest arms a new crossing alert.
type CreateAlertRequest struct {
	Symbol      string  `json:"symbol"`
	TargetPrice float64 `json:"target_price"`
	Direction   string  `json:"direction"`
}

// CancelAlertRequest removes an alert by id.
type CancelAlertRequest struct {
	AlertID string `json:"alert_id"`
}

// RearmAlertRequest reactivates a triggered alert.
type RearmAlertRequest struct {
	AlertID string `json:"alert_id"`
}

// TradeEventRequest reports one executed trade for analysis.
type TradeEventRequest struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Size      float64 `json:"size"`
	Price     float64 `json:"price"`
	PnL       float64 `json:"pnl"`
	Timestamp int64   `json:"timestamp"`
}

// ChatRequest is a free-form question for the coaching assistant. Symbol
// optionally names the market to include as context.
type ChatRequest struct {
	Message string `json:"message"`
	Symbol  string `json:"symbol,omitempty"`
}

// DismissNudgeRequest acknowledges a nudge by id.
type DismissNudgeRequest struct {
	NudgeID string `json:"nudge_id"`
}

// WSError is the payload of an error frame. Code is a stable machine
// readable string, Message is human readable.
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Stable error codes for error frames.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeUnknownKind   = "unknown_kind"
	ErrCodeUnknownSymbol = "unknown_symbol"
	ErrCodeUnknownGroup  = "unknown_group"
	ErrCodeNotFound      = "not_found"
	ErrCodeInternal      = "internal_error"
	ErrCodeUpstream      = "upstream_unavailable"
)

// ConnectionStatePayload reports the upstream feed state.
type ConnectionStatePayload struct {
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// InfoPayload is a non-fatal operational notice.
type InfoPayload struct {
	Message string `json:"message"`
}

// ChatResponsePayload carries the assistant's answer.
type ChatResponsePayload struct {
	Message string `json:"message"`
}
