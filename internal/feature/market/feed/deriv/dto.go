package deriv

// 送信メッセージ

// subscribeReq subscribes to the tick stream of one symbol.
type subscribeReq struct {
	Ticks     string `json:"ticks"`
	Subscribe int    `json:"subscribe"`
}

// forgetReq cancels a previously created subscription.
type forgetReq struct {
	Forget string `json:"forget"`
}

// authorizeReq authenticates the connection.
type authorizeReq struct {
	Authorize string `json:"authorize"`
}

// historyReq requests historical candles for one symbol.
type historyReq struct {
	TicksHistory    string `json:"ticks_history"`
	Style           string `json:"style"`
	Granularity     int64  `json:"granularity"`
	Count           int    `json:"count"`
	End             string `json:"end"`
	AdjustStartTime int    `json:"adjust_start_time"`
	ReqID           int64  `json:"req_id"`
}

// 受信メッセージ

// serverMsg is the envelope for every frame pushed by the venue. Only the
// fields relevant to the current msg_type are populated.
type serverMsg struct {
	MsgType      string        `json:"msg_type"`
	ReqID        int64         `json:"req_id"`
	Tick         *tickMsg      `json:"tick"`
	Candles      []candleMsg   `json:"candles"`
	Subscription *subscription `json:"subscription"`
	Error        *apiError     `json:"error"`
}

type tickMsg struct {
	Symbol string  `json:"symbol"`
	Quote  float64 `json:"quote"`
	Epoch  int64   `json:"epoch"`
}

type candleMsg struct {
	Epoch int64   `json:"epoch"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

type subscription struct {
	ID string `json:"id"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
