package entity

// Candle represents OHLC (Open, High, Low, Close) price activity for a
// symbol within one epoch-aligned time bucket.
type Candle struct {
	Symbol string  `json:"symbol"`
	Epoch  int64   `json:"epoch"` // Bucket start, unix seconds
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
}

// Apply folds a tick price into the candle, extending high/low and
// advancing close.
func (c *Candle) Apply(price float64) {
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
}

// NewCandle opens a candle at the given bucket with all OHLC fields
// initialized to the first tick price.
func NewCandle(symbol string, bucket int64, price float64) Candle {
	return Candle{
		Symbol: symbol,
		Epoch:  bucket,
		Open:   price,
		High:   price,
		Low:    price,
		Close:  price,
	}
}
