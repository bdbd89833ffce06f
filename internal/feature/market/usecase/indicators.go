package usecase

import (
	"errors"
	"fmt"
	"math"

	"tradecoach_backend/internal/feature/market/domain/entity"
)

// ErrInsufficientData is reported when a candle series is too short for any
// indicator. It is an explicit state, never masked by a zero value.
var ErrInsufficientData = errors.New("insufficient data")

// IndicatorConfig holds the lookback windows. Windows are configuration,
// not hardcoded semantics.
type IndicatorConfig struct {
	SMAFast      int // simple moving average, short window
	SMASlow      int // simple moving average, long window
	EMAFast      int // exponential moving average, short window
	EMASlow      int // exponential moving average, long window
	RSIPeriod    int // momentum oscillator lookback
	SignalPeriod int // MACD signal line smoothing
}

// DefaultIndicatorConfig returns the conventional 20/50 SMA, 12/26 EMA,
// RSI(14), MACD(12,26,9) parameter set.
func DefaultIndicatorConfig() IndicatorConfig {
	return IndicatorConfig{
		SMAFast:      20,
		SMASlow:      50,
		EMAFast:      12,
		EMASlow:      26,
		RSIPeriod:    14,
		SignalPeriod: 9,
	}
}

// MACDResult holds the trend-convergence oscillator series.
type MACDResult struct {
	Line      []float64 `json:"macd_line"`
	Signal    []float64 `json:"signal_line"`
	Histogram []float64 `json:"histogram"`
}

// LatestValues summarizes the most recent value of each indicator. A nil
// pointer means that indicator has insufficient data, not a zero reading.
type LatestValues struct {
	Price         float64  `json:"price"`
	SMAFast       *float64 `json:"sma_fast"`
	SMASlow       *float64 `json:"sma_slow"`
	EMAFast       *float64 `json:"ema_fast"`
	EMASlow       *float64 `json:"ema_slow"`
	RSI           *float64 `json:"rsi"`
	MACDLine      *float64 `json:"macd_line"`
	MACDSignal    *float64 `json:"signal_line"`
	MACDHistogram *float64 `json:"macd_histogram"`
}

// IndicatorResult is the full pull-based indicator computation over an
// immutable candle snapshot.
type IndicatorResult struct {
	SMAFast []*float64   `json:"sma_fast"`
	SMASlow []*float64   `json:"sma_slow"`
	EMAFast []float64    `json:"ema_fast"`
	EMASlow []float64    `json:"ema_slow"`
	RSI     []*float64   `json:"rsi"`
	MACD    MACDResult   `json:"macd"`
	Latest  LatestValues `json:"latest"`
	Signals []string     `json:"signals"`
}

// ComputeIndicators derives every supported indicator from the candle
// history. It is a pure function of the candle sequence: nothing is cached,
// so state and recomputation can never diverge.
func ComputeIndicators(candles []entity.Candle, cfg IndicatorConfig) (*IndicatorResult, error) {
	if len(candles) < 2 {
		return nil, ErrInsufficientData
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	res := &IndicatorResult{
		SMAFast: SMA(closes, cfg.SMAFast),
		SMASlow: SMA(closes, cfg.SMASlow),
		EMAFast: EMA(closes, cfg.EMAFast),
		EMASlow: EMA(closes, cfg.EMASlow),
		RSI:     RSI(closes, cfg.RSIPeriod),
		MACD:    MACD(closes, cfg.EMAFast, cfg.EMASlow, cfg.SignalPeriod),
	}

	res.Latest = LatestValues{
		Price:   closes[len(closes)-1],
		SMAFast: lastPtr(res.SMAFast),
		SMASlow: lastPtr(res.SMASlow),
		EMAFast: lastVal(res.EMAFast),
		EMASlow: lastVal(res.EMASlow),
		RSI:     lastPtr(res.RSI),
	}
	if n := len(res.MACD.Line); n > 0 {
		res.Latest.MACDLine = ptr(res.MACD.Line[n-1])
		res.Latest.MACDSignal = ptr(res.MACD.Signal[n-1])
		res.Latest.MACDHistogram = ptr(res.MACD.Histogram[n-1])
	}

	res.Signals = generateSignals(res.Latest)
	return res, nil
}

// SMA computes the simple moving average. Entries before the window has
// filled are nil.
func SMA(closes []float64, period int) []*float64 {
	if period <= 0 || len(closes) < period {
		return nil
	}
	out := make([]*float64, len(closes))
	var sum float64
	for i, v := range closes {
		sum += v
		if i >= period {
			sum -= closes[i-period]
		}
		if i >= period-1 {
			out[i] = ptr(sum / float64(period))
		}
	}
	return out
}

// EMA computes the exponential moving average seeded at the first close
// (alpha = 2/(period+1)).
func EMA(closes []float64, period int) []float64 {
	if period <= 0 || len(closes) < period {
		return nil
	}
	alpha := 2.0 / (float64(period) + 1.0)
	out := make([]float64, len(closes))
	out[0] = closes[0]
	for i := 1; i < len(closes); i++ {
		out[i] = alpha*closes[i] + (1-alpha)*out[i-1]
	}
	return out
}

// RSI computes the relative strength index with Wilder's smoothing.
// The first `period` entries are nil: the oscillator is undefined there.
func RSI(closes []float64, period int) []*float64 {
	if period <= 0 || len(closes) < period+1 {
		return nil
	}

	out := make([]*float64, len(closes))
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss += -delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = ptr(rsiValue(avgGain, avgLoss))

	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = ptr(rsiValue(avgGain, avgLoss))
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - 100.0/(1.0+rs)
}

// MACD computes the trend-convergence oscillator: fast EMA minus slow EMA,
// plus its own smoothed signal line and the histogram between them.
func MACD(closes []float64, fast, slow, signalPeriod int) MACDResult {
	if len(closes) < slow {
		return MACDResult{}
	}
	emaFast := EMA(closes, fast)
	emaSlow := EMA(closes, slow)

	line := make([]float64, len(closes))
	for i := range closes {
		line[i] = emaFast[i] - emaSlow[i]
	}

	alpha := 2.0 / (float64(signalPeriod) + 1.0)
	signal := make([]float64, len(line))
	signal[0] = line[0]
	for i := 1; i < len(line); i++ {
		signal[i] = alpha*line[i] + (1-alpha)*signal[i-1]
	}

	hist := make([]float64, len(line))
	for i := range line {
		hist[i] = line[i] - signal[i]
	}
	return MACDResult{Line: line, Signal: signal, Histogram: hist}
}

// generateSignals renders human-readable observations from the latest
// indicator values. These strings are the only prose the system ever
// derives from numbers itself.
func generateSignals(latest LatestValues) []string {
	var signals []string

	if latest.RSI != nil {
		switch {
		case *latest.RSI >= 70:
			signals = append(signals, fmt.Sprintf("RSI is %.2f — overbought territory. Price may pull back.", *latest.RSI))
		case *latest.RSI <= 30:
			signals = append(signals, fmt.Sprintf("RSI is %.2f — oversold territory. Price may bounce up.", *latest.RSI))
		}
	}

	if latest.MACDLine != nil && latest.MACDSignal != nil {
		if *latest.MACDLine > *latest.MACDSignal {
			signals = append(signals, "MACD is above signal line — bullish momentum.")
		} else {
			signals = append(signals, "MACD is below signal line — bearish momentum.")
		}
	}

	if latest.SMAFast != nil {
		if latest.Price > *latest.SMAFast {
			signals = append(signals, "Price is above the short SMA — short-term uptrend.")
		} else {
			signals = append(signals, "Price is below the short SMA — short-term downtrend.")
		}
	}
	if latest.SMAFast != nil && latest.SMASlow != nil {
		if *latest.SMAFast > *latest.SMASlow {
			signals = append(signals, "Short SMA is above long SMA — golden cross (bullish).")
		} else {
			signals = append(signals, "Short SMA is below long SMA — death cross (bearish).")
		}
	}

	if len(signals) == 0 {
		signals = append(signals, "No strong signals detected at this time.")
	}
	return signals
}

func ptr(v float64) *float64 { return &v }

func lastPtr(s []*float64) *float64 {
	if len(s) == 0 {
		return nil
	}
	return s[len(s)-1]
}

func lastVal(s []float64) *float64 {
	if len(s) == 0 {
		return nil
	}
	v := s[len(s)-1]
	if math.IsNaN(v) {
		return nil
	}
	return &v
}
