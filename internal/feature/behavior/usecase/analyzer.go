// Package usecase は行動分析のビジネスロジックを提供します。
// 直近トレードのスライディングウィンドウからレポートを毎回再計算します。
package usecase

import (
	"errors"
	"math"
	"sync"
	"time"

	"tradecoach_backend/internal/feature/behavior/domain/entity"
)

// ErrInsufficientHistory is returned while a session has fewer trades
// than the analyzer minimum.
var ErrInsufficientHistory = errors.New("behavior: insufficient trade history")

// Config carries the analyzer tunables. Values come from the process
// configuration at wiring time.
type Config struct {
	// WindowSize is the number of most recent trades kept per session.
	WindowSize int
	// MinTrades is the number of trades required before metrics are
	// considered meaningful.
	MinTrades int
	// OversizeMultiplier flags a trade whose size exceeds this multiple
	// of the trailing average size.
	OversizeMultiplier float64
	// RapidEntryInterval flags consecutive same-symbol entries closer
	// together than this.
	RapidEntryInterval time.Duration
	// EscalationRunLength is the minimum run of losses with strictly
	// increasing sizes that counts as risk escalation.
	EscalationRunLength int
	// Weights for the discipline score penalty per category.
	OversizeWeight   float64
	RapidEntryWeight float64
	EscalationWeight float64
}

// Analyzer maintains a bounded trade window per session and recomputes the
// behavioral report from scratch on every new trade. Recomputing keeps the
// metrics consistent as old trades fall out of the window.
type Analyzer struct {
	cfg Config

	mu      sync.Mutex
	windows map[string][]entity.Trade
}

// NewAnalyzer creates an analyzer with the given tunables.
func NewAnalyzer(cfg Config) *Analyzer {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 50
	}
	if cfg.MinTrades <= 0 {
		cfg.MinTrades = 5
	}
	return &Analyzer{
		cfg:     cfg,
		windows: make(map[string][]entity.Trade),
	}
}

// Seed preloads a session window, oldest first. Used to restore state
// from persisted trades when a session reconnects.
func (a *Analyzer) Seed(sessionID string, trades []entity.Trade) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w := make([]entity.Trade, len(trades))
	copy(w, trades)
	if len(w) > a.cfg.WindowSize {
		w = w[len(w)-a.cfg.WindowSize:]
	}
	a.windows[sessionID] = w
}

// OnTrade appends a trade to the session window, evicting the oldest
// entry when full, and returns the freshly recomputed report.
func (a *Analyzer) OnTrade(sessionID string, trade entity.Trade) entity.Report {
	a.mu.Lock()
	w := append(a.windows[sessionID], trade)
	if len(w) > a.cfg.WindowSize {
		w = w[len(w)-a.cfg.WindowSize:]
	}
	a.windows[sessionID] = w
	snapshot := make([]entity.Trade, len(w))
	copy(snapshot, w)
	a.mu.Unlock()

	return BuildReport(snapshot, a.cfg)
}

// Report recomputes the current report without adding a trade.
func (a *Analyzer) Report(sessionID string) entity.Report {
	a.mu.Lock()
	w := a.windows[sessionID]
	snapshot := make([]entity.Trade, len(w))
	copy(snapshot, w)
	a.mu.Unlock()

	return BuildReport(snapshot, a.cfg)
}

// Window returns a copy of the session's current trade window.
func (a *Analyzer) Window(sessionID string) []entity.Trade {
	a.mu.Lock()
	defer a.mu.Unlock()
	w := a.windows[sessionID]
	out := make([]entity.Trade, len(w))
	copy(out, w)
	return out
}

// Forget drops all state for a session.
func (a *Analyzer) Forget(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.windows, sessionID)
}

// BuildReport computes a behavioral report from a trade window, oldest
// first. It is a pure function of its inputs.
func BuildReport(trades []entity.Trade, cfg Config) entity.Report {
	report := entity.Report{
		Status:       entity.ReportReady,
		TradeCount:   len(trades),
		RuleBreaks:   map[entity.RuleCategory]int{},
		LatestBreaks: map[entity.RuleCategory]bool{},
		Streak:       entity.Streak{Type: entity.StreakNone},
	}
	if len(trades) < cfg.MinTrades {
		report.Status = entity.ReportInsufficient
		return report
	}

	wins := 0
	for _, t := range trades {
		if t.IsWin() {
			wins++
		}
	}
	report.WinRate = float64(wins) / float64(len(trades))
	report.Streak = currentStreak(trades)

	breaks := detectRuleBreaks(trades, cfg)
	last := len(trades) - 1
	for cat, indexes := range breaks {
		report.RuleBreaks[cat] = len(indexes)
		for _, i := range indexes {
			if i == last {
				report.LatestBreaks[cat] = true
			}
		}
	}

	report.DisciplineScore = disciplineScore(report.RuleBreaks, len(trades), cfg)
	report.Sentiment = sentiment(report)
	return report
}

// currentStreak walks backward from the latest trade counting identical
// outcomes. A zero-PnL trade counts as a loss for streak purposes.
func currentStreak(trades []entity.Trade) entity.Streak {
	last := trades[len(trades)-1]
	st := entity.Streak{Length: 1, Type: entity.StreakLoss}
	if last.IsWin() {
		st.Type = entity.StreakWin
	}
	for i := len(trades) - 2; i >= 0; i-- {
		if trades[i].IsWin() != last.IsWin() {
			break
		}
		st.Length++
	}
	return st
}

// detectRuleBreaks returns, per category, the window indexes of trades
// that violated the rule.
func detectRuleBreaks(trades []entity.Trade, cfg Config) map[entity.RuleCategory][]int {
	out := map[entity.RuleCategory][]int{}

	for i := 1; i < len(trades); i++ {
		// oversize: サイズが直近平均の倍率を超えたか
		avg := trailingAverageSize(trades, i)
		if avg > 0 && trades[i].Size > cfg.OversizeMultiplier*avg {
			out[entity.RuleOversize] = append(out[entity.RuleOversize], i)
		}

		// rapid entry: 同一シンボルへの連続エントリー間隔
		prev := trades[i-1]
		if prev.Symbol == trades[i].Symbol {
			gap := time.Duration(trades[i].Epoch-prev.Epoch) * time.Second
			if gap >= 0 && gap < cfg.RapidEntryInterval {
				out[entity.RuleRapidEntry] = append(out[entity.RuleRapidEntry], i)
			}
		}
	}

	// risk escalation: 負けが続く中でサイズが厳密に増加しているか
	if cfg.EscalationRunLength > 1 {
		run := 1
		for i := 1; i < len(trades); i++ {
			if !trades[i-1].IsWin() && !trades[i].IsWin() && trades[i].Size > trades[i-1].Size {
				run++
			} else {
				run = 1
			}
			if run >= cfg.EscalationRunLength {
				out[entity.RuleRiskEscalation] = append(out[entity.RuleRiskEscalation], i)
			}
		}
	}
	return out
}

// trailingAverageSize averages the sizes of the trades before index i.
func trailingAverageSize(trades []entity.Trade, i int) float64 {
	if i == 0 {
		return 0
	}
	sum := 0.0
	for _, t := range trades[:i] {
		sum += t.Size
	}
	return sum / float64(i)
}

// disciplineScore maps rule-break rates into [0, 1]. A clean window
// scores 1.0 and each category subtracts its weighted break rate.
func disciplineScore(breaks map[entity.RuleCategory]int, total int, cfg Config) float64 {
	if total == 0 {
		return 1
	}
	penalty := cfg.OversizeWeight*rate(breaks[entity.RuleOversize], total) +
		cfg.RapidEntryWeight*rate(breaks[entity.RuleRapidEntry], total) +
		cfg.EscalationWeight*rate(breaks[entity.RuleRiskEscalation], total)
	return clamp01(1 - penalty)
}

func rate(count, total int) float64 {
	return float64(count) / float64(total)
}

// sentiment maps the window into [-1, 1]. The win rate sets the base and
// the current streak pushes it toward either pole.
func sentiment(r entity.Report) float64 {
	s := 2*r.WinRate - 1
	adj := 0.1 * math.Min(float64(r.Streak.Length), 5)
	switch r.Streak.Type {
	case entity.StreakWin:
		s += adj
	case entity.StreakLoss:
		s -= adj
	}
	if r.LatestBreaks[entity.RuleRiskEscalation] {
		s -= 0.2
	}
	return math.Max(-1, math.Min(1, s))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
