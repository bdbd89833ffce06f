package entity

// RuleCategory identifies one behavioral rule tracked by the analyzer.
type RuleCategory string

const (
	// RuleOversize fires when a trade's size exceeds a multiple of the
	// trader's own trailing average size.
	RuleOversize RuleCategory = "oversize"
	// RuleRapidEntry fires when consecutive entries on the same symbol
	// happen within a short interval.
	RuleRapidEntry RuleCategory = "rapid_entry"
	// RuleRiskEscalation fires when position sizes strictly increase
	// across a run of losing trades.
	RuleRiskEscalation RuleCategory = "risk_escalation"
)

// StreakType classifies the current run of results.
type StreakType string

const (
	StreakWin  StreakType = "win"
	StreakLoss StreakType = "loss"
	StreakNone StreakType = "none"
)

// Streak is the current run of identical outcomes ending at the most
// recent trade. The length resets to 1 whenever the outcome flips.
type Streak struct {
	Type   StreakType `json:"type"`
	Length int        `json:"length"`
}

// ReportStatus tells the consumer whether the report carries full metrics.
type ReportStatus string

const (
	ReportReady ReportStatus = "ready"
	// ReportInsufficient is returned while the session has fewer trades
	// than the analyzer's minimum. Metrics other than TradeCount are
	// zero-valued and must not be interpreted.
	ReportInsufficient ReportStatus = "insufficient_history"
)

// Report is a full behavioral snapshot recomputed from the trade window.
type Report struct {
	Status          ReportStatus         `json:"status"`
	TradeCount      int                  `json:"trade_count"`
	WinRate         float64              `json:"win_rate"`
	Streak          Streak               `json:"streak"`
	DisciplineScore float64              `json:"discipline_score"`
	RuleBreaks      map[RuleCategory]int `json:"rule_breaks"`
	// LatestBreaks marks the categories violated by the most recent
	// trade. Nudging keys off transitions of this set, not off counts.
	LatestBreaks map[RuleCategory]bool `json:"-"`
	Sentiment    float64               `json:"sentiment"`
}
