package usecase

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradecoach_backend/internal/feature/behavior/domain/entity"
)

// CoachConfig carries the nudge emission tunables.
type CoachConfig struct {
	// NudgeCooldown suppresses repeat nudges of the same category.
	NudgeCooldown time.Duration
	// CelebrationThreshold is the discipline score above which a
	// celebration is emitted on upward crossing.
	CelebrationThreshold float64
}

// nudgeTemplate is the message skeleton for one rule category.
type nudgeTemplate struct {
	title   string
	message string
}

var nudgeTemplates = map[entity.RuleCategory]nudgeTemplate{
	entity.RuleOversize: {
		title:   "Position size check",
		message: "This position is well above your usual size. Sizing up after a result, win or loss, is how drawdowns compound. Consider scaling back to your average.",
	},
	entity.RuleRapidEntry: {
		title:   "Slow down",
		message: "You re-entered the same market within seconds of your last trade. Quick re-entries are usually reactions, not plans. Take a breath before the next one.",
	},
	entity.RuleRiskEscalation: {
		title:   "Risk is escalating",
		message: "Your sizes have been climbing through a losing run. Chasing losses with bigger positions is the fastest way to blow a good account. Step away or cut size now.",
	},
}

// coachSession tracks per-session nudge state.
type coachSession struct {
	// active holds the categories that were violated by the previous
	// trade. A nudge fires only on a false-to-true transition.
	active map[entity.RuleCategory]bool
	// lastSent is the emission time per category for cooldown checks.
	lastSent map[entity.RuleCategory]time.Time
	// pending keeps emitted, not yet dismissed nudges by id.
	pending map[string]entity.Nudge
	// celebrated tracks whether the score is currently above threshold
	// so a celebration fires once per crossing.
	celebrated bool
}

// Coach turns behavioral reports into nudges. Emission is edge
// triggered: a category nudges when it flips from clean to violated, and
// stays silent while the violation persists.
type Coach struct {
	cfg CoachConfig

	mu       sync.Mutex
	sessions map[string]*coachSession
	now      func() time.Time
}

// NewCoach creates a coach with the given tunables.
func NewCoach(cfg CoachConfig) *Coach {
	if cfg.NudgeCooldown <= 0 {
		cfg.NudgeCooldown = 5 * time.Minute
	}
	if cfg.CelebrationThreshold <= 0 {
		cfg.CelebrationThreshold = 0.9
	}
	return &Coach{
		cfg:      cfg,
		sessions: make(map[string]*coachSession),
		now:      time.Now,
	}
}

// Evaluate compares the report's latest-break set against the previous
// trade's and returns the nudges to push. The trade window supplies the
// session's own baseline for urgency grading.
func (c *Coach) Evaluate(sessionID string, report entity.Report, window []entity.Trade) ([]entity.Nudge, *entity.Celebration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.sessions[sessionID]
	if st == nil {
		st = &coachSession{
			active:   map[entity.RuleCategory]bool{},
			lastSent: map[entity.RuleCategory]time.Time{},
			pending:  map[string]entity.Nudge{},
		}
		c.sessions[sessionID] = st
	}

	now := c.now()
	var nudges []entity.Nudge
	for cat, tmpl := range nudgeTemplates {
		violated := report.LatestBreaks[cat]
		wasActive := st.active[cat]
		st.active[cat] = violated

		if !violated || wasActive {
			continue
		}
		if now.Sub(st.lastSent[cat]) < c.cfg.NudgeCooldown {
			continue
		}

		trigger, z := triggerDetail(cat, window)
		n := entity.Nudge{
			ID:        uuid.NewString(),
			Category:  cat,
			Urgency:   urgencyFromDeviation(z),
			Title:     tmpl.title,
			Message:   tmpl.message,
			Trigger:   trigger,
			CreatedAt: now,
		}
		st.lastSent[cat] = now
		st.pending[n.ID] = n
		nudges = append(nudges, n)
	}

	var celebration *entity.Celebration
	above := report.Status == entity.ReportReady && report.DisciplineScore >= c.cfg.CelebrationThreshold
	if above && !st.celebrated {
		celebration = &entity.Celebration{
			ID:        uuid.NewString(),
			Title:     "Discipline holding strong",
			Message:   fmt.Sprintf("Your discipline score is %.2f over the last %d trades. Whatever you are doing, keep doing it.", report.DisciplineScore, report.TradeCount),
			CreatedAt: now,
		}
	}
	st.celebrated = above

	return nudges, celebration
}

// Dismiss removes a pending nudge. Returns false when the id is unknown.
func (c *Coach) Dismiss(sessionID, nudgeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.sessions[sessionID]
	if st == nil {
		return false
	}
	if _, ok := st.pending[nudgeID]; !ok {
		return false
	}
	delete(st.pending, nudgeID)
	return true
}

// Forget drops all coach state for a session.
func (c *Coach) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// triggerDetail builds a human-readable trigger description and the
// deviation, in standard deviations, of the triggering value from the
// session's own baseline.
func triggerDetail(cat entity.RuleCategory, window []entity.Trade) (string, float64) {
	if len(window) < 2 {
		return "", 0
	}
	last := window[len(window)-1]

	switch cat {
	case entity.RuleOversize:
		sizes := make([]float64, 0, len(window)-1)
		for _, t := range window[:len(window)-1] {
			sizes = append(sizes, t.Size)
		}
		z := zscore(last.Size, sizes)
		return fmt.Sprintf("size %.2f on %s", last.Size, last.Symbol), z

	case entity.RuleRapidEntry:
		gaps := make([]float64, 0, len(window)-2)
		for i := 1; i < len(window)-1; i++ {
			gaps = append(gaps, float64(window[i].Epoch-window[i-1].Epoch))
		}
		gap := float64(last.Epoch - window[len(window)-2].Epoch)
		z := -zscore(gap, gaps)
		return fmt.Sprintf("re-entry on %s after %.0fs", last.Symbol, gap), z

	case entity.RuleRiskEscalation:
		run := 1
		for i := len(window) - 1; i > 0; i-- {
			if !window[i-1].IsWin() && !window[i].IsWin() && window[i].Size > window[i-1].Size {
				run++
			} else {
				break
			}
		}
		return fmt.Sprintf("%d losses with rising size", run), float64(run)
	}
	return "", 0
}

// zscore returns how many standard deviations v sits from the mean of
// the series. A flat or empty series yields 0.
func zscore(v float64, series []float64) float64 {
	if len(series) < 2 {
		return 0
	}
	mean := 0.0
	for _, s := range series {
		mean += s
	}
	mean /= float64(len(series))

	variance := 0.0
	for _, s := range series {
		variance += (s - mean) * (s - mean)
	}
	variance /= float64(len(series))
	if variance == 0 {
		return 0
	}
	return (v - mean) / math.Sqrt(variance)
}

// urgencyFromDeviation grades the absolute deviation into tiers.
func urgencyFromDeviation(z float64) entity.Urgency {
	z = math.Abs(z)
	switch {
	case z > 3:
		return entity.UrgencyCritical
	case z > 2:
		return entity.UrgencyHigh
	case z > 1:
		return entity.UrgencyMedium
	default:
		return entity.UrgencyLow
	}
}
