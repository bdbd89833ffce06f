package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecoach_backend/internal/feature/behavior/domain/entity"
)

func coachConfig() CoachConfig {
	return CoachConfig{
		NudgeCooldown:        5 * time.Minute,
		CelebrationThreshold: 0.9,
	}
}

// oversizeWindow ends with a trade far above the earlier sizes.
func oversizeWindow() []entity.Trade {
	trades := make([]entity.Trade, 6)
	for i := range trades {
		trades[i] = mkTrade(i, "R_100", 1, 1)
	}
	trades[5].Size = 10
	return trades
}

func reportWith(breaks map[entity.RuleCategory]bool, score float64) entity.Report {
	return entity.Report{
		Status:          entity.ReportReady,
		TradeCount:      6,
		DisciplineScore: score,
		LatestBreaks:    breaks,
		RuleBreaks:      map[entity.RuleCategory]int{},
	}
}

func TestCoach_NudgeOnTransitionOnly(t *testing.T) {
	c := NewCoach(coachConfig())
	window := oversizeWindow()

	// 違反が新規に発生したときだけナッジを出す
	nudges, _ := c.Evaluate("s1", reportWith(map[entity.RuleCategory]bool{entity.RuleOversize: true}, 0.5), window)
	require.Len(t, nudges, 1)
	assert.Equal(t, entity.RuleOversize, nudges[0].Category)
	assert.NotEmpty(t, nudges[0].ID)
	assert.NotEmpty(t, nudges[0].Message)

	// 違反が継続している間は沈黙する
	nudges, _ = c.Evaluate("s1", reportWith(map[entity.RuleCategory]bool{entity.RuleOversize: true}, 0.5), window)
	assert.Empty(t, nudges)

	// 解消後すぐの再violationはクールダウンに阻まれる
	nudges, _ = c.Evaluate("s1", reportWith(map[entity.RuleCategory]bool{}, 0.8), window)
	assert.Empty(t, nudges)
	nudges, _ = c.Evaluate("s1", reportWith(map[entity.RuleCategory]bool{entity.RuleOversize: true}, 0.5), window)
	assert.Empty(t, nudges)
}

func TestCoach_CooldownExpiry(t *testing.T) {
	c := NewCoach(coachConfig())
	window := oversizeWindow()

	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	nudges, _ := c.Evaluate("s1", reportWith(map[entity.RuleCategory]bool{entity.RuleOversize: true}, 0.5), window)
	require.Len(t, nudges, 1)

	// 解消してからクールダウン経過後の再violationは再びナッジ
	c.Evaluate("s1", reportWith(map[entity.RuleCategory]bool{}, 0.8), window)
	c.now = func() time.Time { return base.Add(6 * time.Minute) }
	nudges, _ = c.Evaluate("s1", reportWith(map[entity.RuleCategory]bool{entity.RuleOversize: true}, 0.5), window)
	assert.Len(t, nudges, 1)
}

func TestCoach_UrgencyScalesWithDeviation(t *testing.T) {
	c := NewCoach(coachConfig())

	// ベースラインから大きく外れたサイズは高い緊急度になる
	window := make([]entity.Trade, 11)
	for i := range window {
		window[i] = mkTrade(i, "R_100", 1, 1)
	}
	window[3].Size = 1.2
	window[7].Size = 0.8
	window[10].Size = 50

	nudges, _ := c.Evaluate("s1", reportWith(map[entity.RuleCategory]bool{entity.RuleOversize: true}, 0.5), window)
	require.Len(t, nudges, 1)
	assert.Equal(t, entity.UrgencyCritical, nudges[0].Urgency)
}

func TestCoach_Celebration(t *testing.T) {
	c := NewCoach(coachConfig())
	window := oversizeWindow()

	// しきい値を上回った瞬間に1回だけ祝福する
	_, celebration := c.Evaluate("s1", reportWith(map[entity.RuleCategory]bool{}, 0.95), window)
	require.NotNil(t, celebration)

	_, celebration = c.Evaluate("s1", reportWith(map[entity.RuleCategory]bool{}, 0.97), window)
	assert.Nil(t, celebration)

	// 下回ってから再度上回ると再び祝福する
	_, celebration = c.Evaluate("s1", reportWith(map[entity.RuleCategory]bool{}, 0.5), window)
	assert.Nil(t, celebration)
	_, celebration = c.Evaluate("s1", reportWith(map[entity.RuleCategory]bool{}, 0.92), window)
	assert.NotNil(t, celebration)
}

func TestCoach_Dismiss(t *testing.T) {
	c := NewCoach(coachConfig())
	window := oversizeWindow()

	nudges, _ := c.Evaluate("s1", reportWith(map[entity.RuleCategory]bool{entity.RuleOversize: true}, 0.5), window)
	require.Len(t, nudges, 1)

	assert.True(t, c.Dismiss("s1", nudges[0].ID))
	assert.False(t, c.Dismiss("s1", nudges[0].ID))
	assert.False(t, c.Dismiss("s1", "unknown-id"))
	assert.False(t, c.Dismiss("other", nudges[0].ID))
}
