package di

import (
	behaviorusecase "tradecoach_backend/internal/feature/behavior/usecase"
	"tradecoach_backend/internal/platform/config"
)

// NewAnalyzer maps the process configuration onto the analyzer tunables.
func NewAnalyzer(cfg config.Behavior) *behaviorusecase.Analyzer {
	return behaviorusecase.NewAnalyzer(behaviorusecase.Config{
		WindowSize:          cfg.WindowSize,
		MinTrades:           cfg.MinTrades,
		OversizeMultiplier:  cfg.OversizeMultiplier,
		RapidEntryInterval:  cfg.RapidEntryInterval,
		EscalationRunLength: cfg.EscalationRunLength,
		OversizeWeight:      cfg.OversizeWeight,
		RapidEntryWeight:    cfg.RapidEntryWeight,
		EscalationWeight:    cfg.EscalationWeight,
	})
}

// NewCoach maps the process configuration onto the coach tunables.
func NewCoach(cfg config.Behavior) *behaviorusecase.Coach {
	return behaviorusecase.NewCoach(behaviorusecase.CoachConfig{
		NudgeCooldown:        cfg.NudgeCooldown,
		CelebrationThreshold: cfg.CelebrationThreshold,
	})
}
