// Package adapters provides the persistence implementations for the
// alerts feature.
package adapters

import (
	"context"

	"gorm.io/gorm"

	"tradecoach_backend/internal/feature/alerts/domain/entity"
)

// AlertModel is the GORM mapping for persisted price alerts.
type AlertModel struct {
	ID          string `gorm:"primaryKey;size:36"`
	SessionID   string `gorm:"index;size:64;not null"`
	UserID      uint   `gorm:"index;not null"`
	Symbol      string `gorm:"index;size:32;not null"`
	TargetPrice float64
	Direction   string `gorm:"size:8;not null"`
	Active      bool
	CreatedAt   int64
	TriggeredAt *int64
}

func (AlertModel) TableName() string { return "price_alerts" }

// AlertRepository persists alerts in the application database.
type AlertRepository struct {
	db *gorm.DB
}

// NewAlertRepository creates a repository over the given connection.
func NewAlertRepository(db *gorm.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

func (r *AlertRepository) Save(ctx context.Context, alert *entity.PriceAlert) error {
	return r.db.WithContext(ctx).Create(toModel(alert)).Error
}

func (r *AlertRepository) Update(ctx context.Context, alert *entity.PriceAlert) error {
	return r.db.WithContext(ctx).Save(toModel(alert)).Error
}

func (r *AlertRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&AlertModel{}, "id = ?", id).Error
}

func (r *AlertRepository) ListBySession(ctx context.Context, sessionID string, userID uint) ([]entity.PriceAlert, error) {
	var models []AlertModel
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	alerts := make([]entity.PriceAlert, len(models))
	for i, m := range models {
		alerts[i] = entity.PriceAlert{
			ID:          m.ID,
			SessionID:   m.SessionID,
			UserID:      m.UserID,
			Symbol:      m.Symbol,
			TargetPrice: m.TargetPrice,
			Direction:   entity.Direction(m.Direction),
			Active:      m.Active,
			CreatedAt:   m.CreatedAt,
			TriggeredAt: m.TriggeredAt,
		}
	}
	return alerts, nil
}

func toModel(alert *entity.PriceAlert) *AlertModel {
	return &AlertModel{
		ID:          alert.ID,
		SessionID:   alert.SessionID,
		UserID:      alert.UserID,
		Symbol:      alert.Symbol,
		TargetPrice: alert.TargetPrice,
		Direction:   string(alert.Direction),
		Active:      alert.Active,
		CreatedAt:   alert.CreatedAt,
		TriggeredAt: alert.TriggeredAt,
	}
}
