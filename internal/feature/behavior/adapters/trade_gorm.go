// Package adapters provides the persistence implementations for the
// behavior feature.
package adapters

import (
	"context"

	"gorm.io/gorm"

	"tradecoach_backend/internal/feature/behavior/domain/entity"
)

// TradeModel is the GORM mapping for persisted trades.
type TradeModel struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID string `gorm:"index;size:64;not null"`
	UserID    uint   `gorm:"index;not null"`
	Symbol    string `gorm:"size:32;not null"`
	Side      string `gorm:"size:8;not null"`
	Size      float64
	Price     float64
	PnL       float64
	Epoch     int64 `gorm:"index;not null"`
}

// TableName は複数形の規約を明示します。
func (TradeModel) TableName() string { return "trades" }

// TradeRepository persists trades and restores recent windows.
type TradeRepository struct {
	db *gorm.DB
}

// NewTradeRepository creates a repository over the given connection.
func NewTradeRepository(db *gorm.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// Save appends one trade.
func (r *TradeRepository) Save(ctx context.Context, t *entity.Trade) error {
	m := TradeModel{
		SessionID: t.SessionID,
		UserID:    t.UserID,
		Symbol:    t.Symbol,
		Side:      string(t.Side),
		Size:      t.Size,
		Price:     t.Price,
		PnL:       t.PnL,
		Epoch:     t.Epoch,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return err
	}
	t.ID = m.ID
	return nil
}

// RecentBySession returns up to limit trades for a session, oldest first,
// so the result can seed an analyzer window directly. The query is scoped
// to the owning user; a session id alone never exposes another user's
// trade history.
func (r *TradeRepository) RecentBySession(ctx context.Context, sessionID string, userID uint, limit int) ([]entity.Trade, error) {
	var models []TradeModel
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Order("epoch DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	trades := make([]entity.Trade, len(models))
	for i, m := range models {
		// DESC で取得したので詰め直して昇順に戻す
		trades[len(models)-1-i] = entity.Trade{
			ID:        m.ID,
			SessionID: m.SessionID,
			UserID:    m.UserID,
			Symbol:    m.Symbol,
			Side:      entity.TradeSide(m.Side),
			Size:      m.Size,
			Price:     m.Price,
			PnL:       m.PnL,
			Epoch:     m.Epoch,
		}
	}
	return trades, nil
}
