// Package adapters provides the persistence implementations for the
// chat feature.
package adapters

import (
	"context"
	"time"

	"gorm.io/gorm"

	"tradecoach_backend/internal/feature/chat/domain/entity"
)

// ChatMessageModel is the GORM mapping for persisted chat turns.
type ChatMessageModel struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID string `gorm:"index;size:64;not null"`
	UserID    uint   `gorm:"index;not null"`
	Role      string `gorm:"size:16;not null"`
	Content   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

func (ChatMessageModel) TableName() string { return "chat_messages" }

// ChatHistoryRepository persists conversation turns.
type ChatHistoryRepository struct {
	db *gorm.DB
}

// NewChatHistoryRepository creates a repository over the given connection.
func NewChatHistoryRepository(db *gorm.DB) *ChatHistoryRepository {
	return &ChatHistoryRepository{db: db}
}

func (r *ChatHistoryRepository) Save(ctx context.Context, msg *entity.ChatMessage) error {
	m := ChatMessageModel{
		SessionID: msg.SessionID,
		UserID:    msg.UserID,
		Role:      string(msg.Role),
		Content:   msg.Content,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return err
	}
	msg.ID = m.ID
	msg.CreatedAt = m.CreatedAt
	return nil
}

// RecentBySession returns up to limit turns for a session, oldest first,
// scoped to the owning user.
func (r *ChatHistoryRepository) RecentBySession(ctx context.Context, sessionID string, userID uint, limit int) ([]entity.ChatMessage, error) {
	var models []ChatMessageModel
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Order("id DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	msgs := make([]entity.ChatMessage, len(models))
	for i, m := range models {
		msgs[len(models)-1-i] = entity.ChatMessage{
			ID:        m.ID,
			SessionID: m.SessionID,
			UserID:    m.UserID,
			Role:      entity.Role(m.Role),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		}
	}
	return msgs, nil
}
