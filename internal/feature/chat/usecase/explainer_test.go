package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecoach_backend/internal/feature/chat/domain/entity"
)

// mockGenerator はテスト用のTextGenerator実装です。
type mockGenerator struct {
	GenerateFunc func(ctx context.Context, system, prompt string) (string, error)
}

func (m *mockGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, system, prompt)
	}
	return "generated answer", nil
}

// mockHistory はテスト用のHistoryRepository実装です。
type mockHistory struct {
	saved    []entity.ChatMessage
	RecentFn func(ctx context.Context, sessionID string, userID uint, limit int) ([]entity.ChatMessage, error)
}

func (m *mockHistory) Save(_ context.Context, msg *entity.ChatMessage) error {
	m.saved = append(m.saved, *msg)
	return nil
}

func (m *mockHistory) RecentBySession(ctx context.Context, sessionID string, userID uint, limit int) ([]entity.ChatMessage, error) {
	if m.RecentFn != nil {
		return m.RecentFn(ctx, sessionID, userID, limit)
	}
	return nil, nil
}

func askInput(question string) AskInput {
	return AskInput{
		SessionID: "s1",
		UserID:    7,
		Question:  question,
		Market: &MarketSnapshot{
			Symbol:     "R_100",
			Price:      1234.56,
			Indicators: map[string]float64{"rsi_14": 71.3},
			Signals:    []string{"RSI overbought"},
		},
		Behavior: &BehaviorSnapshot{
			TradeCount:      12,
			WinRate:         0.25,
			StreakType:      "loss",
			StreakLength:    4,
			DisciplineScore: 0.62,
			Sentiment:       -0.55,
		},
	}
}

func TestExplainer_Ask(t *testing.T) {
	t.Run("プロンプトに市場と行動の数値が埋め込まれる", func(t *testing.T) {
		var gotSystem, gotPrompt string
		gen := &mockGenerator{
			GenerateFunc: func(_ context.Context, system, prompt string) (string, error) {
				gotSystem = system
				gotPrompt = prompt
				return "the answer", nil
			},
		}
		history := &mockHistory{}
		u := NewExplainerUsecase(gen, history)

		answer, err := u.Ask(context.Background(), askInput("why am I losing?"))
		require.NoError(t, err)
		assert.Equal(t, "the answer", answer)

		assert.Contains(t, gotSystem, "Never invent prices")
		assert.Contains(t, gotPrompt, "R_100")
		assert.Contains(t, gotPrompt, "1234.56")
		assert.Contains(t, gotPrompt, "rsi_14")
		assert.Contains(t, gotPrompt, "win rate: 25%")
		assert.Contains(t, gotPrompt, "4 loss(s)")
		assert.Contains(t, gotPrompt, "why am I losing?")
		// 質問はコンテキストの後に置く
		assert.Greater(t, strings.Index(gotPrompt, "[question]"), strings.Index(gotPrompt, "[market context]"))
	})

	t.Run("質問と回答が履歴に保存される", func(t *testing.T) {
		history := &mockHistory{}
		u := NewExplainerUsecase(&mockGenerator{}, history)

		_, err := u.Ask(context.Background(), askInput("what does RSI mean?"))
		require.NoError(t, err)

		require.Len(t, history.saved, 2)
		assert.Equal(t, entity.RoleUser, history.saved[0].Role)
		assert.Equal(t, "what does RSI mean?", history.saved[0].Content)
		assert.Equal(t, entity.RoleAssistant, history.saved[1].Role)
		assert.Equal(t, "generated answer", history.saved[1].Content)
	})

	t.Run("直近の会話がプロンプトに含まれる", func(t *testing.T) {
		var gotPrompt string
		gen := &mockGenerator{
			GenerateFunc: func(_ context.Context, _, prompt string) (string, error) {
				gotPrompt = prompt
				return "follow-up answer", nil
			},
		}
		history := &mockHistory{
			RecentFn: func(_ context.Context, sessionID string, userID uint, limit int) ([]entity.ChatMessage, error) {
				assert.Equal(t, "s1", sessionID)
				assert.Equal(t, uint(7), userID)
				assert.Equal(t, recentTurnCount, limit)
				return []entity.ChatMessage{
					{SessionID: "s1", Role: entity.RoleUser, Content: "what is RSI?"},
					{SessionID: "s1", Role: entity.RoleAssistant, Content: "RSI measures momentum."},
				}, nil
			},
		}
		u := NewExplainerUsecase(gen, history)

		_, err := u.Ask(context.Background(), askInput("and what is it now?"))
		require.NoError(t, err)

		assert.Contains(t, gotPrompt, "[conversation so far]")
		assert.Contains(t, gotPrompt, "user: what is RSI?")
		assert.Contains(t, gotPrompt, "coach: RSI measures momentum.")
		// 会話は文脈なので質問より前に置く
		assert.Greater(t, strings.Index(gotPrompt, "[question]"), strings.Index(gotPrompt, "[conversation so far]"))
	})

	t.Run("履歴の読み出し失敗でも回答は返る", func(t *testing.T) {
		history := &mockHistory{
			RecentFn: func(_ context.Context, _ string, _ uint, _ int) ([]entity.ChatMessage, error) {
				return nil, errors.New("db down")
			},
		}
		u := NewExplainerUsecase(&mockGenerator{}, history)

		answer, err := u.Ask(context.Background(), askInput("hello"))
		require.NoError(t, err)
		assert.Equal(t, "generated answer", answer)
	})

	t.Run("空の質問は拒否", func(t *testing.T) {
		u := NewExplainerUsecase(&mockGenerator{}, &mockHistory{})
		_, err := u.Ask(context.Background(), AskInput{SessionID: "s1", Question: "   "})
		assert.Error(t, err)
	})

	t.Run("長すぎる質問は拒否", func(t *testing.T) {
		u := NewExplainerUsecase(&mockGenerator{}, &mockHistory{})
		in := askInput(strings.Repeat("a", MaxQuestionLength+1))
		_, err := u.Ask(context.Background(), in)
		assert.Error(t, err)
	})

	t.Run("生成失敗はラップして返し、履歴にも残さない", func(t *testing.T) {
		gen := &mockGenerator{
			GenerateFunc: func(_ context.Context, _, _ string) (string, error) {
				return "", errors.New("upstream down")
			},
		}
		history := &mockHistory{}
		u := NewExplainerUsecase(gen, history)

		_, err := u.Ask(context.Background(), askInput("hello"))
		assert.Error(t, err)
		assert.Empty(t, history.saved)
	})

	t.Run("コンテキストなしでも質問だけで成立する", func(t *testing.T) {
		var gotPrompt string
		gen := &mockGenerator{
			GenerateFunc: func(_ context.Context, _, prompt string) (string, error) {
				gotPrompt = prompt
				return "ok", nil
			},
		}
		u := NewExplainerUsecase(gen, &mockHistory{})

		_, err := u.Ask(context.Background(), AskInput{SessionID: "s1", Question: "hi"})
		require.NoError(t, err)
		assert.NotContains(t, gotPrompt, "[market context]")
		assert.Contains(t, gotPrompt, "[question]\nhi")
	})
}
