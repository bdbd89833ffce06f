// Package usecase はchatフィーチャーのビジネスロジックを実装します。
// 市場データと行動レポートをプロンプトに埋め込み、外部の文章生成
// サービスに回答させます。数値の計算は常にこちら側で済ませます。
package usecase

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"tradecoach_backend/internal/feature/chat/domain/entity"
)

const (
	// MaxQuestionLength は質問の最大文字数（rune数）です。
	MaxQuestionLength = 2000

	// recentTurnCount はプロンプトに載せる直近の会話件数です。
	recentTurnCount = 6

	// systemInstruction は生成側への固定指示です。渡した数値以外を
	// 使わせないことで、価格や指標のでっち上げを防ぎます。
	systemInstruction = "You are a concise trading coach for a retail trader. " +
		"Answer in plain language, two short paragraphs at most. " +
		"Use only the numbers given in the context blocks. " +
		"Never invent prices, indicator values, or statistics. " +
		"If the context does not contain a number the user asks about, say you do not have it. " +
		"Never give financial advice to buy or sell; explain what the data shows."
)

// TextGenerator は文章生成サービスを抽象化します。
// Goの慣例に従い、インターフェースはコンシューマー（usecase）が定義します。
type TextGenerator interface {
	// Generate はシステム指示とプロンプトから回答テキストを生成します。
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// HistoryRepository は会話履歴の永続化層を抽象化します。
// 読み出しは常に所有ユーザーでも絞り込みます。
type HistoryRepository interface {
	Save(ctx context.Context, msg *entity.ChatMessage) error
	RecentBySession(ctx context.Context, sessionID string, userID uint, limit int) ([]entity.ChatMessage, error)
}

// MarketSnapshot carries the precomputed market numbers embedded into
// the prompt. The explainer never computes market figures itself.
type MarketSnapshot struct {
	Symbol     string
	Price      float64
	Indicators map[string]float64
	Signals    []string
}

// BehaviorSnapshot carries the precomputed behavioral figures.
type BehaviorSnapshot struct {
	TradeCount      int
	WinRate         float64
	StreakType      string
	StreakLength    int
	DisciplineScore float64
	Sentiment       float64
}

// AskInput is one question with its precomputed context.
type AskInput struct {
	SessionID string
	UserID    uint
	Question  string
	Market    *MarketSnapshot
	Behavior  *BehaviorSnapshot
}

// explainerUsecase は会話の組み立てと履歴の保存を担当します。
type explainerUsecase struct {
	generator TextGenerator
	history   HistoryRepository
}

// NewExplainerUsecase はexplainerUsecaseの新しいインスタンスを生成します。
func NewExplainerUsecase(generator TextGenerator, history HistoryRepository) *explainerUsecase {
	return &explainerUsecase{generator: generator, history: history}
}

// Ask は質問に文脈を添えて生成サービスへ渡し、回答を返します。
// 質問と回答は両方とも履歴に保存されます。
func (u *explainerUsecase) Ask(ctx context.Context, in AskInput) (string, error) {
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return "", fmt.Errorf("question is required")
	}
	if utf8.RuneCountInString(question) > MaxQuestionLength {
		return "", fmt.Errorf("question exceeds maximum length of %d characters", MaxQuestionLength)
	}

	// 直近の会話も文脈として渡す。履歴の読み出し失敗で質問を落とさない。
	var turns []entity.ChatMessage
	if u.history != nil {
		turns, _ = u.history.RecentBySession(ctx, in.SessionID, in.UserID, recentTurnCount)
	}

	prompt := buildPrompt(question, turns, in.Market, in.Behavior)
	answer, err := u.generator.Generate(ctx, systemInstruction, prompt)
	if err != nil {
		return "", fmt.Errorf("text generation failed: %w", err)
	}

	// 履歴保存はベストエフォート。保存失敗で回答を捨てない。
	u.saveTurn(ctx, in, question, answer)
	return answer, nil
}

// History は直近の会話履歴を古い順で返します。
func (u *explainerUsecase) History(ctx context.Context, sessionID string, userID uint, limit int) ([]entity.ChatMessage, error) {
	return u.history.RecentBySession(ctx, sessionID, userID, limit)
}

func (u *explainerUsecase) saveTurn(ctx context.Context, in AskInput, question, answer string) {
	if u.history == nil {
		return
	}
	_ = u.history.Save(ctx, &entity.ChatMessage{
		SessionID: in.SessionID,
		UserID:    in.UserID,
		Role:      entity.RoleUser,
		Content:   question,
	})
	_ = u.history.Save(ctx, &entity.ChatMessage{
		SessionID: in.SessionID,
		UserID:    in.UserID,
		Role:      entity.RoleAssistant,
		Content:   answer,
	})
}

// buildPrompt renders the context blocks followed by the question. All
// numbers are formatted here so the generator only paraphrases them.
func buildPrompt(question string, turns []entity.ChatMessage, market *MarketSnapshot, behavior *BehaviorSnapshot) string {
	var b strings.Builder

	if len(turns) > 0 {
		b.WriteString("[conversation so far]\n")
		for _, turn := range turns {
			role := "user"
			if turn.Role == entity.RoleAssistant {
				role = "coach"
			}
			fmt.Fprintf(&b, "%s: %s\n", role, turn.Content)
		}
		b.WriteString("\n")
	}

	if market != nil {
		fmt.Fprintf(&b, "[market context]\nsymbol: %s\nlatest price: %.5f\n", market.Symbol, market.Price)
		for name, value := range market.Indicators {
			fmt.Fprintf(&b, "%s: %.5f\n", name, value)
		}
		for _, s := range market.Signals {
			fmt.Fprintf(&b, "signal: %s\n", s)
		}
		b.WriteString("\n")
	}

	if behavior != nil {
		fmt.Fprintf(&b, "[trading behavior context]\ntrades analyzed: %d\nwin rate: %.0f%%\n", behavior.TradeCount, behavior.WinRate*100)
		if behavior.StreakLength > 0 {
			fmt.Fprintf(&b, "current streak: %d %s(s)\n", behavior.StreakLength, behavior.StreakType)
		}
		fmt.Fprintf(&b, "discipline score: %.2f\nsentiment: %.2f\n\n", behavior.DisciplineScore, behavior.Sentiment)
	}

	fmt.Fprintf(&b, "[question]\n%s", question)
	return b.String()
}
