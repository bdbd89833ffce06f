// Package gemini はGoogle Gemini APIを使用した文章生成クライアントを提供します。
package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"tradecoach_backend/internal/feature/chat/usecase"
)

const (
	// DefaultModel はGemini APIのデフォルトモデルです。
	DefaultModel = "gemini-2.5-flash"
)

// GeminiGenerator はGoogle Gemini APIで回答テキストを生成します。
type GeminiGenerator struct {
	client *genai.Client
	model  string
}

// GeminiGeneratorがTextGeneratorを実装していることをコンパイル時に検証します。
var _ usecase.TextGenerator = (*GeminiGenerator)(nil)

// NewGeminiGenerator はADCを使用してGeminiGeneratorの新しいインスタンスを生成します。
// 環境変数 GOOGLE_GENAI_USE_VERTEXAI, GOOGLE_CLOUD_PROJECT, GOOGLE_CLOUD_LOCATION が必要です。
func NewGeminiGenerator(ctx context.Context) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiGenerator{client: client, model: DefaultModel}, nil
}

// Generate はシステム指示付きでプロンプトから回答を生成します。
func (g *GeminiGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini API request failed: %w", err)
	}

	return resp.Text(), nil
}
