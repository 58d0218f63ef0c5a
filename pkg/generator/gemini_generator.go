package generator

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shouni/go-variation-studio/pkg/domain"

	"github.com/shouni/gemini-image-kit/ports"
	"google.golang.org/genai"
)

const (
	// DefaultImageModel は画像バリエーション生成に使う Gemini モデルです。
	DefaultImageModel = "gemini-2.5-flash-image-preview"

	modalityImage = "IMAGE"
	modalityText  = "TEXT"
)

// ContentGenerator は Gemini の generateContent 呼び出しを抽象化します。
// *genai.Models がこのインターフェースを満たします。
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Config は GeminiGenerator の設定です。
type Config struct {
	APIKey string
	Model  string
}

// GeminiGenerator は画像1枚とプロンプト1件から画像を1枚生成するクライアントです。
// リトライやタイムアウト、レート制限は行いません。
type GeminiGenerator struct {
	models ContentGenerator
	model  string
}

// New は API キーから genai クライアントを初期化し、GeminiGenerator を返します。
func New(ctx context.Context, cfg Config) (*GeminiGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("APIKey は必須です")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai クライアントの初期化に失敗しました: %w", err)
	}
	return NewWithContentGenerator(client.Models, cfg.Model)
}

// NewWithContentGenerator は任意の ContentGenerator を使って GeminiGenerator を生成します。
func NewWithContentGenerator(models ContentGenerator, model string) (*GeminiGenerator, error) {
	if models == nil {
		return nil, fmt.Errorf("ContentGenerator は必須です")
	}
	if model == "" {
		model = DefaultImageModel
	}
	return &GeminiGenerator{models: models, model: model}, nil
}

// Model は使用するモデル名を返します。
func (g *GeminiGenerator) Model() string {
	return g.model
}

// Generate は元画像とプロンプトを送信し、最初に見つかった画像パートを返します。
func (g *GeminiGenerator) Generate(ctx context.Context, image domain.SourceImage, prompt string) (*ports.ImageResponse, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			{InlineData: &genai.Blob{MIMEType: image.MimeType, Data: image.Data}},
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{modalityImage, modalityText},
	}

	start := time.Now()
	resp, err := g.models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return nil, &GenerationError{Model: g.model, Err: err}
	}

	img := firstInlineImage(resp)
	if img == nil {
		slog.WarnContext(ctx, "レスポンスに画像が含まれていませんでした", "model", g.model)
		return nil, &GenerationError{Model: g.model, Err: ErrNoImageProduced}
	}

	slog.DebugContext(ctx, "画像を受信しました",
		"model", g.model,
		"mime_type", img.MimeType,
		"bytes", len(img.Data),
		"duration", time.Since(start).Round(time.Millisecond))
	return img, nil
}

// GenerateDataURI は Generate の結果を data URI 形式で返します。
func (g *GeminiGenerator) GenerateDataURI(ctx context.Context, image domain.SourceImage, prompt string) (string, error) {
	img, err := g.Generate(ctx, image, prompt)
	if err != nil {
		return "", err
	}
	return DataURI(img), nil
}

// DataURI は画像レスポンスを data:<mime>;base64,<data> 形式に変換します。
func DataURI(img *ports.ImageResponse) string {
	return fmt.Sprintf("data:%s;base64,%s", img.MimeType, base64.StdEncoding.EncodeToString(img.Data))
}

// DecodeDataURI は DataURI の逆変換で、"data:<mime>;base64,<data>" 形式の文字列を画像データに戻します。
func DecodeDataURI(uri string) (*ports.ImageResponse, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, fmt.Errorf("data URI ではありません")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("data URI の区切りがありません")
	}
	mimeType, ok := strings.CutSuffix(meta, ";base64")
	if !ok {
		return nil, fmt.Errorf("base64 以外の data URI には対応していません")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("base64 のデコードに失敗しました: %w", err)
	}
	return &ports.ImageResponse{Data: data, MimeType: mimeType}, nil
}

// firstInlineImage は最初の候補から inline data を持つ最初のパートを探します。
func firstInlineImage(resp *genai.GenerateContentResponse) *ports.ImageResponse {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}
	cand := resp.Candidates[0]
	if cand == nil || cand.Content == nil {
		return nil
	}
	for _, part := range cand.Content.Parts {
		if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
			continue
		}
		return &ports.ImageResponse{
			Data:     part.InlineData.Data,
			MimeType: part.InlineData.MIMEType,
		}
	}
	return nil
}
