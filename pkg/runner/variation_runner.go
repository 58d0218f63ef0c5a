package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shouni/go-variation-studio/pkg/asset"
	"github.com/shouni/go-variation-studio/pkg/domain"
	"github.com/shouni/go-variation-studio/pkg/generator"

	"github.com/shouni/go-remote-io/remoteio"
)

// ErrNothingToGenerate は画像がない、またはプロンプトがすべて空白で生成が行われなかった場合に返されます。
var ErrNothingToGenerate = errors.New("nothing to generate: an image and at least one non-blank prompt are required")

// Session は VariationRunner が操作するスタジオの振る舞いです。
type Session interface {
	Snapshot() domain.Snapshot
	SetImage(img domain.SourceImage) (domain.Snapshot, error)
	AddPrompt(text string) (domain.Prompt, domain.Snapshot, error)
	UpdatePrompt(id, text string) (domain.Snapshot, error)
	Start(ctx context.Context) (<-chan struct{}, error)
}

// SavedVariation は保存に成功したバリエーションです。
type SavedVariation struct {
	Index  int
	Prompt string
	Path   string
}

// FailedVariation は生成に失敗したバリエーションです。
type FailedVariation struct {
	Index   int
	Prompt  string
	Message string
}

// Summary は1回の実行結果の要約です。
type Summary struct {
	Saved  []SavedVariation
	Failed []FailedVariation
}

// Total は処理したバリエーションの件数を返します。
func (s Summary) Total() int {
	return len(s.Saved) + len(s.Failed)
}

// VariationRunner は1回分のバリエーション生成を同期的に実行し、結果をファイルに保存するのだ。
type VariationRunner struct {
	session Session
	writer  remoteio.Writer
}

// NewVariationRunner は依存関係を注入して初期化します。
// writer にはローカルパスと gs:// 等の URI を振り分ける remoteio のストアを渡します。
func NewVariationRunner(session Session, writer remoteio.Writer) (*VariationRunner, error) {
	if session == nil {
		return nil, fmt.Errorf("Session は必須です")
	}
	if writer == nil {
		return nil, fmt.Errorf("remoteio.Writer は必須です")
	}
	return &VariationRunner{session: session, writer: writer}, nil
}

// Run は元画像とプロンプトをスタジオに設定し、生成の完了まで待って結果を返します。
func (r *VariationRunner) Run(ctx context.Context, image domain.SourceImage, prompts []string) (domain.Variations, error) {
	if _, err := r.session.SetImage(image); err != nil {
		return nil, fmt.Errorf("元画像の設定に失敗しました: %w", err)
	}
	if err := r.applyPrompts(prompts); err != nil {
		return nil, err
	}

	done, err := r.session.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("生成の開始に失敗しました: %w", err)
	}
	if done == nil {
		return nil, ErrNothingToGenerate
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return r.session.Snapshot().Variations, nil
}

// RunAndSave は生成を実行し、成功した画像を outputDir に連番で保存します。
// outputDir はローカルディレクトリか、writer が扱えるリモート URI (gs://bucket/prefix 等) です。
// 個々のプロンプトの失敗は Summary に記録され、エラーにはなりません。
func (r *VariationRunner) RunAndSave(ctx context.Context, image domain.SourceImage, prompts []string, outputDir string) (*Summary, error) {
	variations, err := r.Run(ctx, image, prompts)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	for i, v := range variations {
		index := i + 1
		if msg, ok := v.ErrorMessage(); ok {
			slog.WarnContext(ctx, "バリエーションの生成に失敗しました", "index", index, "prompt", v.Prompt, "error", msg)
			summary.Failed = append(summary.Failed, FailedVariation{Index: index, Prompt: v.Prompt, Message: msg})
			continue
		}
		uri, ok := v.ImageData()
		if !ok {
			continue
		}

		img, err := generator.DecodeDataURI(uri)
		if err != nil {
			return summary, fmt.Errorf("バリエーション %d の画像データが不正です: %w", index, err)
		}
		path, err := asset.VariationPath(outputDir, index, img.MimeType)
		if err != nil {
			return summary, err
		}

		slog.InfoContext(ctx, "バリエーション画像を保存しています", "index", index, "path", path)
		if err := r.writer.Write(ctx, path, bytes.NewReader(img.Data), remoteio.WithContentType(img.MimeType)); err != nil {
			return summary, fmt.Errorf("バリエーション %d の保存に失敗しました (path: %s): %w", index, path, err)
		}
		summary.Saved = append(summary.Saved, SavedVariation{Index: index, Prompt: v.Prompt, Path: path})
	}
	return summary, nil
}

// applyPrompts はスタジオのプロンプトリストを prompts の内容に揃えます。
// 新しいスタジオは既定のプロンプトを1件持つため、先頭はその書き換えになります。
func (r *VariationRunner) applyPrompts(prompts []string) error {
	if len(prompts) == 0 {
		return nil
	}
	current := r.session.Snapshot().Prompts
	for i, text := range prompts {
		if i < len(current) {
			if _, err := r.session.UpdatePrompt(current[i].ID, text); err != nil {
				return fmt.Errorf("プロンプト %d の設定に失敗しました: %w", i+1, err)
			}
			continue
		}
		if _, _, err := r.session.AddPrompt(text); err != nil {
			return fmt.Errorf("プロンプト %d の追加に失敗しました: %w", i+1, err)
		}
	}
	return nil
}
