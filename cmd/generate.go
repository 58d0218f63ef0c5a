package cmd

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/shouni/go-variation-studio/internal/builder"
	"github.com/shouni/go-variation-studio/internal/config"
	"github.com/shouni/go-variation-studio/pkg/domain"

	"github.com/spf13/cobra"
)

// generateCmd は、1枚の画像からプロンプトごとのバリエーションを生成して保存するのだ。
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "画像のバリエーションを生成してファイルに保存するのだ。",
	Long: `--image で指定した画像を元に、--prompt ごとに1枚ずつバリエーションを生成するのだ。
成功した画像は --output-dir に variation_<n>.<ext> として保存されるのだよ。`,
	RunE: generateCommand,
}

func init() {
	generateCmd.Flags().StringVarP(&opts.ImagePath, "image", "i", "", "元画像のパスなのだ。")
	generateCmd.Flags().StringArrayVarP(&opts.Prompts, "prompt", "p", nil, "バリエーションのプロンプトなのだ（複数指定可）。")
	generateCmd.Flags().StringVarP(&opts.OutputDir, "output-dir", "o", config.DefaultOutputDir, "生成画像の保存先なのだ（ローカルディレクトリまたは gs://bucket/prefix）。")
	_ = generateCmd.MarkFlagRequired("image")
}

func generateCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// 1. 必須チェック（API 呼び出しより前に構成エラーを返すのだ）
	if err := appCfg.Validate(); err != nil {
		return err
	}
	image, err := readSourceImage(opts.ImagePath)
	if err != nil {
		return err
	}

	// 2. 依存関係を組み立てるのだ
	appCtx, err := builder.BuildAppContext(ctx, appCfg, true)
	if err != nil {
		return fmt.Errorf("アプリケーションの初期化に失敗したのだ: %w", err)
	}
	store, closeStore, err := builder.BuildOutputStore(ctx, opts.OutputDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			slog.Warn("出力ストアのクローズに失敗したのだ", "error", err)
		}
	}()
	r, err := builder.BuildVariationRunner(appCtx, store)
	if err != nil {
		return err
	}

	slog.Info("バリエーション生成を起動するのだ！",
		"image", image.Name,
		"prompts", len(opts.Prompts),
		"image_model", appCfg.ImageModel,
		"output", opts.OutputDir)

	// 3. 実行して保存するのだ
	summary, err := r.RunAndSave(ctx, *image, opts.Prompts, opts.OutputDir)
	if err != nil {
		return fmt.Errorf("バリエーション生成中にエラーが発生したのだ: %w", err)
	}

	for _, s := range summary.Saved {
		slog.Info("保存したのだ", "index", s.Index, "prompt", s.Prompt, "path", s.Path)
	}
	for _, f := range summary.Failed {
		slog.Warn("生成できなかったのだ", "index", f.Index, "prompt", f.Prompt, "error", f.Message)
	}
	slog.Info("すべての生成工程が完了したのだ！",
		"total", summary.Total(),
		"saved", len(summary.Saved),
		"failed", len(summary.Failed))
	return nil
}

// readSourceImage はローカルの画像ファイルを読み込み、MIME タイプを判定するのだ。
func readSourceImage(path string) (*domain.SourceImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("元画像の読み込みに失敗しました: %w", err)
	}
	img := &domain.SourceImage{
		Name:     filepath.Base(path),
		MimeType: http.DetectContentType(data),
		Data:     data,
	}
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("元画像が不正です (path: %s): %w", path, err)
	}
	return img, nil
}
