package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shouni/go-variation-studio/internal/builder"
	"github.com/shouni/go-variation-studio/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var (
	servePort    string
	serveDistDir string
)

// serveCmd は、Web スタジオを配信する HTTP サーバーを起動するのだ。
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Web スタジオを起動するのだ。",
	Long: `ビルド済みの SPA とスタジオ API を配信するのだ。
API キーが未設定でも起動はして、画面に設定エラーを表示できるようにするのだよ。`,
	RunE: serveCommand,
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", config.DefaultPort, "待ち受けポートなのだ（環境変数 PORT より優先）。")
	serveCmd.Flags().StringVar(&serveDistDir, "dist-dir", config.DefaultDistDir, "配信する静的ファイルのディレクトリなのだ（環境変数 DIST_DIR より優先）。")
}

func serveCommand(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !opts.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	appCtx, err := builder.BuildAppContext(ctx, appCfg, false)
	if err != nil {
		return fmt.Errorf("アプリケーションの初期化に失敗したのだ: %w", err)
	}
	srv, err := builder.BuildServer(appCtx)
	if err != nil {
		return err
	}

	slog.Info("スタジオサーバーを起動するのだ！",
		"port", appCfg.Port,
		"dist_dir", appCfg.DistDir,
		"image_model", appCfg.ImageModel,
		"rate_interval", appCfg.RateInterval,
		"session_ttl", appCfg.SessionTTL)

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("サーバーの実行中にエラーが発生したのだ: %w", err)
	}
	return nil
}
