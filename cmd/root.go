package cmd

import (
	"log/slog"
	"os"
	"strings"

	"github.com/shouni/go-variation-studio/internal/config"

	"github.com/spf13/cobra"
)

var (
	// opts はコマンドラインから受け取った実行時パラメータなのだ。
	opts config.Options
	// appCfg は preRunAppE で読み込んだ設定なのだ。
	appCfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "variation-studio",
	Short: "1枚の画像から、プロンプトごとのバリエーションを Gemini で生成するのだ。",
	Long: `元画像とテキストプロンプトのリストから、プロンプトごとに1枚ずつ
バリエーション画像を生成するのだ。serve で Web スタジオを、generate で CLI 実行を行うのだよ。`,
	SilenceUsage:      true,
	PersistentPreRunE: preRunAppE,
}

// addAppFlags は、アプリケーション全般に適用されるグローバルフラグを定義するのだ。
func addAppFlags(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "デバッグログを出力するのだ。")
}

// preRunAppE は、コマンド実行前に設定を読み込んでロガーを設定するのだ。
func preRunAppE(cmd *cobra.Command, args []string) error {
	appCfg = loadConfig(cmd)
	slog.SetDefault(newLogger(appCfg.LogFormat, opts.Verbose))
	return nil
}

// newLogger は LOG_FORMAT に応じたハンドラーで slog.Logger を作るのだ。
func newLogger(format string, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	return slog.New(handler)
}

// loadConfig は環境変数の設定にフラグの値を重ねるのだ。
func loadConfig(cmd *cobra.Command) *config.Config {
	cfg := config.LoadConfig()
	cfg.Options = opts
	if cmd.Flags().Changed("port") {
		cfg.Port = servePort
	}
	if cmd.Flags().Changed("dist-dir") {
		cfg.DistDir = serveDistDir
	}
	return cfg
}

// Execute は、アプリケーションのメインエントリポイントなのだ。
// main.go から呼び出されて、cobra のコマンドライン解析を開始するのだよ。
func Execute() {
	addAppFlags(rootCmd)
	rootCmd.AddCommand(serveCmd, generateCmd)
	if err := rootCmd.Execute(); err != nil {
		slog.Error("コマンドの実行に失敗しました", "error", err)
		os.Exit(1)
	}
}
