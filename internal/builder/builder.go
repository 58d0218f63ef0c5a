package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shouni/go-variation-studio/internal/config"
	"github.com/shouni/go-variation-studio/internal/metrics"
	"github.com/shouni/go-variation-studio/internal/server"
	"github.com/shouni/go-variation-studio/internal/studio"
	"github.com/shouni/go-variation-studio/pkg/generator"
	"github.com/shouni/go-variation-studio/pkg/runner"
	"github.com/shouni/go-variation-studio/pkg/workflow"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shouni/go-remote-io/remoteio"
	"github.com/shouni/go-remote-io/remoteio/gcs"
	"github.com/shouni/go-utils/urlpath"
)

// BuildAppContext は設定からメトリクスと画像生成クライアントを組み立てます。
// requireKey が false の場合、API キー未設定でも生成クライアントなしで続行します。
func BuildAppContext(ctx context.Context, cfg *config.Config, requireKey bool) (*AppContext, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := metrics.NewCollector(config.MetricsNamespace, reg)
	if err != nil {
		return nil, fmt.Errorf("メトリクスの初期化に失敗しました: %w", err)
	}

	var gen workflow.ImageGenerator
	if err := cfg.Validate(); err != nil {
		if requireKey || !errors.Is(err, config.ErrMissingAPIKey) {
			return nil, err
		}
		slog.WarnContext(ctx, "API キーが設定されていないため、生成機能は無効です", "error", err)
	} else {
		gen, err = InitializeImageGenerator(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	appCtx := NewAppContext(cfg, reg, collector, gen)
	return &appCtx, nil
}

// InitializeImageGenerator は Gemini の画像生成クライアントを初期化します。
func InitializeImageGenerator(ctx context.Context, cfg *config.Config) (*generator.GeminiGenerator, error) {
	gen, err := generator.New(ctx, generator.Config{
		APIKey: cfg.GeminiAPIKey,
		Model:  cfg.ImageModel,
	})
	if err != nil {
		return nil, fmt.Errorf("GeminiGeneratorの初期化に失敗したのだ: %w", err)
	}
	return gen, nil
}

// BuildOrchestrator はレート制限とメトリクスを設定した Orchestrator を構築します。
func BuildOrchestrator(appCtx *AppContext) (*workflow.Orchestrator, error) {
	if !appCtx.Configured() {
		return nil, config.ErrMissingAPIKey
	}
	return workflow.NewOrchestrator(
		appCtx.generator,
		workflow.WithRateInterval(appCtx.Config.RateInterval),
		workflow.WithRecorder(appCtx.Collector),
	)
}

// BuildServer は HTTP サーバーを構築します。未設定の場合は生成系 API が 503 を返すサーバーになります。
func BuildServer(appCtx *AppContext) (*server.Server, error) {
	deps := server.Deps{
		Config:    appCtx.Config,
		Collector: appCtx.Collector,
		Gatherer:  appCtx.Registry,
	}
	if appCtx.Configured() {
		orch, err := BuildOrchestrator(appCtx)
		if err != nil {
			return nil, err
		}
		deps.Runner = orch
	}
	srv, err := server.New(deps)
	if err != nil {
		return nil, fmt.Errorf("サーバーの初期化に失敗しました: %w", err)
	}
	return srv, nil
}

// BuildOutputStore は出力先に応じた remoteio.Store を構築します。
// gs:// の場合は GCS ハンドラを登録し、それ以外はローカルのみを扱うストアになります。
// 返り値の close は、使い終わったら必ず呼び出してください。
func BuildOutputStore(ctx context.Context, outputDir string) (remoteio.Store, func() error, error) {
	if !urlpath.IsGCSURI(outputDir) {
		return remoteio.NewStore(), func() error { return nil }, nil
	}

	factory, err := gcs.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("GCS クライアントの初期化に失敗しました: %w", err)
	}
	store, err := factory.Store()
	if err != nil {
		_ = factory.Close()
		return nil, nil, fmt.Errorf("GCS ストアの取得に失敗しました: %w", err)
	}
	return store, factory.Close, nil
}

// BuildVariationRunner は CLI 用に1スタジオ分の VariationRunner を構築します。
func BuildVariationRunner(appCtx *AppContext, writer remoteio.Writer) (*runner.VariationRunner, error) {
	orch, err := BuildOrchestrator(appCtx)
	if err != nil {
		return nil, err
	}
	st, err := studio.New("cli", orch, nil)
	if err != nil {
		return nil, fmt.Errorf("スタジオの初期化に失敗しました: %w", err)
	}
	return runner.NewVariationRunner(st, writer)
}
