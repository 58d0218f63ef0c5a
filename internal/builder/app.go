package builder

import (
	"github.com/shouni/go-variation-studio/internal/config"
	"github.com/shouni/go-variation-studio/internal/metrics"
	"github.com/shouni/go-variation-studio/pkg/workflow"

	"github.com/prometheus/client_golang/prometheus"
)

// AppContext は、アプリケーション実行に必要な共通コンテキストを保持する
// これを各Build関数に渡すことで、依存関係の注入を簡素化します。
type AppContext struct {
	Config    *config.Config      // Configは、環境変数とフラグから組み立てられた設定です。
	Options   config.Options      // Optionsは、コマンドラインから渡された実行時の設定です。
	Registry  *prometheus.Registry // Registryは、/metrics で公開するメトリクスの登録先です。
	Collector *metrics.Collector  // Collectorは、生成処理のメトリクスを記録します。
	generator workflow.ImageGenerator
}

// NewAppContext は AppContext の新しいインスタンスを生成する
func NewAppContext(cfg *config.Config, reg *prometheus.Registry, collector *metrics.Collector, gen workflow.ImageGenerator) AppContext {
	return AppContext{
		Config:    cfg,
		Options:   cfg.Options,
		Registry:  reg,
		Collector: collector,
		generator: gen,
	}
}

// Configured は画像生成クライアントが用意できているかを返します。
func (a *AppContext) Configured() bool {
	return a.generator != nil
}
