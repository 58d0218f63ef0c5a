// Package metrics はバリエーション生成の Prometheus メトリクスを収集します。
package metrics

import (
	"time"

	"github.com/shouni/go-variation-studio/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector は workflow.Recorder を実装するメトリクス収集器です。
type Collector struct {
	runsTotal          prometheus.Counter
	runsInProgress     prometheus.Gauge
	runDuration        prometheus.Histogram
	generationsTotal   *prometheus.CounterVec
	generationDuration prometheus.Histogram
	studiosActive      prometheus.Gauge
}

// NewCollector は namespace 付きのメトリクスを生成し、reg に登録します。
func NewCollector(namespace string, reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		runsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of variation runs started",
		}),
		runsInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_progress",
			Help:      "Number of variation runs currently in progress",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Variation run duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		generationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Total number of image generation calls by outcome",
		}, []string{"status"}),
		generationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Image generation call duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		studiosActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "studios_active",
			Help:      "Number of studio sessions held in memory",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.runsTotal,
		c.runsInProgress,
		c.runDuration,
		c.generationsTotal,
		c.generationDuration,
		c.studiosActive,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RunStarted は実行開始を記録します。
func (c *Collector) RunStarted(int) {
	c.runsTotal.Inc()
	c.runsInProgress.Inc()
}

// RunFinished は実行終了を記録します。
func (c *Collector) RunFinished(_, _ int, elapsed time.Duration) {
	c.runsInProgress.Dec()
	c.runDuration.Observe(elapsed.Seconds())
}

// GenerationObserved は生成呼び出し1回分の結果を記録します。
func (c *Collector) GenerationObserved(status domain.VariationStatus, elapsed time.Duration) {
	c.generationsTotal.WithLabelValues(string(status)).Inc()
	c.generationDuration.Observe(elapsed.Seconds())
}

// SetStudiosActive はメモリ上のスタジオ数を設定します。
func (c *Collector) SetStudiosActive(n int) {
	c.studiosActive.Set(float64(n))
}
