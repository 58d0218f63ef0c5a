package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shouni/go-variation-studio/pkg/domain"

	"golang.org/x/time/rate"
)

// Orchestrator はプロンプトごとに1回ずつ、順番に画像生成を依頼します。
// 1件の失敗で残りのプロンプトが中断されることはありません。
type Orchestrator struct {
	generator ImageGenerator
	limiter   *rate.Limiter
	recorder  Recorder
}

// Option は Orchestrator の任意設定です。
type Option func(*Orchestrator)

// WithRateInterval は生成呼び出しの最小間隔を設定します。0 以下なら制限しません。
func WithRateInterval(interval time.Duration) Option {
	return func(o *Orchestrator) {
		if interval <= 0 {
			o.limiter = nil
			return
		}
		o.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
}

// WithRecorder はメトリクス等の観測先を設定します。
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// NewOrchestrator は ImageGenerator を注入して Orchestrator を生成します。
func NewOrchestrator(generator ImageGenerator, opts ...Option) (*Orchestrator, error) {
	if generator == nil {
		return nil, fmt.Errorf("ImageGenerator は必須です")
	}
	o := &Orchestrator{generator: generator}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run は空白でないプロンプトそれぞれについて順番に生成を行い、最終的な結果を返します。
// 画像がない、またはプロンプトがすべて空白の場合は何もせず nil を返します。
// publish には初期化時、各プロンプトの完了時、終了時にそれぞれ Update が渡されます。
func (o *Orchestrator) Run(ctx context.Context, image *domain.SourceImage, prompts []domain.Prompt, publish PublishFunc) domain.Variations {
	if image == nil || image.Validate() != nil {
		return nil
	}
	targets := domain.FilterNonBlank(prompts)
	if len(targets) == 0 {
		return nil
	}
	if publish == nil {
		publish = func(Update) {}
	}

	variations := make(domain.Variations, len(targets))
	for i, p := range targets {
		variations[i] = domain.NewPendingVariation(p)
	}
	publish(Update{Variations: variations.Clone(), Generating: true})

	if o.recorder != nil {
		o.recorder.RunStarted(len(targets))
	}
	slog.InfoContext(ctx, "バリエーション生成を開始します", "prompts", len(targets), "image", image.Name)
	runStart := time.Now()

	for i, p := range targets {
		logger := slog.With("index", i+1, "prompt_id", p.ID)
		current := variations[i]

		start := time.Now()
		next := o.generateOne(ctx, *image, current)
		elapsed := time.Since(start)

		if msg, failed := next.ErrorMessage(); failed {
			logger.WarnContext(ctx, "バリエーション生成に失敗しました", "error", msg, "duration", elapsed.Round(time.Millisecond))
		} else {
			logger.InfoContext(ctx, "バリエーション生成が完了しました", "duration", elapsed.Round(time.Millisecond))
		}
		if o.recorder != nil {
			o.recorder.GenerationObserved(next.Status(), elapsed)
		}

		variations = variations.Replace(next)
		publish(Update{Variations: variations.Clone(), Generating: true})
	}

	succeeded := variations.Count(domain.StatusSucceeded)
	failed := variations.Count(domain.StatusFailed)
	if o.recorder != nil {
		o.recorder.RunFinished(succeeded, failed, time.Since(runStart))
	}
	slog.InfoContext(ctx, "バリエーション生成が終了しました",
		"succeeded", succeeded,
		"failed", failed,
		"duration", time.Since(runStart).Round(time.Millisecond))

	publish(Update{Variations: variations.Clone(), Generating: false})
	return variations
}

// generateOne は1件分の生成を行い、終端状態に遷移した結果を返します。
func (o *Orchestrator) generateOne(ctx context.Context, image domain.SourceImage, v domain.VariationResult) domain.VariationResult {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return v.Fail(fmt.Sprintf("rate limiter: %v", err))
		}
	}

	dataURI, err := o.generator.GenerateDataURI(ctx, image, v.Prompt)
	if err != nil {
		return v.Fail(errorMessage(err))
	}
	return v.Succeed(dataURI)
}

func errorMessage(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "An unknown error occurred."
}
