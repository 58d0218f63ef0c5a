package workflow

import (
	"context"
	"time"

	"github.com/shouni/go-variation-studio/pkg/domain"
)

// ImageGenerator は画像1枚とプロンプト1件から data URI を1つ生成する責務を持ちます。
type ImageGenerator interface {
	GenerateDataURI(ctx context.Context, image domain.SourceImage, prompt string) (string, error)
}

// Recorder は実行と各生成呼び出しの結果を観測します。
type Recorder interface {
	RunStarted(prompts int)
	RunFinished(succeeded, failed int, elapsed time.Duration)
	GenerationObserved(status domain.VariationStatus, elapsed time.Duration)
}

// Update はオーケストレーターが発行する状態の1単位です。
// Variations は毎回完全なコピーで、Generating は実行中かどうかを表します。
type Update struct {
	Variations domain.Variations
	Generating bool
}

// PublishFunc は Update を受け取るコールバックです。
type PublishFunc func(Update)
