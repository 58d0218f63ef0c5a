package generator

import "errors"

// ErrNoImageProduced はレスポンスに画像パートが含まれなかった場合のエラーです。
// モデルがリクエストを拒否した場合やテキストのみを返した場合に発生します。
var ErrNoImageProduced = errors.New("no image produced")

// GenerationError は1回の画像生成の失敗を表します。
// Error() は原因となったエラーのメッセージをそのまま返します。
type GenerationError struct {
	Model string
	Err   error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return "generation failed"
	}
	return e.Err.Error()
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
