package studio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shouni/go-variation-studio/pkg/domain"
	"github.com/shouni/go-variation-studio/pkg/workflow"
)

// ErrRunInProgress は生成中に状態を変更しようとした場合に返されます。
var ErrRunInProgress = errors.New("a generation run is already in progress")

// Runner は Studio が利用する Orchestrator の振る舞いです。
type Runner interface {
	Run(ctx context.Context, image *domain.SourceImage, prompts []domain.Prompt, publish workflow.PublishFunc) domain.Variations
}

// ChangeFunc は状態が変わるたびにスナップショットを受け取るコールバックです。
type ChangeFunc func(domain.Snapshot)

// Studio は1セッション分の元画像、プロンプト、生成結果、生成中フラグを保持します。
// 生成結果を書き換えるのは実行中の Orchestrator だけです。
type Studio struct {
	id       string
	runner   Runner
	onChange ChangeFunc

	mu         sync.Mutex
	image      *domain.SourceImage
	prompts    *domain.PromptList
	variations domain.Variations
	generating bool
}

// New は空のスタジオを生成します。onChange は nil でも構いません。
func New(id string, runner Runner, onChange ChangeFunc) (*Studio, error) {
	if runner == nil {
		return nil, fmt.Errorf("Runner は必須です")
	}
	if onChange == nil {
		onChange = func(domain.Snapshot) {}
	}
	return &Studio{
		id:         id,
		runner:     runner,
		onChange:   onChange,
		prompts:    domain.NewPromptList(),
		variations: domain.Variations{},
	}, nil
}

// ID はスタジオの識別子を返します。
func (s *Studio) ID() string {
	return s.id
}

// Snapshot は現在の状態のコピーを返します。
func (s *Studio) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Image は元画像を返します。未設定なら nil です。
func (s *Studio) Image() *domain.SourceImage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.image
}

// IsGenerating は生成中かどうかを返します。
func (s *Studio) IsGenerating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generating
}

// SetImage は元画像を差し替え、前回までの生成結果を破棄します。
func (s *Studio) SetImage(img domain.SourceImage) (domain.Snapshot, error) {
	if err := img.Validate(); err != nil {
		return domain.Snapshot{}, err
	}
	return s.mutate(func() error {
		s.image = &img
		s.variations = domain.Variations{}
		return nil
	})
}

// AddPrompt は空のプロンプト（または指定テキスト）を末尾に追加します。
func (s *Studio) AddPrompt(text string) (domain.Prompt, domain.Snapshot, error) {
	var added domain.Prompt
	snap, err := s.mutate(func() error {
		added = s.prompts.Add(text)
		return nil
	})
	return added, snap, err
}

// UpdatePrompt はプロンプトのテキストを書き換えます。
func (s *Studio) UpdatePrompt(id, text string) (domain.Snapshot, error) {
	return s.mutate(func() error {
		return s.prompts.Update(id, text)
	})
}

// RemovePrompt はプロンプトを削除します。最後の1件の場合は何も変わりません。
func (s *Studio) RemovePrompt(id string) (domain.Snapshot, error) {
	return s.mutate(func() error {
		_, err := s.prompts.Remove(id)
		return err
	})
}

// Start は生成を非同期に開始し、終了時に閉じられるチャネルを返します。
// 画像がない、またはプロンプトがすべて空白の場合は何もせず (nil, nil) を返します。
// すでに生成中の場合は ErrRunInProgress を返します。
func (s *Studio) Start(ctx context.Context) (<-chan struct{}, error) {
	s.mu.Lock()
	if s.generating {
		s.mu.Unlock()
		return nil, ErrRunInProgress
	}
	if s.image == nil || s.prompts.AllBlank() {
		s.mu.Unlock()
		return nil, nil
	}
	s.generating = true
	image := s.image
	prompts := s.prompts.Items()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.onChange(snap)

	done := make(chan struct{})
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		defer s.finish()
		s.runner.Run(runCtx, image, prompts, s.apply)
	}()
	return done, nil
}

// apply は Orchestrator からの Update を反映します。
func (s *Studio) apply(u workflow.Update) {
	s.mu.Lock()
	s.variations = u.Variations.Clone()
	s.generating = u.Generating
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.onChange(snap)
}

// finish は Runner が Update を発行せずに戻った場合でも生成中フラグを確実に下ろします。
func (s *Studio) finish() {
	s.mu.Lock()
	if !s.generating {
		s.mu.Unlock()
		return
	}
	s.generating = false
	snap := s.snapshotLocked()
	s.mu.Unlock()

	slog.Warn("生成中フラグが残っていたため解除しました", "studio_id", s.id)
	s.onChange(snap)
}

func (s *Studio) mutate(fn func() error) (domain.Snapshot, error) {
	s.mu.Lock()
	if s.generating {
		s.mu.Unlock()
		return domain.Snapshot{}, ErrRunInProgress
	}
	if err := fn(); err != nil {
		s.mu.Unlock()
		return domain.Snapshot{}, err
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.onChange(snap)
	return snap, nil
}

func (s *Studio) snapshotLocked() domain.Snapshot {
	prompts := s.prompts.Items()
	return domain.Snapshot{
		ID:           s.id,
		Image:        s.image.Info(),
		Prompts:      prompts,
		Variations:   s.variations.Clone(),
		IsGenerating: s.generating,
		CanGenerate:  domain.CanGenerate(s.image != nil, prompts, s.generating),
	}
}
