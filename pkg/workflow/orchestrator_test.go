package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shouni/go-variation-studio/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// fakeGenerator は呼び出し順を記録し、プロンプトごとの失敗を再現します。
type fakeGenerator struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeGenerator) GenerateDataURI(_ context.Context, _ domain.SourceImage, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, prompt)
	if err := f.fail[prompt]; err != nil {
		return "", err
	}
	return "data:image/png;base64," + prompt, nil
}

type recordingRecorder struct {
	started   int
	finished  bool
	succeeded int
	failed    int
	observed  []domain.VariationStatus
}

func (r *recordingRecorder) RunStarted(prompts int) { r.started = prompts }
func (r *recordingRecorder) RunFinished(succeeded, failed int, _ time.Duration) {
	r.finished = true
	r.succeeded = succeeded
	r.failed = failed
}
func (r *recordingRecorder) GenerationObserved(status domain.VariationStatus, _ time.Duration) {
	r.observed = append(r.observed, status)
}

var sourceImage = &domain.SourceImage{Name: "art.png", MimeType: "image/png", Data: []byte("png")}

func prompts(texts ...string) []domain.Prompt {
	out := make([]domain.Prompt, len(texts))
	for i, text := range texts {
		out[i] = domain.Prompt{ID: fmt.Sprintf("id-%d", i), Text: text}
	}
	return out
}

func newTestOrchestrator(t *testing.T, gen ImageGenerator, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(gen, opts...)
	require.NoError(t, err)
	return o
}

func TestOrchestrator_Run_SinglePrompt(t *testing.T) {
	gen := &fakeGenerator{}
	o := newTestOrchestrator(t, gen)

	var updates []Update
	result := o.Run(context.Background(), sourceImage, prompts("pop-art version"), func(u Update) {
		updates = append(updates, u)
	})

	require.Len(t, result, 1)
	data, ok := result[0].ImageData()
	require.True(t, ok)
	assert.Equal(t, "data:image/png;base64,pop-art version", data)
	_, hasErr := result[0].ErrorMessage()
	assert.False(t, hasErr)

	require.Len(t, updates, 3)
	assert.True(t, updates[0].Generating)
	assert.True(t, updates[0].Variations[0].IsPending())
	assert.True(t, updates[1].Generating)
	assert.False(t, updates[1].Variations[0].IsPending())
	assert.False(t, updates[2].Generating)
}

func TestOrchestrator_Run_NoOp(t *testing.T) {
	t.Run("すべて空白なら何もしないこと", func(t *testing.T) {
		gen := &fakeGenerator{}
		o := newTestOrchestrator(t, gen)
		published := false

		result := o.Run(context.Background(), sourceImage, prompts("", "  "), func(Update) { published = true })

		assert.Nil(t, result)
		assert.False(t, published)
		assert.Empty(t, gen.calls)
	})

	t.Run("画像がなければ何もしないこと", func(t *testing.T) {
		gen := &fakeGenerator{}
		o := newTestOrchestrator(t, gen)
		published := false

		result := o.Run(context.Background(), nil, prompts("p1"), func(Update) { published = true })

		assert.Nil(t, result)
		assert.False(t, published)
		assert.Empty(t, gen.calls)
	})
}

func TestOrchestrator_Run_PartialFailure(t *testing.T) {
	gen := &fakeGenerator{fail: map[string]error{"p1": errors.New("no image produced")}}
	rec := &recordingRecorder{}
	o := newTestOrchestrator(t, gen, WithRecorder(rec))

	var updates []Update
	result := o.Run(context.Background(), sourceImage, prompts("p1", "p2"), func(u Update) {
		updates = append(updates, u)
	})

	require.Len(t, result, 2)
	assert.Equal(t, "id-0", result[0].ID)
	msg, ok := result[0].ErrorMessage()
	require.True(t, ok)
	assert.Equal(t, "no image produced", msg)
	_, ok = result[1].ImageData()
	assert.True(t, ok)

	assert.Equal(t, []string{"p1", "p2"}, gen.calls)

	// p1 の失敗は p2 の完了より前に公開されているのだ
	require.Len(t, updates, 4)
	assert.Equal(t, domain.StatusFailed, updates[1].Variations[0].Status())
	assert.Equal(t, domain.StatusPending, updates[1].Variations[1].Status())

	assert.Equal(t, 2, rec.started)
	assert.True(t, rec.finished)
	assert.Equal(t, 1, rec.succeeded)
	assert.Equal(t, 1, rec.failed)
	assert.Equal(t, []domain.VariationStatus{domain.StatusFailed, domain.StatusSucceeded}, rec.observed)
}

func TestOrchestrator_Run_RateLimiterFailureDoesNotAbort(t *testing.T) {
	gen := &fakeGenerator{}
	o := newTestOrchestrator(t, gen, WithRateInterval(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	result := o.Run(ctx, sourceImage, prompts("a", "b"), nil)

	require.Len(t, result, 2)
	assert.False(t, result.AnyPending())
	// 最初のトークンは即時に取得でき、次の待機は期限を超えるので a だけが呼ばれるのだ
	assert.Equal(t, []string{"a"}, gen.calls)
	assert.Equal(t, domain.StatusFailed, result[1].Status())
}

func TestNewOrchestrator_RequiresGenerator(t *testing.T) {
	_, err := NewOrchestrator(nil)
	assert.Error(t, err)
}

func TestOrchestrator_Run_Properties(t *testing.T) {
	textGen := rapid.OneOf(
		rapid.SampledFrom([]string{"", " ", "\t", "  \n"}),
		rapid.StringMatching(`[a-z]{1,8}`),
	)

	rapid.Check(t, func(t *rapid.T) {
		texts := rapid.SliceOfN(textGen, 1, 8).Draw(t, "texts")
		input := prompts(texts...)

		fail := map[string]error{}
		for _, p := range input {
			if !p.IsBlank() && rapid.Bool().Draw(t, "fail_"+p.ID) {
				fail[p.Text] = errors.New("boom " + p.Text)
			}
		}
		gen := &fakeGenerator{fail: fail}
		o, err := NewOrchestrator(gen)
		if err != nil {
			t.Fatal(err)
		}

		var updates []Update
		result := o.Run(context.Background(), sourceImage, input, func(u Update) { updates = append(updates, u) })

		want := domain.FilterNonBlank(input)
		if len(want) == 0 {
			if result != nil || len(updates) != 0 || len(gen.calls) != 0 {
				t.Fatalf("blank prompts must be a no-op")
			}
			return
		}

		if len(result) != len(want) {
			t.Fatalf("got %d results, want %d", len(result), len(want))
		}
		for i, p := range want {
			if result[i].ID != p.ID {
				t.Fatalf("order mismatch at %d", i)
			}
			if !updates[0].Variations[i].IsPending() {
				t.Fatalf("initial entry %d not pending", i)
			}
			_, hasImage := result[i].ImageData()
			_, hasErr := result[i].ErrorMessage()
			if fail[p.Text] != nil {
				if !hasErr || hasImage {
					t.Fatalf("entry %d should have failed", i)
				}
			} else if !hasImage || hasErr {
				t.Fatalf("entry %d should have succeeded", i)
			}
			if strings.TrimSpace(gen.calls[i]) == "" {
				t.Fatalf("blank prompt reached the generator")
			}
		}
		if len(updates) != len(want)+2 || updates[len(updates)-1].Generating {
			t.Fatalf("unexpected update sequence")
		}
		if result.AnyPending() {
			t.Fatalf("pending entry left after run")
		}
	})
}
