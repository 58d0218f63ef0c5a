package domain

import "encoding/json"

// VariationStatus は VariationResult の状態を表す識別子です。
type VariationStatus string

const (
	StatusPending   VariationStatus = "pending"
	StatusSucceeded VariationStatus = "succeeded"
	StatusFailed    VariationStatus = "failed"
)

// VariationState は Pending / Succeeded / Failed のいずれかです。
// 実装はこのパッケージ内の3型に限られます。
type VariationState interface {
	Status() VariationStatus
	sealed()
}

// Pending は生成待ちの状態です。
type Pending struct{}

// Succeeded は生成に成功し、画像の data URI を保持する状態です。
type Succeeded struct {
	ImageData string
}

// Failed は生成に失敗し、表示用のメッセージを保持する状態です。
type Failed struct {
	Message string
}

func (Pending) Status() VariationStatus   { return StatusPending }
func (Succeeded) Status() VariationStatus { return StatusSucceeded }
func (Failed) Status() VariationStatus    { return StatusFailed }

func (Pending) sealed()   {}
func (Succeeded) sealed() {}
func (Failed) sealed()    {}

// VariationResult はプロンプト1件分の生成結果です。
// ID は元になった Prompt.ID と一致し、Prompt は実行開始時点のテキストです。
type VariationResult struct {
	ID     string
	Prompt string
	State  VariationState
}

// NewPendingVariation はプロンプトから生成待ちの結果を作ります。
func NewPendingVariation(p Prompt) VariationResult {
	return VariationResult{ID: p.ID, Prompt: p.Text, State: Pending{}}
}

// Succeed は成功状態へ遷移した結果を返します。
func (v VariationResult) Succeed(imageData string) VariationResult {
	v.State = Succeeded{ImageData: imageData}
	return v
}

// Fail は失敗状態へ遷移した結果を返します。
func (v VariationResult) Fail(message string) VariationResult {
	v.State = Failed{Message: message}
	return v
}

// Status は現在の状態を返します。State が未設定の場合は pending とみなします。
func (v VariationResult) Status() VariationStatus {
	if v.State == nil {
		return StatusPending
	}
	return v.State.Status()
}

// IsPending は生成待ちかどうかを返します。
func (v VariationResult) IsPending() bool {
	return v.Status() == StatusPending
}

// ImageData は成功時の data URI を返します。
func (v VariationResult) ImageData() (string, bool) {
	s, ok := v.State.(Succeeded)
	return s.ImageData, ok
}

// ErrorMessage は失敗時のメッセージを返します。
func (v VariationResult) ErrorMessage() (string, bool) {
	f, ok := v.State.(Failed)
	return f.Message, ok
}

type variationJSON struct {
	ID        string          `json:"id"`
	Prompt    string          `json:"prompt"`
	Status    VariationStatus `json:"status"`
	IsPending bool            `json:"isPending"`
	ImageData *string         `json:"imageData"`
	Error     *string         `json:"error"`
}

// MarshalJSON はビューが扱いやすい isPending / imageData / error 形式で出力します。
func (v VariationResult) MarshalJSON() ([]byte, error) {
	out := variationJSON{
		ID:        v.ID,
		Prompt:    v.Prompt,
		Status:    v.Status(),
		IsPending: v.IsPending(),
	}
	if data, ok := v.ImageData(); ok {
		out.ImageData = &data
	}
	if msg, ok := v.ErrorMessage(); ok {
		out.Error = &msg
	}
	return json.Marshal(out)
}

// Variations は VariationResult の順序付き集合です。
type Variations []VariationResult

// Replace は ID が一致する要素を置き換えた新しいスライスを返します。
func (vs Variations) Replace(updated VariationResult) Variations {
	out := make(Variations, len(vs))
	for i, v := range vs {
		if v.ID == updated.ID {
			out[i] = updated
			continue
		}
		out[i] = v
	}
	return out
}

// Clone はスライスのコピーを返します。
func (vs Variations) Clone() Variations {
	if vs == nil {
		return nil
	}
	out := make(Variations, len(vs))
	copy(out, vs)
	return out
}

// AnyPending は生成待ちの要素が残っているかどうかを返します。
func (vs Variations) AnyPending() bool {
	for _, v := range vs {
		if v.IsPending() {
			return true
		}
	}
	return false
}

// Count は指定した状態の要素数を返します。
func (vs Variations) Count(status VariationStatus) int {
	n := 0
	for _, v := range vs {
		if v.Status() == status {
			n++
		}
	}
	return n
}
