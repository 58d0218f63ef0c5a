package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// DefaultPromptText は新しいスタジオに最初から入っているプロンプトです。
const DefaultPromptText = "A vibrant, pop-art version"

// ErrPromptNotFound は指定された ID のプロンプトが存在しない場合に返されます。
var ErrPromptNotFound = errors.New("prompt not found")

// Prompt はユーザーが入力したバリエーションの指示文と、その安定した識別子です。
type Prompt struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// NewPrompt は新しい ID を払い出して Prompt を生成します。
func NewPrompt(text string) Prompt {
	return Prompt{ID: uuid.NewString(), Text: text}
}

// IsBlank は前後の空白を除いたテキストが空かどうかを返します。
func (p Prompt) IsBlank() bool {
	return strings.TrimSpace(p.Text) == ""
}

// PromptList は編集可能なプロンプトの順序付きリストです。
// 常に1件以上のプロンプトを保持します。
type PromptList struct {
	items []Prompt
}

// NewPromptList はデフォルトのプロンプトを1件だけ持つリストを返します。
func NewPromptList() *PromptList {
	return &PromptList{items: []Prompt{NewPrompt(DefaultPromptText)}}
}

// Len はプロンプトの件数を返します。
func (l *PromptList) Len() int {
	return len(l.items)
}

// Items はプロンプトのコピーを返します。
func (l *PromptList) Items() []Prompt {
	out := make([]Prompt, len(l.items))
	copy(out, l.items)
	return out
}

// Add は末尾にプロンプトを追加し、追加したプロンプトを返します。
func (l *PromptList) Add(text string) Prompt {
	p := NewPrompt(text)
	l.items = append(l.items, p)
	return p
}

// Update は ID が一致するプロンプトのテキストを置き換えます。
func (l *PromptList) Update(id, text string) error {
	i := l.indexOf(id)
	if i < 0 {
		return ErrPromptNotFound
	}
	l.items[i].Text = text
	return nil
}

// Remove は ID が一致するプロンプトを削除します。
// 最後の1件は削除せず false を返します。
func (l *PromptList) Remove(id string) (bool, error) {
	i := l.indexOf(id)
	if i < 0 {
		return false, ErrPromptNotFound
	}
	if len(l.items) <= 1 {
		return false, nil
	}
	l.items = append(l.items[:i], l.items[i+1:]...)
	return true, nil
}

// NonBlank は空白でないプロンプトだけを元の順序のまま返します。
func (l *PromptList) NonBlank() []Prompt {
	return FilterNonBlank(l.items)
}

// AllBlank はすべてのプロンプトが空白かどうかを返します。
func (l *PromptList) AllBlank() bool {
	return len(l.NonBlank()) == 0
}

func (l *PromptList) indexOf(id string) int {
	for i, p := range l.items {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// FilterNonBlank は空白のプロンプトを除外したスライスを返します。
func FilterNonBlank(prompts []Prompt) []Prompt {
	out := make([]Prompt, 0, len(prompts))
	for _, p := range prompts {
		if !p.IsBlank() {
			out = append(out, p)
		}
	}
	return out
}
