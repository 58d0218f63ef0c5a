package domain

// Snapshot はスタジオの状態を読み取り専用で写し取ったものです。
type Snapshot struct {
	ID           string     `json:"id"`
	Image        *ImageInfo `json:"image"`
	Prompts      []Prompt   `json:"prompts"`
	Variations   Variations `json:"variations"`
	IsGenerating bool       `json:"isGenerating"`
	CanGenerate  bool       `json:"canGenerate"`
}

// CanGenerate は生成ボタンを押せる状態かどうかを判定します。
func CanGenerate(hasImage bool, prompts []Prompt, generating bool) bool {
	return hasImage && !generating && len(FilterNonBlank(prompts)) > 0
}
