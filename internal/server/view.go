package server

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/shouni/go-variation-studio/pkg/domain"

	"github.com/cespare/xxhash/v2"
)

// eventSnapshot は SSE で配信するスナップショットです。
// 画像本体は含めず、バリエーションごとの画像 URL だけを載せます。
type eventSnapshot struct {
	ID           string            `json:"id"`
	Image        *domain.ImageInfo `json:"image"`
	Prompts      []domain.Prompt   `json:"prompts"`
	Variations   []eventVariation  `json:"variations"`
	IsGenerating bool              `json:"isGenerating"`
	CanGenerate  bool              `json:"canGenerate"`
}

type eventVariation struct {
	ID        string                 `json:"id"`
	Prompt    string                 `json:"prompt"`
	Status    domain.VariationStatus `json:"status"`
	IsPending bool                   `json:"isPending"`
	ImageURL  *string                `json:"imageUrl"`
	Error     *string                `json:"error"`
}

func newEventSnapshot(snap domain.Snapshot) eventSnapshot {
	vs := make([]eventVariation, len(snap.Variations))
	for i, v := range snap.Variations {
		ev := eventVariation{
			ID:        v.ID,
			Prompt:    v.Prompt,
			Status:    v.Status(),
			IsPending: v.IsPending(),
		}
		if data, ok := v.ImageData(); ok {
			u := variationImageURL(snap.ID, v.ID, data)
			ev.ImageURL = &u
		}
		if msg, ok := v.ErrorMessage(); ok {
			ev.Error = &msg
		}
		vs[i] = ev
	}
	return eventSnapshot{
		ID:           snap.ID,
		Image:        snap.Image,
		Prompts:      snap.Prompts,
		Variations:   vs,
		IsGenerating: snap.IsGenerating,
		CanGenerate:  snap.CanGenerate,
	}
}

// variationImageURL はバリエーション画像の取得 URL を返します。
// 同じ ID でも再生成で中身が変わるため、v に内容のハッシュを付けます。
func variationImageURL(studioID, variationID, imageData string) string {
	return fmt.Sprintf("/api/studios/%s/variations/%s/image?v=%s",
		url.PathEscape(studioID), url.PathEscape(variationID), imageVersion(imageData))
}

func imageVersion(imageData string) string {
	return strconv.FormatUint(xxhash.Sum64String(imageData), 16)
}
