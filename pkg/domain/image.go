package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidImage はアップロードされたファイルが画像として扱えない場合に返されます。
var ErrInvalidImage = errors.New("invalid source image")

// SourceImage はバリエーション生成の元になる画像です。
// 一度取り込んだ後は変更しません。
type SourceImage struct {
	Name     string
	MimeType string
	Data     []byte
}

// Validate は画像データと MIME タイプを検証します。
func (img *SourceImage) Validate() error {
	if img == nil || len(img.Data) == 0 {
		return fmt.Errorf("%w: empty image data", ErrInvalidImage)
	}
	if !strings.HasPrefix(img.MimeType, "image/") {
		return fmt.Errorf("%w: unsupported mime type %q", ErrInvalidImage, img.MimeType)
	}
	return nil
}

// Info はビュー向けの画像メタデータを返します。
func (img *SourceImage) Info() *ImageInfo {
	if img == nil {
		return nil
	}
	return &ImageInfo{
		Name:     img.Name,
		MimeType: img.MimeType,
		Size:     len(img.Data),
	}
}

// ImageInfo は画像本体を含まないメタデータです。
type ImageInfo struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int    `json:"size"`
}
