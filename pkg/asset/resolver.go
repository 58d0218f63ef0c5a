package asset

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shouni/go-utils/urlpath"
)

const (
	// DefaultVariationBaseName はバリエーション画像の共通のベース名です。
	DefaultVariationBaseName = "variation"
	// DefaultExtension は MIME タイプから拡張子を決められない場合の拡張子です。
	DefaultExtension = ".png"
)

// variationFileRegex はバリエーション画像 (variation_1.png 等) に一致します
var variationFileRegex = regexp.MustCompile(
	fmt.Sprintf(`^%s_\d+\.[a-z]+$`, regexp.QuoteMeta(DefaultVariationBaseName)),
)

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"image/heic": ".heic",
	"image/heif": ".heif",
}

// ExtensionForMime は画像の MIME タイプに対応する拡張子を返します。
// 未知のタイプは DefaultExtension になります。
func ExtensionForMime(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if ext, ok := extensions[mt]; ok {
		return ext
	}
	return DefaultExtension
}

// ResolvePath は、ベースとなるディレクトリパスとファイル名から、
// GCS/ローカルを考慮した最終的な出力パスを生成します。
func ResolvePath(baseDir, fileName string) (string, error) {
	return urlpath.ResolvePath(baseDir, fileName)
}

// GenerateIndexedPath は、指定されたベースパスの拡張子の前に連番を挿入します。
// 例: "out/variation.png", 1 -> "out/variation_1.png"
func GenerateIndexedPath(basePath string, index int) (string, error) {
	return urlpath.GenerateIndexedPath(basePath, index)
}

// VariationPath は outputDir 配下の n 番目 (1 始まり) のバリエーション画像のパスを返します。
func VariationPath(outputDir string, index int, mimeType string) (string, error) {
	base, err := ResolvePath(outputDir, DefaultVariationBaseName+ExtensionForMime(mimeType))
	if err != nil {
		return "", fmt.Errorf("出力パスの解決に失敗しました: %w", err)
	}
	p, err := GenerateIndexedPath(base, index)
	if err != nil {
		return "", fmt.Errorf("バリエーション %d の出力パス生成に失敗しました: %w", index, err)
	}
	if !IsVariationFile(p) {
		return "", fmt.Errorf("バリエーションのファイル名になっていません: %s", p)
	}
	return p, nil
}

// IsVariationFile は、パスの末尾がバリエーション画像のファイル名かどうかを返します。
// ローカルパスとリモート URI のどちらでも、最後の "/" 以降だけを見ます。
func IsVariationFile(p string) bool {
	name := p
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		name = p[i+1:]
	}
	return variationFileRegex.MatchString(name)
}
