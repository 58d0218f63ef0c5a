package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shouni/go-utils/envutil"
)

// デフォルト値の定義なのだ
const (
	DefaultImageModel    = "gemini-2.5-flash-image-preview"
	DefaultPort          = "8080"
	DefaultDistDir       = "dist"
	DefaultRateInterval  = 0 * time.Second
	DefaultSessionTTL    = 1 * time.Hour
	DefaultMaxImageBytes = 20 << 20
	DefaultOutputDir     = "output/variations"
	DefaultLogFormat     = "text"
	MetricsNamespace     = "variation_studio"
)

// ErrMissingAPIKey は Gemini の API キーが設定されていない場合の構成エラーです。
var ErrMissingAPIKey = errors.New("API key not found: set GEMINI_API_KEY (or API_KEY)")

// Config はアプリケーション全体の環境設定を保持する構造体なのだ。
type Config struct {
	GeminiAPIKey  string
	ImageModel    string
	Port          string
	DistDir       string
	RateInterval  time.Duration
	SessionTTL    time.Duration
	MaxImageBytes int64
	LogFormat     string

	Options Options
}

// Options は CLI フラグから渡される実行時のパラメータなのだ。
type Options struct {
	// 共通
	Verbose bool // --verbose

	// generate コマンド
	ImagePath string   // --image
	Prompts   []string // --prompt
	OutputDir string   // --output-dir
}

// LoadConfig は .env と環境変数から設定を読み込み、構造体を返すのだ！
func LoadConfig() *Config {
	if err := godotenv.Load(); err == nil {
		slog.Debug(".env を読み込みました")
	}

	return &Config{
		GeminiAPIKey:  envutil.GetEnv("GEMINI_API_KEY", envutil.GetEnv("API_KEY", "")),
		ImageModel:    envutil.GetEnv("IMAGE_GEMINI_MODEL", DefaultImageModel),
		Port:          envutil.GetEnv("PORT", DefaultPort),
		DistDir:       envutil.GetEnv("DIST_DIR", DefaultDistDir),
		RateInterval:  durationEnv("RATE_INTERVAL", DefaultRateInterval),
		SessionTTL:    durationEnv("SESSION_TTL", DefaultSessionTTL),
		MaxImageBytes: int64Env("MAX_IMAGE_BYTES", DefaultMaxImageBytes),
		LogFormat:     envutil.GetEnv("LOG_FORMAT", DefaultLogFormat),
	}
}

// Validate は生成に必須の設定が揃っているかを確認するのだ。
func (c *Config) Validate() error {
	if c.GeminiAPIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// Addr は HTTP サーバーの待ち受けアドレスを返すのだ。
func (c *Config) Addr() string {
	return fmt.Sprintf(":%s", c.Port)
}

func durationEnv(key string, def time.Duration) time.Duration {
	raw := envutil.GetEnv(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("期間の形式が不正なためデフォルト値を使います", "key", key, "value", raw, "default", def)
		return def
	}
	return d
}

func int64Env(key string, def int64) int64 {
	raw := envutil.GetEnv(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		slog.Warn("数値の形式が不正なためデフォルト値を使います", "key", key, "value", raw, "default", def)
		return def
	}
	return n
}
