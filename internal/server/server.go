package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shouni/go-variation-studio/internal/config"
	"github.com/shouni/go-variation-studio/internal/metrics"
	"github.com/shouni/go-variation-studio/internal/studio"
	"github.com/shouni/go-variation-studio/pkg/domain"
	"github.com/shouni/go-variation-studio/pkg/sse"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Deps は Server の依存関係です。
// Runner が nil の場合、API キー未設定として生成系の API は 503 を返します。
type Deps struct {
	Config    *config.Config
	Runner    studio.Runner
	Collector *metrics.Collector
	Gatherer  prometheus.Gatherer
}

// Server は静的ファイル配信、スタジオ API、SSE を提供する HTTP サーバーです。
type Server struct {
	cfg       *config.Config
	runner    studio.Runner
	collector *metrics.Collector
	gatherer  prometheus.Gatherer
	store     *Store
	hub       *sse.Hub
	engine    *gin.Engine
}

// New は依存関係を検証して Server を組み立てます。
func New(d Deps) (*Server, error) {
	if d.Config == nil {
		return nil, fmt.Errorf("Config は必須です")
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:       d.Config,
		runner:    d.Runner,
		collector: d.Collector,
		gatherer:  d.Gatherer,
		hub:       sse.NewHub(),
	}

	store, err := NewStore(d.Config.SessionTTL, s.newStudio)
	if err != nil {
		return nil, err
	}
	store.OnEvicted(func(id string) {
		slog.Debug("スタジオが期限切れになりました", "studio_id", id)
		s.updateStudioGauge()
	})
	s.store = store
	s.engine = s.routes()
	return s, nil
}

// Handler は HTTP ハンドラーを返します。
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Hub は SSE ハブを返します。
func (s *Server) Hub() *sse.Hub {
	return s.hub
}

// Configured は生成に必要な設定が揃っているかを返します。
func (s *Server) Configured() bool {
	return s.runner != nil
}

// Run は SSE ハブと HTTP サーバーを起動し、ctx の終了でグレースフルに停止します。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		s.hub.Run(egCtx)
		return nil
	})
	eg.Go(func() error {
		slog.Info("Illustration Variation Studio を起動しました", "addr", srv.Addr, "configured", s.Configured())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP サーバーが異常終了しました: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("グレースフルシャットダウンに失敗しました: %w", err)
		}
		slog.Info("サーバーを停止しました")
		return nil
	})
	return eg.Wait()
}

// newStudio は Store から呼ばれるスタジオ生成関数です。
func (s *Server) newStudio(id string) (*studio.Studio, error) {
	if s.runner == nil {
		return nil, config.ErrMissingAPIKey
	}
	st, err := studio.New(id, s.runner, func(snap domain.Snapshot) {
		s.broadcast(snap)
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// broadcast はスナップショットを SSE 購読者に配信し、スタジオの期限を延長します。
func (s *Server) broadcast(snap domain.Snapshot) {
	s.store.Touch(snap.ID)
	data, err := json.Marshal(newEventSnapshot(snap))
	if err != nil {
		slog.Error("スナップショットのエンコードに失敗しました", "studio_id", snap.ID, "error", err)
		return
	}
	s.hub.Publish(snap.ID, data)
}

func (s *Server) updateStudioGauge() {
	if s.collector != nil {
		s.collector.SetStudiosActive(s.store.Count())
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)

	studios := api.Group("/studios", s.requireConfigured)
	studios.POST("", s.handleCreateStudio)
	studios.GET("/:id", s.withStudio(s.handleGetStudio))
	studios.PUT("/:id/image", s.withStudio(s.handlePutImage))
	studios.GET("/:id/image", s.withStudio(s.handleGetImage))
	studios.POST("/:id/prompts", s.withStudio(s.handleAddPrompt))
	studios.PATCH("/:id/prompts/:promptId", s.withStudio(s.handleUpdatePrompt))
	studios.DELETE("/:id/prompts/:promptId", s.withStudio(s.handleRemovePrompt))
	studios.POST("/:id/generate", s.withStudio(s.handleGenerate))
	studios.GET("/:id/variations/:vid/image", s.withStudio(s.handleGetVariationImage))
	studios.GET("/:id/events", s.withStudio(s.handleEvents))

	r.NoRoute(s.serveSPA)
	return r
}
