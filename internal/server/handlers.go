package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shouni/go-variation-studio/internal/config"
	"github.com/shouni/go-variation-studio/internal/studio"
	"github.com/shouni/go-variation-studio/pkg/domain"
	"github.com/shouni/go-variation-studio/pkg/generator"

	"github.com/gin-gonic/gin"
)

const studioKey = "studio"

var (
	errVariationNotFound = errors.New("variation not found")
	errVariationNoImage  = errors.New("variation has no image yet")
)

type promptRequest struct {
	Text string `json:"text"`
}

type updatePromptRequest struct {
	Text *string `json:"text" binding:"required"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// requireConfigured は API キー未設定時に 503 を返します。
func (s *Server) requireConfigured(c *gin.Context) {
	if s.runner == nil {
		abortWithError(c, http.StatusServiceUnavailable, config.ErrMissingAPIKey)
		return
	}
	c.Next()
}

// withStudio は :id のスタジオを取り出してからハンドラーを呼びます。
func (s *Server) withStudio(h func(c *gin.Context, st *studio.Studio)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		st, ok := s.store.Get(id)
		if !ok {
			abortWithError(c, http.StatusNotFound, fmt.Errorf("studio not found: %s", id))
			return
		}
		c.Set(studioKey, st.ID())
		h(c, st)
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"configured": s.Configured(),
		"model":      s.cfg.ImageModel,
	})
}

func (s *Server) handleCreateStudio(c *gin.Context) {
	st, err := s.store.Create()
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}
	s.updateStudioGauge()
	slog.InfoContext(c.Request.Context(), "スタジオを作成しました", "studio_id", st.ID())
	c.JSON(http.StatusCreated, st.Snapshot())
}

func (s *Server) handleGetStudio(c *gin.Context, st *studio.Studio) {
	c.JSON(http.StatusOK, st.Snapshot())
}

func (s *Server) handlePutImage(c *gin.Context, st *studio.Studio) {
	limit := s.cfg.MaxImageBytes
	// multipart のヘッダー分の余裕を持たせる
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+(1<<20))

	fh, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			abortWithError(c, http.StatusRequestEntityTooLarge, fmt.Errorf("image exceeds %d bytes", limit))
			return
		}
		abortWithError(c, http.StatusBadRequest, fmt.Errorf("image フィールドが必要です: %w", err))
		return
	}
	if fh.Size > limit {
		abortWithError(c, http.StatusRequestEntityTooLarge, fmt.Errorf("image exceeds %d bytes", limit))
		return
	}

	f, err := fh.Open()
	if err != nil {
		abortWithError(c, http.StatusBadRequest, fmt.Errorf("画像を開けませんでした: %w", err))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, fmt.Errorf("画像の読み込みに失敗しました: %w", err))
		return
	}

	mimeType := fh.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	// "image/png; charset=..." のようなパラメータは落とす
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	snap, err := st.SetImage(domain.SourceImage{
		Name:     fh.Filename,
		MimeType: mimeType,
		Data:     data,
	})
	if err != nil {
		writeStudioError(c, err)
		return
	}
	slog.InfoContext(c.Request.Context(), "元画像を設定しました",
		"studio_id", st.ID(), "name", fh.Filename, "mime_type", mimeType, "size", len(data))
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleGetImage(c *gin.Context, st *studio.Studio) {
	img := st.Image()
	if img == nil {
		abortWithError(c, http.StatusNotFound, errors.New("no source image"))
		return
	}
	c.Data(http.StatusOK, img.MimeType, img.Data)
}

func (s *Server) handleAddPrompt(c *gin.Context, st *studio.Studio) {
	var req promptRequest
	// 本文なしは空のプロンプト追加として扱う
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			abortWithError(c, http.StatusBadRequest, err)
			return
		}
	}
	_, snap, err := st.AddPrompt(req.Text)
	if err != nil {
		writeStudioError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (s *Server) handleUpdatePrompt(c *gin.Context, st *studio.Studio) {
	var req updatePromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, err)
		return
	}
	snap, err := st.UpdatePrompt(c.Param("promptId"), *req.Text)
	if err != nil {
		writeStudioError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleRemovePrompt(c *gin.Context, st *studio.Studio) {
	snap, err := st.RemovePrompt(c.Param("promptId"))
	if err != nil {
		writeStudioError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleGenerate(c *gin.Context, st *studio.Studio) {
	done, err := st.Start(c.Request.Context())
	if err != nil {
		writeStudioError(c, err)
		return
	}
	if done == nil {
		c.Status(http.StatusNoContent)
		return
	}
	slog.InfoContext(c.Request.Context(), "バリエーション生成を開始しました", "studio_id", st.ID())
	c.JSON(http.StatusAccepted, st.Snapshot())
}

// handleGetVariationImage は成功したバリエーションの画像を配信します。
func (s *Server) handleGetVariationImage(c *gin.Context, st *studio.Studio) {
	vid := c.Param("vid")
	var found *domain.VariationResult
	for _, v := range st.Snapshot().Variations {
		if v.ID == vid {
			found = &v
			break
		}
	}
	if found == nil {
		abortWithError(c, http.StatusNotFound, errVariationNotFound)
		return
	}
	data, ok := found.ImageData()
	if !ok {
		abortWithError(c, http.StatusNotFound, errVariationNoImage)
		return
	}

	etag := `"` + imageVersion(data) + `"`
	c.Header("ETag", etag)
	c.Header("Cache-Control", "private, no-cache")
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}

	img, err := generator.DecodeDataURI(data)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}
	c.Data(http.StatusOK, img.MimeType, img.Data)
}

func (s *Server) handleEvents(c *gin.Context, st *studio.Studio) {
	s.hub.Serve(c, st.ID(), func() ([]byte, error) {
		return json.Marshal(newEventSnapshot(st.Snapshot()))
	})
}

// writeStudioError はスタジオ操作のエラーを HTTP ステータスに対応付けます。
func writeStudioError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, studio.ErrRunInProgress):
		abortWithError(c, http.StatusConflict, err)
	case errors.Is(err, domain.ErrPromptNotFound):
		abortWithError(c, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrInvalidImage):
		abortWithError(c, http.StatusUnsupportedMediaType, err)
	default:
		abortWithError(c, http.StatusInternalServerError, err)
	}
}

func abortWithError(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "リクエストの処理に失敗しました",
			"path", c.Request.URL.Path, "status", status, "error", err)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error()})
}
