package server

import (
	"errors"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

const indexFile = "index.html"

// serveSPA は DistDir 配下のファイルを返し、該当しない GET は index.html にフォールバックします。
func (s *Server) serveSPA(c *gin.Context) {
	p := c.Request.URL.Path
	if p == "/api" || strings.HasPrefix(p, "/api/") {
		abortWithError(c, http.StatusNotFound, errors.New("not found"))
		return
	}
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		abortWithError(c, http.StatusNotFound, errors.New("not found"))
		return
	}

	// path.Clean で ".." を除去してから DistDir に閉じ込める
	rel := strings.TrimPrefix(path.Clean("/"+p), "/")
	if rel != "" {
		file := filepath.Join(s.cfg.DistDir, filepath.FromSlash(rel))
		if serveFile(c, file) {
			return
		}
	}

	if !serveFile(c, filepath.Join(s.cfg.DistDir, indexFile)) {
		abortWithError(c, http.StatusInternalServerError, errors.New("index.html is not available"))
	}
}

// serveFile は通常ファイルであれば内容を返して true を返します。
// http.ServeFile は index.html へのリダイレクトを行うため ServeContent を直接使います。
func serveFile(c *gin.Context, name string) bool {
	f, err := os.Open(name)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return false
	}
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
	return true
}
