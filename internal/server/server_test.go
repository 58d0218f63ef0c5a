package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shouni/go-variation-studio/internal/config"
	"github.com/shouni/go-variation-studio/internal/metrics"
	"github.com/shouni/go-variation-studio/pkg/domain"
	"github.com/shouni/go-variation-studio/pkg/workflow"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type fakeGenerator struct {
	mu      sync.Mutex
	release chan struct{}
	fail    map[string]bool
}

func (g *fakeGenerator) GenerateDataURI(_ context.Context, _ domain.SourceImage, prompt string) (string, error) {
	if g.release != nil {
		<-g.release
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail[prompt] {
		return "", errors.New("no image produced")
	}
	return "data:image/png;base64,b2s=", nil
}

type snapshotBody struct {
	ID    string `json:"id"`
	Image *struct {
		Name     string `json:"name"`
		MimeType string `json:"mimeType"`
		Size     int    `json:"size"`
	} `json:"image"`
	Prompts    []domain.Prompt `json:"prompts"`
	Variations []struct {
		ID        string  `json:"id"`
		Status    string  `json:"status"`
		IsPending bool    `json:"isPending"`
		ImageData *string `json:"imageData"`
		ImageURL  *string `json:"imageUrl"`
		Error     *string `json:"error"`
	} `json:"variations"`
	IsGenerating bool `json:"isGenerating"`
	CanGenerate  bool `json:"canGenerate"`
}

type testEnv struct {
	srv  *Server
	gen  *fakeGenerator
	dist string
	reg  *prometheus.Registry
}

func newTestEnv(t *testing.T, configured bool) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dist := t.TempDir()
	cfg := &config.Config{
		ImageModel:    config.DefaultImageModel,
		Port:          config.DefaultPort,
		DistDir:       dist,
		SessionTTL:    time.Hour,
		MaxImageBytes: 1024,
	}

	reg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector("test", reg)
	require.NoError(t, err)

	gen := &fakeGenerator{fail: map[string]bool{}}
	deps := Deps{Config: cfg, Collector: collector, Gatherer: reg}
	if configured {
		orch, err := workflow.NewOrchestrator(gen, workflow.WithRecorder(collector))
		require.NoError(t, err)
		deps.Runner = orch
	}
	srv, err := New(deps)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Hub().Run(ctx)

	return &testEnv{srv: srv, gen: gen, dist: dist, reg: reg}
}

func (e *testEnv) do(t *testing.T, method, target string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) createStudio(t *testing.T) snapshotBody {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/studios", nil, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeSnapshot(t, w)
}

func (e *testEnv) uploadImage(t *testing.T, id string, data []byte, mimeType string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="image"; filename="cat.png"`)
	if mimeType != "" {
		h.Set("Content-Type", mimeType)
	}
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return e.do(t, http.MethodPut, "/api/studios/"+id+"/image", buf.Bytes(), mw.FormDataContentType())
}

// snapshot は Eventually の条件内から呼べるよう require を使わずに取得します。
func (e *testEnv) snapshot(id string) snapshotBody {
	req := httptest.NewRequest(http.MethodGet, "/api/studios/"+id, nil)
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	var snap snapshotBody
	_ = json.Unmarshal(w.Body.Bytes(), &snap)
	return snap
}

func decodeSnapshot(t *testing.T, w *httptest.ResponseRecorder) snapshotBody {
	t.Helper()
	var snap snapshotBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap), w.Body.String())
	return snap
}

func TestServer_Status(t *testing.T) {
	t.Run("API キーがあれば configured になるのだ", func(t *testing.T) {
		env := newTestEnv(t, true)
		w := env.do(t, http.MethodGet, "/api/status", nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"configured":true,"model":"gemini-2.5-flash-image-preview"}`, w.Body.String())
	})

	t.Run("API キーがなければ studio 系は 503 なのだ", func(t *testing.T) {
		env := newTestEnv(t, false)
		w := env.do(t, http.MethodGet, "/api/status", nil, "")
		assert.Contains(t, w.Body.String(), `"configured":false`)

		w = env.do(t, http.MethodPost, "/api/studios", nil, "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "API key not found")
	})

	t.Run("healthz と metrics は常に応答するのだ", func(t *testing.T) {
		env := newTestEnv(t, false)
		assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil, "").Code)
		w := env.do(t, http.MethodGet, "/metrics", nil, "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "test_studios_active")
	})
}

func TestServer_StudioLifecycle(t *testing.T) {
	env := newTestEnv(t, true)
	env.gen.fail["second"] = true

	snap := env.createStudio(t)
	require.Len(t, snap.Prompts, 1)
	assert.Equal(t, domain.DefaultPromptText, snap.Prompts[0].Text)
	assert.False(t, snap.CanGenerate)
	id := snap.ID

	w := env.uploadImage(t, id, pngBytes, "image/png")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snap = decodeSnapshot(t, w)
	require.NotNil(t, snap.Image)
	assert.Equal(t, "cat.png", snap.Image.Name)
	assert.True(t, snap.CanGenerate)

	w = env.do(t, http.MethodGet, "/api/studios/"+id+"/image", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, pngBytes, w.Body.Bytes())

	w = env.do(t, http.MethodPost, "/api/studios/"+id+"/prompts", []byte(`{"text":"second"}`), "application/json")
	require.Equal(t, http.StatusCreated, w.Code)
	snap = decodeSnapshot(t, w)
	require.Len(t, snap.Prompts, 2)

	w = env.do(t, http.MethodPost, "/api/studios/"+id+"/generate", nil, "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		s := env.snapshot(id)
		return !s.IsGenerating && len(s.Variations) == 2
	}, 2*time.Second, 10*time.Millisecond)

	snap = decodeSnapshot(t, env.do(t, http.MethodGet, "/api/studios/"+id, nil, ""))
	assert.Equal(t, "succeeded", snap.Variations[0].Status)
	require.NotNil(t, snap.Variations[0].ImageData)
	assert.Equal(t, "data:image/png;base64,b2s=", *snap.Variations[0].ImageData)
	assert.Equal(t, "failed", snap.Variations[1].Status)
	require.NotNil(t, snap.Variations[1].Error)
	assert.Equal(t, "no image produced", *snap.Variations[1].Error)

	t.Run("成功したバリエーションの画像を取得できるのだ", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/studios/"+id+"/variations/"+snap.Variations[0].ID+"/image", nil, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
		assert.Equal(t, "ok", w.Body.String())

		etag := w.Header().Get("ETag")
		require.NotEmpty(t, etag)
		req := httptest.NewRequest(http.MethodGet, "/api/studios/"+id+"/variations/"+snap.Variations[0].ID+"/image", nil)
		req.Header.Set("If-None-Match", etag)
		rec := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotModified, rec.Code)
	})

	t.Run("画像のないバリエーションと未知の ID は 404 なのだ", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/studios/"+id+"/variations/"+snap.Variations[1].ID+"/image", nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		w = env.do(t, http.MethodGet, "/api/studios/"+id+"/variations/nope/image", nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestNewEventSnapshot(t *testing.T) {
	data := "data:image/png;base64,b2s="
	snap := domain.Snapshot{
		ID: "s1",
		Variations: domain.Variations{
			domain.NewPendingVariation(domain.Prompt{ID: "p1", Text: "sepia"}).Succeed(data),
			domain.NewPendingVariation(domain.Prompt{ID: "p2", Text: "noir"}).Fail("no image produced"),
			domain.NewPendingVariation(domain.Prompt{ID: "p3", Text: "pop"}),
		},
	}

	raw, err := json.Marshal(newEventSnapshot(snap))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "base64", "画像本体はイベントに載せないのだ")

	var body snapshotBody
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Len(t, body.Variations, 3)

	require.NotNil(t, body.Variations[0].ImageURL)
	assert.Equal(t, "/api/studios/s1/variations/p1/image?v="+imageVersion(data), *body.Variations[0].ImageURL)
	assert.Nil(t, body.Variations[0].ImageData)

	assert.Nil(t, body.Variations[1].ImageURL)
	require.NotNil(t, body.Variations[1].Error)
	assert.Equal(t, "no image produced", *body.Variations[1].Error)

	assert.True(t, body.Variations[2].IsPending)
	assert.Nil(t, body.Variations[2].ImageURL)

	t.Run("画像が変われば URL も変わるのだ", func(t *testing.T) {
		assert.NotEqual(t, imageVersion(data), imageVersion("data:image/png;base64,bmc="))
	})
}

func TestServer_PromptEditing(t *testing.T) {
	env := newTestEnv(t, true)
	snap := env.createStudio(t)
	id := snap.ID
	promptID := snap.Prompts[0].ID

	t.Run("PATCH でテキストを書き換えるのだ", func(t *testing.T) {
		w := env.do(t, http.MethodPatch, "/api/studios/"+id+"/prompts/"+promptID, []byte(`{"text":"noir"}`), "application/json")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "noir", decodeSnapshot(t, w).Prompts[0].Text)
	})

	t.Run("空文字への書き換えも許されるのだ", func(t *testing.T) {
		w := env.do(t, http.MethodPatch, "/api/studios/"+id+"/prompts/"+promptID, []byte(`{"text":""}`), "application/json")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "", decodeSnapshot(t, w).Prompts[0].Text)
	})

	t.Run("text キーがなければ 400 なのだ", func(t *testing.T) {
		w := env.do(t, http.MethodPatch, "/api/studios/"+id+"/prompts/"+promptID, []byte(`{}`), "application/json")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("存在しないプロンプトは 404 なのだ", func(t *testing.T) {
		w := env.do(t, http.MethodPatch, "/api/studios/"+id+"/prompts/missing", []byte(`{"text":"x"}`), "application/json")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("最後の1件は削除しても残るのだ", func(t *testing.T) {
		w := env.do(t, http.MethodDelete, "/api/studios/"+id+"/prompts/"+promptID, nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decodeSnapshot(t, w).Prompts, 1)
	})

	t.Run("本文なしの追加は空のプロンプトになるのだ", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/studios/"+id+"/prompts", nil, "")
		require.Equal(t, http.StatusCreated, w.Code)
		s := decodeSnapshot(t, w)
		require.Len(t, s.Prompts, 2)
		assert.Equal(t, "", s.Prompts[1].Text)

		w = env.do(t, http.MethodDelete, "/api/studios/"+id+"/prompts/"+s.Prompts[1].ID, nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decodeSnapshot(t, w).Prompts, 1)
	})
}

func TestServer_GenerateStatusCodes(t *testing.T) {
	t.Run("画像がなければ 204 なのだ", func(t *testing.T) {
		env := newTestEnv(t, true)
		id := env.createStudio(t).ID
		w := env.do(t, http.MethodPost, "/api/studios/"+id+"/generate", nil, "")
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("プロンプトがすべて空白なら 204 なのだ", func(t *testing.T) {
		env := newTestEnv(t, true)
		snap := env.createStudio(t)
		require.Equal(t, http.StatusOK, env.uploadImage(t, snap.ID, pngBytes, "image/png").Code)
		env.do(t, http.MethodPatch, "/api/studios/"+snap.ID+"/prompts/"+snap.Prompts[0].ID, []byte(`{"text":"   "}`), "application/json")

		w := env.do(t, http.MethodPost, "/api/studios/"+snap.ID+"/generate", nil, "")
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("生成中の再実行と編集は 409 なのだ", func(t *testing.T) {
		env := newTestEnv(t, true)
		env.gen.release = make(chan struct{})
		snap := env.createStudio(t)
		require.Equal(t, http.StatusOK, env.uploadImage(t, snap.ID, pngBytes, "image/png").Code)

		require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/api/studios/"+snap.ID+"/generate", nil, "").Code)
		assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/studios/"+snap.ID+"/generate", nil, "").Code)
		assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/studios/"+snap.ID+"/prompts", nil, "").Code)
		assert.Equal(t, http.StatusConflict, env.uploadImage(t, snap.ID, pngBytes, "image/png").Code)

		close(env.gen.release)
		require.Eventually(t, func() bool {
			return !env.snapshot(snap.ID).IsGenerating
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestServer_ImageUpload(t *testing.T) {
	env := newTestEnv(t, true)
	id := env.createStudio(t).ID

	t.Run("Content-Type がなければ中身から判定するのだ", func(t *testing.T) {
		w := env.uploadImage(t, id, pngBytes, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "image/png", decodeSnapshot(t, w).Image.MimeType)
	})

	t.Run("画像以外は 415 なのだ", func(t *testing.T) {
		w := env.uploadImage(t, id, []byte("hello"), "text/plain")
		assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	})

	t.Run("上限を超えると 413 なのだ", func(t *testing.T) {
		w := env.uploadImage(t, id, bytes.Repeat([]byte{0x89}, 2048), "image/png")
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("image フィールドがなければ 400 なのだ", func(t *testing.T) {
		w := env.do(t, http.MethodPut, "/api/studios/"+id+"/image", nil, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestServer_UnknownStudio(t *testing.T) {
	env := newTestEnv(t, true)
	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/api/studios/nope"},
		{http.MethodGet, "/api/studios/nope/image"},
		{http.MethodPost, "/api/studios/nope/generate"},
		{http.MethodGet, "/api/studios/nope/events"},
		{http.MethodGet, "/api/studios/nope/variations/v1/image"},
	} {
		w := env.do(t, tc.method, tc.path, nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code, tc.path)
	}
}

func TestServer_SPAFallback(t *testing.T) {
	env := newTestEnv(t, false)
	require.NoError(t, os.WriteFile(filepath.Join(env.dist, "index.html"), []byte("<html>studio</html>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(env.dist, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.dist, "assets", "app.js"), []byte("console.log(1)"), 0o644))

	t.Run("実在するファイルはそのまま返すのだ", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/assets/app.js", nil, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "console.log(1)", w.Body.String())
	})

	t.Run("未知のルートは index.html になるのだ", func(t *testing.T) {
		for _, p := range []string{"/", "/studio/123", "/../../etc/passwd"} {
			w := env.do(t, http.MethodGet, p, nil, "")
			require.Equal(t, http.StatusOK, w.Code, p)
			assert.Equal(t, "<html>studio</html>", w.Body.String(), p)
		}
	})

	t.Run("未知の API は JSON の 404 なのだ", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/unknown", nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	})

	t.Run("index.html がなければ 500 なのだ", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(env.dist, "index.html")))
		w := env.do(t, http.MethodGet, "/anything", nil, "")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestServer_Events(t *testing.T) {
	env := newTestEnv(t, true)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	snap := env.createStudio(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/studios/"+snap.ID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan snapshotBody, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var s snapshotBody
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &s) == nil {
				events <- s
			}
		}
		close(events)
	}()

	select {
	case first := <-events:
		assert.Equal(t, snap.ID, first.ID)
	case <-ctx.Done():
		t.Fatal("初期スナップショットが届かないのだ")
	}

	// 購読が登録されてから変更を加える
	require.Eventually(t, func() bool {
		return env.srv.Hub().Subscribers(snap.ID) == 1
	}, 2*time.Second, 10*time.Millisecond)
	env.do(t, http.MethodPost, "/api/studios/"+snap.ID+"/prompts", []byte(`{"text":"sepia"}`), "application/json")

	select {
	case next := <-events:
		require.Len(t, next.Prompts, 2)
		assert.Equal(t, "sepia", next.Prompts[1].Text)
	case <-ctx.Done():
		t.Fatal("変更が配信されないのだ")
	}
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}
