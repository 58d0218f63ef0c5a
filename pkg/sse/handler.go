package sse

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// InitialFunc は接続直後に送る1件目のイベントを作ります。
type InitialFunc func() ([]byte, error)

// Serve は topic を購読する SSE 接続を処理します。
// initial は購読の登録が済んでから呼ばれるため、その間の変更も取りこぼしません。
// 結果が空でなければ接続直後に1件目のイベントとして送信します。
func (h *Hub) Serve(c *gin.Context, topic string, initial InitialFunc) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "streaming unsupported")
		return
	}

	msgCh := make(chan []byte, 16)
	h.Subscribe(msgCh, topic)
	defer h.Unsubscribe(msgCh, topic)

	var first []byte
	if initial != nil {
		var err error
		if first, err = initial(); err != nil {
			c.String(http.StatusInternalServerError, "failed to build initial event")
			return
		}
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)

	// 一部のプロキシは最初のバイトが届くまで接続を保留する
	fmt.Fprint(c.Writer, ": connected\n\n")
	if len(first) > 0 {
		writeEvent(c.Writer, first)
	}
	flusher.Flush()

	notify := c.Request.Context().Done()
	for {
		select {
		case <-notify:
			return
		case <-h.Done():
			return
		case msg := <-msgCh:
			writeEvent(c.Writer, msg)
			flusher.Flush()
		}
	}
}

func writeEvent(w gin.ResponseWriter, msg []byte) {
	fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", msg)
}
