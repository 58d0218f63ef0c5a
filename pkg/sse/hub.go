package sse

import (
	"context"
	"sync"
)

// Hub は topic ごとの SSE 購読者を管理します。
//
// 購読・解除・配信はすべて Run のゴルーチン内で直列に処理されます。
// 購読者のチャネルを閉じるのは購読者自身の責任で、Hub は送信のみを行います。
type Hub struct {
	topics map[string]map[chan []byte]struct{}

	subscribe   chan subscription
	unsubscribe chan subscription
	publish     chan topicMessage
	countReq    chan countRequest

	done     chan struct{}
	doneOnce sync.Once
}

type subscription struct {
	ch    chan []byte
	topic string
}

type topicMessage struct {
	topic string
	msg   []byte
}

type countRequest struct {
	topic string
	reply chan int
}

// NewHub は新しい Hub を返します。publish は短時間の集中に備えてバッファを持ちます。
func NewHub() *Hub {
	return &Hub{
		topics:      make(map[string]map[chan []byte]struct{}),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		publish:     make(chan topicMessage, 100),
		countReq:    make(chan countRequest),
		done:        make(chan struct{}),
	}
}

// Run は ctx が終了するまでイベントループを回します。
func (h *Hub) Run(ctx context.Context) {
	defer h.doneOnce.Do(func() { close(h.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-h.subscribe:
			subs, ok := h.topics[s.topic]
			if !ok {
				subs = make(map[chan []byte]struct{})
				h.topics[s.topic] = subs
			}
			subs[s.ch] = struct{}{}
		case s := <-h.unsubscribe:
			if subs, ok := h.topics[s.topic]; ok {
				delete(subs, s.ch)
				if len(subs) == 0 {
					delete(h.topics, s.topic)
				}
			}
		case tm := <-h.publish:
			for ch := range h.topics[tm.topic] {
				deliver(ch, tm.msg)
			}
		case req := <-h.countReq:
			req.reply <- len(h.topics[req.topic])
		}
	}
}

// deliver は ch に msg を送ります。バッファが埋まっている場合は最も古い未読メッセージを
// 捨ててから送り直すため、読み出しが遅い購読者にも最新のメッセージは必ず届きます。
// 配信するのは毎回スナップショット全体なので、古いものを捨てても状態は失われません。
func deliver(ch chan []byte, msg []byte) {
	select {
	case ch <- msg:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- msg:
	default:
	}
}

// Publish は topic の全購読者にメッセージを配信します。Hub 停止後は何もしません。
func (h *Hub) Publish(topic string, msg []byte) {
	select {
	case h.publish <- topicMessage{topic: topic, msg: msg}:
	case <-h.done:
	}
}

// Subscribe は ch を topic の購読者として登録します。
// ch にはバッファを持たせ、不要になったら Unsubscribe してください。
func (h *Hub) Subscribe(ch chan []byte, topic string) {
	select {
	case h.subscribe <- subscription{ch: ch, topic: topic}:
	case <-h.done:
	}
}

// Unsubscribe は ch の topic 購読を解除します。
func (h *Hub) Unsubscribe(ch chan []byte, topic string) {
	select {
	case h.unsubscribe <- subscription{ch: ch, topic: topic}:
	case <-h.done:
	}
}

// Subscribers は topic の購読者数を返します。
func (h *Hub) Subscribers(topic string) int {
	reply := make(chan int, 1)
	select {
	case h.countReq <- countRequest{topic: topic, reply: reply}:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Done は Run が終了したときに閉じられるチャネルを返します。
func (h *Hub) Done() <-chan struct{} {
	return h.done
}
