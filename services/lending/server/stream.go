package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"collateralx/core/events"
	"collateralx/core/types"
)

const (
	wsWriteTimeout      = 10 * time.Second
	defaultStreamBuffer = 64
)

type streamMessage struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	EmittedAt  time.Time         `json:"emittedAt"`
}

type subscriber struct {
	account   string
	eventType string
	ch        chan []byte
}

func (s *subscriber) matches(evt *types.Event) bool {
	if s.eventType != "" && s.eventType != evt.Type {
		return false
	}
	if s.account == "" {
		return true
	}
	for _, value := range evt.Attributes {
		if strings.EqualFold(value, s.account) {
			return true
		}
	}
	return false
}

// Hub fans emitted events out to websocket subscribers. Emit never blocks:
// a subscriber whose buffer is full is disconnected.
type Hub struct {
	buffer int
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	subs map[*subscriber]struct{}

	onChange func(delta int)
}

// NewHub constructs a hub with buffer pending messages per subscriber.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		buffer: buffer,
		logger: logger,
		now:    time.Now,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	rendered := events.Render(evt)
	if rendered == nil {
		return
	}
	payload, err := json.Marshal(streamMessage{Type: rendered.Type, Attributes: rendered.Attributes, EmittedAt: h.now().UTC()})
	if err != nil {
		h.logger.Error("encode stream event", "type", rendered.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.matches(rendered) {
			continue
		}
		select {
		case sub.ch <- payload:
		default:
			h.logger.Warn("dropping slow stream subscriber", "account", sub.account)
			h.removeLocked(sub)
		}
	}
}

// Subscribers reports the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) subscribe(account, eventType string) *subscriber {
	sub := &subscriber{
		account:   strings.TrimSpace(account),
		eventType: strings.TrimSpace(eventType),
		ch:        make(chan []byte, h.buffer),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	if h.onChange != nil {
		h.onChange(1)
	}
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *subscriber) {
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
	if h.onChange != nil {
		h.onChange(-1)
	}
}

// ServeHTTP upgrades the request and streams matching events until the
// client disconnects or falls behind.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	account := strings.TrimSpace(query.Get("account"))
	if account != "" {
		addr, err := parseAddress(account)
		if err != nil {
			writeJSONError(w, toAPIError(err))
			return
		}
		account = addr.Hex()
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	sub := h.subscribe(account, query.Get("type"))
	defer h.unsubscribe(sub)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.ch:
			if !ok {
				_ = conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			if err := writeFrame(ctx, conn, payload); err != nil {
				if websocket.CloseStatus(err) == -1 {
					_ = conn.Close(websocket.StatusInternalError, "stream error")
				}
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}
