// Package ws streams PoE snapshots to WebSocket clients as they are
// published on the event bus.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/exaviz/poewatch/internal/poe"
	"github.com/exaviz/poewatch/pkg/models"
	"github.com/exaviz/poewatch/pkg/plugin"
)

// Compile-time check that Handler implements the server interface.
var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// Options configures the stream endpoint.
type Options struct {
	// OriginPatterns are the cross-origin hosts allowed to connect, in
	// websocket.AcceptOptions syntax. Same-origin is always allowed.
	OriginPatterns []string
	PingInterval   time.Duration
}

// Handler serves GET /api/v1/ws/snapshots.
type Handler struct {
	hub    *Hub
	opts   Options
	logger *zap.Logger
	unsubs []func()
}

// NewHandler creates the handler and subscribes it to the poe topics.
// bus may be nil, in which case clients only receive pings.
func NewHandler(bus plugin.EventBus, opts Options, logger *zap.Logger) *Handler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	h := &Handler{
		hub:    NewHub(logger),
		opts:   opts,
		logger: logger,
	}
	if bus != nil {
		h.unsubs = append(h.unsubs,
			bus.Subscribe(poe.TopicSnapshotUpdated, h.onSnapshot),
			bus.Subscribe(poe.TopicSnapshotFailed, h.onFailure),
		)
	}
	return h
}

// RegisterRoutes registers the stream route on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ws/snapshots", h.handleSnapshotStream)
}

// Close unsubscribes from the bus.
func (h *Handler) Close() {
	for _, unsub := range h.unsubs {
		unsub()
	}
	h.unsubs = nil
}

func (h *Handler) onSnapshot(_ context.Context, event plugin.Event) {
	snap, ok := event.Payload.(*models.Snapshot)
	if !ok || snap == nil {
		return
	}
	h.hub.Broadcast(Message{
		Type:      MessageSnapshot,
		EventID:   event.ID,
		Timestamp: event.Timestamp,
		Data:      snap,
	})
}

func (h *Handler) onFailure(_ context.Context, event plugin.Event) {
	msg, _ := event.Payload.(string)
	h.hub.Broadcast(Message{
		Type:      MessagePollFailed,
		EventID:   event.ID,
		Timestamp: event.Timestamp,
		Data:      PollFailedData{Error: msg},
	})
}

func (h *Handler) handleSnapshotStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:   conn,
		remote: r.RemoteAddr,
		send:   make(chan Message, sendBuffer),
		logger: h.logger,
	}
	h.hub.Register(client)

	ctx, cancel := context.WithCancel(r.Context())
	done := make(chan struct{})
	go func() {
		client.writePump(ctx, h.opts.PingInterval)
		// A failed write ends the read side too.
		cancel()
		close(done)
	}()

	client.readPump(ctx)

	cancel()
	h.hub.Unregister(client)
	<-done
	_ = conn.Close(websocket.StatusNormalClosure, "")
}
