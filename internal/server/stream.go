package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"dmecoord/internal/domain"
	"dmecoord/internal/events"
)

// DefaultStreamTopics is used when a stream request names no topics.
var DefaultStreamTopics = []string{
	"order.created",
	"order.approved",
	"task.created",
	"task.updated",
	"task.closed",
	"agent.completed",
	"patient.action",
	"inventory.forecast",
}

const wsWriteTimeout = 10 * time.Second

type streamOptions struct {
	heartbeat time.Duration
	queueSize int
	logger    *slog.Logger
}

func registerStreams(r chi.Router, basePath string, log *events.Log, opts streamOptions) {
	r.Get(path.Join(basePath, "events/stream"), sseHandler(log, opts))
	r.Get(path.Join(basePath, "events/ws"), wsHandler(log, opts))
}

// streamTopics reads repeated topic params first, then topics=a,b.
func streamTopics(q url.Values) []string {
	var out []string
	for _, v := range q["topic"] {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		out = splitCSV(q.Get("topics"))
	}
	if len(out) == 0 {
		out = append(out, DefaultStreamTopics...)
	}
	return out
}

func sseHandler(log *events.Log, opts streamOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}
		topics := streamTopics(r.URL.Query())
		queue, cancel := log.SubscribeQueue(topics, opts.queueSize)
		defer cancel()

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		timer := time.NewTimer(opts.heartbeat)
		defer timer.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case evt := <-queue.C():
				if err := writeSSE(w, evt); err != nil {
					opts.logger.Debug("sse write failed", "err", err)
					return
				}
				flusher.Flush()
			case <-timer.C:
				if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(opts.heartbeat)
		}
	}
}

func writeSSE(w http.ResponseWriter, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Topic, data)
	return err
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func wsHandler(log *events.Log, opts streamOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queue, cancel := log.SubscribeQueue(streamTopics(r.URL.Query()), opts.queueSize)
		defer cancel()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			opts.logger.Warn("websocket upgrade failed", "err", err)
			return
		}
		defer conn.Close()

		// The reader only exists to notice the client closing.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(opts.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-closed:
				return
			case <-r.Context().Done():
				return
			case evt := <-queue.C():
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(evt); err != nil {
					opts.logger.Debug("websocket write failed", "err", err)
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}
