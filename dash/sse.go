// ABOUTME: SSE delivery: single-topic endpoints and the multiplexed stream with per-connection throttling.
// ABOUTME: Each connection runs PREAMBLE then a STREAMING loop with keepalive comments while idle.
package dash

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	reconnectHintMillis = 2000
	idlePoll            = 150 * time.Millisecond
	sseBatchLimit       = 512
)

// batchPayload is the JSON shape of every delivered batch, identical across
// SSE and the long-poll snapshot endpoint.
type batchPayload struct {
	Type   string            `json:"type"`
	Reset  bool              `json:"reset"`
	Frames []json.RawMessage `json:"frames"`
}

// handleTopicSSE serves /api/sse/{topic}: one buffer per connection.
func (s *Server) handleTopicSSE(w http.ResponseWriter, r *http.Request) {
	t, ok := s.findTopic(chi.URLParam(r, "topic"))
	if !ok {
		http.Error(w, "unknown topic", http.StatusNotFound)
		return
	}
	s.streamTopics(w, r, []Topic{t}, s.requestRate(r), false)
}

// handleStream serves /api/sse/stream?topics=...&hz=..., multiplexing up to
// six topics (including the synthetic config topic) onto one connection.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	topics, err := s.parseTopicList(r.URL.Query().Get("topics"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(topics)+1 > maxStreamTopics {
		http.Error(w, "too many topics", http.StatusBadRequest)
		return
	}
	s.streamTopics(w, r, topics, s.requestRate(r), true)
}

// requestRate resolves the per-connection delivery interval: the minimum of
// the server-wide rate and an optional hz override from the request.
func (s *Server) requestRate(r *http.Request) time.Duration {
	rate := s.cfg.SendHz
	if raw := r.URL.Query().Get("hz"); raw != "" {
		if hz, err := strconv.ParseFloat(raw, 64); err == nil && hz > 0 && hz < rate {
			rate = hz
		}
	}
	return time.Duration(float64(time.Second) / rate)
}

// streamTopics runs one SSE connection to completion: preamble, optional
// one-shot config event, then the streaming loop. A write failure ends this
// connection only.
func (s *Server) streamTopics(w http.ResponseWriter, r *http.Request, topics []Topic, interval time.Duration, withConfig bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	connID := uuid.New().String()
	s.connOpened(connID, r.URL.Path)
	defer s.connClosed(connID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", reconnectHintMillis); err != nil {
		return
	}
	flusher.Flush()

	if withConfig {
		if err := writeSSEEvent(w, "config", s.configPayload()); err != nil {
			return
		}
		flusher.Flush()
	}

	cursors := make([]uint64, len(topics))
	for i, t := range topics {
		cursors[i] = startCursor(t)
	}

	ctx := r.Context()
	var lastSend time.Time
	lastWrite := time.Now()
	keepalive := s.cfg.KeepaliveInterval()

	for {
		if ctx.Err() != nil {
			return
		}

		pending := false
		for i, t := range topics {
			if t.Source.LatestSeq() > cursors[i] {
				pending = true
				break
			}
		}

		if pending {
			// Per-connection throttle: hold delivery until the configured
			// interval has passed since the previous batch.
			if wait := interval - time.Since(lastSend); wait > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
			}
			for i, t := range topics {
				next, frames, reset := t.Source.Since(cursors[i], sseBatchLimit)
				if len(frames) == 0 {
					continue
				}
				cursors[i] = next
				payload := batchPayload{Type: "batch", Reset: reset, Frames: frames}
				if err := writeSSEEvent(w, t.Event, payload); err != nil {
					return
				}
			}
			flusher.Flush()
			lastSend = time.Now()
			lastWrite = lastSend
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(idlePoll):
		}
		if time.Since(lastWrite) > keepalive {
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			lastWrite = time.Now()
		}
	}
}

// writeSSEEvent marshals payload and writes one named SSE data frame.
func writeSSEEvent(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func (s *Server) connOpened(id, path string) {
	s.connMu.Lock()
	s.conns[id] = path
	s.totalConns++
	count := len(s.conns)
	s.connMu.Unlock()
	log.Printf("component=dash action=sse_connect conn=%s path=%s active=%d", id, path, count)
}

func (s *Server) connClosed(id string) {
	s.connMu.Lock()
	path := s.conns[id]
	delete(s.conns, id)
	count := len(s.conns)
	s.connMu.Unlock()
	log.Printf("component=dash action=sse_disconnect conn=%s path=%s active=%d", id, path, count)
}
