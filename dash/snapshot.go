// ABOUTME: Long-poll JSON snapshot endpoint, the non-SSE fallback for restrictive clients.
// ABOUTME: Blocks up to a bounded wait until any requested topic has news, then answers per-topic batches.
package dash

import (
	"net/http"
	"strconv"
	"time"
)

const (
	snapshotDefaultLimit = 1000
	snapshotMaxLimit     = 5000
	snapshotPoll         = 100 * time.Millisecond
)

// topicBatch is the per-topic slice of a snapshot response: the advanced
// cursor plus a batch in the same shape SSE would have delivered.
type topicBatch struct {
	Cursor uint64       `json:"cursor"`
	Batch  batchPayload `json:"batch"`
}

// handleSnapshot serves /api/snapshot?topics=&cursor_<topic>=&wait=&limit=.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	topics, err := s.parseTopicList(r.URL.Query().Get("topics"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	wait := 0.0
	if raw := query.Get("wait"); raw != "" {
		if v, perr := strconv.ParseFloat(raw, 64); perr == nil && v > 0 {
			wait = v
		}
	}
	if wait > s.cfg.LongPollMax {
		wait = s.cfg.LongPollMax
	}

	limit := snapshotDefaultLimit
	if raw := query.Get("limit"); raw != "" {
		if v, perr := strconv.Atoi(raw); perr == nil && v > 0 {
			limit = v
		}
	}
	if limit > snapshotMaxLimit {
		limit = snapshotMaxLimit
	}

	cursors := make([]uint64, len(topics))
	for i, t := range topics {
		raw := query.Get("cursor_" + t.Name)
		if raw != "" {
			if v, perr := strconv.ParseUint(raw, 10, 64); perr == nil {
				cursors[i] = v
			}
		}
		// A zero cursor on a snapshot topic asks for the current snapshot,
		// not only future diffs: a fresh page load must not come up empty.
		if cursors[i] == 0 {
			cursors[i] = startCursor(topics[i])
		}
	}

	deadline := time.Now().Add(time.Duration(wait * float64(time.Second)))
	ctx := r.Context()

	for {
		result := make(map[string]topicBatch, len(topics))
		gotFrames := false
		for i, t := range topics {
			next, frames, reset := t.Source.Since(cursors[i], limit)
			if len(frames) > 0 {
				gotFrames = true
			}
			result[t.Name] = topicBatch{
				Cursor: next,
				Batch:  batchPayload{Type: "batch", Reset: reset, Frames: frames},
			}
		}

		if gotFrames || !time.Now().Before(deadline) {
			writeJSON(w, http.StatusOK, map[string]any{
				"server_time": float64(time.Now().UnixMilli()) / 1000.0,
				"topics":      result,
			})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(snapshotPoll):
		}
	}
}
