// ABOUTME: Non-generic read-only view over a Buffer with frames pre-marshaled to JSON.
// ABOUTME: Lets the HTTP layer drive buffers of different frame types through one interface.
package stream

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// Source is the read side of a Buffer as seen by the HTTP layer: frames come
// out as raw JSON so handlers of different topics share one code path.
type Source interface {
	Since(lastSeq uint64, limit int) (uint64, []json.RawMessage, bool)
	WaitForNew(ctx context.Context, lastSeq uint64, timeout time.Duration) uint64
	OldestSeq() uint64
	LatestSeq() uint64
	Len() int
}

// jsonSource adapts a generic Buffer to Source by marshaling each frame.
type jsonSource[T any] struct {
	buf *Buffer[T]
}

// AsSource wraps a Buffer in a Source. Frames that fail to marshal are
// dropped from the returned batch; the cursor still advances past them so
// consumers do not stall.
func AsSource[T any](buf *Buffer[T]) Source {
	return jsonSource[T]{buf: buf}
}

func (s jsonSource[T]) Since(lastSeq uint64, limit int) (uint64, []json.RawMessage, bool) {
	newLast, frames, reset := s.buf.Since(lastSeq, limit)
	if len(frames) == 0 {
		return newLast, nil, reset
	}
	raw := make([]json.RawMessage, 0, len(frames))
	for _, f := range frames {
		data, err := json.Marshal(f)
		if err != nil {
			log.Printf("component=stream action=marshal_frame err=%v", err)
			continue
		}
		raw = append(raw, data)
	}
	return newLast, raw, reset
}

func (s jsonSource[T]) WaitForNew(ctx context.Context, lastSeq uint64, timeout time.Duration) uint64 {
	return s.buf.WaitForNew(ctx, lastSeq, timeout)
}

func (s jsonSource[T]) OldestSeq() uint64 { return s.buf.OldestSeq() }
func (s jsonSource[T]) LatestSeq() uint64 { return s.buf.LatestSeq() }
func (s jsonSource[T]) Len() int          { return s.buf.Len() }
