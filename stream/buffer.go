// ABOUTME: Bounded, sequence-numbered ring buffer shared between one producer and many consumers.
// ABOUTME: Supports cursor-based draining (Since) and blocking waits for new frames (WaitForNew).
package stream

import (
	"context"
	"sync"
	"time"
)

// entry pairs a frame with the sequence number it was assigned on append.
type entry[T any] struct {
	seq   uint64
	frame T
}

// Buffer is a bounded ring of frames with strictly increasing sequence
// numbers. It is safe for one producer and any number of concurrent
// consumers. When the buffer is full the oldest entry is silently evicted;
// consumers holding a cursor older than the retained window learn about the
// gap through the reset flag returned by Since.
//
// Storage is a fixed slice indexed by (head+i) mod maxlen, so Append never
// shifts elements: eviction overwrites the oldest slot in place.
type Buffer[T any] struct {
	mu      sync.Mutex
	entries []entry[T] // fixed-capacity ring storage
	head    int        // index of the oldest retained entry
	count   int        // number of retained entries
	maxlen  int
	seq     uint64        // last assigned sequence number, 0 before first append
	notify  chan struct{} // closed and replaced on every append
}

// NewBuffer creates a Buffer retaining at most maxlen entries. A maxlen of
// zero or less is treated as 1.
func NewBuffer[T any](maxlen int) *Buffer[T] {
	if maxlen < 1 {
		maxlen = 1
	}
	return &Buffer[T]{
		entries: make([]entry[T], maxlen),
		maxlen:  maxlen,
		notify:  make(chan struct{}),
	}
}

// Append stores a frame, assigns it the next sequence number, and wakes all
// waiters. When full, the oldest entry's slot is reused for the new frame.
// Returns the assigned sequence number.
func (b *Buffer[T]) Append(frame T) uint64 {
	b.mu.Lock()
	b.seq++
	seq := b.seq
	if b.count == b.maxlen {
		b.entries[b.head] = entry[T]{seq: seq, frame: frame}
		b.head = (b.head + 1) % b.maxlen
	} else {
		b.entries[(b.head+b.count)%b.maxlen] = entry[T]{seq: seq, frame: frame}
		b.count++
	}
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()
	return seq
}

// Since returns frames strictly newer than lastSeq, oldest first, capped at
// limit (limit <= 0 means no cap). The returned cursor is the sequence of the
// last frame actually returned, so a truncated read resumes correctly on the
// next call. reset is true when frames between lastSeq and the oldest
// retained entry were evicted before the caller could read them.
func (b *Buffer[T]) Since(lastSeq uint64, limit int) (uint64, []T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return lastSeq, nil, false
	}

	oldest := b.entries[b.head].seq
	reset := lastSeq+1 < oldest

	// Seqs are contiguous within the window, so the first wanted entry's
	// ring offset is computable directly.
	skip := 0
	if lastSeq >= oldest {
		skip = int(lastSeq - oldest + 1)
	}
	if skip >= b.count {
		return lastSeq, nil, false
	}

	var frames []T
	newLast := lastSeq
	for i := skip; i < b.count; i++ {
		e := b.entries[(b.head+i)%b.maxlen]
		frames = append(frames, e.frame)
		newLast = e.seq
		if limit > 0 && len(frames) == limit {
			break
		}
	}
	return newLast, frames, reset
}

// WaitForNew blocks until a frame newer than lastSeq exists, the timeout
// elapses, or ctx is cancelled. It returns the latest sequence number at the
// time it unblocks. It never busy-spins: waiting is a channel receive on the
// buffer's broadcast channel.
func (b *Buffer[T]) WaitForNew(ctx context.Context, lastSeq uint64, timeout time.Duration) uint64 {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		cur := b.seq
		ch := b.notify
		b.mu.Unlock()

		if cur > lastSeq {
			return cur
		}
		select {
		case <-ch:
		case <-deadline.C:
			return cur
		case <-ctx.Done():
			return cur
		}
	}
}

// OldestSeq returns the sequence of the oldest retained entry, or 0 when the
// buffer is empty.
func (b *Buffer[T]) OldestSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return 0
	}
	return b.entries[b.head].seq
}

// LatestSeq returns the last assigned sequence number, or 0 before the first
// append.
func (b *Buffer[T]) LatestSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Len returns the number of retained entries.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
