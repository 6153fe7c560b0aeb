// ABOUTME: Polling CSV tailer that replays a bounded window of existing rows and follows appends.
// ABOUTME: Buffers partial lines across reads, tolerates CRLF, and reopens after truncation.
package tailer

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"time"
)

// Row is one parsed CSV record. The acquisition process writes plain
// comma-separated numeric fields; quoting is never used, so field splitting
// is a straight comma split with whitespace trimmed.
type Row []string

const (
	defaultPollInterval = 200 * time.Millisecond
	maxPollInterval     = time.Second
	readChunkSize       = 32 * 1024
)

// Option configures optional CsvTailer behavior.
type Option func(*CsvTailer)

// WithPollInterval overrides the interval between polls for new bytes.
// Intervals above one second are clamped so cancellation latency stays bounded.
func WithPollInterval(d time.Duration) Option {
	return func(t *CsvTailer) {
		if d <= 0 {
			return
		}
		if d > maxPollInterval {
			d = maxPollInterval
		}
		t.poll = d
	}
}

// CsvTailer incrementally reads one append-only CSV file. Construct with New,
// call ReadInitial once, then Follow. A tailer is single-use: after Follow
// returns, build a fresh tailer to start over.
type CsvTailer struct {
	path      string
	maxReplay int
	poll      time.Duration

	file    *os.File
	offset  int64
	partial []byte
	header  Row
}

// New creates a tailer for path that replays at most maxReplay existing data
// rows from ReadInitial.
func New(path string, maxReplay int, opts ...Option) *CsvTailer {
	t := &CsvTailer{
		path:      path,
		maxReplay: maxReplay,
		poll:      defaultPollInterval,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Header returns the most recently read header row, or nil before ReadInitial.
func (t *CsvTailer) Header() Row {
	return t.header
}

// ReadInitial blocks (polling) until the file exists and has a complete
// header line, then returns the header and at most the last maxReplay data
// rows already present. The whole file is streamed but only a trailing window
// is retained, so arbitrarily large files stay cheap. A trailing partial line
// is left unconsumed for Follow to pick up.
func (t *CsvTailer) ReadInitial(ctx context.Context) (Row, []Row, error) {
	if err := t.openAndReadHeader(ctx); err != nil {
		return nil, nil, err
	}

	var window []Row
	for {
		row, ok, err := t.nextCompleteLine()
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			break
		}
		if len(row) == 0 {
			continue
		}
		window = append(window, row)
		if t.maxReplay >= 0 && len(window) > t.maxReplay {
			window = window[1:]
		}
	}
	return t.header, window, nil
}

// Follow reads newly appended rows until ctx is cancelled. Complete data rows
// are delivered to onRow in file order. When the file shrinks below the read
// offset (truncation or recreation), the tailer transparently reopens from
// scratch: it waits for a fresh header, reports it via onHeader (if non-nil),
// and then replays whatever rows the new file holds. Transient I/O errors are
// retried with the poll interval as backoff and never escape this loop.
func (t *CsvTailer) Follow(ctx context.Context, onHeader func(Row), onRow func(Row)) error {
	if t.file == nil {
		if err := t.reopen(ctx, onHeader); err != nil {
			return err
		}
	}

	buf := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			t.closeFile()
			return err
		}

		fi, err := os.Stat(t.path)
		if err != nil || fi.Size() < t.offset {
			// Gone or truncated: start over against whatever replaces it.
			if err := t.reopen(ctx, onHeader); err != nil {
				return err
			}
			continue
		}

		n, readErr := t.file.Read(buf)
		if n > 0 {
			t.offset += int64(n)
			t.consume(buf[:n], onRow)
			continue
		}
		if readErr != nil && readErr != io.EOF {
			// Briefly unreadable; keep the offset and retry.
			if err := t.sleep(ctx); err != nil {
				t.closeFile()
				return err
			}
			continue
		}
		if err := t.sleep(ctx); err != nil {
			t.closeFile()
			return err
		}
	}
}

// consume appends freshly read bytes to the partial-line buffer and emits
// every complete line, leaving any trailing partial record for the next read.
func (t *CsvTailer) consume(data []byte, onRow func(Row)) {
	t.partial = append(t.partial, data...)
	for {
		idx := bytes.IndexByte(t.partial, '\n')
		if idx < 0 {
			return
		}
		line := string(t.partial[:idx])
		t.partial = t.partial[idx+1:]
		row := parseRow(line)
		if len(row) == 0 {
			continue
		}
		onRow(row)
	}
}

// openAndReadHeader polls until the file exists and contains one complete
// line, parses it as the header, and positions the read offset just past it.
func (t *CsvTailer) openAndReadHeader(ctx context.Context) error {
	t.closeFile()
	t.offset = 0
	t.partial = nil
	t.header = nil

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		f, err := os.Open(t.path)
		if err == nil {
			header, consumed, ok := readHeaderLine(f)
			if ok {
				t.file = f
				t.offset = consumed
				t.header = header
				if _, err := f.Seek(consumed, io.SeekStart); err != nil {
					t.closeFile()
					return err
				}
				return nil
			}
			_ = f.Close()
		}

		if err := t.sleep(ctx); err != nil {
			return err
		}
	}
}

// reopen discards all tailer state and re-runs header discovery, reporting
// the fresh header to onHeader.
func (t *CsvTailer) reopen(ctx context.Context, onHeader func(Row)) error {
	if err := t.openAndReadHeader(ctx); err != nil {
		return err
	}
	if onHeader != nil {
		onHeader(t.header)
	}
	return nil
}

// nextCompleteLine reads forward from the current offset until it has one
// full line or hits EOF. Used only by ReadInitial; Follow keeps its own
// chunked read loop.
func (t *CsvTailer) nextCompleteLine() (Row, bool, error) {
	buf := make([]byte, readChunkSize)
	for {
		if idx := bytes.IndexByte(t.partial, '\n'); idx >= 0 {
			line := string(t.partial[:idx])
			t.partial = t.partial[idx+1:]
			// Offset bookkeeping happens on read, not on line extraction:
			// bytes already counted when they entered the partial buffer.
			return parseRow(line), true, nil
		}
		n, err := t.file.Read(buf)
		if n > 0 {
			t.offset += int64(n)
			t.partial = append(t.partial, buf[:n]...)
			continue
		}
		if err == io.EOF || err == nil {
			// Leave the trailing partial line for Follow, and rewind the
			// offset so Follow re-reads those bytes from the file.
			t.offset -= int64(len(t.partial))
			if _, serr := t.file.Seek(t.offset, io.SeekStart); serr != nil {
				return nil, false, serr
			}
			t.partial = nil
			return nil, false, nil
		}
		return nil, false, err
	}
}

func (t *CsvTailer) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(t.poll):
		return nil
	}
}

func (t *CsvTailer) closeFile() {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
}

// readHeaderLine scans from the start of f for the first complete line and
// parses it. Returns ok=false when no newline has been written yet.
func readHeaderLine(f *os.File) (Row, int64, bool) {
	buf := make([]byte, readChunkSize)
	var acc []byte
	for {
		n, err := f.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			if idx := bytes.IndexByte(acc, '\n'); idx >= 0 {
				row := parseRow(string(acc[:idx]))
				if len(row) == 0 {
					return nil, 0, false
				}
				return row, int64(idx + 1), true
			}
		}
		if err != nil || n == 0 {
			// EOF before any newline: header not complete yet.
			return nil, 0, false
		}
	}
}

// parseRow splits a CSV line into trimmed fields. Trailing carriage returns
// from CRLF writers are stripped. Blank lines produce a nil row.
func parseRow(line string) Row {
	line = strings.TrimSuffix(line, "\r")
	if strings.TrimSpace(line) == "" {
		return nil
	}
	parts := strings.Split(line, ",")
	row := make(Row, len(parts))
	for i, p := range parts {
		row[i] = strings.TrimSpace(p)
	}
	return row
}
