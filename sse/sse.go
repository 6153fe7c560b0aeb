// ABOUTME: Server-Sent Events reader used by the terminal viewer and the dashboard's own tests.
// ABOUTME: Decodes event/data/id/retry fields per the W3C EventSource specification.
package sse

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// Event is one decoded Server-Sent Event.
type Event struct {
	Type  string // from "event:", defaults to "message"
	Data  string // "data:" lines joined with newlines
	ID    string // from "id:"
	Retry int    // from "retry:" in milliseconds, -1 when absent
}

// Reader decodes SSE events from a stream. It handles CR, LF, and CRLF line
// terminators and ignores comment lines, so keepalive comments from the
// dashboard server are transparent to callers.
type Reader struct {
	r    *bufio.Reader
	done bool

	eventType string
	dataLines []string
	hasData   bool
	id        string
	retry     int
}

// NewReader creates a Reader decoding from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:     bufio.NewReaderSize(r, 4096),
		retry: -1,
	}
}

// Next returns the next event, or io.EOF when the stream ends. A stream that
// ends mid-event still dispatches the accumulated data as a final event.
func (d *Reader) Next() (Event, error) {
	if d.done {
		return Event{}, io.EOF
	}

	for {
		line, err := d.readLine()
		if err != nil {
			d.done = true
			if err == io.EOF && d.hasData {
				return d.dispatch(), nil
			}
			return Event{}, err
		}

		if line == "" {
			if !d.hasData {
				continue
			}
			return d.dispatch(), nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitField(line)
		d.accumulate(field, value)
	}
}

// splitField separates an SSE line into field name and value: everything
// before the first colon is the field, everything after (minus one leading
// space) is the value. A line with no colon is a field with an empty value.
func splitField(line string) (string, string) {
	idx := strings.IndexByte(line, ':')
	if idx == -1 {
		return line, ""
	}
	value := line[idx+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return line[:idx], value
}

func (d *Reader) accumulate(field, value string) {
	switch field {
	case "event":
		d.eventType = value
	case "data":
		d.dataLines = append(d.dataLines, value)
		d.hasData = true
	case "id":
		d.id = value
	case "retry":
		if n, err := strconv.Atoi(value); err == nil {
			d.retry = n
		}
		// Invalid retry values are ignored per the SSE spec.
	}
}

// dispatch builds the accumulated event and resets state for the next one.
func (d *Reader) dispatch() Event {
	evt := Event{
		Type:  d.eventType,
		Data:  strings.Join(d.dataLines, "\n"),
		ID:    d.id,
		Retry: d.retry,
	}
	if evt.Type == "" {
		evt.Type = "message"
	}
	d.eventType = ""
	d.dataLines = nil
	d.hasData = false
	d.id = ""
	d.retry = -1
	return evt
}

// readLine reads one line, treating CR, LF, and CRLF as terminators.
// bufio.Scanner only understands LF and CRLF, so lone-CR handling is done
// byte by byte here.
func (d *Reader) readLine() (string, error) {
	var line strings.Builder
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			if err == io.EOF && line.Len() > 0 {
				return line.String(), nil
			}
			return "", err
		}

		switch b {
		case '\n':
			return line.String(), nil
		case '\r':
			if next, err := d.r.ReadByte(); err == nil && next != '\n' {
				_ = d.r.UnreadByte()
			}
			return line.String(), nil
		default:
			line.WriteByte(b)
		}
	}
}
