// ABOUTME: Tests for the polling CSV tailer.
// ABOUTME: Covers bounded replay, split-write line assembly, CRLF, truncation reopen, and cancellation.
package tailer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const testPoll = 10 * time.Millisecond

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("unexpected error writing %s: %v", path, err)
	}
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("unexpected error opening %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("unexpected error appending to %s: %v", path, err)
	}
}

func TestReadInitialReturnsHeaderAndBoundedWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedback.csv")
	var sb strings.Builder
	sb.WriteString("t_end_sec,metric,threshold\n")
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&sb, "%d.0,0.%d,0.2\n", i, i)
	}
	writeFile(t, path, sb.String())

	tl := New(path, 3, WithPollInterval(testPoll))
	header, rows, err := tl.ReadInitial(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(header) != 3 || header[0] != "t_end_sec" {
		t.Errorf("unexpected header: %v", header)
	}
	if len(rows) != 3 {
		t.Fatalf("expected replay window of 3 rows, got %d", len(rows))
	}
	if rows[0][0] != "7.0" || rows[2][0] != "9.0" {
		t.Errorf("expected last three rows, got %v", rows)
	}
}

func TestReadInitialWaitsForHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedback.csv")

	tl := New(path, 100, WithPollInterval(testPoll))
	type result struct {
		header Row
		rows   []Row
		err    error
	}
	done := make(chan result, 1)
	go func() {
		h, rows, err := tl.ReadInitial(context.Background())
		done <- result{h, rows, err}
	}()

	// File does not exist yet, then exists with a partial header, then the
	// header line completes.
	time.Sleep(3 * testPoll)
	writeFile(t, path, "t_end_sec,met")
	time.Sleep(3 * testPoll)
	appendFile(t, path, "ric\n1.0,0.5\n")

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("unexpected error: %v", res.err)
		}
		if len(res.header) != 2 || res.header[1] != "metric" {
			t.Errorf("unexpected header: %v", res.header)
		}
		if len(res.rows) != 1 || res.rows[0][1] != "0.5" {
			t.Errorf("unexpected rows: %v", res.rows)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ReadInitial did not return after header appeared")
	}
}

// followCollector runs Follow in the background and records emitted rows.
type followCollector struct {
	mu      sync.Mutex
	rows    []Row
	headers []Row
}

func (c *followCollector) onRow(r Row) {
	c.mu.Lock()
	c.rows = append(c.rows, r)
	c.mu.Unlock()
}

func (c *followCollector) onHeader(h Row) {
	c.mu.Lock()
	c.headers = append(c.headers, h)
	c.mu.Unlock()
}

func (c *followCollector) waitRows(t *testing.T, n int) []Row {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		count := len(c.rows)
		c.mu.Unlock()
		if count >= n {
			c.mu.Lock()
			defer c.mu.Unlock()
			return append([]Row(nil), c.rows...)
		}
		time.Sleep(testPoll)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t.Fatalf("expected %d rows, got %d: %v", n, len(c.rows), c.rows)
	return nil
}

func TestFollowEmitsAppendedRowsAcrossSplitWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedback.csv")
	writeFile(t, path, "t,metric\n")

	tl := New(path, 100, WithPollInterval(testPoll))
	if _, _, err := tl.ReadInitial(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var c followCollector
	go func() { _ = tl.Follow(ctx, c.onHeader, c.onRow) }()

	// One row written whole, one split mid-record across two writes, one
	// with a CRLF terminator.
	appendFile(t, path, "1.0,0.1\n")
	appendFile(t, path, "2.0,0")
	time.Sleep(3 * testPoll)
	appendFile(t, path, ".2\n")
	appendFile(t, path, "3.0,0.3\r\n")

	rows := c.waitRows(t, 3)
	want := [][2]string{{"1.0", "0.1"}, {"2.0", "0.2"}, {"3.0", "0.3"}}
	for i, w := range want {
		if rows[i][0] != w[0] || rows[i][1] != w[1] {
			t.Errorf("row %d: expected %v, got %v", i, w, rows[i])
		}
	}
}

func TestFollowReopensAfterTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bandpower.csv")
	writeFile(t, path, "t,alpha_Cz\n1.0,0.5\n2.0,0.6\n")

	tl := New(path, 100, WithPollInterval(testPoll))
	_, initial, err := tl.ReadInitial(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(initial) != 2 {
		t.Fatalf("expected 2 initial rows, got %d", len(initial))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var c followCollector
	go func() { _ = tl.Follow(ctx, c.onHeader, c.onRow) }()

	// Truncate, then rewrite with a new header and exactly 3 rows. The
	// tailer must reopen, report the fresh header, and emit exactly those
	// rows with no stale duplicates. The truncation is left visible for a
	// few polls before the rewrite so the size check observes it.
	time.Sleep(3 * testPoll)
	writeFile(t, path, "")
	time.Sleep(3 * testPoll)
	writeFile(t, path, "t,alpha_Cz,beta_Cz\n10.0,0.1,0.2\n11.0,0.3,0.4\n12.0,0.5,0.6\n")

	rows := c.waitRows(t, 3)
	if len(rows) != 3 {
		t.Fatalf("expected exactly 3 rows after truncation, got %d", len(rows))
	}
	if rows[0][0] != "10.0" || rows[2][2] != "0.6" {
		t.Errorf("unexpected rows after reopen: %v", rows)
	}

	c.mu.Lock()
	headers := len(c.headers)
	var lastHeader Row
	if headers > 0 {
		lastHeader = c.headers[headers-1]
	}
	c.mu.Unlock()
	if headers == 0 {
		t.Fatal("expected onHeader to fire after truncation")
	}
	if len(lastHeader) != 3 || lastHeader[2] != "beta_Cz" {
		t.Errorf("expected fresh 3-column header, got %v", lastHeader)
	}
}

func TestFollowStopsOnContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedback.csv")
	writeFile(t, path, "t,metric\n")

	tl := New(path, 100, WithPollInterval(testPoll))
	if _, _, err := tl.ReadInitial(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- tl.Follow(ctx, nil, func(Row) {}) }()

	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Follow did not stop after cancellation")
	}
}

func TestParseRowHandlesBlankAndCRLF(t *testing.T) {
	if row := parseRow(""); row != nil {
		t.Errorf("expected nil for blank line, got %v", row)
	}
	if row := parseRow("   "); row != nil {
		t.Errorf("expected nil for whitespace line, got %v", row)
	}
	row := parseRow("1.0, 0.5 ,x\r")
	if len(row) != 3 || row[1] != "0.5" || row[2] != "x" {
		t.Errorf("unexpected parse: %v", row)
	}
}
