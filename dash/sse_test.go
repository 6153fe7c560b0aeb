// ABOUTME: End-to-end SSE tests: a real hub tailing a temp directory, read back through the SSE decoder.
// ABOUTME: Verifies the config preamble, batch delivery, cursor advance, and live append wakeup.
package dash

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/neurolive/rtdash/hub"
	"github.com/neurolive/rtdash/sse"
)

// openStream starts an SSE request and returns the decoder plus a cancel
// that tears the connection down.
func openStream(t *testing.T, url string) (*sse.Reader, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		cancel()
		t.Fatalf("open stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	return sse.NewReader(resp.Body), cancel
}

// nextEvent reads one event with a test-level deadline.
func nextEvent(t *testing.T, r *sse.Reader) sse.Event {
	t.Helper()
	type out struct {
		ev  sse.Event
		err error
	}
	ch := make(chan out, 1)
	go func() {
		ev, err := r.Next()
		ch <- out{ev, err}
	}()
	select {
	case o := <-ch:
		if o.err != nil {
			t.Fatalf("Next: %v", o.err)
		}
		return o.ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SSE event")
		return sse.Event{}
	}
}

func decodeBatch(t *testing.T, ev sse.Event) batchPayload {
	t.Helper()
	var batch batchPayload
	if err := json.Unmarshal([]byte(ev.Data), &batch); err != nil {
		t.Fatalf("batch decode: %v\ndata: %s", err, ev.Data)
	}
	return batch
}

func TestStreamDeliversConfigThenFeedback(t *testing.T) {
	ts, dir := newTestServer(t)

	csv := "t_end_sec,metric,threshold,reward,reward_rate\n1.0,0.3,0.25,1,0.8\n"
	if err := os.WriteFile(filepath.Join(dir, hub.FeedbackFile), []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	r, _ := openStream(t, apiURL(ts, "/api/sse/stream?topics=nf"))

	ev := nextEvent(t, r)
	if ev.Type != "config" {
		t.Fatalf("first event = %q, want config", ev.Type)
	}
	if ev.Retry != reconnectHintMillis {
		t.Errorf("retry hint = %d, want %d", ev.Retry, reconnectHintMillis)
	}
	var cfg struct {
		Topics []string `json:"topics"`
	}
	if err := json.Unmarshal([]byte(ev.Data), &cfg); err != nil {
		t.Fatalf("config decode: %v", err)
	}
	if len(cfg.Topics) == 0 {
		t.Error("config event carried no topic list")
	}

	ev = nextEvent(t, r)
	if ev.Type != "nf" {
		t.Fatalf("second event = %q, want nf", ev.Type)
	}
	batch := decodeBatch(t, ev)
	if batch.Type != "batch" || len(batch.Frames) == 0 {
		t.Fatalf("batch = %+v", batch)
	}
	var frame hub.FeedbackFrame
	if err := json.Unmarshal(batch.Frames[0], &frame); err != nil {
		t.Fatal(err)
	}
	if frame.T != 1.0 || frame.Metric != 0.3 || frame.Reward != 1 {
		t.Errorf("frame = %+v", frame)
	}
}

func TestStreamWakesOnAppendedRow(t *testing.T) {
	ts, dir := newTestServer(t)

	path := filepath.Join(dir, hub.FeedbackFile)
	if err := os.WriteFile(path, []byte("t_end_sec,metric,threshold,reward,reward_rate\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, _ := openStream(t, apiURL(ts, "/api/sse/stream?topics=nf"))
	if ev := nextEvent(t, r); ev.Type != "config" {
		t.Fatalf("first event = %q", ev.Type)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		defer f.Close()
		_, _ = f.WriteString("2.5,0.7,0.25,1,0.9\n")
	}()

	ev := nextEvent(t, r)
	if ev.Type != "nf" {
		t.Fatalf("event = %q, want nf", ev.Type)
	}
	batch := decodeBatch(t, ev)
	var frame hub.FeedbackFrame
	if err := json.Unmarshal(batch.Frames[0], &frame); err != nil {
		t.Fatal(err)
	}
	if frame.T != 2.5 {
		t.Errorf("frame.T = %v, want 2.5", frame.T)
	}
}

func TestSingleTopicEndpointSkipsConfig(t *testing.T) {
	ts, dir := newTestServer(t)

	csv := "t_end_sec,metric,threshold,reward,reward_rate\n3.0,0.1,0.25,0,0.2\n"
	if err := os.WriteFile(filepath.Join(dir, hub.FeedbackFile), []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	r, _ := openStream(t, apiURL(ts, "/api/sse/nf"))
	ev := nextEvent(t, r)
	if ev.Type != "nf" {
		t.Fatalf("first event = %q, want nf (no config on single-topic endpoint)", ev.Type)
	}
}

func TestStreamStateTopicSendsCurrentSnapshot(t *testing.T) {
	ts, _ := newTestServer(t)

	r, _ := openStream(t, apiURL(ts, "/api/sse/stream?topics=state"))
	if ev := nextEvent(t, r); ev.Type != "config" {
		t.Fatalf("first event = %q", ev.Type)
	}

	ev := nextEvent(t, r)
	if ev.Type != "state" {
		t.Fatalf("event = %q, want state", ev.Type)
	}
	batch := decodeBatch(t, ev)
	if len(batch.Frames) != 1 {
		t.Fatalf("state snapshot carried %d frames, want 1", len(batch.Frames))
	}
	var doc StateDoc
	if err := json.Unmarshal(batch.Frames[0], &doc); err != nil {
		t.Fatal(err)
	}
	if doc.WinSec != DefaultState().WinSec {
		t.Errorf("doc = %+v, want defaults", doc)
	}
}

func TestStreamMetaArrivesBeforeFirstFeedbackRow(t *testing.T) {
	ts, dir := newTestServer(t)

	headers := map[string]string{
		hub.FeedbackFile:  "t_end_sec,metric,threshold,reward,reward_rate\n",
		hub.BandpowerFile: "t,alpha_c3,alpha_c4\n",
		hub.ArtifactFile:  "t,ready,bad,bad_channels\n",
	}
	for name, header := range headers {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(header), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	r, _ := openStream(t, apiURL(ts, "/api/sse/stream?topics=nf,meta"))
	if ev := nextEvent(t, r); ev.Type != "config" {
		t.Fatalf("first event = %q", ev.Type)
	}

	// With only headers on disk the first data-bearing event must be a
	// meta snapshot; nf has nothing to send yet.
	ev := nextEvent(t, r)
	if ev.Type != "meta" {
		t.Fatalf("event = %q, want meta before any feedback", ev.Type)
	}

	f, err := os.OpenFile(filepath.Join(dir, hub.FeedbackFile), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("1.0,0.3,0.2,1,0.5\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	for {
		ev = nextEvent(t, r)
		if ev.Type == "meta" {
			continue
		}
		if ev.Type != "nf" {
			t.Fatalf("event = %q, want nf", ev.Type)
		}
		break
	}
	batch := decodeBatch(t, ev)
	if len(batch.Frames) != 1 {
		t.Fatalf("nf batch carried %d frames, want exactly 1", len(batch.Frames))
	}
	var frame hub.FeedbackFrame
	if err := json.Unmarshal(batch.Frames[0], &frame); err != nil {
		t.Fatal(err)
	}
	if frame.T != 1.0 || frame.Metric != 0.3 || frame.Reward != 1 {
		t.Errorf("frame = %+v", frame)
	}
}

func TestStreamMetaTopicCarriesFileStats(t *testing.T) {
	ts, dir := newTestServer(t)

	csv := "t_end_sec,metric,threshold,reward,reward_rate\n1.0,0.3,0.25,1,0.8\n"
	if err := os.WriteFile(filepath.Join(dir, hub.FeedbackFile), []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	r, _ := openStream(t, apiURL(ts, "/api/sse/stream?topics=meta"))
	if ev := nextEvent(t, r); ev.Type != "config" {
		t.Fatalf("first event = %q", ev.Type)
	}

	// The meta loop recomputes on a short interval; the first snapshot
	// that sees the feedback file reports it as existing.
	deadline := time.Now().Add(5 * time.Second)
	for {
		ev := nextEvent(t, r)
		if ev.Type != "meta" {
			t.Fatalf("event = %q, want meta", ev.Type)
		}
		batch := decodeBatch(t, ev)
		if len(batch.Frames) == 0 {
			continue
		}
		var snap hub.MetaSnapshot
		if err := json.Unmarshal(batch.Frames[len(batch.Frames)-1], &snap); err != nil {
			t.Fatal(err)
		}
		if snap.FilesStat[hub.FeedbackFile].Exists {
			if snap.ServerTime == 0 {
				t.Error("meta snapshot missing server_time")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("meta never reported the feedback file: %+v", snap)
		}
	}
}

func TestStreamRejectsUnknownTopic(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(apiURL(ts, "/api/sse/stream?topics=bogus"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown topic status = %d, want 400", resp.StatusCode)
	}
}

func TestStreamDuplicateTopicDeliversOnce(t *testing.T) {
	ts, dir := newTestServer(t)

	csv := "t_end_sec,metric,threshold,reward,reward_rate\n1.0,0.3,0.25,1,0.8\n"
	if err := os.WriteFile(filepath.Join(dir, hub.FeedbackFile), []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	r, _ := openStream(t, apiURL(ts, "/api/sse/stream?topics=nf,nf"))
	if ev := nextEvent(t, r); ev.Type != "config" {
		t.Fatalf("first event = %q", ev.Type)
	}
	ev := nextEvent(t, r)
	if ev.Type != "nf" {
		t.Fatalf("event = %q, want nf", ev.Type)
	}

	// A repeated name must collapse to one subscription: the same batch
	// must not arrive a second time through a second cursor.
	extra := make(chan sse.Event, 1)
	go func() {
		if ev, err := r.Next(); err == nil {
			extra <- ev
		}
	}()
	select {
	case ev := <-extra:
		t.Fatalf("duplicate subscription delivered a second event: %+v", ev)
	case <-time.After(600 * time.Millisecond):
	}
}
