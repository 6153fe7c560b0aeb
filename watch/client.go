// ABOUTME: SSE client feeding the terminal viewer: connects, decodes events, reconnects on drop.
// ABOUTME: Every decoded event becomes a Bubble Tea message on the client's channel.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/neurolive/rtdash/hub"
	"github.com/neurolive/rtdash/sse"
)

const reconnectDelay = 2 * time.Second

// ConnectedMsg reports a successful connect, carrying the server session ID
// from the config event.
type ConnectedMsg struct {
	Session string
}

// DisconnectedMsg reports a dropped or failed connection. The client keeps
// reconnecting on its own; this is informational.
type DisconnectedMsg struct {
	Err error
}

// FeedbackMsg carries one batch of feedback frames.
type FeedbackMsg struct {
	Frames []hub.FeedbackFrame
	Reset  bool
}

// ArtifactMsg carries one batch of artifact gate frames.
type ArtifactMsg struct {
	Frames []hub.ArtifactFrame
}

// MetaMsg carries the latest metadata snapshot.
type MetaMsg struct {
	Snapshot hub.MetaSnapshot
}

// Client maintains one SSE subscription against a running dashboard server
// and translates its events into Bubble Tea messages.
type Client struct {
	baseURL string
	token   string
	hz      float64
	http    *http.Client

	msgs chan tea.Msg
}

// NewClient creates a Client for the given server. hz throttles delivery on
// the server side; zero means the server default.
func NewClient(baseURL, token string, hz float64) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hz:      hz,
		http:    &http.Client{},
		msgs:    make(chan tea.Msg, 64),
	}
}

// Messages returns the channel the model reads from.
func (c *Client) Messages() <-chan tea.Msg { return c.msgs }

// Run connects and streams until ctx is cancelled, reconnecting after drops.
func (c *Client) Run(ctx context.Context) {
	for {
		err := c.streamOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		c.send(ctx, DisconnectedMsg{Err: err})
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Client) streamURL() string {
	q := url.Values{}
	q.Set("token", c.token)
	q.Set("topics", "nf,artifact,meta")
	if c.hz > 0 {
		q.Set("hz", strconv.FormatFloat(c.hz, 'f', -1, 64))
	}
	return c.baseURL + "/api/sse/stream?" + q.Encode()
}

// streamOnce runs one connection to completion, pushing every decoded event
// as a message.
func (c *Client) streamOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server answered %d", resp.StatusCode)
	}

	r := sse.NewReader(resp.Body)
	for {
		ev, err := r.Next()
		if err != nil {
			return err
		}
		msg, err := decodeEvent(ev)
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}
		c.send(ctx, msg)
	}
}

func (c *Client) send(ctx context.Context, msg tea.Msg) {
	select {
	case c.msgs <- msg:
	case <-ctx.Done():
	}
}

// batchEnvelope mirrors the server's batch payload with frames left raw for
// per-topic decoding.
type batchEnvelope struct {
	Reset  bool              `json:"reset"`
	Frames []json.RawMessage `json:"frames"`
}

// decodeEvent turns one SSE event into a message. Unknown event types decode
// to nil so newer servers stay compatible with older viewers.
func decodeEvent(ev sse.Event) (tea.Msg, error) {
	switch ev.Type {
	case "config":
		var cfg struct {
			Session string `json:"session"`
		}
		if err := json.Unmarshal([]byte(ev.Data), &cfg); err != nil {
			return nil, fmt.Errorf("config event: %w", err)
		}
		return ConnectedMsg{Session: cfg.Session}, nil

	case "nf":
		var env batchEnvelope
		if err := json.Unmarshal([]byte(ev.Data), &env); err != nil {
			return nil, fmt.Errorf("nf batch: %w", err)
		}
		frames := make([]hub.FeedbackFrame, 0, len(env.Frames))
		for _, raw := range env.Frames {
			var f hub.FeedbackFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("nf frame: %w", err)
			}
			frames = append(frames, f)
		}
		return FeedbackMsg{Frames: frames, Reset: env.Reset}, nil

	case "artifact":
		var env batchEnvelope
		if err := json.Unmarshal([]byte(ev.Data), &env); err != nil {
			return nil, fmt.Errorf("artifact batch: %w", err)
		}
		frames := make([]hub.ArtifactFrame, 0, len(env.Frames))
		for _, raw := range env.Frames {
			var f hub.ArtifactFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("artifact frame: %w", err)
			}
			frames = append(frames, f)
		}
		return ArtifactMsg{Frames: frames}, nil

	case "meta":
		var env batchEnvelope
		if err := json.Unmarshal([]byte(ev.Data), &env); err != nil {
			return nil, fmt.Errorf("meta batch: %w", err)
		}
		if len(env.Frames) == 0 {
			return nil, nil
		}
		var snap hub.MetaSnapshot
		if err := json.Unmarshal(env.Frames[len(env.Frames)-1], &snap); err != nil {
			return nil, fmt.Errorf("meta frame: %w", err)
		}
		return MetaMsg{Snapshot: snap}, nil
	}
	return nil, nil
}
