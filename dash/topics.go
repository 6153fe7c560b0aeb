// ABOUTME: The closed set of streamable topics, each carrying its buffer view and SSE event name.
// ABOUTME: Replaces string-keyed dispatch branches with one registry the handlers iterate generically.
package dash

import (
	"fmt"
	"strings"

	"github.com/neurolive/rtdash/hub"
	"github.com/neurolive/rtdash/stream"
)

// maxStreamTopics bounds one multiplexed connection: five real topics plus
// the synthetic config topic.
const maxStreamTopics = 6

// Topic binds a wire name to its stream source. Event is the SSE event name
// clients route on. Snapshot marks topics where a zero cursor means "send
// the current snapshot", not "only future diffs": a fresh page load of
// meta or state must not be empty.
type Topic struct {
	Name     string
	Event    string
	Source   stream.Source
	Snapshot bool
}

// buildTopics assembles the fixed topic registry from the hub's buffers and
// the UI-state store.
func buildTopics(h *hub.Hub, state *StateStore) []Topic {
	return []Topic{
		{Name: "nf", Event: "nf", Source: stream.AsSource(h.Feedback)},
		{Name: "bandpower", Event: "bandpower", Source: stream.AsSource(h.Bandpower)},
		{Name: "artifact", Event: "artifact", Source: stream.AsSource(h.Artifact)},
		{Name: "meta", Event: "meta", Source: stream.AsSource(h.Meta), Snapshot: true},
		{Name: "state", Event: "state", Source: stream.AsSource(state.Buffer()), Snapshot: true},
	}
}

// findTopic resolves a wire name against the registry.
func (s *Server) findTopic(name string) (Topic, bool) {
	for _, t := range s.topics {
		if t.Name == name {
			return t, true
		}
	}
	return Topic{}, false
}

// parseTopicList resolves a comma-separated topics parameter. An empty
// value selects every topic. Repeated names collapse to one subscription so
// a connection never runs two cursors over the same buffer.
func (s *Server) parseTopicList(raw string) ([]Topic, error) {
	if strings.TrimSpace(raw) == "" {
		out := make([]Topic, len(s.topics))
		copy(out, s.topics)
		return out, nil
	}
	var out []Topic
	seen := make(map[string]bool)
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" || name == "config" {
			// config is synthetic: always delivered once at connect by the
			// multiplexed handler, never cursor-driven.
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		t, ok := s.findTopic(name)
		if !ok {
			return nil, fmt.Errorf("unknown topic %q", name)
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid topics requested")
	}
	return out, nil
}

// startCursor returns the cursor a fresh consumer should begin from: the
// full retained history for chart topics (backfill), just the latest frame
// for snapshot topics.
func startCursor(t Topic) uint64 {
	if !t.Snapshot {
		return 0
	}
	latest := t.Source.LatestSeq()
	if latest == 0 {
		return 0
	}
	return latest - 1
}
