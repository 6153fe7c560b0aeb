// ABOUTME: Shared UI-state document: defaults, sanitizer, atomic persistence, and broadcast.
// ABOUTME: All mutation goes through one method holding one lock, so no partial state is ever visible.
package dash

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/neurolive/rtdash/stream"
)

// StateFile is the name of the persisted UI-state document inside the
// watched output directory.
const StateFile = "rt_dashboard_state.json"

const (
	minWinSec = 5
	maxWinSec = 600
	maxLabel  = 32
	maxAuthor = 64
)

var validTransforms = map[string]bool{"raw": true, "log10": true, "z": true}
var validScales = map[string]bool{"auto": true, "fixed": true}

// StateDoc is the flat shared UI-state record. Every viewer sees the same
// document; mutations are broadcast through the state stream buffer.
type StateDoc struct {
	WinSec     float64 `json:"win_sec"`
	Paused     bool    `json:"paused"`
	Band       string  `json:"band"`
	Channel    string  `json:"channel"`
	Transform  string  `json:"transform"`
	Scale      string  `json:"scale"`
	Labels     bool    `json:"labels"`
	UpdatedUTC string  `json:"updated_utc"`
	UpdatedBy  string  `json:"updated_by"`
}

// DefaultState returns the fixed default document.
func DefaultState() StateDoc {
	return StateDoc{
		WinSec:    60,
		Band:      "alpha",
		Channel:   "",
		Transform: "raw",
		Scale:     "auto",
		Labels:    true,
	}
}

// Sanitize clamps and validates every field of the document in place,
// falling back to defaults for out-of-enum values.
func (d *StateDoc) Sanitize() {
	if d.WinSec != d.WinSec { // NaN
		d.WinSec = DefaultState().WinSec
	}
	if d.WinSec < minWinSec {
		d.WinSec = minWinSec
	}
	if d.WinSec > maxWinSec {
		d.WinSec = maxWinSec
	}
	d.Band = cleanLabel(d.Band, maxLabel)
	if d.Band == "" {
		d.Band = DefaultState().Band
	}
	d.Channel = cleanLabel(d.Channel, maxLabel)
	d.Transform = strings.ToLower(strings.TrimSpace(d.Transform))
	if !validTransforms[d.Transform] {
		d.Transform = DefaultState().Transform
	}
	d.Scale = strings.ToLower(strings.TrimSpace(d.Scale))
	if !validScales[d.Scale] {
		d.Scale = DefaultState().Scale
	}
	d.UpdatedBy = cleanLabel(d.UpdatedBy, maxAuthor)
}

func cleanLabel(s string, max int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) > max {
		s = string(r[:max])
	}
	return s
}

// statePatchKeys is the fixed allow-list of patchable fields. Unknown keys
// in a patch are silently dropped so older clients keep working against
// newer servers.
var statePatchKeys = map[string]bool{
	"win_sec":    true,
	"paused":     true,
	"band":       true,
	"channel":    true,
	"transform":  true,
	"scale":      true,
	"labels":     true,
	"updated_by": true,
}

// applyPatchField merges one allow-listed patch field into the document.
// Type-mismatched values are dropped, matching the sanitizer's posture of
// never failing a state update.
func applyPatchField(doc *StateDoc, key string, raw json.RawMessage) {
	switch key {
	case "win_sec":
		var v float64
		if json.Unmarshal(raw, &v) == nil {
			doc.WinSec = v
		}
	case "paused":
		var v bool
		if json.Unmarshal(raw, &v) == nil {
			doc.Paused = v
		}
	case "band":
		var v string
		if json.Unmarshal(raw, &v) == nil {
			doc.Band = v
		}
	case "channel":
		var v string
		if json.Unmarshal(raw, &v) == nil {
			doc.Channel = v
		}
	case "transform":
		var v string
		if json.Unmarshal(raw, &v) == nil {
			doc.Transform = v
		}
	case "scale":
		var v string
		if json.Unmarshal(raw, &v) == nil {
			doc.Scale = v
		}
	case "labels":
		var v bool
		if json.Unmarshal(raw, &v) == nil {
			doc.Labels = v
		}
	case "updated_by":
		var v string
		if json.Unmarshal(raw, &v) == nil {
			doc.UpdatedBy = v
		}
	}
}

// StateStore owns the UI-state document: one lock guards the in-memory doc,
// the JSON file on disk, and the broadcast buffer, so concurrent updates
// serialize into a consistent last-writer-wins history.
type StateStore struct {
	path string

	mu  sync.Mutex
	doc StateDoc
	buf *stream.Buffer[StateDoc]
}

// NewStateStore loads (and sanitizes) the persisted document from dir, or
// starts from defaults when no file exists. The initial document is pushed
// into the buffer so fresh subscribers have a snapshot to read.
func NewStateStore(dir string) *StateStore {
	s := &StateStore{
		path: filepath.Join(dir, StateFile),
		buf:  stream.NewBuffer[StateDoc](16),
		doc:  DefaultState(),
	}

	raw, err := os.ReadFile(s.path)
	if err == nil {
		var loaded StateDoc
		if jsonErr := json.Unmarshal(raw, &loaded); jsonErr == nil {
			s.doc = loaded
		} else {
			log.Printf("component=dash action=load_state err=%v", jsonErr)
		}
	}
	s.doc.Sanitize()
	s.buf.Append(s.doc)
	return s
}

// Buffer exposes the state broadcast buffer read-only to the HTTP layer.
func (s *StateStore) Buffer() *stream.Buffer[StateDoc] { return s.buf }

// Get returns the current sanitized document.
func (s *StateStore) Get() StateDoc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// Apply merges an allow-listed patch over the current document, sanitizes,
// persists to disk, broadcasts, and returns the new document. Persistence
// and broadcast happen under the same lock as the merge, so concurrent
// applies serialize and disk always matches the last broadcast value.
func (s *StateStore) Apply(patch map[string]json.RawMessage) (StateDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.doc
	for key, raw := range patch {
		if !statePatchKeys[key] {
			continue
		}
		applyPatchField(&doc, key, raw)
	}
	doc.Sanitize()
	doc.UpdatedUTC = time.Now().UTC().Format(time.RFC3339)

	if err := s.persist(doc); err != nil {
		return s.doc, err
	}
	s.doc = doc
	s.buf.Append(doc)
	return doc, nil
}

// persist writes the document via write-temp-then-rename so a crash never
// leaves a partial file.
func (s *StateStore) persist(doc StateDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write state: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("fsync state: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}
