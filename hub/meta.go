// ABOUTME: Metadata snapshot assembly: file stats, run-meta sidecar summary, phase-duration heuristic.
// ABOUTME: Malformed sidecars are reported as parse_error strings, never raised.
package hub

import (
	"encoding/json"
	"os"
	"sort"
)

// runMetaAllowList is the fixed set of sidecar keys surfaced in the summary.
// Anything else in nf_run_meta.json is dropped.
var runMetaAllowList = []string{
	"subject",
	"session",
	"protocol",
	"montage",
	"band",
	"feedback_channels",
	"sample_rate_hz",
	"started_utc",
	"phases",
	"notes",
}

// maxSummaryListItems bounds list values in the run-meta summary.
const maxSummaryListItems = 8

// SummarizeRunMeta reads and condenses the run metadata sidecar. A missing
// file yields nil (no summary); a malformed file yields a summary whose Data
// is null and whose ParseError explains why.
func SummarizeRunMeta(path string) *RunMetaSummary {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &RunMetaSummary{ParseError: err.Error()}
	}

	var full map[string]any
	if err := json.Unmarshal(raw, &full); err != nil {
		return &RunMetaSummary{ParseError: err.Error()}
	}

	data := make(map[string]any)
	for _, key := range runMetaAllowList {
		v, ok := full[key]
		if !ok {
			continue
		}
		if list, isList := v.([]any); isList && len(list) > maxSummaryListItems {
			v = list[:maxSummaryListItems]
		}
		data[key] = v
	}
	return &RunMetaSummary{Data: data}
}

// statFile produces the FileStat entry for one watched path.
func statFile(path string) FileStat {
	fi, err := os.Stat(path)
	if err != nil {
		return FileStat{}
	}
	return FileStat{
		Exists:   true,
		Size:     fi.Size(),
		MtimeUTC: float64(fi.ModTime().UTC().UnixMilli()) / 1000.0,
	}
}

// phaseSample is one (time, phase) observation from the feedback stream,
// retained in a small window for the phase-duration estimate.
type phaseSample struct {
	t     float64
	phase string
}

// phaseSeconds estimates seconds spent per phase from recent feedback
// samples. The sample interval is estimated as the median of positive time
// deltas rather than taken from a declared rate; no reliable rate is
// available to this component, so the heuristic is kept as documented
// behavior.
func phaseSeconds(samples []phaseSample) map[string]float64 {
	if len(samples) < 2 {
		return nil
	}

	var deltas []float64
	for i := 1; i < len(samples); i++ {
		if d := samples[i].t - samples[i-1].t; d > 0 {
			deltas = append(deltas, d)
		}
	}
	if len(deltas) == 0 {
		return nil
	}
	sort.Float64s(deltas)
	interval := deltas[len(deltas)/2]

	out := make(map[string]float64)
	for _, s := range samples {
		if s.phase == "" {
			continue
		}
		out[s.phase] += interval
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
