// ABOUTME: Typed frames emitted by the hub loops into their stream buffers.
// ABOUTME: Optional fields are pointers with omitempty so presence tracks the source columns exactly.
package hub

// FeedbackFrame is one parsed row of the neurofeedback CSV. The optional
// fields are present only when the source file carries the matching column.
type FeedbackFrame struct {
	T             float64  `json:"t"`
	Metric        float64  `json:"metric"`
	Threshold     float64  `json:"threshold"`
	Reward        float64  `json:"reward"`
	RewardRate    float64  `json:"reward_rate"`
	ArtifactReady *bool    `json:"artifact_ready,omitempty"`
	Artifact      *float64 `json:"artifact,omitempty"`
	BadChannels   *int     `json:"bad_channels,omitempty"`
	Phase         *string  `json:"phase,omitempty"`
}

// BandpowerFrame is one row of the derived band-power CSV, flattened to the
// band-major slot order of the discovered header. Missing band/channel
// combinations and unparsable cells are nil (JSON null).
type BandpowerFrame struct {
	T      float64    `json:"t"`
	Values []*float64 `json:"values"`
}

// ArtifactFrame is one row of the artifact gate CSV.
type ArtifactFrame struct {
	T           float64 `json:"t"`
	Ready       bool    `json:"ready"`
	Bad         bool    `json:"bad"`
	BadChannels int     `json:"bad_channels"`
}

// FileStat describes one watched file for the metadata snapshot.
type FileStat struct {
	Exists   bool    `json:"exists"`
	Size     int64   `json:"size"`
	MtimeUTC float64 `json:"mtime_utc"` // unix seconds, 0 when missing
}

// ChannelPosition is a 2D electrode position for the dashboard head map.
// Source records where the position came from so the UI can flag fallbacks:
// "builtin" (shipped montage table), "file" (montage.csv override), or
// "ring" (deterministic layout for unknown names).
type ChannelPosition struct {
	Name   string  `json:"name"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Source string  `json:"source"`
}

// BandpowerInfo is the discovered bandpower schema plus electrode positions,
// published through the metadata snapshot.
type BandpowerInfo struct {
	Bands     []string          `json:"bands"`
	Channels  []string          `json:"channels"`
	Positions []ChannelPosition `json:"positions"`
}

// RunMetaSummary is a compact view of the external run's metadata sidecar.
// Data holds the allow-listed keys (list values truncated); ParseError is set
// instead of raising when the sidecar is malformed, with Data left null.
type RunMetaSummary struct {
	Data         map[string]any     `json:"data"`
	ParseError   string             `json:"parse_error,omitempty"`
	PhaseSeconds map[string]float64 `json:"phase_seconds,omitempty"`
}

// MetaSnapshot is the periodically recomputed metadata frame.
type MetaSnapshot struct {
	FilesStat  map[string]FileStat `json:"files_stat"`
	Bandpower  *BandpowerInfo      `json:"bandpower_header,omitempty"`
	RunMeta    *RunMetaSummary     `json:"run_meta_summary,omitempty"`
	ServerTime float64             `json:"server_time"`
}
