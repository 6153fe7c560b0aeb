// ABOUTME: Hub owning one tailer loop per watched CSV plus the periodic metadata snapshot loop.
// ABOUTME: Parses raw rows into typed frames and appends them to the per-topic stream buffers.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/neurolive/rtdash/stream"
	"github.com/neurolive/rtdash/tailer"
)

// Watched file names inside the acquisition output directory.
const (
	FeedbackFile  = "nf_feedback.csv"
	BandpowerFile = "bandpower_timeseries.csv"
	ArtifactFile  = "artifact_gate_timeseries.csv"
	RunMetaFile   = "nf_run_meta.json"
	MontageFile   = "montage.csv"
)

const (
	defaultMaxReplay    = 600
	defaultBufferLen    = 2048
	defaultMetaInterval = time.Second
	loopBackoff         = 500 * time.Millisecond
	phaseWindowSize     = 512
)

// ReplayNone disables initial-row replay: only rows appended after the
// tailer connects are streamed.
const ReplayNone = -1

// Config configures a Hub. Dir is the acquisition output directory; all
// other fields default sensibly when zero.
type Config struct {
	Dir          string
	MaxReplay    int           // rows replayed per tailer (re)start; 0 = default, ReplayNone = none
	BufferLen    int           // retained frames per topic buffer
	MetaInterval time.Duration // metadata recompute interval
	PollInterval time.Duration // tailer poll interval (0 = tailer default)
}

// csvSource is the tailer surface the CSV loops consume. Split out as an
// interface so tests can substitute a failing source.
type csvSource interface {
	ReadInitial(ctx context.Context) (tailer.Row, []tailer.Row, error)
	Follow(ctx context.Context, onHeader func(tailer.Row), onRow func(tailer.Row)) error
}

// Hub owns the four background loops and the four stream buffers. The
// buffers are exported for the HTTP layer to read; the hub is their only
// writer.
type Hub struct {
	cfg       Config
	newSource func(name string) csvSource

	Feedback  *stream.Buffer[FeedbackFrame]
	Bandpower *stream.Buffer[BandpowerFrame]
	Artifact  *stream.Buffer[ArtifactFrame]
	Meta      *stream.Buffer[MetaSnapshot]

	mu           sync.Mutex
	bpHeader     *tailer.BandpowerHeader
	latestMeta   MetaSnapshot
	lastMetaJSON []byte
	phaseWindow  []phaseSample

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Hub for the given directory. Call Start to launch the loops.
func New(cfg Config) *Hub {
	if cfg.MaxReplay == 0 {
		cfg.MaxReplay = defaultMaxReplay
	}
	if cfg.BufferLen <= 0 {
		cfg.BufferLen = defaultBufferLen
	}
	if cfg.MetaInterval <= 0 {
		cfg.MetaInterval = defaultMetaInterval
	}
	h := &Hub{
		cfg:       cfg,
		Feedback:  stream.NewBuffer[FeedbackFrame](cfg.BufferLen),
		Bandpower: stream.NewBuffer[BandpowerFrame](cfg.BufferLen),
		Artifact:  stream.NewBuffer[ArtifactFrame](cfg.BufferLen),
		Meta:      stream.NewBuffer[MetaSnapshot](64),
	}
	h.newSource = func(name string) csvSource { return h.newTailer(name) }
	return h
}

// Start launches the four background loops. Safe to call once.
func (h *Hub) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	loops := []func(context.Context){
		h.runFeedbackLoop,
		h.runBandpowerLoop,
		h.runArtifactLoop,
		h.runMetaLoop,
	}
	for _, loop := range loops {
		h.wg.Add(1)
		go func(run func(context.Context)) {
			defer h.wg.Done()
			run(ctx)
		}(loop)
	}
}

// Stop cancels all loops and waits for them to exit. Shutdown latency is
// bounded by the tailer poll interval.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// LatestMeta returns the most recently computed metadata snapshot.
func (h *Hub) LatestMeta() MetaSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latestMeta
}

func (h *Hub) path(name string) string {
	return filepath.Join(h.cfg.Dir, name)
}

func (h *Hub) newTailer(name string) *tailer.CsvTailer {
	opts := []tailer.Option{}
	if h.cfg.PollInterval > 0 {
		opts = append(opts, tailer.WithPollInterval(h.cfg.PollInterval))
	}
	maxReplay := h.cfg.MaxReplay
	if maxReplay < 0 {
		maxReplay = 0 // ReplayNone: keep an empty replay window
	}
	return tailer.New(h.path(name), maxReplay, opts...)
}

// backoff sleeps briefly between loop restarts, honoring cancellation.
func backoff(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(loopBackoff):
		return true
	}
}

// runFeedbackLoop tails the feedback CSV. A fresh tailer is constructed per
// (re)connect attempt so truncation and recreation are handled uniformly.
// Errors at any stage, initial read included, back off and restart the loop;
// only cancellation ends it.
func (h *Hub) runFeedbackLoop(ctx context.Context) {
	for {
		src := h.newSource(FeedbackFile)
		header, rows, err := src.ReadInitial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("component=hub loop=feedback action=restart stage=initial err=%v", err)
			if !backoff(ctx) {
				return
			}
			continue
		}
		cols := columnIndex(header)
		for _, row := range rows {
			h.emitFeedback(cols, row)
		}
		err = src.Follow(ctx,
			func(fresh tailer.Row) { cols = columnIndex(fresh) },
			func(row tailer.Row) { h.emitFeedback(cols, row) },
		)
		if ctx.Err() != nil {
			return
		}
		log.Printf("component=hub loop=feedback action=restart err=%v", err)
		if !backoff(ctx) {
			return
		}
	}
}

// runBandpowerLoop tails the bandpower CSV, re-deriving the header schema on
// every (re)connect and on truncation-triggered header changes.
func (h *Hub) runBandpowerLoop(ctx context.Context) {
	for {
		src := h.newSource(BandpowerFile)
		header, rows, err := src.ReadInitial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("component=hub loop=bandpower action=restart stage=initial err=%v", err)
			if !backoff(ctx) {
				return
			}
			continue
		}
		schema, perr := tailer.ParseBandpowerHeader(header)
		if perr != nil {
			// Header exists but carries no band_channel columns yet; the
			// file is still being set up. Retry from scratch.
			if !backoff(ctx) {
				return
			}
			continue
		}
		h.setBandpowerHeader(schema)
		for _, row := range rows {
			h.emitBandpower(schema, row)
		}
		err = src.Follow(ctx,
			func(fresh tailer.Row) {
				if s, err := tailer.ParseBandpowerHeader(fresh); err == nil {
					schema = s
					h.setBandpowerHeader(s)
				}
			},
			func(row tailer.Row) { h.emitBandpower(schema, row) },
		)
		if ctx.Err() != nil {
			return
		}
		log.Printf("component=hub loop=bandpower action=restart err=%v", err)
		if !backoff(ctx) {
			return
		}
	}
}

// runArtifactLoop tails the artifact gate CSV.
func (h *Hub) runArtifactLoop(ctx context.Context) {
	for {
		src := h.newSource(ArtifactFile)
		header, rows, err := src.ReadInitial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("component=hub loop=artifact action=restart stage=initial err=%v", err)
			if !backoff(ctx) {
				return
			}
			continue
		}
		cols := columnIndex(header)
		for _, row := range rows {
			h.emitArtifact(cols, row)
		}
		err = src.Follow(ctx,
			func(fresh tailer.Row) { cols = columnIndex(fresh) },
			func(row tailer.Row) { h.emitArtifact(cols, row) },
		)
		if ctx.Err() != nil {
			return
		}
		log.Printf("component=hub loop=artifact action=restart err=%v", err)
		if !backoff(ctx) {
			return
		}
	}
}

// runMetaLoop recomputes the metadata snapshot on a fixed interval and
// appends it to the meta buffer only when it changed, so slow consumers are
// not flooded with identical frames.
func (h *Hub) runMetaLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.MetaInterval)
	defer ticker.Stop()

	h.computeMeta()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.computeMeta()
		}
	}
}

func (h *Hub) setBandpowerHeader(schema *tailer.BandpowerHeader) {
	h.mu.Lock()
	h.bpHeader = schema
	h.mu.Unlock()
}

// computeMeta assembles a fresh MetaSnapshot and publishes it if it differs
// from the previous one.
func (h *Hub) computeMeta() {
	snap := MetaSnapshot{
		FilesStat: map[string]FileStat{
			FeedbackFile:  statFile(h.path(FeedbackFile)),
			BandpowerFile: statFile(h.path(BandpowerFile)),
			ArtifactFile:  statFile(h.path(ArtifactFile)),
			RunMetaFile:   statFile(h.path(RunMetaFile)),
		},
		ServerTime: float64(time.Now().UnixMilli()) / 1000.0,
	}

	h.mu.Lock()
	schema := h.bpHeader
	window := append([]phaseSample(nil), h.phaseWindow...)
	h.mu.Unlock()

	if schema != nil {
		override, err := LoadMontageFile(h.path(MontageFile))
		if err != nil {
			override = nil
		}
		snap.Bandpower = &BandpowerInfo{
			Bands:     schema.Bands,
			Channels:  schema.Channels,
			Positions: ResolvePositions(schema.Channels, override),
		}
	}

	if summary := SummarizeRunMeta(h.path(RunMetaFile)); summary != nil {
		summary.PhaseSeconds = phaseSeconds(window)
		snap.RunMeta = summary
	}

	// ServerTime changes every tick; exclude it from the change check so
	// identical snapshots stay de-duplicated.
	stripped := snap
	stripped.ServerTime = 0
	encoded, err := json.Marshal(stripped)
	if err != nil {
		log.Printf("component=hub loop=meta action=marshal err=%v", err)
		return
	}

	h.mu.Lock()
	changed := string(encoded) != string(h.lastMetaJSON)
	if changed {
		h.lastMetaJSON = encoded
		h.latestMeta = snap
	}
	h.mu.Unlock()

	if changed {
		h.Meta.Append(snap)
	}
}

// emitFeedback parses one feedback row and appends the frame. Malformed rows
// are skipped; the loop continues.
func (h *Hub) emitFeedback(cols map[string]int, row tailer.Row) {
	t, ok := floatAt(cols, row, "t_end_sec")
	if !ok {
		return
	}
	frame := FeedbackFrame{T: t}
	frame.Metric, _ = floatAt(cols, row, "metric")
	frame.Threshold, _ = floatAt(cols, row, "threshold")
	frame.Reward, _ = floatAt(cols, row, "reward")
	frame.RewardRate, _ = floatAt(cols, row, "reward_rate")

	if v, ok := floatAt(cols, row, "artifact_ready"); ok {
		ready := v != 0
		frame.ArtifactReady = &ready
	}
	if v, ok := floatAt(cols, row, "artifact"); ok {
		frame.Artifact = &v
	}
	if v, ok := floatAt(cols, row, "bad_channels"); ok {
		n := int(v)
		frame.BadChannels = &n
	}
	if idx, ok := cols["phase"]; ok && idx < len(row) && row[idx] != "" {
		phase := row[idx]
		frame.Phase = &phase
	}

	h.mu.Lock()
	var phase string
	if frame.Phase != nil {
		phase = *frame.Phase
	}
	h.phaseWindow = append(h.phaseWindow, phaseSample{t: t, phase: phase})
	if len(h.phaseWindow) > phaseWindowSize {
		h.phaseWindow = h.phaseWindow[1:]
	}
	h.mu.Unlock()

	h.Feedback.Append(frame)
}

// emitBandpower flattens one row to the band-major slot order of the schema.
func (h *Hub) emitBandpower(schema *tailer.BandpowerHeader, row tailer.Row) {
	if schema.TimeCol >= len(row) {
		return
	}
	t, err := strconv.ParseFloat(row[schema.TimeCol], 64)
	if err != nil {
		return
	}
	values := make([]*float64, len(schema.Index))
	for slot, col := range schema.Index {
		if col < 0 || col >= len(row) {
			continue
		}
		v, err := strconv.ParseFloat(row[col], 64)
		if err != nil {
			continue
		}
		values[slot] = &v
	}
	h.Bandpower.Append(BandpowerFrame{T: t, Values: values})
}

// emitArtifact parses one artifact gate row.
func (h *Hub) emitArtifact(cols map[string]int, row tailer.Row) {
	t, ok := firstFloatAt(cols, row, "t", "t_sec", "t_end_sec", "time")
	if !ok {
		return
	}
	frame := ArtifactFrame{T: t}
	if v, ok := firstFloatAt(cols, row, "ready", "artifact_ready"); ok {
		frame.Ready = v != 0
	}
	if v, ok := firstFloatAt(cols, row, "bad", "artifact_bad"); ok {
		frame.Bad = v != 0
	}
	if v, ok := firstFloatAt(cols, row, "bad_channels", "n_bad_channels", "n_bad"); ok {
		frame.BadChannels = int(v)
	}
	h.Artifact.Append(frame)
}

// columnIndex maps lower-cased header names to column positions.
func columnIndex(header tailer.Row) map[string]int {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return cols
}

// floatAt parses the named column of row as a float, reporting ok=false when
// the column is absent, out of range, or unparsable.
func floatAt(cols map[string]int, row tailer.Row, name string) (float64, bool) {
	idx, ok := cols[name]
	if !ok || idx >= len(row) {
		return 0, false
	}
	v, err := strconv.ParseFloat(row[idx], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// firstFloatAt tries several column names in order and returns the first hit.
func firstFloatAt(cols map[string]int, row tailer.Row, names ...string) (float64, bool) {
	for _, name := range names {
		if v, ok := floatAt(cols, row, name); ok {
			return v, true
		}
	}
	return 0, false
}
