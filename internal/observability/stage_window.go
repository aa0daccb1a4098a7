package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Pipeline latency stages, measured in the order a turn flows through them.
const (
	StageFinalToReplyText      = "final_to_reply_text"
	StageFinalToFirstAudio     = "final_to_first_audio"
	StageSynthesisToFirstAudio = "synthesis_to_first_audio"
	StageSynthesisTotal        = "synthesis_total"
	StageTurnTotal             = "turn_total"
)

// stageTargets are p95 latency budgets in milliseconds. Samples above the
// budget are counted as breaches.
var stageTargets = map[string]float64{
	StageFinalToReplyText:      1200,
	StageFinalToFirstAudio:     1800,
	StageSynthesisToFirstAudio: 500,
	StageSynthesisTotal:        6000,
	StageTurnTotal:             8000,
}

type StageStats struct {
	Stage    string  `json:"stage"`
	Samples  int     `json:"samples"`
	LastMS   float64 `json:"lastMs"`
	MinMS    float64 `json:"minMs"`
	MaxMS    float64 `json:"maxMs"`
	AvgMS    float64 `json:"avgMs"`
	P50MS    float64 `json:"p50Ms"`
	P95MS    float64 `json:"p95Ms"`
	P99MS    float64 `json:"p99Ms"`
	TargetMS float64 `json:"targetP95Ms,omitempty"`
	Breaches int     `json:"breaches,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time    `json:"generatedAt"`
	WindowSize  int          `json:"windowSize"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// ring keeps the most recent samples of one stage.
type ring struct {
	buf  []float64
	head int
	size int
}

func (r *ring) push(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// values returns the samples oldest first.
func (r *ring) values() []float64 {
	out := make([]float64, 0, r.size)
	start := (r.head - r.size + len(r.buf)) % len(r.buf)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// stageWindow is a rolling per-stage latency window with event counters,
// served on the perf endpoint.
type stageWindow struct {
	mu         sync.Mutex
	capacity   int
	stages     map[string]*ring
	indicators map[string]int
	now        func() time.Time
}

func newStageWindow(capacity int) *stageWindow {
	if capacity <= 0 {
		capacity = 256
	}
	return &stageWindow{
		capacity:   capacity,
		stages:     make(map[string]*ring),
		indicators: make(map[string]int),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (w *stageWindow) observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.stages[stage]
	if !ok {
		r = &ring{buf: make([]float64, w.capacity)}
		w.stages[stage] = r
	}
	r.push(ms)
}

func (w *stageWindow) count(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *stageWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stages = make(map[string]*ring)
	w.indicators = make(map[string]int)
}

func (w *stageWindow) snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: w.now(),
		WindowSize:  w.capacity,
		Stages:      make([]StageStats, 0, len(w.stages)),
	}
	for stage, r := range w.stages {
		if r.size == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, summarize(stage, r.values()))
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	for name, n := range w.indicators {
		if n > 0 {
			snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: n})
		}
	}
	sort.Slice(snap.Indicators, func(i, j int) bool { return snap.Indicators[i].Name < snap.Indicators[j].Name })
	return snap
}

func summarize(stage string, samples []float64) StageStats {
	st := StageStats{
		Stage:    stage,
		Samples:  len(samples),
		LastMS:   round2(samples[len(samples)-1]),
		TargetMS: stageTargets[stage],
	}
	sum := 0.0
	for _, v := range samples {
		sum += v
		if st.TargetMS > 0 && v > st.TargetMS {
			st.Breaches++
		}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	st.MinMS = round2(sorted[0])
	st.MaxMS = round2(sorted[len(sorted)-1])
	st.AvgMS = round2(sum / float64(len(sorted)))
	st.P50MS = round2(nearestRank(sorted, 0.50))
	st.P95MS = round2(nearestRank(sorted, 0.95))
	st.P99MS = round2(nearestRank(sorted, 0.99))
	return st
}

// nearestRank returns the q-quantile of sorted using the nearest-rank method.
func nearestRank(sorted []float64, q float64) float64 {
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
