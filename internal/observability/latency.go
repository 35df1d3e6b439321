package observability

import (
	"cmp"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Stages timed for every turn.
const (
	// StageFirstDelta runs from turn start to the first visible delta.
	StageFirstDelta = "turn_to_first_delta"
	// StageUpstreamFirstFragment runs from a prompt turn's start to the
	// first fragment the producer hands over.
	StageUpstreamFirstFragment = "upstream_first_fragment"
	// StageMessageAssembly runs from a message's head to its tail.
	StageMessageAssembly = "message_assembly"
	// StageTurnTotal runs from turn start to the final flush.
	StageTurnTotal = "turn_total"
)

// stageTargetsMS are the p95 latency targets reported next to each stage.
var stageTargetsMS = map[string]float64{
	StageFirstDelta:            800,
	StageUpstreamFirstFragment: 700,
	StageMessageAssembly:       2500,
	StageTurnTotal:             4000,
}

// StageLatency summarizes the retained samples of one stage.
type StageLatency struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  bool    `json:"over_target"`
}

type ReasonCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// LatencySnapshot is the payload of the latency endpoint. Indicators count
// notable stream conditions (idle timeouts, SLO misses, interruptions) and
// EndReasons count how turns ended.
type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageLatency `json:"stages"`
	Indicators  []ReasonCount  `json:"indicators,omitempty"`
	EndReasons  []ReasonCount  `json:"end_reasons,omitempty"`
}

// sampleRing keeps the most recent len(buf) samples.
type sampleRing struct {
	buf  []float64
	n    int
	pos  int
	last float64
}

func (r *sampleRing) add(v float64) {
	r.buf[r.pos] = v
	r.pos = (r.pos + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
	r.last = v
}

func (r *sampleRing) sorted() []float64 {
	out := slices.Clone(r.buf[:r.n])
	slices.Sort(out)
	return out
}

type latencyWindow struct {
	mu         sync.Mutex
	size       int
	rings      map[string]*sampleRing
	indicators map[string]int
	endReasons map[string]int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{
		size:       size,
		rings:      make(map[string]*sampleRing),
		indicators: make(map[string]int),
		endReasons: make(map[string]int),
	}
}

func (w *latencyWindow) observe(stage string, ms float64) {
	stage = strings.TrimSpace(stage)
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &sampleRing{buf: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.add(ms)
}

func (w *latencyWindow) count(into map[string]int, name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	into[name]++
	w.mu.Unlock()
}

func (w *latencyWindow) snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageLatency, 0, len(w.rings)),
		Indicators:  sortedCounts(w.indicators),
		EndReasons:  sortedCounts(w.endReasons),
	}
	for stage, r := range w.rings {
		if r.n == 0 {
			continue
		}
		samples := r.sorted()
		var sum float64
		for _, v := range samples {
			sum += v
		}
		s := StageLatency{
			Stage:       stage,
			Samples:     len(samples),
			LastMS:      roundMS(r.last),
			AvgMS:       roundMS(sum / float64(len(samples))),
			P50MS:       roundMS(nearestRank(samples, 0.50)),
			P95MS:       roundMS(nearestRank(samples, 0.95)),
			P99MS:       roundMS(nearestRank(samples, 0.99)),
			TargetP95MS: stageTargetsMS[stage],
		}
		s.OverTarget = s.TargetP95MS > 0 && s.P95MS > s.TargetP95MS
		snap.Stages = append(snap.Stages, s)
	}
	slices.SortFunc(snap.Stages, func(a, b StageLatency) int {
		return cmp.Compare(a.Stage, b.Stage)
	})
	return snap
}

func (w *latencyWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.rings)
	clear(w.indicators)
	clear(w.endReasons)
}

// sortedCounts orders by count descending, then name.
func sortedCounts(m map[string]int) []ReasonCount {
	if len(m) == 0 {
		return nil
	}
	out := make([]ReasonCount, 0, len(m))
	for name, n := range m {
		out = append(out, ReasonCount{Name: name, Count: n})
	}
	slices.SortFunc(out, func(a, b ReasonCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

// nearestRank expects sorted to be non-empty and ascending.
func nearestRank(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p * float64(len(sorted))))
	rank = max(rank, 1)
	rank = min(rank, len(sorted))
	return sorted[rank-1]
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}
