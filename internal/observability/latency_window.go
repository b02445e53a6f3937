package observability

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Turn stages observed by the voice controller.
const (
	StageStopToResponse  = "stop_to_response"
	StageResponseToAudio = "response_to_playback_start"
	StageInterruptToIdle = "interrupt_to_idle"
	StageTurnTotal       = "turn_total"
)

// stageBudgetsMS are the p95 targets a stage is expected to stay under.
var stageBudgetsMS = map[string]float64{
	StageStopToResponse:  1500,
	StageResponseToAudio: 400,
	StageInterruptToIdle: 150,
	StageTurnTotal:       6000,
}

type StageLatency struct {
	Stage      string  `json:"stage"`
	Samples    int     `json:"samples"`
	LastMS     float64 `json:"last_ms"`
	MeanMS     float64 `json:"mean_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	BudgetMS   float64 `json:"budget_ms,omitempty"`
	OverBudget bool    `json:"over_budget,omitempty"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageLatency `json:"stages"`
	Outcomes    map[string]int `json:"outcomes,omitempty"`
}

// latencyWindow keeps the most recent samples per stage in a ring.
type latencyWindow struct {
	mu       sync.Mutex
	size     int
	rings    map[string]*ring
	outcomes map[string]int
	now      func() time.Time
}

type ring struct {
	buf  []float64
	head int
	n    int
}

func (r *ring) push(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *ring) last() float64 {
	return r.buf[(r.head-1+len(r.buf))%len(r.buf)]
}

func (r *ring) values() []float64 {
	out := make([]float64, r.n)
	start := (r.head - r.n + len(r.buf)) % len(r.buf)
	for i := range out {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{
		size:     size,
		rings:    make(map[string]*ring),
		outcomes: make(map[string]int),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (w *latencyWindow) observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &ring{buf: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.push(ms)
}

func (w *latencyWindow) countOutcome(outcome string) {
	if outcome == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outcomes[outcome]++
}

func (w *latencyWindow) snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: w.now(),
		WindowSize:  w.size,
		Stages:      make([]StageLatency, 0, len(w.rings)),
	}
	for stage, r := range w.rings {
		vals := r.values()
		slices.Sort(vals)
		var sum float64
		for _, v := range vals {
			sum += v
		}
		st := StageLatency{
			Stage:    stage,
			Samples:  len(vals),
			LastMS:   round2(r.last()),
			MeanMS:   round2(sum / float64(len(vals))),
			P50MS:    round2(nearestRank(vals, 50)),
			P95MS:    round2(nearestRank(vals, 95)),
			BudgetMS: stageBudgetsMS[stage],
		}
		st.OverBudget = st.BudgetMS > 0 && st.P95MS > st.BudgetMS
		snap.Stages = append(snap.Stages, st)
	}
	slices.SortFunc(snap.Stages, func(a, b StageLatency) int {
		switch {
		case a.Stage < b.Stage:
			return -1
		case a.Stage > b.Stage:
			return 1
		}
		return 0
	})
	if len(w.outcomes) > 0 {
		snap.Outcomes = make(map[string]int, len(w.outcomes))
		for k, v := range w.outcomes {
			snap.Outcomes[k] = v
		}
	}
	return snap
}

// nearestRank returns the p-th percentile of sorted values.
func nearestRank(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(float64(p) / 100 * float64(len(sorted))))
	return sorted[min(max(rank, 1), len(sorted))-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
