package adaptation

import (
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// StatisticsAggregator keeps running per-plan and global rollups of adaptation records.
// It is rebuilt from history with Replay and updated incrementally afterwards.
type StatisticsAggregator struct {
	tolerance float64
	plans     map[string]*rollup
	global    *rollup
	mu        sync.RWMutex
}

type rollup struct {
	stats   Statistics
	records map[string]Record // latest entry per record id
	impacts []float64         // realized duration deltas in seconds, kept sorted
	sum     float64
}

func newRollup(planID string) *rollup {
	return &rollup{
		stats:   Statistics{PlanID: planID, ByStrategy: make(map[StrategyKind]StrategyStats)},
		records: make(map[string]Record),
	}
}

// NewStatisticsAggregator creates an empty aggregator; tolerance is used to judge realized success
func NewStatisticsAggregator(tolerance float64) *StatisticsAggregator {
	return &StatisticsAggregator{
		tolerance: tolerance,
		plans:     make(map[string]*rollup),
		global:    newRollup(""),
	}
}

// RecordOpportunities counts opportunities detected for a plan
func (sa *StatisticsAggregator) RecordOpportunities(planID string, n int) {
	if n <= 0 {
		return
	}
	sa.mu.Lock()
	defer sa.mu.Unlock()

	for _, r := range sa.rollups(planID) {
		r.stats.OpportunitiesDetected += n
		r.refresh()
	}
}

// Record folds a new or updated record into the rollups
func (sa *StatisticsAggregator) Record(rec Record) {
	sa.mu.Lock()
	defer sa.mu.Unlock()

	for _, r := range sa.rollups(rec.PlanID) {
		r.apply(rec, sa.tolerance)
	}
}

// Replay rebuilds the rollups from history entries, in order
func (sa *StatisticsAggregator) Replay(entries []Record) {
	sa.mu.Lock()
	defer sa.mu.Unlock()

	sa.plans = make(map[string]*rollup)
	sa.global = newRollup("")
	for _, rec := range entries {
		for _, r := range sa.rollups(rec.PlanID) {
			r.apply(rec, sa.tolerance)
		}
	}
}

// Snapshot returns the statistics of one plan, or the global rollup when planID is empty
func (sa *StatisticsAggregator) Snapshot(planID string) Statistics {
	sa.mu.RLock()
	defer sa.mu.RUnlock()

	r := sa.global
	if planID != "" {
		r = sa.plans[planID]
		if r == nil {
			return Statistics{PlanID: planID, ByStrategy: map[StrategyKind]StrategyStats{}}
		}
	}
	s := r.stats
	s.ByStrategy = maps.Clone(r.stats.ByStrategy)
	return s
}

// StrategyStats returns the global history of one strategy kind
func (sa *StatisticsAggregator) StrategyStats(kind StrategyKind) StrategyStats {
	sa.mu.RLock()
	defer sa.mu.RUnlock()
	return sa.global.stats.ByStrategy[kind]
}

// Lookup returns the latest entry of a record by id
func (sa *StatisticsAggregator) Lookup(id string) (Record, bool) {
	sa.mu.RLock()
	defer sa.mu.RUnlock()
	rec, ok := sa.global.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// Records returns the latest entry of every record of a plan, or of all plans, by applied time
func (sa *StatisticsAggregator) Records(planID string) []Record {
	sa.mu.RLock()
	defer sa.mu.RUnlock()

	r := sa.global
	if planID != "" {
		if r = sa.plans[planID]; r == nil {
			return nil
		}
	}
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	slices.SortFunc(out, func(a, b Record) int {
		if c := a.AppliedAt.Compare(b.AppliedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (sa *StatisticsAggregator) rollups(planID string) []*rollup {
	r, ok := sa.plans[planID]
	if !ok {
		r = newRollup(planID)
		sa.plans[planID] = r
	}
	return []*rollup{r, sa.global}
}

// apply replaces the previous contribution of the record's id with the new entry
func (r *rollup) apply(rec Record, tolerance float64) {
	if prev, ok := r.records[rec.ID]; ok {
		r.account(prev, tolerance, -1)
	}
	r.records[rec.ID] = rec.Clone()
	r.account(rec, tolerance, 1)
	r.refresh()
}

func (r *rollup) account(rec Record, tolerance float64, sign int) {
	s := r.stats.ByStrategy[rec.Action.Strategy]
	switch rec.Outcome {
	case OutcomeApplied:
		s.Applied += sign
		r.stats.Applied += sign
	case OutcomeReverted:
		s.Reverted += sign
		r.stats.Reverted += sign
	case OutcomeSuperseded:
		s.Superseded += sign
		r.stats.Superseded += sign
	}
	if rec.Outcome != OutcomeReverted {
		r.stats.ActionsApplied += sign
	}
	if rec.Realized != nil {
		s.Realized += sign
		if rec.Succeeded(tolerance) {
			s.Succeeded += sign
		}
		r.trackImpact(rec.Realized.DurationDelta, sign)
	}
	r.stats.Records += sign
	r.stats.ByStrategy[rec.Action.Strategy] = s
}

func (r *rollup) trackImpact(delta time.Duration, sign int) {
	v := delta.Seconds()
	i := sort.SearchFloat64s(r.impacts, v)
	if sign > 0 {
		r.impacts = slices.Insert(r.impacts, i, v)
		r.sum += v
		return
	}
	if i < len(r.impacts) && r.impacts[i] == v {
		r.impacts = slices.Delete(r.impacts, i, i+1)
		r.sum -= v
	}
}

func (r *rollup) refresh() {
	s := &r.stats
	n := len(r.impacts)
	s.RealizedSamples = n
	s.MeanRealizedImpact, s.MedianRealizedImpact = 0, 0
	if n > 0 {
		s.MeanRealizedImpact = r.sum / float64(n)
		if n%2 == 1 {
			s.MedianRealizedImpact = r.impacts[n/2]
		} else {
			s.MedianRealizedImpact = (r.impacts[n/2-1] + r.impacts[n/2]) / 2
		}
	}

	succeeded, samples := 0, 0
	for _, st := range s.ByStrategy {
		succeeded += st.Succeeded
		samples += st.Samples()
	}
	s.SuccessRate = 0
	if samples > 0 {
		s.SuccessRate = float64(succeeded) / float64(samples)
	}

	s.ConversionRate = 0
	if s.OpportunitiesDetected > 0 {
		s.ConversionRate = float64(s.ActionsApplied) / float64(s.OpportunitiesDetected)
	}
}
