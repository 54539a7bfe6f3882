package workqueue

import (
	"sort"
	"time"
)

// summarizeLatency computes execution-latency percentiles over completed jobs
// in the stats window. All stores share it so snapshots are comparable across
// backends.
func summarizeLatency(durations []time.Duration) LatencySummary {
	summary := LatencySummary{Samples: len(durations)}
	if len(durations) == 0 {
		return summary
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	summary.P50 = percentile(sorted, 50)
	summary.P95 = percentile(sorted, 95)
	summary.P99 = percentile(sorted, 99)
	return summary
}

// percentile returns the p-th percentile of an ascending-sorted slice using
// nearest-rank selection.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// successRate is completed over completed plus dead-lettered; 0 when the
// window saw no terminal jobs.
func successRate(completed, deadLettered int) float64 {
	total := completed + deadLettered
	if total == 0 {
		return 0
	}
	return float64(completed) / float64(total)
}

// sortDeadLetters orders jobs most recently dead-lettered first.
func sortDeadLetters(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		ti, tj := jobs[i].CompletedAt, jobs[j].CompletedAt
		if ti == nil || tj == nil {
			return tj == nil
		}
		return ti.After(*tj)
	})
}
