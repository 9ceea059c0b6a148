package metrics

import (
	"math"
	"sort"
)

// sampleStats is the sample statistics spec.md §4.9's MetricResult needs:
// avg/min/max/percentiles/std over a tag's accepted scalar values. No
// third-party stats library is present anywhere in the pack, so this is
// plain stdlib sort/math.
type sampleStats struct {
	Avg, Min, Max, Std float64
	P1, P5, P25, P50   float64
	P75, P90, P95, P99 float64
	Count              int
}

func computeSampleStats(values []float64) sampleStats {
	if len(values) == 0 {
		return sampleStats{}
	}
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[0]
	for _, v := range sorted {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	avg := sum / float64(len(sorted))

	var variance float64
	for _, v := range sorted {
		d := v - avg
		variance += d * d
	}
	variance /= float64(len(sorted))

	return sampleStats{
		Avg:   avg,
		Min:   min,
		Max:   max,
		Std:   math.Sqrt(variance),
		Count: len(sorted),
		P1:    quantile(sorted, 0.01),
		P5:    quantile(sorted, 0.05),
		P25:   quantile(sorted, 0.25),
		P50:   quantile(sorted, 0.50),
		P75:   quantile(sorted, 0.75),
		P90:   quantile(sorted, 0.90),
		P95:   quantile(sorted, 0.95),
		P99:   quantile(sorted, 0.99),
	}
}

// quantile uses linear interpolation between closest ranks (the common
// "R-7" method), over an already-sorted slice.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
