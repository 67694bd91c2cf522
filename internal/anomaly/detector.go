package anomaly

import (
	"fmt"
)

// Detector flags unusual consumption between consecutive cumulative readings
type Detector struct {
	spikeThreshold            float64
	minDataPointsForDetection int
}

// NewDetector creates a new anomaly detector with the specified thresholds
func NewDetector(spikeThreshold float64, minDataPointsForDetection int) *Detector {
	return &Detector{
		spikeThreshold:            spikeThreshold,
		minDataPointsForDetection: minDataPointsForDetection,
	}
}

// DetectAnomaly checks a consumption delta against the preceding deltas
func (d *Detector) DetectAnomaly(delta float64, historicalDeltas []float64) (bool, string) {
	// Cumulative meters never run backwards
	if delta < 0 {
		return true, fmt.Sprintf("meter value decreased by %.2f kWh", -delta)
	}

	if len(historicalDeltas) < d.minDataPointsForDetection {
		return false, ""
	}

	sum := 0.0
	for _, v := range historicalDeltas {
		sum += v
	}
	average := sum / float64(len(historicalDeltas))

	if average > 0 && delta > d.spikeThreshold*average {
		return true, fmt.Sprintf("sudden spike detected: usage %.2f kWh exceeds %.1fx rolling average %.2f kWh",
			delta, d.spikeThreshold, average)
	}

	return false, ""
}

// Deltas returns the differences between consecutive values
func Deltas(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		out = append(out, values[i]-values[i-1])
	}
	return out
}
