package anomaly_test

import (
	"strings"
	"testing"

	"github.com/septivank/electricity-meter-portal/internal/anomaly"
)

const (
	testSpikeThreshold            = 3.0
	testMinDataPointsForDetection = 3
)

func TestDetectAnomaly_DecreasingMeter(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	isAnomaly, reason := detector.DetectAnomaly(-1.5, []float64{0.5, 0.6, 0.4})

	if !isAnomaly {
		t.Error("Expected anomaly for decreasing meter")
	}
	if !strings.HasPrefix(reason, "meter value decreased") {
		t.Errorf("Unexpected reason '%s'", reason)
	}
}

func TestDetectAnomaly_SuddenSpike(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	historical := []float64{0.5, 0.52, 0.49, 0.51, 0.5}

	isAnomaly, reason := detector.DetectAnomaly(2.0, historical)

	if !isAnomaly {
		t.Error("Expected anomaly for sudden spike")
	}
	if reason == "" {
		t.Error("Expected reason for spike anomaly")
	}
}

func TestDetectAnomaly_NormalValue(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	isAnomaly, reason := detector.DetectAnomaly(0.55, []float64{0.5, 0.52, 0.49, 0.51, 0.5})

	if isAnomaly {
		t.Errorf("Expected no anomaly, but got: %s", reason)
	}
}

func TestDetectAnomaly_InsufficientData(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	isAnomaly, _ := detector.DetectAnomaly(30.0, []float64{0.5, 0.5})

	if isAnomaly {
		t.Error("Should not detect spike with insufficient historical data")
	}
}

func TestDetectAnomaly_ZeroAverage(t *testing.T) {
	detector := anomaly.NewDetector(testSpikeThreshold, testMinDataPointsForDetection)

	isAnomaly, _ := detector.DetectAnomaly(1.0, []float64{0, 0, 0})

	if isAnomaly {
		t.Error("Should not detect spike when historical average is 0")
	}
}

func TestDeltas(t *testing.T) {
	got := anomaly.Deltas([]float64{3.5, 4.0, 4.75})
	if len(got) != 2 || got[0] != 0.5 || got[1] != 0.75 {
		t.Errorf("Unexpected deltas %v", got)
	}
	if anomaly.Deltas([]float64{1}) != nil {
		t.Error("Expected nil deltas for a single value")
	}
}
