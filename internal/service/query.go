package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/septivank/electricity-meter-portal/internal/store"
	"github.com/septivank/electricity-meter-portal/tools/timeparser"
	"go.uber.org/zap"
)

const queryLookback = 30 * time.Minute

// MaxQueryTolerance is the exclusive upper bound on a query tolerance. Below
// it the windows around the two targets cannot share a reading.
const MaxQueryTolerance = queryLookback / 2

// QueryInput is the consumption query form. A nil Tolerance falls back to the
// configured default.
type QueryInput struct {
	MeterID   string
	Timestamp string
	Tolerance *time.Duration
}

// QueryResult holds the readings at the queried time and 30 minutes before it
type QueryResult struct {
	Insufficient bool
	Previous     *store.Reading
	Current      *store.Reading
}

// Text renders the result the way the query page shows it
func (r QueryResult) Text() string {
	if r.Insufficient {
		return "No sufficient recorded readings."
	}
	return fmt.Sprintf("%s: %s kWh\n%s: %s kWh",
		r.Previous.Time, formatKWh(r.Previous.Reading),
		r.Current.Time, formatKWh(r.Current.Reading))
}

// Query looks up the readings at the timestamp and 30 minutes earlier
func (p *Portal) Query(ctx context.Context, in QueryInput) (QueryResult, error) {
	meterID := strings.TrimSpace(in.MeterID)
	if meterID == "" || strings.TrimSpace(in.Timestamp) == "" {
		return QueryResult{}, newError(ErrValidation, "Please enter a valid Meter ID and timestamp.")
	}
	target, err := timeparser.ParseReadingTime(in.Timestamp)
	if err != nil {
		return QueryResult{}, newError(ErrParse, "Invalid timestamp format. Use YYYY-MM-DD HH:MM:SS.")
	}
	tolerance := p.queryTolerance
	if in.Tolerance != nil {
		tolerance = *in.Tolerance
	}
	if tolerance < 0 {
		return QueryResult{}, newError(ErrValidation, "Tolerance must not be negative.")
	}
	if tolerance >= MaxQueryTolerance {
		return QueryResult{}, newError(ErrValidation, "Tolerance must be less than %d seconds.", int(MaxQueryTolerance/time.Second))
	}

	p.mu.Lock()
	acc, ok := p.records[meterID]
	var readings []store.Reading
	if ok {
		readings = append(readings, acc.MeterReadings...)
	}
	p.mu.Unlock()

	if !ok {
		return QueryResult{}, newError(ErrNotFound, "Meter ID not found.")
	}

	current := findReading(readings, target, tolerance)
	previous := findReading(readings, target.Add(-queryLookback), tolerance)
	if current == nil || previous == nil {
		return QueryResult{Insufficient: true}, nil
	}

	p.logger.Debug("query answered",
		zap.String("meter_id", meterID),
		zap.String("query_timestamp", timeparser.FormatReadingTime(target)),
		zap.Duration("tolerance", tolerance),
	)
	return QueryResult{Previous: previous, Current: current}, nil
}

// findReading returns the first reading matching target exactly, or with a
// positive tolerance the nearest one within it
func findReading(readings []store.Reading, target time.Time, tolerance time.Duration) *store.Reading {
	if tolerance == 0 {
		key := timeparser.FormatReadingTime(target)
		for i := range readings {
			if readings[i].Time == key {
				r := readings[i]
				return &r
			}
		}
		return nil
	}

	var best *store.Reading
	var bestDiff time.Duration
	for i := range readings {
		t, err := timeparser.ParseReadingTime(readings[i].Time)
		if err != nil || !timeparser.IsWithinTolerance(t, target, tolerance) {
			continue
		}
		diff := t.Sub(target)
		if diff < 0 {
			diff = -diff
		}
		if best == nil || diff < bestDiff {
			r := readings[i]
			best, bestDiff = &r, diff
		}
	}
	return best
}

// HistoryResult is the daily usage for one meter and date
type HistoryResult struct {
	Date     string
	UsageKWh float64
	Readings int
}

// Insufficient reports whether fewer than two readings were available
func (r HistoryResult) Insufficient() bool {
	return r.Readings < 2
}

// Text renders the result the way the history page shows it
func (r HistoryResult) Text() string {
	if r.Insufficient() {
		return fmt.Sprintf("Insufficient data to calculate daily usage for %s: %d readings recorded.", r.Date, r.Readings)
	}
	return fmt.Sprintf("Daily usage calculated for %s: %.2f kWh from %d readings.", r.Date, r.UsageKWh, r.Readings)
}

// History sums the consumption recorded on date across the live store and the archive
func (p *Portal) History(ctx context.Context, meterID, date string) (HistoryResult, error) {
	meterID = strings.TrimSpace(meterID)
	if meterID == "" || strings.TrimSpace(date) == "" {
		return HistoryResult{}, newError(ErrValidation, "Please enter a valid Meter ID and date.")
	}
	day, err := timeparser.ParseDate(date)
	if err != nil {
		return HistoryResult{}, newError(ErrParse, "Invalid date format. Use YYYY-MM-DD.")
	}
	dayKey := day.Format(timeparser.DateLayout)

	p.mu.Lock()
	acc, ok := p.records[meterID]
	if !ok {
		p.mu.Unlock()
		return HistoryResult{}, newError(ErrNotFound, "Meter ID not found.")
	}
	readings := append([]store.Reading(nil), acc.MeterReadings...)
	archived, _, err := p.archive.Load()
	p.mu.Unlock()
	if err != nil {
		return HistoryResult{}, fmt.Errorf("failed to load archive: %w", err)
	}
	if old, ok := archived[meterID]; ok {
		readings = append(readings, old.MeterReadings...)
	}

	type point struct {
		at    time.Time
		value float64
	}
	seen := make(map[store.Reading]struct{})
	var points []point
	for _, r := range readings {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		t, err := timeparser.ParseReadingTime(r.Time)
		if err != nil || t.Format(timeparser.DateLayout) != dayKey {
			continue
		}
		points = append(points, point{at: t, value: r.Reading})
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].at.Before(points[j].at) })

	res := HistoryResult{Date: dayKey, Readings: len(points)}
	for i := 1; i < len(points); i++ {
		if delta := points[i].value - points[i-1].value; delta > 0 {
			res.UsageKWh += delta
		}
	}

	p.logger.Debug("history computed",
		zap.String("meter_id", meterID),
		zap.String("date", dayKey),
		zap.Int("readings", res.Readings),
		zap.Float64("usage_kwh", res.UsageKWh),
	)
	return res, nil
}
