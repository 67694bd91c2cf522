package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/electricity-meter-portal/internal/anomaly"
	"github.com/septivank/electricity-meter-portal/internal/ingest"
	"github.com/septivank/electricity-meter-portal/internal/logging"
	"github.com/septivank/electricity-meter-portal/internal/store"
	"github.com/septivank/electricity-meter-portal/internal/validator"
	"github.com/septivank/electricity-meter-portal/tools/timeparser"
	"go.uber.org/zap"
)

// ReadingResult is the outcome of one submitted reading
type ReadingResult struct {
	Line    int    `json:"line,omitempty"`
	MeterID string `json:"meter_id"`
	// Err is nil when the reading was recorded
	Err     error  `json:"-"`
	Anomaly string `json:"anomaly,omitempty"`
}

// BatchResult summarises a bulk upload
type BatchResult struct {
	Results  []ReadingResult
	Recorded int
	Rejected int
}

// SubmitReading validates and appends a single reading
func (p *Portal) SubmitReading(ctx context.Context, in validator.ReadingInput) (ReadingResult, error) {
	p.mu.Lock()
	tr, f := p.refreshLocked()
	if tr.Active {
		p.mu.Unlock()
		p.finish(ctx, f)
		return ReadingResult{MeterID: in.MeterID}, maintenanceError()
	}

	res, appended := p.applyLocked(in, f)
	if res.Err == nil && appended {
		if err := p.live.Save(p.records); err != nil {
			p.rollbackLocked(res.MeterID)
			p.mu.Unlock()
			p.finish(ctx, dropReadingEvents(f))
			return res, fmt.Errorf("failed to persist meter reading: %w", err)
		}
		p.recordReading(in, res.MeterID)
	}
	p.mu.Unlock()

	p.finish(ctx, f)
	return res, res.Err
}

// SubmitBatch applies every row independently and persists once. Rows that
// failed to parse are reported with their parse error.
func (p *Portal) SubmitBatch(ctx context.Context, rows []ingest.Row) (BatchResult, error) {
	p.mu.Lock()
	tr, f := p.refreshLocked()
	if tr.Active {
		p.mu.Unlock()
		p.finish(ctx, f)
		return BatchResult{}, maintenanceError()
	}

	var out BatchResult
	var recorded []validator.ReadingInput
	var meterIDs []string
	for _, row := range rows {
		if row.Err != nil {
			out.Results = append(out.Results, ReadingResult{
				Line:    row.Line,
				MeterID: row.Input.MeterID,
				Err:     newError(ErrParse, "row %d: %v", row.Line, row.Err),
			})
			out.Rejected++
			continue
		}

		res, appended := p.applyLocked(row.Input, f)
		res.Line = row.Line
		if res.Err != nil {
			res.Err = &Error{Kind: errorKind(res.Err), Message: fmt.Sprintf("row %d: %s", row.Line, res.Err.Error())}
			out.Rejected++
		} else if appended {
			recorded = append(recorded, row.Input)
			meterIDs = append(meterIDs, res.MeterID)
			out.Recorded++
		}
		out.Results = append(out.Results, res)
	}

	if out.Recorded > 0 {
		if err := p.live.Save(p.records); err != nil {
			for i := len(meterIDs) - 1; i >= 0; i-- {
				p.rollbackLocked(meterIDs[i])
			}
			p.mu.Unlock()
			p.finish(ctx, dropReadingEvents(f))
			return BatchResult{}, fmt.Errorf("failed to persist meter readings: %w", err)
		}
		for i, in := range recorded {
			p.recordReading(in, meterIDs[i])
		}
	}
	p.mu.Unlock()

	p.finish(ctx, f)
	p.logger.Info("batch processed",
		zap.Int("rows", len(rows)),
		zap.Int("recorded", out.Recorded),
		zap.Int("rejected", out.Rejected),
	)
	return out, nil
}

// ReadingMessage is the body of a reading delivered over RabbitMQ
type ReadingMessage struct {
	RequestID   string      `json:"request_id,omitempty"`
	MeterID     string      `json:"meter_id"`
	Electricity json.Number `json:"electricity"`
	UpdateTime  string      `json:"update_time"`
}

// ProcessReadingMessage handles one queued reading. User errors are returned
// as-is so the consumer can dead-letter the message.
func (p *Portal) ProcessReadingMessage(ctx context.Context, body []byte) error {
	var msg ReadingMessage
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return newError(ErrParse, "failed to unmarshal reading message: %v", err)
	}
	if msg.RequestID == "" {
		msg.RequestID = uuid.NewString()
	}

	reqLogger := logging.WithRequestID(p.logger, msg.RequestID)
	reqLogger.Info("processing message", zap.String("meter_id", msg.MeterID))

	res, err := p.SubmitReading(ctx, validator.ReadingInput{
		MeterID:    msg.MeterID,
		Value:      msg.Electricity.String(),
		UpdateTime: msg.UpdateTime,
	})
	if err != nil {
		reqLogger.Warn("reading rejected", zap.Error(err))
		return err
	}

	reqLogger.Info("message processed successfully",
		zap.String("meter_id", res.MeterID),
		zap.Bool("anomaly", res.Anomaly != ""),
	)
	return nil
}

// applyLocked checks and appends one reading in memory. The returned bool is
// true when the reading was appended and must be persisted.
func (p *Portal) applyLocked(in validator.ReadingInput, f *followUp) (ReadingResult, bool) {
	meterID := strings.TrimSpace(in.MeterID)
	res := ReadingResult{MeterID: meterID}

	if meterID == "" || strings.TrimSpace(in.Value) == "" || strings.TrimSpace(in.UpdateTime) == "" {
		res.Err = newError(ErrValidation, "Please enter all fields!")
		return res, false
	}

	acc, ok := p.records[meterID]
	if !ok {
		res.Err = newError(ErrNotFound, "Meter ID %s not found. Please register first.", meterID)
		return res, false
	}

	value, readingTime, result := p.validator.ValidateReading(in)
	if !result.IsValid {
		res.Err = validationError(result, in)
		return res, false
	}

	previous := valuesBefore(acc.MeterReadings, readingTime, p.historyWindow+1)
	timeStr := timeparser.FormatReadingTime(readingTime)
	acc.MeterReadings = append(acc.MeterReadings, store.Reading{Time: timeStr, Reading: value})

	if len(previous) > 0 {
		delta := value - previous[len(previous)-1]
		if isAnomaly, reason := p.detector.DetectAnomaly(delta, anomaly.Deltas(previous)); isAnomaly {
			res.Anomaly = reason
			p.logger.Warn("anomaly detected",
				zap.String("meter_id", meterID),
				zap.String("reading_time", timeStr),
				zap.String("reason", reason),
			)
		}
	}

	f.publish(RoutingKeyReadingRecorded, ReadingRecordedEvent{
		EventID:       uuid.NewString(),
		MeterID:       meterID,
		ReadingTime:   timeStr,
		Reading:       value,
		AnomalyReason: res.Anomaly,
		RecordedAt:    p.clock.Now(),
	})
	return res, true
}

func (p *Portal) rollbackLocked(meterID string) {
	acc, ok := p.records[meterID]
	if !ok || len(acc.MeterReadings) == 0 {
		return
	}
	acc.MeterReadings = acc.MeterReadings[:len(acc.MeterReadings)-1]
}

func (p *Portal) recordReading(in validator.ReadingInput, meterID string) {
	value, _ := strconv.ParseFloat(strings.TrimSpace(in.Value), 64)
	p.record(fmt.Sprintf("Meter reading recorded: %s, %s kWh at %s", meterID, formatKWh(value), strings.TrimSpace(in.UpdateTime)))
	p.logger.Debug("meter reading recorded", zap.String("meter_id", meterID), zap.Float64("reading", value))
}

func maintenanceError() error {
	return &Error{
		Kind:      ErrMaintenance,
		Message:   "Server maintenance! No updates allowed from 00:00 to 01:00.",
		Temporary: true,
	}
}

func validationError(result validator.ValidationResult, in validator.ReadingInput) error {
	switch result.Code {
	case validator.CodeInvalidValue, validator.CodeInvalidTime:
		return newError(ErrParse, "%s", result.Reason)
	case validator.CodeWindowTimestamp:
		return newError(ErrMaintenance, "Reading time %s is in maintenance window. Try again later.", strings.TrimSpace(in.UpdateTime))
	default:
		return newError(ErrValidation, "%s", result.Reason)
	}
}

func errorKind(err error) error {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ErrValidation
}

// dropReadingEvents keeps only events that do not describe unsaved readings
func dropReadingEvents(f *followUp) *followUp {
	kept := f.events[:0]
	for _, e := range f.events {
		if e.routingKey != RoutingKeyReadingRecorded {
			kept = append(kept, e)
		}
	}
	f.events = kept
	return f
}

// valuesBefore returns the values of up to n readings timestamped before t,
// in time order
func valuesBefore(readings []store.Reading, t time.Time, n int) []float64 {
	type point struct {
		at    time.Time
		value float64
	}
	points := make([]point, 0, len(readings))
	for _, r := range readings {
		at, err := timeparser.ParseReadingTime(r.Time)
		if err != nil || !at.Before(t) {
			continue
		}
		points = append(points, point{at: at, value: r.Reading})
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].at.Before(points[j].at) })

	if len(points) > n {
		points = points[len(points)-n:]
	}
	out := make([]float64, 0, len(points))
	for _, p := range points {
		out = append(out, p.value)
	}
	return out
}

// formatKWh renders whole numbers with one decimal place, e.g. 4 as "4.0"
func formatKWh(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
