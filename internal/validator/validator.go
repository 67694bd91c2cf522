package validator

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/septivank/electricity-meter-portal/tools/timeparser"
)

// Code classifies a validation failure
type Code string

const (
	CodeOK              Code = ""
	CodeMissingField    Code = "missing_field"
	CodeInvalidValue    Code = "invalid_value"
	CodeNegativeValue   Code = "negative_value"
	CodeInvalidTime     Code = "invalid_time"
	CodeWindowTimestamp Code = "window_timestamp"
)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid bool
	Code    Code
	Reason  string
}

// ReadingInput represents a single submitted reading before parsing
type ReadingInput struct {
	MeterID    string
	Value      string
	UpdateTime string
}

// WindowFunc reports whether a reading timestamp falls in the maintenance window
type WindowFunc func(time.Time) bool

// Validator handles reading validation
type Validator struct {
	inWindow WindowFunc
}

// NewValidator creates a validator. A nil inWindow accepts readings at any hour.
func NewValidator(inWindow WindowFunc) *Validator {
	return &Validator{inWindow: inWindow}
}

func invalid(code Code, reason string) ValidationResult {
	return ValidationResult{IsValid: false, Code: code, Reason: reason}
}

// ValidateReading validates a single reading and returns the parsed value and time
func (v *Validator) ValidateReading(in ReadingInput) (float64, time.Time, ValidationResult) {
	if strings.TrimSpace(in.MeterID) == "" || strings.TrimSpace(in.Value) == "" || strings.TrimSpace(in.UpdateTime) == "" {
		return 0, time.Time{}, invalid(CodeMissingField, "meter_id, meter value and update_time are required")
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(in.Value), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, time.Time{}, invalid(CodeInvalidValue, fmt.Sprintf("invalid meter value %q: not a number", in.Value))
	}

	if value < 0 {
		return value, time.Time{}, invalid(CodeNegativeValue, "negative value detected")
	}

	readingTime, err := timeparser.ParseReadingTime(in.UpdateTime)
	if err != nil {
		return value, time.Time{}, invalid(CodeInvalidTime, fmt.Sprintf("invalid timestamp format: %v", err))
	}

	if v.inWindow != nil && v.inWindow(readingTime) {
		return value, readingTime, invalid(CodeWindowTimestamp,
			fmt.Sprintf("reading time %s is in the maintenance window", timeparser.FormatReadingTime(readingTime)))
	}

	return value, readingTime, ValidationResult{IsValid: true}
}
