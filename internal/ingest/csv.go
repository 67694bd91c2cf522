package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/septivank/electricity-meter-portal/internal/validator"
)

// ErrFormat is returned when the upload is not a readable CSV with the required header
var ErrFormat = errors.New("CSV format incorrect")

// RequiredColumns is the header every bulk upload must carry
var RequiredColumns = []string{"meter_id", "electricity", "update_time"}

// Row is one data line of an upload. Err is set when the line itself could not be read.
type Row struct {
	Line  int
	Input validator.ReadingInput
	Err   error
}

// HasCSVExtension reports whether filename looks like a CSV upload
func HasCSVExtension(filename string) bool {
	return strings.HasSuffix(strings.ToLower(filename), ".csv")
}

// ParseCSV reads every data row of a bulk upload. A bad row never aborts the
// parse; only an unreadable or incomplete header does.
func ParseCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	// Allow ragged rows so a short line becomes a row error instead of a fatal one
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: file is empty", ErrFormat)
		}
		return nil, fmt.Errorf("%w: failed to read header: %v", ErrFormat, err)
	}

	headerMap := make(map[string]int)
	for i, h := range headers {
		headerMap[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, req := range RequiredColumns {
		if _, ok := headerMap[req]; !ok {
			return nil, fmt.Errorf("%w: columns should be: %s", ErrFormat, strings.Join(RequiredColumns, ", "))
		}
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			line := 0
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				line = perr.StartLine
			}
			rows = append(rows, Row{Line: line, Err: fmt.Errorf("csv read error: %v", err)})
			continue
		}
		line, _ := reader.FieldPos(0)
		if isBlank(record) {
			continue
		}

		get := func(col string) string {
			if idx, ok := headerMap[col]; ok && idx < len(record) {
				return strings.TrimSpace(record[idx])
			}
			return ""
		}
		rows = append(rows, Row{
			Line: line,
			Input: validator.ReadingInput{
				MeterID:    get("meter_id"),
				Value:      get("electricity"),
				UpdateTime: get("update_time"),
			},
		})
	}
	return rows, nil
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
