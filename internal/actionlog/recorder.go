// Package actionlog appends auditable actions to a plain-text log file, one
// "<YYYY-MM-DD HH:MM:SS> - <message>" line per action.
package actionlog

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap/zapcore"
)

const timeLayout = "2006-01-02 15:04:05"

// Clock supplies the timestamp of each line
type Clock interface {
	Now() time.Time
}

// Recorder writes action lines through a zapcore console encoder
type Recorder struct {
	core  zapcore.Core
	clock Clock
	file  *os.File
}

// Open creates or appends to the log file at path
func Open(path string, clock Clock) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open action log %s: %w", path, err)
	}
	r := New(zapcore.AddSync(f), clock)
	r.file = f
	return r, nil
}

// New creates a recorder writing to ws
func New(ws zapcore.WriteSyncer, clock Clock) *Recorder {
	if clock == nil {
		clock = zapcore.DefaultClock
	}
	encoder := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:          "time",
		MessageKey:       "message",
		EncodeTime:       zapcore.TimeEncoderOfLayout(timeLayout),
		ConsoleSeparator: " - ",
		LineEnding:       zapcore.DefaultLineEnding,
	})
	return &Recorder{
		core:  zapcore.NewCore(encoder, zapcore.Lock(ws), zapcore.DebugLevel),
		clock: clock,
	}
}

// Record appends one line for message
func (r *Recorder) Record(message string) error {
	entry := zapcore.Entry{
		Level:   zapcore.InfoLevel,
		Time:    r.clock.Now(),
		Message: message,
	}
	if err := r.core.Write(entry, nil); err != nil {
		return fmt.Errorf("failed to write action log: %w", err)
	}
	return nil
}

// Close syncs and closes the underlying file, if the recorder opened one
func (r *Recorder) Close() error {
	if r.file == nil {
		return nil
	}
	if err := r.core.Sync(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}
