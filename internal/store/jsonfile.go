package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrCorrupt is returned when a persisted document exists but does not decode
var ErrCorrupt = errors.New("persisted file is corrupt")

// LoadStatus tells an absent file apart from a loaded one
type LoadStatus int

const (
	// Absent means no file existed; an empty mapping was returned.
	Absent LoadStatus = iota
	// Loaded means the file was read and decoded.
	Loaded
)

func (s LoadStatus) String() string {
	if s == Loaded {
		return "loaded"
	}
	return "absent"
}

// ReadRecords decodes the records document at path.
func ReadRecords(path string) (Records, LoadStatus, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Records{}, Absent, nil
	}
	if err != nil {
		return nil, Absent, fmt.Errorf("failed to read %s: %w", path, err)
	}

	records := Records{}
	if len(data) == 0 {
		return nil, Loaded, fmt.Errorf("%w: %s is empty", ErrCorrupt, path)
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, Loaded, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	for id, acc := range records {
		if acc == nil {
			return nil, Loaded, fmt.Errorf("%w: %s: meter %q has a null record", ErrCorrupt, path, id)
		}
		if acc.MeterReadings == nil {
			acc.MeterReadings = []Reading{}
		}
	}
	return records, Loaded, nil
}

// WriteRecords atomically replaces the document at path. The data is
// written to a temporary file in the same directory, synced, then renamed
// over the target so readers never see a partial document.
func WriteRecords(path string, records Records) error {
	data, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
