// Package archive accumulates readings moved out of the live store by the
// nightly backup. Merges are idempotent: a reading already archived for a
// meter, identified by its (time, reading) pair, is never appended twice, so
// a backup interrupted between writing the archive and clearing the live
// store can simply be run again.
package archive

import (
	"fmt"
	"sort"

	"github.com/septivank/electricity-meter-portal/internal/store"
)

// Store persists the archive document
type Store struct {
	path string
}

// NewStore creates an archive store backed by the file at path
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path
func (s *Store) Path() string {
	return s.path
}

// Load returns the archive, or an empty mapping when the file is absent
func (s *Store) Load() (store.Records, store.LoadStatus, error) {
	return store.ReadRecords(s.path)
}

// MeterBackup describes what one backup appended for a single meter
type MeterBackup struct {
	MeterID  string
	Account  store.Account
	Appended []store.Reading
	// Archived is the meter's complete archived reading list after the merge.
	Archived []store.Reading
	// Skipped counts live readings that were already archived.
	Skipped int
}

// Report summarizes a backup run
type Report struct {
	Meters        []MeterBackup
	TotalAppended int
	TotalSkipped  int
}

type readingKey struct {
	time  string
	value float64
}

// Merge folds the live readings into archived and returns what was appended.
// Profile fields of already archived meters are refreshed from live.
func Merge(archived, live store.Records) Report {
	ids := make([]string, 0, len(live))
	for id := range live {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var report Report
	for _, id := range ids {
		acc := live[id]
		mb := MeterBackup{MeterID: id}

		existing, ok := archived[id]
		if !ok {
			existing = acc.Clone()
			existing.MeterReadings = []store.Reading{}
			archived[id] = existing
		} else {
			existing.Username = acc.Username
			existing.DwellingType = acc.DwellingType
			existing.Region = acc.Region
			existing.Area = acc.Area
			existing.NextMeterUpdateTime = acc.NextMeterUpdateTime
		}

		seen := make(map[readingKey]struct{}, len(existing.MeterReadings))
		for _, r := range existing.MeterReadings {
			seen[readingKey{r.Time, r.Reading}] = struct{}{}
		}
		for _, r := range acc.MeterReadings {
			k := readingKey{r.Time, r.Reading}
			if _, dup := seen[k]; dup {
				mb.Skipped++
				continue
			}
			seen[k] = struct{}{}
			existing.MeterReadings = append(existing.MeterReadings, r)
			mb.Appended = append(mb.Appended, r)
		}

		mb.Archived = append([]store.Reading(nil), existing.MeterReadings...)
		mb.Account = *existing.Clone()
		mb.Account.MeterReadings = nil
		report.TotalAppended += len(mb.Appended)
		report.TotalSkipped += mb.Skipped
		report.Meters = append(report.Meters, mb)
	}
	return report
}

// BackupAndClear merges every live reading into the archive, writes the
// archive, then clears each live reading list (profiles are kept) and
// persists the live store. live is modified in place.
func (s *Store) BackupAndClear(live store.Records, liveStore *store.LiveStore) (Report, error) {
	archived, _, err := s.Load()
	if err != nil {
		return Report{}, fmt.Errorf("failed to load archive: %w", err)
	}

	report := Merge(archived, live)

	if err := store.WriteRecords(s.path, archived); err != nil {
		return Report{}, fmt.Errorf("failed to write archive: %w", err)
	}

	for _, acc := range live {
		acc.MeterReadings = []store.Reading{}
	}
	if err := liveStore.Save(live); err != nil {
		return report, fmt.Errorf("archive written but failed to clear live store: %w", err)
	}

	return report, nil
}
