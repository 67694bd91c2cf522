package store

// LiveStore persists the live meter records document
type LiveStore struct {
	path string
}

// NewLiveStore creates a store backed by the file at path
func NewLiveStore(path string) *LiveStore {
	return &LiveStore{path: path}
}

// Path returns the backing file path
func (s *LiveStore) Path() string {
	return s.path
}

// Load returns the saved records, or an empty mapping when the file is absent.
// A file that exists but does not decode yields an error wrapping ErrCorrupt.
func (s *LiveStore) Load() (Records, LoadStatus, error) {
	return ReadRecords(s.path)
}

// Save overwrites the document with records
func (s *LiveStore) Save(records Records) error {
	return WriteRecords(s.path, records)
}
