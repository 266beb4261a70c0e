// Package errorlog keeps a bounded, newest-first log of upstream errors
// with JSON persistence.
package errorlog

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// Capacity bounds the ring; the oldest entries are evicted first.
	Capacity = 500
	// MaxRequestBodyBytes truncates captured request bodies.
	MaxRequestBodyBytes = 10 * 1024
	// FileName is the persistence file under the data directory.
	FileName = "error_logs.json"
)

// Error type tags.
const (
	TypeBadRequest  = "400"
	TypeRateLimited = "429"
	TypeOther       = "other"
)

// Entry is one observed upstream error.
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	AccountName string    `json:"account_name"`
	StatusCode  int       `json:"status_code"`
	ErrorType   string    `json:"error_type"`
	Message     string    `json:"message"`
	IsStream    bool      `json:"is_stream"`
	RequestBody *string   `json:"request_body,omitempty"`
}

// Store is the ring buffer. All operations hold one lock.
type Store struct {
	mu      sync.Mutex
	entries []Entry
	path    string
	logger  *slog.Logger
}

// NewStore creates a store persisting under dataDir.
func NewStore(dataDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:   filepath.Join(dataDir, FileName),
		logger: logger,
	}
}

// ClassifyStatus maps an HTTP status to an error type tag.
func ClassifyStatus(status int) string {
	switch status {
	case 400:
		return TypeBadRequest
	case 429:
		return TypeRateLimited
	default:
		return TypeOther
	}
}

// TruncateBody clips a request body for capture. Only 400 entries carry
// bodies.
func TruncateBody(body []byte) *string {
	if len(body) > MaxRequestBodyBytes {
		body = body[:MaxRequestBodyBytes]
	}
	s := string(body)
	return &s
}

// Add pushes an entry to the front and evicts past capacity, then
// opportunistically persists. A failed save is logged, never fatal.
func (s *Store) Add(entry Entry) {
	s.mu.Lock()
	s.entries = append([]Entry{entry}, s.entries...)
	if len(s.entries) > Capacity {
		s.entries = s.entries[:Capacity]
	}
	snapshot := make([]Entry, len(s.entries))
	copy(snapshot, s.entries)
	s.mu.Unlock()

	if err := s.save(snapshot); err != nil {
		s.logger.Warn("failed to persist error log", "error", err)
	}
}

// List returns the entries newest first.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear drops all entries and rewrites the file.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()

	if err := s.save(nil); err != nil {
		s.logger.Warn("failed to persist cleared error log", "error", err)
	}
}

// Save persists the current entries.
func (s *Store) Save() error {
	s.mu.Lock()
	snapshot := make([]Entry, len(s.entries))
	copy(snapshot, s.entries)
	s.mu.Unlock()

	return s.save(snapshot)
}

func (s *Store) save(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}

// Load reads the persisted file, sorts newest first, and truncates to
// capacity. A missing file is not an error.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	if len(entries) > Capacity {
		entries = entries[:Capacity]
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return nil
}
