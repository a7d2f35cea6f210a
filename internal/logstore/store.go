// Package logstore keeps the rolling attendance log: server-confirmed
// recognitions, most recent first, persisted as one named record.
package logstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned by a Persister when the record has never been written.
var ErrNotFound = errors.New("log record not found")

var entriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "kiosk_attendance_log_entries",
	Help: "Entries currently held in the attendance log.",
})

// Entry is one recorded attendance. Entries are never modified after creation.
type Entry struct {
	ID         string    `json:"id,omitempty"`
	Name       string    `json:"name"`
	NIM        string    `json:"nim"`
	Model      string    `json:"model"`
	Confidence string    `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Persister reads and writes the serialized log as a single record.
type Persister interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// Store is the single writer of the attendance log.
type Store struct {
	persister Persister
	retention int

	mu      sync.RWMutex
	entries []Entry
}

// New creates a store. retention caps the number of kept entries; zero keeps all.
func New(p Persister, retention int) *Store {
	if retention < 0 {
		retention = 0
	}
	return &Store{persister: p, retention: retention}
}

// Load reads the persisted log. A missing or corrupt record yields an empty
// log; only I/O failures are returned as errors.
func (s *Store) Load(ctx context.Context) ([]Entry, error) {
	data, err := s.persister.Load(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("load attendance log: %w", err)
	}

	var entries []Entry
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			log.Warn().Err(err).Msg("attendance log is corrupt, starting empty")
			entries = nil
		}
	}
	if s.retention > 0 && len(entries) > s.retention {
		entries = entries[:s.retention]
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	entriesGauge.Set(float64(len(entries)))

	log.Info().Int("entries", len(entries)).Msg("attendance log loaded")
	return s.Entries(), nil
}

// Append records e at the head of the log. The new sequence is persisted
// before it becomes visible; on a persistence error the log is unchanged.
func (s *Store) Append(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]Entry, 0, len(s.entries)+1)
	next = append(next, e)
	next = append(next, s.entries...)
	if s.retention > 0 && len(next) > s.retention {
		next = next[:s.retention]
	}

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode attendance log: %w", err)
	}
	if err := s.persister.Save(ctx, data); err != nil {
		return fmt.Errorf("persist attendance log: %w", err)
	}
	s.entries = next
	entriesGauge.Set(float64(len(next)))

	log.Debug().Str("nim", e.NIM).Int("entries", len(next)).Msg("attendance log appended")
	return nil
}

// Entries returns a copy of the log, most recent first.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Size returns the number of entries.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// AverageConfidence returns the mean confidence over all entries, 0 when empty.
// Entries whose confidence does not parse contribute 0.
func (s *Store) AverageConfidence() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return 0
	}
	var sum float64
	for _, e := range s.entries {
		v, _ := ParseConfidence(e.Confidence)
		sum += v
	}
	return sum / float64(len(s.entries))
}

// FormatAverage renders the average for display: "85.0%", or "0%" when empty.
func (s *Store) FormatAverage() string {
	if s.Size() == 0 {
		return "0%"
	}
	return strconv.FormatFloat(s.AverageConfidence(), 'f', 1, 64) + "%"
}

// ParseConfidence reads the leading number of a confidence string such as
// "97.5", "93.21%" or " 80 ". Trailing text is ignored.
func ParseConfidence(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digits := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
		digits++
	}
	if end < len(s) && s[end] == '.' {
		end++
		for end < len(s) && s[end] >= '0' && s[end] <= '9' {
			end++
			digits++
		}
	}
	if digits == 0 {
		return 0, false
	}
	if end < len(s) && (s[end] == 'e' || s[end] == 'E') {
		exp := end + 1
		if exp < len(s) && (s[exp] == '+' || s[exp] == '-') {
			exp++
		}
		start := exp
		for exp < len(s) && s[exp] >= '0' && s[exp] <= '9' {
			exp++
		}
		if exp > start {
			end = exp
		}
	}
	v, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
