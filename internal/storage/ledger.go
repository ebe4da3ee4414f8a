package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

const leakPrefix = "leak/"

// LeakEntry records a handle whose deletion failed.
type LeakEntry struct {
	Name       string    `json:"name"`
	JobID      string    `json:"job_id,omitempty"`
	Error      string    `json:"error"`
	Attempts   int       `json:"attempts"`
	RecordedAt time.Time `json:"recorded_at"`
	LastTryAt  time.Time `json:"last_try_at"`
}

// Ledger durably tracks handles that could not be deleted so that
// housekeeping can retry them after the job that owned them has finished.
type Ledger struct {
	db *pebble.DB
}

// OpenLedger opens (or creates) a pebble database at dir.
func OpenLedger(dir string) (*Ledger, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Record stores or updates the entry for h. Repeated records of the same
// handle bump the attempt counter.
func (l *Ledger) Record(h Handle, jobID string, cause error) error {
	now := time.Now().UTC()
	entry := LeakEntry{Name: h.Name(), JobID: jobID, RecordedAt: now}

	existing, err := l.get(h.Name())
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return err
	}
	if existing != nil {
		entry = *existing
		if jobID != "" {
			entry.JobID = jobID
		}
	}
	entry.Attempts++
	entry.LastTryAt = now
	if cause != nil {
		entry.Error = cause.Error()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal leak entry: %w", err)
	}
	if err := l.db.Set([]byte(leakPrefix+h.Name()), data, pebble.Sync); err != nil {
		return fmt.Errorf("store leak entry: %w", err)
	}
	return nil
}

// Resolve forgets the entry for name.
func (l *Ledger) Resolve(name string) error {
	if err := l.db.Delete([]byte(leakPrefix+name), pebble.Sync); err != nil {
		return fmt.Errorf("resolve leak entry: %w", err)
	}
	return nil
}

// Pending returns all unresolved entries ordered by handle name.
func (l *Ledger) Pending() ([]LeakEntry, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(leakPrefix),
		UpperBound: []byte("leak0"), // '0' sorts right after '/'
	})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	var entries []LeakEntry
	for iter.First(); iter.Valid(); iter.Next() {
		var entry LeakEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			continue // Skip invalid records
		}
		entries = append(entries, entry)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iteration error: %w", err)
	}
	return entries, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) get(name string) (*LeakEntry, error) {
	value, closer, err := l.db.Get([]byte(leakPrefix + name))
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var entry LeakEntry
	if err := json.Unmarshal(value, &entry); err != nil {
		return nil, fmt.Errorf("decode leak entry: %w", err)
	}
	return &entry, nil
}
