// Package store implements the task-scoped durable State Store: one bbolt
// database per task holding one Process Record per block, plus a
// supplemental bucket archiving flow-document versions.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Status is a Process Record's lifecycle state.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	// StatusSkipped is the distinct-status resolution of the spec's
	// skip_if_previous_failed open question: downstream scheduling treats
	// it identically to StatusDone for completed-set membership.
	StatusSkipped Status = "skipped"
)

// IsTerminal reports whether status cannot transition further on its own.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// CompletedForScheduling reports whether status counts as "completed" for
// the purpose of unblocking dependents (done or skipped).
func (s Status) CompletedForScheduling() bool {
	return s == StatusDone || s == StatusSkipped
}

// Record is one Process Record: the durable row for a single block within
// one task.
type Record struct {
	Name          string   `json:"name"`
	UID           string   `json:"uid"`
	PID           int      `json:"pid,omitempty"`
	Status        Status   `json:"status"`
	Phase         int      `json:"phase"`
	Progress      int      `json:"progress"`
	StartTime     time.Time `json:"start_time,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
	ExitCode      *int     `json:"exit_code,omitempty"`
	BlockingPause bool     `json:"blocking_pause"`
	Agent         string   `json:"agent,omitempty"`
	DependsOn     []string `json:"depends_on,omitempty"`
	RunCount      int      `json:"run_count"`
	MaxRuns       int      `json:"max_runs"`

	// PrevStatus remembers the status a pause overrode, so resume can
	// restore it (spec.md §4.6 pause/resume semantics).
	PrevStatus Status `json:"prev_status,omitempty"`
}

var (
	bucketRecords  = []byte("records")
	bucketVersions = []byte("versions")
)

// Store is a bbolt-backed, single-writer-per-task state store with a warm
// in-memory cache of records for fast reads by the coordinator.
type Store struct {
	db   *bbolt.DB
	mu   sync.RWMutex
	warm map[string]*Record

	readDur  metric.Float64Histogram
	writeDur metric.Float64Histogram
}

// Open opens (creating if needed) the bbolt database at path and warms the
// in-memory cache from its records bucket.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "store: open %s", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketRecords, bucketVersions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: create buckets")
	}
	meter := otel.Meter("rein")
	readDur, _ := meter.Float64Histogram("rein_store_read_ms")
	writeDur, _ := meter.Float64Histogram("rein_store_write_ms")
	s := &Store{db: db, warm: make(map[string]*Record), readDur: readDur, writeDur: writeDur}
	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			s.warm[string(k)] = &rec
			return nil
		})
	})
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert atomically writes rec, committing to disk before it is reflected
// in the warm cache other goroutines observe.
func (s *Store) Upsert(rec *Record) error {
	start := time.Now()
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "store: marshal record")
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).Put([]byte(rec.Name), raw)
	})
	if err != nil {
		return errors.Wrapf(err, "store: upsert %s", rec.Name)
	}
	s.mu.Lock()
	cp := *rec
	s.warm[rec.Name] = &cp
	s.mu.Unlock()
	if s.writeDur != nil {
		s.writeDur.Record(context.Background(), float64(time.Since(start).Milliseconds()))
	}
	return nil
}

// Get returns the record for name, and whether it exists.
func (s *Store) Get(name string) (*Record, bool) {
	start := time.Now()
	s.mu.RLock()
	rec, ok := s.warm[name]
	s.mu.RUnlock()
	if s.readDur != nil {
		s.readDur.Record(context.Background(), float64(time.Since(start).Milliseconds()))
	}
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// All returns every record ordered by (phase, name).
func (s *Store) All() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.warm))
	for _, r := range s.warm {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Phase != out[j].Phase {
			return out[i].Phase < out[j].Phase
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Clear wipes the records table. Fresh runs only.
func (s *Store) Clear() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketRecords); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(bucketRecords)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "store: clear")
	}
	s.mu.Lock()
	s.warm = make(map[string]*Record)
	s.mu.Unlock()
	return nil
}

// PutVersion archives a flow document body under a version key, supporting
// the workflow/task version-history supplemented feature.
func (s *Store) PutVersion(key string, body []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVersions).Put([]byte(key), body)
	})
}

// Versions returns all archived version keys present in the store.
func (s *Store) Versions() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVersions).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Stats reports coarse counts for the read-only statistics surface.
type Stats struct {
	TotalRecords int            `json:"total_records"`
	ByStatus     map[Status]int `json:"by_status"`
}

// Stats computes a snapshot summary of the warm cache.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{ByStatus: make(map[Status]int)}
	for _, r := range s.warm {
		st.TotalRecords++
		st.ByStatus[r.Status]++
	}
	return st
}
