// Package history persists one JSON record per scheduled run under
// <state dir>/history and guards against overlapping runs with a lock file.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"monthlyload/internal/config"
	"monthlyload/internal/pipeline"
	"monthlyload/internal/schedule"
	"monthlyload/pkg/errors"
)

// Store manages run records keyed by logical date.
type Store struct {
	stateDir string
	dir      string
	mu       sync.RWMutex
	runs     map[string]*RunRecord
}

// NewStore opens the history under stateDir, creating it if needed.
func NewStore(stateDir string) (*Store, error) {
	dir := filepath.Join(stateDir, "history")
	if err := os.MkdirAll(dir, config.DirPermissionSecure); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeFileOperation, "failed to create history directory").
			WithContext("path", dir)
	}

	s := &Store{stateDir: stateDir, dir: dir}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces the cached records with what is on disk. Lock calls it so
// that decisions taken under the lock see runs finished by other processes.
func (s *Store) Reload() error {
	runs, err := readAll(s.dir)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "failed to load history").
			WithContext("path", s.dir)
	}

	s.mu.Lock()
	s.runs = runs
	s.mu.Unlock()
	return nil
}

// Dir returns the directory holding the run records.
func (s *Store) Dir() string {
	return s.dir
}

// Record stores rec, replacing any earlier record for the same logical date.
func (s *Store) Record(rec *RunRecord) error {
	if _, err := time.Parse(schedule.DateLayout, rec.LogicalDate); err != nil {
		return errors.ValidationError("logical_date", rec.LogicalDate, "want YYYY-MM-DD")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Attempt = 1
	if prev, ok := s.runs[rec.LogicalDate]; ok {
		rec.Attempt = prev.Attempt + 1
	}

	if err := s.save(rec); err != nil {
		return err
	}
	s.runs[rec.LogicalDate] = rec
	return nil
}

// Update applies fn to the record of logicalDate and persists it.
func (s *Store) Update(logicalDate string, fn func(*RunRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[logicalDate]
	if !ok {
		return notFound(logicalDate)
	}

	fn(rec)

	return s.save(rec)
}

// Get returns a copy of the record of logicalDate.
func (s *Store) Get(logicalDate string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.runs[logicalDate]
	if !ok {
		return nil, notFound(logicalDate)
	}
	return clone(rec), nil
}

// List returns up to limit records, newest logical date first. A limit of
// zero or less returns everything.
func (s *Store) List(limit int) []*RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*RunRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		out = append(out, clone(rec))
	}

	// YYYY-MM-DD sorts lexically.
	sort.Slice(out, func(i, j int) bool {
		return out[i].LogicalDate > out[j].LogicalDate
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Succeeded reports whether the run of logicalDate completed successfully.
func (s *Store) Succeeded(logicalDate string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.runs[logicalDate]
	return ok && rec.State == pipeline.RunSuccess
}

func (s *Store) path(logicalDate string) string {
	return filepath.Join(s.dir, logicalDate+".json")
}

func readAll(dir string) (map[string]*RunRecord, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}

	runs := make(map[string]*RunRecord, len(files))
	for _, file := range files {
		rec, err := readRecord(file)
		if err != nil {
			logrus.WithError(err).WithField("file", file).Warn("skipping unreadable run record")
			continue
		}
		if strings.TrimSuffix(filepath.Base(file), ".json") != rec.LogicalDate {
			logrus.WithField("file", file).Warn("skipping run record with mismatched logical date")
			continue
		}
		runs[rec.LogicalDate] = rec
	}
	return runs, nil
}

// save writes rec through a temporary file so a crash never leaves a
// truncated record behind.
func (s *Store) save(rec *RunRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to encode run record")
	}

	target := s.path(rec.LogicalDate)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, config.FilePermissionSecure); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "failed to write run record").
			WithContext("path", tmp)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, errors.ErrCodeFileOperation, "failed to write run record").
			WithContext("path", target)
	}
	return nil
}

func readRecord(file string) (*RunRecord, error) {
	validated, err := config.CleanPath(file)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(validated) // #nosec G304 - path is validated
	if err != nil {
		return nil, err
	}

	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(file), err)
	}
	return &rec, nil
}

func clone(rec *RunRecord) *RunRecord {
	c := *rec
	c.Tasks = append([]TaskRecord(nil), rec.Tasks...)
	if rec.Metadata != nil {
		c.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func notFound(logicalDate string) error {
	return errors.New(errors.ErrCodeNotFound, "run not found").
		WithContext("logical_date", logicalDate)
}
