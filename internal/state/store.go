package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"smelter/internal/fileutil"
	"smelter/internal/logging"
)

const defaultMaxRetries = 3

// Store owns the persisted pipeline document. A process-level file lock
// guards against concurrent writers; the in-process mutex serializes
// access from goroutines sharing the same store.
type Store struct {
	path       string
	backupPath string
	logger     *slog.Logger
	fileLock   *flock.Flock
	maxRetries int
	now        func() time.Time

	mu  sync.Mutex
	doc *Document
}

// Option adjusts store construction.
type Option func(*Store)

// WithMaxRetries overrides the attempt ceiling for failed items.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open loads the document at path, recovering from the backup copy or
// starting fresh when the primary cannot be read. It takes an exclusive
// file lock for the lifetime of the store.
func Open(path string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("state path is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	store := &Store{
		path:       path,
		backupPath: path + ".bak",
		logger:     logger.With(logging.String(logging.FieldComponent, "state")),
		fileLock:   flock.New(path + ".lock"),
		maxRetries: defaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}

	locked, err := store.fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire state lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("state file %s is locked by another process", path)
	}

	doc, err := store.load()
	if err != nil {
		_ = store.fileLock.Unlock()
		return nil, err
	}
	store.doc = doc
	return store, nil
}

// Path returns the primary document path.
func (s *Store) Path() string {
	return s.path
}

// MaxRetries returns the attempt ceiling applied to failed items.
func (s *Store) MaxRetries() int {
	return s.maxRetries
}

// Close releases the process-level file lock.
func (s *Store) Close() error {
	return s.fileLock.Unlock()
}

// Reset discards all tracked state and persists a fresh document.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc = NewDocument(s.now())
	s.logger.Info("state reset", logging.String(logging.FieldEventType, "state_reset"))
	return s.persistLocked()
}

// Snapshot returns a deep copy of the current document for read-only use.
func (s *Store) Snapshot() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneDocument(s.doc)
}

func (s *Store) load() (*Document, error) {
	doc, err := decodeDocument(s.path)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("state file unreadable, trying backup",
			logging.String(logging.FieldEventType, "state_recovery"),
			logging.Error(err))
	}

	backup, backupErr := decodeDocument(s.backupPath)
	if backupErr == nil {
		s.logger.Warn("state restored from backup",
			logging.String(logging.FieldEventType, "state_recovery"),
			logging.String("backup", s.backupPath))
		return backup, nil
	}

	if !errors.Is(err, fs.ErrNotExist) || !errors.Is(backupErr, fs.ErrNotExist) {
		s.logger.Warn("starting with fresh state",
			logging.String(logging.FieldEventType, "state_recovery"),
			logging.Error(backupErr))
	}
	return NewDocument(s.now()), nil
}

func decodeDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if !doc.valid() {
		return nil, fmt.Errorf("document %s is missing required fields", path)
	}
	if doc.Files == nil {
		doc.Files = map[string]*ItemState{}
	}
	if doc.Statistics.APICalls == nil {
		doc.Statistics.APICalls = map[string]int{}
	}
	if doc.Statistics.SmellBreakdown == nil {
		doc.Statistics.SmellBreakdown = map[string]*SmellStat{}
	}
	return &doc, nil
}

// persistLocked writes the document through a temp file and publishes it
// with an atomic rename. The previous primary is copied aside first so a
// torn write never destroys the last good state. Callers must hold s.mu.
func (s *Store) persistLocked() error {
	s.doc.LastUpdated = s.now()

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp state file: %w", err)
	}

	// Backup rotation is best effort; a failed copy must not block the
	// write of fresh state.
	if err := fileutil.CopyFile(s.path, s.backupPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("state backup rotation failed",
			logging.String(logging.FieldEventType, "state_backup"),
			logging.Error(err))
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("publish state file: %w", err)
	}
	return nil
}

func cloneDocument(doc *Document) (*Document, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("clone state document: %w", err)
	}
	var clone Document
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("clone state document: %w", err)
	}
	return &clone, nil
}
