// Package statestore persists one JSON record per entity (module or job) and
// serialises access to it across goroutines and operating-system processes.
//
// Each record lives at <dir>/<kind>/<id>.json next to a lock file <id>.lock.
// Holders take an exclusive flock(2) on the lock file for the duration of a
// critical section. A record is written back on Close with an atomic
// temp-file-and-rename, or removed when it is no longer live.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"pce/internal/apperrors"
	"pce/pkg/backoff"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/moby/sys/atomicwriter"
	"golang.org/x/sys/unix"
)

const (
	dataExt = ".json"
	lockExt = ".lock"
)

// lockBackoff bounds the poll interval of a blocked acquirer.
var lockBackoff = &backoff.Config{Initial: time.Millisecond, Max: 50 * time.Millisecond, Jitter: 0.5}

// Record is implemented by every persisted entity.
// A record that is not live is removed from disk when its handle closes.
type Record interface {
	Live() bool
}

// Store is a directory of entity records.
type Store struct {
	dir    string
	logger *slog.Logger
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: slog.With("component", "statestore"),
	}, nil
}

// Dir returns the root directory of the store.
func (s *Store) Dir() string {
	return s.dir
}

// Ready checks that the store directory is writable.
func (s *Store) Ready(ctx context.Context) error {
	f, err := os.CreateTemp(s.dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("state dir not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Handle is an open critical section on a single record.
// Rec may be read and mutated freely until Close is called.
type Handle[R any, P interface {
	*R
	Record
}] struct {
	Rec P

	store    *Store
	kind     string
	id       int
	lockFile *os.File
	closed   bool
}

// Open acquires the record identified by (kind, id), creating an empty one if
// none exists. It blocks until the lock is available or ctx is done.
func Open[R any, P interface {
	*R
	Record
}](ctx context.Context, s *Store, kind string, id int) (*Handle[R, P], error) {
	dir := filepath.Join(s.dir, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Internal("statestore.open", err)
	}

	lockPath := s.path(kind, id, lockExt)
	f, err := acquire(ctx, lockPath)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, apperrors.Internal("statestore.lock", err)
	}

	h := &Handle[R, P]{
		Rec:      P(new(R)),
		store:    s,
		kind:     kind,
		id:       id,
		lockFile: f,
	}

	data, err := os.ReadFile(s.path(kind, id, dataExt))
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Absent record: start from the zero value.
	case err != nil:
		h.release()
		return nil, apperrors.Internal("statestore.read", err)
	default:
		if err := json.Unmarshal(data, h.Rec); err != nil {
			s.logger.Warn("Discarding corrupt record", "kind", kind, "id", id, "error", err)
			h.Rec = P(new(R))
		}
	}

	return h, nil
}

// With runs fn inside the critical section of (kind, id) and persists the
// record afterwards, even when fn returns an error.
func With[R any, P interface {
	*R
	Record
}](ctx context.Context, s *Store, kind string, id int, fn func(P) error) error {
	h, err := Open[R, P](ctx, s, kind, id)
	if err != nil {
		return err
	}
	fnErr := fn(h.Rec)
	if err := h.Close(); err != nil {
		return err
	}
	return fnErr
}

// Close persists or removes the record and releases the lock.
// Calling Close more than once is a no-op.
func (h *Handle[R, P]) Close() error {
	if h.closed {
		return nil
	}
	defer h.release()

	dataPath := h.store.path(h.kind, h.id, dataExt)
	if !h.Rec.Live() {
		if err := os.Remove(dataPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return apperrors.Internal("statestore.remove", err)
		}
		// Waiters detect the unlinked lock file by inode and retry.
		if err := os.Remove(h.store.path(h.kind, h.id, lockExt)); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.store.logger.Warn("Failed to remove lock file", "kind", h.kind, "id", h.id, "error", err)
		}
		return nil
	}

	data, err := json.MarshalIndent(h.Rec, "", "  ")
	if err != nil {
		return apperrors.Internal("statestore.marshal", err)
	}
	if err := atomicwriter.WriteFile(dataPath, append(data, '\n'), 0o644); err != nil {
		return apperrors.Internal("statestore.persist", err)
	}
	return nil
}

func (h *Handle[R, P]) release() {
	h.closed = true
	_ = unix.Flock(int(h.lockFile.Fd()), unix.LOCK_UN)
	_ = h.lockFile.Close()
}

// IDs returns the ids of all persisted records of kind, in ascending order.
func (s *Store) IDs(kind string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, kind))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal("statestore.list", err)
	}

	var ids []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, dataExt) {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSuffix(name, dataExt))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) path(kind string, id int, ext string) string {
	return filepath.Join(s.dir, kind, strconv.Itoa(id)+ext)
}

// acquire opens and exclusively locks the lock file at path. If the file was
// unlinked by a deleting holder while we waited, the lock is dropped and
// acquisition starts over on the fresh file.
func acquire(ctx context.Context, path string) (*os.File, error) {
	for {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, err
		}
		if err := flock(ctx, f); err != nil {
			f.Close()
			return nil, err
		}
		if current(f, path) {
			return f, nil
		}
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}
}

func flock(ctx context.Context, f *os.File) error {
	for attempt := 0; ; attempt++ {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return err
		}
		if err := backoff.Wait(ctx, attempt, lockBackoff); err != nil {
			return err
		}
	}
}

// current reports whether f still refers to the file at path.
func current(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	onDisk, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, onDisk)
}
