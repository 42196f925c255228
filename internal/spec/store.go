package spec

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ilocn/specwork/internal/idgen"
)

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("spec not found")
	// ErrExists is returned by Create when the id is taken.
	ErrExists = errors.New("spec already exists")
	// ErrStaleRecord is returned when a record changed on disk since it was read.
	ErrStaleRecord = errors.New("spec record changed since it was read")
)

// Store reads and writes spec records as <dir>/<id>.md. It holds no policy.
// Writes are serialized across processes with an flock on <dir>/.lock.
type Store struct {
	dir string
	mu  sync.Mutex

	// Now stamps UpdatedAt. Tests may replace it.
	Now func() time.Time
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir, Now: time.Now}
}

// Dir returns the records directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the record path for id.
func (s *Store) Path(id string) string { return filepath.Join(s.dir, id+".md") }

// Load reads one record.
func (s *Store) Load(id string) (*Spec, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return Parse(id, data)
}

// List returns every readable record sorted by id. Unparsable records are
// logged and skipped.
func (s *Store) List() ([]*Spec, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var specs []*Spec
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".md")
		sp, err := s.Load(id)
		if err != nil {
			slog.Warn("skipping unreadable spec", slog.String("spec_id", id), slog.Any("error", err))
			continue
		}
		specs = append(specs, sp)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs, nil
}

// Create writes a new record. An empty ID is assigned a fresh one. The write
// uses O_EXCL so two creators of the same id cannot both succeed.
func (s *Store) Create(sp *Spec) error {
	if sp.ID == "" {
		sp.ID = idgen.NewSpecID()
	}
	if sp.Status == "" {
		sp.Status = StatusPending
	}
	if err := sp.Validate(); err != nil {
		return err
	}
	if err := checkID(sp.ID); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	sp.Version = 1
	sp.UpdatedAt = TimePtr(s.Now())
	data, err := Render(sp)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.Path(sp.ID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s: %w", sp.ID, ErrExists)
		}
		return err
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil {
		os.Remove(s.Path(sp.ID))
		return werr
	}
	return cerr
}

// Update loads id, applies fn and writes the result with Version+1, all under
// the store lock. If fn returns an error nothing is written.
func (s *Store) Update(id string, fn func(*Spec) error) (*Spec, error) {
	var out *Spec
	err := s.withLock(func() error {
		cur, err := s.Load(id)
		if err != nil {
			return err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return err
		}
		next.ID = cur.ID
		next.Version = cur.Version + 1
		next.UpdatedAt = TimePtr(s.Now())
		if err := s.write(next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// Replace writes sp if the record on disk still has version expect. The
// caller stamps sp.Version.
func (s *Store) Replace(sp *Spec, expect int64) error {
	return s.withLock(func() error {
		cur, err := s.Load(sp.ID)
		if err != nil {
			return err
		}
		if cur.Version != expect {
			return fmt.Errorf("%s: %w (have version %d, disk has %d)", sp.ID, ErrStaleRecord, expect, cur.Version)
		}
		return s.write(sp)
	})
}

// write renders and atomically replaces the record.
func (s *Store) write(sp *Spec) error {
	if err := sp.Validate(); err != nil {
		return err
	}
	data, err := Render(sp)
	if err != nil {
		return err
	}
	path := s.Path(sp.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// withLock runs fn holding both the in-process mutex and an exclusive flock
// on the store directory.
func (s *Store) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.dir, ".lock"), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("locking spec store: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck
	return fn()
}

func checkID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid spec id %q", id)
	}
	return nil
}
