package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrExists is returned by Store.Create when a record is already present.
	ErrExists = errors.New("lock record exists")
	// ErrNoRecord is returned by Store.Read when no record is present.
	ErrNoRecord = errors.New("no lock record")
)

// Store persists lock records. Create must be atomic with respect to other
// creators of the same id.
type Store interface {
	Create(info Info) error
	Read(id string) (Info, error)
	Write(info Info) error
	Remove(id string) error
	List() ([]Info, error)
}

// FileStore keeps one JSON record per spec at <dir>/<id>.lock.
type FileStore struct {
	dir string
}

// NewFileStore returns a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore { return &FileStore{dir: dir} }

func (s *FileStore) path(id string) string { return filepath.Join(s.dir, id+".lock") }

// Create publishes info with a hard link from a temp file, so the record
// appears fully written and exactly one creator wins.
func (s *FileStore) Create(info Info) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(s.dir, info.SpecID+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	_, werr := f.Write(data)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return werr
	}
	if err := os.Link(tmp, s.path(info.SpecID)); err != nil {
		if os.IsExist(err) {
			return ErrExists
		}
		return err
	}
	return nil
}

// Read loads the record for id.
func (s *FileStore) Read(id string) (Info, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, ErrNoRecord
		}
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("parse lock %s: %w", id, err)
	}
	if info.SpecID == "" {
		info.SpecID = id
	}
	return info, nil
}

// Write atomically replaces the record.
func (s *FileStore) Write(info Info) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(s.dir, info.SpecID+".*.tmp")
	if err != nil {
		return err
	}
	_, werr := f.Write(data)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(f.Name())
		return werr
	}
	return os.Rename(f.Name(), s.path(info.SpecID))
}

// Remove deletes the record. A missing record is not an error.
func (s *FileStore) Remove(id string) error {
	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List returns every readable record sorted by spec id.
func (s *FileStore) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Info
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".lock" {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".lock")
		info, err := s.Read(id)
		if err != nil {
			slog.Warn("skipping unreadable lock", slog.String("spec_id", id), slog.Any("error", err))
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpecID < out[j].SpecID })
	return out, nil
}

// MemStore is an in-process Store.
type MemStore struct {
	mu      sync.Mutex
	records map[string]Info
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore { return &MemStore{records: make(map[string]Info)} }

func (s *MemStore) Create(info Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[info.SpecID]; ok {
		return ErrExists
	}
	s.records[info.SpecID] = info
	return nil
}

func (s *MemStore) Read(id string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.records[id]
	if !ok {
		return Info{}, ErrNoRecord
	}
	return info, nil
}

func (s *MemStore) Write(info Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[info.SpecID] = info
	return nil
}

func (s *MemStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemStore) List() ([]Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.records))
	for _, info := range s.records {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpecID < out[j].SpecID })
	return out, nil
}
