// Package lock implements advisory, PID-tagged locks keyed by spec id.
//
// A lock whose owning process is gone is stale. The manager detects
// staleness and hands the caller a handle it may reclaim; whether to reclaim
// is the caller's policy.
package lock

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

var (
	// ErrLocked matches every *AlreadyLockedError.
	ErrLocked = errors.New("spec is locked")
	// ErrStale matches every *StaleLockError.
	ErrStale = errors.New("stale lock")
	// ErrNotHeld is returned when releasing a lock the caller no longer owns.
	ErrNotHeld = errors.New("lock not held")
)

// Info is the persisted lock record.
type Info struct {
	SpecID     string    `json:"spec_id"`
	PID        int       `json:"pid"`
	AgentPID   int       `json:"agent_pid,omitempty"`
	Token      string    `json:"token"`
	Host       string    `json:"host,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	Detached   bool      `json:"detached,omitempty"`
}

// OwnerPID is the process whose liveness keeps the lock alive: the agent for
// a detached lock, the launcher otherwise.
func (i Info) OwnerPID() int {
	if i.Detached && i.AgentPID > 0 {
		return i.AgentPID
	}
	return i.PID
}

// State classifies a lock record.
type State string

const (
	StateAbsent State = "absent"
	StateHeld   State = "held"
	StateStale  State = "stale"
)

// Entry is a record plus its liveness classification.
type Entry struct {
	Info
	State State
}

// Liveness reports whether pid is a running process.
type Liveness func(pid int) bool

// ProcessAlive probes pid with signal 0. EPERM means the process exists
// but belongs to another user.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// AlreadyLockedError reports a lock held by a live process.
type AlreadyLockedError struct {
	Holder Info
}

func (e *AlreadyLockedError) Error() string {
	return fmt.Sprintf("spec %s is locked by pid %d since %s", e.Holder.SpecID, e.Holder.OwnerPID(), e.Holder.AcquiredAt.Format(time.RFC3339))
}

func (e *AlreadyLockedError) Unwrap() error { return ErrLocked }

// StaleLockError reports a lock whose owner is gone. Handle.Reclaim takes
// the lock over.
type StaleLockError struct {
	Holder Info
	Handle *Handle
}

func (e *StaleLockError) Error() string {
	return fmt.Sprintf("spec %s has a stale lock from dead pid %d", e.Holder.SpecID, e.Holder.OwnerPID())
}

func (e *StaleLockError) Unwrap() error { return ErrStale }

// Handle is a held lock, or for a StaleLockError a lock that may be
// reclaimed.
type Handle struct {
	m     *Manager
	info  Info
	stale *Info
}

// Info returns the record this handle owns.
func (h *Handle) Info() Info { return h.info }

// SpecID returns the locked spec id.
func (h *Handle) SpecID() string { return h.info.SpecID }

// Reclaim replaces the stale record with this handle's. It fails if the
// record changed or its owner came back since detection.
func (h *Handle) Reclaim() error {
	if h.stale == nil {
		return fmt.Errorf("spec %s: handle is not a stale lock", h.info.SpecID)
	}
	return h.m.reclaim(h)
}

// Release releases the lock held by h.
func (h *Handle) Release() error { return h.m.Release(h) }

// Manager acquires and releases locks.
type Manager struct {
	store Store
	alive Liveness

	// PID and Host are recorded in new locks.
	PID  int
	Host string
	Now  func() time.Time

	mu sync.Mutex
}

// NewManager returns a Manager over store. alive defaults to ProcessAlive.
func NewManager(store Store, alive Liveness) *Manager {
	if alive == nil {
		alive = ProcessAlive
	}
	host, _ := os.Hostname()
	return &Manager{store: store, alive: alive, PID: os.Getpid(), Host: host, Now: time.Now}
}

func (m *Manager) newInfo(id string) Info {
	return Info{
		SpecID:     id,
		PID:        m.PID,
		Token:      uuid.NewString(),
		Host:       m.Host,
		AcquiredAt: m.Now().UTC(),
	}
}

// Acquire takes the lock for id. It returns *AlreadyLockedError when a live
// process holds it and *StaleLockError when the holder is gone.
func (m *Manager) Acquire(id string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.newInfo(id)
	for attempt := 0; attempt < 3; attempt++ {
		err := m.store.Create(info)
		if err == nil {
			return &Handle{m: m, info: info}, nil
		}
		if !errors.Is(err, ErrExists) {
			return nil, fmt.Errorf("acquire lock %s: %w", id, err)
		}
		cur, err := m.store.Read(id)
		if errors.Is(err, ErrNoRecord) {
			// released between Create and Read
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", id, err)
		}
		if m.alive(cur.OwnerPID()) {
			return nil, &AlreadyLockedError{Holder: cur}
		}
		return nil, &StaleLockError{Holder: cur, Handle: &Handle{m: m, info: info, stale: &cur}}
	}
	return nil, fmt.Errorf("acquire lock %s: record keeps changing", id)
}

// AcquireOrReclaim is Acquire that reclaims a stale lock when reclaim is set.
func (m *Manager) AcquireOrReclaim(id string, reclaim bool) (*Handle, error) {
	h, err := m.Acquire(id)
	var stale *StaleLockError
	if !reclaim || !errors.As(err, &stale) {
		return h, err
	}
	if err := stale.Handle.Reclaim(); err != nil {
		return nil, err
	}
	return stale.Handle, nil
}

func (m *Manager) reclaim(h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := h.info.SpecID
	cur, err := m.store.Read(id)
	switch {
	case errors.Is(err, ErrNoRecord):
		if err := m.store.Create(h.info); err != nil {
			return fmt.Errorf("reclaim lock %s: %w", id, err)
		}
	case err != nil:
		return fmt.Errorf("reclaim lock %s: %w", id, err)
	case cur.Token != h.stale.Token:
		return fmt.Errorf("reclaim lock %s: %w", id, &AlreadyLockedError{Holder: cur})
	case m.alive(cur.OwnerPID()):
		return &AlreadyLockedError{Holder: cur}
	default:
		if err := m.store.Write(h.info); err != nil {
			return fmt.Errorf("reclaim lock %s: %w", id, err)
		}
	}
	// Another reclaimer may have written after us.
	got, err := m.store.Read(id)
	if err != nil {
		return fmt.Errorf("reclaim lock %s: %w", id, err)
	}
	if got.Token != h.info.Token {
		return &AlreadyLockedError{Holder: got}
	}
	h.stale = nil
	return nil
}

// Release removes the lock if h still owns it.
func (m *Manager) Release(h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.store.Read(h.info.SpecID)
	if errors.Is(err, ErrNoRecord) {
		return fmt.Errorf("release %s: %w", h.info.SpecID, ErrNotHeld)
	}
	if err != nil {
		return err
	}
	if cur.Token != h.info.Token {
		return fmt.Errorf("release %s: %w (taken over by pid %d)", h.info.SpecID, ErrNotHeld, cur.OwnerPID())
	}
	return m.store.Remove(h.info.SpecID)
}

// Detach hands ownership of h to the agent process so the lock stays live
// after the launcher exits.
func (m *Manager) Detach(h *Handle, agentPID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.store.Read(h.info.SpecID)
	if err != nil {
		return fmt.Errorf("detach %s: %w", h.info.SpecID, err)
	}
	if cur.Token != h.info.Token {
		return fmt.Errorf("detach %s: %w", h.info.SpecID, ErrNotHeld)
	}
	cur.AgentPID = agentPID
	cur.Detached = true
	if err := m.store.Write(cur); err != nil {
		return err
	}
	h.info = cur
	return nil
}

// SetAgent records the agent pid on a held lock without detaching.
func (m *Manager) SetAgent(h *Handle, agentPID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.store.Read(h.info.SpecID)
	if err != nil {
		return err
	}
	if cur.Token != h.info.Token {
		return fmt.Errorf("set agent %s: %w", h.info.SpecID, ErrNotHeld)
	}
	cur.AgentPID = agentPID
	if err := m.store.Write(cur); err != nil {
		return err
	}
	h.info = cur
	return nil
}

// Takeover makes the caller the owner of an existing detached or stale lock,
// or of a fresh one when none exists. A live attached lock is refused.
func (m *Manager) Takeover(id string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := m.newInfo(id)
	cur, err := m.store.Read(id)
	if errors.Is(err, ErrNoRecord) {
		if err := m.store.Create(info); err != nil {
			return nil, fmt.Errorf("takeover %s: %w", id, err)
		}
		return &Handle{m: m, info: info}, nil
	}
	if err != nil {
		return nil, err
	}
	if !cur.Detached && m.alive(cur.OwnerPID()) && cur.PID != m.PID {
		return nil, &AlreadyLockedError{Holder: cur}
	}
	if err := m.store.Write(info); err != nil {
		return nil, err
	}
	return &Handle{m: m, info: info}, nil
}

// Break removes a stale lock. Live locks are refused.
func (m *Manager) Break(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.store.Read(id)
	if errors.Is(err, ErrNoRecord) {
		return nil
	}
	if err != nil {
		return err
	}
	if m.alive(cur.OwnerPID()) {
		return &AlreadyLockedError{Holder: cur}
	}
	return m.store.Remove(id)
}

// Inspect classifies the lock of id.
func (m *Manager) Inspect(id string) (Entry, error) {
	cur, err := m.store.Read(id)
	if errors.Is(err, ErrNoRecord) {
		return Entry{Info: Info{SpecID: id}, State: StateAbsent}, nil
	}
	if err != nil {
		return Entry{}, err
	}
	return m.classify(cur), nil
}

// List classifies every lock record.
func (m *Manager) List() ([]Entry, error) {
	infos, err := m.store.List()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(infos))
	for i, info := range infos {
		out[i] = m.classify(info)
	}
	return out, nil
}

func (m *Manager) classify(info Info) Entry {
	if m.alive(info.OwnerPID()) {
		return Entry{Info: info, State: StateHeld}
	}
	return Entry{Info: info, State: StateStale}
}
