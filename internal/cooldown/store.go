// Package cooldown keeps the process-wide, persisted set of rate-limited agents.
//
// Every supervisor in the process shares one Store. A record marks an agent as
// unavailable until a point in time; it is written when a rate limit is
// detected, read before every agent start, and cleared by a user bypass or by
// simply expiring (expired records are ignored, not deleted).
package cooldown

import (
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// bypassReason is stored on records force-expired by a user.
const bypassReason = "bypassed by user"

// Record is the cooldown state of one agent.
type Record struct {
	AgentID       string    `json:"agent_id"`
	CooldownUntil time.Time `json:"cooldown_until"`
	Reason        string    `json:"reason"`
}

// Active reports whether the record still blocks the agent at now.
func (r Record) Active(now time.Time) bool {
	return r.CooldownUntil.After(now)
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used by Bypass and file timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for non-fatal persistence problems.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is a mutex-guarded map of cooldown records, optionally persisted to a
// JSON file. All methods are safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	path    string       // empty for a memory-only store
	lock    *flock.Flock // serialises writers across processes
	modTime time.Time    // mtime of the file when last read or written
	records map[string]Record
	bypass  map[string]chan struct{}
	now     func() time.Time
	logger  *log.Logger
}

// Open loads (or creates on first write) the store persisted at path.
func Open(path string, opts ...Option) (*Store, error) {
	s := newStore(opts...)
	s.path = path
	s.lock = flock.New(path + ".lock")

	records, modTime, err := readState(path)
	if err != nil {
		return nil, err
	}
	s.records = records
	s.modTime = modTime
	return s, nil
}

// NewMemoryStore creates a store that is never written to disk.
func NewMemoryStore(opts ...Option) *Store {
	return newStore(opts...)
}

func newStore(opts ...Option) *Store {
	s := &Store{
		records: make(map[string]Record),
		bypass:  make(map[string]chan struct{}),
		now:     time.Now,
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the backing file, or "" for a memory-only store.
func (s *Store) Path() string {
	return s.path
}

// RecordRateLimit marks agentID as cooling down until the given time. When a
// record already exists the later expiry wins. The effective record is
// returned.
func (s *Store) RecordRateLimit(agentID string, until time.Time, reason string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var effective Record
	err := s.update(func() bool {
		existing, ok := s.records[agentID]
		if ok && !until.After(existing.CooldownUntil) {
			effective = existing
			return false
		}
		effective = Record{AgentID: agentID, CooldownUntil: until, Reason: reason}
		s.records[agentID] = effective
		return true
	})
	return effective, err
}

// IsCoolingDown reports whether agentID is blocked at now, how long remains,
// and the recorded reason. Expired records report (false, 0, "").
func (s *Store) IsCoolingDown(agentID string, now time.Time) (bool, time.Duration, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refresh()

	rec, ok := s.records[agentID]
	if !ok || !rec.Active(now) {
		return false, 0, ""
	}
	return true, rec.CooldownUntil.Sub(now), rec.Reason
}

// Get returns the raw record for agentID, expired or not.
func (s *Store) Get(agentID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refresh()
	rec, ok := s.records[agentID]
	return rec, ok
}

// Bypass force-expires the cooldown of agentID and wakes anyone waiting on
// Bypassed for it.
func (s *Store) Bypass(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.update(func() bool {
		s.records[agentID] = Record{
			AgentID:       agentID,
			CooldownUntil: s.now().Add(-time.Second),
			Reason:        bypassReason,
		}
		return true
	})

	s.wake(agentID)
	return err
}

// Bypassed returns a channel that is closed the next time agentID is bypassed.
func (s *Store) Bypassed(agentID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.bypass[agentID]
	if !ok {
		ch = make(chan struct{})
		s.bypass[agentID] = ch
	}
	return ch
}

// List returns the records still active at now, ordered by agent.
func (s *Store) List(now time.Time) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refresh()

	active := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if rec.Active(now) {
			active = append(active, rec)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].AgentID < active[j].AgentID })
	return active
}

// update applies a mutation and persists it. Caller holds s.mu.
//
// The file is the source of truth shared with other processes: under the file
// lock it is re-read, the mutation is applied on top, and the result written
// back. apply reports whether anything changed.
func (s *Store) update(apply func() bool) error {
	if s.path == "" {
		apply()
		return nil
	}

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", s.lock.Path(), err)
	}
	defer s.lock.Unlock()

	records, modTime, err := readState(s.path)
	if err != nil {
		s.logger.Printf("WARNING: ignoring unreadable cooldown file, rewriting from memory: %v", err)
	} else {
		s.replace(records, modTime)
	}

	if !apply() {
		return nil
	}

	modTime, err = writeState(s.path, s.records, s.now())
	if err != nil {
		return fmt.Errorf("persisting cooldowns: %w", err)
	}
	s.modTime = modTime
	return nil
}

// refresh reloads the records when another process replaced the file since
// it was last seen. Caller holds s.mu.
func (s *Store) refresh() {
	if s.path == "" {
		return
	}
	info, err := os.Stat(s.path)
	if err != nil || info.ModTime().Equal(s.modTime) {
		return
	}
	s.reload()
}

// reload re-reads the file unconditionally. Caller holds s.mu.
func (s *Store) reload() {
	records, modTime, err := readState(s.path)
	if err != nil {
		s.logger.Printf("WARNING: keeping in-memory cooldowns: %v", err)
		return
	}
	s.replace(records, modTime)
}

// replace installs records read from the file. Agents whose cooldown was
// active and no longer is were bypassed by another process; their waiters are
// woken. Caller holds s.mu.
func (s *Store) replace(records map[string]Record, modTime time.Time) {
	before := s.records
	s.records = records
	s.modTime = modTime

	now := s.now()
	for agentID := range s.bypass {
		old, ok := before[agentID]
		if !ok || !old.Active(now) {
			continue
		}
		if rec, ok := records[agentID]; ok && rec.Active(now) {
			continue
		}
		s.wake(agentID)
	}
}

// wake closes and forgets the bypass channel of agentID. Caller holds s.mu.
func (s *Store) wake(agentID string) {
	if ch, ok := s.bypass[agentID]; ok {
		close(ch)
		delete(s.bypass, agentID)
	}
}
