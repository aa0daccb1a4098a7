package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/talkinghead/internal/voice"
)

var ErrNotFound = voice.ErrSessionNotFound

// ErrInvalidTransition is returned for lifecycle moves the state machine forbids.
var ErrInvalidTransition = fmt.Errorf("invalid session state transition")

var transitions = map[State][]State{
	StateCreated:  {StateActive, StateStopping, StateClosed},
	StateActive:   {StateStopping, StateClosed},
	StateStopping: {StateClosed},
}

// Manager is the registry of recognition sessions. It owns session records and
// their bounded result logs; engine handles live in the recognition manager.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	seq               map[string]int
	inactivityTimeout time.Duration
	resultLimit       int
	onExpire          func(*Session)
	onPurge           func(id string)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration, resultLimit int) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	if resultLimit <= 0 {
		resultLimit = 200
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		seq:               make(map[string]int),
		inactivityTimeout: inactivityTimeout,
		resultLimit:       resultLimit,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// SetPurgeHook registers a callback for closed records the janitor drops.
func (m *Manager) SetPurgeHook(hook func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPurge = hook
}

// Create registers a fresh session under s.ID, replacing any previous record.
// The replaced record is returned so the caller can tear down its engine.
func (m *Manager) Create(s Session) (created *Session, prev *Session) {
	now := m.now()
	s.State = StateCreated
	s.StartedAt = now
	s.LastActivityAt = now
	s.Results = nil
	s.EvictedResults = 0

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.sessions[s.ID]; ok {
		prev = clone(old)
	}
	m.sessions[s.ID] = &s
	m.seq[s.ID] = 0
	return clone(&s), prev
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = m.now()
	return nil
}

// Transition moves a session to the next lifecycle state. Moving to the
// current state is a no-op.
func (m *Manager) Transition(sessionID string, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.State == to {
		return nil
	}
	for _, allowed := range transitions[s.State] {
		if allowed == to {
			s.State = to
			s.LastActivityAt = m.now()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
}

// AppendResult records r in the session log. Offsets are kept non-decreasing:
// a result whose offset precedes the last recorded one is raised to it. The
// oldest results are evicted once the log reaches its limit.
func (m *Manager) AppendResult(sessionID string, r Result) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Result{}, ErrNotFound
	}
	if n := len(s.Results); n > 0 && r.Offset < s.Results[n-1].Offset {
		r.Offset = s.Results[n-1].Offset
	}
	now := m.now()
	m.seq[sessionID]++
	if r.ID == "" {
		r.ID = fmt.Sprintf("%s-%d-%d", sessionID, now.UnixMilli(), m.seq[sessionID])
	}
	r.SessionID = sessionID
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
	if r.Confidence < 0 {
		r.Confidence = 0
	} else if r.Confidence > 1 {
		r.Confidence = 1
	}
	if len(s.Results) >= m.resultLimit {
		drop := len(s.Results) - m.resultLimit + 1
		s.Results = append(s.Results[:0:0], s.Results[drop:]...)
		s.EvictedResults += drop
	}
	s.Results = append(s.Results, r)
	s.LastActivityAt = now
	return r, nil
}

func (m *Manager) Remove(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(m.sessions, sessionID)
	delete(m.seq, sessionID)
	return clone(s), true
}

// List returns all sessions ordered by start time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, clone(s))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// ByClient returns the ids of sessions opened by clientID.
func (m *Manager) ByClient(clientID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, s := range m.sessions {
		if s.ClientID == clientID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.IsActive() {
			count++
		}
	}
	return count
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) expireInactive() {
	now := m.now()
	var expired []*Session
	var purged []string

	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		if s.State == StateClosed {
			// Closed records are kept for one more timeout so a late stop
			// still returns the result log.
			if now.Sub(s.LastActivityAt) >= 2*m.inactivityTimeout {
				delete(m.sessions, id)
				delete(m.seq, id)
				purged = append(purged, id)
			}
			continue
		}
		if !s.IsActive() {
			continue
		}
		s.State = StateStopping
		s.LastActivityAt = now
		expired = append(expired, clone(s))
	}
	hook, purge := m.onExpire, m.onPurge
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
	if purge != nil {
		for _, id := range purged {
			purge(id)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	c.Results = append([]Result(nil), s.Results...)
	if s.Voice != nil {
		v := *s.Voice
		c.Voice = &v
	}
	return &c
}
