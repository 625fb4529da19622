// Package session holds per-session conversation history in memory.
//
// Every session carries a version drawn from a store-wide counter. A turn
// captures the version when it starts and may only append if the version
// is unchanged when it finishes; Reset assigns a new version, so a reset
// racing an in-flight turn makes that turn's append a no-op.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation.
type Turn struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

type conversation struct {
	version uint64
	turns   []Turn
	touched time.Time
}

// Store is a process-wide, concurrency-safe map of conversations. The
// mutex is only held for map and slice operations, never across calls
// out of the package.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*conversation
	counter  uint64
	idleTTL  time.Duration
	now      func() time.Time
}

// New creates a store. Sessions untouched for idleTTL are removed by
// EvictIdle; zero disables eviction.
func New(idleTTL time.Duration) *Store {
	return &Store{
		sessions: make(map[string]*conversation),
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

// get returns the conversation for id, creating it if needed. Caller
// holds mu.
func (s *Store) get(id string) *conversation {
	c, ok := s.sessions[id]
	if !ok {
		s.counter++
		c = &conversation{version: s.counter}
		s.sessions[id] = c
		slog.Debug("session: created", "session_id", id, "version", c.version)
	}
	c.touched = s.now()
	return c
}

// Snapshot returns the session's current version and a copy of its
// history, creating the session on first access.
func (s *Store) Snapshot(id string) (uint64, []Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.get(id)
	return c.version, append([]Turn(nil), c.turns...)
}

// Append adds turns atomically if the session still has the given
// version. It reports whether the turns were stored; false means the
// session was reset or evicted since the version was captured.
func (s *Store) Append(id string, version uint64, turns ...Turn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[id]
	if !ok || c.version != version {
		return false
	}
	now := s.now()
	for _, t := range turns {
		if t.At.IsZero() {
			t.At = now
		}
		c.turns = append(c.turns, t)
	}
	c.touched = now
	return true
}

// Reset clears the session's history and assigns it a new version that
// is strictly greater than any version handed out before.
func (s *Store) Reset(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.get(id)
	s.counter++
	c.version = s.counter
	c.turns = nil
	slog.Debug("session: reset", "session_id", id, "version", c.version)
	return c.version
}

// History returns a copy of the session's turns without creating it.
func (s *Store) History(id string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[id]
	if !ok {
		return nil
	}
	return append([]Turn(nil), c.turns...)
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// EvictIdle removes sessions untouched since before now minus the idle
// TTL and returns how many were removed.
func (s *Store) EvictIdle(now time.Time) int {
	if s.idleTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.sessions {
		if c.touched.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// Run sweeps idle sessions every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if s.idleTTL <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.EvictIdle(s.now()); n > 0 {
				slog.Info("session: evicted idle sessions", "count", n, "remaining", s.Len())
			}
		}
	}
}
