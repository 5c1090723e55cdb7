// Package hub fans out round events to every connected session over a
// single canonical schema, and lets a session that drops its connection
// briefly resume from the last event ID it saw instead of losing state.
package hub

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Session is one connected client's outbound queue. The server package owns
// the websocket connection itself; Hub only ever writes Events onto Outbound.
type Session struct {
	ID       string
	Outbound chan Event

	mu     sync.Mutex
	closed bool
}

// trySend delivers an event without blocking. Tick events are coalesced:
// if the channel is full and the queued item is itself a tick, it is
// replaced with the newer one rather than backing up the whole session
// behind a burst of per-100ms multiplier updates. Non-tick events are never
// dropped silently; if the channel is full for one of those, the session is
// considered stalled and unregistered by the caller.
func (s *Session) trySend(e Event) (delivered bool, stalled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.Outbound <- e:
		return true, false
	default:
	}
	if e.Type == EventTick {
		// Drain one slot if it's safe to do so (best effort; another
		// goroutine may have just consumed it) and retry once.
		select {
		case old := <-s.Outbound:
			if old.Type != EventTick {
				return false, true
			}
		default:
		}
		select {
		case s.Outbound <- e:
			return true, false
		default:
			return false, false
		}
	}
	return false, true
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.Outbound)
	}
}

// SnapshotFunc builds the full current-state event sent to a session whose
// requested resume point has already fallen out of the retention window.
type SnapshotFunc func() Event

// Hub is the process-wide event fan-out. One Hub serves every session; there
// is no per-round or per-user hub instance.
type Hub struct {
	mu           sync.RWMutex
	sessions     map[*Session]bool
	history      []Event
	nextID       uint64
	resyncWindow time.Duration
	snapshot     SnapshotFunc
	log          zerolog.Logger
}

// New builds a Hub retaining resyncWindow's worth of history for resume.
// snapshotFn may be nil if the caller never needs resume-after-gap support
// (e.g. in tests); a real deployment always supplies one.
func New(resyncWindow time.Duration, snapshotFn SnapshotFunc, log zerolog.Logger) *Hub {
	return &Hub{
		sessions:     make(map[*Session]bool),
		resyncWindow: resyncWindow,
		snapshot:     snapshotFn,
		log:          log.With().Str("component", "hub").Logger(),
	}
}

// Register adds a session to the fan-out set.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = true
}

// Unregister removes and closes a session's outbound queue.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; ok {
		delete(h.sessions, s)
	}
	h.mu.Unlock()
	s.close()
}

// SessionCount reports the number of currently registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Publish assigns the next monotonic event ID, retains it in the resync
// window, and fans it out to every registered session. Stalled sessions
// (a full outbound queue on a non-tick event) are unregistered so one slow
// reader can't hold up delivery state for everyone else.
func (h *Hub) Publish(eventType EventType, payload any) Event {
	h.mu.Lock()
	h.nextID++
	e := Event{ID: h.nextID, Type: eventType, Payload: payload, Timestamp: time.Now().UTC()}
	h.history = append(h.history, e)
	h.pruneLocked()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	var stalled []*Session
	for _, s := range sessions {
		_, isStalled := s.trySend(e)
		if isStalled {
			stalled = append(stalled, s)
		}
	}
	for _, s := range stalled {
		h.log.Warn().Str("session_id", s.ID).Msg("hub: unregistering stalled session")
		h.Unregister(s)
	}
	return e
}

// pruneLocked drops history older than resyncWindow. Caller must hold h.mu.
func (h *Hub) pruneLocked() {
	cutoff := time.Now().Add(-h.resyncWindow)
	i := 0
	for i < len(h.history) && h.history[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		h.history = h.history[i:]
	}
}

// Resume replays every retained event after lastSeenID onto s.Outbound. If
// lastSeenID predates the retention window (or the session has never seen
// anything, signaled by lastSeenID == 0, but history itself has already
// rolled past id 1), a single snapshot event is sent instead of a partial
// backlog so the client can rebuild state from a known-consistent base.
func (h *Hub) Resume(s *Session, lastSeenID uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.history) == 0 {
		return
	}
	earliest := h.history[0].ID
	outsideWindow := (lastSeenID == 0 && earliest > 1) || (lastSeenID != 0 && lastSeenID < earliest)
	if outsideWindow && h.snapshot != nil {
		snap := h.snapshot()
		snap.ID = h.nextID
		select {
		case s.Outbound <- snap:
		default:
		}
		return
	}
	for _, e := range h.history {
		if e.ID <= lastSeenID {
			continue
		}
		select {
		case s.Outbound <- e:
		default:
			// Outbound is already full during a resume burst; stop replaying
			// rather than blocking registration.
			return
		}
	}
}
