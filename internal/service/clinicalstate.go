package service

import (
	"container/list"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/weekijie/sturgeon/internal/apperr"
	"github.com/weekijie/sturgeon/internal/model"
)

const (
	defaultMaxSessions = 500
	// sessionSizeCap bounds a session's serialized size; above
	// it, compaction runs before the next write is accepted.
	sessionSizeCap = 16 * 1024
	episodeSummaryCap = 1024
	maxKeyFindings     = 20
	maxFullRounds       = 2
	maxEvidencePerEntry = 4
)

// sessionEntry pairs a session's clinical state with its LRU list element
// and a dedicated turn-serialization lock.
type sessionEntry struct {
	state   *model.ClinicalState
	elem    *list.Element
	turnMu  sync.Mutex
	busy    bool
}

// SessionStore holds bounded per-session clinical state with LRU
// eviction and per-session turn serialization. It is the single owner of
// all ClinicalState values; callers never hold a reference across turns
//.
type SessionStore struct {
	mu          sync.Mutex
	sessions    map[string]*sessionEntry
	order       *list.List // front = most recently used
	maxSessions int
}

// NewSessionStore creates a SessionStore bounded to maxSessions (default 500).
func NewSessionStore(maxSessions int) *SessionStore {
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	return &SessionStore{
		sessions:    make(map[string]*sessionEntry),
		order:       list.New(),
		maxSessions: maxSessions,
	}
}

// GetOrCreate returns the session for sessionID, creating a new session (and
// id) when sessionID is empty. A non-empty sessionID that does not exist,
// because it was never created or has since been evicted, is a typed
// INPUT_INVALID error ("unknown session").
func (s *SessionStore) GetOrCreate(sessionID string) (*model.ClinicalState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID == "" {
		sessionID = uuid.NewString()
		state := model.NewClinicalState(sessionID)
		entry := &sessionEntry{state: state}
		entry.elem = s.order.PushFront(sessionID)
		s.sessions[sessionID] = entry
		s.evictIfNeededLocked()
		return state, nil
	}

	entry, ok := s.sessions[sessionID]
	if !ok {
		return nil, apperr.InputInvalidf("unknown session")
	}
	s.order.MoveToFront(entry.elem)
	return entry.state, nil
}

// BeginTurn acquires the per-session serialization lock for sessionID
// without blocking: a concurrent turn on the same session is rejected with
// SESSION_BUSY rather than queued. The returned
// release func must be called exactly once, regardless of outcome.
func (s *SessionStore) BeginTurn(sessionID string) (release func(), err error) {
	s.mu.Lock()
	entry, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, apperr.InputInvalidf("unknown session")
	}

	if !entry.turnMu.TryLock() {
		return nil, apperr.SessionBusyErr(sessionID)
	}
	return entry.turnMu.Unlock, nil
}

// Update applies mutator to the session's state and runs compaction. The
// caller must hold the lock returned by BeginTurn; state writes happen only
// after a full turn succeeds, so mutator should be called at most once
// per successful turn.
func (s *SessionStore) Update(sessionID string, mutator func(*model.ClinicalState) error) error {
	s.mu.Lock()
	entry, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return apperr.InputInvalidf("unknown session")
	}

	if err := mutator(entry.state); err != nil {
		return err
	}
	compact(entry.state)

	s.mu.Lock()
	s.order.MoveToFront(entry.elem)
	s.mu.Unlock()
	return nil
}

// Len returns the current number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// MaxSessions returns the configured session capacity, for the /health
// payload's sessions.max field.
func (s *SessionStore) MaxSessions() int {
	return s.maxSessions
}

// evictIfNeededLocked evicts the least-recently-used session when the store
// is over capacity. Caller must hold s.mu.
func (s *SessionStore) evictIfNeededLocked() {
	for s.order.Len() > s.maxSessions {
		back := s.order.Back()
		if back == nil {
			return
		}
		id := back.Value.(string)
		s.order.Remove(back)
		delete(s.sessions, id)
	}
}

// compact bounds the serialized session: fold rounds older than the
// last 2 into episode summaries, trim evidence arrays, and bound
// key_findings, whenever the serialized state exceeds sessionSizeCap.
func compact(state *model.ClinicalState) {
	if estimateSize(state) <= sessionSizeCap {
		return
	}

	if len(state.Rounds) > maxFullRounds {
		toFold := state.Rounds[:len(state.Rounds)-maxFullRounds]
		for _, r := range toFold {
			state.EpisodeSummaries = append(state.EpisodeSummaries, summarizeRound(r))
		}
		state.Rounds = state.Rounds[len(state.Rounds)-maxFullRounds:]
	}

	for i := range state.Differential {
		state.Differential[i].SupportingEvidence = capStrings(state.Differential[i].SupportingEvidence, maxEvidencePerEntry)
		state.Differential[i].AgainstEvidence = capStrings(state.Differential[i].AgainstEvidence, maxEvidencePerEntry)
	}

	if len(state.KeyFindings) > maxKeyFindings {
		state.KeyFindings = state.KeyFindings[len(state.KeyFindings)-maxKeyFindings:]
	}
}

func summarizeRound(r model.Round) string {
	summary := "Challenge: " + r.UserChallenge + " -> " + r.AIResponse
	if len(summary) > episodeSummaryCap {
		summary = summary[:episodeSummaryCap]
	}
	return summary
}

func capStrings(items []string, max int) []string {
	if len(items) <= max {
		return items
	}
	return items[:max]
}

// estimateSize approximates a session's serialized size via JSON marshaling.
// Marshal failures (none expected for this type) are treated as "at cap" so
// compaction still runs defensively.
func estimateSize(state *model.ClinicalState) int {
	b, err := json.Marshal(state)
	if err != nil {
		return sessionSizeCap + 1
	}
	return len(b)
}
