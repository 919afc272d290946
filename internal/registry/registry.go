// Package registry is the authoritative membership table: which
// participants belong to which session, and their roles. Membership is
// the only precondition the relay checks before forwarding.
package registry

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/EmilynnJ/studio-sub000/internal/domain"
)

// Conn abstracts the member's signaling transport.
// Owned by the adapter; the adapter must Close() it.
type Conn interface {
	TrySend(data []byte) error
	Close()
}

// Member pairs a participant with its role and transport endpoint.
type Member struct {
	ID   domain.ParticipantID
	Role domain.Role
	Conn Conn
}

type entry struct {
	mu      sync.Mutex
	members map[domain.ParticipantID]*Member
}

// Registry is safe for concurrent use. Operations on different sessions
// never block each other; operations on one session are serialized
// through that session's entry lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*entry
}

func New() *Registry {
	return &Registry{sessions: make(map[domain.SessionID]*entry)}
}

func (r *Registry) getOrCreate(sid domain.SessionID) *entry {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if ok {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.sessions[sid]; ok {
		return e
	}
	e = &entry{members: make(map[domain.ParticipantID]*Member)}
	r.sessions[sid] = e
	return e
}

// Join adds a participant to a session and returns the membership set.
// Re-joining is a no-op apart from refreshing the transport endpoint.
// A second participant claiming an already-held role is rejected.
func (r *Registry) Join(sid domain.SessionID, m *Member) ([]domain.ParticipantID, error) {
	if sid == "" {
		return nil, &domain.ValidationError{Field: "sessionId", Reason: "missing"}
	}
	if m == nil || m.ID == "" {
		return nil, &domain.ValidationError{Field: "participantId", Reason: "missing"}
	}
	e := r.getOrCreate(sid)
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.members[m.ID]; ok {
		// Rejoin: single membership, same role, fresh connection. A
		// new record replaces the old one so the stale socket's
		// cleanup no longer matches and cannot evict this member.
		conn := existing.Conn
		if m.Conn != nil {
			conn = m.Conn
		}
		e.members[m.ID] = &Member{ID: m.ID, Role: existing.Role, Conn: conn}
		return memberIDs(e.members), nil
	}
	for _, other := range e.members {
		if other.Role == m.Role {
			log.Warn().Str("module", "registry").Str("session", string(sid)).
				Str("participant", string(m.ID)).Str("role", m.Role.String()).
				Msg("role already held")
			return nil, &domain.AuthorizationError{SessionID: sid, ParticipantID: m.ID}
		}
	}
	e.members[m.ID] = m
	log.Info().Str("module", "registry").Str("session", string(sid)).
		Str("participant", string(m.ID)).Str("role", m.Role.String()).Msg("member joined")
	return memberIDs(e.members), nil
}

// Leave removes a participant and returns the remaining set. When the
// set becomes empty the entry is garbage-collected; this only drops the
// live-relay bookkeeping, not the session record itself.
func (r *Registry) Leave(sid domain.SessionID, pid domain.ParticipantID) []domain.ParticipantID {
	return r.leave(sid, pid, nil)
}

// LeaveConn removes the participant only while conn is still its
// registered transport. Socket cleanup goes through here: when the
// participant already rejoined on a fresh socket, the dying socket's
// cleanup must not evict the new membership.
func (r *Registry) LeaveConn(sid domain.SessionID, pid domain.ParticipantID, conn Conn) []domain.ParticipantID {
	return r.leave(sid, pid, conn)
}

func (r *Registry) leave(sid domain.SessionID, pid domain.ParticipantID, conn Conn) []domain.ParticipantID {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	removed := false
	if m, ok := e.members[pid]; ok && (conn == nil || m.Conn == conn) {
		delete(e.members, pid)
		removed = true
	}
	remaining := memberIDs(e.members)
	empty := len(e.members) == 0
	e.mu.Unlock()

	if empty {
		r.mu.Lock()
		// Re-check under the write lock: a concurrent Join may have
		// repopulated the entry.
		e.mu.Lock()
		if len(e.members) == 0 {
			delete(r.sessions, sid)
		}
		e.mu.Unlock()
		r.mu.Unlock()
	}
	if removed {
		log.Info().Str("module", "registry").Str("session", string(sid)).
			Str("participant", string(pid)).Msg("member left")
	}
	return remaining
}

// IsMember reports whether the participant currently belongs to the session.
func (r *Registry) IsMember(sid domain.SessionID, pid domain.ParticipantID) bool {
	_, ok := r.Member(sid, pid)
	return ok
}

// Member returns the participant's membership record.
func (r *Registry) Member(sid domain.SessionID, pid domain.ParticipantID) (*Member, bool) {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.members[pid]
	return m, ok
}

// Members returns a snapshot of the session's membership.
func (r *Registry) Members(sid domain.SessionID) []*Member {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Member, 0, len(e.members))
	for _, m := range e.members {
		out = append(out, m)
	}
	return out
}

// Initiator returns the session's offer-creating member, if joined.
func (r *Registry) Initiator(sid domain.SessionID) (*Member, bool) {
	for _, m := range r.Members(sid) {
		if m.Role.CreatesOffers() {
			return m, true
		}
	}
	return nil, false
}

// Drop removes the whole session entry regardless of remaining members.
// Used by session teardown.
func (r *Registry) Drop(sid domain.SessionID) {
	r.mu.Lock()
	delete(r.sessions, sid)
	r.mu.Unlock()
}

func memberIDs(members map[domain.ParticipantID]*Member) []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
