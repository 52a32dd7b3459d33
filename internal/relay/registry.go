// Package relay implements the server side of the presence and
// call-signaling protocol: a registry of connected sessions and a
// coordinator that routes events between them. The relay never
// interprets SDP or candidate payloads; it only rewrites addressing.
package relay

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkoval/hallway/internal/domain"
)

// SignalSender is a transport endpoint owned by the adapter that
// created it; the adapter must Close() it.
type SignalSender interface {
	TrySend(data []byte) error
	Close()
}

type sessionEntry struct {
	Conn        SignalSender
	Participant *domain.Participant
	Registered  bool
	Cancel      context.CancelFunc
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.SessionID]*sessionEntry)}
}

func (r *Registry) Bind(sid domain.SessionID, conn SignalSender, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{Conn: conn, Cancel: cancel}
	log.Info().Str("module", "relay.registry").Str("sid", string(sid)).Msg("bound session")
}

// Register binds a display name to the session. Calling it again just
// updates the name; the relay keeps the same session identity.
func (r *Registry) Register(sid domain.SessionID, name string) (*domain.Participant, error) {
	if err := domain.ValidateName(name); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil, ErrUnknownSession
	}
	if e.Participant == nil {
		e.Participant = domain.NewParticipant(sid, name)
	} else {
		e.Participant.Name = name
	}
	e.Registered = true
	log.Info().Str("module", "relay.registry").Str("sid", string(sid)).Str("name", name).Msg("registered")
	return e.Participant, nil
}

func (r *Registry) IsRegistered(sid domain.SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	return ok && e.Registered
}

func (r *Registry) Conn(sid domain.SessionID) (SignalSender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Conn, true
	}
	return nil, false
}

func (r *Registry) Participant(sid domain.SessionID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok && e.Participant != nil {
		return *e.Participant, true
	}
	return domain.Participant{}, false
}

// UpdateState records a movement delta as the session's last-known
// state. Last write wins; the relay trusts the sender.
func (r *Registry) UpdateState(sid domain.SessionID, pos domain.Position, facing domain.Facing, moving bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok || !e.Registered {
		return false
	}
	e.Participant.Position = pos
	if facing.Valid() {
		e.Participant.Facing = facing
	}
	e.Participant.Moving = moving
	return true
}

// Snapshot returns every registered participant except the excluded
// session, for the late-join bootstrap.
func (r *Registry) Snapshot(exclude domain.SessionID) []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if sid == exclude || !e.Registered {
			continue
		}
		out = append(out, *e.Participant)
	}
	return out
}

// Count reports registered participants only; bound-but-anonymous
// channels don't show in the player count.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.sessions {
		if e.Registered {
			n++
		}
	}
	return n
}

type regSnap struct {
	SID  domain.SessionID
	Conn SignalSender
}

func (r *Registry) registeredConns(exclude domain.SessionID) []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regSnap, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if sid == exclude || !e.Registered {
			continue
		}
		out = append(out, regSnap{SID: sid, Conn: e.Conn})
	}
	return out
}

func (r *Registry) Unbind(sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
	log.Info().Str("module", "relay.registry").Str("sid", string(sid)).Msg("unbind session")
}

// CancelSession fires the context cancel bound to the session, which
// tears the transport pumps down.
func (r *Registry) CancelSession(sid domain.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "relay.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
