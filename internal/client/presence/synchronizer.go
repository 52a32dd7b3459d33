// Package presence keeps the local participant and the remote
// replicas in sync over the relay: local movement goes out as deltas,
// remote deltas are applied last-write-wins per session.
package presence

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkoval/hallway/internal/domain"
	"github.com/dkoval/hallway/internal/protocol"
)

// CollisionFunc reports whether the destination point is blocked. It
// is supplied by the collision-map collaborator and must be pure.
type CollisionFunc func(x, y float64) bool

// Broadcaster is the slice of the relay channel presence needs.
type Broadcaster interface {
	Emit(event string, payload any) error
}

type MovementOutcome int

const (
	OutcomeUnchanged MovementOutcome = iota
	OutcomeMoved
)

// InputState is the set of currently held direction keys.
type InputState struct {
	Up, Down, Left, Right bool
}

type Synchronizer struct {
	mu      sync.RWMutex
	self    domain.Participant
	ready   bool
	speed   float64
	blocked CollisionFunc
	emit    Broadcaster

	remotes  map[domain.SessionID]*domain.Participant
	onRemove []func(domain.SessionID)
}

func NewSynchronizer(emit Broadcaster, blocked CollisionFunc, speed float64) *Synchronizer {
	return &Synchronizer{
		speed:   speed,
		blocked: blocked,
		emit:    emit,
		remotes: make(map[domain.SessionID]*domain.Participant),
	}
}

// SetLocal arms the synchronizer with the registered identity and the
// spawn point. Ticks before this are logged no-ops.
func (s *Synchronizer) SetLocal(id domain.SessionID, name string, spawn domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self = domain.Participant{ID: id, Name: name, Position: spawn, Facing: domain.FacingDown}
	s.ready = true
}

// tickOrder is the fixed preference order for held keys. Facing ends
// up as the last direction applied, which is the intended tie-break
// when several keys are held at once.
var tickOrder = []domain.Facing{domain.FacingUp, domain.FacingDown, domain.FacingLeft, domain.FacingRight}

// Tick advances the local participant one frame. Each held direction
// is applied additively and gated independently by the collision
// predicate; a rejected direction never blocks the others. Exactly one
// movement broadcast goes out per moved tick, none otherwise.
func (s *Synchronizer) Tick(in InputState) MovementOutcome {
	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		log.Warn().Str("module", "presence").Msg("tick before register, dropped")
		return OutcomeUnchanged
	}

	held := map[domain.Facing]bool{
		domain.FacingUp:    in.Up,
		domain.FacingDown:  in.Down,
		domain.FacingLeft:  in.Left,
		domain.FacingRight: in.Right,
	}

	moved := false
	for _, dir := range tickOrder {
		if !held[dir] {
			continue
		}
		dx, dy := dir.Delta()
		nx := s.self.Position.X + dx*s.speed
		ny := s.self.Position.Y + dy*s.speed
		if s.blocked != nil && s.blocked(nx, ny) {
			continue
		}
		s.self.Position.X = nx
		s.self.Position.Y = ny
		s.self.Facing = dir
		moved = true
	}
	s.self.Moving = moved

	if !moved {
		s.mu.Unlock()
		return OutcomeUnchanged
	}

	pos := s.self.Position
	facing := s.self.Facing
	s.mu.Unlock()

	if err := s.emit.Emit(protocol.EventPlayerMovement, protocol.MovementPayload{
		Position:  &pos,
		Direction: facing,
		Moving:    true,
	}); err != nil {
		log.Warn().Err(err).Str("module", "presence").Msg("movement broadcast failed")
	}
	return OutcomeMoved
}

// ApplyRemoteUpdate upserts a replica from a movement delta. An update
// for an unknown session creates the replica (late join). A delta
// without a position is malformed: dropped and logged, the replica map
// untouched.
func (s *Synchronizer) ApplyRemoteUpdate(p protocol.PlayerMovedPayload) {
	if p.ID == "" || p.Position == nil {
		log.Warn().Str("module", "presence").Str("sid", string(p.ID)).Msg("malformed remote update, dropped")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.remotes[p.ID]
	if !ok {
		r = domain.NewParticipant(p.ID, p.Name)
		s.remotes[p.ID] = r
	}
	if p.Name != "" {
		r.Name = p.Name
	}
	r.Position = *p.Position
	if p.Direction.Valid() {
		r.Facing = p.Direction
	}
	r.Moving = p.Moving
}

// Upsert installs a full participant snapshot (currentPlayers and
// newPlayer bootstrap).
func (s *Synchronizer) Upsert(p domain.Participant) {
	if p.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.remotes[p.ID] = &cp
}

// Remove deletes a replica on relay-reported disconnect and fires the
// removal hooks so calls and meetings referencing the peer tear down.
func (s *Synchronizer) Remove(id domain.SessionID) {
	s.mu.Lock()
	_, known := s.remotes[id]
	delete(s.remotes, id)
	hooks := s.onRemove
	s.mu.Unlock()
	if !known {
		return
	}
	for _, fn := range hooks {
		fn(id)
	}
}

func (s *Synchronizer) OnRemove(fn func(domain.SessionID)) {
	s.mu.Lock()
	s.onRemove = append(s.onRemove, fn)
	s.mu.Unlock()
}

// Proximity returns the nearest remote participant within radius of
// the local one. Pure query, no side effects.
func (s *Synchronizer) Proximity(radius float64) (domain.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var nearest *domain.Participant
	best := radius
	for _, r := range s.remotes {
		d := s.self.Position.DistanceTo(r.Position)
		if d <= best {
			nearest = r
			best = d
		}
	}
	if nearest == nil {
		return domain.Participant{}, false
	}
	return *nearest, true
}

func (s *Synchronizer) Self() domain.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

func (s *Synchronizer) Remotes() []domain.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Participant, 0, len(s.remotes))
	for _, r := range s.remotes {
		out = append(out, *r)
	}
	return out
}
