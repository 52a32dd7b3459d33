// Package call implements the two-party call signaling state machine:
// ring, accept, offer/answer exchange and candidate queuing over the
// relay channel, with a pion peer connection as the negotiation
// primitive. At most one call session exists per local participant.
package call

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkoval/hallway/internal/client/media"
	"github.com/dkoval/hallway/internal/domain"
	"github.com/dkoval/hallway/internal/protocol"
)

var (
	ErrCallInProgress = errors.New("call already in progress")
	ErrNoCall         = errors.New("no call to act on")
	ErrWrongPhase     = errors.New("operation not legal in this phase")
)

// Signaller is the slice of the relay channel the machine emits on.
type Signaller interface {
	Emit(event string, payload any) error
}

// Negotiator is the media negotiation primitive for one peer. The
// production implementation is rtc.PeerLink; tests substitute fakes.
type Negotiator interface {
	CreateOffer() (webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (webrtc.SessionDescription, error)
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) error
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnected(func())
	Close()
}

// NegotiatorFactory builds a Negotiator from the fetched ICE
// configuration.
type NegotiatorFactory func(cfg webrtc.Configuration) (Negotiator, error)

// ICEProvider supplies the negotiation configuration; implementations
// must degrade to a STUN fallback rather than fail.
type ICEProvider func(ctx context.Context) webrtc.Configuration

type session struct {
	peer     domain.SessionID
	peerName string
	role     Role
	phase    Phase
	link     Negotiator
	handle   media.Handle
	queue    *CandidateQueue
}

// Machine owns the single CallSession and the peer-scoped candidate
// queues. All entry points are safe to call from the channel's read
// goroutine and from application goroutines.
type Machine struct {
	mu      sync.Mutex
	sig     Signaller
	source  media.Source
	newLink NegotiatorFactory
	iceCfg  ICEProvider

	sess *session

	// pending holds candidates per remote session, including peers we
	// have no session with; entries are cleared at session creation so
	// stale candidates from an earlier attempt never leak in.
	pending map[domain.SessionID]*CandidateQueue

	onRing  func(peer domain.SessionID, name string)
	onPhase func(peer domain.SessionID, phase Phase)
}

func NewMachine(sig Signaller, source media.Source, factory NegotiatorFactory, ice ICEProvider) *Machine {
	return &Machine{
		sig:     sig,
		source:  source,
		newLink: factory,
		iceCfg:  ice,
		pending: make(map[domain.SessionID]*CandidateQueue),
	}
}

// OnRing installs the incoming-call prompt hook.
func (m *Machine) OnRing(fn func(peer domain.SessionID, name string)) {
	m.mu.Lock()
	m.onRing = fn
	m.mu.Unlock()
}

// OnPhase installs an observer fired on every phase change. The
// observer runs with the machine's lock held and must not call back
// into it.
func (m *Machine) OnPhase(fn func(peer domain.SessionID, phase Phase)) {
	m.mu.Lock()
	m.onPhase = fn
	m.mu.Unlock()
}

func (m *Machine) setPhase(s *session, p Phase) {
	s.phase = p
	fn := m.onPhase
	if fn != nil {
		fn(s.peer, p)
	}
	log.Info().Str("module", "call").Str("peer", string(s.peer)).Str("role", s.role.String()).Str("phase", p.String()).Msg("phase")
}

// Phase reports the current phase, PhaseIdle when no session exists.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return PhaseIdle
	}
	return m.sess.phase
}

// Peer reports the remote party of the current session, if any.
func (m *Machine) Peer() (domain.SessionID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return "", false
	}
	return m.sess.peer, true
}

// Call initiates an outbound call. The local media and negotiation
// primitive are built up front so candidates can flow as soon as the
// callee accepts, but the offer itself waits for the accept signal.
// A second call while one exists is rejected without disturbing it.
func (m *Machine) Call(ctx context.Context, target domain.SessionID, callerName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil {
		return ErrCallInProgress
	}

	s := &session{peer: target, role: RoleCaller, queue: NewCandidateQueue()}
	m.pending[target] = s.queue // supersedes any stale queue for this peer

	if err := m.buildMediaLocked(ctx, s); err != nil {
		m.pending[target] = NewCandidateQueue()
		return err
	}
	m.sess = s
	m.setPhase(s, PhaseRingingOut)

	if err := m.sig.Emit(protocol.EventCallUser, protocol.CallUserPayload{
		TargetID:   target,
		CallerName: callerName,
	}); err != nil {
		m.teardownLocked(false)
		return err
	}
	return nil
}

// buildMediaLocked acquires local media and a negotiator, attaching
// tracks and wiring trickle candidates. On failure everything built so
// far is released and nothing has touched the relay yet.
func (m *Machine) buildMediaLocked(ctx context.Context, s *session) error {
	handle, err := m.source.Acquire(ctx, media.Constraints{Audio: true, Video: true})
	if err != nil {
		log.Error().Err(err).Str("module", "call").Str("peer", string(s.peer)).Msg("media acquisition failed")
		return err
	}
	link, err := m.newLink(m.iceCfg(ctx))
	if err != nil {
		handle.Stop()
		return err
	}
	for _, t := range handle.Tracks() {
		if err := link.AddTrack(t); err != nil {
			handle.Stop()
			link.Close()
			return err
		}
	}
	peer := s.peer
	link.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if err := m.sig.Emit(protocol.EventICECandidate, protocol.CandidatePayload{To: peer, Candidate: ci}); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("candidate emit failed")
		}
	})
	link.OnConnected(func() { m.onNegotiationUsable(peer) })
	s.handle = handle
	s.link = link
	return nil
}

func (m *Machine) onNegotiationUsable(peer domain.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || s.peer != peer || s.phase != PhaseConnecting {
		return
	}
	m.setPhase(s, PhaseActive)
}

// HandleReceiveCall is the inbound ring. While a session exists the
// ring is declined without disturbing it; otherwise the machine parks
// in RingingIn awaiting the local accept or reject.
func (m *Machine) HandleReceiveCall(p protocol.ReceiveCallPayload) {
	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		log.Info().Str("module", "call").Str("caller", string(p.CallerID)).Msg("busy, declining ring")
		_ = m.sig.Emit(protocol.EventRejectCall, protocol.SignalPayload{To: p.CallerID})
		return
	}
	s := &session{peer: p.CallerID, peerName: p.CallerName, role: RoleCallee, queue: NewCandidateQueue()}
	m.pending[p.CallerID] = s.queue
	m.sess = s
	m.setPhase(s, PhaseRingingIn)
	ring := m.onRing
	m.mu.Unlock()
	if ring != nil {
		ring(p.CallerID, p.CallerName)
	}
}

// Accept answers the ringing call: acquire media, then signal the
// caller to produce its offer. A media failure ends the session before
// any negotiation message reaches the relay.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil {
		return ErrNoCall
	}
	if s.role != RoleCallee || s.phase != PhaseRingingIn {
		return ErrWrongPhase
	}
	if err := m.buildMediaLocked(ctx, s); err != nil {
		m.teardownLocked(true)
		return err
	}
	m.setPhase(s, PhaseConnecting)
	if err := m.sig.Emit(protocol.EventAcceptCall, protocol.SignalPayload{To: s.peer}); err != nil {
		m.teardownLocked(false)
		return err
	}
	return nil
}

// Reject declines a ringing inbound call.
func (m *Machine) Reject() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil {
		return ErrNoCall
	}
	if s.role != RoleCallee || s.phase != PhaseRingingIn {
		return ErrWrongPhase
	}
	_ = m.sig.Emit(protocol.EventRejectCall, protocol.SignalPayload{To: s.peer})
	m.teardownLocked(false)
	return nil
}

// HandleAccept is the callee's accept arriving at the caller: only now
// is the offer created and sent, never speculatively.
func (m *Machine) HandleAccept(p protocol.SignalPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || s.peer != p.From || s.role != RoleCaller || s.phase != PhaseRingingOut {
		log.Warn().Str("module", "call").Str("from", string(p.From)).Msg("unexpected accept, ignored")
		return
	}
	offer, err := s.link.CreateOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "call").Msg("create offer")
		m.teardownLocked(true)
		return
	}
	m.setPhase(s, PhaseConnecting)
	if err := m.sig.Emit(protocol.EventOffer, protocol.OfferPayload{To: s.peer, Offer: offer}); err != nil {
		m.teardownLocked(false)
	}
}

// HandleReject ends an outbound ring the callee declined.
func (m *Machine) HandleReject(p protocol.SignalPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || s.peer != p.From {
		return
	}
	log.Info().Str("module", "call").Str("peer", string(p.From)).Msg("call rejected by peer")
	m.teardownLocked(false)
}

// HandleOffer applies the caller's offer at the callee, drains the
// candidate queue in arrival order, and returns the answer.
func (m *Machine) HandleOffer(p protocol.OfferPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || s.peer != p.From || s.role != RoleCallee || s.phase != PhaseConnecting {
		log.Warn().Str("module", "call").Str("from", string(p.From)).Msg("unexpected offer, ignored")
		return
	}
	answer, err := s.link.ApplyOfferAndCreateAnswer(p.Offer)
	if err != nil {
		log.Error().Err(err).Str("module", "call").Msg("apply offer")
		m.teardownLocked(true)
		return
	}
	m.drainLocked(s)
	if err := m.sig.Emit(protocol.EventAnswer, protocol.AnswerPayload{To: s.peer, Answer: answer}); err != nil {
		m.teardownLocked(false)
	}
}

// HandleAnswer applies the callee's answer at the caller and drains
// the candidate queue.
func (m *Machine) HandleAnswer(p protocol.AnswerPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || s.peer != p.From || s.role != RoleCaller || s.phase != PhaseConnecting {
		log.Warn().Str("module", "call").Str("from", string(p.From)).Msg("unexpected answer, ignored")
		return
	}
	if err := s.link.ApplyAnswer(p.Answer); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("apply answer")
		m.teardownLocked(true)
		return
	}
	m.drainLocked(s)
}

func (m *Machine) drainLocked(s *session) {
	for _, err := range s.queue.Drain(s.link.AddICECandidate) {
		log.Warn().Err(err).Str("module", "call").Msg("queued candidate apply failed")
	}
}

// Stray candidates are parked for peers we may yet open a session
// with; both bounds keep a chatty floor from growing the map without
// limit.
const (
	maxPendingPeers     = 32
	maxQueuedCandidates = 64
)

// HandleCandidate routes a remote candidate: queued while the remote
// description for that peer is pending, applied directly afterwards.
// Candidates for peers we have no session with stay queued; the queue
// is superseded if a session with that peer is ever created.
func (m *Machine) HandleCandidate(p protocol.CandidatePayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s != nil && s.peer == p.From {
		if s.queue.Add(p.Candidate) {
			return
		}
		if err := s.link.AddICECandidate(p.Candidate); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("candidate apply failed")
		}
		return
	}
	q, ok := m.pending[p.From]
	if !ok {
		if len(m.pending) >= maxPendingPeers {
			log.Warn().Str("module", "call").Str("from", string(p.From)).Msg("pending peer limit reached, candidate dropped")
			return
		}
		q = NewCandidateQueue()
		m.pending[p.From] = q
	}
	if q.Len() >= maxQueuedCandidates {
		log.Warn().Str("module", "call").Str("from", string(p.From)).Msg("candidate queue full, candidate dropped")
		return
	}
	q.Add(p.Candidate)
}

// HandleEnd is the peer's hangup.
func (m *Machine) HandleEnd(p protocol.SignalPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sess
	if s == nil || s.peer != p.From {
		return
	}
	m.teardownLocked(false)
}

// End hangs up locally. Legal in every phase and idempotent: ending an
// already-ended or absent session is a no-op.
func (m *Machine) End() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return
	}
	m.teardownLocked(true)
}

// SetAudioEnabled toggles the local microphone for the active call.
// Purely local; nothing is signaled.
func (m *Machine) SetAudioEnabled(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil && m.sess.handle != nil {
		m.sess.handle.SetAudioEnabled(on)
	}
}

// SetVideoEnabled toggles the local camera for the active call.
func (m *Machine) SetVideoEnabled(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil && m.sess.handle != nil {
		m.sess.handle.SetVideoEnabled(on)
	}
}

// PeerGone tears the session down when the relay reports the peer's
// disconnect; no end signal is sent into a dead channel.
func (m *Machine) PeerGone(id domain.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
	s := m.sess
	if s == nil || s.peer != id {
		return
	}
	m.teardownLocked(false)
}

// teardownLocked is the single exit path: stop media, close the
// negotiator, drop the peer's queue and, when asked, tell the peer.
// The end signal is best effort; an already-closed channel is fine.
func (m *Machine) teardownLocked(notify bool) {
	s := m.sess
	if s == nil || s.phase == PhaseEnded {
		return
	}
	m.setPhase(s, PhaseEnded)
	if s.handle != nil {
		s.handle.Stop()
	}
	if s.link != nil {
		s.link.Close()
	}
	delete(m.pending, s.peer)
	if notify {
		_ = m.sig.Emit(protocol.EventEndCall, protocol.SignalPayload{To: s.peer})
	}
	m.sess = nil
}
