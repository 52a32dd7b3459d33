package relay

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkoval/hallway/internal/domain"
	"github.com/dkoval/hallway/internal/protocol"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNotRegistered  = errors.New("session not registered")
)

// Coordinator applies the protocol's routing rules on top of the
// registry: movement fans out to everyone but the sender, targeted
// signals are forwarded with From rewritten, and the meeting directory
// is kept in sync. It never opens or inspects a negotiation.
type Coordinator struct {
	Registry *Registry
	Meeting  *Directory
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		Registry: NewRegistry(),
		Meeting:  NewDirectory(),
	}
}

func (c *Coordinator) sendTo(sid domain.SessionID, event string, payload any) bool {
	conn, ok := c.Registry.Conn(sid)
	if !ok {
		log.Warn().Str("module", "relay").Str("event", event).Str("to", string(sid)).Msg("route target gone")
		return false
	}
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Str("event", event).Msg("encode")
		return false
	}
	if err := conn.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("sid", string(sid)).Msg("send failed, dropping member")
		c.drop(sid)
		return false
	}
	return true
}

func (c *Coordinator) broadcastExcept(exclude domain.SessionID, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Str("event", event).Msg("encode")
		return
	}
	for _, snap := range c.Registry.registeredConns(exclude) {
		if err := snap.Conn.TrySend(frame); err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("sid", string(snap.SID)).Msg("send failed, dropping member")
			c.drop(snap.SID)
		}
	}
}

// drop evicts a slow or dead member: a recipient that cannot keep up
// is treated the same as a disconnect.
func (c *Coordinator) drop(sid domain.SessionID) {
	c.Registry.CancelSession(sid)
}

// Register binds a display name to the channel and bootstraps the new
// participant: a registered ack, the current-players snapshot, and a
// newPlayer fan-out to everyone else.
func (c *Coordinator) Register(sid domain.SessionID, name string) error {
	p, err := c.Registry.Register(sid, name)
	if err != nil {
		return err
	}
	count := c.Registry.Count()
	c.sendTo(sid, protocol.EventRegistered, protocol.RegisteredPayload{ID: sid, Count: count})
	c.sendTo(sid, protocol.EventCurrentPlayers, protocol.CurrentPlayersPayload{
		Players: c.Registry.Snapshot(sid),
		Count:   count,
	})
	c.broadcastExcept(sid, protocol.EventNewPlayer, protocol.NewPlayerPayload{Player: *p, Count: count})
	return nil
}

// OnMovement records the sender's new state and fans it out. Movement
// from unregistered sessions is dropped silently, per the identity
// contract.
func (c *Coordinator) OnMovement(sid domain.SessionID, p protocol.MovementPayload) {
	if !c.Registry.IsRegistered(sid) {
		log.Warn().Str("module", "relay").Str("sid", string(sid)).Msg("movement before register, dropped")
		return
	}
	if p.Position == nil {
		log.Warn().Str("module", "relay").Str("sid", string(sid)).Msg("movement without position, dropped")
		return
	}
	c.Registry.UpdateState(sid, *p.Position, p.Direction, p.Moving)
	sender, _ := c.Registry.Participant(sid)
	c.broadcastExcept(sid, protocol.EventPlayerMoved, protocol.PlayerMovedPayload{
		ID:        sid,
		Name:      sender.Name,
		Position:  p.Position,
		Direction: p.Direction,
		Moving:    p.Moving,
	})
}

// OnCallUser initiates ringing at the target. The callerName travels
// with the ring so the callee can label the prompt without a lookup.
func (c *Coordinator) OnCallUser(sid domain.SessionID, p protocol.CallUserPayload) {
	if !c.Registry.IsRegistered(sid) {
		log.Warn().Str("module", "relay").Str("sid", string(sid)).Msg("callUser before register, dropped")
		return
	}
	if !c.Registry.IsRegistered(p.TargetID) {
		log.Warn().Str("module", "relay").Str("target", string(p.TargetID)).Msg("callUser target unknown")
		return
	}
	c.sendTo(p.TargetID, protocol.EventReceiveCall, protocol.ReceiveCallPayload{
		CallerID:   sid,
		CallerName: p.CallerName,
	})
}

// OnSignal forwards acceptCall, rejectCall and endCall to the target
// with From rewritten to the true sender.
func (c *Coordinator) OnSignal(sid domain.SessionID, event string, p protocol.SignalPayload) {
	if !c.Registry.IsRegistered(sid) {
		log.Warn().Str("module", "relay").Str("sid", string(sid)).Str("event", event).Msg("signal before register, dropped")
		return
	}
	c.sendTo(p.To, event, protocol.SignalPayload{From: sid})
}

func (c *Coordinator) OnOffer(sid domain.SessionID, p protocol.OfferPayload) {
	if !c.Registry.IsRegistered(sid) {
		log.Warn().Str("module", "relay").Str("sid", string(sid)).Msg("offer before register, dropped")
		return
	}
	c.sendTo(p.To, protocol.EventOffer, protocol.OfferPayload{From: sid, Offer: p.Offer})
}

func (c *Coordinator) OnAnswer(sid domain.SessionID, p protocol.AnswerPayload) {
	if !c.Registry.IsRegistered(sid) {
		log.Warn().Str("module", "relay").Str("sid", string(sid)).Msg("answer before register, dropped")
		return
	}
	c.sendTo(p.To, protocol.EventAnswer, protocol.AnswerPayload{From: sid, Answer: p.Answer})
}

func (c *Coordinator) OnCandidate(sid domain.SessionID, p protocol.CandidatePayload) {
	if !c.Registry.IsRegistered(sid) {
		log.Warn().Str("module", "relay").Str("sid", string(sid)).Msg("candidate before register, dropped")
		return
	}
	c.sendTo(p.To, protocol.EventICECandidate, protocol.CandidatePayload{From: sid, Candidate: p.Candidate})
}

// OnAnnounceMeetingName adds the sender to the meeting directory and
// pushes the updated map to every member, the sender included.
func (c *Coordinator) OnAnnounceMeetingName(sid domain.SessionID, p protocol.AnnounceMeetingNamePayload) {
	if !c.Registry.IsRegistered(sid) {
		log.Warn().Str("module", "relay").Str("sid", string(sid)).Msg("announce before register, dropped")
		return
	}
	name := p.Name
	if name == "" {
		if self, ok := c.Registry.Participant(sid); ok {
			name = self.Name
		}
	}
	c.Meeting.Announce(sid, name)
	c.broadcastMeetingNames()
}

func (c *Coordinator) OnRequestMeetingNames(sid domain.SessionID) {
	if !c.Registry.IsRegistered(sid) {
		log.Warn().Str("module", "relay").Str("sid", string(sid)).Msg("request names before register, dropped")
		return
	}
	c.sendTo(sid, protocol.EventMeetingNames, protocol.MeetingNamesPayload{Names: c.Meeting.Snapshot()})
}

func (c *Coordinator) OnLeaveMeeting(sid domain.SessionID) {
	if c.Meeting.Forget(sid) {
		c.broadcastMeetingNames()
	}
}

func (c *Coordinator) broadcastMeetingNames() {
	payload := protocol.MeetingNamesPayload{Names: c.Meeting.Snapshot()}
	for _, sid := range c.Meeting.Members() {
		c.sendTo(sid, protocol.EventMeetingNames, payload)
	}
}

// OnDisconnect drops every trace of the session and tells the others,
// so their replicas and any call referencing the peer get torn down.
func (c *Coordinator) OnDisconnect(sid domain.SessionID) {
	wasRegistered := c.Registry.IsRegistered(sid)
	meetingChanged := c.Meeting.Forget(sid)
	c.Registry.Unbind(sid)
	if wasRegistered {
		c.broadcastExcept(sid, protocol.EventPlayerDisconnected, protocol.PlayerDisconnectedPayload{
			ID:    sid,
			Count: c.Registry.Count(),
		})
	}
	if meetingChanged {
		c.broadcastMeetingNames()
	}
	log.Info().Str("module", "relay").Str("sid", string(sid)).Msg("disconnected")
}
