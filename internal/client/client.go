package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkoval/hallway/internal/client/call"
	"github.com/dkoval/hallway/internal/client/media"
	"github.com/dkoval/hallway/internal/client/meeting"
	"github.com/dkoval/hallway/internal/client/presence"
	"github.com/dkoval/hallway/internal/domain"
	"github.com/dkoval/hallway/internal/protocol"
)

// ErrNobodyNear is returned by Interact when no participant is inside
// the interaction radius.
var ErrNobodyNear = errors.New("no participant within interaction radius")

// ZoneFunc maps a position to the label of the meeting zone covering
// it, if any. A nil ZoneFunc disables zone-driven meetings.
type ZoneFunc func(p domain.Position) (label string, ok bool)

// OptionVoiceChat is the interaction option that starts a call; any
// other option is handed to the installed InteractionHandler.
const OptionVoiceChat = "voice-chat"

// InteractionHandler receives interaction options the engine has no
// built-in meaning for, together with the nearby participant they
// were aimed at.
type InteractionHandler func(option string, target domain.Participant)

// Options collects the pieces a Client composes over one channel.
type Options struct {
	Source            media.Source
	NewLink           call.NegotiatorFactory
	ICE               call.ICEProvider
	Blocked           presence.CollisionFunc
	Zone              ZoneFunc
	Speed             float64
	InteractionRadius float64
	MeetingRetention  time.Duration
	Spawn             domain.Position
}

// Client is the full participant engine: presence replication, the
// two-party call machine and the meeting mesh, all multiplexed over a
// single relay channel. Every inbound event has exactly one handler
// here; offer, answer and ice-candidate are dispatched explicitly to
// either the meeting directory or the call machine by sender.
type Client struct {
	ch       *Channel
	presence *presence.Synchronizer
	calls    *call.Machine
	meetings *meeting.Directory

	mu            sync.Mutex
	onInteraction InteractionHandler

	opts Options
}

func New(ch *Channel, opts Options) *Client {
	c := &Client{ch: ch, opts: opts}
	c.presence = presence.NewSynchronizer(ch, opts.Blocked, opts.Speed)
	c.calls = call.NewMachine(ch, opts.Source, opts.NewLink, opts.ICE)
	c.meetings = meeting.NewDirectory(ch, opts.Source, opts.NewLink, opts.ICE, ch.ID, opts.MeetingRetention)
	c.wire()
	return c
}

func (c *Client) wire() {
	c.ch.On(protocol.EventCurrentPlayers, c.handleCurrentPlayers)
	c.ch.On(protocol.EventNewPlayer, c.handleNewPlayer)
	c.ch.On(protocol.EventPlayerMoved, c.handlePlayerMoved)
	c.ch.On(protocol.EventPlayerDisconnected, c.handlePlayerDisconnected)

	c.ch.On(protocol.EventReceiveCall, decodeTo(c.calls.HandleReceiveCall))
	c.ch.On(protocol.EventAcceptCall, decodeTo(c.calls.HandleAccept))
	c.ch.On(protocol.EventRejectCall, decodeTo(c.calls.HandleReject))
	c.ch.On(protocol.EventEndCall, decodeTo(c.calls.HandleEnd))

	c.ch.On(protocol.EventOffer, decodeTo(c.routeOffer))
	c.ch.On(protocol.EventAnswer, decodeTo(c.routeAnswer))
	c.ch.On(protocol.EventICECandidate, decodeTo(c.routeCandidate))

	c.ch.On(protocol.EventMeetingNames, decodeTo(c.meetings.HandleNames))
}

// decodeTo adapts a typed payload handler onto the channel's raw
// handler signature. Undecodable frames are dropped with a log line.
func decodeTo[T any](fn func(T)) Handler {
	return func(data json.RawMessage) {
		var p T
		if err := json.Unmarshal(data, &p); err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("malformed payload, dropped")
			return
		}
		fn(p)
	}
}

// routeOffer and friends hand meeting-member traffic to the mesh and
// everything else to the call machine. Membership is decided by the
// announced-names map so a member's first offer lands in the mesh even
// before its link exists on our side.
func (c *Client) routeOffer(p protocol.OfferPayload) {
	if c.meetings.Joined() && c.meetings.IsMember(p.From) {
		c.meetings.HandleOffer(p)
		return
	}
	c.calls.HandleOffer(p)
}

func (c *Client) routeAnswer(p protocol.AnswerPayload) {
	if c.meetings.Joined() && c.meetings.IsMember(p.From) {
		c.meetings.HandleAnswer(p)
		return
	}
	c.calls.HandleAnswer(p)
}

func (c *Client) routeCandidate(p protocol.CandidatePayload) {
	if c.meetings.Joined() && c.meetings.IsMember(p.From) {
		c.meetings.HandleCandidate(p)
		return
	}
	c.calls.HandleCandidate(p)
}

func (c *Client) handleCurrentPlayers(data json.RawMessage) {
	var p protocol.CurrentPlayersPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "client").Msg("malformed currentPlayers, dropped")
		return
	}
	for _, pl := range p.Players {
		c.presence.Upsert(pl)
	}
}

func (c *Client) handleNewPlayer(data json.RawMessage) {
	var p protocol.NewPlayerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "client").Msg("malformed newPlayer, dropped")
		return
	}
	c.presence.Upsert(p.Player)
}

func (c *Client) handlePlayerMoved(data json.RawMessage) {
	var p protocol.PlayerMovedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "client").Msg("malformed playerMoved, dropped")
		return
	}
	c.presence.ApplyRemoteUpdate(p)
}

// handlePlayerDisconnected retires the replica and tears down any
// negotiation state tied to the departed session.
func (c *Client) handlePlayerDisconnected(data json.RawMessage) {
	var p protocol.PlayerDisconnectedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "client").Msg("malformed playerDisconnected, dropped")
		return
	}
	c.presence.Remove(p.ID)
	c.calls.PeerGone(p.ID)
	c.meetings.PeerGone(p.ID)
}

// Register performs the registration handshake and seeds the local
// participant at the spawn position. Movement and signaling are inert
// until this returns.
func (c *Client) Register(ctx context.Context, name string) error {
	id, err := c.ch.Register(ctx, name)
	if err != nil {
		return err
	}
	c.presence.SetLocal(id, name, c.opts.Spawn)
	return nil
}

// Tick advances local movement one frame and, when a ZoneFunc is
// configured, reconciles meeting membership against the zone under
// the new position.
func (c *Client) Tick(ctx context.Context, in presence.InputState) presence.MovementOutcome {
	out := c.presence.Tick(in)
	if out == presence.OutcomeMoved && c.opts.Zone != nil {
		c.reconcileZone(ctx)
	}
	return out
}

func (c *Client) reconcileZone(ctx context.Context) {
	label, inZone := c.opts.Zone(c.presence.Self().Position)
	switch {
	case inZone && !c.meetings.Joined():
		if err := c.meetings.Enter(ctx, label); err != nil {
			log.Warn().Err(err).Str("module", "client").Str("label", label).Msg("meeting enter failed")
		}
	case !inZone && c.meetings.Joined():
		c.meetings.Leave()
	}
}

// OnInteraction installs the handler for options Interact does not
// dispatch itself.
func (c *Client) OnInteraction(fn InteractionHandler) {
	c.mu.Lock()
	c.onInteraction = fn
	c.mu.Unlock()
}

// Interact aims an interaction option at the nearest participant
// inside the interaction radius, the proximity-driven equivalent of
// clicking a neighbor. The voice-chat option rings them; everything
// else goes to the installed InteractionHandler.
func (c *Client) Interact(ctx context.Context, option string) error {
	target, ok := c.presence.Proximity(c.opts.InteractionRadius)
	if !ok {
		return ErrNobodyNear
	}
	if option == OptionVoiceChat {
		return c.calls.Call(ctx, target.ID, c.presence.Self().Name)
	}
	c.mu.Lock()
	fn := c.onInteraction
	c.mu.Unlock()
	if fn != nil {
		fn(option, target)
	}
	return nil
}

// SetAudioEnabled toggles the local microphone wherever media is
// live: the active call and the meeting mesh. No signaling happens;
// muted tracks simply stop producing frames.
func (c *Client) SetAudioEnabled(on bool) {
	c.calls.SetAudioEnabled(on)
	c.meetings.SetAudioEnabled(on)
}

// SetVideoEnabled toggles the local camera the same way.
func (c *Client) SetVideoEnabled(on bool) {
	c.calls.SetVideoEnabled(on)
	c.meetings.SetVideoEnabled(on)
}

// Call rings a specific participant.
func (c *Client) Call(ctx context.Context, target domain.SessionID) error {
	return c.calls.Call(ctx, target, c.presence.Self().Name)
}

func (c *Client) Accept(ctx context.Context) error { return c.calls.Accept(ctx) }
func (c *Client) Reject() error                    { return c.calls.Reject() }
func (c *Client) End()                             { c.calls.End() }

func (c *Client) EnterMeeting(ctx context.Context, label string) error {
	return c.meetings.Enter(ctx, label)
}
func (c *Client) LeaveMeeting() { c.meetings.Leave() }

func (c *Client) Presence() *presence.Synchronizer { return c.presence }
func (c *Client) Calls() *call.Machine             { return c.calls }
func (c *Client) Meetings() *meeting.Directory     { return c.meetings }
func (c *Client) ID() domain.SessionID             { return c.ch.ID() }

// Close hangs up, leaves any meeting and drops the channel.
func (c *Client) Close() {
	c.calls.End()
	c.meetings.Leave()
	c.ch.Close()
}
