// Package meeting maintains the mesh of negotiated links inside a
// named meeting room. Membership is driven entirely by the relay's
// meeting-names fan-out; each pair of members negotiates one link,
// with the lexicographically lower session id acting as the offerer
// so the pair never glares.
package meeting

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkoval/hallway/internal/client/call"
	"github.com/dkoval/hallway/internal/client/media"
	"github.com/dkoval/hallway/internal/domain"
	"github.com/dkoval/hallway/internal/protocol"
)

type peerLink struct {
	link  call.Negotiator
	queue *call.CandidateQueue
}

// Directory tracks the announced name of every session and, while the
// local participant is in a meeting, the per-member negotiation state.
type Directory struct {
	mu      sync.Mutex
	sig     call.Signaller
	source  media.Source
	newLink call.NegotiatorFactory
	iceCfg  call.ICEProvider
	selfID  func() domain.SessionID

	// retention delays teardown of a member that vanished from the
	// names fan-out, absorbing the transient gap between a peer's
	// re-announce and the next broadcast.
	retention time.Duration

	labels map[domain.SessionID]string

	joined bool
	label  string
	handle media.Handle
	peers  map[domain.SessionID]*peerLink
	timers map[domain.SessionID]*time.Timer
}

func NewDirectory(sig call.Signaller, source media.Source, factory call.NegotiatorFactory, ice call.ICEProvider, selfID func() domain.SessionID, retention time.Duration) *Directory {
	return &Directory{
		sig:       sig,
		source:    source,
		newLink:   factory,
		iceCfg:    ice,
		selfID:    selfID,
		retention: retention,
		labels:    make(map[domain.SessionID]string),
		peers:     make(map[domain.SessionID]*peerLink),
		timers:    make(map[domain.SessionID]*time.Timer),
	}
}

// Enter joins the meeting under the given label. Media is acquired
// once and shared across every member link; the actual mesh builds as
// meeting-names fan-outs arrive.
func (d *Directory) Enter(ctx context.Context, label string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.joined {
		return nil
	}
	handle, err := d.source.Acquire(ctx, media.Constraints{Audio: true, Video: true})
	if err != nil {
		log.Error().Err(err).Str("module", "meeting").Msg("media acquisition failed")
		return err
	}
	d.handle = handle
	d.joined = true
	d.label = label
	if err := d.sig.Emit(protocol.EventAnnounceMeetingName, protocol.AnnounceMeetingNamePayload{Name: label}); err != nil {
		d.leaveLocked(false)
		return err
	}
	if err := d.sig.Emit(protocol.EventRequestMeetingNames, nil); err != nil {
		d.leaveLocked(true)
		return err
	}
	log.Info().Str("module", "meeting").Str("label", label).Msg("entered meeting")
	return nil
}

// Leave departs the meeting, closing every member link and releasing
// media. Safe to call when not in a meeting.
func (d *Directory) Leave() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.joined {
		return
	}
	d.leaveLocked(true)
}

func (d *Directory) leaveLocked(notify bool) {
	for id, pl := range d.peers {
		pl.link.Close()
		delete(d.peers, id)
	}
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	if d.handle != nil {
		d.handle.Stop()
		d.handle = nil
	}
	d.joined = false
	d.label = ""
	if notify {
		_ = d.sig.Emit(protocol.EventLeaveMeeting, nil)
	}
	log.Info().Str("module", "meeting").Msg("left meeting")
}

// HandleNames reconciles the mesh against the relay's current
// membership map: new members are linked (offering when our id is
// lower), vanished members are torn down after the retention window.
func (d *Directory) HandleNames(p protocol.MeetingNamesPayload) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.labels = p.Names
	if !d.joined {
		return
	}
	self := d.selfID()
	for id := range p.Names {
		if id == self {
			continue
		}
		if t, ok := d.timers[id]; ok {
			t.Stop()
			delete(d.timers, id)
		}
		if _, ok := d.peers[id]; ok {
			continue
		}
		if self < id {
			d.offerLocked(id)
		}
		// Higher id waits for the peer's offer.
	}
	for id := range d.peers {
		if _, ok := p.Names[id]; ok {
			continue
		}
		if _, ok := d.timers[id]; ok {
			continue
		}
		d.scheduleRemovalLocked(id)
	}
}

func (d *Directory) scheduleRemovalLocked(id domain.SessionID) {
	d.timers[id] = time.AfterFunc(d.retention, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, ok := d.timers[id]; !ok {
			return
		}
		delete(d.timers, id)
		d.dropPeerLocked(id)
	})
}

func (d *Directory) dropPeerLocked(id domain.SessionID) {
	pl, ok := d.peers[id]
	if !ok {
		return
	}
	pl.link.Close()
	delete(d.peers, id)
	log.Info().Str("module", "meeting").Str("peer", string(id)).Msg("member link closed")
}

// offerLocked builds the member link and sends the offer.
func (d *Directory) offerLocked(id domain.SessionID) {
	pl, err := d.buildLinkLocked(id)
	if err != nil {
		return
	}
	offer, err := pl.link.CreateOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "meeting").Str("peer", string(id)).Msg("create offer")
		d.dropPeerLocked(id)
		return
	}
	if err := d.sig.Emit(protocol.EventOffer, protocol.OfferPayload{To: id, Offer: offer}); err != nil {
		d.dropPeerLocked(id)
	}
}

func (d *Directory) buildLinkLocked(id domain.SessionID) (*peerLink, error) {
	link, err := d.newLink(d.iceCfg(context.Background()))
	if err != nil {
		log.Error().Err(err).Str("module", "meeting").Str("peer", string(id)).Msg("negotiator build failed")
		return nil, err
	}
	for _, t := range d.handle.Tracks() {
		if err := link.AddTrack(t); err != nil {
			link.Close()
			return nil, err
		}
	}
	link.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if err := d.sig.Emit(protocol.EventICECandidate, protocol.CandidatePayload{To: id, Candidate: ci}); err != nil {
			log.Warn().Err(err).Str("module", "meeting").Msg("candidate emit failed")
		}
	})
	pl := &peerLink{link: link, queue: call.NewCandidateQueue()}
	d.peers[id] = pl
	return pl, nil
}

// HandleOffer answers an offering member, building our side of the
// link on demand. Queued candidates drain once the remote description
// is applied.
func (d *Directory) HandleOffer(p protocol.OfferPayload) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.joined {
		return
	}
	pl, ok := d.peers[p.From]
	if !ok {
		var err error
		pl, err = d.buildLinkLocked(p.From)
		if err != nil {
			return
		}
	}
	answer, err := pl.link.ApplyOfferAndCreateAnswer(p.Offer)
	if err != nil {
		log.Error().Err(err).Str("module", "meeting").Str("peer", string(p.From)).Msg("apply offer")
		d.dropPeerLocked(p.From)
		return
	}
	d.drainLocked(pl)
	if err := d.sig.Emit(protocol.EventAnswer, protocol.AnswerPayload{To: p.From, Answer: answer}); err != nil {
		d.dropPeerLocked(p.From)
	}
}

// HandleAnswer completes negotiation on a link we offered.
func (d *Directory) HandleAnswer(p protocol.AnswerPayload) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pl, ok := d.peers[p.From]
	if !ok {
		return
	}
	if err := pl.link.ApplyAnswer(p.Answer); err != nil {
		log.Error().Err(err).Str("module", "meeting").Str("peer", string(p.From)).Msg("apply answer")
		d.dropPeerLocked(p.From)
		return
	}
	d.drainLocked(pl)
}

// HandleCandidate queues or applies a member's trickled candidate.
func (d *Directory) HandleCandidate(p protocol.CandidatePayload) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pl, ok := d.peers[p.From]
	if !ok {
		return
	}
	if pl.queue.Add(p.Candidate) {
		return
	}
	if err := pl.link.AddICECandidate(p.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "meeting").Str("peer", string(p.From)).Msg("candidate apply failed")
	}
}

func (d *Directory) drainLocked(pl *peerLink) {
	for _, err := range pl.queue.Drain(pl.link.AddICECandidate) {
		log.Warn().Err(err).Str("module", "meeting").Msg("queued candidate apply failed")
	}
}

// SetAudioEnabled toggles the shared microphone track for the meeting.
func (d *Directory) SetAudioEnabled(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != nil {
		d.handle.SetAudioEnabled(on)
	}
}

// SetVideoEnabled toggles the shared camera track for the meeting.
func (d *Directory) SetVideoEnabled(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != nil {
		d.handle.SetVideoEnabled(on)
	}
}

// PeerGone tears the member's link down immediately; the relay already
// knows the session is dead, so no retention applies.
func (d *Directory) PeerGone(id domain.SessionID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.labels, id)
	if t, ok := d.timers[id]; ok {
		t.Stop()
		delete(d.timers, id)
	}
	d.dropPeerLocked(id)
}

// Has reports whether the session currently has a member link.
func (d *Directory) Has(id domain.SessionID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.peers[id]
	return ok
}

// IsMember reports whether the session is in the announced-names map.
// The signaling dispatcher uses it to route offer, answer and
// candidate events between the meeting mesh and the two-party call
// machine: a member's traffic belongs to the mesh even before its
// link exists on our side.
func (d *Directory) IsMember(id domain.SessionID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[id]; ok {
		return true
	}
	_, ok := d.labels[id]
	return ok
}

// Joined reports whether the local participant is in a meeting.
func (d *Directory) Joined() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.joined
}

// Labels returns a copy of the latest announced-name map.
func (d *Directory) Labels() map[domain.SessionID]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[domain.SessionID]string, len(d.labels))
	for id, name := range d.labels {
		out[id] = name
	}
	return out
}
