// Package protocol defines the relay wire protocol: event names and
// payload shapes shared by the relay server and the client engine.
// Frames are JSON text messages wrapped in an Envelope.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkoval/hallway/internal/domain"
)

// Client → server events.
const (
	EventRegister            = "register"
	EventPlayerMovement      = "playerMovement"
	EventCallUser            = "callUser"
	EventAcceptCall          = "acceptCall"
	EventRejectCall          = "rejectCall"
	EventOffer               = "offer"
	EventAnswer              = "answer"
	EventICECandidate        = "ice-candidate"
	EventEndCall             = "endCall"
	EventAnnounceMeetingName = "announceMeetingName"
	EventRequestMeetingNames = "requestMeetingNames"
	EventLeaveMeeting        = "leaveMeeting"
)

// Server → client events. acceptCall, rejectCall, offer, answer,
// ice-candidate and endCall are routed back out under the same name
// with From rewritten to the sender's session id.
const (
	EventRegistered         = "registered"
	EventCurrentPlayers     = "currentPlayers"
	EventNewPlayer          = "newPlayer"
	EventPlayerMoved        = "playerMoved"
	EventPlayerDisconnected = "playerDisconnected"
	EventReceiveCall        = "receiveCall"
	EventMeetingNames       = "meeting-names"
)

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func Encode(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event name")
	}
	return env, nil
}

type RegisterPayload struct {
	Name string `json:"name"`
}

type RegisteredPayload struct {
	ID    domain.SessionID `json:"id"`
	Count int              `json:"count"`
}

// MovementPayload is the per-tick delta a client emits. Position is a
// pointer so the relay and replicas can tell "absent" from the origin.
type MovementPayload struct {
	Position  *domain.Position `json:"position"`
	Direction domain.Facing    `json:"direction"`
	Moving    bool             `json:"moving"`
}

type PlayerMovedPayload struct {
	ID        domain.SessionID `json:"id"`
	Name      string           `json:"name,omitempty"`
	Position  *domain.Position `json:"position"`
	Direction domain.Facing    `json:"direction"`
	Moving    bool             `json:"moving"`
}

type CurrentPlayersPayload struct {
	Players []domain.Participant `json:"players"`
	Count   int                  `json:"count"`
}

type NewPlayerPayload struct {
	Player domain.Participant `json:"player"`
	Count  int                `json:"count"`
}

type PlayerDisconnectedPayload struct {
	ID    domain.SessionID `json:"id"`
	Count int              `json:"count"`
}

type CallUserPayload struct {
	TargetID   domain.SessionID `json:"targetId"`
	CallerName string           `json:"callerName"`
}

type ReceiveCallPayload struct {
	CallerID   domain.SessionID `json:"callerId"`
	CallerName string           `json:"callerName"`
}

// SignalPayload addresses the call-control events that carry no body:
// acceptCall, rejectCall and endCall.
type SignalPayload struct {
	To   domain.SessionID `json:"to,omitempty"`
	From domain.SessionID `json:"from,omitempty"`
}

type OfferPayload struct {
	To    domain.SessionID          `json:"to,omitempty"`
	From  domain.SessionID          `json:"from,omitempty"`
	Offer webrtc.SessionDescription `json:"offer"`
}

type AnswerPayload struct {
	To     domain.SessionID          `json:"to,omitempty"`
	From   domain.SessionID          `json:"from,omitempty"`
	Answer webrtc.SessionDescription `json:"answer"`
}

type CandidatePayload struct {
	To        domain.SessionID        `json:"to,omitempty"`
	From      domain.SessionID        `json:"from,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type AnnounceMeetingNamePayload struct {
	Name string `json:"name"`
}

type MeetingNamesPayload struct {
	Names map[domain.SessionID]string `json:"names"`
}

// ICEServer mirrors the shape served by /api/ice-token and consumed by
// the signaling layer.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ICEConfig struct {
	ICEServers []ICEServer `json:"iceServers"`
}

// ToWebRTC converts the fetched shape into a pion configuration.
func (c ICEConfig) ToWebRTC() webrtc.Configuration {
	out := webrtc.Configuration{}
	for _, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			continue
		}
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out.ICEServers = append(out.ICEServers, srv)
	}
	return out
}
