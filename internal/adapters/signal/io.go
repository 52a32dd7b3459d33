package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkoval/hallway/internal/domain"
	"github.com/dkoval/hallway/internal/protocol"
)

func (ctl *Controller) writePump(ctx context.Context, c *WsConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, sid domain.SessionID, c *WsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		ctl.Coord.OnDisconnect(sid)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				return
			}
			ctl.dispatch(sid, data)
		}
	}
}

func (ctl *Controller) dispatch(sid domain.SessionID, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad frame")
		return
	}

	switch env.Event {
	case protocol.EventRegister:
		var p protocol.RegisterPayload
		if !decode(env, &p) {
			return
		}
		if err := ctl.Coord.Register(sid, p.Name); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("register rejected")
		}
	case protocol.EventPlayerMovement:
		var p protocol.MovementPayload
		if !decode(env, &p) {
			return
		}
		ctl.Coord.OnMovement(sid, p)
	case protocol.EventCallUser:
		var p protocol.CallUserPayload
		if !decode(env, &p) {
			return
		}
		ctl.Coord.OnCallUser(sid, p)
	case protocol.EventAcceptCall, protocol.EventRejectCall, protocol.EventEndCall:
		var p protocol.SignalPayload
		if !decode(env, &p) {
			return
		}
		ctl.Coord.OnSignal(sid, env.Event, p)
	case protocol.EventOffer:
		var p protocol.OfferPayload
		if !decode(env, &p) {
			return
		}
		ctl.Coord.OnOffer(sid, p)
	case protocol.EventAnswer:
		var p protocol.AnswerPayload
		if !decode(env, &p) {
			return
		}
		ctl.Coord.OnAnswer(sid, p)
	case protocol.EventICECandidate:
		var p protocol.CandidatePayload
		if !decode(env, &p) {
			return
		}
		ctl.Coord.OnCandidate(sid, p)
	case protocol.EventAnnounceMeetingName:
		var p protocol.AnnounceMeetingNamePayload
		if !decode(env, &p) {
			return
		}
		ctl.Coord.OnAnnounceMeetingName(sid, p)
	case protocol.EventRequestMeetingNames:
		ctl.Coord.OnRequestMeetingNames(sid)
	case protocol.EventLeaveMeeting:
		ctl.Coord.OnLeaveMeeting(sid)
	default:
		log.Warn().Str("module", "signal").Str("event", env.Event).Msg("unknown event")
	}
}

func decode(env protocol.Envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("event", env.Event).Msg("bad payload")
		return false
	}
	return true
}
