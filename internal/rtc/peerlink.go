package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// PeerLink is one negotiation primitive: a thin shell over a pion
// PeerConnection exposing just what the call state machine needs.
// Candidates trickle through OnICECandidate; nothing here touches the
// relay channel.
type PeerLink struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	closed      bool
	onConnected func()
	onClosed    func()
}

func NewPeerLink(cfg webrtc.Configuration) (*PeerLink, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	l := &PeerLink{pc: pc}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			l.mu.Lock()
			fn := l.onConnected
			l.mu.Unlock()
			if fn != nil {
				fn()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			l.mu.Lock()
			fn := l.onClosed
			l.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	})
	return l, nil
}

func (l *PeerLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	l.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && fn != nil {
			fn(cand.ToJSON())
		}
	})
}

func (l *PeerLink) OnConnected(fn func()) {
	l.mu.Lock()
	l.onConnected = fn
	l.mu.Unlock()
}

func (l *PeerLink) OnClosed(fn func()) {
	l.mu.Lock()
	l.onClosed = fn
	l.mu.Unlock()
}

func (l *PeerLink) AddTrack(track webrtc.TrackLocal) error {
	sender, err := l.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// Drain RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// CreateOffer builds and installs the local offer. Candidates trickle
// separately, so there is no wait for gathering to complete.
func (l *PeerLink) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (l *PeerLink) ApplyAnswer(answer webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(answer)
}

func (l *PeerLink) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (l *PeerLink) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(ci)
}

func (l *PeerLink) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	if err := l.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Msg("closed")
	}
}
