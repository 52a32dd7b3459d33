package media

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	opusClockRate = 48000
	frameDuration = 20 * time.Millisecond
	samplesPerOp  = opusClockRate / 50 // 20ms of 48kHz audio
)

// opusSilence is a minimal valid Opus frame (DTX comfort noise).
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

// SyntheticSource produces an Opus track fed with silence frames at a
// 20ms pace. Good enough to carry a negotiation end to end without
// touching any capture device.
type SyntheticSource struct {
	// Label distinguishes several synthetic participants in one process.
	Label string
}

func (s *SyntheticSource) Acquire(ctx context.Context, c Constraints) (Handle, error) {
	if !c.Audio {
		return nil, fmt.Errorf("synthetic source is audio-only")
	}
	label := s.Label
	if label == "" {
		label = "synthetic"
	}
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: opusClockRate,
			Channels:  2,
		},
		"audio-"+label,
		"stream-"+label,
	)
	if err != nil {
		return nil, err
	}

	h := &syntheticHandle{
		track:    track,
		done:     make(chan struct{}),
		audioOn:  true,
		seq:      uint16(rand.Uint32()),
		ssrc:     rand.Uint32(),
	}
	go h.pump(ctx)
	return h, nil
}

type syntheticHandle struct {
	track *webrtc.TrackLocalStaticRTP

	mu      sync.Mutex
	audioOn bool
	stopped bool
	done    chan struct{}

	seq  uint16
	ts   uint32
	ssrc uint32
}

func (h *syntheticHandle) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{h.track}
}

func (h *syntheticHandle) SetAudioEnabled(on bool) {
	h.mu.Lock()
	h.audioOn = on
	h.mu.Unlock()
}

// SetVideoEnabled is a no-op: the synthetic source carries no video.
func (h *syntheticHandle) SetVideoEnabled(bool) {}

func (h *syntheticHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.done)
}

func (h *syntheticHandle) pump(ctx context.Context) {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			h.writeFrame()
		}
	}
}

func (h *syntheticHandle) writeFrame() {
	h.mu.Lock()
	muted := !h.audioOn
	h.seq++
	h.ts += samplesPerOp
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: h.seq,
			Timestamp:      h.ts,
			SSRC:           h.ssrc,
		},
		Payload: opusSilence,
	}
	h.mu.Unlock()

	if muted {
		return
	}
	if err := h.track.WriteRTP(pkt); err != nil {
		log.Debug().Err(err).Str("module", "media").Msg("synthetic write")
	}
}
