package media

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestSyntheticAcquire(t *testing.T) {
	src := &SyntheticSource{Label: "t"}
	h, err := src.Acquire(context.Background(), Constraints{Audio: true, Video: true})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Stop()

	tracks := h.Tracks()
	if len(tracks) != 1 {
		t.Fatalf("tracks = %d, want 1", len(tracks))
	}
	if tracks[0].Kind() != webrtc.RTPCodecTypeAudio {
		t.Fatalf("kind = %v, want audio", tracks[0].Kind())
	}
	if tracks[0].ID() != "audio-t" {
		t.Fatalf("id = %q", tracks[0].ID())
	}
}

func TestSyntheticRequiresAudio(t *testing.T) {
	src := &SyntheticSource{}
	if _, err := src.Acquire(context.Background(), Constraints{Video: true}); err == nil {
		t.Fatalf("video-only acquire succeeded")
	}
}

func TestSyntheticStopIdempotent(t *testing.T) {
	src := &SyntheticSource{}
	h, err := src.Acquire(context.Background(), Constraints{Audio: true})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h.Stop()
	h.Stop() // must not panic on the closed channel
	h.SetAudioEnabled(false)
	h.SetVideoEnabled(true)
}
