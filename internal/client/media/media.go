// Package media abstracts local audio/video acquisition for the call
// engine. The platform's capture stack is behind the Source interface;
// this package ships a synthetic source so headless clients and tests
// can hold real negotiations without devices.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var ErrPermissionDenied = errors.New("media: permission denied")

type Constraints struct {
	Audio bool
	Video bool
}

// Handle is one acquired set of local tracks. Stop is idempotent and
// must release every underlying device resource.
type Handle interface {
	Tracks() []webrtc.TrackLocal
	SetAudioEnabled(on bool)
	SetVideoEnabled(on bool)
	Stop()
}

// Source acquires local media. Acquisition is asynchronous on real
// platforms and may fail with a permission or device error.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (Handle, error)
}
