package relay

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkoval/hallway/internal/domain"
)

// Directory is the meeting-zone name exchange: session id → display
// name for everyone currently announcing inside the zone. It is a
// population list, not a call registry.
type Directory struct {
	mu    sync.RWMutex
	names map[domain.SessionID]string
}

func NewDirectory() *Directory {
	return &Directory{names: make(map[domain.SessionID]string)}
}

func (d *Directory) Announce(sid domain.SessionID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names[sid] = name
	log.Info().Str("module", "relay.directory").Str("sid", string(sid)).Str("name", name).Msg("meeting announce")
}

func (d *Directory) Forget(sid domain.SessionID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.names[sid]; !ok {
		return false
	}
	delete(d.names, sid)
	log.Info().Str("module", "relay.directory").Str("sid", string(sid)).Msg("meeting forget")
	return true
}

func (d *Directory) Has(sid domain.SessionID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.names[sid]
	return ok
}

func (d *Directory) Snapshot() map[domain.SessionID]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[domain.SessionID]string, len(d.names))
	for sid, name := range d.names {
		out[sid] = name
	}
	return out
}

func (d *Directory) Members() []domain.SessionID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.SessionID, 0, len(d.names))
	for sid := range d.names {
		out = append(out, sid)
	}
	return out
}
