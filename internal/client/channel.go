// Package client is the browser-side engine in Go: the relay channel,
// the presence synchronizer, the call state machine and the meeting
// directory, wired together the way the canvas client wires them.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkoval/hallway/internal/domain"
	"github.com/dkoval/hallway/internal/protocol"
)

var (
	ErrNotRegistered = errors.New("channel not registered")
	ErrClosed        = errors.New("channel closed")
)

// Handler consumes one inbound event's raw payload. Handlers run on
// the read goroutine; they must not block.
type Handler func(data json.RawMessage)

// Channel is one persistent ordered relay connection. Everything a
// client says or hears goes through it. A reconnect is a new Channel
// with a new session identity, never a resumed one.
type Channel struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu         sync.RWMutex
	handlers   map[string]Handler
	id         domain.SessionID
	registered bool
	closed     bool

	registeredCh chan protocol.RegisteredPayload
	onDisconnect func()
	closeOnce    sync.Once
}

func Dial(ctx context.Context, url string) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	ch := &Channel{
		conn:         conn,
		handlers:     make(map[string]Handler),
		registeredCh: make(chan protocol.RegisteredPayload, 1),
	}
	ch.On(protocol.EventRegistered, ch.handleRegistered)
	return ch, nil
}

// OnDisconnect installs the callback fired once when the read loop
// exits. Must be set before Start.
func (ch *Channel) OnDisconnect(fn func()) {
	ch.mu.Lock()
	ch.onDisconnect = fn
	ch.mu.Unlock()
}

func (ch *Channel) Start() {
	go ch.readLoop()
}

func (ch *Channel) readLoop() {
	defer func() {
		ch.mu.RLock()
		fn := ch.onDisconnect
		ch.mu.RUnlock()
		ch.Close()
		if fn != nil {
			fn()
		}
	}()
	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "client.channel").Msg("read loop closing")
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			log.Error().Err(err).Str("module", "client.channel").Msg("bad frame")
			continue
		}
		ch.mu.RLock()
		h, ok := ch.handlers[env.Event]
		ch.mu.RUnlock()
		if !ok {
			log.Debug().Str("module", "client.channel").Str("event", env.Event).Msg("unhandled event")
			continue
		}
		h(env.Data)
	}
}

func (ch *Channel) handleRegistered(data json.RawMessage) {
	var p protocol.RegisteredPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "client.channel").Msg("bad registered payload")
		return
	}
	ch.mu.Lock()
	ch.id = p.ID
	ch.registered = true
	ch.mu.Unlock()
	select {
	case ch.registeredCh <- p:
	default:
	}
}

// Register binds the display name to this channel. It must complete
// before any presence or call operation; those are dropped until then.
func (ch *Channel) Register(ctx context.Context, name string) (domain.SessionID, error) {
	if err := domain.ValidateName(name); err != nil {
		return "", err
	}
	if err := ch.emit(protocol.EventRegister, protocol.RegisterPayload{Name: name}); err != nil {
		return "", err
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case p := <-ch.registeredCh:
		log.Info().Str("module", "client.channel").Str("sid", string(p.ID)).Str("name", name).Msg("registered")
		return p.ID, nil
	case <-time.After(10 * time.Second):
		return "", errors.New("register: no ack from relay")
	}
}

// Emit sends one named event. Anything but register itself is a
// logged no-op before registration completes.
func (ch *Channel) Emit(event string, payload any) error {
	ch.mu.RLock()
	registered := ch.registered
	ch.mu.RUnlock()
	if !registered {
		log.Warn().Str("module", "client.channel").Str("event", event).Msg("emit before register, dropped")
		return ErrNotRegistered
	}
	return ch.emit(event, payload)
}

func (ch *Channel) emit(event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	ch.mu.RLock()
	closed := ch.closed
	ch.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return ch.conn.WriteMessage(websocket.TextMessage, frame)
}

// On installs the handler for an event, replacing any previous one.
func (ch *Channel) On(event string, h Handler) {
	ch.mu.Lock()
	ch.handlers[event] = h
	ch.mu.Unlock()
}

func (ch *Channel) Off(event string) {
	ch.mu.Lock()
	delete(ch.handlers, event)
	ch.mu.Unlock()
}

func (ch *Channel) ID() domain.SessionID {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.id
}

func (ch *Channel) Registered() bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.registered
}

func (ch *Channel) Close() {
	ch.closeOnce.Do(func() {
		ch.mu.Lock()
		ch.closed = true
		ch.mu.Unlock()
		_ = ch.conn.Close()
	})
}
