package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dkoval/hallway/internal/adapters/signal"
	"github.com/dkoval/hallway/internal/domain"
	"github.com/dkoval/hallway/internal/protocol"
	"github.com/dkoval/hallway/internal/relay"
)

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctrl := signal.NewController(relay.NewCoordinator(), 32768)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", uuid.NewString())
		ctrl.HandleSignal(ctx, c)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialChannel(t *testing.T, srv *httptest.Server) *Channel {
	t.Helper()
	ch, err := Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(ch.Close)
	ch.Start()
	return ch
}

func TestEmitRequiresRegistration(t *testing.T) {
	srv := startRelay(t)
	ch := dialChannel(t, srv)

	err := ch.Emit(protocol.EventPlayerMovement, protocol.MovementPayload{
		Position: &domain.Position{X: 1}, Direction: domain.FacingUp, Moving: true,
	})
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("emit before register: err = %v, want ErrNotRegistered", err)
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	srv := startRelay(t)
	ch := dialChannel(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	id, err := ch.Register(ctx, "Alice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id == "" || ch.ID() != id {
		t.Fatalf("id = %q, ch.ID() = %q", id, ch.ID())
	}
	if !ch.Registered() {
		t.Fatalf("channel not marked registered")
	}

	// The gate opens once registered.
	if err := ch.Emit(protocol.EventPlayerMovement, protocol.MovementPayload{
		Position: &domain.Position{X: 1}, Direction: domain.FacingUp, Moving: true,
	}); err != nil {
		t.Fatalf("emit after register: %v", err)
	}
}

func TestRegisterRejectsInvalidName(t *testing.T) {
	srv := startRelay(t)
	ch := dialChannel(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := ch.Register(ctx, ""); !errors.Is(err, domain.ErrNameEmpty) {
		t.Fatalf("empty name: err = %v", err)
	}
}

func TestHandlersReceiveFanOut(t *testing.T) {
	srv := startRelay(t)
	watcher := dialChannel(t, srv)
	mover := dialChannel(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var mu sync.Mutex
	moved := make(chan protocol.PlayerMovedPayload, 4)
	watcher.On(protocol.EventPlayerMoved, func(data json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		var p protocol.PlayerMovedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		moved <- p
	})

	if _, err := watcher.Register(ctx, "Watcher"); err != nil {
		t.Fatalf("register watcher: %v", err)
	}
	moverID, err := mover.Register(ctx, "Mover")
	if err != nil {
		t.Fatalf("register mover: %v", err)
	}

	if err := mover.Emit(protocol.EventPlayerMovement, protocol.MovementPayload{
		Position: &domain.Position{X: 9, Y: 9}, Direction: domain.FacingDown, Moving: true,
	}); err != nil {
		t.Fatalf("emit movement: %v", err)
	}

	select {
	case p := <-moved:
		if p.ID != moverID || p.Name != "Mover" || p.Position == nil || p.Position.X != 9 {
			t.Fatalf("playerMoved = %+v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("fan-out never arrived")
	}
}

func TestOnDisconnectFires(t *testing.T) {
	srv := startRelay(t)
	ch := dialChannel(t, srv)

	gone := make(chan struct{})
	ch.OnDisconnect(func() { close(gone) })

	ch.Close()
	select {
	case <-gone:
	case <-time.After(3 * time.Second):
		t.Fatalf("disconnect hook never fired")
	}
}

func TestEmitAfterCloseFails(t *testing.T) {
	srv := startRelay(t)
	ch := dialChannel(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := ch.Register(ctx, "Alice"); err != nil {
		t.Fatalf("register: %v", err)
	}

	ch.Close()
	err := ch.Emit(protocol.EventPlayerMovement, protocol.MovementPayload{Position: &domain.Position{}})
	if err == nil {
		t.Fatalf("emit after close succeeded")
	}
}
