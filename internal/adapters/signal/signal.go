// Package signal owns the websocket transport for the relay: one
// connection per client, a buffered send channel, and the read/write
// pumps that feed the relay coordinator.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkoval/hallway/internal/domain"
	"github.com/dkoval/hallway/internal/relay"
)

var ErrBackpressure = errors.New("backpressure")

type Controller struct {
	Coord     *relay.Coordinator
	ReadLimit int64
}

func NewController(coord *relay.Coordinator, readLimit int64) *Controller {
	return &Controller{Coord: coord, ReadLimit: readLimit}
}

// WsConn implements relay.SignalSender over one websocket.
type WsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *WsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := domain.SessionID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &WsConn{
		conn: ws,
		send: make(chan []byte, 32),
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Coord.Registry.Bind(sid, conn, cancel)

	go ctl.writePump(ctx, conn)
	go func() {
		ctl.readPump(ctx, sid, conn)
		cancel()
	}()
	// Cancellation alone only parks the pumps; the blocked ReadMessage
	// must see the socket close so readPump unwinds and unbinds the
	// session.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
}
