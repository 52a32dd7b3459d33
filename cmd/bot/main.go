// Command bot runs a headless participant against a hallway server:
// it registers, wanders the floor on a fixed tick, auto-accepts any
// incoming call and feeds the negotiation a synthetic opus track. It
// exists for soak-testing the relay and for populating a dev floor.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkoval/hallway/internal/client"
	"github.com/dkoval/hallway/internal/client/call"
	"github.com/dkoval/hallway/internal/client/media"
	"github.com/dkoval/hallway/internal/client/presence"
	"github.com/dkoval/hallway/internal/domain"
	"github.com/dkoval/hallway/internal/rtc"
)

const (
	floorW   = 800.0
	floorH   = 600.0
	tickRate = 50 * time.Millisecond
)

// bounds keeps the wanderer on the floor.
func bounds(x, y float64) bool {
	return x < 0 || y < 0 || x > floorW || y > floorH
}

func main() {
	var (
		addr  = flag.String("addr", "localhost:8080", "server host:port")
		name  = flag.String("name", "", "participant name (default bot-<n>)")
		speed = flag.Float64("speed", 4, "movement speed per tick")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *name == "" {
		*name = fmt.Sprintf("bot-%04d", rand.IntN(10000))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addr, *name, *speed); err != nil {
		log.Fatal().Err(err).Msg("bot exited")
	}
}

func run(ctx context.Context, addr, name string, speed float64) error {
	ch, err := client.Dial(ctx, "ws://"+addr+"/api/ws")
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	iceURL := "http://" + addr + "/api/ice-token"
	ice := func(ctx context.Context) webrtc.Configuration {
		return rtc.FetchConfig(ctx, http.DefaultClient, iceURL).ToWebRTC()
	}
	factory := func(cfg webrtc.Configuration) (call.Negotiator, error) {
		return rtc.NewPeerLink(cfg)
	}

	c := client.New(ch, client.Options{
		Source:            &media.SyntheticSource{Label: name},
		NewLink:           factory,
		ICE:               ice,
		Blocked:           bounds,
		Speed:             speed,
		InteractionRadius: 100,
		MeetingRetention:  2 * time.Second,
		Spawn:             domain.Position{X: rand.Float64() * floorW, Y: rand.Float64() * floorH},
	})
	defer c.Close()

	// Auto-accept so a human can always reach the bot.
	c.Calls().OnRing(func(peer domain.SessionID, caller string) {
		log.Info().Str("caller", caller).Msg("ring, accepting")
		if err := c.Accept(ctx); err != nil {
			log.Warn().Err(err).Msg("accept failed")
		}
	})

	disconnected := make(chan struct{})
	ch.OnDisconnect(func() { close(disconnected) })
	ch.Start()

	regCtx, regCancel := context.WithTimeout(ctx, 10*time.Second)
	defer regCancel()
	if err := c.Register(regCtx, name); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	log.Info().Str("name", name).Str("sid", string(c.ID())).Msg("registered")

	ticker := time.NewTicker(tickRate)
	defer ticker.Stop()

	var in presence.InputState
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-disconnected:
			return fmt.Errorf("relay connection lost")
		case <-ticker.C:
			// Re-roll held directions now and then, like a person
			// drifting around the floor.
			if rand.IntN(20) == 0 {
				in = presence.InputState{
					Up:    rand.IntN(2) == 0,
					Down:  rand.IntN(2) == 0,
					Left:  rand.IntN(2) == 0,
					Right: rand.IntN(2) == 0,
				}
			}
			c.Tick(ctx, in)
		}
	}
}
