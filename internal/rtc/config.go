// Package rtc wraps the pion negotiation primitive for the client
// engine and fetches ICE server configuration from the relay.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/dkoval/hallway/internal/protocol"
)

// FallbackConfig is the minimal STUN-only configuration used whenever
// the ICE endpoint is unreachable or returns a malformed body. Call
// setup must proceed on it rather than fail outright.
func FallbackConfig() protocol.ICEConfig {
	return protocol.ICEConfig{
		ICEServers: []protocol.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// FetchConfig fetches {iceServers: [...]} from the given URL. It never
// returns an unusable configuration: any failure degrades to
// FallbackConfig.
func FetchConfig(ctx context.Context, client *http.Client, url string) protocol.ICEConfig {
	if client == nil {
		client = http.DefaultClient
	}
	cfg, err := fetch(ctx, client, url)
	if err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("url", url).Msg("ice config fetch failed, using STUN fallback")
		return FallbackConfig()
	}
	return cfg
}

func fetch(ctx context.Context, client *http.Client, url string) (protocol.ICEConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return protocol.ICEConfig{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return protocol.ICEConfig{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return protocol.ICEConfig{}, fmt.Errorf("ice config endpoint: %s", resp.Status)
	}

	var cfg protocol.ICEConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return protocol.ICEConfig{}, fmt.Errorf("decode ice config: %w", err)
	}
	if len(cfg.ICEServers) == 0 {
		return protocol.ICEConfig{}, fmt.Errorf("ice config has no servers")
	}
	for _, s := range cfg.ICEServers {
		if len(s.URLs) == 0 {
			return protocol.ICEConfig{}, fmt.Errorf("ice config server without urls")
		}
	}
	return cfg, nil
}
