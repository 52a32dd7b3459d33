package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/dkoval/hallway/internal/protocol"
)

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	// Movement and interaction tuning handed to clients via defaults;
	// the relay itself never validates movement.
	Speed             float64 `mapstructure:"speed"`
	InteractionRadius float64 `mapstructure:"interaction_radius"`

	// MeetingRetention is how long a meeting directory label survives a
	// member's zone exit before it is dropped.
	MeetingRetention time.Duration `mapstructure:"meeting_retention"`

	ICEServers []ICEServer `mapstructure:"ice_servers"`
}

// ICEConfig renders the configured servers in the wire shape served by
// /api/ice-token.
func (c *Config) ICEConfig() protocol.ICEConfig {
	out := protocol.ICEConfig{}
	for _, s := range c.ICEServers {
		out.ICEServers = append(out.ICEServers, protocol.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("speed", 3.0)
	v.SetDefault("interaction_radius", 100.0)
	v.SetDefault("meeting_retention", "2s")
	v.SetDefault("ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Static: %s\n", cfg.Mode, cfg.Port, cfg.StaticPath)
	return &cfg, nil
}
