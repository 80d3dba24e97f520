package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// ICEServerConfig is one STUN/TURN entry forwarded to clients.
type ICEServerConfig struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Host            string        `yaml:"host"`
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Port            int           `yaml:"websocket_port"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	Limits struct {
		MaxConnections     int `yaml:"max_connections"`
		MaxRooms           int `yaml:"max_rooms"`
		MaxViewersPerRoom  int `yaml:"max_viewers_per_room"`
		IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
	} `yaml:"limits"`

	WebRTC struct {
		AnnouncedIP string            `yaml:"announced_ip"`
		ICEServers  []ICEServerConfig `yaml:"ice_servers"`
		PortRange   struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Video struct {
		Codec             string `yaml:"codec"`
		MaxBitrateKbps    int    `yaml:"max_bitrate_kbps"`
		MinBitrateKbps    int    `yaml:"min_bitrate_kbps"`
		TargetBitrateKbps int    `yaml:"target_bitrate_kbps"`
		MaxFramerate      int    `yaml:"max_framerate"`
	} `yaml:"video"`

	Audio struct {
		Codec       string `yaml:"codec"`
		BitrateKbps int    `yaml:"bitrate_kbps"`
		SampleRate  int    `yaml:"sample_rate"`
	} `yaml:"audio"`

	Logging struct {
		Level   string `yaml:"level"`
		File    string `yaml:"file"`
		Console bool   `yaml:"console"`
	} `yaml:"logging"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Environment string `yaml:"environment"`
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Limits.IdleTimeoutSeconds) * time.Second
}

// HasSTUN reports whether at least one stun: entry is configured.
func (c *Config) HasSTUN() bool {
	return c.hasScheme("stun:")
}

// HasTURN reports whether at least one turn: entry is configured.
func (c *Config) HasTURN() bool {
	return c.hasScheme("turn:") || c.hasScheme("turns:")
}

func (c *Config) hasScheme(scheme string) bool {
	for _, s := range c.WebRTC.ICEServers {
		for _, u := range s.URLs {
			if strings.HasPrefix(u, scheme) {
				return true
			}
		}
	}
	return false
}

// Validate runs once at startup. Every missing or inconsistent field is
// collected so an invalid production configuration aborts boot with one
// complete diagnostic.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Host == "" {
		problems = append(problems, "server.host must not be empty")
	}
	if c.Server.Port <= 0 {
		problems = append(problems, "server.port must be > 0")
	}
	if c.Signal.Port <= 0 {
		problems = append(problems, "signal.websocket_port must be > 0")
	}
	if c.Server.Port == c.Signal.Port {
		problems = append(problems, "server.port and signal.websocket_port must differ")
	}
	if c.Limits.MaxConnections <= 0 {
		problems = append(problems, "limits.max_connections must be > 0")
	}
	if c.Limits.MaxRooms <= 0 {
		problems = append(problems, "limits.max_rooms must be > 0")
	}
	if c.Limits.MaxViewersPerRoom <= 0 {
		problems = append(problems, "limits.max_viewers_per_room must be > 0")
	}
	if c.Limits.IdleTimeoutSeconds <= 0 {
		problems = append(problems, "limits.idle_timeout_seconds must be > 0")
	}
	if !c.HasSTUN() {
		problems = append(problems, "webrtc.ice_servers must contain at least one STUN entry")
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			problems = append(problems, "webrtc.port_range.min and max must both be set when one is set")
		} else if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			problems = append(problems, "webrtc.port_range.min must be < max")
		}
	}
	if c.Video.MaxBitrateKbps <= 0 {
		problems = append(problems, "video.max_bitrate_kbps must be > 0")
	}
	if c.Video.TargetBitrateKbps <= 0 || c.Video.TargetBitrateKbps > c.Video.MaxBitrateKbps {
		problems = append(problems, "video.target_bitrate_kbps must be > 0 and <= video.max_bitrate_kbps")
	}
	if c.Video.MinBitrateKbps < 0 || c.Video.MinBitrateKbps > c.Video.TargetBitrateKbps {
		problems = append(problems, "video.min_bitrate_kbps must be >= 0 and <= video.target_bitrate_kbps")
	}
	if c.Audio.BitrateKbps <= 0 {
		problems = append(problems, "audio.bitrate_kbps must be > 0")
	}
	if c.Audio.SampleRate <= 0 {
		problems = append(problems, "audio.sample_rate must be > 0")
	}
	if c.Logging.Level == "" {
		problems = append(problems, "logging.level must not be empty")
	}

	if c.IsProduction() {
		if c.WebRTC.AnnouncedIP == "" {
			problems = append(problems, "webrtc.announced_ip is required in production")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// ProductionWarnings lists non-fatal production concerns (logged, not
// aborted on).
func (c *Config) ProductionWarnings() []string {
	if !c.IsProduction() {
		return nil
	}
	var warnings []string
	if !c.HasTURN() {
		warnings = append(warnings, "no TURN server configured; clients behind symmetric NAT will fail to connect")
	}
	return warnings
}

// Load reads configuration from a YAML file if present, applies defaults
// and environment overrides, then validates.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane development defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 9001
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Port = 9002
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second

	cfg.Limits.MaxConnections = 1000
	cfg.Limits.MaxRooms = 100
	cfg.Limits.MaxViewersPerRoom = 100
	cfg.Limits.IdleTimeoutSeconds = 300

	cfg.WebRTC.ICEServers = []ICEServerConfig{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}

	cfg.Video.Codec = "VP8"
	cfg.Video.MaxBitrateKbps = 2500
	cfg.Video.MinBitrateKbps = 100
	cfg.Video.TargetBitrateKbps = 1000
	cfg.Video.MaxFramerate = 30

	cfg.Audio.Codec = "opus"
	cfg.Audio.BitrateKbps = 64
	cfg.Audio.SampleRate = 48000

	cfg.Logging.Level = "info"
	cfg.Logging.Console = true

	cfg.Monitoring.PrometheusEnabled = true

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 50
	cfg.RateLimiting.Burst = 100

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Environment = "development"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	setString(&c.Server.Host, "HOST")
	setInt(&c.Server.Port, "PORT")
	setInt(&c.Signal.Port, "WEBSOCKET_PORT")
	setString(&c.WebRTC.AnnouncedIP, "ANNOUNCED_IP")
	setInt(&c.Limits.MaxRooms, "MAX_ROOMS")
	setInt(&c.Limits.MaxViewersPerRoom, "MAX_VIEWERS_PER_ROOM")
	setInt(&c.Limits.IdleTimeoutSeconds, "IDLE_TIMEOUT_SECONDS")
	setInt(&c.Limits.MaxConnections, "MAX_CONNECTIONS")
	setString(&c.Video.Codec, "VIDEO_CODEC")
	setInt(&c.Video.MaxBitrateKbps, "VIDEO_MAX_BITRATE_KBPS")
	setInt(&c.Video.MinBitrateKbps, "VIDEO_MIN_BITRATE_KBPS")
	setInt(&c.Video.TargetBitrateKbps, "VIDEO_TARGET_BITRATE_KBPS")
	setInt(&c.Video.MaxFramerate, "VIDEO_MAX_FRAMERATE")
	setString(&c.Audio.Codec, "AUDIO_CODEC")
	setInt(&c.Audio.BitrateKbps, "AUDIO_BITRATE_KBPS")
	setInt(&c.Audio.SampleRate, "AUDIO_SAMPLE_RATE")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Environment, "NODE_ENV")

	if stun := os.Getenv("STUN_URL"); stun != "" {
		c.WebRTC.ICEServers = prependICEServer(c.WebRTC.ICEServers, ICEServerConfig{
			URLs: []string{stun},
		})
	}
	if turn := os.Getenv("TURN_URL"); turn != "" {
		c.WebRTC.ICEServers = append(c.WebRTC.ICEServers, ICEServerConfig{
			URLs:       []string{turn},
			Username:   os.Getenv("TURN_USERNAME"),
			Credential: os.Getenv("TURN_CREDENTIAL"),
		})
	}
}

func prependICEServer(servers []ICEServerConfig, s ICEServerConfig) []ICEServerConfig {
	return append([]ICEServerConfig{s}, servers...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
