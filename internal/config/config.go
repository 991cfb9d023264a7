package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

var DefaultSTUN = []string{"stun:stun.l.google.com:19302"}

type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	StaticPath   string        `mapstructure:"static_path"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	Secret       string        `mapstructure:"secret"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	LogLevel     string        `mapstructure:"log_level"`
	JoinLimit    int           `mapstructure:"join_limit"`
	JoinInterval time.Duration `mapstructure:"join_interval"`
	STUNURLs     []string      `mapstructure:"stun_urls"`
}

// PongWait is how long the server waits for any frame before it treats the
// peer as gone. It must exceed PingPeriod.
func (c *Config) PongWait() time.Duration {
	return c.PingPeriod * 10 / 9
}

type ClientConfig struct {
	ServerURL           string        `mapstructure:"server_url"`
	Room                string        `mapstructure:"room"`
	Name                string        `mapstructure:"name"`
	STUNURLs            []string      `mapstructure:"stun_urls"`
	JoinTimeout         time.Duration `mapstructure:"join_timeout"`
	StaggerDelay        time.Duration `mapstructure:"stagger_delay"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"`
	MaxTransportRetries int           `mapstructure:"max_transport_retries"`
	OfferRetransmit     time.Duration `mapstructure:"offer_retransmit"`
	HealthInterval      time.Duration `mapstructure:"health_interval"`
	HealthThreshold     int           `mapstructure:"health_threshold"`
	StallAfter          time.Duration `mapstructure:"stall_after"`
	Audio               bool          `mapstructure:"audio"`
	Video               bool          `mapstructure:"video"`
	LogLevel            string        `mapstructure:"log_level"`
}

func newViper(name string) (*viper.Viper, string) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/%s.%s.yaml", name, env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("ROOMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, fileName
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("log_level", "info")
	v.SetDefault("join_limit", 5)
	v.SetDefault("join_interval", "10s")
	v.SetDefault("stun_urls", DefaultSTUN)
}

func setClientDefaults(v *viper.Viper) {
	v.SetDefault("server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("room", "")
	v.SetDefault("name", "")
	v.SetDefault("stun_urls", DefaultSTUN)
	v.SetDefault("join_timeout", "10s")
	v.SetDefault("stagger_delay", "250ms")
	v.SetDefault("retry_backoff", "2s")
	v.SetDefault("max_transport_retries", 3)
	v.SetDefault("offer_retransmit", "3s")
	v.SetDefault("health_interval", "500ms")
	v.SetDefault("health_threshold", 3)
	v.SetDefault("stall_after", "30s")
	v.SetDefault("audio", true)
	v.SetDefault("video", false)
	v.SetDefault("log_level", "info")
}

// Loader keeps the viper instance alive so the server can watch the file.
type Loader struct {
	v    *viper.Viper
	file string
}

func Load() (*Config, *Loader, error) {
	v, fileName := newViper("config")
	setServerDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	cfg, err := decodeServer(v)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("server config")
	return cfg, &Loader{v: v, file: fileName}, nil
}

func decodeServer(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.PingPeriod <= 0 {
		return nil, fmt.Errorf("ping_period must be positive, got %s", cfg.PingPeriod)
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	return &cfg, nil
}

// Watch calls onChange with the re-decoded config every time the file changes.
// Decode failures are logged and the previous config stays in effect.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decodeServer(l.v)
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("reload failed")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Str("op", e.Op.String()).Msg("config reloaded")
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// LoadClient reads the peer config; v may already carry bound cobra flags.
func LoadClient(v *viper.Viper) (*ClientConfig, error) {
	if v == nil {
		v, _ = newViper("peer")
	}
	setClientDefaults(v)
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			log.Debug().Str("module", "config").Err(err).Msg("peer config file not read")
		}
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse peer config: %w", err)
	}
	if cfg.HealthThreshold <= 0 {
		cfg.HealthThreshold = 3
	}
	return &cfg, nil
}

// NewClientViper returns a viper configured for the peer binary.
func NewClientViper() *viper.Viper {
	v, _ := newViper("peer")
	return v
}

// ApplyLogLevel sets the zerolog global level; unknown names keep the current one.
func ApplyLogLevel(level string) {
	if level == "" {
		return
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("module", "config").Str("level", level).Msg("unknown log level")
		return
	}
	zerolog.SetGlobalLevel(lvl)
}
