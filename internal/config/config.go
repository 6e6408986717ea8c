// Package config holds node settings and loads them through viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const EnvPrefix = "COUNTERMESH"

type Config struct {
	ListenAddr      string `mapstructure:"listen-addr"`
	AdvertiseAddr   string `mapstructure:"advertise-addr"`
	BroadcastAddr   string `mapstructure:"broadcast-addr"`
	BroadcastListen string `mapstructure:"broadcast-listen"`
	// Multicast switches discovery from subnet broadcast to the group in
	// BroadcastAddr.
	Multicast bool `mapstructure:"multicast"`

	AnnounceInterval  time.Duration `mapstructure:"announce-interval"`
	RoundPollInterval time.Duration `mapstructure:"round-poll-interval"`
	ReadyTimeout      time.Duration `mapstructure:"ready-timeout"`
	ReadyMaxTimeouts  int           `mapstructure:"ready-max-timeouts"`
	// AutoRoundInterval starts a round after this long in work. Zero disables it.
	AutoRoundInterval time.Duration `mapstructure:"auto-round-interval"`

	SendRetries     int           `mapstructure:"send-retries"`
	SendBackoffBase time.Duration `mapstructure:"send-backoff-base"`
	SendBackoffMax  time.Duration `mapstructure:"send-backoff-max"`
	SendTimeout     time.Duration `mapstructure:"send-timeout"`
	SendWorkers     int           `mapstructure:"send-workers"`
	SendQueue       int           `mapstructure:"send-queue"`

	DedupWindow       time.Duration `mapstructure:"dedup-window"`
	RecvRate          float64       `mapstructure:"recv-rate"`
	RecvBurst         int           `mapstructure:"recv-burst"`
	MaxConnsPerHost   int           `mapstructure:"max-conns-per-host"`
	MaxStreamsPerHost int           `mapstructure:"max-streams-per-host"`

	MetricsSnapshot string `mapstructure:"metrics-snapshot"`
	DebugAddr       string `mapstructure:"debug-addr"`
	Debug           bool   `mapstructure:"debug"`
	InsecureTLS     bool   `mapstructure:"insecure-tls"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:        "0.0.0.0:7400",
		BroadcastAddr:     "255.255.255.255:7401",
		BroadcastListen:   "0.0.0.0:7401",
		AnnounceInterval:  2 * time.Second,
		RoundPollInterval: 200 * time.Millisecond,
		ReadyTimeout:      5 * time.Second,
		ReadyMaxTimeouts:  3,
		SendRetries:       3,
		SendBackoffBase:   100 * time.Millisecond,
		SendBackoffMax:    time.Second,
		SendTimeout:       8 * time.Second,
		SendWorkers:       16,
		SendQueue:         1024,
		DedupWindow:       time.Second,
		RecvRate:          200,
		RecvBurst:         400,
		MaxConnsPerHost:   8,
		MaxStreamsPerHost: 64,
		InsecureTLS:       true,
	}
}

func (c Config) Validate() error {
	var errs []error
	for name, addr := range map[string]string{
		"listen-addr":      c.ListenAddr,
		"broadcast-addr":   c.BroadcastAddr,
		"broadcast-listen": c.BroadcastListen,
	} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.AdvertiseAddr != "" {
		host, _, err := net.SplitHostPort(c.AdvertiseAddr)
		if err != nil {
			errs = append(errs, fmt.Errorf("advertise-addr: %w", err))
		} else if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
			errs = append(errs, errors.New("advertise-addr: must not be unspecified"))
		}
	}
	if c.Multicast {
		host, _, err := net.SplitHostPort(c.BroadcastAddr)
		if ip := net.ParseIP(host); err == nil && (ip == nil || !ip.IsMulticast()) {
			errs = append(errs, fmt.Errorf("broadcast-addr: %s is not a multicast group", host))
		}
	}
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"announce-interval", c.AnnounceInterval},
		{"round-poll-interval", c.RoundPollInterval},
		{"ready-timeout", c.ReadyTimeout},
		{"send-backoff-base", c.SendBackoffBase},
		{"send-backoff-max", c.SendBackoffMax},
		{"send-timeout", c.SendTimeout},
		{"dedup-window", c.DedupWindow},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %s", p.name, p.d))
		}
	}
	if c.SendBackoffMax < c.SendBackoffBase {
		errs = append(errs, errors.New("send-backoff-max: must not be below send-backoff-base"))
	}
	if c.AutoRoundInterval < 0 {
		errs = append(errs, errors.New("auto-round-interval: must not be negative"))
	}
	if c.ReadyMaxTimeouts < 1 {
		errs = append(errs, errors.New("ready-max-timeouts: must be at least 1"))
	}
	if c.SendRetries < 0 {
		errs = append(errs, errors.New("send-retries: must not be negative"))
	}
	if c.SendWorkers < 1 || c.SendQueue < 1 {
		errs = append(errs, errors.New("send-workers and send-queue: must be at least 1"))
	}
	if c.RecvRate <= 0 || c.RecvBurst < 1 {
		errs = append(errs, errors.New("recv-rate and recv-burst: must be positive"))
	}
	if c.MaxConnsPerHost < 1 || c.MaxStreamsPerHost < 1 {
		errs = append(errs, errors.New("max-conns-per-host and max-streams-per-host: must be at least 1"))
	}
	return errors.Join(errs...)
}

// NewViper returns a viper instance that knows every key with its default
// and reads COUNTERMESH_* environment variables.
func NewViper() (*viper.Viper, error) {
	v := viper.New()
	defaults := make(map[string]any)
	if err := mapstructure.Decode(DefaultConfig(), &defaults); err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v, nil
}

// ReadFile merges a config file into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// Load decodes v over the defaults and validates the result.
func Load(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook), withIgnoreUntagged()); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func withIgnoreUntagged() viper.DecoderConfigOption {
	return func(cfg *mapstructure.DecoderConfig) {
		cfg.IgnoreUntaggedFields = true
	}
}
