// Package config reads settings from flags, TOWERDUO_* environment variables
// and an optional .env file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/DoyleJ11/towerduo-backend/internal/channel"
	"github.com/DoyleJ11/towerduo-backend/internal/rules"
	"github.com/DoyleJ11/towerduo-backend/internal/session"
)

const EnvPrefix = "TOWERDUO"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Lobby   LobbyConfig   `mapstructure:"lobby"`
	Session SessionConfig `mapstructure:"session"`
	Rules   RulesConfig   `mapstructure:"rules"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Relay   RelayConfig   `mapstructure:"relay"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// URL is where clients dial the relay.
	URL string `mapstructure:"url"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type LobbyConfig struct {
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type SessionConfig struct {
	EvictAfter          time.Duration `mapstructure:"evict_after"`
	NegotiationDeadline time.Duration `mapstructure:"negotiation_deadline"`
	MetricTolerance     float64       `mapstructure:"metric_tolerance"`
}

type RulesConfig struct {
	File string `mapstructure:"file"`
}

type LedgerConfig struct {
	DSN string `mapstructure:"dsn"`
	URL string `mapstructure:"url"`
}

type RelayConfig struct {
	InFlightRate  float64 `mapstructure:"inflight_rate"`
	InFlightBurst int     `mapstructure:"inflight_burst"`
}

// ClientConfig drives cmd/duoclient.
type ClientConfig struct {
	Server      ServerConfig `mapstructure:"server"`
	Log         LogConfig    `mapstructure:"log"`
	Ledger      LedgerConfig `mapstructure:"ledger"`
	Participant string       `mapstructure:"participant"`
	Mode        string       `mapstructure:"mode"`
	Signer      struct {
		Seed string `mapstructure:"seed"`
	} `mapstructure:"signer"`
	Turns int `mapstructure:"turns"`
}

// New returns a viper instance with defaults and env binding. envFiles are
// loaded into the process environment first; missing files are skipped.
func New(envFiles ...string) (*viper.Viper, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v, nil
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.url", "ws://localhost:8080/ws")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("lobby.stale_after", 5*time.Minute)
	v.SetDefault("lobby.sweep_interval", 30*time.Second)
	v.SetDefault("session.evict_after", 30*time.Second)
	v.SetDefault("session.negotiation_deadline", session.DefaultNegotiationDeadline)
	v.SetDefault("session.metric_tolerance", 0.5)

	v.SetDefault("rules.file", "")
	v.SetDefault("ledger.dsn", "")
	v.SetDefault("ledger.url", "")
	v.SetDefault("relay.inflight_rate", 30.0)
	v.SetDefault("relay.inflight_burst", 10)

	v.SetDefault("participant", "")
	v.SetDefault("mode", rules.DefaultMode)
	v.SetDefault("signer.seed", "")
	v.SetDefault("turns", 6)
}

func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Lobby.StaleAfter <= 0 || c.Lobby.SweepInterval <= 0 {
		errs = append(errs, errors.New("lobby durations must be positive"))
	}
	if c.Session.EvictAfter <= 0 || c.Session.NegotiationDeadline <= 0 {
		errs = append(errs, errors.New("session durations must be positive"))
	}
	if c.Session.NegotiationDeadline > 0 && c.Session.NegotiationDeadline <= channel.MaxProposerDuration {
		errs = append(errs, fmt.Errorf("session.negotiation_deadline must exceed %v, the longest a proposer may take", channel.MaxProposerDuration))
	}
	if c.Session.MetricTolerance < 0 {
		errs = append(errs, errors.New("session.metric_tolerance must not be negative"))
	}
	if c.Relay.InFlightRate <= 0 || c.Relay.InFlightBurst <= 0 {
		errs = append(errs, errors.New("relay.inflight_rate and relay.inflight_burst must be positive"))
	}
	return errors.Join(errs...)
}

// Catalog loads the rules file, or the built-in catalog when none is set.
func (c Config) Catalog() (rules.Catalog, error) {
	if c.Rules.File == "" {
		return rules.Default(), nil
	}
	return rules.Load(c.Rules.File)
}

func LoadClient(v *viper.Viper) (ClientConfig, error) {
	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Server.URL == "" {
		return ClientConfig{}, errors.New("server.url is required")
	}
	if cfg.Turns <= 0 {
		return ClientConfig{}, errors.New("turns must be positive")
	}
	return cfg, nil
}

// NewLogger builds a production JSON logger, or a console logger whose
// DPanic panics when Development is set.
func NewLogger(c LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		lvl, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
		zc.Level = lvl
	}
	return zc.Build()
}
