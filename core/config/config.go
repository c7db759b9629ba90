// Package config loads the TOML configuration shared by the time authority
// and its clients.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"example.com/cristian-time/base/timemath"

	"example.com/cristian-time/core/sync/adjustments"
)

const (
	DefaultLocalAddr          = "0.0.0.0:8000"
	DefaultRemoteAddr         = "time-server:8000"
	DefaultReferenceTimeout   = 5 * time.Second
	DefaultSyncInterval       = 60 * time.Second
	DefaultSyncTimeout        = 5 * time.Second
	DefaultClientReport       = 60 * time.Second
	DefaultServerReport       = 15 * time.Second
	DefaultIdleTimeout        = 60 * time.Second
	DefaultInitialOffsetRange = 10.0
)

var DefaultReferenceEndpoints = []string{
	"pool.ntp.org",
	"0.pool.ntp.org",
	"1.pool.ntp.org",
	"2.pool.ntp.org",
}

var errInvalidConfig = errors.New("invalid configuration")

// Config mirrors the configuration file. Durations are given in seconds.
type Config struct {
	LocalAddr          string   `toml:"local_address,omitempty"`
	LocalMetricsAddr   string   `toml:"local_metrics_address,omitempty"`
	RemoteAddr         string   `toml:"remote_address,omitempty"`
	ReferenceEndpoints []string `toml:"reference_endpoints,omitempty"`
	ReferenceTimeout   float64  `toml:"reference_timeout,omitempty"`
	SyncInterval       float64  `toml:"sync_interval,omitempty"`
	SyncTimeout        float64  `toml:"sync_timeout,omitempty"`
	ReportInterval     float64  `toml:"report_interval,omitempty"`
	IdleTimeout        float64  `toml:"idle_timeout,omitempty"`
	AdjustmentRate     float64  `toml:"adjustment_rate,omitempty"`
	InitialOffset      *float64 `toml:"initial_offset,omitempty"`
	InitialOffsetRange float64  `toml:"initial_offset_range,omitempty"`
	MaxRoundTrip       float64  `toml:"max_round_trip,omitempty"`
	ClientID           string   `toml:"client_id,omitempty"`
}

// Load reads and validates the configuration file at path. An empty path
// yields the default configuration.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg, err = Decode(raw)
		if err != nil {
			return Config{}, err
		}
	}
	err := cfg.Validate()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Decode(raw []byte) (Config, error) {
	var cfg Config
	err := toml.NewDecoder(bytes.NewReader(raw)).DisallowUnknownFields().Decode(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidConfig, fmt.Sprintf(format, args...))
}

func validAddr(s string) bool {
	_, port, err := net.SplitHostPort(s)
	if err != nil {
		return false
	}
	p, err := strconv.Atoi(port)
	return err == nil && p >= 0 && p <= 65535
}

func (cfg Config) Validate() error {
	if cfg.LocalAddr != "" && !validAddr(cfg.LocalAddr) {
		return invalid("local_address %q", cfg.LocalAddr)
	}
	if cfg.LocalMetricsAddr != "" && !validAddr(cfg.LocalMetricsAddr) {
		return invalid("local_metrics_address %q", cfg.LocalMetricsAddr)
	}
	if cfg.RemoteAddr != "" && !validAddr(cfg.RemoteAddr) {
		return invalid("remote_address %q", cfg.RemoteAddr)
	}
	for _, s := range cfg.ReferenceEndpoints {
		if s == "" {
			return invalid("empty reference endpoint")
		}
	}
	for name, v := range map[string]float64{
		"reference_timeout":    cfg.ReferenceTimeout,
		"sync_interval":        cfg.SyncInterval,
		"sync_timeout":         cfg.SyncTimeout,
		"report_interval":      cfg.ReportInterval,
		"idle_timeout":         cfg.IdleTimeout,
		"initial_offset_range": cfg.InitialOffsetRange,
		"max_round_trip":       cfg.MaxRoundTrip,
	} {
		if v < 0 {
			return invalid("%s must not be negative", name)
		}
	}
	if cfg.AdjustmentRate != 0 &&
		(cfg.AdjustmentRate < adjustments.DampedMinRate || cfg.AdjustmentRate > adjustments.DampedMaxRate) {
		return invalid("adjustment_rate must be in range [%g, %g]",
			adjustments.DampedMinRate, adjustments.DampedMaxRate)
	}
	if cfg.SyncTimeout != 0 && cfg.SyncInterval != 0 && cfg.SyncTimeout > cfg.SyncInterval {
		return invalid("sync_timeout must not exceed sync_interval")
	}
	return nil
}

func orDefault(seconds float64, d time.Duration) time.Duration {
	if seconds == 0 {
		return d
	}
	return timemath.Duration(seconds)
}

func (cfg Config) LocalAddress() string {
	if cfg.LocalAddr == "" {
		return DefaultLocalAddr
	}
	return cfg.LocalAddr
}

func (cfg Config) RemoteAddress() string {
	if cfg.RemoteAddr == "" {
		return DefaultRemoteAddr
	}
	return cfg.RemoteAddr
}

func (cfg Config) References() []string {
	if len(cfg.ReferenceEndpoints) == 0 {
		return DefaultReferenceEndpoints
	}
	return cfg.ReferenceEndpoints
}

func (cfg Config) ReferenceTimeoutDuration() time.Duration {
	return orDefault(cfg.ReferenceTimeout, DefaultReferenceTimeout)
}

func (cfg Config) SyncIntervalDuration() time.Duration {
	return orDefault(cfg.SyncInterval, DefaultSyncInterval)
}

func (cfg Config) SyncTimeoutDuration() time.Duration {
	return orDefault(cfg.SyncTimeout, DefaultSyncTimeout)
}

func (cfg Config) ClientReportInterval() time.Duration {
	return orDefault(cfg.ReportInterval, DefaultClientReport)
}

func (cfg Config) ServerReportInterval() time.Duration {
	return orDefault(cfg.ReportInterval, DefaultServerReport)
}

func (cfg Config) IdleTimeoutDuration() time.Duration {
	return orDefault(cfg.IdleTimeout, DefaultIdleTimeout)
}

func (cfg Config) Rate() float64 {
	if cfg.AdjustmentRate == 0 {
		return adjustments.DampedDefaultRate
	}
	return cfg.AdjustmentRate
}

func (cfg Config) RoundTripLimit() time.Duration {
	return timemath.Duration(cfg.MaxRoundTrip)
}

// StartOffset returns the initial client offset: initial_offset if set,
// otherwise a random value in [-r, r) with r = initial_offset_range.
func (cfg Config) StartOffset() float64 {
	if cfg.InitialOffset != nil {
		return *cfg.InitialOffset
	}
	r := cfg.InitialOffsetRange
	if r == 0 {
		r = DefaultInitialOffsetRange
	}
	return (rand.Float64()*2 - 1) * r
}

// ID returns client_id, or a random identifier in [1, 100] if unset.
func (cfg Config) ID() string {
	if cfg.ClientID != "" {
		return cfg.ClientID
	}
	return strconv.Itoa(1 + rand.IntN(100))
}
