// Package config provides the server's tunables as an immutable
// snapshot, plus an optional Viper-backed file loader for binaries
// that want file/env-based configuration (spec §4.10, §6, §9).
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// VarDiff holds the variable-difficulty tunables of spec §6.
type VarDiff struct {
	Enabled             bool
	MinimumDifficulty   uint64
	MaximumDifficulty   uint64
	InitialDifficulty   uint64
	RetargetTime        time.Duration
	TargetTime          time.Duration
	VariancePercent     float64
	RetargetShareAmount uint64
}

// Bans holds the ban-manager tunables of spec §6.
type Bans struct {
	Enabled             bool
	DefaultBanDuration  time.Duration
}

// Config is the immutable, cheaply-shared snapshot described by spec
// §9's "Inner/Shared split": once built by Builder.Snapshot, none of
// its fields change. Readers share the same *Config pointer; nothing
// about it requires a lock.
type Config struct {
	ProxyProtocol    bool
	MaxConnections   int // 0 means unlimited
	InitialTimeout   time.Duration
	ActiveTimeout    time.Duration
	CheckThreshold   uint64
	InvalidPercent   float64
	VarDiff          VarDiff
	Bans             Bans
}

// IsFull reports whether n live sessions have reached the configured
// connection cap (spec §4.7 "is_full").
func (c *Config) IsFull(n int) bool {
	return c.MaxConnections > 0 && n >= c.MaxConnections
}

// Builder accumulates tunables before being frozen by Snapshot. Use
// NewBuilder to start from the framework's defaults; the zero Builder
// holds all-zero tunables, which Snapshot rejects (check_threshold 0).
type Builder struct {
	cfg Config
}

// NewBuilder returns a Builder seeded with sensible defaults, matching
// the teacher's setDefaults step in internal/config/config.go.
func NewBuilder() *Builder {
	return &Builder{
		cfg: Config{
			ProxyProtocol:  false,
			MaxConnections: 0,
			InitialTimeout: 15 * time.Second,
			ActiveTimeout:  10 * time.Minute,
			CheckThreshold: 500,
			InvalidPercent: 50,
			VarDiff: VarDiff{
				Enabled:             false,
				MinimumDifficulty:   1,
				MaximumDifficulty:   1 << 62,
				InitialDifficulty:   1,
				RetargetTime:        90 * time.Second,
				TargetTime:          10 * time.Second,
				VariancePercent:     30,
				RetargetShareAmount: 4,
			},
			Bans: Bans{
				Enabled:            true,
				DefaultBanDuration: 30 * time.Minute,
			},
		},
	}
}

func (b *Builder) ProxyProtocol(enabled bool) *Builder {
	b.cfg.ProxyProtocol = enabled
	return b
}

func (b *Builder) MaxConnections(n int) *Builder {
	b.cfg.MaxConnections = n
	return b
}

func (b *Builder) Timeouts(initial, active time.Duration) *Builder {
	b.cfg.InitialTimeout = initial
	b.cfg.ActiveTimeout = active
	return b
}

func (b *Builder) BanThresholds(checkThreshold uint64, invalidPercent float64) *Builder {
	b.cfg.CheckThreshold = checkThreshold
	b.cfg.InvalidPercent = invalidPercent
	return b
}

func (b *Builder) VarDiffSettings(v VarDiff) *Builder {
	b.cfg.VarDiff = v
	return b
}

func (b *Builder) BanSettings(bans Bans) *Builder {
	b.cfg.Bans = bans
	return b
}

// Snapshot freezes the Builder's accumulated tunables into an
// immutable *Config, validating cross-field invariants first.
func (b *Builder) Snapshot() (*Config, error) {
	c := b.cfg
	if c.VarDiff.Enabled {
		if c.VarDiff.MinimumDifficulty == 0 {
			return nil, fmt.Errorf("config: var_diff minimum_difficulty must be nonzero")
		}
		if c.VarDiff.MaximumDifficulty < c.VarDiff.MinimumDifficulty {
			return nil, fmt.Errorf("config: var_diff maximum_difficulty (%d) below minimum (%d)",
				c.VarDiff.MaximumDifficulty, c.VarDiff.MinimumDifficulty)
		}
		if c.VarDiff.InitialDifficulty < c.VarDiff.MinimumDifficulty ||
			c.VarDiff.InitialDifficulty > c.VarDiff.MaximumDifficulty {
			return nil, fmt.Errorf("config: var_diff initial_difficulty (%d) out of [%d, %d]",
				c.VarDiff.InitialDifficulty, c.VarDiff.MinimumDifficulty, c.VarDiff.MaximumDifficulty)
		}
	}
	if c.CheckThreshold == 0 {
		return nil, fmt.Errorf("config: check_threshold must be nonzero")
	}
	return &c, nil
}

// FileConfig is the Viper-decoded shape of a file/env configuration
// source, following internal/config/config.go's Load/setDefaults
// pattern. Callers turn it into a Builder with ToBuilder.
type FileConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	AdminHost      string `mapstructure:"admin_host"`
	AdminPort      int    `mapstructure:"admin_port"`
	ProxyProtocol  bool   `mapstructure:"proxy_protocol"`
	MaxConnections int    `mapstructure:"max_connections"`
	InitialTimeoutS int   `mapstructure:"initial_timeout_s"`
	ActiveTimeoutS  int   `mapstructure:"active_timeout_s"`
	CheckThreshold  uint64  `mapstructure:"check_threshold"`
	InvalidPercent  float64 `mapstructure:"invalid_percent"`

	VarDiff struct {
		Enabled             bool    `mapstructure:"enabled"`
		MinimumDifficulty   uint64  `mapstructure:"minimum_difficulty"`
		MaximumDifficulty   uint64  `mapstructure:"maximum_difficulty"`
		InitialDifficulty   uint64  `mapstructure:"initial_difficulty"`
		RetargetTimeS       int     `mapstructure:"retarget_time_s"`
		TargetTimeS         int     `mapstructure:"target_time_s"`
		VariancePercent     float64 `mapstructure:"variance_percent"`
		RetargetShareAmount uint64  `mapstructure:"retarget_share_amount"`
	} `mapstructure:"var_diff"`

	Bans struct {
		Enabled            bool `mapstructure:"enabled"`
		DefaultBanDurationS int `mapstructure:"default_ban_duration_s"`
	} `mapstructure:"bans"`
}

// LoadFile reads a YAML/TOML/JSON/env configuration file via Viper,
// following the teacher's Load, and decodes it into a FileConfig.
func LoadFile(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("stratumd")
	v.AutomaticEnv()

	setFileDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return &fc, nil
}

func setFileDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 3333)
	v.SetDefault("admin_host", "127.0.0.1")
	v.SetDefault("admin_port", 8081)
	v.SetDefault("proxy_protocol", false)
	v.SetDefault("max_connections", 0)
	v.SetDefault("initial_timeout_s", 15)
	v.SetDefault("active_timeout_s", 600)
	v.SetDefault("check_threshold", 500)
	v.SetDefault("invalid_percent", 50)
	v.SetDefault("var_diff.enabled", false)
	v.SetDefault("var_diff.minimum_difficulty", 1)
	v.SetDefault("var_diff.maximum_difficulty", uint64(1)<<62)
	v.SetDefault("var_diff.initial_difficulty", 1)
	v.SetDefault("var_diff.retarget_time_s", 90)
	v.SetDefault("var_diff.target_time_s", 10)
	v.SetDefault("var_diff.variance_percent", 30)
	v.SetDefault("var_diff.retarget_share_amount", 4)
	v.SetDefault("bans.enabled", true)
	v.SetDefault("bans.default_ban_duration_s", 1800)
}

// ToBuilder converts a decoded FileConfig into a Builder ready for
// Snapshot.
func (fc *FileConfig) ToBuilder() *Builder {
	b := NewBuilder()
	b.ProxyProtocol(fc.ProxyProtocol)
	b.MaxConnections(fc.MaxConnections)
	b.Timeouts(
		time.Duration(fc.InitialTimeoutS)*time.Second,
		time.Duration(fc.ActiveTimeoutS)*time.Second,
	)
	b.BanThresholds(fc.CheckThreshold, fc.InvalidPercent)
	b.VarDiffSettings(VarDiff{
		Enabled:             fc.VarDiff.Enabled,
		MinimumDifficulty:   fc.VarDiff.MinimumDifficulty,
		MaximumDifficulty:   fc.VarDiff.MaximumDifficulty,
		InitialDifficulty:   fc.VarDiff.InitialDifficulty,
		RetargetTime:        time.Duration(fc.VarDiff.RetargetTimeS) * time.Second,
		TargetTime:          time.Duration(fc.VarDiff.TargetTimeS) * time.Second,
		VariancePercent:     fc.VarDiff.VariancePercent,
		RetargetShareAmount: fc.VarDiff.RetargetShareAmount,
	})
	b.BanSettings(Bans{
		Enabled:            fc.Bans.Enabled,
		DefaultBanDuration: time.Duration(fc.Bans.DefaultBanDurationS) * time.Second,
	})
	return b
}
