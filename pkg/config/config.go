package config

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	cerrors "github.com/ascrivener/dyncache/pkg/errors"
)

// Defaults sized for a real-mode/protected-mode x86 guest.
const (
	DefaultTotalSize             = 1024 * 1024 * 8
	DefaultMaxBlockSize          = 4096 * 2
	DefaultPages                 = 512
	DefaultBlocks                = 128 * 1024
	DefaultAlign                 = 16
	DefaultHashShift             = 4
	DefaultPageDelay             = 16
	DefaultInvalidationThreshold = 4
)

// Config sizes the code cache. The zero value is not usable; start from Default.
type Config struct {
	TotalSize             int    `mapstructure:"total_size"`
	MaxBlockSize          int    `mapstructure:"max_block_size"`
	Pages                 int    `mapstructure:"pages"`
	Blocks                int    `mapstructure:"blocks"`
	Align                 int    `mapstructure:"align"`
	HashShift             uint   `mapstructure:"hash_shift"`
	PageDelay             int    `mapstructure:"page_delay"`
	InvalidationThreshold uint8  `mapstructure:"invalidation_threshold"`
	Executable            bool   `mapstructure:"executable"`
	LogLevel              string `mapstructure:"log_level"`

	Logger     logrus.FieldLogger    `mapstructure:"-"`
	Registerer prometheus.Registerer `mapstructure:"-"`
}

func Default() Config {
	return Config{
		TotalSize:             DefaultTotalSize,
		MaxBlockSize:          DefaultMaxBlockSize,
		Pages:                 DefaultPages,
		Blocks:                DefaultBlocks,
		Align:                 DefaultAlign,
		HashShift:             DefaultHashShift,
		PageDelay:             DefaultPageDelay,
		InvalidationThreshold: DefaultInvalidationThreshold,
		Executable:            true,
		LogLevel:              "info",
	}
}

// Validate checks the sizing constraints the allocator and page hash depend on.
func (c Config) Validate() error {
	switch {
	case c.Align <= 0 || bits.OnesCount(uint(c.Align)) != 1:
		return cerrors.Errorf(cerrors.KindConfig, "align must be a power of two, got %d", c.Align)
	case c.HashShift < 1 || c.HashShift > 12:
		return cerrors.Errorf(cerrors.KindConfig, "hash_shift must be in 1..12, got %d", c.HashShift)
	case c.MaxBlockSize < c.Align:
		return cerrors.Errorf(cerrors.KindConfig, "max_block_size %d smaller than align %d", c.MaxBlockSize, c.Align)
	case c.TotalSize < 2*c.MaxBlockSize:
		return cerrors.Errorf(cerrors.KindConfig, "total_size %d must be at least twice max_block_size %d", c.TotalSize, c.MaxBlockSize)
	case c.Blocks < 4:
		return cerrors.Errorf(cerrors.KindConfig, "blocks must be at least 4, got %d", c.Blocks)
	case c.Pages < 1:
		return cerrors.Errorf(cerrors.KindConfig, "pages must be at least 1, got %d", c.Pages)
	case c.PageDelay < 1:
		return cerrors.Errorf(cerrors.KindConfig, "page_delay must be positive, got %d", c.PageDelay)
	case c.InvalidationThreshold < 1:
		return cerrors.Errorf(cerrors.KindConfig, "invalidation_threshold must be positive, got %d", c.InvalidationThreshold)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return cerrors.Wrap(err, cerrors.KindConfig, "invalid log_level")
	}
	return nil
}

// HashBuckets is the number of start-address buckets per code page, not
// counting bucket 0 which holds cross-page halves.
func (c Config) HashBuckets() int {
	return 4096 >> c.HashShift
}

// Log returns the configured logger or the standard logrus logger, tagged
// with the component name.
func (c Config) Log(component string) logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger.WithField("component", component)
	}
	return logrus.WithField("component", component)
}

// Load reads dyncache.yaml from the usual search path (or the explicit file
// when path is set), applies DYNCACHE_* environment overrides and falls back
// to defaults for everything missing.
func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dyncache")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.dyncache")
		v.AddConfigPath("/etc/dyncache")
	}

	d := Default()
	v.SetDefault("total_size", d.TotalSize)
	v.SetDefault("max_block_size", d.MaxBlockSize)
	v.SetDefault("pages", d.Pages)
	v.SetDefault("blocks", d.Blocks)
	v.SetDefault("align", d.Align)
	v.SetDefault("hash_shift", d.HashShift)
	v.SetDefault("page_delay", d.PageDelay)
	v.SetDefault("invalidation_threshold", d.InvalidationThreshold)
	v.SetDefault("executable", d.Executable)
	v.SetDefault("log_level", d.LogLevel)

	v.SetEnvPrefix("DYNCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return Config{}, cerrors.Wrap(err, cerrors.KindConfig, "error reading config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, cerrors.Wrap(err, cerrors.KindConfig, "error unmarshaling config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
