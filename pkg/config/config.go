// Package config loads the page-server core's configuration from a TOML
// file, with environment-variable overrides, into a typed Config struct.
package config

import (
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// WalRedoPaths locates the wal-redo executable and its library search
// path for one postgres major version.
type WalRedoPaths struct {
	BinPath string `mapstructure:"bin_path"`
	LibPath string `mapstructure:"lib_path"`
}

// Config is the full configuration surface consumed by the core, per
// SPEC_FULL.md §A.3.
type Config struct {
	// RemoteRootKind selects the remote store backend, e.g. "s3".
	RemoteRootKind string `mapstructure:"remote_root_kind"`
	// RemoteRootBucket is the bucket (or equivalent container) holding
	// every timeline's remote files.
	RemoteRootBucket string `mapstructure:"remote_root_bucket"`
	// RemoteRootPrefix is prepended to every remote key.
	RemoteRootPrefix string `mapstructure:"remote_root_prefix"`
	// RemoteEndpoint is the S3-compatible endpoint address.
	RemoteEndpoint string `mapstructure:"remote_endpoint"`
	// RemoteAccessKey/RemoteSecretKey are the S3 credentials.
	RemoteAccessKey string `mapstructure:"remote_access_key"`
	RemoteSecretKey string `mapstructure:"remote_secret_key"`
	// RemoteUseSSL selects https vs http against RemoteEndpoint.
	RemoteUseSSL bool `mapstructure:"remote_use_ssl"`

	// WalRedo maps a postgres major version to the paths of the wal-redo
	// binary and library to launch for that version.
	WalRedo map[int]WalRedoPaths `mapstructure:"wal_redo"`
	// WalRedoTimeoutMillis bounds how long a single redo request may take
	// before the coordinator treats the child as unresponsive.
	WalRedoTimeoutMillis int `mapstructure:"wal_redo_timeout_millis"`

	// BackoffBaseSeconds/BackoffCapSeconds bound the truncated exponential
	// backoff used between upload-task retries.
	BackoffBaseSeconds float64 `mapstructure:"backoff_base_seconds"`
	BackoffCapSeconds  float64 `mapstructure:"backoff_cap_seconds"`
	// RetryWarnThreshold is the attempt count at or above which a task
	// retry is logged at warn instead of info.
	RetryWarnThreshold int `mapstructure:"retry_warn_threshold"`

	// LogFormat selects "dev" (console) or "json" log output.
	LogFormat string `mapstructure:"log_format"`
}

// defaults mirror the values a bare Config{} would need to behave
// sensibly if a config file omits them.
func defaults() Config {
	return Config{
		WalRedoTimeoutMillis: 30_000,
		BackoffBaseSeconds:   1,
		BackoffCapSeconds:    30,
		RetryWarnThreshold:   3,
		LogFormat:            "dev",
	}
}

// Load reads the TOML file at fn, applies PAGESERVER_-prefixed
// environment variable overrides, and decodes the result into a Config.
func Load(fn string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(fn)
	v.SetConfigType("toml")
	v.SetEnvPrefix("pageserver")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "config: reading config file")
	}

	cfg := defaults()
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.StringToTimeDurationHookFunc())); err != nil {
		return nil, errors.Wrap(err, "config: decoding config file")
	}

	return &cfg, nil
}
