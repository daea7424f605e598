// Package config loads the settings of a sync engine
// process from a YAML file and CLOUDFILTER_* environment
// variables, and turns them into the options of the
// runtime.
package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	logrus "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	cloudfilter "github.com/winfsp/go-cloudfilter"
	"github.com/winfsp/go-cloudfilter/badgerstore"
	"github.com/winfsp/go-cloudfilter/log"
	cflogrus "github.com/winfsp/go-cloudfilter/log/logrus"
	"github.com/winfsp/go-cloudfilter/metrics"
)

// EnvPrefix prefixes the environment variables, e.g.
// CLOUDFILTER_SESSION_DRAIN_TIMEOUT=10s.
const EnvPrefix = "CLOUDFILTER"

// Config is the configuration of a sync engine process.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error" yaml:"level"`

	// Topics is a comma separated list of log topics, see
	// log.ParseTopics.
	Topics string `mapstructure:"topics" validate:"logtopics" yaml:"topics"`
}

type SessionConfig struct {
	DrainTimeout           time.Duration `mapstructure:"drain_timeout" validate:"gt=0,lte=60s" yaml:"drain_timeout"`
	BlockImplicitHydration bool          `mapstructure:"block_implicit_hydration" yaml:"block_implicit_hydration"`
	RequireProcessInfo     bool          `mapstructure:"require_process_info" yaml:"require_process_info"`
	RequireFullFilePath    bool          `mapstructure:"require_full_file_path" yaml:"require_full_file_path"`
	WatchRoot              bool          `mapstructure:"watch_root" yaml:"watch_root"`
}

type StoreConfig struct {
	Backend    string `mapstructure:"backend" validate:"required,oneof=memory badger" yaml:"backend"`
	Path       string `mapstructure:"path" validate:"required_if=Backend badger" yaml:"path,omitempty"`
	SyncWrites bool   `mapstructure:"sync_writes" yaml:"sync_writes"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Default returns the configuration used when no file is
// found.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Topics: log.DefaultTopics.String(),
		},
		Session: SessionConfig{
			DrainTimeout: cloudfilter.DefaultDrainTimeout,
		},
		Store: StoreConfig{
			Backend: "memory",
		},
	}
}

// setDefaults registers every key with viper, which is
// also what makes AutomaticEnv see the keys absent from the
// file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.topics", cfg.Logging.Topics)
	v.SetDefault("session.drain_timeout", cfg.Session.DrainTimeout)
	v.SetDefault("session.block_implicit_hydration", cfg.Session.BlockImplicitHydration)
	v.SetDefault("session.require_process_info", cfg.Session.RequireProcessInfo)
	v.SetDefault("session.require_full_file_path", cfg.Session.RequireFullFilePath)
	v.SetDefault("session.watch_root", cfg.Session.WatchRoot)
	v.SetDefault("store.backend", cfg.Store.Backend)
	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("store.sync_writes", cfg.Store.SyncWrites)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
}

// Load reads the configuration file, a missing file leaves
// the defaults. Environment variables take precedence over
// the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "read config %q", path)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook accepts "30s" as well as a number of
// nanoseconds, which is how Save writes durations.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case uint64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		}
		return data, nil
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("logtopics", func(fl validator.FieldLevel) bool {
		_, err := log.ParseTopics(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks the configuration.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) {
			var problems []string
			for _, field := range fields {
				problems = append(problems, field.Namespace()+
					" fails "+field.Tag()+" "+field.Param())
			}
			return errors.Errorf("invalid config: %s",
				strings.Join(problems, "; "))
		}
		return errors.Wrap(err, "invalid config")
	}
	return nil
}

// Save writes the configuration as YAML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create config directory")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "write config")
}

// Logger creates the logger of the configuration.
func (cfg *Config) Logger() (log.Log, error) {
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, errors.Wrap(err, "logging level")
	}
	topics, err := log.ParseTopics(cfg.Logging.Topics)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetLevel(level)
	return cflogrus.New(logger, topics), nil
}

// OpenStore opens the placeholder store of the
// configuration, which the caller closes.
func (cfg *Config) OpenStore(l log.Log) (*cloudfilter.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return cloudfilter.NewStore(cloudfilter.StoreLogger(l))
	case "badger":
		var opts []badgerstore.Option
		opts = append(opts, badgerstore.Logger(l))
		if cfg.Store.SyncWrites {
			opts = append(opts, badgerstore.SyncWrites())
		}
		backend, err := badgerstore.Open(cfg.Store.Path, opts...)
		if err != nil {
			return nil, err
		}
		store, err := cloudfilter.NewStore(
			cloudfilter.WithBackend(backend), cloudfilter.StoreLogger(l))
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		return store, nil
	}
	return nil, errors.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// SessionOptions are the options of cloudfilter.Connect
// for the configuration. The metrics are registered into
// reg when enabled.
func (cfg *Config) SessionOptions(l log.Log, reg prometheus.Registerer) []cloudfilter.Option {
	opts := []cloudfilter.Option{
		cloudfilter.DrainTimeout(cfg.Session.DrainTimeout),
	}
	if l != nil {
		opts = append(opts, cloudfilter.Logger(l))
	}
	if cfg.Session.BlockImplicitHydration {
		opts = append(opts, cloudfilter.BlockSelfImplicitHydration())
	}
	if cfg.Session.RequireProcessInfo {
		opts = append(opts, cloudfilter.RequireProcessInfo())
	}
	if cfg.Session.RequireFullFilePath {
		opts = append(opts, cloudfilter.RequireFullFilePath())
	}
	if cfg.Session.WatchRoot {
		opts = append(opts, cloudfilter.WatchRoot())
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, cloudfilter.WithMetrics(metrics.New(reg)))
	}
	return opts
}
