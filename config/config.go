// Package config resolves the Mongo connection settings from an optional
// configuration file and environment variables.
//
// Keys live under "mongo." and map to environment variables by replacing dots
// with underscores and upper-casing, for example:
//
//	MONGO_HOST               - server host
//	MONGO_PORT               - server port (default: 27017)
//	MONGO_DB                 - database name
//	MONGO_URI                - full connection string, overrides host/port
//	MONGO_CONNECT_TIMEOUT_MS - connect timeout, applied only when set
//	MONGO_SOCKET_TIMEOUT_MS  - socket timeout, applied only when set
//	MONGO_POOL_SIZE          - max pool size, applied only when set
//	MONGO_SEQUENCES          - sequence collection (default: "sequences")
//	MONGO_LOGGER_LEVEL       - driver log level ("info" or "debug")
//	MONGO_LOGGER_COMPONENTS  - comma separated driver components to log
//
// The optional Redis sequence backend reads REDIS_ADDR, REDIS_PASSWORD,
// REDIS_DB and REDIS_PREFIX (default: "sequence").
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultSequences is the collection holding sequence counters when none is
// configured.
const DefaultSequences = "sequences"

// DefaultRedisPrefix prefixes Redis counter keys when none is configured.
const DefaultRedisPrefix = "sequence"

type (
	// Config is the resolved configuration.
	Config struct {
		Mongo Mongo `mapstructure:"mongo"`
		Redis Redis `mapstructure:"redis"`
	}

	// Mongo holds the store connection settings.
	Mongo struct {
		Host             string `mapstructure:"host"`
		Port             int    `mapstructure:"port"`
		DB               string `mapstructure:"db"`
		URI              string `mapstructure:"uri"`
		ConnectTimeoutMs int    `mapstructure:"connect_timeout_ms"`
		SocketTimeoutMs  int    `mapstructure:"socket_timeout_ms"`
		PoolSize         uint64 `mapstructure:"pool_size"`
		Sequences        string `mapstructure:"sequences"`
		Logger           Logger `mapstructure:"logger"`
	}

	// Redis configures the Redis sequence backend. An empty Addr disables it.
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Prefix   string `mapstructure:"prefix"`
	}

	// Logger configures the driver's own logging.
	Logger struct {
		Level      string   `mapstructure:"level"`
		Components []string `mapstructure:"components"`
	}
)

var defaults = map[string]any{
	"mongo.host":               "",
	"mongo.port":               27017,
	"mongo.db":                 "",
	"mongo.uri":                "",
	"mongo.connect_timeout_ms": 0,
	"mongo.socket_timeout_ms":  0,
	"mongo.pool_size":          0,
	"mongo.sequences":          DefaultSequences,
	"mongo.logger.level":       "",
	"mongo.logger.components":  []string{},
	"redis.addr":               "",
	"redis.password":           "",
	"redis.db":                 0,
	"redis.prefix":             DefaultRedisPrefix,
}

// Load resolves the configuration. path names an optional YAML, JSON or TOML
// file; an empty path skips the file. Environment variables take precedence
// over file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Mongo.Sequences == "" {
		cfg.Mongo.Sequences = DefaultSequences
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = DefaultRedisPrefix
	}
	return &cfg, nil
}

// Validate reports missing required settings.
func (m Mongo) Validate() error {
	if m.URI == "" && m.Host == "" {
		return errors.New("mongo host is required")
	}
	if m.DB == "" {
		return errors.New("mongo database name is required")
	}
	return nil
}

// Address returns the connection string: URI when set, otherwise
// mongodb://host:port/db.
func (m Mongo) Address() string {
	if m.URI != "" {
		return m.URI
	}
	u := url.URL{Scheme: "mongodb", Host: m.Host, Path: "/" + m.DB}
	if m.Port > 0 {
		u.Host = m.Host + ":" + strconv.Itoa(m.Port)
	}
	return u.String()
}

// ClientOptions builds the driver options. Timeouts and pool size are applied
// only when configured. sink receives driver logs when a logger level is
// configured; a nil sink keeps the driver's default stderr output.
func (m Mongo) ClientOptions(sink options.LogSink) (*options.ClientOptions, error) {
	opts := options.Client().ApplyURI(m.Address())
	if m.ConnectTimeoutMs > 0 {
		opts.SetConnectTimeout(time.Duration(m.ConnectTimeoutMs) * time.Millisecond)
	}
	if m.SocketTimeoutMs > 0 {
		opts.SetSocketTimeout(time.Duration(m.SocketTimeoutMs) * time.Millisecond)
	}
	if m.PoolSize > 0 {
		opts.SetMaxPoolSize(m.PoolSize)
	}
	if m.Logger.Level != "" {
		lopts, err := m.Logger.options(sink)
		if err != nil {
			return nil, err
		}
		opts.SetLoggerOptions(lopts)
	}
	return opts, opts.Validate()
}

func (l Logger) options(sink options.LogSink) (*options.LoggerOptions, error) {
	var level options.LogLevel
	switch strings.ToLower(l.Level) {
	case "info":
		level = options.LogLevelInfo
	case "debug", "trace":
		level = options.LogLevelDebug
	default:
		return nil, fmt.Errorf("unsupported mongo logger level %q", l.Level)
	}
	lopts := options.Logger()
	if sink != nil {
		lopts.SetSink(sink)
	}
	if len(l.Components) == 0 {
		lopts.SetComponentLevel(options.LogComponentAll, level)
		return lopts, nil
	}
	for _, name := range l.Components {
		component, ok := components[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unsupported mongo logger component %q", name)
		}
		lopts.SetComponentLevel(component, level)
	}
	return lopts, nil
}

var components = map[string]options.LogComponent{
	"all":             options.LogComponentAll,
	"command":         options.LogComponentCommand,
	"topology":        options.LogComponentTopology,
	"serverselection": options.LogComponentServerSelection,
	"connection":      options.LogComponentConnection,
}
