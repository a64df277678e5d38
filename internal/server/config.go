package server

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"github.com/Tyrowin/livechat/internal/store"
)

const (
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds every runtime setting of the chat server. It is read from the
// environment; see LoadConfig.
type Config struct {
	Host           string `env:"HOST"`
	Port           int    `env:"PORT,default=8080"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS,default=http://localhost:8080"`

	MaxMessageSize int64 `env:"MAX_MESSAGE_SIZE,default=4096"`
	MaxTextLength  int   `env:"MAX_TEXT_LENGTH,default=2000"`

	RateLimitBurst          int           `env:"RATE_LIMIT_BURST,default=5"`
	RateLimitRefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s"`

	JWTSecret   string        `env:"JWT_SECRET"`
	JWTIssuer   string        `env:"JWT_ISSUER,default=livechat"`
	TokenTTL    time.Duration `env:"TOKEN_TTL,default=24h"`
	AuthTimeout time.Duration `env:"AUTH_TIMEOUT,default=5s"`

	PersistTimeout  time.Duration `env:"PERSIST_TIMEOUT,default=5s"`
	SendBuffer      int           `env:"SEND_BUFFER,default=256"`
	WriteWait       time.Duration `env:"WRITE_WAIT,default=10s"`
	PongWait        time.Duration `env:"PONG_WAIT,default=60s"`
	PingPeriod      time.Duration `env:"PING_PERIOD,default=54s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	StoreBackend  string `env:"STORE_BACKEND,default=badger"`
	BadgerPath    string `env:"BADGER_PATH,default=./data"`
	RedisAddr     string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB,default=0"`
	RedisPrefix   string `env:"REDIS_PREFIX,default=livechat"`

	HistoryLimit      int           `env:"HISTORY_LIMIT,default=100"`
	HistoryRetention  int           `env:"HISTORY_RETENTION,default=0"`
	RetentionInterval time.Duration `env:"RETENTION_INTERVAL,default=1h"`

	SingleSessionPerUser bool `env:"SINGLE_SESSION_PER_USER,default=false"`
	PrivateMessages      bool `env:"PRIVATE_MESSAGES,default=true"`

	LogLevel string `env:"LOG_LEVEL,default=INFO"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Port:                    8080,
		AllowedOrigins:          "http://localhost:8080",
		MaxMessageSize:          4096,
		MaxTextLength:           2000,
		RateLimitBurst:          5,
		RateLimitRefillInterval: time.Second,
		JWTIssuer:               "livechat",
		TokenTTL:                24 * time.Hour,
		AuthTimeout:             5 * time.Second,
		PersistTimeout:          5 * time.Second,
		SendBuffer:              256,
		WriteWait:               10 * time.Second,
		PongWait:                60 * time.Second,
		PingPeriod:              54 * time.Second,
		ShutdownTimeout:         10 * time.Second,
		StoreBackend:            BackendBadger,
		BadgerPath:              "./data",
		RedisAddr:               "localhost:6379",
		RedisPrefix:             "livechat",
		HistoryLimit:            store.DefaultHistoryLimit,
		RetentionInterval:       time.Hour,
		PrivateMessages:         true,
		LogLevel:                "INFO",
	}
}

// LoadConfig reads an optional .env file (or the given files), then the
// environment, and sanitizes the result.
func LoadConfig(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	return cfg.Sanitize(), nil
}

// Sanitize replaces out of range values with their defaults.
func (c Config) Sanitize() Config {
	def := DefaultConfig()

	if c.Port <= 0 || c.Port > 65535 {
		c.Port = def.Port
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.MaxTextLength <= 0 {
		c.MaxTextLength = def.MaxTextLength
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = def.RateLimitBurst
	}
	if c.RateLimitRefillInterval <= 0 {
		c.RateLimitRefillInterval = def.RateLimitRefillInterval
	}
	if c.JWTIssuer == "" {
		c.JWTIssuer = def.JWTIssuer
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = def.TokenTTL
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = def.AuthTimeout
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = def.PersistTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	// Pings must go out before the peer's read deadline expires.
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	if c.StoreBackend == "" {
		c.StoreBackend = def.StoreBackend
	}
	if c.BadgerPath == "" {
		c.BadgerPath = def.BadgerPath
	}
	if c.RedisAddr == "" {
		c.RedisAddr = def.RedisAddr
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = def.RedisPrefix
	}
	c.HistoryLimit = store.ClampLimit(c.HistoryLimit)
	if c.HistoryRetention < 0 {
		c.HistoryRetention = 0
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = def.RetentionInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	return c
}

// Validate reports settings that have no usable default.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("%w: JWT_SECRET is required", ErrInvalidConfig)
	}
	switch c.StoreBackend {
	case BackendBadger, BackendRedis:
	default:
		return fmt.Errorf("%w: unknown STORE_BACKEND %q", ErrInvalidConfig, c.StoreBackend)
	}
	return nil
}

// Addr is the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Origins splits ALLOWED_ORIGINS on commas.
func (c Config) Origins() []string {
	return parseOrigins(c.AllowedOrigins)
}

func parseOrigins(origins string) []string {
	if strings.TrimSpace(origins) == "" {
		return nil
	}
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
