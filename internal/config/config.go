package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr    = ":8080"
	defaultDBPath        = "taskrunner.db"
	defaultXComBackend   = XComBackendChannel
	defaultAMQPExchange  = "taskrunner.events"
	defaultConcurrency   = 4
	defaultLogMaxSizeMB  = 100
	defaultLogMaxBackups = 3
	defaultLogMaxAgeDays = 28

	envPrefix = "TASKRUNNER_"

	envListenAddr     = envPrefix + "LISTEN_ADDR"
	envDBPath         = envPrefix + "DB_PATH"
	envLogLevel       = envPrefix + "LOG_LEVEL"
	envLogFile        = envPrefix + "LOG_FILE"
	envXComBackend    = envPrefix + "XCOM_BACKEND"
	envPostgresDSN    = envPrefix + "POSTGRES_DSN"
	envRedisAddr      = envPrefix + "REDIS_ADDR"
	envAMQPURL        = envPrefix + "AMQP_URL"
	envAMQPExchange   = envPrefix + "AMQP_EXCHANGE"
	envPushgatewayURL = envPrefix + "PUSHGATEWAY_URL"
	envSMTPAddr       = envPrefix + "SMTP_ADDR"
	envSMTPFrom       = envPrefix + "SMTP_FROM"
	envSMTPUser       = envPrefix + "SMTP_USER"
	envSMTPPassword   = envPrefix + "SMTP_PASSWORD"
	envBundleRoot     = envPrefix + "BUNDLE_ROOT"
	envConcurrency    = envPrefix + "MAX_CONCURRENCY"
)

// XCom backends a worker can be configured with.
const (
	XComBackendChannel  = "channel"
	XComBackendPostgres = "postgres"
	XComBackendRedis    = "redis"
)

// Config holds application configuration. Values come from defaults, then an
// optional YAML file, then TASKRUNNER_* environment variables.
type Config struct {
	ListenAddr string     `yaml:"listen_addr"`
	DBPath     string     `yaml:"db_path"`
	LogLevel   slog.Level `yaml:"log_level"`

	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`

	XComBackend string `yaml:"xcom_backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`

	AMQPURL        string `yaml:"amqp_url"`
	AMQPExchange   string `yaml:"amqp_exchange"`
	PushgatewayURL string `yaml:"pushgateway_url"`

	SMTPAddr     string `yaml:"smtp_addr"`
	SMTPFrom     string `yaml:"smtp_from"`
	SMTPUser     string `yaml:"smtp_user"`
	SMTPPassword string `yaml:"smtp_password"`

	BundleRoot     string `yaml:"bundle_root"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

func defaults() Config {
	return Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		LogMaxSizeMB:   defaultLogMaxSizeMB,
		LogMaxBackups:  defaultLogMaxBackups,
		LogMaxAgeDays:  defaultLogMaxAgeDays,
		XComBackend:    defaultXComBackend,
		AMQPExchange:   defaultAMQPExchange,
		MaxConcurrency: defaultConcurrency,
	}
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := defaults()
	applyEnv(&cfg)
	return cfg
}

// LoadFile reads the YAML file at path and applies environment overrides.
func LoadFile(path string) (Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks option combinations.
func (c Config) Validate() error {
	switch c.XComBackend {
	case XComBackendChannel:
	case XComBackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("xcom backend %q requires postgres_dsn", c.XComBackend)
		}
	case XComBackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("xcom backend %q requires redis_addr", c.XComBackend)
		}
	default:
		return fmt.Errorf("unknown xcom backend %q", c.XComBackend)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be at least 1, got %d", c.MaxConcurrency)
	}
	return nil
}

func applyEnv(cfg *Config) {
	strs := map[string]*string{
		envListenAddr:     &cfg.ListenAddr,
		envDBPath:         &cfg.DBPath,
		envLogFile:        &cfg.LogFile,
		envXComBackend:    &cfg.XComBackend,
		envPostgresDSN:    &cfg.PostgresDSN,
		envRedisAddr:      &cfg.RedisAddr,
		envAMQPURL:        &cfg.AMQPURL,
		envAMQPExchange:   &cfg.AMQPExchange,
		envPushgatewayURL: &cfg.PushgatewayURL,
		envSMTPAddr:       &cfg.SMTPAddr,
		envSMTPFrom:       &cfg.SMTPFrom,
		envSMTPUser:       &cfg.SMTPUser,
		envSMTPPassword:   &cfg.SMTPPassword,
		envBundleRoot:     &cfg.BundleRoot,
	}
	for env, dst := range strs {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envConcurrency); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrency = n
		}
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// LogWriter returns w, teed to a rotating log file when LogFile is set.
func (c Config) LogWriter(w io.Writer) io.Writer {
	if c.LogFile == "" {
		return w
	}
	return io.MultiWriter(w, &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		MaxAge:     c.LogMaxAgeDays,
	})
}

// NewTaskLogger creates the logger handed to task logic.
func NewTaskLogger(w io.Writer, level slog.Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{})
	switch {
	case level <= slog.LevelDebug:
		l.SetLevel(logrus.DebugLevel)
	case level <= slog.LevelInfo:
		l.SetLevel(logrus.InfoLevel)
	case level <= slog.LevelWarn:
		l.SetLevel(logrus.WarnLevel)
	default:
		l.SetLevel(logrus.ErrorLevel)
	}
	return l
}
