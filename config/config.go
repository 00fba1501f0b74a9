// Package config resolves server settings from defaults, an optional YAML
// file, a .env file, environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	ListenKey         = "listen"
	LogLevelKey       = "log.level"
	LogFormatKey      = "log.format"
	StorageTypeKey    = "storage.type"
	DataSourceKey     = "storage.data_source_name"
	LocalPathKey      = "storage.local_path"
	BucketKey         = "storage.s3_bucket"
	JWTSecretKey      = "auth.jwt_secret"
	AllowedOriginsKey = "cors.allowed_origins"
	SignalQueueKey    = "presence.signal_queue_size"
	OutboxSizeKey     = "presence.outbox_size"
	SubmitTimeoutKey  = "presence.submit_timeout"
	ActivityQueueKey  = "activity.queue_size"
	WriteTimeoutKey   = "activity.write_timeout"
	ShutdownKey       = "shutdown_timeout"
)

// envNames maps keys to the environment variables the server has always read.
var envNames = map[string]string{
	ListenKey:         "LISTEN_ADDR",
	LogLevelKey:       "LOG_LEVEL",
	LogFormatKey:      "LOG_FORMAT",
	StorageTypeKey:    "STORAGE_TYPE",
	DataSourceKey:     "DATA_SOURCE_NAME",
	LocalPathKey:      "LOCAL_STORAGE_PATH",
	BucketKey:         "S3_BUCKET_NAME",
	JWTSecretKey:      "JWT_SECRET",
	AllowedOriginsKey: "ALLOWED_ORIGINS",
	SignalQueueKey:    "PRESENCE_SIGNAL_QUEUE_SIZE",
	OutboxSizeKey:     "PRESENCE_OUTBOX_SIZE",
	SubmitTimeoutKey:  "PRESENCE_SUBMIT_TIMEOUT",
	ActivityQueueKey:  "ACTIVITY_QUEUE_SIZE",
	WriteTimeoutKey:   "ACTIVITY_WRITE_TIMEOUT",
	ShutdownKey:       "SHUTDOWN_TIMEOUT",
}

var defaults = map[string]any{
	ListenKey:         ":3002",
	LogLevelKey:       "info",
	LogFormatKey:      "text",
	StorageTypeKey:    "memory",
	DataSourceKey:     "rentaltruth.db",
	LocalPathKey:      "./data",
	AllowedOriginsKey: "*",
	SignalQueueKey:    1024,
	OutboxSizeKey:     32,
	SubmitTimeoutKey:  2 * time.Second,
	ActivityQueueKey:  256,
	WriteTimeoutKey:   5 * time.Second,
	ShutdownKey:       10 * time.Second,
}

type Config struct {
	Listen    string
	LogLevel  string
	LogFormat string

	StorageType    string
	DataSourceName string
	LocalPath      string
	S3Bucket       string

	JWTSecret      string
	AllowedOrigins []string

	SignalQueueSize   int
	OutboxSize        int
	SubmitTimeout     time.Duration
	ActivityQueueSize int
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration
}

// New returns a viper instance with defaults and environment bindings set.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for key, env := range envNames {
		_ = v.BindEnv(key, env)
	}
	return v
}

// Load loads .env, reads cfgFile when given and resolves the final settings.
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found")
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config %s: %w", cfgFile, err)
			}
		}
	}

	cfg := Config{
		Listen:            v.GetString(ListenKey),
		LogLevel:          v.GetString(LogLevelKey),
		LogFormat:         v.GetString(LogFormatKey),
		StorageType:       v.GetString(StorageTypeKey),
		DataSourceName:    v.GetString(DataSourceKey),
		LocalPath:         v.GetString(LocalPathKey),
		S3Bucket:          v.GetString(BucketKey),
		JWTSecret:         v.GetString(JWTSecretKey),
		AllowedOrigins:    splitList(v.Get(AllowedOriginsKey)),
		SignalQueueSize:   v.GetInt(SignalQueueKey),
		OutboxSize:        v.GetInt(OutboxSizeKey),
		SubmitTimeout:     v.GetDuration(SubmitTimeoutKey),
		ActivityQueueSize: v.GetInt(ActivityQueueKey),
		WriteTimeout:      v.GetDuration(WriteTimeoutKey),
		ShutdownTimeout:   v.GetDuration(ShutdownKey),
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.StorageType {
	case "memory", "filesystem", "sqlite":
	case "s3":
		if c.S3Bucket == "" {
			return errors.New("S3_BUCKET_NAME must be set for s3 storage")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.StorageType)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if c.SignalQueueSize <= 0 || c.OutboxSize <= 0 || c.ActivityQueueSize <= 0 {
		return errors.New("queue sizes must be positive")
	}
	return nil
}

// ConfigureLogging applies the log level and format to the standard logger.
func (c Config) ConfigureLogging() {
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	if c.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// splitList accepts a YAML list or a comma separated string.
func splitList(value any) []string {
	var raw []string
	switch v := value.(type) {
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			raw = append(raw, fmt.Sprint(item))
		}
	case string:
		raw = strings.Split(v, ",")
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
