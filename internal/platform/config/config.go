package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the gateway.
type Config struct {
	LogLevel string `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFile  string `mapstructure:"LOG_FILE"` // empty logs to stdout only

	HTTPPort     int    `mapstructure:"HTTP_PORT" validate:"min=1,max=65535"`
	MetricsPort  int    `mapstructure:"METRICS_PORT" validate:"min=1,max=65535"`
	HtpasswdFile string `mapstructure:"HTPASSWD_FILE" validate:"required"`

	// Device
	DeviceDriver             string        `mapstructure:"DEVICE_DRIVER" validate:"oneof=at mock"`
	DevicePort               string        `mapstructure:"DEVICE_PORT"` // empty means auto-detect
	DeviceBaudRate           int           `mapstructure:"DEVICE_BAUD_RATE" validate:"min=1"`
	DeviceOpTimeout          time.Duration `mapstructure:"DEVICE_OP_TIMEOUT" validate:"min=1s"`
	DeviceCommandTimeout     time.Duration `mapstructure:"DEVICE_COMMAND_TIMEOUT" validate:"min=100ms"`
	DeviceStorage            string        `mapstructure:"DEVICE_STORAGE" validate:"required"`
	DeviceRequiredOnStartup  bool          `mapstructure:"DEVICE_REQUIRED_ON_STARTUP"`
	DeviceMockFailSend       bool          `mapstructure:"DEVICE_MOCK_FAIL_SEND"`
	DeviceMockLatency        time.Duration `mapstructure:"DEVICE_MOCK_LATENCY"`
	DeviceMockAutoReply      string        `mapstructure:"DEVICE_MOCK_AUTO_REPLY"`
	DeviceMockAutoReplyDelay time.Duration `mapstructure:"DEVICE_MOCK_AUTO_REPLY_DELAY"`
	ReconnectBackoff         time.Duration `mapstructure:"RECONNECT_BACKOFF" validate:"min=0s"`
	SendMaxRetries           int           `mapstructure:"SEND_MAX_RETRIES" validate:"min=0,max=10"`

	// Dispatch
	SMSReplyTimeout      int           `mapstructure:"SMS_REPLY_TIMEOUT" validate:"min=1,max=600"`
	ReplyPollInterval    time.Duration `mapstructure:"REPLY_POLL_INTERVAL" validate:"min=100ms"`
	TimeoutSweepInterval time.Duration `mapstructure:"TIMEOUT_SWEEP_INTERVAL" validate:"min=100ms"`
	QueueWaitInterval    time.Duration `mapstructure:"QUEUE_WAIT_INTERVAL" validate:"min=10ms"`
	MessageRetention     time.Duration `mapstructure:"MESSAGE_RETENTION"` // 0 keeps jobs forever
	ShutdownDrainTimeout time.Duration `mapstructure:"SHUTDOWN_DRAIN_TIMEOUT" validate:"min=0s"`

	// Numbers
	LocalCountryCode       string   `mapstructure:"LOCAL_COUNTRY_CODE" validate:"required"`
	OperatorServiceNumbers []string `mapstructure:"OPERATOR_SERVICE_NUMBERS"`

	// Events
	NATSUrl           string `mapstructure:"NATS_URL"` // empty disables event publishing
	NATSSubjectPrefix string `mapstructure:"NATS_SUBJECT_PREFIX" validate:"required"`
}

// Load reads .env, config.defaults.yaml and APP_-prefixed environment
// variables, in increasing order of precedence.
func Load(serviceName string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config.defaults")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath("../../../configs")
	v.AddConfigPath("/etc/" + serviceName)
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.SetEnvPrefix("APP") // APP_HTTP_PORT, APP_DEVICE_DRIVER etc.

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Printf("Base configuration file ('config.defaults.yaml') not found; using defaults and environment variables.")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")

	v.SetDefault("HTTP_PORT", 18180)
	v.SetDefault("METRICS_PORT", 9095)
	v.SetDefault("HTPASSWD_FILE", "/var/lib/sms-rest-server/htpasswd")

	v.SetDefault("DEVICE_DRIVER", "at")
	v.SetDefault("DEVICE_PORT", "")
	v.SetDefault("DEVICE_BAUD_RATE", 115200)
	v.SetDefault("DEVICE_OP_TIMEOUT", "30s")
	v.SetDefault("DEVICE_COMMAND_TIMEOUT", "5s")
	v.SetDefault("DEVICE_STORAGE", "SM")
	v.SetDefault("DEVICE_REQUIRED_ON_STARTUP", true)
	v.SetDefault("DEVICE_MOCK_FAIL_SEND", false)
	v.SetDefault("DEVICE_MOCK_LATENCY", "0s")
	v.SetDefault("DEVICE_MOCK_AUTO_REPLY", "")
	v.SetDefault("DEVICE_MOCK_AUTO_REPLY_DELAY", "2s")
	v.SetDefault("RECONNECT_BACKOFF", "10s")
	v.SetDefault("SEND_MAX_RETRIES", 2)

	v.SetDefault("SMS_REPLY_TIMEOUT", 60)
	v.SetDefault("REPLY_POLL_INTERVAL", "5s")
	v.SetDefault("TIMEOUT_SWEEP_INTERVAL", "5s")
	v.SetDefault("QUEUE_WAIT_INTERVAL", "1s")
	v.SetDefault("MESSAGE_RETENTION", "24h")
	v.SetDefault("SHUTDOWN_DRAIN_TIMEOUT", "30s")

	v.SetDefault("LOCAL_COUNTRY_CODE", "+52")
	v.SetDefault("OPERATOR_SERVICE_NUMBERS", []string{"2222", "7373", "333"})

	v.SetDefault("NATS_URL", "")
	v.SetDefault("NATS_SUBJECT_PREFIX", "sms.jobs")
}
