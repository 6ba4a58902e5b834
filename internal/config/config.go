package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "RELAY"

var (
	ErrReadConfig = errors.New("error reading config")
	ErrDecode     = errors.New("error decoding config")
	ErrInvalid    = errors.New("invalid config")
)

type Config struct {
	HTTP      HTTP      `mapstructure:"http"`
	DB        DB        `mapstructure:"db"`
	Kafka     Kafka     `mapstructure:"kafka"`
	Auth      Auth      `mapstructure:"auth"`
	Registry  Registry  `mapstructure:"registry"`
	Router    Router    `mapstructure:"router"`
	Queue     Queue     `mapstructure:"queue"`
	Alarm     Alarm     `mapstructure:"alarm"`
	RateLimit RateLimit `mapstructure:"ratelimit"`
	Notify    Notify    `mapstructure:"notify"`
}

type HTTP struct {
	Addr string `mapstructure:"addr"`
}

type DB struct {
	ConnString     string `mapstructure:"conn_string"`
	MigrationsPath string `mapstructure:"migrations_path"`
	MaxConns       int32  `mapstructure:"max_conns"`
}

// Kafka is optional. Without brokers the relay takes results from agent
// sockets only.
type Kafka struct {
	Brokers        string `mapstructure:"brokers"`
	TelemetryTopic string `mapstructure:"telemetry_topic"`
	ConsumerGroup  string `mapstructure:"consumer_group"`
	HistoryTopic   string `mapstructure:"history_topic"`
	LatestTopic    string `mapstructure:"latest_topic"`
}

func (k Kafka) Enabled() bool { return k.Brokers != "" }

type Auth struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type Registry struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type Router struct {
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

type Queue struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	MaxConcurrency     int           `mapstructure:"max_concurrency"`
	RetentionDays      int           `mapstructure:"retention_days"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts"`
	JobTimeout         time.Duration `mapstructure:"job_timeout"`
}

type Alarm struct {
	DedupWindow time.Duration `mapstructure:"dedup_window"`
	Queue       string        `mapstructure:"queue"`
}

type RateLimit struct {
	Cooldowns      map[string]time.Duration `mapstructure:"cooldowns"`
	SweepThreshold int                      `mapstructure:"sweep_threshold"`
	Horizon        time.Duration            `mapstructure:"horizon"`
}

type Notify struct {
	IMWebhookURL  string `mapstructure:"im_webhook_url"`
	SMSWebhookURL string `mapstructure:"sms_webhook_url"`
	SMTP          SMTP   `mapstructure:"smtp"`
}

type SMTP struct {
	Addr     string `mapstructure:"addr"`
	From     string `mapstructure:"from"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("db.conn_string", "")
	v.SetDefault("db.migrations_path", "internal/db/migrations")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.telemetry_topic", "telemetry-results")
	v.SetDefault("kafka.consumer_group", "telemetry-relay")
	v.SetDefault("kafka.history_topic", "telemetry-history")
	v.SetDefault("kafka.latest_topic", "telemetry-latest-compacted")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("registry.idle_timeout", 0)
	v.SetDefault("router.sweep_interval", 30*time.Second)
	v.SetDefault("router.heartbeat_timeout", 60*time.Second)
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.max_concurrency", 5)
	v.SetDefault("queue.retention_days", 7)
	v.SetDefault("queue.cleanup_interval", time.Hour)
	v.SetDefault("queue.default_max_attempts", 3)
	v.SetDefault("queue.job_timeout", 0)
	v.SetDefault("alarm.dedup_window", 5*time.Minute)
	v.SetDefault("alarm.queue", "notifications")
	v.SetDefault("ratelimit.cooldowns", map[string]string{
		"restart": "60s",
		"reboot":  "60s",
		"config":  "10s",
		"status":  "2s",
	})
	v.SetDefault("ratelimit.sweep_threshold", 1000)
	v.SetDefault("ratelimit.horizon", 5*time.Minute)
	v.SetDefault("notify.im_webhook_url", "")
	v.SetDefault("notify.sms_webhook_url", "")
	v.SetDefault("notify.smtp.addr", "")
	v.SetDefault("notify.smtp.from", "")
	v.SetDefault("notify.smtp.username", "")
	v.SetDefault("notify.smtp.password", "")
}

// Load reads config.yaml from dir when present, then applies RELAY_*
// environment overrides (RELAY_DB_CONN_STRING for db.conn_string).
func Load(dir string) (Config, error) {
	const fn = "config:Load"
	v := viper.New()
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("%s:%w:%w", fn, ErrReadConfig, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%s:%w:%w", fn, ErrDecode, err)
	}
	return cfg, nil
}

// Validate checks what the serve command cannot start without.
func (c Config) Validate() error {
	const fn = "Config:Validate"
	var errs []error
	if c.DB.ConnString == "" {
		errs = append(errs, errors.New("db.conn_string is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Queue.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("queue.max_concurrency must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s:%w:%w", fn, ErrInvalid, errors.Join(errs...))
	}
	return nil
}
