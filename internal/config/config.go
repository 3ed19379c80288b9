package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is loaded once at startup and passed by pointer to every component.
// Nothing mutates it after Load returns.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Notification NotificationConfig `mapstructure:"notification"`
	Discovery    DiscoveryConfig    `mapstructure:"discovery"`
	AWS          AWSConfig          `mapstructure:"aws"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Publish      PublishConfig      `mapstructure:"publish"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
	Logging      LoggingConfig      `mapstructure:"logging"`

	// TagFilter is parsed from Notification.Tag during Load.
	TagFilter TagFilter `mapstructure:"-"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

// NotificationConfig holds the two deployment-wide loop parameters
type NotificationConfig struct {
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	Tag             string `mapstructure:"tag"`
}

// Interval returns the wait between consecutive checks of one execution
func (n NotificationConfig) Interval() time.Duration {
	return time.Duration(n.IntervalSeconds) * time.Second
}

// DiscoveryConfig controls the optional tag-based resource group
type DiscoveryConfig struct {
	ResourceGroup bool   `mapstructure:"resource_group"`
	GroupName     string `mapstructure:"group_name"`
}

type AWSConfig struct {
	Region    string `mapstructure:"region"`
	Partition string `mapstructure:"partition"`
}

// SNSPrefix is the ARN prefix of SNS topics in the configured partition
func (a AWSConfig) SNSPrefix() string {
	return "arn:" + a.Partition + ":sns"
}

type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type StorageConfig struct {
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

type SchedulerConfig struct {
	SweepEvery          time.Duration `mapstructure:"sweep_every"`
	CheckTimeout        time.Duration `mapstructure:"check_timeout"`
	MaxCheckAttempts    int           `mapstructure:"max_check_attempts"`
	MaxConcurrentChecks int           `mapstructure:"max_concurrent_checks"`
	BackoffInitial      time.Duration `mapstructure:"backoff_initial"`
	BackoffMax          time.Duration `mapstructure:"backoff_max"`
	BackoffMultiplier   float64       `mapstructure:"backoff_multiplier"`
}

type PublishConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

type MonitorConfig struct {
	StatsEvery time.Duration `mapstructure:"stats_every"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

const envPrefix = "REPEATED_ALARM"

// Load reads configuration from cfgFile (or ./config/config.yaml when empty),
// overlays REPEATED_ALARM_* environment variables and validates the result.
// A missing default config file is not an error; a missing explicit one is.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "repeated-alarm")
	v.SetDefault("notification.interval_seconds", 300)
	v.SetDefault("notification.tag", "RepeatedAlarm:true")
	v.SetDefault("discovery.resource_group", false)
	v.SetDefault("discovery.group_name", "repeatedAlarmsGroup")
	v.SetDefault("aws.region", "")
	v.SetDefault("aws.partition", "aws")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.connect_timeout", "5s")
	v.SetDefault("storage.path", "repeated_alarm.db")
	v.SetDefault("storage.retention", "720h")
	v.SetDefault("scheduler.sweep_every", "1s")
	v.SetDefault("scheduler.check_timeout", "1m")
	v.SetDefault("scheduler.max_check_attempts", 3)
	v.SetDefault("scheduler.max_concurrent_checks", 10)
	v.SetDefault("scheduler.backoff_initial", "5s")
	v.SetDefault("scheduler.backoff_max", "1m")
	v.SetDefault("scheduler.backoff_multiplier", 2.0)
	v.SetDefault("publish.max_attempts", 3)
	v.SetDefault("publish.backoff_initial", "200ms")
	v.SetDefault("publish.backoff_max", "2s")
	v.SetDefault("monitor.stats_every", "1m")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// Validate checks the loaded values and parses the tag filter
func (c *Config) Validate() error {
	if c.Notification.IntervalSeconds <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidInterval, c.Notification.IntervalSeconds)
	}

	filter, err := ParseTagFilter(c.Notification.Tag)
	if err != nil {
		return err
	}
	c.TagFilter = filter

	if c.Scheduler.SweepEvery < time.Second {
		return fmt.Errorf("%w: sweep_every must be at least 1s", ErrInvalidScheduler)
	}
	if c.Scheduler.CheckTimeout <= 0 {
		return fmt.Errorf("%w: check_timeout must be positive", ErrInvalidScheduler)
	}
	if c.Scheduler.MaxCheckAttempts < 1 {
		return fmt.Errorf("%w: max_check_attempts must be at least 1", ErrInvalidScheduler)
	}
	if c.Scheduler.MaxConcurrentChecks < 1 {
		return fmt.Errorf("%w: max_concurrent_checks must be at least 1", ErrInvalidScheduler)
	}
	if c.Publish.MaxAttempts < 1 {
		return fmt.Errorf("%w: publish max_attempts must be at least 1", ErrInvalidScheduler)
	}
	if c.AWS.Partition == "" {
		return errors.New("aws partition must not be empty")
	}

	return nil
}
