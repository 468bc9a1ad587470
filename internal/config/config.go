package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"leadflow/internal/scheduler"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Messaging MessagingConfig `mapstructure:"messaging"`
	Alert     AlertConfig     `mapstructure:"alert"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type SchedulerConfig struct {
	Workers      int           `mapstructure:"workers"`
	SweepCron    string        `mapstructure:"sweep_cron"`
	SweepHorizon time.Duration `mapstructure:"sweep_horizon"`
}

type AgentConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Project    string        `mapstructure:"project"`
	Name       string        `mapstructure:"name"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	HealthCron string        `mapstructure:"health_cron"`
}

type MessagingConfig struct {
	EmailURL string        `mapstructure:"email_url"`
	SMSURL   string        `mapstructure:"sms_url"`
	APIKey   string        `mapstructure:"api_key"`
	DryRun   bool          `mapstructure:"dry_run"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type AlertConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.path", "leadflow.db")
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.sweep_cron", "@every 1m")
	v.SetDefault("scheduler.sweep_horizon", time.Hour)
	v.SetDefault("agent.base_url", "")
	v.SetDefault("agent.api_key", "")
	v.SetDefault("agent.project", "")
	v.SetDefault("agent.name", "relevance_ai")
	v.SetDefault("agent.max_retries", 3)
	v.SetDefault("agent.retry_delay", 2*time.Second)
	v.SetDefault("agent.health_cron", "@every 5m")
	v.SetDefault("messaging.email_url", "")
	v.SetDefault("messaging.sms_url", "")
	v.SetDefault("messaging.api_key", "")
	v.SetDefault("messaging.dry_run", true)
	v.SetDefault("messaging.timeout", 30*time.Second)
	v.SetDefault("alert.webhook_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
}

// Load reads defaults, then the optional file at path, then LEADFLOW_*
// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LEADFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.Workers <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.workers must be positive, got %d", c.Scheduler.Workers))
	}
	if c.Scheduler.SweepHorizon < 0 {
		errs = append(errs, errors.New("scheduler.sweep_horizon must not be negative"))
	}
	if c.Messaging.Timeout <= 0 {
		errs = append(errs, errors.New("messaging.timeout must be positive"))
	}
	if c.Agent.MaxRetries < 0 {
		errs = append(errs, errors.New("agent.max_retries must not be negative"))
	}
	if c.Scheduler.SweepCron != "" {
		if err := scheduler.ValidateCronExpression(c.Scheduler.SweepCron); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.sweep_cron: %w", err))
		}
	}
	if c.Agent.HealthCron != "" {
		if err := scheduler.ValidateCronExpression(c.Agent.HealthCron); err != nil {
			errs = append(errs, fmt.Errorf("agent.health_cron: %w", err))
		}
	}
	return errors.Join(errs...)
}
