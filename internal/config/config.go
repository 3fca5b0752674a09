package config

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAuthLogPath    = "/var/log/auth.log"
	DefaultJournalCommand = "journalctl -f -n 0 -o short-iso -u ssh -u sshd --no-pager"
)

type Config struct {
	LogLevel        string          `json:"log_level" yaml:"log_level"`
	LogFormat       string          `json:"log_format" yaml:"log_format"`
	LogFile         LogFileConfig   `json:"log_file" yaml:"log_file"`
	Detection       DetectionConfig `json:"detection" yaml:"detection"`
	Firewall        FirewallConfig  `json:"firewall" yaml:"firewall"`
	Source          SourceConfig    `json:"source" yaml:"source"`
	ShutdownTimeout time.Duration   `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	API             APIConfig       `json:"api" yaml:"api"`
	Alerts          AlertsConfig    `json:"alerts" yaml:"alerts"`
	Notify          NotifyConfig    `json:"notify" yaml:"notify"`
}

type LogFileConfig struct {
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

type DetectionConfig struct {
	Threshold int           `json:"threshold" yaml:"threshold"`
	Interval  time.Duration `json:"interval" yaml:"interval"`
	Whitelist []string      `json:"whitelist" yaml:"whitelist"`
}

type FirewallConfig struct {
	DryRun         bool          `json:"dry_run" yaml:"dry_run"`
	CommandTimeout time.Duration `json:"command_timeout" yaml:"command_timeout"`
}

type SourceConfig struct {
	AuthLogPath    string        `json:"auth_log_path" yaml:"auth_log_path"`
	JournalCommand string        `json:"journal_command" yaml:"journal_command"`
	PollInterval   time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type NotifyConfig struct {
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		LogFile:   LogFileConfig{MaxSizeMB: 10, MaxBackups: 3},
		Detection: DetectionConfig{
			Threshold: 5,
			Interval:  60 * time.Second,
		},
		Firewall: FirewallConfig{
			DryRun:         false,
			CommandTimeout: 10 * time.Second,
		},
		Source: SourceConfig{
			AuthLogPath:    DefaultAuthLogPath,
			JournalCommand: DefaultJournalCommand,
			PollInterval:   100 * time.Millisecond,
		},
		ShutdownTimeout: 2 * time.Second,
		API:             APIConfig{Enabled: false, Addr: "127.0.0.1:9321"},
		Alerts:          AlertsConfig{StoreLimit: 1000},
		Notify: NotifyConfig{
			Kafka: KafkaConfig{Enabled: false, Topic: "sshsentry.blocks"},
		},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	// JSON is decoded by the YAML parser too, so durations read as "60s" in
	// both formats.
	if err := yaml.Unmarshal([]byte(trimmed), cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}


// ApplyDefaults fills zero values left by a partial config file or by flags.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.Firewall.CommandTimeout <= 0 {
		cfg.Firewall.CommandTimeout = 10 * time.Second
	}
	if cfg.Source.AuthLogPath == "" {
		cfg.Source.AuthLogPath = DefaultAuthLogPath
	}
	if strings.TrimSpace(cfg.Source.JournalCommand) == "" {
		cfg.Source.JournalCommand = DefaultJournalCommand
	}
	if cfg.Source.PollInterval <= 0 {
		cfg.Source.PollInterval = 100 * time.Millisecond
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
	if cfg.Notify.Kafka.Topic == "" {
		cfg.Notify.Kafka.Topic = "sshsentry.blocks"
	}
	cfg.Detection.Whitelist = sanitizeList(cfg.Detection.Whitelist)
}

func Validate(cfg *Config) error {
	if cfg.Detection.Threshold < 1 {
		return errors.New("detection.threshold must be >= 1")
	}
	if cfg.Detection.Interval <= 0 {
		return fmt.Errorf("detection.interval must be > 0, got %s", cfg.Detection.Interval)
	}
	for _, addr := range cfg.Detection.Whitelist {
		if _, err := netip.ParseAddr(addr); err != nil {
			return fmt.Errorf("detection.whitelist contains invalid address %q", addr)
		}
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text, got %q", cfg.LogFormat)
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Notify.Kafka.Enabled && len(cfg.Notify.Kafka.Brokers) == 0 {
		return errors.New("notify.kafka.brokers required when notify.kafka.enabled is true")
	}
	return nil
}

func sanitizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			out = append(out, part)
		}
	}
	return out
}

// ResolvePath makes a relative path absolute against the working directory at
// startup. Empty stays empty.
func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
