// Package config provides configuration management for the SMTP
// receiver/delivery/relay trio, loaded from a TOML file the way the
// original's hierarchical key/value file was loaded — as an external
// collaborator (spec.md §1) feeding the typed Config below.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete configuration shared by cmd/smtpd,
// cmd/mail-delivery, and cmd/mail-relay. Every key spec.md §6 names
// under "General" is represented here.
type Config struct {
	Hostname    string `toml:"hostname"`
	ProductName string `toml:"product_name"`
	LogLevel    string `toml:"log_level"`

	Port int `toml:"port"`

	DomainsDirectory  string `toml:"domains_directory"`
	IncomingDirectory string `toml:"incoming_directory"`
	ReceivedDirectory string `toml:"received_directory"`
	RelayDirectory    string `toml:"relay_directory"`
	ErrorDirectory    string `toml:"error_directory"`

	Postmaster string `toml:"postmaster"` // "local@domain"

	MaxIdleTime     string `toml:"max_idle_time"` // duration string, 1..900s
	MaxRecipients   int    `toml:"max_recipients"`
	MaxMessageSize  int64  `toml:"max_message_size"`
	MaxTransactions int    `toml:"max_transactions"`

	LogMails bool   `toml:"log_mails"`
	LogFile  string `toml:"log_file"`

	User string `toml:"user"`

	IPsForRelay []string `toml:"ips_for_relay"`

	Metrics MetricsConfig `toml:"metrics"`
	DNS     DNSConfig     `toml:"dns"`
	Relay   RelayConfig   `toml:"relay"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// DNSConfig tunes internal/dnscache (domain-stack addition: not part of
// the original's hierarchical config, sized here instead of the
// original's compiled-in MAX_DNS_ENTRIES constant).
type DNSConfig struct {
	MaxEntries       int      `toml:"max_entries"`
	NegativeInterval string   `toml:"negative_interval"`
	Resolvers        []string `toml:"resolvers"`
	QueryTimeout     string   `toml:"query_timeout"`
}

// RelayConfig tunes internal/relay's scan burst (domain-stack addition).
type RelayConfig struct {
	ScanInterval string `toml:"scan_interval"`
	BurstSize    int    `toml:"burst_size"`
}

// Default returns a Config with sensible default values, matching the
// original's compiled-in defaults where spec.md states them.
func Default() Config {
	return Config{
		Hostname:    "localhost",
		ProductName: "gosmtpd",
		LogLevel:    "info",
		Port:        25,

		DomainsDirectory:  "/var/spool/gosmtpd/domains",
		IncomingDirectory: "/var/spool/gosmtpd/incoming",
		ReceivedDirectory: "/var/spool/gosmtpd/received",
		RelayDirectory:    "/var/spool/gosmtpd/relay",
		ErrorDirectory:    "/var/spool/gosmtpd/error",

		Postmaster: "postmaster@localhost",

		MaxIdleTime:     "300s",
		MaxRecipients:   100,
		MaxMessageSize:  26214400, // 25 MB
		MaxTransactions: 100,

		LogMails: false,

		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
			Path:    "/metrics",
		},
		DNS: DNSConfig{
			MaxEntries:       10000,
			NegativeInterval: "60s",
			QueryTimeout:     "5s",
		},
		Relay: RelayConfig{
			ScanInterval: "2s",
			BurstSize:    10,
		},
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", c.Port)
	}
	for name, dir := range map[string]string{
		"domains_directory":  c.DomainsDirectory,
		"incoming_directory": c.IncomingDirectory,
		"received_directory": c.ReceivedDirectory,
		"relay_directory":    c.RelayDirectory,
		"error_directory":    c.ErrorDirectory,
	} {
		if dir == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	if c.MaxRecipients <= 0 {
		return errors.New("max_recipients must be positive")
	}
	if c.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}
	if c.MaxTransactions <= 0 {
		return errors.New("max_transactions must be positive")
	}
	d, err := c.MaxIdleTimeDuration()
	if err != nil {
		return fmt.Errorf("invalid max_idle_time: %w", err)
	}
	if d < time.Second || d > 900*time.Second {
		return fmt.Errorf("max_idle_time must be in 1..900s, got %s", d)
	}
	if c.LogMails && c.LogFile == "" {
		return errors.New("log_file is required when log_mails is enabled")
	}
	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}
	if c.DNS.MaxEntries <= 0 {
		return errors.New("dns.max_entries must be positive")
	}
	if c.Relay.BurstSize <= 0 {
		return errors.New("relay.burst_size must be positive")
	}
	return nil
}

// MaxIdleTimeDuration parses MaxIdleTime, defaulting to 300s.
func (c *Config) MaxIdleTimeDuration() (time.Duration, error) {
	return parseDurationDefault(c.MaxIdleTime, 300*time.Second)
}

// NegativeIntervalDuration parses DNS.NegativeInterval, defaulting to 60s.
func (c *DNSConfig) NegativeIntervalDuration() time.Duration {
	d, _ := parseDurationDefault(c.NegativeInterval, 60*time.Second)
	return d
}

// QueryTimeoutDuration parses DNS.QueryTimeout, defaulting to 5s.
func (c *DNSConfig) QueryTimeoutDuration() time.Duration {
	d, _ := parseDurationDefault(c.QueryTimeout, 5*time.Second)
	return d
}

// ScanIntervalDuration parses Relay.ScanInterval, defaulting to 2s.
func (c *RelayConfig) ScanIntervalDuration() time.Duration {
	d, _ := parseDurationDefault(c.ScanInterval, 2*time.Second)
	return d
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
