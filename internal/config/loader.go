package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath     string
	Hostname       string
	LogLevel       string
	Port           int
	MaxMessageSize int64
	MaxRecipients  int
	DomainsPath    string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./gosmtpd.toml", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Server hostname")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.IntVar(&f.Port, "port", 0, "Listen port")
	flag.Int64Var(&f.MaxMessageSize, "max-message-size", 0, "Maximum message size in bytes")
	flag.IntVar(&f.MaxRecipients, "max-recipients", 0, "Maximum recipients per message")
	flag.StringVar(&f.DomainsPath, "domains-path", "", "Path to the served-domains directory tree")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config. If the
// file does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig Config
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	return mergeConfig(cfg, fileConfig), nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.Port > 0 {
		cfg.Port = f.Port
	}
	if f.MaxMessageSize > 0 {
		cfg.MaxMessageSize = f.MaxMessageSize
	}
	if f.MaxRecipients > 0 {
		cfg.MaxRecipients = f.MaxRecipients
	}
	if f.DomainsPath != "" {
		cfg.DomainsDirectory = f.DomainsPath
	}
	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies environment variable overrides and flag overrides.
// Precedence (highest to lowest): flags > environment variables > TOML
// config > defaults.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	cfg = ApplyEnv(cfg)
	return ApplyFlags(cfg, f), nil
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}
	if src.ProductName != "" {
		dst.ProductName = src.ProductName
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.Port > 0 {
		dst.Port = src.Port
	}
	if src.DomainsDirectory != "" {
		dst.DomainsDirectory = src.DomainsDirectory
	}
	if src.IncomingDirectory != "" {
		dst.IncomingDirectory = src.IncomingDirectory
	}
	if src.ReceivedDirectory != "" {
		dst.ReceivedDirectory = src.ReceivedDirectory
	}
	if src.RelayDirectory != "" {
		dst.RelayDirectory = src.RelayDirectory
	}
	if src.ErrorDirectory != "" {
		dst.ErrorDirectory = src.ErrorDirectory
	}
	if src.Postmaster != "" {
		dst.Postmaster = src.Postmaster
	}
	if src.MaxIdleTime != "" {
		dst.MaxIdleTime = src.MaxIdleTime
	}
	if src.MaxRecipients > 0 {
		dst.MaxRecipients = src.MaxRecipients
	}
	if src.MaxMessageSize > 0 {
		dst.MaxMessageSize = src.MaxMessageSize
	}
	if src.MaxTransactions > 0 {
		dst.MaxTransactions = src.MaxTransactions
	}
	if src.LogMails {
		dst.LogMails = src.LogMails
	}
	if src.LogFile != "" {
		dst.LogFile = src.LogFile
	}
	if src.User != "" {
		dst.User = src.User
	}
	if len(src.IPsForRelay) > 0 {
		dst.IPsForRelay = src.IPsForRelay
	}
	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}
	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}
	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}
	if src.DNS.MaxEntries > 0 {
		dst.DNS.MaxEntries = src.DNS.MaxEntries
	}
	if src.DNS.NegativeInterval != "" {
		dst.DNS.NegativeInterval = src.DNS.NegativeInterval
	}
	if len(src.DNS.Resolvers) > 0 {
		dst.DNS.Resolvers = src.DNS.Resolvers
	}
	if src.DNS.QueryTimeout != "" {
		dst.DNS.QueryTimeout = src.DNS.QueryTimeout
	}
	if src.Relay.ScanInterval != "" {
		dst.Relay.ScanInterval = src.Relay.ScanInterval
	}
	if src.Relay.BurstSize > 0 {
		dst.Relay.BurstSize = src.Relay.BurstSize
	}
	return dst
}
