package config

import "os"

// ApplyEnv applies environment variable overrides to the configuration.
// Environment variables take precedence over TOML config but are
// overridden by command-line flags.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("SMTPD_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("SMTPD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SMTPD_PORT"); v != "" {
		if p, ok := parseIntEnv(v); ok {
			cfg.Port = p
		}
	}
	if v := os.Getenv("SMTPD_DOMAINS_DIRECTORY"); v != "" {
		cfg.DomainsDirectory = v
	}
	if v := os.Getenv("SMTPD_INCOMING_DIRECTORY"); v != "" {
		cfg.IncomingDirectory = v
	}
	if v := os.Getenv("SMTPD_RECEIVED_DIRECTORY"); v != "" {
		cfg.ReceivedDirectory = v
	}
	if v := os.Getenv("SMTPD_RELAY_DIRECTORY"); v != "" {
		cfg.RelayDirectory = v
	}
	if v := os.Getenv("SMTPD_ERROR_DIRECTORY"); v != "" {
		cfg.ErrorDirectory = v
	}
	if v := os.Getenv("SMTPD_POSTMASTER"); v != "" {
		cfg.Postmaster = v
	}
	if v := os.Getenv("SMTPD_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("SMTPD_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("SMTPD_METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Address = v
	}
	return cfg
}

func parseIntEnv(s string) (int, bool) {
	n := 0
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}
