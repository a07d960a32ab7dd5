// Package config loads the watchdog configuration from an INI file with
// environment-variable overrides for the credentials and paths that differ
// between hosts.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/ini.v1"
)

var (
	// ErrInvalidInterval is returned when a duration knob is zero or negative.
	ErrInvalidInterval = errors.New("interval must be positive")

	// ErrInvalidThreshold is returned when a counter threshold is below one.
	ErrInvalidThreshold = errors.New("threshold must be at least 1")
)

// ProxyConf identifies the proxy container and its ports.
type ProxyConf struct {
	ContainerName string `ini:"container_name"`
	SocksPort     int    `ini:"socks_port"`
	DNSPort       int    `ini:"dns_port"`
	TransPort     int    `ini:"trans_port"`
	ControlPort   int    `ini:"control_port"`
	ControlPass   string `ini:"control_password"`
	// OwnerUID is the uid the proxy process runs as; its traffic is exempt
	// from redirection to avoid loops.
	OwnerUID int `ini:"owner_uid"`
}

// WatchdogConf holds the control-loop cadence and recovery bounds.
type WatchdogConf struct {
	PollInterval         time.Duration `ini:"poll_interval"`
	RestartThreshold     int           `ini:"restart_threshold"`
	RestartGrace         time.Duration `ini:"restart_grace"`
	RecoveryPollLimit    int           `ini:"recovery_poll_limit"`
	RecoveryPollInterval time.Duration `ini:"recovery_poll_interval"`
	EmergencyCooldown    time.Duration `ini:"emergency_cooldown"`
	// RuleVerifyEvery is measured in poll ticks, not wall time.
	RuleVerifyEvery int `ini:"rule_verify_every"`
}

// HealthConf tunes the layered health checks.
type HealthConf struct {
	ProbeTimeout   time.Duration `ini:"probe_timeout"`
	MinCircuits    int           `ini:"min_circuits"`
	LogWindowLines int           `ini:"log_window_lines"`
}

// FirewallConf names the managed chains and the minimum rule count that
// counts as a complete installation.
type FirewallConf struct {
	NATChain    string `ini:"nat_chain"`
	FilterChain string `ini:"filter_chain"`
	MinRules    int    `ini:"min_rules"`
}

// AuditConf locates the append-only event store.
type AuditConf struct {
	DBPath string `ini:"db_path"`
}

// StatusConf configures the local read-only status API.
type StatusConf struct {
	Enabled    bool   `ini:"enabled"`
	ListenAddr string `ini:"listen_addr"`
}

// AlertConf configures the outbound alert webhook. An empty URL means alerts
// only go to the log.
type AlertConf struct {
	WebhookURL string `ini:"webhook_url"`
}

// Config is the full watchdog configuration.
type Config struct {
	Proxy    ProxyConf    `ini:"proxy"`
	Watchdog WatchdogConf `ini:"watchdog"`
	Health   HealthConf   `ini:"health"`
	Firewall FirewallConf `ini:"firewall"`
	Audit    AuditConf    `ini:"audit"`
	Status   StatusConf   `ini:"status"`
	Alert    AlertConf    `ini:"alert"`
}

// Default returns a Config populated with the stock deployment values.
func Default() *Config {
	return &Config{
		Proxy: ProxyConf{
			ContainerName: "tor-proxy",
			SocksPort:     9050,
			DNSPort:       5353,
			TransPort:     9040,
			ControlPort:   9051,
			OwnerUID:      100,
		},
		Watchdog: WatchdogConf{
			PollInterval:         60 * time.Second,
			RestartThreshold:     3,
			RestartGrace:         10 * time.Second,
			RecoveryPollLimit:    30,
			RecoveryPollInterval: 10 * time.Second,
			EmergencyCooldown:    5 * time.Minute,
			RuleVerifyEvery:      5,
		},
		Health: HealthConf{
			ProbeTimeout:   5 * time.Second,
			MinCircuits:    3,
			LogWindowLines: 100,
		},
		Firewall: FirewallConf{
			NATChain:    "TORWATCH_NAT",
			FilterChain: "TORWATCH_FILTER",
			MinRules:    5,
		},
		Audit: AuditConf{
			DBPath: "/var/lib/torwatch/audit.db",
		},
		Status: StatusConf{
			Enabled:    true,
			ListenAddr: "127.0.0.1:9053",
		},
	}
}

// Load reads fileName on top of the defaults. A missing file is not an
// error: the defaults plus environment overrides then apply as-is.
func Load(fileName string) (*Config, error) {
	cfg := Default()

	if fileName != "" {
		iniFile, err := ini.Load(fileName)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		} else {
			if err := iniFile.MapTo(cfg); err != nil {
				return nil, fmt.Errorf("failed to map config file: %w", err)
			}
		}
	}

	overrideFromEnv(&cfg.Proxy.ControlPass, "TORWATCH_CONTROL_PASSWORD")
	overrideFromEnv(&cfg.Alert.WebhookURL, "TORWATCH_WEBHOOK_URL")
	overrideFromEnv(&cfg.Audit.DBPath, "TORWATCH_AUDIT_DB")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the control loop cannot run with.
func (c *Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"watchdog.poll_interval":          c.Watchdog.PollInterval,
		"watchdog.restart_grace":          c.Watchdog.RestartGrace,
		"watchdog.recovery_poll_interval": c.Watchdog.RecoveryPollInterval,
		"watchdog.emergency_cooldown":     c.Watchdog.EmergencyCooldown,
		"health.probe_timeout":            c.Health.ProbeTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s", ErrInvalidInterval, name)
		}
	}
	for name, n := range map[string]int{
		"watchdog.restart_threshold":   c.Watchdog.RestartThreshold,
		"watchdog.recovery_poll_limit": c.Watchdog.RecoveryPollLimit,
		"watchdog.rule_verify_every":   c.Watchdog.RuleVerifyEvery,
		"health.min_circuits":          c.Health.MinCircuits,
		"firewall.min_rules":           c.Firewall.MinRules,
	} {
		if n < 1 {
			return fmt.Errorf("%w: %s", ErrInvalidThreshold, name)
		}
	}
	if c.Proxy.ContainerName == "" {
		return errors.New("proxy.container_name must not be empty")
	}
	if c.Firewall.NATChain == "" || c.Firewall.FilterChain == "" {
		return errors.New("firewall chain names must not be empty")
	}
	return nil
}

func overrideFromEnv(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
