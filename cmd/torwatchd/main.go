package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"torwatch/pkg/alert"
	"torwatch/pkg/audit"
	"torwatch/pkg/config"
	"torwatch/pkg/control"
	"torwatch/pkg/firewall"
	"torwatch/pkg/health"
	"torwatch/pkg/log"
	"torwatch/pkg/proc"
	"torwatch/pkg/status"
	"torwatch/pkg/watchdog"
)

const (
	version = "1.0.0"

	auditDirPerm    = 0750
	setupTimeout    = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "/etc/torwatch/torwatch.ini", "Configuration file path")
	dockerBin := flag.String("docker", "docker", "Container runtime CLI binary")
	teardown := flag.Bool("teardown", false, "Remove the managed firewall chains and exit")
	skipApply := flag.Bool("no-apply", false, "Do not apply firewall rules on startup (monitor only)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		log.SetDebugMode()
		log.Debug().Msg("Debug mode enabled")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("Failed to load configuration")
	}

	v4 := firewall.NewExecRunner("iptables")
	v6 := firewall.NewExecRunner("ip6tables")
	engine := firewall.New(cfg.Firewall.NATChain, cfg.Firewall.FilterChain, cfg.Firewall.MinRules, v4, v6)

	setupCtx, setupCancel := context.WithTimeout(context.Background(), setupTimeout)
	defer setupCancel()

	if err := v4.Available(setupCtx); err != nil {
		log.Fatal().Err(err).Msg("Packet filter is not usable")
	}

	if *teardown {
		if err := engine.Teardown(setupCtx); err != nil {
			log.Fatal().Err(err).Msg("Teardown failed")
		}
		log.Info().Msg("Managed chains removed")
		return
	}

	target := firewall.Target{
		TransPort: cfg.Proxy.TransPort,
		DNSPort:   cfg.Proxy.DNSPort,
		OwnerUID:  cfg.Proxy.OwnerUID,
	}
	if !*skipApply {
		if err := engine.Apply(setupCtx, target); err != nil {
			log.Fatal().Err(err).Msg("Initial rule application failed")
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Audit.DBPath), auditDirPerm); err != nil {
		log.Fatal().Err(err).Str("db_path", cfg.Audit.DBPath).Msg("Failed to create audit directory")
	}
	auditStore, err := audit.NewStore(cfg.Audit.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("db_path", cfg.Audit.DBPath).Msg("Failed to open audit store")
	}
	defer auditStore.Close()

	manager := proc.NewDockerManager(*dockerBin)
	controlClient := control.NewClient(
		fmt.Sprintf("127.0.0.1:%d", cfg.Proxy.ControlPort),
		cfg.Proxy.ControlPass,
		cfg.Health.ProbeTimeout,
	)
	checker := health.NewChecker(health.Options{
		ContainerName:  cfg.Proxy.ContainerName,
		SocksAddr:      fmt.Sprintf("127.0.0.1:%d", cfg.Proxy.SocksPort),
		DNSAddr:        fmt.Sprintf("127.0.0.1:%d", cfg.Proxy.DNSPort),
		ProbeTimeout:   cfg.Health.ProbeTimeout,
		MinCircuits:    cfg.Health.MinCircuits,
		LogWindowLines: cfg.Health.LogWindowLines,
	}, manager, health.NetProber{}, controlClient)

	sinks := alert.MultiSink{alert.NewLogSink()}
	if cfg.Alert.WebhookURL != "" {
		sinks = append(sinks, alert.NewWebhookSink(cfg.Alert.WebhookURL))
	}

	controller := watchdog.New(watchdog.Options{
		ContainerName:        cfg.Proxy.ContainerName,
		Target:               target,
		PollInterval:         cfg.Watchdog.PollInterval,
		RestartThreshold:     cfg.Watchdog.RestartThreshold,
		RestartGrace:         cfg.Watchdog.RestartGrace,
		RecoveryPollLimit:    cfg.Watchdog.RecoveryPollLimit,
		RecoveryPollInterval: cfg.Watchdog.RecoveryPollInterval,
		EmergencyCooldown:    cfg.Watchdog.EmergencyCooldown,
		RuleVerifyEvery:      cfg.Watchdog.RuleVerifyEvery,
	}, checker, engine, manager, sinks, auditStore)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var statusServer *status.Server
	if cfg.Status.Enabled {
		statusServer = status.NewServer(version, controller, auditStore)
		go func() {
			if err := statusServer.Start(cfg.Status.ListenAddr); err != nil {
				log.Error().Err(err).Msg("Status API failed")
			}
		}()
	}

	log.Info().
		Str("version", version).
		Str("container", cfg.Proxy.ContainerName).
		Msg("torwatchd starting")

	if err := controller.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Watchdog loop exited with error")
	}

	// Rules stay installed on exit: fail closed. Traffic must not leak
	// just because the watchdog went away. Explicit removal is -teardown.
	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Status API shutdown failed")
		}
	}

	log.Info().Msg("torwatchd shut down gracefully")
}
