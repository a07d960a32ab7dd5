package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"torwatch/pkg/config"
	"torwatch/pkg/control"
	"torwatch/pkg/firewall"
	"torwatch/pkg/health"
	"torwatch/pkg/log"
	"torwatch/pkg/verify"
)

const runTimeout = 2 * time.Minute

func main() {
	configPath := flag.String("config", "/etc/torwatch/torwatch.ini", "Configuration file path")
	checkURL := flag.String("check-url", verify.DefaultCheckURL, "Tor exit check endpoint")
	newNym := flag.Bool("newnym", false, "Request a fresh circuit before the exit check")
	jsonOut := flag.Bool("json", false, "Print the report as JSON")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		log.SetDebugMode()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("Failed to load configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	v4 := firewall.NewExecRunner("iptables")
	v6 := firewall.NewExecRunner("ip6tables")
	engine := firewall.New(cfg.Firewall.NATChain, cfg.Firewall.FilterChain, cfg.Firewall.MinRules, v4, v6)

	controlClient := control.NewClient(
		fmt.Sprintf("127.0.0.1:%d", cfg.Proxy.ControlPort),
		cfg.Proxy.ControlPass,
		cfg.Health.ProbeTimeout,
	)

	if *newNym {
		if err := controlClient.NewIdentity(ctx); err != nil {
			log.Warn().Err(err).Msg("NEWNYM request failed, continuing with current circuits")
		}
	}

	harness := verify.NewHarness(verify.Options{
		SocksAddr: fmt.Sprintf("127.0.0.1:%d", cfg.Proxy.SocksPort),
		Timeout:   30 * time.Second,
		CheckURL:  *checkURL,
	}, engine, health.NetProber{}, controlClient)

	report := harness.Run(ctx)

	if *jsonOut {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(report); err != nil {
			log.Fatal().Err(err).Msg("Failed to encode report")
		}
	} else {
		for _, check := range report.Checks {
			mark := "FAIL"
			if check.Passed {
				mark = "ok"
			}
			fmt.Printf("%-20s [%s] %s\n", check.Name, mark, check.Detail)
		}
	}

	if !report.Passed() {
		os.Exit(1)
	}
}
