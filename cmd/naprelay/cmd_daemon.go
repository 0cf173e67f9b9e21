package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"naprelay/pkg/agent"
	"naprelay/pkg/config"
	"naprelay/pkg/gateway"
	"naprelay/pkg/logger"
)

// sendLimiter builds the outbound rate limiter from config. A rate of
// zero or less means unlimited, and a finite rate always gets a burst
// of at least one so the limiter can admit a send at all.
func sendLimiter(cfg *config.Config) *rate.Limiter {
	if cfg.Gateway.SendRatePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Gateway.SendBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.Gateway.SendRatePerSec), burst)
}

func daemonCmd(cfg *config.Config, args []string) int {
	fireAndForget := false
	ignorePrefixes := cfg.Watch.IgnorePrefixes
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--fire-and-forget":
			fireAndForget = true
		case "--ignore-startswith":
			if i+1 < len(args) {
				i++
				ignorePrefixes = append(ignorePrefixes, args[i])
			}
		}
	}

	if !requireGatewayURL(cfg) {
		return 2
	}

	logger.InfoCF("daemon", "Starting relay daemon", map[string]interface{}{
		logger.FieldURL:   cfg.Gateway.URL,
		"agent_url":       cfg.Agent.URL,
		"fire_and_forget": fireAndForget,
	})

	conn := gateway.NewConn(cfg.Gateway.URL, cfg.Gateway.Token)
	timeout := time.Duration(cfg.Gateway.TimeoutSec * float64(time.Second))
	client := gateway.NewPooledClient(conn, timeout, sendLimiter(cfg))

	manager := agent.NewManager(agent.Config{
		URL:         cfg.Agent.URL,
		Token:       cfg.Agent.Token,
		Password:    cfg.Agent.Password,
		WaitTimeout: time.Duration(cfg.Agent.WaitTimeoutSec * float64(time.Second)),
	})

	daemon := agent.NewDaemon(conn, client, manager, agent.DaemonOptions{
		AllowSenders:   cfg.AllowSenderSet(),
		IgnorePrefixes: ignorePrefixes,
		FireAndForget:  fireAndForget,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemon.Run(ctx)
	logger.InfoC("daemon", "Daemon stopped")
	return 0
}
