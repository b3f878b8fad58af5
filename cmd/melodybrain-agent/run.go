package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/coder/serpent"

	"melodybrain/internal/agent"
)

func runCmd() *serpent.Command {
	var (
		cfg      clientConfig
		interval time.Duration
	)
	opts := cfg.options()
	opts = append(opts, serpent.Option{
		Name:        "keepalive-interval",
		Description: "Time between keep-alive heartbeats.",
		Flag:        "keepalive-interval",
		Env:         "MELODYBRAIN_KEEPALIVE_INTERVAL",
		Default:     "15s",
		Value:       serpent.DurationOf(&interval),
	})
	return &serpent.Command{
		Use:     "run",
		Short:   "Send keep-alive heartbeats until interrupted.",
		Options: opts,
		Handler: func(inv *serpent.Invocation) error {
			ctx, stop := signal.NotifyContext(inv.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := agent.Dial(ctx, cfg.Server, agent.Options{
				Logger:            newLogger(inv.Stderr, cfg.Verbose),
				Clock:             quartz.NewReal(),
				KeepaliveInterval: interval,
			})
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(ctx)
		},
	}
}
