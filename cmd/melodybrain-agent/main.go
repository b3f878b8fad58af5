// Command melodybrain-agent keeps a client's presence alive and queries the
// aggregator for country statistics and seeds.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/serpent"
)

func main() {
	if err := rootCmd().Invoke().WithOS().Run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %+v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *serpent.Command {
	return &serpent.Command{
		Use:     "melodybrain-agent",
		Short:   "Client for the melodybrain presence aggregator.",
		Handler: serpent.DefaultHelpFn(),
		Children: []*serpent.Command{
			runCmd(),
			queryCmd(),
		},
	}
}

type clientConfig struct {
	Server         string
	AttemptTimeout time.Duration
	MaxAttempts    int64
	Deadline       time.Duration
	Verbose        bool
}

func (c *clientConfig) options() serpent.OptionSet {
	return serpent.OptionSet{
		{
			Name:        "server",
			Description: "UDP address of the aggregator.",
			Flag:        "server",
			Env:         "MELODYBRAIN_SERVER",
			Default:     "127.0.0.1:2026",
			Value:       serpent.StringOf(&c.Server),
		},
		{
			Name:        "attempt-timeout",
			Description: "How long to wait for a reply to one query datagram.",
			Flag:        "attempt-timeout",
			Default:     "2s",
			Value:       serpent.DurationOf(&c.AttemptTimeout),
		},
		{
			Name:        "max-attempts",
			Description: "Query attempts before giving up.",
			Flag:        "max-attempts",
			Default:     "8",
			Value:       serpent.Int64Of(&c.MaxAttempts),
		},
		{
			Name:        "deadline",
			Description: "Overall time limit of one query, retries included.",
			Flag:        "deadline",
			Default:     "30s",
			Value:       serpent.DurationOf(&c.Deadline),
		},
		{
			Name:        "verbose",
			Description: "Enable debug logging.",
			Flag:        "verbose",
			Env:         "MELODYBRAIN_VERBOSE",
			Value:       serpent.BoolOf(&c.Verbose),
		},
	}
}

func newLogger(w io.Writer, verbose bool) slog.Logger {
	logger := slog.Make(sloghuman.Sink(w))
	if verbose {
		return logger.Leveled(slog.LevelDebug)
	}
	return logger.Leveled(slog.LevelInfo)
}
