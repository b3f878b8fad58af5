// Command melodybrain-server runs the presence aggregator.
package main

import (
	"fmt"
	"io"
	"os"

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
		Use:     "melodybrain-server",
		Short:   "Aggregate client presence by country and serve shared seeds over UDP.",
		Handler: serpent.DefaultHelpFn(),
		Children: []*serpent.Command{
			runCmd(),
			statusCmd(),
			inspectCmd(),
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
