package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/epm/cmd/epm/commands"
	"github.com/openfroyo/epm/pkg/telemetry"
)

// Build information, set with -ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(telemetry.ParseLevel(os.Getenv("EPM_LOG_LEVEL")))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// Restore the default handlers so that a second signal kills the process.
			stop()
			log.Warn().Msg("Interrupted, stopping after the current package. Interrupt again to abort.")
		case <-done:
		}
	}()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	if err == nil {
		return commands.ExitOK
	}

	event := log.Error().Err(err)
	if chain := commands.ErrorChain(err); len(chain) > 0 {
		event = event.Strs("chain", chain)
	}
	event.Msg("Command failed")
	return commands.ExitCode(err)
}
