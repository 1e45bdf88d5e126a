package daemon

import (
	"context"
	"os"
	"syscall"

	"codeberg.org/mutker/gpuctld/internal/logger"
)

var exitSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP}

// listenExitSignals waits for the first termination signal, runs cleanup
// and exits with status 0. It handles a single signal only; cleanup is
// expected to be idempotent since other shutdown paths may run it too.
func listenExitSignals(ctx context.Context, signals <-chan os.Signal, cleanup func(), exit func(int)) {
	select {
	case <-ctx.Done():
		return
	case sig := <-signals:
		logger.Info().Str("signal", sig.String()).Msg("Received termination signal, shutting down")
	}

	cleanup()
	exit(0)
}
