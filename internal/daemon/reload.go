package daemon

import (
	"context"

	"codeberg.org/mutker/gpuctld/internal/config"
	"codeberg.org/mutker/gpuctld/internal/logger"
)

type configApplier interface {
	ReplaceConfig(cfg config.Config)
	ApplyCurrentConfig(ctx context.Context) error
}

// listenConfigChanges makes each configuration read from updates current
// and applies it. A failed apply is logged; the new configuration stays.
func listenConfigChanges(ctx context.Context, updates <-chan config.Config, a configApplier) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				logger.Warn().Msg("Configuration watcher stopped")
				return
			}

			logger.Info().Msg("Configuration changed, applying")
			a.ReplaceConfig(cfg)
			if err := a.ApplyCurrentConfig(ctx); err != nil {
				logger.ErrorWithCode(err).Msg("Failed to apply changed configuration")
			}
		}
	}
}
