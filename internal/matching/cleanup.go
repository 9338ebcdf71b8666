package matching

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultCleanupInterval is how often StartCleanup sweeps the pool.
const DefaultCleanupInterval = 5 * time.Second

// StartCleanup periodically removes waiting entries whose connection has
// gone away without a disconnect callback. It blocks until ctx is done.
func StartCleanup(ctx context.Context, m *Matcher, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "matcher").Msg("cleanup loop stopped")
			return
		case <-ticker.C:
			if n := m.RemoveStale(); n > 0 {
				log.Info().Str("module", "matcher").Int("removed", n).Msg("removed stale pool entries")
			}
		}
	}
}
