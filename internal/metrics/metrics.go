// Package metrics periodically logs shard/connection counts on a ticker.
package metrics

import (
	"context"
	"log"
	"time"

	"worldshard/internal/shard"
)

// Run logs registry stats every interval until ctx is canceled. It stays
// quiet when there is nothing to report.
func Run(ctx context.Context, registry *shard.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			shards, connections := registry.Stats()
			if shards > 0 || connections > 0 {
				log.Printf("[metrics] shards=%d connections=%d", shards, connections)
			}
		}
	}
}
