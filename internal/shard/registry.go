package shard

import (
	"log/slog"
	"sync"

	"worldshard/internal/geom"
)

// Registry is the process-wide cell -> WorldShard lookup. Shards are
// created lazily the first time a cell is referenced and live for the
// process lifetime. There is no cross-shard state, so the registry's lock
// only ever guards creation and lookup, never shard internals.
type Registry struct {
	mu     sync.Mutex
	logger *slog.Logger
	shards map[geom.CellID]*WorldShard
}

// NewRegistry creates an empty shard registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		shards: make(map[geom.CellID]*WorldShard),
	}
}

// Get returns the shard owning id, creating it if this is the first
// reference.
func (r *Registry) Get(id geom.CellID) *WorldShard {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.shards[id]; ok {
		return s
	}
	s := New(id, r.logger)
	r.shards[id] = s
	return s
}

// Lookup returns the shard owning id if one already exists, without
// creating it.
func (r *Registry) Lookup(id geom.CellID) (*WorldShard, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.shards[id]
	return s, ok
}

// Stats aggregates shard and connection counts across every live shard,
// used by the health and metrics endpoints.
func (r *Registry) Stats() (shardCount, connectionCount int) {
	r.mu.Lock()
	shards := make([]*WorldShard, 0, len(r.shards))
	for _, s := range r.shards {
		shards = append(shards, s)
	}
	r.mu.Unlock()

	shardCount = len(shards)
	for _, s := range shards {
		connectionCount += s.Stats()
	}
	return shardCount, connectionCount
}

// Close tears down every shard's mailbox goroutine.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.shards {
		s.Close()
	}
}
