package cache

import (
	"log/slog"

	"github.com/hearthware/homesync/internal/entity"
	"github.com/hearthware/homesync/internal/merge"
)

// Applier folds resolved remote changes into the read cache. It is the only
// component allowed to mutate the signed-in cache from network-originated
// data; local mutations travel through the write queue instead.
type Applier struct {
	cache  *Cache
	bus    *Bus
	logger *slog.Logger
}

// NewApplier wires an applier to a cache and its change bus.
func NewApplier(c *Cache, bus *Bus, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{
		cache:  c,
		bus:    bus,
		logger: logger.With("component", "applier"),
	}
}

// ApplyRemote merges remote entities into one collection and notifies
// subscribers when anything may have changed.
func (a *Applier) ApplyRemote(collection string, remote []entity.Entity) {
	local := a.cache.Read(collection)
	merged := merge.EntityArrays(local, remote)
	a.cache.Write(collection, merged)

	a.logger.Debug("applied remote changes",
		"collection", collection,
		"remote", len(remote),
		"merged", len(merged))
	a.bus.Notify(collection)
}
