// Package registry maps entity types to their collection settings: which
// cache collection they live in and which boolean field a toggle flips.
// Definitions come from a TOML file so deployments can add collections
// without a rebuild; the built-in set covers the household types.
package registry

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/hearthware/homesync/internal/entity"
)

// Collection describes one synchronized entity collection.
type Collection struct {
	EntityType  string `toml:"entity_type"`
	CacheKey    string `toml:"cache_key"`
	ToggleField string `toml:"toggle_field"`
}

// Registry resolves entity types to collection definitions.
type Registry struct {
	collections map[entity.Type]Collection
	logger      *slog.Logger
}

const builtinTOML = `
[[collections]]
entity_type = "list"
cache_key = "lists"

[[collections]]
entity_type = "item"
cache_key = "items"
toggle_field = "checked"

[[collections]]
entity_type = "recipe"
cache_key = "recipes"

[[collections]]
entity_type = "chore"
cache_key = "chores"
toggle_field = "done"
`

// Default returns the registry with only the built-in collections.
func Default(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r, err := parse([]byte(builtinTOML), logger)
	if err != nil {
		// Built-in definitions are compiled in; failure here is a bug.
		panic(fmt.Sprintf("registry: built-in collections: %v", err))
	}
	return r
}

// Load reads collection definitions from path. Definitions in the file
// extend and override the built-in set. A missing file yields the
// built-ins unchanged.
func Load(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := Default(logger)
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("no collections file, using built-ins", "path", path)
			return r, nil
		}
		return nil, fmt.Errorf("read collections file: %w", err)
	}

	extra, err := parse(data, logger)
	if err != nil {
		return nil, fmt.Errorf("parse collections file %s: %w", path, err)
	}
	for t, c := range extra.collections {
		r.collections[t] = c
	}
	return r, nil
}

func parse(data []byte, logger *slog.Logger) (*Registry, error) {
	var file struct {
		Collections []Collection `toml:"collections"`
	}
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	r := &Registry{
		collections: make(map[entity.Type]Collection),
		logger:      logger.With("component", "registry"),
	}
	for _, c := range file.Collections {
		if c.EntityType == "" {
			return nil, fmt.Errorf("collection missing entity_type")
		}
		if c.CacheKey == "" {
			c.CacheKey = c.EntityType + "s"
		}
		r.collections[entity.Type(c.EntityType)] = c
	}
	return r, nil
}

// Get returns the collection definition for an entity type.
func (r *Registry) Get(t entity.Type) (Collection, bool) {
	c, ok := r.collections[t]
	return c, ok
}

// ToggleField returns the boolean field flipped by toggle ops on this
// type, or "" when the type has no toggleable field.
func (r *Registry) ToggleField(t entity.Type) string {
	return r.collections[t].ToggleField
}

// Types lists every registered entity type.
func (r *Registry) Types() []entity.Type {
	out := make([]entity.Type, 0, len(r.collections))
	for t := range r.collections {
		out = append(out, t)
	}
	return out
}
