package plugin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Env is what a factory receives when instantiating a plugin.
type Env struct {
	Manifest  Manifest
	Config    map[string]any
	OutputDir string
	Logger    zerolog.Logger
}

// Factory builds a plugin instance. The returned value must implement the
// interface of every role its manifest declares.
type Factory func(env Env) (any, error)

// Catalog maps manifest entrypoints to factories.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register binds an entrypoint to a factory. Registering the same
// entrypoint twice panics, as it is a wiring bug.
func (c *Catalog) Register(entrypoint string, f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.factories[entrypoint]; dup {
		panic(fmt.Sprintf("plugin: entrypoint %q registered twice", entrypoint))
	}
	c.factories[entrypoint] = f
}

// Lookup returns the factory for an entrypoint.
func (c *Catalog) Lookup(entrypoint string) (Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[entrypoint]
	return f, ok
}

// Entrypoints lists registered entrypoints in sorted order.
func (c *Catalog) Entrypoints() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.factories))
	for name := range c.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
