package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/harvester/internal/content"
	herrors "github.com/p-blackswan/harvester/internal/errors"
)

// Wildcard is the content type a handler claims to be considered for every item.
const Wildcard = "*"

type entry struct {
	loaded      *Loaded
	seq         int
	initialized bool
	cleaned     bool
}

func (e *entry) name() string  { return e.loaded.Manifest.Name }
func (e *entry) priority() int { return e.loaded.Manifest.Priority }

// Info describes a registered plugin.
type Info struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description,omitempty"`
	Roles        []Role   `json:"roles"`
	Priority     int      `json:"priority"`
	ContentTypes []string `json:"content_types,omitempty"`
	Source       Source   `json:"source"`
	Path         string   `json:"path,omitempty"`
	Initialized  bool     `json:"initialized"`
}

// Conflict is a set of handlers claiming the same content type at the same
// priority; registration order decides between them.
type Conflict struct {
	ContentType string   `json:"content_type"`
	Priority    int      `json:"priority"`
	Plugins     []string `json:"plugins"`
}

// Registry indexes loaded plugins by role. Lookup tables are ordered at
// registration time: descending priority, then registration order.
type Registry struct {
	mu        sync.RWMutex
	entries   []*entry
	byName    map[string]*entry
	handlers  map[string][]*entry
	filters   []*entry
	exporters []*entry
	scrapers  []*entry
	logger    zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		byName:   make(map[string]*entry),
		handlers: make(map[string][]*entry),
		logger:   logger.With().Str("component", "plugin_registry").Logger(),
	}
}

func insertOrdered(list []*entry, e *entry) []*entry {
	i := sort.Search(len(list), func(i int) bool {
		if list[i].priority() != e.priority() {
			return list[i].priority() < e.priority()
		}
		return list[i].seq > e.seq
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}

// Register indexes a loaded plugin under each declared role. Handlers are
// indexed under the manifest's content types, or the instance's own when
// the manifest names none.
func (r *Registry) Register(l *Loaded) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := l.Manifest.Name
	if _, dup := r.byName[name]; dup {
		return herrors.NewValidationError("plugin "+name, "name", "already registered")
	}

	for _, role := range l.Manifest.Roles {
		if !implementsRole(l.Instance, role) {
			return herrors.NewValidationError("plugin "+name, "roles", fmt.Sprintf("instance does not implement %s", role))
		}
	}
	var handlerTypes []string
	if l.Manifest.HasRole(RoleHandler) {
		handlerTypes = l.Manifest.ContentTypes
		if len(handlerTypes) == 0 {
			handlerTypes = l.Instance.(Handler).ContentTypes()
		}
		if len(handlerTypes) == 0 {
			return herrors.NewValidationError("plugin "+name, "content_types", "handler supports no content types")
		}
	}

	e := &entry{loaded: l, seq: len(r.entries)}
	for _, role := range l.Manifest.Roles {
		switch role {
		case RoleHandler:
			for _, ct := range handlerTypes {
				r.handlers[ct] = insertOrdered(r.handlers[ct], e)
			}
		case RoleFilter:
			r.filters = insertOrdered(r.filters, e)
		case RoleExporter:
			r.exporters = insertOrdered(r.exporters, e)
		case RoleScraper:
			r.scrapers = insertOrdered(r.scrapers, e)
		}
	}
	r.entries = append(r.entries, e)
	r.byName[name] = e

	r.logger.Debug().Str("plugin", name).Interface("roles", l.Manifest.Roles).
		Int("priority", l.Manifest.Priority).Msg("Plugin registered")
	return nil
}

// RegisterAll registers every loaded plugin and returns the failures.
func (r *Registry) RegisterAll(loaded []*Loaded) []error {
	var errs []error
	for _, l := range loaded {
		if err := r.Register(l); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// NamedFilter pairs a filter with its plugin name.
type NamedFilter struct {
	Name string
	Filter
}

// Filters returns filters in run order.
func (r *Registry) Filters() []NamedFilter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NamedFilter, 0, len(r.filters))
	for _, e := range r.filters {
		out = append(out, NamedFilter{Name: e.name(), Filter: e.loaded.Instance.(Filter)})
	}
	return out
}

// NamedExporter pairs an exporter with its plugin name.
type NamedExporter struct {
	Name string
	Exporter
}

// Exporters returns exporters in run order.
func (r *Registry) Exporters() []NamedExporter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NamedExporter, 0, len(r.exporters))
	for _, e := range r.exporters {
		out = append(out, NamedExporter{Name: e.name(), Exporter: e.loaded.Instance.(Exporter)})
	}
	return out
}

// SelectScraper returns the first scraper that accepts the target.
func (r *Registry) SelectScraper(target content.Target) (Scraper, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.scrapers {
		s := e.loaded.Instance.(Scraper)
		if s.CanScrape(target) {
			return s, e.name(), true
		}
	}
	return nil, "", false
}

// SelectHandler returns the handler for an item: among handlers indexed
// under the content type or the wildcard, the first by descending priority
// then registration order whose CanHandle accepts the item. It fails with
// ErrNoHandler when none does.
func (r *Registry) SelectHandler(contentType string, post *content.Post) (Handler, string, error) {
	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.handlers[contentType])+len(r.handlers[Wildcard]))
	candidates = append(candidates, r.handlers[contentType]...)
	if contentType != Wildcard {
		for _, e := range r.handlers[Wildcard] {
			candidates = insertOrdered(candidates, e)
		}
	}
	r.mu.RUnlock()

	seen := make(map[*entry]bool, len(candidates))
	for _, e := range candidates {
		if seen[e] {
			continue
		}
		seen[e] = true
		h := e.loaded.Instance.(Handler)
		if h.CanHandle(contentType, post) {
			return h, e.name(), nil
		}
	}
	return nil, "", fmt.Errorf("content type %q: %w", contentType, herrors.ErrNoHandler)
}

// HookError reports a failed lifecycle hook.
type HookError struct {
	Plugin string
	Stage  string
	Err    error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("plugin %s %s: %v", e.Plugin, e.Stage, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// Initialize calls Initialize once on every registered plugin that has it,
// in registration order. A failing plugin is reported and the rest still
// initialize.
func (r *Registry) Initialize(ctx context.Context) []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, e := range r.entries {
		if e.initialized {
			continue
		}
		e.initialized = true
		if in, ok := e.loaded.Instance.(Initializer); ok {
			if err := safeCall(ctx, in.Initialize); err != nil {
				errs = append(errs, &HookError{Plugin: e.name(), Stage: "initialize", Err: err})
				r.logger.Error().Err(err).Str("plugin", e.name()).Msg("Plugin initialize failed")
			}
		}
	}
	return errs
}

// Cleanup calls Cleanup once on every initialized plugin, in reverse
// registration order.
func (r *Registry) Cleanup(ctx context.Context) []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if !e.initialized || e.cleaned {
			continue
		}
		e.cleaned = true
		if c, ok := e.loaded.Instance.(Cleaner); ok {
			if err := safeCall(ctx, c.Cleanup); err != nil {
				errs = append(errs, &HookError{Plugin: e.name(), Stage: "cleanup", Err: err})
				r.logger.Error().Err(err).Str("plugin", e.name()).Msg("Plugin cleanup failed")
			}
		}
	}
	return errs
}

func safeCall(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx)
}

// Conflicts reports content types served by more than one handler at the
// same priority.
func (r *Registry) Conflicts() []Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for ct := range r.handlers {
		types = append(types, ct)
	}
	sort.Strings(types)

	var out []Conflict
	for _, ct := range types {
		list := r.handlers[ct]
		for i := 0; i < len(list); {
			j := i + 1
			for j < len(list) && list[j].priority() == list[i].priority() {
				j++
			}
			if j-i > 1 {
				c := Conflict{ContentType: ct, Priority: list[i].priority()}
				for _, e := range list[i:j] {
					c.Plugins = append(c.Plugins, e.name())
				}
				out = append(out, c)
			}
			i = j
		}
	}
	return out
}

// Plugins describes every registered plugin in registration order.
func (r *Registry) Plugins() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		m := e.loaded.Manifest
		types := m.ContentTypes
		if len(types) == 0 {
			if h, ok := e.loaded.Instance.(Handler); ok && m.HasRole(RoleHandler) {
				types = h.ContentTypes()
			}
		}
		out = append(out, Info{
			Name:         m.Name,
			Version:      m.Version,
			Description:  m.Description,
			Roles:        m.Roles,
			Priority:     m.Priority,
			ContentTypes: types,
			Source:       e.loaded.Source,
			Path:         e.loaded.Path,
			Initialized:  e.initialized,
		})
	}
	return out
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
