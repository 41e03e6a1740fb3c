package plugin

import (
	"fmt"

	"github.com/rs/zerolog"

	herrors "github.com/p-blackswan/harvester/internal/errors"
)

// Loaded is an instantiated plugin ready for registration.
type Loaded struct {
	Manifest Manifest
	Source   Source
	Path     string
	Instance any
}

// Loader instantiates descriptors through a catalog.
type Loader struct {
	catalog   *Catalog
	allowed   map[Permission]bool
	outputDir string
	logger    zerolog.Logger
}

// NewLoader creates a loader. Plugins asking for a permission outside
// allowed fail to load.
func NewLoader(catalog *Catalog, allowed []string, outputDir string, logger zerolog.Logger) *Loader {
	perms := make(map[Permission]bool, len(allowed))
	for _, p := range allowed {
		perms[Permission(p)] = true
	}
	return &Loader{
		catalog:   catalog,
		allowed:   perms,
		outputDir: outputDir,
		logger:    logger.With().Str("component", "plugin_loader").Logger(),
	}
}

// Load instantiates one plugin. A panicking factory is converted into a
// PluginLoadError.
func (l *Loader) Load(d Descriptor) (loaded *Loaded, err error) {
	m := d.Manifest
	loadErr := func(e error) error {
		return &herrors.PluginLoadError{Plugin: m.Name, Path: d.Path, Err: e}
	}
	defer func() {
		if r := recover(); r != nil {
			loaded = nil
			err = loadErr(fmt.Errorf("panic: %v", r))
		}
	}()

	for _, p := range m.Permissions {
		if !l.allowed[p] {
			return nil, loadErr(fmt.Errorf("permission %q not allowed", p))
		}
	}

	factory, ok := l.catalog.Lookup(m.Entrypoint)
	if !ok {
		return nil, loadErr(fmt.Errorf("unknown entrypoint %q", m.Entrypoint))
	}

	cfg := m.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	inst, err := factory(Env{
		Manifest:  m,
		Config:    cfg,
		OutputDir: l.outputDir,
		Logger:    l.logger.With().Str("plugin", m.Name).Logger(),
	})
	if err != nil {
		return nil, loadErr(err)
	}
	if inst == nil {
		return nil, loadErr(fmt.Errorf("factory returned no instance"))
	}

	for _, r := range m.Roles {
		if !implementsRole(inst, r) {
			return nil, loadErr(fmt.Errorf("instance %T does not implement role %s", inst, r))
		}
	}

	return &Loaded{Manifest: m, Source: d.Source, Path: d.Path, Instance: inst}, nil
}

func implementsRole(inst any, r Role) bool {
	switch r {
	case RoleHandler:
		_, ok := inst.(Handler)
		return ok
	case RoleFilter:
		_, ok := inst.(Filter)
		return ok
	case RoleExporter:
		_, ok := inst.(Exporter)
		return ok
	case RoleScraper:
		_, ok := inst.(Scraper)
		return ok
	}
	return false
}

// LoadAll loads every enabled descriptor, dependencies first. A failure
// only affects that plugin and the plugins depending on it; all failures
// are returned together.
func (l *Loader) LoadAll(descs []Descriptor) ([]*Loaded, []error) {
	byName := make(map[string]Descriptor, len(descs))
	var order []string
	for _, d := range descs {
		if !d.Manifest.IsEnabled() {
			l.logger.Info().Str("plugin", d.Manifest.Name).Msg("Plugin disabled, skipping")
			continue
		}
		if _, dup := byName[d.Manifest.Name]; dup {
			continue
		}
		byName[d.Manifest.Name] = d
		order = append(order, d.Manifest.Name)
	}

	const (
		visiting = iota + 1
		ok
		failed
	)
	state := make(map[string]int, len(byName))
	var (
		loaded []*Loaded
		errs   []error
	)

	var visit func(name string) bool
	visit = func(name string) bool {
		switch state[name] {
		case ok:
			return true
		case failed:
			return false
		case visiting:
			return false
		}
		state[name] = visiting
		d := byName[name]

		for _, dep := range d.Manifest.Dependencies {
			if _, known := byName[dep]; !known {
				state[name] = failed
				errs = append(errs, &herrors.PluginLoadError{Plugin: name, Path: d.Path,
					Err: fmt.Errorf("missing dependency %q", dep)})
				return false
			}
			if state[dep] == visiting {
				state[name] = failed
				errs = append(errs, &herrors.PluginLoadError{Plugin: name, Path: d.Path,
					Err: fmt.Errorf("dependency cycle through %q", dep)})
				return false
			}
			if !visit(dep) {
				state[name] = failed
				errs = append(errs, &herrors.PluginLoadError{Plugin: name, Path: d.Path,
					Err: fmt.Errorf("dependency %q failed to load", dep)})
				return false
			}
		}

		p, err := l.Load(d)
		if err != nil {
			state[name] = failed
			errs = append(errs, err)
			l.logger.Warn().Err(err).Str("plugin", name).Msg("Plugin failed to load")
			return false
		}
		state[name] = ok
		loaded = append(loaded, p)
		l.logger.Debug().Str("plugin", name).Str("version", d.Manifest.Version).Msg("Plugin loaded")
		return true
	}

	for _, name := range order {
		visit(name)
	}
	return loaded, errs
}
