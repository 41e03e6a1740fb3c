package pipeline

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/harvester/internal/config"
	"github.com/p-blackswan/harvester/internal/exporters"
	"github.com/p-blackswan/harvester/internal/filters"
	"github.com/p-blackswan/harvester/internal/handlers"
	"github.com/p-blackswan/harvester/internal/plugin"
	"github.com/p-blackswan/harvester/internal/source"
)

// NewCatalog returns a catalog holding every compiled-in entrypoint.
func NewCatalog(client *http.Client) *plugin.Catalog {
	c := plugin.NewCatalog()
	filters.Register(c)
	handlers.Register(c)
	exporters.Register(c, client)
	source.Register(c)
	return c
}

// Descriptors collects the plugin descriptors of a run in precedence order:
// inline run file plugins, then plugin directories, then the built-in
// handlers and feed scraper. A plugin name seen earlier shadows later ones,
// so user plugins override built-ins of the same name. When no exporter is
// declared anywhere the JSON exporter is added.
func Descriptors(cfg *config.Config, rc *config.RunConfig) ([]plugin.Descriptor, []error) {
	descs, errs := plugin.InlineDescriptors(rc.Plugins)

	found, derrs := plugin.Discover(cfg.PluginDirList())
	descs = append(descs, found...)
	errs = append(errs, derrs...)

	var builtin []plugin.Manifest
	if !rc.DisableBuiltinHandlers {
		builtin = append(builtin, handlers.Manifests(rc.FilenameTemplate, rc.HandlerOptions)...)
	}
	builtin = append(builtin, source.Manifest(rc.FeedDir))
	if !declares(descs, plugin.RoleExporter) {
		builtin = append(builtin, exporters.DefaultManifest())
	}
	for _, m := range builtin {
		descs = append(descs, plugin.Descriptor{Manifest: m, Source: plugin.SourceBuiltin})
	}
	return descs, errs
}

func declares(descs []plugin.Descriptor, role plugin.Role) bool {
	for _, d := range descs {
		if d.Manifest.IsEnabled() && d.Manifest.HasRole(role) {
			return true
		}
	}
	return false
}

// BuildRegistry discovers, loads and registers every plugin of a run. Plugin
// failures are isolated: the registry holds everything that loaded and the
// failures are returned for reporting.
func BuildRegistry(cfg *config.Config, rc *config.RunConfig, client *http.Client, logger zerolog.Logger) (*plugin.Registry, []error) {
	descs, errs := Descriptors(cfg, rc)

	loader := plugin.NewLoader(NewCatalog(client), cfg.AllowedPermissionList(), cfg.OutputDir, logger)
	loaded, lerrs := loader.LoadAll(descs)
	errs = append(errs, lerrs...)

	reg := plugin.NewRegistry(logger)
	errs = append(errs, reg.RegisterAll(loaded)...)

	for _, err := range errs {
		logger.Warn().Err(err).Msg("Plugin not loaded")
	}
	for _, c := range reg.Conflicts() {
		logger.Warn().Str("content_type", c.ContentType).Strs("handlers", c.Plugins).
			Int("priority", c.Priority).Msg("Handlers share a content type and priority")
	}
	logger.Info().Int("plugins", reg.Len()).Int("errors", len(errs)).Msg("Plugin registry built")
	return reg, errs
}
