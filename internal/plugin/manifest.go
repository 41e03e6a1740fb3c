// Package plugin loads extension components and dispatches work to them.
//
// Loading is two-phase. ParseManifest and Validate turn a descriptor into a
// typed Manifest with no side effects. The Loader then instantiates each
// plugin in isolation through a Catalog of factories, and the Registry
// indexes the instances by role and content type.
package plugin

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	herrors "github.com/p-blackswan/harvester/internal/errors"
)

// InterfaceVersion is the plugin contract version this build implements.
const InterfaceVersion = 1

// Role is the part a plugin plays in the pipeline.
type Role string

const (
	RoleHandler  Role = "handler"
	RoleFilter   Role = "filter"
	RoleExporter Role = "exporter"
	RoleScraper  Role = "scraper"
)

// Permission is a capability a plugin asks the host for.
type Permission string

const (
	PermNetwork    Permission = "network"
	PermFilesystem Permission = "filesystem"
	PermSubprocess Permission = "subprocess"
)

// InterfaceRange is the inclusive range of contract versions a plugin supports.
type InterfaceRange struct {
	Min int `yaml:"min" json:"min" jsonschema:"minimum=1"`
	Max int `yaml:"max" json:"max" jsonschema:"minimum=1"`
}

// Hooks are optional install/uninstall script paths, relative to the
// plugin directory.
type Hooks struct {
	Install   string `yaml:"install,omitempty" json:"install,omitempty"`
	Uninstall string `yaml:"uninstall,omitempty" json:"uninstall,omitempty"`
}

// Manifest describes one plugin.
type Manifest struct {
	Name         string         `yaml:"name" json:"name" jsonschema:"required,pattern=^[a-z0-9][a-z0-9._-]*$"`
	Version      string         `yaml:"version" json:"version" jsonschema:"required"`
	Description  string         `yaml:"description,omitempty" json:"description,omitempty"`
	Author       string         `yaml:"author,omitempty" json:"author,omitempty"`
	Interface    InterfaceRange `yaml:"interface" json:"interface" jsonschema:"required"`
	Roles        []Role         `yaml:"roles" json:"roles" jsonschema:"required,enum=handler,enum=filter,enum=exporter,enum=scraper"`
	Entrypoint   string         `yaml:"entrypoint" json:"entrypoint" jsonschema:"required"`
	Priority     int            `yaml:"priority,omitempty" json:"priority,omitempty"`
	ContentTypes []string       `yaml:"content_types,omitempty" json:"content_types,omitempty"`
	Permissions  []Permission   `yaml:"permissions,omitempty" json:"permissions,omitempty" jsonschema:"enum=network,enum=filesystem,enum=subprocess"`
	Dependencies []string       `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Hooks        Hooks          `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	Config       map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	Enabled      *bool          `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled reports whether the plugin should be loaded. Plugins are enabled
// unless they say otherwise.
func (m *Manifest) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// HasRole reports whether the manifest declares r.
func (m *Manifest) HasRole(r Role) bool {
	for _, have := range m.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// ParseManifest decodes a YAML or JSON manifest and validates it.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, herrors.NewValidationError("manifest", "", fmt.Sprintf("malformed: %v", err))
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

var (
	namePattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	versionPattern = regexp.MustCompile(`^v?\d+(\.\d+){0,2}([-+][0-9A-Za-z.-]+)?$`)
)

// Validate checks required fields, the interface range and the declared
// roles and permissions.
func (m *Manifest) Validate() error {
	subject := "manifest"
	if m.Name != "" {
		subject = "manifest " + m.Name
	}
	fail := func(field, reason string) error {
		return herrors.NewValidationError(subject, field, reason)
	}

	if m.Name == "" {
		return fail("name", "required")
	}
	if !namePattern.MatchString(m.Name) {
		return fail("name", fmt.Sprintf("%q must be lower-case letters, digits, '.', '_' or '-'", m.Name))
	}
	if m.Version == "" {
		return fail("version", "required")
	}
	if !versionPattern.MatchString(m.Version) {
		return fail("version", fmt.Sprintf("%q is not a version", m.Version))
	}
	if m.Interface.Min < 1 || m.Interface.Max < m.Interface.Min {
		return fail("interface", fmt.Sprintf("invalid range [%d, %d]", m.Interface.Min, m.Interface.Max))
	}
	if InterfaceVersion < m.Interface.Min || InterfaceVersion > m.Interface.Max {
		return fail("interface", fmt.Sprintf("incompatible: supports [%d, %d], host implements %d",
			m.Interface.Min, m.Interface.Max, InterfaceVersion))
	}
	if len(m.Roles) == 0 {
		return fail("roles", "at least one role is required")
	}
	for _, r := range m.Roles {
		switch r {
		case RoleHandler, RoleFilter, RoleExporter, RoleScraper:
		default:
			return fail("roles", fmt.Sprintf("unknown role %q", r))
		}
	}
	if strings.TrimSpace(m.Entrypoint) == "" {
		return fail("entrypoint", "required")
	}
	for _, p := range m.Permissions {
		switch p {
		case PermNetwork, PermFilesystem, PermSubprocess:
		default:
			return fail("permissions", fmt.Sprintf("unknown permission %q", p))
		}
	}
	for _, ct := range m.ContentTypes {
		if strings.TrimSpace(ct) == "" {
			return fail("content_types", "empty content type")
		}
	}
	for _, dep := range m.Dependencies {
		if dep == m.Name {
			return fail("dependencies", "plugin depends on itself")
		}
	}
	for field, hook := range map[string]string{"hooks.install": m.Hooks.Install, "hooks.uninstall": m.Hooks.Uninstall} {
		if hook == "" {
			continue
		}
		clean := filepath.Clean(hook)
		if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return fail(field, fmt.Sprintf("%q must stay inside the plugin directory", hook))
		}
	}
	return nil
}

// DecodeConfig decodes a manifest's free-form config into out, which should
// be a pointer to a struct with yaml tags.
func DecodeConfig(cfg map[string]any, out any) error {
	if len(cfg) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode plugin config: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return herrors.NewValidationError("plugin config", "", err.Error())
	}
	return nil
}
