// Package handlers holds the built-in content handlers. A handler either
// enqueues downloads for the scheduler or writes small files itself, and
// always reports what it produced as artifacts.
package handlers

import (
	"context"
	"fmt"

	"github.com/p-blackswan/harvester/internal/content"
	"github.com/p-blackswan/harvester/internal/plugin"
	"github.com/p-blackswan/harvester/internal/scheduler"
)

// Entrypoints of the built-in handlers.
const (
	EntryMedia     = "builtin/media"
	EntryGallery   = "builtin/gallery"
	EntryText      = "builtin/text"
	EntryPoll      = "builtin/poll"
	EntryExternal  = "builtin/external"
	EntryCrosspost = "builtin/crosspost"
)

// Options are shared by every built-in handler. Handler-specific options
// are decoded from the same config map by each handler.
type Options struct {
	FilenameTemplate string `yaml:"filename_template"`
}

type builtin struct {
	name        string
	entry       string
	priority    int
	types       []string
	description string
}

var builtins = []builtin{
	{"crosspost", EntryCrosspost, 70, []string{content.TypeCrosspost}, "Records crossposts with a reference to the parent post"},
	{"gallery", EntryGallery, 60, []string{content.TypeGallery}, "Downloads every image of a gallery post"},
	{"poll", EntryPoll, 50, []string{content.TypePoll}, "Saves poll options and results as JSON"},
	{"media", EntryMedia, 50, []string{content.TypeImage, content.TypeVideo}, "Downloads single image and video posts"},
	{"text", EntryText, 40, []string{content.TypeText}, "Saves self posts as markdown"},
	{"external", EntryExternal, 10, []string{content.TypeExternal}, "Saves external links and downloads direct media links"},
}

// Manifests returns the manifests of the built-in handlers. options maps a
// content type to the handler options configured for it; template is the
// filename template every handler renders destinations with.
func Manifests(template string, options func(contentType string) map[string]any) []plugin.Manifest {
	out := make([]plugin.Manifest, 0, len(builtins))
	for _, b := range builtins {
		cfg := map[string]any{}
		if options != nil {
			for _, ct := range b.types {
				for k, v := range options(ct) {
					cfg[k] = v
				}
			}
		}
		if _, set := cfg["filename_template"]; !set && template != "" {
			cfg["filename_template"] = template
		}
		perms := []plugin.Permission{plugin.PermFilesystem}
		if b.entry != EntryText && b.entry != EntryPoll {
			perms = append(perms, plugin.PermNetwork)
		}
		out = append(out, plugin.Manifest{
			Name:         b.name,
			Version:      "1.0.0",
			Description:  b.description,
			Interface:    plugin.InterfaceRange{Min: plugin.InterfaceVersion, Max: plugin.InterfaceVersion},
			Roles:        []plugin.Role{plugin.RoleHandler},
			Entrypoint:   b.entry,
			Priority:     b.priority,
			ContentTypes: b.types,
			Permissions:  perms,
			Config:       cfg,
		})
	}
	return out
}

// Register adds the built-in handler factories to c.
func Register(c *plugin.Catalog) {
	c.Register(EntryMedia, func(env plugin.Env) (any, error) {
		var cfg MediaConfig
		b, err := decode(env, &cfg)
		if err != nil {
			return nil, err
		}
		return &Media{base: b, cfg: cfg}, nil
	})
	c.Register(EntryGallery, func(env plugin.Env) (any, error) {
		var cfg GalleryConfig
		b, err := decode(env, &cfg)
		if err != nil {
			return nil, err
		}
		return &Gallery{base: b, cfg: cfg}, nil
	})
	c.Register(EntryText, func(env plugin.Env) (any, error) {
		var cfg TextConfig
		b, err := decode(env, &cfg)
		if err != nil {
			return nil, err
		}
		return NewText(b, cfg), nil
	})
	c.Register(EntryPoll, func(env plugin.Env) (any, error) {
		b, err := decode(env, nil)
		if err != nil {
			return nil, err
		}
		return &Poll{base: b}, nil
	})
	c.Register(EntryExternal, func(env plugin.Env) (any, error) {
		var cfg ExternalConfig
		b, err := decode(env, &cfg)
		if err != nil {
			return nil, err
		}
		return &External{base: b, cfg: cfg}, nil
	})
	c.Register(EntryCrosspost, func(env plugin.Env) (any, error) {
		b, err := decode(env, nil)
		if err != nil {
			return nil, err
		}
		return &Crosspost{base: b}, nil
	})
}

// base carries what every built-in handler shares.
type base struct {
	name  string
	types []string
	namer *Namer
}

func (b base) ContentTypes() []string { return b.types }

func decode(env plugin.Env, specific any) (base, error) {
	var opts Options
	if err := plugin.DecodeConfig(env.Config, &opts); err != nil {
		return base{}, fmt.Errorf("%s config: %w", env.Manifest.Name, err)
	}
	if specific != nil {
		if err := plugin.DecodeConfig(env.Config, specific); err != nil {
			return base{}, fmt.Errorf("%s config: %w", env.Manifest.Name, err)
		}
	}
	namer, err := NewNamer(opts.FilenameTemplate)
	if err != nil {
		return base{}, err
	}
	types := env.Manifest.ContentTypes
	if len(types) == 0 {
		for _, b := range builtins {
			if b.entry == env.Manifest.Entrypoint {
				types = b.types
			}
		}
	}
	return base{name: env.Manifest.Name, types: types, namer: namer}, nil
}

func (b base) handles(contentType string) bool {
	for _, t := range b.types {
		if t == contentType || t == plugin.Wildcard {
			return true
		}
	}
	return false
}

func (b base) result(artifacts ...plugin.Artifact) *plugin.Result {
	return &plugin.Result{Success: true, Handler: b.name, Artifacts: artifacts}
}

// enqueue records one download and returns its artifact.
func (b base) enqueue(ctx context.Context, req *plugin.HandleRequest, url, dest string) (plugin.Artifact, error) {
	if req.Downloads == nil {
		return plugin.Artifact{}, fmt.Errorf("%s: no download queue", b.name)
	}
	if _, err := safePath(req.OutputDir, dest); err != nil {
		return plugin.Artifact{}, err
	}
	id, err := req.Downloads.EnqueueDownload(ctx, url, dest)
	if err != nil {
		return plugin.Artifact{}, fmt.Errorf("enqueue %s: %w", url, err)
	}
	return plugin.Artifact{Kind: plugin.ArtifactDownload, Path: dest, URL: url, DownloadID: id}, nil
}

// write stores data at dest under the output dir and returns its artifact.
func (b base) write(req *plugin.HandleRequest, dest string, data []byte) (plugin.Artifact, error) {
	full, err := safePath(req.OutputDir, dest)
	if err != nil {
		return plugin.Artifact{}, err
	}
	if err := scheduler.WriteFileAtomic(full, data); err != nil {
		return plugin.Artifact{}, err
	}
	return plugin.Artifact{Kind: plugin.ArtifactFile, Path: dest}, nil
}
