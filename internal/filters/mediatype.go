package filters

import (
	"fmt"
	"strings"

	"github.com/p-blackswan/harvester/internal/content"
	"github.com/p-blackswan/harvester/internal/plugin"
)

// MediaTypeConfig allows or blocks content types and file extensions.
// Extensions are matched without the leading dot.
type MediaTypeConfig struct {
	Types             []string `yaml:"media_types"`
	ExcludeTypes      []string `yaml:"exclude_media_types"`
	Extensions        []string `yaml:"file_extensions"`
	ExcludeExtensions []string `yaml:"exclude_file_extensions"`
}

// MediaType admits posts by detected content type and URL extension.
type MediaType struct {
	types      map[string]bool
	blockTypes map[string]bool
	exts       map[string]bool
	blockExts  map[string]bool
}

// NewMediaType builds the lookup sets.
func NewMediaType(cfg MediaTypeConfig) (*MediaType, error) {
	return &MediaType{
		types:      toSet(cfg.Types, ""),
		blockTypes: toSet(cfg.ExcludeTypes, ""),
		exts:       toSet(cfg.Extensions, "."),
		blockExts:  toSet(cfg.ExcludeExtensions, "."),
	}, nil
}

func toSet(in []string, trim string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if trim != "" {
			v = strings.TrimPrefix(v, trim)
		}
		if v != "" {
			out[v] = true
		}
	}
	return out
}

func (f *MediaType) Apply(post *content.Post) plugin.FilterResult {
	ct := content.DetectContentType(post)
	if f.blockTypes[ct] {
		return plugin.Reject(fmt.Sprintf("content type %s excluded", ct))
	}
	if len(f.types) > 0 && !f.types[ct] {
		return plugin.Reject(fmt.Sprintf("content type %s not allowed", ct))
	}

	ext := strings.TrimPrefix(content.Extension(post.PrimaryURL()), ".")
	if ext != "" && f.blockExts[ext] {
		return plugin.Reject(fmt.Sprintf("extension %s excluded", ext))
	}
	if len(f.exts) > 0 && !f.exts[ext] {
		return plugin.Reject(fmt.Sprintf("extension %q not allowed", ext))
	}
	return plugin.Pass()
}
