// Package filters holds the built-in filter plugins. Each filter is a pure
// predicate over a decoded post and its own configuration.
package filters

import (
	"fmt"

	"github.com/p-blackswan/harvester/internal/plugin"
)

// Entrypoints of the built-in filters.
const (
	EntryScore     = "builtin/score"
	EntryKeyword   = "builtin/keyword"
	EntryDomain    = "builtin/domain"
	EntryNSFW      = "builtin/nsfw"
	EntryDate      = "builtin/date"
	EntryMediaType = "builtin/media-type"
)

// Register adds the built-in filter factories to c.
func Register(c *plugin.Catalog) {
	c.Register(EntryScore, decoded(func(cfg ScoreConfig) (plugin.Filter, error) { return NewScore(cfg) }))
	c.Register(EntryKeyword, decoded(func(cfg KeywordConfig) (plugin.Filter, error) { return NewKeyword(cfg) }))
	c.Register(EntryDomain, decoded(func(cfg DomainConfig) (plugin.Filter, error) { return NewDomain(cfg) }))
	c.Register(EntryNSFW, decoded(func(cfg NSFWConfig) (plugin.Filter, error) { return NewNSFW(cfg) }))
	c.Register(EntryDate, decoded(func(cfg DateConfig) (plugin.Filter, error) { return NewDate(cfg) }))
	c.Register(EntryMediaType, decoded(func(cfg MediaTypeConfig) (plugin.Filter, error) { return NewMediaType(cfg) }))
}

// decoded adapts a typed constructor into a plugin factory that decodes the
// manifest config first.
func decoded[C any](build func(C) (plugin.Filter, error)) plugin.Factory {
	return func(env plugin.Env) (any, error) {
		var cfg C
		if err := plugin.DecodeConfig(env.Config, &cfg); err != nil {
			return nil, fmt.Errorf("%s config: %w", env.Manifest.Name, err)
		}
		f, err := build(cfg)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
