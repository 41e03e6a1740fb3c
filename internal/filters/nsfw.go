package filters

import (
	"fmt"
	"strings"

	"github.com/p-blackswan/harvester/internal/content"
	herrors "github.com/p-blackswan/harvester/internal/errors"
	"github.com/p-blackswan/harvester/internal/plugin"
)

// NSFW modes.
const (
	NSFWInclude = "include"
	NSFWExclude = "exclude"
	NSFWOnly    = "only"
)

// NSFWConfig selects how flagged posts are treated. In strict mode a post
// that carries no flag at all is treated as flagged.
type NSFWConfig struct {
	Mode   string `yaml:"mode"`
	Strict bool   `yaml:"strict_mode"`
}

// NSFW admits or rejects posts by their not-safe-for-work flag.
type NSFW struct {
	mode   string
	strict bool
}

// NewNSFW validates the mode. An empty mode means include.
func NewNSFW(cfg NSFWConfig) (*NSFW, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "":
		mode = NSFWInclude
	case NSFWInclude, NSFWExclude, NSFWOnly:
	default:
		return nil, herrors.NewValidationError("nsfw filter", "mode", fmt.Sprintf("unknown mode %q", cfg.Mode))
	}
	return &NSFW{mode: mode, strict: cfg.Strict}, nil
}

func (f *NSFW) flagged(post *content.Post) bool {
	if post.NSFW() {
		return true
	}
	if !f.strict {
		return false
	}
	_, a := post.Raw["over_18"]
	_, b := post.Raw["is_nsfw"]
	return !a && !b
}

func (f *NSFW) Apply(post *content.Post) plugin.FilterResult {
	switch f.mode {
	case NSFWExclude:
		if f.flagged(post) {
			return plugin.Reject("nsfw post excluded")
		}
	case NSFWOnly:
		if !f.flagged(post) {
			return plugin.Reject("only nsfw posts allowed")
		}
	}
	return plugin.Pass()
}
