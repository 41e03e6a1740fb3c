package filters

import (
	"fmt"
	"strings"

	"github.com/p-blackswan/harvester/internal/content"
	herrors "github.com/p-blackswan/harvester/internal/errors"
	"github.com/p-blackswan/harvester/internal/plugin"
)

// DomainConfig restricts the domains a post may link to. Patterns are
// exact hosts or "*.example.com".
type DomainConfig struct {
	Allow           []string `yaml:"domains_allow"`
	Block           []string `yaml:"domains_block"`
	MatchSubdomains *bool    `yaml:"match_subdomains"`
	SelfPosts       string   `yaml:"self_posts_action"` // allow | block
}

// Domain admits posts by the host of their primary URL.
type Domain struct {
	allow      []string
	block      []string
	subdomains bool
	blockSelf  bool
}

// NewDomain normalizes the domain lists.
func NewDomain(cfg DomainConfig) (*Domain, error) {
	f := &Domain{
		allow:      normalizeDomains(cfg.Allow),
		block:      normalizeDomains(cfg.Block),
		subdomains: boolOr(cfg.MatchSubdomains, true),
	}
	switch strings.ToLower(cfg.SelfPosts) {
	case "", "allow":
	case "block":
		f.blockSelf = true
	default:
		return nil, herrors.NewValidationError("domain filter", "self_posts_action",
			fmt.Sprintf("%q is not allow or block", cfg.SelfPosts))
	}
	return f, nil
}

func normalizeDomains(in []string) []string {
	out := make([]string, 0, len(in))
	for _, d := range in {
		d = strings.ToLower(strings.TrimSpace(d))
		d = strings.TrimPrefix(d, "www.")
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

func (f *Domain) matches(host, pattern string) bool {
	if host == pattern {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == suffix || (f.subdomains && strings.HasSuffix(host, "."+suffix))
	}
	return f.subdomains && strings.HasSuffix(host, "."+pattern)
}

func (f *Domain) firstMatch(host string, list []string) string {
	for _, p := range list {
		if f.matches(host, p) {
			return p
		}
	}
	return ""
}

func (f *Domain) Apply(post *content.Post) plugin.FilterResult {
	if post.IsSelf {
		if f.blockSelf {
			return plugin.Reject("self post blocked")
		}
		return plugin.Pass()
	}
	host := post.Host()
	if host == "" {
		if len(f.allow) > 0 {
			return plugin.Reject("no domain to match against allow list")
		}
		return plugin.Pass()
	}
	if p := f.firstMatch(host, f.block); p != "" {
		return plugin.Reject(fmt.Sprintf("domain %s blocked by %s", host, p))
	}
	if len(f.allow) > 0 && f.firstMatch(host, f.allow) == "" {
		return plugin.Reject(fmt.Sprintf("domain %s not in allow list", host))
	}
	return plugin.Pass()
}
