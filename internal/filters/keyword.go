package filters

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/p-blackswan/harvester/internal/content"
	herrors "github.com/p-blackswan/harvester/internal/errors"
	"github.com/p-blackswan/harvester/internal/plugin"
)

// KeywordConfig selects posts by words in the title and body.
type KeywordConfig struct {
	Include        []string `yaml:"keywords_include"`
	Exclude        []string `yaml:"keywords_exclude"`
	CaseSensitive  bool     `yaml:"case_sensitive"`
	WholeWords     bool     `yaml:"whole_words_only"`
	Regex          bool     `yaml:"regex_mode"`
	SearchTitle    *bool    `yaml:"search_title"`
	SearchSelftext *bool    `yaml:"search_selftext"`
}

// Keyword admits posts mentioning at least one include keyword and none of
// the exclude keywords.
type Keyword struct {
	include      []*regexp.Regexp
	exclude      []*regexp.Regexp
	includeWords []string
	title        bool
	selftext     bool
}

// NewKeyword compiles the keyword patterns.
func NewKeyword(cfg KeywordConfig) (*Keyword, error) {
	f := &Keyword{
		includeWords: cfg.Include,
		title:        boolOr(cfg.SearchTitle, true),
		selftext:     boolOr(cfg.SearchSelftext, true),
	}
	if !f.title && !f.selftext {
		return nil, herrors.NewValidationError("keyword filter", "search_title", "nothing to search")
	}
	var err error
	if f.include, err = compileKeywords(cfg.Include, cfg, "keywords_include"); err != nil {
		return nil, err
	}
	if f.exclude, err = compileKeywords(cfg.Exclude, cfg, "keywords_exclude"); err != nil {
		return nil, err
	}
	return f, nil
}

func compileKeywords(words []string, cfg KeywordConfig, field string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(words))
	for _, w := range words {
		if strings.TrimSpace(w) == "" {
			continue
		}
		expr := w
		if !cfg.Regex {
			expr = regexp.QuoteMeta(w)
		}
		if cfg.WholeWords {
			expr = `\b(?:` + expr + `)\b`
		}
		if !cfg.CaseSensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, herrors.NewValidationError("keyword filter", field, fmt.Sprintf("%q: %v", w, err))
		}
		out = append(out, re)
	}
	return out, nil
}

func (f *Keyword) Apply(post *content.Post) plugin.FilterResult {
	if len(f.include) == 0 && len(f.exclude) == 0 {
		return plugin.Pass()
	}
	var parts []string
	if f.title {
		parts = append(parts, post.Title)
	}
	if f.selftext {
		parts = append(parts, post.Selftext)
	}
	text := strings.Join(parts, "\n")

	if len(f.include) > 0 {
		matched := false
		for _, re := range f.include {
			if re.MatchString(text) {
				matched = true
				break
			}
		}
		if !matched {
			return plugin.Reject(fmt.Sprintf("none of the keywords %s found", strings.Join(f.includeWords, ", ")))
		}
	}
	for _, re := range f.exclude {
		if m := re.FindString(text); m != "" {
			return plugin.Reject(fmt.Sprintf("excluded keyword %q found", m))
		}
	}
	return plugin.Pass()
}
