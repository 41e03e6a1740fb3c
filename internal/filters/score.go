package filters

import (
	"fmt"

	"github.com/p-blackswan/harvester/internal/content"
	herrors "github.com/p-blackswan/harvester/internal/errors"
	"github.com/p-blackswan/harvester/internal/plugin"
)

// ScoreConfig bounds a post's score. Either bound may be omitted.
type ScoreConfig struct {
	MinScore *int `yaml:"min_score"`
	MaxScore *int `yaml:"max_score"`
}

// Score admits posts whose score lies within [min, max].
type Score struct {
	cfg ScoreConfig
}

// NewScore validates cfg and returns a score filter.
func NewScore(cfg ScoreConfig) (*Score, error) {
	if cfg.MinScore != nil && cfg.MaxScore != nil && *cfg.MinScore > *cfg.MaxScore {
		return nil, herrors.NewValidationError("score filter", "min_score",
			fmt.Sprintf("%d is greater than max_score %d", *cfg.MinScore, *cfg.MaxScore))
	}
	return &Score{cfg: cfg}, nil
}

func (f *Score) Apply(post *content.Post) plugin.FilterResult {
	if f.cfg.MinScore != nil && post.Score < *f.cfg.MinScore {
		return plugin.Reject(fmt.Sprintf("score %d below minimum %d", post.Score, *f.cfg.MinScore))
	}
	if f.cfg.MaxScore != nil && post.Score > *f.cfg.MaxScore {
		return plugin.Reject(fmt.Sprintf("score %d above maximum %d", post.Score, *f.cfg.MaxScore))
	}
	return plugin.Pass()
}
