package filters

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/p-blackswan/harvester/internal/content"
	herrors "github.com/p-blackswan/harvester/internal/errors"
	"github.com/p-blackswan/harvester/internal/plugin"
)

// DateConfig bounds a post's creation time. Values are RFC 3339
// timestamps, plain dates (2006-01-02) or unix seconds.
type DateConfig struct {
	After  string `yaml:"date_after"`
	Before string `yaml:"date_before"`
}

// Date admits posts created in [after, before).
type Date struct {
	after  time.Time
	before time.Time
}

// NewDate parses the bounds.
func NewDate(cfg DateConfig) (*Date, error) {
	after, err := parseDate(cfg.After)
	if err != nil {
		return nil, herrors.NewValidationError("date filter", "date_after", err.Error())
	}
	before, err := parseDate(cfg.Before)
	if err != nil {
		return nil, herrors.NewValidationError("date filter", "date_before", err.Error())
	}
	if !after.IsZero() && !before.IsZero() && !after.Before(before) {
		return nil, herrors.NewValidationError("date filter", "date_after", "must be before date_before")
	}
	return &Date{after: after, before: before}, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q", s)
}

func (f *Date) Apply(post *content.Post) plugin.FilterResult {
	if f.after.IsZero() && f.before.IsZero() {
		return plugin.Pass()
	}
	created := post.Created()
	if created.IsZero() {
		return plugin.Reject("creation date unknown")
	}
	if !f.after.IsZero() && created.Before(f.after) {
		return plugin.Reject(fmt.Sprintf("created %s before %s", created.Format(time.RFC3339), f.after.Format(time.RFC3339)))
	}
	if !f.before.IsZero() && !created.Before(f.before) {
		return plugin.Reject(fmt.Sprintf("created %s not before %s", created.Format(time.RFC3339), f.before.Format(time.RFC3339)))
	}
	return plugin.Pass()
}
