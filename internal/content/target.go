package content

import (
	"fmt"
	"strings"

	herrors "github.com/p-blackswan/harvester/internal/errors"
)

// TargetKind identifies what an archival session walks.
type TargetKind string

const (
	TargetUser       TargetKind = "user"
	TargetCommunity  TargetKind = "community"
	TargetDirectLink TargetKind = "direct-link"
)

// Target is one (kind, value) pair a session archives.
type Target struct {
	Kind  TargetKind `json:"kind"`
	Value string     `json:"value"`
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%s", t.Kind, t.Value)
}

// Validate checks the kind and value.
func (t Target) Validate() error {
	switch t.Kind {
	case TargetUser, TargetCommunity, TargetDirectLink:
	default:
		return herrors.NewValidationError("target", "kind", fmt.Sprintf("unknown kind %q", t.Kind))
	}
	if strings.TrimSpace(t.Value) == "" {
		return herrors.NewValidationError("target", "value", "must not be empty")
	}
	return nil
}

// ParseTarget accepts "user:NAME", "community:NAME", "direct-link:URL",
// the short forms "u/NAME" and "r/NAME", or a bare http(s) URL.
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	var t Target
	switch {
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		t = Target{Kind: TargetDirectLink, Value: s}
	case strings.HasPrefix(s, "u/"), strings.HasPrefix(s, "/u/"):
		t = Target{Kind: TargetUser, Value: s[strings.Index(s, "u/")+2:]}
	case strings.HasPrefix(s, "r/"), strings.HasPrefix(s, "/r/"):
		t = Target{Kind: TargetCommunity, Value: s[strings.Index(s, "r/")+2:]}
	default:
		kind, value, ok := strings.Cut(s, ":")
		if !ok {
			return Target{}, herrors.NewValidationError("target", "", fmt.Sprintf("cannot parse %q", s))
		}
		t = Target{Kind: TargetKind(strings.ToLower(kind)), Value: value}
	}
	t.Value = strings.TrimSpace(t.Value)
	if t.Kind != TargetDirectLink {
		t.Value = strings.Trim(t.Value, "/")
	}
	if err := t.Validate(); err != nil {
		return Target{}, err
	}
	return t, nil
}
