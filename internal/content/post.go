// Package content decodes opaque discovered payloads into a read-only post view
// and classifies them by content type.
package content

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// Post is the decoded view of a discovered item payload. Only the fields the
// built-in plugins need are typed; everything else stays in Raw.
type Post struct {
	ID                string          `json:"id"`
	Title             string          `json:"title"`
	Author            string          `json:"author"`
	Community         string          `json:"subreddit"`
	URL               string          `json:"url"`
	MediaURL          string          `json:"media_url"`
	Permalink         string          `json:"permalink"`
	Domain            string          `json:"domain"`
	Score             int             `json:"score"`
	NumComments       int             `json:"num_comments"`
	Over18            bool            `json:"over_18"`
	IsNSFW            bool            `json:"is_nsfw"`
	IsSelf            bool            `json:"is_self"`
	IsVideo           bool            `json:"is_video"`
	Selftext          string          `json:"selftext"`
	SelftextHTML      string          `json:"selftext_html"`
	CreatedUTC        float64         `json:"created_utc"`
	GalleryURLs       []string        `json:"gallery_image_urls"`
	PollData          json.RawMessage `json:"poll_data"`
	CrosspostParentID string          `json:"crosspost_parent_id"`
	PostType          string          `json:"post_type"`
	ContentType       string          `json:"content_type"`

	Raw map[string]any `json:"-"`
}

// Decode parses a payload. The payload must be a JSON object.
func Decode(payload []byte) (*Post, error) {
	var p Post
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode post payload: %w", err)
	}
	if err := json.Unmarshal(payload, &p.Raw); err != nil {
		return nil, fmt.Errorf("decode post payload: %w", err)
	}
	return &p, nil
}

// NSFW reports whether the post is flagged not-safe-for-work.
func (p *Post) NSFW() bool {
	return p.Over18 || p.IsNSFW
}

// Created returns the creation time, or the zero time when unknown.
func (p *Post) Created() time.Time {
	if p.CreatedUTC <= 0 {
		return time.Time{}
	}
	sec := int64(p.CreatedUTC)
	return time.Unix(sec, 0).UTC()
}

// PrimaryURL returns the media URL when present, otherwise the link URL.
func (p *Post) PrimaryURL() string {
	if p.MediaURL != "" {
		return p.MediaURL
	}
	return p.URL
}

// Host returns the lower-cased domain of the post's primary URL, falling back
// to the declared domain.
func (p *Post) Host() string {
	if u, err := url.Parse(p.PrimaryURL()); err == nil && u.Host != "" {
		return strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	}
	return strings.ToLower(strings.TrimPrefix(p.Domain, "www."))
}

// Extension returns the lower-cased file extension of a URL path, including the dot.
func Extension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(path.Ext(u.Path))
}

// Field returns a top-level raw payload value rendered as a string.
func (p *Post) Field(name string) string {
	v, ok := p.Raw[name]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
