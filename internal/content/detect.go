package content

import "strings"

// Content types recognised by the built-in handlers.
const (
	TypeImage     = "image"
	TypeVideo     = "video"
	TypeGallery   = "gallery"
	TypePoll      = "poll"
	TypeText      = "text"
	TypeExternal  = "external"
	TypeCrosspost = "crosspost"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".bmp": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".webm": true, ".mov": true, ".mkv": true, ".gifv": true,
}

var imageHosts = map[string]bool{
	"i.redd.it": true, "i.imgur.com": true, "preview.redd.it": true,
}

var videoHosts = map[string]bool{
	"v.redd.it": true, "gfycat.com": true, "redgifs.com": true, "streamable.com": true,
}

// IsImageURL reports whether rawURL points at an image by extension.
func IsImageURL(rawURL string) bool { return imageExts[Extension(rawURL)] }

// IsVideoURL reports whether rawURL points at a video by extension.
func IsVideoURL(rawURL string) bool { return videoExts[Extension(rawURL)] }

// DetectContentType classifies a post. An explicit content_type in the payload
// always wins; otherwise special types (crosspost, gallery, poll) take
// precedence over media, media over text, and everything else is external.
func DetectContentType(p *Post) string {
	if ct := strings.TrimSpace(strings.ToLower(p.ContentType)); ct != "" {
		return ct
	}
	switch {
	case p.CrosspostParentID != "":
		return TypeCrosspost
	case len(p.GalleryURLs) > 0 || p.PostType == TypeGallery:
		return TypeGallery
	case len(p.PollData) > 0 && string(p.PollData) != "null" || p.PostType == TypePoll:
		return TypePoll
	}

	if p.IsVideo {
		return TypeVideo
	}
	for _, u := range []string{p.MediaURL, p.URL} {
		if u == "" {
			continue
		}
		if IsVideoURL(u) {
			return TypeVideo
		}
		if IsImageURL(u) {
			return TypeImage
		}
	}
	host := p.Host()
	if videoHosts[host] {
		return TypeVideo
	}
	if imageHosts[host] {
		return TypeImage
	}
	if p.IsSelf || p.PostType == TypeText {
		return TypeText
	}
	return TypeExternal
}
