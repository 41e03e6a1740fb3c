package handlers

import (
	"context"
	"fmt"

	"github.com/p-blackswan/harvester/internal/content"
	"github.com/p-blackswan/harvester/internal/plugin"
)

// MediaConfig configures the media handler.
type MediaConfig struct {
	// SkipVideo leaves video posts as link artifacts instead of downloading them.
	SkipVideo bool `yaml:"skip_video"`
}

// Media downloads the single asset of an image or video post.
type Media struct {
	base
	cfg MediaConfig
}

func (h *Media) CanHandle(contentType string, post *content.Post) bool {
	return h.handles(contentType) && post.PrimaryURL() != ""
}

func (h *Media) Handle(ctx context.Context, req *plugin.HandleRequest) (*plugin.Result, error) {
	url := req.Post.PrimaryURL()
	if req.ContentType == content.TypeVideo && h.cfg.SkipVideo {
		return h.result(plugin.Artifact{Kind: plugin.ArtifactLink, URL: url}), nil
	}
	dest, err := h.namer.Render(req.Post, req.ContentType, "", mediaExt(url, req.ContentType))
	if err != nil {
		return nil, err
	}
	a, err := h.enqueue(ctx, req, url, dest)
	if err != nil {
		return nil, err
	}
	return h.result(a), nil
}

// mediaExt returns the URL's extension, or a default for the content type.
func mediaExt(url, contentType string) string {
	ext := content.Extension(url)
	switch ext {
	case ".gifv":
		return ".mp4"
	case "":
		if contentType == content.TypeVideo {
			return ".mp4"
		}
		return ".jpg"
	}
	return ext
}

// GalleryConfig configures the gallery handler.
type GalleryConfig struct {
	MaxImages int `yaml:"max_images"`
}

// Gallery downloads every image of a gallery post with an indexed suffix.
type Gallery struct {
	base
	cfg GalleryConfig
}

func (h *Gallery) CanHandle(contentType string, post *content.Post) bool {
	return h.handles(contentType) && len(post.GalleryURLs) > 0
}

func (h *Gallery) Handle(ctx context.Context, req *plugin.HandleRequest) (*plugin.Result, error) {
	urls := req.Post.GalleryURLs
	if h.cfg.MaxImages > 0 && len(urls) > h.cfg.MaxImages {
		urls = urls[:h.cfg.MaxImages]
	}
	width := len(fmt.Sprint(len(urls)))
	if width < 2 {
		width = 2
	}
	artifacts := make([]plugin.Artifact, 0, len(urls))
	for i, url := range urls {
		suffix := fmt.Sprintf("_%0*d", width, i+1)
		dest, err := h.namer.Render(req.Post, req.ContentType, suffix, mediaExt(url, content.TypeImage))
		if err != nil {
			return nil, err
		}
		a, err := h.enqueue(ctx, req, url, dest)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	res := h.result(artifacts...)
	res.Data = map[string]any{"images": len(artifacts), "total": len(req.Post.GalleryURLs)}
	return res, nil
}
