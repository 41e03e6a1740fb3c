package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/p-blackswan/harvester/internal/content"
	"github.com/p-blackswan/harvester/internal/plugin"
)

// Poll saves a poll post's options and results as a JSON sidecar.
type Poll struct {
	base
}

func (h *Poll) CanHandle(contentType string, post *content.Post) bool {
	return h.handles(contentType)
}

type pollDocument struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Author    string          `json:"author,omitempty"`
	Community string          `json:"community,omitempty"`
	Created   string          `json:"created,omitempty"`
	Permalink string          `json:"permalink,omitempty"`
	Poll      json.RawMessage `json:"poll"`
	Options   int             `json:"options"`
	Votes     int             `json:"total_votes"`
}

func (h *Poll) Handle(ctx context.Context, req *plugin.HandleRequest) (*plugin.Result, error) {
	p := req.Post
	poll := p.PollData
	if len(poll) == 0 {
		poll = json.RawMessage("null")
	}
	var summary struct {
		Options    []json.RawMessage `json:"options"`
		TotalVotes int               `json:"total_vote_count"`
	}
	_ = json.Unmarshal(poll, &summary)

	doc := pollDocument{
		ID:        p.ID,
		Title:     p.Title,
		Author:    p.Author,
		Community: p.Community,
		Created:   formatCreated(p),
		Permalink: p.Permalink,
		Poll:      poll,
		Options:   len(summary.Options),
		Votes:     summary.TotalVotes,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode poll %s: %w", p.ID, err)
	}
	dest, err := h.namer.Render(p, req.ContentType, "_poll", ".json")
	if err != nil {
		return nil, err
	}
	a, err := h.write(req, dest, data)
	if err != nil {
		return nil, err
	}
	res := h.result(a)
	res.Data = map[string]any{"options": doc.Options, "total_votes": doc.Votes}
	return res, nil
}

// ExternalConfig configures the external link handler.
type ExternalConfig struct {
	// NoDirectDownloads records direct media links without downloading them.
	NoDirectDownloads bool `yaml:"no_direct_downloads"`
}

// External records a link post as an internet shortcut file. Links that
// point straight at an image or video are also downloaded.
type External struct {
	base
	cfg ExternalConfig
}

func (h *External) CanHandle(contentType string, post *content.Post) bool {
	return h.handles(contentType) && post.URL != "" && !post.IsSelf
}

func (h *External) Handle(ctx context.Context, req *plugin.HandleRequest) (*plugin.Result, error) {
	p := req.Post
	dest, err := h.namer.Render(p, req.ContentType, "", ".url")
	if err != nil {
		return nil, err
	}
	shortcut := fmt.Sprintf("[InternetShortcut]\r\nURL=%s\r\n", p.URL)
	file, err := h.write(req, dest, []byte(shortcut))
	if err != nil {
		return nil, err
	}
	artifacts := []plugin.Artifact{{Kind: plugin.ArtifactLink, URL: p.URL}, file}

	if !h.cfg.NoDirectDownloads && (content.IsImageURL(p.URL) || content.IsVideoURL(p.URL)) {
		mediaDest, err := h.namer.Render(p, req.ContentType, "", mediaExt(p.URL, content.TypeImage))
		if err != nil {
			return nil, err
		}
		a, err := h.enqueue(ctx, req, p.URL, mediaDest)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	res := h.result(artifacts...)
	res.Data = map[string]any{"domain": p.Host()}
	return res, nil
}

// Crosspost records a crosspost with a reference to its parent post. The
// parent is archived on its own when it is discovered.
type Crosspost struct {
	base
}

func (h *Crosspost) CanHandle(contentType string, post *content.Post) bool {
	return h.handles(contentType) && post.CrosspostParentID != ""
}

type crosspostDocument struct {
	ID        string `json:"id"`
	ParentID  string `json:"crosspost_parent_id"`
	Title     string `json:"title"`
	Author    string `json:"author,omitempty"`
	Community string `json:"community,omitempty"`
	Created   string `json:"created,omitempty"`
	URL       string `json:"url,omitempty"`
	Permalink string `json:"permalink,omitempty"`
}

func (h *Crosspost) Handle(ctx context.Context, req *plugin.HandleRequest) (*plugin.Result, error) {
	p := req.Post
	data, err := json.MarshalIndent(crosspostDocument{
		ID:        p.ID,
		ParentID:  p.CrosspostParentID,
		Title:     p.Title,
		Author:    p.Author,
		Community: p.Community,
		Created:   formatCreated(p),
		URL:       p.URL,
		Permalink: p.Permalink,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode crosspost %s: %w", p.ID, err)
	}
	dest, err := h.namer.Render(p, req.ContentType, "_crosspost", ".json")
	if err != nil {
		return nil, err
	}
	a, err := h.write(req, dest, data)
	if err != nil {
		return nil, err
	}
	res := h.result(a)
	res.Data = map[string]any{"parent_id": p.CrosspostParentID}
	return res, nil
}

func formatCreated(p *content.Post) string {
	if t := p.Created(); !t.IsZero() {
		return t.Format(time.RFC3339)
	}
	return ""
}
