package handlers

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	mdbase "github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/p-blackswan/harvester/internal/content"
	"github.com/p-blackswan/harvester/internal/plugin"
)

// TextConfig configures the text handler.
type TextConfig struct {
	// OmitHeader drops the title and byline from the markdown file.
	OmitHeader bool `yaml:"omit_header"`
}

// Text saves a self post as a markdown file. HTML bodies are sanitized
// and converted; plain bodies are written as they are.
type Text struct {
	base
	cfg       TextConfig
	policy    *bluemonday.Policy
	converter *converter.Converter
}

// NewText creates a text handler.
func NewText(b base, cfg TextConfig) *Text {
	return &Text{
		base:   b,
		cfg:    cfg,
		policy: bluemonday.UGCPolicy(),
		converter: converter.NewConverter(
			converter.WithPlugins(
				mdbase.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

func (h *Text) CanHandle(contentType string, post *content.Post) bool {
	return h.handles(contentType)
}

func (h *Text) Handle(ctx context.Context, req *plugin.HandleRequest) (*plugin.Result, error) {
	body, err := h.Body(req.Post)
	if err != nil {
		return nil, err
	}
	doc := h.render(req.Post, body)

	dest, err := h.namer.Render(req.Post, req.ContentType, "", ".md")
	if err != nil {
		return nil, err
	}
	a, err := h.write(req, dest, []byte(doc))
	if err != nil {
		return nil, err
	}
	res := h.result(a)
	res.Data = map[string]any{"words": len(strings.Fields(body))}
	return res, nil
}

// Body returns the post body as markdown.
func (h *Text) Body(post *content.Post) (string, error) {
	if strings.TrimSpace(post.SelftextHTML) == "" {
		return strings.TrimSpace(post.Selftext), nil
	}
	clean := h.policy.Sanitize(html.UnescapeString(post.SelftextHTML))
	md, err := h.converter.ConvertString(clean)
	if err != nil {
		return "", fmt.Errorf("convert %s body: %w", post.ID, err)
	}
	return strings.TrimSpace(md), nil
}

func (h *Text) render(post *content.Post, body string) string {
	var b strings.Builder
	if !h.cfg.OmitHeader {
		title := post.Title
		if title == "" {
			title = post.ID
		}
		fmt.Fprintf(&b, "# %s\n\n", title)
		var byline []string
		if post.Author != "" {
			byline = append(byline, "u/"+post.Author)
		}
		if post.Community != "" {
			byline = append(byline, "r/"+post.Community)
		}
		if t := post.Created(); !t.IsZero() {
			byline = append(byline, t.Format(time.RFC3339))
		}
		if len(byline) > 0 {
			fmt.Fprintf(&b, "*%s*\n\n", strings.Join(byline, " · "))
		}
	}
	if body != "" {
		b.WriteString(body)
		b.WriteString("\n")
	}
	if post.Permalink != "" && !h.cfg.OmitHeader {
		fmt.Fprintf(&b, "\n[permalink](%s)\n", post.Permalink)
	}
	return b.String()
}
