package handlers

import (
	"bytes"
	"fmt"
	"path"
	"regexp"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/p-blackswan/harvester/internal/content"
	herrors "github.com/p-blackswan/harvester/internal/errors"
	"github.com/p-blackswan/harvester/internal/scheduler"
)

// DefaultTemplate lays files out per community.
const DefaultTemplate = "{{.Community}}/{{.ID}}{{.Suffix}}{{.Ext}}"

const maxSegment = 120

// NameData is what a filename template sees. String fields are already
// safe to use as path segments.
type NameData struct {
	ID          string
	Community   string
	Author      string
	Title       string
	ContentType string
	Date        string // 2006-01-02, or "undated"
	Suffix      string // "_01" for the first gallery image, "_poll" for sidecars
	Ext         string // with leading dot
}

// Namer renders destination paths relative to the output dir.
type Namer struct {
	tmpl *template.Template
}

// NewNamer parses a filename template. An empty template uses DefaultTemplate.
func NewNamer(text string) (*Namer, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultTemplate
	}
	tmpl, err := template.New("filename").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, herrors.NewValidationError("filename template", "", err.Error())
	}
	return &Namer{tmpl: tmpl}, nil
}

// Render returns a slash-separated relative path for post. The extension is
// appended when the template does not render it.
func (n *Namer) Render(post *content.Post, contentType, suffix, ext string) (string, error) {
	date := "undated"
	if t := post.Created(); !t.IsZero() {
		date = t.Format("2006-01-02")
	}
	data := NameData{
		ID:          sanitizeSegment(post.ID, "item"),
		Community:   sanitizeSegment(post.Community, "unknown"),
		Author:      sanitizeSegment(post.Author, "unknown"),
		Title:       sanitizeSegment(post.Title, "untitled"),
		ContentType: sanitizeSegment(contentType, "unknown"),
		Date:        date,
		Suffix:      suffix,
		Ext:         ext,
	}
	var buf bytes.Buffer
	if err := n.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render filename: %w", err)
	}
	rendered := strings.ReplaceAll(buf.String(), "\\", "/")
	if ext != "" && !strings.HasSuffix(rendered, ext) {
		rendered += ext
	}

	var parts []string
	for _, seg := range strings.Split(rendered, "/") {
		seg = strings.TrimSpace(seg)
		if seg == "" || seg == "." {
			continue
		}
		if seg == ".." {
			return "", herrors.NewValidationError("filename template", "", fmt.Sprintf("%q escapes the output dir", rendered))
		}
		parts = append(parts, seg)
	}
	if len(parts) == 0 {
		return "", herrors.NewValidationError("filename template", "", "rendered an empty path")
	}
	return path.Join(parts...), nil
}

var unsafeChars = regexp.MustCompile(`[^\p{L}\p{N}._ -]+`)

// sanitizeSegment turns s into a single path segment.
func sanitizeSegment(s, fallback string) string {
	s = unsafeChars.ReplaceAllString(s, " ")
	s = strings.Join(strings.Fields(s), "_")
	s = strings.Trim(s, "._")
	if len(s) > maxSegment {
		s = s[:maxSegment]
		for len(s) > 0 && !utf8.ValidString(s) {
			s = s[:len(s)-1]
		}
	}
	if s == "" {
		return fallback
	}
	return s
}

// safePath resolves dest under root, rejecting escapes.
func safePath(root, dest string) (string, error) {
	return scheduler.ResolveDestination(root, dest)
}
