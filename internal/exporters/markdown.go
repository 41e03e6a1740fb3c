package exporters

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/p-blackswan/harvester/internal/plugin"
)

// Markdown writes an index document grouping records by content type.
type Markdown struct {
	cfg FileConfig
}

func (e *Markdown) Format() string { return "markdown" }

func (e *Markdown) Export(ctx context.Context, batch *plugin.ExportBatch) error {
	var b strings.Builder
	s := batch.Session
	fmt.Fprintf(&b, "# Archive of %s:%s\n\n", s.Target.Kind, s.Target.Value)
	fmt.Fprintf(&b, "- Session: `%s`\n- Status: %s\n- Items: %d\n", s.ID, s.Status, len(batch.Records))
	if len(s.Counters) > 0 {
		keys := make([]string, 0, len(s.Counters))
		for k := range s.Counters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %d\n", strings.ReplaceAll(k, "_", " "), s.Counters[k])
		}
	}

	groups := map[string][]plugin.Record{}
	var types []string
	for _, rec := range batch.Records {
		if _, ok := groups[rec.ContentType]; !ok {
			types = append(types, rec.ContentType)
		}
		groups[rec.ContentType] = append(groups[rec.ContentType], rec)
	}
	sort.Strings(types)

	for _, ct := range types {
		fmt.Fprintf(&b, "\n## %s (%d)\n\n", ct, len(groups[ct]))
		for _, rec := range groups[ct] {
			b.WriteString(markdownLine(rec))
		}
	}
	return writeFile(batch, e.cfg, ".md", []byte(b.String()))
}

func markdownLine(rec plugin.Record) string {
	title := rec.ItemID
	link := ""
	author := ""
	if p := rec.Post; p != nil {
		if p.Title != "" {
			title = p.Title
		}
		link = p.Permalink
		if link == "" {
			link = p.URL
		}
		if p.Author != "" {
			author = " by u/" + p.Author
		}
	}
	title = strings.NewReplacer("[", "\\[", "]", "\\]", "\n", " ").Replace(title)

	var line string
	if link != "" {
		line = fmt.Sprintf("- [%s](%s)%s", title, link, author)
	} else {
		line = fmt.Sprintf("- %s%s", title, author)
	}
	var files []string
	for _, d := range rec.Downloads {
		if d.Status == "completed" && d.LocalPath != "" {
			files = append(files, fmt.Sprintf("`%s`", d.LocalPath))
		}
	}
	if rec.Result != nil {
		for _, a := range rec.Result.Artifacts {
			if a.Kind == plugin.ArtifactFile {
				files = append(files, fmt.Sprintf("`%s`", a.Path))
			}
		}
	}
	if len(files) > 0 {
		line += " - " + strings.Join(files, ", ")
	}
	return line + "\n"
}
