package plugin

import (
	"context"

	"github.com/p-blackswan/harvester/internal/content"
)

// Initializer is implemented by plugins that need setup after registration.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Cleaner is implemented by plugins that release resources at shutdown.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// FilterResult is a filter verdict.
type FilterResult struct {
	Passed bool
	Reason string
}

// Pass admits an item.
func Pass() FilterResult { return FilterResult{Passed: true} }

// Reject rejects an item with a reason.
func Reject(reason string) FilterResult { return FilterResult{Reason: reason} }

// Filter admits or rejects an item. Filters are pure predicates and must not
// mutate the post or any shared state.
type Filter interface {
	Apply(post *content.Post) FilterResult
}

// Enqueuer records downloads for the item being handled.
type Enqueuer interface {
	EnqueueDownload(ctx context.Context, url, destination string) (int64, error)
}

// HandleRequest is what a handler receives for one item.
type HandleRequest struct {
	ItemID      string
	SessionID   string
	ContentType string
	Post        *content.Post
	Payload     []byte
	OutputDir   string
	Downloads   Enqueuer
}

// Artifact kinds.
const (
	ArtifactDownload = "download" // asset enqueued for the scheduler
	ArtifactFile     = "file"     // file the handler wrote itself
	ArtifactLink     = "link"     // reference to content that is not archived
)

// Artifact is one thing a handler produced.
type Artifact struct {
	Kind       string `json:"kind"`
	Path       string `json:"path,omitempty"`
	URL        string `json:"url,omitempty"`
	DownloadID int64  `json:"download_id,omitempty"`
}

// Result is the structured outcome of handling one item.
type Result struct {
	Success   bool           `json:"success"`
	Handler   string         `json:"handler,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Handler processes items of the content types it supports.
type Handler interface {
	ContentTypes() []string
	CanHandle(contentType string, post *content.Post) bool
	Handle(ctx context.Context, req *HandleRequest) (*Result, error)
}

// SessionInfo describes the session an export belongs to.
type SessionInfo struct {
	ID       string         `json:"id"`
	Target   content.Target `json:"target"`
	Status   string         `json:"status"`
	Counters map[string]int `json:"counters"`
}

// DownloadRecord is the exported view of one download.
type DownloadRecord struct {
	ID        int64  `json:"id"`
	URL       string `json:"url"`
	Status    string `json:"status"`
	LocalPath string `json:"local_path,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Record is one processed item ready for export.
type Record struct {
	ItemID      string           `json:"item_id"`
	ContentType string           `json:"content_type"`
	Post        *content.Post    `json:"post"`
	Result      *Result          `json:"result,omitempty"`
	Downloads   []DownloadRecord `json:"downloads,omitempty"`
}

// ExportBatch is everything an exporter receives.
type ExportBatch struct {
	Session   SessionInfo `json:"session"`
	Records   []Record    `json:"records"`
	OutputDir string      `json:"-"`
}

// Exporter serializes an export batch to some destination.
type Exporter interface {
	Format() string
	Export(ctx context.Context, batch *ExportBatch) error
}

// Discovered is one item yielded by a scraper.
type Discovered struct {
	ID      string
	Payload []byte
}

// Scraper walks a target and yields discovered items. Returning an error
// from emit stops the walk with that error.
type Scraper interface {
	CanScrape(target content.Target) bool
	Scrape(ctx context.Context, target content.Target, emit func(Discovered) error) error
}
