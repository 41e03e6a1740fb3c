// Package mgmt provides the management API of the harvester: probes,
// Prometheus metrics, read access to sessions and re-export.
package mgmt

import (
	"github.com/p-blackswan/harvester/internal/pipeline"
	"github.com/p-blackswan/harvester/internal/plugin"
	"github.com/p-blackswan/harvester/internal/store"
)

// --- Query DTOs ---

// ListSessionsQuery holds query parameters for GET /api/v1/sessions.
type ListSessionsQuery struct {
	Status string `query:"status"`
	Kind   string `query:"kind"`
	Limit  int    `query:"limit"`
}

// ListItemsQuery holds query parameters for GET /api/v1/sessions/:id/items.
type ListItemsQuery struct {
	Status string `query:"status"`
	Limit  int    `query:"limit"`
}

// ListDownloadsQuery holds query parameters for GET /api/v1/sessions/:id/downloads.
type ListDownloadsQuery struct {
	Status string `query:"status"`
	ItemID string `query:"item_id"`
	Limit  int    `query:"limit"`
}

// --- Response DTOs ---

// SessionListResponse wraps a list of sessions.
type SessionListResponse struct {
	Sessions []*store.Session `json:"sessions"`
	Total    int              `json:"total"`
}

// SessionDetailResponse is the response for GET /api/v1/sessions/:id.
type SessionDetailResponse struct {
	Session  *store.Session     `json:"session"`
	Resume   *store.ResumeState `json:"resume"`
	Metadata map[string]any     `json:"metadata"`
}

// ItemListResponse wraps a list of items.
type ItemListResponse struct {
	Items []*store.Item `json:"items"`
	Total int           `json:"total"`
}

// DownloadListResponse wraps a list of downloads.
type DownloadListResponse struct {
	Downloads []*store.Download `json:"downloads"`
	Total     int               `json:"total"`
}

// ExportResponse is the response for POST /api/v1/sessions/:id/export.
type ExportResponse struct {
	Report *pipeline.ExportReport `json:"report"`
}

// PluginListResponse is the response for GET /api/v1/plugins.
type PluginListResponse struct {
	Plugins   []plugin.Info     `json:"plugins"`
	Conflicts []plugin.Conflict `json:"conflicts"`
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
