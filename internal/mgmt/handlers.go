package mgmt

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/harvester/internal/content"
	herrors "github.com/p-blackswan/harvester/internal/errors"
	"github.com/p-blackswan/harvester/internal/pipeline"
	"github.com/p-blackswan/harvester/internal/plugin"
	"github.com/p-blackswan/harvester/internal/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// SessionStore is the read side of the state store the API exposes.
type SessionStore interface {
	ListSessions(ctx context.Context, f store.SessionFilter) ([]*store.Session, error)
	GetSession(ctx context.Context, id string) (*store.Session, error)
	ResumeState(ctx context.Context, id string) (*store.ResumeState, error)
	AllMetadata(ctx context.Context, sessionID string) (map[string]any, error)
	ListItems(ctx context.Context, sessionID string, f store.ItemFilter) ([]*store.Item, error)
	ListDownloads(ctx context.Context, sessionID string, f store.DownloadFilter) ([]*store.Download, error)
}

// Exporter re-runs the export stage of a session.
type Exporter interface {
	Export(ctx context.Context, sessionID string) (*pipeline.ExportReport, error)
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	store    SessionStore
	exporter Exporter
	registry *plugin.Registry
	logger   zerolog.Logger
}

// NewHandlers creates a new Handlers instance. exporter and registry may be
// nil, which disables re-export and plugin listing.
func NewHandlers(st SessionStore, exporter Exporter, registry *plugin.Registry, logger zerolog.Logger) *Handlers {
	return &Handlers{
		store:    st,
		exporter: exporter,
		registry: registry,
		logger:   logger.With().Str("component", "handlers").Logger(),
	}
}

func limit(c *fiber.Ctx) int {
	n := c.QueryInt("limit", defaultLimit)
	if n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

// storeError maps store errors onto problem responses.
func storeError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, herrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", err.Error())
	case errors.Is(err, herrors.ErrValidation):
		return problemResponse(c, fiber.StatusBadRequest, "invalid_request", "Bad Request", err.Error())
	}
	return err
}

// ListSessions handles GET /api/v1/sessions.
func (h *Handlers) ListSessions(c *fiber.Ctx) error {
	q := ListSessionsQuery{
		Status: c.Query("status"),
		Kind:   c.Query("kind"),
		Limit:  limit(c),
	}
	sessions, err := h.store.ListSessions(c.UserContext(), store.SessionFilter{
		Status: store.SessionStatus(q.Status),
		Kind:   content.TargetKind(q.Kind),
		Limit:  q.Limit,
	})
	if err != nil {
		return storeError(c, err)
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	return c.JSON(SessionListResponse{Sessions: sessions, Total: len(sessions)})
}

// GetSession handles GET /api/v1/sessions/:id.
func (h *Handlers) GetSession(c *fiber.Ctx) error {
	ctx := c.UserContext()
	id := c.Params("id")
	rs, err := h.store.ResumeState(ctx, id)
	if err != nil {
		return storeError(c, err)
	}
	meta, err := h.store.AllMetadata(ctx, id)
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(SessionDetailResponse{Session: rs.Session, Resume: rs, Metadata: meta})
}

// ListItems handles GET /api/v1/sessions/:id/items.
func (h *Handlers) ListItems(c *fiber.Ctx) error {
	ctx := c.UserContext()
	id := c.Params("id")
	if _, err := h.store.GetSession(ctx, id); err != nil {
		return storeError(c, err)
	}
	q := ListItemsQuery{Status: c.Query("status"), Limit: limit(c)}
	switch store.ItemStatus(q.Status) {
	case "", store.ItemPending, store.ItemProcessed, store.ItemSkipped, store.ItemFailed:
	default:
		return problemResponse(c, fiber.StatusBadRequest, "invalid_status", "Bad Request",
			"Unknown item status: "+q.Status)
	}
	items, err := h.store.ListItems(ctx, id, store.ItemFilter{Status: store.ItemStatus(q.Status), Limit: q.Limit})
	if err != nil {
		return storeError(c, err)
	}
	if items == nil {
		items = []*store.Item{}
	}
	return c.JSON(ItemListResponse{Items: items, Total: len(items)})
}

// ListDownloads handles GET /api/v1/sessions/:id/downloads.
func (h *Handlers) ListDownloads(c *fiber.Ctx) error {
	ctx := c.UserContext()
	id := c.Params("id")
	if _, err := h.store.GetSession(ctx, id); err != nil {
		return storeError(c, err)
	}
	q := ListDownloadsQuery{Status: c.Query("status"), ItemID: c.Query("item_id"), Limit: limit(c)}
	switch store.DownloadStatus(q.Status) {
	case "", store.DownloadPending, store.DownloadDownloading, store.DownloadCompleted, store.DownloadFailed:
	default:
		return problemResponse(c, fiber.StatusBadRequest, "invalid_status", "Bad Request",
			"Unknown download status: "+q.Status)
	}
	downloads, err := h.store.ListDownloads(ctx, id, store.DownloadFilter{
		ItemID: q.ItemID,
		Status: store.DownloadStatus(q.Status),
		Limit:  q.Limit,
	})
	if err != nil {
		return storeError(c, err)
	}
	if downloads == nil {
		downloads = []*store.Download{}
	}
	return c.JSON(DownloadListResponse{Downloads: downloads, Total: len(downloads)})
}

// ExportSession handles POST /api/v1/sessions/:id/export. Exporter
// failures are part of the report, so a partially failed export still
// answers 200.
func (h *Handlers) ExportSession(c *fiber.Ctx) error {
	if h.exporter == nil {
		return problemResponse(c, fiber.StatusServiceUnavailable, "export_unavailable",
			"Service Unavailable", "No exporter configured")
	}
	id := c.Params("id")
	report, err := h.exporter.Export(c.UserContext(), id)
	if err != nil {
		return storeError(c, err)
	}
	h.logger.Info().Str("session_id", id).Int("records", report.Records).
		Int("failed_exporters", len(report.Failed())).Msg("Session re-exported")
	return c.JSON(ExportResponse{Report: report})
}

// ListPlugins handles GET /api/v1/plugins.
func (h *Handlers) ListPlugins(c *fiber.Ctx) error {
	resp := PluginListResponse{Plugins: []plugin.Info{}, Conflicts: []plugin.Conflict{}}
	if h.registry != nil {
		resp.Plugins = append(resp.Plugins, h.registry.Plugins()...)
		resp.Conflicts = append(resp.Conflicts, h.registry.Conflicts()...)
	}
	return c.JSON(resp)
}
