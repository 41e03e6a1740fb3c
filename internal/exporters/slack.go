package exporters

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	herrors "github.com/p-blackswan/harvester/internal/errors"
	"github.com/p-blackswan/harvester/internal/plugin"
)

// SlackConfig configures the slack exporter.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	IconEmoji  string `yaml:"icon_emoji"`
	// MaxItems caps how many items are listed in the message. Defaults to 10.
	MaxItems int `yaml:"max_items"`
}

// Slack posts a run summary to an incoming webhook.
type Slack struct {
	cfg    SlackConfig
	client *http.Client
	logger zerolog.Logger
}

// NewSlack validates the webhook URL.
func NewSlack(cfg SlackConfig, client *http.Client, logger zerolog.Logger) (*Slack, error) {
	if !strings.HasPrefix(cfg.WebhookURL, "https://") && !strings.HasPrefix(cfg.WebhookURL, "http://") {
		return nil, herrors.NewValidationError("slack exporter", "webhook_url", "must be an http(s) URL")
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 10
	}
	return &Slack{cfg: cfg, client: client, logger: logger}, nil
}

func (e *Slack) Format() string { return "slack" }

func (e *Slack) Export(ctx context.Context, batch *plugin.ExportBatch) error {
	msg := &slack.WebhookMessage{
		Channel:   e.cfg.Channel,
		Username:  e.cfg.Username,
		IconEmoji: e.cfg.IconEmoji,
		Text:      summaryText(batch),
		Blocks:    &slack.Blocks{BlockSet: e.blocks(batch)},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, e.cfg.WebhookURL, e.client, msg); err != nil {
		return herrors.Transient("post slack webhook", err)
	}
	e.logger.Debug().Str("session_id", batch.Session.ID).Msg("Run summary posted to Slack")
	return nil
}

func summaryText(batch *plugin.ExportBatch) string {
	s := batch.Session
	return fmt.Sprintf("Archive of %s:%s: %d items exported (%s)", s.Target.Kind, s.Target.Value, len(batch.Records), s.Status)
}

func (e *Slack) blocks(batch *plugin.ExportBatch) []slack.Block {
	s := batch.Session
	c := s.Counters
	blocks := []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject("plain_text", fmt.Sprintf("Archive: %s:%s", s.Target.Kind, s.Target.Value), false, false),
		),
		slack.NewSectionBlock(nil, []*slack.TextBlockObject{
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Status:* %s", s.Status), false, false),
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Items exported:* %d", len(batch.Records)), false, false),
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Processed / skipped / failed:* %d / %d / %d",
				c["processed_posts"], c["skipped_posts"], c["failed_posts"]), false, false),
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Downloads ok / failed:* %d / %d",
				c["successful_downloads"], c["failed_downloads"]), false, false),
		}, nil),
		slack.NewDividerBlock(),
	}

	limit := e.cfg.MaxItems
	if len(batch.Records) < limit {
		limit = len(batch.Records)
	}
	for _, rec := range batch.Records[:limit] {
		title := rec.ItemID
		if rec.Post != nil && rec.Post.Title != "" {
			title = rec.Post.Title
		}
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("• `%s` %s", rec.ContentType, title), false, false),
			nil, nil,
		))
	}
	if len(batch.Records) > limit {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("_...and %d more items_", len(batch.Records)-limit), false, false),
			nil, nil,
		))
	}
	return blocks
}
