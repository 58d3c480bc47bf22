package notify

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/slack-go/slack"

	"github.com/livinlefevreloca/cadence/internal/config"
)

// Slack posts to an incoming webhook.
type Slack struct {
	webhookURL string
	channel    string
	username   string
}

func NewSlack(cfg config.SlackConfig) *Slack {
	username := cfg.Username
	if username == "" {
		username = "cadence"
	}
	return &Slack{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		username:   username,
	}
}

func (s *Slack) Notify(ctx context.Context, cfg *config.Pipeline, message string) error {
	msg := &slack.WebhookMessage{
		Channel:  s.channel,
		Username: s.username,
		Text:     fmt.Sprintf("*%s*\n%s", cfg.Name, message),
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return errors.Wrap(err, "posting slack webhook")
	}
	return nil
}
