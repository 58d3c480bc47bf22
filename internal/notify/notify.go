// Package notify delivers failure and gap messages to operators.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/livinlefevreloca/cadence/internal/config"
)

// Notifier sends a plain-text message about a pipeline.
type Notifier interface {
	Notify(ctx context.Context, cfg *config.Pipeline, message string) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, cfg *config.Pipeline, message string) error

func (f Func) Notify(ctx context.Context, cfg *config.Pipeline, message string) error {
	return f(ctx, cfg, message)
}

// Noop discards every message.
type Noop struct{}

func (Noop) Notify(context.Context, *config.Pipeline, string) error { return nil }

// Multi sends each message to every notifier. One failing channel does not
// stop delivery to the others; the failures are combined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, cfg *config.Pipeline, message string) error {
	var combined error
	for _, n := range m {
		if err := n.Notify(ctx, cfg, message); err != nil {
			combined = errors.CombineErrors(combined, err)
		}
	}
	return combined
}

// Safe wraps a notifier so that errors and panics are logged and never reach
// the caller.
type Safe struct {
	inner   Notifier
	timeout time.Duration
	logger  *slog.Logger
}

// NewSafe wraps inner. A positive timeout bounds each delivery.
func NewSafe(inner Notifier, timeout time.Duration, logger *slog.Logger) *Safe {
	return &Safe{inner: inner, timeout: timeout, logger: logger}
}

// Notify always returns nil.
func (s *Safe) Notify(ctx context.Context, cfg *config.Pipeline, message string) (err error) {
	pipeline := ""
	if cfg != nil {
		pipeline = cfg.Name
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("notifier panic recovered", "pipeline", pipeline, "panic", r)
		}
		err = nil
	}()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if err := s.inner.Notify(ctx, cfg, message); err != nil {
		s.logger.Error("notification failed", "pipeline", pipeline, "error", err)
	}
	return nil
}

// FromConfig builds the notifier for every configured channel. With no
// channel configured messages are only logged.
func FromConfig(cfg config.NotifyConfig, logger *slog.Logger) Notifier {
	var channels Multi
	if cfg.Slack.WebhookURL != "" {
		channels = append(channels, NewSlack(cfg.Slack))
	}
	if cfg.Webhook.URL != "" {
		channels = append(channels, NewWebhook(cfg.Webhook, logger))
	}
	if cfg.SMTP.Host != "" {
		channels = append(channels, NewSMTP(cfg.SMTP))
	}
	channels = append(channels, NewLog(logger))
	return NewSafe(channels, cfg.Timeout, logger)
}

// Log writes messages to the logger at WARN.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, cfg *config.Pipeline, message string) error {
	l.logger.Warn("pipeline notification", "pipeline", cfg.Name, "message", message)
	return nil
}
