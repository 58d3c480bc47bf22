package notify

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"

	"github.com/livinlefevreloca/cadence/internal/config"
	"github.com/livinlefevreloca/cadence/internal/errclass"
)

const webhookTimeout = 10 * time.Second

// WebhookPayload is the JSON body posted by Webhook.
type WebhookPayload struct {
	Pipeline string    `json:"pipeline"`
	Message  string    `json:"message"`
	SentAt   time.Time `json:"sent_at"`
}

// Webhook posts a JSON document to a URL, retrying 429 and 5xx responses.
type Webhook struct {
	client *resty.Client
	url    string
	policy errclass.RetryPolicy
	logger *slog.Logger
	now    func() time.Time
}

func NewWebhook(cfg config.WebhookConfig, logger *slog.Logger) *Webhook {
	client := resty.New().
		SetTimeout(webhookTimeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "cadence-notifier")
	if len(cfg.Headers) > 0 {
		client.SetHeaders(cfg.Headers)
	}

	policy := errclass.DefaultRetryPolicy()
	policy.MaxRetries = cfg.Retries

	return &Webhook{
		client: client,
		url:    cfg.URL,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// SetRetryPolicy overrides the retry policy.
func (w *Webhook) SetRetryPolicy(p errclass.RetryPolicy) {
	w.policy = p
}

func (w *Webhook) Notify(ctx context.Context, cfg *config.Pipeline, message string) error {
	body := WebhookPayload{Pipeline: cfg.Name, Message: message, SentAt: w.now().UTC()}

	err := errclass.Retry(ctx, w.policy, func(ctx context.Context) error {
		resp, err := w.client.R().SetContext(ctx).SetBody(body).Post(w.url)
		if err != nil {
			return errclass.AsTransient(errors.Wrap(err, "posting webhook"))
		}
		return classifyResponse(resp)
	}, func(err error, wait time.Duration) {
		w.logger.Warn("webhook delivery failed, retrying", "pipeline", cfg.Name, "wait", wait, "error", err)
	})
	if err != nil {
		return errors.Wrapf(err, "webhook %s", w.url)
	}
	return nil
}

// classifyResponse maps 429 and 5xx to transient errors and any other
// non-2xx status to a permanent one.
func classifyResponse(resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	err := errors.Newf("webhook returned %s", resp.Status())
	if code == http.StatusTooManyRequests || code >= 500 {
		return errclass.AsTransient(err)
	}
	return errclass.AsPermanent(err)
}
