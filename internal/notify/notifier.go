package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"creatorforge/internal/domain"
	"creatorforge/internal/infra"
)

// Event is the payload posted to the configured webhook when a job
// reaches a terminal status or pauses for review.
type Event struct {
	JobID     string           `json:"job_id"`
	AccountID string           `json:"account_id"`
	Type      domain.JobType   `json:"type"`
	Status    domain.JobStatus `json:"status"`
	Progress  int              `json:"progress"`
	Error     string           `json:"error,omitempty"`
	At        time.Time        `json:"at"`
}

// Notifier delivers job lifecycle events. Implementations must not block
// the caller on delivery outcome.
type Notifier interface {
	JobChanged(ctx context.Context, job *domain.Job)
}

// NopNotifier discards all events. Used when no webhook URL is configured.
type NopNotifier struct{}

func (NopNotifier) JobChanged(ctx context.Context, job *domain.Job) {}

// WebhookNotifier posts events to a single webhook URL, fire and forget.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger infra.Logger
}

func NewWebhookNotifier(url string, client *http.Client, logger infra.Logger) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, client: client, logger: logger}
}

func (n *WebhookNotifier) JobChanged(ctx context.Context, job *domain.Job) {
	ev := Event{
		JobID:     job.ID,
		AccountID: job.AccountID,
		Type:      job.Type,
		Status:    job.Status,
		Progress:  job.Progress,
		Error:     job.ErrorMessage,
		At:        time.Now().UTC(),
	}
	go n.deliver(ev)
}

func (n *WebhookNotifier) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	body, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error().Err(err).Msg("notify: encode event")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Error().Err(err).Msg("notify: build request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn().Err(err).Str("job_id", ev.JobID).Msg("notify: webhook delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn().Int("status", resp.StatusCode).Str("job_id", ev.JobID).Msg("notify: webhook rejected event")
	}
}

var (
	_ Notifier = NopNotifier{}
	_ Notifier = (*WebhookNotifier)(nil)
)
