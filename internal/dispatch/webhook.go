package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/uarflow/internal/circuitbreaker"
	"github.com/lalithlochan/uarflow/internal/metrics"
)

// Payload is the JSON body posted to the notification webhook.
type Payload struct {
	RecipientEmail   string `json:"recipientEmail"`
	RecipientTeamsID string `json:"recipientTeamsId"`
	CCEmail          string `json:"ccEmail"`
	EmailSubject     string `json:"emailSubject"`
	EmailBodyCode    string `json:"emailBodyCode"`
	TeamsSubject     string `json:"teamsSubject"`
	TeamsBodyCode    string `json:"teamsBodyCode"`
	ItemCode         string `json:"itemCode"`
	RequestID        string `json:"requestId"`
	DueDate          string `json:"dueDate"`
	TaskCount        int    `json:"taskCount"`
}

// WebhookClient posts payloads through a circuit breaker. Every post is a
// single attempt.
type WebhookClient struct {
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

type WebhookConfig struct {
	Timeout time.Duration
}

func NewWebhookClient(cfg WebhookConfig, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *WebhookClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebhookClient{
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger,
	}
}

// Post sends p to url. Any non-2xx response is an error.
func (c *WebhookClient) Post(ctx context.Context, url string, p *Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "uarflow/1.0")
		req.Header.Set("X-Request-ID", p.RequestID)

		start := time.Now()
		resp, err := c.client.Do(req)
		metrics.RecordWebhookLatency(time.Since(start))
		if err != nil {
			return fmt.Errorf("webhook request failed: %w", err)
		}
		defer resp.Body.Close()

		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview))
		}

		c.logger.Debug("webhook delivered",
			zap.String("request_id", p.RequestID),
			zap.String("item_code", p.ItemCode),
			zap.Int("status_code", resp.StatusCode),
		)
		return nil
	})
}
