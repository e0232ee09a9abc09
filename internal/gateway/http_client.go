// internal/gateway/http_client.go
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type resultItem struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	To           string     `json:"to"`
	Body         string     `json:"body"`
	SentAt       *time.Time `json:"sent_at"`
	DeliveredAt  *time.Time `json:"delivered_at"`
	ErrorCode    string     `json:"error_code"`
	ErrorMessage string     `json:"error_message"`
}

type HTTPClient struct {
	url    string
	apiKey string
	client *http.Client
	log    zerolog.Logger
}

func NewHTTPClient(url, apiKey string, timeout time.Duration, log zerolog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
		log:    log.With().Str("component", "gateway").Logger(),
	}
}

// SendBatch posts the batch as JSON and decodes the per-message outcomes.
func (c *HTTPClient) SendBatch(ctx context.Context, msgs []Message) ([]Result, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	payload := struct {
		Messages []Message `json:"messages"`
	}{Messages: msgs}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("gateway http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Results []resultItem `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}

	results := make([]Result, 0, len(out.Results))
	for _, it := range out.Results {
		r, ok := it.toResult()
		if !ok {
			c.log.Warn().Str("message_id", it.ID).Str("status", it.Status).Msg("unknown gateway status, dropping outcome")
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

func (it resultItem) toResult() (Result, bool) {
	switch it.Status {
	case "sent":
		return Sent{ID: it.ID, To: it.To, Body: it.Body, SentAt: deref(it.SentAt)}, true
	case "delivered":
		return Delivered{
			ID:          it.ID,
			To:          it.To,
			Body:        it.Body,
			SentAt:      deref(it.SentAt),
			DeliveredAt: deref(it.DeliveredAt),
		}, true
	case "failed":
		return Failed{ID: it.ID, ErrorCode: it.ErrorCode, ErrorMessage: it.ErrorMessage}, true
	default:
		return nil, false
	}
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
