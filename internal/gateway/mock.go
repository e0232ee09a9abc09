// internal/gateway/mock.go
package gateway

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatch/internal/config"
)

// MockClient simulates a gateway that fails a share of messages.
type MockClient struct {
	mu          sync.Mutex
	rnd         *rand.Rand
	failureRate float64
	now         func() time.Time
}

func NewMockClient(failureRate float64) *MockClient {
	return &MockClient{
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		failureRate: failureRate,
		now:         time.Now,
	}
}

func (m *MockClient) SendBatch(ctx context.Context, msgs []Message) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]Result, 0, len(msgs))
	for _, msg := range msgs {
		if m.rnd.Float64() < m.failureRate {
			results = append(results, Failed{ID: msg.ID, ErrorCode: "mock_failure", ErrorMessage: "mock sending failed"})
			continue
		}
		results = append(results, Sent{ID: msg.ID, To: msg.To, Body: msg.Body, SentAt: m.now()})
	}
	return results, nil
}

// New picks the mock or HTTP client from cfg.
func New(cfg config.GatewayConfig, log zerolog.Logger) Client {
	if cfg.Mock {
		log.Warn().Float64("failure_rate", cfg.MockFailureRate).Msg("using mock sms gateway")
		return NewMockClient(cfg.MockFailureRate)
	}
	return NewHTTPClient(cfg.URL, cfg.APIKey, cfg.Timeout, log)
}
