// internal/gateway/gateway.go
package gateway

import (
	"context"
	"time"
)

// Message is one outbound SMS. ID is the caller's tracking id and comes back on the Result.
type Message struct {
	ID   string `json:"id"`
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Body string `json:"body"`
}

// Client sends a batch of messages in one call. A transport error means
// the whole batch failed; otherwise each message has at most one Result.
type Client interface {
	SendBatch(ctx context.Context, msgs []Message) ([]Result, error)
}

// Result is the per-message outcome. It is one of Sent, Delivered or Failed.
type Result interface {
	MessageID() string
	isResult()
}

type Sent struct {
	ID     string
	To     string
	Body   string
	SentAt time.Time
}

type Delivered struct {
	ID          string
	To          string
	Body        string
	SentAt      time.Time
	DeliveredAt time.Time
}

type Failed struct {
	ID           string
	ErrorCode    string
	ErrorMessage string
}

func (r Sent) MessageID() string      { return r.ID }
func (r Delivered) MessageID() string { return r.ID }
func (r Failed) MessageID() string    { return r.ID }

func (Sent) isResult()      {}
func (Delivered) isResult() {}
func (Failed) isResult()    {}

const CodeMissingOutcome = "missing_outcome"

// MatchResults returns one Result per message, in message order. A message
// the gateway did not report on is treated as Failed.
func MatchResults(msgs []Message, results []Result) []Result {
	byID := make(map[string]Result, len(results))
	for _, r := range results {
		if r == nil {
			continue
		}
		if _, seen := byID[r.MessageID()]; !seen {
			byID[r.MessageID()] = r
		}
	}

	out := make([]Result, len(msgs))
	for i, m := range msgs {
		if r, ok := byID[m.ID]; ok {
			out[i] = r
			continue
		}
		out[i] = Failed{
			ID:           m.ID,
			ErrorCode:    CodeMissingOutcome,
			ErrorMessage: "gateway returned no outcome for message",
		}
	}
	return out
}
