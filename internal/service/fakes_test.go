package service_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/gateway"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// --- Store ---

type recordKey struct {
	campaignID int
	customerID int
}

type fakeStore struct {
	mu         sync.Mutex
	campaigns  map[int]*model.Campaign
	recipients map[int][]model.Customer
	records    map[recordKey]*model.OutboundMessage
	upserts    int
	statuses   map[int][]model.CampaignStatus
	stats      map[int]map[string]int
	countsErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns:  make(map[int]*model.Campaign),
		recipients: make(map[int][]model.Customer),
		records:    make(map[recordKey]*model.OutboundMessage),
		statuses:   make(map[int][]model.CampaignStatus),
		stats:      make(map[int]map[string]int),
	}
}

func (s *fakeStore) addCampaign(c *model.Campaign, recipients []model.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.RecipientCount = len(recipients)
	s.campaigns[c.ID] = c
	s.recipients[c.ID] = recipients
}

func (s *fakeStore) GetCampaign(_ context.Context, id int) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) GetCampaignRecipients(_ context.Context, campaignID int) ([]model.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Customer(nil), s.recipients[campaignID]...), nil
}

func (s *fakeStore) GetCustomer(_ context.Context, id int) (*model.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.recipients {
		for _, c := range list {
			if c.ID == id {
				cp := c
				return &cp, nil
			}
		}
	}
	return nil, nil
}

func (s *fakeStore) GetCampaignStats(_ context.Context, campaignID int) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stats[campaignID]; ok {
		return st, nil
	}
	return map[string]int{"total": 0}, nil
}

func (s *fakeStore) UpsertDeliveryRecord(_ context.Context, msg *model.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	key := recordKey{msg.CampaignID, msg.CustomerID}
	if prev, ok := s.records[key]; ok {
		msg.ID = prev.ID
		msg.RetryCount = prev.RetryCount + 1
	} else {
		msg.ID = len(s.records) + 1
	}
	cp := *msg
	s.records[key] = &cp
	return nil
}

func (s *fakeStore) UpdateCampaignCounts(_ context.Context, campaignID, sent, delivered, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countsErr != nil {
		return s.countsErr
	}
	c := s.campaigns[campaignID]
	c.SentCount, c.DeliveredCount, c.FailedCount = sent, delivered, failed
	return nil
}

func (s *fakeStore) UpdateCampaignStatus(_ context.Context, campaignID int, status model.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[campaignID] = append(s.statuses[campaignID], status)
	if c, ok := s.campaigns[campaignID]; ok {
		c.Status = status
	}
	return nil
}

func (s *fakeStore) ClaimCampaignForSend(_ context.Context, campaignID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return appErrors.NewCampaignNotFound(campaignID)
	}
	if c.Status != model.CampaignStatusDraft {
		return appErrors.Preconditionf("campaign %d cannot be sent in status %s", campaignID, c.Status)
	}
	c.Status = model.CampaignStatusScheduled
	s.statuses[campaignID] = append(s.statuses[campaignID], c.Status)
	return nil
}

func (s *fakeStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *fakeStore) record(campaignID, customerID int) *model.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[recordKey{campaignID, customerID}]
}

func (s *fakeStore) campaign(id int) model.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.campaigns[id]
}

// --- Gateway ---

type fakeGateway struct {
	mu         sync.Mutex
	calls      [][]gateway.Message
	failPhones map[string]bool
	errOnCall  map[int]error
	dropOnCall map[int]bool
	// onCall runs after the batch is accepted, before results return.
	onCall func(call int)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		failPhones: make(map[string]bool),
		errOnCall:  make(map[int]error),
		dropOnCall: make(map[int]bool),
	}
}

func (g *fakeGateway) SendBatch(_ context.Context, msgs []gateway.Message) ([]gateway.Result, error) {
	g.mu.Lock()
	g.calls = append(g.calls, msgs)
	call := len(g.calls)
	err := g.errOnCall[call]
	drop := g.dropOnCall[call]
	hook := g.onCall
	g.mu.Unlock()

	if err != nil {
		return nil, err
	}

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	out := make([]gateway.Result, 0, len(msgs))
	for _, m := range msgs {
		if g.failPhones[m.To] {
			out = append(out, gateway.Failed{ID: m.ID, ErrorCode: "invalid_number", ErrorMessage: "unroutable"})
			continue
		}
		out = append(out, gateway.Delivered{ID: m.ID, To: m.To, Body: m.Body, SentAt: now, DeliveredAt: now})
	}
	if drop && len(out) > 0 {
		out = out[:len(out)-1]
	}
	if hook != nil {
		hook(call)
	}
	return out, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGateway) call(n int) []gateway.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[n-1]
}

// --- Fixtures ---

func customers(n int) []model.Customer {
	out := make([]model.Customer, n)
	for i := range out {
		out[i] = model.Customer{
			ID:        i + 1,
			Phone:     fmt.Sprintf("07%08d", i+1),
			FirstName: fmt.Sprintf("Customer%d", i+1),
		}
	}
	return out
}

func draftCampaign(id int) *model.Campaign {
	return &model.Campaign{
		ID:           id,
		UserID:       "user-1",
		Name:         "June promo",
		Channel:      "sms",
		Status:       model.CampaignStatusDraft,
		BaseTemplate: "Hi {{firstName}}, 20% off today",
		CreatedAt:    time.Date(2025, 5, 30, 0, 0, 0, 0, time.UTC),
	}
}
