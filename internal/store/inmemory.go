package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is an in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu        sync.RWMutex
	campaigns map[string]Campaign
	contacts  map[string]Contact
	calls     map[string]CallRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		campaigns: make(map[string]Campaign),
		contacts:  make(map[string]Contact),
		calls:     make(map[string]CallRecord),
	}
}

// PutCampaign seeds a campaign. Campaign CRUD is out of scope for the
// orchestrator; this exists for dev setups and tests.
func (s *InMemoryStore) PutCampaign(c Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = c
}

func (s *InMemoryStore) GetCampaign(_ context.Context, id string) (Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (s *InMemoryStore) GetContact(_ context.Context, id string) (Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

func (s *InMemoryStore) CreateContact(_ context.Context, c Contact) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.UpdatedAt = time.Now().UTC()
	s.contacts[c.ID] = c
	return c, nil
}

func (s *InMemoryStore) UpdateContact(_ context.Context, c Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contacts[c.ID]; !ok {
		return ErrNotFound
	}
	c.UpdatedAt = time.Now().UTC()
	s.contacts[c.ID] = c
	return nil
}

func (s *InMemoryStore) CreateCall(_ context.Context, rec CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.calls[rec.ID] = rec
	return nil
}

func (s *InMemoryStore) UpdateCall(_ context.Context, rec CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[rec.ID]; !ok {
		return ErrNotFound
	}
	s.calls[rec.ID] = rec
	return nil
}

func (s *InMemoryStore) FinalizeCall(_ context.Context, rec CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.calls[rec.ID] = rec
	return nil
}

func (s *InMemoryStore) GetCallByProviderID(_ context.Context, providerCallID string) (CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  CallRecord
		found bool
	)
	for _, rec := range s.calls {
		if rec.ProviderCallID != providerCallID {
			continue
		}
		if !found || rec.StartedAt.After(best.StartedAt) {
			best = rec
			found = true
		}
	}
	if !found {
		return CallRecord{}, ErrNotFound
	}
	return best, nil
}

func (s *InMemoryStore) Close() error { return nil }
