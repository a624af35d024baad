package domain

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store used by tests and local single-process runs.
// The production entity store lives in the platform's CRUD service.
type MemStore struct {
	mu            sync.Mutex
	messages      map[string]*Message
	byProviderID  map[string]string
	conversations map[string]*Conversation // keyed tenant|phone
	credentials   map[string]*Credential
}

func NewMemStore() *MemStore {
	return &MemStore{
		messages:      map[string]*Message{},
		byProviderID:  map[string]string{},
		conversations: map[string]*Conversation{},
		credentials:   map[string]*Credential{},
	}
}

func (s *MemStore) GetMessage(_ context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemStore) GetMessageByProviderID(_ context.Context, providerMessageID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byProviderID[providerMessageID]
	if !ok {
		return nil, ErrNotFound
	}
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemStore) CreateMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if _, ok := s.messages[m.ID]; ok {
		return ErrConflict
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	cp := *m
	s.messages[m.ID] = &cp
	if m.ProviderMessageID != "" {
		s.byProviderID[m.ProviderMessageID] = m.ID
	}
	return nil
}

func (s *MemStore) UpdateMessageStatus(_ context.Context, id string, expect []Status, next Status, extra StatusExtra) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, ErrNotFound
	}
	matched := len(expect) == 0
	for _, e := range expect {
		if m.Status == e {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	m.Status = next
	if extra.ProviderMessageID != "" {
		m.ProviderMessageID = extra.ProviderMessageID
		s.byProviderID[extra.ProviderMessageID] = id
	}
	if extra.Error != "" {
		m.Error = extra.Error
	}
	return true, nil
}

func (s *MemStore) GetOrCreateConversation(_ context.Context, tenantID, contactPhone string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantID + "|" + contactPhone
	c, ok := s.conversations[key]
	if !ok {
		c = &Conversation{
			ID:           uuid.NewString(),
			TenantID:     tenantID,
			ContactPhone: contactPhone,
		}
		s.conversations[key] = c
	}
	c.LastMessageAt = time.Now()
	cp := *c
	return &cp, nil
}

func (s *MemStore) GetActiveCredential(_ context.Context, tenantID, phoneNumberID string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.credentials {
		if c.TenantID == tenantID && c.PhoneNumberID == phoneNumberID && c.Valid {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) InvalidateCredential(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return ErrNotFound
	}
	c.Valid = false
	c.InvalidReason = reason
	return nil
}

// PutCredential seeds a credential. Test/bootstrap helper.
func (s *MemStore) PutCredential(c Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	cp := c
	s.credentials[c.ID] = &cp
}
