package claim

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. It backs development runs
// without DATABASE_URL and the pipeline tests.
type MemoryStore struct {
	mu          sync.RWMutex
	claims      map[string]*Claim
	byReport    map[string]string
	reports     map[string]*Report
	subscribers map[string]*Subscriber
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims:      make(map[string]*Claim),
		byReport:    make(map[string]string),
		reports:     make(map[string]*Report),
		subscribers: make(map[string]*Subscriber),
		now:         time.Now,
	}
}

func (m *MemoryStore) PutReport(r *Report) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.reports[r.ID] = &cp
}

func (m *MemoryStore) PutSubscriber(s *Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.subscribers[s.ID] = &cp
}

func (m *MemoryStore) GetReport(_ context.Context, reportID string) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[reportID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetSubscriber(_ context.Context, userID string) (*Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subscribers[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpsertByReport(_ context.Context, c *Claim) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byReport[c.ReportID]; ok {
		return m.claims[id].Clone(), nil
	}
	stored := c.Clone()
	m.claims[c.ID] = stored
	m.byReport[c.ReportID] = c.ID
	return stored.Clone(), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != from {
		return ErrConflict
	}
	c.Status = to
	c.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) SetEDIFileLocation(_ context.Context, id, location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return ErrNotFound
	}
	if c.EDIFileLocation != "" {
		return ErrEDILocationSet
	}
	c.EDIFileLocation = location
	c.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) SetSubmissionID(_ context.Context, id, submissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return ErrNotFound
	}
	c.SubmissionID = submissionID
	c.UpdatedAt = m.now()
	return nil
}
