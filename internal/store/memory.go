package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"clinic-scheduler/internal/model"
)

// Memory is an in-process repository for local runs and tests. Each user
// has its own mutex that plays the role of the row lock.
type Memory struct {
	mu      sync.Mutex
	users   map[string]*memUser
	metrics []model.Metric
	clock   atomic.Pointer[func() time.Time]
}

type memUser struct {
	mu sync.Mutex
	u  model.User
}

func NewMemory() *Memory {
	m := &Memory{users: make(map[string]*memUser)}
	m.SetClock(time.Now)
	return m
}

// SetClock overrides the time source used for expiry checks. It may be
// called while other goroutines use the store.
func (m *Memory) SetClock(now func() time.Time) { m.clock.Store(&now) }

func (m *Memory) now() time.Time { return (*m.clock.Load())() }

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) CreateUser(_ context.Context, chatID, name string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[chatID]; ok {
		return nil, ErrUserExists
	}
	u := model.NewUser(chatID, name)
	u.CreatedAt = m.now()
	u.UpdatedAt = u.CreatedAt
	m.users[chatID] = &memUser{u: *u}
	return u, nil
}

func (m *Memory) lookup(chatID string) (*memUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.users[chatID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return mu, nil
}

func (m *Memory) User(_ context.Context, chatID string) (*model.User, error) {
	mu, err := m.lookup(chatID)
	if err != nil {
		return nil, err
	}
	mu.mu.Lock()
	defer mu.mu.Unlock()
	u := mu.u
	return &u, nil
}

func (m *Memory) AssignSlot(_ context.Context, chatID, eventID string, start time.Time) (model.Slot, error) {
	mu, err := m.lookup(chatID)
	if err != nil {
		return model.Slot{}, err
	}
	mu.mu.Lock()
	defer mu.mu.Unlock()

	idx := mu.u.FreeSlot(m.now())
	if idx == 0 {
		return model.Slot{}, ErrSlotsFull
	}
	if mu.u.HoldsEvent(eventID, idx) {
		return model.Slot{}, ErrEventTaken
	}
	s := model.Slot{Index: idx, Start: start, EventID: eventID}
	mu.u.Slots[idx-1] = s
	mu.u.UpdatedAt = m.now()
	return s, nil
}

func (m *Memory) ReleaseSlot(_ context.Context, chatID string, slot int) (model.Slot, error) {
	if slot < 1 || slot > model.MaxSlots {
		return model.Slot{}, ErrInvalidSlot
	}
	mu, err := m.lookup(chatID)
	if err != nil {
		return model.Slot{}, err
	}
	mu.mu.Lock()
	defer mu.mu.Unlock()

	prev := mu.u.Slots[slot-1]
	if !prev.Occupied() {
		return model.Slot{}, ErrSlotEmpty
	}
	mu.u.Slots[slot-1] = model.Slot{Index: slot}
	mu.u.UpdatedAt = m.now()
	return prev, nil
}

func (m *Memory) CleanupExpired(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	all := make([]*memUser, 0, len(m.users))
	for _, mu := range m.users {
		all = append(all, mu)
	}
	m.mu.Unlock()

	var n int64
	for _, mu := range all {
		mu.mu.Lock()
		for i, s := range mu.u.Slots {
			if s.Occupied() && s.Start.Before(cutoff) {
				mu.u.Slots[i] = model.Slot{Index: s.Index}
				n++
			}
		}
		mu.mu.Unlock()
	}
	return n, nil
}

func (m *Memory) LogMetric(_ context.Context, metric *model.Metric) error {
	if metric.ID == "" {
		metric.ID = uuid.New().String()
	}
	if metric.Status == "" {
		metric.Status = model.MetricSuccess
	}
	metric.CreatedAt = m.now()
	metric.UpdatedAt = metric.CreatedAt

	m.mu.Lock()
	m.metrics = append(m.metrics, *metric)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Metrics(_ context.Context, clientID string, limit int) ([]model.Metric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Metric
	for i := len(m.metrics) - 1; i >= 0; i-- {
		if m.metrics[i].ClientID != clientID {
			continue
		}
		out = append(out, m.metrics[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
