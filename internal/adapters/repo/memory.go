package repo

import (
	"context"
	"sort"
	"sync"

	"pubchat-client/internal/domain"
)

type subKey struct {
	server  string
	channel int64
}

// Memory хранит данные в памяти процесса. Данные теряются при рестарте.
type Memory struct {
	mu      sync.Mutex
	tokens  map[string]string
	cursors map[string]int64
	subs    map[subKey]domain.Subscription
	order   map[subKey]int
	seq     int
}

var _ domain.Storage = (*Memory)(nil)

// NewMemory создаёт пустое хранилище.
func NewMemory() *Memory {
	return &Memory{
		tokens:  make(map[string]string),
		cursors: make(map[string]int64),
		subs:    make(map[subKey]domain.Subscription),
		order:   make(map[subKey]int),
	}
}

func (m *Memory) LoadToken(_ context.Context, serverURL string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[serverURL], nil
}

func (m *Memory) SaveToken(_ context.Context, serverURL, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[serverURL] = token
	return nil
}

func (m *Memory) LoadLastSeenID(_ context.Context, conversationID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[conversationID], nil
}

// SaveLastSeenID не откатывает курсор назад.
func (m *Memory) SaveLastSeenID(_ context.Context, conversationID string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id > m.cursors[conversationID] {
		m.cursors[conversationID] = id
	}
	return nil
}

func (m *Memory) ListSubscriptions(context.Context) ([]domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]subKey, 0, len(m.subs))
	for k := range m.subs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return m.order[keys[i]] < m.order[keys[j]] })
	out := make([]domain.Subscription, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.subs[k])
	}
	return out, nil
}

func (m *Memory) SaveSubscription(_ context.Context, sub domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := subKey{sub.ServerURL, sub.ChannelID}
	if _, ok := m.order[k]; !ok {
		m.seq++
		m.order[k] = m.seq
	}
	m.subs[k] = sub
	return nil
}

func (m *Memory) DeleteSubscription(_ context.Context, serverURL string, channelID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := subKey{serverURL, channelID}
	delete(m.subs, k)
	delete(m.order, k)
	return nil
}
