package profile

import (
	"context"
	"strings"
	"sync"

	"pubchat-client/internal/domain"
)

// Static хранит локальное имя профиля в памяти. Имя меняется через админку.
type Static struct {
	mu   sync.RWMutex
	name string
}

var _ domain.ProfileSource = (*Static)(nil)

// NewStatic создаёт источник с начальным именем.
func NewStatic(name string) *Static {
	return &Static{name: strings.TrimSpace(name)}
}

// DisplayName возвращает текущее имя.
func (s *Static) DisplayName(context.Context) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// Set меняет имя и сообщает, изменилось ли оно.
func (s *Static) Set(name string) bool {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.name == name {
		return false
	}
	s.name = name
	return true
}
