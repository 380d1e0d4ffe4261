package chat

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Manager keeps at most one open chat view. Switching conversations closes the
// current view completely before the next one opens.
type Manager struct {
	config    Config
	callbacks Callbacks
	logger    zerolog.Logger

	mu      sync.Mutex
	current *Session
}

// NewManager creates a manager opening views from the config template
func NewManager(config Config, callbacks Callbacks, logger zerolog.Logger) *Manager {
	return &Manager{
		config:    config,
		callbacks: callbacks,
		logger:    logger,
	}
}

// Switch closes the current view and opens one for conversationID. Switching
// to the already open conversation returns the current view.
func (m *Manager) Switch(ctx context.Context, conversationID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		if m.current.ConversationID() == conversationID && !m.current.isClosed() {
			return m.current, nil
		}
		m.logger.Info().
			Str("from", m.current.ConversationID()).
			Str("to", conversationID).
			Msg("Switching conversation")
		m.current.Close()
		m.current = nil
	}

	cfg := m.config
	cfg.ConversationID = conversationID
	s := NewSession(cfg, m.callbacks, m.logger)
	if err := s.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	m.current = s
	return s, nil
}

// Current returns the open view, or nil
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close closes the open view
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
}
