// Package session stores per-conversation message history with bounded
// growth and a single in-flight turn per session.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gateclaw/gateclaw/pkg/logger"
	"github.com/gateclaw/gateclaw/pkg/pipeline"
	"github.com/gateclaw/gateclaw/pkg/providers"
)

const defaultMaxMessages = 200

// Session is one conversation. Messages is bounded: when full, the
// oldest non-system messages are evicted first.
type Session struct {
	ID         string              `json:"id"`
	Messages   []providers.Message `json:"messages"`
	CreatedAt  time.Time           `json:"created_at"`
	LastActive time.Time           `json:"last_active"`

	busy    bool
	release chan struct{}
}

// Manager owns all sessions. Safe for concurrent use.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	dir         string
	maxMessages int
}

type Options struct {
	// Dir enables JSON persistence when non-empty.
	Dir         string
	MaxMessages int
}

func NewManager(opts Options) *Manager {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = defaultMaxMessages
	}
	m := &Manager{
		sessions:    make(map[string]*Session),
		dir:         opts.Dir,
		maxMessages: opts.MaxMessages,
	}
	if m.dir != "" {
		if err := m.loadAll(); err != nil {
			logger.WarnCF("session", "loading persisted sessions", map[string]any{"error": err.Error()})
		}
	}
	return m
}

// GetOrCreate returns the session, creating it on first use.
func (m *Manager) GetOrCreate(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		now := time.Now()
		s = &Session{ID: id, CreatedAt: now, LastActive: now}
		m.sessions[id] = s
	}
	return s
}

// Begin marks the session busy for one turn. A busy session rejects the
// new turn instead of interleaving histories.
func (m *Manager) Begin(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		now := time.Now()
		s = &Session{ID: id, CreatedAt: now, LastActive: now}
		m.sessions[id] = s
	}
	if s.busy {
		return fmt.Errorf("%w: session %s has a turn in flight", pipeline.ErrResourceExhausted, id)
	}
	s.busy = true
	return nil
}

// BeginWait claims the session like Begin, but queues behind an in-flight
// turn instead of rejecting. Waiting is bounded by the context.
func (m *Manager) BeginWait(ctx context.Context, id string) error {
	for {
		m.mu.Lock()
		s, ok := m.sessions[id]
		if !ok {
			now := time.Now()
			s = &Session{ID: id, CreatedAt: now, LastActive: now}
			m.sessions[id] = s
		}
		if !s.busy {
			s.busy = true
			m.mu.Unlock()
			return nil
		}
		if s.release == nil {
			s.release = make(chan struct{})
		}
		released := s.release
		m.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting on session %s", pipeline.ErrDeadlineExceeded, id)
		}
	}
}

// End releases the turn and persists the session.
func (m *Manager) End(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		s.busy = false
		s.LastActive = time.Now()
		if s.release != nil {
			close(s.release)
			s.release = nil
		}
	}
	m.mu.Unlock()
	if ok {
		m.persist(s)
	}
}

// Append adds messages, evicting the oldest non-system entries past the
// bound.
func (m *Manager) Append(id string, msgs ...providers.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		now := time.Now()
		s = &Session{ID: id, CreatedAt: now, LastActive: now}
		m.sessions[id] = s
	}
	s.Messages = append(s.Messages, msgs...)
	s.LastActive = time.Now()

	for len(s.Messages) > m.maxMessages {
		evicted := false
		for i, msg := range s.Messages {
			if msg.Role != "system" {
				s.Messages = append(s.Messages[:i], s.Messages[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			s.Messages = s.Messages[1:]
		}
	}
}

// History returns a copy of the message list; callers may mutate it
// freely.
func (m *Manager) History(id string) []providers.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	out := make([]providers.Message, len(s.Messages))
	copy(out, s.Messages)
	return out
}

// List returns session ids ordered by last activity, newest first.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type entry struct {
		id string
		at time.Time
	}
	entries := make([]entry, 0, len(m.sessions))
	for id, s := range m.sessions {
		entries = append(entries, entry{id, s.LastActive})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.After(entries[j].at) })
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

// Clear wipes a session's history, keeping the session itself.
func (m *Manager) Clear(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		s.Messages = nil
	}
	m.mu.Unlock()
	if ok {
		m.persist(s)
	}
}

func (m *Manager) persist(s *Session) {
	if m.dir == "" {
		return
	}
	m.mu.RLock()
	data, err := json.MarshalIndent(s, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return
	}
	path := filepath.Join(m.dir, s.ID+".json")
	tmp, err := os.CreateTemp(m.dir, ".session-*")
	if err != nil {
		return
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
	}
}

func (m *Manager) loadAll() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil || s.ID == "" {
			continue
		}
		m.sessions[s.ID] = &s
	}
	return nil
}
