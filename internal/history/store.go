package history

import (
	"sort"
	"sync"
)

// DefaultAgentLabel is the transcript label of agent turns.
const DefaultAgentLabel = "Me"

// Store maps conversation keys to their bounded logs. Conversations are
// created lazily on first reference and live for the process lifetime.
//
// The key map itself is safe for concurrent use. The turns of a single
// conversation are not: callers must hold a per-key lock around every
// Append, Render, ContainsID and Turns call for that key.
type Store struct {
	capacity   int
	agentLabel string

	mu    sync.RWMutex
	convs map[string]*Conversation
}

// NewStore creates a Store keeping at most capacity turns per
// conversation. Non-positive capacity falls back to DefaultCapacity;
// an empty agentLabel falls back to DefaultAgentLabel.
func NewStore(capacity int, agentLabel string) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if agentLabel == "" {
		agentLabel = DefaultAgentLabel
	}
	return &Store{
		capacity:   capacity,
		agentLabel: agentLabel,
		convs:      make(map[string]*Conversation),
	}
}

// Capacity returns the per-conversation turn limit.
func (s *Store) Capacity() int { return s.capacity }

// Conversation returns the log for key, creating it if needed.
func (s *Store) Conversation(key string) *Conversation {
	s.mu.RLock()
	c, ok := s.convs[key]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[key]; ok {
		return c
	}
	c = newConversation(s.capacity)
	s.convs[key] = c
	return c
}

func (s *Store) Append(key string, t Turn) {
	s.Conversation(key).Append(t)
}

// Render builds the generation transcript for key.
func (s *Store) Render(key, participantLabel string) string {
	return s.Conversation(key).Render(participantLabel, s.agentLabel)
}

func (s *Store) ContainsID(key, id string) bool {
	return s.Conversation(key).ContainsID(id)
}

func (s *Store) Turns(key string) []Turn {
	return s.Conversation(key).Turns()
}

func (s *Store) Len(key string) int {
	return s.Conversation(key).Len()
}

// Keys lists the conversations referenced so far, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.convs))
	for k := range s.convs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
