package realtime

import "sync"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ConversationItem is one turn of the conversation. The id is assigned by the
// remote protocol and is unique within a session.
type ConversationItem struct {
	ID   string
	Role Role
	Text string
}

// TranscriptStore is the single source of truth for what has been said.
// Items keep the order in which their ids were first observed, regardless of
// when their text last changed. Only the session event loop mutates it;
// readers get copies.
type TranscriptStore struct {
	mu    sync.RWMutex
	items []ConversationItem
	index map[string]int
}

func NewTranscriptStore() *TranscriptStore {
	return &TranscriptStore{
		index: make(map[string]int),
	}
}

// Add appends a new item. A duplicate id is a no-op and returns false.
func (s *TranscriptStore) Add(id string, role Role, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.index[id]; exists {
		return false
	}
	s.index[id] = len(s.items)
	s.items = append(s.items, ConversationItem{ID: id, Role: role, Text: text})
	return true
}

// AppendText appends a streamed delta to the item's text. Returns false if
// the id is unknown.
func (s *TranscriptStore) AppendText(id, delta string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, exists := s.index[id]
	if !exists {
		return false
	}
	s.items[i].Text += delta
	return true
}

// SetText replaces the item's text wholesale with a finalized transcript.
// Returns false if the id is unknown.
func (s *TranscriptStore) SetText(id, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, exists := s.index[id]
	if !exists {
		return false
	}
	s.items[i].Text = text
	return true
}

func (s *TranscriptStore) Get(id string) (ConversationItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, exists := s.index[id]
	if !exists {
		return ConversationItem{}, false
	}
	return s.items[i], true
}

func (s *TranscriptStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Snapshot returns a copy of the transcript in first-observation order.
func (s *TranscriptStore) Snapshot() []ConversationItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConversationItem, len(s.items))
	copy(out, s.items)
	return out
}

// Reset clears the store for a fresh session.
func (s *TranscriptStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = s.items[:0]
	s.index = make(map[string]int)
}
