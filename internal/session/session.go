// Package session tracks the continuity identifiers a logical conversation
// carries between calls: the upstream conversation id, the task id of the
// most recent exchange, and the names behind outstanding tool calls.
package session

import "sync"

// Snapshot is an immutable view of the continuity state at call time.
// Empty fields signal a new session to the request translator.
type Snapshot struct {
	ConversationID string
	PriorTaskID    string
}

// State is the mutable session record. All methods are safe for concurrent
// use; reads and updates race only with each other, never corrupt.
type State struct {
	mu             sync.Mutex
	conversationID string
	priorTaskID    string
	toolNames      map[string]string
}

// New returns an empty session.
func New() *State {
	return &State{toolNames: make(map[string]string)}
}

// Snapshot returns the current continuity identifiers.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ConversationID: s.conversationID,
		PriorTaskID:    s.priorTaskID,
	}
}

// Observe records identifiers announced by the upstream at stream start.
// Empty values leave the existing state untouched.
func (s *State) Observe(conversationID, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conversationID != "" {
		s.conversationID = conversationID
	}
	if taskID != "" {
		s.priorTaskID = taskID
	}
}

// BindTool remembers which tool a call id refers to, so a returning result
// can be attached to the right invocation.
func (s *State) BindTool(callID, name string) {
	if callID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolNames[callID] = name
}

// ToolName resolves a previously bound call id.
func (s *State) ToolName(callID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.toolNames[callID]
	return name, ok
}

// Reset clears all continuity state, starting a fresh session.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = ""
	s.priorTaskID = ""
	s.toolNames = make(map[string]string)
}
