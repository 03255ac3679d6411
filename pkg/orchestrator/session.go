package orchestrator

import "github.com/google/uuid"

// NewSessionID returns a fresh opaque session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// PopLastUserTurnIfDangling removes the most recent user turn from the
// session's context if it is the last entry, i.e. no assistant turn
// followed it. Used when a barge-in happens before the LLM produced any
// output, so history reflects what the user actually heard back.
// Returns true if a turn was popped.
func (s *ConversationSession) PopLastUserTurnIfDangling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Context) == 0 {
		return false
	}
	last := s.Context[len(s.Context)-1]
	if last.Role != "user" {
		return false
	}
	s.Context = s.Context[:len(s.Context)-1]
	if s.LastUser == last.Content {
		s.LastUser = ""
	}
	return true
}

// SystemPrompt returns the first entry's content if it is a system
// prompt, otherwise "".
func (s *ConversationSession) SystemPrompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.Context) > 0 && s.Context[0].Role == "system" {
		return s.Context[0].Content
	}
	return ""
}
