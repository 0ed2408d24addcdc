package agent

import "github.com/pkg/errors"

// Common orchestrator errors.
var (
	// ErrConversationNotFound indicates the turn targets a missing conversation
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrEmptyUserText indicates an empty chat message
	ErrEmptyUserText = errors.New("user text must not be empty")

	// ErrNoProvider indicates that no provider could be resolved for the turn
	ErrNoProvider = errors.New("no provider available")
)
