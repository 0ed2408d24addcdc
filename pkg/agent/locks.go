package agent

import (
	"sync"

	"github.com/google/uuid"
)

// conversationLocks serializes turns per conversation. HTTP and WebSocket
// handlers may fire concurrent turns for the same conversation; interleaving
// their context reads and message writes would corrupt the history.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*conversationLock
}

type conversationLock struct {
	mu   sync.Mutex
	refs int
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: map[uuid.UUID]*conversationLock{}}
}

// Lock blocks until the conversation is free and returns the unlock func.
// Entries are reference counted so the map does not grow with dead
// conversations.
func (c *conversationLocks) Lock(id uuid.UUID) func() {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &conversationLock{}
		c.locks[id] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, id)
		}
		c.mu.Unlock()
	}
}
