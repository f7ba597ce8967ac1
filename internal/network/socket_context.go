package network

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// SocketContext guards process-wide platform socket state. Every Socket
// acquires it on Open and releases it on Close; the platform library is
// started on the first acquire and torn down when the last user releases.
//
// A process normally creates one SocketContext at startup and hands it to
// every Socket it opens.
type SocketContext struct {
	mu   sync.Mutex
	refs int

	startup func() error
	cleanup func() error
}

// NewSocketContext creates a context bound to the platform socket library.
func NewSocketContext() *SocketContext {
	return &SocketContext{
		startup: platformStartup,
		cleanup: platformCleanup,
	}
}

// Acquire registers a user, starting the platform library if this is the first.
func (c *SocketContext) Acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refs == 0 {
		if err := c.startup(); err != nil {
			return fmt.Errorf("platform socket startup failed: %w", err)
		}
		log.Debug().Msg("platform socket library started")
	}
	c.refs++
	return nil
}

// Release drops a user. The platform library is cleaned up when the count
// returns to zero. Releasing an unused context does nothing.
func (c *SocketContext) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refs == 0 {
		return nil
	}
	c.refs--
	if c.refs > 0 {
		return nil
	}
	if err := c.cleanup(); err != nil {
		return fmt.Errorf("platform socket cleanup failed: %w", err)
	}
	log.Debug().Msg("platform socket library stopped")
	return nil
}

// Refs returns the number of active users.
func (c *SocketContext) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}
