package lifecycle

import "sync"

// Channel is the exclusive permit for one reader and the card in its
// field. A card session is channel-global, so every multi-step operation
// holds the channel from its first command to its last.
type Channel struct {
	mu     sync.Mutex
	reader Reader
}

// NewChannel wraps a reader.
func NewChannel(r Reader) *Channel {
	return &Channel{reader: r}
}

// Acquire blocks until the channel is free and returns the reader with a
// release function.
func (c *Channel) Acquire() (Reader, func()) {
	c.mu.Lock()
	return c.reader, c.mu.Unlock
}

// TryAcquire is Acquire without blocking; ok is false when the channel is busy.
func (c *Channel) TryAcquire() (r Reader, release func(), ok bool) {
	if !c.mu.TryLock() {
		return nil, nil, false
	}
	return c.reader, c.mu.Unlock, true
}
