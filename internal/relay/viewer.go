package relay

import "sync/atomic"

// ChanViewer buffers events in a channel. When the buffer is full new
// events are dropped and counted.
type ChanViewer struct {
	id      string
	ch      chan Event
	sent    atomic.Int64
	dropped atomic.Int64
}

// NewChanViewer returns a viewer with room for size pending events.
func NewChanViewer(id string, size int) *ChanViewer {
	if size <= 0 {
		size = 64
	}
	return &ChanViewer{id: id, ch: make(chan Event, size)}
}

func (c *ChanViewer) ID() string { return c.id }

// Send implements Viewer.
func (c *ChanViewer) Send(ev Event) {
	select {
	case c.ch <- ev:
		c.sent.Add(1)
	default:
		c.dropped.Add(1)
	}
}

// Events is the channel Send writes to. It is never closed.
func (c *ChanViewer) Events() <-chan Event { return c.ch }

func (c *ChanViewer) Stats() ViewerStats {
	return ViewerStats{ID: c.id, Sent: c.sent.Load(), Dropped: c.dropped.Load()}
}
