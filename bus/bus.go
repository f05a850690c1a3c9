// Package bus is the event fan-out bus (C8): named-channel publish/
// subscribe with non-blocking delivery to slow subscribers and a small
// catch-up ring per channel for newly attached subscribers.
package bus

import "sync"

// Channel names used across the gateway and scan orchestrator.
const (
	NodeEvent         = "node_event"
	NodeDiscovered    = "node_discovered"
	NodeUpdate        = "node_update"
	CommandCompleted  = "command_completed"
	DiagnosticNode    = "diagnostic_node"
	DiagnosticLink    = "diagnostic_link"
	DiagnosticChild   = "diagnostic_child"
	TopologyUpdate    = "topology_update"
	ScanNodeResult    = "scan_node_result"
)

const subscriberBuffer = 64
const catchUpSize = 32

// Bus fans out arbitrary payloads (callers pass already-JSON-ready
// values; the bus itself does no encoding) to subscribers of a named
// channel. Publishing never blocks: a subscriber whose buffer is full is
// skipped for that message rather than stalling the publisher, which
// here is always a BR's RX loop.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]chan any
	ring        map[string][]any // last catchUpSize messages per channel
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan any),
		ring:        make(map[string][]any),
	}
}

// Subscribe returns a buffered channel that receives every message
// published to channel from now on, pre-loaded with up to catchUpSize
// recent messages so a newly attached subscriber (e.g. an SSE client)
// doesn't start from a blank screen.
func (b *Bus) Subscribe(channel string) <-chan any {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, subscriberBuffer)
	for _, msg := range b.ring[channel] {
		ch <- msg
	}
	b.subscribers[channel] = append(b.subscribers[channel], ch)
	return ch
}

// Unsubscribe removes and closes ch from channel's subscriber list.
func (b *Bus) Unsubscribe(channel string, ch <-chan any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[channel]
	for i, s := range subs {
		if s == ch {
			close(s)
			b.subscribers[channel] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish fans msg out to every current subscriber of channel and
// appends it to the channel's catch-up ring. Never blocks.
func (b *Bus) Publish(channel string, msg any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ring := append(b.ring[channel], msg)
	if len(ring) > catchUpSize {
		ring = ring[len(ring)-catchUpSize:]
	}
	b.ring[channel] = ring

	for _, ch := range b.subscribers[channel] {
		select {
		case ch <- msg:
		default:
			// slow subscriber — drop this message for it rather than stall the publisher
		}
	}
}
