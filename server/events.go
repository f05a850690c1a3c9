package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// defaultStreamChannels are subscribed to when the request does not name
// any channel explicitly.
var defaultStreamChannels = []string{
	"node_event",
	"node_update",
	"topology_update",
	"diagnostic_node",
	"diagnostic_link",
	"diagnostic_child",
}

type streamEvent struct {
	channel string
	payload any
}

// handleEventStream serves a server-sent-events stream over one or more
// bus channels, selected via repeated ?channel= query params. Each event
// is written as a named SSE event (the channel) whose data is the
// JSON-encoded message as published on the bus.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	channels := r.URL.Query()["channel"]
	if len(channels) == 0 {
		channels = defaultStreamChannels
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	type subscription struct {
		channel string
		ch      <-chan any
	}
	subs := make([]subscription, 0, len(channels))
	for _, c := range channels {
		subs = append(subs, subscription{channel: c, ch: s.bus.Subscribe(c)})
	}
	defer func() {
		for _, sb := range subs {
			s.bus.Unsubscribe(sb.channel, sb.ch)
		}
	}()

	merged := make(chan streamEvent, 64)
	done := make(chan struct{})
	defer close(done)
	for _, sb := range subs {
		go func(sb subscription) {
			for {
				select {
				case msg, ok := <-sb.ch:
					if !ok {
						return
					}
					select {
					case merged <- streamEvent{channel: sb.channel, payload: msg}:
					case <-done:
						return
					}
				case <-done:
					return
				}
			}
		}(sb)
	}

	ctx := r.Context()
	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-merged:
			data, err := json.Marshal(ev.payload)
			if err != nil {
				log.Warnf("events: failed to marshal %s payload: %v", ev.channel, err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.channel, data)
			flusher.Flush()
		}
	}
}
