package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/goatkit/ludo/internal/widget"
)

// FrameStream is a Renderer that fans frames out to server-sent event
// clients. It lets a browser or a debugging tool watch the scene without
// the engine knowing anything about drawing.
type FrameStream struct {
	mu      sync.RWMutex
	clients map[chan Frame]string // channel -> owner filter ("" = all)
}

// NewFrameStream creates an empty stream.
func NewFrameStream() *FrameStream {
	return &FrameStream{clients: make(map[chan Frame]string)}
}

// Subscribe adds a client. With a non-empty owner only that plugin's widgets
// are sent.
func (s *FrameStream) Subscribe(owner string) chan Frame {
	ch := make(chan Frame, 16)
	s.mu.Lock()
	s.clients[ch] = owner
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a client channel and closes it.
func (s *FrameStream) Unsubscribe(ch chan Frame) {
	s.mu.Lock()
	delete(s.clients, ch)
	s.mu.Unlock()
	close(ch)
}

// Draw implements Renderer. Slow clients miss frames rather than stall the
// tick.
func (s *FrameStream) Draw(_ context.Context, f Frame) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for ch, owner := range s.clients {
		out := f
		if owner != "" {
			out.Widgets = ownedBy(f.Widgets, owner)
		}
		select {
		case ch <- out:
		default:
		}
	}
	return nil
}

func ownedBy(ws []widget.Drawable, owner string) []widget.Drawable {
	out := make([]widget.Drawable, 0, len(ws))
	for _, w := range ws {
		if w.ID.Owner == owner {
			out = append(out, w)
		}
	}
	return out
}

// ServeHTTP streams frames as "frame" events with a JSON body. The optional
// owner query parameter filters widgets to one plugin.
func (s *FrameStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := s.Subscribe(r.URL.Query().Get("owner"))
	defer s.Unsubscribe(ch)

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case f, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(f)
			if err != nil {
				fmt.Fprintf(w, "event: error\ndata: %q\n\n", err.Error())
			} else {
				fmt.Fprintf(w, "event: frame\ndata: %s\n\n", data)
			}
			flusher.Flush()
		}
	}
}

// ClientCount returns the number of connected clients.
func (s *FrameStream) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
