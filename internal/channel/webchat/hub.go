package webchat

import "sync"

// bufferSize is how many undelivered replies are kept per session while no
// stream is attached.
const bufferSize = 16

// Hub fans replies out to per-session subscribers. At most one subscriber
// is active per session (the widget's SSE stream); replies published while
// no subscriber is attached are buffered and flushed on the next Subscribe.
type Hub struct {
	mu       sync.Mutex
	subs     map[string]chan string
	buffered map[string][]string
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		subs:     make(map[string]chan string),
		buffered: make(map[string][]string),
	}
}

// Publish delivers text to the session's subscriber, or buffers it when no
// subscriber is attached. The oldest buffered reply is dropped once the
// buffer is full.
func (h *Hub) Publish(sessionID, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subs[sessionID]; ok {
		select {
		case ch <- text:
			return
		default:
			// Subscriber is not draining; fall through to the buffer.
		}
	}

	buf := append(h.buffered[sessionID], text)
	if len(buf) > bufferSize {
		buf = buf[len(buf)-bufferSize:]
	}
	h.buffered[sessionID] = buf
}

// Subscribe attaches a stream to the session and returns a channel of
// replies, with any buffered replies already queued. A previous subscriber
// for the same session is detached.
func (h *Hub) Subscribe(sessionID string) <-chan string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.subs[sessionID]; ok {
		close(old)
	}

	buffered := h.buffered[sessionID]
	ch := make(chan string, bufferSize+len(buffered))
	for _, text := range buffered {
		ch <- text
	}
	delete(h.buffered, sessionID)
	h.subs[sessionID] = ch
	return ch
}

// Unsubscribe detaches the session's stream. Safe to call for a session
// that was already detached or replaced.
func (h *Hub) Unsubscribe(sessionID string, ch <-chan string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, ok := h.subs[sessionID]
	if !ok || (<-chan string)(current) != ch {
		return
	}
	delete(h.subs, sessionID)
	close(current)
}
