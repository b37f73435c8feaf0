package channel

import (
	"context"
	"sync"
	"time"
)

// SentMessage records one Deliver call on a MockChannel.
type SentMessage struct {
	ExternalChatID string
	Text           string
	At             time.Time
}

// MockChannel implements Channel for testing. It records delivered messages
// and lets tests script signature results, parse results, and per-attempt
// delivery errors.
type MockChannel struct {
	mu        sync.Mutex
	name      string
	sent      []SentMessage
	attempts  int
	// SignValid is what VerifySignature reports.
	SignValid bool
	// ParseFn overrides ParseInbound when set.
	ParseFn func(body []byte) (*InboundEvent, error)
	// DeliverFn scripts a per-attempt delivery error when set.
	DeliverFn func(attempt int, chatID, text string) error
}

// NewMockChannel creates a MockChannel with the given name. Signatures
// validate by default.
func NewMockChannel(name string) *MockChannel {
	return &MockChannel{name: name, SignValid: true}
}

// Name returns the channel tag.
func (m *MockChannel) Name() string { return m.name }

// VerifySignature returns the scripted result.
func (m *MockChannel) VerifySignature(body []byte, signature string) bool {
	return m.SignValid
}

// ParseInbound delegates to ParseFn, or echoes the body as a plain event.
func (m *MockChannel) ParseInbound(body []byte) (*InboundEvent, error) {
	if m.ParseFn != nil {
		return m.ParseFn(body)
	}
	return &InboundEvent{
		Channel:        m.name,
		ExternalChatID: "chat-1",
		DisplayName:    "tester",
		Text:           string(body),
		ReceivedAt:     time.Now(),
	}, nil
}

// Deliver records the message, consulting DeliverFn for a scripted error.
func (m *MockChannel) Deliver(ctx context.Context, chatID, text string) error {
	m.mu.Lock()
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	if m.DeliverFn != nil {
		if err := m.DeliverFn(attempt, chatID, text); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentMessage{ExternalChatID: chatID, Text: text, At: time.Now()})
	return nil
}

// Attempts returns the number of Deliver calls, including failed ones.
func (m *MockChannel) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Sent returns a copy of all successfully delivered messages.
func (m *MockChannel) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// LastSent returns the most recent delivered message, if any.
func (m *MockChannel) LastSent() (SentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return SentMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}
