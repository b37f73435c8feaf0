// Package webchat implements the browser widget channel. Unlike the other
// channels there is no outbound platform API: replies are delivered to the
// widget over an in-process hub that the SSE endpoint subscribes to.
package webchat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dkrasnov/replybot/internal/channel"
	"github.com/dkrasnov/replybot/internal/config"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw widget payload.
const SignatureHeader = "X-Chat-Signature"

// Channel is the webchat implementation of channel.Channel.
type Channel struct {
	cfg config.WebchatConfig
	hub *Hub
}

// Opts holds parameters for creating a webchat Channel.
type Opts struct {
	Config config.WebchatConfig
	Hub    *Hub // optional; a new hub is created when nil
}

// New creates a webchat Channel.
func New(opts Opts) (*Channel, error) {
	if opts.Config.Secret == "" {
		return nil, fmt.Errorf("webchat: secret is required")
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub()
	}
	return &Channel{cfg: opts.Config, hub: hub}, nil
}

// Name returns the channel tag.
func (c *Channel) Name() string { return "webchat" }

// Hub returns the delivery hub for wiring the SSE endpoint.
func (c *Channel) Hub() *Hub { return c.hub }

// VerifySignature checks the hex HMAC-SHA256 of the raw body.
func (c *Channel) VerifySignature(body []byte, signature string) bool {
	return channel.VerifyHMAC(c.cfg.Secret, body, signature)
}

// inboundPayload is the widget's webhook body.
type inboundPayload struct {
	SessionID string `json:"session_id"`
	UserName  string `json:"user_name"`
	Text      string `json:"text"`
}

// ParseInbound extracts an InboundEvent from a widget payload.
func (c *Channel) ParseInbound(body []byte) (*channel.InboundEvent, error) {
	var p inboundPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("webchat: parse payload: %w", err)
	}
	if p.SessionID == "" {
		return nil, fmt.Errorf("webchat: payload without session_id")
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return nil, nil
	}
	name := p.UserName
	if name == "" {
		name = "Гость"
	}
	return &channel.InboundEvent{
		Channel:        c.Name(),
		ExternalChatID: p.SessionID,
		DisplayName:    name,
		Text:           text,
		ReceivedAt:     time.Now(),
	}, nil
}

// Deliver publishes the reply to the session's hub stream. Delivery is
// in-process and cannot fail transiently; a missing session id is the only
// permanent failure. A session with no live subscriber still succeeds —
// the reply is buffered for the next stream attach.
func (c *Channel) Deliver(ctx context.Context, externalChatID, text string) error {
	if externalChatID == "" {
		return channel.Permanent(c.Name(), fmt.Errorf("empty session id"))
	}
	c.hub.Publish(externalChatID, text)
	return nil
}

// SignatureHeader returns the header the webhook boundary reads the
// signature from.
func (c *Channel) SignatureHeader() string { return SignatureHeader }
