// Package avito implements the marketplace messenger channel.
package avito

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dkrasnov/replybot/internal/channel"
	"github.com/dkrasnov/replybot/internal/config"
	"golang.org/x/oauth2/clientcredentials"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Avito-Signature"

// maxMessageLen is the messenger API limit for one text message.
const maxMessageLen = 1000

// Channel is the avito implementation of channel.Channel. Outbound sends
// authenticate with an OAuth2 client-credentials bearer token; the token
// source caches and refreshes tokens internally.
type Channel struct {
	cfg    config.AvitoConfig
	client *http.Client
}

// Opts holds parameters for creating an avito Channel.
type Opts struct {
	Config config.AvitoConfig
	// Client overrides the token-injecting HTTP client (tests).
	Client *http.Client
	// Timeout bounds each outbound API call. Defaults to 30s.
	Timeout time.Duration
}

// New creates an avito Channel.
func New(opts Opts) (*Channel, error) {
	if opts.Config.WebhookSecret == "" {
		return nil, fmt.Errorf("avito: webhook secret is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := opts.Client
	if client == nil {
		if opts.Config.ClientID == "" || opts.Config.ClientSecret == "" {
			return nil, fmt.Errorf("avito: client credentials are required")
		}
		cc := &clientcredentials.Config{
			ClientID:     opts.Config.ClientID,
			ClientSecret: opts.Config.ClientSecret,
			TokenURL:     strings.TrimRight(opts.Config.BaseURL, "/") + "/token",
		}
		client = cc.Client(context.Background())
	}
	client.Timeout = timeout

	return &Channel{cfg: opts.Config, client: client}, nil
}

// Name returns the channel tag.
func (c *Channel) Name() string { return "avito" }

// VerifySignature checks the hex HMAC-SHA256 of the raw body against the
// supplied header value.
func (c *Channel) VerifySignature(body []byte, signature string) bool {
	return channel.VerifyHMAC(c.cfg.WebhookSecret, body, signature)
}

// webhookEnvelope is the outer shape of an avito webhook payload.
type webhookEnvelope struct {
	EventType string `json:"event_type"`
	Payload   struct {
		Message inboundMessage `json:"message"`
	} `json:"payload"`
}

// inboundMessage is the message object inside a message.new event.
type inboundMessage struct {
	ChatID     string      `json:"chat_id"`
	AuthorID   json.Number `json:"author_id"`
	AuthorName string      `json:"author_name"`
	Type       string      `json:"type"`
	Text       string      `json:"text"`
}

// ParseInbound extracts an InboundEvent from a webhook body. Only
// message.new events with a text body produce an event; read receipts and
// other event types are acknowledged with (nil, nil).
func (c *Channel) ParseInbound(body []byte) (*channel.InboundEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("avito: parse webhook: %w", err)
	}
	if env.EventType != "message.new" {
		return nil, nil
	}
	msg := env.Payload.Message
	if msg.ChatID == "" {
		return nil, fmt.Errorf("avito: message without chat_id")
	}
	if msg.Type != "text" && msg.Type != "" {
		return nil, nil
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil, nil
	}
	name := msg.AuthorName
	if name == "" {
		name = "Клиент"
	}
	return &channel.InboundEvent{
		Channel:        c.Name(),
		ExternalChatID: msg.ChatID,
		DisplayName:    name,
		Text:           text,
		ReceivedAt:     time.Now(),
	}, nil
}

// sendRequest is the messenger send payload.
type sendRequest struct {
	Type    string `json:"type"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

// Deliver posts a text message to the messenger send endpoint. Failures are
// classified: 429 and 5xx are transient (429 honors Retry-After), other
// non-2xx statuses are permanent.
func (c *Channel) Deliver(ctx context.Context, externalChatID, text string) error {
	if len([]rune(text)) > maxMessageLen {
		text = string([]rune(text)[:maxMessageLen])
	}

	var payload sendRequest
	payload.Type = "text"
	payload.Message.Text = text
	body, err := json.Marshal(payload)
	if err != nil {
		return channel.Permanent(c.Name(), fmt.Errorf("encode message: %w", err))
	}

	url := fmt.Sprintf("%s/messenger/v1/accounts/%s/chats/%s/messages",
		strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.UserID, externalChatID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return channel.Permanent(c.Name(), err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return channel.Transient(c.Name(), fmt.Errorf("send message: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return channel.TransientAfter(c.Name(),
			fmt.Errorf("rate limited: %s", readError(resp.Body)),
			retryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return channel.Transient(c.Name(),
			fmt.Errorf("status %d: %s", resp.StatusCode, readError(resp.Body)))
	default:
		return channel.Permanent(c.Name(),
			fmt.Errorf("status %d: %s", resp.StatusCode, readError(resp.Body)))
	}
}

// retryAfter parses a Retry-After header value in seconds.
func retryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// readError returns a truncated response body for error messages.
func readError(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(data))
}

// SignatureHeader returns the header the webhook boundary reads the
// signature from.
func (c *Channel) SignatureHeader() string { return SignatureHeader }
