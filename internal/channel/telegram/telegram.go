// Package telegram implements the bot platform channel over the Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dkrasnov/replybot/internal/channel"
	"github.com/dkrasnov/replybot/internal/config"
)

// SecretTokenHeader is set by the Bot API on every webhook request when a
// secret token was registered with setWebhook.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// Channel is the telegram implementation of channel.Channel.
type Channel struct {
	cfg    config.TelegramConfig
	client *http.Client
}

// Opts holds parameters for creating a telegram Channel.
type Opts struct {
	Config config.TelegramConfig
	// Client overrides the HTTP client (tests). Defaults to a 30s-timeout client.
	Client *http.Client
}

// New creates a telegram Channel.
func New(opts Opts) (*Channel, error) {
	if opts.Config.BotToken == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	if opts.Config.WebhookSecret == "" {
		return nil, fmt.Errorf("telegram: webhook secret is required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Channel{cfg: opts.Config, client: client}, nil
}

// Name returns the channel tag.
func (c *Channel) Name() string { return "telegram" }

// VerifySignature compares the webhook secret-token header against the
// configured secret in constant time. The Bot API does not sign the body;
// the shared token is the documented scheme.
func (c *Channel) VerifySignature(body []byte, signature string) bool {
	return channel.EqualSecret(c.cfg.WebhookSecret, signature)
}

// update is the subset of a Bot API update we consume.
type update struct {
	Message *struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From struct {
			FirstName string `json:"first_name"`
			Username  string `json:"username"`
		} `json:"from"`
		Text string `json:"text"`
	} `json:"message"`
}

// ParseInbound extracts an InboundEvent from a Bot API update. Updates
// without a text message (edits, stickers, service messages) are
// acknowledged with (nil, nil).
func (c *Channel) ParseInbound(body []byte) (*channel.InboundEvent, error) {
	var upd update
	if err := json.Unmarshal(body, &upd); err != nil {
		return nil, fmt.Errorf("telegram: parse update: %w", err)
	}
	if upd.Message == nil {
		return nil, nil
	}
	if upd.Message.Chat.ID == 0 {
		return nil, fmt.Errorf("telegram: message without chat id")
	}
	text := strings.TrimSpace(upd.Message.Text)
	if text == "" {
		return nil, nil
	}
	name := upd.Message.From.FirstName
	if name == "" {
		name = upd.Message.From.Username
	}
	if name == "" {
		name = "Друг"
	}
	return &channel.InboundEvent{
		Channel:        c.Name(),
		ExternalChatID: fmt.Sprintf("%d", upd.Message.Chat.ID),
		DisplayName:    name,
		Text:           text,
		ReceivedAt:     time.Now(),
	}, nil
}

// sendMessageRequest is the Bot API sendMessage payload.
type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// apiResponse is the Bot API envelope.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Deliver sends the reply via sendMessage with HTML parse mode. A 429 with
// retry_after and any 5xx are transient; Bot API errors such as "chat not
// found" are permanent.
func (c *Channel) Deliver(ctx context.Context, externalChatID, text string) error {
	payload, err := json.Marshal(sendMessageRequest{
		ChatID:    externalChatID,
		Text:      text,
		ParseMode: "HTML",
	})
	if err != nil {
		return channel.Permanent(c.Name(), fmt.Errorf("encode message: %w", err))
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage",
		strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return channel.Permanent(c.Name(), err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return channel.Transient(c.Name(), fmt.Errorf("send message: %w", err))
	}
	defer resp.Body.Close()

	var api apiResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &api); err != nil {
		if resp.StatusCode >= 500 {
			return channel.Transient(c.Name(), fmt.Errorf("status %d", resp.StatusCode))
		}
		return channel.Permanent(c.Name(), fmt.Errorf("status %d: unparseable response", resp.StatusCode))
	}
	if api.OK {
		return nil
	}

	err = fmt.Errorf("api error %d: %s", api.ErrorCode, api.Description)
	switch {
	case api.ErrorCode == http.StatusTooManyRequests:
		var after time.Duration
		if api.Parameters != nil {
			after = time.Duration(api.Parameters.RetryAfter) * time.Second
		}
		return channel.TransientAfter(c.Name(), err, after)
	case api.ErrorCode >= 500:
		return channel.Transient(c.Name(), err)
	default:
		return channel.Permanent(c.Name(), err)
	}
}

// SignatureHeader returns the header the webhook boundary reads the
// secret token from.
func (c *Channel) SignatureHeader() string { return SecretTokenHeader }
