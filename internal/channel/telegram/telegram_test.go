package telegram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkrasnov/replybot/internal/channel"
	"github.com/dkrasnov/replybot/internal/config"
)

func newTestChannel(t *testing.T, baseURL string) *Channel {
	t.Helper()
	ch, err := New(Opts{
		Config: config.TelegramConfig{
			BotToken:      "123:abc",
			WebhookSecret: "tg-secret",
			BaseURL:       baseURL,
		},
		Client: &http.Client{},
	})
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	return ch
}

func TestNew_RequiredFields(t *testing.T) {
	if _, err := New(Opts{Config: config.TelegramConfig{WebhookSecret: "s"}}); err == nil {
		t.Error("expected error for missing bot token")
	}
	if _, err := New(Opts{Config: config.TelegramConfig{BotToken: "t"}}); err == nil {
		t.Error("expected error for missing webhook secret")
	}
}

func TestVerifySignature(t *testing.T) {
	ch := newTestChannel(t, "http://example.invalid")

	if !ch.VerifySignature(nil, "tg-secret") {
		t.Error("valid secret token rejected")
	}
	if ch.VerifySignature(nil, "wrong") {
		t.Error("wrong secret token accepted")
	}
	if ch.VerifySignature(nil, "") {
		t.Error("empty secret token accepted")
	}
}

func TestParseInbound(t *testing.T) {
	ch := newTestChannel(t, "http://example.invalid")

	tests := []struct {
		name     string
		body     string
		wantNil  bool
		wantErr  bool
		wantChat string
		wantName string
	}{
		{
			name:     "text message with first name",
			body:     `{"message":{"chat":{"id":555},"from":{"first_name":"Анна","username":"anna"},"text":"здравствуйте"}}`,
			wantChat: "555",
			wantName: "Анна",
		},
		{
			name:     "username fallback",
			body:     `{"message":{"chat":{"id":556},"from":{"username":"ghost"},"text":"hi"}}`,
			wantChat: "556",
			wantName: "ghost",
		},
		{
			name:     "anonymous fallback",
			body:     `{"message":{"chat":{"id":557},"from":{},"text":"hi"}}`,
			wantChat: "557",
			wantName: "Друг",
		},
		{
			name:    "update without message",
			body:    `{"edited_message":{"chat":{"id":558},"text":"edited"}}`,
			wantNil: true,
		},
		{
			name:    "sticker without text",
			body:    `{"message":{"chat":{"id":559},"from":{"first_name":"X"}}}`,
			wantNil: true,
		},
		{
			name:    "missing chat id",
			body:    `{"message":{"chat":{},"text":"hi"}}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			body:    `{"message":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ch.ParseInbound([]byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if tt.wantNil {
				if ev != nil {
					t.Fatalf("expected nil event, got %+v", ev)
				}
				return
			}
			if ev == nil {
				t.Fatal("expected event, got nil")
			}
			if ev.ExternalChatID != tt.wantChat {
				t.Errorf("ExternalChatID = %q, want %q", ev.ExternalChatID, tt.wantChat)
			}
			if ev.DisplayName != tt.wantName {
				t.Errorf("DisplayName = %q, want %q", ev.DisplayName, tt.wantName)
			}
		})
	}
}

func TestDeliver_Success(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	ch := newTestChannel(t, srv.URL)
	if err := ch.Deliver(context.Background(), "555", "<b>Привет</b>"); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if gotPath != "/bot123:abc/sendMessage" {
		t.Errorf("path = %q, want /bot123:abc/sendMessage", gotPath)
	}
	if !strings.Contains(gotBody, `"parse_mode":"HTML"`) {
		t.Errorf("body = %q, want HTML parse mode", gotBody)
	}
	if !strings.Contains(gotBody, `"chat_id":"555"`) {
		t.Errorf("body = %q, want chat_id", gotBody)
	}
}

func TestDeliver_Classification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
		wantHint      time.Duration
	}{
		{
			name:          "rate limited",
			status:        http.StatusTooManyRequests,
			body:          `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":4}}`,
			wantTransient: true,
			wantHint:      4 * time.Second,
		},
		{
			name:          "server error in envelope",
			status:        http.StatusBadGateway,
			body:          `{"ok":false,"error_code":502,"description":"Bad Gateway"}`,
			wantTransient: true,
		},
		{
			name:   "chat not found",
			status: http.StatusBadRequest,
			body:   `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`,
		},
		{
			name:   "bot blocked",
			status: http.StatusForbidden,
			body:   `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`,
		},
		{
			name:          "unparseable 5xx",
			status:        http.StatusServiceUnavailable,
			body:          `<html>gateway error</html>`,
			wantTransient: true,
		},
		{
			name:   "unparseable 4xx",
			status: http.StatusNotFound,
			body:   `<html>not found</html>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			ch := newTestChannel(t, srv.URL)
			err := ch.Deliver(context.Background(), "555", "hi")
			if err == nil {
				t.Fatal("expected delivery error")
			}
			var de *channel.DeliveryError
			if !errors.As(err, &de) {
				t.Fatalf("error %T is not a DeliveryError", err)
			}
			if de.Transient != tt.wantTransient {
				t.Errorf("Transient = %v, want %v", de.Transient, tt.wantTransient)
			}
			if channel.RetryAfter(err) != tt.wantHint {
				t.Errorf("RetryAfter = %v, want %v", channel.RetryAfter(err), tt.wantHint)
			}
		})
	}
}
