package channel

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestIsTransient(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", Transient("avito", base), true},
		{"transient with hint", TransientAfter("avito", base, time.Second), true},
		{"permanent", Permanent("telegram", base), false},
		{"wrapped transient", fmt.Errorf("attempt 2: %w", Transient("avito", base)), true},
		{"wrapped permanent", fmt.Errorf("attempt 1: %w", Permanent("avito", base)), false},
		{"unclassified defaults to transient", base, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryAfter(t *testing.T) {
	base := errors.New("rate limited")

	if got := RetryAfter(TransientAfter("avito", base, 7*time.Second)); got != 7*time.Second {
		t.Errorf("RetryAfter() = %v, want 7s", got)
	}
	if got := RetryAfter(Transient("avito", base)); got != 0 {
		t.Errorf("RetryAfter() without hint = %v, want 0", got)
	}
	if got := RetryAfter(base); got != 0 {
		t.Errorf("RetryAfter() unclassified = %v, want 0", got)
	}
}

func TestDeliveryError_Message(t *testing.T) {
	err := Permanent("telegram", errors.New("chat not found"))
	if !strings.Contains(err.Error(), "permanent") {
		t.Errorf("error = %q, want to mention permanent", err.Error())
	}
	if !strings.Contains(err.Error(), "telegram") {
		t.Errorf("error = %q, want to mention the channel", err.Error())
	}

	terr := Transient("avito", errors.New("status 503"))
	if !strings.Contains(terr.Error(), "transient") {
		t.Errorf("error = %q, want to mention transient", terr.Error())
	}
}

func TestDeliveryError_Unwrap(t *testing.T) {
	base := errors.New("boom")
	if !errors.Is(Transient("avito", base), base) {
		t.Error("errors.Is should see through DeliveryError")
	}
}
