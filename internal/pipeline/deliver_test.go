package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkrasnov/replybot/internal/channel"
	"github.com/dkrasnov/replybot/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openPipelineTestDB opens an in-memory SQLite DB with the pipeline tables.
func openPipelineTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Conversation{},
		&models.ConversationMessage{},
		&models.Document{},
		&models.DeliveryFailure{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func TestDeliver_FirstAttemptSucceeds(t *testing.T) {
	ch := channel.NewMockChannel("mock")
	d := NewDeliverer(DelivererOpts{Sleep: func(time.Duration) {}})

	if err := d.Deliver(context.Background(), ch, "chat-1", "ответ"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if ch.Attempts() != 1 {
		t.Errorf("attempts = %d, want 1", ch.Attempts())
	}
}

func TestDeliver_TransientThenSuccess(t *testing.T) {
	ch := channel.NewMockChannel("mock")
	ch.DeliverFn = func(attempt int, chatID, text string) error {
		if attempt < 3 {
			return channel.Transient("mock", errors.New("flaky"))
		}
		return nil
	}
	var slept []time.Duration
	d := NewDeliverer(DelivererOpts{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
		Sleep:     func(dur time.Duration) { slept = append(slept, dur) },
	})

	if err := d.Deliver(context.Background(), ch, "chat-1", "ответ"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if ch.Attempts() != 3 {
		t.Errorf("attempts = %d, want 3", ch.Attempts())
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v (exponential)", i, slept[i], want[i])
		}
	}
}

func TestDeliver_ExhaustionRecordsFailure(t *testing.T) {
	db := openPipelineTestDB(t)
	ch := channel.NewMockChannel("mock")
	ch.DeliverFn = func(attempt int, chatID, text string) error {
		return channel.Transient("mock", errors.New("always down"))
	}
	d := NewDeliverer(DelivererOpts{DB: db, Sleep: func(time.Duration) {}})

	err := d.Deliver(context.Background(), ch, "chat-1", "ответ")
	if !errors.Is(err, ErrDeliveryExhausted) {
		t.Fatalf("err = %v, want ErrDeliveryExhausted", err)
	}
	if ch.Attempts() != DefaultMaxAttempts {
		t.Errorf("attempts = %d, want exactly %d", ch.Attempts(), DefaultMaxAttempts)
	}

	var failures []models.DeliveryFailure
	if err := db.Find(&failures).Error; err != nil {
		t.Fatalf("load failures: %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("failure rows = %d, want 1", len(failures))
	}
	f := failures[0]
	if f.Reason != "exhausted" || f.Attempts != DefaultMaxAttempts || f.Channel != "mock" {
		t.Errorf("failure row = %+v", f)
	}
	if f.Text != "ответ" {
		t.Errorf("failure text = %q, want the undelivered reply", f.Text)
	}
}

func TestDeliver_PermanentStopsImmediately(t *testing.T) {
	db := openPipelineTestDB(t)
	ch := channel.NewMockChannel("mock")
	ch.DeliverFn = func(attempt int, chatID, text string) error {
		return channel.Permanent("mock", errors.New("chat not found"))
	}
	slept := 0
	d := NewDeliverer(DelivererOpts{DB: db, Sleep: func(time.Duration) { slept++ }})

	err := d.Deliver(context.Background(), ch, "chat-1", "ответ")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrDeliveryExhausted) {
		t.Error("permanent failure must not report exhaustion")
	}
	if ch.Attempts() != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on permanent)", ch.Attempts())
	}
	if slept != 0 {
		t.Errorf("slept %d times, want 0", slept)
	}

	var f models.DeliveryFailure
	if err := db.First(&f).Error; err != nil {
		t.Fatalf("load failure: %v", err)
	}
	if f.Reason != "permanent" {
		t.Errorf("reason = %q, want permanent", f.Reason)
	}
}

func TestDeliver_RetryAfterHintRaisesDelay(t *testing.T) {
	ch := channel.NewMockChannel("mock")
	ch.DeliverFn = func(attempt int, chatID, text string) error {
		if attempt == 1 {
			return channel.TransientAfter("mock", errors.New("rate limited"), 5*time.Second)
		}
		return nil
	}
	var slept []time.Duration
	d := NewDeliverer(DelivererOpts{
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
		Sleep:     func(dur time.Duration) { slept = append(slept, dur) },
	})

	if err := d.Deliver(context.Background(), ch, "chat-1", "ответ"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(slept) != 1 || slept[0] != 5*time.Second {
		t.Errorf("sleeps = %v, want the 5s platform hint", slept)
	}
}

func TestBackoff_Capped(t *testing.T) {
	d := NewDeliverer(DelivererOpts{
		BaseDelay:   time.Second,
		MaxDelay:    4 * time.Second,
		MaxAttempts: 10,
		Sleep:       func(time.Duration) {},
	})

	tests := []struct {
		attempt    int
		retryAfter time.Duration
		want       time.Duration
	}{
		{1, 0, time.Second},
		{2, 0, 2 * time.Second},
		{3, 0, 4 * time.Second},
		{4, 0, 4 * time.Second},                // capped
		{1, 10 * time.Second, 4 * time.Second}, // hint also capped
		{3, time.Second, 4 * time.Second},      // short hint never lowers
	}
	for _, tt := range tests {
		if got := d.backoff(tt.attempt, tt.retryAfter); got != tt.want {
			t.Errorf("backoff(%d, %v) = %v, want %v", tt.attempt, tt.retryAfter, got, tt.want)
		}
	}
}

func TestDeliver_NilDBStillWorks(t *testing.T) {
	ch := channel.NewMockChannel("mock")
	ch.DeliverFn = func(attempt int, chatID, text string) error {
		return channel.Permanent("mock", errors.New("bad"))
	}
	d := NewDeliverer(DelivererOpts{Sleep: func(time.Duration) {}})
	if err := d.Deliver(context.Background(), ch, "chat-1", "x"); err == nil {
		t.Fatal("expected error")
	}
}
