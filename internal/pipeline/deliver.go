package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dkrasnov/replybot/internal/channel"
	"github.com/dkrasnov/replybot/internal/models"
	"gorm.io/gorm"
)

// Default retry policy.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// ErrDeliveryExhausted is returned when every attempt failed transiently.
var ErrDeliveryExhausted = errors.New("pipeline: delivery attempts exhausted")

// Deliverer sends a generated reply with bounded retry and exponential
// backoff. Terminal failures are recorded as DeliveryFailure rows so an
// abandoned reply always leaves a trace for the operator.
type Deliverer struct {
	db          *gorm.DB
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	timeout     time.Duration

	sleep func(time.Duration) // injectable for tests
}

// DelivererOpts holds parameters for creating a Deliverer.
type DelivererOpts struct {
	DB          *gorm.DB // optional; terminal failures are only logged when nil
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration // per-attempt send timeout
	Sleep       func(time.Duration)
}

// NewDeliverer creates a Deliverer.
func NewDeliverer(opts DelivererOpts) *Deliverer {
	d := &Deliverer{
		db:          opts.DB,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		timeout:     opts.Timeout,
		sleep:       opts.Sleep,
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = DefaultMaxAttempts
	}
	if d.baseDelay <= 0 {
		d.baseDelay = DefaultBaseDelay
	}
	if d.maxDelay <= 0 {
		d.maxDelay = DefaultMaxDelay
	}
	if d.timeout <= 0 {
		d.timeout = 15 * time.Second
	}
	if d.sleep == nil {
		d.sleep = time.Sleep
	}
	return d
}

// Deliver sends text to the chat via ch. Transient failures are retried up
// to the attempt ceiling with exponentially growing, capped delays; a
// platform retry-after hint overrides the computed delay when longer.
// Permanent failures stop immediately. A nil return means delivered.
func (d *Deliverer) Deliver(ctx context.Context, ch channel.Channel, externalChatID, text string) error {
	var lastErr error

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := ch.Deliver(attemptCtx, externalChatID, text)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		if !channel.IsTransient(err) {
			log.Printf("pipeline: %s delivery to %s failed permanently: %v",
				ch.Name(), externalChatID, err)
			d.record(ch.Name(), externalChatID, text, attempt, "permanent", err)
			return err
		}

		log.Printf("pipeline: %s delivery to %s failed (attempt %d/%d): %v",
			ch.Name(), externalChatID, attempt, d.maxAttempts, err)

		if attempt == d.maxAttempts {
			break
		}
		d.sleep(d.backoff(attempt, channel.RetryAfter(err)))
	}

	d.record(ch.Name(), externalChatID, text, d.maxAttempts, "exhausted", lastErr)
	return fmt.Errorf("%w after %d attempts: %v", ErrDeliveryExhausted, d.maxAttempts, lastErr)
}

// backoff returns the delay before the next attempt: base doubling per
// attempt, capped, and never shorter than the platform's retry-after hint.
func (d *Deliverer) backoff(attempt int, retryAfter time.Duration) time.Duration {
	delay := d.baseDelay << (attempt - 1)
	if delay > d.maxDelay {
		delay = d.maxDelay
	}
	if retryAfter > delay {
		delay = retryAfter
		if delay > d.maxDelay {
			delay = d.maxDelay
		}
	}
	return delay
}

// record persists a DeliveryFailure row (best-effort).
func (d *Deliverer) record(channelName, externalChatID, text string, attempts int, reason string, cause error) {
	if d.db == nil {
		return
	}
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
		if len(lastErr) > 512 {
			lastErr = lastErr[:512]
		}
	}
	row := models.DeliveryFailure{
		Channel:        channelName,
		ExternalChatID: externalChatID,
		Text:           text,
		Attempts:       attempts,
		Reason:         reason,
		LastError:      lastErr,
	}
	if err := d.db.Create(&row).Error; err != nil {
		log.Printf("pipeline: record delivery failure: %v", err)
	}
}
