package contextstore

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Sweeper purges expired conversations on a cron schedule. Expiry is also
// enforced lazily on read and on GetOrCreate; the sweeper only reclaims
// storage.
type Sweeper struct {
	store *Store
	sched cron.Schedule
}

// NewSweeper creates a Sweeper from a 5-field cron expression.
func NewSweeper(store *Store, expr string) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("contextstore: sweeper: store is required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("contextstore: sweeper: parse cron %q: %w", expr, err)
	}
	return &Sweeper{store: store, sched: sched}, nil
}

// Run fires the sweep on schedule until the context is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	for {
		next := sw.sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			purged, err := sw.store.PurgeExpired(ctx)
			if err != nil {
				log.Printf("contextstore: sweep: %v", err)
				continue
			}
			if purged > 0 {
				log.Printf("contextstore: sweep: purged %d expired conversations", purged)
			}
		}
	}
}
