package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkrasnov/replybot/internal/channel"
	"github.com/dkrasnov/replybot/internal/contextstore"
	"github.com/dkrasnov/replybot/internal/rag"
)

// Event lifecycle states. Received and Validated happen at the webhook
// boundary; the pool carries an event from Enqueued to a terminal state.
const (
	StateReceived   = "received"
	StateValidated  = "validated"
	StateEnqueued   = "enqueued"
	StateProcessing = "processing"
	StateDelivered  = "delivered"
	StateAbandoned  = "abandoned"
)

// DefaultWorkers is the worker count when none is configured.
const DefaultWorkers = 3

// Generator produces the reply text for a query. Implemented by
// rag.Generator; stubbed in tests.
type Generator interface {
	Generate(ctx context.Context, query, displayName string, snippets []rag.Result, history []contextstore.Message) string
}

// Pool drains the ingestion queue with a fixed number of workers. Each
// worker handles one event at a time, running the full store → retrieval →
// generation → delivery sequence. Workers share no conversation state;
// per-conversation serialization lives in the context store.
type Pool struct {
	queue        *Queue
	store        *contextstore.Store
	index        *rag.Index
	generator    Generator
	deliverer    *Deliverer
	channels     map[string]channel.Channel
	workers      int
	recentWindow int
	topK         int
	stageTimeout time.Duration

	delivered atomic.Int64
	abandoned atomic.Int64
}

// PoolOpts holds parameters for creating a Pool.
type PoolOpts struct {
	Queue        *Queue
	Store        *contextstore.Store
	Index        *rag.Index
	Generator    Generator
	Deliverer    *Deliverer
	Channels     []channel.Channel
	Workers      int           // defaults to DefaultWorkers
	RecentWindow int           // messages read into generation context
	TopK         int           // retrieval depth
	StageTimeout time.Duration // bound on each store/retrieval/generation stage
}

// NewPool creates a Pool.
func NewPool(opts PoolOpts) (*Pool, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("pipeline: queue is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("pipeline: store is required")
	}
	if opts.Index == nil {
		return nil, fmt.Errorf("pipeline: index is required")
	}
	if opts.Generator == nil {
		return nil, fmt.Errorf("pipeline: generator is required")
	}
	if opts.Deliverer == nil {
		return nil, fmt.Errorf("pipeline: deliverer is required")
	}
	if len(opts.Channels) == 0 {
		return nil, fmt.Errorf("pipeline: at least one channel is required")
	}

	channels := make(map[string]channel.Channel, len(opts.Channels))
	for _, ch := range opts.Channels {
		channels[ch.Name()] = ch
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	window := opts.RecentWindow
	if window <= 0 {
		window = 20
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = 3
	}
	stageTimeout := opts.StageTimeout
	if stageTimeout <= 0 {
		stageTimeout = 60 * time.Second
	}

	return &Pool{
		queue:        opts.Queue,
		store:        opts.Store,
		index:        opts.Index,
		generator:    opts.Generator,
		deliverer:    opts.Deliverer,
		channels:     channels,
		workers:      workers,
		recentWindow: window,
		topK:         topK,
		stageTimeout: stageTimeout,
	}, nil
}

// Run starts the workers and blocks until the queue is drained after
// shutdown. Cancelling ctx closes the queue (stopping new acceptance
// immediately) and lets in-flight and buffered events finish.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup

	// Detach stage contexts from ctx so cancelling the pool does not
	// abort events already accepted; drain semantics require they finish.
	workCtx := context.Background()

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for ev := range p.queue.Events() {
				p.handle(workCtx, id, ev)
			}
			log.Printf("pipeline: worker %d drained", id)
		}(i)
	}

	<-ctx.Done()
	log.Printf("pipeline: shutdown signaled, draining %d buffered events", p.queue.Len())
	p.queue.Close()
	wg.Wait()
	log.Printf("pipeline: all workers stopped (delivered=%d abandoned=%d)",
		p.delivered.Load(), p.abandoned.Load())
}

// Delivered returns the number of events that reached StateDelivered.
func (p *Pool) Delivered() int64 { return p.delivered.Load() }

// Abandoned returns the number of events that reached StateAbandoned.
func (p *Pool) Abandoned() int64 { return p.abandoned.Load() }

// handle isolates one event: a panic or stage failure abandons the event
// without taking the worker down.
func (p *Pool) handle(ctx context.Context, workerID int, ev channel.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.abandoned.Add(1)
			log.Printf("pipeline: worker %d: panic on %s/%s event: %v",
				workerID, ev.Channel, ev.ExternalChatID, r)
		}
	}()

	state := p.process(ctx, workerID, ev)
	switch state {
	case StateDelivered:
		p.delivered.Add(1)
	default:
		p.abandoned.Add(1)
	}
}

// process runs the stage sequence for one event and returns its terminal
// state.
func (p *Pool) process(ctx context.Context, workerID int, ev channel.InboundEvent) string {
	ch, ok := p.channels[ev.Channel]
	if !ok {
		log.Printf("pipeline: worker %d: no channel registered for %q", workerID, ev.Channel)
		return StateAbandoned
	}

	log.Printf("pipeline: worker %d: %s [ch=%s chat=%s]",
		workerID, StateProcessing, ev.Channel, ev.ExternalChatID)

	// Context stage: resolve the conversation, read the window, persist
	// the inbound turn. Store failure abandons — a reply the store cannot
	// recall as context later must not be sent.
	storeCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()

	convID, err := p.store.GetOrCreate(storeCtx, ev.Channel, ev.ExternalChatID, ev.DisplayName)
	if err != nil {
		log.Printf("pipeline: worker %d: resolve conversation: %v", workerID, err)
		return StateAbandoned
	}
	history, err := p.store.RecentContext(storeCtx, convID, p.recentWindow)
	if err != nil {
		log.Printf("pipeline: worker %d: load context: %v", workerID, err)
		return StateAbandoned
	}
	if err := p.store.AppendMessage(storeCtx, convID, channel.RoleInbound, ev.Text); err != nil {
		log.Printf("pipeline: worker %d: append inbound: %v", workerID, err)
		return StateAbandoned
	}

	// Retrieval stage. Empty or failed retrieval means "no grounding",
	// never a dead event.
	searchCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	snippets, err := p.index.Search(searchCtx, ev.Text, p.topK)
	cancel()
	if err != nil {
		log.Printf("pipeline: worker %d: retrieval degraded: %v", workerID, err)
		snippets = nil
	}

	// Generation stage. The generator recovers every failure (including
	// its context deadline) into the deterministic fallback.
	genCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	reply := p.generator.Generate(genCtx, ev.Text, ev.DisplayName, snippets, history)
	cancel()

	// Persist the outbound turn before delivering; this also renews the
	// conversation TTL.
	appendCtx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	err = p.store.AppendMessage(appendCtx, convID, channel.RoleOutbound, reply)
	cancel()
	if err != nil {
		log.Printf("pipeline: worker %d: append outbound: %v", workerID, err)
		return StateAbandoned
	}

	// Delivery stage with its own retry policy.
	if err := p.deliverer.Deliver(ctx, ch, ev.ExternalChatID, reply); err != nil {
		log.Printf("pipeline: worker %d: delivery failed: %v", workerID, err)
		return StateAbandoned
	}

	log.Printf("pipeline: worker %d: %s [ch=%s chat=%s]",
		workerID, StateDelivered, ev.Channel, ev.ExternalChatID)
	return StateDelivered
}
