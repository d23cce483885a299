// Package coalescer implements the batch settlement coalescer: an
// insertion-ordered queue that gathers payment authorizations within a
// window and submits them to the facilitator as a single /settle/batch
// call, demultiplexing the positional response back to each caller (spec
// §4.5).
package coalescer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sony/sonyflake/v2"

	"github.com/xbsc-402/x402-backend/internal/facilitator"
)

// ErrShuttingDown is returned by Enqueue once graceful shutdown has begun.
var ErrShuttingDown = errors.New("coalescer: shutting down, not accepting new items")

// ErrDuplicateNonce is returned by Enqueue when an authorization with the
// same payload hash is already in flight. This is a cheap in-memory
// fast-reject layered in front of the facilitator's own nonce_used check;
// it catches same-process duplicate submissions before they ever cost a
// verify/settle round trip.
var ErrDuplicateNonce = errors.New("coalescer: an identical authorization is already in flight")

// ErrStale is the completion error for items reaped by the stale sweep.
var ErrStale = errors.New("coalescer: item timed out waiting for a flush")

// ErrShutdownFlush is the completion error for items still queued when the
// process completes its shutdown flush.
var ErrShutdownFlush = errors.New("coalescer: flushed during shutdown without a facilitator result")

// Result is the outcome delivered to a blocked Enqueue caller.
type Result struct {
	Success     bool
	Transaction string
	Reason      string
	Err         error
}

// item is one queued settlement request.
type item struct {
	requestID     string
	authorization facilitator.PaymentPayload
	challenge     facilitator.PaymentRequirements
	enqueuedAt    time.Time
	resultCh      chan Result
	nonceHash     uint64
}

// Facilitator is the subset of facilitator.Client the coalescer needs.
type Facilitator interface {
	Verify(ctx context.Context, payload facilitator.PaymentPayload, reqs facilitator.PaymentRequirements) (*facilitator.VerifyResponse, error)
	SettleBatch(ctx context.Context, items []facilitator.BatchItem) (*facilitator.SettleBatchResponse, error)
}

// Options configures a Coalescer.
type Options struct {
	BatchSize      int
	BatchTimeout   time.Duration
	StaleAge       time.Duration
	SweepInterval  time.Duration
	VerifyTimeout  time.Duration
	SettleTimeout  time.Duration
}

func (o *Options) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = 500 * time.Millisecond
	}
	if o.StaleAge <= 0 {
		o.StaleAge = 120 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.VerifyTimeout <= 0 {
		o.VerifyTimeout = 60 * time.Second
	}
	if o.SettleTimeout <= 0 {
		o.SettleTimeout = 180 * time.Second
	}
}

// Coalescer is a process-global singleton injected into the admission
// pipeline as an explicit dependency, not an ambient global (spec §9's
// redesign note).
type Coalescer struct {
	opts        Options
	facilitator Facilitator
	idGen       *sonyflake.Sonyflake

	mu         sync.Mutex
	queue      []*item
	inFlight   map[uint64]struct{}
	processing atomic.Bool
	closing    atomic.Bool
	timer      *time.Timer

	stopSweep chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Coalescer bound to a facilitator client.
func New(f Facilitator, opts Options) (*Coalescer, error) {
	opts.setDefaults()

	idGen, err := sonyflake.New(sonyflake.Settings{})
	if err != nil {
		return nil, fmt.Errorf("coalescer: new id generator: %w", err)
	}

	c := &Coalescer{
		opts:        opts,
		facilitator: f,
		idGen:       idGen,
		inFlight:    make(map[uint64]struct{}),
		stopSweep:   make(chan struct{}),
	}

	c.wg.Add(1)
	go c.sweepLoop()

	return c, nil
}

// NextRequestID mints a unique, roughly time-ordered request id, used by
// callers that need one before building their SettleItem.
func (c *Coalescer) NextRequestID() (string, error) {
	id, err := c.idGen.NextID()
	if err != nil {
		return "", fmt.Errorf("coalescer: mint request id: %w", err)
	}
	return fmt.Sprintf("%d", id), nil
}

// Enqueue inserts an item and blocks until it is completed by a flush, the
// stale sweep, shutdown, or ctx's own deadline/cancellation — whichever
// comes first.
func (c *Coalescer) Enqueue(ctx context.Context, requestID string, authorization facilitator.PaymentPayload, challenge facilitator.PaymentRequirements) (Result, error) {
	if c.closing.Load() {
		return Result{}, ErrShuttingDown
	}

	it := &item{
		requestID:     requestID,
		authorization: authorization,
		challenge:     challenge,
		enqueuedAt:    time.Now(),
		resultCh:      make(chan Result, 1),
		nonceHash:     xxhash.Sum64(authorization),
	}

	c.mu.Lock()
	if c.closing.Load() {
		c.mu.Unlock()
		return Result{}, ErrShuttingDown
	}
	if _, dup := c.inFlight[it.nonceHash]; dup {
		c.mu.Unlock()
		return Result{}, ErrDuplicateNonce
	}
	c.inFlight[it.nonceHash] = struct{}{}
	c.queue = append(c.queue, it)
	shouldFlush := len(c.queue) >= c.opts.BatchSize
	if shouldFlush && c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	} else if !shouldFlush && c.timer == nil {
		c.timer = time.AfterFunc(c.opts.BatchTimeout, func() { c.flush() })
	}
	c.mu.Unlock()

	if shouldFlush {
		go c.flush()
	}

	select {
	case res := <-it.resultCh:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// flush is reentrancy-guarded by processing: only one flush runs at a time.
func (c *Coalescer) flush() {
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer c.processing.Store(false)

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	n := len(c.queue)
	if n > c.opts.BatchSize {
		n = c.opts.BatchSize
	}
	batch := c.queue[:n]
	c.queue = c.queue[n:]
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	c.runBatch(batch)

	c.mu.Lock()
	remaining := len(c.queue)
	if remaining > 0 && c.timer == nil {
		c.timer = time.AfterFunc(c.opts.BatchTimeout, func() { c.flush() })
	}
	c.mu.Unlock()
}

// runBatch re-verifies every item in parallel, then settles the survivors
// as a single batch, demultiplexing results back to each item's handle.
func (c *Coalescer) runBatch(batch []*item) {
	verified := make([]bool, len(batch))
	var wg sync.WaitGroup

	for i, it := range batch {
		wg.Add(1)
		go func(i int, it *item) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.VerifyTimeout)
			defer cancel()

			resp, err := c.facilitator.Verify(ctx, it.authorization, it.challenge)
			if err != nil {
				c.complete(it, Result{Err: err})
				return
			}
			if !resp.IsValid {
				c.complete(it, Result{Reason: resp.Reason, Err: fmt.Errorf("coalescer: verification failed: %s", resp.Reason)})
				return
			}

			verified[i] = true
		}(i, it)
	}
	wg.Wait()

	valid := make([]*item, 0, len(batch))
	for i, it := range batch {
		if verified[i] {
			valid = append(valid, it)
		}
	}

	if len(valid) == 0 {
		return
	}

	items := make([]facilitator.BatchItem, len(valid))
	for i, it := range valid {
		items[i] = facilitator.BatchItem{PaymentPayload: it.authorization, PaymentRequirements: it.challenge}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.SettleTimeout)
	defer cancel()

	resp, err := c.facilitator.SettleBatch(ctx, items)
	if err != nil {
		for _, it := range valid {
			c.complete(it, Result{Err: fmt.Errorf("coalescer: batch settle transport error: %w", err)})
		}
		return
	}

	for i, it := range valid {
		if i >= len(resp.Results) {
			c.complete(it, Result{Err: fmt.Errorf("coalescer: missing batch result for position %d", i)})
			continue
		}
		r := resp.Results[i]
		if r.Success && r.Transaction != "" {
			c.complete(it, Result{Success: true, Transaction: r.Transaction})
		} else {
			c.complete(it, Result{Reason: r.Error, Err: fmt.Errorf("coalescer: settlement failed: %s", r.Error)})
		}
	}
}

// complete delivers res to it's completion handle and releases its
// duplicate-nonce guard slot.
func (c *Coalescer) complete(it *item, res Result) {
	c.mu.Lock()
	delete(c.inFlight, it.nonceHash)
	c.mu.Unlock()

	select {
	case it.resultCh <- res:
	default:
	}
}

// sweepLoop periodically removes items older than StaleAge and completes
// them with ErrStale.
func (c *Coalescer) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepStale()
		case <-c.stopSweep:
			return
		}
	}
}

func (c *Coalescer) sweepStale() {
	c.mu.Lock()
	kept := c.queue[:0:0]
	var stale []*item
	cutoff := time.Now().Add(-c.opts.StaleAge)
	for _, it := range c.queue {
		if it.enqueuedAt.Before(cutoff) {
			stale = append(stale, it)
		} else {
			kept = append(kept, it)
		}
	}
	c.queue = kept
	c.mu.Unlock()

	for _, it := range stale {
		c.complete(it, Result{Err: ErrStale})
	}
}

// Shutdown stops accepting new items, runs one final flush, and completes
// everything still queued with ErrShutdownFlush (spec §5's graceful
// shutdown step 2).
func (c *Coalescer) Shutdown() {
	c.closing.Store(true)
	close(c.stopSweep)
	c.wg.Wait()

	c.flush()

	c.mu.Lock()
	remaining := c.queue
	c.queue = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	for _, it := range remaining {
		c.complete(it, Result{Err: ErrShutdownFlush})
	}
}

// QueueLen reports the current queue depth. Test/observability use only.
func (c *Coalescer) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
