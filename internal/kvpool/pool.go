// Package kvpool implements a bounded [min,max] pool of Redis connections
// with LIFO idle reuse, FIFO waiters, a periodic health-check loop, and a
// transaction-replay builder — the "Pooled Key-Value Client" of spec §4.1.
package kvpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/redis/go-redis/v9"
)

// Options configures a Pool. Zero values are replaced by sane defaults in
// New.
type Options struct {
	MinConns      int
	MaxConns      int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	PingTimeout    time.Duration
	MaxCreateRetries int
	HealthCheckInterval time.Duration

	// OnUnhealthy is invoked if, after a health-check tick, zero ready
	// connections remain.
	OnUnhealthy func()
}

func (o *Options) setDefaults() {
	if o.MinConns <= 0 {
		o.MinConns = 1
	}
	if o.MaxConns < o.MinConns {
		o.MaxConns = o.MinConns
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 5 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 30 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 500 * time.Millisecond
	}
	if o.MaxCreateRetries <= 0 {
		o.MaxCreateRetries = 5
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = 30 * time.Second
	}
}

// conn wraps a *redis.Client with pool bookkeeping.
type conn struct {
	client   *redis.Client
	idleSince time.Time
}

// Status reports pool totals, mirroring db-bouncer's Stats shape.
type Status struct {
	Total     int
	Idle      int
	Active    int
	Waiting   int
	Exhausted int64
}

// Pool is a LIFO-idle / FIFO-waiter connection pool over go-redis clients.
type Pool struct {
	opts     Options
	addr     string
	password string
	db       int

	mu        sync.Mutex
	cond      *sync.Cond
	idle      []*conn
	active    map[*conn]struct{}
	total     int
	waiting   int
	exhausted int64
	closed    bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New dials up to MinConns connections before returning, skipping any that
// fail to connect; further connections are created lazily on Acquire.
func New(redisURL string, opts Options) (*Pool, error) {
	opts.setDefaults()

	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("kvpool: parse redis url: %w", err)
	}

	p := &Pool{
		opts:     opts,
		addr:     parsed.Addr,
		password: parsed.Password,
		db:       parsed.DB,
		active:   make(map[*conn]struct{}),
		stopCh:   make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(1)
	go p.healthLoop()

	for i := 0; i < opts.MinConns; i++ {
		p.mu.Lock()
		if p.total >= opts.MinConns {
			p.mu.Unlock()
			break
		}
		p.total++
		p.mu.Unlock()

		c, err := p.dial(context.Background())
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			continue
		}
		p.mu.Lock()
		c.idleSince = time.Now()
		p.idle = append(p.idle, c)
		p.mu.Unlock()
	}

	return p, nil
}

func (p *Pool) dial(ctx context.Context) (*conn, error) {
	var client *redis.Client
	err := retry.Do(
		func() error {
			client = redis.NewClient(&redis.Options{
				Addr:         p.addr,
				Password:     p.password,
				DB:           p.db,
				DialTimeout:  p.opts.CommandTimeout,
				ReadTimeout:  p.opts.CommandTimeout,
				WriteTimeout: p.opts.CommandTimeout,
			})
			pingCtx, cancel := context.WithTimeout(ctx, p.opts.PingTimeout)
			defer cancel()
			return client.Ping(pingCtx).Err()
		},
		retry.Attempts(uint(p.opts.MaxCreateRetries)),
		retry.Delay(50*time.Millisecond),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.BackOffDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("kvpool: dial: %w", err)
	}
	return &conn{client: client}, nil
}

// Acquire pops a connection LIFO from the idle list, discarding any that
// fail a bounded liveness check, creates a new one if under max, or
// enqueues FIFO behind other waiters until AcquireTimeout / ctx elapses.
func (p *Pool) Acquire(ctx context.Context) (*redis.Client, error) {
	deadline := time.Now().Add(p.opts.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		for len(p.idle) > 0 {
			c := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if time.Since(c.idleSince) > p.opts.IdleTimeout {
				p.total--
				_ = c.client.Close()
				continue
			}

			pingCtx, cancel := context.WithTimeout(ctx, p.opts.PingTimeout)
			err := c.client.Ping(pingCtx).Err()
			cancel()
			if err != nil {
				p.total--
				_ = c.client.Close()
				continue
			}

			p.active[c] = struct{}{}
			p.mu.Unlock()
			return c.client, nil
		}

		if p.total < p.opts.MaxConns {
			p.total++
			p.mu.Unlock()

			c, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, fmt.Errorf("%w: %s", ErrCreateFailed, err)
			}
			p.mu.Lock()
			p.active[c] = struct{}{}
			p.mu.Unlock()
			return c.client, nil
		}

		p.waiting++
		p.exhausted++
		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, ErrAcquireTimeout
		}

		timer := time.AfterFunc(remaining, func() { p.cond.Broadcast() })
		p.cond.Wait()
		timer.Stop()
		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if time.Now().After(deadline) {
			p.mu.Unlock()
			return nil, ErrAcquireTimeout
		}
		// retry from the top of the loop, mu held
	}
}

// Release hands the connection back: to the next waiter if any, otherwise
// to the idle list, unless the pool is shutting down or the connection is
// unhealthy, in which case it's destroyed (and replaced if under the
// floor).
func (p *Pool) Release(client *redis.Client, healthy bool) {
	p.mu.Lock()
	var target *conn
	for c := range p.active {
		if c.client == client {
			target = c
			break
		}
	}
	if target == nil {
		p.mu.Unlock()
		return
	}
	delete(p.active, target)

	if p.closed || !healthy {
		p.total--
		p.mu.Unlock()
		_ = client.Close()
		p.maybeReplenish()
		return
	}

	target.idleSince = time.Now()
	p.idle = append(p.idle, target)
	p.cond.Signal()
	p.mu.Unlock()
}

// maybeReplenish tops up at most one connection to maintain MinConns, run
// off the release path and the health loop to avoid connection storms.
func (p *Pool) maybeReplenish() {
	p.mu.Lock()
	if p.closed || p.total >= p.opts.MinConns {
		p.mu.Unlock()
		return
	}
	p.total++
	p.mu.Unlock()

	c, err := p.dial(context.Background())
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = c.client.Close()
		return
	}
	c.idleSince = time.Now()
	p.idle = append(p.idle, c)
	p.cond.Signal()
	p.mu.Unlock()
}

// Execute acquires a connection, runs op, and releases it, classifying the
// result as healthy/unhealthy so Release can decide whether to destroy it.
func (p *Pool) Execute(ctx context.Context, op func(*redis.Client) error) error {
	client, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	opErr := op(client)
	p.Release(client, !isConnectionFatal(opErr))
	return opErr
}

// Transaction batches pipelined commands that must replay atomically
// against a single connection, the "transaction-replay builder" of spec
// §4.1. Queue returns the receiver so calls chain.
type Transaction struct {
	ops []func(redis.Pipeliner) error
}

// NewTransaction starts an empty Transaction.
func NewTransaction() *Transaction {
	return &Transaction{}
}

// Queue appends op to the transaction's replay order.
func (t *Transaction) Queue(op func(redis.Pipeliner) error) *Transaction {
	t.ops = append(t.ops, op)
	return t
}

// ExecuteTransaction acquires one connection and replays every queued op
// inside a single MULTI/EXEC round trip, then releases the connection
// exactly as Execute does.
func (p *Pool) ExecuteTransaction(ctx context.Context, tx *Transaction) ([]redis.Cmder, error) {
	client, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	cmders, txErr := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range tx.ops {
			if err := op(pipe); err != nil {
				return err
			}
		}
		return nil
	})
	p.Release(client, !isConnectionFatal(txErr))
	return cmders, txErr
}

// Status reports current pool totals.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Total:     p.total,
		Idle:      len(p.idle),
		Active:    len(p.active),
		Waiting:   p.waiting,
		Exhausted: p.exhausted,
	}
}

// Shutdown stops the health loop, wakes any waiters, and closes every
// connection. Safe to call once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.cond.Broadcast()

	for _, c := range p.idle {
		_ = c.client.Close()
	}
	p.idle = nil
	for c := range p.active {
		_ = c.client.Close()
	}
	p.active = make(map[*conn]struct{})
	p.total = 0
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.healthTick()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) healthTick() {
	p.mu.Lock()
	if len(p.idle) == 0 {
		p.mu.Unlock()
		p.maybeReplenish()
		return
	}
	c := p.idle[len(p.idle)-1]
	p.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.PingTimeout)
	err := c.client.Ping(ctx).Err()
	cancel()
	elapsed := time.Since(start)

	p.mu.Lock()
	ready := 0
	for _, ic := range p.idle {
		if time.Since(ic.idleSince) <= p.opts.IdleTimeout {
			ready++
		}
	}
	p.mu.Unlock()

	if err != nil || elapsed > 100*time.Millisecond {
		// Observable warning surface: callers drive logging/metrics off of
		// OnUnhealthy and Status(); a failed or slow ping alone doesn't tear
		// the connection down here since the next Acquire will re-check it.
	}
	if ready == 0 && p.opts.OnUnhealthy != nil {
		p.opts.OnUnhealthy()
	}
	p.reapIdle()
}

// reapIdle evicts idle connections past IdleTimeout while respecting the
// MinConns floor. It never creates connections; healthTick tops up by at
// most one per tick, and only when the idle list is empty.
func (p *Pool) reapIdle() {
	p.mu.Lock()
	if len(p.idle) <= p.opts.MinConns {
		p.mu.Unlock()
		return
	}
	kept := make([]*conn, 0, len(p.idle))
	excess := len(p.idle) - p.opts.MinConns
	var toClose []*conn
	for i, c := range p.idle {
		if i < excess && time.Since(c.idleSince) > p.opts.IdleTimeout {
			toClose = append(toClose, c)
			p.total--
		} else {
			kept = append(kept, c)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, c := range toClose {
		_ = c.client.Close()
	}
}

func isConnectionFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "READONLY") ||
		strings.Contains(msg, "ECONNRESET") ||
		strings.Contains(msg, "ECONNREFUSED") ||
		strings.Contains(msg, "use of closed network connection")
}
