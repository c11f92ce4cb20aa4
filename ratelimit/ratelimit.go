// Package ratelimit provides a weighted multi-endpoint token-bucket
// limiter with priority queueing, retry-with-backoff on rate-limit
// responses, and cooperative throttling from server usage feedback.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Errors surfaced by the limiter itself
var (
	ErrUnregisteredEndpoint = errors.New("ratelimit: endpoint not registered")
	ErrMissingIdentifier    = errors.New("ratelimit: request identifier is required")
)

// RateLimitedError marks a task failure caused by the remote rate limit
// (HTTP 429 or transport equivalent). The limiter re-enqueues such
// failures with backoff instead of surfacing them.
type RateLimitedError struct {
	Err error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err is classified as a rate-limit failure
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// Task is the unit of work run once the limiter admits a request
type Task func(ctx context.Context) error

// Request declares the cost and ordering of one call
type Request struct {
	Identifier string
	Weight     int
	Priority   int // smaller runs first; default 0
}

// Backoff parameters for 429 retries
const (
	retryBase   = time.Second
	retryCap    = 60 * time.Second
	maxAttempts = 5
)

// EndpointConfig describes one bucket
type EndpointConfig struct {
	Capacity       int
	RefillInterval time.Duration
	// HighWaterMark enables usage feedback: when reported server-side
	// usage exceeds this fraction of capacity, admissions pause briefly.
	// Zero disables the feedback hook.
	HighWaterMark float64
}

type pendingRequest struct {
	req           Request
	attempt       int
	nextAttemptAt time.Time
	seq           uint64
	admitted      chan struct{}
}

type endpoint struct {
	cfg EndpointConfig

	tokens     int
	lastRefill time.Time

	// queue is kept sorted by ascending priority, ties by insertion order
	queue         []*pendingRequest
	cooldownUntil time.Time
	kick          chan struct{}
}

// Limiter is a shared admission controller across named endpoints
type Limiter struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
	seq       uint64
	done      chan struct{}
	closeOnce sync.Once
	rng       *rand.Rand
}

// New creates an empty limiter
func New() *Limiter {
	return &Limiter{
		endpoints: make(map[string]*endpoint),
		done:      make(chan struct{}),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register adds an endpoint bucket and starts its dispatcher.
// Registering an existing key replaces its configuration.
func (l *Limiter) Register(key string, cfg EndpointConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ep, ok := l.endpoints[key]; ok {
		ep.cfg = cfg
		if ep.tokens > cfg.Capacity {
			ep.tokens = cfg.Capacity
		}
		return
	}

	ep := &endpoint{
		cfg:        cfg,
		tokens:     cfg.Capacity,
		lastRefill: time.Now(),
		kick:       make(chan struct{}, 1),
	}
	l.endpoints[key] = ep
	go l.dispatch(ep)
}

// Close stops all dispatchers. In-flight tasks finish; queued requests
// are abandoned to their contexts.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Execute queues the request on the endpoint and runs task once admitted.
// Rate-limited task failures are retried with truncated exponential
// backoff; any other error is returned to the caller.
func (l *Limiter) Execute(ctx context.Context, key string, req Request, task Task) error {
	if req.Identifier == "" {
		return ErrMissingIdentifier
	}
	if req.Weight <= 0 {
		req.Weight = 1
	}

	l.mu.Lock()
	ep, ok := l.endpoints[key]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnregisteredEndpoint, key)
	}

	p := &pendingRequest{req: req, attempt: 1, admitted: make(chan struct{})}

	for {
		l.enqueue(ep, p)

		select {
		case <-p.admitted:
		case <-ctx.Done():
			l.abandon(ep, p)
			return ctx.Err()
		case <-l.done:
			return fmt.Errorf("ratelimit: limiter closed")
		}

		err := task(ctx)
		if err == nil {
			return nil
		}
		if !IsRateLimited(err) {
			return err
		}
		if p.attempt >= maxAttempts {
			return fmt.Errorf("%s: retries exhausted after %d attempts: %w", req.Identifier, p.attempt, err)
		}

		delay := backoffDelay(p.attempt, l.jitter())
		p.attempt++
		p.nextAttemptAt = time.Now().Add(delay)
		p.admitted = make(chan struct{})
	}
}

// ReportUsage feeds back a server-reported used weight for the endpoint
// (e.g. the X-MBX-USED-WEIGHT-1M header). Crossing the high-water mark
// pauses admissions proportionally to the overage, bounded by the refill
// interval.
func (l *Limiter) ReportUsage(key string, usedWeight int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ep, ok := l.endpoints[key]
	if !ok || ep.cfg.HighWaterMark <= 0 {
		return
	}

	mark := float64(ep.cfg.Capacity) * ep.cfg.HighWaterMark
	if float64(usedWeight) <= mark {
		return
	}

	overage := (float64(usedWeight) - mark) / float64(ep.cfg.Capacity)
	delay := time.Duration(overage * float64(ep.cfg.RefillInterval))
	if delay > ep.cfg.RefillInterval {
		delay = ep.cfg.RefillInterval
	}

	until := time.Now().Add(delay)
	if until.After(ep.cooldownUntil) {
		ep.cooldownUntil = until
	}
	kick(ep)
}

func (l *Limiter) jitter() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Duration(l.rng.Int63n(int64(time.Second)))
}

// backoffDelay computes min(cap, base*2^(attempt-1) + jitter)
func backoffDelay(attempt int, jitter time.Duration) time.Duration {
	d := retryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= retryCap {
			d = retryCap
			break
		}
	}
	d += jitter
	if d > retryCap {
		d = retryCap
	}
	return d
}

func (l *Limiter) enqueue(ep *endpoint, p *pendingRequest) {
	l.mu.Lock()
	p.seq = l.seq
	l.seq++
	idx := sort.Search(len(ep.queue), func(i int) bool {
		q := ep.queue[i]
		if q.req.Priority != p.req.Priority {
			return q.req.Priority > p.req.Priority
		}
		return q.seq > p.seq
	})
	ep.queue = append(ep.queue, nil)
	copy(ep.queue[idx+1:], ep.queue[idx:])
	ep.queue[idx] = p
	kick(ep)
	l.mu.Unlock()
}

func (l *Limiter) abandon(ep *endpoint, p *pendingRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, q := range ep.queue {
		if q == p {
			ep.queue = append(ep.queue[:i], ep.queue[i+1:]...)
			return
		}
	}
}

func kick(ep *endpoint) {
	select {
	case ep.kick <- struct{}{}:
	default:
	}
}

// refillLocked performs discrete whole-interval refills
func (ep *endpoint) refillLocked(now time.Time) {
	if ep.cfg.RefillInterval <= 0 {
		return
	}
	elapsed := now.Sub(ep.lastRefill)
	intervals := int(elapsed / ep.cfg.RefillInterval)
	if intervals <= 0 {
		return
	}
	ep.tokens += ep.cfg.Capacity * intervals
	if ep.tokens > ep.cfg.Capacity {
		ep.tokens = ep.cfg.Capacity
	}
	ep.lastRefill = ep.lastRefill.Add(time.Duration(intervals) * ep.cfg.RefillInterval)
}

// admitLocked grants as many queued requests as the bucket allows, in
// priority order, and returns the time the dispatcher should wake if
// anything is still waiting.
func (ep *endpoint) admitLocked(now time.Time) time.Time {
	var wake time.Time

	if now.Before(ep.cooldownUntil) {
		return ep.cooldownUntil
	}

	for {
		admitted := false
		for i, p := range ep.queue {
			if p.nextAttemptAt.After(now) {
				if wake.IsZero() || p.nextAttemptAt.Before(wake) {
					wake = p.nextAttemptAt
				}
				continue
			}
			if ep.tokens < p.req.Weight {
				// Out of tokens for this request: wake at the next refill
				next := ep.lastRefill.Add(ep.cfg.RefillInterval)
				if wake.IsZero() || next.Before(wake) {
					wake = next
				}
				continue
			}
			ep.tokens -= p.req.Weight
			ep.queue = append(ep.queue[:i], ep.queue[i+1:]...)
			close(p.admitted)
			admitted = true
			break
		}
		if !admitted {
			return wake
		}
		wake = time.Time{}
	}
}

// dispatch admits queued requests for one endpoint. A single timer is
// armed for the earliest of the next refill and the soonest retry time.
func (l *Limiter) dispatch(ep *endpoint) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		l.mu.Lock()
		now := time.Now()
		ep.refillLocked(now)
		wake := ep.admitLocked(now)
		l.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}

		if wake.IsZero() {
			// Nothing waiting: sleep until a new request arrives
			select {
			case <-ep.kick:
			case <-l.done:
				return
			}
			continue
		}

		timer.Reset(time.Until(wake))
		select {
		case <-timer.C:
		case <-ep.kick:
		case <-l.done:
			return
		}
	}
}
