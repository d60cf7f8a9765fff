package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HybridRateLimiter combines a token bucket (burst tolerance) with a leaky
// bucket queue (rate smoothing):
//  1. Check the token bucket first (fast path for bursty traffic).
//  2. If no tokens remain, queue in the leaky bucket for fair scheduling.
//  3. A background worker drains the queue at a constant rate.
type HybridRateLimiter struct {
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
	tokenMu    sync.Mutex

	queue     chan *queuedRequest
	queueSize int
	leakRate  time.Duration
	stopCh    chan struct{}
	workerWg  sync.WaitGroup

	allowedCounter metric.Int64Counter
	deniedCounter  metric.Int64Counter
	queuedCounter  metric.Int64Counter
	tokensGauge    metric.Float64Gauge
	queueLenGauge  metric.Int64Gauge
}

type queuedRequest struct {
	doneCh chan struct{}
}

// NewHybridRateLimiter creates a hybrid rate limiter.
//
//   - burstCapacity: max tokens (burst size)
//   - refillRate: tokens/second
//   - queueSize: max queued requests (excess denied)
//   - leakRate: processing interval for the queue
func NewHybridRateLimiter(burstCapacity int, refillRate float64, queueSize int, leakRate time.Duration) *HybridRateLimiter {
	meter := otel.GetMeterProvider().Meter("rein")

	allowed, _ := meter.Int64Counter("rein_ratelimit_hybrid_allowed_total")
	denied, _ := meter.Int64Counter("rein_ratelimit_hybrid_denied_total")
	queued, _ := meter.Int64Counter("rein_ratelimit_hybrid_queued_total")
	tokensGauge, _ := meter.Float64Gauge("rein_ratelimit_hybrid_tokens_available")
	queueLen, _ := meter.Int64Gauge("rein_ratelimit_hybrid_queue_length")

	rl := &HybridRateLimiter{
		tokens:         float64(burstCapacity),
		capacity:       float64(burstCapacity),
		refillRate:     refillRate,
		lastRefill:     time.Now(),
		queue:          make(chan *queuedRequest, queueSize),
		queueSize:      queueSize,
		leakRate:       leakRate,
		stopCh:         make(chan struct{}),
		allowedCounter: allowed,
		deniedCounter:  denied,
		queuedCounter:  queued,
		tokensGauge:    tokensGauge,
		queueLenGauge:  queueLen,
	}

	rl.workerWg.Add(1)
	go rl.leakyBucketWorker()
	go rl.reportMetrics()

	return rl
}

// Allow checks if a request can proceed immediately via the token bucket.
func (rl *HybridRateLimiter) Allow(ctx context.Context) bool {
	rl.refillTokens()

	rl.tokenMu.Lock()
	defer rl.tokenMu.Unlock()

	if rl.tokens >= 1.0 {
		rl.tokens -= 1.0
		rl.allowedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", "immediate")))
		return true
	}
	return false
}

// Wait queues the request when no immediate tokens are available.
func (rl *HybridRateLimiter) Wait(ctx context.Context) error {
	req := &queuedRequest{doneCh: make(chan struct{})}

	select {
	case rl.queue <- req:
		rl.queuedCounter.Add(ctx, 1)
		select {
		case <-req.doneCh:
			rl.allowedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", "queued")))
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-rl.stopCh:
			return context.Canceled
		}
	default:
		rl.deniedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "queue_full")))
		return ErrRateLimitExceeded
	}
}

// AllowOrWait combines Allow and Wait in a single call.
func (rl *HybridRateLimiter) AllowOrWait(ctx context.Context) error {
	if rl.Allow(ctx) {
		return nil
	}
	return rl.Wait(ctx)
}

func (rl *HybridRateLimiter) refillTokens() {
	rl.tokenMu.Lock()
	defer rl.tokenMu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	if elapsed > 0 {
		tokensToAdd := elapsed * rl.refillRate
		rl.tokens = minFloat64(rl.capacity, rl.tokens+tokensToAdd)
		rl.lastRefill = now
	}
}

func (rl *HybridRateLimiter) leakyBucketWorker() {
	defer rl.workerWg.Done()

	ticker := time.NewTicker(rl.leakRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case req := <-rl.queue:
				close(req.doneCh)
			default:
			}
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *HybridRateLimiter) reportMetrics() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx := context.Background()

			rl.tokenMu.Lock()
			tokens := rl.tokens
			rl.tokenMu.Unlock()

			rl.tokensGauge.Record(ctx, tokens)
			rl.queueLenGauge.Record(ctx, int64(len(rl.queue)))
		case <-rl.stopCh:
			return
		}
	}
}

// Stop gracefully shuts down the rate limiter.
func (rl *HybridRateLimiter) Stop() {
	close(rl.stopCh)
	rl.workerWg.Wait()
}

// ErrRateLimitExceeded indicates a request was denied because the queue was full.
var ErrRateLimitExceeded = context.DeadlineExceeded

func minFloat64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
