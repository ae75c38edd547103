package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/marcelsud/webhook-redrive/delivery"
	"github.com/marcelsud/webhook-redrive/retry"
)

const (
	heartbeatInterval = 15 * time.Second
	poolName          = "dispatch"
)

// Runner dispatches a due delivery under a lease
type Runner interface {
	Dispatch(ctx context.Context, id string) (delivery.Delivery, error)
}

// Heartbeats records worker liveness
type Heartbeats interface {
	SetWorkerHeartbeat(ctx context.Context, workerID, pool, status string) error
}

// PoolConfig holds configuration for the intake pool.
type PoolConfig struct {
	Workers      int           // Global number of concurrent dispatches
	PerOrgLimit  int           // Max concurrent dispatches per organization, 0 for no limit
	ConsumeBlock time.Duration // How long a worker blocks waiting for intake messages
	InstanceID   string        // Distinguishes consumers of the same group across processes
}

// DefaultPoolConfig returns a default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:      16,
		PerOrgLimit:  4,
		ConsumeBlock: 1 * time.Second,
		InstanceID:   "local",
	}
}

/* Pool runs the intake workers
 * Each worker consumes the intake queue, waits for its organization's slot
 * and hands the delivery to the scheduler, which leases it before dispatching
 */
type Pool struct {
	queue      delivery.Queue
	deliveries delivery.Reader
	runner     Runner
	heartbeats Heartbeats
	config     PoolConfig
	logger     zerolog.Logger

	orgMu sync.Mutex
	orgs  map[string]*semaphore.Weighted

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// PoolOption configures the Pool.
type PoolOption func(*Pool)

// WithPoolConfig sets the pool configuration.
func WithPoolConfig(cfg PoolConfig) PoolOption {
	return func(p *Pool) {
		p.config = cfg
	}
}

// WithPoolLogger sets the pool logger.
func WithPoolLogger(logger zerolog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithHeartbeats enables worker heartbeats.
func WithHeartbeats(h Heartbeats) PoolOption {
	return func(p *Pool) {
		p.heartbeats = h
	}
}

// NewPool creates an intake pool
func NewPool(queue delivery.Queue, deliveries delivery.Reader, runner Runner, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:      queue,
		deliveries: deliveries,
		runner:     runner,
		config:     DefaultPoolConfig(),
		logger:     zerolog.Nop(),
		orgs:       make(map[string]*semaphore.Weighted),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.config.Workers < 1 {
		p.config.Workers = 1
	}

	return p
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	for i := 0; i < p.config.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.config.InstanceID, i)
		p.wg.Add(1)
		go p.work(workerID)
	}

	p.logger.Info().
		Int("workers", p.config.Workers).
		Int("per_org_limit", p.config.PerOrgLimit).
		Msg("dispatch pool started")
}

// Stop stops consuming and waits for in-flight attempts to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	p.logger.Info().Msg("dispatch pool stopped")
}

func (p *Pool) work(workerID string) {
	defer p.wg.Done()

	log := p.logger.With().Str("worker_id", workerID).Logger()
	var lastBeat time.Time

	for {
		if p.ctx.Err() != nil {
			return
		}

		if time.Since(lastBeat) >= heartbeatInterval {
			p.heartbeat(workerID, "idle")
			lastBeat = time.Now()
		}

		messages, err := p.queue.Consume(p.ctx, workerID, 1, p.config.ConsumeBlock)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("consuming intake queue")
			p.sleep(time.Second)
			continue
		}

		for _, msg := range messages {
			p.heartbeat(workerID, "processing")
			lastBeat = time.Now()

			if err := p.Process(p.ctx, msg); err != nil {
				log.Error().Err(err).Str("delivery_id", msg.DeliveryID).Msg("processing intake message")
			}
		}
	}
}

// Process handles one intake message: dispatch under the org limit, then acknowledge
// Messages are acknowledged even when the dispatch fails; the sweep owns recovery
func (p *Pool) Process(ctx context.Context, msg delivery.Message) error {
	defer func() {
		if err := p.queue.Acknowledge(context.WithoutCancel(ctx), msg.ID); err != nil {
			p.logger.Error().Err(err).Str("message_id", msg.ID).Msg("acknowledging intake message")
		}
	}()

	d, err := p.deliveries.Get(ctx, msg.DeliveryID)
	if errors.Is(err, delivery.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("getting delivery: %w", err)
	}

	if d.IsFinal() {
		return nil
	}

	if sem := p.orgSemaphore(d.OrgID); sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer sem.Release(1)
	}

	_, err = p.runner.Dispatch(ctx, d.ID)
	if err != nil && !errors.Is(err, retry.ErrClaimed) {
		return err
	}
	return nil
}

func (p *Pool) orgSemaphore(orgID string) *semaphore.Weighted {
	if p.config.PerOrgLimit <= 0 {
		return nil
	}

	p.orgMu.Lock()
	defer p.orgMu.Unlock()

	sem, ok := p.orgs[orgID]
	if !ok {
		sem = semaphore.NewWeighted(int64(p.config.PerOrgLimit))
		p.orgs[orgID] = sem
	}
	return sem
}

func (p *Pool) heartbeat(workerID, status string) {
	if p.heartbeats == nil {
		return
	}
	if err := p.heartbeats.SetWorkerHeartbeat(p.ctx, workerID, poolName, status); err != nil {
		p.logger.Debug().Err(err).Str("worker_id", workerID).Msg("sending heartbeat")
	}
}

func (p *Pool) sleep(d time.Duration) {
	select {
	case <-p.ctx.Done():
	case <-time.After(d):
	}
}
