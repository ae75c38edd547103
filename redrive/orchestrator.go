package redrive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/marcelsud/webhook-redrive/delivery"
	"github.com/marcelsud/webhook-redrive/retry"
	"github.com/marcelsud/webhook-redrive/webhook"
)

// Deliveries is what the orchestrator needs from the delivery store
type Deliveries interface {
	Get(ctx context.Context, id string) (delivery.Delivery, error)
	CreateIfAbsent(ctx context.Context, d delivery.Delivery) (delivery.Delivery, bool, error)
}

// Webhooks looks up the current configuration of a delivery's webhook
type Webhooks interface {
	Get(ctx context.Context, id string) (webhook.Webhook, error)
}

// Redriver makes the next attempt of a delivery immediately
type Redriver interface {
	Redrive(ctx context.Context, id string) (delivery.Delivery, error)
}

// Request asks for a set of deliveries to be re-driven
// NewLineage re-creates every non-successful delivery with a fresh attempt budget
type Request struct {
	OrgID       string
	DeliveryIDs []string
	Reason      string
	NewLineage  bool
}

// Config holds configuration for the orchestrator.
type Config struct {
	Parallelism    int           // Max concurrent dispatches per job
	Budget         time.Duration // Wall-clock budget of one job run
	SweepInterval  time.Duration // How often unfinished jobs are resumed
	TargetEstimate time.Duration // Expected duration of one dispatch, for completion estimates
	JobLease       time.Duration // Lease that keeps other instances off a running job
	InstanceID     string
}

// DefaultConfig returns a default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Parallelism:    8,
		Budget:         5 * time.Minute,
		SweepInterval:  10 * time.Second,
		TargetEstimate: 2 * time.Second,
		JobLease:       1 * time.Minute,
		InstanceID:     "local",
	}
}

/* Orchestrator runs redrive jobs
 * Jobs are persisted target by target, so a crashed run resumes from the last recorded state
 */
type Orchestrator struct {
	jobs       Repository
	deliveries Deliveries
	webhooks   Webhooks
	redriver   Redriver
	config     Config
	logger     zerolog.Logger
	now        func() time.Time
	owner      string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithConfig sets the configuration.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		o.config = cfg
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// NewOrchestrator creates a redrive orchestrator
func NewOrchestrator(jobs Repository, deliveries Deliveries, webhooks Webhooks, redriver Redriver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		jobs:       jobs,
		deliveries: deliveries,
		webhooks:   webhooks,
		redriver:   redriver,
		config:     DefaultConfig(),
		logger:     zerolog.Nop(),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.config.Parallelism < 1 {
		o.config.Parallelism = 1
	}
	o.owner = o.config.InstanceID + "-" + uuid.New().String()

	return o
}

// CreateJob validates a request and persists a job for it
// When the orchestrator is started the job runs in the background
func (o *Orchestrator) CreateJob(ctx context.Context, req Request) (Job, error) {
	job, err := o.create(ctx, req)
	if err != nil {
		return Job{}, err
	}

	if !job.Status.IsFinal() {
		o.runInBackground(job.ID)
	}

	return job, nil
}

func (o *Orchestrator) create(ctx context.Context, req Request) (Job, error) {
	ids := dedupe(req.DeliveryIDs)
	if len(ids) == 0 {
		return Job{}, ErrNoTargets
	}
	if len(ids) > MaxTargets {
		return Job{}, fmt.Errorf("%w: at most %d per job", ErrTooManyTargets, MaxTargets)
	}

	now := o.now().UTC()
	job := Job{
		ID:             uuid.New().String(),
		OrgID:          req.OrgID,
		Reason:         req.Reason,
		Status:         Pending,
		NewLineage:     req.NewLineage,
		TotalRequested: len(ids),
		CreatedAt:      now,
	}

	targets := make([]Target, 0, len(ids))
	for _, id := range ids {
		d, err := o.deliveries.Get(ctx, id)
		if errors.Is(err, delivery.ErrNotFound) || (err == nil && d.OrgID != req.OrgID) {
			job.RejectedIDs = append(job.RejectedIDs, id)
			continue
		}
		if err != nil {
			return Job{}, fmt.Errorf("getting delivery %s: %w", id, err)
		}

		if d.Status == delivery.Success {
			targets = append(targets, Target{DeliveryID: d.ID, State: Skipped, UpdatedAt: now})
			job.Skipped++
			continue
		}

		if req.NewLineage {
			child, err := o.newLineage(ctx, d, job.ID, now)
			if err != nil {
				return Job{}, err
			}
			targets = append(targets, Target{DeliveryID: child.ID, ParentID: d.ID, State: Queued, UpdatedAt: now})
			continue
		}

		targets = append(targets, Target{DeliveryID: d.ID, State: Queued, UpdatedAt: now})
	}

	job.Total = len(targets)

	switch {
	case job.Total == 0:
		job.Status = Failed
		job.ErrorMessage = "no valid deliveries to redrive"
		job.CompletedAt = now
	case job.Outstanding() == 0:
		job.Status = Completed
		job.StartedAt = now
		job.CompletedAt = now
	}

	if err := o.jobs.Create(ctx, job, targets); err != nil {
		return Job{}, fmt.Errorf("creating redrive job: %w", err)
	}

	o.logger.Info().
		Str("job_id", job.ID).
		Str("org_id", job.OrgID).
		Int("total", job.Total).
		Int("rejected", len(job.RejectedIDs)).
		Int("skipped", job.Skipped).
		Str("status", job.Status.String()).
		Msg("redrive job created")

	return job, nil
}

func (o *Orchestrator) newLineage(ctx context.Context, parent delivery.Delivery, jobID string, now time.Time) (delivery.Delivery, error) {
	wh, err := o.webhooks.Get(ctx, parent.WebhookID)
	if errors.Is(err, webhook.ErrNotFound) {
		// The child fails as inactive when dispatched
		wh = webhook.Webhook{
			ID:            parent.WebhookID,
			OrgID:         parent.OrgID,
			MaxRetries:    parent.MaxAttempts,
			RetryStrategy: parent.RetryStrategy,
		}
	} else if err != nil {
		return delivery.Delivery{}, fmt.Errorf("getting webhook %s: %w", parent.WebhookID, err)
	}

	child, _, err := o.deliveries.CreateIfAbsent(ctx, delivery.NewLineage(parent, wh, jobID, now))
	if err != nil {
		return delivery.Delivery{}, fmt.Errorf("creating lineage of %s: %w", parent.ID, err)
	}
	return child, nil
}

/* Retry re-drives a single delivery through a one-target job and waits for it
 * The job runs detached from ctx: when ctx ends first, Retry returns the job as it
 * stands and the run completes in the background, bounded by the webhook timeout
 */
func (o *Orchestrator) Retry(ctx context.Context, orgID, deliveryID string, newLineage bool) (Job, error) {
	d, err := o.deliveries.Get(ctx, deliveryID)
	if errors.Is(err, delivery.ErrNotFound) || (err == nil && d.OrgID != orgID) {
		return Job{}, delivery.ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("getting delivery: %w", err)
	}

	job, err := o.create(ctx, Request{
		OrgID:       orgID,
		DeliveryIDs: []string{deliveryID},
		Reason:      "single delivery retry",
		NewLineage:  newLineage,
	})
	if err != nil {
		return Job{}, err
	}

	if job.Status.IsFinal() {
		return job, nil
	}

	type outcome struct {
		job Job
		err error
	}
	done := make(chan outcome, 1)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ran, err := o.Run(context.WithoutCancel(ctx), job.ID)
		done <- outcome{job: ran, err: err}
	}()

	select {
	case out := <-done:
		return out.job, out.err
	case <-ctx.Done():
		o.logger.Info().Str("job_id", job.ID).Str("delivery_id", deliveryID).Msg("retry still running, continuing in background")
		current, err := o.jobs.Get(context.WithoutCancel(ctx), job.ID)
		if err != nil {
			return job, nil
		}
		return current, nil
	}
}

// Get returns a job owned by orgID
func (o *Orchestrator) Get(ctx context.Context, orgID, id string) (Job, error) {
	job, err := o.jobs.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("getting redrive job: %w", err)
	}

	if job.OrgID != orgID {
		return Job{}, ErrNotFound
	}

	return job, nil
}

// Targets returns the per-delivery state of a job owned by orgID
func (o *Orchestrator) Targets(ctx context.Context, orgID, id string) ([]Target, error) {
	if _, err := o.Get(ctx, orgID, id); err != nil {
		return nil, err
	}

	targets, err := o.jobs.Targets(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting job targets: %w", err)
	}
	return targets, nil
}

// Cancel stops a job from starting new dispatches
// Attempts already in flight complete and are still counted
func (o *Orchestrator) Cancel(ctx context.Context, orgID, id string) (Job, error) {
	job, err := o.Get(ctx, orgID, id)
	if err != nil {
		return Job{}, err
	}

	if job.Status.IsFinal() {
		return job, nil
	}

	targets, err := o.jobs.Targets(ctx, id)
	if err != nil {
		return Job{}, fmt.Errorf("getting job targets: %w", err)
	}

	now := o.now().UTC()
	for _, target := range targets {
		if target.State != Queued {
			continue
		}
		// A worker may win the race for this target; that dispatch is then counted normally
		if _, err := o.jobs.Transition(ctx, id, target.DeliveryID, Queued, Cancelled, "job cancelled", now); err != nil {
			return Job{}, fmt.Errorf("cancelling target %s: %w", target.DeliveryID, err)
		}
	}

	job, err = o.jobs.Get(ctx, id)
	if err != nil {
		return Job{}, fmt.Errorf("getting redrive job: %w", err)
	}

	job.Status = Completed
	job.CancelledAt = now
	job.CompletedAt = now
	if job.StartedAt.IsZero() {
		job.StartedAt = now
	}

	if err := o.jobs.Save(ctx, job); err != nil {
		return Job{}, fmt.Errorf("saving cancelled job: %w", err)
	}

	o.logger.Info().Str("job_id", id).Int("cancelled", job.Cancelled).Msg("redrive job cancelled")

	return job, nil
}

// EstimatedCompletion predicts when the queued targets of a job will have been dispatched
func (o *Orchestrator) EstimatedCompletion(job Job) time.Time {
	if job.Status.IsFinal() {
		return job.CompletedAt
	}
	waves := (job.Queued() + o.config.Parallelism - 1) / o.config.Parallelism
	return o.now().UTC().Add(time.Duration(waves) * o.config.TargetEstimate)
}

// Run drives a job as far as its wall-clock budget allows
// Returns the current job without doing anything when another instance holds it
func (o *Orchestrator) Run(ctx context.Context, id string) (Job, error) {
	locked, err := o.jobs.Lock(ctx, id, o.owner, o.config.JobLease)
	if err != nil {
		return Job{}, fmt.Errorf("locking job: %w", err)
	}
	if !locked {
		return o.jobs.Get(ctx, id)
	}
	defer func() {
		if err := o.jobs.Unlock(context.WithoutCancel(ctx), id, o.owner); err != nil {
			o.logger.Error().Err(err).Str("job_id", id).Msg("unlocking job")
		}
	}()

	stopRefresh := o.refreshLock(ctx, id)
	defer stopRefresh()

	job, err := o.jobs.Get(ctx, id)
	if err != nil {
		return Job{}, fmt.Errorf("getting redrive job: %w", err)
	}
	if job.Status.IsFinal() {
		return job, nil
	}

	log := o.logger.With().Str("job_id", id).Str("org_id", job.OrgID).Logger()

	if job.Status == Pending {
		job.Status = Processing
		job.StartedAt = o.now().UTC()
		if err := o.jobs.Save(ctx, job); err != nil {
			return Job{}, fmt.Errorf("starting job: %w", err)
		}
		log.Info().Int("total", job.Total).Msg("redrive job started")
	}

	targets, err := o.jobs.Targets(ctx, id)
	if err != nil {
		return Job{}, fmt.Errorf("getting job targets: %w", err)
	}

	deadline := o.now().Add(o.config.Budget)
	budgetExceeded := false

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Parallelism)

	for _, target := range targets {
		target := target
		switch target.State {
		case Dispatched:
			g.Go(func() error {
				return o.reconcile(gctx, id, target.DeliveryID)
			})
		case Queued:
			if o.config.Budget > 0 && o.now().After(deadline) {
				budgetExceeded = true
				continue
			}
			if gctx.Err() != nil {
				continue
			}
			g.Go(func() error {
				return o.process(gctx, id, target.DeliveryID)
			})
		}
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("redrive job run interrupted")
	}

	if budgetExceeded {
		log.Warn().Dur("budget", o.config.Budget).Msg("redrive job budget exhausted, remaining targets stay queued")
	}

	return o.finish(ctx, id)
}

// process handles one queued target
func (o *Orchestrator) process(ctx context.Context, jobID, deliveryID string) error {
	if ctx.Err() != nil {
		return nil
	}
	now := o.now().UTC()

	d, err := o.deliveries.Get(ctx, deliveryID)
	if errors.Is(err, delivery.ErrNotFound) {
		_, err := o.jobs.Transition(ctx, jobID, deliveryID, Queued, TargetFailed, "delivery not found", now)
		return err
	}
	if err != nil {
		return fmt.Errorf("getting delivery %s: %w", deliveryID, err)
	}

	switch d.Status {
	case delivery.Success:
		_, err := o.jobs.Transition(ctx, jobID, deliveryID, Queued, Skipped, "", now)
		return err
	case delivery.Failed:
		// Redrive never goes beyond max_attempts
		_, err := o.jobs.Transition(ctx, jobID, deliveryID, Queued, TargetFailed, failure(d), now)
		return err
	}

	ok, err := o.jobs.Transition(ctx, jobID, deliveryID, Queued, Dispatched, "", now)
	if err != nil {
		return fmt.Errorf("marking target dispatched: %w", err)
	}
	if !ok {
		// Cancelled meanwhile
		return nil
	}

	// A dispatched target is settled even if the run is being stopped
	ctx = context.WithoutCancel(ctx)
	d, err = o.redriver.Redrive(ctx, deliveryID)
	if errors.Is(err, retry.ErrClaimed) {
		o.logger.Debug().Str("job_id", jobID).Str("delivery_id", deliveryID).Msg("delivery leased elsewhere, reconciling later")
		return nil
	}
	if err != nil {
		o.logger.Error().Err(err).Str("job_id", jobID).Str("delivery_id", deliveryID).Msg("redriving delivery")
		return nil
	}

	return o.settle(ctx, jobID, d)
}

// reconcile settles a dispatched target once the scheduler has driven its delivery to a final state
func (o *Orchestrator) reconcile(ctx context.Context, jobID, deliveryID string) error {
	d, err := o.deliveries.Get(ctx, deliveryID)
	if errors.Is(err, delivery.ErrNotFound) {
		_, err := o.jobs.Transition(ctx, jobID, deliveryID, Dispatched, TargetFailed, "delivery not found", o.now().UTC())
		return err
	}
	if err != nil {
		return fmt.Errorf("getting delivery %s: %w", deliveryID, err)
	}
	return o.settle(ctx, jobID, d)
}

func (o *Orchestrator) settle(ctx context.Context, jobID string, d delivery.Delivery) error {
	var to TargetState
	switch d.Status {
	case delivery.Success:
		to = Succeeded
	case delivery.Failed:
		to = TargetFailed
	default:
		// Still retrying: the scheduler owns it until it is final
		return nil
	}

	if _, err := o.jobs.Transition(ctx, jobID, d.ID, Dispatched, to, failure(d), o.now().UTC()); err != nil {
		return fmt.Errorf("settling target %s: %w", d.ID, err)
	}
	return nil
}

// finish completes a job once no target is outstanding
func (o *Orchestrator) finish(ctx context.Context, id string) (Job, error) {
	job, err := o.jobs.Get(ctx, id)
	if err != nil {
		return Job{}, fmt.Errorf("getting redrive job: %w", err)
	}

	if job.Status.IsFinal() || job.Outstanding() > 0 {
		return job, nil
	}

	job.Status = Completed
	job.CompletedAt = o.now().UTC()
	if err := o.jobs.Save(ctx, job); err != nil {
		return Job{}, fmt.Errorf("completing job: %w", err)
	}

	o.logger.Info().
		Str("job_id", id).
		Int("processed", job.Processed).
		Int("successful", job.Successful).
		Int("failed", job.Failed).
		Int("skipped", job.Skipped).
		Msg("redrive job completed")

	return job, nil
}

func (o *Orchestrator) refreshLock(ctx context.Context, id string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		interval := o.config.JobLease / 3
		if interval <= 0 {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := o.jobs.Lock(ctx, id, o.owner, o.config.JobLease); err != nil && ctx.Err() == nil {
					o.logger.Error().Err(err).Str("job_id", id).Msg("extending job lease")
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Sweep resumes every unfinished job
func (o *Orchestrator) Sweep(ctx context.Context) error {
	ids, err := o.jobs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing active jobs: %w", err)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := o.Run(ctx, id); err != nil {
			o.logger.Error().Err(err).Str("job_id", id).Msg("resuming redrive job")
		}
	}

	return nil
}

func (o *Orchestrator) runInBackground(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.running {
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.Run(o.ctx, id); err != nil && o.ctx.Err() == nil {
			o.logger.Error().Err(err).Str("job_id", id).Msg("running redrive job")
		}
	}()
}

// Start begins background job execution and the periodic resume sweep.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return
	}

	o.ctx, o.cancel = context.WithCancel(ctx)
	o.running = true

	o.wg.Add(1)
	go o.loop()

	o.logger.Info().
		Int("parallelism", o.config.Parallelism).
		Dur("budget", o.config.Budget).
		Msg("redrive orchestrator started")
}

// Stop stops the sweep and waits for running jobs to reach a safe point.
// Targets already dispatched are settled before it returns.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()

	o.logger.Info().Msg("redrive orchestrator stopped")
}

func (o *Orchestrator) loop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if err := o.Sweep(o.ctx); err != nil && o.ctx.Err() == nil {
				o.logger.Error().Err(err).Msg("redrive sweep failed")
			}
		}
	}
}

func failure(d delivery.Delivery) string {
	if d.Status != delivery.Failed {
		return ""
	}
	if d.ErrorMessage != "" {
		return d.ErrorMessage
	}
	return "attempts exhausted"
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
