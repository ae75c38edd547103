package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marcelsud/webhook-redrive/redrive"
)

type jobLock struct {
	owner string
	until time.Time
}

// JobRepository is an in-memory implementation of redrive.Repository.
type JobRepository struct {
	mu      sync.RWMutex
	jobs    map[string]redrive.Job
	targets map[string][]redrive.Target
	locks   map[string]jobLock
	now     func() time.Time
}

// NewJobRepository creates a new in-memory job repository.
func NewJobRepository(now func() time.Time) *JobRepository {
	return &JobRepository{
		jobs:    make(map[string]redrive.Job),
		targets: make(map[string][]redrive.Target),
		locks:   make(map[string]jobLock),
		now:     now,
	}
}

// Create stores a job and its targets.
func (r *JobRepository) Create(ctx context.Context, job redrive.Job, targets []redrive.Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("redrive job %s already exists", job.ID)
	}

	r.jobs[job.ID] = cloneJob(job)
	r.targets[job.ID] = append([]redrive.Target(nil), targets...)
	return nil
}

// Get retrieves a job by its ID.
func (r *JobRepository) Get(ctx context.Context, id string) (redrive.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, exists := r.jobs[id]
	if !exists {
		return redrive.Job{}, redrive.ErrNotFound
	}
	return cloneJob(job), nil
}

// Targets returns the targets of a job in request order.
func (r *JobRepository) Targets(ctx context.Context, jobID string) ([]redrive.Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, exists := r.jobs[jobID]; !exists {
		return nil, redrive.ErrNotFound
	}
	return append([]redrive.Target(nil), r.targets[jobID]...), nil
}

// ListActive returns the ids of unfinished jobs, oldest first.
func (r *JobRepository) ListActive(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []redrive.Job
	for _, job := range r.jobs {
		if !job.Status.IsFinal() {
			active = append(active, job)
		}
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})

	ids := make([]string, 0, len(active))
	for _, job := range active {
		ids = append(ids, job.ID)
	}
	return ids, nil
}

// Save updates the status fields of a job, keeping its counters.
func (r *JobRepository) Save(ctx context.Context, job redrive.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.jobs[job.ID]
	if !exists {
		return redrive.ErrNotFound
	}

	if existing.Status.IsFinal() && !job.Status.IsFinal() {
		return nil
	}

	job.Counters = existing.Counters
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

// Transition moves a target between states and updates the job counters.
func (r *JobRepository) Transition(ctx context.Context, jobID, deliveryID string, from, to redrive.TargetState, errMsg string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, exists := r.jobs[jobID]
	if !exists {
		return false, redrive.ErrNotFound
	}

	targets := r.targets[jobID]
	for i := range targets {
		if targets[i].DeliveryID != deliveryID {
			continue
		}
		if targets[i].State != from {
			return false, nil
		}

		targets[i].State = to
		targets[i].Error = errMsg
		targets[i].UpdatedAt = at

		job.Counters = job.Counters.Add(redrive.Delta(from, to))
		r.jobs[jobID] = job
		return true, nil
	}

	return false, fmt.Errorf("delivery %s is not a target of job %s", deliveryID, jobID)
}

// Lock acquires or extends the job lease.
func (r *JobRepository) Lock(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if lock, held := r.locks[jobID]; held && lock.owner != owner && lock.until.After(now) {
		return false, nil
	}

	r.locks[jobID] = jobLock{owner: owner, until: now.Add(ttl)}
	return true, nil
}

// Unlock releases the job lease if owner holds it.
func (r *JobRepository) Unlock(ctx context.Context, jobID, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if lock, held := r.locks[jobID]; held && lock.owner == owner {
		delete(r.locks, jobID)
	}
	return nil
}

func cloneJob(job redrive.Job) redrive.Job {
	job.RejectedIDs = append([]string(nil), job.RejectedIDs...)
	return job
}
