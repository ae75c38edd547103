package redrive

import (
	"context"
	"time"
)

// Reader provides read operations for jobs
type Reader interface {
	Get(ctx context.Context, id string) (Job, error)
	// Targets returns the targets in request order
	Targets(ctx context.Context, jobID string) ([]Target, error)
	// ListActive returns the ids of jobs that are pending or processing
	ListActive(ctx context.Context) ([]string, error)
}

// Writer provides write operations for jobs
type Writer interface {
	// Create stores a job, its initial counters and its targets
	Create(ctx context.Context, job Job, targets []Target) error
	/* Save updates status, timestamps and error message
	 * Counters are left alone and a final job is never moved back to a non-final status
	 */
	Save(ctx context.Context, job Job) error
	/* Transition moves a target from one state to another and applies Delta to the job counters atomically
	 * Returns false without changes when the target is not in state from
	 */
	Transition(ctx context.Context, jobID, deliveryID string, from, to TargetState, errMsg string, at time.Time) (bool, error)
}

// Locker keeps two instances from running the same job
type Locker interface {
	// Lock acquires or, for the same owner, extends the job lease
	Lock(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, jobID, owner string) error
}

/* Interface composition - combining small interfaces into larger ones
 * This is preferred over large monolithic interfaces
 */
type Repository interface {
	Reader
	Writer
	Locker
}
