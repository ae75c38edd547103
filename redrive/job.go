// Package redrive re-drives batches of deliveries and tracks their progress as jobs.
package redrive

import (
	"errors"
	"math"
	"time"
)

var (
	// ErrNotFound is returned when a job does not exist or belongs to another organization
	ErrNotFound = errors.New("redrive job not found")

	// ErrNoTargets is returned when a request names no deliveries
	ErrNoTargets = errors.New("at least one delivery id is required")

	// ErrTooManyTargets is returned when a request exceeds MaxTargets
	ErrTooManyTargets = errors.New("too many delivery ids")
)

// MaxTargets bounds the number of deliveries a single job may name
const MaxTargets = 1000

/* Status represents the lifecycle of a redrive job
 * Pending -> Processing -> Completed, or Failed when the job cannot start
 */
type Status int

const (
	Pending Status = iota + 1
	Processing
	Completed
	Failed
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Processing:
		return "processing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// NewStatus creates a Status from a string
func NewStatus(str string) Status {
	switch str {
	case "pending":
		return Pending
	case "processing":
		return Processing
	case "completed":
		return Completed
	case "failed":
		return Failed
	default:
		return Pending
	}
}

// IsFinal returns true if the job will not change any more
func (s Status) IsFinal() bool {
	return s == Completed || s == Failed
}

/* TargetState tracks one delivery inside a job
 * Queued -> Dispatched -> Succeeded/Failed
 * Queued -> Failed/Skipped/Cancelled without a dispatch
 */
type TargetState int

const (
	Queued TargetState = iota + 1
	Dispatched
	Succeeded
	TargetFailed
	Skipped
	Cancelled
)

// String returns the string representation of the target state
func (s TargetState) String() string {
	switch s {
	case Queued:
		return "queued"
	case Dispatched:
		return "dispatched"
	case Succeeded:
		return "succeeded"
	case TargetFailed:
		return "failed"
	case Skipped:
		return "skipped"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// NewTargetState creates a TargetState from a string
func NewTargetState(str string) TargetState {
	switch str {
	case "queued":
		return Queued
	case "dispatched":
		return Dispatched
	case "succeeded":
		return Succeeded
	case "failed":
		return TargetFailed
	case "skipped":
		return Skipped
	case "cancelled":
		return Cancelled
	default:
		return Queued
	}
}

// IsFinal returns true if the target needs no more work
func (s TargetState) IsFinal() bool {
	return s != Queued && s != Dispatched
}

// Target is one delivery driven by a job
// ParentID is set when the job re-created the delivery as a new lineage
type Target struct {
	DeliveryID string
	ParentID   string
	State      TargetState
	Error      string
	UpdatedAt  time.Time
}

// Counters are the aggregate job progress
type Counters struct {
	Processed  int
	Successful int
	Failed     int
	Skipped    int
	Cancelled  int
}

// Delta returns the counter changes of a target moving from one state to another
// processed counts targets the job dispatched or failed without dispatching
func Delta(from, to TargetState) Counters {
	var c Counters
	if from == Queued && (to == Dispatched || to == TargetFailed || to == Succeeded) {
		c.Processed++
	}
	switch to {
	case Succeeded:
		c.Successful++
	case TargetFailed:
		c.Failed++
	case Skipped:
		c.Skipped++
	case Cancelled:
		c.Cancelled++
	}
	return c
}

// Add returns the sum of two counter sets
func (c Counters) Add(o Counters) Counters {
	return Counters{
		Processed:  c.Processed + o.Processed,
		Successful: c.Successful + o.Successful,
		Failed:     c.Failed + o.Failed,
		Skipped:    c.Skipped + o.Skipped,
		Cancelled:  c.Cancelled + o.Cancelled,
	}
}

/* Job tracks a bulk redrive request
 * Counters are only ever changed through target transitions
 */
type Job struct {
	ID             string
	OrgID          string
	Reason         string
	Status         Status
	NewLineage     bool
	TotalRequested int
	Total          int
	RejectedIDs    []string
	Counters
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
	CancelledAt  time.Time
}

// Outstanding is the number of targets not yet final
func (j Job) Outstanding() int {
	n := j.Total - j.Successful - j.Failed - j.Skipped - j.Cancelled
	if n < 0 {
		return 0
	}
	return n
}

// Queued is the number of targets not yet handled by the job
func (j Job) Queued() int {
	n := j.Total - j.Processed - j.Skipped - j.Cancelled
	if n < 0 {
		return 0
	}
	return n
}

// Progress is the share of targets the job has handled, in percent
func (j Job) Progress() float64 {
	if j.Total == 0 {
		return 100
	}
	p := float64(j.Processed+j.Skipped+j.Cancelled) / float64(j.Total) * 100
	return math.Round(p*100) / 100
}

// IsCancelled reports whether the job was cancelled by a caller
func (j Job) IsCancelled() bool {
	return !j.CancelledAt.IsZero()
}
