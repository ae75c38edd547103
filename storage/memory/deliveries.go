package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/marcelsud/webhook-redrive/delivery"
)

// DeliveryRepository is an in-memory implementation of delivery.Repository.
type DeliveryRepository struct {
	mu         sync.RWMutex
	deliveries map[string]delivery.Delivery
	keys       map[string]string
	attempts   map[string][]delivery.Attempt

	queueMu  sync.Mutex
	queue    []delivery.Message
	inflight map[string]delivery.Message
	seq      int64
	notify   chan struct{}
}

// NewDeliveryRepository creates a new in-memory delivery repository.
func NewDeliveryRepository() *DeliveryRepository {
	return &DeliveryRepository{
		deliveries: make(map[string]delivery.Delivery),
		keys:       make(map[string]string),
		attempts:   make(map[string][]delivery.Attempt),
		inflight:   make(map[string]delivery.Message),
		notify:     make(chan struct{}, 1),
	}
}

// CreateIfAbsent stores d unless its idempotency key is taken.
func (r *DeliveryRepository) CreateIfAbsent(ctx context.Context, d delivery.Delivery) (delivery.Delivery, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, exists := r.keys[d.IdempotencyKey]; exists {
		return cloneDelivery(r.deliveries[id]), false, nil
	}

	if _, exists := r.deliveries[d.ID]; exists {
		return delivery.Delivery{}, false, fmt.Errorf("delivery %s already exists", d.ID)
	}

	r.deliveries[d.ID] = cloneDelivery(d)
	r.keys[d.IdempotencyKey] = d.ID
	return cloneDelivery(d), true, nil
}

// Get retrieves a delivery by its ID.
func (r *DeliveryRepository) Get(ctx context.Context, id string) (delivery.Delivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, exists := r.deliveries[id]
	if !exists {
		return delivery.Delivery{}, delivery.ErrNotFound
	}
	return cloneDelivery(d), nil
}

// List returns one page of an organization's deliveries, newest first.
func (r *DeliveryRepository) List(ctx context.Context, orgID string, filter delivery.Filter, page delivery.Page) ([]delivery.Delivery, int, error) {
	r.mu.RLock()
	var matches []delivery.Delivery
	for _, d := range r.deliveries {
		if d.OrgID == orgID && filter.Matches(d) {
			matches = append(matches, d)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID > matches[j].ID
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	start, end := page.Bounds(len(matches))
	out := make([]delivery.Delivery, 0, end-start)
	for _, d := range matches[start:end] {
		out = append(out, cloneDelivery(d))
	}
	return out, len(matches), nil
}

// Attempts returns the attempt log of a delivery, oldest first.
func (r *DeliveryRepository) Attempts(ctx context.Context, id string) ([]delivery.Attempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, exists := r.deliveries[id]; !exists {
		return nil, delivery.ErrNotFound
	}
	return append([]delivery.Attempt(nil), r.attempts[id]...), nil
}

// Record saves the delivery projection, appends the attempt and releases the lease.
func (r *DeliveryRepository) Record(ctx context.Context, d delivery.Delivery, attempt *delivery.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.deliveries[d.ID]; !exists {
		return delivery.ErrNotFound
	}

	if attempt != nil {
		if want := len(r.attempts[d.ID]) + 1; attempt.Number != want {
			return fmt.Errorf("attempt %d out of order, expected %d", attempt.Number, want)
		}
		r.attempts[d.ID] = append(r.attempts[d.ID], *attempt)
	}

	d.ClaimedUntil = time.Time{}
	r.deliveries[d.ID] = cloneDelivery(d)
	return nil
}

// Claim leases a due delivery.
func (r *DeliveryRepository) Claim(ctx context.Context, id string, now, until time.Time) (delivery.Delivery, bool, error) {
	return r.claim(id, now, until, false)
}

// ClaimForce leases a delivery whatever its schedule.
func (r *DeliveryRepository) ClaimForce(ctx context.Context, id string, now, until time.Time) (delivery.Delivery, bool, error) {
	return r.claim(id, now, until, true)
}

func (r *DeliveryRepository) claim(id string, now, until time.Time, force bool) (delivery.Delivery, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, exists := r.deliveries[id]
	if !exists {
		return delivery.Delivery{}, false, delivery.ErrNotFound
	}

	if d.IsFinal() || d.Claimed(now) || (!force && !d.Due(now)) {
		return cloneDelivery(d), false, nil
	}

	d.ClaimedUntil = until
	r.deliveries[id] = d
	return cloneDelivery(d), true, nil
}

// ClaimDue leases up to limit deliveries whose scheduled time has passed.
func (r *DeliveryRepository) ClaimDue(ctx context.Context, now, until time.Time, limit int) ([]delivery.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []delivery.Delivery
	for _, d := range r.deliveries {
		if d.IsFinal() || d.Claimed(now) {
			continue
		}
		// An expired lease makes a delivery due again, whatever its schedule
		if d.ScheduledAt().After(now) && d.ClaimedUntil.IsZero() {
			continue
		}
		due = append(due, d)
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledAt().Before(due[j].ScheduledAt())
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	for i := range due {
		due[i].ClaimedUntil = until
		r.deliveries[due[i].ID] = due[i]
		due[i] = cloneDelivery(due[i])
	}

	return due, nil
}

// Enqueue appends a delivery to the intake queue.
func (r *DeliveryRepository) Enqueue(ctx context.Context, deliveryID string) error {
	r.queueMu.Lock()
	r.seq++
	r.queue = append(r.queue, delivery.Message{
		ID:         strconv.FormatInt(r.seq, 10),
		DeliveryID: deliveryID,
	})
	r.queueMu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Consume takes up to count messages, waiting up to block for the first one.
func (r *DeliveryRepository) Consume(ctx context.Context, consumer string, count int, block time.Duration) ([]delivery.Message, error) {
	timer := time.NewTimer(block)
	defer timer.Stop()

	for {
		if messages := r.take(count); len(messages) > 0 {
			return messages, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return []delivery.Message{}, nil
		case <-r.notify:
		}
	}
}

func (r *DeliveryRepository) take(count int) []delivery.Message {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()

	if count <= 0 || count > len(r.queue) {
		count = len(r.queue)
	}

	messages := append([]delivery.Message(nil), r.queue[:count]...)
	r.queue = r.queue[count:]
	for _, msg := range messages {
		r.inflight[msg.ID] = msg
	}

	// Wake another consumer if work remains
	if len(r.queue) > 0 {
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}

	return messages
}

// Acknowledge marks messages as processed.
func (r *DeliveryRepository) Acknowledge(ctx context.Context, messageIDs ...string) error {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()

	for _, id := range messageIDs {
		delete(r.inflight, id)
	}
	return nil
}

// Pending returns the number of queued and unacknowledged messages.
func (r *DeliveryRepository) Pending(ctx context.Context) (int64, error) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()

	return int64(len(r.queue) + len(r.inflight)), nil
}

// CountByStatus returns the number of deliveries per status.
func (r *DeliveryRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := map[string]int64{
		delivery.Pending.String():  0,
		delivery.Retrying.String(): 0,
		delivery.Success.String():  0,
		delivery.Failed.String():   0,
	}
	for _, d := range r.deliveries {
		counts[d.Status.String()]++
	}
	return counts, nil
}

// CountDue returns the number of retrying deliveries whose next_retry_at has passed.
func (r *DeliveryRepository) CountDue(ctx context.Context, now time.Time) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, d := range r.deliveries {
		if d.Status == delivery.Retrying && !d.NextRetryAt.After(now) {
			n++
		}
	}
	return n, nil
}

// CountCompletedSince returns the number of successful deliveries completed after since.
func (r *DeliveryRepository) CountCompletedSince(ctx context.Context, since time.Time) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, d := range r.deliveries {
		if d.Status == delivery.Success && d.CompletedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func cloneDelivery(d delivery.Delivery) delivery.Delivery {
	d.Payload = append([]byte(nil), d.Payload...)
	if d.Response.Headers != nil {
		headers := make(map[string]string, len(d.Response.Headers))
		for k, v := range d.Response.Headers {
			headers[k] = v
		}
		d.Response.Headers = headers
	}
	return d
}
