package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marcelsud/webhook-redrive/redrive"
)

// transitionScript moves one target between states and applies the counter deltas
// Returns -1 for a missing job, -2 for an unknown target, 0 when the target is not in the expected state
var transitionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local raw = redis.call('HGET', KEYS[2], ARGV[1])
if not raw then
	return -2
end
local target = cjson.decode(raw)
if target.state ~= ARGV[2] then
	return 0
end
target.state = ARGV[3]
target.error = ARGV[4]
target.updated_at = tonumber(ARGV[5])
redis.call('HSET', KEYS[2], ARGV[1], cjson.encode(target))
local counters = {'processed', 'successful', 'failed', 'skipped', 'cancelled'}
for i, field in ipairs(counters) do
	local delta = tonumber(ARGV[5 + i])
	if delta ~= 0 then
		redis.call('HINCRBY', KEYS[1], field, delta)
	end
end
return 1
`)

// saveScript updates the job fields unless that would move a final job back
var saveScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current then
	return -1
end
if (current == 'completed' or current == 'failed') and ARGV[2] ~= '1' then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
if ARGV[2] == '1' then
	redis.call('ZREM', KEYS[2], ARGV[1])
end
return 1
`)

var lockScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
if owner and owner ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// JobRepository implements redrive.Repository
type JobRepository struct {
	client *redis.Client
}

// targetRecord is the JSON form of a target state
type targetRecord struct {
	State     string `json:"state"`
	ParentID  string `json:"parent_id"`
	Error     string `json:"error"`
	UpdatedAt int64  `json:"updated_at"`
}

// Create stores a job, its counters and its targets
func (r *JobRepository) Create(ctx context.Context, job redrive.Job, targets []redrive.Target) error {
	hashKey := key(jobPrefix, job.ID)

	created, err := r.client.HSetNX(ctx, hashKey, "id", job.ID).Result()
	if err != nil {
		return fmt.Errorf("storing redrive job: %w", err)
	}
	if !created {
		return fmt.Errorf("redrive job %s already exists", job.ID)
	}

	fields, err := jobFields(job)
	if err != nil {
		return err
	}
	fields["processed"] = job.Processed
	fields["successful"] = job.Successful
	fields["failed"] = job.Failed
	fields["skipped"] = job.Skipped
	fields["cancelled"] = job.Cancelled

	ids := make([]interface{}, 0, len(targets))
	states := make(map[string]interface{}, len(targets))
	for _, t := range targets {
		raw, err := json.Marshal(targetRecord{
			State:     t.State.String(),
			ParentID:  t.ParentID,
			Error:     t.Error,
			UpdatedAt: ms(t.UpdatedAt),
		})
		if err != nil {
			return fmt.Errorf("marshaling target: %w", err)
		}
		ids = append(ids, t.DeliveryID)
		states[t.DeliveryID] = string(raw)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hashKey, fields)
		if len(ids) > 0 {
			pipe.RPush(ctx, key(jobPrefix, job.ID, "targets"), ids...)
			pipe.HSet(ctx, key(jobPrefix, job.ID, "states"), states)
		}
		if !job.Status.IsFinal() {
			pipe.ZAdd(ctx, activeJobsKey, redis.Z{Score: float64(ms(job.CreatedAt)), Member: job.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storing redrive job: %w", err)
	}

	return nil
}

// Get retrieves a job by ID from its Redis hash
func (r *JobRepository) Get(ctx context.Context, id string) (redrive.Job, error) {
	data, err := r.client.HGetAll(ctx, key(jobPrefix, id)).Result()
	if err != nil {
		return redrive.Job{}, fmt.Errorf("getting redrive job: %w", err)
	}
	if len(data) == 0 {
		return redrive.Job{}, redrive.ErrNotFound
	}

	return parseJob(data)
}

// Targets returns the targets of a job in request order
func (r *JobRepository) Targets(ctx context.Context, jobID string) ([]redrive.Target, error) {
	exists, err := r.client.Exists(ctx, key(jobPrefix, jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("checking redrive job: %w", err)
	}
	if exists == 0 {
		return nil, redrive.ErrNotFound
	}

	ids, err := r.client.LRange(ctx, key(jobPrefix, jobID, "targets"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading targets: %w", err)
	}
	if len(ids) == 0 {
		return []redrive.Target{}, nil
	}

	states, err := r.client.HMGet(ctx, key(jobPrefix, jobID, "states"), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading target states: %w", err)
	}

	targets := make([]redrive.Target, 0, len(ids))
	for i, id := range ids {
		raw, ok := states[i].(string)
		if !ok {
			continue
		}

		var rec targetRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("unmarshaling target: %w", err)
		}

		targets = append(targets, redrive.Target{
			DeliveryID: id,
			ParentID:   rec.ParentID,
			State:      redrive.NewTargetState(rec.State),
			Error:      rec.Error,
			UpdatedAt:  time.UnixMilli(rec.UpdatedAt).UTC(),
		})
	}

	return targets, nil
}

// ListActive returns the ids of unfinished jobs, oldest first
func (r *JobRepository) ListActive(ctx context.Context) ([]string, error) {
	ids, err := r.client.ZRange(ctx, activeJobsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing active jobs: %w", err)
	}
	return ids, nil
}

// Save updates the status fields of a job, keeping its counters
func (r *JobRepository) Save(ctx context.Context, job redrive.Job) error {
	fields, err := jobFields(job)
	if err != nil {
		return err
	}

	args := []interface{}{job.ID, boolField(job.Status.IsFinal())}
	for field, value := range fields {
		args = append(args, field, value)
	}

	result, err := saveScript.Run(ctx, r.client, []string{key(jobPrefix, job.ID), activeJobsKey}, args...).Int()
	if err != nil {
		return fmt.Errorf("saving redrive job: %w", err)
	}
	if result < 0 {
		return redrive.ErrNotFound
	}

	return nil
}

// Transition moves a target between states and updates the job counters atomically
func (r *JobRepository) Transition(ctx context.Context, jobID, deliveryID string, from, to redrive.TargetState, errMsg string, at time.Time) (bool, error) {
	delta := redrive.Delta(from, to)
	keys := []string{key(jobPrefix, jobID), key(jobPrefix, jobID, "states")}

	result, err := transitionScript.Run(ctx, r.client, keys,
		deliveryID, from.String(), to.String(), errMsg, ms(at),
		delta.Processed, delta.Successful, delta.Failed, delta.Skipped, delta.Cancelled,
	).Int()
	if err != nil {
		return false, fmt.Errorf("transitioning target: %w", err)
	}

	switch result {
	case -1:
		return false, redrive.ErrNotFound
	case -2:
		return false, fmt.Errorf("delivery %s is not a target of job %s", deliveryID, jobID)
	default:
		return result == 1, nil
	}
}

// Lock acquires or extends the job lease
func (r *JobRepository) Lock(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	result, err := lockScript.Run(ctx, r.client, []string{key(jobLockPrefix, jobID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("locking redrive job: %w", err)
	}
	return result == 1, nil
}

// Unlock releases the job lease if owner holds it
func (r *JobRepository) Unlock(ctx context.Context, jobID, owner string) error {
	if err := unlockScript.Run(ctx, r.client, []string{key(jobLockPrefix, jobID)}, owner).Err(); err != nil {
		return fmt.Errorf("unlocking redrive job: %w", err)
	}
	return nil
}

// jobFields encodes everything but the counters, which only Transition changes
func jobFields(job redrive.Job) (map[string]interface{}, error) {
	rejected, err := json.Marshal(job.RejectedIDs)
	if err != nil {
		return nil, fmt.Errorf("marshaling rejected ids: %w", err)
	}

	return map[string]interface{}{
		"id":              job.ID,
		"org_id":          job.OrgID,
		"reason":          job.Reason,
		"status":          job.Status.String(),
		"new_lineage":     boolField(job.NewLineage),
		"total_requested": job.TotalRequested,
		"total":           job.Total,
		"rejected_ids":    string(rejected),
		"error_message":   job.ErrorMessage,
		"created_at":      ms(job.CreatedAt),
		"started_at":      ms(job.StartedAt),
		"completed_at":    ms(job.CompletedAt),
		"cancelled_at":    ms(job.CancelledAt),
	}, nil
}

func parseJob(data map[string]string) (redrive.Job, error) {
	var rejected []string
	if s := data["rejected_ids"]; s != "" && s != "null" {
		if err := json.Unmarshal([]byte(s), &rejected); err != nil {
			return redrive.Job{}, fmt.Errorf("unmarshaling rejected ids: %w", err)
		}
	}

	return redrive.Job{
		ID:             data["id"],
		OrgID:          data["org_id"],
		Reason:         data["reason"],
		Status:         redrive.NewStatus(data["status"]),
		NewLineage:     data["new_lineage"] == "1",
		TotalRequested: int(parseInt64(data["total_requested"])),
		Total:          int(parseInt64(data["total"])),
		RejectedIDs:    rejected,
		Counters: redrive.Counters{
			Processed:  int(parseInt64(data["processed"])),
			Successful: int(parseInt64(data["successful"])),
			Failed:     int(parseInt64(data["failed"])),
			Skipped:    int(parseInt64(data["skipped"])),
			Cancelled:  int(parseInt64(data["cancelled"])),
		},
		ErrorMessage: data["error_message"],
		CreatedAt:    fromMs(data["created_at"]),
		StartedAt:    fromMs(data["started_at"]),
		CompletedAt:  fromMs(data["completed_at"]),
		CancelledAt:  fromMs(data["cancelled_at"]),
	}, nil
}
