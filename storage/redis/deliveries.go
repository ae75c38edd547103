package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marcelsud/webhook-redrive/delivery"
	"github.com/marcelsud/webhook-redrive/webhook"
)

// abandonedIdle is how long a stream entry may stay unacknowledged before another consumer takes it over
const abandonedIdle = 5 * time.Minute

// createScript stores a delivery unless its idempotency key is taken
// Returns the id of the existing delivery, or an empty string when created
var createScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
	return existing
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], unpack(ARGV, 5))
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[1])
redis.call('ZADD', KEYS[5], ARGV[3], ARGV[1])
return ''
`)

// claimScript leases one delivery: -1 missing, 0 refused, 1 claimed
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'success' or status == 'failed' then
	return 0
end
local now = tonumber(ARGV[1])
local claimed = tonumber(redis.call('HGET', KEYS[1], 'claimed_until') or '0') or 0
if claimed > now then
	return 0
end
if ARGV[3] ~= '1' and status == 'retrying' then
	local retryAt = tonumber(redis.call('HGET', KEYS[1], 'next_retry_at') or '0') or 0
	if retryAt > now then
		return 0
	end
end
redis.call('HSET', KEYS[1], 'claimed_until', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[4])
return 1
`)

// claimDueScript leases due deliveries from the schedule
// A claimed entry is rescored to its lease expiry so it becomes due again if the holder dies
var claimDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local now = tonumber(ARGV[1])
local claimed = {}
for _, id in ipairs(ids) do
	local k = ARGV[4] .. id
	local status = redis.call('HGET', k, 'status')
	if not status or status == 'success' or status == 'failed' then
		redis.call('ZREM', KEYS[1], id)
	else
		local leased = tonumber(redis.call('HGET', k, 'claimed_until') or '0') or 0
		if leased <= now then
			redis.call('HSET', k, 'claimed_until', ARGV[2])
			redis.call('ZADD', KEYS[1], ARGV[2], id)
			table.insert(claimed, id)
		end
	end
end
return claimed
`)

// DeliveryRepository implements delivery.Repository
type DeliveryRepository struct {
	client *redis.Client
}

// CreateIfAbsent stores d unless a delivery with the same idempotency key exists
func (r *DeliveryRepository) CreateIfAbsent(ctx context.Context, d delivery.Delivery) (delivery.Delivery, bool, error) {
	fields, err := deliveryFields(d)
	if err != nil {
		return delivery.Delivery{}, false, err
	}

	args := []interface{}{d.ID, ms(d.CreatedAt), ms(d.ScheduledAt()), len(fields)}
	for field, value := range fields {
		args = append(args, field, value)
	}

	keys := []string{
		key(deliveryKeyPrefix, d.IdempotencyKey),
		key(deliveryPrefix, d.ID),
		key(deliveryOrgPrefix, d.OrgID),
		key(deliveryStatusSet, d.Status.String()),
		scheduleKey,
	}

	existing, err := createScript.Run(ctx, r.client, keys, args...).Text()
	if err != nil {
		return delivery.Delivery{}, false, fmt.Errorf("creating delivery: %w", err)
	}

	if existing != "" {
		stored, err := r.Get(ctx, existing)
		if err != nil {
			return delivery.Delivery{}, false, fmt.Errorf("loading existing delivery: %w", err)
		}
		return stored, false, nil
	}

	return d, true, nil
}

// Get retrieves a delivery by ID from its Redis hash
func (r *DeliveryRepository) Get(ctx context.Context, id string) (delivery.Delivery, error) {
	data, err := r.client.HGetAll(ctx, key(deliveryPrefix, id)).Result()
	if err != nil {
		return delivery.Delivery{}, fmt.Errorf("getting delivery: %w", err)
	}
	if len(data) == 0 {
		return delivery.Delivery{}, delivery.ErrNotFound
	}

	return parseDelivery(data)
}

// List scans the organization index newest first and pages over the matches
func (r *DeliveryRepository) List(ctx context.Context, orgID string, filter delivery.Filter, page delivery.Page) ([]delivery.Delivery, int, error) {
	ids, err := r.client.ZRevRange(ctx, key(deliveryOrgPrefix, orgID), 0, -1).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("listing delivery ids: %w", err)
	}

	all, err := r.getMany(ctx, ids)
	if err != nil {
		return nil, 0, err
	}

	matches := make([]delivery.Delivery, 0, len(all))
	for _, d := range all {
		if filter.Matches(d) {
			matches = append(matches, d)
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID > matches[j].ID
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	start, end := page.Bounds(len(matches))
	return matches[start:end], len(matches), nil
}

// Attempts returns the attempt log of a delivery, oldest first
func (r *DeliveryRepository) Attempts(ctx context.Context, id string) ([]delivery.Attempt, error) {
	exists, err := r.client.Exists(ctx, key(deliveryPrefix, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("checking delivery: %w", err)
	}
	if exists == 0 {
		return nil, delivery.ErrNotFound
	}

	raw, err := r.client.LRange(ctx, key(deliveryPrefix, id, "attempts"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading attempts: %w", err)
	}

	attempts := make([]delivery.Attempt, 0, len(raw))
	for _, s := range raw {
		var rec attemptRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("unmarshaling attempt: %w", err)
		}
		attempts = append(attempts, rec.attempt())
	}

	return attempts, nil
}

// Record saves the delivery projection, appends the attempt and updates the indexes
func (r *DeliveryRepository) Record(ctx context.Context, d delivery.Delivery, attempt *delivery.Attempt) error {
	hashKey := key(deliveryPrefix, d.ID)
	attemptsKey := key(deliveryPrefix, d.ID, "attempts")

	exists, err := r.client.Exists(ctx, hashKey).Result()
	if err != nil {
		return fmt.Errorf("checking delivery: %w", err)
	}
	if exists == 0 {
		return delivery.ErrNotFound
	}

	var attemptJSON []byte
	if attempt != nil {
		logged, err := r.client.LLen(ctx, attemptsKey).Result()
		if err != nil {
			return fmt.Errorf("counting attempts: %w", err)
		}
		if want := int(logged) + 1; attempt.Number != want {
			return fmt.Errorf("attempt %d out of order, expected %d", attempt.Number, want)
		}

		attemptJSON, err = json.Marshal(newAttemptRecord(*attempt))
		if err != nil {
			return fmt.Errorf("marshaling attempt: %w", err)
		}
	}

	d.ClaimedUntil = time.Time{}
	fields, err := deliveryFields(d)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hashKey, fields)
		if attemptJSON != nil {
			pipe.RPush(ctx, attemptsKey, attemptJSON)
		}

		for _, s := range []delivery.Status{delivery.Pending, delivery.Retrying, delivery.Success, delivery.Failed} {
			if s != d.Status {
				pipe.SRem(ctx, key(deliveryStatusSet, s.String()), d.ID)
			}
		}
		pipe.SAdd(ctx, key(deliveryStatusSet, d.Status.String()), d.ID)

		if d.IsFinal() {
			pipe.ZRem(ctx, scheduleKey, d.ID)
		} else {
			pipe.ZAdd(ctx, scheduleKey, redis.Z{Score: float64(ms(d.ScheduledAt())), Member: d.ID})
		}

		if d.Status == delivery.Retrying {
			pipe.ZAdd(ctx, retriesKey, redis.Z{Score: float64(ms(d.NextRetryAt)), Member: d.ID})
		} else {
			pipe.ZRem(ctx, retriesKey, d.ID)
		}

		if d.Status == delivery.Success {
			pipe.ZAdd(ctx, completedKey, redis.Z{Score: float64(ms(d.CompletedAt)), Member: d.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording delivery: %w", err)
	}

	return nil
}

// Claim leases a due delivery
func (r *DeliveryRepository) Claim(ctx context.Context, id string, now, until time.Time) (delivery.Delivery, bool, error) {
	return r.claim(ctx, id, now, until, false)
}

// ClaimForce leases a delivery whatever its schedule
func (r *DeliveryRepository) ClaimForce(ctx context.Context, id string, now, until time.Time) (delivery.Delivery, bool, error) {
	return r.claim(ctx, id, now, until, true)
}

func (r *DeliveryRepository) claim(ctx context.Context, id string, now, until time.Time, force bool) (delivery.Delivery, bool, error) {
	keys := []string{key(deliveryPrefix, id), scheduleKey}
	result, err := claimScript.Run(ctx, r.client, keys, ms(now), ms(until), boolField(force), id).Int()
	if err != nil {
		return delivery.Delivery{}, false, fmt.Errorf("claiming delivery: %w", err)
	}
	if result < 0 {
		return delivery.Delivery{}, false, delivery.ErrNotFound
	}

	d, err := r.Get(ctx, id)
	if err != nil {
		return delivery.Delivery{}, false, err
	}

	return d, result == 1, nil
}

// ClaimDue leases up to limit deliveries whose scheduled time has passed
func (r *DeliveryRepository) ClaimDue(ctx context.Context, now, until time.Time, limit int) ([]delivery.Delivery, error) {
	if limit <= 0 {
		limit = -1
	}

	ids, err := claimDueScript.Run(ctx, r.client, []string{scheduleKey}, ms(now), ms(until), limit, deliveryPrefix+":").StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("claiming due deliveries: %w", err)
	}

	return r.getMany(ctx, ids)
}

// Enqueue appends a delivery to the intake stream
func (r *DeliveryRepository) Enqueue(ctx context.Context, deliveryID string) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: intakeStream,
		Values: map[string]interface{}{"delivery_id": deliveryID},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueueing delivery: %w", err)
	}
	return nil
}

// Consume takes over abandoned entries first, then reads new ones for the consumer
func (r *DeliveryRepository) Consume(ctx context.Context, consumer string, count int, block time.Duration) ([]delivery.Message, error) {
	if count <= 0 {
		count = 1
	}

	abandoned, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   intakeStream,
		Group:    intakeGroup,
		Consumer: consumer,
		MinIdle:  abandonedIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("claiming abandoned messages: %w", err)
	}
	if len(abandoned) > 0 {
		return toMessages(abandoned), nil
	}

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    intakeGroup,
		Consumer: consumer,
		Streams:  []string{intakeStream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return []delivery.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading intake stream: %w", err)
	}

	var messages []delivery.Message
	for _, stream := range streams {
		messages = append(messages, toMessages(stream.Messages)...)
	}
	return messages, nil
}

// Acknowledge removes processed entries from the stream
func (r *DeliveryRepository) Acknowledge(ctx context.Context, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, intakeStream, intakeGroup, messageIDs...)
		pipe.XDel(ctx, intakeStream, messageIDs...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("acknowledging messages: %w", err)
	}
	return nil
}

// Pending returns the number of unacknowledged stream entries
func (r *DeliveryRepository) Pending(ctx context.Context) (int64, error) {
	n, err := r.client.XLen(ctx, intakeStream).Result()
	if err != nil {
		return 0, fmt.Errorf("reading stream length: %w", err)
	}
	return n, nil
}

// CountByStatus returns the number of deliveries per status
func (r *DeliveryRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	statuses := []delivery.Status{delivery.Pending, delivery.Retrying, delivery.Success, delivery.Failed}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(statuses))
	for i, s := range statuses {
		cmds[i] = pipe.SCard(ctx, key(deliveryStatusSet, s.String()))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("counting deliveries: %w", err)
	}

	counts := make(map[string]int64, len(statuses))
	for i, s := range statuses {
		counts[s.String()] = cmds[i].Val()
	}
	return counts, nil
}

// CountDue returns the number of retrying deliveries whose next_retry_at has passed
func (r *DeliveryRepository) CountDue(ctx context.Context, now time.Time) (int64, error) {
	n, err := r.client.ZCount(ctx, retriesKey, "-inf", strconv.FormatInt(ms(now), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("counting due retries: %w", err)
	}
	return n, nil
}

// CountCompletedSince returns the number of successful deliveries completed after since
func (r *DeliveryRepository) CountCompletedSince(ctx context.Context, since time.Time) (int64, error) {
	n, err := r.client.ZCount(ctx, completedKey, "("+strconv.FormatInt(ms(since), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("counting completed deliveries: %w", err)
	}
	return n, nil
}

func (r *DeliveryRepository) getMany(ctx context.Context, ids []string) ([]delivery.Delivery, error) {
	if len(ids) == 0 {
		return []delivery.Delivery{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, key(deliveryPrefix, id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("executing pipeline: %w", err)
	}

	deliveries := make([]delivery.Delivery, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		d, err := parseDelivery(data)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}

	return deliveries, nil
}

func toMessages(entries []redis.XMessage) []delivery.Message {
	messages := make([]delivery.Message, 0, len(entries))
	for _, entry := range entries {
		id, _ := entry.Values["delivery_id"].(string)
		messages = append(messages, delivery.Message{ID: entry.ID, DeliveryID: id})
	}
	return messages
}

func deliveryFields(d delivery.Delivery) (map[string]interface{}, error) {
	headersJSON, err := json.Marshal(d.Response.Headers)
	if err != nil {
		return nil, fmt.Errorf("marshaling response headers: %w", err)
	}

	return map[string]interface{}{
		"id":               d.ID,
		"org_id":           d.OrgID,
		"webhook_id":       d.WebhookID,
		"event_id":         d.EventID,
		"event_type":       d.EventType,
		"resource_type":    d.ResourceType,
		"resource_id":      d.ResourceID,
		"status":           d.Status.String(),
		"attempt_number":   d.AttemptNumber,
		"max_attempts":     d.MaxAttempts,
		"retry_strategy":   d.RetryStrategy.String(),
		"payload":          string(d.Payload),
		"idempotency_key":  d.IdempotencyKey,
		"parent_id":        d.ParentID,
		"response_status":  d.Response.StatusCode,
		"response_headers": string(headersJSON),
		"response_body":    d.Response.Body,
		"latency_ns":       int64(d.Latency),
		"last_outcome":     d.LastOutcome.String(),
		"error_message":    d.ErrorMessage,
		"next_retry_at":    ms(d.NextRetryAt),
		"claimed_until":    ms(d.ClaimedUntil),
		"created_at":       ms(d.CreatedAt),
		"updated_at":       ms(d.UpdatedAt),
		"completed_at":     ms(d.CompletedAt),
	}, nil
}

func parseDelivery(data map[string]string) (delivery.Delivery, error) {
	var headers map[string]string
	if s := data["response_headers"]; s != "" && s != "null" {
		if err := json.Unmarshal([]byte(s), &headers); err != nil {
			return delivery.Delivery{}, fmt.Errorf("unmarshaling response headers: %w", err)
		}
	}

	status, err := delivery.ParseStatus(data["status"])
	if err != nil {
		return delivery.Delivery{}, err
	}

	attemptNumber, _ := strconv.Atoi(data["attempt_number"])
	maxAttempts, _ := strconv.Atoi(data["max_attempts"])
	statusCode, _ := strconv.Atoi(data["response_status"])

	d := delivery.Delivery{
		ID:             data["id"],
		OrgID:          data["org_id"],
		WebhookID:      data["webhook_id"],
		EventID:        data["event_id"],
		EventType:      data["event_type"],
		ResourceType:   data["resource_type"],
		ResourceID:     data["resource_id"],
		Status:         status,
		AttemptNumber:  attemptNumber,
		MaxAttempts:    maxAttempts,
		RetryStrategy:  webhook.NewRetryStrategy(data["retry_strategy"]),
		Payload:        []byte(data["payload"]),
		IdempotencyKey: data["idempotency_key"],
		ParentID:       data["parent_id"],
		Response: delivery.Response{
			StatusCode: statusCode,
			Headers:    headers,
			Body:       data["response_body"],
		},
		Latency:      time.Duration(parseInt64(data["latency_ns"])),
		ErrorMessage: data["error_message"],
		NextRetryAt:  fromMs(data["next_retry_at"]),
		ClaimedUntil: fromMs(data["claimed_until"]),
		CreatedAt:    fromMs(data["created_at"]),
		UpdatedAt:    fromMs(data["updated_at"]),
		CompletedAt:  fromMs(data["completed_at"]),
	}
	if s := data["last_outcome"]; s != "" {
		d.LastOutcome = delivery.NewOutcome(s)
	}

	return d, nil
}

// attemptRecord is the JSON form of an attempt log entry
type attemptRecord struct {
	DeliveryID      string            `json:"delivery_id"`
	Number          int               `json:"attempt_number"`
	SentAt          int64             `json:"sent_at"`
	Method          string            `json:"request_method"`
	URL             string            `json:"request_url"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	RequestBody     []byte            `json:"request_body,omitempty"`
	StatusCode      int               `json:"response_status,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    string            `json:"response_body,omitempty"`
	Outcome         string            `json:"outcome"`
	LatencyNs       int64             `json:"latency_ns"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	NextRetryAt     int64             `json:"next_retry_at,omitempty"`
}

func newAttemptRecord(a delivery.Attempt) attemptRecord {
	return attemptRecord{
		DeliveryID:      a.DeliveryID,
		Number:          a.Number,
		SentAt:          ms(a.SentAt),
		Method:          a.Request.Method,
		URL:             a.Request.URL,
		RequestHeaders:  a.Request.Headers,
		RequestBody:     a.Request.Body,
		StatusCode:      a.Response.StatusCode,
		ResponseHeaders: a.Response.Headers,
		ResponseBody:    a.Response.Body,
		Outcome:         a.Outcome.String(),
		LatencyNs:       int64(a.Latency),
		ErrorMessage:    a.ErrorMessage,
		NextRetryAt:     ms(a.NextRetryAt),
	}
}

func (rec attemptRecord) attempt() delivery.Attempt {
	return delivery.Attempt{
		DeliveryID: rec.DeliveryID,
		Number:     rec.Number,
		SentAt:     fromMs(strconv.FormatInt(rec.SentAt, 10)),
		Request: delivery.Request{
			Method:  rec.Method,
			URL:     rec.URL,
			Headers: rec.RequestHeaders,
			Body:    rec.RequestBody,
		},
		Response: delivery.Response{
			StatusCode: rec.StatusCode,
			Headers:    rec.ResponseHeaders,
			Body:       rec.ResponseBody,
		},
		Outcome:      delivery.NewOutcome(rec.Outcome),
		Latency:      time.Duration(rec.LatencyNs),
		ErrorMessage: rec.ErrorMessage,
		NextRetryAt:  fromMs(strconv.FormatInt(rec.NextRetryAt, 10)),
	}
}
