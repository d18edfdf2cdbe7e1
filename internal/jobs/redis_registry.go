package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// putScript creates the job hash only if the key is absent.
var putScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "id", ARGV[1], "state", ARGV[2], "original_name", ARGV[3], "created_at", ARGV[4])
return 1
`)

// transitionScript moves a pending job to a terminal state in one step.
// Returns -1 when the job does not exist, 0 when it is not pending.
var transitionScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
	return -1
end
if state ~= ARGV[1] then
	return 0
end
redis.call("HSET", KEYS[1], "state", ARGV[2], ARGV[3], ARGV[4], "completed_at", ARGV[5])
return 1
`)

// RedisRegistry stores each job as a hash at <prefix>job:<id>. Put and the
// transitions run as Lua scripts so concurrent readers never see partial writes.
type RedisRegistry struct {
	client *redis.Client
	prefix string
}

var _ Registry = (*RedisRegistry)(nil)

// NewRedisRegistry connects to redisURL and verifies the connection.
func NewRedisRegistry(ctx context.Context, redisURL, prefix string) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisRegistry{client: client, prefix: prefix}, nil
}

func (r *RedisRegistry) key(id string) string {
	return r.prefix + "job:" + id
}

func (r *RedisRegistry) Put(ctx context.Context, job Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	n, err := putScript.Run(ctx, r.client, []string{r.key(job.ID)},
		job.ID, string(job.State), job.OriginalName, job.CreatedAt.UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if n == 0 {
		return ErrDuplicateID
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (Job, error) {
	fields, err := r.client.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	if len(fields) == 0 {
		return Job{}, ErrNotFound
	}
	job := Job{
		ID:           fields["id"],
		State:        State(fields["state"]),
		ArtifactRef:  fields["artifact_ref"],
		Error:        fields["error_message"],
		OriginalName: fields["original_name"],
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		job.CreatedAt = t
	}
	if v, ok := fields["completed_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.CompletedAt = &t
		}
	}
	return job, nil
}

func (r *RedisRegistry) Complete(ctx context.Context, id, artifactRef string) error {
	if artifactRef == "" {
		return errors.New("artifact reference is required")
	}
	return r.transition(ctx, id, StateComplete, "artifact_ref", artifactRef)
}

func (r *RedisRegistry) Fail(ctx context.Context, id, reason string) error {
	return r.transition(ctx, id, StateFailed, "error_message", reason)
}

func (r *RedisRegistry) transition(ctx context.Context, id string, to State, field, value string) error {
	n, err := transitionScript.Run(ctx, r.client, []string{r.key(id)},
		string(StatePending), string(to), field, value, time.Now().UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	switch n {
	case 1:
		return nil
	case -1:
		return ErrNotFound
	default:
		return ErrInvalidTransition
	}
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
