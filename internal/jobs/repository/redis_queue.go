package repository

import (
	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/tagforge/tagforge/internal/jobs"
)

const (
	jobQueuePrefix = "Job:Queue:"
	queueIndexKey  = "Job:Queues"
)

// RedisJobQueue keeps each job's pending step items in a Redis list. A batch
// dequeue pops atomically via Lua so two workers never receive the same
// item.
type RedisJobQueue struct {
	db redis.UniversalClient
}

func NewRedisJobQueue(db redis.UniversalClient) *RedisJobQueue {
	return &RedisJobQueue{db: db}
}

func queueKey(jobId string) string {
	return jobQueuePrefix + jobId
}

// EnsureExists registers the queue in the index. The list itself springs
// into existence on first enqueue.
func (q *RedisJobQueue) EnsureExists(jobId string) error {
	return errors.WithStack(q.db.SAdd(queueIndexKey, jobId).Err())
}

func (q *RedisJobQueue) Enqueue(item jobs.StepItem, jobId string) error {
	return q.EnqueueBatch([]jobs.StepItem{item}, jobId)
}

func (q *RedisJobQueue) EnqueueBatch(items []jobs.StepItem, jobId string) error {
	if len(items) == 0 {
		return nil
	}
	values := make([]interface{}, len(items))
	for i, item := range items {
		values[i] = []byte(item)
	}
	if err := q.db.RPush(queueKey(jobId), values...).Err(); err != nil {
		return errors.WithMessagef(err, "enqueueing %d items for job %s", len(items), jobId)
	}
	return nil
}

// dequeueScript pops up to maxCount items from the head of the list in one
// atomic step.
const dequeueScript = `
local items = redis.call('LRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1)
if #items > 0 then
	redis.call('LTRIM', KEYS[1], #items, -1)
end
return items
`

func (q *RedisJobQueue) DequeueBatch(maxCount int, jobId string) ([]jobs.StepItem, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	result, err := q.db.Eval(dequeueScript, []string{queueKey(jobId)}, maxCount).Result()
	if err != nil {
		return nil, errors.WithMessagef(err, "dequeueing from job %s", jobId)
	}
	raw, ok := result.([]interface{})
	if !ok {
		return nil, errors.Errorf("unexpected dequeue result %v for job %s", result, jobId)
	}
	items := make([]jobs.StepItem, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			items = append(items, jobs.StepItem(s))
		}
	}
	return items, nil
}

func (q *RedisJobQueue) GetQueueLength(jobId string) (int64, error) {
	length, err := q.db.LLen(queueKey(jobId)).Result()
	if err != nil {
		return 0, errors.WithMessagef(err, "reading queue length of job %s", jobId)
	}
	return length, nil
}

func (q *RedisJobQueue) PurgeQueueContents(jobId string) error {
	if err := q.db.Del(queueKey(jobId)).Err(); err != nil {
		return errors.WithMessagef(err, "purging queue of job %s", jobId)
	}
	return nil
}
