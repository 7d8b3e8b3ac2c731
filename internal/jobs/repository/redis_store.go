package repository

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/tagforge/tagforge/internal/jobs"
)

const (
	jobDefinitionPrefix  = "Job:Def:"
	jobStatusPrefix      = "Job:Status:"
	jobPredecessorPrefix = "Job:Pre:"
	jobTenantIndexKey    = "Job:Tenant"
	runnableJobsKey      = "Job:Runnable"

	failuresSuffix   = ":failures"
	exceptionsSuffix = ":exceptions"

	// recentErrorsKept bounds the persisted recent-failure/exception lists.
	recentErrorsKept = 10
)

// RedisJobStore persists job definitions and status in Redis. Definitions
// are JSON strings; status lives in a hash so counters can be incremented
// server-side, which is what makes concurrent delta flushes from many worker
// processes safe. All state transitions go through a Lua compare-and-swap.
type RedisJobStore struct {
	db redis.UniversalClient
}

func NewRedisJobStore(db redis.UniversalClient) *RedisJobStore {
	return &RedisJobStore{db: db}
}

func definitionKey(tenantId, jobId string) string {
	return jobDefinitionPrefix + tenantId + ":" + jobId
}

func statusKey(tenantId, jobId string) string {
	return jobStatusPrefix + tenantId + ":" + jobId
}

func predecessorKey(tenantId, jobId string) string {
	return jobPredecessorPrefix + tenantId + ":" + jobId
}

func runnableMember(tenantId, jobId string) string {
	return tenantId + "/" + jobId
}

// addOrUpdateScript stores the definition, indexes the tenant and creates an
// Initializing status only if none exists yet, so re-creating a job updates
// its configuration without touching counters or state.
const addOrUpdateScript = `
redis.call('SET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
if redis.call('EXISTS', KEYS[3]) == 0 then
	redis.call('HSET', KEYS[3], 'state', '0')
	redis.call('HSET', KEYS[3], 'stateTime', ARGV[4])
end
return 1
`

func (s *RedisJobStore) AddOrUpdateDefinition(def *jobs.JobDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return errors.WithStack(err)
	}
	keys := []string{
		definitionKey(def.TenantId, def.JobId),
		jobTenantIndexKey,
		statusKey(def.TenantId, def.JobId),
	}
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	err = s.db.Eval(addOrUpdateScript, keys, string(data), def.JobId, def.TenantId, now).Err()
	if err != nil {
		return errors.WithMessagef(err, "persisting definition of job %s", def.JobId)
	}
	if len(def.Configuration.PreprocessorJobIds) > 0 {
		members := make([]interface{}, len(def.Configuration.PreprocessorJobIds))
		for i, p := range def.Configuration.PreprocessorJobIds {
			members[i] = p
		}
		if err := s.db.SAdd(predecessorKey(def.TenantId, def.JobId), members...).Err(); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (s *RedisJobStore) LoadDefinition(tenantId, jobId string) (*jobs.JobDefinition, error) {
	data, err := s.db.Get(definitionKey(tenantId, jobId)).Result()
	if err == redis.Nil {
		return nil, &jobs.ErrJobNotFound{TenantId: tenantId, JobId: jobId}
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	def := &jobs.JobDefinition{}
	if err := json.Unmarshal([]byte(data), def); err != nil {
		return nil, errors.WithMessagef(err, "unmarshalling definition of job %s", jobId)
	}

	// Predecessors added after creation live in a side set; merge them in.
	extra, err := s.db.SMembers(predecessorKey(tenantId, jobId)).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	def.Configuration.PreprocessorJobIds = mergeDistinct(def.Configuration.PreprocessorJobIds, extra)
	return def, nil
}

func (s *RedisJobStore) LoadFromAnyTenant(jobId string) (*jobs.JobDefinition, error) {
	tenantId, err := s.db.HGet(jobTenantIndexKey, jobId).Result()
	if err == redis.Nil {
		return nil, &jobs.ErrJobNotFound{TenantId: "*", JobId: jobId}
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return s.LoadDefinition(tenantId, jobId)
}

func (s *RedisJobStore) LoadStatus(tenantId, jobId string) (*jobs.JobStatus, error) {
	key := statusKey(tenantId, jobId)
	fields, err := s.db.HGetAll(key).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(fields) == 0 {
		return nil, &jobs.ErrJobNotFound{TenantId: tenantId, JobId: jobId}
	}

	status := &jobs.JobStatus{
		State:     jobs.JobState(parseInt(fields["state"])),
		StateTime: parseTime(fields["stateTime"]),

		ItemsProcessed:               parseInt(fields["itemsProcessed"]),
		ItemsFailed:                  parseInt(fields["itemsFailed"]),
		ItemsRequeued:                parseInt(fields["itemsRequeued"]),
		ItemsGeneratedForTargetQueue: parseInt(fields["itemsGeneratedForTargetQueue"]),
		ExceptionCount:               parseInt(fields["exceptionCount"]),

		LastIterationStartTime: parseTime(fields["lastIterationStart"]),
		LastDequeueAttemptTime: parseTime(fields["lastDequeueAttempt"]),
		LastProcessStartTime:   parseTime(fields["lastProcessStart"]),
		LastProcessFinishTime:  parseTime(fields["lastProcessFinish"]),
		LastHealthCheckTime:    parseTime(fields["lastHealthCheck"]),
		LastFailTime:           parseTime(fields["lastFail"]),
		LastExceptionTime:      parseTime(fields["lastException"]),
	}

	status.LastFailures, err = s.loadErrorRecords(key + failuresSuffix)
	if err != nil {
		return nil, err
	}
	status.LastExceptions, err = s.loadErrorRecords(key + exceptionsSuffix)
	if err != nil {
		return nil, err
	}
	return status, nil
}

func (s *RedisJobStore) loadErrorRecords(key string) ([]jobs.ErrorRecord, error) {
	raw, err := s.db.LRange(key, 0, recentErrorsKept-1).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	records := make([]jobs.ErrorRecord, 0, len(raw))
	for _, r := range raw {
		record := jobs.ErrorRecord{}
		if err := json.Unmarshal([]byte(r), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *RedisJobStore) LoadAllRunnableIds() ([]jobs.JobRef, error) {
	members, err := s.db.SMembers(runnableJobsKey).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	refs := make([]jobs.JobRef, 0, len(members))
	for _, m := range members {
		// Job ids are ULIDs and never contain a slash; split on the last
		// one so tenant ids containing slashes still round-trip.
		i := strings.LastIndex(m, "/")
		if i < 0 {
			continue
		}
		refs = append(refs, jobs.JobRef{TenantId: m[:i], JobId: m[i+1:]})
	}
	return refs, nil
}

// casScript swaps the state if it matches the expected one (an empty
// expected swaps unconditionally) and maintains the runnable-jobs set.
// Returns 1 when applied, 0 when the state already moved, -1 for a missing
// job.
const casScript = `
local current = redis.call('HGET', KEYS[1], 'state')
if not current then
	return -1
end
if ARGV[1] ~= '' and current ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'state', ARGV[2])
redis.call('HSET', KEYS[1], 'stateTime', ARGV[3])
if ARGV[4] == '1' then
	redis.call('SADD', KEYS[2], ARGV[5])
else
	redis.call('SREM', KEYS[2], ARGV[5])
end
return 1
`

func (s *RedisJobStore) CompareAndSwapState(tenantId, jobId string, expected *jobs.JobState, newState jobs.JobState) (bool, error) {
	expectedArg := ""
	if expected != nil {
		expectedArg = strconv.Itoa(int(*expected))
	}
	runnableArg := "0"
	if newState.IsRunnable() {
		runnableArg = "1"
	}
	keys := []string{statusKey(tenantId, jobId), runnableJobsKey}
	result, err := s.db.Eval(casScript, keys,
		expectedArg,
		strconv.Itoa(int(newState)),
		strconv.FormatInt(time.Now().UnixNano(), 10),
		runnableArg,
		runnableMember(tenantId, jobId),
	).Result()
	if err != nil {
		return false, errors.WithMessagef(err, "swapping state of job %s", jobId)
	}
	applied, ok := result.(int64)
	if !ok {
		return false, errors.Errorf("unexpected CAS result %v for job %s", result, jobId)
	}
	if applied == -1 {
		return false, &jobs.ErrJobNotFound{TenantId: tenantId, JobId: jobId}
	}
	return applied == 1, nil
}

// deltaScript applies counter increments and max-merges timestamps in one
// atomic step. ARGV: 5 counters then 7 timestamps in fixed order.
const deltaScript = `
local counters = {'itemsProcessed','itemsFailed','itemsRequeued','itemsGeneratedForTargetQueue','exceptionCount'}
for i, field in ipairs(counters) do
	local v = tonumber(ARGV[i])
	if v ~= 0 then
		redis.call('HINCRBY', KEYS[1], field, v)
	end
end
local timestamps = {'lastIterationStart','lastDequeueAttempt','lastProcessStart','lastProcessFinish','lastHealthCheck','lastFail','lastException'}
for i, field in ipairs(timestamps) do
	local v = tonumber(ARGV[5+i])
	if v > 0 then
		local cur = tonumber(redis.call('HGET', KEYS[1], field) or '0')
		if v > cur then
			redis.call('HSET', KEYS[1], field, ARGV[5+i])
		end
	end
end
return 1
`

func (s *RedisJobStore) ApplyStatusDelta(tenantId, jobId string, delta *jobs.StatusDelta) error {
	key := statusKey(tenantId, jobId)
	args := []interface{}{
		delta.ItemsProcessed,
		delta.ItemsFailed,
		delta.ItemsRequeued,
		delta.ItemsGeneratedForTargetQueue,
		delta.ExceptionCount,
		timeArg(delta.LastIterationStartTime),
		timeArg(delta.LastDequeueAttemptTime),
		timeArg(delta.LastProcessStartTime),
		timeArg(delta.LastProcessFinishTime),
		timeArg(delta.LastHealthCheckTime),
		timeArg(delta.LastFailTime),
		timeArg(delta.LastExceptionTime),
	}
	if err := s.db.Eval(deltaScript, []string{key}, args...).Err(); err != nil {
		return errors.WithMessagef(err, "applying status delta of job %s", jobId)
	}

	if len(delta.Failures) == 0 && len(delta.Exceptions) == 0 {
		return nil
	}
	pipe := s.db.Pipeline()
	pushErrorRecords(pipe, key+failuresSuffix, delta.Failures)
	pushErrorRecords(pipe, key+exceptionsSuffix, delta.Exceptions)
	if _, err := pipe.Exec(); err != nil {
		return errors.WithMessagef(err, "recording failures of job %s", jobId)
	}
	return nil
}

func (s *RedisJobStore) AddException(tenantId, jobId string, record jobs.ErrorRecord) error {
	key := statusKey(tenantId, jobId)
	pipe := s.db.Pipeline()
	pipe.HIncrBy(key, "exceptionCount", 1)
	pushErrorRecords(pipe, key+exceptionsSuffix, []jobs.ErrorRecord{record})
	if _, err := pipe.Exec(); err != nil {
		return errors.WithMessagef(err, "recording exception of job %s", jobId)
	}
	return nil
}

// addPredecessorScript only admits the dependency while the job is still
// Initializing.
const addPredecessorScript = `
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return -1
end
if state ~= '0' then
	return 0
end
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`

func (s *RedisJobStore) AddPredecessor(tenantId, jobId, predecessorId string) (bool, error) {
	keys := []string{statusKey(tenantId, jobId), predecessorKey(tenantId, jobId)}
	result, err := s.db.Eval(addPredecessorScript, keys, predecessorId).Result()
	if err != nil {
		return false, errors.WithMessagef(err, "adding predecessor to job %s", jobId)
	}
	applied, ok := result.(int64)
	if !ok {
		return false, errors.Errorf("unexpected result %v adding predecessor to job %s", result, jobId)
	}
	if applied == -1 {
		return false, &jobs.ErrJobNotFound{TenantId: tenantId, JobId: jobId}
	}
	return applied == 1, nil
}

func pushErrorRecords(pipe redis.Pipeliner, key string, records []jobs.ErrorRecord) {
	for _, record := range records {
		data, err := json.Marshal(record)
		if err != nil {
			continue
		}
		pipe.LPush(key, string(data))
	}
	if len(records) > 0 {
		pipe.LTrim(key, 0, recentErrorsKept-1)
	}
}

func mergeDistinct(a, b []string) []string {
	seen := map[string]bool{}
	merged := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if !seen[v] {
				seen[v] = true
				merged = append(merged, v)
			}
		}
	}
	return merged
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func parseTime(s string) time.Time {
	nanos := parseInt(s)
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

func timeArg(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
