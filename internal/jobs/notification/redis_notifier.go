package notification

import (
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const defaultChannel = "Job:Changed"

// RedisNotifier fans job-change signals out over Redis pub/sub. Delivery is
// best effort: a subscriber that is down simply misses the message and
// relies on the reconciliation sweep instead.
type RedisNotifier struct {
	db      redis.UniversalClient
	channel string
}

func NewRedisNotifier(db redis.UniversalClient) *RedisNotifier {
	return &RedisNotifier{db: db, channel: defaultChannel}
}

func (n *RedisNotifier) Publish(jobId string) error {
	if err := n.db.Publish(n.channel, jobId).Err(); err != nil {
		return errors.WithMessagef(err, "publishing change of job %s", jobId)
	}
	return nil
}

// Subscribe invokes handler with each received job id on a dedicated
// goroutine. The underlying client reconnects on its own; the goroutine
// lives for the life of the process.
func (n *RedisNotifier) Subscribe(handler func(jobId string)) error {
	pubsub := n.db.Subscribe(n.channel)
	if _, err := pubsub.Receive(); err != nil {
		return errors.WithMessage(err, "subscribing to job notifications")
	}
	go func() {
		for message := range pubsub.Channel() {
			handler(message.Payload)
		}
		log.Warn("job notification subscription closed")
	}()
	return nil
}
