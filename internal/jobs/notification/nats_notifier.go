package notification

import (
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

const defaultSubject = "tagforge.jobs.changed"

// NatsNotifier is the NATS-backed notifier, for deployments that already run
// NATS and prefer it over Redis pub/sub. Same best-effort contract.
type NatsNotifier struct {
	conn    *nats.Conn
	subject string
}

func NewNatsNotifier(conn *nats.Conn) *NatsNotifier {
	return &NatsNotifier{conn: conn, subject: defaultSubject}
}

func (n *NatsNotifier) Publish(jobId string) error {
	if err := n.conn.Publish(n.subject, []byte(jobId)); err != nil {
		return errors.WithMessagef(err, "publishing change of job %s", jobId)
	}
	return nil
}

func (n *NatsNotifier) Subscribe(handler func(jobId string)) error {
	_, err := n.conn.Subscribe(n.subject, func(msg *nats.Msg) {
		handler(string(msg.Data))
	})
	return errors.WithMessage(err, "subscribing to job notifications")
}
