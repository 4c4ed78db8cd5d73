package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
)

// Alert is the JSON document published for each notification.
type Alert struct {
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	Source  string    `json:"source"`
	Time    time.Time `json:"time"`
}

// Publisher is the part of a NATS connection used to send alerts.
type Publisher interface {
	Publish(subj string, data []byte) error
}

const flushTimeout = 5 * time.Second

type flusher interface {
	FlushWithContext(ctx context.Context) error
}

// NATS publishes alerts as JSON on a NATS subject.
type NATS struct {
	pub     Publisher
	subject string
	source  string
	now     func() time.Time
}

// NewNATS returns a notifier publishing on subject through pub. source
// identifies this process in the alert, defaulting to the host name.
func NewNATS(pub Publisher, subject string, source string) *NATS {
	if source == "" {
		source, _ = os.Hostname()
	}
	return &NATS{pub: pub, subject: subject, source: source, now: time.Now}
}

// DialNATS connects to url and returns a notifier and a function closing the
// connection.
func DialNATS(url string, subject string, source string, opts ...nats.Option) (*NATS, func(), error) {
	if subject == "" {
		return nil, nil, errors.New("nats subject must not be empty")
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats %s: %w", url, err)
	}

	closeFn := func() {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}
	return NewNATS(nc, subject, source), closeFn, nil
}

func (n *NATS) Notify(ctx context.Context, subject string, body string) error {
	data, err := json.Marshal(Alert{
		Subject: subject,
		Body:    body,
		Source:  n.source,
		Time:    n.now().UTC(),
	})
	if err != nil {
		return err
	}

	if err := n.pub.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish alert to %s: %w", n.subject, err)
	}

	if f, ok := n.pub.(flusher); ok {
		// nats refuses to flush without a deadline.
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, flushTimeout)
			defer cancel()
		}
		if err := f.FlushWithContext(ctx); err != nil {
			return fmt.Errorf("flush alert to %s: %w", n.subject, err)
		}
	}
	return nil
}
