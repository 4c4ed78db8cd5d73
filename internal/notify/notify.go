// Package notify delivers operator alerts for data-integrity failures and
// unrecoverable catalog errors.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Notifier sends one alert.
type Notifier interface {
	Notify(ctx context.Context, subject string, body string) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, subject string, body string) error

func (f Func) Notify(ctx context.Context, subject string, body string) error {
	return f(ctx, subject, body)
}

// Log writes alerts to a logger at error level.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(ctx context.Context, subject string, body string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(ctx, "alert", "subject", subject, "body", body)
	return nil
}

// Multi sends every alert to all of its notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, subject string, body string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Message is one recorded alert.
type Message struct {
	Subject string
	Body    string
}

// Recorder keeps alerts in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Notify(ctx context.Context, subject string, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Subject: subject, Body: body})
	return nil
}

// Messages returns the alerts recorded so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}
