package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"familynet/backend/internal/metrics"
	"familynet/backend/pkg/logger"
)

// Dispatcher sends notifications in the background so callers never wait
// on, or fail because of, a notification sink.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A zero timeout defaults to 10s.
func NewDispatcher(notifier Notifier, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		notifier: notifier,
		timeout:  timeout,
		logger:   logger.Named("dispatcher"),
	}
}

// Dispatch delivers n asynchronously
func (d *Dispatcher) Dispatch(n Notification) {
	if d == nil || d.notifier == nil {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("Notifier panicked",
					zap.String("kind", string(n.Kind)),
					zap.Any("panic", r),
				)
				metrics.NotificationsSent.WithLabelValues(string(n.Kind), "failed").Inc()
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.notifier.Notify(ctx, n); err != nil {
			d.logger.Warn("Failed to deliver notification",
				zap.String("kind", string(n.Kind)),
				zap.String("request_id", n.RequestID),
				zap.String("recipient_id", n.RecipientAccountID),
				zap.Error(err),
			)
			metrics.NotificationsSent.WithLabelValues(string(n.Kind), "failed").Inc()
			return
		}
		metrics.NotificationsSent.WithLabelValues(string(n.Kind), "sent").Inc()
	}()
}

// Wait blocks until every dispatched notification has finished
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
