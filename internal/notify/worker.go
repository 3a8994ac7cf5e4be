package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"campushealth/internal/metrics"
	"campushealth/internal/queue"
)

// Realtime publishes events to subscribed clients. *pusher.Client satisfies it.
type Realtime interface {
	Trigger(channel string, eventName string, data interface{}) error
}

// Mailer delivers one email.
type Mailer interface {
	Send(ctx context.Context, task EmailTask) error
}

var errPermanent = errors.New("permanent task failure")

// Worker consumes dispatch tasks and performs their side effects.
type Worker struct {
	q           queue.Queue
	realtime    Realtime
	mailer      Mailer
	log         *zap.Logger
	maxAttempts int
}

// NewWorker builds a worker. A nil realtime or mailer makes matching tasks a logged no-op.
func NewWorker(q queue.Queue, rt Realtime, mailer Mailer, log *zap.Logger, maxAttempts int) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Worker{q: q, realtime: rt, mailer: mailer, log: log, maxAttempts: maxAttempts}
}

// Run consumes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	msgs, err := w.q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	for msg := range msgs {
		w.Process(ctx, msg)
	}
	return ctx.Err()
}

// Process handles one message, re-queueing it on transient failure until
// the attempt budget is spent.
func (w *Worker) Process(ctx context.Context, msg queue.Message) {
	log := w.log.With(zap.String("task_id", msg.ID), zap.String("type", msg.Type), zap.Int("attempt", msg.Attempt))

	err := w.handle(ctx, msg)
	if err == nil {
		metrics.ObserveDispatch(msg.Type, "ok")
		return
	}
	if errors.Is(err, errPermanent) || msg.Attempt+1 >= w.maxAttempts {
		metrics.ObserveDispatch(msg.Type, "dropped")
		log.Error("dropping task", zap.Error(err))
		return
	}
	if perr := w.q.Publish(ctx, msg.Retry()); perr != nil {
		metrics.ObserveDispatch(msg.Type, "dropped")
		log.Error("requeue failed, dropping task", zap.Error(err), zap.NamedError("requeue_error", perr))
		return
	}
	metrics.ObserveDispatch(msg.Type, "retry")
	log.Warn("task failed, requeued", zap.Error(err))
}

func (w *Worker) handle(ctx context.Context, msg queue.Message) error {
	switch msg.Type {
	case TaskRealtime:
		var task RealtimeTask
		if err := json.Unmarshal(msg.Body, &task); err != nil {
			return fmt.Errorf("%w: decode realtime task: %v", errPermanent, err)
		}
		return w.push(task)
	case TaskEmail:
		var task EmailTask
		if err := json.Unmarshal(msg.Body, &task); err != nil {
			return fmt.Errorf("%w: decode email task: %v", errPermanent, err)
		}
		return w.mail(ctx, task)
	default:
		return fmt.Errorf("%w: unknown task type %q", errPermanent, msg.Type)
	}
}

func (w *Worker) push(task RealtimeTask) error {
	if w.realtime == nil {
		w.log.Debug("realtime not configured, skipping", zap.String("channel", task.Channel))
		return nil
	}
	for _, p := range task.Pushes {
		if err := w.realtime.Trigger(task.Channel, p.Event, p.Data); err != nil {
			return fmt.Errorf("trigger %s on %s: %w", p.Event, task.Channel, err)
		}
	}
	return nil
}

func (w *Worker) mail(ctx context.Context, task EmailTask) error {
	if w.mailer == nil {
		w.log.Debug("smtp not configured, skipping", zap.String("subject", task.Subject))
		return nil
	}
	if task.To == "" {
		return fmt.Errorf("%w: email task without recipient", errPermanent)
	}
	return w.mailer.Send(ctx, task)
}
