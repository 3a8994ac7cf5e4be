package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"campushealth/internal/metrics"
)

// Reminder lead time: appointments starting between Lead and Lead+Window from now.
const (
	Lead   = 60 * time.Minute
	Window = 5 * time.Minute
)

// ReminderSender is implemented by booking.Service.
type ReminderSender interface {
	SendReminders(ctx context.Context, from, to time.Time) (int, error)
}

// Reminders periodically hands upcoming confirmed appointments to the dispatcher.
type Reminders struct {
	sender ReminderSender
	log    *zap.Logger
	now    func() time.Time
}

// NewReminders creates the job.
func NewReminders(sender ReminderSender, log *zap.Logger) *Reminders {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reminders{sender: sender, log: log, now: time.Now}
}

// RunOnce sends reminders for the window starting Lead from now.
func (r *Reminders) RunOnce(ctx context.Context) {
	from := r.now().UTC().Add(Lead)
	n, err := r.sender.SendReminders(ctx, from, from.Add(Window))
	if err != nil {
		r.log.Error("reminder run failed", zap.Error(err))
		return
	}
	metrics.AddReminders(n)
	if n > 0 {
		r.log.Info("reminders dispatched", zap.Int("count", n), zap.Time("from", from))
	}
}

// Schedule registers the job on a new cron scheduler. The caller starts and
// stops it; runs use ctx so they stop with the process.
func (r *Reminders) Schedule(ctx context.Context, schedule string) (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(schedule, func() { r.RunOnce(ctx) }); err != nil {
		return nil, err
	}
	return c, nil
}
