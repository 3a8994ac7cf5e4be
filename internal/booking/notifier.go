package booking

import "context"

// BookedEvent describes a committed booking.
type BookedEvent struct {
	Appointment  Appointment  `json:"appointment"`
	Notification Notification `json:"notification"`
}

// UpdatedEvent describes a committed status change.
type UpdatedEvent struct {
	Appointment  Appointment  `json:"appointment"`
	Notification Notification `json:"notification"`
}

// ReminderEvent asks both parties to be reminded of an upcoming appointment.
type ReminderEvent struct {
	Appointment Appointment `json:"appointment"`
}

// Notifier receives events after their transaction has committed. Errors are
// logged by the caller and never change the outcome of the operation.
type Notifier interface {
	AppointmentBooked(ctx context.Context, evt BookedEvent) error
	AppointmentUpdated(ctx context.Context, evt UpdatedEvent) error
	AppointmentReminder(ctx context.Context, evt ReminderEvent) error
}

// FileStore persists prescription documents and returns their public URL.
type FileStore interface {
	Upload(ctx context.Context, filename string, data []byte) (string, error)
}
