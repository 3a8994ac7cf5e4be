package booking

// Error is a booking failure that callers branch on with errors.Is.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrInvalidInput        Error = "invalid input"
	ErrSlotNotFound        Error = "time slot not found for this date"
	ErrSlotAlreadyBooked   Error = "time slot is already booked"
	ErrSlotUnavailable     Error = "slot unavailable"
	ErrDuplicateBooking    Error = "you already have an appointment at this time"
	ErrAppointmentNotFound Error = "appointment not found"
	ErrInvalidTransition   Error = "invalid status transition"
	ErrNotificationMissing Error = "notification not found"
	ErrNoFileStore         Error = "prescription storage not configured"
	ErrUpload              Error = "prescription upload failed"
	ErrStorage             Error = "storage failure"
)

// clientErrors are failures caused by the request rather than the system.
var clientErrors = []Error{
	ErrInvalidInput,
	ErrSlotNotFound,
	ErrSlotAlreadyBooked,
	ErrSlotUnavailable,
	ErrDuplicateBooking,
	ErrAppointmentNotFound,
	ErrInvalidTransition,
	ErrNotificationMissing,
}
