package booking

import "time"

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// transitions lists the statuses a doctor may move an appointment to.
var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
}

// ParseStatus validates s. The empty string is not a status.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted:
		return st, true
	}
	return "", false
}

// CanMoveTo reports whether a doctor may change an appointment from s to next.
func (s Status) CanMoveTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Slot is one bookable window owned by a doctor.
type Slot struct {
	ID       int64     `json:"id"`
	DoctorID int64     `json:"doctorId"`
	StartsAt time.Time `json:"startsAt"`
	Booked   bool      `json:"isBooked"`
}

// Party carries the identity fields of a student or doctor embedded in
// appointment payloads.
type Party struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Email          string `json:"email,omitempty"`
	Phone          string `json:"phone,omitempty"`
	Specialization string `json:"specialization,omitempty"`
}

// Appointment is a booked slot. SlotID references the slot it consumed;
// SlotDateTime is a copy of the slot's start for display and ordering.
type Appointment struct {
	ID              int64     `json:"id"`
	StudentID       int64     `json:"studentId"`
	DoctorID        int64     `json:"doctorId"`
	SlotID          int64     `json:"slotId"`
	SlotDateTime    time.Time `json:"slotDateTime"`
	Status          Status    `json:"status"`
	PrescriptionURL *string   `json:"prescriptionUrl,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	Doctor          *Party    `json:"doctor,omitempty"`
	Student         *Party    `json:"student,omitempty"`
}

// Notification is a message addressed to one user.
type Notification struct {
	ID          int64     `json:"id"`
	RecipientID int64     `json:"recipientId"`
	Type        string    `json:"type"`
	Message     string    `json:"message"`
	Read        bool      `json:"isRead"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Notification types.
const (
	NotificationAppointment       = "appointment"
	NotificationAppointmentStatus = "appointment_status"
)

// DoctorStats summarizes a doctor's workload for the dashboard.
type DoctorStats struct {
	TodayAppointments int `json:"todayAppointments"`
	Pending           int `json:"pendingAppointments"`
	ActiveCases       int `json:"activeCases"`
	Completed         int `json:"completedAppointments"`
	Total             int `json:"totalAppointments"`
}
