package notify

import "encoding/json"

// Queue message types handled by the worker.
const (
	TaskRealtime = "realtime"
	TaskEmail    = "email"
)

// Realtime event names pushed to user channels.
const (
	EventNewAppointment    = "newAppointment"
	EventNewNotification   = "newNotification"
	EventAppointmentUpdate = "appointmentUpdate"
)

// Push is one event delivered on a realtime channel.
type Push struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// RealtimeTask delivers one or more events to a single channel.
type RealtimeTask struct {
	Channel string `json:"channel"`
	Pushes  []Push `json:"pushes"`
}

// EmailTask is a rendered message ready for SMTP.
type EmailTask struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html,omitempty"`
}
