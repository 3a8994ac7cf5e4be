package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strconv"

	"go.uber.org/zap"

	"campushealth/internal/booking"
	"campushealth/internal/queue"
)

const timeLayout = "Mon, 02 Jan 2006 15:04 MST"

// Dispatcher turns committed booking events into queued side-effect tasks.
// Each task is published on its own so one failing channel never blocks another.
type Dispatcher struct {
	q   queue.Queue
	log *zap.Logger
}

// NewDispatcher wires a dispatcher to a queue backend.
func NewDispatcher(q queue.Queue, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{q: q, log: log}
}

var _ booking.Notifier = (*Dispatcher)(nil)

// Channel returns the realtime channel of a user.
func Channel(userID int64) string {
	return "user-" + strconv.FormatInt(userID, 10)
}

// AppointmentBooked notifies the doctor in realtime and by email.
func (d *Dispatcher) AppointmentBooked(ctx context.Context, evt booking.BookedEvent) error {
	appt := evt.Appointment
	rt, err := realtime(Channel(appt.DoctorID),
		pair{EventNewAppointment, appointmentPayload{
			Message:     partyName(appt.Student, "A student") + " has requested an appointment!",
			Appointment: appt,
		}},
		pair{EventNewNotification, notificationPayload{evt.Notification}},
	)
	if err != nil {
		return err
	}
	errRT := d.publish(ctx, TaskRealtime, rt)

	var errMail error
	if appt.Doctor != nil && appt.Doctor.Email != "" {
		errMail = d.publish(ctx, TaskEmail, bookedEmail(appt))
	} else {
		d.log.Warn("doctor has no email on file", zap.Int64("appointment_id", appt.ID))
	}
	return errors.Join(errRT, errMail)
}

// AppointmentUpdated notifies the student of a status change.
func (d *Dispatcher) AppointmentUpdated(ctx context.Context, evt booking.UpdatedEvent) error {
	appt := evt.Appointment
	rt, err := realtime(Channel(appt.StudentID),
		pair{EventAppointmentUpdate, appointmentPayload{Appointment: appt}},
		pair{EventNewNotification, notificationPayload{evt.Notification}},
	)
	if err != nil {
		return err
	}
	errRT := d.publish(ctx, TaskRealtime, rt)

	var errMail error
	if appt.Student != nil && appt.Student.Email != "" {
		errMail = d.publish(ctx, TaskEmail, updatedEmail(appt))
	}
	return errors.Join(errRT, errMail)
}

// AppointmentReminder emails both parties.
func (d *Dispatcher) AppointmentReminder(ctx context.Context, evt booking.ReminderEvent) error {
	var errs []error
	for _, task := range reminderEmails(evt.Appointment) {
		errs = append(errs, d.publish(ctx, TaskEmail, task))
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) publish(ctx context.Context, typ string, body any) error {
	msg, err := queue.NewMessage(typ, body)
	if err != nil {
		return fmt.Errorf("encode %s task: %w", typ, err)
	}
	if err := d.q.Publish(ctx, msg); err != nil {
		d.log.Error("publish task failed", zap.String("type", typ), zap.String("task_id", msg.ID), zap.Error(err))
		return fmt.Errorf("publish %s task: %w", typ, err)
	}
	return nil
}

// Realtime event bodies. Clients read the record from a named key.
type appointmentPayload struct {
	Message     string              `json:"message,omitempty"`
	Appointment booking.Appointment `json:"appointment"`
}

type notificationPayload struct {
	Notification booking.Notification `json:"notification"`
}

type pair struct {
	event string
	data  any
}

func realtime(channel string, pairs ...pair) (RealtimeTask, error) {
	task := RealtimeTask{Channel: channel}
	for _, p := range pairs {
		raw, err := json.Marshal(p.data)
		if err != nil {
			return RealtimeTask{}, fmt.Errorf("encode %s: %w", p.event, err)
		}
		task.Pushes = append(task.Pushes, Push{Event: p.event, Data: raw})
	}
	return task, nil
}

func partyName(p *booking.Party, fallback string) string {
	if p == nil || p.Name == "" {
		return fallback
	}
	return p.Name
}

func bookedEmail(appt booking.Appointment) EmailTask {
	student := partyName(appt.Student, "A student")
	when := appt.SlotDateTime.UTC().Format(timeLayout)
	text := fmt.Sprintf("Hello Dr. %s,\n\n%s has requested an appointment on %s.\nPlease log in to confirm or cancel it.\n",
		partyName(appt.Doctor, ""), student, when)
	body := fmt.Sprintf("<p>Hello Dr. %s,</p><p><strong>%s</strong> has requested an appointment on <strong>%s</strong>.</p><p>Please log in to confirm or cancel it.</p>",
		html.EscapeString(partyName(appt.Doctor, "")), html.EscapeString(student), when)
	return EmailTask{To: appt.Doctor.Email, Subject: "New Appointment Request", Text: text, HTML: body}
}

func updatedEmail(appt booking.Appointment) EmailTask {
	doctor := partyName(appt.Doctor, "your doctor")
	when := appt.SlotDateTime.UTC().Format(timeLayout)
	text := fmt.Sprintf("Hello %s,\n\nYour appointment with Dr. %s on %s is now %s.\n",
		partyName(appt.Student, ""), doctor, when, appt.Status)
	body := fmt.Sprintf("<p>Hello %s,</p><p>Your appointment with Dr. %s on <strong>%s</strong> is now <strong>%s</strong>.</p>",
		html.EscapeString(partyName(appt.Student, "")), html.EscapeString(doctor), when, appt.Status)
	return EmailTask{To: appt.Student.Email, Subject: "Appointment " + string(appt.Status), Text: text, HTML: body}
}

func reminderEmails(appt booking.Appointment) []EmailTask {
	when := appt.SlotDateTime.UTC().Format(timeLayout)
	var out []EmailTask
	if appt.Student != nil && appt.Student.Email != "" {
		out = append(out, EmailTask{
			To:      appt.Student.Email,
			Subject: "Appointment Reminder",
			Text:    fmt.Sprintf("Reminder: your appointment with Dr. %s starts at %s.\n", partyName(appt.Doctor, ""), when),
		})
	}
	if appt.Doctor != nil && appt.Doctor.Email != "" {
		out = append(out, EmailTask{
			To:      appt.Doctor.Email,
			Subject: "Appointment Reminder",
			Text:    fmt.Sprintf("Reminder: your appointment with %s starts at %s.\n", partyName(appt.Student, "a student"), when),
		})
	}
	return out
}
