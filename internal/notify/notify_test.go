package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campushealth/internal/booking"
	"campushealth/internal/queue"
)

var slotAt = time.Date(2025, 12, 7, 3, 0, 0, 0, time.UTC)

func sampleAppointment() booking.Appointment {
	return booking.Appointment{
		ID:           100,
		StudentID:    7,
		DoctorID:     42,
		SlotID:       11,
		SlotDateTime: slotAt,
		Status:       booking.StatusPending,
		Doctor:       &booking.Party{ID: 42, Name: "Mehta", Email: "mehta@campus.edu"},
		Student:      &booking.Party{ID: 7, Name: "Asha Rao", Email: "asha@campus.edu"},
	}
}

func drain(t *testing.T, q *queue.InMemory, n int) []queue.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	out := make([]queue.Message, 0, n)
	for len(out) < n {
		select {
		case msg := <-ch:
			out = append(out, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d of %d messages", len(out), n)
		}
	}
	return out
}

func TestDispatcher_AppointmentBooked(t *testing.T) {
	q := queue.NewInMemory(8)
	d := NewDispatcher(q, nil)
	evt := booking.BookedEvent{
		Appointment:  sampleAppointment(),
		Notification: booking.Notification{ID: 9, RecipientID: 42, Type: booking.NotificationAppointment, Message: "hi"},
	}
	require.NoError(t, d.AppointmentBooked(context.Background(), evt))

	msgs := drain(t, q, 2)
	assert.Equal(t, TaskRealtime, msgs[0].Type)
	assert.Equal(t, TaskEmail, msgs[1].Type)

	var rt RealtimeTask
	require.NoError(t, json.Unmarshal(msgs[0].Body, &rt))
	assert.Equal(t, "user-42", rt.Channel)
	require.Len(t, rt.Pushes, 2)
	assert.Equal(t, EventNewAppointment, rt.Pushes[0].Event)
	assert.Equal(t, EventNewNotification, rt.Pushes[1].Event)

	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rt.Pushes[0].Data, &envelope))
	assert.Len(t, envelope, 2)
	require.Contains(t, envelope, "message")
	require.Contains(t, envelope, "appointment")
	var message string
	require.NoError(t, json.Unmarshal(envelope["message"], &message))
	assert.Equal(t, "Asha Rao has requested an appointment!", message)
	var appt booking.Appointment
	require.NoError(t, json.Unmarshal(envelope["appointment"], &appt))
	assert.Equal(t, int64(100), appt.ID)

	var note struct {
		Notification booking.Notification `json:"notification"`
	}
	require.NoError(t, json.Unmarshal(rt.Pushes[1].Data, &note))
	assert.Equal(t, int64(9), note.Notification.ID)
	assert.Equal(t, "hi", note.Notification.Message)

	var mail EmailTask
	require.NoError(t, json.Unmarshal(msgs[1].Body, &mail))
	assert.Equal(t, "mehta@campus.edu", mail.To)
	assert.Equal(t, "New Appointment Request", mail.Subject)
	assert.Contains(t, mail.Text, "Asha Rao")
	assert.Contains(t, mail.Text, "Sun, 07 Dec 2025 03:00 UTC")
}

func TestDispatcher_BookedWithoutDoctorEmail(t *testing.T) {
	q := queue.NewInMemory(8)
	d := NewDispatcher(q, nil)
	appt := sampleAppointment()
	appt.Doctor = nil
	require.NoError(t, d.AppointmentBooked(context.Background(), booking.BookedEvent{Appointment: appt}))

	msgs := drain(t, q, 1)
	assert.Equal(t, TaskRealtime, msgs[0].Type)
}

func TestDispatcher_AppointmentUpdated(t *testing.T) {
	q := queue.NewInMemory(8)
	d := NewDispatcher(q, nil)
	appt := sampleAppointment()
	appt.Status = booking.StatusConfirmed
	require.NoError(t, d.AppointmentUpdated(context.Background(), booking.UpdatedEvent{Appointment: appt}))

	msgs := drain(t, q, 2)
	var rt RealtimeTask
	require.NoError(t, json.Unmarshal(msgs[0].Body, &rt))
	assert.Equal(t, "user-7", rt.Channel)
	require.Len(t, rt.Pushes, 2)
	assert.Equal(t, EventAppointmentUpdate, rt.Pushes[0].Event)
	assert.Equal(t, EventNewNotification, rt.Pushes[1].Event)

	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rt.Pushes[0].Data, &envelope))
	assert.Len(t, envelope, 1)
	var updated booking.Appointment
	require.NoError(t, json.Unmarshal(envelope["appointment"], &updated))
	assert.Equal(t, booking.StatusConfirmed, updated.Status)
	var note map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rt.Pushes[1].Data, &note))
	assert.Contains(t, note, "notification")

	var mail EmailTask
	require.NoError(t, json.Unmarshal(msgs[1].Body, &mail))
	assert.Equal(t, "asha@campus.edu", mail.To)
	assert.Contains(t, mail.Text, "is now confirmed")
}

func TestDispatcher_AppointmentReminder(t *testing.T) {
	q := queue.NewInMemory(8)
	d := NewDispatcher(q, nil)
	require.NoError(t, d.AppointmentReminder(context.Background(), booking.ReminderEvent{Appointment: sampleAppointment()}))

	msgs := drain(t, q, 2)
	var to []string
	for _, m := range msgs {
		assert.Equal(t, TaskEmail, m.Type)
		var mail EmailTask
		require.NoError(t, json.Unmarshal(m.Body, &mail))
		to = append(to, mail.To)
	}
	assert.ElementsMatch(t, []string{"asha@campus.edu", "mehta@campus.edu"}, to)
}

type failingQueue struct{}

func (failingQueue) Publish(context.Context, queue.Message) error { return errors.New("redis down") }
func (failingQueue) Consume(context.Context) (<-chan queue.Message, error) {
	return nil, errors.New("redis down")
}

func TestDispatcher_PublishFailureReported(t *testing.T) {
	d := NewDispatcher(failingQueue{}, nil)
	err := d.AppointmentBooked(context.Background(), booking.BookedEvent{Appointment: sampleAppointment()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish realtime task")
	assert.Contains(t, err.Error(), "publish email task")
}

type trigger struct {
	channel, event string
	data           json.RawMessage
}

type fakeRealtime struct {
	calls []trigger
	fail  int
}

func (f *fakeRealtime) Trigger(channel, event string, data interface{}) error {
	if f.fail > 0 {
		f.fail--
		return errors.New("pusher unavailable")
	}
	raw, _ := data.(json.RawMessage)
	f.calls = append(f.calls, trigger{channel, event, raw})
	return nil
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []EmailTask
	err  error
}

func (f *fakeMailer) Send(_ context.Context, task EmailTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, task)
	return nil
}

func (f *fakeMailer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func mustMessage(t *testing.T, typ string, body any) queue.Message {
	t.Helper()
	msg, err := queue.NewMessage(typ, body)
	require.NoError(t, err)
	return msg
}

func TestWorker_DeliversRealtimeAndEmail(t *testing.T) {
	q := queue.NewInMemory(4)
	rt := &fakeRealtime{}
	mail := &fakeMailer{}
	w := NewWorker(q, rt, mail, nil, 3)

	task, err := realtime("user-42", pair{EventNewAppointment, map[string]int{"id": 1}})
	require.NoError(t, err)
	w.Process(context.Background(), mustMessage(t, TaskRealtime, task))
	w.Process(context.Background(), mustMessage(t, TaskEmail, EmailTask{To: "a@b.c", Subject: "s", Text: "t"}))

	require.Len(t, rt.calls, 1)
	assert.Equal(t, "user-42", rt.calls[0].channel)
	assert.Equal(t, EventNewAppointment, rt.calls[0].event)
	assert.JSONEq(t, `{"id":1}`, string(rt.calls[0].data))
	require.Len(t, mail.sent, 1)
	assert.Equal(t, "a@b.c", mail.sent[0].To)
}

func TestWorker_RequeuesUntilAttemptsExhausted(t *testing.T) {
	q := queue.NewInMemory(4)
	mail := &fakeMailer{err: errors.New("smtp 421")}
	w := NewWorker(q, nil, mail, nil, 2)

	msg := mustMessage(t, TaskEmail, EmailTask{To: "a@b.c", Subject: "s"})
	w.Process(context.Background(), msg)

	requeued := drain(t, q, 1)[0]
	assert.Equal(t, msg.ID, requeued.ID)
	assert.Equal(t, 1, requeued.Attempt)

	w.Process(context.Background(), requeued)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	_, ok := <-ch
	assert.False(t, ok, "task should be dropped after the last attempt")
}

func TestWorker_RealtimeRetryIsolatedFromEmail(t *testing.T) {
	q := queue.NewInMemory(4)
	rt := &fakeRealtime{fail: 1}
	mail := &fakeMailer{}
	w := NewWorker(q, rt, mail, nil, 3)

	task, err := realtime("user-7", pair{EventAppointmentUpdate, "x"})
	require.NoError(t, err)
	w.Process(context.Background(), mustMessage(t, TaskRealtime, task))
	w.Process(context.Background(), mustMessage(t, TaskEmail, EmailTask{To: "a@b.c"}))

	assert.Len(t, mail.sent, 1)
	retry := drain(t, q, 1)[0]
	w.Process(context.Background(), retry)
	assert.Len(t, rt.calls, 1)
}

func TestWorker_DropsPermanentFailures(t *testing.T) {
	q := queue.NewInMemory(4)
	w := NewWorker(q, &fakeRealtime{}, &fakeMailer{}, nil, 5)

	w.Process(context.Background(), queue.Message{ID: "1", Type: "sms", Body: json.RawMessage(`{}`)})
	w.Process(context.Background(), queue.Message{ID: "2", Type: TaskEmail, Body: json.RawMessage(`[`)})
	w.Process(context.Background(), mustMessage(t, TaskEmail, EmailTask{Subject: "no recipient"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestWorker_UnconfiguredTransportsSkip(t *testing.T) {
	q := queue.NewInMemory(4)
	w := NewWorker(q, nil, nil, nil, 3)
	task, err := realtime("user-1", pair{EventNewNotification, "x"})
	require.NoError(t, err)
	w.Process(context.Background(), mustMessage(t, TaskRealtime, task))
	w.Process(context.Background(), mustMessage(t, TaskEmail, EmailTask{To: "a@b.c"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	q := queue.NewInMemory(4)
	mail := &fakeMailer{}
	w := NewWorker(q, nil, mail, nil, 3)
	require.NoError(t, q.Publish(context.Background(), mustMessage(t, TaskEmail, EmailTask{To: "a@b.c"})))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return mail.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestTransportConstructorsRequireConfig(t *testing.T) {
	assert.Nil(t, NewPusher("", "key", "secret", "ap2"))
	assert.NotNil(t, NewPusher("1", "key", "secret", "ap2"))
	assert.Nil(t, NewSMTPMailer("", 587, "", "", "clinic@campus.edu"))
	assert.NotNil(t, NewSMTPMailer("smtp.campus.edu", 587, "u", "p", "clinic@campus.edu"))
}

func TestBuildMessage(t *testing.T) {
	msg := buildMessage("clinic@campus.edu", EmailTask{
		To:      "mehta@campus.edu",
		Subject: "New Appointment Request",
		Text:    "plain body",
		HTML:    "<p>html body</p>",
	})
	var buf bytes.Buffer
	_, err := msg.WriteTo(&buf)
	require.NoError(t, err)
	raw := buf.String()
	assert.Contains(t, raw, "Subject: New Appointment Request")
	assert.Contains(t, raw, "To: mehta@campus.edu")
	assert.Contains(t, raw, "plain body")
	assert.Contains(t, raw, "text/html")
}

func TestSMTPMailer_HonoursCancelledContext(t *testing.T) {
	m := NewSMTPMailer("127.0.0.1", 1, "", "", "clinic@campus.edu")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Send(ctx, EmailTask{To: "a@b.c"}), context.Canceled)
}

func TestTransports(t *testing.T) {
	rt, mailer := Transports(TransportConfig{})
	assert.Nil(t, rt)
	assert.Nil(t, mailer)

	rt, mailer = Transports(TransportConfig{
		PusherAppID: "1", PusherKey: "k", PusherSecret: "s", PusherCluster: "ap2",
		SMTPHost: "smtp.campus.edu", SMTPPort: 587, SMTPFrom: "clinic@campus.edu",
	})
	assert.NotNil(t, rt)
	assert.NotNil(t, mailer)
}
