package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"campushealth/internal/metrics"
	"campushealth/internal/store"
)

// Options tunes a Service.
type Options struct {
	// LockTimeout bounds the wait on a contended slot row.
	LockTimeout time.Duration
	// Files stores prescriptions; nil disables AttachPrescription.
	Files FileStore
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Service runs booking transactions and appointment queries.
type Service struct {
	db          *sql.DB
	repo        *Repository
	notifier    Notifier
	files       FileStore
	log         *zap.Logger
	lockTimeout time.Duration
	now         func() time.Time
}

// NewService creates a service backed by a repository.
func NewService(db *sql.DB, repo *Repository, notifier Notifier, log *zap.Logger, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		db:          db,
		repo:        repo,
		notifier:    notifier,
		files:       opts.Files,
		log:         log,
		lockTimeout: opts.LockTimeout,
		now:         opts.Now,
	}
}

var readCommitted = &sql.TxOptions{Isolation: sql.LevelReadCommitted}

// Book reserves the doctor's slot at slotDateTime for the student. The slot
// row lock taken inside the transaction is what serializes concurrent
// attempts on the same slot; the pre-lock booked check only short-circuits.
func (s *Service) Book(ctx context.Context, studentID int64, doctorID, slotDateTime string) (appt Appointment, err error) {
	started := time.Now()
	defer func() { metrics.ObserveBooking(outcome(err), time.Since(started)) }()

	docID, err := strconv.ParseInt(strings.TrimSpace(doctorID), 10, 64)
	if err != nil {
		return Appointment{}, fmt.Errorf("%w: invalid doctor id", ErrInvalidInput)
	}
	at, err := parseInstant(slotDateTime)
	if err != nil {
		return Appointment{}, fmt.Errorf("%w: slot date time must be an ISO-8601 instant", ErrInvalidInput)
	}
	if !at.After(s.now()) {
		return Appointment{}, fmt.Errorf("%w: cannot book appointments in the past", ErrInvalidInput)
	}

	var evt BookedEvent
	err = store.WithTx(ctx, s.db, readCommitted, func(tx *sql.Tx) error {
		if err := store.SetLockTimeout(ctx, tx, s.lockTimeout); err != nil {
			return err
		}

		candidates, err := s.repo.SlotsOnDate(ctx, tx, docID, at)
		if err != nil {
			return err
		}
		slot, ok := matchSlot(candidates, at)
		if !ok {
			return ErrSlotNotFound
		}
		if slot.Booked {
			return ErrSlotAlreadyBooked
		}

		_, err = store.Reserve(ctx, tx, store.Reservation[Slot]{
			Lock: func(ctx context.Context, tx *sql.Tx) (Slot, error) {
				return s.repo.LockSlot(ctx, tx, slot.ID)
			},
			Check: func(ctx context.Context, tx *sql.Tx, locked Slot) error {
				if locked.Booked {
					return ErrSlotAlreadyBooked
				}
				dup, err := s.repo.HasAppointmentAt(ctx, tx, studentID, locked.StartsAt)
				if err != nil {
					return err
				}
				if dup {
					return ErrDuplicateBooking
				}
				return nil
			},
			Apply: func(ctx context.Context, tx *sql.Tx, locked Slot) error {
				booked, err := s.commitBooking(ctx, tx, studentID, locked)
				if err != nil {
					return err
				}
				evt = booked
				return nil
			},
		})
		return err
	})
	if err != nil {
		err = classify(err)
		if errors.Is(err, ErrStorage) {
			s.log.Error("booking transaction failed", zap.Int64("student_id", studentID), zap.Int64("doctor_id", docID), zap.Error(err))
		}
		return Appointment{}, err
	}

	s.log.Info("appointment booked",
		zap.Int64("appointment_id", evt.Appointment.ID),
		zap.Int64("slot_id", evt.Appointment.SlotID),
		zap.Int64("student_id", studentID),
		zap.Int64("doctor_id", docID),
	)
	if s.notifier != nil {
		if nerr := s.notifier.AppointmentBooked(context.WithoutCancel(ctx), evt); nerr != nil {
			s.log.Warn("booking side effects not dispatched", zap.Int64("appointment_id", evt.Appointment.ID), zap.Error(nerr))
		}
	}
	return evt.Appointment, nil
}

// commitBooking performs the writes of a booking with the slot lock held.
func (s *Service) commitBooking(ctx context.Context, tx *sql.Tx, studentID int64, slot Slot) (BookedEvent, error) {
	ok, err := s.repo.MarkSlotBooked(ctx, tx, slot.ID)
	if err != nil {
		return BookedEvent{}, err
	}
	if !ok {
		return BookedEvent{}, ErrSlotAlreadyBooked
	}

	appt, err := s.repo.InsertAppointment(ctx, tx, Appointment{
		StudentID:    studentID,
		DoctorID:     slot.DoctorID,
		SlotID:       slot.ID,
		SlotDateTime: slot.StartsAt,
	})
	if err != nil {
		return BookedEvent{}, err
	}

	doctor, err := s.repo.Party(ctx, tx, slot.DoctorID)
	if err != nil {
		return BookedEvent{}, fmt.Errorf("load doctor: %w", err)
	}
	student, err := s.repo.Party(ctx, tx, studentID)
	if err != nil {
		return BookedEvent{}, fmt.Errorf("load student: %w", err)
	}
	appt.Doctor, appt.Student = &doctor, &student

	note, err := s.repo.InsertNotification(ctx, tx, Notification{
		RecipientID: slot.DoctorID,
		Type:        NotificationAppointment,
		Message:     fmt.Sprintf("You have a new appointment request from %s!", student.Name),
	})
	if err != nil {
		return BookedEvent{}, err
	}
	return BookedEvent{Appointment: appt, Notification: note}, nil
}

// matchSlot finds the candidate starting at the same UTC second as at.
func matchSlot(candidates []Slot, at time.Time) (Slot, bool) {
	want := at.UTC().Truncate(time.Second)
	for _, c := range candidates {
		if c.StartsAt.UTC().Truncate(time.Second).Equal(want) {
			return c, true
		}
	}
	return Slot{}, false
}

// ListForStudent returns the student's appointments, optionally filtered by status.
func (s *Service) ListForStudent(ctx context.Context, studentID int64, status string) ([]Appointment, error) {
	st, err := optionalStatus(status)
	if err != nil {
		return nil, err
	}
	appts, err := s.repo.ListForStudent(ctx, studentID, st)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return appts, nil
}

// ListForDoctor returns the doctor's appointments. date is an optional
// YYYY-MM-DD UTC calendar day.
func (s *Service) ListForDoctor(ctx context.Context, doctorID int64, status, date string) ([]Appointment, error) {
	st, err := optionalStatus(status)
	if err != nil {
		return nil, err
	}
	filter := DoctorFilter{Status: st}
	if date != "" {
		day, err := time.Parse(time.DateOnly, date)
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidInput)
		}
		filter.Day = &day
	}
	appts, err := s.repo.ListForDoctor(ctx, doctorID, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return appts, nil
}

// DoctorStats returns dashboard counters for the doctor. Active cases are
// confirmed appointments that have not started yet.
func (s *Service) DoctorStats(ctx context.Context, doctorID int64) (DoctorStats, error) {
	st, err := s.repo.DoctorStats(ctx, doctorID, s.now())
	if err != nil {
		return DoctorStats{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return st, nil
}

// UpdateStatus moves an appointment owned by doctorID to status and notifies
// the student. Slots are never released, even on cancellation.
func (s *Service) UpdateStatus(ctx context.Context, doctorID, appointmentID int64, status string) (Appointment, error) {
	next, ok := ParseStatus(strings.ToLower(strings.TrimSpace(status)))
	if !ok {
		return Appointment{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}

	var evt UpdatedEvent
	err := store.WithTx(ctx, s.db, readCommitted, func(tx *sql.Tx) error {
		if err := store.SetLockTimeout(ctx, tx, s.lockTimeout); err != nil {
			return err
		}
		_, err := store.Reserve(ctx, tx, store.Reservation[Appointment]{
			Lock: func(ctx context.Context, tx *sql.Tx) (Appointment, error) {
				return s.repo.LockAppointment(ctx, tx, appointmentID)
			},
			Check: func(ctx context.Context, tx *sql.Tx, a Appointment) error {
				if a.DoctorID != doctorID {
					return ErrAppointmentNotFound
				}
				if !a.Status.CanMoveTo(next) {
					return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, a.Status, next)
				}
				return nil
			},
			Apply: func(ctx context.Context, tx *sql.Tx, a Appointment) error {
				updated, err := s.repo.UpdateAppointmentStatus(ctx, tx, a.ID, next)
				if err != nil {
					return err
				}
				a.Status, a.UpdatedAt = next, updated

				doctor, err := s.repo.Party(ctx, tx, a.DoctorID)
				if err != nil {
					return fmt.Errorf("load doctor: %w", err)
				}
				student, err := s.repo.Party(ctx, tx, a.StudentID)
				if err != nil {
					return fmt.Errorf("load student: %w", err)
				}
				a.Doctor, a.Student = &doctor, &student

				note, err := s.repo.InsertNotification(ctx, tx, Notification{
					RecipientID: a.StudentID,
					Type:        NotificationAppointmentStatus,
					Message: fmt.Sprintf("Your appointment with Dr. %s on %s UTC is now %s.",
						doctor.Name, a.SlotDateTime.UTC().Format("2006-01-02 15:04"), next),
				})
				if err != nil {
					return err
				}
				evt = UpdatedEvent{Appointment: a, Notification: note}
				return nil
			},
		})
		if errors.Is(err, store.ErrRowGone) {
			return ErrAppointmentNotFound
		}
		return err
	})
	if err != nil {
		err = classify(err)
		if errors.Is(err, ErrStorage) {
			s.log.Error("status update failed", zap.Int64("appointment_id", appointmentID), zap.Error(err))
		}
		return Appointment{}, err
	}

	if s.notifier != nil {
		if nerr := s.notifier.AppointmentUpdated(context.WithoutCancel(ctx), evt); nerr != nil {
			s.log.Warn("status update side effects not dispatched", zap.Int64("appointment_id", appointmentID), zap.Error(nerr))
		}
	}
	return evt.Appointment, nil
}

// AttachPrescription uploads a prescription document for a confirmed or
// completed appointment owned by doctorID.
func (s *Service) AttachPrescription(ctx context.Context, doctorID, appointmentID int64, filename string, data []byte) (Appointment, error) {
	if s.files == nil {
		return Appointment{}, ErrNoFileStore
	}
	if len(data) == 0 {
		return Appointment{}, fmt.Errorf("%w: prescription file is empty", ErrInvalidInput)
	}

	a, err := s.repo.GetAppointment(ctx, s.db, appointmentID)
	if err != nil {
		if isNoRows(err) {
			return Appointment{}, ErrAppointmentNotFound
		}
		return Appointment{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if a.DoctorID != doctorID {
		return Appointment{}, ErrAppointmentNotFound
	}
	if a.Status != StatusConfirmed && a.Status != StatusCompleted {
		return Appointment{}, fmt.Errorf("%w: prescriptions require a confirmed or completed appointment", ErrInvalidTransition)
	}

	url, err := s.files.Upload(ctx, filename, data)
	if err != nil {
		s.log.Error("prescription upload failed", zap.Int64("appointment_id", appointmentID), zap.Error(err))
		return Appointment{}, fmt.Errorf("%w: %w", ErrUpload, err)
	}

	a, err = s.repo.SetPrescription(ctx, s.db, appointmentID, doctorID, url)
	if err != nil {
		if isNoRows(err) {
			return Appointment{}, ErrAppointmentNotFound
		}
		return Appointment{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return a, nil
}

// ListNotifications returns the user's notifications, newest first.
func (s *Service) ListNotifications(ctx context.Context, userID int64, unreadOnly bool) ([]Notification, error) {
	notes, err := s.repo.ListNotifications(ctx, userID, unreadOnly, 100)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return notes, nil
}

// MarkNotificationRead flags one of the user's notifications as read.
func (s *Service) MarkNotificationRead(ctx context.Context, userID, id int64) error {
	if err := s.repo.MarkNotificationRead(ctx, userID, id); err != nil {
		if isNoRows(err) {
			return ErrNotificationMissing
		}
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

// SendReminders hands every confirmed appointment starting in [from, to) to
// the notifier and returns how many were dispatched.
func (s *Service) SendReminders(ctx context.Context, from, to time.Time) (int, error) {
	appts, err := s.repo.ConfirmedBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if s.notifier == nil {
		return 0, nil
	}
	sent := 0
	for _, a := range appts {
		if err := s.notifier.AppointmentReminder(ctx, ReminderEvent{Appointment: a}); err != nil {
			s.log.Warn("reminder not dispatched", zap.Int64("appointment_id", a.ID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent, nil
}

func optionalStatus(status string) (Status, error) {
	if status == "" {
		return "", nil
	}
	st, ok := ParseStatus(strings.ToLower(status))
	if !ok {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	return st, nil
}

// Unique indexes that back the booking checks when two transactions race past them.
const (
	studentTimeIndex = "uq_appointments_student_time"
	slotIDConstraint = "appointments_slot_id_key"
)

// localLayout accepts ISO-8601 date-times without an offset; they are read as UTC.
const localLayout = "2006-01-02T15:04:05.999999999"

func parseInstant(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		var localErr error
		if at, localErr = time.ParseInLocation(localLayout, raw, time.UTC); localErr != nil {
			return time.Time{}, err
		}
	}
	return at.UTC(), nil
}

// classify maps a transaction error onto the booking taxonomy.
func classify(err error) error {
	for _, known := range clientErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	switch {
	case store.IsUniqueViolation(err, studentTimeIndex):
		return ErrDuplicateBooking
	case store.IsUniqueViolation(err, slotIDConstraint):
		return ErrSlotAlreadyBooked
	case errors.Is(err, store.ErrRowGone):
		return fmt.Errorf("%w: slot no longer exists", ErrSlotUnavailable)
	case errors.Is(err, store.ErrLockTimeout), store.IsLockTimeout(err):
		return fmt.Errorf("%w: locked by another request, try again", ErrSlotUnavailable)
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

var outcomeLabels = map[Error]string{
	ErrInvalidInput:      "invalid_input",
	ErrSlotNotFound:      "slot_not_found",
	ErrSlotAlreadyBooked: "slot_already_booked",
	ErrSlotUnavailable:   "slot_unavailable",
	ErrDuplicateBooking:  "duplicate_booking",
}

func outcome(err error) string {
	if err == nil {
		return "booked"
	}
	for known, label := range outcomeLabels {
		if errors.Is(err, known) {
			return label
		}
	}
	return "storage_failure"
}
