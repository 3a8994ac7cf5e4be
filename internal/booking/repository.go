package booking

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Repository persists slots, appointments and notifications in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// SlotsOnDate returns the doctor's slots whose UTC calendar date matches day.
func (r *Repository) SlotsOnDate(ctx context.Context, q querier, doctorID int64, day time.Time) ([]Slot, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, doctor_id, starts_at, is_booked
		FROM doctor_slots
		WHERE doctor_id = $1 AND (starts_at AT TIME ZONE 'UTC')::date = $2::date
		ORDER BY starts_at
	`, doctorID, day.UTC().Format(time.DateOnly))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []Slot
	for rows.Next() {
		var s Slot
		if err := rows.Scan(&s.ID, &s.DoctorID, &s.StartsAt, &s.Booked); err != nil {
			return nil, err
		}
		slots = append(slots, s)
	}
	return slots, rows.Err()
}

// LockSlot selects a slot under an exclusive row lock. It returns
// sql.ErrNoRows when the slot is gone.
func (r *Repository) LockSlot(ctx context.Context, tx *sql.Tx, slotID int64) (Slot, error) {
	var s Slot
	err := tx.QueryRowContext(ctx, `
		SELECT id, doctor_id, starts_at, is_booked
		FROM doctor_slots
		WHERE id = $1
		FOR UPDATE
	`, slotID).Scan(&s.ID, &s.DoctorID, &s.StartsAt, &s.Booked)
	return s, err
}

// MarkSlotBooked flips is_booked on an unbooked slot. It reports false when
// the slot was already booked.
func (r *Repository) MarkSlotBooked(ctx context.Context, q querier, slotID int64) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE doctor_slots SET is_booked = TRUE WHERE id = $1 AND is_booked = FALSE`, slotID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// HasAppointmentAt reports whether the student holds any appointment at the
// exact instant, regardless of doctor.
func (r *Repository) HasAppointmentAt(ctx context.Context, q querier, studentID int64, at time.Time) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM appointments WHERE student_id = $1 AND slot_date_time = $2)
	`, studentID, at).Scan(&exists)
	return exists, err
}

// InsertAppointment writes a new appointment with the default status.
func (r *Repository) InsertAppointment(ctx context.Context, q querier, a Appointment) (Appointment, error) {
	err := q.QueryRowContext(ctx, `
		INSERT INTO appointments (student_id, doctor_id, slot_id, slot_date_time)
		VALUES ($1, $2, $3, $4)
		RETURNING id, status, created_at, updated_at
	`, a.StudentID, a.DoctorID, a.SlotID, a.SlotDateTime).Scan(&a.ID, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Appointment{}, err
	}
	return a, nil
}

// Party loads the identity fields of a user.
func (r *Repository) Party(ctx context.Context, q querier, userID int64) (Party, error) {
	var p Party
	err := q.QueryRowContext(ctx, `
		SELECT id, name, email, phone, specialization FROM users WHERE id = $1
	`, userID).Scan(&p.ID, &p.Name, &p.Email, &p.Phone, &p.Specialization)
	return p, err
}

// InsertNotification stores a notification for its recipient.
func (r *Repository) InsertNotification(ctx context.Context, q querier, n Notification) (Notification, error) {
	err := q.QueryRowContext(ctx, `
		INSERT INTO notifications (recipient_id, type, message)
		VALUES ($1, $2, $3)
		RETURNING id, is_read, created_at
	`, n.RecipientID, n.Type, n.Message).Scan(&n.ID, &n.Read, &n.CreatedAt)
	if err != nil {
		return Notification{}, err
	}
	return n, nil
}

const appointmentColumns = `a.id, a.student_id, a.doctor_id, a.slot_id, a.slot_date_time, a.status, a.prescription_url, a.created_at, a.updated_at`

func scanAppointment(row scanner, extra ...any) (Appointment, error) {
	var (
		a            Appointment
		prescription sql.NullString
	)
	dest := append([]any{&a.ID, &a.StudentID, &a.DoctorID, &a.SlotID, &a.SlotDateTime, &a.Status, &prescription, &a.CreatedAt, &a.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Appointment{}, err
	}
	if prescription.Valid {
		a.PrescriptionURL = &prescription.String
	}
	return a, nil
}

// GetAppointment returns one appointment by id.
func (r *Repository) GetAppointment(ctx context.Context, q querier, id int64) (Appointment, error) {
	row := q.QueryRowContext(ctx, `SELECT `+appointmentColumns+` FROM appointments a WHERE a.id = $1`, id)
	return scanAppointment(row)
}

// LockAppointment selects an appointment under an exclusive row lock.
func (r *Repository) LockAppointment(ctx context.Context, tx *sql.Tx, id int64) (Appointment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+appointmentColumns+` FROM appointments a WHERE a.id = $1 FOR UPDATE`, id)
	return scanAppointment(row)
}

// UpdateAppointmentStatus sets a new status and returns the update time.
func (r *Repository) UpdateAppointmentStatus(ctx context.Context, q querier, id int64, status Status) (time.Time, error) {
	var updated time.Time
	err := q.QueryRowContext(ctx, `
		UPDATE appointments SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, id, status).Scan(&updated)
	return updated, err
}

// SetPrescription stores the prescription URL of an appointment owned by doctorID.
func (r *Repository) SetPrescription(ctx context.Context, q querier, id, doctorID int64, url string) (Appointment, error) {
	row := q.QueryRowContext(ctx, `
		UPDATE appointments a SET prescription_url = $3, updated_at = NOW()
		WHERE a.id = $1 AND a.doctor_id = $2
		RETURNING `+appointmentColumns, id, doctorID, url)
	return scanAppointment(row)
}

// ListForStudent returns a student's appointments with doctor details, latest first.
func (r *Repository) ListForStudent(ctx context.Context, studentID int64, status Status) ([]Appointment, error) {
	query := `SELECT ` + appointmentColumns + `, d.name, d.email, d.phone, d.specialization
		FROM appointments a
		JOIN users d ON d.id = a.doctor_id
		WHERE a.student_id = $1`
	args := []any{studentID}
	if status != "" {
		args = append(args, status)
		query += ` AND a.status = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY a.slot_date_time DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := []Appointment{}
	for rows.Next() {
		var d Party
		a, err := scanAppointment(rows, &d.Name, &d.Email, &d.Phone, &d.Specialization)
		if err != nil {
			return nil, err
		}
		d.ID = a.DoctorID
		a.Doctor = &d
		res = append(res, a)
	}
	return res, rows.Err()
}

// DoctorFilter narrows ListForDoctor.
type DoctorFilter struct {
	Status Status
	// Day, when set, keeps appointments on that UTC calendar date.
	Day *time.Time
}

// ListForDoctor returns a doctor's appointments with student details, earliest first.
func (r *Repository) ListForDoctor(ctx context.Context, doctorID int64, f DoctorFilter) ([]Appointment, error) {
	clauses := []string{"a.doctor_id = $1"}
	args := []any{doctorID}
	if f.Status != "" {
		args = append(args, f.Status)
		clauses = append(clauses, "a.status = $"+strconv.Itoa(len(args)))
	}
	if f.Day != nil {
		args = append(args, f.Day.UTC().Format(time.DateOnly))
		clauses = append(clauses, "(a.slot_date_time AT TIME ZONE 'UTC')::date = $"+strconv.Itoa(len(args))+"::date")
	}
	query := `SELECT ` + appointmentColumns + `, s.name, s.email, s.phone
		FROM appointments a
		JOIN users s ON s.id = a.student_id
		WHERE ` + strings.Join(clauses, " AND ") + `
		ORDER BY a.slot_date_time ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := []Appointment{}
	for rows.Next() {
		var s Party
		a, err := scanAppointment(rows, &s.Name, &s.Email, &s.Phone)
		if err != nil {
			return nil, err
		}
		s.ID = a.StudentID
		a.Student = &s
		res = append(res, a)
	}
	return res, rows.Err()
}

// ConfirmedBetween returns confirmed appointments starting in [from, to)
// with both parties loaded.
func (r *Repository) ConfirmedBetween(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+appointmentColumns+`, d.name, d.email, s.name, s.email
		FROM appointments a
		JOIN users d ON d.id = a.doctor_id
		JOIN users s ON s.id = a.student_id
		WHERE a.status = $1 AND a.slot_date_time >= $2 AND a.slot_date_time < $3
		ORDER BY a.slot_date_time
	`, StatusConfirmed, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Appointment
	for rows.Next() {
		var d, s Party
		a, err := scanAppointment(rows, &d.Name, &d.Email, &s.Name, &s.Email)
		if err != nil {
			return nil, err
		}
		d.ID, s.ID = a.DoctorID, a.StudentID
		a.Doctor, a.Student = &d, &s
		res = append(res, a)
	}
	return res, rows.Err()
}

// DoctorStats counts the doctor's appointments. Today is the UTC day holding now.
func (r *Repository) DoctorStats(ctx context.Context, doctorID int64, now time.Time) (DoctorStats, error) {
	dayStart := now.UTC().Truncate(24 * time.Hour)
	var st DoctorStats
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE slot_date_time >= $2 AND slot_date_time < $3 AND status <> $4),
			COUNT(*) FILTER (WHERE status = $5),
			COUNT(*) FILTER (WHERE status = $6 AND slot_date_time >= $7),
			COUNT(*) FILTER (WHERE status = $8),
			COUNT(*)
		FROM appointments
		WHERE doctor_id = $1
	`, doctorID, dayStart, dayStart.Add(24*time.Hour), StatusCancelled,
		StatusPending, StatusConfirmed, now.UTC(), StatusCompleted,
	).Scan(&st.TodayAppointments, &st.Pending, &st.ActiveCases, &st.Completed, &st.Total)
	return st, err
}

// ListNotifications returns a user's notifications, newest first.
func (r *Repository) ListNotifications(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, recipient_id, type, message, is_read, created_at FROM notifications WHERE recipient_id = $1`
	if unreadOnly {
		query += ` AND is_read = FALSE`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := []Notification{}
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Type, &n.Message, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// MarkNotificationRead flags one of the user's notifications as read. It
// returns sql.ErrNoRows when the user has no such notification.
func (r *Repository) MarkNotificationRead(ctx context.Context, userID, id int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = $1 AND recipient_id = $2`, id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
