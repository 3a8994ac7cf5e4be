package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"campushealth/internal/auth"
	"campushealth/internal/booking"
	"campushealth/internal/users"
)

// maxPrescriptionBytes caps uploaded prescription documents.
const maxPrescriptionBytes = 10 << 20

// Appointments is implemented by booking.Service.
type Appointments interface {
	Book(ctx context.Context, studentID int64, doctorID, slotDateTime string) (booking.Appointment, error)
	ListForStudent(ctx context.Context, studentID int64, status string) ([]booking.Appointment, error)
	ListForDoctor(ctx context.Context, doctorID int64, status, date string) ([]booking.Appointment, error)
	UpdateStatus(ctx context.Context, doctorID, appointmentID int64, status string) (booking.Appointment, error)
	AttachPrescription(ctx context.Context, doctorID, appointmentID int64, filename string, data []byte) (booking.Appointment, error)
	ListNotifications(ctx context.Context, userID int64, unreadOnly bool) ([]booking.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, id int64) error
	DoctorStats(ctx context.Context, doctorID int64) (booking.DoctorStats, error)
}

// Sessions is implemented by users.Service.
type Sessions interface {
	Login(ctx context.Context, email, password string) (users.Session, error)
	Register(ctx context.Context, in users.RegisterInput) (users.User, error)
}

// Checker reports whether a dependency is reachable.
type Checker interface {
	Healthy(ctx context.Context) bool
}

// Auth configures token verification for protected routes.
type Auth struct {
	SigningKey string
	Issuer     string
}

// Handler serves the HTTP API.
type Handler struct {
	appts    Appointments
	sessions Sessions
	checks   map[string]Checker
	log      *zap.Logger
}

// New creates a handler. checks are reported by /healthz under their key.
func New(appts Appointments, sessions Sessions, checks map[string]Checker, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{appts: appts, sessions: sessions, checks: checks, log: log}
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter, a Auth) {
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1")
	v1.POST("/users/login", h.Login)
	v1.POST("/users/signup", h.Signup)

	authed := v1.Group("", auth.Authenticate(a.SigningKey, a.Issuer))

	student := authed.Group("", auth.RequireRole(auth.RoleStudent))
	student.POST("/appointments", h.BookAppointment)
	student.GET("/appointments/student", h.StudentAppointments)

	doctor := authed.Group("/doctor", auth.RequireRole(auth.RoleDoctor))
	doctor.GET("/stats", h.DoctorStats)
	doctor.GET("/appointments", h.DoctorAppointments)
	doctor.PATCH("/appointments/:id/status", h.UpdateStatus)
	doctor.PATCH("/appointments/:id/prescription", h.AttachPrescription)

	authed.GET("/notifications", h.Notifications)
	authed.PATCH("/notifications/:id/read", h.MarkNotificationRead)
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, chk := range h.checks {
		ok := chk != nil && chk.Healthy(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// ---------- Login ----------

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "email and password are required"})
		return
	}
	sess, err := h.sessions.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		var uerr users.Error
		if errors.As(err, &uerr) {
			c.JSON(http.StatusUnauthorized, gin.H{"message": uerr.Error()})
			return
		}
		h.serverError(c, "login failed", err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type signupRequest struct {
	Name           string `json:"name" binding:"required"`
	Email          string `json:"email" binding:"required,email"`
	Password       string `json:"password" binding:"required"`
	Role           string `json:"role" binding:"required"`
	Phone          string `json:"phone"`
	Specialization string `json:"specialization"`
}

// Signup registers a student or doctor account.
func (h *Handler) Signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "name, email, password and role are required"})
		return
	}
	u, err := h.sessions.Register(c.Request.Context(), users.RegisterInput{
		Name:           req.Name,
		Email:          req.Email,
		Password:       req.Password,
		Role:           req.Role,
		Phone:          req.Phone,
		Specialization: req.Specialization,
	})
	if err != nil {
		var uerr users.Error
		switch {
		case errors.Is(err, users.ErrEmailTaken):
			c.JSON(http.StatusConflict, gin.H{"message": err.Error()})
		case errors.As(err, &uerr):
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		default:
			h.serverError(c, "signup failed", err)
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "User registered successfully", "user": u})
}

// ---------- Appointments ----------

type bookRequest struct {
	DoctorID     jsonID `json:"doctorId" binding:"required"`
	SlotDateTime string `json:"slotDateTime" binding:"required"`
}

// BookAppointment reserves a slot for the calling student.
func (h *Handler) BookAppointment(c *gin.Context) {
	var req bookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "doctorId and slotDateTime are required"})
		return
	}
	claims, _ := auth.FromContext(c)
	appt, err := h.appts.Book(c.Request.Context(), claims.UserID, string(req.DoctorID), req.SlotDateTime)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Appointment booked successfully", "appointment": appt})
}

func (h *Handler) StudentAppointments(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	appts, err := h.appts.ListForStudent(c.Request.Context(), claims.UserID, c.Query("status"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(appts))
}

func (h *Handler) DoctorAppointments(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	appts, err := h.appts.ListForDoctor(c.Request.Context(), claims.UserID, c.Query("status"), c.Query("date"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(appts))
}

func (h *Handler) DoctorStats(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	st, err := h.appts.DoctorStats(c.Request.Context(), claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handler) UpdateStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "status is required"})
		return
	}
	claims, _ := auth.FromContext(c)
	appt, err := h.appts.UpdateStatus(c.Request.Context(), claims.UserID, id, req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, appt)
}

// AttachPrescription expects a multipart form with a "file" field.
func (h *Handler) AttachPrescription(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxPrescriptionBytes+1<<20)
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "prescription file is required"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxPrescriptionBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "failed to read prescription file"})
		return
	}
	if len(data) > maxPrescriptionBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"message": "prescription file is too large"})
		return
	}

	claims, _ := auth.FromContext(c)
	appt, err := h.appts.AttachPrescription(c.Request.Context(), claims.UserID, id, header.Filename, data)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, appt)
}

// ---------- Notifications ----------

func (h *Handler) Notifications(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	unread, _ := strconv.ParseBool(c.DefaultQuery("unread", "false"))
	notes, err := h.appts.ListNotifications(c.Request.Context(), claims.UserID, unread)
	if err != nil {
		h.fail(c, err)
		return
	}
	if notes == nil {
		notes = []booking.Notification{}
	}
	c.JSON(http.StatusOK, notes)
}

func (h *Handler) MarkNotificationRead(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	claims, _ := auth.FromContext(c)
	if err := h.appts.MarkNotificationRead(c.Request.Context(), claims.UserID, id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---------- helpers ----------

// fail maps booking errors onto HTTP responses.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, booking.ErrAppointmentNotFound), errors.Is(err, booking.ErrNotificationMissing):
		c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
	case errors.Is(err, booking.ErrNoFileStore):
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": booking.ErrNoFileStore.Error()})
	case errors.Is(err, booking.ErrUpload):
		h.log.Warn("upload failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"message": booking.ErrUpload.Error()})
	case errors.Is(err, booking.ErrInvalidInput),
		errors.Is(err, booking.ErrSlotNotFound),
		errors.Is(err, booking.ErrSlotAlreadyBooked),
		errors.Is(err, booking.ErrSlotUnavailable),
		errors.Is(err, booking.ErrDuplicateBooking),
		errors.Is(err, booking.ErrInvalidTransition):
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
	default:
		h.serverError(c, "request failed", err)
	}
}

func (h *Handler) serverError(c *gin.Context, msg string, err error) {
	_ = c.Error(err)
	h.log.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"message": "server error"})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid id"})
		return 0, false
	}
	return id, true
}

func nonNil(appts []booking.Appointment) []booking.Appointment {
	if appts == nil {
		return []booking.Appointment{}
	}
	return appts
}
