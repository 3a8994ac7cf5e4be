package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"campushealth/internal/auth"
	"campushealth/internal/store"
)

// Error is an account failure safe to show to clients.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrInvalidCredentials Error = "invalid email or password"
	ErrMissingCredentials Error = "email and password are required"
	ErrInvalidSignup      Error = "invalid signup"
	ErrEmailTaken         Error = "an account with this email already exists"
)

// MinPasswordLen is the shortest password Register accepts.
const MinPasswordLen = 8

const emailConstraint = "users_email_key"

// User is an account row.
type User struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	Role           string `json:"role"`
	Specialization string `json:"specialization,omitempty"`
	Phone          string `json:"phone,omitempty"`
	PasswordHash   string `json:"-"`
}

// Repository reads user accounts.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// FindByEmail looks up a user case-insensitively. Returns sql.ErrNoRows when absent.
func (r *Repository) FindByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, email, role, specialization, phone, password_hash
		FROM users
		WHERE lower(email) = lower($1)
	`, email).Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Specialization, &u.Phone, &u.PasswordHash)
	return u, err
}

// Create inserts u and fills in its id. Emails are stored lower-cased.
func (r *Repository) Create(ctx context.Context, u *User) error {
	return r.db.QueryRowContext(ctx, `
		INSERT INTO users (name, email, role, specialization, phone, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, u.Name, u.Email, u.Role, u.Specialization, u.Phone, u.PasswordHash).Scan(&u.ID)
}

// Session is returned by a successful login.
type Session struct {
	auth.Token
	User User `json:"user"`
}

// Service authenticates users and issues tokens.
type Service struct {
	repo   *Repository
	log    *zap.Logger
	issuer string
	key    string
	ttl    time.Duration
}

// NewService creates a login service.
func NewService(repo *Repository, log *zap.Logger, issuer, key string, ttl time.Duration) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, log: log, issuer: issuer, key: key, ttl: ttl}
}

// Login checks the password against the stored bcrypt hash and issues a token.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return Session{}, ErrMissingCredentials
	}
	u, err := s.repo.FindByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, fmt.Errorf("find user: %w", err)
	}
	if u.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		s.log.Info("login rejected", zap.Int64("user_id", u.ID))
		return Session{}, ErrInvalidCredentials
	}
	tok, err := auth.Issue(u.ID, u.Role, s.issuer, s.key, s.ttl)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{Token: tok, User: u}, nil
}

// RegisterInput is a self-service signup. Specialization is required for doctors.
type RegisterInput struct {
	Name           string
	Email          string
	Password       string
	Role           string
	Phone          string
	Specialization string
}

// Register creates a student or doctor account. Admins are provisioned out of band.
func (s *Service) Register(ctx context.Context, in RegisterInput) (User, error) {
	u := User{
		Name:           strings.TrimSpace(in.Name),
		Email:          strings.ToLower(strings.TrimSpace(in.Email)),
		Role:           strings.ToLower(strings.TrimSpace(in.Role)),
		Phone:          strings.TrimSpace(in.Phone),
		Specialization: strings.TrimSpace(in.Specialization),
	}
	switch {
	case u.Name == "":
		return User{}, fmt.Errorf("%w: name is required", ErrInvalidSignup)
	case !strings.Contains(u.Email, "@"):
		return User{}, fmt.Errorf("%w: a valid email is required", ErrInvalidSignup)
	case len(in.Password) < MinPasswordLen:
		return User{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidSignup, MinPasswordLen)
	case u.Role != auth.RoleStudent && u.Role != auth.RoleDoctor:
		return User{}, fmt.Errorf("%w: role must be student or doctor", ErrInvalidSignup)
	case u.Role == auth.RoleDoctor && u.Specialization == "":
		return User{}, fmt.Errorf("%w: specialization is required for doctors", ErrInvalidSignup)
	}
	if u.Role == auth.RoleStudent {
		u.Specialization = ""
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	u.PasswordHash = hash

	if err := s.repo.Create(ctx, &u); err != nil {
		if store.IsUniqueViolation(err, emailConstraint) {
			return User{}, ErrEmailTaken
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}
	s.log.Info("user registered", zap.Int64("user_id", u.ID), zap.String("role", u.Role))
	return u, nil
}

// HashPassword returns a bcrypt hash suitable for users.password_hash.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}
