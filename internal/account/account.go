// Package account registers users and logs them in, handing out the bearer
// tokens accepted by the websocket endpoint.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/livechat/internal/identity"
	"github.com/Tyrowin/livechat/internal/store"
)

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrUserExists         = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// maxPasswordBytes is the longest input bcrypt hashes.
const maxPasswordBytes = 72

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("bcryptlen", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= maxPasswordBytes
	})
	return v
}

// Credentials is the body of both the register and the login request.
type Credentials struct {
	Username string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Password string `json:"password" validate:"required,min=8,bcryptlen"`
}

// Result is returned by a successful register or login.
type Result struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// User is the public part of an account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Service implements registration and login on top of a UserStore.
type Service struct {
	log    *slog.Logger
	users  store.UserStore
	tokens *identity.JWT
	ttl    time.Duration
	cost   int
	now    func() time.Time
}

// NewService returns a Service issuing tokens valid for ttl.
func NewService(log *slog.Logger, users store.UserStore, tokens *identity.JWT, ttl time.Duration) *Service {
	return &Service{
		log:    log,
		users:  users,
		tokens: tokens,
		ttl:    ttl,
		cost:   bcrypt.DefaultCost,
		now:    time.Now,
	}
}

// WithCost overrides the bcrypt cost, mostly so tests stay fast.
func (s *Service) WithCost(cost int) *Service {
	s.cost = cost
	return s
}

// Register creates an account and returns a token for it.
func (s *Service) Register(ctx context.Context, req Credentials) (Result, error) {
	req.Username = strings.TrimSpace(req.Username)
	if err := validate.Struct(req); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err != nil {
		return Result{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return Result{}, ErrUserExists
		}
		return Result{}, fmt.Errorf("create user: %w", err)
	}
	s.log.Info("User registered", "user_id", user.ID, "username", user.Username)

	return s.issue(user)
}

// Login checks a username and password. Unknown users and wrong passwords
// both report ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, req Credentials) (Result, error) {
	if req.Username == "" || req.Password == "" {
		return Result{}, ErrInvalidCredentials
	}

	user, err := s.users.UserByName(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, ErrInvalidCredentials
		}
		return Result{}, fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.log.Debug("Password mismatch", "user_id", user.ID)
		return Result{}, ErrInvalidCredentials
	}

	return s.issue(user)
}

// Exists reports whether userID names a registered account.
func (s *Service) Exists(ctx context.Context, userID string) (bool, error) {
	_, err := s.users.UserByID(ctx, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	}
	return false, err
}

func (s *Service) issue(user store.User) (Result, error) {
	id := identity.Identity{UserID: user.ID, Username: user.Username}
	token, err := s.tokens.Issue(id, s.ttl)
	if err != nil {
		return Result{}, fmt.Errorf("issue token: %w", err)
	}
	return Result{Token: token, User: User{ID: user.ID, Username: user.Username}}, nil
}
