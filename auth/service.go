package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrInvalidToken signals a malformed or forged bearer token.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrSessionExpired signals that the bearer token is past its expiry.
	ErrSessionExpired = errors.New("auth: session expired")
	// ErrPermissionDenied signals the session lacks the required permission.
	ErrPermissionDenied = errors.New("auth: permission denied")
)

// DefaultTokenTTL is used when NewService receives a zero ttl.
const DefaultTokenTTL = 12 * time.Hour

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// LoginResult bundles the token, session and domain user returned after a successful login.
type LoginResult struct {
	Token   string
	Session Session
	User    User
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates a new admin account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.FullName) == "" {
		return nil, fmt.Errorf("auth: email and fullName are required")
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleAdmin
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("auth: invalid role %q", role)
	}
	perms := req.Permissions
	if len(perms) == 0 {
		perms = DefaultPermissions(role)
	}
	for _, p := range perms {
		if !isValidPermission(p) {
			return nil, fmt.Errorf("auth: invalid permission %q", p)
		}
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Email:        strings.TrimSpace(req.Email),
		FullName:     strings.TrimSpace(req.FullName),
		PasswordHash: string(passwordHash),
		Role:         role,
		Permissions:  perms,
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// Bootstrap creates the first super admin when no account uses email yet.
// It reports whether an account was created.
func (s *Service) Bootstrap(ctx context.Context, email, password, fullName string) (bool, error) {
	if _, err := s.repo.GetUserByEmail(ctx, email); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return false, err
	}
	if fullName == "" {
		fullName = "Escrow Lead"
	}
	_, err := s.Register(ctx, RegisterRequest{
		Email:    email,
		Password: password,
		FullName: fullName,
		Role:     RoleSuperAdmin,
	})
	if errors.Is(err, ErrDuplicateEmail) {
		return false, nil
	}
	return err == nil, err
}

// Login authenticates an admin and returns a signed session token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	session := Session{
		UserID:      user.ID,
		Email:       user.Email,
		Role:        user.Role,
		Permissions: user.Permissions,
		ExpiresAt:   s.now().Add(s.ttl).Truncate(time.Second),
	}
	token, err := s.generateToken(session)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{
		Token:   token,
		Session: session,
		User:    user,
	}, nil
}

// Profile returns the account behind userID.
func (s *Service) Profile(ctx context.Context, userID string) (User, error) {
	return s.repo.GetUserByID(ctx, userID)
}

// VerifyToken validates a bearer token and returns the session it encodes.
// An expired token yields ErrSessionExpired; any other defect yields ErrInvalidToken.
func (s *Service) VerifyToken(tokenString string) (Session, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Session{}, ErrSessionExpired
		}
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Session{}, ErrInvalidToken
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Session{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok || !isValidRole(Role(roleStr)) {
		return Session{}, fmt.Errorf("%w: invalid role %q", ErrInvalidToken, roleStr)
	}
	email, _ := claims["email"].(string)

	var perms []Permission
	if raw, ok := claims["permissions"].([]any); ok {
		for _, v := range raw {
			if p, ok := v.(string); ok && isValidPermission(Permission(p)) {
				perms = append(perms, Permission(p))
			}
		}
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return Session{}, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}

	return Session{
		UserID:      userID,
		Email:       email,
		Role:        Role(roleStr),
		Permissions: perms,
		ExpiresAt:   exp.Time,
	}, nil
}

func (s *Service) generateToken(session Session) (string, error) {
	perms := make([]string, 0, len(session.Permissions))
	for _, p := range session.Permissions {
		perms = append(perms, string(p))
	}
	claims := jwt.MapClaims{
		"user_id":     session.UserID,
		"email":       session.Email,
		"role":        session.Role,
		"permissions": perms,
		"exp":         session.ExpiresAt.Unix(),
		"iat":         s.now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func isValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleSuperAdmin, RoleService:
		return true
	default:
		return false
	}
}

func isValidPermission(p Permission) bool {
	switch p {
	case PermResolve, PermEscalate, PermEarlyRelease, PermLifecycle:
		return true
	default:
		return false
	}
}
