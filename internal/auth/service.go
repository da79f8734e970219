package auth

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/meristem/core/internal/domerr"
	"github.com/meristem/core/internal/trace"
)

// User is the persisted account document.
type User struct {
	UserID       string   `json:"user_id" bson:"user_id"`
	Username     string   `json:"username" bson:"username"`
	PasswordHash string   `json:"-" bson:"password_hash"`
	OrgID        string   `json:"org_id,omitempty" bson:"org_id,omitempty"`
	RoleIDs      []string `json:"role_ids,omitempty" bson:"role_ids,omitempty"`
	Superadmin   bool     `json:"superadmin" bson:"superadmin"`
	CreatedAt    int64    `json:"created_at" bson:"created_at"`
}

// Role binds a named permission set to an org. Builtin roles are read-only.
type Role struct {
	RoleID      string   `json:"role_id" bson:"role_id"`
	OrgID       string   `json:"org_id" bson:"org_id"`
	Name        string   `json:"name" bson:"name"`
	Permissions []string `json:"permissions" bson:"permissions"`
	Builtin     bool     `json:"builtin" bson:"builtin"`
}

// Org is a tenant.
type Org struct {
	OrgID     string `json:"org_id" bson:"org_id"`
	Name      string `json:"name" bson:"name"`
	CreatedAt int64  `json:"created_at" bson:"created_at"`
}

// UserStore is the auth persistence boundary. InsertBootstrapUser must be
// exclusive: of any number of concurrent calls, exactly one may succeed.
type UserStore interface {
	CountUsers(ctx context.Context) (int64, error)
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	InsertUser(ctx context.Context, u *User) error
	InsertBootstrapUser(ctx context.Context, u *User) error
	FindRoles(ctx context.Context, roleIDs []string) ([]Role, error)
}

// Service performs bootstrap, login and permission resolution.
type Service struct {
	store          UserStore
	keyring        *Keyring
	bootstrapToken string
	zl             *zap.Logger
}

func NewService(store UserStore, keyring *Keyring, bootstrapToken string, zl *zap.Logger) *Service {
	if zl == nil {
		zl = zap.NewNop()
	}
	return &Service{store: store, keyring: keyring, bootstrapToken: bootstrapToken, zl: zl}
}

// Bootstrap creates the first superadmin account. It succeeds exactly once
// per deployment.
func (s *Service) Bootstrap(ctx context.Context, token, username, password string) (*User, error) {
	if s.bootstrapToken == "" || token != s.bootstrapToken {
		return nil, domerr.New(domerr.CodeInvalidBootstrapToken, "bootstrap token mismatch")
	}
	n, err := s.store.CountUsers(ctx)
	if err != nil {
		return nil, domerr.Wrap(domerr.CodeInternal, "user count failed", err)
	}
	if n > 0 {
		return nil, domerr.New(domerr.CodeBootstrapAlreadyCompleted, "an account already exists")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, domerr.Wrap(domerr.CodeInternal, "password hash failed", err)
	}
	u := &User{
		UserID:       uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		Superadmin:   true,
		CreatedAt:    trace.NowMillis(),
	}
	if err := s.store.InsertBootstrapUser(ctx, u); err != nil {
		return nil, domerr.Wrap(domerr.CodeBootstrapAlreadyCompleted, "bootstrap race lost", err)
	}
	s.zl.Info("bootstrap completed", zap.String("username", username))
	return u, nil
}

// Login checks credentials and mints an access token carrying the resolved
// permission set.
func (s *Service) Login(ctx context.Context, username, password string) (string, *Claims, error) {
	u, err := s.store.FindUserByUsername(ctx, username)
	if err != nil {
		return "", nil, domerr.Wrap(domerr.CodeInternal, "user lookup failed", err)
	}
	if u == nil {
		return "", nil, domerr.New(domerr.CodeAuthInvalidCredentials, "unknown user or bad password")
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", nil, domerr.New(domerr.CodeAuthInvalidCredentials, "unknown user or bad password")
	}

	perms, err := s.PermissionsOf(ctx, u)
	if err != nil {
		return "", nil, err
	}
	claims := Claims{
		Username:    u.Username,
		OrgID:       u.OrgID,
		Permissions: perms,
		Superadmin:  u.Superadmin,
	}
	claims.Subject = u.UserID

	token, err := s.keyring.Sign(claims)
	if err != nil {
		return "", nil, domerr.Wrap(domerr.CodeInternal, "token signing failed", err)
	}
	return token, &claims, nil
}

// PermissionsOf resolves a user's effective permission set. Superadmins hold
// the global wildcard.
func (s *Service) PermissionsOf(ctx context.Context, u *User) ([]string, error) {
	if u.Superadmin {
		return []string{"*"}, nil
	}
	roles, err := s.store.FindRoles(ctx, u.RoleIDs)
	if err != nil {
		return nil, domerr.Wrap(domerr.CodeInternal, "role lookup failed", err)
	}
	seen := make(map[string]bool)
	var perms []string
	for _, r := range roles {
		for _, p := range r.Permissions {
			if !seen[p] {
				seen[p] = true
				perms = append(perms, p)
			}
		}
	}
	return perms, nil
}

// Verify exposes keyring verification for middleware and the fanout.
func (s *Service) Verify(token string) (*Claims, error) {
	return s.keyring.Verify(token)
}
