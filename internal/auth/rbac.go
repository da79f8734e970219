package auth

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/meristem/core/internal/domerr"
	"github.com/meristem/core/internal/guard"
	"github.com/meristem/core/internal/trace"
)

// Invitation is a pending org membership offer. The token is the join
// credential; it is single-use and expires.
type Invitation struct {
	InvitationID string `json:"invitation_id" bson:"invitation_id"`
	OrgID        string `json:"org_id" bson:"org_id"`
	RoleID       string `json:"role_id" bson:"role_id"`
	Email        string `json:"email" bson:"email"`
	Token        string `json:"invitation_token" bson:"invitation_token"`
	Accepted     bool   `json:"accepted" bson:"accepted"`
	AcceptedBy   string `json:"accepted_by,omitempty" bson:"accepted_by,omitempty"`
	ExpiresAt    int64  `json:"expires_at" bson:"expires_at"`
	CreatedAt    int64  `json:"created_at" bson:"created_at"`
}

// RBACStore is the persistence boundary for roles and invitations.
type RBACStore interface {
	FindRole(ctx context.Context, roleID string) (*Role, error)
	FindRoleByName(ctx context.Context, orgID, name string) (*Role, error)
	InsertRole(ctx context.Context, r *Role) error
	UpdateRolePermissions(ctx context.Context, roleID string, perms []string) error
	InsertInvitation(ctx context.Context, inv *Invitation) error
	FindInvitationByToken(ctx context.Context, token string) (*Invitation, error)
	MarkInvitationAccepted(ctx context.Context, invitationID, userID string) error
}

// Admin manages roles and invitations for an org.
type Admin struct {
	rbac  RBACStore
	users UserStore
	zl    *zap.Logger
}

func NewAdmin(rbac RBACStore, users UserStore, zl *zap.Logger) *Admin {
	if zl == nil {
		zl = zap.NewNop()
	}
	return &Admin{rbac: rbac, users: users, zl: zl}
}

// CreateRole adds a custom role to the actor's org. Role names are unique per
// org, and every permission must come from the closed vocabulary.
func (a *Admin) CreateRole(ctx context.Context, actor *Claims, orgID, name string, perms []string) (*Role, error) {
	if !actor.Superadmin && actor.OrgID != orgID {
		return nil, domerr.New(domerr.CodeRoleOrgMismatch, "role org differs from the actor's org")
	}
	for _, p := range perms {
		if !guard.Vocabulary[guard.Permission(p)] {
			return nil, domerr.New(domerr.CodeRoleOrgMismatch, "permission "+p+" outside the closed vocabulary")
		}
	}
	existing, err := a.rbac.FindRoleByName(ctx, orgID, name)
	if err != nil {
		return nil, domerr.Wrap(domerr.CodeInternal, "role lookup failed", err)
	}
	if existing != nil {
		return nil, domerr.New(domerr.CodeRoleNameConflict, "role name already used in this org")
	}

	r := &Role{
		RoleID:      uuid.NewString(),
		OrgID:       orgID,
		Name:        name,
		Permissions: perms,
	}
	if err := a.rbac.InsertRole(ctx, r); err != nil {
		return nil, domerr.Wrap(domerr.CodeRoleNameConflict, "role insert failed", err)
	}
	return r, nil
}

// UpdateRolePermissions replaces a custom role's permission set. Builtin
// roles are immutable.
func (a *Admin) UpdateRolePermissions(ctx context.Context, roleID string, perms []string) error {
	r, err := a.rbac.FindRole(ctx, roleID)
	if err != nil {
		return domerr.Wrap(domerr.CodeInternal, "role lookup failed", err)
	}
	if r == nil {
		return domerr.New(domerr.CodeNotFound, "no such role")
	}
	if r.Builtin {
		return domerr.New(domerr.CodeRoleBuiltinReadonly, "builtin roles cannot be modified")
	}
	for _, p := range perms {
		if !guard.Vocabulary[guard.Permission(p)] {
			return domerr.New(domerr.CodeRoleOrgMismatch, "permission "+p+" outside the closed vocabulary")
		}
	}
	if err := a.rbac.UpdateRolePermissions(ctx, roleID, perms); err != nil {
		return domerr.Wrap(domerr.CodeInternal, "role update failed", err)
	}
	return nil
}

// Invite creates an invitation binding an email to a role in the actor's org.
func (a *Admin) Invite(ctx context.Context, actor *Claims, orgID, roleID, email string, ttlMillis int64) (*Invitation, error) {
	if !actor.Superadmin && actor.OrgID != orgID {
		return nil, domerr.New(domerr.CodeRoleOrgMismatch, "invitation org differs from the actor's org")
	}
	role, err := a.rbac.FindRole(ctx, roleID)
	if err != nil {
		return nil, domerr.Wrap(domerr.CodeInternal, "role lookup failed", err)
	}
	if role == nil || role.OrgID != orgID {
		return nil, domerr.New(domerr.CodeRoleOrgMismatch, "role does not belong to the org")
	}

	now := trace.NowMillis()
	inv := &Invitation{
		InvitationID: uuid.NewString(),
		OrgID:        orgID,
		RoleID:       roleID,
		Email:        email,
		Token:        uuid.NewString(),
		ExpiresAt:    now + ttlMillis,
		CreatedAt:    now,
	}
	if err := a.rbac.InsertInvitation(ctx, inv); err != nil {
		return nil, domerr.Wrap(domerr.CodeInternal, "invitation insert failed", err)
	}
	return inv, nil
}

// AcceptInvitation redeems a token, creating the account inside the inviting
// org with the invited role.
func (a *Admin) AcceptInvitation(ctx context.Context, token, username, password string) (*User, error) {
	inv, err := a.rbac.FindInvitationByToken(ctx, token)
	if err != nil {
		return nil, domerr.Wrap(domerr.CodeInternal, "invitation lookup failed", err)
	}
	if inv == nil {
		return nil, domerr.New(domerr.CodeInvitationNotFound, "no invitation for this token")
	}
	if inv.Accepted {
		return nil, domerr.New(domerr.CodeInvitationAlreadyAccepted, "invitation already redeemed")
	}
	if trace.NowMillis() > inv.ExpiresAt {
		return nil, domerr.New(domerr.CodeInvitationExpired, "invitation expired")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, domerr.Wrap(domerr.CodeInternal, "password hash failed", err)
	}
	u := &User{
		UserID:       uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		OrgID:        inv.OrgID,
		RoleIDs:      []string{inv.RoleID},
		CreatedAt:    trace.NowMillis(),
	}
	if err := a.users.InsertUser(ctx, u); err != nil {
		return nil, domerr.Wrap(domerr.CodeUserAlreadyExists, "user insert failed", err)
	}
	if err := a.rbac.MarkInvitationAccepted(ctx, inv.InvitationID, u.UserID); err != nil {
		return nil, domerr.Wrap(domerr.CodeInternal, "invitation update failed", err)
	}
	a.zl.Info("invitation accepted",
		zap.String("org_id", inv.OrgID), zap.String("username", username))
	return u, nil
}
