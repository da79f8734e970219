package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meristem/core/internal/domerr"
	"github.com/meristem/core/internal/trace"
)

func newAdmin(t *testing.T) (*Admin, *MemoryUserStore) {
	t.Helper()
	store := NewMemoryUserStore()
	return NewAdmin(store, store, nil), store
}

func orgActor(orgID string) *Claims {
	return &Claims{OrgID: orgID}
}

func TestCreateRoleInOwnOrg(t *testing.T) {
	a, _ := newAdmin(t)

	r, err := a.CreateRole(context.Background(), orgActor("org-1"), "org-1",
		"operator", []string{"node:read", "node:cmd"})
	require.NoError(t, err)
	assert.NotEmpty(t, r.RoleID)
	assert.Equal(t, "org-1", r.OrgID)
	assert.False(t, r.Builtin)
}

func TestCreateRoleRejectsCrossOrg(t *testing.T) {
	a, _ := newAdmin(t)

	_, err := a.CreateRole(context.Background(), orgActor("org-1"), "org-2",
		"operator", []string{"node:read"})
	require.Error(t, err)
	assert.Equal(t, domerr.CodeRoleOrgMismatch, domerr.From(err).Code)

	// A superadmin may create roles in any org.
	super := &Claims{Superadmin: true}
	_, err = a.CreateRole(context.Background(), super, "org-2",
		"operator", []string{"node:read"})
	require.NoError(t, err)
}

func TestCreateRoleRejectsUnknownPermission(t *testing.T) {
	a, _ := newAdmin(t)

	_, err := a.CreateRole(context.Background(), orgActor("org-1"), "org-1",
		"operator", []string{"node:frobnicate"})
	require.Error(t, err)
	assert.Equal(t, domerr.CodeRoleOrgMismatch, domerr.From(err).Code)
}

func TestCreateRoleNameConflict(t *testing.T) {
	a, _ := newAdmin(t)
	ctx := context.Background()

	_, err := a.CreateRole(ctx, orgActor("org-1"), "org-1", "operator", []string{"node:read"})
	require.NoError(t, err)

	_, err = a.CreateRole(ctx, orgActor("org-1"), "org-1", "operator", []string{"node:cmd"})
	require.Error(t, err)
	assert.Equal(t, domerr.CodeRoleNameConflict, domerr.From(err).Code)
	assert.Equal(t, 409, domerr.StatusOf(err))

	// Same name in another org is fine.
	_, err = a.CreateRole(ctx, orgActor("org-2"), "org-2", "operator", []string{"node:read"})
	require.NoError(t, err)
}

func TestUpdateRolePermissions(t *testing.T) {
	a, store := newAdmin(t)
	ctx := context.Background()

	r, err := a.CreateRole(ctx, orgActor("org-1"), "org-1", "operator", []string{"node:read"})
	require.NoError(t, err)

	require.NoError(t, a.UpdateRolePermissions(ctx, r.RoleID, []string{"node:read", "node:cmd"}))
	updated, err := store.FindRole(ctx, r.RoleID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"node:read", "node:cmd"}, updated.Permissions)

	err = a.UpdateRolePermissions(ctx, "missing", []string{"node:read"})
	require.Error(t, err)
	assert.Equal(t, domerr.CodeNotFound, domerr.From(err).Code)
}

func TestBuiltinRolesAreReadOnly(t *testing.T) {
	a, store := newAdmin(t)
	store.AddRole(Role{RoleID: "builtin-viewer", OrgID: "org-1", Name: "viewer",
		Permissions: []string{"node:read"}, Builtin: true})

	err := a.UpdateRolePermissions(context.Background(), "builtin-viewer", []string{"*"})
	require.Error(t, err)
	assert.Equal(t, domerr.CodeRoleBuiltinReadonly, domerr.From(err).Code)
}

func TestInviteAndAccept(t *testing.T) {
	a, store := newAdmin(t)
	ctx := context.Background()

	r, err := a.CreateRole(ctx, orgActor("org-1"), "org-1", "operator", []string{"node:read"})
	require.NoError(t, err)

	inv, err := a.Invite(ctx, orgActor("org-1"), "org-1", r.RoleID, "new@example.com", 3600_000)
	require.NoError(t, err)
	assert.NotEmpty(t, inv.Token)
	assert.False(t, inv.Accepted)

	u, err := a.AcceptInvitation(ctx, inv.Token, "newbie", "S3curePass!")
	require.NoError(t, err)
	assert.Equal(t, "org-1", u.OrgID)
	assert.Equal(t, []string{r.RoleID}, u.RoleIDs)
	assert.False(t, u.Superadmin)

	stored, err := store.FindInvitationByToken(ctx, inv.Token)
	require.NoError(t, err)
	assert.True(t, stored.Accepted)
	assert.Equal(t, u.UserID, stored.AcceptedBy)

	// The new account can log in and resolves the invited role's permissions.
	keyring, err := NewKeyring("sign-secret", nil, 0)
	require.NoError(t, err)
	svc := NewService(store, keyring, "", nil)
	_, claims, err := svc.Login(ctx, "newbie", "S3curePass!")
	require.NoError(t, err)
	assert.Equal(t, []string{"node:read"}, claims.Permissions)
}

func TestInviteRejectsForeignRole(t *testing.T) {
	a, _ := newAdmin(t)
	ctx := context.Background()

	r, err := a.CreateRole(ctx, orgActor("org-2"), "org-2", "operator", []string{"node:read"})
	require.NoError(t, err)

	_, err = a.Invite(ctx, orgActor("org-1"), "org-1", r.RoleID, "new@example.com", 3600_000)
	require.Error(t, err)
	assert.Equal(t, domerr.CodeRoleOrgMismatch, domerr.From(err).Code)
}

func TestAcceptUnknownToken(t *testing.T) {
	a, _ := newAdmin(t)

	_, err := a.AcceptInvitation(context.Background(), "no-such-token", "u", "pw")
	require.Error(t, err)
	assert.Equal(t, domerr.CodeInvitationNotFound, domerr.From(err).Code)
}

func TestAcceptTwiceRejected(t *testing.T) {
	a, _ := newAdmin(t)
	ctx := context.Background()

	r, err := a.CreateRole(ctx, orgActor("org-1"), "org-1", "operator", []string{"node:read"})
	require.NoError(t, err)
	inv, err := a.Invite(ctx, orgActor("org-1"), "org-1", r.RoleID, "new@example.com", 3600_000)
	require.NoError(t, err)

	_, err = a.AcceptInvitation(ctx, inv.Token, "first", "pw")
	require.NoError(t, err)

	_, err = a.AcceptInvitation(ctx, inv.Token, "second", "pw")
	require.Error(t, err)
	assert.Equal(t, domerr.CodeInvitationAlreadyAccepted, domerr.From(err).Code)
}

func TestAcceptExpiredInvitation(t *testing.T) {
	a, store := newAdmin(t)
	ctx := context.Background()

	store.AddRole(Role{RoleID: "r1", OrgID: "org-1", Name: "operator", Permissions: []string{"node:read"}})
	inv := &Invitation{
		InvitationID: "inv-1",
		OrgID:        "org-1",
		RoleID:       "r1",
		Email:        "late@example.com",
		Token:        "tok-1",
		ExpiresAt:    trace.NowMillis() - 1,
		CreatedAt:    trace.NowMillis() - 1000,
	}
	require.NoError(t, store.InsertInvitation(ctx, inv))

	_, err := a.AcceptInvitation(ctx, "tok-1", "late", "pw")
	require.Error(t, err)
	assert.Equal(t, domerr.CodeInvitationExpired, domerr.From(err).Code)
}
