package auth

import (
	"context"
	"fmt"
	"sync"
)

// MemoryUserStore is the in-process UserStore used by tests and embedded
// deployments.
type MemoryUserStore struct {
	mu          sync.Mutex
	users       map[string]*User // keyed by username
	roles       map[string]Role
	invitations map[string]*Invitation // keyed by token
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		users:       make(map[string]*User),
		roles:       make(map[string]Role),
		invitations: make(map[string]*Invitation),
	}
}

func (s *MemoryUserStore) CountUsers(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.users)), nil
}

func (s *MemoryUserStore) FindUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[username]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryUserStore) InsertUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[u.Username]; exists {
		return fmt.Errorf("duplicate username %s", u.Username)
	}
	cp := *u
	s.users[u.Username] = &cp
	return nil
}

func (s *MemoryUserStore) InsertBootstrapUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.users) > 0 {
		return fmt.Errorf("an account already exists")
	}
	cp := *u
	s.users[u.Username] = &cp
	return nil
}

func (s *MemoryUserStore) FindRoles(_ context.Context, roleIDs []string) ([]Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Role, 0, len(roleIDs))
	for _, id := range roleIDs {
		if r, ok := s.roles[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// AddRole registers a role (tests).
func (s *MemoryUserStore) AddRole(r Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[r.RoleID] = r
}

// ============================================================================
// RBAC STORE
// ============================================================================

func (s *MemoryUserStore) FindRole(_ context.Context, roleID string) (*Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.roles[roleID]; ok {
		cp := r
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryUserStore) FindRoleByName(_ context.Context, orgID, name string) (*Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.roles {
		if r.OrgID == orgID && r.Name == name {
			cp := r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryUserStore) InsertRole(_ context.Context, r *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.roles[r.RoleID]; exists {
		return fmt.Errorf("duplicate role id %s", r.RoleID)
	}
	s.roles[r.RoleID] = *r
	return nil
}

func (s *MemoryUserStore) UpdateRolePermissions(_ context.Context, roleID string, perms []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return fmt.Errorf("no role %s", roleID)
	}
	r.Permissions = append([]string(nil), perms...)
	s.roles[roleID] = r
	return nil
}

func (s *MemoryUserStore) InsertInvitation(_ context.Context, inv *Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.invitations[inv.Token]; exists {
		return fmt.Errorf("duplicate invitation token")
	}
	cp := *inv
	s.invitations[inv.Token] = &cp
	return nil
}

func (s *MemoryUserStore) FindInvitationByToken(_ context.Context, token string) (*Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv, ok := s.invitations[token]; ok {
		cp := *inv
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryUserStore) MarkInvitationAccepted(_ context.Context, invitationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invitations {
		if inv.InvitationID == invitationID {
			inv.Accepted = true
			inv.AcceptedBy = userID
			return nil
		}
	}
	return fmt.Errorf("no invitation %s", invitationID)
}
