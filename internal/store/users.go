package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/meristem/core/internal/auth"
)

// UserStore is the Mongo implementation of the auth persistence boundary.
type UserStore struct {
	s *Store
}

// Users returns the auth persistence view of this store.
func (s *Store) Users() *UserStore {
	return &UserStore{s: s}
}

func (u *UserStore) CountUsers(ctx context.Context) (int64, error) {
	n, err := u.s.col(ColUsers).CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (u *UserStore) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	var user auth.User
	err := u.s.col(ColUsers).FindOne(ctx, bson.M{"username": username}).Decode(&user)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user %s: %w", username, err)
	}
	return &user, nil
}

func (u *UserStore) InsertUser(ctx context.Context, user *auth.User) error {
	if _, err := u.s.col(ColUsers).InsertOne(ctx, user); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// InsertBootstrapUser writes the first superadmin under a fixed document id.
// The unique _id index makes concurrent bootstrap attempts lose with a
// duplicate key error instead of both succeeding.
func (u *UserStore) InsertBootstrapUser(ctx context.Context, user *auth.User) error {
	raw, err := bson.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode bootstrap user: %w", err)
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode bootstrap user: %w", err)
	}
	doc["_id"] = "bootstrap-superadmin"
	if _, err := u.s.col(ColUsers).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert bootstrap user: %w", err)
	}
	return nil
}

func (u *UserStore) FindRole(ctx context.Context, roleID string) (*auth.Role, error) {
	var role auth.Role
	err := u.s.col(ColRoles).FindOne(ctx, bson.M{"role_id": roleID}).Decode(&role)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find role %s: %w", roleID, err)
	}
	return &role, nil
}

func (u *UserStore) FindRoleByName(ctx context.Context, orgID, name string) (*auth.Role, error) {
	var role auth.Role
	err := u.s.col(ColRoles).FindOne(ctx, bson.M{"org_id": orgID, "name": name}).Decode(&role)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find role %s/%s: %w", orgID, name, err)
	}
	return &role, nil
}

func (u *UserStore) InsertRole(ctx context.Context, r *auth.Role) error {
	if _, err := u.s.col(ColRoles).InsertOne(ctx, r); err != nil {
		return fmt.Errorf("insert role: %w", err)
	}
	return nil
}

func (u *UserStore) UpdateRolePermissions(ctx context.Context, roleID string, perms []string) error {
	res, err := u.s.col(ColRoles).UpdateOne(ctx,
		bson.M{"role_id": roleID},
		bson.M{"$set": bson.M{"permissions": perms}})
	if err != nil {
		return fmt.Errorf("update role %s: %w", roleID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update role %s: no such role", roleID)
	}
	return nil
}

func (u *UserStore) InsertInvitation(ctx context.Context, inv *auth.Invitation) error {
	if _, err := u.s.col(ColInvitations).InsertOne(ctx, inv); err != nil {
		return fmt.Errorf("insert invitation: %w", err)
	}
	return nil
}

func (u *UserStore) FindInvitationByToken(ctx context.Context, token string) (*auth.Invitation, error) {
	var inv auth.Invitation
	err := u.s.col(ColInvitations).FindOne(ctx, bson.M{"invitation_token": token}).Decode(&inv)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find invitation: %w", err)
	}
	return &inv, nil
}

func (u *UserStore) MarkInvitationAccepted(ctx context.Context, invitationID, userID string) error {
	res, err := u.s.col(ColInvitations).UpdateOne(ctx,
		bson.M{"invitation_id": invitationID},
		bson.M{"$set": bson.M{"accepted": true, "accepted_by": userID}})
	if err != nil {
		return fmt.Errorf("mark invitation accepted: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mark invitation accepted: no invitation %s", invitationID)
	}
	return nil
}

func (u *UserStore) FindRoles(ctx context.Context, roleIDs []string) ([]auth.Role, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	cur, err := u.s.col(ColRoles).Find(ctx, bson.M{"role_id": bson.M{"$in": roleIDs}}, u.s.findOptions())
	if err != nil {
		return nil, fmt.Errorf("find roles: %w", err)
	}
	var out []auth.Role
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	return out, nil
}
