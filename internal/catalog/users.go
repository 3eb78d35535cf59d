package catalog

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/tidevault/tidevault/internal/model"
)

// CreateUser stores a new account. The email is normalized to lowercase and
// doubles as the record key.
func (s *Service) CreateUser(ctx context.Context, email, displayName, password string, role model.Role) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, validationf("A valid email is required")
	}
	if !model.ValidRole(string(role)) {
		return nil, validationf("Unknown role %q", role)
	}
	if len(password) < 8 {
		return nil, validationf("Password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("catalog: hash password: %w", err)
	}

	now := model.EnsureNaiveUTC(s.now())
	u := &model.User{
		Email:        email,
		DisplayName:  displayName,
		Role:         role,
		Enabled:      true,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Insert(ctx, model.TableUsers, u.ToEntity()); err != nil {
		return nil, fmt.Errorf("catalog: create user: %w", err)
	}
	s.log.Info("user created", zap.String("email", email), zap.String("role", string(role)))
	return u, nil
}

// GetUser retrieves one account by email.
func (s *Service) GetUser(ctx context.Context, email string) (*model.User, error) {
	ent, err := s.store.Get(ctx, model.TableUsers, model.PartitionUsers, strings.ToLower(email))
	if err != nil {
		return nil, notFound(err)
	}
	return model.UserFromEntity(ent), nil
}

// ListUsers returns every account.
func (s *Service) ListUsers(ctx context.Context) ([]*model.User, error) {
	ents, err := s.store.ListPartition(ctx, model.TableUsers, model.PartitionUsers)
	if err != nil {
		return nil, fmt.Errorf("catalog: list users: %w", err)
	}
	out := make([]*model.User, 0, len(ents))
	for _, ent := range ents {
		out = append(out, model.UserFromEntity(ent))
	}
	return out, nil
}

// UpdateUser replaces role, display name and enabled state. Password changes
// go through SetUserPassword.
func (s *Service) UpdateUser(ctx context.Context, u *model.User) error {
	current, err := s.GetUser(ctx, u.Email)
	if err != nil {
		return err
	}
	if !model.ValidRole(string(u.Role)) {
		return validationf("Unknown role %q", u.Role)
	}

	u.PasswordHash = current.PasswordHash
	u.CreatedAt = current.CreatedAt
	u.CreatedBy = current.CreatedBy
	u.LastLogin = current.LastLogin
	u.UpdatedAt = model.EnsureNaiveUTC(s.now())

	if err := s.store.Upsert(ctx, model.TableUsers, u.ToEntity()); err != nil {
		return fmt.Errorf("catalog: update user: %w", err)
	}
	return nil
}

// SetUserPassword replaces an account's password hash.
func (s *Service) SetUserPassword(ctx context.Context, email, password string) error {
	if len(password) < 8 {
		return validationf("Password must be at least 8 characters")
	}
	u, err := s.GetUser(ctx, email)
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("catalog: hash password: %w", err)
	}
	u.PasswordHash = string(hash)
	u.UpdatedAt = model.EnsureNaiveUTC(s.now())

	if err := s.store.Upsert(ctx, model.TableUsers, u.ToEntity()); err != nil {
		return fmt.Errorf("catalog: set user password: %w", err)
	}
	return nil
}

// DeleteUser removes an account.
func (s *Service) DeleteUser(ctx context.Context, email string) error {
	if err := s.store.Delete(ctx, model.TableUsers, model.PartitionUsers, strings.ToLower(email)); err != nil {
		return notFound(err)
	}
	s.log.Info("user deleted", zap.String("email", email))
	return nil
}

// Authenticate checks credentials and stamps last_login on success.
// Disabled accounts fail the same way wrong passwords do.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*model.User, error) {
	u, err := s.GetUser(ctx, email)
	if err != nil {
		return nil, err
	}
	if !u.Enabled {
		return nil, ErrNotFound
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrNotFound
	}

	now := model.EnsureNaiveUTC(s.now())
	u.LastLogin = &now
	if err := s.store.Upsert(ctx, model.TableUsers, u.ToEntity()); err != nil {
		s.log.Warn("failed to stamp last_login", zap.String("email", email), zap.Error(err))
	}
	return u, nil
}
