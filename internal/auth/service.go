// Package auth issues and verifies the RS256 access tokens behind the API.
// Credential checks themselves live in the catalog; this package turns a
// successful check into a signed token and records the login.
package auth

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/audit"
	"github.com/tidevault/tidevault/internal/catalog"
	"github.com/tidevault/tidevault/internal/model"
)

// Service authenticates users and issues access tokens.
type Service struct {
	catalog *catalog.Service
	audit   *audit.Service
	jwt     *JWTManager
	log     *zap.Logger
}

// NewService returns an auth Service.
func NewService(cat *catalog.Service, aud *audit.Service, jwt *JWTManager, log *zap.Logger) *Service {
	return &Service{
		catalog: cat,
		audit:   aud,
		jwt:     jwt,
		log:     log.Named("auth"),
	}
}

// JWTManager exposes the token manager for the API's Authenticate middleware.
func (s *Service) JWTManager() *JWTManager { return s.jwt }

// Login verifies credentials and returns the user with a signed access
// token. Unknown accounts, disabled accounts and wrong passwords all come
// back as ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password string) (*model.User, string, error) {
	u, err := s.catalog.Authenticate(ctx, email, password)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			s.log.Warn("login rejected", zap.String("email", email))
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}

	token, err := s.jwt.GenerateAccessToken(u)
	if err != nil {
		return nil, "", err
	}

	s.audit.Record(ctx, model.AuditEntry{
		UserID:       u.Email,
		Action:       model.ActionUserLogin,
		ResourceType: model.ResourceUser,
		ResourceID:   u.Email,
		ResourceName: u.DisplayName,
	})
	return u, token, nil
}
