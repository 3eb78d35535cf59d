// Package catalog is the configuration store for engines, databases, backup
// policies, users and application settings. Everything lives in the shared
// entity tables; this package owns validation, referential rules (policy in
// use, engine with databases) and credential handling.
package catalog

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/secrets"
	"github.com/tidevault/tidevault/internal/tablestore"
)

// ErrNotFound is returned when the requested record does not exist. Check
// with errors.Is.
var ErrNotFound = errors.New("record not found")

// ErrSystemPolicy is returned on attempts to delete or rename a seeded
// system policy.
var ErrSystemPolicy = errors.New("System policies cannot be deleted")

// ValidationError reports a rejected field value. The message is safe to
// return to API clients verbatim.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// InUseError is returned when a delete is rejected because other records
// still reference the target.
type InUseError struct {
	Message string
	Count   int
}

func (e *InUseError) Error() string { return e.Message }

// Service exposes catalog operations over the entity store.
type Service struct {
	store tablestore.Store
	log   *zap.Logger

	// allowPlaintext stores passwords in the catalog instead of requiring a
	// secret name. Development only.
	allowPlaintext bool

	// cipher seals catalog-stored passwords at rest. Nil stores them verbatim.
	cipher *secrets.Cipher

	now func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPlaintextSecrets enables storing plaintext passwords in the catalog.
func WithPlaintextSecrets() Option {
	return func(s *Service) { s.allowPlaintext = true }
}

// WithCipher accepts plaintext passwords like WithPlaintextSecrets but seals
// them with the master key before they reach the entity store.
func WithCipher(c *secrets.Cipher) Option {
	return func(s *Service) {
		s.allowPlaintext = true
		s.cipher = c
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a catalog Service over the given store.
func New(store tablestore.Store, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store: store,
		log:   log.Named("catalog"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// notFound translates the store's sentinel into the catalog's.
func notFound(err error) error {
	if errors.Is(err, tablestore.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// sealPassword encrypts a stored password when a cipher is configured.
func (s *Service) sealPassword(pw string) (string, error) {
	if s.cipher == nil || pw == "" {
		return pw, nil
	}
	sealed, err := s.cipher.EncryptString(pw)
	if err != nil {
		return "", fmt.Errorf("catalog: seal password: %w", err)
	}
	return sealed, nil
}

// openPassword reverses sealPassword on load.
func (s *Service) openPassword(pw string) (string, error) {
	if s.cipher == nil || pw == "" {
		return pw, nil
	}
	plain, err := s.cipher.DecryptString(pw)
	if err != nil {
		return "", fmt.Errorf("catalog: open password: %w", err)
	}
	return plain, nil
}
