// Package secrets resolves database credentials at execution time. The
// catalog stores secret names, never secret values, unless the deployment
// explicitly opts into plaintext mode for local development.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when the named secret does not exist.
var ErrNotFound = errors.New("secret not found")

// Resolver fetches secret values by name.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// envResolver reads secrets from environment variables. Secret names are
// mapped to variables by uppercasing and replacing every non-alphanumeric
// rune with an underscore: "db-orders-password" reads DB_ORDERS_PASSWORD.
type envResolver struct {
	prefix string
}

// NewEnv returns a Resolver backed by environment variables with the given
// prefix prepended to every mapped name.
func NewEnv(prefix string) Resolver {
	return &envResolver{prefix: prefix}
}

// EnvName maps a secret name to its environment variable form.
func EnvName(prefix, name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
	return prefix + mapped
}

func (r *envResolver) Resolve(_ context.Context, name string) (string, error) {
	key := EnvName(r.prefix, name)
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("secrets: %q (env %s): %w", name, key, ErrNotFound)
	}
	return v, nil
}

// fileResolver reads secrets from files in a directory, one file per secret,
// the layout used by container secret mounts. Values are trimmed of a
// single trailing newline.
type fileResolver struct {
	dir string

	mu    sync.Mutex
	cache map[string]string
}

// NewFile returns a Resolver that reads dir/<name> per secret.
func NewFile(dir string) Resolver {
	return &fileResolver{dir: dir, cache: map[string]string{}}
}

func (r *fileResolver) Resolve(_ context.Context, name string) (string, error) {
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("secrets: invalid name %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.cache[name]; ok {
		return v, nil
	}

	data, err := os.ReadFile(filepath.Join(r.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("secrets: %q: %w", name, ErrNotFound)
		}
		return "", fmt.Errorf("secrets: read %q: %w", name, err)
	}

	v := strings.TrimSuffix(string(data), "\n")
	r.cache[name] = v
	return v, nil
}

// Static is a fixed in-memory Resolver, used by tests.
type Static map[string]string

func (s Static) Resolve(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("secrets: %q: %w", name, ErrNotFound)
	}
	return v, nil
}
