package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvName(t *testing.T) {
	assert.Equal(t, "TIDEVAULT_SECRET_DB_ORDERS_PASSWORD", EnvName("TIDEVAULT_SECRET_", "db-orders-password"))
	assert.Equal(t, "PREFIX_A_B_C", EnvName("PREFIX_", "a.b/c"))
}

func TestEnvResolver(t *testing.T) {
	t.Setenv("TIDEVAULT_SECRET_DB_ORDERS_PASSWORD", "hunter2")

	r := NewEnv("TIDEVAULT_SECRET_")
	v, err := r.Resolve(context.Background(), "db-orders-password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	_, err = r.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileResolver(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "db-orders-password"), []byte("hunter2\n"), 0o600))

	r := NewFile(dir)
	v, err := r.Resolve(context.Background(), "db-orders-password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v, "trailing newline must be trimmed")

	_, err = r.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Resolve(context.Background(), "../etc/passwd")
	assert.Error(t, err)
}

func TestCipherRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	c, err := NewCipher(key)
	require.NoError(t, err)

	sealed, err := c.EncryptString("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", sealed)
	assert.NotContains(t, sealed, "hunter2")

	plain, err := c.DecryptString(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)

	// Empty values pass through unsealed.
	sealed, err = c.EncryptString("")
	require.NoError(t, err)
	assert.Empty(t, sealed)
}

func TestCipherRejectsBadInput(t *testing.T) {
	_, err := NewCipher([]byte("short"))
	assert.Error(t, err)

	c, err := NewCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	_, err = c.DecryptString("not-base64!!")
	assert.Error(t, err)

	// Valid base64 but sealed with a different key.
	other, err := NewCipher([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	sealed, err := other.EncryptString("hunter2")
	require.NoError(t, err)
	_, err = c.DecryptString(sealed)
	assert.Error(t, err)
}

func TestStatic(t *testing.T) {
	r := Static{"a": "1"}

	v, err := r.Resolve(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	_, err = r.Resolve(context.Background(), "b")
	assert.ErrorIs(t, err, ErrNotFound)
}
