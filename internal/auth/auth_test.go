package auth

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	_ "modernc.org/sqlite"

	"github.com/tidevault/tidevault/internal/audit"
	"github.com/tidevault/tidevault/internal/catalog"
	"github.com/tidevault/tidevault/internal/model"
	"github.com/tidevault/tidevault/internal/tablestore"
)

func newService(t *testing.T) (*Service, *catalog.Service) {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	type record struct {
		TableName    string    `gorm:"column:table_name;primaryKey"`
		PartitionKey string    `gorm:"primaryKey"`
		RowKey       string    `gorm:"primaryKey"`
		Properties   string    `gorm:"type:text;not null"`
		UpdatedAt    time.Time `gorm:"not null"`
	}
	require.NoError(t, gdb.Table("entities").AutoMigrate(&record{}))

	store := tablestore.New(gdb)
	log := zap.NewNop()
	cat := catalog.New(store, log)

	jwt, err := NewJWTManagerGenerated("tidevault-test")
	require.NoError(t, err)

	return NewService(cat, audit.New(store, log), jwt, log), cat
}

func TestLoginIssuesVerifiableToken(t *testing.T) {
	svc, cat := newService(t)
	ctx := context.Background()

	_, err := cat.CreateUser(ctx, "ada@example.com", "Ada", "correct horse", model.RoleOperator)
	require.NoError(t, err)

	u, token, err := svc.Login(ctx, "ada@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", u.Email)
	require.NotEmpty(t, token)

	claims, err := svc.JWTManager().ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", claims.Email)
	assert.Equal(t, model.RoleOperator, claims.Role)
	assert.True(t, claims.CanWrite())
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	svc, cat := newService(t)
	ctx := context.Background()

	_, err := cat.CreateUser(ctx, "ada@example.com", "Ada", "correct horse", model.RoleViewer)
	require.NoError(t, err)

	_, _, err = svc.Login(ctx, "ada@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Login(ctx, "nobody@example.com", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginRejectsDisabledAccount(t *testing.T) {
	svc, cat := newService(t)
	ctx := context.Background()

	u, err := cat.CreateUser(ctx, "ada@example.com", "Ada", "correct horse", model.RoleViewer)
	require.NoError(t, err)
	u.Enabled = false
	require.NoError(t, cat.UpdateUser(ctx, u))

	_, _, err = svc.Login(ctx, "ada@example.com", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateRejectsForeignToken(t *testing.T) {
	a, err := NewJWTManagerGenerated("issuer-a")
	require.NoError(t, err)
	b, err := NewJWTManagerGenerated("issuer-a")
	require.NoError(t, err)

	token, err := a.GenerateAccessToken(&model.User{Email: "x@example.com", Role: model.RoleAdmin})
	require.NoError(t, err)

	_, err = a.ValidateAccessToken(token)
	require.NoError(t, err)

	// Same issuer string, different key pair.
	_, err = b.ValidateAccessToken(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
