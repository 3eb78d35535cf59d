package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	_ "modernc.org/sqlite"

	"github.com/tidevault/tidevault/internal/catalog"
	"github.com/tidevault/tidevault/internal/model"
	"github.com/tidevault/tidevault/internal/tablestore"
)

func testCatalog(t *testing.T) *catalog.Service {
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

	cat := catalog.New(tablestore.New(gdb), zap.NewNop())
	require.NoError(t, cat.SeedDefaultPolicies(context.Background()))
	return cat
}

func failedResult() *model.BackupResult {
	now := time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC)
	return &model.BackupResult{
		ID:           "r-1",
		DatabaseID:   "db-1",
		DatabaseName: "orders",
		DatabaseType: model.EngineMySQL,
		Status:       model.StatusFailed,
		ErrorMessage: "mysqldump exited 2",
		ErrorDetails: "backup_execution_error",
		CreatedAt:    now,
	}
}

func enableNotifications(t *testing.T, cat *catalog.Service, email string) {
	t.Helper()
	ctx := context.Background()
	settings, err := cat.GetSettings(ctx)
	require.NoError(t, err)
	settings.NotifyOnFailure = true
	settings.NotifyEmail = email
	require.NoError(t, cat.UpdateSettings(ctx, settings))
}

func TestBackupFailedPostsSignedWebhook(t *testing.T) {
	cat := testCatalog(t)
	enableNotifications(t, cat, "")

	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Tidevault-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(Config{
		Catalog: cat,
		Logger:  zap.NewNop(),
		Webhook: &WebhookConfig{URL: srv.URL, Secret: "hook-secret"},
	})
	s.BackupFailed(context.Background(), failedResult())

	require.NotEmpty(t, gotBody)

	var payload webhookPayload
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "backup.failed", payload.Type)
	assert.Contains(t, payload.Title, "orders")
	assert.Equal(t, "db-1", payload.Payload["database_id"])

	mac := hmac.New(sha256.New, []byte("hook-secret"))
	mac.Write(gotBody)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestBackupFailedRespectsSettingsGate(t *testing.T) {
	cat := testCatalog(t)
	// NotifyOnFailure defaults to false; no send expected.

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	s := New(Config{
		Catalog: cat,
		Logger:  zap.NewNop(),
		Webhook: &WebhookConfig{URL: srv.URL},
	})
	s.BackupFailed(context.Background(), failedResult())
	assert.False(t, called)
}

func TestBackupFailedToleratesDeliveryErrors(t *testing.T) {
	cat := testCatalog(t)
	enableNotifications(t, cat, "")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := New(Config{
		Catalog: cat,
		Logger:  zap.NewNop(),
		Webhook: &WebhookConfig{URL: srv.URL},
	})

	// Must not panic or propagate the failure.
	s.BackupFailed(context.Background(), failedResult())
}
