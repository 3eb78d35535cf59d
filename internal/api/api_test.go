package api

import (
	"bytes"
	"context"
	"database/sql"
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

	"github.com/tidevault/tidevault/internal/audit"
	"github.com/tidevault/tidevault/internal/auth"
	"github.com/tidevault/tidevault/internal/blob"
	"github.com/tidevault/tidevault/internal/catalog"
	"github.com/tidevault/tidevault/internal/history"
	"github.com/tidevault/tidevault/internal/model"
	"github.com/tidevault/tidevault/internal/pipeline"
	"github.com/tidevault/tidevault/internal/queue"
	"github.com/tidevault/tidevault/internal/scheduler"
	"github.com/tidevault/tidevault/internal/secrets"
	"github.com/tidevault/tidevault/internal/tablestore"
)

type apiFixture struct {
	router  http.Handler
	catalog *catalog.Service
	history *history.Service
	blobs   blob.Store
	queue   queue.Queue
}

func newAPIFixture(t *testing.T) *apiFixture {
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

	type message struct {
		ID           string    `gorm:"primaryKey"`
		QueueName    string    `gorm:"not null"`
		Body         string    `gorm:"type:text;not null"`
		DequeueCount int       `gorm:"not null;default:0"`
		VisibleAt    time.Time `gorm:"not null"`
		PopReceipt   string    `gorm:"not null"`
		EnqueuedAt   time.Time `gorm:"not null"`
	}
	require.NoError(t, gdb.Table("queue_messages").AutoMigrate(&message{}))

	store := tablestore.New(gdb)
	log := zap.NewNop()

	cat := catalog.New(store, log, catalog.WithPlaintextSecrets())
	hist := history.New(store, log)
	aud := audit.New(store, log)

	blobs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)

	resolver := secrets.Static{"pw": "s3cret"}
	pl := pipeline.New(pipeline.Config{
		Blobs:   blobs,
		Secrets: resolver,
		Logger:  log,
	})

	q := queue.New(gdb, "backup-jobs")
	sched, err := scheduler.New(scheduler.Config{
		Catalog: cat,
		History: hist,
		Queue:   q,
		Logger:  log,
	})
	require.NoError(t, err)

	jwtMgr, err := auth.NewJWTManagerGenerated("tidevault-test")
	require.NoError(t, err)
	authSvc := auth.NewService(cat, aud, jwtMgr, log)

	require.NoError(t, cat.SeedDefaultPolicies(context.Background()))

	router := NewRouter(RouterConfig{
		Auth:      authSvc,
		Catalog:   cat,
		History:   hist,
		Audit:     aud,
		Blobs:     blobs,
		Pipeline:  pl,
		Queue:     q,
		Scheduler: sched,
		Secrets:   resolver,
		Logger:    log,
	})

	return &apiFixture{
		router:  router,
		catalog: cat,
		history: hist,
		blobs:   blobs,
		queue:   q,
	}
}

func (f *apiFixture) createUser(t *testing.T, email string, role model.Role) {
	t.Helper()
	_, err := f.catalog.CreateUser(context.Background(), email, "Test User", "hunter2!", role)
	require.NoError(t, err)
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

// login authenticates over HTTP and returns the issued token.
func (f *apiFixture) login(t *testing.T, email, password string) string {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    email,
		"password": password,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.Token)
	return resp.Data.Token
}

// decodeData unmarshals the "data" member of a success envelope into dst.
func decodeData(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NoError(t, json.Unmarshal(resp.Data, dst))
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.Error.Code
}

func TestLoginAndMe(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "admin@example.com", model.RoleAdmin)

	token := f.login(t, "admin@example.com", "hunter2!")

	rr := f.do(t, http.MethodGet, "/api/v1/users/me", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var me userResponse
	decodeData(t, rr, &me)
	assert.Equal(t, "admin@example.com", me.Email)
	assert.Equal(t, "admin", me.Role)
	assert.True(t, me.Enabled)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "admin@example.com", model.RoleAdmin)

	rr := f.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "admin@example.com",
		"password": "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "invalid_credentials", errorCode(t, rr))
}

func TestAuthenticationRequired(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/api/v1/engines", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/v1/engines", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestViewerCannotWrite(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "viewer@example.com", model.RoleViewer)
	token := f.login(t, "viewer@example.com", "hunter2!")

	rr := f.do(t, http.MethodGet, "/api/v1/engines", token, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/v1/engines", token, map[string]any{
		"name":        "prod-mysql",
		"engine_type": "mysql",
		"host":        "db1.internal",
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// User management is admin-only, even for reads.
	rr = f.do(t, http.MethodGet, "/api/v1/users", token, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestOperatorCannotManageUsers(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "op@example.com", model.RoleOperator)
	token := f.login(t, "op@example.com", "hunter2!")

	rr := f.do(t, http.MethodGet, "/api/v1/users", token, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/v1/access-requests", token, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestEngineCRUD(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "admin@example.com", model.RoleAdmin)
	token := f.login(t, "admin@example.com", "hunter2!")

	rr := f.do(t, http.MethodPost, "/api/v1/engines", token, map[string]any{
		"name":        "prod-mysql",
		"engine_type": "mysql",
		"host":        "db1.internal",
		"port":        3306,
		"username":    "backup",
		"password":    "topsecret",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var created engineResponse
	decodeData(t, rr, &created)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "prod-mysql", created.Name)
	assert.True(t, created.HasPassword)
	assert.NotContains(t, rr.Body.String(), "topsecret")

	rr = f.do(t, http.MethodGet, "/api/v1/engines/"+created.ID, token, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodPut, "/api/v1/engines/"+created.ID, token, map[string]any{
		"name":        "prod-mysql-01",
		"engine_type": "mysql",
		"host":        "db1.internal",
		"port":        3306,
		"username":    "backup",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var updated engineResponse
	decodeData(t, rr, &updated)
	assert.Equal(t, "prod-mysql-01", updated.Name)

	rr = f.do(t, http.MethodGet, "/api/v1/engines", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list []engineResponse
	decodeData(t, rr, &list)
	require.Len(t, list, 1)

	rr = f.do(t, http.MethodDelete, "/api/v1/engines/"+created.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/v1/engines/"+created.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDatabaseCRUDAndTrigger(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "admin@example.com", model.RoleAdmin)
	token := f.login(t, "admin@example.com", "hunter2!")

	rr := f.do(t, http.MethodPost, "/api/v1/databases", token, map[string]any{
		"name":                 "Orders",
		"database_type":        "mysql",
		"host":                 "db1.internal",
		"port":                 3306,
		"database_name":        "orders",
		"username":             "backup",
		"password_secret_name": "pw",
		"policy_id":            "production-standard",
		"enabled":              true,
		"compression":          true,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var created databaseResponse
	decodeData(t, rr, &created)
	require.NotEmpty(t, created.ID)

	rr = f.do(t, http.MethodPost, "/api/v1/databases/"+created.ID+"/trigger", token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var trig struct {
		JobID string `json:"job_id"`
	}
	decodeData(t, rr, &trig)
	assert.NotEmpty(t, trig.JobID)

	msgs, err := f.queue.Receive(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	job, err := model.DecodeBackupJob(msgs[0].Body)
	require.NoError(t, err)
	assert.Equal(t, created.ID, job.DatabaseID)
	assert.Equal(t, model.TriggerManual, job.TriggeredBy)

	rr = f.do(t, http.MethodDelete, "/api/v1/databases/"+created.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestDatabaseListFilters(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "admin@example.com", model.RoleAdmin)
	token := f.login(t, "admin@example.com", "hunter2!")
	ctx := context.Background()

	require.NoError(t, f.catalog.CreateDatabase(ctx, &model.Database{
		Name: "Orders", DatabaseType: model.EngineMySQL, Host: "db1.internal",
		DatabaseName: "orders", Username: "backup", PasswordSecretName: "pw", Enabled: true,
	}))
	require.NoError(t, f.catalog.CreateDatabase(ctx, &model.Database{
		Name: "Billing", DatabaseType: model.EnginePostgreSQL, Host: "db2.internal",
		DatabaseName: "billing", Username: "backup", PasswordSecretName: "pw",
	}))

	list := func(query string) []databaseResponse {
		rr := f.do(t, http.MethodGet, "/api/v1/databases"+query, token, nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var items []databaseResponse
		decodeData(t, rr, &items)
		return items
	}

	assert.Len(t, list(""), 2)

	mysql := list("?type=mysql")
	require.Len(t, mysql, 1)
	assert.Equal(t, "Orders", mysql[0].Name)

	enabled := list("?enabled_only=true")
	require.Len(t, enabled, 1)
	assert.Equal(t, "Orders", enabled[0].Name)

	found := list("?search=bill")
	require.Len(t, found, 1)
	assert.Equal(t, "Billing", found[0].Name)

	assert.Empty(t, list("?host=db2.internal&type=mysql"))
}

func TestDatabaseDeleteCascadesBackups(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "admin@example.com", model.RoleAdmin)
	token := f.login(t, "admin@example.com", "hunter2!")
	ctx := context.Background()

	d := &model.Database{
		Name: "Orders", DatabaseType: model.EngineMySQL, Host: "db1.internal",
		DatabaseName: "orders", Username: "backup", PasswordSecretName: "pw", Enabled: true,
	}
	require.NoError(t, f.catalog.CreateDatabase(ctx, d))

	now := time.Date(2026, 8, 24, 2, 0, 0, 0, time.UTC)
	blobName := "orders/20260824T020000_orders.sql.gz"
	_, err := f.blobs.Put(ctx, blobName, blob.ContentTypeGzip, bytes.NewReader([]byte("dump")))
	require.NoError(t, err)

	job := model.NewBackupJob(d, model.TriggerScheduler, model.TierDaily, now)
	completed := model.NewBackupResult(job, now)
	completed.MarkStarted(now)
	completed.MarkCompleted(blobName, "file://"+blobName, 4, "sql.gz", now.Add(time.Second))
	require.NoError(t, f.history.SaveResult(ctx, completed))

	// A failed run with no artifact is swept up too.
	failedJob := model.NewBackupJob(d, model.TriggerScheduler, model.TierDaily, now.Add(time.Hour))
	failed := model.NewBackupResult(failedJob, now.Add(time.Hour))
	failed.MarkStarted(now.Add(time.Hour))
	failed.MarkFailed("mysqldump exited 2", "execution", now.Add(time.Hour))
	require.NoError(t, f.history.SaveResult(ctx, failed))

	rr := f.do(t, http.MethodDelete, "/api/v1/databases/"+d.ID+"?delete_backups=true", token, nil)
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	_, total, _, err := f.history.List(ctx, history.Filter{DatabaseID: d.ID}, history.Page{})
	require.NoError(t, err)
	assert.Zero(t, total, "history rows removed with the database")

	_, _, err = f.blobs.Open(ctx, blobName)
	assert.ErrorIs(t, err, blob.ErrNotFound, "stored artifact removed with the database")
}

func TestDatabaseDeleteKeepsHistoryByDefault(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "admin@example.com", model.RoleAdmin)
	token := f.login(t, "admin@example.com", "hunter2!")
	ctx := context.Background()

	d := &model.Database{
		Name: "Orders", DatabaseType: model.EngineMySQL, Host: "db1.internal",
		DatabaseName: "orders", Username: "backup", PasswordSecretName: "pw", Enabled: true,
	}
	require.NoError(t, f.catalog.CreateDatabase(ctx, d))

	now := time.Date(2026, 8, 24, 2, 0, 0, 0, time.UTC)
	job := model.NewBackupJob(d, model.TriggerScheduler, model.TierDaily, now)
	result := model.NewBackupResult(job, now)
	result.MarkStarted(now)
	result.MarkCompleted("orders/b.sql.gz", "file://orders/b.sql.gz", 4, "sql.gz", now.Add(time.Second))
	require.NoError(t, f.history.SaveResult(ctx, result))

	rr := f.do(t, http.MethodDelete, "/api/v1/databases/"+d.ID, token, nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	_, total, _, err := f.history.List(ctx, history.Filter{DatabaseID: d.ID}, history.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total, "history survives a plain delete")
}

func TestDatabaseNotFound(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "admin@example.com", model.RoleAdmin)
	token := f.login(t, "admin@example.com", "hunter2!")

	rr := f.do(t, http.MethodGet, "/api/v1/databases/missing", token, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "not_found", errorCode(t, rr))
}

func TestSystemPolicyCannotBeDeleted(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "admin@example.com", model.RoleAdmin)
	token := f.login(t, "admin@example.com", "hunter2!")

	rr := f.do(t, http.MethodDelete, "/api/v1/backup-policies/production-critical", token, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "system_policy", errorCode(t, rr))
}

func TestBackupListAndDownload(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "admin@example.com", model.RoleAdmin)
	token := f.login(t, "admin@example.com", "hunter2!")
	ctx := context.Background()

	d := &model.Database{
		Name:               "Orders",
		DatabaseType:       model.EngineMySQL,
		Host:               "db1.internal",
		DatabaseName:       "orders",
		Username:           "backup",
		PasswordSecretName: "pw",
		Enabled:            true,
	}
	require.NoError(t, f.catalog.CreateDatabase(ctx, d))

	content := []byte("-- dump contents\n")
	blobName := "orders/20260824T020000_orders.sql.gz"
	_, err := f.blobs.Put(ctx, blobName, blob.ContentTypeGzip, bytes.NewReader(content))
	require.NoError(t, err)

	now := time.Date(2026, 8, 24, 2, 0, 0, 0, time.UTC)
	job := model.NewBackupJob(d, model.TriggerScheduler, model.TierDaily, now)
	result := model.NewBackupResult(job, now)
	result.MarkStarted(now)
	result.MarkCompleted(blobName, "file://"+blobName, int64(len(content)), "sql.gz", now.Add(5*time.Second))
	require.NoError(t, f.history.SaveResult(ctx, result))

	rr := f.do(t, http.MethodGet, "/api/v1/backups?database_id="+d.ID+"&status=completed", token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var page listBackupsResponse
	decodeData(t, rr, &page)
	require.Len(t, page.Items, 1)
	assert.Equal(t, 1, page.Total)
	assert.False(t, page.HasMore)
	assert.Equal(t, "completed", page.Items[0].Status)

	rr = f.do(t, http.MethodGet, "/api/v1/backups/"+result.ID+"/download", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, content, rr.Body.Bytes())
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "attachment")

	rr = f.do(t, http.MethodDelete, "/api/v1/backups/"+result.ID, token, nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	_, _, err = f.blobs.Open(ctx, blobName)
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestAccessRequestFlow(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "admin@example.com", model.RoleAdmin)
	adminToken := f.login(t, "admin@example.com", "hunter2!")

	// Submission is public.
	rr := f.do(t, http.MethodPost, "/api/v1/access-requests", "", map[string]string{
		"email":        "newhire@example.com",
		"display_name": "New Hire",
		"reason":       "need read access to backup status",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var submitted accessRequestResponse
	decodeData(t, rr, &submitted)
	require.NotEmpty(t, submitted.ID)
	assert.Equal(t, "pending", submitted.Status)

	rr = f.do(t, http.MethodGet, "/api/v1/access-requests?status=pending", adminToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var pending []accessRequestResponse
	decodeData(t, rr, &pending)
	require.Len(t, pending, 1)

	rr = f.do(t, http.MethodPost, "/api/v1/access-requests/"+submitted.ID+"/approve", adminToken, map[string]string{
		"password": "newpass123!",
		"role":     "viewer",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var granted userResponse
	decodeData(t, rr, &granted)
	assert.Equal(t, "newhire@example.com", granted.Email)
	assert.Equal(t, "viewer", granted.Role)

	// The approved account can log in straight away.
	f.login(t, "newhire@example.com", "newpass123!")
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "admin@example.com", model.RoleAdmin)
	token := f.login(t, "admin@example.com", "hunter2!")

	rr := f.do(t, http.MethodGet, "/api/v1/settings", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var defaults settingsResponse
	decodeData(t, rr, &defaults)
	assert.True(t, defaults.RetentionEnabled)

	rr = f.do(t, http.MethodPut, "/api/v1/settings", token, map[string]any{
		"default_policy_id": "development",
		"retention_enabled": false,
		"notify_on_failure": true,
		"notify_email":      "ops@example.com",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodGet, "/api/v1/settings", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var got settingsResponse
	decodeData(t, rr, &got)
	assert.Equal(t, "development", got.DefaultPolicyID)
	assert.False(t, got.RetentionEnabled)
	assert.Equal(t, "ops@example.com", got.NotifyEmail)
	assert.Equal(t, "admin@example.com", got.UpdatedBy)
}

func TestUserSelfDeleteRejected(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "admin@example.com", model.RoleAdmin)
	token := f.login(t, "admin@example.com", "hunter2!")

	rr := f.do(t, http.MethodDelete, "/api/v1/users/admin@example.com", token, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "cannot delete your own account")
}

func TestAuditTrailRecordsWrites(t *testing.T) {
	f := newAPIFixture(t)
	f.createUser(t, "admin@example.com", model.RoleAdmin)
	token := f.login(t, "admin@example.com", "hunter2!")

	rr := f.do(t, http.MethodPost, "/api/v1/engines", token, map[string]any{
		"name":        "prod-mysql",
		"engine_type": "mysql",
		"host":        "db1.internal",
		"port":        3306,
		"username":    "backup",
		"password":    "topsecret",
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/v1/audit?action="+string(model.ActionEngineCreated), token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var entries []auditEntryResponse
	decodeData(t, rr, &entries)
	require.NotEmpty(t, entries)
	assert.Equal(t, "admin@example.com", entries[0].UserID)
	assert.Equal(t, string(model.ResourceEngine), entries[0].ResourceType)
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var health struct {
		Status         string   `json:"status"`
		Database       string   `json:"database"`
		BlobStore      string   `json:"blob_store"`
		QueueDepth     int64    `json:"queue_depth"`
		SuccessRate24h *float64 `json:"success_rate_24h"`
	}
	decodeData(t, rr, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ok", health.Database)
	assert.Equal(t, "ok", health.BlobStore)
	assert.Zero(t, health.QueueDepth)
	assert.Nil(t, health.SuccessRate24h, "no backups in the last 24h")
}
