package retention

import (
	"context"
	"database/sql"
	"strings"
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
	"github.com/tidevault/tidevault/internal/blob"
	"github.com/tidevault/tidevault/internal/catalog"
	"github.com/tidevault/tidevault/internal/history"
	"github.com/tidevault/tidevault/internal/model"
	"github.com/tidevault/tidevault/internal/tablestore"
)

type fixture struct {
	store     tablestore.Store
	catalog   *catalog.Service
	history   *history.Service
	audit     *audit.Service
	blobs     blob.Store
	retention *Service
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
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

	blobs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		store:   store,
		catalog: catalog.New(store, log),
		history: history.New(store, log),
		audit:   audit.New(store, log),
		blobs:   blobs,
		now:     time.Date(2026, 8, 24, 2, 0, 0, 0, time.UTC),
	}
	f.retention = New(Config{
		Catalog: f.catalog,
		History: f.history,
		Blobs:   blobs,
		Audit:   f.audit,
		Logger:  log,
	}).WithClock(func() time.Time { return f.now })

	require.NoError(t, f.catalog.SeedDefaultPolicies(context.Background()))
	return f
}

// seedCompleted writes a completed result with a real blob behind it.
func (f *fixture) seedCompleted(t *testing.T, databaseID string, tier model.Tier, createdAt time.Time) *model.BackupResult {
	t.Helper()
	ctx := context.Background()

	job := model.NewBackupJob(&model.Database{
		ID:           databaseID,
		DatabaseType: model.EngineMySQL,
		DatabaseName: "d",
	}, model.TriggerScheduler, tier, createdAt)
	r := model.NewBackupResult(job, createdAt)
	r.MarkStarted(createdAt)

	name := "mysql/" + databaseID + "/" + model.BlobTimestamp(createdAt) + ".sql.gz"
	_, err := f.blobs.Put(ctx, name, blob.ContentTypeGzip, strings.NewReader("x"))
	require.NoError(t, err)

	r.MarkCompleted(name, "file:///"+name, 1, "sql.gz", createdAt.Add(time.Second))
	require.NoError(t, f.history.SaveResult(ctx, r))
	return r
}

func (f *fixture) createDatabase(t *testing.T, policyID string) *model.Database {
	t.Helper()
	d := &model.Database{
		Name:               "Orders",
		DatabaseType:       model.EngineMySQL,
		Host:               "h",
		DatabaseName:       "orders",
		PasswordSecretName: "x",
		PolicyID:           policyID,
		Enabled:            true,
	}
	require.NoError(t, f.catalog.CreateDatabase(context.Background(), d))
	return d
}

func TestPruneKeepsNewestPerTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	custom := &model.BackupPolicy{
		Name:  "daily keep 2",
		Daily: model.TierConfig{Enabled: true, KeepCount: 2, Time: "02:00"},
	}
	require.NoError(t, f.catalog.CreatePolicy(ctx, custom))
	d := f.createDatabase(t, custom.ID)

	// Five dailies, D-1 .. D-5.
	for day := 1; day <= 5; day++ {
		f.seedCompleted(t, d.ID, model.TierDaily, f.now.AddDate(0, 0, -day))
	}

	require.NoError(t, f.retention.RunPass(ctx))

	remaining, err := f.history.CompletedForDatabase(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, "2026-08-23", model.DatePartition(remaining[0].CreatedAt))
	assert.Equal(t, "2026-08-22", model.DatePartition(remaining[1].CreatedAt))

	// Blobs go with their rows.
	blobs, err := f.blobs.List(ctx, "mysql/"+d.ID+"/")
	require.NoError(t, err)
	assert.Len(t, blobs, 2)
}

func TestDisabledTierNeverPrunes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	custom := &model.BackupPolicy{
		Name:   "weekly disabled",
		Daily:  model.TierConfig{Enabled: true, KeepCount: 10, Time: "02:00"},
		Weekly: model.TierConfig{Enabled: false, KeepCount: 0},
	}
	require.NoError(t, f.catalog.CreatePolicy(ctx, custom))
	d := f.createDatabase(t, custom.ID)

	for day := 1; day <= 4; day++ {
		f.seedCompleted(t, d.ID, model.TierWeekly, f.now.AddDate(0, 0, -7*day))
	}

	require.NoError(t, f.retention.RunPass(ctx))

	remaining, err := f.history.CompletedForDatabase(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, remaining, 4)
}

func TestKeepCountZeroDeletesAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	custom := &model.BackupPolicy{
		Name:   "no hourly retention",
		Hourly: model.TierConfig{Enabled: true, KeepCount: 0, IntervalHours: 1},
	}
	require.NoError(t, f.catalog.CreatePolicy(ctx, custom))
	d := f.createDatabase(t, custom.ID)

	for h := 1; h <= 3; h++ {
		f.seedCompleted(t, d.ID, model.TierHourly, f.now.Add(-time.Duration(h)*time.Hour))
	}

	require.NoError(t, f.retention.RunPass(ctx))

	remaining, err := f.history.CompletedForDatabase(ctx, d.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestLegacyNoTierPrunedUnderDaily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	custom := &model.BackupPolicy{
		Name:  "daily keep 1",
		Daily: model.TierConfig{Enabled: true, KeepCount: 1, Time: "02:00"},
	}
	require.NoError(t, f.catalog.CreatePolicy(ctx, custom))
	d := f.createDatabase(t, custom.ID)

	f.seedCompleted(t, d.ID, "", f.now.AddDate(0, 0, -1))
	f.seedCompleted(t, d.ID, "", f.now.AddDate(0, 0, -2))
	f.seedCompleted(t, d.ID, "", f.now.AddDate(0, 0, -3))

	require.NoError(t, f.retention.RunPass(ctx))

	remaining, err := f.history.CompletedForDatabase(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "2026-08-23", model.DatePartition(remaining[0].CreatedAt))
}

func TestResultsNewerThanObservationSurvive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	custom := &model.BackupPolicy{
		Name:  "daily keep 0",
		Daily: model.TierConfig{Enabled: true, KeepCount: 0, Time: "02:00"},
	}
	require.NoError(t, f.catalog.CreatePolicy(ctx, custom))
	d := f.createDatabase(t, custom.ID)

	f.seedCompleted(t, d.ID, model.TierDaily, f.now.AddDate(0, 0, -1))
	// Written "during" the pass, after its observation point.
	concurrent := f.seedCompleted(t, d.ID, model.TierDaily, f.now.Add(time.Minute))

	require.NoError(t, f.retention.RunPass(ctx))

	remaining, err := f.history.CompletedForDatabase(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, concurrent.ID, remaining[0].ID)
}

func TestMissingPolicyFallsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.createDatabase(t, "production-standard")
	// Point the stored record at a policy that no longer exists, the way a
	// policy deleted outside the referential checks would leave it.
	stored, err := f.catalog.GetDatabase(ctx, d.ID)
	require.NoError(t, err)
	stored.PolicyID = "deleted-policy"
	require.NoError(t, f.store.Upsert(ctx, model.TableCatalog, stored.ToEntity(false)))

	// production-standard keeps 7 dailies; seed 9.
	for day := 1; day <= 9; day++ {
		f.seedCompleted(t, d.ID, model.TierDaily, f.now.AddDate(0, 0, -day))
	}

	require.NoError(t, f.retention.RunPass(ctx))

	remaining, err := f.history.CompletedForDatabase(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, remaining, 7)
}
