package history

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

	"github.com/tidevault/tidevault/internal/model"
	"github.com/tidevault/tidevault/internal/tablestore"
)

func testService(t *testing.T) *Service {
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

	return New(tablestore.New(gdb), zap.NewNop())
}

func completedResult(databaseID string, tier model.Tier, createdAt time.Time) *model.BackupResult {
	job := model.NewBackupJob(&model.Database{
		ID:           databaseID,
		Name:         "db",
		DatabaseType: model.EngineMySQL,
		Host:         "h",
		Port:         3306,
		DatabaseName: "d",
	}, model.TriggerScheduler, tier, createdAt)
	r := model.NewBackupResult(job, createdAt)
	r.MarkStarted(createdAt)
	r.MarkCompleted("mysql/x/y.sql.gz", "file:///b", 100, "sql.gz", createdAt.Add(10*time.Second))
	return r
}

func TestSaveIsIdempotentPerLifecycle(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	created := time.Date(2026, 8, 24, 2, 0, 0, 0, time.UTC)

	job := model.NewBackupJob(&model.Database{ID: "db-1", DatabaseType: model.EngineMySQL}, model.TriggerScheduler, model.TierDaily, created)
	r := model.NewBackupResult(job, created)

	require.NoError(t, s.SaveResult(ctx, r))
	r.MarkStarted(created.Add(time.Second))
	require.NoError(t, s.SaveResult(ctx, r))
	r.MarkCompleted("b", "u", 1, "sql", created.Add(2*time.Second))
	require.NoError(t, s.SaveResult(ctx, r))

	results, total, _, err := s.List(ctx, Filter{DatabaseID: "db-1"}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total, "lifecycle saves must land on one row")
	assert.Equal(t, model.StatusCompleted, results[0].Status)
}

func TestListNewestFirstAndPaged(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 20, 2, 0, 0, 0, time.UTC)

	for day := 0; day < 5; day++ {
		require.NoError(t, s.SaveResult(ctx, completedResult("db-1", model.TierDaily, base.AddDate(0, 0, day))))
	}

	page1, total, hasMore, err := s.List(ctx, Filter{DatabaseID: "db-1"}, Page{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.True(t, hasMore)
	require.Len(t, page1, 2)
	assert.Equal(t, "2026-08-24", model.DatePartition(page1[0].CreatedAt))
	assert.Equal(t, "2026-08-23", model.DatePartition(page1[1].CreatedAt))

	page3, _, hasMore, err := s.List(ctx, Filter{DatabaseID: "db-1"}, Page{Offset: 4, Limit: 2})
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, page3, 1)
	assert.Equal(t, "2026-08-20", model.DatePartition(page3[0].CreatedAt))
}

func TestListFilters(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 20, 2, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveResult(ctx, completedResult("db-1", model.TierDaily, base)))
	require.NoError(t, s.SaveResult(ctx, completedResult("db-1", model.TierWeekly, base.AddDate(0, 0, 1))))
	require.NoError(t, s.SaveResult(ctx, completedResult("db-2", model.TierDaily, base.AddDate(0, 0, 2))))

	failed := completedResult("db-1", model.TierDaily, base.AddDate(0, 0, 3))
	failed.Status = model.StatusFailed
	require.NoError(t, s.SaveResult(ctx, failed))

	byTier, total, _, err := s.List(ctx, Filter{DatabaseID: "db-1", Tier: model.TierWeekly}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, model.TierWeekly, byTier[0].Tier)

	byStatus, total, _, err := s.List(ctx, Filter{Status: model.StatusFailed}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, model.StatusFailed, byStatus[0].Status)

	byRange, total, _, err := s.List(ctx, Filter{From: base.AddDate(0, 0, 1), To: base.AddDate(0, 0, 2)}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	_ = byRange

	_, total, _, err = s.List(ctx, Filter{DatabaseIDs: []string{"db-2", "db-9"}}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, total, _, err = s.List(ctx, Filter{TriggeredBy: model.TriggerScheduler}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 4, total)

	_, total, _, err = s.List(ctx, Filter{DatabaseType: model.EnginePostgreSQL}, Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestLastBackupForTier(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 20, 2, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveResult(ctx, completedResult("db-1", model.TierDaily, base)))
	require.NoError(t, s.SaveResult(ctx, completedResult("db-1", model.TierDaily, base.AddDate(0, 0, 2))))
	require.NoError(t, s.SaveResult(ctx, completedResult("db-1", model.TierWeekly, base.AddDate(0, 0, 1))))

	// Failed runs never count as the last backup.
	failed := completedResult("db-1", model.TierDaily, base.AddDate(0, 0, 3))
	failed.Status = model.StatusFailed
	require.NoError(t, s.SaveResult(ctx, failed))

	last, err := s.LastBackupFor(ctx, "db-1", model.TierDaily)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "2026-08-22", model.DatePartition(last.CreatedAt))

	none, err := s.LastBackupFor(ctx, "db-1", model.TierMonthly)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestLastBackupLegacyNoTierCountsAsDaily(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 20, 2, 0, 0, 0, time.UTC)

	legacy := completedResult("db-1", "", base)
	require.NoError(t, s.SaveResult(ctx, legacy))

	last, err := s.LastBackupFor(ctx, "db-1", model.TierDaily)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, legacy.ID, last.ID)
}

func TestGetAndDelete(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	r := completedResult("db-1", model.TierDaily, time.Date(2026, 8, 24, 2, 0, 0, 0, time.UTC))
	require.NoError(t, s.SaveResult(ctx, r))

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)

	require.NoError(t, s.Delete(ctx, got))
	_, err = s.Get(ctx, r.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, got), ErrNotFound)
}
