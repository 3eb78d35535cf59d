package queue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	_ "modernc.org/sqlite"
)

func testQueue(t *testing.T) Queue {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&message{}))

	return New(gdb, "backup-jobs")
}

func TestEnqueueReceiveDelete(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, `{"id":"job-1"}`))

	msgs, err := q.Receive(ctx, 5, 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"id":"job-1"}`, msgs[0].Body)
	assert.Equal(t, 1, msgs[0].DequeueCount)
	assert.NotEmpty(t, msgs[0].PopReceipt)

	require.NoError(t, q.Delete(ctx, msgs[0].ID, msgs[0].PopReceipt))

	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReceiveHidesLeasedMessages(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a"))

	first, err := q.Receive(ctx, 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := q.Receive(ctx, 5, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, second, "leased message must stay invisible")
}

func TestVisibilityTimeoutReappears(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a"))

	first, err := q.Receive(ctx, 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)

	time.Sleep(20 * time.Millisecond)

	second, err := q.Receive(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, 2, second[0].DequeueCount)

	// Old receipt is stale after the re-receive.
	assert.ErrorIs(t, q.Delete(ctx, first[0].ID, first[0].PopReceipt), ErrNotFound)
	assert.NoError(t, q.Delete(ctx, second[0].ID, second[0].PopReceipt))
}

func TestReceiveBatchOldestFirst(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "first"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, "second"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, "third"))

	msgs, err := q.Receive(ctx, 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Body)
	assert.Equal(t, "second", msgs[1].Body)
}

func TestUpdateVisibility(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a"))
	msgs, err := q.Receive(ctx, 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, q.UpdateVisibility(ctx, msgs[0].ID, msgs[0].PopReceipt, time.Hour))
	time.Sleep(20 * time.Millisecond)

	again, err := q.Receive(ctx, 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "extended lease must keep the message hidden")

	assert.ErrorIs(t, q.UpdateVisibility(ctx, msgs[0].ID, "bogus-receipt", time.Hour), ErrNotFound)
}

func TestQueuesAreIsolated(t *testing.T) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&message{}))

	jobs := New(gdb, "backup-jobs")
	other := New(gdb, "other")
	ctx := context.Background()

	require.NoError(t, jobs.Enqueue(ctx, "a"))

	msgs, err := other.Receive(ctx, 5, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	n, err := jobs.Length(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
