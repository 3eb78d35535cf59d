package pipeline

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/blob"
	"github.com/tidevault/tidevault/internal/model"
	"github.com/tidevault/tidevault/internal/secrets"
)

// fakeTool writes an executable shell script and returns its path.
func fakeTool(t *testing.T, name, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func testPipeline(t *testing.T, tools map[string]string, cfg Config) (*Pipeline, blob.Store) {
	t.Helper()

	if cfg.Blobs == nil {
		store, err := blob.NewFS(t.TempDir())
		require.NoError(t, err)
		cfg.Blobs = store
	}
	cfg.Logger = zap.NewNop()

	p := New(cfg)
	p.lookPath = func(bin string) (string, error) {
		if path, ok := tools[bin]; ok {
			return path, nil
		}
		return "", fmt.Errorf("exec: %q: executable file not found in $PATH", bin)
	}
	p.now = func() time.Time { return time.Date(2026, 8, 24, 2, 0, 1, 0, time.UTC) }
	return p, cfg.Blobs
}

func mysqlJob(compression bool) model.BackupJob {
	return model.BackupJob{
		ID:             "job-1",
		DatabaseID:     "db-1",
		DatabaseName:   "Orders",
		DatabaseType:   model.EngineMySQL,
		Host:           "db1.internal",
		Port:           3306,
		TargetDatabase: "orders",
		Username:       "backup",
		Compression:    compression,
		TriggeredBy:    model.TriggerScheduler,
		Tier:           model.TierDaily,
	}
}

func TestRunCompressedDumpStreamsToBlob(t *testing.T) {
	tool := fakeTool(t, "mysqldump", `printf 'CREATE TABLE t (id INT);\n'`)
	p, store := testPipeline(t, map[string]string{"mysqldump": tool}, Config{})

	out, err := p.Run(context.Background(), mysqlJob(true), "pw")
	require.NoError(t, err)

	assert.Equal(t, "mysql/db-1/20260824_020001.sql.gz", out.BlobName)
	assert.Equal(t, "sql.gz", out.FileFormat)
	assert.Positive(t, out.FileSizeBytes)

	rc, info, err := store.Open(context.Background(), out.BlobName)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, blob.ContentTypeGzip, info.ContentType)

	gz, err := gzip.NewReader(rc)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE t (id INT);\n", string(data))
}

func TestRunUncompressedDump(t *testing.T) {
	tool := fakeTool(t, "pg_dump", `printf 'SELECT 1;\n'`)
	p, store := testPipeline(t, map[string]string{"pg_dump": tool}, Config{})

	job := mysqlJob(false)
	job.DatabaseType = model.EnginePostgreSQL
	job.Port = 5432

	out, err := p.Run(context.Background(), job, "pw")
	require.NoError(t, err)
	assert.Equal(t, "postgresql/db-1/20260824_020001.sql", out.BlobName)
	assert.Equal(t, "sql", out.FileFormat)

	rc, info, err := store.Open(context.Background(), out.BlobName)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, blob.ContentTypeSQL, info.ContentType)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1;\n", string(data))
}

func TestRunFailureCarriesStderrTailAndPublishesNothing(t *testing.T) {
	tool := fakeTool(t, "mysqldump", `echo "mysqldump: Access denied for user 'backup'@'%'" >&2; exit 2`)
	p, store := testPipeline(t, map[string]string{"mysqldump": tool}, Config{})

	_, err := p.Run(context.Background(), mysqlJob(true), "pw")
	require.Error(t, err)
	assert.Equal(t, KindExecution, KindOf(err))
	assert.Contains(t, err.Error(), "Access denied")

	blobs, lerr := store.List(context.Background(), "")
	require.NoError(t, lerr)
	assert.Empty(t, blobs, "failed run must not publish a blob")
}

func TestRunTimeout(t *testing.T) {
	tool := fakeTool(t, "mysqldump", `sleep 5`)
	p, _ := testPipeline(t, map[string]string{"mysqldump": tool}, Config{DumpTimeout: 100 * time.Millisecond})

	_, err := p.Run(context.Background(), mysqlJob(false), "pw")
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestRunToolMissing(t *testing.T) {
	p, _ := testPipeline(t, nil, Config{})

	_, err := p.Run(context.Background(), mysqlJob(false), "pw")
	require.Error(t, err)
	assert.Equal(t, KindToolMissing, KindOf(err))
}

func TestServerSideBackupStreamsBakFile(t *testing.T) {
	bakDir := t.TempDir()
	// The fake sqlcmd finds the target path in its -Q statement and writes
	// the "backup" there, the way the real server would.
	tool := fakeTool(t, "sqlcmd", fmt.Sprintf(`printf 'bak bytes' > %s/orders_20260824_020001.bak`, bakDir))
	p, store := testPipeline(t, map[string]string{"sqlcmd": tool}, Config{BakDir: bakDir})

	job := mysqlJob(true)
	job.DatabaseType = model.EngineSQLServer
	job.Port = 1433

	out, err := p.Run(context.Background(), job, "pw")
	require.NoError(t, err)
	assert.Equal(t, "sqlserver/db-1/20260824_020001.bak", out.BlobName)
	assert.Equal(t, "bak", out.FileFormat, "compression flag is ignored for bak artifacts")

	rc, _, err := store.Open(context.Background(), out.BlobName)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "bak bytes", string(data))

	_, statErr := os.Stat(filepath.Join(bakDir, "orders_20260824_020001.bak"))
	assert.True(t, os.IsNotExist(statErr), "staging bak must be cleaned up")
}

func TestResolvePassword(t *testing.T) {
	p, _ := testPipeline(t, nil, Config{Secrets: secrets.Static{"db-1-pw": "hunter2"}})
	ctx := context.Background()

	job := mysqlJob(false)
	job.PasswordSecretName = "db-1-pw"
	pw, err := p.ResolvePassword(ctx, job, "")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pw)

	job.PasswordSecretName = "missing"
	_, err = p.ResolvePassword(ctx, job, "")
	assert.Equal(t, KindCredential, KindOf(err))

	job.PasswordSecretName = ""
	pw, err = p.ResolvePassword(ctx, job, "from-catalog")
	require.NoError(t, err)
	assert.Equal(t, "from-catalog", pw)

	_, err = p.ResolvePassword(ctx, job, "")
	assert.Equal(t, KindCredential, KindOf(err))
}

func TestFileFormatMatrix(t *testing.T) {
	assert.Equal(t, "sql.gz", fileFormat(model.EngineMySQL, true))
	assert.Equal(t, "sql", fileFormat(model.EngineMySQL, false))
	assert.Equal(t, "sql.gz", fileFormat(model.EnginePostgreSQL, true))
	assert.Equal(t, "sql", fileFormat(model.EnginePostgreSQL, false))
	assert.Equal(t, "bak", fileFormat(model.EngineSQLServer, true))
	assert.Equal(t, "bak", fileFormat(model.EngineSQLServer, false))
}

func TestDumpCommandKeepsPasswordOutOfArgv(t *testing.T) {
	c, err := dumpCommand(mysqlJob(true), "hunter2", "")
	require.NoError(t, err)
	for _, arg := range c.args {
		assert.NotContains(t, arg, "hunter2")
	}
	assert.Contains(t, c.env, "MYSQL_PWD=hunter2")
	assert.Contains(t, c.args, "--single-transaction")
	assert.Contains(t, c.args, "--set-gtid-purged=OFF")
	assert.Contains(t, c.args, "--hex-blob")
}

func TestTestConnectionClassification(t *testing.T) {
	ok := fakeTool(t, "mysql", `exit 0`)
	p, _ := testPipeline(t, map[string]string{"mysql": ok}, Config{})
	res := p.TestConnection(context.Background(), model.EngineMySQL, "h", 3306, "u", "pw", "")
	assert.True(t, res.Success)
	assert.GreaterOrEqual(t, res.DurationMS, int64(0))

	authFail := fakeTool(t, "mysql", `echo "ERROR 1045 (28000): Access denied for user" >&2; exit 1`)
	p, _ = testPipeline(t, map[string]string{"mysql": authFail}, Config{})
	res = p.TestConnection(context.Background(), model.EngineMySQL, "h", 3306, "u", "pw", "")
	assert.False(t, res.Success)
	assert.Equal(t, ProbeErrorAuth, res.ErrorType)

	netFail := fakeTool(t, "psql", `echo "psql: error: could not connect to server: Connection refused" >&2; exit 2`)
	p, _ = testPipeline(t, map[string]string{"psql": netFail}, Config{})
	res = p.TestConnection(context.Background(), model.EnginePostgreSQL, "h", 5432, "u", "pw", "")
	assert.Equal(t, ProbeErrorNetwork, res.ErrorType)

	p, _ = testPipeline(t, nil, Config{})
	res = p.TestConnection(context.Background(), model.EngineSQLServer, "h", 1433, "u", "pw", "")
	assert.Equal(t, ProbeErrorToolMissing, res.ErrorType)

	slow := fakeTool(t, "mysql", `sleep 5`)
	p, _ = testPipeline(t, map[string]string{"mysql": slow}, Config{ProbeTimeout: 100 * time.Millisecond})
	res = p.TestConnection(context.Background(), model.EngineMySQL, "h", 3306, "u", "pw", "")
	assert.Equal(t, ProbeErrorTimeout, res.ErrorType)
}

func TestDiscoverFlagsSystemAndExisting(t *testing.T) {
	tool := fakeTool(t, "mysql", `printf 'mysql\ninformation_schema\norders\ninventory\n'`)
	p, _ := testPipeline(t, map[string]string{"mysql": tool}, Config{})

	e := &model.Engine{
		ID:         "eng-1",
		EngineType: model.EngineMySQL,
		Host:       "db1.internal",
		Port:       3306,
		Username:   "backup",
	}
	got, err := p.Discover(context.Background(), e, "pw", map[string]string{"orders": "db-1"})
	require.NoError(t, err)
	require.Len(t, got, 4)

	byName := map[string]model.DiscoveredDatabase{}
	for _, d := range got {
		byName[d.Name] = d
	}
	assert.True(t, byName["mysql"].IsSystem)
	assert.True(t, byName["information_schema"].IsSystem)
	assert.False(t, byName["orders"].IsSystem)
	assert.True(t, byName["orders"].Exists)
	assert.Equal(t, "db-1", byName["orders"].ExistingID)
	assert.False(t, byName["inventory"].Exists)
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(8)
	_, err := tb.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, "89abcdef", tb.String())

	tb2 := newTailBuffer(8)
	_, _ = tb2.Write([]byte("  hi \n"))
	assert.Equal(t, "hi", tb2.String())
}

func TestErrorFormatting(t *testing.T) {
	err := errorf(KindCredential, nil, "no credential for %s", "db-1")
	assert.True(t, strings.HasPrefix(err.Error(), "CredentialError: "))
	assert.Equal(t, KindCredential, KindOf(err))
	assert.Equal(t, KindExecution, KindOf(fmt.Errorf("plain")))
}
