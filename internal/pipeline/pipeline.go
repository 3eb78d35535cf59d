// Package pipeline executes backups by driving the engines' native client
// tools as subprocesses. MySQL and PostgreSQL dumps are streamed from the
// tool's stdout straight into the blob store, through a gzip encoder when
// compression is on, so a dump of any size passes through without being
// buffered in memory. Failures surface as classified Errors that the worker
// records on the BackupResult.
package pipeline

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/blob"
	"github.com/tidevault/tidevault/internal/model"
	"github.com/tidevault/tidevault/internal/secrets"
)

// Default stage timeouts.
const (
	DefaultDumpTimeout  = 3600 * time.Second
	DefaultProbeTimeout = 30 * time.Second
)

// Output is what a successful run hands back to the worker.
type Output struct {
	BlobName      string
	BlobURL       string
	FileSizeBytes int64
	FileFormat    string
}

// Config wires a Pipeline.
type Config struct {
	Blobs   blob.Store
	Secrets secrets.Resolver
	Logger  *zap.Logger

	DumpTimeout  time.Duration
	ProbeTimeout time.Duration

	// BakDir is the staging directory for SQL Server .bak files. It must be
	// reachable by both the server process and this orchestrator, typically
	// a shared mount.
	BakDir string
}

// Pipeline runs backup jobs, connection tests and discovery.
type Pipeline struct {
	blobs    blob.Store
	secrets  secrets.Resolver
	log      *zap.Logger
	lookPath func(string) (string, error)
	now      func() time.Time

	dumpTimeout  time.Duration
	probeTimeout time.Duration
	bakDir       string
}

// New returns a ready Pipeline.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		blobs:        cfg.Blobs,
		secrets:      cfg.Secrets,
		log:          cfg.Logger.Named("pipeline"),
		lookPath:     exec.LookPath,
		now:          time.Now,
		dumpTimeout:  cfg.DumpTimeout,
		probeTimeout: cfg.ProbeTimeout,
		bakDir:       cfg.BakDir,
	}
	if p.dumpTimeout <= 0 {
		p.dumpTimeout = DefaultDumpTimeout
	}
	if p.probeTimeout <= 0 {
		p.probeTimeout = DefaultProbeTimeout
	}
	if p.bakDir == "" {
		p.bakDir = os.TempDir()
	}
	return p
}

// ResolvePassword fetches the job's credential. A secret name goes through
// the secret store; fallback is the plaintext from the catalog row, which
// only carries a value in development deployments.
func (p *Pipeline) ResolvePassword(ctx context.Context, job model.BackupJob, fallback string) (string, error) {
	if job.PasswordSecretName != "" && p.secrets != nil {
		v, err := p.secrets.Resolve(ctx, job.PasswordSecretName)
		if err != nil {
			return "", errorf(KindCredential, err, "resolve secret %q", job.PasswordSecretName)
		}
		return v, nil
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", errorf(KindCredential, nil, "no credential available for database %s", job.DatabaseID)
}

// Run executes the full pipeline for one job and returns the stored
// artifact's coordinates.
func (p *Pipeline) Run(ctx context.Context, job model.BackupJob, password string) (Output, error) {
	format := fileFormat(job.DatabaseType, job.Compression)
	blobName := fmt.Sprintf("%s/%s/%s.%s",
		job.DatabaseType, job.DatabaseID, model.BlobTimestamp(p.now()), format)

	ctx, cancel := context.WithTimeout(ctx, p.dumpTimeout)
	defer cancel()

	var (
		size int64
		err  error
	)
	if job.DatabaseType == model.EngineSQLServer {
		size, err = p.runServerSideBackup(ctx, job, password, blobName)
	} else {
		size, err = p.runStreamingDump(ctx, job, password, blobName, format)
	}
	if err != nil {
		return Output{}, err
	}

	p.log.Info("backup artifact stored",
		zap.String("job_id", job.ID),
		zap.String("blob_name", blobName),
		zap.Int64("size_bytes", size))
	return Output{
		BlobName:      blobName,
		BlobURL:       p.blobs.URL(blobName),
		FileSizeBytes: size,
		FileFormat:    format,
	}, nil
}

// runStreamingDump drives mysqldump or pg_dump, piping stdout (optionally
// gzipped) into the blob store. The upload is aborted, never published,
// when the tool fails or the stream breaks.
func (p *Pipeline) runStreamingDump(ctx context.Context, job model.BackupJob, password, blobName, format string) (int64, error) {
	c, err := dumpCommand(job, password, "")
	if err != nil {
		return 0, err
	}
	bin, err := p.lookPath(c.bin)
	if err != nil {
		return 0, errorf(KindToolMissing, err, "%s not found in PATH", c.bin)
	}

	cmd := exec.CommandContext(ctx, bin, c.args...)
	cmd.Env = append(os.Environ(), c.env...)

	stderr := newTailBuffer(stderrTailLimit)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, errorf(KindExecution, err, "open stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return 0, errorf(KindExecution, err, "start %s", c.bin)
	}

	pr, pw := io.Pipe()
	go func() {
		var dst io.Writer = pw
		var gz *gzip.Writer
		if job.Compression {
			gz = gzip.NewWriter(pw)
			dst = gz
		}

		_, copyErr := io.Copy(dst, stdout)
		if copyErr == nil && gz != nil {
			copyErr = gz.Close()
		}
		waitErr := cmd.Wait()

		switch {
		case ctx.Err() != nil:
			pw.CloseWithError(errorf(KindTimeout, ctx.Err(),
				"%s exceeded %s", c.bin, p.dumpTimeout))
		case waitErr != nil:
			pw.CloseWithError(errorf(KindExecution, waitErr,
				"%s failed: %s", c.bin, stderr.String()))
		case copyErr != nil:
			pw.CloseWithError(errorf(KindCompression, copyErr, "compress dump stream"))
		default:
			pw.Close()
		}
	}()

	contentType := blob.ContentTypeSQL
	if job.Compression {
		contentType = blob.ContentTypeGzip
	}
	size, err := p.blobs.Put(ctx, blobName, contentType, pr)
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return 0, pe
		}
		if ctx.Err() != nil {
			return 0, errorf(KindTimeout, ctx.Err(), "upload %s", blobName)
		}
		return 0, errorf(KindStorage, err, "upload %s", blobName)
	}
	return size, nil
}

// runServerSideBackup drives sqlcmd's BACKUP DATABASE into a staging .bak,
// then streams the finished file into the blob store and removes it.
func (p *Pipeline) runServerSideBackup(ctx context.Context, job model.BackupJob, password, blobName string) (int64, error) {
	bakPath := filepath.Join(p.bakDir,
		fmt.Sprintf("%s_%s.bak", job.TargetDatabase, model.BlobTimestamp(p.now())))
	defer os.Remove(bakPath)

	c, err := dumpCommand(job, password, bakPath)
	if err != nil {
		return 0, err
	}
	bin, err := p.lookPath(c.bin)
	if err != nil {
		return 0, errorf(KindToolMissing, err, "%s not found in PATH", c.bin)
	}

	cmd := exec.CommandContext(ctx, bin, c.args...)
	cmd.Env = append(os.Environ(), c.env...)
	stderr := newTailBuffer(stderrTailLimit)
	cmd.Stderr = stderr
	cmd.Stdout = io.Discard

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return 0, errorf(KindTimeout, ctx.Err(), "%s exceeded %s", c.bin, p.dumpTimeout)
		}
		return 0, errorf(KindExecution, err, "%s failed: %s", c.bin, stderr.String())
	}

	f, err := os.Open(bakPath)
	if err != nil {
		return 0, errorf(KindExecution, err, "read backup file %s", bakPath)
	}
	defer f.Close()

	size, err := p.blobs.Put(ctx, blobName, blob.ContentTypeBak, f)
	if err != nil {
		return 0, errorf(KindStorage, err, "upload %s", blobName)
	}
	return size, nil
}

// stderrTailLimit caps the diagnostic text carried on failures.
const stderrTailLimit = 2048

// tailBuffer keeps only the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}
