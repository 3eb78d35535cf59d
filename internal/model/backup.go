package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tidevault/tidevault/internal/tablestore"
)

// BackupStatus is the lifecycle state of a backup execution.
type BackupStatus string

const (
	StatusPending    BackupStatus = "pending"
	StatusInProgress BackupStatus = "in_progress"
	StatusCompleted  BackupStatus = "completed"
	StatusFailed     BackupStatus = "failed"
	StatusCancelled  BackupStatus = "cancelled"
)

// TriggeredBy values.
const (
	TriggerScheduler = "scheduler"
	TriggerManual    = "manual"
)

// BackupJob is the transient queue message describing one backup to run.
// It carries everything the worker needs except the password, which is
// resolved from the secret store (or the catalog, in dev mode) at
// execution time.
type BackupJob struct {
	ID           string     `json:"id"`
	DatabaseID   string     `json:"database_id"`
	DatabaseName string     `json:"database_name"`
	DatabaseType EngineType `json:"database_type"`

	Host           string `json:"host"`
	Port           int    `json:"port"`
	TargetDatabase string `json:"target_database"`

	Username           string `json:"username"`
	PasswordSecretName string `json:"password_secret_name,omitempty"`

	Compression       bool   `json:"compression"`
	BackupDestination string `json:"backup_destination,omitempty"`

	TriggeredBy string     `json:"triggered_by"`
	Tier        Tier       `json:"tier,omitempty"` // empty for manual jobs
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// NewBackupJob builds a job from a resolved database configuration.
func NewBackupJob(d *Database, triggeredBy string, tier Tier, now time.Time) BackupJob {
	now = EnsureNaiveUTC(now)
	return BackupJob{
		ID:                 uuid.NewString(),
		DatabaseID:         d.ID,
		DatabaseName:       d.Name,
		DatabaseType:       d.DatabaseType,
		Host:               d.Host,
		Port:               d.Port,
		TargetDatabase:     d.DatabaseName,
		Username:           d.Username,
		PasswordSecretName: d.PasswordSecretName,
		Compression:        d.Compression,
		BackupDestination:  d.BackupDestination,
		TriggeredBy:        triggeredBy,
		Tier:               tier,
		ScheduledAt:        &now,
		CreatedAt:          now,
	}
}

// Encode serializes the job to its UTF-8 JSON queue message form.
func (j BackupJob) Encode() (string, error) {
	raw, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("model: encode backup job: %w", err)
	}
	return string(raw), nil
}

// DecodeBackupJob parses a queue message body back into a BackupJob.
func DecodeBackupJob(body string) (BackupJob, error) {
	var j BackupJob
	if err := json.Unmarshal([]byte(body), &j); err != nil {
		return BackupJob{}, fmt.Errorf("model: decode backup job: %w", err)
	}
	return j, nil
}

// BackupResult is the durable history record of one execution attempt.
// The same result id is written several times across its lifecycle
// (pending → in_progress → completed/failed); CreatedAt is fixed when the
// record is first created so the inverted-tick row key never changes.
type BackupResult struct {
	ID           string
	JobID        string
	DatabaseID   string
	DatabaseName string
	DatabaseType EngineType

	Status          BackupStatus
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds float64

	BlobName      string
	BlobURL       string
	FileSizeBytes int64
	FileFormat    string

	ErrorMessage string
	ErrorDetails string
	RetryCount   int

	TriggeredBy string
	Tier        Tier
	CreatedAt   time.Time
}

// NewBackupResult creates the pending record for a job. now becomes the
// record's immutable CreatedAt.
func NewBackupResult(job BackupJob, now time.Time) *BackupResult {
	return &BackupResult{
		ID:           uuid.NewString(),
		JobID:        job.ID,
		DatabaseID:   job.DatabaseID,
		DatabaseName: job.DatabaseName,
		DatabaseType: job.DatabaseType,
		Status:       StatusPending,
		TriggeredBy:  job.TriggeredBy,
		Tier:         job.Tier,
		CreatedAt:    EnsureNaiveUTC(now),
	}
}

// MarkStarted transitions the result to in_progress.
func (r *BackupResult) MarkStarted(now time.Time) {
	now = EnsureNaiveUTC(now)
	r.Status = StatusInProgress
	r.StartedAt = &now
}

// MarkCompleted records a successful upload.
func (r *BackupResult) MarkCompleted(blobName, blobURL string, sizeBytes int64, format string, now time.Time) {
	now = EnsureNaiveUTC(now)
	r.Status = StatusCompleted
	r.CompletedAt = &now
	r.BlobName = blobName
	r.BlobURL = blobURL
	r.FileSizeBytes = sizeBytes
	r.FileFormat = format
	r.stampDuration()
}

// MarkFailed records a terminal failure. details is the machine-readable
// error kind from the pipeline taxonomy.
func (r *BackupResult) MarkFailed(message, details string, now time.Time) {
	now = EnsureNaiveUTC(now)
	r.Status = StatusFailed
	r.CompletedAt = &now
	r.ErrorMessage = message
	r.ErrorDetails = details
	r.stampDuration()
}

func (r *BackupResult) stampDuration() {
	if r.StartedAt != nil && r.CompletedAt != nil {
		r.DurationSeconds = r.CompletedAt.Sub(*r.StartedAt).Seconds()
	}
}

// RowKey builds the inverted-tick row key for this result. Lexicographic
// ascending iteration over these keys yields newest-first results.
func (r *BackupResult) RowKey() string {
	return InvertedTickKey(r.CreatedAt) + "_" + r.ID
}

// ToEntity converts the result to its table representation. The partition
// is the CreatedAt date so date-range listings become partition scans.
func (r *BackupResult) ToEntity() tablestore.Entity {
	return tablestore.Entity{
		PartitionKey: DatePartition(r.CreatedAt),
		RowKey:       r.RowKey(),
		Properties: map[string]any{
			"job_id":           r.JobID,
			"database_id":      r.DatabaseID,
			"database_name":    r.DatabaseName,
			"database_type":    string(r.DatabaseType),
			"status":           string(r.Status),
			"started_at":       formatTimePtr(r.StartedAt),
			"completed_at":     formatTimePtr(r.CompletedAt),
			"duration_seconds": r.DurationSeconds,
			"blob_name":        r.BlobName,
			"blob_url":         r.BlobURL,
			"file_size_bytes":  r.FileSizeBytes,
			"file_format":      r.FileFormat,
			"error_message":    r.ErrorMessage,
			"error_details":    r.ErrorDetails,
			"retry_count":      r.RetryCount,
			"triggered_by":     r.TriggeredBy,
			"tier":             string(r.Tier),
			"created_at":       formatTime(r.CreatedAt),
		},
	}
}

// ResultFromEntity rebuilds a BackupResult from its table representation.
// The id is extracted from the row key; legacy rows whose key is a bare
// UUID (no inverted-tick prefix) are still accepted.
func ResultFromEntity(ent tablestore.Entity) *BackupResult {
	p := ent.Properties

	id := ent.RowKey
	if idx := strings.Index(id, "_"); idx > 0 && len(id) > 20 {
		id = id[idx+1:]
	}

	return &BackupResult{
		ID:              id,
		JobID:           propString(p, "job_id"),
		DatabaseID:      propString(p, "database_id"),
		DatabaseName:    propString(p, "database_name"),
		DatabaseType:    EngineType(propString(p, "database_type")),
		Status:          BackupStatus(propString(p, "status")),
		StartedAt:       propTimePtr(p, "started_at"),
		CompletedAt:     propTimePtr(p, "completed_at"),
		DurationSeconds: propFloat(p, "duration_seconds"),
		BlobName:        propString(p, "blob_name"),
		BlobURL:         propString(p, "blob_url"),
		FileSizeBytes:   propInt64(p, "file_size_bytes"),
		FileFormat:      propString(p, "file_format"),
		ErrorMessage:    propString(p, "error_message"),
		ErrorDetails:    propString(p, "error_details"),
		RetryCount:      propInt(p, "retry_count"),
		TriggeredBy:     propString(p, "triggered_by"),
		Tier:            Tier(propString(p, "tier")),
		CreatedAt:       propTime(p, "created_at"),
	}
}
