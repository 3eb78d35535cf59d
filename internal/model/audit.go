package model

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tidevault/tidevault/internal/tablestore"
)

// AuditAction names an auditable operation.
type AuditAction string

const (
	ActionBackupCompleted        AuditAction = "backup_completed"
	ActionBackupFailed           AuditAction = "backup_failed"
	ActionBackupDeleted          AuditAction = "backup_deleted"
	ActionBackupDeletedBulk      AuditAction = "backup_deleted_bulk"
	ActionBackupDeletedRetention AuditAction = "backup_deleted_retention"
	ActionBackupTriggered        AuditAction = "backup_triggered"
	ActionBackupDownloaded       AuditAction = "backup_downloaded"

	ActionDatabaseCreated        AuditAction = "database_created"
	ActionDatabaseUpdated        AuditAction = "database_updated"
	ActionDatabaseDeleted        AuditAction = "database_deleted"
	ActionDatabaseTestConnection AuditAction = "database_test_connection"

	ActionEngineCreated    AuditAction = "engine_created"
	ActionEngineUpdated    AuditAction = "engine_updated"
	ActionEngineDeleted    AuditAction = "engine_deleted"
	ActionEngineDiscovered AuditAction = "engine_discovered"

	ActionPolicyCreated AuditAction = "policy_created"
	ActionPolicyUpdated AuditAction = "policy_updated"
	ActionPolicyDeleted AuditAction = "policy_deleted"

	ActionUserCreated AuditAction = "user_created"
	ActionUserUpdated AuditAction = "user_updated"
	ActionUserDeleted AuditAction = "user_deleted"
	ActionUserLogin   AuditAction = "user_login"

	ActionAccessRequestApproved AuditAction = "access_request_approved"
	ActionAccessRequestRejected AuditAction = "access_request_rejected"

	ActionSettingsUpdated AuditAction = "settings_updated"
)

// AuditResourceType names the kind of resource an action touched.
type AuditResourceType string

const (
	ResourceBackup        AuditResourceType = "backup"
	ResourceDatabase      AuditResourceType = "database"
	ResourceEngine        AuditResourceType = "engine"
	ResourcePolicy        AuditResourceType = "policy"
	ResourceUser          AuditResourceType = "user"
	ResourceSettings      AuditResourceType = "settings"
	ResourceAccessRequest AuditResourceType = "access_request"
)

// AuditStatus is the outcome of the audited action.
type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditFailed  AuditStatus = "failed"
)

// AuditEntry is one immutable action record. Entries are partitioned by
// month (YYYYMM) and row-keyed by inverted microseconds so a partition scan
// reads newest-first.
type AuditEntry struct {
	ID        string
	Timestamp time.Time

	// UserID is "system" for scheduler/worker originated actions.
	UserID    string
	UserEmail string

	Action       AuditAction
	ResourceType AuditResourceType
	ResourceID   string
	// ResourceName is kept denormalized so the trail stays readable after
	// the resource is deleted.
	ResourceName string

	Details      map[string]any
	Status       AuditStatus
	ErrorMessage string
	IPAddress    string
}

// NewAuditEntry stamps identity and timestamp on an entry.
func NewAuditEntry(now time.Time) AuditEntry {
	return AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: EnsureNaiveUTC(now),
		Status:    AuditSuccess,
	}
}

// RowKey builds the inverted-microsecond row key for this entry.
func (a *AuditEntry) RowKey() string {
	return InvertedMicroKey(a.Timestamp) + "_" + a.ID
}

// ToEntity converts the entry to its table representation.
func (a *AuditEntry) ToEntity() tablestore.Entity {
	props := map[string]any{
		"id":            a.ID,
		"timestamp":     formatTime(a.Timestamp),
		"user_id":       a.UserID,
		"user_email":    a.UserEmail,
		"action":        string(a.Action),
		"resource_type": string(a.ResourceType),
		"resource_id":   a.ResourceID,
		"resource_name": a.ResourceName,
		"status":        string(a.Status),
		"error_message": a.ErrorMessage,
		"ip_address":    a.IPAddress,
	}
	if len(a.Details) > 0 {
		if raw, err := json.Marshal(a.Details); err == nil {
			props["details"] = string(raw)
		}
	}
	return tablestore.Entity{
		PartitionKey: MonthPartition(a.Timestamp),
		RowKey:       a.RowKey(),
		Properties:   props,
	}
}

// AuditFromEntity rebuilds an entry from its table representation.
func AuditFromEntity(ent tablestore.Entity) *AuditEntry {
	p := ent.Properties

	var details map[string]any
	if raw := propString(p, "details"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &details)
	}

	return &AuditEntry{
		ID:           propString(p, "id"),
		Timestamp:    propTime(p, "timestamp"),
		UserID:       propString(p, "user_id"),
		UserEmail:    propString(p, "user_email"),
		Action:       AuditAction(propString(p, "action")),
		ResourceType: AuditResourceType(propString(p, "resource_type")),
		ResourceID:   propString(p, "resource_id"),
		ResourceName: propString(p, "resource_name"),
		Details:      details,
		Status:       AuditStatus(propString(p, "status")),
		ErrorMessage: propString(p, "error_message"),
		IPAddress:    propString(p, "ip_address"),
	}
}
