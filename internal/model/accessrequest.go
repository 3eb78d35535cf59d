package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/tidevault/tidevault/internal/tablestore"
)

// AccessRequestStatus is the review state of a pending account request.
type AccessRequestStatus string

const (
	RequestPending  AccessRequestStatus = "pending"
	RequestApproved AccessRequestStatus = "approved"
	RequestRejected AccessRequestStatus = "rejected"
)

// AccessRequest is a self-service request for an account, reviewed by an
// admin who approves it into a User or rejects it.
type AccessRequest struct {
	ID          string
	Email       string
	DisplayName string
	Reason      string

	Status     AccessRequestStatus
	ReviewedBy string
	ReviewedAt *time.Time
	// RoleGranted is set on approval.
	RoleGranted Role

	CreatedAt time.Time
}

// NewAccessRequest builds a pending request.
func NewAccessRequest(email, displayName, reason string, now time.Time) AccessRequest {
	return AccessRequest{
		ID:          uuid.NewString(),
		Email:       email,
		DisplayName: displayName,
		Reason:      reason,
		Status:      RequestPending,
		CreatedAt:   EnsureNaiveUTC(now),
	}
}

// ToEntity converts the request to its table representation.
func (r *AccessRequest) ToEntity() tablestore.Entity {
	return tablestore.Entity{
		PartitionKey: PartitionAccessRequest,
		RowKey:       r.ID,
		Properties: map[string]any{
			"email":        r.Email,
			"display_name": r.DisplayName,
			"reason":       r.Reason,
			"status":       string(r.Status),
			"reviewed_by":  r.ReviewedBy,
			"reviewed_at":  formatTimePtr(r.ReviewedAt),
			"role_granted": string(r.RoleGranted),
			"created_at":   formatTime(r.CreatedAt),
		},
	}
}

// AccessRequestFromEntity rebuilds an AccessRequest from its table
// representation.
func AccessRequestFromEntity(ent tablestore.Entity) *AccessRequest {
	p := ent.Properties
	return &AccessRequest{
		ID:          ent.RowKey,
		Email:       propString(p, "email"),
		DisplayName: propString(p, "display_name"),
		Reason:      propString(p, "reason"),
		Status:      AccessRequestStatus(propString(p, "status")),
		ReviewedBy:  propString(p, "reviewed_by"),
		ReviewedAt:  propTimePtr(p, "reviewed_at"),
		RoleGranted: Role(propString(p, "role_granted")),
		CreatedAt:   propTime(p, "created_at"),
	}
}
