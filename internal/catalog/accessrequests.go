package catalog

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/model"
)

// SubmitAccessRequest records a self-service account request. Requests for
// emails that already have an account are rejected.
func (s *Service) SubmitAccessRequest(ctx context.Context, email, displayName, reason string) (*model.AccessRequest, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, validationf("A valid email is required")
	}
	if _, err := s.GetUser(ctx, email); err == nil {
		return nil, validationf("An account for %s already exists", email)
	}

	r := model.NewAccessRequest(email, displayName, reason, s.now())
	if err := s.store.Insert(ctx, model.TableAccessRequests, r.ToEntity()); err != nil {
		return nil, fmt.Errorf("catalog: submit access request: %w", err)
	}
	s.log.Info("access request submitted", zap.String("email", email))
	return &r, nil
}

// ListAccessRequests returns every request, optionally filtered by status.
func (s *Service) ListAccessRequests(ctx context.Context, status model.AccessRequestStatus) ([]*model.AccessRequest, error) {
	ents, err := s.store.ListPartition(ctx, model.TableAccessRequests, model.PartitionAccessRequest)
	if err != nil {
		return nil, fmt.Errorf("catalog: list access requests: %w", err)
	}
	out := make([]*model.AccessRequest, 0, len(ents))
	for _, ent := range ents {
		r := model.AccessRequestFromEntity(ent)
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ApproveAccessRequest turns a pending request into an account with the
// given role and a caller-supplied initial password.
func (s *Service) ApproveAccessRequest(ctx context.Context, id, reviewer, password string, role model.Role) (*model.User, error) {
	r, err := s.getAccessRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != model.RequestPending {
		return nil, validationf("Access request is already %s", r.Status)
	}

	u, err := s.CreateUser(ctx, r.Email, r.DisplayName, password, role)
	if err != nil {
		return nil, err
	}

	now := model.EnsureNaiveUTC(s.now())
	r.Status = model.RequestApproved
	r.ReviewedBy = reviewer
	r.ReviewedAt = &now
	r.RoleGranted = role
	if err := s.store.Upsert(ctx, model.TableAccessRequests, r.ToEntity()); err != nil {
		return nil, fmt.Errorf("catalog: approve access request: %w", err)
	}
	return u, nil
}

// RejectAccessRequest marks a pending request rejected.
func (s *Service) RejectAccessRequest(ctx context.Context, id, reviewer string) error {
	r, err := s.getAccessRequest(ctx, id)
	if err != nil {
		return err
	}
	if r.Status != model.RequestPending {
		return validationf("Access request is already %s", r.Status)
	}

	now := model.EnsureNaiveUTC(s.now())
	r.Status = model.RequestRejected
	r.ReviewedBy = reviewer
	r.ReviewedAt = &now
	if err := s.store.Upsert(ctx, model.TableAccessRequests, r.ToEntity()); err != nil {
		return fmt.Errorf("catalog: reject access request: %w", err)
	}
	return nil
}

func (s *Service) getAccessRequest(ctx context.Context, id string) (*model.AccessRequest, error) {
	ent, err := s.store.Get(ctx, model.TableAccessRequests, model.PartitionAccessRequest, id)
	if err != nil {
		return nil, notFound(err)
	}
	return model.AccessRequestFromEntity(ent), nil
}
