package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-mes-approvals/internal/client"
	"github.com/pesio-ai/be-mes-approvals/internal/errors"
	"github.com/pesio-ai/be-mes-approvals/internal/repository"
)

// IdentityClientInterface resolves users from the identity/directory service.
type IdentityClientInterface interface {
	GetUser(ctx context.Context, tenantID, userID string) (*client.User, error)
	GetUsersWithRole(ctx context.Context, tenantID, role string) ([]string, error)
}

// DelegationStore is the persistence surface the delegation service needs.
type DelegationStore interface {
	Create(ctx context.Context, d *repository.Delegation) error
	GetByID(ctx context.Context, tenantID, id string) (*repository.Delegation, error)
	Deactivate(ctx context.Context, tenantID, id string) error
	ListCurrent(ctx context.Context, tenantID string, at time.Time) ([]*repository.Delegation, error)
	ListForDelegator(ctx context.Context, tenantID, delegatorID string) ([]*repository.Delegation, error)
	FindActiveForDelegator(ctx context.Context, tenantID, delegatorID, documentType string, at time.Time) ([]*repository.Delegation, error)
	FindActiveForDelegate(ctx context.Context, tenantID, delegateID string, at time.Time) ([]*repository.Delegation, error)
}

// DelegationService manages time-bounded authority transfers and performs
// approver resolution for the instance engine.
type DelegationService struct {
	store    DelegationStore
	identity IdentityClientInterface
	log      zerolog.Logger
}

// NewDelegationService creates a new DelegationService.
func NewDelegationService(store DelegationStore, identity IdentityClientInterface, log zerolog.Logger) *DelegationService {
	return &DelegationService{store: store, identity: identity, log: log}
}

// CreateDelegation registers a new delegation. The range must be valid, the
// delegate must differ from the delegator, and no active delegation from the
// same delegator may overlap the range in the same document-type scope.
func (s *DelegationService) CreateDelegation(
	ctx context.Context,
	tenantID, delegatorID, delegateID string,
	validFrom, validTo time.Time,
	documentType *string,
) (*repository.Delegation, error) {
	if delegatorID == "" || delegateID == "" {
		return nil, errors.InvalidInput("delegator_id/delegate_id", "both users are required")
	}
	if delegatorID == delegateID {
		return nil, errors.InvalidInput("delegate_id", "cannot delegate to oneself")
	}
	if !validFrom.Before(validTo) {
		return nil, errors.InvalidInput("valid_from/valid_to", "valid_from must be before valid_to")
	}
	if documentType != nil && *documentType == "" {
		documentType = nil
	}

	// Delegate validation degrades to a warning on directory outage; a
	// stale directory must not block self-service delegation setup.
	if user, err := s.identity.GetUser(ctx, tenantID, delegateID); err != nil {
		s.log.Warn().Err(err).Str("delegate_id", delegateID).
			Msg("could not validate delegate against identity service")
	} else if user == nil {
		return nil, errors.InvalidInput("delegate_id", "delegate does not exist")
	}

	d := &repository.Delegation{
		TenantID:     tenantID,
		DelegatorID:  delegatorID,
		DelegateID:   delegateID,
		ValidFrom:    validFrom,
		ValidTo:      validTo,
		DocumentType: documentType,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tenant_id", tenantID).
		Str("delegation_id", d.ID).
		Str("delegator_id", delegatorID).
		Str("delegate_id", delegateID).
		Msg("Delegation created")
	return d, nil
}

// Deactivate turns a delegation off. Only the delegator or an administrator
// may deactivate.
func (s *DelegationService) Deactivate(ctx context.Context, tenantID, delegationID, actorID string) error {
	d, err := s.store.GetByID(ctx, tenantID, delegationID)
	if err != nil {
		return err
	}
	if d.DelegatorID != actorID && !s.hasAdminRole(ctx, tenantID, actorID) {
		return errors.New(errors.ErrCodeUnauthorized, "only the delegator or an administrator can deactivate a delegation")
	}
	return s.store.Deactivate(ctx, tenantID, delegationID)
}

// FindCurrentDelegations returns all delegations active right now.
func (s *DelegationService) FindCurrentDelegations(ctx context.Context, tenantID string) ([]*repository.Delegation, error) {
	return s.store.ListCurrent(ctx, tenantID, time.Now())
}

// ListForDelegator returns a user's delegations, newest first.
func (s *DelegationService) ListForDelegator(ctx context.Context, tenantID, delegatorID string) ([]*repository.Delegation, error) {
	return s.store.ListForDelegator(ctx, tenantID, delegatorID)
}

// ResolveApprover maps a nominal approver to the user who actually holds the
// authority at the given time. An active delegation with an exact document
// type match takes priority over a wildcard one. Resolution is a single hop:
// the delegate's own delegations are ignored, so chains and cycles cannot
// form. When the delegate fails directory validation the nominal approver is
// returned unchanged.
func (s *DelegationService) ResolveApprover(ctx context.Context, tenantID, userID, documentType string, at time.Time) string {
	delegations, err := s.store.FindActiveForDelegator(ctx, tenantID, userID, documentType, at)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).
			Msg("delegation lookup failed; using nominal approver")
		return userID
	}
	if len(delegations) == 0 {
		return userID
	}

	chosen := delegations[0]
	for _, d := range delegations {
		if d.DocumentType != nil && *d.DocumentType == documentType {
			chosen = d
			break
		}
	}

	if user, err := s.identity.GetUser(ctx, tenantID, chosen.DelegateID); err != nil || user == nil {
		s.log.Warn().
			Str("delegate_id", chosen.DelegateID).
			Str("user_id", userID).
			Msg("delegate failed directory validation; falling back to nominal approver")
		return userID
	}
	return chosen.DelegateID
}

// DelegatorsFor returns the users who have currently delegated to userID.
func (s *DelegationService) DelegatorsFor(ctx context.Context, tenantID, userID string, at time.Time) ([]string, error) {
	delegations, err := s.store.FindActiveForDelegate(ctx, tenantID, userID, at)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var delegators []string
	for _, d := range delegations {
		if _, ok := seen[d.DelegatorID]; ok {
			continue
		}
		seen[d.DelegatorID] = struct{}{}
		delegators = append(delegators, d.DelegatorID)
	}
	return delegators, nil
}

func (s *DelegationService) hasAdminRole(ctx context.Context, tenantID, userID string) bool {
	user, err := s.identity.GetUser(ctx, tenantID, userID)
	if err != nil || user == nil {
		return false
	}
	return user.Role == RoleAdmin || user.Role == RoleApprovalManager
}
