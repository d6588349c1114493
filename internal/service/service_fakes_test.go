package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pesio-ai/be-mes-approvals/internal/client"
	"github.com/pesio-ai/be-mes-approvals/internal/errors"
	"github.com/pesio-ai/be-mes-approvals/internal/repository"
)

// In-memory stores mirroring the repository semantics, so the services can be
// exercised without PostgreSQL. The instance fake reuses the shared
// progression helpers, keeping its advance logic aligned with the SQL layer.

func strPtr(s string) *string { return &s }

// ── Identity ──────────────────────────────────────────────────────────────────

type fakeIdentity struct {
	users map[string]*client.User // tenant:user key
	roles map[string][]string     // tenant:role key
	err   error
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{
		users: make(map[string]*client.User),
		roles: make(map[string][]string),
	}
}

func (f *fakeIdentity) addUser(tenantID string, u *client.User) {
	f.users[tenantID+":"+u.ID] = u
	if u.Role != "" {
		key := tenantID + ":" + u.Role
		f.roles[key] = append(f.roles[key], u.ID)
	}
}

func (f *fakeIdentity) GetUser(_ context.Context, tenantID, userID string) (*client.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.users[tenantID+":"+userID], nil
}

func (f *fakeIdentity) GetUsersWithRole(_ context.Context, tenantID, role string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.roles[tenantID+":"+role], nil
}

// ── Notifier ──────────────────────────────────────────────────────────────────

type fakeNotifier struct {
	mu     sync.Mutex
	events []client.ResolutionEvent
}

func (f *fakeNotifier) PublishResolved(_ context.Context, event client.ResolutionEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

// ── Delegations ───────────────────────────────────────────────────────────────

type fakeDelegationStore struct {
	mu          sync.Mutex
	seq         int
	delegations []*repository.Delegation
}

func (f *fakeDelegationStore) Create(_ context.Context, d *repository.Delegation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.delegations {
		if !existing.IsActive || existing.TenantID != d.TenantID || existing.DelegatorID != d.DelegatorID {
			continue
		}
		if existing.ValidFrom.After(d.ValidTo) || existing.ValidTo.Before(d.ValidFrom) {
			continue
		}
		if existing.DocumentType == nil || d.DocumentType == nil || *existing.DocumentType == *d.DocumentType {
			return errors.New(errors.ErrCodeDelegationConflict,
				"an overlapping delegation already exists for this delegator")
		}
	}
	f.seq++
	d.ID = fmt.Sprintf("del-%d", f.seq)
	d.IsActive = true
	cp := *d
	f.delegations = append(f.delegations, &cp)
	return nil
}

func (f *fakeDelegationStore) GetByID(_ context.Context, tenantID, id string) (*repository.Delegation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.delegations {
		if d.TenantID == tenantID && d.ID == id {
			cp := *d
			return &cp, nil
		}
	}
	return nil, errors.NotFound("delegation", id)
}

func (f *fakeDelegationStore) Deactivate(_ context.Context, tenantID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.delegations {
		if d.TenantID == tenantID && d.ID == id {
			d.IsActive = false
			return nil
		}
	}
	return errors.NotFound("delegation", id)
}

func (f *fakeDelegationStore) ListCurrent(_ context.Context, tenantID string, at time.Time) ([]*repository.Delegation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.Delegation
	for _, d := range f.delegations {
		if d.TenantID == tenantID && d.IsActive && !at.Before(d.ValidFrom) && !at.After(d.ValidTo) {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeDelegationStore) ListForDelegator(_ context.Context, tenantID, delegatorID string) ([]*repository.Delegation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.Delegation
	for _, d := range f.delegations {
		if d.TenantID == tenantID && d.DelegatorID == delegatorID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeDelegationStore) FindActiveForDelegator(_ context.Context, tenantID, delegatorID, documentType string, at time.Time) ([]*repository.Delegation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.Delegation
	for _, d := range f.delegations {
		if d.TenantID != tenantID || d.DelegatorID != delegatorID || !d.IsActive {
			continue
		}
		if at.Before(d.ValidFrom) || at.After(d.ValidTo) {
			continue
		}
		if d.DocumentType != nil && *d.DocumentType != documentType {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeDelegationStore) FindActiveForDelegate(_ context.Context, tenantID, delegateID string, at time.Time) ([]*repository.Delegation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.Delegation
	for _, d := range f.delegations {
		if d.TenantID != tenantID || d.DelegateID != delegateID || !d.IsActive {
			continue
		}
		if at.Before(d.ValidFrom) || at.After(d.ValidTo) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

// ── Lines and templates ───────────────────────────────────────────────────────

type fakeLineStore struct {
	mu    sync.Mutex
	seq   int
	lines map[string]*repository.ApprovalLine
}

func newFakeLineStore() *fakeLineStore {
	return &fakeLineStore{lines: make(map[string]*repository.ApprovalLine)}
}

func (f *fakeLineStore) Create(_ context.Context, line *repository.ApprovalLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.lines {
		if existing.TenantID == line.TenantID && existing.LineCode == line.LineCode {
			return errors.New(errors.ErrCodeConflict, "line code already exists for tenant")
		}
	}
	f.seq++
	line.ID = fmt.Sprintf("line-%d", f.seq)
	line.CreatedAt = time.Now()
	line.UpdatedAt = line.CreatedAt
	cp := *line
	f.lines[line.ID] = &cp
	return nil
}

func (f *fakeLineStore) GetByID(_ context.Context, tenantID, id string) (*repository.ApprovalLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line, ok := f.lines[id]
	if !ok || line.TenantID != tenantID {
		return nil, errors.NotFound("approval line", id)
	}
	cp := *line
	return &cp, nil
}

func (f *fakeLineStore) List(_ context.Context, tenantID string, activeOnly bool) ([]*repository.ApprovalLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.ApprovalLine
	for _, line := range f.lines {
		if line.TenantID != tenantID || (activeOnly && !line.IsActive) {
			continue
		}
		cp := *line
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeLineStore) GetActiveByDocumentType(_ context.Context, tenantID, documentType string) (*repository.ApprovalLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var newest *repository.ApprovalLine
	for _, line := range f.lines {
		if line.TenantID != tenantID || line.DocumentType != documentType || !line.IsActive {
			continue
		}
		if newest == nil || line.UpdatedAt.After(newest.UpdatedAt) {
			newest = line
		}
	}
	if newest == nil {
		return nil, errors.NotFound("active approval line for document type", documentType)
	}
	cp := *newest
	return &cp, nil
}

func (f *fakeLineStore) Update(_ context.Context, line *repository.ApprovalLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.lines[line.ID]
	if !ok || existing.TenantID != line.TenantID {
		return errors.NotFound("approval line", line.ID)
	}
	cp := *line
	cp.UpdatedAt = time.Now()
	f.lines[line.ID] = &cp
	return nil
}

func (f *fakeLineStore) SetActive(_ context.Context, tenantID, id string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	line, ok := f.lines[id]
	if !ok || line.TenantID != tenantID {
		return errors.NotFound("approval line", id)
	}
	line.IsActive = active
	return nil
}

func (f *fakeLineStore) Delete(_ context.Context, tenantID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	line, ok := f.lines[id]
	if !ok || line.TenantID != tenantID {
		return errors.NotFound("approval line", id)
	}
	delete(f.lines, id)
	return nil
}

type fakeTemplateStore struct {
	mu         sync.Mutex
	seq        int
	templates  map[string]*repository.ApprovalLineTemplate
	referenced map[string]bool
}

func newFakeTemplateStore() *fakeTemplateStore {
	return &fakeTemplateStore{
		templates:  make(map[string]*repository.ApprovalLineTemplate),
		referenced: make(map[string]bool),
	}
}

func (f *fakeTemplateStore) Create(_ context.Context, tpl *repository.ApprovalLineTemplate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	tpl.ID = fmt.Sprintf("tpl-%d", f.seq)
	tpl.Version = 1
	cp := *tpl
	f.templates[tpl.ID] = &cp
	return nil
}

func (f *fakeTemplateStore) GetByID(_ context.Context, tenantID, id string) (*repository.ApprovalLineTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tpl, ok := f.templates[id]
	if !ok || tpl.TenantID != tenantID {
		return nil, errors.NotFound("approval line template", id)
	}
	cp := *tpl
	cp.Steps = append([]repository.StepDef(nil), tpl.Steps...)
	return &cp, nil
}

func (f *fakeTemplateStore) List(_ context.Context, tenantID string) ([]*repository.ApprovalLineTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	latest := make(map[string]*repository.ApprovalLineTemplate)
	for _, tpl := range f.templates {
		if tpl.TenantID != tenantID {
			continue
		}
		if cur, ok := latest[tpl.TemplateName]; !ok || tpl.Version > cur.Version {
			latest[tpl.TemplateName] = tpl
		}
	}
	var out []*repository.ApprovalLineTemplate
	for _, tpl := range latest {
		cp := *tpl
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeTemplateStore) UpdateVersioned(_ context.Context, tpl *repository.ApprovalLineTemplate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.templates[tpl.ID]
	if !ok || existing.TenantID != tpl.TenantID {
		return errors.NotFound("approval line template", tpl.ID)
	}
	if f.referenced[tpl.ID] {
		f.seq++
		next := *tpl
		next.ID = fmt.Sprintf("tpl-%d", f.seq)
		next.Version = existing.Version + 1
		f.templates[next.ID] = &next
		*tpl = next
		return nil
	}
	cp := *tpl
	cp.Version = existing.Version
	f.templates[tpl.ID] = &cp
	return nil
}

func (f *fakeTemplateStore) Delete(_ context.Context, tenantID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tpl, ok := f.templates[id]
	if !ok || tpl.TenantID != tenantID {
		return errors.NotFound("approval line template", id)
	}
	delete(f.templates, id)
	return nil
}

func (f *fakeTemplateStore) IsReferenced(_ context.Context, _, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.referenced[id], nil
}

type fakeUsageCounter struct {
	count int
}

func (f *fakeUsageCounter) CountNonTerminalByLine(context.Context, string, string) (int, error) {
	return f.count, nil
}

// ── Instances ─────────────────────────────────────────────────────────────────

type storedInstance struct {
	inst  *repository.ApprovalInstance
	steps []*repository.ApprovalStepInstance
}

// fakeInstanceStore serializes every transition under one lock, matching the
// row-lock serialization of the SQL repository.
type fakeInstanceStore struct {
	mu        sync.Mutex
	seq       int
	instances map[string]*storedInstance
}

func newFakeInstanceStore() *fakeInstanceStore {
	return &fakeInstanceStore{instances: make(map[string]*storedInstance)}
}

func (f *fakeInstanceStore) CreateWithSteps(_ context.Context, inst *repository.ApprovalInstance, steps []*repository.ApprovalStepInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range f.instances {
		if st.inst.TenantID == inst.TenantID &&
			st.inst.DocumentType == inst.DocumentType &&
			st.inst.DocumentID == inst.DocumentID &&
			!repository.InstanceTerminal(st.inst.Status) {
			return errors.New(errors.ErrCodeDuplicateActiveInstance,
				"an active approval instance already exists for this document")
		}
	}
	f.seq++
	inst.ID = fmt.Sprintf("inst-%d", f.seq)
	inst.CreatedAt = time.Now()
	inst.UpdatedAt = inst.CreatedAt
	for i, step := range steps {
		step.ID = fmt.Sprintf("%s-step-%d", inst.ID, i+1)
		step.InstanceID = inst.ID
	}
	f.instances[inst.ID] = &storedInstance{inst: inst, steps: steps}
	return nil
}

func (f *fakeInstanceStore) get(tenantID, id string) (*storedInstance, error) {
	st, ok := f.instances[id]
	if !ok || st.inst.TenantID != tenantID {
		return nil, errors.NotFound("approval instance", id)
	}
	return st, nil
}

func (f *fakeInstanceStore) GetByID(_ context.Context, tenantID, id string) (*repository.ApprovalInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.get(tenantID, id)
	if err != nil {
		return nil, err
	}
	cp := *st.inst
	return &cp, nil
}

func (f *fakeInstanceStore) GetActiveByDocument(_ context.Context, tenantID, documentType, documentID string) (*repository.ApprovalInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range f.instances {
		if st.inst.TenantID == tenantID &&
			st.inst.DocumentType == documentType &&
			st.inst.DocumentID == documentID &&
			!repository.InstanceTerminal(st.inst.Status) {
			cp := *st.inst
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeInstanceStore) GetSteps(_ context.Context, instanceID string) ([]*repository.ApprovalStepInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.instances[instanceID]
	if !ok {
		return nil, errors.NotFound("approval instance", instanceID)
	}
	out := make([]*repository.ApprovalStepInstance, len(st.steps))
	for i, step := range st.steps {
		cp := *step
		out[i] = &cp
	}
	return out, nil
}

func (f *fakeInstanceStore) GetStep(_ context.Context, instanceID, stepID string) (*repository.ApprovalStepInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.instances[instanceID]
	if !ok {
		return nil, errors.NotFound("approval instance", instanceID)
	}
	for _, step := range st.steps {
		if step.ID == stepID {
			cp := *step
			return &cp, nil
		}
	}
	return nil, errors.NotFound("approval step", stepID)
}

func (f *fakeInstanceStore) ListByRequester(_ context.Context, tenantID, requesterID string, page, pageSize int) ([]*repository.ApprovalInstance, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []*repository.ApprovalInstance
	for _, st := range f.instances {
		if st.inst.TenantID == tenantID && st.inst.RequesterID == requesterID {
			cp := *st.inst
			all = append(all, &cp)
		}
	}
	total := len(all)
	start := (page - 1) * pageSize
	if start >= total {
		return nil, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (f *fakeInstanceStore) ListPendingForApprovers(_ context.Context, tenantID string, approverIDs []string) ([]*repository.PendingStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make(map[string]bool, len(approverIDs))
	for _, id := range approverIDs {
		ids[id] = true
	}
	var out []*repository.PendingStep
	for _, st := range f.instances {
		if st.inst.TenantID != tenantID {
			continue
		}
		for _, step := range st.steps {
			if step.Status != repository.StepPending || step.AssignedTo == nil || !ids[*step.AssignedTo] {
				continue
			}
			out = append(out, &repository.PendingStep{
				ApprovalStepInstance: *step,
				TenantID:             st.inst.TenantID,
				DocumentType:         st.inst.DocumentType,
				DocumentID:           st.inst.DocumentID,
				RequesterID:          st.inst.RequesterID,
			})
		}
	}
	return out, nil
}

func (f *fakeInstanceStore) ListPendingForRoles(_ context.Context, tenantID string, roles []string) ([]*repository.PendingStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := make(map[string]bool, len(roles))
	for _, role := range roles {
		wanted[role] = true
	}
	var out []*repository.PendingStep
	for _, st := range f.instances {
		if st.inst.TenantID != tenantID {
			continue
		}
		for _, step := range st.steps {
			if step.Status != repository.StepPending || step.AssignedTo != nil {
				continue
			}
			if step.ApproverRole == nil || !wanted[*step.ApproverRole] {
				continue
			}
			out = append(out, &repository.PendingStep{
				ApprovalStepInstance: *step,
				TenantID:             st.inst.TenantID,
				DocumentType:         st.inst.DocumentType,
				DocumentID:           st.inst.DocumentID,
				RequesterID:          st.inst.RequesterID,
			})
		}
	}
	return out, nil
}

func (f *fakeInstanceStore) Approve(_ context.Context, tenantID, instanceID, stepID, actedBy string, comment *string, resolutions map[string]repository.ApproverResolution) (*repository.AdvanceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.get(tenantID, instanceID)
	if err != nil {
		return nil, err
	}
	if repository.InstanceTerminal(st.inst.Status) {
		return nil, errors.New(errors.ErrCodeInvalidStepState,
			"instance is already in a terminal state: "+st.inst.Status)
	}
	if err := actOnStep(st, stepID, repository.StepApproved, actedBy, comment); err != nil {
		return nil, err
	}

	result := &repository.AdvanceResult{InstanceStatus: repository.InstanceInProgress}
	if repository.PendingRemain(st.steps) {
		st.inst.Status = repository.InstanceInProgress
		return result, nil
	}
	if next, ok := repository.NextWaitingOrder(st.steps); ok {
		for _, step := range st.steps {
			if step.StepOrder != next || step.Status != repository.StepWaiting {
				continue
			}
			step.Status = repository.StepPending
			if res, ok := resolutions[step.ID]; ok {
				step.AssignedTo = res.AssignedTo
				step.ResolvedApprover = res.ResolvedApprover
			}
			cp := *step
			result.Activated = append(result.Activated, &cp)
		}
		st.inst.Status = repository.InstanceInProgress
		return result, nil
	}

	now := time.Now()
	st.inst.Status = repository.InstanceApproved
	st.inst.CompletedAt = &now
	result.InstanceStatus = repository.InstanceApproved
	result.CompletedAt = &now
	result.Completed = true
	return result, nil
}

func (f *fakeInstanceStore) Reject(_ context.Context, tenantID, instanceID, stepID, actedBy string, reason *string) (*repository.AdvanceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.get(tenantID, instanceID)
	if err != nil {
		return nil, err
	}
	if repository.InstanceTerminal(st.inst.Status) {
		return nil, errors.New(errors.ErrCodeInvalidStepState,
			"instance is already in a terminal state: "+st.inst.Status)
	}
	if err := actOnStep(st, stepID, repository.StepRejected, actedBy, reason); err != nil {
		return nil, err
	}
	skipRemaining(st)

	now := time.Now()
	st.inst.Status = repository.InstanceRejected
	st.inst.CompletedAt = &now
	return &repository.AdvanceResult{
		InstanceStatus: repository.InstanceRejected,
		CompletedAt:    &now,
		Completed:      true,
	}, nil
}

func (f *fakeInstanceStore) Cancel(_ context.Context, tenantID, instanceID string) (*repository.AdvanceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.get(tenantID, instanceID)
	if err != nil {
		return nil, err
	}
	if repository.InstanceTerminal(st.inst.Status) {
		return nil, errors.New(errors.ErrCodeInvalidStepState,
			"instance is already in a terminal state: "+st.inst.Status)
	}
	skipRemaining(st)

	now := time.Now()
	st.inst.Status = repository.InstanceCancelled
	st.inst.CompletedAt = &now
	return &repository.AdvanceResult{
		InstanceStatus: repository.InstanceCancelled,
		CompletedAt:    &now,
		Completed:      true,
	}, nil
}

func actOnStep(st *storedInstance, stepID, status, actedBy string, comment *string) error {
	for _, step := range st.steps {
		if step.ID != stepID {
			continue
		}
		if step.Status != repository.StepPending {
			return errors.New(errors.ErrCodeInvalidStepState, "step is not pending")
		}
		now := time.Now()
		step.Status = status
		step.ActedBy = &actedBy
		step.ActedAt = &now
		step.Comment = comment
		return nil
	}
	return errors.NotFound("approval step", stepID)
}

func skipRemaining(st *storedInstance) {
	for _, step := range st.steps {
		if step.Status == repository.StepWaiting || step.Status == repository.StepPending {
			step.Status = repository.StepSkipped
		}
	}
}
