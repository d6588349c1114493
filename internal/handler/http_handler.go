package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-mes-approvals/internal/errors"
	"github.com/pesio-ai/be-mes-approvals/internal/middleware"
	"github.com/pesio-ai/be-mes-approvals/internal/repository"
	"github.com/pesio-ai/be-mes-approvals/internal/service"
)

// HTTPHandler exposes the approvals REST surface.
type HTTPHandler struct {
	lines       *service.LineService
	approvals   *service.ApprovalService
	delegations *service.DelegationService
	statistics  *service.StatisticsService
	log         zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	lines *service.LineService,
	approvals *service.ApprovalService,
	delegations *service.DelegationService,
	statistics *service.StatisticsService,
	log zerolog.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		lines:       lines,
		approvals:   approvals,
		delegations: delegations,
		statistics:  statistics,
		log:         log,
	}
}

// ── Lines ─────────────────────────────────────────────────────────────────────

// Lines dispatches the /lines collection route.
func (h *HTTPHandler) Lines(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listLines(w, r)
	case http.MethodPost:
		h.createLine(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type lineRequest struct {
	ID           string               `json:"id"`
	LineCode     string               `json:"line_code"`
	LineName     string               `json:"line_name"`
	DocumentType string               `json:"document_type"`
	IsActive     *bool                `json:"is_active"`
	Steps        []repository.StepDef `json:"steps"`
}

func (h *HTTPHandler) createLine(w http.ResponseWriter, r *http.Request) {
	var req lineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	line := &repository.ApprovalLine{
		TenantID:     middleware.TenantFromContext(r.Context()),
		LineCode:     req.LineCode,
		LineName:     req.LineName,
		DocumentType: req.DocumentType,
		IsActive:     req.IsActive == nil || *req.IsActive,
		Steps:        req.Steps,
	}
	if err := h.lines.CreateLine(r.Context(), middleware.UserFromContext(r.Context()), line); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, line)
}

func (h *HTTPHandler) listLines(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active_only") == "true"
	lines, err := h.lines.ListLines(r.Context(), middleware.TenantFromContext(r.Context()), activeOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"lines": lines})
}

// GetLine handles GET /lines/get?id=.
func (h *HTTPHandler) GetLine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Line ID is required", http.StatusBadRequest)
		return
	}
	line, err := h.lines.GetLine(r.Context(), middleware.TenantFromContext(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, line)
}

// UpdateLine handles PUT /lines/update.
func (h *HTTPHandler) UpdateLine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req lineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "Line ID is required", http.StatusBadRequest)
		return
	}

	line := &repository.ApprovalLine{
		ID:           req.ID,
		TenantID:     middleware.TenantFromContext(r.Context()),
		LineCode:     req.LineCode,
		LineName:     req.LineName,
		DocumentType: req.DocumentType,
		IsActive:     req.IsActive == nil || *req.IsActive,
		Steps:        req.Steps,
	}
	if err := h.lines.UpdateLine(r.Context(), middleware.UserFromContext(r.Context()), line); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, line)
}

// DeleteLine handles DELETE /lines/delete?id=.
func (h *HTTPHandler) DeleteLine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Line ID is required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if err := h.lines.DeleteLine(ctx, middleware.TenantFromContext(ctx), middleware.UserFromContext(ctx), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleLine handles PATCH/POST /lines/toggle?id=.
func (h *HTTPHandler) ToggleLine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Line ID is required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	active, err := h.lines.ToggleLineActive(ctx, middleware.TenantFromContext(ctx), middleware.UserFromContext(ctx), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "is_active": active})
}

// ActiveLines handles GET /lines/active.
func (h *HTTPHandler) ActiveLines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	lines, err := h.lines.ListLines(r.Context(), middleware.TenantFromContext(r.Context()), true)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"lines": lines})
}

// LineForDocumentType handles GET /lines/document-type?type=.
func (h *HTTPHandler) LineForDocumentType(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	docType := r.URL.Query().Get("type")
	if docType == "" {
		http.Error(w, "Document type is required", http.StatusBadRequest)
		return
	}
	line, err := h.lines.GetActiveLineForDocumentType(r.Context(), middleware.TenantFromContext(r.Context()), docType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, line)
}

// ── Templates ─────────────────────────────────────────────────────────────────

// Templates dispatches the /templates collection route.
func (h *HTTPHandler) Templates(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listTemplates(w, r)
	case http.MethodPost:
		h.createTemplate(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type templateRequest struct {
	ID           string               `json:"id"`
	TemplateName string               `json:"template_name"`
	DocumentType string               `json:"document_type"`
	Steps        []repository.StepDef `json:"steps"`
}

func (h *HTTPHandler) createTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	tpl := &repository.ApprovalLineTemplate{
		TenantID:     middleware.TenantFromContext(r.Context()),
		TemplateName: req.TemplateName,
		DocumentType: req.DocumentType,
		Steps:        req.Steps,
	}
	if err := h.lines.CreateTemplate(r.Context(), middleware.UserFromContext(r.Context()), tpl); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, tpl)
}

func (h *HTTPHandler) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.lines.ListTemplates(r.Context(), middleware.TenantFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"templates": templates})
}

// GetTemplate handles GET /templates/get?id=.
func (h *HTTPHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Template ID is required", http.StatusBadRequest)
		return
	}
	tpl, err := h.lines.GetTemplate(r.Context(), middleware.TenantFromContext(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tpl)
}

// UpdateTemplate handles PUT /templates/update.
func (h *HTTPHandler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "Template ID is required", http.StatusBadRequest)
		return
	}
	tpl := &repository.ApprovalLineTemplate{
		ID:           req.ID,
		TenantID:     middleware.TenantFromContext(r.Context()),
		TemplateName: req.TemplateName,
		DocumentType: req.DocumentType,
		Steps:        req.Steps,
	}
	if err := h.lines.UpdateTemplate(r.Context(), middleware.UserFromContext(r.Context()), tpl); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tpl)
}

// DeleteTemplate handles DELETE /templates/delete?id=.
func (h *HTTPHandler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Template ID is required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if err := h.lines.DeleteTemplate(ctx, middleware.TenantFromContext(ctx), middleware.UserFromContext(ctx), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CloneTemplate handles POST /templates/clone.
func (h *HTTPHandler) CloneTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TemplateID   string  `json:"template_id"`
		LineCode     string  `json:"line_code"`
		LineName     string  `json:"line_name"`
		DocumentType *string `json:"document_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	line, err := h.lines.CloneTemplate(ctx,
		middleware.TenantFromContext(ctx), middleware.UserFromContext(ctx),
		req.TemplateID, req.LineCode, req.LineName, req.DocumentType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, line)
}

// ── Instances ─────────────────────────────────────────────────────────────────

// SubmitInstance handles POST /instances/submit.
func (h *HTTPHandler) SubmitInstance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		DocumentType string `json:"document_type"`
		DocumentID   string `json:"document_id"`
		RequesterID  string `json:"requester_id"`
		LineID       string `json:"line_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.RequesterID == "" {
		req.RequesterID = middleware.UserFromContext(r.Context())
	}

	detail, err := h.approvals.Submit(r.Context(),
		middleware.TenantFromContext(r.Context()),
		req.DocumentType, req.DocumentID, req.RequesterID, req.LineID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, detail)
}

// GetInstance handles GET /instances/get?id=.
func (h *HTTPHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Instance ID is required", http.StatusBadRequest)
		return
	}
	detail, err := h.approvals.GetInstance(r.Context(), middleware.TenantFromContext(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, detail)
}

// PendingApprovals handles GET /instances/pending?user_id=.
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = middleware.UserFromContext(r.Context())
	}
	if userID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}
	steps, err := h.approvals.FindPendingApprovalsForUser(r.Context(), middleware.TenantFromContext(r.Context()), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"pending": steps})
}

// MyRequests handles GET /instances/my-requests?requester_id=.
func (h *HTTPHandler) MyRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	requesterID := r.URL.Query().Get("requester_id")
	if requesterID == "" {
		requesterID = middleware.UserFromContext(r.Context())
	}
	if requesterID == "" {
		http.Error(w, "Requester ID is required", http.StatusBadRequest)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}

	instances, total, err := h.approvals.FindInstancesByRequester(r.Context(),
		middleware.TenantFromContext(r.Context()), requesterID, page, pageSize)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"instances": instances,
		"total":     total,
		"page":      page,
		"pageSize":  pageSize,
	})
}

// ApproveStep handles POST /instances/approve.
func (h *HTTPHandler) ApproveStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		InstanceID     string  `json:"instance_id"`
		StepInstanceID string  `json:"step_instance_id"`
		ApproverID     string  `json:"approver_id"`
		Comment        *string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ApproverID == "" {
		req.ApproverID = middleware.UserFromContext(r.Context())
	}

	result, err := h.approvals.ApproveStep(r.Context(),
		middleware.TenantFromContext(r.Context()),
		req.InstanceID, req.StepInstanceID, req.ApproverID, req.Comment)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"instance_status": result.InstanceStatus,
		"completed":       result.Completed,
	})
}

// RejectStep handles POST /instances/reject. The reason is mandatory.
func (h *HTTPHandler) RejectStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		InstanceID     string `json:"instance_id"`
		StepInstanceID string `json:"step_instance_id"`
		ApproverID     string `json:"approver_id"`
		Reason         string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ApproverID == "" {
		req.ApproverID = middleware.UserFromContext(r.Context())
	}

	result, err := h.approvals.RejectStep(r.Context(),
		middleware.TenantFromContext(r.Context()),
		req.InstanceID, req.StepInstanceID, req.ApproverID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"instance_status": result.InstanceStatus,
		"completed":       result.Completed,
	})
}

// CancelInstance handles POST /instances/cancel.
func (h *HTTPHandler) CancelInstance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		InstanceID  string `json:"instance_id"`
		RequesterID string `json:"requester_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.RequesterID == "" {
		req.RequesterID = middleware.UserFromContext(r.Context())
	}

	result, err := h.approvals.CancelInstance(r.Context(),
		middleware.TenantFromContext(r.Context()), req.InstanceID, req.RequesterID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"instance_status": result.InstanceStatus})
}

// ── Delegations ───────────────────────────────────────────────────────────────

// Delegations dispatches the /delegations collection route.
func (h *HTTPHandler) Delegations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listDelegations(w, r)
	case http.MethodPost:
		h.createDelegation(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) createDelegation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DelegatorID  string    `json:"delegator_id"`
		DelegateID   string    `json:"delegate_id"`
		ValidFrom    time.Time `json:"valid_from"`
		ValidTo      time.Time `json:"valid_to"`
		DocumentType *string   `json:"document_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.DelegatorID == "" {
		req.DelegatorID = middleware.UserFromContext(r.Context())
	}

	d, err := h.delegations.CreateDelegation(r.Context(),
		middleware.TenantFromContext(r.Context()),
		req.DelegatorID, req.DelegateID, req.ValidFrom, req.ValidTo, req.DocumentType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, d)
}

func (h *HTTPHandler) listDelegations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.TenantFromContext(ctx)

	if delegatorID := r.URL.Query().Get("delegator_id"); delegatorID != "" {
		delegations, err := h.delegations.ListForDelegator(ctx, tenantID, delegatorID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"delegations": delegations})
		return
	}

	delegations, err := h.delegations.FindCurrentDelegations(ctx, tenantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"delegations": delegations})
}

// DeactivateDelegation handles PATCH/POST /delegations/deactivate?id=.
func (h *HTTPHandler) DeactivateDelegation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Delegation ID is required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	err := h.delegations.Deactivate(ctx, middleware.TenantFromContext(ctx), id, middleware.UserFromContext(ctx))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// ── Statistics ────────────────────────────────────────────────────────────────

// Statistics handles GET /statistics.
func (h *HTTPHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := h.statistics.GetStatistics(r.Context(), middleware.TenantFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":  string(errors.Code(err)),
		"error": err.Error(),
	})
}
