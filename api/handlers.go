/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the billing engines via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the invoicing, payments, dunning,
  indexation and report packages.

ENDPOINTS:
  Periods:
    POST   /api/periods/generate        Generate invoices for a month

  Payments:
    POST   /api/payments                Record and allocate a payment
    POST   /api/payments/preview        Allocation without writes

  Dunning:
    POST   /api/dunning/check           Escalate overdue invoices

  Index adjustment:
    POST   /api/vpi/check               Propose rent increases
    POST   /api/vpi/apply               Apply one confirmed increase

  Reports:
    GET    /api/reports/arrears         Arrears list (json or xlsx)

  Tenants:
    PUT    /api/tenants/{id}            Create or replace (seeding)
    GET    /api/tenants/{id}            Tenant details
    GET    /api/tenants/{id}/invoices   Invoice history
    GET    /api/tenants/{id}/rent-history

  Notifications:
    GET    /ws?scope_id=                Back-office websocket feed

ARCHITECTURE:
  Handler holds the engines. Engines are built from one Jurisdiction by
  NewHandler; optional collaborators (locker, notifier, storage, hub) are
  attached by the caller.

ERROR HANDLING:
  Errors are returned as JSON with a status derived from billing.Classify:
  - 400: Validation errors, invalid input
  - 404: Tenant or invoice not found
  - 409: Run in progress, duplicate invoice, invariant violation
  - 422: Tenant not eligible for an index adjustment
  - 502: Notifier, lock or storage failure
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/dunning"
	"github.com/warp/billing-engine/factory"
	"github.com/warp/billing-engine/indexation"
	"github.com/warp/billing-engine/invoicing"
	"github.com/warp/billing-engine/notify"
	"github.com/warp/billing-engine/payments"
	"github.com/warp/billing-engine/report"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the gateway plus the tenant writes the seeding endpoints need.
type Store interface {
	billing.Gateway
	SaveTenant(ctx context.Context, t billing.Tenant) error
	ListRentHistory(ctx context.Context, tenantID billing.TenantID) ([]billing.RentHistoryEntry, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     Store
	Generator *invoicing.Generator
	Payments  *payments.Service
	Dunning   *dunning.Engine
	Index     *indexation.Engine
	Reports   *report.Service
	Hub       *notify.Hub // optional

	Clock  billing.Clock
	Logger *zap.Logger
}

// NewHandler wires the engines for one jurisdiction over store.
func NewHandler(store Store, j factory.Jurisdiction, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:     store,
		Generator: invoicing.NewGenerator(store, j.VAT, logger),
		Payments:  payments.NewService(store, logger),
		Dunning:   dunning.NewEngine(store, j.Dunning, nil, logger),
		Index:     indexation.NewEngine(store, j.Index, logger),
		Reports:   report.NewService(store, nil, logger),
		Logger:    logger.With(zap.String("component", "api")),
	}
}

// SetClock pins "today" for every engine.
func (h *Handler) SetClock(c billing.Clock) {
	h.Clock = c
	h.Generator.Clock = c
	h.Payments.Clock = c
	h.Dunning.Clock = c
	h.Index.Clock = c
	h.Reports.Clock = c
}

// SetNotifier routes dunning and rent adjustment notices through n.
func (h *Handler) SetNotifier(n billing.Notifier) {
	h.Dunning.Notifier = n
	h.Index.Notifier = n
}

// =============================================================================
// PERIOD HANDLERS
// =============================================================================

// GeneratePeriod creates the invoices of one billing month.
// POST /api/periods/generate
func (h *Handler) GeneratePeriod(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := h.Generator.Generate(r.Context(), invoicing.GenerateRequest{
		ScopeID: billing.ScopeID(req.ScopeID),
		Year:    req.Year,
		Month:   time.Month(req.Month),
	})
	if err != nil {
		h.writeEngineError(w, "Failed to generate invoices", err)
		return
	}

	writeJSON(w, http.StatusOK, GenerateResponse{
		Period:                  result.Period,
		Created:                 result.Created,
		Skipped:                 result.Skipped,
		CarryForwardsCalculated: result.CarryForwardsCalculated,
		Failed:                  nonNilFailures(result.Failed),
		Invoices:                toInvoiceDTOs(result.Invoices),
	})
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// CreatePayment records a payment and allocates it.
// POST /api/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	h.handlePayment(w, r, false)
}

// PreviewPayment returns the allocation CreatePayment would make.
// POST /api/payments/preview
func (h *Handler) PreviewPayment(w http.ResponseWriter, r *http.Request) {
	h.handlePayment(w, r, true)
}

func (h *Handler) handlePayment(w http.ResponseWriter, r *http.Request, preview bool) {
	var req PaymentRequest
	if !decode(w, r, &req) {
		return
	}
	booking, err := parseDateField("booking_date", req.BookingDate, billing.Date{})
	if err != nil {
		h.writeEngineError(w, "Invalid payment", err)
		return
	}

	pr := payments.PaymentRequest{
		TenantID:    billing.TenantID(req.TenantID),
		Amount:      req.Amount,
		BookingDate: booking,
		Reference:   req.Reference,
	}
	if req.InvoiceID != "" {
		id := billing.InvoiceID(req.InvoiceID)
		pr.InvoiceID = &id
	}

	var result *payments.PaymentResult
	if preview {
		result, err = h.Payments.Preview(r.Context(), pr)
	} else {
		result, err = h.Payments.Apply(r.Context(), pr)
	}
	if err != nil {
		h.writeEngineError(w, "Failed to allocate payment", err)
		return
	}

	allocations := result.Allocations
	if allocations == nil {
		allocations = []payments.Allocation{}
	}
	status := http.StatusCreated
	if preview {
		status = http.StatusOK
	}
	writeJSON(w, status, PaymentResponse{
		Payment:     toPaymentDTO(result.Payment),
		Allocations: allocations,
		Unapplied:   result.Unapplied,
		Preview:     preview,
	})
}

// =============================================================================
// DUNNING HANDLERS
// =============================================================================

// DunningCheckResponse is the run result plus the stored workbook, if any.
type DunningCheckResponse struct {
	*dunning.CheckResult
	Export *report.Export `json:"export,omitempty"`
}

// CheckDunning escalates the overdue invoices of a scope.
// POST /api/dunning/check
func (h *Handler) CheckDunning(w http.ResponseWriter, r *http.Request) {
	var req DunningCheckRequest
	if !decode(w, r, &req) {
		return
	}
	asOf, err := parseDateField("as_of", req.AsOf, h.Clock.Today())
	if err != nil {
		h.writeEngineError(w, "Invalid dunning request", err)
		return
	}

	scope := billing.ScopeID(req.ScopeID)
	result, err := h.Dunning.Check(r.Context(), dunning.CheckRequest{
		ScopeID:    scope,
		AsOf:       asOf,
		SendEmails: req.SendEmails,
		DryRun:     req.DryRun,
	})
	if err != nil {
		h.writeEngineError(w, "Dunning check failed", err)
		return
	}
	if result.Actions == nil {
		result.Actions = []dunning.Action{}
	}
	result.Failed = nonNilFailures(result.Failed)

	resp := DunningCheckResponse{CheckResult: result}
	if req.Export && h.Reports.Storage != nil {
		export, err := h.Reports.ExportDunning(r.Context(), scope, result)
		if err != nil {
			// The run itself succeeded; report the upload problem only.
			h.Logger.Warn("dunning workbook not stored", zap.String("scope_id", req.ScopeID), zap.Error(err))
		} else {
			resp.Export = export
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// INDEX ADJUSTMENT HANDLERS
// =============================================================================

// CheckVpi lists the tenants whose rent the given index value would raise.
// POST /api/vpi/check
func (h *Handler) CheckVpi(w http.ResponseWriter, r *http.Request) {
	var req VpiCheckRequest
	if !decode(w, r, &req) {
		return
	}
	published, err := parseDateField("published_at", req.PublishedAt, billing.Date{})
	if err != nil {
		h.writeEngineError(w, "Invalid index check", err)
		return
	}

	index := indexation.IndexValue{Value: req.IndexValue, PublishedAt: published}
	result, err := h.Index.Detect(r.Context(), billing.ScopeID(req.ScopeID), index)
	if err != nil {
		h.writeEngineError(w, "Index check failed", err)
		return
	}

	proposals := result.Proposals
	if proposals == nil {
		proposals = []indexation.Proposal{}
	}
	writeJSON(w, http.StatusOK, VpiCheckResponse{
		IndexValue:  index.Value,
		PublishedAt: index.PublishedAt.String(),
		Checked:     result.Checked,
		Skipped:     result.Skipped,
		Proposals:   proposals,
		Failed:      nonNilFailures(result.Failed),
	})
}

// ApplyVpi applies one operator-confirmed rent adjustment.
// POST /api/vpi/apply
func (h *Handler) ApplyVpi(w http.ResponseWriter, r *http.Request) {
	var req VpiApplyRequest
	if !decode(w, r, &req) {
		return
	}
	published, err := parseDateField("published_at", req.PublishedAt, billing.Date{})
	if err != nil {
		h.writeEngineError(w, "Invalid index adjustment", err)
		return
	}
	effective, err := parseDateField("effective_date", req.EffectiveDate, billing.Date{})
	if err != nil {
		h.writeEngineError(w, "Invalid index adjustment", err)
		return
	}

	adj, err := h.Index.Apply(r.Context(), indexation.ApplyRequest{
		TenantID:      billing.TenantID(req.TenantID),
		Index:         indexation.IndexValue{Value: req.IndexValue, PublishedAt: published},
		EffectiveDate: effective,
		ApprovedBy:    req.ApprovedBy,
	})
	if err != nil {
		h.writeEngineError(w, "Index adjustment failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAdjustmentDTO(adj))
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// ArrearsReport returns the unpaid invoices of a scope.
// GET /api/reports/arrears?scope_id=&as_of=&format=json|xlsx
//
// With format=xlsx the workbook is streamed, or uploaded and linked when
// report storage is configured.
func (h *Handler) ArrearsReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := billing.ScopeID(q.Get("scope_id"))
	asOf, err := parseDateField("as_of", q.Get("as_of"), h.Clock.Today())
	if err != nil {
		h.writeEngineError(w, "Invalid report request", err)
		return
	}

	switch q.Get("format") {
	case "", "json":
		arrears, err := h.Reports.Arrears(r.Context(), scope, asOf)
		if err != nil {
			h.writeEngineError(w, "Failed to build arrears report", err)
			return
		}
		if arrears.Rows == nil {
			arrears.Rows = []report.ArrearsRow{}
		}
		writeJSON(w, http.StatusOK, arrears)

	case "xlsx":
		export, err := h.Reports.ExportArrears(r.Context(), scope, asOf)
		if err != nil {
			h.writeEngineError(w, "Failed to export arrears report", err)
			return
		}
		if export.URL != "" {
			writeJSON(w, http.StatusOK, export)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName))
		w.WriteHeader(http.StatusOK)
		w.Write(export.Data)

	default:
		writeError(w, http.StatusBadRequest, "Unsupported format",
			&billing.ValidationError{Field: "format", Message: fmt.Sprintf("unsupported format %q", q.Get("format"))})
	}
}

// =============================================================================
// TENANT HANDLERS
// =============================================================================

// PutTenant creates or replaces a tenant.
// PUT /api/tenants/{id}
func (h *Handler) PutTenant(w http.ResponseWriter, r *http.Request) {
	var req TenantRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := tenantFromRequest(chi.URLParam(r, "id"), req)
	if err == nil {
		err = t.Validate()
	}
	if err != nil {
		h.writeEngineError(w, "Invalid tenant", err)
		return
	}

	if err := h.Store.SaveTenant(r.Context(), t); err != nil {
		h.writeEngineError(w, "Failed to save tenant", err)
		return
	}
	writeJSON(w, http.StatusOK, toTenantDTO(t))
}

func tenantFromRequest(id string, req TenantRequest) (billing.Tenant, error) {
	t := billing.Tenant{
		ID:            billing.TenantID(id),
		ScopeID:       billing.ScopeID(req.ScopeID),
		Name:          req.Name,
		Email:         req.Email,
		Status:        billing.LeaseStatus(req.Status),
		Rent:          req.Rent,
		Opex:          req.Opex,
		Heating:       req.Heating,
		IndexBaseline: req.IndexBaseline,
	}
	if t.Status == "" {
		t.Status = billing.LeaseActive
	}
	if req.UnitID != "" {
		usage := billing.UsageType(req.UsageType)
		if usage == "" {
			usage = billing.UsageResidential
		}
		t.Unit = &billing.Unit{ID: billing.UnitID(req.UnitID), UsageType: usage}
	}

	start, err := parseDateField("lease_start", req.LeaseStart, billing.Date{})
	if err != nil {
		return billing.Tenant{}, err
	}
	t.LeaseStart = start
	if req.LeaseEnd != "" {
		end, err := parseDateField("lease_end", req.LeaseEnd, billing.Date{})
		if err != nil {
			return billing.Tenant{}, err
		}
		t.LeaseEnd = &end
	}
	return t, nil
}

// GetTenant returns one tenant.
// GET /api/tenants/{id}
func (h *Handler) GetTenant(w http.ResponseWriter, r *http.Request) {
	t, err := h.Store.GetTenant(r.Context(), billing.TenantID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, "Failed to load tenant", err)
		return
	}
	writeJSON(w, http.StatusOK, toTenantDTO(*t))
}

// ListTenantInvoices returns a tenant's invoices, oldest due date first.
// GET /api/tenants/{id}/invoices
func (h *Handler) ListTenantInvoices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := billing.TenantID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetTenant(ctx, id); err != nil {
		h.writeEngineError(w, "Failed to load tenant", err)
		return
	}

	invoices, err := h.Store.ListInvoices(ctx, billing.InvoiceFilter{TenantID: &id})
	if err != nil {
		h.writeEngineError(w, "Failed to list invoices", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTOs(invoices))
}

// GetRentHistory returns a tenant's rent changes.
// GET /api/tenants/{id}/rent-history
func (h *Handler) GetRentHistory(w http.ResponseWriter, r *http.Request) {
	id := billing.TenantID(chi.URLParam(r, "id"))
	entries, err := h.Store.ListRentHistory(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to load rent history", err)
		return
	}

	dtos := make([]RentHistoryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = RentHistoryDTO{
			ID:            e.ID,
			OldRent:       e.OldRent,
			NewRent:       e.NewRent,
			EffectiveDate: e.EffectiveDate.String(),
			Reason:        e.Reason,
			AdjustmentID:  e.AdjustmentID,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// WebSocket attaches a back-office session to the notification hub.
// GET /ws?scope_id=
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		writeError(w, http.StatusNotFound, "Notification hub disabled", nil)
		return
	}
	scope := billing.ScopeID(r.URL.Query().Get("scope_id"))
	if scope == "" {
		writeError(w, http.StatusBadRequest, "scope_id is required", nil)
		return
	}
	h.Hub.HandleWebSocket(w, r, scope)
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
		resp.Kind = string(billing.Classify(err))
	}
	writeJSON(w, status, resp)
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, billing.ErrLocked):
		return http.StatusConflict
	case errors.Is(err, billing.ErrNotEligible):
		return http.StatusUnprocessableEntity
	case billing.IsClientError(err):
		return http.StatusBadRequest
	case billing.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrInvariantViolation):
		return http.StatusConflict
	case errors.Is(err, billing.ErrExternalDependency):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, zap.Error(err))
	}
	writeError(w, status, message, err)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", &billing.ValidationError{Field: "body", Message: err.Error()})
		return false
	}
	return true
}

// parseDateField parses a YYYY-MM-DD field, returning def when empty.
func parseDateField(field, value string, def billing.Date) (billing.Date, error) {
	if value == "" {
		return def, nil
	}
	d, err := billing.ParseDate(value)
	if err != nil {
		return billing.Date{}, &billing.ValidationError{Field: field, Message: fmt.Sprintf("invalid date %q", value)}
	}
	return d, nil
}

func nonNilFailures(fs billing.Failures) billing.Failures {
	if fs == nil {
		return billing.Failures{}
	}
	return fs
}
