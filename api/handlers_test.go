/*
handlers_test.go - HTTP tests for the billing API

Tests for:
- Period generation and idempotence
- Payment allocation and preview
- Dunning, index adjustment and arrears endpoints
- Error to status mapping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
	"github.com/warp/billing-engine/factory"
)

var testNow = time.Date(2025, time.March, 1, 7, 30, 0, 0, time.UTC)

type testServer struct {
	h      *Handler
	mem    *store.Memory
	router *chi.Mux
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	h := NewHandler(mem, factory.DefaultJurisdiction(), nil)
	h.SetClock(billing.FixedClock(testNow))
	return &testServer{h: h, mem: mem, router: NewRouter(h, nil)}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// seedTenant stores an active residential tenant billed 650 / 120 / 80.
func (s *testServer) seedTenant(t *testing.T, id string) {
	t.Helper()
	rec := s.do(t, http.MethodPut, "/api/tenants/"+id, TenantRequest{
		ScopeID:       "mgr-1",
		UnitID:        "unit-" + id,
		Name:          "Tenant " + id,
		Email:         id + "@example.com",
		LeaseStart:    "2020-01-01",
		Rent:          dec("650"),
		Opex:          dec("120"),
		Heating:       dec("80"),
		IndexBaseline: dec("100"),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (s *testServer) generate(t *testing.T, month int) GenerateResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/periods/generate", GenerateRequest{ScopeID: "mgr-1", Year: 2025, Month: month})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[GenerateResponse](t, rec)
}

// =============================================================================
// PERIODS
// =============================================================================

func TestGeneratePeriod_Idempotent(t *testing.T) {
	// GIVEN: Two active tenants
	// WHEN: February is generated twice
	// THEN: Two invoices the first time, both skipped the second time

	s := newTestServer(t)
	s.seedTenant(t, "t1")
	s.seedTenant(t, "t2")

	first := s.generate(t, 2)
	assert.Equal(t, "2025-02", first.Period)
	assert.Equal(t, 2, first.Created)
	require.Len(t, first.Invoices, 2)
	assert.True(t, dec("850").Equal(first.Invoices[0].Total))
	assert.Equal(t, "2025-02-05", first.Invoices[0].DueDate)

	second := s.generate(t, 2)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 2, second.Skipped)
	assert.Empty(t, second.Failed)
}

func TestGeneratePeriod_InvalidMonth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/periods/generate", GenerateRequest{ScopeID: "mgr-1", Year: 2025, Month: 13})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decodeBody[ErrorResponse](t, rec).Kind)
}

type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, nil
}

func TestGeneratePeriod_LockedRunConflicts(t *testing.T) {
	s := newTestServer(t)
	s.h.Generator.Locker = busyLocker{}

	rec := s.do(t, http.MethodPost, "/api/periods/generate", GenerateRequest{ScopeID: "mgr-1", Year: 2025, Month: 2})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestCreatePayment_AllocatesOldestFirst(t *testing.T) {
	// GIVEN: January and February invoices of 850 each
	// WHEN: 300 is paid
	// THEN: The January invoice receives opex 120, heating 80, rent 100

	s := newTestServer(t)
	s.seedTenant(t, "t1")
	s.generate(t, 1)
	s.generate(t, 2)

	rec := s.do(t, http.MethodPost, "/api/payments", PaymentRequest{
		TenantID: "t1", Amount: dec("300"), BookingDate: "2025-02-10", Reference: "SEPA 4711",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decodeBody[PaymentResponse](t, rec)
	require.Len(t, resp.Allocations, 1)
	a := resp.Allocations[0]
	assert.True(t, dec("120").Equal(a.Applied.Opex))
	assert.True(t, dec("80").Equal(a.Applied.Heating))
	assert.True(t, dec("100").Equal(a.Applied.Rent))
	assert.Equal(t, billing.StatusPartiallyPaid, a.Status)
	assert.True(t, resp.Unapplied.IsZero())
	assert.Equal(t, "SEPA 4711", resp.Payment.Reference)

	invoices := decodeBody[[]InvoiceDTO](t, s.do(t, http.MethodGet, "/api/tenants/t1/invoices", nil))
	require.Len(t, invoices, 2)
	assert.True(t, dec("300").Equal(invoices[0].Paid))
	assert.True(t, invoices[1].Paid.IsZero())
}

func TestCreatePayment_RetryIsConflict(t *testing.T) {
	s := newTestServer(t)
	s.seedTenant(t, "t1")
	s.generate(t, 1)

	req := PaymentRequest{TenantID: "t1", Amount: dec("300"), BookingDate: "2025-02-10", Reference: "SEPA 4711"}
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/payments", req).Code)

	rec := s.do(t, http.MethodPost, "/api/payments", req)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "invariant_violation", decodeBody[ErrorResponse](t, rec).Kind)
	assert.Len(t, s.mem.Payments(), 1)
}

func TestPreviewPayment_DoesNotWrite(t *testing.T) {
	s := newTestServer(t)
	s.seedTenant(t, "t1")
	s.generate(t, 1)

	rec := s.do(t, http.MethodPost, "/api/payments/preview", PaymentRequest{
		TenantID: "t1", Amount: dec("1000"), BookingDate: "2025-01-20",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[PaymentResponse](t, rec)
	assert.True(t, resp.Preview)
	assert.True(t, dec("150").Equal(resp.Unapplied), "overpayment beyond the only invoice")

	assert.Empty(t, s.mem.Payments())
	invoices := decodeBody[[]InvoiceDTO](t, s.do(t, http.MethodGet, "/api/tenants/t1/invoices", nil))
	assert.True(t, invoices[0].Paid.IsZero())
}

func TestCreatePayment_Errors(t *testing.T) {
	s := newTestServer(t)
	s.seedTenant(t, "t1")

	tests := []struct {
		name   string
		req    PaymentRequest
		status int
	}{
		{"non-positive amount", PaymentRequest{TenantID: "t1", Amount: dec("0"), BookingDate: "2025-02-01"}, http.StatusBadRequest},
		{"malformed date", PaymentRequest{TenantID: "t1", Amount: dec("10"), BookingDate: "01.02.2025"}, http.StatusBadRequest},
		{"unknown tenant", PaymentRequest{TenantID: "nobody", Amount: dec("10"), BookingDate: "2025-02-01"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/payments", tt.req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

// =============================================================================
// DUNNING
// =============================================================================

func TestCheckDunning_DryRunThenApply(t *testing.T) {
	// GIVEN: A January invoice, unpaid on March 1 (55 days overdue)
	// WHEN: A dry run and then a real run are made
	// THEN: Both propose the final notice; only the real run persists it

	s := newTestServer(t)
	s.seedTenant(t, "t1")
	s.generate(t, 1)

	rec := s.do(t, http.MethodPost, "/api/dunning/check", DunningCheckRequest{ScopeID: "mgr-1", DryRun: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dry := decodeBody[DunningCheckResponse](t, rec)
	assert.Equal(t, "2025-03-01", dry.AsOf)
	require.Len(t, dry.Actions, 1)
	assert.Equal(t, billing.LevelFinalNotice, dry.Actions[0].ToLevel)
	assert.False(t, dry.Actions[0].Applied)
	assert.Equal(t, 0, dry.Escalated)

	rec = s.do(t, http.MethodPost, "/api/dunning/check", DunningCheckRequest{ScopeID: "mgr-1", AsOf: "2025-03-01"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decodeBody[DunningCheckResponse](t, rec)
	assert.Equal(t, 1, run.Escalated)
	assert.Nil(t, run.Export)

	invoices := decodeBody[[]InvoiceDTO](t, s.do(t, http.MethodGet, "/api/tenants/t1/invoices", nil))
	assert.Equal(t, "final_notice", invoices[0].LevelName)
	assert.Equal(t, string(billing.StatusOverdue), invoices[0].Status)

	again := decodeBody[DunningCheckResponse](t, s.do(t, http.MethodPost, "/api/dunning/check", DunningCheckRequest{ScopeID: "mgr-1"}))
	assert.Equal(t, 0, again.Escalated)
}

func TestCheckDunning_RequiresScope(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/dunning/check", DunningCheckRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// INDEX ADJUSTMENT
// =============================================================================

func TestVpi_CheckApplyHistory(t *testing.T) {
	// GIVEN: A tenant with baseline 100 and rent 650
	// WHEN: Index 105 is checked and applied
	// THEN: Rent becomes 682.50, history records it, a second apply is rejected

	s := newTestServer(t)
	s.seedTenant(t, "t1")

	rec := s.do(t, http.MethodPost, "/api/vpi/check", VpiCheckRequest{ScopeID: "mgr-1", IndexValue: dec("105"), PublishedAt: "2025-02-28"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	check := decodeBody[VpiCheckResponse](t, rec)
	require.Len(t, check.Proposals, 1)
	assert.True(t, dec("682.50").Equal(check.Proposals[0].NewRent))

	apply := VpiApplyRequest{TenantID: "t1", IndexValue: dec("105"), PublishedAt: "2025-02-28", EffectiveDate: "2025-04-01", ApprovedBy: "ops@example.com"}
	rec = s.do(t, http.MethodPost, "/api/vpi/apply", apply)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	adj := decodeBody[AdjustmentDTO](t, rec)
	assert.True(t, dec("682.50").Equal(adj.NewRent))
	assert.Equal(t, "2025-04-01", adj.EffectiveDate)

	tenant := decodeBody[TenantDTO](t, s.do(t, http.MethodGet, "/api/tenants/t1", nil))
	assert.True(t, dec("682.50").Equal(tenant.Rent))
	assert.True(t, dec("105").Equal(tenant.IndexBaseline))

	history := decodeBody[[]RentHistoryDTO](t, s.do(t, http.MethodGet, "/api/tenants/t1/rent-history", nil))
	require.Len(t, history, 1)
	assert.Equal(t, adj.ID, history[0].AdjustmentID)

	rec = s.do(t, http.MethodPost, "/api/vpi/apply", apply)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

// =============================================================================
// REPORTS
// =============================================================================

func TestArrearsReport_JSONAndWorkbook(t *testing.T) {
	s := newTestServer(t)
	s.seedTenant(t, "t1")
	s.generate(t, 1)
	s.generate(t, 2)

	rec := s.do(t, http.MethodGet, "/api/reports/arrears?scope_id=mgr-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var arrears struct {
		Rows        []map[string]any `json:"rows"`
		Outstanding decimal.Decimal  `json:"outstanding"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &arrears))
	assert.Len(t, arrears.Rows, 2)
	assert.True(t, dec("1700").Equal(arrears.Outstanding))

	rec = s.do(t, http.MethodGet, "/api/reports/arrears?scope_id=mgr-1&format=xlsx", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "arrears_mgr-1_20250301_073000.xlsx")
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")), "xlsx is a zip container")

	rec = s.do(t, http.MethodGet, "/api/reports/arrears?scope_id=mgr-1&format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// TENANTS AND MISC
// =============================================================================

func TestPutTenant_Validation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, "/api/tenants/t1", TenantRequest{ScopeID: "mgr-1", Rent: dec("-1")})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/tenants/t1", TenantRequest{ScopeID: "mgr-1", LeaseStart: "yesterday"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/tenants/t1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndDisabledHub(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/ws?scope_id=mgr-1", nil).Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&billing.ValidationError{Field: "x"}, http.StatusBadRequest},
		{&billing.NotFoundError{Kind: "tenant", ID: "x"}, http.StatusNotFound},
		{billing.ErrDuplicateInvoice, http.StatusConflict},
		{billing.ErrDuplicatePayment, http.StatusConflict},
		{billing.ErrLocked, http.StatusConflict},
		{billing.ErrNotEligible, http.StatusUnprocessableEntity},
		{&billing.ExternalDependencyError{Dependency: "storage", Err: context.DeadlineExceeded}, http.StatusBadGateway},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
