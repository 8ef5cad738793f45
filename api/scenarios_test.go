package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
)

func TestListScenarios(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]ScenarioDTO](t, rec)
	require.Len(t, list, 3)
	assert.Equal(t, "arrears", list[0].ID)
}

func TestLoadScenario_ArrearsFeedsDunning(t *testing.T) {
	// GIVEN: The arrears scenario loaded on March 1
	// WHEN: Dunning runs as of today
	// THEN: Only the unpaid residential and the partially paid shop escalate

	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "arrears"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	result := decodeBody[DunningCheckResponse](t, s.do(t, http.MethodPost, "/api/dunning/check", DunningCheckRequest{ScopeID: DefaultScenarioScope}))
	// Dec (final notice), Jan (final notice) and Feb (reminder) for anna,
	// Jan for the shop; the garage is fully paid.
	assert.Equal(t, 4, result.Escalated)
	for _, a := range result.Actions {
		assert.NotEqual(t, billing.TenantID("demo-max"), a.TenantID)
	}

	rec = s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "arrears"})
	assert.Equal(t, http.StatusConflict, rec.Code, "invoices already exist")
}

func TestLoadScenario_YearEndCarryForward(t *testing.T) {
	// GIVEN: Last year's shortfall for lena and a 70.00 credit for the office
	// WHEN: January is generated
	// THEN: Both invoices carry the prior year forward

	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "year-end", ScopeID: "mgr-7"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/periods/generate", GenerateRequest{ScopeID: "mgr-7", Year: testNow.Year(), Month: int(time.January)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	gen := decodeBody[GenerateResponse](t, rec)
	assert.Equal(t, 2, gen.CarryForwardsCalculated)

	byTenant := map[string]InvoiceDTO{}
	for _, inv := range gen.Invoices {
		byTenant[inv.TenantID] = inv
	}
	// 2685.00 owed, 895.00 paid: opex and heating cleared, 1790.00 rent left.
	lena := byTenant["mgr-7-lena"].CarryForward
	assert.True(t, lena.Opex.IsZero())
	assert.True(t, lena.Heating.IsZero())
	assert.True(t, dec("1790").Equal(lena.Rent))
	assert.True(t, dec("-70").Equal(byTenant["mgr-7-office"].CarryForward.Rent))
}

func TestLoadScenario_Unknown(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
