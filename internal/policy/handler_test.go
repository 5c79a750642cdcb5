// internal/policy/handler_test.go
package policy

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/circulation/internal/api"
	"github.com/libranexus/circulation/internal/domain"
	"github.com/libranexus/circulation/internal/fixture"
)

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHTTPPolicyAdministration(t *testing.T) {
	seed := fixture.NewSeed(t)
	r := chi.NewRouter()
	r.Route("/tenants/{tenant}", NewHandler(NewService(seed.Store, NewResolver(16, time.Minute), seed.Clock)).Register)
	base := "/tenants/" + string(fixture.Tenant)

	rec := do(t, r, http.MethodGet, base+"/policy-resolution?patron_group=faculty", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res ResolutionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "standard", res.LoanPolicy)
	assert.Nil(t, res.RuleID)

	rec = do(t, r, http.MethodPut, base+"/loan-policies", facultyPolicy())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, r, http.MethodPut, base+"/rules", map[string]any{
		"rules": []domain.CirculationRule{
			{Position: 1, PatronGroup: "faculty", LoanPolicyCode: "faculty", FeePolicyCode: "standard-fees"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, r, http.MethodGet, base+"/policy-resolution?patron_group=faculty", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "faculty", res.LoanPolicy)
	assert.NotNil(t, res.RuleID)
}

func TestHTTPPolicyValidation(t *testing.T) {
	seed := fixture.NewSeed(t)
	r := chi.NewRouter()
	r.Route("/tenants/{tenant}", NewHandler(NewService(seed.Store, NewResolver(16, time.Minute), seed.Clock)).Register)
	base := "/tenants/" + string(fixture.Tenant)

	lp := facultyPolicy()
	lp.Code = ""
	rec := do(t, r, http.MethodPut, base+"/loan-policies", lp)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPut, base+"/policy-defaults", map[string]string{"loan_policy": "standard"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPut, base+"/policy-defaults", map[string]string{
		"loan_policy": "missing",
		"fee_policy":  "standard-fees",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
	var body api.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not_found", body.Kind)
}
