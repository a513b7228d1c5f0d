package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Duds/CouncilWorks-sub003/internal/auth"
	"github.com/Duds/CouncilWorks-sub003/internal/margin"
	"github.com/Duds/CouncilWorks-sub003/internal/service"
	"github.com/Duds/CouncilWorks-sub003/internal/store"
)

func newTestRouter(t *testing.T) (http.Handler, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	svc := service.New(st, margin.DefaultConfiguration(), nil)
	verifier, err := auth.NewVerifier("", "margin:write")
	require.NoError(t, err)
	server := New(svc, verifier, st, "default")
	return server.Router(), st
}

func doJSON(t *testing.T, router http.Handler, method, path string, payload interface{}, org string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if org != "" {
		req.Header.Set(OrgHeader, org)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, "GET", "/healthz", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestSignalsEndToEnd(t *testing.T) {
	router, st := newTestRouter(t)

	rec := doJSON(t, router, "POST", "/margin/signals", map[string]interface{}{
		"resilienceMode": "EMERGENCY",
		"signals": []map[string]interface{}{
			{
				"id":       "sig-1",
				"source":   "EMERGENCY_SERVICE",
				"type":     "EMERGENCY",
				"severity": "CRITICAL",
			},
		},
	}, "org-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result margin.ProcessResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEmpty(t, result.Deployments)
	assert.NotEmpty(t, result.Events)

	active, err := st.ListActiveDeployments(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Len(t, active, len(result.Deployments))
}

func TestSignalsRejectsUnknownMode(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, "POST", "/margin/signals", map[string]interface{}{
		"resilienceMode": "PANIC",
		"signals":        []map[string]interface{}{},
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusDefaultsOrg(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, "GET", "/margin/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status margin.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Len(t, status.Allocations, 4)
	// Empty collections must come back as arrays, not null.
	assert.NotNil(t, status.ActiveDeployments)
	assert.NotNil(t, status.RecentEvents)
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, "GET", "/margin/metrics", nil, "org-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var m margin.Metrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Greater(t, m.TotalMargin, 0.0)
	assert.GreaterOrEqual(t, m.AverageUtilization, 0.0)
	assert.LessOrEqual(t, m.AverageUtilization, 1.0)
}

func TestForecastQueryParam(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, "GET", "/margin/forecast?horizonDays=14", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var f margin.Forecast
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &f))
	assert.Equal(t, 14, f.TimeHorizon)

	rec = doJSON(t, router, "GET", "/margin/forecast?horizonDays=nope", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfigUpdateDisablesProcessing(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, "PUT", "/margin/config", map[string]interface{}{
		"enabled": false,
	}, "org-1")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, "POST", "/margin/signals", map[string]interface{}{
		"resilienceMode": "EMERGENCY",
		"signals": []map[string]interface{}{
			{"id": "sig-1", "source": "EMERGENCY_SERVICE", "type": "EMERGENCY", "severity": "CRITICAL"},
		},
	}, "org-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var result margin.ProcessResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Empty(t, result.Deployments)
}

func TestThresholdsValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, "PUT", "/margin/thresholds", map[string]interface{}{
		"thresholds": []map[string]interface{}{
			{"marginType": "PLUTONIUM", "warningThreshold": 0.5},
		},
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, "PUT", "/margin/thresholds", map[string]interface{}{
		"thresholds": []map[string]interface{}{
			{
				"marginType":         "TIME",
				"warningThreshold":   0.5,
				"criticalThreshold":  0.7,
				"emergencyThreshold": 0.9,
				"optimalRange":       map[string]float64{"min": 0.2, "max": 0.5},
				"isActive":           true,
			},
		},
	}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeploymentStatusReporting(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, "POST", "/margin/signals", map[string]interface{}{
		"resilienceMode": "EMERGENCY",
		"signals": []map[string]interface{}{
			{"id": "sig-1", "source": "EMERGENCY_SERVICE", "type": "EMERGENCY", "severity": "CRITICAL"},
		},
	}, "org-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var result margin.ProcessResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotEmpty(t, result.Deployments)
	id := result.Deployments[0].ID

	rec = doJSON(t, router, "POST", "/margin/deployments/"+id.String()+"/status", map[string]interface{}{
		"status": "completed",
		"detail": "generator returned",
	}, "org-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var record store.DeploymentRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, margin.DeploymentCompleted, record.Status)

	rec = doJSON(t, router, "POST", "/margin/deployments/not-a-uuid/status", map[string]interface{}{
		"status": "completed",
	}, "org-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListDeployments(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, "POST", "/margin/signals", map[string]interface{}{
		"resilienceMode": "EMERGENCY",
		"signals": []map[string]interface{}{
			{"id": "sig-1", "source": "EMERGENCY_SERVICE", "type": "EMERGENCY", "severity": "CRITICAL"},
		},
	}, "org-1")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, "GET", "/margin/deployments", nil, "org-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Deployments []store.DeploymentRecord `json:"deployments"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Deployments)
}
