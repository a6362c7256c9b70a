package provider

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/internal/platform/validation"
)

func newTestHandler(caps ...ProviderCapability) (*Handler, *echo.Echo, *mockRecorder) {
	svc, _, rec := newTestService(caps...)
	e := echo.New()
	e.Validator = validation.New()
	return NewHandler(svc), e, rec
}

func newContext(e *echo.Echo, method, path, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithUser(req.Context(), "coord-3", []string{auth.RoleCoordinator}))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func expectHTTPStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d (%v)", code, httpErr.Code, httpErr.Message)
	}
}

func requestBody(t *testing.T, req ServiceRequest) string {
	t.Helper()
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestHandler_FindMatches(t *testing.T) {
	uncovered := capability(2, func(c *ProviderCapability) {
		c.Regions = nil
		c.ServiceAreas = nil
	})
	h, e, rec := newTestHandler(capability(1), uncovered)
	c, resp := newContext(e, http.MethodPost, "/recommendations/providers", requestBody(t, serviceRequest()))
	if err := h.FindMatches(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Recommendation
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.LogID == uuid.Nil || len(got.Ranked) != 1 || len(got.Excluded) != 1 {
		t.Errorf("unexpected recommendation: %+v", got)
	}
	if got.Excluded[0].ExcludeReasons[0] != ExcludeGeographyNotCovered {
		t.Errorf("expected geography exclusion, got %v", got.Excluded[0].ExcludeReasons)
	}
	if rec.requests[0].RequestedBy != "coord-3" {
		t.Errorf("expected requested_by from the token subject, got %q", rec.requests[0].RequestedBy)
	}
}

func TestHandler_FindMatches_BadRequests(t *testing.T) {
	valid := requestBody(t, serviceRequest())
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"patient_id":`},
		{"no patient", strings.Replace(valid, `"patient_id"`, `"patient"`, 1)},
		{"no duration", requestBody(t, serviceRequest(func(r *ServiceRequest) { r.DurationMinutes = 0 }))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, e, _ := newTestHandler()
			c, _ := newContext(e, http.MethodPost, "/recommendations/providers", tt.body)
			expectHTTPStatus(t, h.FindMatches(c), http.StatusBadRequest)
		})
	}
}

func TestHandler_CommitAssignment(t *testing.T) {
	pc := capability(1)
	h, e, _ := newTestHandler(pc)

	body := `{"capability_id":"` + pc.ID.String() + `","hours":25}`
	c, resp := newContext(e, http.MethodPost, "/assignments", body)
	if err := h.CommitAssignment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	var got Assignment
	json.Unmarshal(resp.Body.Bytes(), &got)
	if got.Reservation.Utilization != 35 {
		t.Errorf("expected utilization 35, got %v", got.Reservation.Utilization)
	}

	c, _ = newContext(e, http.MethodPost, "/assignments", body)
	err := h.CommitAssignment(c)
	expectHTTPStatus(t, err, http.StatusConflict)
	msg, _ := err.(*echo.HTTPError).Message.(map[string]interface{})
	if msg["retryable"] != true || msg["available"] != 5.0 {
		t.Errorf("unexpected conflict body: %v", msg)
	}
}

func TestHandler_CommitAssignment_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"no capability", `{"hours":2}`, http.StatusBadRequest},
		{"negative hours", `{"capability_id":"` + capability(1).ID.String() + `","hours":-2}`, http.StatusBadRequest},
		{"rejected outcome", `{"capability_id":"` + capability(1).ID.String() + `","hours":2,"outcome":"rejected"}`, http.StatusBadRequest},
		{"unknown capability", `{"capability_id":"` + uuid.NewString() + `","hours":2}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, e, _ := newTestHandler(capability(1))
			c, _ := newContext(e, http.MethodPost, "/assignments", tt.body)
			expectHTTPStatus(t, h.CommitAssignment(c), tt.code)
		})
	}
}

func TestHandler_ReleaseAndGetCapability(t *testing.T) {
	pc := capability(1)
	h, e, _ := newTestHandler(pc)

	c, _ := newContext(e, http.MethodPost, "/assignments", `{"capability_id":"`+pc.ID.String()+`","hours":6}`)
	if err := h.CommitAssignment(c); err != nil {
		t.Fatal(err)
	}
	c, resp := newContext(e, http.MethodPost, "/assignments/release", `{"capability_id":"`+pc.ID.String()+`","hours":2}`)
	if err := h.Release(c); err != nil {
		t.Fatal(err)
	}
	if resp.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.Code)
	}

	c, resp = newContext(e, http.MethodGet, "/capabilities/"+pc.ID.String(), "")
	c.SetParamNames("id")
	c.SetParamValues(pc.ID.String())
	if err := h.GetCapability(c); err != nil {
		t.Fatal(err)
	}
	var got ProviderCapability
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.CurrentUtilizationHours != 14 || got.EarliestStart != 8*60 {
		t.Errorf("unexpected capability: %+v", got)
	}

	c, _ = newContext(e, http.MethodGet, "/capabilities/nope", "")
	c.SetParamNames("id")
	c.SetParamValues("nope")
	expectHTTPStatus(t, h.GetCapability(c), http.StatusBadRequest)
}

func TestHandler_UpsertCapability(t *testing.T) {
	h, e, _ := newTestHandler()
	body := `{
		"provider_id": "` + uuid.NewString() + `",
		"provider_type": "sspo",
		"service_type_id": "NURSE",
		"is_active": true,
		"max_weekly_hours": 60,
		"quality_score": 88,
		"acceptance_rate": 0.8,
		"completion_rate": 0.97,
		"effective_date": "2026-01-01T00:00:00Z",
		"earliest_start": "07:00",
		"latest_end": "24:00",
		"available_days": ["mon", "wed"],
		"regions": ["ottawa"]
	}`
	c, resp := newContext(e, http.MethodPost, "/capabilities", body)
	if err := h.UpsertCapability(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got ProviderCapability
	json.Unmarshal(resp.Body.Bytes(), &got)
	if got.ID == uuid.Nil || got.LatestEnd != EndOfDay {
		t.Errorf("unexpected capability: %+v", got)
	}

	tests := []struct {
		name string
		body string
	}{
		{"bad clock", strings.Replace(body, `"07:00"`, `"7am"`, 1)},
		{"bad type", strings.Replace(body, `"sspo"`, `"agency"`, 1)},
		{"quality out of range", strings.Replace(body, `"quality_score": 88`, `"quality_score": 188`, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newContext(e, http.MethodPost, "/capabilities", tt.body)
			expectHTTPStatus(t, h.UpsertCapability(c), http.StatusBadRequest)
		})
	}

	// A second row for the same provider and service type is a conflict.
	c, _ = newContext(e, http.MethodPost, "/capabilities", body)
	expectHTTPStatus(t, h.UpsertCapability(c), http.StatusConflict)
}
