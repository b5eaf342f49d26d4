package integration

import (
	"net/http"
	"testing"
)

// ==========================================================================
// Authentication
// ==========================================================================

func TestSecurity_RequestsWithoutTokenAreRejected(t *testing.T) {
	h := NewTestHarness(t)

	paths := []struct {
		method string
		path   string
	}{
		{"GET", "/api/cases"},
		{"POST", "/api/cases"},
		{"GET", "/api/cases/case-1"},
		{"GET", "/api/cases/case-1/history"},
		{"POST", "/api/cases/case-1/transition"},
		{"POST", "/api/cases/case-1/reject"},
		{"POST", "/api/cases/case-1/void"},
		{"GET", "/api/workflow"},
		{"PUT", "/api/workflow"},
	}

	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			var resp *http.Response
			switch p.method {
			case "GET":
				resp = h.GET(p.path, "")
			case "POST":
				resp = h.POST(p.path, map[string]any{}, "")
			case "PUT":
				resp = h.PUT(p.path, map[string]any{}, "")
			}
			h.AssertStatus(t, resp, http.StatusUnauthorized)
		})
	}
}

func TestSecurity_ExpiredTokenIsRejected(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateExpiredToken(ReporterClaims())

	resp := h.GET("/api/cases", token)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_MalformedTokenIsRejected(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/api/cases", "not.a.jwt")
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_HealthEndpointsBypassAuth(t *testing.T) {
	h := NewTestHarness(t)

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		resp := h.GET(path, "")
		h.AssertStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}
}

// ==========================================================================
// Authorization
// ==========================================================================

func TestSecurity_ReportingRequiresPermission(t *testing.T) {
	h := NewTestHarness(t)

	// The officer has a role but not the hazards:report permission.
	resp := h.POST("/api/cases", HazardFixture(), h.GenerateToken(OfficerClaims()))
	h.AssertStatus(t, resp, http.StatusForbidden)

	// Admins may always report.
	resp = h.POST("/api/cases", HazardFixture(), h.GenerateToken(AdminClaims()))
	h.AssertStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
}

func TestSecurity_OnlyCurrentExecutorMayTransition(t *testing.T) {
	h := NewTestHarness(t)
	reporter := h.GenerateToken(ReporterClaims())

	caseID := reportHazard(t, h, reporter)

	// The case waits on the safety officer; the reporter cannot act.
	resp := h.POST("/api/cases/"+caseID+"/transition", map[string]any{
		"step_id":    "rectify",
		"step_index": 2,
		"action":     "assign",
	}, reporter)
	h.AssertStatus(t, resp, http.StatusForbidden)

	// An unrelated authenticated user cannot act either.
	resp = h.POST("/api/cases/"+caseID+"/transition", map[string]any{
		"step_id":    "rectify",
		"step_index": 2,
		"action":     "assign",
	}, h.GenerateToken(ResponsibleClaims()))
	h.AssertStatus(t, resp, http.StatusForbidden)

	// Admins override the executor check.
	resp = h.POST("/api/cases/"+caseID+"/transition", map[string]any{
		"step_id":    "rectify",
		"step_index": 2,
		"action":     "assign",
	}, h.GenerateToken(AdminClaims()))
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

// ==========================================================================
// Response Hygiene
// ==========================================================================

func TestSecurity_ResponseHeaders(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/health", "")
	defer resp.Body.Close()

	headers := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
	}
	for name, want := range headers {
		if got := resp.Header.Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
	if resp.Header.Get("X-Correlation-Id") == "" {
		t.Error("expected X-Correlation-Id header")
	}
}

func TestSecurity_InvalidJSONBodyIs400(t *testing.T) {
	h := NewTestHarness(t)
	reporter := h.GenerateToken(ReporterClaims())

	req, err := http.NewRequest("POST", h.BaseURL()+"/api/cases", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+reporter)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	h.AssertStatus(t, resp, http.StatusBadRequest)
}
