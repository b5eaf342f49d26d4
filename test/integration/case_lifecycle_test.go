package integration

import (
	"net/http"
	"strings"
	"testing"
)

// reportHazard files a hazard report and returns the case ID.
func reportHazard(t *testing.T, h *TestHarness, token string) string {
	t.Helper()

	resp := h.POST("/api/cases", HazardFixture(), token)

	var rcase map[string]any
	h.AssertJSON(t, resp, http.StatusCreated, &rcase)

	id, _ := rcase["id"].(string)
	if id == "" {
		t.Fatal("expected case ID in create response")
	}
	return id
}

// ==========================================================================
// Full Approval Lifecycle
// ==========================================================================

func TestCase_FullApprovalLifecycle(t *testing.T) {
	h := NewTestHarness(t)
	reporter := h.GenerateToken(ReporterClaims())
	officer := h.GenerateToken(OfficerClaims())
	responsible := h.GenerateToken(ResponsibleClaims())

	// 1. Report a hazard.
	resp := h.POST("/api/cases", HazardFixture(), reporter)
	var rcase map[string]any
	h.AssertJSON(t, resp, http.StatusCreated, &rcase)

	caseID := rcase["id"].(string)
	code, _ := rcase["code"].(string)
	if !strings.HasPrefix(code, "HZ-") {
		t.Errorf("code = %q, want HZ- prefix", code)
	}

	// The case lands past the report step, waiting on the safety officer.
	assertEqual(t, rcase["status"], "assigned", "initial status")
	assertEqual(t, rcase["current_step_id"], "assign", "initial step")
	assertEqual(t, rcase["current_executor_id"], "user-officer", "initial executor")
	assertEqual(t, rcase["reporter_id"], "user-reporter", "reporter")

	// 2. Officer assigns: advance to rectify. The responsible party from the
	// report becomes the executor.
	resp = h.POST("/api/cases/"+caseID+"/transition", map[string]any{
		"step_id":    "rectify",
		"step_index": 2,
		"action":     "assign",
		"comment":    "Cut power to the circuit first.",
	}, officer)
	h.AssertJSON(t, resp, http.StatusOK, &rcase)

	assertEqual(t, rcase["status"], "rectifying", "status after assign")
	assertEqual(t, rcase["current_executor_id"], "user-resp", "executor after assign")

	// 3. Responsible party rectifies: advance to verify. The reporter verifies.
	resp = h.POST("/api/cases/"+caseID+"/transition", map[string]any{
		"step_id":    "verify",
		"step_index": 3,
		"action":     "rectify",
		"comment":    "Wiring replaced and insulated.",
	}, responsible)
	h.AssertJSON(t, resp, http.StatusOK, &rcase)

	assertEqual(t, rcase["status"], "verified", "status after rectify")
	assertEqual(t, rcase["current_executor_id"], "user-reporter", "executor after rectify")

	// 4. Reporter confirms on the final step: the case closes.
	resp = h.POST("/api/cases/"+caseID+"/transition", map[string]any{
		"step_id":    "verify",
		"step_index": 3,
		"action":     "close",
		"comment":    "Confirmed fixed.",
	}, reporter)
	h.AssertJSON(t, resp, http.StatusOK, &rcase)

	assertEqual(t, rcase["status"], "closed", "final status")
	if executor, ok := rcase["current_executor_id"]; ok && executor != "" {
		t.Errorf("executor after close = %v, want empty", executor)
	}

	// 5. No further transition is possible.
	resp = h.POST("/api/cases/"+caseID+"/transition", map[string]any{
		"step_id":    "verify",
		"step_index": 3,
		"action":     "close",
	}, reporter)
	h.AssertStatus(t, resp, http.StatusUnprocessableEntity)

	// 6. History records every applied action in order.
	resp = h.GET("/api/cases/"+caseID+"/history", reporter)
	var hist struct {
		Data []map[string]any `json:"data"`
	}
	h.AssertJSON(t, resp, http.StatusOK, &hist)

	if len(hist.Data) != 4 {
		t.Fatalf("history length = %d, want 4\n%s", len(hist.Data), FormatJSON(hist.Data))
	}
	wantActions := []string{"report", "assign", "rectify", "close"}
	for i, want := range wantActions {
		assertEqual(t, hist.Data[i]["action"], want, "history action")
	}
	assertEqual(t, hist.Data[3]["operator_id"], "user-reporter", "closing operator")

	// 7. Each transition produced notifications. The assign step CCs the
	// reporter, so at least: reported (officer + CC reporter), advanced x2,
	// closed (reporter).
	msgs := h.WaitForMessages(t, 5)
	triggers := make(map[string]int)
	for _, m := range msgs {
		triggers[m.Trigger]++
	}
	if triggers["case_reported"] < 2 {
		t.Errorf("case_reported messages = %d, want >= 2 (executor + CC)", triggers["case_reported"])
	}
	if triggers["case_closed"] != 1 {
		t.Errorf("case_closed messages = %d, want 1", triggers["case_closed"])
	}
	for _, m := range msgs {
		if m.CaseCode != code {
			t.Errorf("message case code = %q, want %q", m.CaseCode, code)
		}
	}
}

// ==========================================================================
// Rejection Path
// ==========================================================================

func TestCase_RejectionSendsBackOneStep(t *testing.T) {
	h := NewTestHarness(t)
	reporter := h.GenerateToken(ReporterClaims())
	officer := h.GenerateToken(OfficerClaims())

	caseID := reportHazard(t, h, reporter)

	// Officer sends the report back for more detail.
	resp := h.POST("/api/cases/"+caseID+"/reject", map[string]any{
		"comment": "Which lathe? Add the asset number.",
	}, officer)
	var rcase map[string]any
	h.AssertJSON(t, resp, http.StatusOK, &rcase)

	assertEqual(t, rcase["status"], "reported", "status after reject")
	assertEqual(t, rcase["current_step_id"], "report", "step after reject")
	assertEqual(t, rcase["current_executor_id"], "user-reporter", "executor after reject")

	// The case cannot go further back than the initial step.
	resp = h.POST("/api/cases/"+caseID+"/reject", map[string]any{
		"comment": "again",
	}, reporter)
	h.AssertStatus(t, resp, http.StatusUnprocessableEntity)

	// The reporter resubmits and the officer gets it again.
	resp = h.POST("/api/cases/"+caseID+"/transition", map[string]any{
		"step_id":    "assign",
		"step_index": 1,
		"action":     "resubmit",
	}, reporter)
	h.AssertJSON(t, resp, http.StatusOK, &rcase)

	assertEqual(t, rcase["status"], "assigned", "status after resubmit")
	assertEqual(t, rcase["current_executor_id"], "user-officer", "executor after resubmit")

	// The rejection comment is in the audit trail.
	resp = h.GET("/api/cases/"+caseID+"/history", reporter)
	var hist struct {
		Data []map[string]any `json:"data"`
	}
	h.AssertJSON(t, resp, http.StatusOK, &hist)

	if len(hist.Data) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist.Data))
	}
	assertEqual(t, hist.Data[1]["action"], "reject", "reject history action")
	assertEqual(t, hist.Data[1]["comment"], "Which lathe? Add the asset number.", "reject comment")
}

// ==========================================================================
// Step Skipping
// ==========================================================================

func TestCase_SkippingStepsIsRejected(t *testing.T) {
	h := NewTestHarness(t)
	reporter := h.GenerateToken(ReporterClaims())
	officer := h.GenerateToken(OfficerClaims())

	caseID := reportHazard(t, h, reporter)

	// The case sits at assign (index 1); verify (index 3) is two steps ahead.
	resp := h.POST("/api/cases/"+caseID+"/transition", map[string]any{
		"step_id":    "verify",
		"step_index": 3,
		"action":     "skip",
	}, officer)
	h.AssertStatus(t, resp, http.StatusUnprocessableEntity)

	// A step/index pair that does not match the definition is also rejected.
	resp = h.POST("/api/cases/"+caseID+"/transition", map[string]any{
		"step_id":    "rectify",
		"step_index": 1,
		"action":     "assign",
	}, officer)
	h.AssertStatus(t, resp, http.StatusUnprocessableEntity)
}

// ==========================================================================
// Void
// ==========================================================================

func TestCase_VoidByReporter(t *testing.T) {
	h := NewTestHarness(t)
	reporter := h.GenerateToken(ReporterClaims())
	officer := h.GenerateToken(OfficerClaims())

	caseID := reportHazard(t, h, reporter)

	// Only the reporter or an admin may void.
	resp := h.POST("/api/cases/"+caseID+"/void", map[string]any{
		"reason": "duplicate",
	}, officer)
	h.AssertStatus(t, resp, http.StatusForbidden)

	// A reason is mandatory.
	resp = h.POST("/api/cases/"+caseID+"/void", map[string]any{}, reporter)
	h.AssertStatus(t, resp, http.StatusUnprocessableEntity)

	resp = h.POST("/api/cases/"+caseID+"/void", map[string]any{
		"reason": "Duplicate of HZ-20260901-0001",
	}, reporter)
	var rcase map[string]any
	h.AssertJSON(t, resp, http.StatusOK, &rcase)

	assertEqual(t, rcase["status"], "voided", "status after void")
	assertEqual(t, rcase["void_reason"], "Duplicate of HZ-20260901-0001", "void reason")

	// Voiding is irreversible.
	resp = h.POST("/api/cases/"+caseID+"/void", map[string]any{
		"reason": "again",
	}, reporter)
	h.AssertStatus(t, resp, http.StatusUnprocessableEntity)

	resp = h.POST("/api/cases/"+caseID+"/transition", map[string]any{
		"step_id":    "rectify",
		"step_index": 2,
		"action":     "assign",
	}, h.GenerateToken(AdminClaims()))
	h.AssertStatus(t, resp, http.StatusUnprocessableEntity)
}

func TestCase_VoidByAdmin(t *testing.T) {
	h := NewTestHarness(t)
	reporter := h.GenerateToken(ReporterClaims())
	admin := h.GenerateToken(AdminClaims())

	caseID := reportHazard(t, h, reporter)

	resp := h.POST("/api/cases/"+caseID+"/void", map[string]any{
		"reason": "reported against the wrong site",
	}, admin)
	var rcase map[string]any
	h.AssertJSON(t, resp, http.StatusOK, &rcase)

	assertEqual(t, rcase["status"], "voided", "status after admin void")
}

// ==========================================================================
// Listing and Filtering
// ==========================================================================

func TestCase_ListAndFilter(t *testing.T) {
	h := NewTestHarness(t)
	reporter := h.GenerateToken(ReporterClaims())

	first := reportHazard(t, h, reporter)
	reportHazard(t, h, reporter)

	// Void one case so the status filter has something to split on.
	resp := h.POST("/api/cases/"+first+"/void", map[string]any{
		"reason": "duplicate",
	}, reporter)
	h.AssertStatus(t, resp, http.StatusOK)

	var list struct {
		Data       []map[string]any `json:"data"`
		TotalCount int              `json:"total_count"`
		Page       int              `json:"page"`
		PageSize   int              `json:"page_size"`
	}

	resp = h.GET("/api/cases", reporter)
	h.AssertJSON(t, resp, http.StatusOK, &list)
	if list.TotalCount != 2 {
		t.Errorf("total_count = %d, want 2", list.TotalCount)
	}
	assertEqual(t, list.Page, 1, "default page")
	assertEqual(t, list.PageSize, 20, "default page size")

	resp = h.GET("/api/cases?status=voided", reporter)
	h.AssertJSON(t, resp, http.StatusOK, &list)
	if list.TotalCount != 1 {
		t.Errorf("voided total_count = %d, want 1", list.TotalCount)
	}

	resp = h.GET("/api/cases?reporter_id=somebody-else", reporter)
	h.AssertJSON(t, resp, http.StatusOK, &list)
	if list.TotalCount != 0 {
		t.Errorf("foreign reporter total_count = %d, want 0", list.TotalCount)
	}
}

// ==========================================================================
// Not Found
// ==========================================================================

func TestCase_UnknownCaseReturns404(t *testing.T) {
	h := NewTestHarness(t)
	reporter := h.GenerateToken(ReporterClaims())

	resp := h.GET("/api/cases/no-such-case", reporter)
	h.AssertStatus(t, resp, http.StatusNotFound)

	resp = h.POST("/api/cases/no-such-case/transition", map[string]any{
		"step_id":    "assign",
		"step_index": 1,
		"action":     "assign",
	}, reporter)
	h.AssertStatus(t, resp, http.StatusNotFound)
}
