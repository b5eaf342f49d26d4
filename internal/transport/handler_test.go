package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/hazen/internal/definition"
	"github.com/pitabwire/hazen/internal/workflow"
	"github.com/pitabwire/hazen/model"
)

// --- Test helpers ---

// contextMiddleware injects a RequestContext into the request.
func contextMiddleware(rctx *model.RequestContext) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := model.WithRequestContext(r.Context(), rctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func reporterContext() *model.RequestContext {
	return &model.RequestContext{
		SubjectID:   "user-1",
		SubjectName: "Alice",
		Email:       "alice@example.com",
		Permissions: model.NewPermissionSet([]string{"hazards:report"}),
	}
}

func officerContext() *model.RequestContext {
	return &model.RequestContext{
		SubjectID:   "user-s",
		SubjectName: "Sam",
	}
}

func adminContext() *model.RequestContext {
	return &model.RequestContext{
		SubjectID:   "user-a",
		SubjectName: "Ada",
		Roles:       []string{"admin"},
	}
}

func testDefinition() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		Version: 1,
		Steps: []model.Step{
			{ID: "report", Name: "Report", Handler: model.HandlerStrategy{Type: model.StrategyFixed}},
			{ID: "assign", Name: "Assign", Handler: model.HandlerStrategy{Type: model.StrategyRole, Role: "safety_officer"}},
			{ID: "rectify", Name: "Rectify", Handler: model.HandlerStrategy{Type: model.StrategyResponsible}},
			{ID: "verify", Name: "Verify", Handler: model.HandlerStrategy{Type: model.StrategyReporter}},
		},
	}
}

func newTestEngine() *workflow.Engine {
	registry := definition.NewRegistry(testDefinition())
	directory := workflow.NewStaticDirectory(map[string][]model.UserRef{
		"safety_officer": {{ID: "user-s", Name: "Sam"}},
	})
	resolver := workflow.NewResolver(directory, nil)
	return workflow.NewEngine(registry, workflow.NewMemoryCaseStore(), resolver, nil, nil)
}

func testCreateInput() workflow.CreateInput {
	return workflow.CreateInput{
		HazardType:      "electrical",
		Location:        "Workshop 3",
		Description:     "Exposed wiring",
		RiskLevel:       "high",
		ResponsibleID:   "user-r",
		ResponsibleName: "Rita",
	}
}

// makeRouterRequest creates a chi-routed request with URL params and context injected.
func makeRouterRequest(method, pattern, path string, body []byte, handler http.HandlerFunc, rctx *model.RequestContext) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	if rctx != nil {
		r.Use(contextMiddleware(rctx))
	}
	switch method {
	case "GET":
		r.Get(pattern, handler)
	case "POST":
		r.Post(pattern, handler)
	case "PUT":
		r.Put(pattern, handler)
	}

	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// --- Case create tests ---

func TestHandleCaseCreate_success(t *testing.T) {
	engine := newTestEngine()
	handler := handleCaseCreate(engine)

	body, _ := json.Marshal(testCreateInput())
	w := makeRouterRequest("POST", "/api/cases", "/api/cases", body, handler, reporterContext())
	if w.Code != 201 {
		t.Fatalf("status = %d, want 201; body = %s", w.Code, w.Body.String())
	}

	var rcase model.CaseRecord
	json.NewDecoder(w.Body).Decode(&rcase)
	if rcase.Status != model.StatusAssigned {
		t.Errorf("status = %q, want assigned", rcase.Status)
	}
	if rcase.CurrentStepID != "assign" {
		t.Errorf("current_step_id = %q, want assign", rcase.CurrentStepID)
	}
	if rcase.CurrentExecutorID != "user-s" {
		t.Errorf("current_executor_id = %q, want user-s", rcase.CurrentExecutorID)
	}
	if rcase.Code == "" {
		t.Error("case code should be generated")
	}
}

func TestHandleCaseCreate_invalidJSON(t *testing.T) {
	handler := handleCaseCreate(newTestEngine())

	w := makeRouterRequest("POST", "/api/cases", "/api/cases", []byte("not json"), handler, reporterContext())
	if w.Code != 400 {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleCaseCreate_missingDescription(t *testing.T) {
	handler := handleCaseCreate(newTestEngine())

	input := testCreateInput()
	input.Description = ""
	body, _ := json.Marshal(input)

	w := makeRouterRequest("POST", "/api/cases", "/api/cases", body, handler, reporterContext())
	if w.Code != 422 {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestHandleCaseCreate_missingPermission(t *testing.T) {
	handler := handleCaseCreate(newTestEngine())

	rctx := &model.RequestContext{SubjectID: "user-x", SubjectName: "Xavier"}
	body, _ := json.Marshal(testCreateInput())

	w := makeRouterRequest("POST", "/api/cases", "/api/cases", body, handler, rctx)
	if w.Code != 403 {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestHandleCaseCreate_noRequestContext(t *testing.T) {
	handler := handleCaseCreate(newTestEngine())

	body, _ := json.Marshal(testCreateInput())
	w := makeRouterRequest("POST", "/api/cases", "/api/cases", body, handler, nil)
	if w.Code != 401 {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// --- Case read tests ---

func TestHandleCaseGet_success(t *testing.T) {
	engine := newTestEngine()
	created, err := engine.Create(context.Background(), reporterContext(), testCreateInput())
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	handler := handleCaseGet(engine)
	w := makeRouterRequest("GET", "/api/cases/{caseId}", "/api/cases/"+created.ID, nil, handler, reporterContext())
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}

	var rcase model.CaseRecord
	json.NewDecoder(w.Body).Decode(&rcase)
	if rcase.ID != created.ID {
		t.Errorf("id = %q, want %q", rcase.ID, created.ID)
	}
}

func TestHandleCaseGet_notFound(t *testing.T) {
	handler := handleCaseGet(newTestEngine())

	w := makeRouterRequest("GET", "/api/cases/{caseId}", "/api/cases/nonexistent", nil, handler, reporterContext())
	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleCaseHistory_success(t *testing.T) {
	engine := newTestEngine()
	created, err := engine.Create(context.Background(), reporterContext(), testCreateInput())
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	handler := handleCaseHistory(engine)
	w := makeRouterRequest("GET", "/api/cases/{caseId}/history", fmt.Sprintf("/api/cases/%s/history", created.ID), nil, handler, reporterContext())
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Data []model.HistoryEntry `json:"data"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Data) != 1 {
		t.Fatalf("history len = %d, want 1", len(resp.Data))
	}
	if resp.Data[0].Action != "report" {
		t.Errorf("action = %q, want report", resp.Data[0].Action)
	}
}

func TestHandleCaseList_success(t *testing.T) {
	engine := newTestEngine()
	rctx := reporterContext()
	for i := 0; i < 2; i++ {
		if _, err := engine.Create(context.Background(), rctx, testCreateInput()); err != nil {
			t.Fatalf("create case: %v", err)
		}
	}

	handler := handleCaseList(engine)
	w := makeRouterRequest("GET", "/api/cases", "/api/cases?page=1&page_size=10", nil, handler, rctx)
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Data       []model.CaseSummary `json:"data"`
		TotalCount int                 `json:"total_count"`
		Page       int                 `json:"page"`
		PageSize   int                 `json:"page_size"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Data) != 2 {
		t.Errorf("data len = %d, want 2", len(resp.Data))
	}
	if resp.TotalCount != 2 {
		t.Errorf("total_count = %d, want 2", resp.TotalCount)
	}
	if resp.Page != 1 || resp.PageSize != 10 {
		t.Errorf("page = %d, page_size = %d, want 1 and 10", resp.Page, resp.PageSize)
	}
}

func TestHandleCaseList_statusFilter(t *testing.T) {
	engine := newTestEngine()
	rctx := reporterContext()
	if _, err := engine.Create(context.Background(), rctx, testCreateInput()); err != nil {
		t.Fatalf("create case: %v", err)
	}

	handler := handleCaseList(engine)
	w := makeRouterRequest("GET", "/api/cases", "/api/cases?status=closed", nil, handler, rctx)
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		TotalCount int `json:"total_count"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.TotalCount != 0 {
		t.Errorf("total_count = %d, want 0 for closed filter", resp.TotalCount)
	}
}

// --- Transition tests ---

func TestHandleCaseTransition_success(t *testing.T) {
	engine := newTestEngine()
	created, err := engine.Create(context.Background(), reporterContext(), testCreateInput())
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	handler := handleCaseTransition(engine)
	body, _ := json.Marshal(workflow.TransitionRequest{
		StepID:    "rectify",
		StepIndex: 2,
		Action:    "approve",
		Comment:   "assigning for rectification",
	})

	w := makeRouterRequest("POST", "/api/cases/{caseId}/transition", fmt.Sprintf("/api/cases/%s/transition", created.ID), body, handler, officerContext())
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}

	var rcase model.CaseRecord
	json.NewDecoder(w.Body).Decode(&rcase)
	if rcase.Status != model.StatusRectifying {
		t.Errorf("status = %q, want rectifying", rcase.Status)
	}
	if rcase.CurrentExecutorID != "user-r" {
		t.Errorf("current_executor_id = %q, want user-r", rcase.CurrentExecutorID)
	}
}

func TestHandleCaseTransition_skipStep(t *testing.T) {
	engine := newTestEngine()
	created, err := engine.Create(context.Background(), reporterContext(), testCreateInput())
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	handler := handleCaseTransition(engine)
	body, _ := json.Marshal(workflow.TransitionRequest{
		StepID:    "verify",
		StepIndex: 3,
		Action:    "approve",
	})

	w := makeRouterRequest("POST", "/api/cases/{caseId}/transition", fmt.Sprintf("/api/cases/%s/transition", created.ID), body, handler, officerContext())
	if w.Code != 422 {
		t.Errorf("status = %d, want 422 for skipped step", w.Code)
	}
}

func TestHandleCaseTransition_wrongOperator(t *testing.T) {
	engine := newTestEngine()
	created, err := engine.Create(context.Background(), reporterContext(), testCreateInput())
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	handler := handleCaseTransition(engine)
	body, _ := json.Marshal(workflow.TransitionRequest{
		StepID:    "rectify",
		StepIndex: 2,
		Action:    "approve",
	})

	// The case sits with the safety officer; the reporter may not advance it.
	w := makeRouterRequest("POST", "/api/cases/{caseId}/transition", fmt.Sprintf("/api/cases/%s/transition", created.ID), body, handler, reporterContext())
	if w.Code != 403 {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestHandleCaseTransition_invalidJSON(t *testing.T) {
	handler := handleCaseTransition(newTestEngine())

	w := makeRouterRequest("POST", "/api/cases/{caseId}/transition", "/api/cases/case-1/transition", []byte("bad"), handler, officerContext())
	if w.Code != 400 {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleCaseTransition_noRequestContext(t *testing.T) {
	handler := handleCaseTransition(newTestEngine())

	body, _ := json.Marshal(workflow.TransitionRequest{StepID: "assign", StepIndex: 1})
	w := makeRouterRequest("POST", "/api/cases/{caseId}/transition", "/api/cases/case-1/transition", body, handler, nil)
	if w.Code != 401 {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// --- Reject tests ---

func TestHandleCaseReject_success(t *testing.T) {
	engine := newTestEngine()
	created, err := engine.Create(context.Background(), reporterContext(), testCreateInput())
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	handler := handleCaseReject(engine)
	body, _ := json.Marshal(map[string]string{"comment": "wrong responsible party"})

	w := makeRouterRequest("POST", "/api/cases/{caseId}/reject", fmt.Sprintf("/api/cases/%s/reject", created.ID), body, handler, officerContext())
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}

	var rcase model.CaseRecord
	json.NewDecoder(w.Body).Decode(&rcase)
	if rcase.CurrentStepIndex != 0 {
		t.Errorf("current_step_index = %d, want 0", rcase.CurrentStepIndex)
	}
	if rcase.Status != model.StatusReported {
		t.Errorf("status = %q, want reported", rcase.Status)
	}
	if rcase.CurrentExecutorID != "user-1" {
		t.Errorf("current_executor_id = %q, want user-1 (reporter)", rcase.CurrentExecutorID)
	}
}

func TestHandleCaseReject_initialStep(t *testing.T) {
	engine := newTestEngine()
	rctx := reporterContext()
	created, err := engine.Create(context.Background(), rctx, testCreateInput())
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	if _, err := engine.Reject(context.Background(), officerContext(), created.ID, "back to reporter"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	handler := handleCaseReject(engine)
	body, _ := json.Marshal(map[string]string{"comment": "again"})

	w := makeRouterRequest("POST", "/api/cases/{caseId}/reject", fmt.Sprintf("/api/cases/%s/reject", created.ID), body, handler, rctx)
	if w.Code != 422 {
		t.Errorf("status = %d, want 422 for reject at initial step", w.Code)
	}
}

func TestHandleCaseReject_invalidJSON(t *testing.T) {
	handler := handleCaseReject(newTestEngine())

	w := makeRouterRequest("POST", "/api/cases/{caseId}/reject", "/api/cases/case-1/reject", []byte("bad"), handler, officerContext())
	if w.Code != 400 {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// --- Void tests ---

func TestHandleCaseVoid_success(t *testing.T) {
	engine := newTestEngine()
	rctx := reporterContext()
	created, err := engine.Create(context.Background(), rctx, testCreateInput())
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	handler := handleCaseVoid(engine)
	body, _ := json.Marshal(map[string]string{"reason": "reported in error"})

	w := makeRouterRequest("POST", "/api/cases/{caseId}/void", fmt.Sprintf("/api/cases/%s/void", created.ID), body, handler, rctx)
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}

	var rcase model.CaseRecord
	json.NewDecoder(w.Body).Decode(&rcase)
	if rcase.Status != model.StatusVoided {
		t.Errorf("status = %q, want voided", rcase.Status)
	}
	if rcase.VoidReason != "reported in error" {
		t.Errorf("void_reason = %q", rcase.VoidReason)
	}
}

func TestHandleCaseVoid_missingReason(t *testing.T) {
	engine := newTestEngine()
	rctx := reporterContext()
	created, err := engine.Create(context.Background(), rctx, testCreateInput())
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	handler := handleCaseVoid(engine)
	body, _ := json.Marshal(map[string]string{})

	w := makeRouterRequest("POST", "/api/cases/{caseId}/void", fmt.Sprintf("/api/cases/%s/void", created.ID), body, handler, rctx)
	if w.Code != 422 {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestHandleCaseVoid_notReporter(t *testing.T) {
	engine := newTestEngine()
	created, err := engine.Create(context.Background(), reporterContext(), testCreateInput())
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	handler := handleCaseVoid(engine)
	body, _ := json.Marshal(map[string]string{"reason": "not mine to void"})

	w := makeRouterRequest("POST", "/api/cases/{caseId}/void", fmt.Sprintf("/api/cases/%s/void", created.ID), body, handler, officerContext())
	if w.Code != 403 {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestHandleCaseVoid_alreadyTerminal(t *testing.T) {
	engine := newTestEngine()
	rctx := reporterContext()
	created, err := engine.Create(context.Background(), rctx, testCreateInput())
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	if _, err := engine.Void(context.Background(), rctx, created.ID, "duplicate"); err != nil {
		t.Fatalf("void: %v", err)
	}

	handler := handleCaseVoid(engine)
	body, _ := json.Marshal(map[string]string{"reason": "again"})

	w := makeRouterRequest("POST", "/api/cases/{caseId}/void", fmt.Sprintf("/api/cases/%s/void", created.ID), body, handler, rctx)
	if w.Code != 422 {
		t.Errorf("status = %d, want 422 for voiding a voided case", w.Code)
	}
}

// --- Definition handler tests ---

func TestHandleDefinitionGet_success(t *testing.T) {
	registry := definition.NewRegistry(testDefinition())
	handler := handleDefinitionGet(registry)

	w := makeRouterRequest("GET", "/api/workflow", "/api/workflow", nil, handler, reporterContext())
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Definition model.WorkflowDefinition `json:"definition"`
		Checksum   string                   `json:"checksum"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Definition.Version != 1 {
		t.Errorf("version = %d, want 1", resp.Definition.Version)
	}
	if len(resp.Definition.Steps) != 4 {
		t.Errorf("steps = %d, want 4", len(resp.Definition.Steps))
	}
	if resp.Checksum == "" {
		t.Error("checksum should not be empty")
	}
}

func TestHandleDefinitionUpdate_success(t *testing.T) {
	registry := definition.NewRegistry(testDefinition())
	loader := definition.NewLoader(filepath.Join(t.TempDir(), "workflow.yaml"))
	handler := handleDefinitionUpdate(registry, loader)

	body, _ := json.Marshal(testDefinition())
	w := makeRouterRequest("PUT", "/api/workflow", "/api/workflow", body, handler, adminContext())
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Definition model.WorkflowDefinition `json:"definition"`
		Checksum   string                   `json:"checksum"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Definition.Version != 2 {
		t.Errorf("version = %d, want 2 (bumped on save)", resp.Definition.Version)
	}
	if resp.Definition.UpdatedBy != "user-a" {
		t.Errorf("updated_by = %q, want user-a", resp.Definition.UpdatedBy)
	}
	if got := registry.Current().Version; got != 2 {
		t.Errorf("registry current version = %d, want 2", got)
	}
}

func TestHandleDefinitionUpdate_notAdmin(t *testing.T) {
	registry := definition.NewRegistry(testDefinition())
	loader := definition.NewLoader(filepath.Join(t.TempDir(), "workflow.yaml"))
	handler := handleDefinitionUpdate(registry, loader)

	body, _ := json.Marshal(testDefinition())
	w := makeRouterRequest("PUT", "/api/workflow", "/api/workflow", body, handler, reporterContext())
	if w.Code != 403 {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if got := registry.Current().Version; got != 1 {
		t.Errorf("registry version changed to %d, want 1", got)
	}
}

func TestHandleDefinitionUpdate_invalidDefinition(t *testing.T) {
	registry := definition.NewRegistry(testDefinition())
	loader := definition.NewLoader(filepath.Join(t.TempDir(), "workflow.yaml"))
	handler := handleDefinitionUpdate(registry, loader)

	body, _ := json.Marshal(model.WorkflowDefinition{Version: 1})
	w := makeRouterRequest("PUT", "/api/workflow", "/api/workflow", body, handler, adminContext())
	if w.Code != 422 {
		t.Errorf("status = %d, want 422 for definition with no steps", w.Code)
	}
}

func TestHandleDefinitionUpdate_invalidJSON(t *testing.T) {
	registry := definition.NewRegistry(testDefinition())
	loader := definition.NewLoader(filepath.Join(t.TempDir(), "workflow.yaml"))
	handler := handleDefinitionUpdate(registry, loader)

	w := makeRouterRequest("PUT", "/api/workflow", "/api/workflow", []byte("bad"), handler, adminContext())
	if w.Code != 400 {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleDefinitionUpdate_noRequestContext(t *testing.T) {
	registry := definition.NewRegistry(testDefinition())
	loader := definition.NewLoader(filepath.Join(t.TempDir(), "workflow.yaml"))
	handler := handleDefinitionUpdate(registry, loader)

	body, _ := json.Marshal(testDefinition())
	w := makeRouterRequest("PUT", "/api/workflow", "/api/workflow", body, handler, nil)
	if w.Code != 401 {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// --- queryInt tests ---

func TestQueryInt_default(t *testing.T) {
	req := httptest.NewRequest("GET", "/?page=", nil)
	if got := queryInt(req, "page", 1); got != 1 {
		t.Errorf("queryInt empty = %d, want 1", got)
	}
}

func TestQueryInt_valid(t *testing.T) {
	req := httptest.NewRequest("GET", "/?page=5", nil)
	if got := queryInt(req, "page", 1); got != 5 {
		t.Errorf("queryInt = %d, want 5", got)
	}
}

func TestQueryInt_invalid(t *testing.T) {
	req := httptest.NewRequest("GET", "/?page=abc", nil)
	if got := queryInt(req, "page", 1); got != 1 {
		t.Errorf("queryInt invalid = %d, want 1", got)
	}
}

func TestQueryInt_belowMinimum(t *testing.T) {
	req := httptest.NewRequest("GET", "/?page=0", nil)
	if got := queryInt(req, "page", 1); got != 1 {
		t.Errorf("queryInt zero = %d, want 1", got)
	}
}
