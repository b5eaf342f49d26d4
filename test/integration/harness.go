// Package integration provides a reusable test harness for end-to-end
// testing of the hazen workflow server. It starts a full HTTP server with
// an in-memory case store, a seeded workflow definition, and a test JWT
// issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/hazen/internal/config"
	"github.com/pitabwire/hazen/internal/definition"
	"github.com/pitabwire/hazen/internal/notify"
	"github.com/pitabwire/hazen/internal/observability"
	"github.com/pitabwire/hazen/internal/transport"
	"github.com/pitabwire/hazen/internal/workflow"
	"github.com/pitabwire/hazen/model"
)

// TestHarness encapsulates a fully wired hazen instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry *definition.Registry
	Loader   *definition.Loader
	Store    *workflow.MemoryCaseStore
	Engine   *workflow.Engine
	Outbox   *notify.Outbox

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	def            model.WorkflowDefinition
	roles          map[string][]model.UserRef
	handlerTimeout time.Duration
}

// WithDefinition replaces the default four-step workflow definition.
func WithDefinition(def model.WorkflowDefinition) HarnessOption {
	return func(c *harnessConfig) {
		c.def = def
	}
}

// WithRole adds users to a role in the static directory.
func WithRole(role string, users ...model.UserRef) HarnessOption {
	return func(c *harnessConfig) {
		c.roles[role] = append(c.roles[role], users...)
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// DefaultDefinition returns the standard report/assign/rectify/verify
// workflow used by most tests.
func DefaultDefinition() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		Version: 1,
		Steps: []model.Step{
			{
				ID:      "report",
				Name:    "Report hazard",
				Handler: model.HandlerStrategy{Type: model.StrategyFixed},
			},
			{
				ID:      "assign",
				Name:    "Assign responsible party",
				Handler: model.HandlerStrategy{Type: model.StrategyRole, Role: "safety_officer"},
				CCRules: []model.CCRule{
					{ID: "cc-reporter", Type: model.CCReporter},
				},
			},
			{
				ID:      "rectify",
				Name:    "Rectify hazard",
				Handler: model.HandlerStrategy{Type: model.StrategyResponsible},
			},
			{
				ID:      "verify",
				Name:    "Verify rectification",
				Handler: model.HandlerStrategy{Type: model.StrategyReporter},
			},
		},
	}
}

// NewTestHarness creates and starts a full hazen test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		def:            DefaultDefinition(),
		handlerTimeout: 10 * time.Second,
		roles: map[string][]model.UserRef{
			"safety_officer": {{ID: "user-officer", Name: "Olive Officer"}},
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}

	// Step 1: Seed the workflow definition file and load it back through
	// the real loader.
	defPath := filepath.Join(t.TempDir(), "workflow.yaml")
	data, err := yaml.Marshal(hc.def)
	if err != nil {
		t.Fatalf("marshal workflow definition: %v", err)
	}
	if err := os.WriteFile(defPath, data, 0o644); err != nil {
		t.Fatalf("write workflow definition: %v", err)
	}

	h.Loader = definition.NewLoader(defPath)
	def, err := h.Loader.Load()
	if err != nil {
		t.Fatalf("load workflow definition: %v", err)
	}
	if verrs := definition.NewValidator().Validate(def); len(verrs) > 0 {
		t.Fatalf("invalid workflow definition: %v", verrs)
	}
	h.Registry = definition.NewRegistry(def)

	// Step 2: Build the engine on an in-memory store.
	logger := zap.NewNop()
	h.Store = workflow.NewMemoryCaseStore()
	resolver := workflow.NewResolver(workflow.NewStaticDirectory(hc.roles), logger)
	h.Outbox = notify.NewOutbox(0)
	dispatcher := notify.NewDispatcher(notify.DefaultTemplates(), h.Outbox, logger)
	h.Engine = workflow.NewEngine(h.Registry, h.Store, resolver, dispatcher, logger)

	// Step 3: Create JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 4: Build config.
	h.cfg = &config.Config{
		Server: config.ServerConfig{
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			HandlerTimeout: hc.handlerTimeout,
			CORS: config.CORSConfig{
				AllowedOrigins: []string{"http://localhost:3000"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: config.IdentityConfig{
			Issuer:     h.issuer.Issuer(),
			Audience:   h.issuer.Audience(),
			JWKSURL:    h.issuer.JWKSURL(),
			Algorithms: []string{"RS256"},
		},
	}

	// Step 5: Build router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour)

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Engine:       h.Engine,
		Registry:     h.Registry,
		Loader:       h.Loader,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Health:       observability.HandleHealth(),
		Ready: observability.HandleReady(observability.ReadinessChecks{
			DefinitionLoaded: func() bool { return h.Registry.Current() != nil },
			CaseStore:        h.Store,
		}),
	})

	// Step 6: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// WaitForMessages polls the outbox until at least n messages arrived.
// Notification dispatch is asynchronous, so tests must not read the outbox
// directly after a transition.
func (h *TestHarness) WaitForMessages(t *testing.T, n int) []notify.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs := h.Outbox.Messages()
		if len(msgs) >= n {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("outbox has %d messages, want at least %d", len(msgs), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PUT", path, body, token)
}

func (h *TestHarness) doRequest(method, path string, body any, token string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Default test claims ---

// ReporterClaims returns TestClaims for a user who may report hazards.
func ReporterClaims() TestClaims {
	return TestClaims{
		SubjectID:   "user-reporter",
		Name:        "Rhea Reporter",
		Email:       "rhea@plant.example.com",
		Roles:       []string{"employee"},
		Permissions: []string{"hazards:report"},
	}
}

// OfficerClaims returns TestClaims for the safety officer in the default
// role directory.
func OfficerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-officer",
		Name:      "Olive Officer",
		Email:     "olive@plant.example.com",
		Roles:     []string{"safety_officer"},
	}
}

// ResponsibleClaims returns TestClaims for the default responsible party.
func ResponsibleClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-resp",
		Name:      "Remi Fixer",
		Email:     "remi@plant.example.com",
		Roles:     []string{"maintenance"},
	}
}

// AdminClaims returns TestClaims for an administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		Name:      "Ada Admin",
		Email:     "ada@plant.example.com",
		Roles:     []string{"admin"},
	}
}

// --- Helpers ---

// HazardFixture returns a typical hazard report payload.
func HazardFixture() map[string]any {
	return map[string]any{
		"hazard_type":      "electrical",
		"location":         "Workshop 3",
		"description":      "Exposed wiring near the lathe",
		"risk_level":       "high",
		"responsible_id":   "user-resp",
		"responsible_name": "Remi Fixer",
	}
}

// assertEqual fails the test when got != want.
func assertEqual(t *testing.T, got, want any, label string) {
	t.Helper()
	if got != want {
		t.Errorf("%s = %v, want %v", label, got, want)
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
