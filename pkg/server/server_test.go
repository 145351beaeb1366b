package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openprobe/openprobe/pkg/config"
	"github.com/openprobe/openprobe/pkg/plan"
	"github.com/openprobe/openprobe/pkg/queue"
	"github.com/openprobe/openprobe/pkg/registry"
	"github.com/openprobe/openprobe/pkg/scheduler"
	"github.com/openprobe/openprobe/pkg/stores"
)

// testHub is a fully wired hub API over in-memory storage.
type testHub struct {
	ts    *httptest.Server
	store *stores.SQLStore
	queue *queue.MemoryQueue
	reg   *registry.Service
}

func newTestHub(t *testing.T, cfg Config) *testHub {
	t.Helper()
	ctx := context.Background()
	db, err := stores.Open(ctx, stores.DBConfig{
		Dialect:      stores.DialectSQLite,
		DSN:          ":memory:",
		MaxOpenConns: 1,
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}

	store := stores.NewSQLStore(db)
	q := queue.NewMemoryQueue()
	reg := registry.NewService(store, registry.Config{}, nil, nil)
	disp := scheduler.NewDispatcher(store, q, nil, nil)

	srv := New(cfg, store, disp, reg, nil, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testHub{ts: ts, store: store, queue: q, reg: reg}
}

// apiEnvelope is the wire shape of every response.
type apiEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// call sends a JSON request and decodes the envelope.
func (h *testHub) call(t *testing.T, method, path string, body any) (int, apiEnvelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body failed: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, h.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode envelope failed: %v", err)
	}
	return resp.StatusCode, envelope
}

func (h *testHub) registerAgent(t *testing.T, location string) string {
	t.Helper()
	agent, err := h.reg.Register(context.Background(), location, nil)
	if err != nil {
		t.Fatalf("register agent failed: %v", err)
	}
	return agent.ID
}

func apiPlan(name string, locations ...string) *plan.Plan {
	return &plan.Plan{
		Project:     "payments",
		Environment: "production",
		Name:        name,
		Version:     plan.SchemaVersion,
		Locations:   locations,
		Nodes: plan.NodeList{
			plan.HTTPRequestNode{
				ID:             "fetch",
				Method:         plan.MethodGet,
				Base:           plan.LiteralValue("https://api.example.com"),
				Path:           "/health",
				ResponseFormat: plan.FormatJSON,
			},
		},
		Edges: []plan.Edge{
			{From: plan.StartNode, To: "fetch"},
			{From: "fetch", To: plan.EndNode},
		},
	}
}

func TestPlanEndpoints(t *testing.T) {
	hub := newTestHub(t, Config{})

	status, envelope := hub.call(t, http.MethodPost, "/plan", apiPlan("checkout"))
	if status != http.StatusCreated {
		t.Fatalf("create = %d: %+v", status, envelope.Error)
	}
	var created plan.Plan
	if err := json.Unmarshal(envelope.Data, &created); err != nil {
		t.Fatalf("decode created plan failed: %v", err)
	}
	if created.ID == "" {
		t.Fatal("created plan has no id")
	}

	status, envelope = hub.call(t, http.MethodGet, "/plan/"+created.ID, nil)
	if status != http.StatusOK {
		t.Fatalf("get = %d", status)
	}
	var fetched plan.Plan
	if err := json.Unmarshal(envelope.Data, &fetched); err != nil {
		t.Fatalf("decode plan failed: %v", err)
	}
	if fetched.Name != "checkout" {
		t.Errorf("fetched name = %q", fetched.Name)
	}

	status, _ = hub.call(t, http.MethodGet,
		"/plan/by-name?projectId=payments&environment=production&name=checkout&version=latest", nil)
	if status != http.StatusOK {
		t.Errorf("by-name = %d", status)
	}

	status, envelope = hub.call(t, http.MethodGet, "/plan/?projectId=payments", nil)
	if status != http.StatusOK {
		t.Fatalf("list = %d", status)
	}
	var docs []json.RawMessage
	if err := json.Unmarshal(envelope.Data, &docs); err != nil {
		t.Fatalf("decode list failed: %v", err)
	}
	if len(docs) != 1 {
		t.Errorf("list = %d docs", len(docs))
	}

	// Updating with a changed path succeeds and keeps the id.
	updated := apiPlan("checkout")
	node := updated.Nodes[0].(plan.HTTPRequestNode)
	node.Path = "/health/v2"
	updated.Nodes[0] = node
	status, _ = hub.call(t, http.MethodPut, "/plan/"+created.ID, updated)
	if status != http.StatusOK {
		t.Errorf("update = %d", status)
	}

	status, _ = hub.call(t, http.MethodDelete, "/plan/"+created.ID, nil)
	if status != http.StatusOK {
		t.Errorf("delete = %d", status)
	}
	status, _ = hub.call(t, http.MethodGet, "/plan/"+created.ID, nil)
	if status != http.StatusNotFound {
		t.Errorf("get after delete = %d", status)
	}
}

func TestCreatePlanValidation(t *testing.T) {
	hub := newTestHub(t, Config{})

	bad := apiPlan("checkout")
	bad.Version = "0.9"
	if status, _ := hub.call(t, http.MethodPost, "/plan", bad); status != http.StatusBadRequest {
		t.Errorf("unknown version = %d, want 400", status)
	}

	dangling := apiPlan("checkout")
	dangling.Edges = append(dangling.Edges, plan.Edge{From: "fetch", To: "ghost"})
	if status, _ := hub.call(t, http.MethodPost, "/plan", dangling); status != http.StatusBadRequest {
		t.Errorf("invalid document = %d, want 400", status)
	}
}

func TestCreatePlanLocationGate(t *testing.T) {
	hub := newTestHub(t, Config{})

	// No agent registered in tokyo yet.
	status, envelope := hub.call(t, http.MethodPost, "/plan", apiPlan("checkout", "tokyo"))
	if status != http.StatusBadRequest {
		t.Fatalf("unknown location = %d, want 400", status)
	}
	if envelope.Error == nil {
		t.Fatal("error body missing")
	}

	hub.registerAgent(t, "tokyo")
	if status, _ := hub.call(t, http.MethodPost, "/plan", apiPlan("checkout", "tokyo")); status != http.StatusCreated {
		t.Errorf("create after registration = %d, want 201", status)
	}
}

func TestCreatePlanDuplicate(t *testing.T) {
	hub := newTestHub(t, Config{})

	if status, _ := hub.call(t, http.MethodPost, "/plan", apiPlan("checkout")); status != http.StatusCreated {
		t.Fatal("first create failed")
	}
	if status, _ := hub.call(t, http.MethodPost, "/plan", apiPlan("checkout")); status != http.StatusConflict {
		t.Error("duplicate identity tuple should be a 409")
	}
}

func TestUpdatePlanNotFound(t *testing.T) {
	hub := newTestHub(t, Config{})
	if status, _ := hub.call(t, http.MethodPut, "/plan/no-such-id", apiPlan("checkout")); status != http.StatusNotFound {
		t.Errorf("update = %d, want 404", status)
	}
}

func TestUpdatePlanKeepsOrganization(t *testing.T) {
	hub := newTestHub(t, Config{})

	doc := apiPlan("checkout")
	doc.Organization = "acme"
	status, envelope := hub.call(t, http.MethodPost, "/plan", doc)
	if status != http.StatusCreated {
		t.Fatalf("create = %d: %+v", status, envelope.Error)
	}
	var created plan.Plan
	if err := json.Unmarshal(envelope.Data, &created); err != nil {
		t.Fatalf("decode created plan failed: %v", err)
	}

	// A local document carrying a different organization must not move
	// the stored plan.
	updated := apiPlan("checkout")
	updated.Organization = "intruder"
	status, envelope = hub.call(t, http.MethodPut, "/plan/"+created.ID, updated)
	if status != http.StatusOK {
		t.Fatalf("update = %d: %+v", status, envelope.Error)
	}
	var echoed plan.Plan
	if err := json.Unmarshal(envelope.Data, &echoed); err != nil {
		t.Fatalf("decode updated plan failed: %v", err)
	}
	if echoed.Organization != "acme" {
		t.Errorf("echoed organization = %q, want acme", echoed.Organization)
	}

	status, envelope = hub.call(t, http.MethodGet, "/plan/"+created.ID, nil)
	if status != http.StatusOK {
		t.Fatalf("get = %d", status)
	}
	var stored plan.Plan
	if err := json.Unmarshal(envelope.Data, &stored); err != nil {
		t.Fatalf("decode plan failed: %v", err)
	}
	if stored.Organization != "acme" {
		t.Errorf("stored organization = %q, want acme", stored.Organization)
	}
}

func TestRunEndpoints(t *testing.T) {
	hub := newTestHub(t, Config{})

	status, envelope := hub.call(t, http.MethodPost, "/plan", apiPlan("checkout"))
	if status != http.StatusCreated {
		t.Fatal("create plan failed")
	}
	var created plan.Plan
	if err := json.Unmarshal(envelope.Data, &created); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	status, envelope = hub.call(t, http.MethodPost, "/runs/trigger-by-plan-id/"+created.ID, nil)
	if status != http.StatusCreated {
		t.Fatalf("trigger = %d: %+v", status, envelope.Error)
	}
	var runs []*stores.Run
	if err := json.Unmarshal(envelope.Data, &runs); err != nil {
		t.Fatalf("decode runs failed: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != stores.RunStatusPending {
		t.Fatalf("runs = %+v", runs)
	}
	runID := runs[0].ID

	// A queue job exists for the dispatched location.
	job, err := hub.queue.Dequeue(context.Background(), queue.ExecutePlanQueue, runs[0].Location)
	if err != nil || job == nil {
		t.Fatalf("no job enqueued: %v %v", job, err)
	}

	if status, _ = hub.call(t, http.MethodPatch, "/runs/"+runID,
		map[string]any{"status": "RUNNING"}); status != http.StatusOK {
		t.Fatalf("patch RUNNING = %d", status)
	}
	// The snake_case duration key is accepted.
	if status, _ = hub.call(t, http.MethodPatch, "/runs/"+runID,
		map[string]any{"status": "COMPLETED", "duration_ms": 1500, "success": true}); status != http.StatusOK {
		t.Fatalf("patch COMPLETED = %d", status)
	}

	status, envelope = hub.call(t, http.MethodGet, "/runs/"+runID, nil)
	if status != http.StatusOK {
		t.Fatalf("get run = %d", status)
	}
	var run stores.Run
	if err := json.Unmarshal(envelope.Data, &run); err != nil {
		t.Fatalf("decode run failed: %v", err)
	}
	if run.Status != stores.RunStatusCompleted || run.DurationMS == nil || *run.DurationMS != 1500 {
		t.Errorf("run = %+v", run)
	}

	// Terminal runs reject further transitions.
	if status, _ = hub.call(t, http.MethodPatch, "/runs/"+runID,
		map[string]any{"status": "RUNNING"}); status != http.StatusConflict {
		t.Errorf("patch after terminal = %d, want 409", status)
	}
	// Unknown statuses never reach the store.
	if status, _ = hub.call(t, http.MethodPatch, "/runs/"+runID,
		map[string]any{"status": "PAUSED"}); status != http.StatusBadRequest {
		t.Errorf("bad status = %d, want 400", status)
	}

	status, envelope = hub.call(t, http.MethodGet, "/runs/?planId="+created.ID, nil)
	if status != http.StatusOK {
		t.Fatalf("list runs = %d", status)
	}
	var listed []*stores.Run
	if err := json.Unmarshal(envelope.Data, &listed); err != nil {
		t.Fatalf("decode runs failed: %v", err)
	}
	if len(listed) != 1 {
		t.Errorf("listed %d runs", len(listed))
	}
}

func TestAgentEndpoints(t *testing.T) {
	hub := newTestHub(t, Config{})

	status, envelope := hub.call(t, http.MethodPost, "/agents/register",
		map[string]any{"location": "paris", "metadata": map[string]string{"hostname": "probe-1"}})
	if status != http.StatusOK {
		t.Fatalf("register = %d", status)
	}
	var agent stores.Agent
	if err := json.Unmarshal(envelope.Data, &agent); err != nil {
		t.Fatalf("decode agent failed: %v", err)
	}
	if agent.ID == "" || agent.Status != stores.AgentOnline {
		t.Fatalf("agent = %+v", agent)
	}

	if status, _ := hub.call(t, http.MethodPost, "/agents/register",
		map[string]any{"metadata": map[string]string{}}); status != http.StatusBadRequest {
		t.Errorf("register without location = %d, want 400", status)
	}

	status, envelope = hub.call(t, http.MethodGet, "/agents/locations", nil)
	if status != http.StatusOK {
		t.Fatalf("locations = %d", status)
	}
	var locations []string
	if err := json.Unmarshal(envelope.Data, &locations); err != nil {
		t.Fatalf("decode locations failed: %v", err)
	}
	if len(locations) != 1 || locations[0] != "paris" {
		t.Errorf("locations = %v", locations)
	}

	if status, _ = hub.call(t, http.MethodPost, "/agents/"+agent.ID+"/heartbeat", nil); status != http.StatusOK {
		t.Errorf("heartbeat = %d", status)
	}
	if status, _ = hub.call(t, http.MethodDelete, "/agents/"+agent.ID, nil); status != http.StatusOK {
		t.Errorf("deregister = %d", status)
	}
	if status, _ = hub.call(t, http.MethodPost, "/agents/"+agent.ID+"/heartbeat", nil); status != http.StatusNotFound {
		t.Errorf("heartbeat after deregister = %d, want 404", status)
	}
}

func TestTargetEndpoints(t *testing.T) {
	hub := newTestHub(t, Config{})
	base := "/config/acme/production/targets"

	if status, _ := hub.call(t, http.MethodPut, base+"/api-service",
		map[string]string{"baseUrl": "https://api.internal"}); status != http.StatusOK {
		t.Fatal("put target failed")
	}
	if status, _ := hub.call(t, http.MethodPut, base+"/api-service",
		map[string]string{}); status != http.StatusBadRequest {
		t.Error("put without baseUrl should be a 400")
	}

	status, envelope := hub.call(t, http.MethodGet, base+"/", nil)
	if status != http.StatusOK {
		t.Fatalf("list targets = %d", status)
	}
	var targets map[string]string
	if err := json.Unmarshal(envelope.Data, &targets); err != nil {
		t.Fatalf("decode targets failed: %v", err)
	}
	if targets["api-service"] != "https://api.internal" {
		t.Errorf("targets = %v", targets)
	}

	status, envelope = hub.call(t, http.MethodGet, base+"/api-service", nil)
	if status != http.StatusOK {
		t.Fatalf("get target = %d", status)
	}
	var single map[string]string
	if err := json.Unmarshal(envelope.Data, &single); err != nil {
		t.Fatalf("decode target failed: %v", err)
	}
	if single["baseUrl"] != "https://api.internal" {
		t.Errorf("target = %v", single)
	}

	if status, _ = hub.call(t, http.MethodDelete, base+"/api-service", nil); status != http.StatusOK {
		t.Errorf("delete target = %d", status)
	}
	if status, _ = hub.call(t, http.MethodGet, base+"/api-service", nil); status != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", status)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	hub := newTestHub(t, Config{AuthMode: config.AuthAPIKey, APIKeys: []string{"sekret"}})

	// Health stays public.
	resp, err := http.Get(hub.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}

	cases := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"no credentials", "", "", http.StatusUnauthorized},
		{"wrong key", "X-Api-Key", "nope", http.StatusUnauthorized},
		{"api key header", "X-Api-Key", "sekret", http.StatusOK},
		{"bearer header", "Authorization", "Bearer sekret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, hub.ts.URL+"/plan/", nil)
			if err != nil {
				t.Fatalf("build request failed: %v", err)
			}
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestHealthEnvelope(t *testing.T) {
	hub := newTestHub(t, Config{})
	status, envelope := hub.call(t, http.MethodGet, "/healthz", nil)
	if status != http.StatusOK {
		t.Fatalf("healthz = %d", status)
	}
	var body map[string]bool
	if err := json.Unmarshal(envelope.Data, &body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !body["ok"] {
		t.Errorf("body = %v", body)
	}
	if envelope.Error != nil {
		t.Errorf("unexpected error: %+v", envelope.Error)
	}
}
