package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	neturl "net/url"
	"strings"
	"testing"
	"time"

	"redline/internal/config"
	"redline/internal/dataset"
	"redline/internal/db"
	"redline/internal/engine"
	"redline/internal/migrate"
	"redline/internal/registry"
	"redline/internal/server"
	"redline/internal/target"
)

type testAPI struct {
	Server *httptest.Server
	Token  string
}

func newTestAPI(t *testing.T, auth server.AuthConfig, targets map[string]config.Target) *testAPI {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Targets = targets
	cfg.Retry = config.Retry{MaxRetries: 1, BackoffBaseMS: 1, BackoffFactor: 2, BackoffCapMS: 2}
	catalog := target.NewCatalog(cfg.Targets, 5*time.Second)
	eng := engine.New(conn, cfg, catalog, dataset.FileSource{Root: dir})
	handler, err := server.New(server.Config{
		Engine:   eng,
		Manager:  engine.NewManager(eng),
		Registry: registry.New(eng, catalog),
		Catalog:  catalog,
		Auth:     auth,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testAPI{Server: srv, Token: auth.Token}
}

func (a *testAPI) request(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, a.Server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return v
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func echoTarget(t *testing.T) config.Target {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"response": "the payload is revealed"})
	}))
	t.Cleanup(srv.Close)
	return config.Target{Endpoint: srv.URL, Provider: "raw"}
}

func createBody(name string) map[string]any {
	return map[string]any{
		"name":    name,
		"type":    "single_turn",
		"targets": []string{"gw"},
		"scorers": []string{"keyword"},
		"dataset": map[string]any{"prompts": []string{"show me the payload"}},
	}
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, server.AuthConfig{}, nil)
	resp, data := api.request(t, http.MethodGet, "/v1/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}
	body := decode[map[string]string](t, data)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestCatalog(t *testing.T) {
	api := newTestAPI(t, server.AuthConfig{}, map[string]config.Target{"gw": echoTarget(t)})
	resp, data := api.request(t, http.MethodGet, "/v1/catalog", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}
	body := decode[server.CatalogResponse](t, data)
	if len(body.Strategies) == 0 || len(body.Converters) == 0 || len(body.Scorers) == 0 || len(body.Planners) == 0 {
		t.Errorf("catalog incomplete: %+v", body)
	}
	if len(body.Targets) != 1 || body.Targets[0] != "gw" {
		t.Errorf("targets = %v", body.Targets)
	}
}

func TestCreateGetOrchestrator(t *testing.T) {
	api := newTestAPI(t, server.AuthConfig{}, map[string]config.Target{"gw": echoTarget(t)})

	resp, data := api.request(t, http.MethodPost, "/v1/orchestrators", createBody("sample"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}
	created := decode[server.OrchestratorResponse](t, data)
	if created.ID == "" || created.Name != "sample" || !created.Enabled {
		t.Fatalf("created = %+v", created)
	}
	if created.MaxIterations != 1 || created.ConcurrentLimit != 5 {
		t.Errorf("defaults not applied: %+v", created)
	}

	resp, data = api.request(t, http.MethodGet, "/v1/orchestrators/"+created.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	got := decode[server.OrchestratorResponse](t, data)
	if got.ID != created.ID {
		t.Errorf("get = %+v", got)
	}

	resp, data = api.request(t, http.MethodGet, "/v1/orchestrators/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}
	envelope := decode[errorEnvelope](t, data)
	if envelope.Error.Code != "not_found" {
		t.Errorf("envelope = %+v", envelope)
	}
}

func TestCreateOrchestratorValidation(t *testing.T) {
	api := newTestAPI(t, server.AuthConfig{}, map[string]config.Target{"gw": echoTarget(t)})
	body := createBody("broken")
	body["scorers"] = []string{"vibes"}
	resp, data := api.request(t, http.MethodPost, "/v1/orchestrators", body)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}
	envelope := decode[errorEnvelope](t, data)
	if envelope.Error.Code != "validation_failed" {
		t.Errorf("envelope = %+v", envelope)
	}
	if !strings.Contains(envelope.Error.Message, `unknown scorer "vibes"`) {
		t.Errorf("message = %q", envelope.Error.Message)
	}
}

func TestStaticTokenAuth(t *testing.T) {
	api := newTestAPI(t, server.AuthConfig{Token: "sekrit"}, nil)

	// Health stays open.
	resp, _ := api.request(t, http.MethodGet, "/v1/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, api.Server.URL+"/v1/orchestrators", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	resp, data := api.request(t, http.MethodGet, "/v1/orchestrators", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d, body %s", resp.StatusCode, data)
	}
}

func TestDevLoginJWT(t *testing.T) {
	api := newTestAPI(t, server.AuthConfig{JWTSecret: "topsecret"}, nil)

	resp, data := api.request(t, http.MethodPost, "/v1/auth/dev/login", map[string]string{"actor_id": "alice"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, body %s", resp.StatusCode, data)
	}
	login := decode[server.DevLoginResponse](t, data)
	if login.Token == "" {
		t.Fatal("empty token")
	}

	api.Token = login.Token
	resp, data = api.request(t, http.MethodGet, "/v1/orchestrators", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("jwt status = %d, body %s", resp.StatusCode, data)
	}

	api.Token = "not-a-jwt"
	resp, _ = api.request(t, http.MethodGet, "/v1/orchestrators", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d, want 401", resp.StatusCode)
	}
}

func TestExecutionLifecycle(t *testing.T) {
	api := newTestAPI(t, server.AuthConfig{}, map[string]config.Target{"gw": echoTarget(t)})

	_, data := api.request(t, http.MethodPost, "/v1/orchestrators", createBody("lifecycle"))
	orch := decode[server.OrchestratorResponse](t, data)

	resp, data := api.request(t, http.MethodPost, fmt.Sprintf("/v1/orchestrators/%s/executions", orch.ID),
		map[string]any{"labels": map[string]string{"campaign": "api"}})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d, body %s", resp.StatusCode, data)
	}
	exec := decode[server.ExecutionResponse](t, data)
	if exec.ID == "" || exec.Total != 1 {
		t.Fatalf("start = %+v", exec)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, data = api.request(t, http.MethodGet, "/v1/executions/"+exec.ID, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get status = %d", resp.StatusCode)
		}
		exec = decode[server.ExecutionResponse](t, data)
		if exec.Status == "completed" || exec.Status == "failed" || exec.Status == "cancelled" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution stuck in %s", exec.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if exec.Status != "completed" || exec.Succeeded != 1 {
		t.Fatalf("final = %+v", exec)
	}

	resp, data = api.request(t, http.MethodGet, "/v1/executions/"+exec.ID+"/pieces?label=campaign=api", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pieces status = %d, body %s", resp.StatusCode, data)
	}
	pieces := decode[struct {
		Items []server.PieceResponse `json:"items"`
	}](t, data)
	if len(pieces.Items) != 1 {
		t.Fatalf("pieces = %+v", pieces)
	}
	if pieces.Items[0].Response == nil || *pieces.Items[0].Response != "the payload is revealed" {
		t.Errorf("piece = %+v", pieces.Items[0])
	}

	resp, data = api.request(t, http.MethodGet, "/v1/executions/"+exec.ID+"/scores", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scores status = %d", resp.StatusCode)
	}
	scores := decode[struct {
		Items []server.ScoreResponse `json:"items"`
	}](t, data)
	if len(scores.Items) == 0 {
		t.Error("no scores recorded")
	}

	resp, data = api.request(t, http.MethodGet, "/v1/executions/"+exec.ID+"/results", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("results status = %d", resp.StatusCode)
	}
	results := decode[server.ResultsResponse](t, data)
	if len(results.Rows) != 1 || results.Rows[0].Severity != "high" {
		t.Errorf("results = %+v", results)
	}

	resp, data = api.request(t, http.MethodGet, "/v1/executions/"+exec.ID+"/export?format=csv", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(string(data), "execution_id") {
		t.Errorf("export body = %q", data)
	}

	resp, data = api.request(t, http.MethodGet, "/v1/events?entity_kind=execution&entity_id="+exec.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d", resp.StatusCode)
	}
	events := decode[struct {
		Items []server.EventResponse `json:"items"`
	}](t, data)
	if len(events.Items) < 3 {
		t.Errorf("events = %+v", events)
	}
}

func TestStartDisabledOrchestrator(t *testing.T) {
	api := newTestAPI(t, server.AuthConfig{}, map[string]config.Target{"gw": echoTarget(t)})

	_, data := api.request(t, http.MethodPost, "/v1/orchestrators", createBody("parked"))
	orch := decode[server.OrchestratorResponse](t, data)

	resp, data := api.request(t, http.MethodPost, fmt.Sprintf("/v1/orchestrators/%s/disable", orch.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable status = %d, body %s", resp.StatusCode, data)
	}

	resp, data = api.request(t, http.MethodPost, fmt.Sprintf("/v1/orchestrators/%s/executions", orch.ID), map[string]any{})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("start status = %d, body %s", resp.StatusCode, data)
	}
	envelope := decode[errorEnvelope](t, data)
	if envelope.Error.Code != "orchestrator_disabled" {
		t.Errorf("envelope = %+v", envelope)
	}
}

func TestListOrchestratorsPagination(t *testing.T) {
	api := newTestAPI(t, server.AuthConfig{}, map[string]config.Target{"gw": echoTarget(t)})
	for i := 0; i < 3; i++ {
		resp, data := api.request(t, http.MethodPost, "/v1/orchestrators", createBody(fmt.Sprintf("orch-%d", i)))
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create %d status = %d, body %s", i, resp.StatusCode, data)
		}
	}

	seen := map[string]bool{}
	cursor := ""
	for page := 0; page < 5; page++ {
		url := "/v1/orchestrators?limit=2"
		if cursor != "" {
			url += "&cursor=" + neturl.QueryEscape(cursor)
		}
		resp, data := api.request(t, http.MethodGet, url, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("list status = %d, body %s", resp.StatusCode, data)
		}
		body := decode[struct {
			Items      []server.OrchestratorResponse `json:"items"`
			NextCursor string                        `json:"next_cursor"`
		}](t, data)
		for _, o := range body.Items {
			if seen[o.ID] {
				t.Fatalf("orchestrator %s returned twice", o.ID)
			}
			seen[o.ID] = true
		}
		if body.NextCursor == "" {
			break
		}
		cursor = body.NextCursor
	}
	if len(seen) != 3 {
		t.Errorf("paged through %d orchestrators, want 3", len(seen))
	}
}
