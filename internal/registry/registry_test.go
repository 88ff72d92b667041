package registry_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"redline/internal/config"
	"redline/internal/dataset"
	"redline/internal/db"
	"redline/internal/domain"
	"redline/internal/engine"
	"redline/internal/migrate"
	"redline/internal/registry"
	"redline/internal/repo"
	"redline/internal/target"
)

func newTestRegistry(t *testing.T) (*registry.Registry, *engine.Engine) {
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
	cfg.Targets = map[string]config.Target{
		"gw": {Endpoint: "http://localhost:1", Provider: "raw"},
	}
	catalog := target.NewCatalog(cfg.Targets, 5*time.Second)
	eng := engine.New(conn, cfg, catalog, dataset.FileSource{Root: dir})
	return registry.New(eng, catalog), eng
}

func validOptions() registry.CreateOptions {
	return registry.CreateOptions{
		Name:    "sample",
		Type:    "single_turn",
		Targets: []string{"gw"},
		Dataset: domain.DatasetRef{Prompts: []string{"seed"}},
		ActorID: "tester",
	}
}

func TestCreateAppliesDefaults(t *testing.T) {
	reg, eng := newTestRegistry(t)
	orch, err := reg.Create(context.Background(), validOptions())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if orch.MaxIterations != 1 {
		t.Errorf("max iterations = %d, want 1", orch.MaxIterations)
	}
	if orch.ConcurrentLimit != 5 {
		t.Errorf("concurrent limit = %d, want 5", orch.ConcurrentLimit)
	}
	if !orch.Enabled {
		t.Error("new orchestrator not enabled")
	}
	if orch.OwnerID != "tester" {
		t.Errorf("owner = %q", orch.OwnerID)
	}

	stored, err := reg.Get(context.Background(), orch.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Name != "sample" || stored.Type != "single_turn" {
		t.Errorf("stored = %+v", stored)
	}

	evts, err := eng.Repo.LatestEvents(context.Background(), 10, 0, "orchestrator.created", "orchestrator", orch.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 {
		t.Errorf("created events = %d, want 1", len(evts))
	}
}

func TestCreateValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)

	cases := []struct {
		name   string
		mutate func(*registry.CreateOptions)
		want   string
	}{
		{"missing name", func(o *registry.CreateOptions) { o.Name = "" }, "field Name failed required validation"},
		{"no targets", func(o *registry.CreateOptions) { o.Targets = nil }, "field Targets failed required validation"},
		{"concurrency too high", func(o *registry.CreateOptions) { o.ConcurrentLimit = 21 }, "failed max validation"},
		{"iterations too high", func(o *registry.CreateOptions) { o.MaxIterations = 1001 }, "failed max validation"},
		{"bad threshold", func(o *registry.CreateOptions) { o.SuccessThreshold = "severe" }, "failed oneof validation"},
		{"unknown type", func(o *registry.CreateOptions) { o.Type = "swarm" }, `unknown orchestrator type "swarm"`},
		{"unknown target", func(o *registry.CreateOptions) { o.Targets = []string{"ghost"} }, `unknown target "ghost"`},
		{"unknown converter", func(o *registry.CreateOptions) {
			o.Converters = []domain.ConverterSpec{{Name: "emoji"}}
		}, `unknown converter "emoji"`},
		{"unknown scorer", func(o *registry.CreateOptions) { o.Scorers = []string{"vibes"} }, `unknown scorer "vibes"`},
		{"unknown planner", func(o *registry.CreateOptions) { o.Planner = "oracle" }, `unknown planner "oracle"`},
		{"empty dataset", func(o *registry.CreateOptions) { o.Dataset = domain.DatasetRef{} }, "dataset requires prompts"},
		{"bad converter param", func(o *registry.CreateOptions) {
			o.Converters = []domain.ConverterSpec{{Name: "charswap", Params: map[string]string{"every": "zero"}}}
		}, "charswap"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := validOptions()
			tc.mutate(&opts)
			_, err := reg.Create(context.Background(), opts)
			var verr registry.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if !strings.Contains(verr.Msg, tc.want) {
				t.Errorf("message = %q, want substring %q", verr.Msg, tc.want)
			}
		})
	}
}

func TestSetEnabled(t *testing.T) {
	reg, eng := newTestRegistry(t)
	orch, err := reg.Create(context.Background(), validOptions())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	disabled, err := reg.SetEnabled(context.Background(), orch.ID, false, "tester")
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if disabled.Enabled {
		t.Error("orchestrator still enabled")
	}
	enabled, err := reg.SetEnabled(context.Background(), orch.ID, true, "tester")
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !enabled.Enabled {
		t.Error("orchestrator still disabled")
	}

	for _, typ := range []string{"orchestrator.disabled", "orchestrator.enabled"} {
		evts, err := eng.Repo.LatestEvents(context.Background(), 10, 0, typ, "orchestrator", orch.ID)
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		if len(evts) != 1 {
			t.Errorf("%s events = %d, want 1", typ, len(evts))
		}
	}
}

func TestSetEnabledUnknownID(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.SetEnabled(context.Background(), "missing", false, "tester")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListFilters(t *testing.T) {
	reg, _ := newTestRegistry(t)
	for _, name := range []string{"alpha", "beta"} {
		opts := validOptions()
		opts.Name = name
		if _, err := reg.Create(context.Background(), opts); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	multi := validOptions()
	multi.Name = "gamma"
	multi.Type = "multi_turn"
	multi.MaxIterations = 3
	orch, err := reg.Create(context.Background(), multi)
	if err != nil {
		t.Fatalf("create gamma: %v", err)
	}
	if _, err := reg.SetEnabled(context.Background(), orch.ID, false, "tester"); err != nil {
		t.Fatalf("disable: %v", err)
	}

	byType, err := reg.List(context.Background(), repo.OrchestratorFilters{Type: "multi_turn", Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byType) != 1 || byType[0].Name != "gamma" {
		t.Errorf("by type = %+v", byType)
	}

	enabled := true
	byEnabled, err := reg.List(context.Background(), repo.OrchestratorFilters{Enabled: &enabled, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byEnabled) != 2 {
		t.Errorf("enabled = %d, want 2", len(byEnabled))
	}
}
