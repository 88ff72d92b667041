package repo_test

import (
	"context"
	"fmt"
	"testing"

	"redline/internal/db"
	"redline/internal/domain"
	"redline/internal/events"
	"redline/internal/migrate"
	"redline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func seedExecution(t *testing.T, r repo.Repo, execID string) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	now := "2026-08-31T09:00:00Z"
	orch := domain.Orchestrator{
		ID: execID + "-orch", Name: "seed", Type: "single_turn",
		Targets: []string{"gw"}, Dataset: domain.DatasetRef{Prompts: []string{"p"}},
		MaxIterations: 1, ConcurrentLimit: 1, Enabled: true, OwnerID: "tester", CreatedAt: now,
	}
	if err := r.InsertOrchestrator(ctx, tx, orch); err != nil {
		t.Fatalf("insert orchestrator: %v", err)
	}
	exec := domain.Execution{
		ID: execID, OrchestratorID: orch.ID, Status: "running",
		SavePartial: true, OwnerID: "tester", CreatedAt: now,
	}
	if err := r.InsertExecution(ctx, tx, exec); err != nil {
		t.Fatalf("insert execution: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestListPiecesCursorAndLabels(t *testing.T) {
	r := newTestRepo(t)
	seedExecution(t, r, "exec-1")
	ctx := context.Background()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	for conv := 0; conv < 2; conv++ {
		for seq := 0; seq < 3; seq++ {
			p := domain.ConversationPiece{
				ID:              fmt.Sprintf("pc-%d-%d", conv, seq),
				ExecutionID:     "exec-1",
				ConversationID:  fmt.Sprintf("conv-%d", conv),
				Sequence:        seq,
				OriginalPrompt:  "p",
				ConvertedPrompt: "p",
				Labels:          map[string]string{"target": fmt.Sprintf("gw-%d", conv)},
				CreatedAt:       "2026-08-31T09:00:01Z",
			}
			if err := r.InsertPiece(ctx, tx, p); err != nil {
				t.Fatalf("insert piece: %v", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Walk the full set in pages of 4; the cursor is exclusive.
	page1, err := r.ListPieces(ctx, repo.PieceFilters{ExecutionID: "exec-1", Limit: 4})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1) != 4 {
		t.Fatalf("page 1 = %d pieces", len(page1))
	}
	last := page1[len(page1)-1]
	page2, err := r.ListPieces(ctx, repo.PieceFilters{
		ExecutionID:  "exec-1",
		Limit:        4,
		CursorConvID: last.ConversationID,
		CursorSeq:    &last.Sequence,
	})
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2) != 2 {
		t.Fatalf("page 2 = %d pieces", len(page2))
	}
	if page2[0].ConversationID != "conv-1" || page2[0].Sequence != 1 {
		t.Errorf("page 2 starts at %s/%d", page2[0].ConversationID, page2[0].Sequence)
	}

	labelled, err := r.ListPieces(ctx, repo.PieceFilters{
		ExecutionID: "exec-1",
		Labels:      map[string]string{"target": "gw-1"},
	})
	if err != nil {
		t.Fatalf("labelled: %v", err)
	}
	if len(labelled) != 3 {
		t.Errorf("labelled = %d pieces, want 3", len(labelled))
	}
	for _, p := range labelled {
		if p.ConversationID != "conv-1" {
			t.Errorf("piece %s from %s", p.ID, p.ConversationID)
		}
	}
}

func TestListPiecesErroredFilter(t *testing.T) {
	r := newTestRepo(t)
	seedExecution(t, r, "exec-1")
	ctx := context.Background()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	msg := "boom"
	pieces := []domain.ConversationPiece{
		{ID: "ok", ExecutionID: "exec-1", ConversationID: "c", Sequence: 0,
			OriginalPrompt: "p", ConvertedPrompt: "p", CreatedAt: "2026-08-31T09:00:01Z"},
		{ID: "bad", ExecutionID: "exec-1", ConversationID: "c", Sequence: 1,
			OriginalPrompt: "p", ConvertedPrompt: "p", Error: &msg, CreatedAt: "2026-08-31T09:00:02Z"},
	}
	for _, p := range pieces {
		if err := r.InsertPiece(ctx, tx, p); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	errored := true
	got, err := r.ListPieces(ctx, repo.PieceFilters{ExecutionID: "exec-1", Errored: &errored})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "bad" {
		t.Errorf("errored = %+v", got)
	}

	total, failed, err := r.CountPieces(ctx, "exec-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 2 || failed != 1 {
		t.Errorf("count = %d/%d", total, failed)
	}
}

func TestLatestEventsCursor(t *testing.T) {
	r := newTestRepo(t)
	w := events.Writer{DB: r.DB}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		err = w.Append(ctx, tx, "orchestrator.created", "orchestrator", fmt.Sprintf("o-%d", i), "tester", events.EventPayload{"n": i})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	page1, err := r.LatestEvents(ctx, 3, 0, "", "", "")
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1) != 3 {
		t.Fatalf("page 1 = %d events", len(page1))
	}
	// Newest first; the cursor excludes everything at or above it.
	if page1[0].ID <= page1[1].ID {
		t.Errorf("order = %d, %d", page1[0].ID, page1[1].ID)
	}
	page2, err := r.LatestEvents(ctx, 3, page1[len(page1)-1].ID, "", "", "")
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2) != 2 {
		t.Errorf("page 2 = %d events", len(page2))
	}

	byEntity, err := r.LatestEvents(ctx, 10, 0, "", "orchestrator", "o-2")
	if err != nil {
		t.Fatalf("by entity: %v", err)
	}
	if len(byEntity) != 1 || byEntity[0].EntityID != "o-2" {
		t.Errorf("by entity = %+v", byEntity)
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.GetExecution(context.Background(), "missing")
	if err != repo.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
