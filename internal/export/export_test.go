package export_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"redline/internal/db"
	"redline/internal/domain"
	"redline/internal/export"
	"redline/internal/migrate"
	"redline/internal/repo"
)

const execID = "exec-1"

func newSeededExporter(t *testing.T) export.Exporter {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}

	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	now := "2026-08-31T12:00:00Z"
	orch := domain.Orchestrator{
		ID: "orch-1", Name: "seeded", Type: "single_turn",
		Targets: []string{"gw"}, Dataset: domain.DatasetRef{Prompts: []string{"p"}},
		MaxIterations: 1, ConcurrentLimit: 1, Enabled: true, OwnerID: "tester", CreatedAt: now,
	}
	if err := r.InsertOrchestrator(ctx, tx, orch); err != nil {
		t.Fatalf("insert orchestrator: %v", err)
	}
	exec := domain.Execution{
		ID: execID, OrchestratorID: orch.ID, Status: "completed",
		Total: 3, Succeeded: 2, Failed: 1, SavePartial: true, OwnerID: "tester", CreatedAt: now,
	}
	if err := r.InsertExecution(ctx, tx, exec); err != nil {
		t.Fatalf("insert execution: %v", err)
	}

	resp := "a response"
	errMsg := "endpoint returned 500"
	// Inserted out of order to prove exports sort by conversation then seq.
	pieces := []domain.ConversationPiece{
		{ID: "pc-b0", ExecutionID: execID, ConversationID: "conv-b", Sequence: 0,
			OriginalPrompt: "seed-b", ConvertedPrompt: "seed-b", Response: &resp,
			ResponseTimeMS: 12, Labels: map[string]string{"target": "gw"}, CreatedAt: now},
		{ID: "pc-a1", ExecutionID: execID, ConversationID: "conv-a", Sequence: 1,
			OriginalPrompt: "seed-a2", ConvertedPrompt: "seed-a2", Error: &errMsg,
			RetryCount: 3, CreatedAt: now},
		{ID: "pc-a0", ExecutionID: execID, ConversationID: "conv-a", Sequence: 0,
			OriginalPrompt: "seed-a1", ConvertedPrompt: "seed-a1", Response: &resp,
			CreatedAt: now},
	}
	for _, p := range pieces {
		if err := r.InsertPiece(ctx, tx, p); err != nil {
			t.Fatalf("insert piece %s: %v", p.ID, err)
		}
	}
	scores := []domain.Score{
		{ID: "sc-1", PieceID: "pc-a0", ScorerName: "refusal", Value: 0.2, Category: "low", ProducedAt: now},
		{ID: "sc-2", PieceID: "pc-a0", ScorerName: "keyword", Value: 0.9, Category: "high",
			Rationale: "matched payload", ProducedAt: now},
		{ID: "sc-3", PieceID: "pc-b0", ScorerName: "keyword", Value: 0.4, Category: "medium", ProducedAt: now},
	}
	for _, s := range scores {
		if err := r.InsertScore(ctx, tx, s); err != nil {
			t.Fatalf("insert score %s: %v", s.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return export.Exporter{Repo: r}
}

func TestRowsOrderingAndSeverity(t *testing.T) {
	e := newSeededExporter(t)
	rows, err := e.Rows(context.Background(), execID)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}

	if rows[0].ConversationID != "conv-a" || rows[0].Sequence != 0 {
		t.Errorf("row 0 = %s/%d", rows[0].ConversationID, rows[0].Sequence)
	}
	if rows[1].ConversationID != "conv-a" || rows[1].Sequence != 1 {
		t.Errorf("row 1 = %s/%d", rows[1].ConversationID, rows[1].Sequence)
	}
	if rows[2].ConversationID != "conv-b" {
		t.Errorf("row 2 = %s", rows[2].ConversationID)
	}

	// Highest score category wins; scores come back sorted by scorer name.
	if rows[0].Severity != "high" {
		t.Errorf("row 0 severity = %s, want high", rows[0].Severity)
	}
	if len(rows[0].Scores) != 2 || rows[0].Scores[0].Scorer != "keyword" || rows[0].Scores[1].Scorer != "refusal" {
		t.Errorf("row 0 scores = %+v", rows[0].Scores)
	}

	// A scoreless errored piece exports its error and the floor severity.
	if rows[1].Error != "endpoint returned 500" || rows[1].RetryCount != 3 {
		t.Errorf("row 1 = %+v", rows[1])
	}
	if rows[1].Severity != "low" {
		t.Errorf("row 1 severity = %s, want low", rows[1].Severity)
	}
	if rows[2].Severity != "medium" {
		t.Errorf("row 2 severity = %s, want medium", rows[2].Severity)
	}
}

func TestWriteJSONDeterministic(t *testing.T) {
	e := newSeededExporter(t)
	var first, second bytes.Buffer
	if err := e.WriteJSON(context.Background(), &first, execID); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := e.WriteJSON(context.Background(), &second, execID); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Error("repeated JSON exports differ")
	}

	var rows []export.Row
	if err := json.Unmarshal(first.Bytes(), &rows); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rows) != 3 || rows[0].ExecutionID != execID {
		t.Errorf("decoded rows = %+v", rows)
	}
}

func TestWriteCSV(t *testing.T) {
	e := newSeededExporter(t)
	var buf bytes.Buffer
	if err := e.WriteCSV(context.Background(), &buf, execID); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "execution_id,conversation_id,sequence") {
		t.Errorf("missing header in %q", out)
	}
	if !strings.Contains(out, "keyword=high (0.9)") {
		t.Errorf("missing folded score in %q", out)
	}
	if got := strings.Count(out, execID); got != 3 {
		t.Errorf("data lines = %d, want 3", got)
	}
}

func TestWriteXLSX(t *testing.T) {
	e := newSeededExporter(t)
	var buf bytes.Buffer
	if err := e.WriteXLSX(context.Background(), &buf, execID); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	if got, err := f.GetCellValue("Results", "A1"); err != nil || got != "execution_id" {
		t.Errorf("A1 = %q, %v", got, err)
	}
	if got, err := f.GetCellValue("Results", "B2"); err != nil || got != "conv-a" {
		t.Errorf("B2 = %q, %v", got, err)
	}
}

func TestWriteFormatDispatch(t *testing.T) {
	e := newSeededExporter(t)
	var buf bytes.Buffer
	if err := e.Write(context.Background(), &buf, execID, ""); err != nil {
		t.Fatalf("default format: %v", err)
	}
	if buf.Len() == 0 || buf.Bytes()[0] != '[' {
		t.Errorf("default format is not JSON: %q", buf.String())
	}

	err := e.Write(context.Background(), &buf, execID, "pdf")
	if err == nil || !strings.Contains(err.Error(), "unsupported export format") {
		t.Errorf("err = %v", err)
	}
}
