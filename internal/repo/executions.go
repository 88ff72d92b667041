package repo

import (
	"context"
	"database/sql"
	"strings"

	"redline/internal/domain"
)

func (r Repo) InsertExecution(ctx context.Context, tx *sql.Tx, e domain.Execution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO executions(id,orchestrator_id,status,input_json,total,succeeded,failed,error,save_partial,owner_id,started_at,completed_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.OrchestratorID, e.Status, nullable(e.InputJSON), e.Total, e.Succeeded, e.Failed,
		nullable(e.Error), boolToInt(e.SavePartial), e.OwnerID, nullableStringPtr(e.StartedAt), nullableStringPtr(e.CompletedAt), e.CreatedAt)
	return err
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,orchestrator_id,status,input_json,total,succeeded,failed,error,save_partial,owner_id,started_at,completed_at,created_at FROM executions WHERE id=?`, id)
	return scanExecution(row.Scan)
}

// GetExecutionForUpdate reads an execution inside the caller's transaction,
// so a status transition can validate against the committed row instead of a
// possibly stale in-memory copy.
func (r Repo) GetExecutionForUpdate(ctx context.Context, tx *sql.Tx, id string) (domain.Execution, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,orchestrator_id,status,input_json,total,succeeded,failed,error,save_partial,owner_id,started_at,completed_at,created_at FROM executions WHERE id=?`, id)
	return scanExecution(row.Scan)
}

// UpdateExecutionStatus persists a state-machine transition plus counters.
func (r Repo) UpdateExecutionStatus(ctx context.Context, tx *sql.Tx, e domain.Execution) error {
	_, err := tx.ExecContext(ctx, `UPDATE executions SET status=?, total=?, succeeded=?, failed=?, error=?, started_at=?, completed_at=? WHERE id=?`,
		e.Status, e.Total, e.Succeeded, e.Failed, nullable(e.Error),
		nullableStringPtr(e.StartedAt), nullableStringPtr(e.CompletedAt), e.ID)
	return err
}

// BumpExecutionCounters adds to the summary counters without touching status.
func (r Repo) BumpExecutionCounters(ctx context.Context, tx *sql.Tx, id string, succeeded, failed int) error {
	_, err := tx.ExecContext(ctx, `UPDATE executions SET succeeded=succeeded+?, failed=failed+? WHERE id=?`, succeeded, failed, id)
	return err
}

type ExecutionFilters struct {
	OrchestratorID  string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilters) ([]domain.Execution, error) {
	var clauses []string
	var args []any
	if f.OrchestratorID != "" {
		clauses = append(clauses, "orchestrator_id=?")
		args = append(args, f.OrchestratorID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,orchestrator_id,status,input_json,total,succeeded,failed,error,save_partial,owner_id,started_at,completed_at,created_at FROM executions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func scanExecution(scan func(...any) error) (domain.Execution, error) {
	var e domain.Execution
	var input, errMsg, startedAt, completedAt sql.NullString
	var savePartial int
	err := scan(&e.ID, &e.OrchestratorID, &e.Status, &input, &e.Total, &e.Succeeded, &e.Failed,
		&errMsg, &savePartial, &e.OwnerID, &startedAt, &completedAt, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if input.Valid {
		e.InputJSON = input.String
	}
	if errMsg.Valid {
		e.Error = errMsg.String
	}
	if startedAt.Valid {
		e.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.String
	}
	e.SavePartial = savePartial != 0
	return e, nil
}
