package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"redline/internal/domain"
)

// InsertPiece appends one conversation piece. Pieces are append-only: there is
// deliberately no update or delete counterpart.
func (r Repo) InsertPiece(ctx context.Context, tx *sql.Tx, p domain.ConversationPiece) error {
	labels, err := marshalMap(p.Labels)
	if err != nil {
		return err
	}
	metadata, err := marshalMap(p.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO pieces(id,execution_id,conversation_id,seq,original_prompt,converted_prompt,response,response_at,response_time_ms,retry_count,error,labels_json,metadata_json,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ExecutionID, p.ConversationID, p.Sequence, p.OriginalPrompt, p.ConvertedPrompt,
		nullableStringPtr(p.Response), nullableStringPtr(p.ResponseAt), p.ResponseTimeMS, p.RetryCount,
		nullableStringPtr(p.Error), labels, metadata, p.CreatedAt)
	return err
}

func (r Repo) InsertScore(ctx context.Context, tx *sql.Tx, s domain.Score) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO scores(id,piece_id,scorer_name,value,category,rationale,produced_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.PieceID, s.ScorerName, s.Value, s.Category, nullable(s.Rationale), s.ProducedAt)
	return err
}

type PieceFilters struct {
	ExecutionID    string
	ConversationID string
	Labels         map[string]string
	Errored        *bool
	Limit          int
	CursorConvID   string
	CursorSeq      *int
}

// ListPieces returns pieces ordered by conversation then sequence, which makes
// exports of the same execution deterministic.
func (r Repo) ListPieces(ctx context.Context, f PieceFilters) ([]domain.ConversationPiece, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ExecutionID != "" {
		clauses = append(clauses, "execution_id=?")
		args = append(args, f.ExecutionID)
	}
	if f.ConversationID != "" {
		clauses = append(clauses, "conversation_id=?")
		args = append(args, f.ConversationID)
	}
	if f.Errored != nil {
		if *f.Errored {
			clauses = append(clauses, "error IS NOT NULL")
		} else {
			clauses = append(clauses, "error IS NULL")
		}
	}
	for k, v := range f.Labels {
		clauses = append(clauses, "json_extract(labels_json, '$.' || ?)=?")
		args = append(args, k, v)
	}
	if f.CursorConvID != "" && f.CursorSeq != nil {
		clauses = append(clauses, "(conversation_id > ? OR (conversation_id = ? AND seq > ?))")
		args = append(args, f.CursorConvID, f.CursorConvID, *f.CursorSeq)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,execution_id,conversation_id,seq,original_prompt,converted_prompt,response,response_at,response_time_ms,retry_count,error,labels_json,metadata_json,created_at FROM pieces ` + where + ` ORDER BY conversation_id ASC, seq ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ConversationPiece
	for rows.Next() {
		p, err := scanPiece(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) GetPiece(ctx context.Context, id string) (domain.ConversationPiece, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,execution_id,conversation_id,seq,original_prompt,converted_prompt,response,response_at,response_time_ms,retry_count,error,labels_json,metadata_json,created_at FROM pieces WHERE id=?`, id)
	return scanPiece(row.Scan)
}

// ListScoresForExecution returns all scores of an execution's pieces, ordered
// stably for export.
func (r Repo) ListScoresForExecution(ctx context.Context, executionID string) ([]domain.Score, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT s.id,s.piece_id,s.scorer_name,s.value,s.category,s.rationale,s.produced_at
FROM scores s JOIN pieces p ON p.id=s.piece_id
WHERE p.execution_id=? ORDER BY p.conversation_id ASC, p.seq ASC, s.scorer_name ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Score
	for rows.Next() {
		var s domain.Score
		var rationale sql.NullString
		if err := rows.Scan(&s.ID, &s.PieceID, &s.ScorerName, &s.Value, &s.Category, &rationale, &s.ProducedAt); err != nil {
			return nil, err
		}
		if rationale.Valid {
			s.Rationale = rationale.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) CountPieces(ctx context.Context, executionID string) (total, errored int, err error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(error) FROM pieces WHERE execution_id=?`, executionID)
	if err := row.Scan(&total, &errored); err != nil {
		return 0, 0, err
	}
	return total, errored, nil
}

func scanPiece(scan func(...any) error) (domain.ConversationPiece, error) {
	var p domain.ConversationPiece
	var response, responseAt, errMsg, labels, metadata sql.NullString
	err := scan(&p.ID, &p.ExecutionID, &p.ConversationID, &p.Sequence, &p.OriginalPrompt, &p.ConvertedPrompt,
		&response, &responseAt, &p.ResponseTimeMS, &p.RetryCount, &errMsg, &labels, &metadata, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if response.Valid {
		p.Response = &response.String
	}
	if responseAt.Valid {
		p.ResponseAt = &responseAt.String
	}
	if errMsg.Valid {
		p.Error = &errMsg.String
	}
	if labels.Valid {
		if err := json.Unmarshal([]byte(labels.String), &p.Labels); err != nil {
			return p, fmt.Errorf("labels_json: %w", err)
		}
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &p.Metadata); err != nil {
			return p, fmt.Errorf("metadata_json: %w", err)
		}
	}
	return p, nil
}

func marshalMap(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
