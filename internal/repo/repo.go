package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"redline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertOrchestrator(ctx context.Context, tx *sql.Tx, o domain.Orchestrator) error {
	targets, err := json.Marshal(o.Targets)
	if err != nil {
		return err
	}
	converters, err := marshalOptional(o.Converters)
	if err != nil {
		return err
	}
	scorers, err := marshalOptional(o.Scorers)
	if err != nil {
		return err
	}
	dataset, err := json.Marshal(o.Dataset)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO orchestrators(id,name,type,targets_json,converters_json,scorers_json,dataset_json,max_iterations,concurrent_limit,success_threshold,planner,enabled,owner_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.Name, o.Type, string(targets), converters, scorers, string(dataset),
		o.MaxIterations, o.ConcurrentLimit, nullable(o.SuccessThreshold), nullable(o.Planner), boolToInt(o.Enabled), o.OwnerID, o.CreatedAt)
	return err
}

func (r Repo) GetOrchestrator(ctx context.Context, id string) (domain.Orchestrator, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,type,targets_json,converters_json,scorers_json,dataset_json,max_iterations,concurrent_limit,success_threshold,planner,enabled,owner_id,created_at FROM orchestrators WHERE id=?`, id)
	return scanOrchestrator(row.Scan)
}

type OrchestratorFilters struct {
	Type            string
	Enabled         *bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListOrchestrators(ctx context.Context, f OrchestratorFilters) ([]domain.Orchestrator, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Enabled != nil {
		clauses = append(clauses, "enabled=?")
		args = append(args, boolToInt(*f.Enabled))
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,name,type,targets_json,converters_json,scorers_json,dataset_json,max_iterations,concurrent_limit,success_threshold,planner,enabled,owner_id,created_at FROM orchestrators ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Orchestrator
	for rows.Next() {
		o, err := scanOrchestrator(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) SetOrchestratorEnabled(ctx context.Context, tx *sql.Tx, id string, enabled bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE orchestrators SET enabled=? WHERE id=?`, boolToInt(enabled), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOrchestrator(scan func(...any) error) (domain.Orchestrator, error) {
	var o domain.Orchestrator
	var targets, dataset string
	var converters, scorers, threshold, planner sql.NullString
	var enabled int
	err := scan(&o.ID, &o.Name, &o.Type, &targets, &converters, &scorers, &dataset,
		&o.MaxIterations, &o.ConcurrentLimit, &threshold, &planner, &enabled, &o.OwnerID, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if err := json.Unmarshal([]byte(targets), &o.Targets); err != nil {
		return o, fmt.Errorf("targets_json: %w", err)
	}
	if converters.Valid {
		if err := json.Unmarshal([]byte(converters.String), &o.Converters); err != nil {
			return o, fmt.Errorf("converters_json: %w", err)
		}
	}
	if scorers.Valid {
		if err := json.Unmarshal([]byte(scorers.String), &o.Scorers); err != nil {
			return o, fmt.Errorf("scorers_json: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(dataset), &o.Dataset); err != nil {
		return o, fmt.Errorf("dataset_json: %w", err)
	}
	if threshold.Valid {
		o.SuccessThreshold = threshold.String
	}
	if planner.Valid {
		o.Planner = planner.String
	}
	o.Enabled = enabled != 0
	return o, nil
}

// LatestEvents returns audit events newest first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func marshalOptional(v any) (any, error) {
	switch t := v.(type) {
	case []domain.ConverterSpec:
		if len(t) == 0 {
			return nil, nil
		}
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
