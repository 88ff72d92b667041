package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/xuri/excelize/v2"

	"redline/internal/domain"
	"redline/internal/repo"
)

// Row is one exported record: a conversation piece joined with its scores and
// the aggregated severity.
type Row struct {
	ExecutionID     string            `json:"execution_id"`
	ConversationID  string            `json:"conversation_id"`
	Sequence        int               `json:"sequence"`
	OriginalPrompt  string            `json:"original_prompt"`
	ConvertedPrompt string            `json:"converted_prompt"`
	Response        string            `json:"response,omitempty"`
	ResponseTimeMS  int64             `json:"response_time_ms"`
	RetryCount      int               `json:"retry_count"`
	Error           string            `json:"error,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
	Scores          []RowScore        `json:"scores,omitempty"`
	Severity        string            `json:"severity"`
}

type RowScore struct {
	Scorer    string  `json:"scorer"`
	Value     float64 `json:"value"`
	Category  string  `json:"category"`
	Rationale string  `json:"rationale,omitempty"`
}

// Exporter reads one execution's trace from the memory store and renders it.
// Rows are ordered by conversation then sequence, so exporting the same
// execution twice yields identical bytes.
type Exporter struct {
	Repo repo.Repo
}

// Rows loads the piece+score join for an execution.
func (e Exporter) Rows(ctx context.Context, executionID string) ([]Row, error) {
	pieces, err := e.Repo.ListPieces(ctx, repo.PieceFilters{ExecutionID: executionID})
	if err != nil {
		return nil, err
	}
	scores, err := e.Repo.ListScoresForExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	byPiece := map[string][]domain.Score{}
	for _, s := range scores {
		byPiece[s.PieceID] = append(byPiece[s.PieceID], s)
	}
	rows := make([]Row, 0, len(pieces))
	for _, p := range pieces {
		row := Row{
			ExecutionID:     p.ExecutionID,
			ConversationID:  p.ConversationID,
			Sequence:        p.Sequence,
			OriginalPrompt:  p.OriginalPrompt,
			ConvertedPrompt: p.ConvertedPrompt,
			ResponseTimeMS:  p.ResponseTimeMS,
			RetryCount:      p.RetryCount,
			Labels:          p.Labels,
		}
		if p.Response != nil {
			row.Response = *p.Response
		}
		if p.Error != nil {
			row.Error = *p.Error
		}
		var categories []string
		for _, s := range byPiece[p.ID] {
			row.Scores = append(row.Scores, RowScore{
				Scorer:    s.ScorerName,
				Value:     s.Value,
				Category:  s.Category,
				Rationale: s.Rationale,
			})
			categories = append(categories, s.Category)
		}
		sort.Slice(row.Scores, func(i, j int) bool { return row.Scores[i].Scorer < row.Scores[j].Scorer })
		row.Severity = domain.MaxSeverity(categories).String()
		rows = append(rows, row)
	}
	return rows, nil
}

// WriteJSON writes the rows as an indented JSON array.
func (e Exporter) WriteJSON(ctx context.Context, w io.Writer, executionID string) error {
	rows, err := e.Rows(ctx, executionID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

var csvHeader = table.Row{
	"execution_id", "conversation_id", "sequence", "original_prompt", "converted_prompt",
	"response", "response_time_ms", "retry_count", "error", "severity", "scores",
}

// WriteCSV renders flat CSV, one line per piece with scores folded into one
// column.
func (e Exporter) WriteCSV(ctx context.Context, w io.Writer, executionID string) error {
	rows, err := e.Rows(ctx, executionID)
	if err != nil {
		return err
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(csvHeader)
	for _, r := range rows {
		t.AppendRow(table.Row{
			r.ExecutionID, r.ConversationID, r.Sequence, r.OriginalPrompt, r.ConvertedPrompt,
			r.Response, r.ResponseTimeMS, r.RetryCount, r.Error, r.Severity, foldScores(r.Scores),
		})
	}
	t.RenderCSV()
	return nil
}

// WriteXLSX renders a workbook with one sheet of joined rows.
func (e Exporter) WriteXLSX(ctx context.Context, w io.Writer, executionID string) error {
	rows, err := e.Rows(ctx, executionID)
	if err != nil {
		return err
	}
	f := excelize.NewFile()
	defer f.Close()
	const sheet = "Results"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	header := make([]any, len(csvHeader))
	for i, h := range csvHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := []any{
			r.ExecutionID, r.ConversationID, r.Sequence, r.OriginalPrompt, r.ConvertedPrompt,
			r.Response, r.ResponseTimeMS, r.RetryCount, r.Error, r.Severity, foldScores(r.Scores),
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return err
		}
	}
	return f.Write(w)
}

// Write renders the requested format: json, csv or xlsx.
func (e Exporter) Write(ctx context.Context, w io.Writer, executionID, format string) error {
	switch format {
	case "json", "":
		return e.WriteJSON(ctx, w, executionID)
	case "csv":
		return e.WriteCSV(ctx, w, executionID)
	case "xlsx":
		return e.WriteXLSX(ctx, w, executionID)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

func foldScores(scores []RowScore) string {
	out := ""
	for i, s := range scores {
		if i > 0 {
			out += "; "
		}
		out += s.Scorer + "=" + s.Category + " (" + strconv.FormatFloat(s.Value, 'g', -1, 64) + ")"
	}
	return out
}
