package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/insforge/insforge/internal/httputil"
	"github.com/insforge/insforge/internal/sqlgate"
)

// sqlRequest is the request body for the admin SQL endpoint.
type sqlRequest struct {
	Query string `json:"query"`
}

// sqlResponse is the response body for the admin SQL endpoint. ChangeSet
// tells the dashboard which of its caches the script invalidated.
type sqlResponse struct {
	Columns    []string                `json:"columns"`
	Rows       [][]any                 `json:"rows"`
	RowCount   int                     `json:"rowCount"`
	DurationMs int64                   `json:"durationMs"`
	ChangeSet  []sqlgate.ChangeSetItem `json:"changeSet"`
}

// queryTimeout is the maximum execution time for an admin SQL script.
const queryTimeout = 30 * time.Second

// handleAdminSQL runs an arbitrary SQL script from the dashboard. The script
// is screened by the safety gate first, then executed statement by statement
// inside one transaction; the last statement's result set is returned.
func handleAdminSQL(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sqlRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			httputil.WriteError(w, http.StatusBadRequest, httputil.CodeInvalidInput, "query is required")
			return
		}
		if err := sqlgate.CheckAuthSchemaOperations(req.Query); err != nil {
			httputil.WriteError(w, http.StatusForbidden, httputil.CodeForbidden, err.Error())
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
		defer cancel()

		start := time.Now()
		resp := sqlResponse{Rows: [][]any{}}

		tx, err := pool.Begin(ctx)
		if err != nil {
			httputil.WriteError(w, http.StatusServiceUnavailable, httputil.CodeServiceUnavailable, "database not available")
			return
		}
		defer tx.Rollback(ctx)

		for _, stmt := range sqlgate.SplitStatements(req.Query) {
			columns, resultRows, err := runStatement(ctx, tx, stmt)
			if err != nil {
				httputil.WriteError(w, http.StatusBadRequest, httputil.CodeInvalidInput, err.Error())
				return
			}
			resp.Columns = columns
			resp.Rows = resultRows
		}
		if err := tx.Commit(ctx); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, httputil.CodeInvalidInput, err.Error())
			return
		}

		if resp.Columns == nil {
			resp.Columns = []string{}
		}
		resp.RowCount = len(resp.Rows)
		resp.DurationMs = time.Since(start).Milliseconds()
		resp.ChangeSet = sqlgate.AnalyzeQuery(req.Query)
		if resp.ChangeSet == nil {
			resp.ChangeSet = []sqlgate.ChangeSetItem{}
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

func runStatement(ctx context.Context, tx pgx.Tx, stmt string) ([]string, [][]any, error) {
	rows, err := tx.Query(ctx, stmt, pgx.QueryExecModeSimpleProtocol)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	columns := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = fd.Name
	}

	resultRows := [][]any{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, nil, fmt.Errorf("reading row: %w", err)
		}
		row := make([]any, len(values))
		for i, v := range values {
			row[i] = toJSONSafe(v)
		}
		resultRows = append(resultRows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return columns, resultRows, nil
}

// toJSONSafe converts pgx values to types that json.Marshal handles cleanly.
func toJSONSafe(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case [16]byte:
		// PostgreSQL UUID returned as [16]byte by pgx.
		return fmt.Sprintf("%x-%x-%x-%x-%x",
			val[0:4], val[4:6], val[6:8], val[8:10], val[10:16])
	case []byte:
		// Try to parse as JSON first.
		var j any
		if err := json.Unmarshal(val, &j); err == nil {
			return j
		}
		return string(val)
	default:
		return v
	}
}
