package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Postgres roles the pool can switch to. SET LOCAL ROLE inside a request
// transaction enforces RLS policies even though the pool itself connects as
// a privileged user.
const (
	RoleAuthenticated = "authenticated"
	RoleAnon          = "anon"
)

// quoteIdent double-quotes a SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// escapeLiteral doubles single quotes for safe literal embedding. SET LOCAL
// does not take bind parameters, so the values are inlined.
func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// rlsStatements builds the SET LOCAL statements SetRLSContext executes.
// Extracted so tests can check the generated SQL without a live database.
func rlsStatements(role, userID string) []string {
	dbRole := RoleAnon
	if role == "authenticated" || role == "project_admin" {
		dbRole = RoleAuthenticated
	}
	stmts := []string{
		"SET LOCAL ROLE " + quoteIdent(dbRole),
		"SET LOCAL request.jwt.claim.role = '" + escapeLiteral(role) + "'",
	}
	if userID != "" {
		stmts = append(stmts, "SET LOCAL request.jwt.claim.sub = '"+escapeLiteral(userID)+"'")
	}
	return stmts
}

// SetRLSContext switches the transaction to the caller's database role and
// publishes the JWT claims as transaction-scoped settings, the same GUC
// names PostgREST uses. RLS policies reference them with current_setting.
func SetRLSContext(ctx context.Context, tx pgx.Tx, role, userID string) error {
	for _, stmt := range rlsStatements(role, userID) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("configuring rls session: %w", err)
		}
	}
	return nil
}
