package sqlgate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitStatements(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		script string
		want   []string
	}{
		{
			"two statements",
			`SELECT 1; SELECT 2`,
			[]string{"SELECT 1", "SELECT 2"},
		},
		{
			"trailing semicolon and blanks",
			`SELECT 1; ; ;`,
			[]string{"SELECT 1"},
		},
		{
			"semicolon inside single-quoted literal",
			`INSERT INTO t VALUES ('a;b'); SELECT 1`,
			[]string{`INSERT INTO t VALUES ('a;b')`, "SELECT 1"},
		},
		{
			"doubled quote stays in literal",
			`SELECT 'it''s; fine'; SELECT 2`,
			[]string{`SELECT 'it''s; fine'`, "SELECT 2"},
		},
		{
			"backslash-escaped quote",
			`SELECT E'a\'; still'; SELECT 2`,
			[]string{`SELECT E'a\'; still'`, "SELECT 2"},
		},
		{
			"double-quoted identifier",
			`SELECT "weird;name" FROM t; SELECT 2`,
			[]string{`SELECT "weird;name" FROM t`, "SELECT 2"},
		},
		{
			"line comment swallows semicolon",
			"SELECT 1 -- not; a split\n; SELECT 2",
			[]string{"SELECT 1 -- not; a split", "SELECT 2"},
		},
		{
			"block comment swallows semicolon",
			`SELECT 1 /* not; a split */; SELECT 2`,
			[]string{"SELECT 1 /* not; a split */", "SELECT 2"},
		},
		{
			"anonymous dollar quoting",
			`CREATE FUNCTION f() RETURNS int AS $$ SELECT 1; SELECT 2; $$ LANGUAGE sql; SELECT 3`,
			[]string{
				"CREATE FUNCTION f() RETURNS int AS $$ SELECT 1; SELECT 2; $$ LANGUAGE sql",
				"SELECT 3",
			},
		},
		{
			"tagged dollar quoting",
			`CREATE FUNCTION f() RETURNS int AS $fn$ BEGIN RETURN 1; END; $fn$ LANGUAGE plpgsql; SELECT 3`,
			[]string{
				"CREATE FUNCTION f() RETURNS int AS $fn$ BEGIN RETURN 1; END; $fn$ LANGUAGE plpgsql",
				"SELECT 3",
			},
		},
		{
			"dollar-quoted body starting with a dollar sign",
			`SELECT $$$ a; b $$; SELECT 2`,
			[]string{`SELECT $$$ a; b $$`, "SELECT 2"},
		},
		{
			"closing tag overlapping the opener",
			`SELECT $x$x$x$; SELECT 2`,
			[]string{`SELECT $x$x$x$`, "SELECT 2"},
		},
		{
			"positional parameter is not a dollar quote",
			`SELECT * FROM t WHERE id = $1; SELECT 2`,
			[]string{"SELECT * FROM t WHERE id = $1", "SELECT 2"},
		},
		{
			"empty input",
			"  \n\t ",
			nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitStatements(tt.script))
		})
	}
}
