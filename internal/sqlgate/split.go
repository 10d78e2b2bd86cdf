package sqlgate

import "strings"

// SplitStatements segments a semicolon-delimited SQL script into discrete
// statements. Semicolons inside single-quoted literals (including doubled
// and backslash-escaped quotes), double-quoted identifiers, dollar-quoted
// bodies, line comments, and block comments do not split. Empty segments
// are dropped; the trailing statement needs no terminating semicolon.
func SplitStatements(script string) []string {
	var (
		stmts      []string
		sb         strings.Builder
		inSingle   bool
		inDouble   bool
		inLineCmt  bool
		inBlockCmt bool
		dollarTag  string // non-empty inside a dollar-quoted body, e.g. "$fn$"
		dollarEnd  int    // builder length just past the opening tag
	)

	flush := func() {
		s := strings.TrimSpace(sb.String())
		if s != "" {
			stmts = append(stmts, s)
		}
		sb.Reset()
	}

	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		var next rune
		if i+1 < len(runes) {
			next = runes[i+1]
		}

		switch {
		case inLineCmt:
			sb.WriteRune(c)
			if c == '\n' {
				inLineCmt = false
			}
			continue
		case inBlockCmt:
			sb.WriteRune(c)
			if c == '*' && next == '/' {
				sb.WriteRune(next)
				i++
				inBlockCmt = false
			}
			continue
		case dollarTag != "":
			sb.WriteRune(c)
			// The closing tag must lie wholly past the opener, otherwise a
			// body starting with '$' would match against the opener itself.
			if c == '$' && sb.Len() >= dollarEnd+len(dollarTag) &&
				strings.HasSuffix(sb.String(), dollarTag) {
				dollarTag = ""
			}
			continue
		case inSingle:
			sb.WriteRune(c)
			if c == '\\' && next != 0 {
				// Backslash escape: consume the next rune verbatim.
				sb.WriteRune(next)
				i++
				continue
			}
			if c == '\'' {
				if next == '\'' {
					sb.WriteRune(next)
					i++ // doubled quote stays inside the literal
					continue
				}
				inSingle = false
			}
			continue
		case inDouble:
			sb.WriteRune(c)
			if c == '"' {
				if next == '"' {
					sb.WriteRune(next)
					i++
					continue
				}
				inDouble = false
			}
			continue
		}

		switch {
		case c == '-' && next == '-':
			inLineCmt = true
		case c == '/' && next == '*':
			inBlockCmt = true
		case c == '\'':
			inSingle = true
		case c == '"':
			inDouble = true
		case c == '$':
			if tag, ok := readDollarTag(runes[i:]); ok {
				dollarTag = tag
				sb.WriteString(tag)
				dollarEnd = sb.Len()
				i += len([]rune(tag)) - 1
				continue
			}
		case c == ';':
			flush()
			continue
		}
		sb.WriteRune(c)
	}
	flush()
	return stmts
}

// readDollarTag reads a dollar-quote opener ($$, $tag$) at the start of rs.
// Tags are letters, digits, and underscores.
func readDollarTag(rs []rune) (string, bool) {
	if len(rs) < 2 || rs[0] != '$' {
		return "", false
	}
	for i := 1; i < len(rs); i++ {
		c := rs[i]
		if c == '$' {
			return string(rs[:i+1]), true
		}
		if !isTagRune(c) {
			return "", false
		}
	}
	return "", false
}

func isTagRune(c rune) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}
