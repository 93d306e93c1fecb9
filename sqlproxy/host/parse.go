package host

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tomyedwab/sqlvar/sqlproxy/types"
)

// parsedStatement is the host's view of prepared text.
type parsedStatement struct {
	kind      types.StatementKind
	sql       string   // Text handed to SQLite, placeholders rewritten to ?NNN
	bindNames []string // Unique placeholder names in order of first appearance
	argNames  []string // Placeholders that appear in sql, indexed by NNN-1
	returning []string // Placeholders of a RETURNING ... INTO clause
	call      *callSpec
	target    string // Table named by DDL
}

type callSpec struct {
	procedure string
	result    string // Placeholder receiving a function result
	args      []callArg
}

type callArg struct {
	bind    string
	literal any
}

var keywordKinds = map[string]types.StatementKind{
	"SELECT":   types.StatementSelect,
	"WITH":     types.StatementSelect,
	"VALUES":   types.StatementSelect,
	"INSERT":   types.StatementInsert,
	"REPLACE":  types.StatementInsert,
	"UPDATE":   types.StatementUpdate,
	"DELETE":   types.StatementDelete,
	"MERGE":    types.StatementMerge,
	"CREATE":   types.StatementCreate,
	"DROP":     types.StatementDrop,
	"ALTER":    types.StatementAlter,
	"TRUNCATE": types.StatementTruncate,
	"BEGIN":    types.StatementBlock,
	"DECLARE":  types.StatementBlock,
	"CALL":     types.StatementCall,
	"COMMIT":   types.StatementCommit,
	"ROLLBACK": types.StatementRollback,
}

var (
	returningIntoRe = regexp.MustCompile(`(?is)\breturning\b(.*)\binto\b\s*(:[A-Za-z0-9_$#]+(?:\s*,\s*:[A-Za-z0-9_$#]+)*)\s*;?\s*$`)
	blockCallRe     = regexp.MustCompile(`(?is)^\s*begin\s+(?:(:[A-Za-z0-9_$#]+)\s*:=\s*)?([A-Za-z_][A-Za-z0-9_$#.]*)\s*(?:\((.*)\))?\s*;\s*end\s*;?\s*$`)
	callRe          = regexp.MustCompile(`(?is)^\s*call\s+([A-Za-z_][A-Za-z0-9_$#.]*)\s*(?:\((.*)\))?\s*;?\s*$`)
	ddlTargetRe     = regexp.MustCompile(`(?is)^\s*(?:alter|drop|truncate)\s+table\s+(?:if\s+exists\s+)?["']?([A-Za-z0-9_$#.]+)`)
	truncateRe      = regexp.MustCompile(`(?is)^\s*truncate\s+table\s+([A-Za-z0-9_$#."]+)\s*;?\s*$`)
)

func firstKeyword(sql string) string {
	sql = strings.TrimLeft(sql, " \t\r\n(")
	end := strings.IndexFunc(sql, func(r rune) bool {
		return !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r == '_')
	})
	if end < 0 {
		end = len(sql)
	}
	return strings.ToUpper(sql[:end])
}

// parseStatement classifies sql and rewrites its placeholders.
func parseStatement(sql string) (*parsedStatement, error) {
	p := &parsedStatement{kind: keywordKinds[firstKeyword(sql)]}

	switch {
	case p.kind == types.StatementBlock || p.kind == types.StatementCall:
		call, err := parseCall(sql)
		if err != nil {
			return nil, err
		}
		p.call = call
		if call.result != "" {
			p.bindNames = append(p.bindNames, call.result)
		}
		for _, arg := range call.args {
			if arg.bind != "" && !contains(p.bindNames, arg.bind) {
				p.bindNames = append(p.bindNames, arg.bind)
			}
		}
		return p, nil

	case p.kind == types.StatementTruncate:
		m := truncateRe.FindStringSubmatch(sql)
		if m == nil {
			return nil, &types.ServerError{Code: 900, Message: "invalid TRUNCATE statement"}
		}
		p.target = strings.Trim(m[1], `"`)
		sql = "DELETE FROM " + m[1]
	}

	if p.kind.IsDDL() {
		if m := ddlTargetRe.FindStringSubmatch(sql); m != nil && p.target == "" {
			p.target = m[1]
		}
	}

	if p.kind.IsDML() {
		if loc := returningIntoRe.FindStringSubmatchIndex(sql); loc != nil {
			into := sql[loc[4]:loc[5]]
			for _, name := range strings.Split(into, ",") {
				p.returning = append(p.returning, normalizeBindName(strings.TrimSpace(name)[1:]))
			}
			sql = sql[:loc[0]] + "RETURNING" + sql[loc[2]:loc[3]]
		}
	}

	p.sql, p.argNames = rewritePlaceholders(sql)
	p.bindNames = append(p.bindNames, p.argNames...)
	for _, name := range p.returning {
		if !contains(p.bindNames, name) {
			p.bindNames = append(p.bindNames, name)
		}
	}
	return p, nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// normalizeBindName upper-cases names the way unquoted identifiers are
// folded.
func normalizeBindName(name string) string {
	return strings.ToUpper(name)
}

// rewritePlaceholders replaces :name placeholders with ?NNN, where NNN is
// the position of the first appearance of the name. String literals,
// quoted identifiers and comments are left alone.
func rewritePlaceholders(sql string) (string, []string) {
	var out strings.Builder
	var names []string
	index := map[string]int{}

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '\'' || c == '"':
			end := i + 1
			for end < len(sql) {
				if sql[end] == c {
					if end+1 < len(sql) && sql[end+1] == c {
						end += 2
						continue
					}
					break
				}
				end++
			}
			if end >= len(sql) {
				end = len(sql) - 1
			}
			out.WriteString(sql[i : end+1])
			i = end
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				end = len(sql) - i
			}
			out.WriteString(sql[i : i+end])
			i += end - 1
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				out.WriteString(sql[i:])
				i = len(sql)
				continue
			}
			out.WriteString(sql[i : i+end+4])
			i += end + 3
		case c == ':' && i+1 < len(sql) && isBindChar(sql[i+1]) && (i == 0 || sql[i-1] != ':'):
			end := i + 1
			for end < len(sql) && isBindChar(sql[end]) {
				end++
			}
			name := normalizeBindName(sql[i+1 : end])
			pos, ok := index[name]
			if !ok {
				names = append(names, name)
				pos = len(names)
				index[name] = pos
			}
			out.WriteString("?" + strconv.Itoa(pos))
			i = end - 1
		default:
			out.WriteByte(c)
		}
	}
	return out.String(), names
}

func isBindChar(c byte) bool {
	return c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c == '$' || c == '#'
}

func parseCall(sql string) (*callSpec, error) {
	var result, name, args string
	if m := blockCallRe.FindStringSubmatch(sql); m != nil {
		result, name, args = m[1], m[2], m[3]
	} else if m := callRe.FindStringSubmatch(sql); m != nil {
		name, args = m[1], m[2]
	} else {
		return nil, &types.ServerError{Code: 6550, Message: "only single procedure call blocks are supported"}
	}

	spec := &callSpec{procedure: strings.ToUpper(name)}
	if result != "" {
		spec.result = normalizeBindName(result[1:])
	}
	for _, raw := range splitArgs(args) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.HasPrefix(raw, ":") {
			spec.args = append(spec.args, callArg{bind: normalizeBindName(raw[1:])})
			continue
		}
		lit, err := parseLiteral(raw)
		if err != nil {
			return nil, err
		}
		spec.args = append(spec.args, callArg{literal: lit})
	}
	return spec, nil
}

// splitArgs splits on commas outside string literals.
func splitArgs(args string) []string {
	var parts []string
	depth, start := 0, 0
	inString := false
	for i := 0; i < len(args); i++ {
		switch c := args[i]; {
		case c == '\'':
			inString = !inString
		case inString:
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ',' && depth == 0:
			parts = append(parts, args[start:i])
			start = i + 1
		}
	}
	if start < len(args) {
		parts = append(parts, args[start:])
	}
	return parts
}

func parseLiteral(raw string) (any, error) {
	if strings.HasPrefix(raw, "'") && strings.HasSuffix(raw, "'") && len(raw) >= 2 {
		return strings.ReplaceAll(raw[1:len(raw)-1], "''", "'"), nil
	}
	if strings.EqualFold(raw, "null") {
		return nil, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f, nil
	}
	return nil, &types.ServerError{Code: 6550, Message: "unsupported procedure argument " + raw}
}
