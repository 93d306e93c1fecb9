package host

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/tomyedwab/sqlvar/rowid"
	"github.com/tomyedwab/sqlvar/sqlproxy/types"
)

// cursor is an open result set. Rows are handed out in chunks by Fetch.
type cursor struct {
	id      string
	rows    *sqlx.Rows
	columns []types.ColumnInfo
	decl    []types.DeclType
	reads   []tableRead
	owner   *preparedStmt

	resolved bool // Late-bound column types have been settled
	done     bool
}

// tableRead is one column read reported by the authorizer while a
// statement was compiled.
type tableRead struct {
	table  string
	column string
}

// captureReads compiles a statement through fn and reports the tables and
// columns it reads.
func (s *Session) captureReads(fn func() error) ([]tableRead, error) {
	var reads []tableRead
	err := rawConn(s.conn, func(sc *sqlite3.SQLiteConn) error {
		sc.RegisterAuthorizer(func(op int, arg1, arg2, arg3 string) int {
			if op == sqlite3.SQLITE_READ && arg3 != "temp" && !isInternalTable(arg1) {
				reads = append(reads, tableRead{table: strings.ToUpper(arg1), column: strings.ToUpper(arg2)})
			}
			return sqlite3.SQLITE_OK
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer rawConn(s.conn, func(sc *sqlite3.SQLiteConn) error {
		sc.RegisterAuthorizer(nil)
		return nil
	})
	err = fn()
	return reads, err
}

func isInternalTable(name string) bool {
	return strings.HasPrefix(name, "_") || strings.HasPrefix(strings.ToLower(name), "sqlite_")
}

// readTables returns the distinct tables in reads.
func readTables(reads []tableRead) []string {
	var tables []string
	for _, r := range reads {
		if !contains(tables, r.table) {
			tables = append(tables, r.table)
		}
	}
	return tables
}

// openCursor runs query with SQLite placeholders on the session and keeps
// the rows open for chunked fetching.
func (s *Session) openCursor(ctx context.Context, query string, args ...any) (*cursor, error) {
	var rows *sqlx.Rows
	reads, err := s.captureReads(func() error {
		var err error
		rows, err = s.conn.QueryxContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, serverError(err)
	}
	return s.newCursor(rows, reads)
}

// startCursor runs a prepared query. The tables it reads were captured
// when it was prepared.
func (s *Session) startCursor(ctx context.Context, p *preparedStmt, args []any) (*cursor, error) {
	// Re-running a statement resets it underneath its previous rows.
	if p.cursor != nil {
		s.closeCursor(p.cursor)
		p.cursor = nil
	}
	rows, err := p.stmt.QueryxContext(ctx, args...)
	if err != nil {
		return nil, serverError(err)
	}
	cur, err := s.newCursor(rows, p.reads)
	if err != nil {
		return nil, err
	}
	cur.owner = p
	p.cursor = cur
	return cur, nil
}

func (s *Session) newCursor(rows *sqlx.Rows, reads []tableRead) (*cursor, error) {
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		rows.Close()
		return nil, serverError(err)
	}
	cur := &cursor{
		id:      uuid.NewString(),
		rows:    rows,
		columns: make([]types.ColumnInfo, len(colTypes)),
		decl:    make([]types.DeclType, len(colTypes)),
		reads:   reads,
	}
	for i, ct := range colTypes {
		name := strings.ToUpper(ct.Name())
		declName := strings.ToUpper(ct.DatabaseTypeName())
		if name == "ROWID" && cur.rowidTable() != "" {
			declName = "ROWID"
		}
		cur.columns[i] = types.ColumnInfo{Name: name, DeclType: declName, Nullable: true}
		cur.decl[i] = types.ParseDeclType(declName)
	}
	s.cursors[cur.id] = cur
	return cur, nil
}

// rowidTable names the table whose row ids the cursor selects.
func (c *cursor) rowidTable() string {
	for _, r := range c.reads {
		if r.column == "ROWID" {
			return r.table
		}
	}
	if tables := readTables(c.reads); len(tables) == 1 {
		return tables[0]
	}
	return ""
}

// Fetch returns up to maxRows rows of an open cursor. A cursor that is
// exhausted keeps returning empty chunks until it is closed.
func (s *Session) Fetch(ctx context.Context, cursorID string, maxRows int) (*types.Chunk, error) {
	cur, ok := s.cursors[cursorID]
	if !ok {
		return nil, &types.ServerError{Code: 1001, Message: "invalid cursor"}
	}
	if maxRows <= 0 {
		maxRows = 1
	}
	chunk := &types.Chunk{Rows: [][]any{}}
	if cur.done {
		return chunk, nil
	}

	for len(chunk.Rows) < maxRows && cur.rows.Next() {
		values, err := cur.rows.SliceScan()
		if err != nil {
			return nil, serverError(err)
		}
		chunk.Rows = append(chunk.Rows, values)
	}
	if err := cur.rows.Err(); err != nil {
		return nil, serverError(err)
	}
	if len(chunk.Rows) < maxRows {
		s.finishCursor(cur)
	}
	chunk.More = !cur.done

	if !cur.resolved {
		cur.resolve(chunk.Rows)
		chunk.Columns = cur.columns
	}
	for _, row := range chunk.Rows {
		for i := range row {
			v, err := s.columnValue(ctx, cur, i, row[i])
			if err != nil {
				return nil, err
			}
			row[i] = v
		}
	}
	return chunk, nil
}

// resolve settles the declared type of columns SQLite could not describe,
// using the first non-null value of each.
func (c *cursor) resolve(rows [][]any) {
	c.resolved = true
	for i := range c.columns {
		if c.columns[i].DeclType != "" {
			continue
		}
		declName := "VARCHAR2"
		for _, row := range rows {
			if row[i] == nil {
				continue
			}
			switch row[i].(type) {
			case int64:
				declName = "INTEGER"
			case float64:
				declName = "BINARY_DOUBLE"
			case []byte:
				declName = "RAW"
			case time.Time:
				declName = "TIMESTAMP"
			case bool:
				declName = "BOOLEAN"
			}
			break
		}
		c.columns[i].DeclType = declName
		c.decl[i] = types.ParseDeclType(declName)
	}
}

// columnValue converts a scanned value to what the engine expects for the
// column's declared type.
func (s *Session) columnValue(ctx context.Context, cur *cursor, i int, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	decl := cur.decl[i]
	switch decl.Family {
	case types.FamilyRowid:
		n, ok := v.(int64)
		if !ok {
			return v, nil
		}
		if !rowid.InRange(n) {
			return nil, &types.ServerError{Code: 1410, Message: fmt.Sprintf("invalid row id for row %d", n)}
		}
		num, err := s.host.objectNum(ctx, cur.rowidTable())
		if err != nil {
			return nil, serverError(err)
		}
		return types.RowidValue{ObjectNum: num, RowNum: n}, nil
	case types.FamilyClob, types.FamilyNClob, types.FamilyBlob:
		kind := types.LobBlob
		if decl.Family == types.FamilyClob {
			kind = types.LobClob
		} else if decl.Family == types.FamilyNClob {
			kind = types.LobNClob
		}
		return s.materializeLob(ctx, kind, v)
	case types.FamilyBfile:
		dir, file, _ := strings.Cut(textOf(v), "/")
		return types.LobLocator{Kind: types.LobBfile, Dir: dir, File: file}, nil
	case types.FamilyDate, types.FamilyTimestamp:
		if str, ok := v.(string); ok {
			return parseTimestamp(str)
		}
		if b, ok := v.([]byte); ok {
			return parseTimestamp(string(b))
		}
	case types.FamilyBoolean:
		if n, ok := v.(int64); ok {
			return n != 0, nil
		}
	case types.FamilyRaw, types.FamilyLongRaw:
		if s, ok := v.(string); ok {
			return []byte(s), nil
		}
	case types.FamilyNamed:
		if info := s.host.lookupObjectType(ctx, decl); info != nil {
			obj, err := s.host.decodeObject(ctx, info, v)
			if err != nil {
				return nil, serverError(err)
			}
			return obj, nil
		}
	}
	if b, ok := v.([]byte); ok && decl.Family != types.FamilyRaw && decl.Family != types.FamilyLongRaw {
		return string(b), nil
	}
	return plainValue(v), nil
}

func textOf(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	}
	return ""
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSuffix(s, "Z")
	for _, format := range sqlite3.SQLiteTimestampFormats {
		if t, err := time.ParseInLocation(format, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &types.ServerError{Code: 1861, Message: "literal does not match format string: " + s}
}

// CloseCursor releases an open cursor. Closing an unknown cursor is not
// an error.
func (s *Session) CloseCursor(ctx context.Context, cursorID string) error {
	cur, ok := s.cursors[cursorID]
	if !ok {
		return nil
	}
	s.closeCursor(cur)
	return nil
}

func (s *Session) closeCursor(cur *cursor) {
	delete(s.cursors, cur.id)
	s.finishCursor(cur)
}

// finishCursor closes the rows of cur and finalizes a statement whose
// close was waiting on them.
func (s *Session) finishCursor(cur *cursor) {
	if cur.done {
		return
	}
	cur.done = true
	_ = cur.rows.Close()
	if p := cur.owner; p != nil && p.cursor == cur {
		p.cursor = nil
		if p.closed && p.stmt != nil {
			_ = p.stmt.Close()
		}
	}
}
