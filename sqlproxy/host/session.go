package host

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/tomyedwab/sqlvar/events"
	"github.com/tomyedwab/sqlvar/sqlproxy/types"
)

const tempLobSchema = `
CREATE TEMP TABLE IF NOT EXISTS _temp_lobs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	data
)`

type preparedStmt struct {
	parsed *parsedStatement
	stmt   *sqlx.Stmt // nil for procedure calls
	reads  []tableRead
	cursor *cursor // Most recent result set
	closed bool    // Close requested while cursor was still open
}

type xaState int

const (
	xaNone xaState = iota
	xaActive
	xaPrepared
)

// Session is one engine connection. It owns a single SQLite connection, so
// transactions span every statement executed through it. A Session is not
// safe for concurrent use; the change hooks it installs run on the caller's
// goroutine.
type Session struct {
	host *SQLHost
	conn *sqlx.Conn
	id   string

	stmts   map[string]*preparedStmt
	cursors map[string]*cursor

	inTx     bool
	xid      *types.Xid
	xa       xaState
	xaWrites int

	// Guarded by pendingMu: filled by the update hook, drained by the
	// commit hook.
	pendingMu sync.Mutex
	pending   []change
}

// NewSession pins a connection from the pool and prepares it for use by
// one engine connection.
func (h *SQLHost) NewSession(ctx context.Context) (*Session, error) {
	conn, err := h.db.Connx(ctx)
	if err != nil {
		return nil, err
	}
	s := &Session{
		host:    h,
		conn:    conn,
		id:      uuid.NewString(),
		stmts:   make(map[string]*preparedStmt),
		cursors: make(map[string]*cursor),
	}
	if _, err := conn.ExecContext(ctx, tempLobSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create temporary LOB storage: %w", err)
	}
	err = rawConn(conn, func(sc *sqlite3.SQLiteConn) error {
		sc.RegisterUpdateHook(s.onUpdate)
		sc.RegisterCommitHook(s.onCommit)
		sc.RegisterRollbackHook(s.onRollback)
		return nil
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	h.logger.Debug("Session opened", "session", s.id)
	return s, nil
}

// Ping checks that the connection is alive.
func (s *Session) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close releases cursors and statements, rolls back any open transaction
// and returns the connection to the pool.
func (s *Session) Close() error {
	ctx := context.Background()
	for _, cur := range s.cursors {
		s.closeCursor(cur)
	}
	for id, p := range s.stmts {
		if p.stmt != nil {
			_ = p.stmt.Close()
		}
		delete(s.stmts, id)
	}
	if s.inTx {
		_ = s.rollback(ctx)
	}
	_ = rawConn(s.conn, func(sc *sqlite3.SQLiteConn) error {
		sc.RegisterUpdateHook(nil)
		sc.RegisterCommitHook(nil)
		sc.RegisterRollbackHook(nil)
		return nil
	})
	if _, err := s.conn.ExecContext(ctx, "DROP TABLE IF EXISTS temp._temp_lobs"); err != nil {
		s.host.logger.Warn("Failed to drop temporary LOB storage", "session", s.id, "error", err)
	}
	s.host.logger.Debug("Session closed", "session", s.id)
	return s.conn.Close()
}

// ObjectType describes a named object type from the catalog.
func (s *Session) ObjectType(ctx context.Context, name string) (*types.ObjectTypeInfo, error) {
	return s.host.ObjectType(ctx, name)
}

// Prepare parses and prepares a statement and returns its description.
func (s *Session) Prepare(ctx context.Context, query string) (*types.StatementInfo, error) {
	parsed, err := parseStatement(query)
	if err != nil {
		return nil, err
	}
	p := &preparedStmt{parsed: parsed}
	if parsed.call == nil && parsed.kind != types.StatementCommit && parsed.kind != types.StatementRollback {
		p.reads, err = s.captureReads(func() error {
			var err error
			p.stmt, err = s.conn.PreparexContext(ctx, parsed.sql)
			return err
		})
		if err != nil {
			return nil, serverError(err)
		}
	}
	id := uuid.NewString()
	s.stmts[id] = p

	info := &types.StatementInfo{
		ID:             id,
		Kind:           parsed.kind,
		BindNames:      parsed.bindNames,
		ReturningBinds: parsed.returning,
	}
	if parsed.call != nil {
		info.Procedure = parsed.call.procedure
	}
	return info, nil
}

// CloseStatement releases a prepared statement. Closing an unknown
// statement is not an error.
func (s *Session) CloseStatement(ctx context.Context, id string) error {
	p, ok := s.stmts[id]
	if !ok {
		return nil
	}
	delete(s.stmts, id)
	if p.cursor != nil && !p.cursor.done {
		p.closed = true
		return nil
	}
	if p.stmt != nil {
		return p.stmt.Close()
	}
	return nil
}

// Execute runs a prepared statement once per entry of req.Iterations.
func (s *Session) Execute(ctx context.Context, req *types.ExecRequest) (*types.ExecResult, error) {
	p, ok := s.stmts[req.StatementID]
	if !ok {
		return nil, &types.ServerError{Code: 24337, Message: "statement is not prepared"}
	}
	if len(req.Iterations) == 0 {
		req.Iterations = [][]types.BindValue{nil}
	}
	kind := p.parsed.kind
	if s.xa == xaPrepared && kind != types.StatementCommit && kind != types.StatementRollback {
		return nil, &types.ServerError{Code: 24780, Message: "transaction branch " + s.xid.String() + " is prepared"}
	}

	var result *types.ExecResult
	var err error
	switch {
	case kind.IsQuery():
		result, err = s.executeQuery(ctx, p, req)
	case kind.IsDDL():
		result, err = s.executeDDL(ctx, p, req.Iterations[0])
	case kind.IsPLSQL():
		result, err = s.executeCall(ctx, p, req.Iterations[0])
	case kind == types.StatementCommit:
		result, err = &types.ExecResult{}, s.Commit(ctx)
	case kind == types.StatementRollback:
		result, err = &types.ExecResult{}, s.Rollback(ctx)
	case len(p.parsed.returning) > 0:
		result, err = s.executeReturning(ctx, p, req.Iterations[0])
	default:
		result, err = s.executeDML(ctx, p, req.Iterations)
	}
	if err != nil {
		return nil, err
	}
	if req.CommitOnSuccess && kind != types.StatementCommit {
		if err := s.Commit(ctx); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *Session) executeQuery(ctx context.Context, p *preparedStmt, req *types.ExecRequest) (*types.ExecResult, error) {
	args, err := s.bindArgs(ctx, p.parsed, req.Iterations[0])
	if err != nil {
		return nil, err
	}
	if req.SubscriptionID != 0 {
		queryID, err := s.host.notifier.registerQuery(req.SubscriptionID, readTables(p.reads))
		if err != nil {
			return nil, err
		}
		cur, err := s.startCursor(ctx, p, args)
		if err != nil {
			return nil, err
		}
		return &types.ExecResult{Columns: cur.columns, CursorID: cur.id, QueryID: queryID}, nil
	}
	cur, err := s.startCursor(ctx, p, args)
	if err != nil {
		return nil, err
	}
	if req.DescribeOnly {
		s.closeCursor(cur)
		return &types.ExecResult{Columns: cur.columns}, nil
	}
	return &types.ExecResult{Columns: cur.columns, CursorID: cur.id}, nil
}

func (s *Session) executeDML(ctx context.Context, p *preparedStmt, iterations [][]types.BindValue) (*types.ExecResult, error) {
	if err := s.beginImplicit(ctx); err != nil {
		return nil, err
	}
	result := &types.ExecResult{}
	for _, binds := range iterations {
		args, err := s.bindArgs(ctx, p.parsed, binds)
		if err != nil {
			return nil, err
		}
		res, err := p.stmt.ExecContext(ctx, args...)
		if err != nil {
			return nil, serverError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, serverError(err)
		}
		result.RowsAffected += n
		result.RowCounts = append(result.RowCounts, n)
	}
	return result, nil
}

func (s *Session) executeReturning(ctx context.Context, p *preparedStmt, binds []types.BindValue) (*types.ExecResult, error) {
	if err := s.beginImplicit(ctx); err != nil {
		return nil, err
	}
	args, err := s.bindArgs(ctx, p.parsed, binds)
	if err != nil {
		return nil, err
	}
	rows, err := p.stmt.QueryxContext(ctx, args...)
	if err != nil {
		return nil, serverError(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, serverError(err)
	}
	if len(columns) != len(p.parsed.returning) {
		return nil, &types.ServerError{Code: 913, Message: fmt.Sprintf(
			"RETURNING lists %d expressions but INTO names %d variables", len(columns), len(p.parsed.returning))}
	}
	result := &types.ExecResult{Returning: make(map[string][]any, len(columns))}
	for _, name := range p.parsed.returning {
		result.Returning[name] = []any{}
	}
	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return nil, serverError(err)
		}
		for i, name := range p.parsed.returning {
			result.Returning[name] = append(result.Returning[name], plainValue(values[i]))
		}
		result.RowsAffected++
	}
	if err := rows.Err(); err != nil {
		return nil, serverError(err)
	}
	result.RowCounts = []int64{result.RowsAffected}
	return result, nil
}

func (s *Session) executeDDL(ctx context.Context, p *preparedStmt, binds []types.BindValue) (*types.ExecResult, error) {
	// DDL commits the open transaction before and after it runs.
	if s.inTx {
		if err := s.Commit(ctx); err != nil {
			return nil, err
		}
	}
	args, err := s.bindArgs(ctx, p.parsed, binds)
	if err != nil {
		return nil, err
	}
	if p.parsed.target != "" {
		op := events.OpAlter
		switch p.parsed.kind {
		case types.StatementDrop:
			op = events.OpDrop
			defer s.host.forgetObjectNum(p.parsed.target)
		case types.StatementTruncate:
			op = events.OpAlter | events.OpAllRows
		}
		s.addPending(change{table: p.parsed.target, op: op, rowNum: -1})
	}
	res, err := p.stmt.ExecContext(ctx, args...)
	if err != nil {
		s.onRollback()
		return nil, serverError(err)
	}
	n, _ := res.RowsAffected()
	if p.parsed.kind != types.StatementTruncate {
		n = 0
	}
	return &types.ExecResult{RowsAffected: n}, nil
}

func (s *Session) executeCall(ctx context.Context, p *preparedStmt, binds []types.BindValue) (*types.ExecResult, error) {
	spec := p.parsed.call
	fn, ok := s.host.procedure(spec.procedure)
	if !ok {
		return nil, &types.ServerError{Code: 6550, Message: fmt.Sprintf("identifier '%s' must be declared", spec.procedure)}
	}
	if err := s.beginImplicit(ctx); err != nil {
		return nil, err
	}

	byName := make(map[string]types.BindValue, len(binds))
	for _, b := range binds {
		byName[b.Name] = b
	}
	toArg := func(name string) (*Arg, error) {
		b, ok := byName[name]
		if !ok {
			return nil, &types.ServerError{Code: 1008, Message: "not all variables bound"}
		}
		value, err := s.resolveValue(ctx, b.Value)
		if err != nil {
			return nil, err
		}
		values := make([]any, len(b.Values))
		for i, v := range b.Values {
			if values[i], err = s.resolveValue(ctx, v); err != nil {
				return nil, err
			}
		}
		if !b.IsArray {
			values = nil
		}
		return &Arg{Name: name, Value: value, Values: values, IsArray: b.IsArray, cursor: b.Cursor}, nil
	}

	call := &Call{Name: spec.procedure, session: s}
	if spec.result != "" {
		arg, err := toArg(spec.result)
		if err != nil {
			return nil, err
		}
		call.Return = arg
	}
	for _, a := range spec.args {
		if a.bind == "" {
			call.Args = append(call.Args, &Arg{Value: a.literal})
			continue
		}
		arg, err := toArg(a.bind)
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)
	}

	start := time.Now()
	if err := fn(ctx, call); err != nil {
		for _, ref := range call.results {
			s.CloseCursor(ctx, ref.ID)
		}
		s.host.logger.Debug("Procedure failed", "procedure", spec.procedure, "error", err)
		return nil, serverError(err)
	}
	s.host.logger.Debug("Procedure called", "procedure", spec.procedure, "duration", time.Since(start))

	result := &types.ExecResult{Out: make(map[string]types.OutValue), ImplicitResults: call.results}
	args := call.Args
	if call.Return != nil {
		args = append([]*Arg{call.Return}, args...)
	}
	for _, arg := range args {
		if arg.Name != "" && arg.out != nil {
			result.Out[arg.Name] = *arg.out
		}
	}
	return result, nil
}

// beginImplicit starts a transaction before the first change, the way a
// server opens one implicitly.
func (s *Session) beginImplicit(ctx context.Context) error {
	if s.inTx {
		return nil
	}
	if _, err := s.conn.ExecContext(ctx, "BEGIN"); err != nil {
		return serverError(err)
	}
	s.inTx = true
	return nil
}

// Commit commits the open transaction, if any.
func (s *Session) Commit(ctx context.Context) error {
	if !s.inTx {
		s.xid, s.xa = nil, xaNone
		return nil
	}
	if _, err := s.conn.ExecContext(ctx, "COMMIT"); err != nil {
		return serverError(err)
	}
	s.inTx = false
	s.xid, s.xa, s.xaWrites = nil, xaNone, 0
	return nil
}

// Rollback discards the open transaction, if any.
func (s *Session) Rollback(ctx context.Context) error {
	if !s.inTx {
		s.xid, s.xa = nil, xaNone
		return nil
	}
	return s.rollback(ctx)
}

func (s *Session) rollback(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, "ROLLBACK")
	s.inTx = false
	s.xid, s.xa, s.xaWrites = nil, xaNone, 0
	if err != nil {
		return serverError(err)
	}
	return nil
}

// BeginDistrib starts a distributed transaction branch.
func (s *Session) BeginDistrib(ctx context.Context, xid types.Xid) error {
	if s.xa != xaNone || s.inTx {
		return &types.ServerError{Code: 24776, Message: "cannot start a new transaction branch while a transaction is active"}
	}
	if err := s.beginImplicit(ctx); err != nil {
		return err
	}
	s.xid = &xid
	s.xa = xaActive
	s.xaWrites = 0
	s.host.logger.Debug("Transaction branch started", "session", s.id, "xid", xid.String())
	return nil
}

// PrepareDistrib prepares the branch for commit. A branch that changed
// nothing is completed immediately and false is returned.
func (s *Session) PrepareDistrib(ctx context.Context) (bool, error) {
	if s.xa != xaActive {
		return false, &types.ServerError{Code: 24775, Message: "no transaction branch to prepare"}
	}
	if s.xaWrites == 0 {
		if err := s.Commit(ctx); err != nil {
			return false, err
		}
		return false, nil
	}
	s.xa = xaPrepared
	s.host.logger.Debug("Transaction branch prepared", "session", s.id, "xid", s.xid.String(), "writes", s.xaWrites)
	return true, nil
}

// bindArgs orders bind values by the placeholders of the rewritten text.
func (s *Session) bindArgs(ctx context.Context, parsed *parsedStatement, binds []types.BindValue) ([]any, error) {
	args := make([]any, len(parsed.argNames))
	for i, name := range parsed.argNames {
		found := false
		for _, b := range binds {
			if b.Name != name {
				continue
			}
			if b.IsArray {
				return nil, &types.ServerError{Code: 1484, Message: "arrays can only be bound to procedure calls"}
			}
			v, err := s.resolveValue(ctx, b.Value)
			if err != nil {
				return nil, err
			}
			args[i] = storageValue(v)
			found = true
			break
		}
		if !found {
			return nil, &types.ServerError{Code: 1008, Message: "not all variables bound"}
		}
	}
	return args, nil
}

// resolveValue replaces locators with the content they point at.
func (s *Session) resolveValue(ctx context.Context, v any) (any, error) {
	switch val := v.(type) {
	case types.LobLocator:
		if val.IsFile() {
			return val, nil
		}
		return s.lobContent(ctx, val)
	case types.RowidValue:
		return val.RowNum, nil
	}
	return v, nil
}

// storageValue converts a resolved value to what SQLite stores.
func storageValue(v any) any {
	switch val := v.(type) {
	case types.LobLocator:
		return val.Dir + "/" + val.File
	case *types.ObjectValue:
		body, err := encodeObject(val)
		if err != nil {
			return nil
		}
		return body
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	}
	return v
}

// plainValue copies driver owned bytes.
func plainValue(v any) any {
	if b, ok := v.([]byte); ok {
		return append([]byte(nil), b...)
	}
	return v
}

// serverError wraps a failure as an opaque server refusal.
func serverError(err error) error {
	if err == nil {
		return nil
	}
	if se, ok := err.(*types.ServerError); ok {
		return se
	}
	if sqErr, ok := err.(sqlite3.Error); ok {
		return &types.ServerError{Code: int(sqErr.ExtendedCode), Message: sqErr.Error()}
	}
	return &types.ServerError{Code: 20000, Message: strings.TrimSpace(err.Error())}
}
