package engine

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tomyedwab/sqlvar/sqlproxy/types"
)

// ExecMode modifies how a statement is executed.
type ExecMode uint32

const (
	ExecDefault ExecMode = 0
	// ExecCommitOnSuccess commits the transaction when execution succeeds.
	ExecCommitOnSuccess ExecMode = 1
	// ExecDescribeOnly describes the result columns without producing rows.
	ExecDescribeOnly ExecMode = 2
)

type stmtState int

const (
	statePrepared stmtState = iota
	stateExecuted
	stateExhausted
	stateReleased
)

// StmtInfo describes what kind of statement was prepared.
type StmtInfo struct {
	Kind        types.StatementKind
	IsQuery     bool
	IsDML       bool
	IsDDL       bool
	IsPLSQL     bool
	IsReturning bool
}

// Stmt is a prepared statement or a result set derived from one: an
// implicit result of a procedure call or a cursor returned through an OUT
// placeholder. Derived statements can be fetched but never executed.
type Stmt struct {
	conn   *Conn
	info   *types.StatementInfo // nil for derived statements
	parent *Stmt
	state  stmtState

	binds      []*Var // Indexed by position - 1
	ownedBinds []*Var

	columns        []types.ColumnInfo
	queries        []QueryInfo
	defines        []*Var
	ownedDefines   []bool
	cursorID       string
	fetchArraySize int
	defined        bool // Defines performed for the current execution
	bufferRowCount int
	bufferRowIndex int
	more           bool

	rowCount  int64
	rowCounts []int64
	implicit  []*Stmt // Not yet returned by GetImplicitResult
	children  []*Stmt // Derived statements owned by this one
	queryID   uint64
	subscr    *Subscription
}

// Prepare prepares query for execution.
func (c *Conn) Prepare(ctx context.Context, query string) (*Stmt, error) {
	const fn = "Conn.Prepare"
	if err := c.check(fn); err != nil {
		return nil, err
	}
	info, err := c.server.Prepare(ctx, query)
	if err != nil {
		return nil, c.record(serverRejected(fn, "prepare", err))
	}
	return &Stmt{
		conn:           c,
		info:           info,
		binds:          make([]*Var, len(info.BindNames)),
		fetchArraySize: c.config.FetchArraySize,
	}, nil
}

// newDerived creates a statement for a cursor opened by the server while
// executing s.
func (s *Stmt) newDerived(ref types.CursorRef) *Stmt {
	d := &Stmt{
		conn:           s.conn,
		parent:         s,
		state:          stateExecuted,
		fetchArraySize: s.fetchArraySize,
	}
	d.setColumns(ref.Columns, ref.ID)
	if err := d.negotiate(context.Background(), "Stmt.Execute"); err != nil {
		// Columns left unknown are fetched as text.
		s.conn.logger.Warn("Failed to describe cursor columns", "cursor", ref.ID, "error", err)
	}
	s.children = append(s.children, d)
	return d
}

func (s *Stmt) check(fn string) error {
	if s == nil || s.state == stateReleased {
		return newError(KindInvalidHandle, fn, "check statement", "statement has been released")
	}
	if s.conn.closed {
		return newError(KindInvalidHandle, fn, "check statement", "connection is closed")
	}
	return nil
}

func (s *Stmt) checkExecuted(fn string) error {
	if err := s.check(fn); err != nil {
		return err
	}
	if s.state == statePrepared {
		return newError(KindInvalidState, fn, "check state", "statement has not been executed")
	}
	return nil
}

// IsDerived reports whether the statement is an implicit result or a
// cursor returned by the server.
func (s *Stmt) IsDerived() bool { return s.parent != nil }

// Info describes the statement.
func (s *Stmt) Info() (StmtInfo, error) {
	if err := s.check("Stmt.Info"); err != nil {
		return StmtInfo{}, s.conn.record(err)
	}
	if s.info == nil {
		return StmtInfo{Kind: types.StatementSelect, IsQuery: true}, nil
	}
	k := s.info.Kind
	return StmtInfo{
		Kind:        k,
		IsQuery:     k.IsQuery(),
		IsDML:       k.IsDML(),
		IsDDL:       k.IsDDL(),
		IsPLSQL:     k.IsPLSQL(),
		IsReturning: s.info.IsReturning(),
	}, nil
}

// BindCount returns the number of distinct placeholders.
func (s *Stmt) BindCount() (int, error) {
	if err := s.check("Stmt.BindCount"); err != nil {
		return 0, s.conn.record(err)
	}
	return len(s.binds), nil
}

// BindNames returns the placeholder names in order of first appearance.
func (s *Stmt) BindNames() ([]string, error) {
	if err := s.check("Stmt.BindNames"); err != nil {
		return nil, s.conn.record(err)
	}
	if s.info == nil {
		return nil, nil
	}
	return append([]string(nil), s.info.BindNames...), nil
}

// BindByPos binds v to the placeholder at 1-based position pos.
func (s *Stmt) BindByPos(pos int, v *Var) error {
	const fn = "Stmt.BindByPos"
	if err := s.checkBindable(fn); err != nil {
		return s.conn.record(err)
	}
	if pos < 1 || pos > len(s.binds) {
		return s.conn.record(newError(KindOutOfBounds, fn, "check position",
			"position %d is outside 1..%d", pos, len(s.binds)))
	}
	if err := v.check(fn); err != nil {
		return s.conn.record(err)
	}
	s.setBind(pos-1, v)
	return nil
}

// BindByName binds v to the placeholder called name, with or without
// its leading colon.
func (s *Stmt) BindByName(name string, v *Var) error {
	const fn = "Stmt.BindByName"
	if err := s.checkBindable(fn); err != nil {
		return s.conn.record(err)
	}
	pos := s.bindPos(name)
	if pos < 0 {
		return s.conn.record(newError(KindOutOfBounds, fn, "find placeholder", "no placeholder named %s", name))
	}
	if err := v.check(fn); err != nil {
		return s.conn.record(err)
	}
	s.setBind(pos, v)
	return nil
}

// BindValueByPos binds a single value to the placeholder at pos. The
// variable holding it is owned by the statement.
func (s *Stmt) BindValueByPos(pos int, value any) error {
	const fn = "Stmt.BindValueByPos"
	if err := s.checkBindable(fn); err != nil {
		return s.conn.record(err)
	}
	if pos < 1 || pos > len(s.binds) {
		return s.conn.record(newError(KindOutOfBounds, fn, "check position",
			"position %d is outside 1..%d", pos, len(s.binds)))
	}
	v, err := s.valueVar(fn, value)
	if err != nil {
		return s.conn.record(err)
	}
	s.setBind(pos-1, v)
	s.ownedBinds = append(s.ownedBinds, v)
	return nil
}

// BindValueByName binds a single value to the placeholder called name.
func (s *Stmt) BindValueByName(name string, value any) error {
	const fn = "Stmt.BindValueByName"
	if err := s.checkBindable(fn); err != nil {
		return s.conn.record(err)
	}
	pos := s.bindPos(name)
	if pos < 0 {
		return s.conn.record(newError(KindOutOfBounds, fn, "find placeholder", "no placeholder named %s", name))
	}
	v, err := s.valueVar(fn, value)
	if err != nil {
		return s.conn.record(err)
	}
	s.setBind(pos, v)
	s.ownedBinds = append(s.ownedBinds, v)
	return nil
}

func (s *Stmt) checkBindable(fn string) error {
	if err := s.check(fn); err != nil {
		return err
	}
	if s.IsDerived() {
		return newError(KindInvalidState, fn, "check statement", "derived statements take no binds")
	}
	return nil
}

func (s *Stmt) bindPos(name string) int {
	name = strings.ToUpper(strings.TrimPrefix(name, ":"))
	for i, n := range s.info.BindNames {
		if n == name {
			return i
		}
	}
	return -1
}

func (s *Stmt) setBind(i int, v *Var) {
	old := s.binds[i]
	s.binds[i] = v
	if old == nil || old == v {
		return
	}
	for j, owned := range s.ownedBinds {
		if owned == old {
			old.Release()
			s.ownedBinds = append(s.ownedBinds[:j], s.ownedBinds[j+1:]...)
			break
		}
	}
}

// valueVar allocates a one element variable for a Go value.
func (s *Stmt) valueVar(fn string, value any) (*Var, error) {
	params := VarParams{Capacity: 1}
	switch v := value.(type) {
	case nil, string:
		params.Shape = ShapeVarchar
	case []byte:
		params.Shape = ShapeRaw
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		params.Shape = ShapeNativeInt
	case float32, float64:
		params.Shape = ShapeNativeDouble
	case decimal.Decimal:
		params.Shape, params.Native = ShapeNumber, NativeBytes
	case time.Time:
		params.Shape = ShapeTimestamp
	case bool:
		params.Shape = ShapeBoolean
	case *Rowid:
		params.Shape = ShapeRowid
	case *Lob:
		if err := v.check(fn); err != nil {
			return nil, err
		}
		params.Shape = v.shape
	case *Object:
		if err := v.check(fn); err != nil {
			return nil, err
		}
		params.Shape, params.ObjectType = ShapeObject, v.typ
	default:
		return nil, newError(KindTypeMismatch, fn, "bind value", "cannot bind %T", value)
	}
	v, err := s.conn.NewVar(params)
	if err != nil {
		return nil, err
	}
	if err := assign(fn, v.spec, &v.data[0], value); err != nil {
		v.Release()
		return nil, err
	}
	return v, nil
}

// isReturningBind reports whether the placeholder at index i receives
// RETURNING INTO values.
func (s *Stmt) isReturningBind(i int) bool {
	name := s.info.BindNames[i]
	for _, r := range s.info.ReturningBinds {
		if r == name {
			return true
		}
	}
	return false
}

// bindValues collects the IN values of iteration iter.
func (s *Stmt) bindValues(iter int) []types.BindValue {
	var values []types.BindValue
	for i, v := range s.binds {
		if v == nil || s.isReturningBind(i) {
			continue
		}
		b := types.BindValue{Name: s.info.BindNames[i]}
		switch {
		case v.spec.native == NativeStmt:
			b.Cursor = true
		case v.isArray && s.info.Kind.IsPLSQL():
			b.IsArray = true
			b.Values = v.values(v.numElements)
		default:
			b.Value = toHost(v.spec, &v.data[iter])
		}
		values = append(values, b)
	}
	return values
}

// Execute runs the statement and returns the number of query columns,
// zero for statements that produce no rows.
func (s *Stmt) Execute(ctx context.Context, mode ExecMode) (int, error) {
	return s.execute(ctx, "Stmt.Execute", mode, 1)
}

// ExecuteMany runs the statement once for each of the first numIters
// elements of every bound variable. RowCounts reports the rows affected by
// each iteration.
func (s *Stmt) ExecuteMany(ctx context.Context, mode ExecMode, numIters int) error {
	const fn = "Stmt.ExecuteMany"
	if err := s.checkBindable(fn); err != nil {
		return s.conn.record(err)
	}
	if s.info.Kind.IsQuery() {
		return s.conn.record(newError(KindInvalidState, fn, "check statement", "queries cannot be executed as arrays"))
	}
	if numIters < 1 {
		return s.conn.record(newError(KindOutOfBounds, fn, "check iterations", "iteration count %d is less than 1", numIters))
	}
	for i, v := range s.binds {
		if v != nil && !s.isReturningBind(i) && v.spec.native != NativeStmt && v.Capacity() < numIters {
			return s.conn.record(newError(KindOutOfBounds, fn, "check binds",
				"placeholder %s holds %d elements, need %d", s.info.BindNames[i], v.Capacity(), numIters))
		}
	}
	_, err := s.execute(ctx, fn, mode, numIters)
	return err
}

func (s *Stmt) execute(ctx context.Context, fn string, mode ExecMode, numIters int) (int, error) {
	if err := s.checkBindable(fn); err != nil {
		return 0, s.conn.record(err)
	}
	for i, v := range s.binds {
		if v != nil && v.released {
			return 0, s.conn.record(newError(KindInvalidHandle, fn, "check binds",
				"variable bound to %s has been released", s.info.BindNames[i]))
		}
	}
	s.resetExecution(ctx)

	req := &types.ExecRequest{
		StatementID:     s.info.ID,
		DescribeOnly:    mode&ExecDescribeOnly != 0,
		CommitOnSuccess: mode&ExecCommitOnSuccess != 0,
	}
	if s.subscr != nil {
		req.SubscriptionID = s.subscr.id
	}

	start := time.Now()
	// Array DML goes in one round trip; calls and returning DML produce
	// per-execution OUT values and go one at a time.
	var results []*types.ExecResult
	if s.info.Kind.IsDML() && !s.info.IsReturning() {
		for i := 0; i < numIters; i++ {
			req.Iterations = append(req.Iterations, s.bindValues(i))
		}
		res, err := s.conn.server.Execute(ctx, req)
		if err != nil {
			return 0, s.conn.record(serverRejected(fn, "execute", err))
		}
		results = append(results, res)
	} else {
		for i := 0; i < numIters; i++ {
			req.Iterations = [][]types.BindValue{s.bindValues(i)}
			res, err := s.conn.server.Execute(ctx, req)
			if err != nil {
				return 0, s.conn.record(serverRejected(fn, "execute", err))
			}
			results = append(results, res)
		}
	}

	if err := s.applyResults(ctx, fn, results); err != nil {
		return 0, s.conn.record(err)
	}
	s.conn.logger.Debug("Statement executed", "kind", s.info.Kind.String(), "iterations", numIters,
		"columns", len(s.columns), "rows", s.rowCount, "duration", time.Since(start))
	return len(s.columns), nil
}

// resetExecution discards the results of the previous execution.
func (s *Stmt) resetExecution(ctx context.Context) {
	if s.cursorID != "" {
		if err := s.conn.server.CloseCursor(ctx, s.cursorID); err != nil {
			s.conn.logger.Warn("Failed to close cursor", "cursor", s.cursorID, "error", err)
		}
	}
	for _, child := range s.children {
		if child.state != stateReleased {
			child.release(ctx)
		}
	}
	s.children = nil
	s.implicit = nil
	s.releaseDefines()
	s.columns, s.queries, s.cursorID = nil, nil, ""
	s.rowCount, s.rowCounts, s.queryID = 0, nil, 0
	s.bufferRowCount, s.bufferRowIndex, s.more = 0, 0, false
	s.state = statePrepared
}

func (s *Stmt) applyResults(ctx context.Context, fn string, results []*types.ExecResult) error {
	last := results[len(results)-1]

	// Check OUT arrays before storing anything.
	for name, out := range last.Out {
		pos := s.bindPos(name)
		if pos < 0 || s.binds[pos] == nil || !out.IsArray {
			continue
		}
		v := s.binds[pos]
		if len(out.Values) > v.Capacity() && !v.growable {
			return newError(KindCapacityExceeded, fn, "store out values",
				"%s returned %d elements, capacity is %d", name, len(out.Values), v.Capacity())
		}
	}

	for _, res := range results {
		s.rowCount += res.RowsAffected
		if len(res.RowCounts) > 0 {
			s.rowCounts = append(s.rowCounts, res.RowCounts...)
		} else if !s.info.Kind.IsQuery() {
			s.rowCounts = append(s.rowCounts, res.RowsAffected)
		}
	}
	if s.info.Kind.IsQuery() {
		s.rowCount = 0
	}
	s.state = stateExecuted

	for name, out := range last.Out {
		pos := s.bindPos(name)
		if pos < 0 || s.binds[pos] == nil {
			continue
		}
		v := s.binds[pos]
		values := []any{out.Value}
		if out.IsArray {
			values = out.Values
		}
		if err := v.ensureCapacity(fn, len(values), false); err != nil {
			return err
		}
		if err := v.storeHost(fn, values, s); err != nil {
			return err
		}
		if out.IsArray {
			v.numElements = len(values)
		}
	}

	// RETURNING INTO variables hold the rows of every iteration and grow
	// as needed whether or not they are growable.
	for _, name := range s.info.ReturningBinds {
		pos := s.bindPos(name)
		if pos < 0 || s.binds[pos] == nil {
			continue
		}
		var values []any
		for _, res := range results {
			values = append(values, res.Returning[name]...)
		}
		v := s.binds[pos]
		if err := v.ensureCapacity(fn, len(values), true); err != nil {
			return err
		}
		if err := v.storeHost(fn, values, s); err != nil {
			return err
		}
		for i := len(values); i < v.numElements && i < len(v.data); i++ {
			v.data[i].clear()
		}
		v.numElements = len(values)
	}

	for _, ref := range last.ImplicitResults {
		s.implicit = append(s.implicit, s.newDerived(ref))
	}
	s.queryID = last.QueryID
	if s.info.Kind.IsQuery() {
		s.setColumns(last.Columns, last.CursorID)
		return s.negotiate(ctx, fn)
	}
	return nil
}

// GetImplicitResult returns the next result set the last execution
// returned implicitly, or nil once every result has been returned.
func (s *Stmt) GetImplicitResult() (*Stmt, error) {
	const fn = "Stmt.GetImplicitResult"
	if err := s.checkExecuted(fn); err != nil {
		return nil, s.conn.record(err)
	}
	if len(s.implicit) == 0 {
		return nil, nil
	}
	next := s.implicit[0]
	s.implicit = s.implicit[1:]
	return next, nil
}

// RowCount returns the rows affected by DML, or the rows fetched so far
// by a query.
func (s *Stmt) RowCount() (int64, error) {
	if err := s.checkExecuted("Stmt.RowCount"); err != nil {
		return 0, s.conn.record(err)
	}
	return s.rowCount, nil
}

// RowCounts returns the rows affected by each iteration of the last
// execution.
func (s *Stmt) RowCounts() ([]int64, error) {
	if err := s.checkExecuted("Stmt.RowCounts"); err != nil {
		return nil, s.conn.record(err)
	}
	return append([]int64(nil), s.rowCounts...), nil
}

// SubscrQueryID returns the id the server assigned to the query when it
// was registered with a subscription.
func (s *Stmt) SubscrQueryID() (uint64, error) {
	const fn = "Stmt.SubscrQueryID"
	if err := s.checkExecuted(fn); err != nil {
		return 0, s.conn.record(err)
	}
	if s.subscr == nil {
		return 0, s.conn.record(newError(KindInvalidState, fn, "check subscription", "statement was not prepared by a subscription"))
	}
	return s.queryID, nil
}

// Release closes the statement, its derived statements and the
// variables it owns.
func (s *Stmt) Release() error {
	if err := s.check("Stmt.Release"); err != nil {
		return s.conn.record(err)
	}
	s.release(context.Background())
	return nil
}

func (s *Stmt) release(ctx context.Context) {
	for _, child := range s.children {
		if child.state != stateReleased {
			child.release(ctx)
		}
	}
	s.children, s.implicit = nil, nil
	if s.cursorID != "" {
		if err := s.conn.server.CloseCursor(ctx, s.cursorID); err != nil {
			s.conn.logger.Warn("Failed to close cursor", "cursor", s.cursorID, "error", err)
		}
		s.cursorID = ""
	}
	s.releaseDefines()
	for _, v := range s.ownedBinds {
		v.Release()
	}
	s.ownedBinds = nil
	s.binds = nil
	if s.info != nil {
		if err := s.conn.server.CloseStatement(ctx, s.info.ID); err != nil {
			s.conn.logger.Warn("Failed to close statement", "statement", s.info.ID, "error", err)
		}
	}
	s.state = stateReleased
}
