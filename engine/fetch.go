package engine

import (
	"context"

	"github.com/tomyedwab/sqlvar/sqlproxy/types"
)

// QueryInfo describes one result column as negotiated by the engine.
type QueryInfo struct {
	Name       string
	DeclType   string // Empty until a late-bound column is resolved
	Shape      Shape
	Native     NativeType
	Size       int
	Precision  int
	Scale      int
	Nullable   bool
	ObjectType *ObjectType
}

// setColumns records the columns of a new result set. The slice is copied
// because the server may settle late-bound types in its own copy.
func (s *Stmt) setColumns(columns []types.ColumnInfo, cursorID string) {
	s.columns = append([]types.ColumnInfo(nil), columns...)
	s.queries = make([]QueryInfo, len(columns))
	s.defines = make([]*Var, len(columns))
	s.ownedDefines = make([]bool, len(columns))
	s.cursorID = cursorID
	s.more = cursorID != ""
	s.defined = false
	s.bufferRowCount, s.bufferRowIndex = 0, 0
}

// negotiate maps declared column types to shapes. Columns without a
// declared type stay ShapeUnknown until the first chunk arrives.
func (s *Stmt) negotiate(ctx context.Context, fn string) error {
	for i, col := range s.columns {
		if err := s.negotiateColumn(ctx, fn, i, col); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stmt) negotiateColumn(ctx context.Context, fn string, i int, col types.ColumnInfo) error {
	q := QueryInfo{Name: col.Name, DeclType: col.DeclType, Nullable: col.Nullable}
	if col.DeclType != "" {
		decl := types.ParseDeclType(col.DeclType)
		spec, err := s.conn.specForDecl(ctx, fn, col.DeclType)
		if err != nil {
			return err
		}
		q.Shape, q.Native, q.ObjectType = spec.shape, spec.native, spec.objType
		q.Size, q.Precision, q.Scale = decl.Size, decl.Precision, decl.Scale
	}
	s.queries[i] = q
	return nil
}

func (s *Stmt) checkQuery(fn string) error {
	if err := s.checkExecuted(fn); err != nil {
		return err
	}
	if s.queries == nil {
		return newError(KindInvalidState, fn, "check statement", "statement did not produce a result set")
	}
	return nil
}

func (s *Stmt) checkColumn(fn string, pos int) error {
	if err := s.checkQuery(fn); err != nil {
		return err
	}
	if pos < 1 || pos > len(s.queries) {
		return newError(KindOutOfBounds, fn, "check position", "column %d is outside 1..%d", pos, len(s.queries))
	}
	return nil
}

// NumQueryColumns returns the number of columns of the result set.
func (s *Stmt) NumQueryColumns() (int, error) {
	if err := s.checkQuery("Stmt.NumQueryColumns"); err != nil {
		return 0, s.conn.record(err)
	}
	return len(s.queries), nil
}

// QueryInfo describes the result column at 1-based position pos.
func (s *Stmt) QueryInfo(pos int) (QueryInfo, error) {
	if err := s.checkColumn("Stmt.QueryInfo", pos); err != nil {
		return QueryInfo{}, s.conn.record(err)
	}
	return s.queries[pos-1], nil
}

// Define fetches column pos into v instead of a variable allocated by the
// statement. v must hold at least one element.
func (s *Stmt) Define(pos int, v *Var) error {
	const fn = "Stmt.Define"
	if err := s.checkColumn(fn, pos); err != nil {
		return s.conn.record(err)
	}
	if err := v.check(fn); err != nil {
		return s.conn.record(err)
	}
	s.setDefine(pos-1, v, false)
	return nil
}

// DefineValue fetches column pos into a new variable with the given shape
// and native type.
func (s *Stmt) DefineValue(pos int, shape Shape, native NativeType, size int, objType *ObjectType) error {
	const fn = "Stmt.DefineValue"
	if err := s.checkColumn(fn, pos); err != nil {
		return s.conn.record(err)
	}
	v, err := s.conn.NewVar(VarParams{
		Shape:      shape,
		Native:     native,
		Capacity:   s.fetchArraySize,
		Size:       size,
		IsArray:    true,
		ObjectType: objType,
	})
	if err != nil {
		return err
	}
	s.setDefine(pos-1, v, true)
	return nil
}

func (s *Stmt) setDefine(i int, v *Var, owned bool) {
	if old := s.defines[i]; old != nil && s.ownedDefines[i] && old != v {
		old.Release()
	}
	s.defines[i] = v
	s.ownedDefines[i] = owned
}

func (s *Stmt) releaseDefines() {
	for i, v := range s.defines {
		if v != nil && s.ownedDefines[i] && !v.released {
			v.Release()
		}
	}
	s.defines, s.ownedDefines = nil, nil
}

// performDefines allocates variables for columns the caller did not
// define.
func (s *Stmt) performDefines(fn string) error {
	for i, q := range s.queries {
		if s.defines[i] != nil {
			continue
		}
		shape, native := q.Shape, q.Native
		if shape == ShapeUnknown {
			shape, native = ShapeVarchar, NativeBytes
		}
		v, err := s.conn.NewVar(VarParams{
			Shape:      shape,
			Native:     native,
			Capacity:   s.fetchArraySize,
			Size:       q.Size,
			IsArray:    true,
			ObjectType: q.ObjectType,
		})
		if err != nil {
			return err
		}
		s.defines[i] = v
		s.ownedDefines[i] = true
	}
	s.defined = true
	return nil
}

// SetFetchArraySize sets the number of rows fetched per round trip.
func (s *Stmt) SetFetchArraySize(n int) error {
	const fn = "Stmt.SetFetchArraySize"
	if err := s.check(fn); err != nil {
		return s.conn.record(err)
	}
	if n < 1 {
		return s.conn.record(newError(KindOutOfBounds, fn, "check size", "fetch array size %d is less than 1", n))
	}
	s.fetchArraySize = n
	return nil
}

// FetchArraySize returns the number of rows fetched per round trip.
func (s *Stmt) FetchArraySize() (int, error) {
	if err := s.check("Stmt.FetchArraySize"); err != nil {
		return 0, s.conn.record(err)
	}
	return s.fetchArraySize, nil
}

// Fetch advances to the next row, fetching another chunk from the server
// when the buffered rows are used up. Once the result set is exhausted
// found stays false.
func (s *Stmt) Fetch(ctx context.Context) (found bool, bufferRowIndex int, err error) {
	const fn = "Stmt.Fetch"
	if err := s.checkFetchable(fn); err != nil {
		return false, 0, s.conn.record(err)
	}
	if s.state == stateExhausted {
		return false, 0, nil
	}
	if s.bufferRowIndex >= s.bufferRowCount {
		if err := s.fetchChunk(ctx, fn); err != nil {
			return false, 0, s.conn.record(err)
		}
		if s.bufferRowCount == 0 {
			s.state = stateExhausted
			return false, 0, nil
		}
	}
	bufferRowIndex = s.bufferRowIndex
	s.bufferRowIndex++
	s.rowCount++
	return true, bufferRowIndex, nil
}

// FetchRows makes up to maxRows buffered rows current at once, fetching a
// chunk first when none are buffered. It returns the index of the first
// row in the define variables, the number of rows and whether more rows
// may follow.
func (s *Stmt) FetchRows(ctx context.Context, maxRows int) (bufferRowIndex, numRows int, more bool, err error) {
	const fn = "Stmt.FetchRows"
	if err := s.checkFetchable(fn); err != nil {
		return 0, 0, false, s.conn.record(err)
	}
	if maxRows < 1 {
		return 0, 0, false, s.conn.record(newError(KindOutOfBounds, fn, "check rows", "row count %d is less than 1", maxRows))
	}
	if s.state == stateExhausted {
		return 0, 0, false, nil
	}
	if s.bufferRowIndex >= s.bufferRowCount {
		if err := s.fetchChunk(ctx, fn); err != nil {
			return 0, 0, false, s.conn.record(err)
		}
		if s.bufferRowCount == 0 {
			s.state = stateExhausted
			return 0, 0, false, nil
		}
	}
	bufferRowIndex = s.bufferRowIndex
	numRows = min(maxRows, s.bufferRowCount-s.bufferRowIndex)
	s.bufferRowIndex += numRows
	s.rowCount += int64(numRows)
	more = s.more || s.bufferRowIndex < s.bufferRowCount
	if !more {
		s.state = stateExhausted
	}
	return bufferRowIndex, numRows, more, nil
}

func (s *Stmt) checkFetchable(fn string) error {
	if err := s.checkQuery(fn); err != nil {
		return err
	}
	if s.cursorID == "" {
		return newError(KindInvalidState, fn, "check cursor", "statement was only described")
	}
	for _, v := range s.defines {
		if v == nil {
			continue
		}
		if err := v.check(fn); err != nil {
			return err
		}
	}
	return nil
}

// fetchChunk replaces the buffered rows with the next chunk.
func (s *Stmt) fetchChunk(ctx context.Context, fn string) error {
	s.bufferRowCount, s.bufferRowIndex = 0, 0
	if !s.more {
		return nil
	}
	if s.defined {
		for i, v := range s.defines {
			if s.ownedDefines[i] && v.Capacity() < s.fetchArraySize {
				v.grow(s.fetchArraySize)
			}
		}
	}
	maxRows := s.fetchArraySize
	for _, v := range s.defines {
		if v != nil && v.Capacity() < maxRows {
			maxRows = v.Capacity()
		}
	}

	chunk, err := s.conn.server.Fetch(ctx, s.cursorID, maxRows)
	if err != nil {
		return serverRejected(fn, "fetch", err)
	}
	for i, col := range chunk.Columns {
		if i >= len(s.columns) || s.queries[i].Shape != ShapeUnknown {
			continue
		}
		s.columns[i] = col
		if err := s.negotiateColumn(ctx, fn, i, col); err != nil {
			return err
		}
	}
	if !s.defined {
		if err := s.performDefines(fn); err != nil {
			return err
		}
	}

	for r, row := range chunk.Rows {
		for c, value := range row {
			v := s.defines[c]
			if err := s.conn.fromHost(fn, v.spec, &v.data[r], value, s); err != nil {
				return err
			}
			v.noteWidth(r)
		}
	}
	for _, v := range s.defines {
		v.numElements = len(chunk.Rows)
	}
	s.bufferRowCount = len(chunk.Rows)
	s.more = chunk.More
	return nil
}

// QueryValue returns the native type and buffer element of column pos for
// the current row.
func (s *Stmt) QueryValue(pos int) (NativeType, *Data, error) {
	const fn = "Stmt.QueryValue"
	if err := s.checkColumn(fn, pos); err != nil {
		return NativeUnknown, nil, s.conn.record(err)
	}
	if s.bufferRowIndex == 0 {
		return NativeUnknown, nil, s.conn.record(newError(KindInvalidState, fn, "check row", "no row has been fetched"))
	}
	v := s.defines[pos-1]
	return v.spec.native, &v.data[s.bufferRowIndex-1], nil
}

// DefineVar returns the variable holding column pos, available once the
// first row has been fetched.
func (s *Stmt) DefineVar(pos int) (*Var, error) {
	const fn = "Stmt.DefineVar"
	if err := s.checkColumn(fn, pos); err != nil {
		return nil, s.conn.record(err)
	}
	if s.defines[pos-1] == nil {
		return nil, s.conn.record(newError(KindInvalidState, fn, "check define", "column %d has not been defined", pos))
	}
	return s.defines[pos-1], nil
}
