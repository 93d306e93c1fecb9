package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/tomyedwab/sqlvar/rowid"
	"github.com/tomyedwab/sqlvar/sqlproxy/host"
)

func fetchStrings(t *testing.T, stmt *Stmt, pos int) []string {
	t.Helper()
	ctx := context.Background()
	var values []string
	for {
		found, _, err := stmt.Fetch(ctx)
		if err != nil {
			t.Fatalf("Fetch returned error: %v", err)
		}
		if !found {
			return values
		}
		_, data, err := stmt.QueryValue(pos)
		if err != nil {
			t.Fatalf("QueryValue returned error: %v", err)
		}
		values = append(values, string(data.Bytes))
	}
}

func TestFetchInChunks(t *testing.T) {
	_, conn := setupTestConn(t)
	ctx := context.Background()
	createItems(t, conn, "a", "b", "c", "d", "e")

	stmt, err := conn.Prepare(ctx, "select id, name from items order by id")
	if err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}
	if err := stmt.SetFetchArraySize(2); err != nil {
		t.Fatalf("SetFetchArraySize returned error: %v", err)
	}
	numCols, err := stmt.Execute(ctx, ExecDefault)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if numCols != 2 {
		t.Errorf("Expected 2 columns, got %d", numCols)
	}
	info, _ := stmt.QueryInfo(2)
	if info.Name != "NAME" || info.Shape != ShapeVarchar || info.Size != 20 {
		t.Errorf("Unexpected column info %+v", info)
	}

	var indexes []int
	var names []string
	ctx = context.Background()
	for {
		found, index, err := stmt.Fetch(ctx)
		if err != nil {
			t.Fatalf("Fetch returned error: %v", err)
		}
		if !found {
			break
		}
		indexes = append(indexes, index)
		_, data, _ := stmt.QueryValue(2)
		names = append(names, string(data.Bytes))
	}
	if len(names) != 5 || names[0] != "a" || names[4] != "e" {
		t.Errorf("Unexpected rows %v", names)
	}
	// Two rows per chunk
	if indexes[0] != 0 || indexes[1] != 1 || indexes[2] != 0 || indexes[4] != 0 {
		t.Errorf("Unexpected buffer indexes %v", indexes)
	}

	// Exhaustion is sticky
	for i := 0; i < 3; i++ {
		if found, _, err := stmt.Fetch(ctx); found || err != nil {
			t.Errorf("Expected no more rows, got %v (%v)", found, err)
		}
	}
	if n, _ := stmt.RowCount(); n != 5 {
		t.Errorf("Expected 5 fetched rows, got %d", n)
	}
}

func TestEmptyResultSet(t *testing.T) {
	_, conn := setupTestConn(t)
	ctx := context.Background()
	createItems(t, conn, "a")

	stmt := mustExec(t, conn, "select id from items where id < 0")
	for i := 0; i < 3; i++ {
		if found, _, err := stmt.Fetch(ctx); found || err != nil {
			t.Errorf("Expected an empty result, got %v (%v)", found, err)
		}
	}
	if _, _, err := stmt.QueryValue(1); !IsKind(err, KindInvalidState) {
		t.Errorf("Expected InvalidState without a current row, got %v", err)
	}
}

func TestStatementStateErrors(t *testing.T) {
	_, conn := setupTestConn(t)
	ctx := context.Background()
	createItems(t, conn, "a")

	stmt, _ := conn.Prepare(ctx, "select id from items")
	if _, _, err := stmt.Fetch(ctx); !IsKind(err, KindInvalidState) {
		t.Errorf("Expected InvalidState before Execute, got %v", err)
	}
	if _, err := stmt.NumQueryColumns(); !IsKind(err, KindInvalidState) {
		t.Errorf("Expected InvalidState before Execute, got %v", err)
	}

	dml := mustExec(t, conn, "update items set name = :name", "b")
	if _, _, err := dml.Fetch(ctx); !IsKind(err, KindInvalidState) {
		t.Errorf("Expected InvalidState fetching DML, got %v", err)
	}
	if n, _ := dml.RowCount(); n != 1 {
		t.Errorf("Expected 1 row updated, got %d", n)
	}

	described, _ := conn.Prepare(ctx, "select id, name from items")
	numCols, err := described.Execute(ctx, ExecDescribeOnly)
	if err != nil || numCols != 2 {
		t.Fatalf("Expected 2 described columns, got %d (%v)", numCols, err)
	}
	if _, _, err := described.Fetch(ctx); !IsKind(err, KindInvalidState) {
		t.Errorf("Expected InvalidState fetching a described statement, got %v", err)
	}

	if err := stmt.BindValueByName("missing", 1); !IsOutOfBoundsError(err) {
		t.Errorf("Expected OutOfBounds for an unknown placeholder, got %v", err)
	}
	if err := stmt.Release(); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if _, err := stmt.Execute(ctx, ExecDefault); !IsInvalidHandleError(err) {
		t.Errorf("Expected InvalidHandle after Release, got %v", err)
	}
}

func TestLateBoundColumns(t *testing.T) {
	_, conn := setupTestConn(t)
	ctx := context.Background()
	createItems(t, conn, "a", "b", "c")

	stmt := mustExec(t, conn, "select count(*) as n from items")
	info, _ := stmt.QueryInfo(1)
	if info.Shape != ShapeUnknown {
		t.Errorf("Expected an unresolved column before fetching, got %s", info.Shape)
	}
	if found, _, err := stmt.Fetch(ctx); !found || err != nil {
		t.Fatalf("Fetch returned %v, %v", found, err)
	}
	info, _ = stmt.QueryInfo(1)
	if info.Shape != ShapeNumber || info.Native != NativeInt64 {
		t.Errorf("Expected an integer column after fetching, got %s/%s", info.Shape, info.Native)
	}
	native, data, _ := stmt.QueryValue(1)
	if native != NativeInt64 || data.Int64 != 3 {
		t.Errorf("Expected 3, got %s %+v", native, data)
	}
}

func TestDefine(t *testing.T) {
	_, conn := setupTestConn(t)
	createItems(t, conn, "a", "b")

	stmt := mustExec(t, conn, "select id, name from items order by id")
	text, _ := conn.NewVar(VarParams{Shape: ShapeVarchar, Capacity: 10, IsArray: true})
	if err := stmt.Define(1, text); err != nil {
		t.Fatalf("Define returned error: %v", err)
	}
	if err := stmt.Define(3, text); !IsOutOfBoundsError(err) {
		t.Errorf("Expected OutOfBounds for column 3, got %v", err)
	}
	if got := fetchStrings(t, stmt, 1); len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Errorf("Expected ids as text, got %v", got)
	}
	if defined, _ := stmt.DefineVar(1); defined != text {
		t.Error("Expected the caller's variable to hold column 1")
	}
}

func TestExecuteManyRowCounts(t *testing.T) {
	_, conn := setupTestConn(t)
	ctx := context.Background()
	createItems(t, conn, "a", "b", "b", "c")

	names, _ := conn.NewVar(VarParams{Shape: ShapeVarchar, Capacity: 3, IsArray: true})
	for i, name := range []string{"a", "b", "z"} {
		names.SetValue(i, name)
	}
	stmt, _ := conn.Prepare(ctx, "delete from items where name = :name")
	if err := stmt.BindByPos(1, names); err != nil {
		t.Fatalf("BindByPos returned error: %v", err)
	}
	if err := stmt.ExecuteMany(ctx, ExecDefault, 4); !IsOutOfBoundsError(err) {
		t.Errorf("Expected OutOfBounds for more iterations than elements, got %v", err)
	}
	if err := stmt.ExecuteMany(ctx, ExecCommitOnSuccess, 3); err != nil {
		t.Fatalf("ExecuteMany returned error: %v", err)
	}
	counts, _ := stmt.RowCounts()
	if len(counts) != 3 || counts[0] != 1 || counts[1] != 2 || counts[2] != 0 {
		t.Errorf("Unexpected row counts %v", counts)
	}
	if n, _ := stmt.RowCount(); n != 3 {
		t.Errorf("Expected 3 rows in total, got %d", n)
	}
}

func TestReturningGrowsOnDemand(t *testing.T) {
	for _, numRows := range []int{0, 1, 10000} {
		_, conn := setupTestConn(t)
		ctx := context.Background()
		mustExec(t, conn, "create table nums (n INTEGER)").Release()

		if numRows > 0 {
			values, _ := conn.NewVar(VarParams{Shape: ShapeNativeInt, Capacity: numRows, IsArray: true})
			for i := 0; i < numRows; i++ {
				values.SetValue(i, i+1)
			}
			insert, _ := conn.Prepare(ctx, "insert into nums (n) values (:n)")
			insert.BindByPos(1, values)
			if err := insert.ExecuteMany(ctx, ExecDefault, numRows); err != nil {
				t.Fatalf("ExecuteMany returned error: %v", err)
			}
		}

		out, _ := conn.NewVar(VarParams{Shape: ShapeNativeInt, Capacity: 1, IsArray: true})
		stmt, err := conn.Prepare(ctx, "delete from nums returning n into :ns")
		if err != nil {
			t.Fatalf("Prepare returned error: %v", err)
		}
		if err := stmt.BindByName("NS", out); err != nil {
			t.Fatalf("BindByName returned error: %v", err)
		}
		if _, err := stmt.Execute(ctx, ExecDefault); err != nil {
			t.Fatalf("Execute returned error: %v", err)
		}
		n, _ := out.NumElementsInArray()
		rowCount, _ := stmt.RowCount()
		if n != numRows || rowCount != int64(numRows) {
			t.Errorf("%d rows: expected %d elements, got %d (row count %d)", numRows, numRows, n, rowCount)
		}
		var sum int64
		for i := 0; i < n; i++ {
			d, _ := out.Element(i)
			sum += d.Int64
		}
		if want := int64(numRows) * int64(numRows+1) / 2; sum != want {
			t.Errorf("%d rows: expected returned values to sum to %d, got %d", numRows, want, sum)
		}
	}
}

func registerProcedures(h *host.SQLHost) {
	h.RegisterProcedure("add_one", func(ctx context.Context, call *host.Call) error {
		x, err := call.Args[0].Int64()
		if err != nil {
			return err
		}
		call.Return.Set(x + 1)
		return nil
	})
	h.RegisterProcedure("pkg.report", func(ctx context.Context, call *host.Call) error {
		if err := call.ReturnResult(ctx, "select name from items order by id"); err != nil {
			return err
		}
		return call.ReturnResult(ctx, "select name from items where id = ?", int64(2))
	})
	h.RegisterProcedure("open_items", func(ctx context.Context, call *host.Call) error {
		return call.OpenCursor(ctx, call.Args[0], "select name from items order by id desc")
	})
	h.RegisterProcedure("fill", func(ctx context.Context, call *host.Call) error {
		n, err := call.Args[0].Int64()
		if err != nil {
			return err
		}
		values := make([]any, n)
		for i := range values {
			values[i] = int64(i * i)
		}
		call.Args[1].SetArray(values)
		return nil
	})
}

func TestFunctionCall(t *testing.T) {
	h, conn := setupTestConn(t)
	registerProcedures(h)
	ctx := context.Background()

	r, _ := conn.NewVar(VarParams{Shape: ShapeNumber, Native: NativeInt64})
	stmt, _ := conn.Prepare(ctx, "begin :r := add_one(:x); end;")
	if names, _ := stmt.BindNames(); len(names) != 2 || names[0] != "R" {
		t.Fatalf("Unexpected bind names %v", names)
	}
	stmt.BindByName("r", r)
	stmt.BindValueByName("x", 41)
	if _, err := stmt.Execute(ctx, ExecDefault); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if value, _ := r.Value(0); value != int64(42) {
		t.Errorf("Expected 42, got %v", value)
	}

	missing, _ := conn.Prepare(ctx, "begin missing_proc; end;")
	if _, err := missing.Execute(ctx, ExecDefault); !IsServerError(err) {
		t.Errorf("Expected the server to reject an unknown procedure, got %v", err)
	}
}

func TestImplicitResults(t *testing.T) {
	h, conn := setupTestConn(t)
	registerProcedures(h)
	ctx := context.Background()
	createItems(t, conn, "a", "b", "c")

	stmt := mustExec(t, conn, "begin pkg.report; end;")
	first, err := stmt.GetImplicitResult()
	if err != nil || first == nil {
		t.Fatalf("Expected a first result, got %v", err)
	}
	second, _ := stmt.GetImplicitResult()
	if second == nil {
		t.Fatal("Expected a second result")
	}
	if next, err := stmt.GetImplicitResult(); next != nil || err != nil {
		t.Errorf("Expected no third result, got %v (%v)", next, err)
	}

	if got := fetchStrings(t, first, 1); len(got) != 3 || got[0] != "a" {
		t.Errorf("Unexpected first result %v", got)
	}
	if got := fetchStrings(t, second, 1); len(got) != 1 || got[0] != "b" {
		t.Errorf("Unexpected second result %v", got)
	}
	if _, err := first.Execute(ctx, ExecDefault); !IsKind(err, KindInvalidState) {
		t.Errorf("Expected InvalidState executing a derived statement, got %v", err)
	}

	stmt.Release()
	if _, _, err := first.Fetch(ctx); !IsInvalidHandleError(err) {
		t.Errorf("Expected derived statements to be released with their parent, got %v", err)
	}
}

func TestCursorOutBind(t *testing.T) {
	h, conn := setupTestConn(t)
	registerProcedures(h)
	ctx := context.Background()
	createItems(t, conn, "a", "b", "c")

	cursor, err := conn.NewVar(VarParams{Shape: ShapeCursor})
	if err != nil {
		t.Fatalf("NewVar returned error: %v", err)
	}
	stmt, _ := conn.Prepare(ctx, "begin open_items(:c); end;")
	stmt.BindByPos(1, cursor)
	if _, err := stmt.Execute(ctx, ExecDefault); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	value, _ := cursor.Value(0)
	derived, ok := value.(*Stmt)
	if !ok || !derived.IsDerived() {
		t.Fatalf("Expected a derived statement, got %T", value)
	}
	if got := fetchStrings(t, derived, 1); len(got) != 3 || got[0] != "c" {
		t.Errorf("Unexpected cursor rows %v", got)
	}
	if err := derived.BindValueByPos(1, 1); !IsKind(err, KindInvalidState) {
		t.Errorf("Expected InvalidState binding a derived statement, got %v", err)
	}
}

func TestArrayOutCapacity(t *testing.T) {
	h, conn := setupTestConn(t)
	registerProcedures(h)
	ctx := context.Background()

	fixed, _ := conn.NewVar(VarParams{Shape: ShapeNativeInt, Capacity: 2, IsArray: true})
	stmt, _ := conn.Prepare(ctx, "begin fill(:n, :arr); end;")
	stmt.BindValueByPos(1, 3)
	stmt.BindByPos(2, fixed)
	if _, err := stmt.Execute(ctx, ExecDefault); !IsKind(err, KindCapacityExceeded) {
		t.Errorf("Expected CapacityExceeded, got %v", err)
	}
	if n, _ := fixed.NumElementsInArray(); n != 0 {
		t.Errorf("Expected a failed store to leave the variable untouched, got %d elements", n)
	}

	growable, _ := conn.NewVar(VarParams{Shape: ShapeNativeInt, Capacity: 2, IsArray: true, Growable: true})
	stmt.BindByPos(2, growable)
	if _, err := stmt.Execute(ctx, ExecDefault); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if n, _ := growable.NumElementsInArray(); n != 3 {
		t.Errorf("Expected 3 elements, got %d", n)
	}
	if d, _ := growable.Element(2); d.Int64 != 4 {
		t.Errorf("Expected 4 at index 2, got %d", d.Int64)
	}
}

func TestRowidRoundTrip(t *testing.T) {
	_, conn := setupTestConn(t)
	ctx := context.Background()
	mustExec(t, conn, "create table notes (body VARCHAR2(20))").Release()
	for _, body := range []string{"a", "b"} {
		mustExec(t, conn, "insert into notes (body) values (:body)", body).Release()
	}
	conn.Commit(ctx)

	stmt := mustExec(t, conn, "select rowid, body from notes where body = :body", "b")
	if found, _, err := stmt.Fetch(ctx); !found || err != nil {
		t.Fatalf("Fetch returned %v, %v", found, err)
	}
	native, data, _ := stmt.QueryValue(1)
	if native != NativeRowid || data.Rowid == nil {
		t.Fatalf("Expected a row id, got %s", native)
	}
	str, err := data.Rowid.StringValue()
	if err != nil || len(str) != 18 {
		t.Fatalf("Expected an 18 character row id, got %q (%v)", str, err)
	}

	rid, err := conn.ParseRowid(str)
	if err != nil {
		t.Fatalf("ParseRowid returned error: %v", err)
	}
	byRowid := mustExec(t, conn, "select body from notes where rowid = :r", rid)
	if got := fetchStrings(t, byRowid, 1); len(got) != 1 || got[0] != "b" {
		t.Errorf("Expected to find b by row id, got %v", got)
	}
}

func TestReleasedDefineVariable(t *testing.T) {
	_, conn := setupTestConn(t)
	ctx := context.Background()
	createItems(t, conn, "a", "b", "c")

	stmt := mustExec(t, conn, "select name from items order by id")
	v, _ := conn.NewVar(VarParams{Shape: ShapeVarchar, Capacity: 1, IsArray: true})
	if err := stmt.Define(1, v); err != nil {
		t.Fatalf("Define returned error: %v", err)
	}
	if found, _, err := stmt.Fetch(ctx); !found || err != nil {
		t.Fatalf("Fetch returned %v, %v", found, err)
	}
	v.Release()
	if _, _, err := stmt.Fetch(ctx); !IsInvalidHandleError(err) {
		t.Errorf("Expected InvalidHandle fetching into a released variable, got %v", err)
	}
	if _, _, _, err := stmt.FetchRows(ctx, 2); !IsInvalidHandleError(err) {
		t.Errorf("Expected InvalidHandle from FetchRows, got %v", err)
	}
}

func TestFractionalValueInIntegerColumn(t *testing.T) {
	_, conn := setupTestConn(t)
	ctx := context.Background()
	mustExec(t, conn, "create table mixed (v)").Release()
	mustExec(t, conn, "insert into mixed (v) values (1)").Release()
	mustExec(t, conn, "insert into mixed (v) values (2.5)").Release()

	stmt := mustExec(t, conn, "select v from mixed order by rowid")
	if _, _, err := stmt.Fetch(ctx); !IsTypeMismatchError(err) {
		t.Errorf("Expected TypeMismatch for 2.5 in an integer column, got %v", err)
	}
	if info, _ := stmt.QueryInfo(1); info.Native != NativeInt64 {
		t.Errorf("Expected the column to resolve as an integer, got %s", info.Native)
	}
}

func TestStatementUsableAfterServerRejection(t *testing.T) {
	h, conn := setupTestConn(t)
	ctx := context.Background()
	createItems(t, conn, "a")
	h.RegisterProcedure("checked_report", func(ctx context.Context, call *host.Call) error {
		fail, err := call.Args[0].Int64()
		if err != nil {
			return err
		}
		if fail != 0 {
			return fmt.Errorf("report refused")
		}
		return call.ReturnResult(ctx, "select name from items order by id")
	})

	insert, _ := conn.Prepare(ctx, "insert into items (id, name) values (:id, :name)")
	insert.BindValueByName("id", 1)
	insert.BindValueByName("name", "dup")
	if _, err := insert.Execute(ctx, ExecDefault); !IsServerError(err) {
		t.Fatalf("Expected the duplicate key to be rejected, got %v", err)
	}
	if _, err := insert.RowCount(); !IsKind(err, KindInvalidState) {
		t.Errorf("Expected InvalidState after a rejected execution, got %v", err)
	}
	insert.BindValueByName("id", 2)
	if _, err := insert.Execute(ctx, ExecDefault); err != nil {
		t.Fatalf("Execute returned error after a rejection: %v", err)
	}
	if n, _ := insert.RowCount(); n != 1 {
		t.Errorf("Expected 1 row inserted, got %d", n)
	}

	call, _ := conn.Prepare(ctx, "begin checked_report(:fail); end;")
	call.BindValueByPos(1, 1)
	if _, err := call.Execute(ctx, ExecDefault); !IsServerError(err) {
		t.Fatalf("Expected the call to be rejected, got %v", err)
	}
	call.BindValueByPos(1, 0)
	if _, err := call.Execute(ctx, ExecDefault); err != nil {
		t.Fatalf("Execute returned error after a rejection: %v", err)
	}
	result, err := call.GetImplicitResult()
	if err != nil || result == nil {
		t.Fatalf("Expected an implicit result, got %v", err)
	}
	if got := fetchStrings(t, result, 1); len(got) != 2 || got[0] != "a" || got[1] != "dup" {
		t.Errorf("Unexpected rows %v", got)
	}
}

func TestRowidOutsideEncodableRange(t *testing.T) {
	_, conn := setupTestConn(t)
	ctx := context.Background()
	mustExec(t, conn, "create table notes (body VARCHAR2(20))").Release()
	for body, row := range map[string]int64{"edge": rowid.MaxRowNum, "big": rowid.MaxRowNum + 1, "neg": -5} {
		mustExec(t, conn, "insert into notes (rowid, body) values (:r, :body)", row, body).Release()
	}
	conn.Commit(ctx)

	stmt := mustExec(t, conn, "select rowid from notes where body = :body", "edge")
	if found, _, err := stmt.Fetch(ctx); !found || err != nil {
		t.Fatalf("Fetch returned %v, %v", found, err)
	}
	_, data, _ := stmt.QueryValue(1)
	id, err := data.Rowid.ID()
	if err != nil {
		t.Fatalf("ID returned error: %v", err)
	}
	if id.RowNum() != rowid.MaxRowNum {
		t.Errorf("Expected row %d, got %d", int64(rowid.MaxRowNum), id.RowNum())
	}

	for _, body := range []string{"big", "neg"} {
		stmt := mustExec(t, conn, "select rowid from notes where body = :body", body)
		if _, _, err := stmt.Fetch(ctx); !IsServerError(err) {
			t.Errorf("Expected a server error fetching the row id of %s, got %v", body, err)
		}
	}
}
