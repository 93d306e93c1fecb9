package host

import (
	"context"
	"os"
	"path"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/tomyedwab/sqlvar/events"
	"github.com/tomyedwab/sqlvar/rowid"
	"github.com/tomyedwab/sqlvar/sqlproxy/types"
)

// setupTestHost creates a host on a temporary database with one session.
func setupTestHost(t *testing.T) (*SQLHost, *Session) {
	tmpDir := t.TempDir()
	dbPath := path.Join(tmpDir, "test_host.db")
	db := sqlx.MustConnect("sqlite3", "file:"+dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	h, err := NewSQLHost(db, Config{DBName: "testdb", Directories: map[string]string{"DATA_DIR": tmpDir}})
	if err != nil {
		t.Fatalf("NewSQLHost returned error: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	s, err := h.NewSession(context.Background())
	if err != nil {
		t.Fatalf("NewSession returned error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return h, s
}

func execSQL(t *testing.T, s *Session, query string, iterations ...[]types.BindValue) *types.ExecResult {
	t.Helper()
	ctx := context.Background()
	info, err := s.Prepare(ctx, query)
	if err != nil {
		t.Fatalf("Prepare(%q) returned error: %v", query, err)
	}
	defer s.CloseStatement(ctx, info.ID)
	result, err := s.Execute(ctx, &types.ExecRequest{StatementID: info.ID, Iterations: iterations})
	if err != nil {
		t.Fatalf("Execute(%q) returned error: %v", query, err)
	}
	return result
}

func createItems(t *testing.T, s *Session, names ...string) {
	t.Helper()
	execSQL(t, s, "create table items (id INTEGER PRIMARY KEY, name VARCHAR2(20), price NUMBER(8,2))")
	var iterations [][]types.BindValue
	for _, name := range names {
		iterations = append(iterations, []types.BindValue{{Name: "NAME", Value: name}})
	}
	if len(iterations) > 0 {
		execSQL(t, s, "insert into items (name) values (:name)", iterations...)
		if err := s.Commit(context.Background()); err != nil {
			t.Fatalf("Commit returned error: %v", err)
		}
	}
}

func TestFetchInChunks(t *testing.T) {
	_, s := setupTestHost(t)
	ctx := context.Background()
	createItems(t, s, "a", "b", "c", "d", "e")

	result := execSQL(t, s, "select id, name from items order by id")
	if result.CursorID == "" {
		t.Fatal("Expected a cursor")
	}
	if len(result.Columns) != 2 || result.Columns[1].Name != "NAME" {
		t.Fatalf("Unexpected columns %+v", result.Columns)
	}
	if types.ParseDeclType(result.Columns[0].DeclType).Family != types.FamilyInteger {
		t.Errorf("Expected an integer column, got %q", result.Columns[0].DeclType)
	}

	var names []string
	var chunks int
	for {
		chunk, err := s.Fetch(ctx, result.CursorID, 2)
		if err != nil {
			t.Fatalf("Fetch returned error: %v", err)
		}
		chunks++
		for _, row := range chunk.Rows {
			names = append(names, row[1].(string))
		}
		if !chunk.More {
			break
		}
	}
	if chunks != 3 {
		t.Errorf("Expected 3 chunks, got %d", chunks)
	}
	if len(names) != 5 || names[0] != "a" || names[4] != "e" {
		t.Errorf("Unexpected rows %v", names)
	}

	// Exhausted cursors keep returning empty chunks
	chunk, err := s.Fetch(ctx, result.CursorID, 2)
	if err != nil {
		t.Fatalf("Fetch after exhaustion returned error: %v", err)
	}
	if len(chunk.Rows) != 0 || chunk.More {
		t.Errorf("Expected an empty final chunk, got %+v", chunk)
	}
	if err := s.CloseCursor(ctx, result.CursorID); err != nil {
		t.Fatalf("CloseCursor returned error: %v", err)
	}
	if _, err := s.Fetch(ctx, result.CursorID, 2); err == nil {
		t.Error("Expected fetch on a closed cursor to fail")
	}
}

func TestFetchLateBoundColumns(t *testing.T) {
	_, s := setupTestHost(t)
	ctx := context.Background()
	createItems(t, s, "a", "b")

	result := execSQL(t, s, "select count(*) as n, 1.5 as f from items")
	if result.Columns[0].DeclType != "" {
		t.Fatalf("Expected an undeclared column before fetching, got %q", result.Columns[0].DeclType)
	}
	chunk, err := s.Fetch(ctx, result.CursorID, 10)
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(chunk.Columns) != 2 {
		t.Fatalf("Expected resolved columns with the first chunk, got %+v", chunk.Columns)
	}
	if chunk.Columns[0].DeclType != "INTEGER" || chunk.Columns[1].DeclType != "BINARY_DOUBLE" {
		t.Errorf("Unexpected resolved columns %+v", chunk.Columns)
	}
	if chunk.Rows[0][0] != int64(2) {
		t.Errorf("Expected count 2, got %v", chunk.Rows[0][0])
	}
}

func TestRowidColumn(t *testing.T) {
	h, s := setupTestHost(t)
	ctx := context.Background()
	execSQL(t, s, "create table notes (body TEXT)")
	execSQL(t, s, "insert into notes (body) values (:b)", []types.BindValue{{Name: "B", Value: "hello"}})
	s.Commit(ctx)

	result := execSQL(t, s, "select rowid, body from notes")
	if result.Columns[0].DeclType != "ROWID" {
		t.Fatalf("Expected a ROWID column, got %+v", result.Columns[0])
	}
	chunk, err := s.Fetch(ctx, result.CursorID, 10)
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	rv, ok := chunk.Rows[0][0].(types.RowidValue)
	if !ok {
		t.Fatalf("Expected a RowidValue, got %T", chunk.Rows[0][0])
	}
	num, err := h.objectNum(ctx, "notes")
	if err != nil {
		t.Fatalf("objectNum returned error: %v", err)
	}
	if rv.ObjectNum != num || rv.RowNum != 1 {
		t.Errorf("Unexpected row id %+v", rv)
	}
}

func TestArrayDMLRowCounts(t *testing.T) {
	_, s := setupTestHost(t)
	createItems(t, s, "a", "b", "b", "c")

	result := execSQL(t, s, "delete from items where name = :name",
		[]types.BindValue{{Name: "NAME", Value: "a"}},
		[]types.BindValue{{Name: "NAME", Value: "b"}},
		[]types.BindValue{{Name: "NAME", Value: "z"}},
	)
	if result.RowsAffected != 3 {
		t.Errorf("Expected 3 rows affected, got %d", result.RowsAffected)
	}
	if len(result.RowCounts) != 3 || result.RowCounts[0] != 1 || result.RowCounts[1] != 2 || result.RowCounts[2] != 0 {
		t.Errorf("Unexpected row counts %v", result.RowCounts)
	}
}

func TestReturningInto(t *testing.T) {
	_, s := setupTestHost(t)
	createItems(t, s, "a", "b", "c")

	result := execSQL(t, s, "update items set name = upper(name) where id >= :low returning id, name into :ids, :names",
		[]types.BindValue{{Name: "LOW", Value: int64(2)}})
	if result.RowsAffected != 2 {
		t.Errorf("Expected 2 rows affected, got %d", result.RowsAffected)
	}
	ids := result.Returning["IDS"]
	names := result.Returning["NAMES"]
	if len(ids) != 2 || len(names) != 2 {
		t.Fatalf("Unexpected returning values %+v", result.Returning)
	}

	result = execSQL(t, s, "delete from items where id > :high returning id into :ids",
		[]types.BindValue{{Name: "HIGH", Value: int64(100)}})
	if got, ok := result.Returning["IDS"]; !ok || len(got) != 0 {
		t.Errorf("Expected an empty returning array, got %+v", result.Returning)
	}
}

func TestProcedureCall(t *testing.T) {
	h, s := setupTestHost(t)
	ctx := context.Background()
	createItems(t, s, "a", "b", "c")

	h.RegisterProcedure("add_one", func(ctx context.Context, call *Call) error {
		x, err := call.Args[0].Int64()
		if err != nil {
			return err
		}
		call.Return.Set(x + 1)
		return nil
	})
	h.RegisterProcedure("pkg.report", func(ctx context.Context, call *Call) error {
		if err := call.ReturnResult(ctx, "select id from items order by id"); err != nil {
			return err
		}
		return call.ReturnResult(ctx, "select name from items where id = ?", int64(2))
	})
	h.RegisterProcedure("open_items", func(ctx context.Context, call *Call) error {
		return call.OpenCursor(ctx, call.Args[0], "select name from items order by id desc")
	})

	result := execSQL(t, s, "begin :r := add_one(:x); end;",
		[]types.BindValue{{Name: "R"}, {Name: "X", Value: int64(41)}})
	if result.Out["R"].Value != int64(42) {
		t.Errorf("Expected 42, got %+v", result.Out["R"])
	}

	result = execSQL(t, s, "begin pkg.report; end;")
	if len(result.ImplicitResults) != 2 {
		t.Fatalf("Expected 2 implicit results, got %d", len(result.ImplicitResults))
	}
	chunk, err := s.Fetch(ctx, result.ImplicitResults[1].ID, 10)
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(chunk.Rows) != 1 || chunk.Rows[0][0] != "b" {
		t.Errorf("Unexpected second result %+v", chunk.Rows)
	}

	result = execSQL(t, s, "begin open_items(:c); end;", []types.BindValue{{Name: "C", Cursor: true}})
	ref, ok := result.Out["C"].Value.(types.CursorRef)
	if !ok {
		t.Fatalf("Expected a cursor, got %+v", result.Out["C"])
	}
	chunk, err = s.Fetch(ctx, ref.ID, 10)
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if len(chunk.Rows) != 3 || chunk.Rows[0][0] != "c" {
		t.Errorf("Unexpected cursor rows %+v", chunk.Rows)
	}

	info, err := s.Prepare(ctx, "begin missing_proc; end;")
	if err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}
	if _, err := s.Execute(ctx, &types.ExecRequest{StatementID: info.ID}); err == nil {
		t.Error("Expected an unknown procedure to fail")
	}
}

func TestTempLob(t *testing.T) {
	_, s := setupTestHost(t)
	ctx := context.Background()

	loc, err := s.CreateTempLob(ctx, types.LobClob)
	if err != nil {
		t.Fatalf("CreateTempLob returned error: %v", err)
	}
	if size, err := s.LobSize(ctx, loc); err != nil || size != 0 {
		t.Fatalf("Expected empty LOB, got %d (%v)", size, err)
	}
	if err := s.WriteLob(ctx, loc, 1, []byte("héllo")); err != nil {
		t.Fatalf("WriteLob returned error: %v", err)
	}
	if err := s.WriteLob(ctx, loc, 8, []byte("x")); err != nil {
		t.Fatalf("WriteLob returned error: %v", err)
	}
	if size, _ := s.LobSize(ctx, loc); size != 8 {
		t.Errorf("Expected 8 characters, got %d", size)
	}
	data, err := s.ReadLob(ctx, loc, 2, 3)
	if err != nil {
		t.Fatalf("ReadLob returned error: %v", err)
	}
	if string(data) != "éll" {
		t.Errorf("Expected éll, got %q", data)
	}
	data, _ = s.ReadLob(ctx, loc, 1, 100)
	if string(data) != "héllo  x" {
		t.Errorf("Expected padded content, got %q", data)
	}
	if err := s.TrimLob(ctx, loc, 2); err != nil {
		t.Fatalf("TrimLob returned error: %v", err)
	}
	if data, _ := s.ReadLob(ctx, loc, 1, 100); string(data) != "hé" {
		t.Errorf("Expected trimmed content, got %q", data)
	}
	if err := s.TrimLob(ctx, loc, 10); err == nil {
		t.Error("Expected trimming past the end to fail")
	}
	if err := s.FreeTempLob(ctx, loc); err != nil {
		t.Fatalf("FreeTempLob returned error: %v", err)
	}
	if _, err := s.LobSize(ctx, loc); err == nil {
		t.Error("Expected a freed LOB to be gone")
	}

	blob, err := s.CreateTempLob(ctx, types.LobBlob)
	if err != nil {
		t.Fatalf("CreateTempLob returned error: %v", err)
	}
	if err := s.WriteLob(ctx, blob, 3, []byte{1, 2}); err != nil {
		t.Fatalf("WriteLob returned error: %v", err)
	}
	data, _ = s.ReadLob(ctx, blob, 1, 10)
	if len(data) != 4 || data[0] != 0 || data[3] != 2 {
		t.Errorf("Unexpected BLOB content %v", data)
	}
}

func TestLobColumn(t *testing.T) {
	_, s := setupTestHost(t)
	ctx := context.Background()
	execSQL(t, s, "create table docs (body CLOB, attachment BFILE)")
	execSQL(t, s, "insert into docs (body, attachment) values (:b, :f)", []types.BindValue{
		{Name: "B", Value: "some text"},
		{Name: "F", Value: types.LobLocator{Kind: types.LobBfile, Dir: "DATA_DIR", File: "a.txt"}},
	})

	result := execSQL(t, s, "select body, attachment from docs")
	chunk, err := s.Fetch(ctx, result.CursorID, 10)
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	body, ok := chunk.Rows[0][0].(types.LobLocator)
	if !ok || body.Kind != types.LobClob {
		t.Fatalf("Expected a CLOB locator, got %+v", chunk.Rows[0][0])
	}
	if size, _ := s.LobSize(ctx, body); size != 9 {
		t.Errorf("Expected 9 characters, got %d", size)
	}
	file, ok := chunk.Rows[0][1].(types.LobLocator)
	if !ok || !file.IsFile() || file.Dir != "DATA_DIR" || file.File != "a.txt" {
		t.Errorf("Unexpected file locator %+v", chunk.Rows[0][1])
	}
}

func TestFileLob(t *testing.T) {
	h, s := setupTestHost(t)
	ctx := context.Background()
	dir := t.TempDir()
	h.RegisterDirectory("files", dir)
	if err := os.WriteFile(path.Join(dir, "data.bin"), []byte("0123456789"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	loc := types.LobLocator{Kind: types.LobBfile, Dir: "FILES", File: "data.bin"}
	if exists, err := s.FileExists(ctx, loc); err != nil || !exists {
		t.Fatalf("Expected file to exist: %v", err)
	}
	if size, err := s.LobSize(ctx, loc); err != nil || size != 10 {
		t.Errorf("Expected size 10, got %d (%v)", size, err)
	}
	data, err := s.ReadLob(ctx, loc, 4, 3)
	if err != nil {
		t.Fatalf("ReadLob returned error: %v", err)
	}
	if string(data) != "345" {
		t.Errorf("Expected 345, got %q", data)
	}
	if err := s.WriteLob(ctx, loc, 1, []byte("x")); err == nil {
		t.Error("Expected writes to a file locator to fail")
	}

	missing := types.LobLocator{Kind: types.LobBfile, Dir: "FILES", File: "missing.bin"}
	if exists, err := s.FileExists(ctx, missing); err != nil || exists {
		t.Errorf("Expected missing file to not exist, got %v (%v)", exists, err)
	}
	escape := types.LobLocator{Kind: types.LobBfile, Dir: "FILES", File: "../data.bin"}
	if _, err := s.LobSize(ctx, escape); err == nil {
		t.Error("Expected a file outside the directory to be rejected")
	}
	unknown := types.LobLocator{Kind: types.LobBfile, Dir: "NOWHERE", File: "data.bin"}
	if _, err := s.FileExists(ctx, unknown); err == nil {
		t.Error("Expected an unknown directory to fail")
	}
}

func TestObjectTypes(t *testing.T) {
	h, s := setupTestHost(t)
	ctx := context.Background()

	err := h.CreateObjectType(ctx, types.ObjectTypeInfo{
		Name: "point",
		Attributes: []types.AttributeInfo{
			{Name: "X", DeclType: "INTEGER"},
			{Name: "LABEL", DeclType: "VARCHAR2(10)"},
		},
	})
	if err != nil {
		t.Fatalf("CreateObjectType returned error: %v", err)
	}
	info, err := s.ObjectType(ctx, "main.point")
	if err != nil {
		t.Fatalf("ObjectType returned error: %v", err)
	}
	if info.FullName() != "MAIN.POINT" || len(info.Attributes) != 2 || info.Attributes[1].Position != 2 {
		t.Errorf("Unexpected type %+v", info)
	}
	if _, err := s.ObjectType(ctx, "nope"); err == nil {
		t.Error("Expected an unknown type to fail")
	}

	execSQL(t, s, "create table shapes (p POINT)")
	execSQL(t, s, "insert into shapes (p) values (:p)", []types.BindValue{{Name: "P", Value: &types.ObjectValue{
		Type:       "MAIN.POINT",
		Attributes: map[string]any{"X": int64(3), "LABEL": "three"},
	}}})
	result := execSQL(t, s, "select p from shapes")
	chunk, err := s.Fetch(ctx, result.CursorID, 10)
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	obj, ok := chunk.Rows[0][0].(*types.ObjectValue)
	if !ok {
		t.Fatalf("Expected an object, got %T", chunk.Rows[0][0])
	}
	if obj.Attributes["X"] != int64(3) || obj.Attributes["LABEL"] != "three" {
		t.Errorf("Unexpected attributes %+v", obj.Attributes)
	}
}

func TestDistributedTransaction(t *testing.T) {
	h, s := setupTestHost(t)
	ctx := context.Background()
	createItems(t, s)

	xid := types.Xid{FormatID: 1, GlobalTransactionID: []byte("g1"), BranchQualifier: []byte("b1")}
	if err := s.BeginDistrib(ctx, xid); err != nil {
		t.Fatalf("BeginDistrib returned error: %v", err)
	}
	needed, err := s.PrepareDistrib(ctx)
	if err != nil {
		t.Fatalf("PrepareDistrib returned error: %v", err)
	}
	if needed {
		t.Error("Expected a read-only branch to need no commit")
	}

	if err := s.BeginDistrib(ctx, xid); err != nil {
		t.Fatalf("BeginDistrib returned error: %v", err)
	}
	execSQL(t, s, "insert into items (name) values (:name)", []types.BindValue{{Name: "NAME", Value: "x"}})
	needed, err = s.PrepareDistrib(ctx)
	if err != nil {
		t.Fatalf("PrepareDistrib returned error: %v", err)
	}
	if !needed {
		t.Error("Expected a branch with changes to need a commit")
	}

	info, _ := s.Prepare(ctx, "insert into items (name) values ('y')")
	if _, err := s.Execute(ctx, &types.ExecRequest{StatementID: info.ID}); err == nil {
		t.Error("Expected statements on a prepared branch to fail")
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}
	var count int
	if err := h.DB().Get(&count, "SELECT COUNT(*) FROM items"); err != nil {
		t.Fatalf("Failed to count rows: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 row, got %d", count)
	}
}

func receivePayload(t *testing.T, ch <-chan []byte) *events.Message {
	t.Helper()
	select {
	case payload := <-ch:
		msg, err := events.ParseMessage(payload)
		if err != nil {
			t.Fatalf("ParseMessage returned error: %v", err)
		}
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a notification")
	}
	return nil
}

func TestObjectChangeNotification(t *testing.T) {
	_, s := setupTestHost(t)
	ctx := context.Background()
	createItems(t, s)

	payloads := make(chan []byte, 10)
	id, err := s.Subscribe(ctx, types.SubscribeRequest{Name: "items", Rows: true}, func(p []byte) { payloads <- p })
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	execSQL(t, s, "insert into items (name) values (:name)",
		[]types.BindValue{{Name: "NAME", Value: "a"}},
		[]types.BindValue{{Name: "NAME", Value: "b"}},
	)
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}

	msg := receivePayload(t, payloads)
	if msg.Type != events.EventObjChange || msg.DBName != "testdb" || msg.SubscriptionID != id {
		t.Fatalf("Unexpected message %+v", msg)
	}
	if len(msg.Tables) != 1 || msg.Tables[0].Name != "MAIN.ITEMS" {
		t.Fatalf("Unexpected tables %+v", msg.Tables)
	}
	table := msg.Tables[0]
	if !table.Operation.Has(events.OpInsert) || table.Operation.Has(events.OpAllRows) {
		t.Errorf("Unexpected operation %s", table.Operation)
	}
	if len(table.Rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(table.Rows))
	}
	rid, err := rowid.Parse(table.Rows[1].Rowid)
	if err != nil {
		t.Fatalf("Failed to parse row id: %v", err)
	}
	if rid.RowNum() != 2 {
		t.Errorf("Expected row 2, got %d", rid.RowNum())
	}

	// Rolled back changes are not reported
	execSQL(t, s, "delete from items")
	if err := s.Rollback(ctx); err != nil {
		t.Fatalf("Rollback returned error: %v", err)
	}

	if err := s.Unsubscribe(ctx, id); err != nil {
		t.Fatalf("Unsubscribe returned error: %v", err)
	}
	msg = receivePayload(t, payloads)
	if msg.Type != events.EventDeregister {
		t.Errorf("Expected a deregistration, got %s", msg.Type)
	}
	if err := s.Unsubscribe(ctx, id); err == nil {
		t.Error("Expected a second Unsubscribe to fail")
	}
}

func TestQueryChangeNotification(t *testing.T) {
	_, s := setupTestHost(t)
	ctx := context.Background()
	createItems(t, s)
	execSQL(t, s, "create table other (v INTEGER)")

	payloads := make(chan []byte, 10)
	key := []byte("secret")
	id, err := s.Subscribe(ctx, types.SubscribeRequest{Query: true, SigningKey: key}, func(p []byte) { payloads <- p })
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}

	info, err := s.Prepare(ctx, "select id, name from items")
	if err != nil {
		t.Fatalf("Prepare returned error: %v", err)
	}
	result, err := s.Execute(ctx, &types.ExecRequest{StatementID: info.ID, SubscriptionID: id})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.QueryID == 0 {
		t.Fatal("Expected a query id")
	}
	s.CloseCursor(ctx, result.CursorID)

	// Changes to tables the query does not read are not reported
	execSQL(t, s, "insert into other (v) values (1)")
	s.Commit(ctx)
	execSQL(t, s, "insert into items (name) values ('z')")
	s.Commit(ctx)

	var payload []byte
	select {
	case payload = <-payloads:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a notification")
	}
	if _, err := events.ParseSigned(payload, []byte("wrong")); err == nil {
		t.Error("Expected a wrong key to be rejected")
	}
	msg, err := events.ParseSigned(payload, key)
	if err != nil {
		t.Fatalf("ParseSigned returned error: %v", err)
	}
	if msg.Type != events.EventQueryChange || len(msg.Queries) != 1 {
		t.Fatalf("Unexpected message %+v", msg)
	}
	q := msg.Queries[0]
	if q.ID != result.QueryID || len(q.Tables) != 1 || q.Tables[0].Name != "MAIN.ITEMS" {
		t.Errorf("Unexpected query %+v", q)
	}
	if !q.Tables[0].Operation.Has(events.OpAllRows) {
		t.Errorf("Expected all rows without row detail, got %s", q.Tables[0].Operation)
	}
}

func TestSubscriptionSeesOnlyLaterCommits(t *testing.T) {
	_, s := setupTestHost(t)
	ctx := context.Background()
	createItems(t, s, "a")

	payloads := make(chan []byte, 10)
	if _, err := s.Subscribe(ctx, types.SubscribeRequest{Rows: true}, func(p []byte) { payloads <- p }); err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	execSQL(t, s, "update items set name = 'b'")
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}

	msg := receivePayload(t, payloads)
	if len(msg.Tables) != 1 || msg.Tables[0].Operation != events.OpUpdate {
		t.Fatalf("Expected only the update committed after subscribing, got %+v", msg.Tables)
	}
	select {
	case p := <-payloads:
		t.Errorf("Unexpected extra notification %s", p)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegisterQueriesWhileDelivering(t *testing.T) {
	h, s := setupTestHost(t)
	ctx := context.Background()
	createItems(t, s)

	payloads := make(chan []byte, 100)
	id, err := s.Subscribe(ctx, types.SubscribeRequest{Query: true}, func(p []byte) { payloads <- p })
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	if _, err := h.notifier.registerQuery(id, []string{"ITEMS"}); err != nil {
		t.Fatalf("registerQuery returned error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			h.notifier.registerQuery(id, []string{"ITEMS"})
		}
	}()
	for i := 0; i < 20; i++ {
		execSQL(t, s, "insert into items (name) values ('x')")
		if err := s.Commit(ctx); err != nil {
			t.Fatalf("Commit returned error: %v", err)
		}
	}
	<-done

	for i := 0; i < 20; i++ {
		msg := receivePayload(t, payloads)
		if msg.Type != events.EventQueryChange || len(msg.Queries) == 0 || msg.Queries[0].ID != 1 {
			t.Fatalf("Unexpected message %+v", msg)
		}
	}
}

func TestObjectNumbersKeepPrecision(t *testing.T) {
	h, _ := setupTestHost(t)
	ctx := context.Background()

	list := &types.ObjectTypeInfo{Schema: "MAIN", Name: "BIG_LIST", IsCollection: true, ElementType: "INTEGER"}
	body, err := encodeObject(&types.ObjectValue{
		Type:     "MAIN.BIG_LIST",
		Elements: []types.IndexedValue{{Index: 1, Value: int64(9007199254740993)}, {Index: 2, Value: int64(-1)}},
	})
	if err != nil {
		t.Fatalf("encodeObject returned error: %v", err)
	}
	obj, err := h.decodeObject(ctx, list, body)
	if err != nil {
		t.Fatalf("decodeObject returned error: %v", err)
	}
	if obj.Elements[0].Value != int64(9007199254740993) || obj.Elements[1].Value != int64(-1) {
		t.Errorf("Unexpected elements %+v", obj.Elements)
	}

	ledger := &types.ObjectTypeInfo{Schema: "MAIN", Name: "LEDGER", Attributes: []types.AttributeInfo{
		{Name: "AMOUNT", DeclType: "NUMBER"},
		{Name: "RATIO", DeclType: "BINARY_DOUBLE"},
		{Name: "COUNT", DeclType: "INTEGER"},
	}}
	obj, err = h.decodeObject(ctx, ledger, `{"type":"MAIN.LEDGER","attributes":{"AMOUNT":12345678901234567890.25,"RATIO":0.5,"COUNT":2}}`)
	if err != nil {
		t.Fatalf("decodeObject returned error: %v", err)
	}
	amount, ok := obj.Attributes["AMOUNT"].(decimal.Decimal)
	if !ok || !amount.Equal(decimal.RequireFromString("12345678901234567890.25")) {
		t.Errorf("Unexpected amount %v", obj.Attributes["AMOUNT"])
	}
	if obj.Attributes["RATIO"] != 0.5 || obj.Attributes["COUNT"] != int64(2) {
		t.Errorf("Unexpected attributes %+v", obj.Attributes)
	}

	if _, err := h.decodeObject(ctx, list, `{"type":"MAIN.BIG_LIST","elements":[{"index":1,"value":2.5}]}`); err == nil {
		t.Error("Expected a fractional integer element to fail")
	}
}
