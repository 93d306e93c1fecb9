// Command sqlvar-samples runs the engine against an SQLite-backed host and
// logs what each sample observes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tomyedwab/sqlvar/engine"
	"github.com/tomyedwab/sqlvar/events"
	"github.com/tomyedwab/sqlvar/sqlproxy/host"
)

type sample struct {
	name string
	run  func(ctx context.Context, env *env) error
}

type env struct {
	host   *host.SQLHost
	conn   *engine.Conn
	logger *slog.Logger
	files  string
}

var samples = []sample{
	{"query", runQuery},
	{"returning", runReturning},
	{"implicit", runImplicitResults},
	{"cursor", runRefCursor},
	{"lob", runLob},
	{"bfile", runBfile},
	{"cqn", runChangeNotification},
	{"distrib", runDistribTrans},
}

func main() {
	dbPath := flag.String("db", "", "SQLite database path (defaults to a temporary file)")
	only := flag.String("sample", "", "Comma separated samples to run (default all)")
	fetchSize := flag.Int("fetch-size", 100, "Rows fetched per round trip")
	debug := flag.Bool("debug", false, "Log at debug level")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	workDir, err := os.MkdirTemp("", "sqlvar-samples")
	if err != nil {
		logger.Error("Failed to create work directory", "error", err)
		os.Exit(1)
	}
	defer os.RemoveAll(workDir)
	if *dbPath == "" {
		*dbPath = filepath.Join(workDir, "samples.db")
	}

	h, err := host.Open(*dbPath, host.Config{Logger: logger})
	if err != nil {
		logger.Error("Failed to open host", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer h.Close()
	h.RegisterDirectory("SAMPLE_FILES", workDir)
	registerProcedures(h)

	ctx := context.Background()
	session, err := h.NewSession(ctx)
	if err != nil {
		logger.Error("Failed to create session", "error", err)
		os.Exit(1)
	}
	conn := engine.NewConn(session, engine.Config{Logger: logger, FetchArraySize: *fetchSize})
	defer conn.Close()

	e := &env{host: h, conn: conn, logger: logger, files: workDir}
	if err := setup(ctx, e); err != nil {
		logger.Error("Failed to create sample schema", "error", err)
		os.Exit(1)
	}

	selected := map[string]bool{}
	for _, name := range strings.Split(*only, ",") {
		if name = strings.TrimSpace(name); name != "" {
			selected[name] = true
		}
	}
	failed := false
	for _, s := range samples {
		if len(selected) > 0 && !selected[s.name] {
			continue
		}
		start := time.Now()
		if err := s.run(ctx, e); err != nil {
			failed = true
			logger.Error("Sample failed", "sample", s.name, "error", err)
			if last := conn.LastError(); last != nil {
				logger.Error("Engine error", "fn", last.FnName, "action", last.Action, "code", last.Code)
			}
			continue
		}
		logger.Info("Sample finished", "sample", s.name, "duration", time.Since(start))
	}
	if failed {
		os.Exit(1)
	}
}

func registerProcedures(h *host.SQLHost) {
	h.RegisterProcedure("sample.report", func(ctx context.Context, call *host.Call) error {
		if err := call.ReturnResult(ctx, "select name, qty from stock order by name"); err != nil {
			return err
		}
		return call.ReturnResult(ctx, "select sum(qty) as total from stock")
	})
	h.RegisterProcedure("sample.open_stock", func(ctx context.Context, call *host.Call) error {
		arg, err := call.Arg(2)
		if err != nil {
			return err
		}
		minQty, err := call.Args[0].Int64()
		if err != nil {
			return err
		}
		return call.OpenCursor(ctx, arg, "select name from stock where qty >= ? order by qty", minQty)
	})
}

// exec prepares and executes query with positional values and releases the
// statement. Changes are left for the caller to commit.
func exec(ctx context.Context, conn *engine.Conn, query string, values ...any) error {
	stmt, err := conn.Prepare(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Release()
	for i, v := range values {
		if err := stmt.BindValueByPos(i+1, v); err != nil {
			return err
		}
	}
	_, err = stmt.Execute(ctx, engine.ExecDefault)
	return err
}

func setup(ctx context.Context, e *env) error {
	if err := exec(ctx, e.conn, "create table if not exists stock (name VARCHAR2(30), qty NUMBER(9), notes CLOB)"); err != nil {
		return err
	}
	if err := exec(ctx, e.conn, "delete from stock"); err != nil {
		return err
	}
	if err := e.conn.Commit(ctx); err != nil {
		return err
	}

	names, err := e.conn.NewVar(engine.VarParams{Shape: engine.ShapeVarchar, Native: engine.NativeBytes, Capacity: 5, Size: 30, IsArray: true})
	if err != nil {
		return err
	}
	defer names.Release()
	qtys, err := e.conn.NewVar(engine.VarParams{Shape: engine.ShapeNumber, Native: engine.NativeInt64, Capacity: 5, IsArray: true})
	if err != nil {
		return err
	}
	defer qtys.Release()
	for i, name := range []string{"bolts", "nuts", "washers", "screws", "rivets"} {
		names.SetValue(i, name)
		qtys.SetValue(i, (i+1)*10)
	}

	stmt, err := e.conn.Prepare(ctx, "insert into stock (name, qty) values (:name, :qty)")
	if err != nil {
		return err
	}
	defer stmt.Release()
	stmt.BindByPos(1, names)
	stmt.BindByPos(2, qtys)
	return stmt.ExecuteMany(ctx, engine.ExecCommitOnSuccess, 5)
}

func runQuery(ctx context.Context, e *env) error {
	stmt, err := e.conn.Prepare(ctx, "select name, qty, rowid from stock where qty > :min order by qty")
	if err != nil {
		return err
	}
	defer stmt.Release()
	if err := stmt.BindValueByName("min", 15); err != nil {
		return err
	}
	if err := stmt.SetFetchArraySize(2); err != nil {
		return err
	}
	numCols, err := stmt.Execute(ctx, engine.ExecDefault)
	if err != nil {
		return err
	}
	for i := 1; i <= numCols; i++ {
		info, _ := stmt.QueryInfo(i)
		e.logger.Info("Column", "pos", i, "name", info.Name, "decl", info.DeclType, "shape", info.Shape.String())
	}
	for {
		found, _, err := stmt.Fetch(ctx)
		if err != nil {
			return err
		}
		if !found {
			break
		}
		_, name, _ := stmt.QueryValue(1)
		_, qty, _ := stmt.QueryValue(2)
		_, rid, _ := stmt.QueryValue(3)
		id, _ := rid.Rowid.StringValue()
		e.logger.Info("Row", "name", string(name.Bytes), "qty", qty.Int64, "rowid", id)
	}
	return nil
}

func runReturning(ctx context.Context, e *env) error {
	out, err := e.conn.NewVar(engine.VarParams{Shape: engine.ShapeVarchar, Native: engine.NativeBytes, Capacity: 1, IsArray: true})
	if err != nil {
		return err
	}
	defer out.Release()
	stmt, err := e.conn.Prepare(ctx, "update stock set qty = qty + 1 where qty >= :min returning name into :names")
	if err != nil {
		return err
	}
	defer stmt.Release()
	stmt.BindValueByName("min", 30)
	stmt.BindByName("names", out)
	if _, err := stmt.Execute(ctx, engine.ExecCommitOnSuccess); err != nil {
		return err
	}
	n, _ := out.NumElementsInArray()
	rowCount, _ := stmt.RowCount()
	for i := 0; i < n; i++ {
		d, _ := out.Element(i)
		e.logger.Info("Returned", "index", i, "name", string(d.Bytes))
	}
	e.logger.Info("Returning done", "rows", rowCount, "elements", n)
	return nil
}

func logRows(ctx context.Context, e *env, stmt *engine.Stmt, label string) error {
	numCols, err := stmt.NumQueryColumns()
	if err != nil {
		return err
	}
	for {
		found, _, err := stmt.Fetch(ctx)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		values := make([]any, numCols)
		for i := range values {
			v, err := stmt.DefineVar(i + 1)
			if err != nil {
				return err
			}
			_, d, _ := stmt.QueryValue(i + 1)
			values[i] = d
			if !d.IsNull {
				switch v.NativeType() {
				case engine.NativeBytes:
					values[i] = string(d.Bytes)
				case engine.NativeInt64:
					values[i] = d.Int64
				case engine.NativeDouble:
					values[i] = d.Double
				}
			}
		}
		e.logger.Info(label, "values", fmt.Sprint(values...))
	}
}

func runImplicitResults(ctx context.Context, e *env) error {
	stmt, err := e.conn.Prepare(ctx, "begin sample.report; end;")
	if err != nil {
		return err
	}
	defer stmt.Release()
	if _, err := stmt.Execute(ctx, engine.ExecDefault); err != nil {
		return err
	}
	for n := 1; ; n++ {
		result, err := stmt.GetImplicitResult()
		if err != nil {
			return err
		}
		if result == nil {
			return nil
		}
		if err := logRows(ctx, e, result, fmt.Sprintf("Implicit result %d", n)); err != nil {
			return err
		}
	}
}

func runRefCursor(ctx context.Context, e *env) error {
	cursor, err := e.conn.NewVar(engine.VarParams{Shape: engine.ShapeCursor, Native: engine.NativeStmt})
	if err != nil {
		return err
	}
	defer cursor.Release()
	stmt, err := e.conn.Prepare(ctx, "begin sample.open_stock(:min, :c); end;")
	if err != nil {
		return err
	}
	defer stmt.Release()
	stmt.BindValueByPos(1, 20)
	stmt.BindByPos(2, cursor)
	if _, err := stmt.Execute(ctx, engine.ExecDefault); err != nil {
		return err
	}
	d, err := cursor.Element(0)
	if err != nil {
		return err
	}
	return logRows(ctx, e, d.Stmt, "Cursor row")
}

func runLob(ctx context.Context, e *env) error {
	lob, err := e.conn.NewTempLob(ctx, engine.ShapeClob)
	if err != nil {
		return err
	}
	defer lob.Release()
	if err := lob.SetFromBytes(ctx, []byte(strings.Repeat("stocktake ", 2000))); err != nil {
		return err
	}
	if err := lob.Trim(ctx, 15000); err != nil {
		return err
	}
	if err := exec(ctx, e.conn, "update stock set notes = :notes where name = :name", lob, "bolts"); err != nil {
		return err
	}
	if err := e.conn.Commit(ctx); err != nil {
		return err
	}

	stmt, err := e.conn.Prepare(ctx, "select notes from stock where name = :name")
	if err != nil {
		return err
	}
	defer stmt.Release()
	stmt.BindValueByPos(1, "bolts")
	if _, err := stmt.Execute(ctx, engine.ExecDefault); err != nil {
		return err
	}
	found, _, err := stmt.Fetch(ctx)
	if err != nil || !found {
		return errors.Join(errors.New("no row for bolts"), err)
	}
	_, d, _ := stmt.QueryValue(1)
	size, err := d.Lob.GetSize(ctx)
	if err != nil {
		return err
	}
	chunkSize, _ := d.Lob.GetChunkSize()
	content, err := io.ReadAll(d.Lob.NewReader(ctx))
	if err != nil {
		return err
	}
	e.logger.Info("LOB fetched", "size", size, "chunk_size", chunkSize, "read", len(content))
	return nil
}

func runBfile(ctx context.Context, e *env) error {
	if err := os.WriteFile(filepath.Join(e.files, "manifest.txt"), []byte("bolts,nuts,washers\n"), 0644); err != nil {
		return err
	}
	lob, err := e.conn.NewTempLob(ctx, engine.ShapeBlob)
	if err != nil {
		return err
	}
	defer lob.Release()
	if err := lob.SetDirectoryAndFileName(ctx, "SAMPLE_FILES", "manifest.txt"); err != nil {
		return err
	}
	exists, err := lob.FileExists(ctx)
	if err != nil {
		return err
	}
	size, _ := lob.GetSize(ctx)
	data, err := lob.ReadBytes(ctx, 1, size)
	if err != nil {
		return err
	}
	e.logger.Info("BFILE read", "exists", exists, "size", size, "content", strings.TrimSpace(string(data)))
	if err := lob.WriteBytes(ctx, 1, []byte("x")); !engine.IsTypeMismatchError(err) {
		return fmt.Errorf("expected writes on a BFILE to fail, got %v", err)
	}
	return nil
}

func runChangeNotification(ctx context.Context, e *env) error {
	sub, err := e.conn.NewSubscription(ctx, engine.SubscrParams{Name: "samples", QOSRows: true, QOSQuery: true})
	if err != nil {
		return err
	}
	stmt, err := sub.PrepareStmt(ctx, "select name from stock where qty < 25")
	if err != nil {
		sub.Release(ctx)
		return err
	}
	if _, err := stmt.Execute(ctx, engine.ExecDefault); err != nil {
		stmt.Release()
		sub.Release(ctx)
		return err
	}
	queryID, _ := stmt.SubscrQueryID()
	stmt.Release()
	e.logger.Info("Query registered", "subscription", sub.ID(), "query", queryID)

	err = exec(ctx, e.conn, "update stock set qty = 0 where name = :name", "nuts")
	if err == nil {
		err = e.conn.Commit(ctx)
	}
	if err != nil {
		sub.Release(ctx)
		return err
	}
	select {
	case msg := <-sub.Messages():
		logMessage(e.logger, msg)
	case <-time.After(5 * time.Second):
		sub.Release(ctx)
		return errors.New("timed out waiting for a notification")
	}
	if err := sub.Release(ctx); err != nil {
		return err
	}
	for msg := range sub.Messages() {
		logMessage(e.logger, msg)
	}
	return nil
}

func logMessage(logger *slog.Logger, msg *events.Message) {
	if msg.IsError() {
		logger.Warn("Notification error", "code", msg.Error.Code, "message", msg.Error.Message)
		return
	}
	logger.Info("Notification", "type", msg.Type.String(), "db", msg.DBName, "queries", len(msg.Queries))
	for _, t := range msg.Tables {
		logger.Info("Changed table", "table", t.Name, "operation", t.Operation.String(), "rows", len(t.Rows))
	}
	for _, q := range msg.Queries {
		for _, t := range q.Tables {
			logger.Info("Changed table", "query", q.ID, "table", t.Name, "operation", t.Operation.String(), "rows", len(t.Rows))
		}
	}
}

func runDistribTrans(ctx context.Context, e *env) error {
	if err := e.conn.BeginDistribTrans(ctx, 100, []byte("sample-gtrid"), []byte("branch-1")); err != nil {
		return err
	}
	if err := exec(ctx, e.conn, "delete from stock where qty = 0"); err != nil {
		e.conn.Rollback(ctx)
		return err
	}
	needed, err := e.conn.PrepareDistribTrans(ctx)
	if err != nil {
		return err
	}
	e.logger.Info("Branch prepared", "commit_needed", needed)
	if needed {
		return e.conn.Commit(ctx)
	}
	return nil
}
