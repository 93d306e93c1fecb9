package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/tomyedwab/sqlvar/engine"
	"github.com/tomyedwab/sqlvar/sqlproxy/host"
)

const driverName = "sqlvar"

func init() {
	sql.Register(driverName, &Driver{})
}

// --- Driver implementation ---

// Driver opens connections to a SQLite file named by the DSN.
type Driver struct{}

// Open returns a new connection to the database at dsn.
func (d *Driver) Open(dsn string) (driver.Conn, error) {
	c, err := d.OpenConnector(dsn)
	if err != nil {
		return nil, err
	}
	conn, err := c.Connect(context.Background())
	if err != nil {
		c.(*Connector).Close()
		return nil, err
	}
	conn.(*Conn).ownedConnector = c.(*Connector)
	return conn, nil
}

// OpenConnector opens a host for the database at dsn. The host is closed
// with the sql.DB.
func (d *Driver) OpenConnector(dsn string) (driver.Connector, error) {
	h, err := host.Open(dsn, host.Config{})
	if err != nil {
		return nil, fmt.Errorf("sqlvar: failed to open %s: %w", dsn, err)
	}
	return &Connector{host: h, ownsHost: true}, nil
}

// Connector creates connections backed by sessions of one host.
type Connector struct {
	host     *host.SQLHost
	config   engine.Config
	ownsHost bool
}

// NewConnector returns a connector for sessions of h. The caller keeps
// ownership of h.
func NewConnector(h *host.SQLHost, config engine.Config) *Connector {
	return &Connector{host: h, config: config}
}

// Connect opens a new session.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	session, err := c.host.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlvar: failed to open session: %w", err)
	}
	return &Conn{conn: engine.NewConn(session, c.config)}, nil
}

// Driver returns the underlying driver.
func (c *Connector) Driver() driver.Driver { return &Driver{} }

// Close closes the host if the connector opened it.
func (c *Connector) Close() error {
	if !c.ownsHost {
		return nil
	}
	return c.host.Close()
}

// --- Connection implementation ---

// Conn implements the driver.Conn interface.
type Conn struct {
	conn           *engine.Conn
	tx             *Tx
	ownedConnector *Connector // Set for connections made by Driver.Open
}

// Engine returns the engine connection, for features database/sql does
// not expose such as LOB handles and subscriptions.
func (c *Conn) Engine() *engine.Conn { return c.conn }

// Prepare returns a prepared statement, suitable for query or execution.
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

// PrepareContext prepares query on the session.
func (c *Conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	stmt, err := c.conn.Prepare(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlvar: prepare failed: %w", err)
	}
	return &Stmt{conn: c, stmt: stmt}, nil
}

// Close closes the session.
func (c *Conn) Close() error {
	err := c.conn.Close()
	if c.ownedConnector != nil {
		if cerr := c.ownedConnector.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("sqlvar: close failed: %w", err)
	}
	return nil
}

// Ping checks that the session is usable.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return driver.ErrBadConn
	}
	return nil
}

// Begin starts and returns a new transaction.
func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx starts a transaction. The session opens the transaction itself
// on the first change, so nothing is sent to the host here.
func (c *Conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if c.tx != nil {
		return nil, fmt.Errorf("sqlvar: transaction already active on this connection")
	}
	if opts.Isolation != driver.IsolationLevel(sql.LevelDefault) {
		return nil, fmt.Errorf("sqlvar: isolation level %d is not supported", opts.Isolation)
	}
	c.tx = &Tx{conn: c}
	return c.tx, nil
}

// CheckNamedValue accepts OUT destinations and engine handles as they
// are and leaves everything else to the default conversion.
func (c *Conn) CheckNamedValue(nv *driver.NamedValue) error {
	switch nv.Value.(type) {
	case sql.Out, *engine.Lob, *engine.Object, *engine.Rowid, decimal.Decimal:
		return nil
	}
	return driver.ErrSkip
}

// --- Transaction implementation ---

// Tx implements the driver.Tx interface.
type Tx struct {
	conn *Conn
	done bool
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if t.done {
		return fmt.Errorf("sqlvar: transaction already committed or rolled back")
	}
	t.done = true
	t.conn.tx = nil
	if err := t.conn.conn.Commit(context.Background()); err != nil {
		return fmt.Errorf("sqlvar: commit failed: %w", err)
	}
	return nil
}

// Rollback aborts the transaction.
func (t *Tx) Rollback() error {
	if t.done {
		return fmt.Errorf("sqlvar: transaction already committed or rolled back")
	}
	t.done = true
	t.conn.tx = nil
	if err := t.conn.conn.Rollback(context.Background()); err != nil {
		return fmt.Errorf("sqlvar: rollback failed: %w", err)
	}
	return nil
}

// --- Statement implementation ---

// Stmt implements the driver.Stmt interface.
type Stmt struct {
	conn *Conn
	stmt *engine.Stmt
}

// Close releases the statement.
func (s *Stmt) Close() error {
	if err := s.stmt.Release(); err != nil {
		return fmt.Errorf("sqlvar: close statement failed: %w", err)
	}
	return nil
}

// NumInput returns the number of placeholders.
func (s *Stmt) NumInput() int {
	n, err := s.stmt.BindCount()
	if err != nil {
		return -1
	}
	return n
}

// Exec executes the statement with positional arguments.
func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), namedValues(args))
}

// Query executes the statement with positional arguments.
func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), namedValues(args))
}

// ExecContext executes the statement and copies OUT values to their
// destinations. Outside an explicit transaction the change is committed.
func (s *Stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	outs, err := s.bind(args)
	if err != nil {
		return nil, err
	}
	if _, err := s.stmt.Execute(ctx, s.execMode()); err != nil {
		return nil, fmt.Errorf("sqlvar: exec failed: %w", err)
	}
	if err := s.storeOuts(ctx, outs); err != nil {
		return nil, err
	}
	n, err := s.stmt.RowCount()
	if err != nil {
		return nil, fmt.Errorf("sqlvar: exec failed: %w", err)
	}
	return &result{rowsAffected: n}, nil
}

// QueryContext executes the statement and returns its result set. A
// procedure call returns its implicit results instead.
func (s *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	outs, err := s.bind(args)
	if err != nil {
		return nil, err
	}
	numCols, err := s.stmt.Execute(ctx, s.execMode())
	if err != nil {
		return nil, fmt.Errorf("sqlvar: query failed: %w", err)
	}
	if err := s.storeOuts(ctx, outs); err != nil {
		return nil, err
	}
	if numCols > 0 {
		return newRows(ctx, s.stmt, s.stmt)
	}
	first, err := s.stmt.GetImplicitResult()
	if err != nil {
		return nil, fmt.Errorf("sqlvar: query failed: %w", err)
	}
	if first == nil {
		return &rows{ctx: ctx}, nil
	}
	return newRows(ctx, s.stmt, first)
}

func (s *Stmt) execMode() engine.ExecMode {
	if s.conn.tx != nil {
		return engine.ExecDefault
	}
	return engine.ExecCommitOnSuccess
}

// outBind is an OUT destination and the variable bound for it.
type outBind struct {
	dest any
	v    *engine.Var
}

func (s *Stmt) bind(args []driver.NamedValue) ([]outBind, error) {
	var outs []outBind
	for _, arg := range args {
		out, ok := arg.Value.(sql.Out)
		if !ok {
			var err error
			if arg.Name != "" {
				err = s.stmt.BindValueByName(arg.Name, arg.Value)
			} else {
				err = s.stmt.BindValueByPos(arg.Ordinal, arg.Value)
			}
			if err != nil {
				return nil, fmt.Errorf("sqlvar: bind %s failed: %w", argName(arg), err)
			}
			continue
		}

		v, err := s.outVar(out)
		if err != nil {
			return nil, fmt.Errorf("sqlvar: bind %s failed: %w", argName(arg), err)
		}
		if arg.Name != "" {
			err = s.stmt.BindByName(arg.Name, v)
		} else {
			err = s.stmt.BindByPos(arg.Ordinal, v)
		}
		if err != nil {
			v.Release()
			return nil, fmt.Errorf("sqlvar: bind %s failed: %w", argName(arg), err)
		}
		outs = append(outs, outBind{dest: out.Dest, v: v})
	}
	return outs, nil
}

func argName(arg driver.NamedValue) string {
	if arg.Name != "" {
		return ":" + arg.Name
	}
	return fmt.Sprintf("argument %d", arg.Ordinal)
}

func namedValues(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

// --- Result implementation ---

type result struct {
	rowsAffected int64
}

// LastInsertId is not supported.
func (r *result) LastInsertId() (int64, error) {
	return 0, fmt.Errorf("sqlvar: LastInsertId is not supported")
}

// RowsAffected returns the number of rows affected by the statement.
func (r *result) RowsAffected() (int64, error) {
	return r.rowsAffected, nil
}

// --- Rows implementation ---

// rows reads a result set of an engine statement. parent is the executed
// statement whose implicit results follow the current one.
type rows struct {
	ctx     context.Context
	parent  *engine.Stmt
	current *engine.Stmt
	columns []engine.QueryInfo
	next    *engine.Stmt // Prefetched by HasNextResultSet
	closed  bool
}

func newRows(ctx context.Context, parent, current *engine.Stmt) (*rows, error) {
	r := &rows{ctx: ctx, parent: parent}
	if err := r.setCurrent(current); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *rows) setCurrent(stmt *engine.Stmt) error {
	n, err := stmt.NumQueryColumns()
	if err != nil {
		return fmt.Errorf("sqlvar: describe failed: %w", err)
	}
	columns := make([]engine.QueryInfo, n)
	for i := range columns {
		if columns[i], err = stmt.QueryInfo(i + 1); err != nil {
			return fmt.Errorf("sqlvar: describe failed: %w", err)
		}
	}
	r.current, r.columns = stmt, columns
	return nil
}

// Columns returns the names of the columns.
func (r *rows) Columns() []string {
	names := make([]string, len(r.columns))
	for i, c := range r.columns {
		names[i] = c.Name
	}
	return names
}

// ColumnTypeDatabaseTypeName returns the declared type of column index.
func (r *rows) ColumnTypeDatabaseTypeName(index int) string {
	return r.columns[index].DeclType
}

// Close stops reading. Implicit results belong to the statement and are
// released with it.
func (r *rows) Close() error {
	r.closed = true
	return nil
}

// Next copies the next row into dest, returning io.EOF at the end.
func (r *rows) Next(dest []driver.Value) error {
	if r.closed || r.current == nil {
		return io.EOF
	}
	found, _, err := r.current.Fetch(r.ctx)
	if err != nil {
		return fmt.Errorf("sqlvar: fetch failed: %w", err)
	}
	if !found {
		return io.EOF
	}
	// Columns resolved by the first chunk replace their placeholders.
	for i := range r.columns {
		if r.columns[i].Shape == engine.ShapeUnknown {
			r.columns[i], _ = r.current.QueryInfo(i + 1)
		}
	}
	for i := range dest {
		native, data, err := r.current.QueryValue(i + 1)
		if err != nil {
			return fmt.Errorf("sqlvar: fetch failed: %w", err)
		}
		if dest[i], err = driverValue(r.ctx, r.columns[i].Shape, native, data); err != nil {
			return err
		}
	}
	return nil
}

// HasNextResultSet reports whether another implicit result follows.
func (r *rows) HasNextResultSet() bool {
	if r.parent == nil || r.closed {
		return false
	}
	if r.next == nil {
		r.next, _ = r.parent.GetImplicitResult()
	}
	return r.next != nil
}

// NextResultSet advances to the next implicit result.
func (r *rows) NextResultSet() error {
	if !r.HasNextResultSet() {
		return io.EOF
	}
	next := r.next
	r.next = nil
	return r.setCurrent(next)
}
