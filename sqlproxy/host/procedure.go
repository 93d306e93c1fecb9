package host

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tomyedwab/sqlvar/sqlproxy/types"
)

// Procedure implements a stored procedure or function. Procedures run on
// the calling session inside its transaction.
type Procedure func(ctx context.Context, call *Call) error

// Arg is one argument of a procedure call. Every argument bound to a
// placeholder is IN/OUT: the procedure reads Value (or Values for arrays)
// and may replace it with Set or SetArray.
type Arg struct {
	Name    string // Placeholder name, empty for literals
	Value   any
	Values  []any
	IsArray bool

	cursor bool
	out    *types.OutValue
}

// Set replaces the value returned to the caller.
func (a *Arg) Set(v any) {
	a.out = &types.OutValue{Value: v}
}

// SetArray replaces the array returned to the caller.
func (a *Arg) SetArray(values []any) {
	a.out = &types.OutValue{Values: values, IsArray: true}
}

// IsNull reports whether the argument was passed as null.
func (a *Arg) IsNull() bool {
	return !a.IsArray && a.Value == nil
}

// Int64 returns the argument as an integer.
func (a *Arg) Int64() (int64, error) {
	switch v := a.Value.(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("argument %s is %T, not a number", a.Name, a.Value)
}

// String returns the argument as text.
func (a *Arg) String() string {
	switch v := a.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(a.Value)
}

// Object returns the argument as an object instance.
func (a *Arg) Object() (*types.ObjectValue, error) {
	obj, ok := a.Value.(*types.ObjectValue)
	if !ok {
		return nil, fmt.Errorf("argument %s is %T, not an object", a.Name, a.Value)
	}
	return obj, nil
}

// Call is one invocation of a Procedure.
type Call struct {
	Name string
	Args []*Arg
	// Return receives the result of a function call; nil for procedures.
	Return *Arg

	session *Session
	results []types.CursorRef
}

// Exec runs a statement on the calling session. Placeholders use SQLite
// syntax.
func (c *Call) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.session.conn.ExecContext(ctx, query, args...)
}

// Select scans all rows of a query into dest using sqlx.
func (c *Call) Select(ctx context.Context, dest any, query string, args ...any) error {
	return c.session.conn.SelectContext(ctx, dest, query, args...)
}

// Get scans a single row into dest using sqlx.
func (c *Call) Get(ctx context.Context, dest any, query string, args ...any) error {
	return c.session.conn.GetContext(ctx, dest, query, args...)
}

// ReturnResult opens a cursor for query and queues it as an implicit
// result of the call. Results are surfaced to the caller in the order they
// are returned.
func (c *Call) ReturnResult(ctx context.Context, query string, args ...any) error {
	cur, err := c.session.openCursor(ctx, query, args...)
	if err != nil {
		return err
	}
	c.results = append(c.results, types.CursorRef{ID: cur.id, Columns: cur.columns})
	return nil
}

// OpenCursor opens a cursor for query and returns it through arg, which
// must be bound to a cursor variable.
func (c *Call) OpenCursor(ctx context.Context, arg *Arg, query string, args ...any) error {
	if !arg.cursor {
		return &types.ServerError{Code: 6550, Message: fmt.Sprintf("argument %s is not a cursor", arg.Name)}
	}
	cur, err := c.session.openCursor(ctx, query, args...)
	if err != nil {
		return err
	}
	arg.out = &types.OutValue{Value: types.CursorRef{ID: cur.id, Columns: cur.columns}}
	return nil
}

// Arg returns the argument at 1-based position pos.
func (c *Call) Arg(pos int) (*Arg, error) {
	if pos < 1 || pos > len(c.Args) {
		return nil, &types.ServerError{Code: 6550, Message: fmt.Sprintf("%s takes no argument %d", c.Name, pos)}
	}
	return c.Args[pos-1], nil
}
