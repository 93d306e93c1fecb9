package engine

import (
	"github.com/tomyedwab/sqlvar/rowid"
	"github.com/tomyedwab/sqlvar/sqlproxy/types"
)

// Rowid locates one row version. It is immutable once obtained.
type Rowid struct {
	conn     *Conn
	id       rowid.ID
	str      string
	released bool
}

func newRowid(c *Conn, v types.RowidValue) *Rowid {
	id := rowid.FromRow(v.ObjectNum, v.RowNum)
	return &Rowid{conn: c, id: id, str: id.String()}
}

// ParseRowid rebuilds a row id from its string form.
func (c *Conn) ParseRowid(s string) (*Rowid, error) {
	id, err := rowid.Parse(s)
	if err != nil {
		e := newError(KindTypeMismatch, "Conn.ParseRowid", "parse row id", "%v", err)
		e.Cause = err
		return nil, c.record(e)
	}
	return &Rowid{conn: c, id: id, str: id.String()}, nil
}

func (r *Rowid) check(fn string) error {
	if r == nil || r.released {
		return newError(KindInvalidHandle, fn, "check row id", "row id has been released")
	}
	return nil
}

func (r *Rowid) record(err error) error {
	if r == nil {
		return err
	}
	return r.conn.record(err)
}

// StringValue returns the stable 18 character form.
func (r *Rowid) StringValue() (string, error) {
	if err := r.check("Rowid.StringValue"); err != nil {
		return "", r.record(err)
	}
	return r.str, nil
}

// ID returns the decoded row id.
func (r *Rowid) ID() (rowid.ID, error) {
	if err := r.check("Rowid.ID"); err != nil {
		return rowid.ID{}, r.record(err)
	}
	return r.id, nil
}

func (r *Rowid) value() types.RowidValue {
	return types.RowidValue{ObjectNum: r.id.ObjectNum, RowNum: r.id.RowNum()}
}

// Release frees the row id.
func (r *Rowid) Release() error {
	if err := r.check("Rowid.Release"); err != nil {
		return r.record(err)
	}
	r.released = true
	return nil
}
