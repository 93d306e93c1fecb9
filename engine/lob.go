package engine

import (
	"context"
	"io"
	"unicode/utf8"

	"github.com/tomyedwab/sqlvar/sqlproxy/types"
)

// Lob is a handle to large object content kept by the server. Temporary
// content lives until the handle is released. File locators reference
// content outside the database and are read-only.
type Lob struct {
	conn      *Conn
	shape     Shape
	loc       types.LobLocator
	temporary bool // Content is freed on release
	open      bool
	released  bool
}

func newLob(c *Conn, loc types.LobLocator, temporary bool) *Lob {
	return &Lob{conn: c, shape: shapeForLobKind(loc.Kind), loc: loc, temporary: temporary}
}

// NewTempLob creates empty temporary content of a CLOB, NCLOB or BLOB
// shape.
func (c *Conn) NewTempLob(ctx context.Context, shape Shape) (*Lob, error) {
	const fn = "Conn.NewTempLob"
	if err := c.check(fn); err != nil {
		return nil, err
	}
	if shape != ShapeClob && shape != ShapeNClob && shape != ShapeBlob {
		return nil, c.record(newError(KindInvalidShape, fn, "check shape", "%s is not a temporary LOB shape", shape))
	}
	loc, err := c.server.CreateTempLob(ctx, shape.lobKind())
	if err != nil {
		return nil, c.record(serverRejected(fn, "create temporary LOB", err))
	}
	return newLob(c, loc, true), nil
}

func (l *Lob) check(fn string) error {
	if l == nil || l.released {
		return newError(KindInvalidHandle, fn, "check LOB", "LOB has been released")
	}
	return nil
}

func (l *Lob) record(err error) error {
	if l == nil {
		return err
	}
	return l.conn.record(err)
}

func (l *Lob) checkWritable(fn string) error {
	if err := l.check(fn); err != nil {
		return err
	}
	if l.shape == ShapeBfile {
		return newError(KindTypeMismatch, fn, "check LOB", "file LOBs are read-only")
	}
	return nil
}

// Shape returns the shape of the content.
func (l *Lob) Shape() Shape { return l.shape }

// IsTemporary reports whether the content is freed with the handle.
func (l *Lob) IsTemporary() bool { return l.temporary }

// GetSize returns the length of the content: characters for CLOB and
// NCLOB, bytes otherwise. The content itself is not read.
func (l *Lob) GetSize(ctx context.Context) (int64, error) {
	const fn = "Lob.GetSize"
	if err := l.check(fn); err != nil {
		return 0, l.record(err)
	}
	size, err := l.conn.server.LobSize(ctx, l.loc)
	if err != nil {
		return 0, l.record(serverRejected(fn, "get size", err))
	}
	return size, nil
}

// GetChunkSize returns the preferred read/write unit.
func (l *Lob) GetChunkSize() (int, error) {
	if err := l.check("Lob.GetChunkSize"); err != nil {
		return 0, l.record(err)
	}
	return l.conn.server.LobChunkSize(), nil
}

// ReadBytes reads up to amount units starting at the 1-based offset.
// Character content is returned UTF-8 encoded.
func (l *Lob) ReadBytes(ctx context.Context, offset, amount int64) ([]byte, error) {
	const fn = "Lob.ReadBytes"
	if err := l.check(fn); err != nil {
		return nil, l.record(err)
	}
	if offset < 1 || amount < 0 {
		return nil, l.record(newError(KindOutOfBounds, fn, "check range",
			"offset %d and amount %d are out of range", offset, amount))
	}
	data, err := l.conn.server.ReadLob(ctx, l.loc, offset, amount)
	if err != nil {
		return nil, l.record(serverRejected(fn, "read", err))
	}
	return data, nil
}

// WriteBytes writes buf starting at the 1-based offset.
func (l *Lob) WriteBytes(ctx context.Context, offset int64, buf []byte) error {
	const fn = "Lob.WriteBytes"
	if err := l.checkWritable(fn); err != nil {
		return l.record(err)
	}
	if offset < 1 {
		return l.record(newError(KindOutOfBounds, fn, "check range", "offset %d is out of range", offset))
	}
	if l.shape != ShapeBlob && !utf8.Valid(buf) {
		return l.record(newError(KindTypeMismatch, fn, "check content", "character content is not valid UTF-8"))
	}
	if err := l.conn.server.WriteLob(ctx, l.loc, offset, buf); err != nil {
		return l.record(serverRejected(fn, "write", err))
	}
	return nil
}

// SetFromBytes replaces the entire content with buf.
func (l *Lob) SetFromBytes(ctx context.Context, buf []byte) error {
	const fn = "Lob.SetFromBytes"
	if err := l.checkWritable(fn); err != nil {
		return l.record(err)
	}
	if l.shape != ShapeBlob && !utf8.Valid(buf) {
		return l.record(newError(KindTypeMismatch, fn, "check content", "character content is not valid UTF-8"))
	}
	if err := l.conn.server.TrimLob(ctx, l.loc, 0); err != nil {
		return l.record(serverRejected(fn, "truncate", err))
	}
	if len(buf) == 0 {
		return nil
	}
	if err := l.conn.server.WriteLob(ctx, l.loc, 1, buf); err != nil {
		return l.record(serverRejected(fn, "write", err))
	}
	return nil
}

// Trim shortens the content to newSize units.
func (l *Lob) Trim(ctx context.Context, newSize int64) error {
	const fn = "Lob.Trim"
	if err := l.checkWritable(fn); err != nil {
		return l.record(err)
	}
	if newSize < 0 {
		return l.record(newError(KindOutOfBounds, fn, "check size", "size %d is negative", newSize))
	}
	if err := l.conn.server.TrimLob(ctx, l.loc, newSize); err != nil {
		return l.record(serverRejected(fn, "trim", err))
	}
	return nil
}

// OpenResource marks the LOB open for a series of operations.
func (l *Lob) OpenResource() error {
	const fn = "Lob.OpenResource"
	if err := l.check(fn); err != nil {
		return l.record(err)
	}
	if l.open {
		return l.record(newError(KindInvalidState, fn, "open", "LOB is already open"))
	}
	l.open = true
	return nil
}

// CloseResource ends a series of operations started by OpenResource.
func (l *Lob) CloseResource() error {
	const fn = "Lob.CloseResource"
	if err := l.check(fn); err != nil {
		return l.record(err)
	}
	if !l.open {
		return l.record(newError(KindInvalidState, fn, "close", "LOB is not open"))
	}
	l.open = false
	return nil
}

// IsResourceOpen reports whether OpenResource is in effect.
func (l *Lob) IsResourceOpen() (bool, error) {
	if err := l.check("Lob.IsResourceOpen"); err != nil {
		return false, l.record(err)
	}
	return l.open, nil
}

// Copy returns a new handle. Temporary content is duplicated; file
// locators are shared.
func (l *Lob) Copy(ctx context.Context) (*Lob, error) {
	const fn = "Lob.Copy"
	if err := l.check(fn); err != nil {
		return nil, l.record(err)
	}
	if l.shape == ShapeBfile {
		return newLob(l.conn, l.loc, false), nil
	}
	cp, err := l.conn.NewTempLob(ctx, l.shape)
	if err != nil {
		return nil, err
	}
	size, err := l.GetSize(ctx)
	if err != nil {
		cp.Release()
		return nil, err
	}
	if size > 0 {
		data, err := l.ReadBytes(ctx, 1, size)
		if err == nil {
			err = cp.WriteBytes(ctx, 1, data)
		}
		if err != nil {
			cp.Release()
			return nil, err
		}
	}
	return cp, nil
}

// SetDirectoryAndFileName turns the handle into a read-only locator for
// file in the server directory dir. Temporary content the handle owned is
// freed.
func (l *Lob) SetDirectoryAndFileName(ctx context.Context, dir, file string) error {
	const fn = "Lob.SetDirectoryAndFileName"
	if err := l.check(fn); err != nil {
		return l.record(err)
	}
	if dir == "" || file == "" {
		return l.record(newError(KindOutOfBounds, fn, "check locator", "directory and file name are required"))
	}
	if l.temporary {
		if err := l.conn.server.FreeTempLob(ctx, l.loc); err != nil {
			return l.record(serverRejected(fn, "free temporary content", err))
		}
		l.temporary = false
	}
	l.shape = ShapeBfile
	l.loc = types.LobLocator{Kind: types.LobBfile, Dir: dir, File: file}
	l.open = false
	return nil
}

// GetDirectoryAndFileName returns the location of a file LOB.
func (l *Lob) GetDirectoryAndFileName() (dir, file string, err error) {
	const fn = "Lob.GetDirectoryAndFileName"
	if err := l.check(fn); err != nil {
		return "", "", l.record(err)
	}
	if l.shape != ShapeBfile {
		return "", "", l.record(newError(KindTypeMismatch, fn, "check LOB", "%s is not a file LOB", l.shape))
	}
	return l.loc.Dir, l.loc.File, nil
}

// FileExists reports whether the file a file LOB references exists.
func (l *Lob) FileExists(ctx context.Context) (bool, error) {
	const fn = "Lob.FileExists"
	if err := l.check(fn); err != nil {
		return false, l.record(err)
	}
	if l.shape != ShapeBfile {
		return false, l.record(newError(KindTypeMismatch, fn, "check LOB", "%s is not a file LOB", l.shape))
	}
	exists, err := l.conn.server.FileExists(ctx, l.loc)
	if err != nil {
		return false, l.record(serverRejected(fn, "check file", err))
	}
	return exists, nil
}

// NewReader streams the content in chunks of GetChunkSize units.
func (l *Lob) NewReader(ctx context.Context) io.Reader {
	return &lobReader{ctx: ctx, lob: l, offset: 1}
}

type lobReader struct {
	ctx     context.Context
	lob     *Lob
	offset  int64
	pending []byte
	eof     bool
}

func (r *lobReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		chunk, err := r.lob.GetChunkSize()
		if err != nil {
			return 0, err
		}
		data, err := r.lob.ReadBytes(r.ctx, r.offset, int64(chunk))
		if err != nil {
			return 0, err
		}
		units := int64(len(data))
		if r.lob.shape != ShapeBlob && r.lob.shape != ShapeBfile {
			units = int64(utf8.RuneCount(data))
		}
		if units < int64(chunk) {
			r.eof = true
		}
		r.offset += units
		r.pending = data
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// Release frees the handle and any temporary content it owns.
func (l *Lob) Release() error {
	const fn = "Lob.Release"
	if err := l.check(fn); err != nil {
		return l.record(err)
	}
	if l.temporary && !l.conn.closed {
		if err := l.conn.server.FreeTempLob(context.Background(), l.loc); err != nil {
			return l.record(serverRejected(fn, "free temporary content", err))
		}
	}
	l.released = true
	return nil
}
