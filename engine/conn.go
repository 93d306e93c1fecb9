// Package engine binds typed variables to statements, executes them
// against a server and fetches results into variable buffers in chunks.
//
// A Conn and everything created from it (variables, statements, objects,
// LOBs) belong to one goroutine at a time.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/tomyedwab/sqlvar/sqlproxy/types"
)

const (
	defaultFetchArraySize = 100
	maxXidLength          = 64
)

// Server is the database side of a connection. Each method is one round
// trip.
type Server interface {
	Prepare(ctx context.Context, query string) (*types.StatementInfo, error)
	Execute(ctx context.Context, req *types.ExecRequest) (*types.ExecResult, error)
	Fetch(ctx context.Context, cursorID string, maxRows int) (*types.Chunk, error)
	CloseCursor(ctx context.Context, cursorID string) error
	CloseStatement(ctx context.Context, id string) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	BeginDistrib(ctx context.Context, xid types.Xid) error
	PrepareDistrib(ctx context.Context) (bool, error)

	ObjectType(ctx context.Context, name string) (*types.ObjectTypeInfo, error)

	CreateTempLob(ctx context.Context, kind types.LobKind) (types.LobLocator, error)
	LobSize(ctx context.Context, loc types.LobLocator) (int64, error)
	ReadLob(ctx context.Context, loc types.LobLocator, offset, amount int64) ([]byte, error)
	WriteLob(ctx context.Context, loc types.LobLocator, offset int64, data []byte) error
	TrimLob(ctx context.Context, loc types.LobLocator, newSize int64) error
	FreeTempLob(ctx context.Context, loc types.LobLocator) error
	FileExists(ctx context.Context, loc types.LobLocator) (bool, error)
	LobChunkSize() int

	Subscribe(ctx context.Context, req types.SubscribeRequest, callback func([]byte)) (uint64, error)
	Unsubscribe(ctx context.Context, id uint64) error

	Ping(ctx context.Context) error
	Close() error
}

// Config holds configuration options for a Conn.
type Config struct {
	Logger *slog.Logger // Optional, defaults to slog.Default()
	// FetchArraySize is the number of rows fetched per round trip for new
	// statements. Optional, defaults to 100.
	FetchArraySize int
}

// Conn is an engine connection on top of a Server.
type Conn struct {
	server Server
	logger *slog.Logger
	config Config

	objectTypes map[string]*ObjectType
	closed      bool

	errMu   sync.Mutex
	lastErr *Error
}

// NewConn creates a connection using server.
func NewConn(server Server, config Config) *Conn {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.FetchArraySize <= 0 {
		config.FetchArraySize = defaultFetchArraySize
	}
	return &Conn{
		server:      server,
		logger:      config.Logger,
		config:      config,
		objectTypes: make(map[string]*ObjectType),
	}
}

// record keeps err as the connection's last error.
func (c *Conn) record(err error) error {
	var e *Error
	if c == nil || !errors.As(err, &e) {
		return err
	}
	c.errMu.Lock()
	c.lastErr = e
	c.errMu.Unlock()
	c.logger.Debug("Operation failed", "fn", e.FnName, "kind", e.Kind.String(), "error", e.Message)
	return err
}

// LastError returns the error of the most recent failed operation and
// clears it. It returns nil when nothing failed since the last call.
func (c *Conn) LastError() *Error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	e := c.lastErr
	c.lastErr = nil
	return e
}

func (c *Conn) check(fn string) error {
	if c.closed {
		return c.record(newError(KindInvalidHandle, fn, "check connection", "connection is closed"))
	}
	return nil
}

// Commit commits the current transaction.
func (c *Conn) Commit(ctx context.Context) error {
	const fn = "Conn.Commit"
	if err := c.check(fn); err != nil {
		return err
	}
	if err := c.server.Commit(ctx); err != nil {
		return c.record(serverRejected(fn, "commit", err))
	}
	return nil
}

// Rollback discards the current transaction.
func (c *Conn) Rollback(ctx context.Context) error {
	const fn = "Conn.Rollback"
	if err := c.check(fn); err != nil {
		return err
	}
	if err := c.server.Rollback(ctx); err != nil {
		return c.record(serverRejected(fn, "rollback", err))
	}
	return nil
}

// BeginDistribTrans starts a distributed transaction branch. The global
// transaction id and branch qualifier are limited to 64 bytes each.
func (c *Conn) BeginDistribTrans(ctx context.Context, formatID int64, gtrid, bqual []byte) error {
	const fn = "Conn.BeginDistribTrans"
	if err := c.check(fn); err != nil {
		return err
	}
	if len(gtrid) > maxXidLength {
		return c.record(newError(KindOutOfBounds, fn, "check global transaction id",
			"global transaction id is %d bytes, limit is %d", len(gtrid), maxXidLength))
	}
	if len(bqual) > maxXidLength {
		return c.record(newError(KindOutOfBounds, fn, "check branch qualifier",
			"branch qualifier is %d bytes, limit is %d", len(bqual), maxXidLength))
	}
	xid := types.Xid{
		FormatID:            formatID,
		GlobalTransactionID: append([]byte(nil), gtrid...),
		BranchQualifier:     append([]byte(nil), bqual...),
	}
	if err := c.server.BeginDistrib(ctx, xid); err != nil {
		return c.record(serverRejected(fn, "begin transaction branch", err))
	}
	return nil
}

// PrepareDistribTrans prepares the current branch. When commitNeeded is
// false the branch made no changes and is already complete.
func (c *Conn) PrepareDistribTrans(ctx context.Context) (commitNeeded bool, err error) {
	const fn = "Conn.PrepareDistribTrans"
	if err := c.check(fn); err != nil {
		return false, err
	}
	commitNeeded, err = c.server.PrepareDistrib(ctx)
	if err != nil {
		return false, c.record(serverRejected(fn, "prepare transaction branch", err))
	}
	return commitNeeded, nil
}

// Ping checks that the server is reachable.
func (c *Conn) Ping(ctx context.Context) error {
	const fn = "Conn.Ping"
	if err := c.check(fn); err != nil {
		return err
	}
	if err := c.server.Ping(ctx); err != nil {
		return c.record(serverRejected(fn, "ping", err))
	}
	return nil
}

// Close closes the server connection. Handles created from the
// connection must not be used afterwards.
func (c *Conn) Close() error {
	const fn = "Conn.Close"
	if err := c.check(fn); err != nil {
		return err
	}
	c.closed = true
	if err := c.server.Close(); err != nil {
		return c.record(serverRejected(fn, "close", err))
	}
	return nil
}
