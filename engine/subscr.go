package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomyedwab/sqlvar/events"
	"github.com/tomyedwab/sqlvar/sqlproxy/types"
)

const defaultSubscrBufferSize = 64

// SubscrParams configures a change notification subscription.
type SubscrParams struct {
	Name string
	// QOSRows asks for the row ids of changed rows.
	QOSRows bool
	// QOSQuery groups changes by the registered queries they affect.
	QOSQuery bool
	// Operations limits notifications to these operations; zero means all.
	Operations events.Operation
	Timeout    time.Duration // Zero never expires
	// SigningKey, when set, makes the server sign payloads; they are
	// verified before decoding.
	SigningKey []byte
	BufferSize int // Optional, defaults to 64
}

// Subscription receives change notifications. Messages are decoded on the
// server's delivery goroutine and queued on a bounded channel; messages
// that do not fit are dropped and counted.
type Subscription struct {
	conn     *Conn
	id       uint64
	params   SubscrParams
	messages chan *events.Message
	dropped  atomic.Int64

	mu       sync.Mutex
	closed   bool // messages channel closed
	released bool
}

// NewSubscription registers a subscription with the server.
func (c *Conn) NewSubscription(ctx context.Context, params SubscrParams) (*Subscription, error) {
	const fn = "Conn.NewSubscription"
	if err := c.check(fn); err != nil {
		return nil, err
	}
	if params.BufferSize <= 0 {
		params.BufferSize = defaultSubscrBufferSize
	}
	sub := &Subscription{
		conn:     c,
		params:   params,
		messages: make(chan *events.Message, params.BufferSize),
	}
	id, err := c.server.Subscribe(ctx, types.SubscribeRequest{
		Name:       params.Name,
		Rows:       params.QOSRows,
		Query:      params.QOSQuery,
		Operations: uint32(params.Operations),
		Timeout:    params.Timeout,
		SigningKey: params.SigningKey,
	}, sub.receive)
	if err != nil {
		return nil, c.record(serverRejected(fn, "subscribe", err))
	}
	sub.id = id
	c.logger.Debug("Subscription registered", "subscription", id, "name", params.Name)
	return sub, nil
}

// receive runs on the server's delivery goroutine.
func (s *Subscription) receive(payload []byte) {
	msg, err := events.Decode(payload, s.params.SigningKey)
	if err != nil {
		s.conn.logger.Warn("Failed to decode notification", "subscription", s.id, "error", err)
		msg = &events.Message{
			SubscriptionID: s.id,
			Error: &events.ErrorInfo{
				Code:    20000,
				Message: err.Error(),
				FnName:  "Subscription.receive",
				Action:  "decode payload",
			},
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.messages <- msg:
	default:
		n := s.dropped.Add(1)
		s.conn.logger.Warn("Notification dropped", "subscription", s.id, "type", msg.Type.String(), "dropped", n)
	}
	if msg.Type == events.EventDeregister {
		s.closed = true
		close(s.messages)
	}
}

// ID returns the id the server assigned to the subscription.
func (s *Subscription) ID() uint64 { return s.id }

// Messages returns the channel notifications are delivered on. It is
// closed after the Deregister message.
func (s *Subscription) Messages() <-chan *events.Message { return s.messages }

// Dropped returns the number of messages discarded because the channel
// was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) check(fn string) error {
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		return newError(KindInvalidHandle, fn, "check subscription", "subscription has been released")
	}
	return s.conn.check(fn)
}

// PrepareStmt prepares a query whose result set is registered with the
// subscription when it is executed.
func (s *Subscription) PrepareStmt(ctx context.Context, query string) (*Stmt, error) {
	const fn = "Subscription.PrepareStmt"
	if err := s.check(fn); err != nil {
		return nil, s.conn.record(err)
	}
	stmt, err := s.conn.Prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	if !stmt.info.Kind.IsQuery() {
		stmt.Release()
		return nil, s.conn.record(newError(KindInvalidState, fn, "check statement", "only queries can be registered"))
	}
	stmt.subscr = s
	return stmt, nil
}

// Release deregisters the subscription. The server sends a Deregister
// message, after which Messages is closed.
func (s *Subscription) Release(ctx context.Context) error {
	const fn = "Subscription.Release"
	if err := s.check(fn); err != nil {
		return s.conn.record(err)
	}
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
	if err := s.conn.server.Unsubscribe(ctx, s.id); err != nil {
		return s.conn.record(serverRejected(fn, "unsubscribe", err))
	}
	return nil
}
