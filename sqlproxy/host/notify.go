package host

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/tomyedwab/sqlvar/events"
	"github.com/tomyedwab/sqlvar/rowid"
	"github.com/tomyedwab/sqlvar/sqlproxy/types"
)

// change is one row or table change recorded by the update hook.
type change struct {
	table  string
	op     events.Operation
	rowNum int64 // -1 for table level changes
}

type subscription struct {
	id       uint64
	req      types.SubscribeRequest
	callback func([]byte)
	queries  map[uint64][]string // Query id to the tables it reads
	timer    *time.Timer
}

// registeredQuery is a query id and the tables the query reads.
type registeredQuery struct {
	id     uint64
	tables []string
}

// target is a subscription as it was registered when a transaction
// committed.
type target struct {
	sub     *subscription
	queries []registeredQuery // Ascending by id
}

// delivery is one item of work for the dispatcher.
type delivery struct {
	changes []change
	txID    []byte
	targets []target
	// deregister is set when sub is going away.
	deregister *subscription
}

// notifier turns committed changes into notification payloads. Payloads
// are delivered from a single dispatcher goroutine, so callbacks never run
// on the goroutine that committed.
type notifier struct {
	host *SQLHost

	mu          sync.Mutex
	subs        map[uint64]*subscription
	nextSubID   uint64
	nextQueryID uint64
	queue       []delivery
	stopped     bool

	signal chan struct{}
	done   chan struct{}
}

func newNotifier(h *SQLHost) *notifier {
	n := &notifier{
		host:   h,
		subs:   make(map[uint64]*subscription),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	for _, sub := range n.subs {
		if sub.timer != nil {
			sub.timer.Stop()
		}
	}
	close(n.signal)
	n.mu.Unlock()
	<-n.done
}

func (n *notifier) enqueue(d delivery) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	if d.deregister == nil {
		d.targets = n.targetsLocked()
	}
	n.queue = append(n.queue, d)
	select {
	case n.signal <- struct{}{}:
	default:
	}
	n.mu.Unlock()
}

// targetsLocked snapshots the current subscriptions and their queries.
// Callers hold n.mu.
func (n *notifier) targetsLocked() []target {
	targets := make([]target, 0, len(n.subs))
	for _, sub := range n.subs {
		t := target{sub: sub}
		for id, tables := range sub.queries {
			t.queries = append(t.queries, registeredQuery{id: id, tables: append([]string(nil), tables...)})
		}
		sort.Slice(t.queries, func(i, j int) bool { return t.queries[i].id < t.queries[j].id })
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].sub.id < targets[j].sub.id })
	return targets
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		_, ok := <-n.signal
		n.mu.Lock()
		queue := n.queue
		n.queue = nil
		n.mu.Unlock()
		for _, d := range queue {
			n.deliver(d)
		}
		if !ok {
			return
		}
	}
}

func (n *notifier) subscribe(req types.SubscribeRequest, callback func([]byte)) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextSubID++
	sub := &subscription{
		id:       n.nextSubID,
		req:      req,
		callback: callback,
		queries:  make(map[uint64][]string),
	}
	n.subs[sub.id] = sub
	if req.Timeout > 0 {
		sub.timer = time.AfterFunc(req.Timeout, func() {
			n.unsubscribe(sub.id)
		})
	}
	return sub.id
}

func (n *notifier) unsubscribe(id uint64) bool {
	n.mu.Lock()
	sub, ok := n.subs[id]
	if ok {
		delete(n.subs, id)
		if sub.timer != nil {
			sub.timer.Stop()
		}
	}
	n.mu.Unlock()
	if ok {
		n.enqueue(delivery{deregister: sub})
	}
	return ok
}

func (n *notifier) registerQuery(subID uint64, tables []string) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	sub, ok := n.subs[subID]
	if !ok {
		return 0, &types.ServerError{Code: 29970, Message: "subscription is not registered"}
	}
	if !sub.req.Query {
		return 0, &types.ServerError{Code: 29970, Message: "subscription does not track queries"}
	}
	n.nextQueryID++
	sub.queries[n.nextQueryID] = tables
	return n.nextQueryID, nil
}

func (n *notifier) deliver(d delivery) {
	if d.deregister != nil {
		n.send(d.deregister, &events.Message{Type: events.EventDeregister})
		return
	}

	for _, t := range d.targets {
		sub := t.sub
		msg, err := n.buildMessage(t, d)
		if err != nil {
			n.host.logger.Error("Failed to build notification", "subscription", sub.id, "error", err)
			msg = &events.Message{
				Type: events.EventObjChange,
				Error: &events.ErrorInfo{
					Code:    20000,
					Message: err.Error(),
					FnName:  "dispatch",
					Action:  "resolve row ids",
				},
			}
		}
		if msg == nil {
			continue
		}
		msg.TxID = d.txID
		n.send(sub, msg)
	}
}

func (n *notifier) send(sub *subscription, msg *events.Message) {
	msg.DBName = n.host.config.DBName
	msg.SubscriptionID = sub.id
	msg.Timestamp = time.Now().UTC()

	var payload []byte
	var err error
	if len(sub.req.SigningKey) > 0 {
		payload, err = events.Sign(msg, sub.req.SigningKey)
	} else {
		payload, err = events.Encode(msg)
	}
	if err != nil {
		n.host.logger.Error("Failed to encode notification", "subscription", sub.id, "error", err)
		return
	}
	n.host.logger.Debug("Delivering notification", "subscription", sub.id, "type", msg.Type.String())
	sub.callback(payload)
}

// buildMessage returns nil when nothing sub watches changed.
func (n *notifier) buildMessage(t target, d delivery) (*events.Message, error) {
	sub := t.sub
	var changes []change
	for _, c := range d.changes {
		if sub.req.Operations == 0 || uint32(c.op)&sub.req.Operations != 0 {
			changes = append(changes, c)
		}
	}
	if len(changes) == 0 {
		return nil, nil
	}
	tables, err := n.buildTables(sub, changes)
	if err != nil {
		return nil, err
	}

	if !sub.req.Query {
		return &events.Message{Type: events.EventObjChange, Tables: tables}, nil
	}

	msg := &events.Message{Type: events.EventQueryChange}
	for _, rq := range t.queries {
		q := events.Query{ID: rq.id}
		for _, table := range tables {
			if contains(rq.tables, tableName(table.Name)) {
				q.Tables = append(q.Tables, table)
				q.Operation |= table.Operation
			}
		}
		if len(q.Tables) > 0 {
			msg.Queries = append(msg.Queries, q)
		}
	}
	if len(msg.Queries) == 0 {
		return nil, nil
	}
	return msg, nil
}

// buildTables groups changes by table in order of first change.
func (n *notifier) buildTables(sub *subscription, changes []change) ([]events.Table, error) {
	var tables []events.Table
	index := map[string]int{}
	rowCounts := map[string]int{}
	for _, c := range changes {
		i, ok := index[c.table]
		if !ok {
			i = len(tables)
			index[c.table] = i
			tables = append(tables, events.Table{Name: n.host.config.Schema + "." + c.table})
		}
		t := &tables[i]
		t.Operation |= c.op
		if !rowid.InRange(c.rowNum) {
			t.Operation |= events.OpAllRows
			continue
		}
		rowCounts[c.table]++
		if !sub.req.Rows || t.Operation.Has(events.OpAllRows) {
			continue
		}
		if rowCounts[c.table] > n.host.config.MaxRowsPerTable {
			t.Operation |= events.OpAllRows
			t.Rows = nil
			continue
		}
		num, err := n.host.objectNum(context.Background(), c.table)
		if err != nil {
			return nil, err
		}
		t.Rows = append(t.Rows, events.Row{
			Rowid:     rowid.FromRow(num, c.rowNum).String(),
			Operation: c.op,
		})
	}
	for i := range tables {
		if !sub.req.Rows {
			tables[i].Operation |= events.OpAllRows
		}
		if tables[i].Operation.Has(events.OpAllRows) {
			tables[i].Rows = nil
		}
	}
	return tables, nil
}

func tableName(qualified string) string {
	if i := strings.LastIndexByte(qualified, '.'); i >= 0 {
		return qualified[i+1:]
	}
	return qualified
}

// Subscribe registers callback for change notifications. Callbacks run on
// the host's dispatcher goroutine.
func (s *Session) Subscribe(ctx context.Context, req types.SubscribeRequest, callback func([]byte)) (uint64, error) {
	if callback == nil {
		return 0, &types.ServerError{Code: 29970, Message: "subscription needs a callback"}
	}
	id := s.host.notifier.subscribe(req, callback)
	s.host.logger.Debug("Subscription registered", "subscription", id, "name", req.Name)
	return id, nil
}

// Unsubscribe removes a subscription. Its callback receives a final
// deregistration message.
func (s *Session) Unsubscribe(ctx context.Context, id uint64) error {
	if !s.host.notifier.unsubscribe(id) {
		return &types.ServerError{Code: 29970, Message: "subscription is not registered"}
	}
	return nil
}

func (s *Session) addPending(c change) {
	s.pendingMu.Lock()
	s.pending = append(s.pending, c)
	s.pendingMu.Unlock()
}

func (s *Session) onUpdate(op int, db, table string, rowNum int64) {
	if db == "temp" {
		return
	}
	s.xaWrites++
	if isInternalTable(table) {
		return
	}
	var kind events.Operation
	switch op {
	case sqlite3.SQLITE_INSERT:
		kind = events.OpInsert
	case sqlite3.SQLITE_UPDATE:
		kind = events.OpUpdate
	case sqlite3.SQLITE_DELETE:
		kind = events.OpDelete
	default:
		return
	}
	s.addPending(change{table: strings.ToUpper(table), op: kind, rowNum: rowNum})
}

func (s *Session) onCommit() int {
	s.pendingMu.Lock()
	changes := s.pending
	s.pending = nil
	s.pendingMu.Unlock()
	if len(changes) > 0 {
		txID := uuid.New()
		s.host.notifier.enqueue(delivery{changes: changes, txID: txID[:]})
	}
	return 0
}

func (s *Session) onRollback() {
	s.pendingMu.Lock()
	s.pending = nil
	s.pendingMu.Unlock()
}
