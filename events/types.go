package events

import (
	"strings"
	"time"
)

// EventType is the kind of notification.
type EventType int

const (
	EventNone EventType = iota
	EventStartup
	EventShutdown
	EventShutdownAny
	EventDeregister
	EventObjChange
	EventQueryChange
)

func (t EventType) String() string {
	switch t {
	case EventStartup:
		return "startup"
	case EventShutdown:
		return "shutdown"
	case EventShutdownAny:
		return "shutdown_any"
	case EventDeregister:
		return "deregister"
	case EventObjChange:
		return "objchange"
	case EventQueryChange:
		return "querychange"
	}
	return "none"
}

// Operation is a set of table or row operations.
type Operation uint32

const (
	// OpAllRows means row detail was omitted; every row may have changed.
	OpAllRows Operation = 1 << iota
	OpInsert
	OpUpdate
	OpDelete
	OpAlter
	OpDrop
)

// Has reports whether all operations in other are present in o.
func (o Operation) Has(other Operation) bool { return o&other == other }

func (o Operation) String() string {
	if o == 0 {
		return "none"
	}
	var names []string
	for _, op := range []struct {
		op   Operation
		name string
	}{
		{OpAllRows, "allrows"},
		{OpInsert, "insert"},
		{OpUpdate, "update"},
		{OpDelete, "delete"},
		{OpAlter, "alter"},
		{OpDrop, "drop"},
	} {
		if o.Has(op.op) {
			names = append(names, op.name)
		}
	}
	return strings.Join(names, "|")
}

// Row is one changed row.
type Row struct {
	Rowid     string    `json:"rowid"`
	Operation Operation `json:"operation"`
}

// Table is one changed table. Rows is empty when row detail was not
// requested or OpAllRows is set.
type Table struct {
	Name      string    `json:"name"`
	Operation Operation `json:"operation"`
	Rows      []Row     `json:"rows,omitempty"`
}

// Query groups the tables read by one registered query.
type Query struct {
	ID        uint64    `json:"id"`
	Operation Operation `json:"operation"`
	Tables    []Table   `json:"tables"`
}

// ErrorInfo describes a failure the producer could not deliver a regular
// message for.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	FnName  string `json:"fn_name,omitempty"`
	Action  string `json:"action,omitempty"`
}

// Message is a decoded notification.
type Message struct {
	Type           EventType  `json:"type"`
	DBName         string     `json:"db_name"`
	SubscriptionID uint64     `json:"subscription_id"`
	TxID           []byte     `json:"tx_id,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
	Tables         []Table    `json:"tables,omitempty"`
	Queries        []Query    `json:"queries,omitempty"`
	Error          *ErrorInfo `json:"error,omitempty"`
}

// IsError reports whether the message only carries an error condition.
func (m *Message) IsError() bool { return m.Error != nil }
