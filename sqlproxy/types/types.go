package types

import (
	"fmt"
	"time"
)

// --- Structures exchanged between the engine and the host ---

// StatementKind classifies prepared text.
type StatementKind int

const (
	StatementUnknown StatementKind = iota
	StatementSelect
	StatementInsert
	StatementUpdate
	StatementDelete
	StatementMerge
	StatementCreate
	StatementDrop
	StatementAlter
	StatementTruncate
	StatementBlock // anonymous block or procedure call
	StatementCall
	StatementCommit
	StatementRollback
)

func (k StatementKind) String() string {
	switch k {
	case StatementSelect:
		return "SELECT"
	case StatementInsert:
		return "INSERT"
	case StatementUpdate:
		return "UPDATE"
	case StatementDelete:
		return "DELETE"
	case StatementMerge:
		return "MERGE"
	case StatementCreate:
		return "CREATE"
	case StatementDrop:
		return "DROP"
	case StatementAlter:
		return "ALTER"
	case StatementTruncate:
		return "TRUNCATE"
	case StatementBlock:
		return "BEGIN"
	case StatementCall:
		return "CALL"
	case StatementCommit:
		return "COMMIT"
	case StatementRollback:
		return "ROLLBACK"
	}
	return "UNKNOWN"
}

// IsQuery reports whether the statement produces a result set.
func (k StatementKind) IsQuery() bool { return k == StatementSelect }

// IsDML reports whether the statement modifies rows.
func (k StatementKind) IsDML() bool {
	return k == StatementInsert || k == StatementUpdate || k == StatementDelete || k == StatementMerge
}

// IsDDL reports whether the statement changes the schema.
func (k StatementKind) IsDDL() bool {
	return k == StatementCreate || k == StatementDrop || k == StatementAlter || k == StatementTruncate
}

// IsPLSQL reports whether the statement is a procedure call.
func (k StatementKind) IsPLSQL() bool { return k == StatementBlock || k == StatementCall }

// StatementInfo is returned by the host for 'prepare'.
type StatementInfo struct {
	ID        string        `json:"id"`
	Kind      StatementKind `json:"kind"`
	BindNames []string      `json:"bind_names"` // Unique, in order of first appearance
	// ReturningBinds names the OUT placeholders of a RETURNING ... INTO clause.
	ReturningBinds []string `json:"returning_binds,omitempty"`
	Procedure      string   `json:"procedure,omitempty"`
}

// IsReturning reports whether the statement is DML with a RETURNING INTO clause.
func (s *StatementInfo) IsReturning() bool { return len(s.ReturningBinds) > 0 }

// ColumnInfo describes one column of a result set. DeclType is empty when
// the host could not determine a declared type before the first fetch.
type ColumnInfo struct {
	Name     string `json:"name"`
	DeclType string `json:"decl_type"`
	Nullable bool   `json:"nullable"`
}

// BindValue carries one bound placeholder. Array binds set IsArray and
// fill Values instead of Value.
type BindValue struct {
	Name    string `json:"name"`
	Value   any    `json:"value,omitempty"`
	Values  []any  `json:"values,omitempty"`
	IsArray bool   `json:"is_array,omitempty"`
	// Cursor asks the host to open a cursor into this placeholder.
	Cursor bool `json:"cursor,omitempty"`
}

// ExecRequest defines the structure of an 'exec' call. Iterations holds one
// bind set per execution for array DML; a single execution has one entry.
type ExecRequest struct {
	StatementID     string        `json:"stmt_id"`
	Iterations      [][]BindValue `json:"iterations"`
	DescribeOnly    bool          `json:"describe_only,omitempty"`
	CommitOnSuccess bool          `json:"commit_on_success,omitempty"`
	SubscriptionID  uint64        `json:"subscription_id,omitempty"`
}

// OutValue is the value of a placeholder after execution.
type OutValue struct {
	Value   any   `json:"value,omitempty"`
	Values  []any `json:"values,omitempty"`
	IsArray bool  `json:"is_array,omitempty"`
}

// CursorRef references an open server-side cursor.
type CursorRef struct {
	ID      string       `json:"id"`
	Columns []ColumnInfo `json:"columns"`
}

// ExecResult defines the structure of responses from 'exec'.
type ExecResult struct {
	Columns      []ColumnInfo `json:"columns,omitempty"`
	CursorID     string       `json:"cursor_id,omitempty"`
	RowsAffected int64        `json:"rows_affected"`
	// RowCounts holds the rows affected by each iteration.
	RowCounts       []int64             `json:"row_counts,omitempty"`
	Out             map[string]OutValue `json:"out,omitempty"`
	Returning       map[string][]any    `json:"returning,omitempty"`
	ImplicitResults []CursorRef         `json:"implicit_results,omitempty"`
	QueryID         uint64              `json:"query_id,omitempty"`
}

// Chunk is one window of fetched rows. Columns is set on the first chunk of
// a cursor once late-bound column types are resolved.
type Chunk struct {
	Columns []ColumnInfo `json:"columns,omitempty"`
	Rows    [][]any      `json:"rows"`
	More    bool         `json:"more"`
}

// LobKind names the large object families.
type LobKind string

const (
	LobClob  LobKind = "CLOB"
	LobNClob LobKind = "NCLOB"
	LobBlob  LobKind = "BLOB"
	LobBfile LobKind = "BFILE"
)

// IsCharacter reports whether sizes and offsets count characters.
func (k LobKind) IsCharacter() bool { return k == LobClob || k == LobNClob }

// LobLocator addresses large object content. Temporary content is
// addressed by ID, file locators by directory and file name.
type LobLocator struct {
	ID   string  `json:"id,omitempty"`
	Kind LobKind `json:"kind"`
	Dir  string  `json:"dir,omitempty"`
	File string  `json:"file,omitempty"`
}

// IsFile reports whether the locator points at an external file.
func (l LobLocator) IsFile() bool { return l.Kind == LobBfile }

// RowidValue locates a row of a table.
type RowidValue struct {
	ObjectNum uint32 `json:"object_num"`
	RowNum    int64  `json:"row_num"`
}

// ObjectValue is an instance of a named object type. Records fill
// Attributes; collections fill Elements in ascending index order.
type ObjectValue struct {
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Elements   []IndexedValue `json:"elements,omitempty"`
}

// IndexedValue is one element of a collection.
type IndexedValue struct {
	Index int32 `json:"index"`
	Value any   `json:"value"`
}

// AttributeInfo describes one attribute of a record type.
type AttributeInfo struct {
	TypeName string `json:"type_name" db:"type_name"`
	Position int    `json:"position" db:"position"`
	Name     string `json:"name" db:"name"`
	DeclType string `json:"decl_type" db:"decl_type"`
}

// ObjectTypeInfo describes a named object type.
type ObjectTypeInfo struct {
	Schema       string          `json:"schema" db:"schema_name"`
	Name         string          `json:"name" db:"name"`
	IsCollection bool            `json:"is_collection" db:"is_collection"`
	ElementType  string          `json:"element_type,omitempty" db:"element_type"`
	Attributes   []AttributeInfo `json:"attributes,omitempty" db:"-"`
}

// FullName returns SCHEMA.NAME.
func (t *ObjectTypeInfo) FullName() string {
	return t.Schema + "." + t.Name
}

// Xid identifies a distributed transaction branch.
type Xid struct {
	FormatID            int64  `json:"format_id"`
	GlobalTransactionID []byte `json:"gtrid"`
	BranchQualifier     []byte `json:"bqual"`
}

func (x Xid) String() string {
	return fmt.Sprintf("%d.%x.%x", x.FormatID, x.GlobalTransactionID, x.BranchQualifier)
}

// SubscribeRequest registers interest in change notifications.
type SubscribeRequest struct {
	Name string `json:"name"`
	// Rows asks for row level detail, Query for query level grouping.
	Rows  bool `json:"rows"`
	Query bool `json:"query"`
	// Operations limits notifications to these table operations; zero means all.
	Operations uint32        `json:"operations"`
	Timeout    time.Duration `json:"timeout"`
	SigningKey []byte        `json:"-"`
}

// ServerError is the opaque refusal the host reports for a failed call.
type ServerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Offset  int    `json:"offset,omitempty"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("SQV-%05d: %s", e.Code, e.Message)
}
