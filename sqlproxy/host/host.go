package host

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/tomyedwab/sqlvar/sqlproxy/types"
)

const (
	defaultSchema          = "MAIN"
	defaultMaxRowsPerTable = 100
	defaultLobChunkSize    = 8192
)

// Config holds configuration options for the SQLHost.
type Config struct {
	Logger *slog.Logger // Optional, defaults to slog.Default()
	// Schema names the default schema for object types and notification
	// table names. Optional, defaults to MAIN.
	Schema string
	// DBName is reported in notifications. Optional, defaults to the file
	// name of the database.
	DBName string
	// Directories maps directory names used by file locators to paths.
	Directories map[string]string
	// MaxRowsPerTable caps row detail in notifications; tables with more
	// changed rows are reported with OpAllRows. Optional, defaults to 100.
	MaxRowsPerTable int
	// LobChunkSize is the preferred read/write unit. Optional, defaults to 8192.
	LobChunkSize int
}

// SQLHost serves engine sessions from an SQLite database.
// It manages the object type catalog, procedures, directories and change
// notification subscriptions shared by all sessions.
type SQLHost struct {
	db     *sqlx.DB
	logger *slog.Logger
	config Config

	mu          sync.Mutex
	procedures  map[string]Procedure
	directories map[string]string
	objectTypes map[string]*types.ObjectTypeInfo
	objectNums  map[string]uint32

	notifier *notifier
}

const catalogSchema = `
CREATE TABLE IF NOT EXISTS _object_types (
	schema_name TEXT NOT NULL,
	name TEXT NOT NULL,
	is_collection INTEGER NOT NULL,
	element_type TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (schema_name, name)
);
CREATE TABLE IF NOT EXISTS _object_attributes (
	type_name TEXT NOT NULL,
	position INTEGER NOT NULL,
	name TEXT NOT NULL,
	decl_type TEXT NOT NULL,
	PRIMARY KEY (type_name, position)
);
`

// NewSQLHost creates a new SQLHost instance.
// The provided db must be an active connection to a file backed SQLite
// database opened with the sqlite3 driver.
func NewSQLHost(db *sqlx.DB, config Config) (*SQLHost, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Schema == "" {
		config.Schema = defaultSchema
	}
	config.Schema = strings.ToUpper(config.Schema)
	if config.MaxRowsPerTable <= 0 {
		config.MaxRowsPerTable = defaultMaxRowsPerTable
	}
	if config.LobChunkSize <= 0 {
		config.LobChunkSize = defaultLobChunkSize
	}
	if config.DBName == "" {
		config.DBName = "main"
	}

	if _, err := db.Exec(catalogSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize catalog: %w", err)
	}

	h := &SQLHost{
		db:          db,
		logger:      config.Logger,
		config:      config,
		procedures:  make(map[string]Procedure),
		directories: make(map[string]string),
		objectTypes: make(map[string]*types.ObjectTypeInfo),
		objectNums:  make(map[string]uint32),
	}
	for name, path := range config.Directories {
		h.directories[strings.ToUpper(name)] = path
	}
	h.notifier = newNotifier(h)
	return h, nil
}

// Open connects to the SQLite database at path in WAL mode and creates a
// host for it.
func Open(path string, config Config) (*SQLHost, error) {
	db, err := sqlx.Connect("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if config.DBName == "" {
		config.DBName = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	h, err := NewSQLHost(db, config)
	if err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

// DB returns the underlying database.
func (h *SQLHost) DB() *sqlx.DB {
	return h.db
}

// Close stops notification delivery and closes the database.
func (h *SQLHost) Close() error {
	h.notifier.stop()
	return h.db.Close()
}

// RegisterProcedure makes fn callable as name, which may be qualified with
// a package name (PKG.PROC).
func (h *SQLHost) RegisterProcedure(name string, fn Procedure) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.procedures[strings.ToUpper(name)] = fn
}

func (h *SQLHost) procedure(name string) (Procedure, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn, ok := h.procedures[name]
	return fn, ok
}

// RegisterDirectory maps a directory name used by file locators to a path.
func (h *SQLHost) RegisterDirectory(name, path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.directories[strings.ToUpper(name)] = path
}

func (h *SQLHost) directory(name string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	path, ok := h.directories[strings.ToUpper(name)]
	return path, ok
}

// qualify returns SCHEMA.NAME for name.
func (h *SQLHost) qualify(name string) (schema, typeName string) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return h.config.Schema, name
}

// objectNum returns the data object number of table, derived from the
// root page of its b-tree.
func (h *SQLHost) objectNum(ctx context.Context, table string) (uint32, error) {
	key := strings.ToUpper(table)
	h.mu.Lock()
	num, ok := h.objectNums[key]
	h.mu.Unlock()
	if ok {
		return num, nil
	}
	var rootPage int64
	err := h.db.GetContext(ctx, &rootPage,
		"SELECT rootpage FROM sqlite_master WHERE type = 'table' AND upper(name) = $1", key)
	if err != nil {
		return 0, err
	}
	num = uint32(rootPage)
	h.mu.Lock()
	h.objectNums[key] = num
	h.mu.Unlock()
	return num, nil
}

func (h *SQLHost) forgetObjectNum(table string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.objectNums, strings.ToUpper(table))
}

// rawConn runs fn with the driver connection behind conn.
func rawConn(conn *sqlx.Conn, fn func(*sqlite3.SQLiteConn) error) error {
	return conn.Raw(func(driverConn any) error {
		sc, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("host: unexpected driver connection %T", driverConn)
		}
		return fn(sc)
	})
}
