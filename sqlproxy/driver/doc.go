// Package driver implements a database/sql/driver on top of the engine
// package, with a SQLite backed host as the server.
//
// Usage:
//
//  1. Import the driver package. This will register the driver with the name "sqlvar".
//     import _ "github.com/tomyedwab/sqlvar/sqlproxy/driver"
//
//  2. Open a database with the path of the SQLite file as the DSN:
//     db, err := sql.Open("sqlvar", "/var/lib/app/data.db")
//     if err != nil {
//     // handle error
//     }
//     defer db.Close()
//
//     Or share a host that procedures and directories are registered on:
//
//     db := sql.OpenDB(driver.NewConnector(h, engine.Config{}))
//
// 3. Use the *sql.DB object as usual.
//
// Placeholders are written :name or :1. Arguments passed with sql.Named
// bind by name, others by position.
//
// OUT placeholders:
//
// Procedure calls return values through sql.Out. The destination type
// selects the variable shape:
//
//	var total int64
//	db.Exec("begin :total := order_total(:id); end;", sql.Named("total", sql.Out{Dest: &total}), 42)
//
// Destinations of slice type (*[]int64, *[]float64, *[]string) bind
// arrays that grow to the number of elements returned. A *driver.Rows
// destination receives a cursor opened by the procedure; it stays
// readable until the statement is closed, so execute such calls through a
// prepared sql.Stmt.
//
// Result sets a procedure returns implicitly are read with
// sql.Rows.NextResultSet; the first one is current when Query returns.
//
// Implemented Interfaces:
//
// - driver.Driver, driver.DriverContext, driver.Connector
// - driver.Conn, driver.ConnPrepareContext, driver.ConnBeginTx, driver.Pinger
// - driver.NamedValueChecker
// - driver.Stmt, driver.StmtExecContext, driver.StmtQueryContext
// - driver.Tx, driver.Result
// - driver.Rows, driver.RowsNextResultSet, driver.RowsColumnTypeDatabaseTypeName
//
// Limitations:
//
//   - LastInsertId is not supported; use a RETURNING INTO clause.
//   - Only the default isolation level is accepted.
package driver
