package loader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"   // register "pgx" driver
	_ "github.com/microsoft/go-mssqldb" // register "sqlserver" driver
)

// DefaultProcedure is the bulk-load stored procedure invoked for each object.
const DefaultProcedure = "dbo.BulkLoadFromAzure"

// DefaultParameter is the name of the procedure parameter receiving the object name.
const DefaultParameter = "sourceFileName"

// DefaultTimeout is the command timeout for the procedure call. Bulk loads
// routinely run for minutes.
const DefaultTimeout = 180 * time.Second

// Params configures a single procedure invocation.
type Params struct {
	ConnStr   string        // database connection string
	Procedure string        // stored procedure name (default dbo.BulkLoadFromAzure)
	Parameter string        // parameter name (default sourceFileName)
	Value     string        // parameter value, the object name
	Timeout   time.Duration // command timeout (default 180s)
}

// Opener opens a database handle. sql.Open satisfies it.
type Opener func(driverName, dataSourceName string) (*sql.DB, error)

// DBError reports a failure raised by the database layer while connecting or
// executing the procedure.
type DBError struct {
	Op  string // "connect" or "exec"
	Err error
}

func (e *DBError) Error() string {
	return fmt.Sprintf("database %s: %v", e.Op, e.Err)
}

func (e *DBError) Unwrap() error {
	return e.Err
}

// IsDBError reports whether err came from the database layer.
func IsDBError(err error) bool {
	var dbErr *DBError
	return errors.As(err, &dbErr)
}

// Load opens a connection, executes the stored procedure with the object name
// bound to its parameter, and closes the connection on every path.
// Any result set is discarded.
func Load(ctx context.Context, params Params, open Opener) error {
	if params.Procedure == "" {
		params.Procedure = DefaultProcedure
	}
	if params.Parameter == "" {
		params.Parameter = DefaultParameter
	}
	if params.Timeout <= 0 {
		params.Timeout = DefaultTimeout
	}
	if open == nil {
		open = sql.Open
	}

	driver, err := DetectDriver(params.ConnStr)
	if err != nil {
		return fmt.Errorf("detecting driver: %w", err)
	}

	query, args, err := Statement(driver, params.Procedure, params.Parameter, params.Value)
	if err != nil {
		return fmt.Errorf("building statement: %w", err)
	}

	db, err := open(driver, params.ConnStr)
	if err != nil {
		return &DBError{Op: "connect", Err: err}
	}
	defer db.Close()

	// One invocation, one connection.
	db.SetMaxOpenConns(1)

	execCtx, cancel := context.WithTimeout(ctx, params.Timeout)
	defer cancel()

	conn, err := db.Conn(execCtx)
	if err != nil {
		return &DBError{Op: "connect", Err: err}
	}
	defer conn.Close()

	if _, err := conn.ExecContext(execCtx, query, args...); err != nil {
		return &DBError{Op: "exec", Err: err}
	}
	return nil
}
