package loader

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

// Driver names as registered with database/sql.
const (
	DriverSQLServer = "sqlserver"
	DriverPostgres  = "pgx"
)

// DetectDriver determines the database/sql driver name from a connection string.
// Returns "sqlserver" for sqlserver:// or mssql:// URIs and for ADO-style
// strings (Server=...;), and "pgx" for postgres:// or postgresql:// URIs.
func DetectDriver(connStr string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(connStr))
	switch {
	case strings.HasPrefix(lower, "sqlserver://"), strings.HasPrefix(lower, "mssql://"):
		return DriverSQLServer, nil
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DriverPostgres, nil
	case isADOString(lower):
		return DriverSQLServer, nil
	default:
		return "", fmt.Errorf("cannot detect SQL driver from connection string (expected sqlserver://, mssql://, postgres://, or Server=...;)")
	}
}

// isADOString reports whether s looks like a key=value;... SQL Server string.
func isADOString(s string) bool {
	if !strings.Contains(s, "=") {
		return false
	}
	for _, key := range []string{"server=", "data source=", "addr=", "address="} {
		if strings.HasPrefix(s, key) || strings.Contains(s, ";"+key) {
			return true
		}
	}
	return false
}

var (
	procedureName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)
	parameterName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ValidateNames checks that the procedure and parameter names are plain
// identifiers. They are interpolated into the statement text.
func ValidateNames(procedure, parameter string) error {
	if !procedureName.MatchString(procedure) {
		return fmt.Errorf("invalid procedure name %q (must be [schema.]name)", procedure)
	}
	if !parameterName.MatchString(parameter) {
		return fmt.Errorf("invalid parameter name %q", parameter)
	}
	return nil
}

// Statement builds the driver-specific procedure call and its arguments.
func Statement(driver, procedure, parameter, value string) (string, []any, error) {
	if err := ValidateNames(procedure, parameter); err != nil {
		return "", nil, err
	}
	switch driver {
	case DriverSQLServer:
		return fmt.Sprintf("EXEC %s @%s", procedure, parameter), []any{sql.Named(parameter, value)}, nil
	case DriverPostgres:
		return fmt.Sprintf("CALL %s($1)", procedure), []any{value}, nil
	default:
		return "", nil, fmt.Errorf("unsupported driver %q for procedure call", driver)
	}
}
