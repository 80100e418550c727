package pool

import (
	"fmt"
	"net/url"
	"strings"

	_ "github.com/denisenkom/go-mssqldb" // sqlserver driver loaded here
	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq" // postgres driver loaded here
	_ "modernc.org/sqlite" // sqlite driver loaded here
)

// DetectDriver returns sql driver name for the connection string, sqlite for file paths
func DetectDriver(dsn string) (string, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", nil
	case strings.HasPrefix(dsn, "sqlserver://"):
		return "sqlserver", nil
	case strings.HasPrefix(dsn, "mysql://") || strings.Contains(dsn, "@tcp(") || strings.Contains(dsn, "@unix("):
		return "mysql", nil
	case strings.HasPrefix(dsn, "file:") || strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") ||
		dsn == ":memory:":
		return "sqlite", nil
	}
	return "", fmt.Errorf("unsupported database type in connection string")
}

// withCredentials sets user and password in the connection string, the way the driver expects them.
// Sqlite has no credentials, connection string returned as is. Empty user keeps credentials of the dsn.
// The mysql driver takes no scheme, mysql:// prefix dropped.
func withCredentials(driver, dsn, user, password string) (string, error) {
	if driver == "mysql" {
		dsn = strings.TrimPrefix(dsn, "mysql://")
	}
	if user == "" {
		return dsn, nil
	}
	switch driver {
	case "sqlite":
		return dsn, nil
	case "mysql":
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("can't parse mysql dsn: %w", err)
		}
		cfg.User, cfg.Passwd = user, password
		return cfg.FormatDSN(), nil
	default:
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("can't parse dsn: %w", err)
		}
		u.User = url.UserPassword(user, password)
		return u.String(), nil
	}
}

// redact hides password of the connection string, for logging
func redact(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		return u.Redacted()
	}
	if cfg, err := mysql.ParseDSN(dsn); err == nil && cfg.Passwd != "" {
		cfg.Passwd = "xxxxx"
		return cfg.FormatDSN()
	}
	return dsn
}
