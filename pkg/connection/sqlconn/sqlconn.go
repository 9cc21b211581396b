// Package sqlconn reads inventory rows from a SQL database.
package sqlconn

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/glebarez/go-sqlite"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

// Dialect names a supported database flavour.
type Dialect string

const (
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
	MSSQL    Dialect = "mssql"
	SQLite   Dialect = "sqlite"
)

var driverNames = map[Dialect]string{
	MySQL:    "mysql",
	Postgres: "postgres",
	MSSQL:    "sqlserver",
	SQLite:   "sqlite",
}

// Dialects lists the supported dialect names.
func Dialects() []string {
	return []string{string(MySQL), string(Postgres), string(MSSQL), string(SQLite)}
}

// Row is one result row keyed by column name.
type Row map[string]interface{}

// Source is a database/sql connection to one inventory database.
type Source struct {
	Dialect      Dialect
	DSN          string
	MaxOpenConns int

	db *sql.DB
}

// Open connects and pings the database.
func (s *Source) Open(ctx context.Context) error {
	driver, ok := driverNames[s.Dialect]
	if !ok {
		return fmt.Errorf("unsupported sql dialect %q", s.Dialect)
	}

	db, err := sql.Open(driver, s.DSN)
	if err != nil {
		return fmt.Errorf("invalid dsn: %w", err)
	}

	maxOpen := s.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 2
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return err
	}

	s.db = db
	return nil
}

// DB exposes the underlying handle, nil before Open.
func (s *Source) DB() *sql.DB {
	return s.db
}

func (s *Source) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

var trailingOrderBy = regexp.MustCompile(`(?is)\s+order\s+by\s+[^()]*$`)

func limitsRows(clause string) bool {
	clause = strings.ToLower(clause)
	for _, word := range []string{" limit ", " offset ", " fetch "} {
		if strings.Contains(clause+" ", word) {
			return true
		}
	}
	return false
}

// QuoteIdent quotes a column name for dialect.
func QuoteIdent(dialect Dialect, name string) string {
	switch dialect {
	case MySQL:
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	case MSSQL:
		return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
	default:
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
}

// PagedQuery wraps query so that it returns one page of rows ordered by
// orderBy. A trailing ORDER BY of query is dropped; the outer order
// replaces it and SQL Server rejects it inside a derived table.
func PagedQuery(dialect Dialect, query, orderBy string, pageSize, offset int) string {
	base := strings.TrimRight(strings.TrimSpace(query), ";")
	if loc := trailingOrderBy.FindStringIndex(base); loc != nil && !limitsRows(base[loc[0]:]) {
		base = base[:loc[0]]
	}
	order := QuoteIdent(dialect, orderBy)
	if dialect == MSSQL {
		return fmt.Sprintf("SELECT * FROM (%s) AS fleet_page ORDER BY %s OFFSET %d ROWS FETCH NEXT %d ROWS ONLY",
			base, order, offset, pageSize)
	}
	return fmt.Sprintf("SELECT * FROM (%s) AS fleet_page ORDER BY %s LIMIT %d OFFSET %d", base, order, pageSize, offset)
}

// QueryPages runs query page by page and hands every page to fn. Pages are
// cut in orderBy order, which must be a unique column of the result. With
// a pageSize of zero the query runs once unchanged.
func (s *Source) QueryPages(ctx context.Context, query, orderBy string, pageSize int, fn func([]Row) error) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("source is not open")
	}

	if pageSize <= 0 {
		rows, err := s.query(ctx, query)
		if err != nil {
			return 0, err
		}
		if len(rows) == 0 {
			return 0, nil
		}
		return len(rows), fn(rows)
	}
	if orderBy == "" {
		return 0, fmt.Errorf("paged queries need an order column")
	}

	total := 0
	for offset := 0; ; offset += pageSize {
		rows, err := s.query(ctx, PagedQuery(s.Dialect, query, orderBy, pageSize, offset))
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			return total, nil
		}
		if err := fn(rows); err != nil {
			return total, err
		}
		total += len(rows)
		if len(rows) < pageSize {
			return total, nil
		}
	}
}

func (s *Source) query(ctx context.Context, query string) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
