package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/haukened/livestats/internal/stats/domain"
	"github.com/haukened/livestats/internal/stats/services/fetcher"
)

// Error message constants for consistent error handling
const (
	errDSNRequired   = "backend DSN is required"
	errOpenFailed    = "open backend: %w"
	errEmptyTable    = "%w: empty table name"
	errBadFilter     = "%w: filter %d: %v"
	errIsValue       = "%w: is accepts null, true or false, got %v"
	errQueryFailed   = "count %s: %w"
	errNegativeCount = "count %s: negative result %d"
)

// ErrQueryShape marks errors caused by the requested table or filters
// rather than by the connection.
var ErrQueryShape = errors.New("invalid count query")

// Counter runs direct count queries against Postgres.
type Counter struct {
	db      *sql.DB
	timeout time.Duration
}

// CounterOptions configures a Counter. Exactly one of DB or DSN is used;
// DB wins when both are set.
type CounterOptions struct {
	DSN     string
	DB      *sql.DB
	Timeout time.Duration
}

// NewCounter opens the pgx database/sql driver for DSN, or wraps DB.
func NewCounter(opts CounterOptions) (*Counter, error) {
	db := opts.DB
	if db == nil {
		if opts.DSN == "" {
			return nil, errors.New(errDSNRequired)
		}
		var err error
		db, err = sql.Open("pgx", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf(errOpenFailed, err)
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Counter{db: db, timeout: opts.Timeout}, nil
}

// Count returns the number of rows of table matching every filter.
func (c *Counter) Count(ctx context.Context, table string, filters []domain.FilterPredicate) (int64, error) {
	query, args, err := BuildCountQuery(table, filters)
	if err != nil {
		return 0, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var n int64
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf(errQueryFailed, table, err)
	}
	if n < 0 {
		return 0, fmt.Errorf(errNegativeCount, table, n)
	}
	return n, nil
}

// Ping checks that the backend is reachable.
func (c *Counter) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Counter) Close() error {
	return c.db.Close()
}

// BuildCountQuery renders the SQL and positional arguments for a count.
// Identifiers are quoted; values are always bound as parameters.
func BuildCountQuery(table string, filters []domain.FilterPredicate) (string, []any, error) {
	table = strings.TrimSpace(table)
	if table == "" {
		return "", nil, fmt.Errorf(errEmptyTable, ErrQueryShape)
	}

	var b strings.Builder
	b.WriteString("SELECT count(*) FROM ")
	b.WriteString(identifier(table))

	args := make([]any, 0, len(filters))
	for i, f := range domain.SortFilters(filters) {
		if err := f.Validate(); err != nil {
			return "", nil, fmt.Errorf(errBadFilter, ErrQueryShape, i, err)
		}
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		b.WriteString(pgx.Identifier{f.Column}.Sanitize())

		switch f.Op {
		case domain.OpEquals, domain.OpNotEquals:
			op := " = "
			if f.Op == domain.OpNotEquals {
				op = " <> "
			}
			args = append(args, sqlValue(f.Value))
			fmt.Fprintf(&b, "%s$%d", op, len(args))
		case domain.OpIs:
			switch f.Value {
			case nil:
				b.WriteString(" IS NULL")
			case true:
				b.WriteString(" IS TRUE")
			case false:
				b.WriteString(" IS FALSE")
			default:
				return "", nil, fmt.Errorf(errIsValue, ErrQueryShape, f.Value)
			}
		}
	}
	return b.String(), args, nil
}

// identifier quotes a possibly schema-qualified table name.
func identifier(table string) string {
	return pgx.Identifier(strings.Split(table, ".")).Sanitize()
}

// sqlValue converts decoded JSON numbers into driver friendly values.
func sqlValue(v any) any {
	n, ok := v.(interface {
		Int64() (int64, error)
		Float64() (float64, error)
	})
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return v
}

var _ fetcher.DirectCounter = (*Counter)(nil)
