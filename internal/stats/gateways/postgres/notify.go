package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tidwall/gjson"

	"github.com/haukened/livestats/internal/stats/common/log"
	"github.com/haukened/livestats/internal/stats/domain"
	"github.com/haukened/livestats/internal/stats/services/subscriptions"
)

// DefaultNotifyPrefix prefixes every NOTIFY channel name.
const DefaultNotifyPrefix = "livestats"

const (
	errConnectFailed = "connect for %s: %w"
	errListenFailed  = "listen on %s: %w"
	eventBuffer      = 16
)

// ListenConn is the part of *pgx.Conn a listener needs.
type ListenConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// ConnectFunc opens a dedicated connection for one listener.
type ConnectFunc func(ctx context.Context) (ListenConn, error)

// Notifier opens change-notification channels on Postgres LISTEN/NOTIFY.
// Each channel holds its own connection for as long as it is open.
type Notifier struct {
	connect ConnectFunc
	prefix  string
	logger  log.Logger
}

// NotifierOptions configures a Notifier. Connect overrides DSN and exists
// for tests.
type NotifierOptions struct {
	DSN     string
	Prefix  string
	Logger  log.Logger
	Connect ConnectFunc
}

func NewNotifier(opts NotifierOptions) (*Notifier, error) {
	connect := opts.Connect
	if connect == nil {
		if opts.DSN == "" {
			return nil, errors.New(errDSNRequired)
		}
		dsn := opts.DSN
		connect = func(ctx context.Context) (ListenConn, error) {
			conn, err := pgx.Connect(ctx, dsn)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultNotifyPrefix
	}
	return &Notifier{
		connect: connect,
		prefix:  opts.Prefix,
		logger:  log.With(log.OrNoop(opts.Logger), map[string]any{"component": "notifier"}),
	}, nil
}

// ChannelName returns the NOTIFY channel used for table.
func ChannelName(prefix, table string) string {
	t := strings.ToLower(strings.TrimSpace(table))
	return prefix + "_" + strings.ReplaceAll(t, ".", "_")
}

// Open starts listening for changes to table.
func (n *Notifier) Open(ctx context.Context, table string) (subscriptions.Channel, error) {
	name := ChannelName(n.prefix, table)
	conn, err := n.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf(errConnectFailed, name, err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{name}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf(errListenFailed, name, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	ch := &listenChannel{
		conn:   conn,
		name:   name,
		table:  table,
		events: make(chan domain.ChangeEvent, eventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
		logger: n.logger,
	}
	go ch.loop(loopCtx)

	n.logger.Debug(map[string]any{"channel": name, "table": table}, "Listening for table changes")
	return ch, nil
}

// listenChannel streams notifications from one LISTEN connection.
type listenChannel struct {
	conn   ListenConn
	name   string
	table  string
	events chan domain.ChangeEvent
	cancel context.CancelFunc
	done   chan struct{}
	logger log.Logger

	closeOnce sync.Once
	closeErr  error
}

func (c *listenChannel) Events() <-chan domain.ChangeEvent { return c.events }

func (c *listenChannel) loop(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)
	for {
		note, err := c.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn(map[string]any{"channel": c.name, "error": err}, "Change channel lost")
			}
			return
		}
		select {
		case c.events <- ParsePayload(note.Payload, c.table):
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the listener, unlistens and closes its connection. Safe to
// call twice.
func (c *listenChannel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := c.conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{c.name}.Sanitize()); err != nil {
			c.logger.Debug(map[string]any{"channel": c.name, "error": err}, "Unlisten failed")
		}
		c.closeErr = c.conn.Close(ctx)
	})
	return c.closeErr
}

// ParsePayload reads the trigger payload {"operation": ..., "table": ...}.
// Anything it cannot read is reported as a generic update of table.
func ParsePayload(payload, table string) domain.ChangeEvent {
	ev := domain.ChangeEvent{Operation: domain.OperationUpdate, Table: table}
	if !gjson.Valid(payload) {
		return ev
	}
	res := gjson.GetMany(payload, "operation", "table")
	if op, err := domain.ParseOperation(res[0].String()); err == nil {
		ev.Operation = op
	}
	if t := res[1].String(); t != "" {
		ev.Table = t
	}
	return ev
}

// TriggerSQL returns DDL that installs a statement level trigger on table
// which notifies the channel a Notifier listens on.
func TriggerSQL(prefix, table string) string {
	if prefix == "" {
		prefix = DefaultNotifyPrefix
	}
	fn := pgx.Identifier{prefix + "_notify"}.Sanitize()
	trg := pgx.Identifier{ChannelName(prefix, table) + "_trg"}.Sanitize()
	channel := strings.ReplaceAll(ChannelName(prefix, table), "'", "''")
	tbl := identifier(table)

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE OR REPLACE FUNCTION %s() RETURNS trigger LANGUAGE plpgsql AS $$\n", fn)
	b.WriteString("BEGIN\n")
	b.WriteString("  PERFORM pg_notify(TG_ARGV[0], json_build_object('operation', lower(TG_OP), 'table', TG_TABLE_NAME)::text);\n")
	b.WriteString("  RETURN NULL;\n")
	b.WriteString("END\n$$;\n")
	fmt.Fprintf(&b, "DROP TRIGGER IF EXISTS %s ON %s;\n", trg, tbl)
	fmt.Fprintf(&b, "CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s\n", trg, tbl)
	fmt.Fprintf(&b, "  FOR EACH STATEMENT EXECUTE FUNCTION %s('%s');\n", fn, channel)
	return b.String()
}

var _ subscriptions.Opener = (*Notifier)(nil)
