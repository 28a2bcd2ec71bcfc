package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/agentd/internal/history"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Options selects the ClickHouse server and target table.
type Options struct {
	Addr     string // host:port of the native protocol
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects, pings and creates the event table if it does not exist.
func New(ctx context.Context, o Options) (*Sink, error) {
	if o.Table == "" {
		o.Table = "agentd_history"
	}
	if !tableName.MatchString(o.Table) {
		return nil, fmt.Errorf("invalid clickhouse table name %q", o.Table)
	}
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: o.Table}
	if err := s.ensureTable(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			id String,
			type LowCardinality(String),
			occurred_at DateTime64(6),
			pid UInt32,
			cmd String,
			host String,
			record String
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, pid)`)
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec, err := json.Marshal(e.Record)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, type, occurred_at, pid, cmd, host, record) VALUES (?, ?, ?, ?, ?, ?, ?)`, s.table)
	err = s.conn.Exec(ctx, query,
		e.ID,
		string(e.Type),
		e.OccurredAt,
		uint32(e.Record.PID), // #nosec G115 pids are positive and fit in 32 bits
		e.Record.Cmd,
		e.Record.Host,
		string(rec),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
