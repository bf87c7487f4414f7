package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const requestLogDDL = `
CREATE TABLE IF NOT EXISTS request_log (
    id            UUID,
    route         LowCardinality(String),
    provider      LowCardinality(String),
    model         LowCardinality(String),
    input_tokens  UInt32,
    output_tokens UInt32,
    latency_ms    Int64,
    status        UInt16,
    key_hash      String,
    created_at    DateTime
) ENGINE = MergeTree()
ORDER BY (created_at, provider)
TTL created_at + INTERVAL 90 DAY`

// ClickHouseSink inserts audit batches into the request_log table.
type ClickHouseSink struct {
	conn driver.Conn
}

// ClickHouseOptions are the connection parameters from the environment
// surface.
type ClickHouseOptions struct {
	Addr     string
	Database string
	Username string
	Password string
}

// NewClickHouseSink opens the connection, verifies it with a bounded ping,
// and ensures the request_log table exists.
func NewClickHouseSink(ctx context.Context, opts ClickHouseOptions) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: clickhouse open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("audit: clickhouse ping: %w", err)
	}

	if err := conn.Exec(ctx, requestLogDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("audit: create request_log: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

// Write inserts one batch.
func (s *ClickHouseSink) Write(ctx context.Context, events []Event) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO request_log")
	if err != nil {
		return fmt.Errorf("audit: prepare batch: %w", err)
	}
	for _, e := range events {
		if err := batch.Append(
			e.ID,
			e.Route,
			e.Provider,
			e.Model,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Status,
			e.KeyHash,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("audit: append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("audit: send batch: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
