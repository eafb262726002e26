package modelgateway

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/rs/zerolog/log"

	"archivecore/internal/config"
)

// clickhouseUsageSink appends one row per generate/embed call, adapting the
// teacher's internal/agentd/metrics_clickhouse.go aggregate dashboard sink
// down to a per-call ledger: no aggregation, no lookback window — just
// insert-and-forget rows for offline rate-limit auditing and cost review.
type clickhouseUsageSink struct {
	conn  clickhouse.Conn
	table string
}

// NewClickHouseUsageSink opens a connection against cfg and ensures the
// ledger table exists. Returns (nil, nil) when cfg.DSN is empty, so the
// caller can treat an unconfigured sink as "recording disabled" rather than
// an error — usage accounting is an auditing aid, not load-bearing.
func NewClickHouseUsageSink(ctx context.Context, cfg config.ClickHouseConfig) (UsageSink, error) {
	if !cfg.Enabled || cfg.DSN == "" {
		return nil, nil
	}
	opts, err := clickhouse.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}
	table := cfg.Table
	if table == "" {
		table = "model_gateway_usage"
	}
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	recorded_at DateTime,
	provider String,
	call_kind String,
	prompt_tokens UInt32,
	output_tokens UInt32,
	run_id String
) ENGINE = MergeTree()
ORDER BY recorded_at`, table)
	if err := conn.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("bootstrap usage ledger table: %w", err)
	}
	return &clickhouseUsageSink{conn: conn, table: table}, nil
}

func (s *clickhouseUsageSink) RecordUsage(ctx context.Context, provider, kind string, usage Usage, runID string) {
	err := s.conn.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (recorded_at, provider, call_kind, prompt_tokens, output_tokens, run_id) VALUES (?, ?, ?, ?, ?, ?)", s.table),
		time.Now().UTC(), provider, kind, uint32(usage.PromptTokens), uint32(usage.OutputTokens), runID)
	if err != nil {
		log.Error().Err(err).Str("component", "modelgateway").Msg("failed to record usage ledger row")
	}
}
