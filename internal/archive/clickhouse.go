// Package archive is an optional ClickHouse sink that records every parsed
// block event for offline analysis. Archive failures never affect the
// reporting pipeline.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/rs/zerolog/log"

	"github.com/fwsentry/ufw-abuse-reporter/internal/domain"
	"github.com/fwsentry/ufw-abuse-reporter/internal/retry"
)

const createTableDDL = `
CREATE TABLE IF NOT EXISTS block_events (
    timestamp     DateTime,
    src_ip        String,
    dst_ip        String,
    proto         String,
    src_port      Nullable(UInt16),
    dst_port      Nullable(UInt16),
    ttl           Nullable(UInt16),
    packet_length Nullable(UInt32),
    tos           String,
    packet_id     Nullable(UInt32),
    mac           String,
    window_size   Nullable(UInt32),
    urgent_ptr    Nullable(UInt32),
    ack           UInt8,
    syn           UInt8,
    in_interface  String,
    out_interface String
) ENGINE = MergeTree()
ORDER BY (timestamp, src_ip)`

// BatchConfig controls batching behavior
type BatchConfig struct {
	MaxSize       int
	FlushInterval time.Duration
}

// DefaultBatchConfig returns the default batching configuration
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxSize:       500,
		FlushInterval: 10 * time.Second,
	}
}

// Writer batch-inserts block events into ClickHouse
type Writer struct {
	conn     clickhouse.Conn
	cfg      BatchConfig
	retryCfg retry.Config

	batch     []*domain.BlockEvent
	lastFlush time.Time
}

// NewWriter connects to ClickHouse and ensures the events table exists
func NewWriter(host string, port int, database string, cfg BatchConfig) (*Writer, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", host, port)},
		Auth: clickhouse.Auth{
			Database: database,
			Username: "default",
			Password: "",
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	retryCfg := retry.DefaultConfig()
	ctx := context.Background()
	if err := retry.Do(ctx, retryCfg, func() error {
		return conn.Ping(ctx)
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	if err := conn.Exec(ctx, createTableDDL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create block_events table: %w", err)
	}

	log.Info().
		Str("host", host).
		Int("port", port).
		Str("database", database).
		Msg("Connected to ClickHouse archive")

	return &Writer{
		conn:      conn,
		cfg:       cfg,
		retryCfg:  retryCfg,
		batch:     make([]*domain.BlockEvent, 0, cfg.MaxSize),
		lastFlush: time.Now(),
	}, nil
}

// Write adds an event to the batch, flushing when the batch is full or the
// flush interval has elapsed.
func (w *Writer) Write(ctx context.Context, event *domain.BlockEvent) error {
	eventCopy := *event
	w.batch = append(w.batch, &eventCopy)

	if len(w.batch) >= w.cfg.MaxSize || time.Since(w.lastFlush) >= w.cfg.FlushInterval {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes all pending events
func (w *Writer) Flush(ctx context.Context) error {
	if len(w.batch) == 0 {
		return nil
	}

	snapshot := make([]*domain.BlockEvent, len(w.batch))
	copy(snapshot, w.batch)
	w.batch = w.batch[:0]
	w.lastFlush = time.Now()

	err := retry.Do(ctx, w.retryCfg, func() error {
		return w.insert(ctx, snapshot)
	})
	if err != nil {
		return fmt.Errorf("failed to flush %d events to archive: %w", len(snapshot), err)
	}

	log.Debug().Int("events", len(snapshot)).Msg("Archived block events")
	return nil
}

func (w *Writer) insert(ctx context.Context, events []*domain.BlockEvent) error {
	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO block_events")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, e := range events {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if err := batch.Append(
			ts,
			e.SrcIP,
			e.DstIP,
			e.Proto,
			e.SrcPort,
			e.DstPort,
			e.TTL,
			e.PacketLength,
			e.TOS,
			e.PacketID,
			e.MAC,
			e.WindowSize,
			e.UrgentPtr,
			boolToUint8(e.ACK),
			boolToUint8(e.SYN),
			e.InInterface,
			e.OutInterface,
		); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}

	return batch.Send()
}

// Close flushes remaining events and closes the connection
func (w *Writer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.Flush(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to flush archive batch on close")
	}

	log.Info().Msg("Closing ClickHouse archive connection")
	return w.conn.Close()
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
