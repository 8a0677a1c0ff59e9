package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/telhawk-syslog/internal/event"
)

// PostgresBackend is a durable write-through backend storing events in a
// single table keyed by partition. DropPartition deletes the whole hour
// bucket in one statement.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend wraps an existing pool. The events table is created
// by the repository migrations.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// AppendEvent inserts the event row.
func (b *PostgresBackend) AppendEvent(ctx context.Context, partitionKey string, ev *event.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var sd []byte
	if ev.StructuredData != nil {
		var err error
		sd, err = json.Marshal(ev.StructuredData)
		if err != nil {
			return fmt.Errorf("marshal structured data: %w", err)
		}
	}
	tags, err := json.Marshal(ev.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	query := `
		INSERT INTO events
		(id, partition_key, source_address, received_at, facility, severity,
		 device_timestamp, hostname, app_name, proc_id, msg_id,
		 structured_data, message, device_type, event_type, tags,
		 parse_warning, raw_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	var deviceTS *time.Time
	if !ev.Timestamp.IsZero() {
		deviceTS = &ev.Timestamp
	}

	_, err = b.pool.Exec(ctx, query,
		ev.ID,
		partitionKey,
		ev.SourceAddress,
		ev.ReceivedAt,
		ev.Facility,
		ev.Severity,
		deviceTS,
		ev.Hostname,
		ev.AppName,
		ev.ProcID,
		ev.MsgID,
		sd,
		ev.Message,
		ev.DeviceType,
		ev.EventType,
		tags,
		ev.ParseWarning,
		ev.RawMessage,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// DropPartition deletes every row in the hour bucket.
func (b *PostgresBackend) DropPartition(ctx context.Context, partitionKey string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := b.pool.Exec(ctx, `DELETE FROM events WHERE partition_key = $1`, partitionKey); err != nil {
		return fmt.Errorf("drop partition %s: %w", partitionKey, err)
	}
	return nil
}
