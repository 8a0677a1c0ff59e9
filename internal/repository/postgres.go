// Package repository implements the configuration persistence boundary:
// filter rules, forwarder targets, the retention policy record and source
// registrations live in Postgres, authored by the external administrative
// gateway. This core only loads and applies them, and writes back
// counters.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/telhawk-syslog/internal/filter"
	"github.com/telhawk-systems/telhawk-syslog/internal/forward"
	"github.com/telhawk-systems/telhawk-syslog/internal/retention"
	"github.com/telhawk-systems/telhawk-syslog/internal/source"
)

// ErrPolicyNotFound means no retention policy row exists yet.
var ErrPolicyNotFound = errors.New("retention policy not found")

// Repository is the configuration load/apply surface.
type Repository interface {
	ListActiveRules(ctx context.Context) ([]*filter.Rule, error)
	ListActiveTargets(ctx context.Context) ([]forward.TargetConfig, error)
	GetRetentionPolicy(ctx context.Context) (retention.Policy, error)
	UpdateRetentionPolicy(ctx context.Context, p retention.Policy) error
	UpdateRuleStats(ctx context.Context, ruleID string, matchCount int64, lastMatchAt time.Time) error
	UpsertSource(ctx context.Context, s source.Snapshot) error
	Pool() *pgxpool.Pool
	Close()
}

// RunMigrations applies pending schema migrations.
func RunMigrations(sourceURL, connString string) error {
	m, err := migrate.New(sourceURL, connString)
	if err != nil {
		return fmt.Errorf("initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// PostgresRepository implements Repository over a pgx pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgres connects and pings. A failure here is startup-fatal for the
// caller when durable configuration is required.
func NewPostgres(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

// Pool exposes the underlying pool so the retention backend can share it.
func (r *PostgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// ListActiveRules loads the active filter rules ordered by priority.
func (r *PostgresRepository) ListActiveRules(ctx context.Context) ([]*filter.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT id, name, priority, criteria, action, action_config, is_active
		FROM filter_rules
		WHERE is_active
		ORDER BY priority ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query filter rules: %w", err)
	}
	defer rows.Close()

	var rules []*filter.Rule
	for rows.Next() {
		var (
			rule          filter.Rule
			criteriaJSON  []byte
			actionCfgJSON []byte
		)
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.Priority,
			&criteriaJSON, &rule.Action, &actionCfgJSON, &rule.IsActive); err != nil {
			return nil, fmt.Errorf("scan filter rule: %w", err)
		}
		if err := json.Unmarshal(criteriaJSON, &rule.Criteria); err != nil {
			return nil, fmt.Errorf("rule %s: decode criteria: %w", rule.ID, err)
		}
		if len(actionCfgJSON) > 0 {
			if err := json.Unmarshal(actionCfgJSON, &rule.ActionConfig); err != nil {
				return nil, fmt.Errorf("rule %s: decode action config: %w", rule.ID, err)
			}
		}
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

// ListActiveTargets loads the enabled forwarder targets.
func (r *PostgresRepository) ListActiveTargets(ctx context.Context) ([]forward.TargetConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT name, host, port, transport, format, queue_size,
		       retry_count, retry_delay_ms, exponential_backoff,
		       tls_verify, ca_file, cert_file, key_file, server_name
		FROM forwarder_targets
		WHERE is_active
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query forwarder targets: %w", err)
	}
	defer rows.Close()

	var targets []forward.TargetConfig
	for rows.Next() {
		var (
			cfg          forward.TargetConfig
			retryDelayMs int64
		)
		if err := rows.Scan(&cfg.Name, &cfg.Host, &cfg.Port, &cfg.Transport,
			&cfg.Format, &cfg.QueueSize, &cfg.RetryCount, &retryDelayMs,
			&cfg.ExponentialBackoff, &cfg.TLSVerify, &cfg.CAFile,
			&cfg.CertFile, &cfg.KeyFile, &cfg.ServerName); err != nil {
			return nil, fmt.Errorf("scan forwarder target: %w", err)
		}
		cfg.RetryDelay = time.Duration(retryDelayMs) * time.Millisecond
		targets = append(targets, cfg)
	}
	return targets, rows.Err()
}

// GetRetentionPolicy loads the single retention policy record.
func (r *PostgresRepository) GetRetentionPolicy(ctx context.Context) (retention.Policy, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		p               retention.Policy
		sweepIntervalMs int64
	)
	err := r.pool.QueryRow(ctx, `
		SELECT max_size_bytes, retention_days, cleanup_threshold_percent, sweep_interval_ms
		FROM retention_policy
		WHERE id = 1
	`).Scan(&p.MaxSizeBytes, &p.RetentionDays, &p.CleanupThresholdPercent, &sweepIntervalMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return retention.Policy{}, ErrPolicyNotFound
	}
	if err != nil {
		return retention.Policy{}, fmt.Errorf("query retention policy: %w", err)
	}
	p.SweepInterval = time.Duration(sweepIntervalMs) * time.Millisecond
	return p, nil
}

// UpdateRetentionPolicy writes the policy record back.
func (r *PostgresRepository) UpdateRetentionPolicy(ctx context.Context, p retention.Policy) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.pool.Exec(ctx, `
		INSERT INTO retention_policy (id, max_size_bytes, retention_days, cleanup_threshold_percent, sweep_interval_ms, updated_at)
		VALUES (1, $1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			max_size_bytes = EXCLUDED.max_size_bytes,
			retention_days = EXCLUDED.retention_days,
			cleanup_threshold_percent = EXCLUDED.cleanup_threshold_percent,
			sweep_interval_ms = EXCLUDED.sweep_interval_ms,
			updated_at = NOW()
	`, p.MaxSizeBytes, p.RetentionDays, p.CleanupThresholdPercent, p.SweepInterval.Milliseconds())
	if err != nil {
		return fmt.Errorf("update retention policy: %w", err)
	}
	return nil
}

// UpdateRuleStats persists a rule's match counters.
func (r *PostgresRepository) UpdateRuleStats(ctx context.Context, ruleID string, matchCount int64, lastMatchAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var last *time.Time
	if !lastMatchAt.IsZero() {
		last = &lastMatchAt
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE filter_rules
		SET match_count = $2, last_match_at = $3
		WHERE id = $1
	`, ruleID, matchCount, last)
	if err != nil {
		return fmt.Errorf("update rule stats: %w", err)
	}
	return nil
}

// UpsertSource registers or refreshes a source record.
func (r *PostgresRepository) UpsertSource(ctx context.Context, s source.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.pool.Exec(ctx, `
		INSERT INTO sources (address, transport, first_seen, events, bytes, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (address) DO UPDATE SET
			transport = EXCLUDED.transport,
			events = EXCLUDED.events,
			bytes = EXCLUDED.bytes,
			last_seen = EXCLUDED.last_seen
	`, s.Address, s.Transport, s.FirstSeen, s.Events, s.Bytes, s.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert source: %w", err)
	}
	return nil
}
