// Package store persists workflow state. The Postgres store is the durable
// record; the Redis cache fronts the status query; the memory store backs
// tests and local runs.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/evidentra/testcycle-orchestrator/pkg/errors"
	"github.com/evidentra/testcycle-orchestrator/pkg/logging"
	"github.com/evidentra/testcycle-orchestrator/pkg/workflow"
)

const postgresComponent = "postgres-store"

// PostgresConfig configures the durable store connection.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns:    16,
		MaxIdleConns:    4,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// PostgresStore writes instance, phase, step and escalation rows. Phase
// rows carry the optimistic-concurrency version; the upsert only applies
// when the incoming version is newer, so a replayed stale write is a no-op
// rather than a regression.
type PostgresStore struct {
	db     *sql.DB
	logger *logging.StructuredLogger
}

func NewPostgresStore(config PostgresConfig, logger *logging.StructuredLogger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, postgresComponent, "open", "open connection")
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	return &PostgresStore{db: db, logger: logger.WithComponent(postgresComponent)}, nil
}

// Ping verifies connectivity, used by the readiness probe.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Migrate creates the schema if missing. Deployments with managed
// migrations can skip this.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_instances (
			id            TEXT PRIMARY KEY,
			cycle_id      TEXT NOT NULL,
			report_id     TEXT NOT NULL,
			status        TEXT NOT NULL,
			current_phase TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			completed_at  TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_phases (
			instance_id    TEXT NOT NULL,
			phase          TEXT NOT NULL,
			status         TEXT NOT NULL,
			version        BIGINT NOT NULL,
			revision_count INT NOT NULL DEFAULT 0,
			failure_reason TEXT,
			actual_start   TIMESTAMPTZ,
			actual_end     TIMESTAMPTZ,
			PRIMARY KEY (instance_id, phase)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id             TEXT PRIMARY KEY,
			instance_id    TEXT NOT NULL,
			phase          TEXT NOT NULL,
			name           TEXT NOT NULL,
			kind           TEXT NOT NULL,
			role           TEXT NOT NULL,
			status         TEXT NOT NULL,
			attempts       INT NOT NULL DEFAULT 0,
			resolved_by    TEXT,
			failure_reason TEXT,
			payload        JSONB,
			started_at     TIMESTAMPTZ,
			resolved_at    TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_escalations (
			step_id     TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			level       INT NOT NULL,
			target_role TEXT NOT NULL,
			fired_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (step_id, level)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_instance ON workflow_steps (instance_id, phase)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, postgresComponent, "migrate", "create schema")
		}
	}
	return nil
}

func (s *PostgresStore) SaveInstance(ctx context.Context, inst *workflow.WorkflowInstance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_instances (id, cycle_id, report_id, status, current_phase, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status        = EXCLUDED.status,
			current_phase = EXCLUDED.current_phase,
			completed_at  = EXCLUDED.completed_at`,
		inst.ID, inst.CycleID, inst.ReportID, string(inst.Status), string(inst.CurrentPhase),
		inst.CreatedAt, inst.CompletedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, postgresComponent, "save_instance", "upsert instance").
			WithInstance(inst.ID)
	}
	return nil
}

func (s *PostgresStore) SavePhase(ctx context.Context, rec *workflow.PhaseRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_phases (instance_id, phase, status, version, revision_count, failure_reason, actual_start, actual_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (instance_id, phase) DO UPDATE SET
			status         = EXCLUDED.status,
			version        = EXCLUDED.version,
			revision_count = EXCLUDED.revision_count,
			failure_reason = EXCLUDED.failure_reason,
			actual_start   = EXCLUDED.actual_start,
			actual_end     = EXCLUDED.actual_end
		WHERE workflow_phases.version < EXCLUDED.version`,
		rec.InstanceID, string(rec.Phase), string(rec.Status), rec.Version, rec.RevisionCount,
		rec.FailureReason, rec.ActualStart, rec.ActualEnd,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, postgresComponent, "save_phase", "upsert phase").
			WithInstance(rec.InstanceID)
	}
	return nil
}

func (s *PostgresStore) SaveStep(ctx context.Context, step *workflow.StepRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_steps (id, instance_id, phase, name, kind, role, status, attempts, resolved_by, failure_reason, payload, started_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status         = EXCLUDED.status,
			attempts       = EXCLUDED.attempts,
			resolved_by    = EXCLUDED.resolved_by,
			failure_reason = EXCLUDED.failure_reason,
			payload        = EXCLUDED.payload,
			started_at     = EXCLUDED.started_at,
			resolved_at    = EXCLUDED.resolved_at`,
		step.ID, step.InstanceID, string(step.Phase), step.Name, string(step.Kind), string(step.Role),
		string(step.Status), step.Attempts, step.ResolvedBy, step.FailureReason,
		nullableJSON(step.Payload), step.StartedAt, step.ResolvedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, postgresComponent, "save_step", "upsert step").
			WithInstance(step.InstanceID).WithStep(step.ID)
	}
	return nil
}

func (s *PostgresStore) SaveEscalation(ctx context.Context, rec *workflow.EscalationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_escalations (step_id, instance_id, level, target_role, fired_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (step_id, level) DO NOTHING`,
		rec.StepID, rec.InstanceID, rec.Level, string(rec.TargetRole), rec.FiredAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, postgresComponent, "save_escalation", "insert escalation").
			WithInstance(rec.InstanceID).WithStep(rec.StepID)
	}
	return nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
