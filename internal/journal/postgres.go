package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const decisionsDDL = `
CREATE TABLE IF NOT EXISTS decisions (
	schema_version   INT          NOT NULL,
	decision_id      UUID         PRIMARY KEY,
	session_id       UUID         NOT NULL,
	symbol           TEXT         NOT NULL,
	ts               TIMESTAMPTZ  NOT NULL,
	outcome          TEXT         NOT NULL,
	rejection_reason TEXT,
	observed_metrics JSONB,
	decision_inputs  JSONB,
	decision_trace   JSONB        NOT NULL,
	quality_flags    JSONB
);
CREATE INDEX IF NOT EXISTS decisions_symbol_ts_idx ON decisions (symbol, ts);

CREATE TABLE IF NOT EXISTS universe_refreshes (
	schema_version  INT         NOT NULL,
	cycle_id        UUID        PRIMARY KEY,
	session_id      UUID        NOT NULL,
	ts              TIMESTAMPTZ NOT NULL,
	candidate_count INT         NOT NULL,
	eligible_count  INT         NOT NULL,
	probe_count     INT         NOT NULL,
	active_count    INT         NOT NULL,
	tick_count      INT         NOT NULL,
	sample          JSONB
);`

// PostgresJournal writes audit records to postgres. Rows are insert-only;
// there is deliberately no update path.
type PostgresJournal struct {
	db *sqlx.DB
}

// NewPostgresJournal connects with the given DSN and ensures the audit
// tables exist.
func NewPostgresJournal(ctx context.Context, dsn string) (*PostgresJournal, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect journal db: %w", err)
	}
	if _, err := db.ExecContext(ctx, decisionsDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure journal schema: %w", err)
	}
	log.Info().Msg("Postgres journal ready")
	return &PostgresJournal{db: db}, nil
}

func (j *PostgresJournal) WriteDecision(ctx context.Context, rec *Record) error {
	metrics, err := nullableJSON(rec.ObservedMetrics)
	if err != nil {
		return err
	}
	inputs, err := nullableJSON(rec.DecisionInputs)
	if err != nil {
		return err
	}
	trace, err := json.Marshal(rec.DecisionTrace)
	if err != nil {
		return fmt.Errorf("marshal decision trace: %w", err)
	}
	flags, err := nullableJSON(rec.QualityFlags)
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO decisions (
			schema_version, decision_id, session_id, symbol, ts, outcome,
			rejection_reason, observed_metrics, decision_inputs, decision_trace, quality_flags
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		rec.SchemaVersion, rec.DecisionID, rec.SessionID, rec.Symbol, rec.TimestampUTC,
		rec.Outcome, nullableText(rec.RejectionReason), metrics, inputs, trace, flags)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (j *PostgresJournal) WriteRefresh(ctx context.Context, rec *RefreshRecord) error {
	sample, err := nullableJSON(rec.Sample)
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO universe_refreshes (
			schema_version, cycle_id, session_id, ts, candidate_count,
			eligible_count, probe_count, active_count, tick_count, sample
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.SchemaVersion, rec.CycleID, rec.SessionID, rec.TimestampUTC,
		rec.CandidateCount, rec.EligibleCount, rec.ProbeCount, rec.ActiveCount,
		rec.TickByTick, sample)
	if err != nil {
		return fmt.Errorf("insert refresh: %w", err)
	}
	return nil
}

func (j *PostgresJournal) Close() error { return j.db.Close() }

// nullableJSON keeps the null-vs-absent contract intact in the database:
// a nil snapshot lands as SQL NULL, never as the empty object.
func nullableJSON(v any) (any, error) {
	switch t := v.(type) {
	case *MetricsSnapshot:
		if t == nil {
			return nil, nil
		}
	case *InputsSnapshot:
		if t == nil {
			return nil, nil
		}
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	case []CandidateOutcome:
		if t == nil {
			return nil, nil
		}
	default:
		if v == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal journal field: %w", err)
	}
	return data, nil
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
