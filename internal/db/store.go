package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opencui/structi-sub001/internal/domain"
	"github.com/opencui/structi-sub001/internal/meta"
)

var ErrStaleBundle = errors.New("bundle version is not newer than the stored one")

// Store keeps the turn log and published agent bundles in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS agent_bundles (
			agent TEXT PRIMARY KEY,
			version BIGINT NOT NULL,
			lang TEXT NOT NULL DEFAULT 'en',
			body JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			turn_id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			version BIGINT NOT NULL,
			session_id TEXT,
			utterance TEXT NOT NULL,
			expectations JSONB NOT NULL DEFAULT '[]'::jsonb,
			events JSONB NOT NULL DEFAULT '[]'::jsonb,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_agent_created ON turns(agent, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session_created ON turns(session_id, created_at);`,
		`ALTER TABLE turns ADD COLUMN IF NOT EXISTS top_event TEXT NOT NULL DEFAULT '';`,
	}

	for _, q := range queries {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) LogTurn(ctx context.Context, rec domain.TurnRecord) error {
	exps, err := json.Marshal(nonNil(rec.Expectations))
	if err != nil {
		return fmt.Errorf("marshal expectations: %w", err)
	}
	events, err := json.Marshal(nonNil(rec.Events))
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO turns(turn_id, agent, version, session_id, utterance, expectations, events, latency_ms, top_event, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (turn_id) DO NOTHING
	`, rec.TurnID, rec.Agent, rec.Version, nullIfEmpty(rec.SessionID), rec.Utterance, exps, events,
		rec.Latency.Milliseconds(), topEvent(rec.Events), createdAt)
	return err
}

// RecentTurns returns the newest turns of an agent, optionally narrowed to a
// session, oldest first.
func (s *Store) RecentTurns(ctx context.Context, agent, sessionID string, limit int) ([]domain.TurnRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT turn_id, agent, version, COALESCE(session_id, ''), utterance, expectations, events, latency_ms, created_at
		FROM (
			SELECT *
			FROM turns
			WHERE agent=$1 AND ($2 = '' OR session_id=$2)
			ORDER BY created_at DESC
			LIMIT $3
		) t
		ORDER BY created_at ASC
	`, agent, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.TurnRecord, 0, limit)
	for rows.Next() {
		var (
			rec          domain.TurnRecord
			exps, events []byte
			latencyMS    int64
		)
		if err := rows.Scan(&rec.TurnID, &rec.Agent, &rec.Version, &rec.SessionID, &rec.Utterance, &exps, &events, &latencyMS, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(exps, &rec.Expectations); err != nil {
			return nil, fmt.Errorf("turn %s expectations: %w", rec.TurnID, err)
		}
		if err := json.Unmarshal(events, &rec.Events); err != nil {
			return nil, fmt.Errorf("turn %s events: %w", rec.TurnID, err)
		}
		rec.Latency = time.Duration(latencyMS) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveBundle publishes a bundle. Versions only move forward.
func (s *Store) SaveBundle(ctx context.Context, b *meta.Bundle) error {
	if err := b.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO agent_bundles(agent, version, lang, body, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (agent)
		DO UPDATE SET version=EXCLUDED.version, lang=EXCLUDED.lang, body=EXCLUDED.body, updated_at=NOW()
		WHERE agent_bundles.version < EXCLUDED.version
	`, b.Agent, b.Version, b.Lang, body)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s v%d: %w", b.Agent, b.Version, ErrStaleBundle)
	}
	return nil
}

// Agents and Load make the store a meta.Provider.
func (s *Store) Agents(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT agent FROM agent_bundles ORDER BY agent ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var agent string
		if err := rows.Scan(&agent); err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

func (s *Store) Load(ctx context.Context, agent string) (*meta.Bundle, error) {
	var (
		version int64
		body    []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT version, body
		FROM agent_bundles
		WHERE agent=$1
	`, agent).Scan(&version, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", agent, meta.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var b meta.Bundle
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", meta.ErrInvalidBundle, agent, err)
	}
	b.Agent = agent
	b.Version = version
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

func topEvent(events []domain.FrameEvent) string {
	if len(events) == 0 {
		return ""
	}
	return events[0].Type
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
