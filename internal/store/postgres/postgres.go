// Package postgres provides the PostgreSQL-backed summary store.
//
// The schema is bootstrapped idempotently on startup via CREATE TABLE IF NOT
// EXISTS, so every application start is safe against an empty or already
// migrated database.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlancehq/parlance/internal/store"
	"github.com/parlancehq/parlance/pkg/types"
)

const ddlSessionSummaries = `
CREATE TABLE IF NOT EXISTS session_summaries (
    session_id                TEXT              PRIMARY KEY,
    user_id                   TEXT              NOT NULL DEFAULT '',
    org_id                    TEXT              NOT NULL DEFAULT '',
    mode                      TEXT              NOT NULL DEFAULT '',
    started_at                TIMESTAMPTZ       NOT NULL,
    ended_at                  TIMESTAMPTZ       NOT NULL,
    talk_ratio                DOUBLE PRECISION  NOT NULL DEFAULT 0.5,
    sentiment                 JSONB             NOT NULL DEFAULT '[]',
    overall_sentiment         TEXT              NOT NULL DEFAULT 'neutral',
    topics_covered            JSONB             NOT NULL DEFAULT '[]',
    topics_missed             JSONB             NOT NULL DEFAULT '[]',
    suggestion_count          INT               NOT NULL DEFAULT 0,
    battle_card_count         INT               NOT NULL DEFAULT 0,
    turns                     INT               NOT NULL DEFAULT 0,
    tokens_used               BIGINT            NOT NULL DEFAULT 0,
    audio_seconds_transcribed DOUBLE PRECISION  NOT NULL DEFAULT 0,
    audio_seconds_synthesized DOUBLE PRECISION  NOT NULL DEFAULT 0,
    cost_usd                  DOUBLE PRECISION  NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_session_summaries_user
    ON session_summaries (user_id, ended_at DESC);

CREATE INDEX IF NOT EXISTS idx_session_summaries_org
    ON session_summaries (org_id);
`

// Store is the PostgreSQL-backed summary store. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

// NewStore connects to the database at dsn, verifies the connection, and runs
// Migrate.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate ensures the summary schema exists. Idempotent and safe to call on
// every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSessionSummaries); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// SaveSummary implements store.Store with an upsert keyed on session_id.
func (s *Store) SaveSummary(ctx context.Context, sum *types.Summary) error {
	if sum == nil || sum.SessionID == "" {
		return fmt.Errorf("postgres store: summary must have a session id")
	}

	sentiment, err := json.Marshal(sum.Sentiment)
	if err != nil {
		return fmt.Errorf("postgres store: encode sentiment: %w", err)
	}
	covered, err := json.Marshal(sum.TopicsCovered)
	if err != nil {
		return fmt.Errorf("postgres store: encode topics: %w", err)
	}
	missed, err := json.Marshal(sum.TopicsMissed)
	if err != nil {
		return fmt.Errorf("postgres store: encode topics: %w", err)
	}

	const q = `
		INSERT INTO session_summaries
		    (session_id, user_id, org_id, mode, started_at, ended_at, talk_ratio,
		     sentiment, overall_sentiment, topics_covered, topics_missed,
		     suggestion_count, battle_card_count, turns,
		     tokens_used, audio_seconds_transcribed, audio_seconds_synthesized, cost_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (session_id) DO UPDATE SET
		    user_id = EXCLUDED.user_id,
		    org_id = EXCLUDED.org_id,
		    mode = EXCLUDED.mode,
		    started_at = EXCLUDED.started_at,
		    ended_at = EXCLUDED.ended_at,
		    talk_ratio = EXCLUDED.talk_ratio,
		    sentiment = EXCLUDED.sentiment,
		    overall_sentiment = EXCLUDED.overall_sentiment,
		    topics_covered = EXCLUDED.topics_covered,
		    topics_missed = EXCLUDED.topics_missed,
		    suggestion_count = EXCLUDED.suggestion_count,
		    battle_card_count = EXCLUDED.battle_card_count,
		    turns = EXCLUDED.turns,
		    tokens_used = EXCLUDED.tokens_used,
		    audio_seconds_transcribed = EXCLUDED.audio_seconds_transcribed,
		    audio_seconds_synthesized = EXCLUDED.audio_seconds_synthesized,
		    cost_usd = EXCLUDED.cost_usd`

	_, err = s.pool.Exec(ctx, q,
		sum.SessionID,
		sum.UserID,
		sum.OrgID,
		sum.Mode,
		sum.StartedAt,
		sum.EndedAt,
		sum.TalkRatio,
		sentiment,
		sum.OverallSentiment,
		covered,
		missed,
		sum.SuggestionCount,
		sum.BattleCardCount,
		sum.Turns,
		sum.Cost.TokensUsed,
		sum.Cost.AudioSecondsTranscribed,
		sum.Cost.AudioSecondsSynthesized,
		sum.Cost.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save summary: %w", err)
	}
	return nil
}

const summaryColumns = `session_id, user_id, org_id, mode, started_at, ended_at, talk_ratio,
	sentiment, overall_sentiment, topics_covered, topics_missed,
	suggestion_count, battle_card_count, turns,
	tokens_used, audio_seconds_transcribed, audio_seconds_synthesized, cost_usd`

// GetSummary implements store.Store.
func (s *Store) GetSummary(ctx context.Context, sessionID string) (*types.Summary, error) {
	q := "SELECT " + summaryColumns + " FROM session_summaries WHERE session_id = $1"
	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get summary: %w", err)
	}
	summaries, err := collectSummaries(rows)
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, store.ErrNotFound
	}
	return &summaries[0], nil
}

// RecentSummaries implements store.Store.
func (s *Store) RecentSummaries(ctx context.Context, userID string, limit int) ([]types.Summary, error) {
	q := "SELECT " + summaryColumns + ` FROM session_summaries
		WHERE user_id = $1
		ORDER BY ended_at DESC`
	args := []any{userID}
	if limit > 0 {
		args = append(args, limit)
		q += " LIMIT $2"
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent summaries: %w", err)
	}
	return collectSummaries(rows)
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// collectSummaries scans pgx rows into summaries, decoding the JSONB columns.
func collectSummaries(rows pgx.Rows) ([]types.Summary, error) {
	summaries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Summary, error) {
		var (
			sum       types.Summary
			sentiment []byte
			covered   []byte
			missed    []byte
		)
		if err := row.Scan(
			&sum.SessionID,
			&sum.UserID,
			&sum.OrgID,
			&sum.Mode,
			&sum.StartedAt,
			&sum.EndedAt,
			&sum.TalkRatio,
			&sentiment,
			&sum.OverallSentiment,
			&covered,
			&missed,
			&sum.SuggestionCount,
			&sum.BattleCardCount,
			&sum.Turns,
			&sum.Cost.TokensUsed,
			&sum.Cost.AudioSecondsTranscribed,
			&sum.Cost.AudioSecondsSynthesized,
			&sum.Cost.CostUSD,
		); err != nil {
			return types.Summary{}, err
		}
		if err := json.Unmarshal(sentiment, &sum.Sentiment); err != nil {
			return types.Summary{}, fmt.Errorf("decode sentiment: %w", err)
		}
		if err := json.Unmarshal(covered, &sum.TopicsCovered); err != nil {
			return types.Summary{}, fmt.Errorf("decode topics_covered: %w", err)
		}
		if err := json.Unmarshal(missed, &sum.TopicsMissed); err != nil {
			return types.Summary{}, fmt.Errorf("decode topics_missed: %w", err)
		}
		return sum, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	return summaries, nil
}
