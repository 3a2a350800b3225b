package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/customs-cli/internal/db"
	"github.com/sells-group/customs-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const submissionColumns = `id, target_id, declaration_id, profile, status, external_reference, error,
	retry_count, previous_id, force_ai, started_at, completed_at, details, created_at, updated_at`

// preparedStatements are prepared on each new connection.
var preparedStatements = map[string]string{
	"get_submission":  `SELECT ` + submissionColumns + ` FROM submissions WHERE id = $1`,
	"list_candidates": `SELECT country, reference_type, code, label, local_matches, position FROM reference_candidates WHERE country = $1 AND reference_type = $2 ORDER BY position, code`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS submissions (
	id                 TEXT PRIMARY KEY,
	target_id          TEXT NOT NULL,
	declaration_id     TEXT NOT NULL,
	profile            TEXT NOT NULL DEFAULT 'generic',
	status             TEXT NOT NULL DEFAULT 'pending',
	external_reference TEXT NOT NULL DEFAULT '',
	error              TEXT NOT NULL DEFAULT '',
	retry_count        INTEGER NOT NULL DEFAULT 0,
	previous_id        TEXT NOT NULL DEFAULT '',
	force_ai           BOOLEAN NOT NULL DEFAULT false,
	started_at         TIMESTAMPTZ,
	completed_at       TIMESTAMPTZ,
	details            JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_submissions_target ON submissions(target_id);
CREATE INDEX IF NOT EXISTS idx_submissions_declaration ON submissions(declaration_id);
CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_submissions_previous ON submissions(previous_id) WHERE previous_id <> '';

CREATE TABLE IF NOT EXISTS reference_candidates (
	country        TEXT NOT NULL,
	reference_type TEXT NOT NULL,
	code           TEXT NOT NULL,
	label          TEXT NOT NULL DEFAULT '',
	local_matches  TEXT[] NOT NULL DEFAULT '{}',
	position       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (country, reference_type, code)
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateSubmission(ctx context.Context, sub *model.Submission) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	detailsJSON, err := json.Marshal(detailsOf(sub))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal submission details")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO submissions (`+submissionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		sub.ID, sub.TargetID, sub.DeclarationID, string(sub.Profile), string(sub.Status),
		sub.ExternalReference, sub.Error, sub.RetryCount, sub.PreviousID, sub.ForceAI,
		sub.StartedAt, sub.CompletedAt, detailsJSON, sub.CreatedAt, sub.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return eris.Wrapf(ErrConflict, "submission %s already has a follow-up", sub.PreviousID)
	}
	return eris.Wrapf(err, "postgres: insert submission %s", sub.ID)
}

func (s *PostgresStore) SaveSubmission(ctx context.Context, sub *model.Submission) error {
	n, err := s.updateSubmission(ctx, sub, "")
	if err != nil {
		return err
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "submission %s", sub.ID)
	}
	return nil
}

func (s *PostgresStore) ClaimSubmission(ctx context.Context, sub *model.Submission) error {
	n, err := s.updateSubmission(ctx, sub, ` AND status = 'pending'`)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetSubmission(ctx, sub.ID); err != nil {
		return err
	}
	return eris.Wrapf(ErrConflict, "submission %s is no longer pending", sub.ID)
}

func (s *PostgresStore) updateSubmission(ctx context.Context, sub *model.Submission, cond string) (int64, error) {
	sub.UpdatedAt = time.Now().UTC()

	detailsJSON, err := json.Marshal(detailsOf(sub))
	if err != nil {
		return 0, eris.Wrap(err, "postgres: marshal submission details")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE submissions SET status = $1, external_reference = $2, error = $3, retry_count = $4,
		 started_at = $5, completed_at = $6, details = $7, updated_at = $8 WHERE id = $9`+cond,
		string(sub.Status), sub.ExternalReference, sub.Error, sub.RetryCount,
		sub.StartedAt, sub.CompletedAt, detailsJSON, sub.UpdatedAt, sub.ID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: update submission %s", sub.ID)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id)
	sub, err := scanPostgresSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "submission %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get submission %s", id)
	}
	return sub, nil
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]model.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE true`
	args := []any{}
	argIdx := 1

	if filter.TargetID != "" {
		query += fmt.Sprintf(` AND target_id = $%d`, argIdx)
		args = append(args, filter.TargetID)
		argIdx++
	}
	if filter.DeclarationID != "" {
		query += fmt.Sprintf(` AND declaration_id = $%d`, argIdx)
		args = append(args, filter.DeclarationID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.PreviousID != "" {
		query += fmt.Sprintf(` AND previous_id = $%d`, argIdx)
		args = append(args, filter.PreviousID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list submissions")
	}
	defer rows.Close()

	var subs []model.Submission
	for rows.Next() {
		sub, err := scanPostgresSubmission(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan submission")
		}
		subs = append(subs, *sub)
	}
	return subs, eris.Wrap(rows.Err(), "postgres: list submissions iterate")
}

// ReplaceCandidates swaps the whole candidate list for (country, type) in one
// transaction.
func (s *PostgresStore) ReplaceCandidates(ctx context.Context, country, referenceType string, candidates []model.ReferenceCandidate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: replace candidates: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM reference_candidates WHERE country = $1 AND reference_type = $2`,
		country, referenceType,
	); err != nil {
		return eris.Wrapf(err, "postgres: delete candidates %s/%s", country, referenceType)
	}

	rows := make([][]any, len(candidates))
	for i, c := range candidates {
		matches := c.LocalMatches
		if matches == nil {
			matches = []string{}
		}
		rows[i] = []any{country, referenceType, c.Code, c.Label, matches, c.Position}
	}
	if _, err := db.CopyFrom(ctx, tx, "reference_candidates",
		[]string{"country", "reference_type", "code", "label", "local_matches", "position"}, rows,
	); err != nil {
		return eris.Wrapf(err, "postgres: copy candidates %s/%s", country, referenceType)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: replace candidates: commit tx")
}

func (s *PostgresStore) ListCandidates(ctx context.Context, country, referenceType string) ([]model.ReferenceCandidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT country, reference_type, code, label, local_matches, position FROM reference_candidates
		 WHERE country = $1 AND reference_type = $2 ORDER BY position, code`,
		country, referenceType,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list candidates %s/%s", country, referenceType)
	}
	defer rows.Close()

	var out []model.ReferenceCandidate
	for rows.Next() {
		var c model.ReferenceCandidate
		if err := rows.Scan(&c.Country, &c.ReferenceType, &c.Code, &c.Label, &c.LocalMatches, &c.Position); err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list candidates iterate")
}

func scanPostgresSubmission(row pgx.Row) (*model.Submission, error) {
	var sub model.Submission
	var profile, status string
	var detailsJSON []byte

	if err := row.Scan(
		&sub.ID, &sub.TargetID, &sub.DeclarationID, &profile, &status,
		&sub.ExternalReference, &sub.Error, &sub.RetryCount, &sub.PreviousID, &sub.ForceAI,
		&sub.StartedAt, &sub.CompletedAt, &detailsJSON, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.Profile = model.PortalProfile(profile)
	sub.Status = model.SubmissionStatus(status)

	var d details
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &d); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal submission details")
		}
	}
	d.apply(&sub)
	return &sub, nil
}
