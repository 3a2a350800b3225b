package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/customs-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// The busy timeout is set in the DSN so every pooled connection waits on a
// locked database instead of failing.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dsn+sep+"_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
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
	force_ai           INTEGER NOT NULL DEFAULT 0,
	started_at         DATETIME,
	completed_at       DATETIME,
	details            TEXT NOT NULL DEFAULT '{}',
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
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
	local_matches  TEXT NOT NULL DEFAULT '[]',
	position       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (country, reference_type, code)
);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSubmission(ctx context.Context, sub *model.Submission) error {
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
		return eris.Wrap(err, "sqlite: marshal submission details")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO submissions (`+submissionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.TargetID, sub.DeclarationID, string(sub.Profile), string(sub.Status),
		sub.ExternalReference, sub.Error, sub.RetryCount, sub.PreviousID, sub.ForceAI,
		nullTime(sub.StartedAt), nullTime(sub.CompletedAt), string(detailsJSON), sub.CreatedAt, sub.UpdatedAt,
	)
	if isSQLiteConstraint(err) {
		return eris.Wrapf(ErrConflict, "submission %s already has a follow-up", sub.PreviousID)
	}
	return eris.Wrapf(err, "sqlite: insert submission %s", sub.ID)
}

func (s *SQLiteStore) SaveSubmission(ctx context.Context, sub *model.Submission) error {
	res, err := s.updateSubmission(ctx, sub, "")
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "submission", sub.ID)
}

func (s *SQLiteStore) ClaimSubmission(ctx context.Context, sub *model.Submission) error {
	res, err := s.updateSubmission(ctx, sub, ` AND status = 'pending'`)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetSubmission(ctx, sub.ID); err != nil {
		return err
	}
	return eris.Wrapf(ErrConflict, "submission %s is no longer pending", sub.ID)
}

func (s *SQLiteStore) updateSubmission(ctx context.Context, sub *model.Submission, cond string) (sql.Result, error) {
	sub.UpdatedAt = time.Now().UTC()

	detailsJSON, err := json.Marshal(detailsOf(sub))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal submission details")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET status = ?, external_reference = ?, error = ?, retry_count = ?,
		 started_at = ?, completed_at = ?, details = ?, updated_at = ? WHERE id = ?`+cond,
		string(sub.Status), sub.ExternalReference, sub.Error, sub.RetryCount,
		nullTime(sub.StartedAt), nullTime(sub.CompletedAt), string(detailsJSON), sub.UpdatedAt, sub.ID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update submission %s", sub.ID)
	}
	return res, nil
}

func (s *SQLiteStore) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	sub, err := scanSQLiteSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "submission %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get submission %s", id)
	}
	return sub, nil
}

func (s *SQLiteStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]model.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE 1=1`
	var args []any

	if filter.TargetID != "" {
		query += ` AND target_id = ?`
		args = append(args, filter.TargetID)
	}
	if filter.DeclarationID != "" {
		query += ` AND declaration_id = ?`
		args = append(args, filter.DeclarationID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.PreviousID != "" {
		query += ` AND previous_id = ?`
		args = append(args, filter.PreviousID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list submissions")
	}
	defer rows.Close() //nolint:errcheck

	var subs []model.Submission
	for rows.Next() {
		sub, err := scanSQLiteSubmission(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan submission")
		}
		subs = append(subs, *sub)
	}
	return subs, eris.Wrap(rows.Err(), "sqlite: list submissions iterate")
}

func (s *SQLiteStore) ReplaceCandidates(ctx context.Context, country, referenceType string, candidates []model.ReferenceCandidate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: replace candidates: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM reference_candidates WHERE country = ? AND reference_type = ?`,
		country, referenceType,
	); err != nil {
		return eris.Wrapf(err, "sqlite: delete candidates %s/%s", country, referenceType)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO reference_candidates (country, reference_type, code, label, local_matches, position)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare candidate insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, c := range candidates {
		matches := c.LocalMatches
		if matches == nil {
			matches = []string{}
		}
		matchesJSON, err := json.Marshal(matches)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal local matches")
		}
		if _, err := stmt.ExecContext(ctx, country, referenceType, c.Code, c.Label, string(matchesJSON), c.Position); err != nil {
			return eris.Wrapf(err, "sqlite: insert candidate %s/%s/%s", country, referenceType, c.Code)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: replace candidates: commit tx")
}

func (s *SQLiteStore) ListCandidates(ctx context.Context, country, referenceType string) ([]model.ReferenceCandidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT country, reference_type, code, label, local_matches, position FROM reference_candidates
		 WHERE country = ? AND reference_type = ? ORDER BY position, code`,
		country, referenceType,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list candidates %s/%s", country, referenceType)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ReferenceCandidate
	for rows.Next() {
		var c model.ReferenceCandidate
		var matchesJSON string
		if err := rows.Scan(&c.Country, &c.ReferenceType, &c.Code, &c.Label, &matchesJSON, &c.Position); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate")
		}
		if err := json.Unmarshal([]byte(matchesJSON), &c.LocalMatches); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal local matches")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list candidates iterate")
}

// helpers

// isSQLiteConstraint reports a UNIQUE/constraint violation. The primary
// result code is the low byte of the extended code.
func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteSubmission(row scannable) (*model.Submission, error) {
	var sub model.Submission
	var profile, status, detailsJSON string
	var startedAt, completedAt sql.NullTime

	if err := row.Scan(
		&sub.ID, &sub.TargetID, &sub.DeclarationID, &profile, &status,
		&sub.ExternalReference, &sub.Error, &sub.RetryCount, &sub.PreviousID, &sub.ForceAI,
		&startedAt, &completedAt, &detailsJSON, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.Profile = model.PortalProfile(profile)
	sub.Status = model.SubmissionStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		sub.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		sub.CompletedAt = &t
	}

	var d details
	if err := json.Unmarshal([]byte(detailsJSON), &d); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal submission details")
	}
	d.apply(&sub)
	return &sub, nil
}
