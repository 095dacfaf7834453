package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/verimyst/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. The DSN must be a
// file path; ":memory:" gives every pooled connection its own database.
type SQLiteStore struct {
	db *sql.DB
	// writeMu serialises provenance merges within this process.
	writeMu sync.Mutex
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
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
CREATE TABLE IF NOT EXISTS scans (
	id             TEXT PRIMARY KEY,
	content_type   TEXT NOT NULL,
	fingerprint    TEXT NOT NULL,
	content_size   INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'pending',
	failure_reason TEXT NOT NULL DEFAULT '',
	trust_score    REAL,
	risk_level     TEXT,
	verdict        TEXT,
	created_at     DATETIME NOT NULL,
	started_at     DATETIME,
	completed_at   DATETIME
);

CREATE TABLE IF NOT EXISTS provenance (
	fingerprint  TEXT NOT NULL,
	source_url   TEXT NOT NULL,
	first_seen   DATETIME NOT NULL,
	last_seen    DATETIME NOT NULL,
	spread_count INTEGER NOT NULL DEFAULT 1,
	platforms    TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (fingerprint, source_url)
);

CREATE TABLE IF NOT EXISTS consensus_votes (
	scan_id    TEXT NOT NULL REFERENCES scans(id),
	user_id    TEXT NOT NULL,
	verdict    TEXT NOT NULL,
	comment    TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	PRIMARY KEY (scan_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_scans_status ON scans(status);
CREATE INDEX IF NOT EXISTS idx_scans_fingerprint ON scans(fingerprint);
CREATE INDEX IF NOT EXISTS idx_scans_created_at ON scans(created_at);
`

const scanColumns = `id, content_type, fingerprint, content_size, status, failure_reason, trust_score, risk_level, verdict, created_at, started_at, completed_at`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateScan(ctx context.Context, scan model.Scan) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scans (id, content_type, fingerprint, content_size, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		scan.ID, string(scan.ContentType), string(scan.Fingerprint), scan.ContentSize, string(scan.Status), scan.CreatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert scan %s", scan.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrDuplicateScan, "scan %s", scan.ID)
	}
	return nil
}

func (s *SQLiteStore) MarkProcessing(ctx context.Context, scanID string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scans SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(model.ScanProcessing), startedAt.UTC(), scanID, string(model.ScanPending),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark processing %s", scanID)
	}
	return s.checkTransition(ctx, res, scanID, true)
}

func (s *SQLiteStore) CompleteScan(ctx context.Context, scanID string, v model.Verdict, completedAt time.Time) error {
	verdictJSON, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal verdict")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scans SET status = ?, trust_score = ?, risk_level = ?, verdict = ?, completed_at = ?
		 WHERE id = ? AND status IN ('pending', 'processing')`,
		string(model.ScanCompleted), v.TrustScore, string(v.RiskLevel), string(verdictJSON), completedAt.UTC(), scanID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete scan %s", scanID)
	}
	return s.checkTransition(ctx, res, scanID, false)
}

func (s *SQLiteStore) FailScan(ctx context.Context, scanID string, reason model.FailureReason, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scans SET status = ?, failure_reason = ?, completed_at = ?
		 WHERE id = ? AND status IN ('pending', 'processing')`,
		string(model.ScanFailed), string(reason), completedAt.UTC(), scanID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail scan %s", scanID)
	}
	return s.checkTransition(ctx, res, scanID, false)
}

// checkTransition explains a conditional update that touched no rows.
func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, scanID string, processingOK bool) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	var status model.ScanStatus
	err = s.db.QueryRowContext(ctx, `SELECT status FROM scans WHERE id = ?`, scanID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(model.ErrNotFound, "scan %s", scanID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: get status %s", scanID)
	}
	if processingOK && status == model.ScanProcessing {
		return nil
	}
	return eris.Wrapf(model.ErrScanFrozen, "scan %s is %s", scanID, status)
}

func (s *SQLiteStore) GetScan(ctx context.Context, scanID string) (*model.StoredScan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = ?`, scanID)
	st, err := scanStoredScan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "scan %s", scanID)
	}
	return st, err
}

func (s *SQLiteStore) FindCompletedByFingerprint(ctx context.Context, fp model.Fingerprint) (*model.StoredScan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE fingerprint = ? AND status = ?
		 ORDER BY completed_at DESC LIMIT 1`,
		string(fp), string(model.ScanCompleted),
	)
	st, err := scanStoredScan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

func (s *SQLiteStore) ListScans(ctx context.Context, f ScanFilter) ([]model.Scan, error) {
	query := `SELECT ` + scanColumns + ` FROM scans WHERE 1=1`
	var args []any

	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Fingerprint != "" {
		query += ` AND fingerprint = ?`
		args = append(args, string(f.Fingerprint))
	}
	if !f.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, f.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limitOrDefault(f.Limit))
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list scans")
	}
	defer rows.Close() //nolint:errcheck

	var scans []model.Scan
	for rows.Next() {
		st, err := scanStoredScan(rows)
		if err != nil {
			return nil, err
		}
		scans = append(scans, st.Scan)
	}
	return scans, eris.Wrap(rows.Err(), "sqlite: list scans iterate")
}

func (s *SQLiteStore) MergeProvenance(ctx context.Context, fp model.Fingerprint, sourceURL string, fn MergeFunc) (*model.ProvenanceEntry, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin merge")
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx,
		`SELECT fingerprint, source_url, first_seen, last_seen, spread_count, platforms
		 FROM provenance WHERE fingerprint = ? AND source_url = ?`,
		string(fp), sourceURL,
	)
	existing, err := scanProvenance(row)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	next := fn(existing)
	next.Fingerprint, next.SourceURL = fp, sourceURL
	platformsJSON, err := json.Marshal(nonNil(next.Platforms))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal platforms")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO provenance (fingerprint, source_url, first_seen, last_seen, spread_count, platforms)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint, source_url) DO UPDATE SET
		   first_seen = excluded.first_seen, last_seen = excluded.last_seen,
		   spread_count = excluded.spread_count, platforms = excluded.platforms`,
		string(fp), sourceURL, next.FirstSeen.UTC(), next.LastSeen.UTC(), next.SpreadCount, string(platformsJSON),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert provenance")
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit merge")
	}
	return &next, nil
}

func (s *SQLiteStore) ListProvenance(ctx context.Context, fp model.Fingerprint) ([]model.ProvenanceEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, source_url, first_seen, last_seen, spread_count, platforms
		 FROM provenance WHERE fingerprint = ? ORDER BY first_seen, source_url`,
		string(fp),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list provenance")
	}
	defer rows.Close() //nolint:errcheck

	out := []model.ProvenanceEntry{}
	for rows.Next() {
		e, err := scanProvenance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list provenance iterate")
}

func (s *SQLiteStore) UpsertVote(ctx context.Context, v model.ConsensusVote) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consensus_votes (scan_id, user_id, verdict, comment, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(scan_id, user_id) DO UPDATE SET
		   verdict = excluded.verdict, comment = excluded.comment, created_at = excluded.created_at`,
		v.ScanID, v.UserID, string(v.Verdict), v.Comment, v.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert vote %s/%s", v.ScanID, v.UserID)
}

func (s *SQLiteStore) ListVotes(ctx context.Context, scanID string) ([]model.ConsensusVote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scan_id, user_id, verdict, comment, created_at
		 FROM consensus_votes WHERE scan_id = ? ORDER BY created_at, user_id`,
		scanID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list votes")
	}
	defer rows.Close() //nolint:errcheck

	out := []model.ConsensusVote{}
	for rows.Next() {
		var v model.ConsensusVote
		if err := rows.Scan(&v.ScanID, &v.UserID, &v.Verdict, &v.Comment, &v.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan vote")
		}
		v.CreatedAt = v.CreatedAt.UTC()
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list votes iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanStoredScan(row scannable) (*model.StoredScan, error) {
	var (
		st          model.StoredScan
		score       sql.NullFloat64
		risk        sql.NullString
		verdictJSON sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&st.ID, &st.ContentType, &st.Fingerprint, &st.ContentSize, &st.Status, &st.FailureReason,
		&score, &risk, &verdictJSON, &st.CreatedAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan scan row")
	}

	st.CreatedAt = st.CreatedAt.UTC()
	if score.Valid {
		st.TrustScore = &score.Float64
	}
	if risk.Valid {
		r := model.RiskLevel(risk.String)
		st.RiskLevel = &r
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		st.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		st.CompletedAt = &t
	}
	if verdictJSON.Valid {
		st.Verdict = &model.Verdict{}
		if err := json.Unmarshal([]byte(verdictJSON.String), st.Verdict); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal verdict")
		}
	}
	return &st, nil
}

func scanProvenance(row scannable) (*model.ProvenanceEntry, error) {
	var e model.ProvenanceEntry
	var platformsJSON string
	err := row.Scan(&e.Fingerprint, &e.SourceURL, &e.FirstSeen, &e.LastSeen, &e.SpreadCount, &platformsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan provenance")
	}
	if err := json.Unmarshal([]byte(platformsJSON), &e.Platforms); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal platforms")
	}
	e.FirstSeen, e.LastSeen = e.FirstSeen.UTC(), e.LastSeen.UTC()
	e.Platforms = nonNil(e.Platforms)
	return &e, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
