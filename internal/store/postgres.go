package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/verimyst/internal/db"
	"github.com/sells-group/verimyst/internal/model"
)

// mergeAttempts bounds retries when two processes insert the same new
// provenance key at once.
const mergeAttempts = 3

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
CREATE TABLE IF NOT EXISTS scans (
	id             TEXT PRIMARY KEY,
	content_type   TEXT NOT NULL,
	fingerprint    TEXT NOT NULL,
	content_size   INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'pending',
	failure_reason TEXT NOT NULL DEFAULT '',
	trust_score    DOUBLE PRECISION,
	risk_level     TEXT,
	verdict        JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at     TIMESTAMPTZ,
	completed_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS provenance (
	fingerprint  TEXT NOT NULL,
	source_url   TEXT NOT NULL,
	first_seen   TIMESTAMPTZ NOT NULL,
	last_seen    TIMESTAMPTZ NOT NULL,
	spread_count INTEGER NOT NULL DEFAULT 1,
	platforms    TEXT[] NOT NULL DEFAULT '{}',
	PRIMARY KEY (fingerprint, source_url)
);

CREATE TABLE IF NOT EXISTS consensus_votes (
	scan_id    TEXT NOT NULL REFERENCES scans(id),
	user_id    TEXT NOT NULL,
	verdict    TEXT NOT NULL,
	comment    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (scan_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_scans_status ON scans(status);
CREATE INDEX IF NOT EXISTS idx_scans_fingerprint_completed ON scans(fingerprint, completed_at DESC) WHERE status = 'completed';
CREATE INDEX IF NOT EXISTS idx_scans_created_at ON scans(created_at DESC);
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

func (s *PostgresStore) CreateScan(ctx context.Context, scan model.Scan) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO scans (id, content_type, fingerprint, content_size, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
		scan.ID, string(scan.ContentType), string(scan.Fingerprint), scan.ContentSize, string(scan.Status), scan.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert scan %s", scan.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrDuplicateScan, "scan %s", scan.ID)
	}
	return nil
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, scanID string, startedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scans SET status = $1, started_at = $2 WHERE id = $3 AND status = $4`,
		string(model.ScanProcessing), startedAt, scanID, string(model.ScanPending),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark processing %s", scanID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.explainNoop(ctx, scanID, true)
}

func (s *PostgresStore) CompleteScan(ctx context.Context, scanID string, v model.Verdict, completedAt time.Time) error {
	verdictJSON, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal verdict")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE scans SET status = $1, trust_score = $2, risk_level = $3, verdict = $4, completed_at = $5
		 WHERE id = $6 AND status IN ('pending', 'processing')`,
		string(model.ScanCompleted), v.TrustScore, string(v.RiskLevel), verdictJSON, completedAt, scanID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete scan %s", scanID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.explainNoop(ctx, scanID, false)
}

func (s *PostgresStore) FailScan(ctx context.Context, scanID string, reason model.FailureReason, completedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scans SET status = $1, failure_reason = $2, completed_at = $3
		 WHERE id = $4 AND status IN ('pending', 'processing')`,
		string(model.ScanFailed), string(reason), completedAt, scanID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail scan %s", scanID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.explainNoop(ctx, scanID, false)
}

// explainNoop turns a conditional update that matched nothing into the
// matching sentinel error.
func (s *PostgresStore) explainNoop(ctx context.Context, scanID string, processingOK bool) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM scans WHERE id = $1`, scanID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(model.ErrNotFound, "scan %s", scanID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: get status %s", scanID)
	}
	if processingOK && model.ScanStatus(status) == model.ScanProcessing {
		return nil
	}
	return eris.Wrapf(model.ErrScanFrozen, "scan %s is %s", scanID, status)
}

func (s *PostgresStore) GetScan(ctx context.Context, scanID string) (*model.StoredScan, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = $1`, scanID)
	st, err := pgScanStoredScan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "scan %s", scanID)
	}
	return st, err
}

func (s *PostgresStore) FindCompletedByFingerprint(ctx context.Context, fp model.Fingerprint) (*model.StoredScan, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE fingerprint = $1 AND status = $2
		 ORDER BY completed_at DESC LIMIT 1`,
		string(fp), string(model.ScanCompleted),
	)
	st, err := pgScanStoredScan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

func (s *PostgresStore) ListScans(ctx context.Context, f ScanFilter) ([]model.Scan, error) {
	query := `SELECT ` + scanColumns + ` FROM scans WHERE true`
	args := []any{}
	argIdx := 1

	if f.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(f.Status))
		argIdx++
	}
	if f.Fingerprint != "" {
		query += fmt.Sprintf(` AND fingerprint = $%d`, argIdx)
		args = append(args, string(f.Fingerprint))
		argIdx++
	}
	if !f.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at > $%d`, argIdx)
		args = append(args, f.CreatedAfter)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(f.Limit))
	argIdx++

	if f.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list scans")
	}
	defer rows.Close()

	var scans []model.Scan
	for rows.Next() {
		st, err := pgScanStoredScan(rows)
		if err != nil {
			return nil, err
		}
		scans = append(scans, st.Scan)
	}
	return scans, eris.Wrap(rows.Err(), "postgres: list scans iterate")
}

// MergeProvenance locks the existing row with SELECT ... FOR UPDATE. A brand
// new key cannot be locked, so the insert uses ON CONFLICT DO NOTHING and
// the whole merge is retried if another writer got there first.
func (s *PostgresStore) MergeProvenance(ctx context.Context, fp model.Fingerprint, sourceURL string, fn MergeFunc) (*model.ProvenanceEntry, error) {
	for attempt := 1; attempt <= mergeAttempts; attempt++ {
		entry, inserted, err := s.mergeOnce(ctx, fp, sourceURL, fn)
		if err != nil {
			return nil, err
		}
		if inserted {
			return entry, nil
		}
	}
	return nil, eris.Errorf("postgres: merge provenance %s %s: too much contention", fp, sourceURL)
}

func (s *PostgresStore) mergeOnce(ctx context.Context, fp model.Fingerprint, sourceURL string, fn MergeFunc) (*model.ProvenanceEntry, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: begin merge")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx,
		`SELECT fingerprint, source_url, first_seen, last_seen, spread_count, platforms
		 FROM provenance WHERE fingerprint = $1 AND source_url = $2 FOR UPDATE`,
		string(fp), sourceURL,
	)
	existing, err := pgScanProvenance(row)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	next := fn(existing)
	next.Fingerprint, next.SourceURL = fp, sourceURL
	next.Platforms = nonNil(next.Platforms)

	if existing == nil {
		tag, err := tx.Exec(ctx,
			`INSERT INTO provenance (fingerprint, source_url, first_seen, last_seen, spread_count, platforms)
			 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (fingerprint, source_url) DO NOTHING`,
			string(fp), sourceURL, next.FirstSeen, next.LastSeen, next.SpreadCount, next.Platforms,
		)
		if err != nil {
			return nil, false, eris.Wrap(err, "postgres: insert provenance")
		}
		if tag.RowsAffected() == 0 {
			return nil, false, nil
		}
	} else {
		_, err := tx.Exec(ctx,
			`UPDATE provenance SET first_seen = $1, last_seen = $2, spread_count = $3, platforms = $4
			 WHERE fingerprint = $5 AND source_url = $6`,
			next.FirstSeen, next.LastSeen, next.SpreadCount, next.Platforms, string(fp), sourceURL,
		)
		if err != nil {
			return nil, false, eris.Wrap(err, "postgres: update provenance")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, eris.Wrap(err, "postgres: commit merge")
	}
	return &next, true, nil
}

func (s *PostgresStore) ListProvenance(ctx context.Context, fp model.Fingerprint) ([]model.ProvenanceEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT fingerprint, source_url, first_seen, last_seen, spread_count, platforms
		 FROM provenance WHERE fingerprint = $1 ORDER BY first_seen, source_url`,
		string(fp),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list provenance")
	}
	defer rows.Close()

	out := []model.ProvenanceEntry{}
	for rows.Next() {
		e, err := pgScanProvenance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list provenance iterate")
}

func (s *PostgresStore) UpsertVote(ctx context.Context, v model.ConsensusVote) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO consensus_votes (scan_id, user_id, verdict, comment, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (scan_id, user_id) DO UPDATE SET
		   verdict = EXCLUDED.verdict, comment = EXCLUDED.comment, created_at = EXCLUDED.created_at`,
		v.ScanID, v.UserID, string(v.Verdict), v.Comment, v.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert vote %s/%s", v.ScanID, v.UserID)
}

func (s *PostgresStore) ListVotes(ctx context.Context, scanID string) ([]model.ConsensusVote, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT scan_id, user_id, verdict, comment, created_at
		 FROM consensus_votes WHERE scan_id = $1 ORDER BY created_at, user_id`,
		scanID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list votes")
	}
	defer rows.Close()

	out := []model.ConsensusVote{}
	for rows.Next() {
		var v model.ConsensusVote
		var verdict string
		if err := rows.Scan(&v.ScanID, &v.UserID, &verdict, &v.Comment, &v.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan vote")
		}
		v.Verdict = model.VoteVerdict(verdict)
		v.CreatedAt = v.CreatedAt.UTC()
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list votes iterate")
}

func pgScanStoredScan(row pgx.Row) (*model.StoredScan, error) {
	var (
		st                               model.StoredScan
		contentType, fp, status, failure string
		risk                             *string
		verdictJSON                      []byte
		startedAt, completedAt           *time.Time
	)
	err := row.Scan(&st.ID, &contentType, &fp, &st.ContentSize, &status, &failure,
		&st.TrustScore, &risk, &verdictJSON, &st.CreatedAt, &startedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan scan row")
	}

	st.ContentType = model.ContentType(contentType)
	st.Fingerprint = model.Fingerprint(fp)
	st.Status = model.ScanStatus(status)
	st.FailureReason = model.FailureReason(failure)
	st.CreatedAt = st.CreatedAt.UTC()
	if risk != nil {
		r := model.RiskLevel(*risk)
		st.RiskLevel = &r
	}
	if startedAt != nil {
		t := startedAt.UTC()
		st.StartedAt = &t
	}
	if completedAt != nil {
		t := completedAt.UTC()
		st.CompletedAt = &t
	}
	if verdictJSON != nil {
		st.Verdict = &model.Verdict{}
		if err := json.Unmarshal(verdictJSON, st.Verdict); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal verdict")
		}
	}
	return &st, nil
}

func pgScanProvenance(row pgx.Row) (*model.ProvenanceEntry, error) {
	var e model.ProvenanceEntry
	var fp string
	err := row.Scan(&fp, &e.SourceURL, &e.FirstSeen, &e.LastSeen, &e.SpreadCount, &e.Platforms)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan provenance")
	}
	e.Fingerprint = model.Fingerprint(fp)
	e.FirstSeen, e.LastSeen = e.FirstSeen.UTC(), e.LastSeen.UTC()
	e.Platforms = nonNil(e.Platforms)
	return &e, nil
}
