// Package postgres provides the Postgres-backed lien.Store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/lien-crawler/internal/lien"
	"github.com/JakeFAU/lien-crawler/internal/platform"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store implements lien.Store on Postgres.
type Store struct {
	pool  Pool
	clock lien.Clock
	ids   lien.IDGenerator
}

// Option customizes a Store.
type Option func(*Store)

// WithClock swaps the time source.
func WithClock(c lien.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithIDGenerator swaps the id source.
func WithIDGenerator(g lien.IDGenerator) Option {
	return func(s *Store) { s.ids = g }
}

var _ lien.Store = (*Store)(nil)

// NewStore connects a pool using cfg.
func NewStore(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewStoreWithPool(pool, opts...)
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(pool Pool, opts ...Option) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	s := &Store{
		pool:  pool,
		clock: platform.NewSystemClock(),
		ids:   platform.NewUUIDGenerator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, lien.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// UpsertProfile stores the full profile as JSONB; name and active are mirrored into columns.
func (s *Store) UpsertProfile(ctx context.Context, profile lien.Profile) error {
	if strings.TrimSpace(profile.ID) == "" {
		return fmt.Errorf("profile id is required")
	}
	body, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	const query = `
INSERT INTO jurisdictions (id, name, active, config, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	active = EXCLUDED.active,
	config = EXCLUDED.config,
	updated_at = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, query, profile.ID, profile.Name, profile.Active, body, s.clock.Now()); err != nil {
		return fmt.Errorf("upsert profile %q: %w", profile.ID, err)
	}
	return nil
}

func scanProfile(row pgx.Row) (lien.Profile, error) {
	var (
		body      []byte
		updatedAt time.Time
		profile   lien.Profile
	)
	if err := row.Scan(&body, &updatedAt); err != nil {
		return lien.Profile{}, err //nolint:wrapcheck
	}
	if err := json.Unmarshal(body, &profile); err != nil {
		return lien.Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	profile.UpdatedAt = updatedAt
	return profile, nil
}

// GetProfile loads one profile.
func (s *Store) GetProfile(ctx context.Context, id string) (lien.Profile, error) {
	row := s.pool.QueryRow(ctx, `SELECT config, updated_at FROM jurisdictions WHERE id = $1`, id)
	p, err := scanProfile(row)
	if err != nil {
		return lien.Profile{}, notFound(err, fmt.Sprintf("profile %q", id))
	}
	return p, nil
}

// ListProfiles returns profiles ordered by id.
func (s *Store) ListProfiles(ctx context.Context, activeOnly bool) ([]lien.Profile, error) {
	query := `SELECT config, updated_at FROM jurisdictions`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()
	var out []lien.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return out, nil
}

const lienColumns = `id, jurisdiction_id, recording_number, record_date, discovered_at,
	debtor_name, debtor_address, creditor_name, creditor_address, amount, status,
	external_id, document_id, source_url, created_at, updated_at`

func scanLien(row pgx.Row, extra ...any) (lien.Record, error) {
	var (
		r      lien.Record
		status string
	)
	dest := []any{
		&r.ID, &r.JurisdictionID, &r.RecordingNumber, &r.RecordDate, &r.DiscoveredAt,
		&r.DebtorName, &r.DebtorAddress, &r.CreditorName, &r.CreditorAddress, &r.Amount, &status,
		&r.ExternalID, &r.DocumentID, &r.SourceURL, &r.CreatedAt, &r.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return lien.Record{}, err //nolint:wrapcheck
	}
	r.Status = lien.Status(status)
	return r, nil
}

func optionalStatus(s lien.Status) *string {
	if s == "" {
		return nil
	}
	v := string(s)
	return &v
}

// UpsertLien inserts or updates the record keyed by (jurisdiction, recording number) in a
// single statement. Existing status, ledger id and document reference survive when the
// incoming record leaves them empty.
func (s *Store) UpsertLien(ctx context.Context, record lien.Record) (lien.Record, bool, error) {
	if record.JurisdictionID == "" || record.RecordingNumber == "" {
		return lien.Record{}, false, fmt.Errorf("upsert lien: %w", lien.ErrRecordingNumberMissing)
	}
	id := record.ID
	if id == "" {
		var err error
		if id, err = s.ids.NewID(); err != nil {
			return lien.Record{}, false, fmt.Errorf("lien id: %w", err)
		}
	}
	now := s.clock.Now()
	discovered := record.DiscoveredAt
	if discovered.IsZero() {
		discovered = now
	}
	query := `
INSERT INTO liens (` + lienColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11::text, 'pending'), $12, $13, $14, $15, $15)
ON CONFLICT (jurisdiction_id, recording_number) DO UPDATE SET
	record_date = EXCLUDED.record_date,
	debtor_name = EXCLUDED.debtor_name,
	debtor_address = EXCLUDED.debtor_address,
	creditor_name = EXCLUDED.creditor_name,
	creditor_address = EXCLUDED.creditor_address,
	amount = EXCLUDED.amount,
	source_url = EXCLUDED.source_url,
	status = COALESCE($11::text, liens.status),
	external_id = COALESCE(EXCLUDED.external_id, liens.external_id),
	document_id = COALESCE(EXCLUDED.document_id, liens.document_id),
	updated_at = EXCLUDED.updated_at
RETURNING ` + lienColumns + `, (xmax = 0) AS inserted`

	row := s.pool.QueryRow(ctx, query,
		id,
		record.JurisdictionID,
		record.RecordingNumber,
		record.RecordDate,
		discovered,
		record.DebtorName,
		record.DebtorAddress,
		record.CreditorName,
		record.CreditorAddress,
		record.Amount,
		optionalStatus(record.Status),
		record.ExternalID,
		record.DocumentID,
		record.SourceURL,
		now,
	)
	var inserted bool
	out, err := scanLien(row, &inserted)
	if err != nil {
		return lien.Record{}, false, fmt.Errorf("upsert lien %s/%s: %w", record.JurisdictionID, record.RecordingNumber, err)
	}
	return out, inserted, nil
}

// GetLien loads one record.
func (s *Store) GetLien(ctx context.Context, id string) (lien.Record, error) {
	r, err := scanLien(s.pool.QueryRow(ctx, `SELECT `+lienColumns+` FROM liens WHERE id = $1`, id))
	if err != nil {
		return lien.Record{}, notFound(err, fmt.Sprintf("lien %q", id))
	}
	return r, nil
}

// ListLiens returns records newest first, or least recently updated first when the
// filter asks for it.
func (s *Store) ListLiens(ctx context.Context, filter lien.LienFilter) ([]lien.Record, error) {
	var (
		where []string
		args  []any
	)
	if filter.JurisdictionID != "" {
		args = append(args, filter.JurisdictionID)
		where = append(where, fmt.Sprintf("jurisdiction_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.MissingDocument {
		where = append(where, "document_id IS NULL")
	}
	query := `SELECT ` + lienColumns + ` FROM liens`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if filter.LeastRecentlyUpdated {
		query += ` ORDER BY updated_at ASC, id ASC`
	} else {
		query += ` ORDER BY created_at DESC, id DESC`
	}
	query += paging(&args, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list liens: %w", err)
	}
	defer rows.Close()
	out := make([]lien.Record, 0)
	for rows.Next() {
		r, err := scanLien(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lien: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list liens: %w", err)
	}
	return out, nil
}

func paging(args *[]any, limit, offset int) string {
	var clause string
	if limit > 0 {
		*args = append(*args, limit)
		clause += fmt.Sprintf(" LIMIT $%d", len(*args))
	}
	if offset > 0 {
		*args = append(*args, offset)
		clause += fmt.Sprintf(" OFFSET $%d", len(*args))
	}
	return clause
}

// DeleteLien removes a record and its document rows in one transaction.
func (s *Store) DeleteLien(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete lien: %w", err)
	}
	var jurisdictionID, recordingNumber string
	err = tx.QueryRow(ctx,
		`DELETE FROM liens WHERE id = $1 RETURNING jurisdiction_id, recording_number`, id,
	).Scan(&jurisdictionID, &recordingNumber)
	if err != nil {
		_ = tx.Rollback(ctx)
		return notFound(err, fmt.Sprintf("delete lien %q", id))
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM lien_documents WHERE jurisdiction_id = $1 AND recording_number = $2`,
		jurisdictionID, recordingNumber,
	); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("delete lien documents: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete lien: %w", err)
	}
	return nil
}

// UpdateLienStatus moves a record along its lifecycle. The transition check runs inside the
// UPDATE so concurrent writers cannot skip a step.
func (s *Store) UpdateLienStatus(ctx context.Context, id string, status lien.Status, externalID *string) error {
	from := make([]string, 0, len(lien.Statuses))
	for _, st := range lien.Predecessors(status) {
		from = append(from, string(st))
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE liens SET status = $2, external_id = COALESCE($3, external_id), updated_at = $4
WHERE id = $1 AND status = ANY($5)`,
		id, string(status), externalID, s.clock.Now(), from)
	if err != nil {
		return fmt.Errorf("update lien %q status: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current string
	if err := s.pool.QueryRow(ctx, `SELECT status FROM liens WHERE id = $1`, id).Scan(&current); err != nil {
		return notFound(err, fmt.Sprintf("lien %q", id))
	}
	return fmt.Errorf("lien %q %s -> %s: %w", id, current, status, lien.ErrInvalidTransition)
}

// AttachDocument points a record at a stored document.
func (s *Store) AttachDocument(ctx context.Context, lienID, documentID string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE liens SET document_id = $2, updated_at = $3
WHERE id = $1 AND EXISTS (SELECT 1 FROM lien_documents WHERE id = $2)`,
		lienID, documentID, s.clock.Now())
	if err != nil {
		return fmt.Errorf("attach document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("attach document %q to lien %q: %w", documentID, lienID, lien.ErrNotFound)
	}
	return nil
}

const documentColumns = `id, jurisdiction_id, recording_number, filename, size_bytes, sha256,
	page_count, blob_uri, source_url, strategy, created_at`

func scanDocument(row pgx.Row) (lien.Document, error) {
	var d lien.Document
	err := row.Scan(&d.ID, &d.JurisdictionID, &d.RecordingNumber, &d.Filename, &d.SizeBytes, &d.SHA256,
		&d.PageCount, &d.BlobURI, &d.SourceURL, &d.Strategy, &d.CreatedAt)
	return d, err //nolint:wrapcheck
}

// CreateDocument inserts document metadata. Content lives in the blob store.
func (s *Store) CreateDocument(ctx context.Context, doc lien.Document) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO lien_documents (`+documentColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		doc.ID, doc.JurisdictionID, doc.RecordingNumber, doc.Filename, doc.SizeBytes, doc.SHA256,
		doc.PageCount, doc.BlobURI, doc.SourceURL, doc.Strategy, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// FindDocument looks a document up by its natural key.
func (s *Store) FindDocument(ctx context.Context, jurisdictionID, recordingNumber, sha string) (lien.Document, error) {
	d, err := scanDocument(s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM lien_documents
WHERE jurisdiction_id = $1 AND recording_number = $2 AND sha256 = $3`, jurisdictionID, recordingNumber, sha))
	if err != nil {
		return lien.Document{}, notFound(err, fmt.Sprintf("document %s/%s", jurisdictionID, recordingNumber))
	}
	return d, nil
}

// GetDocument loads document metadata.
func (s *Store) GetDocument(ctx context.Context, id string) (lien.Document, error) {
	d, err := scanDocument(s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM lien_documents WHERE id = $1`, id))
	if err != nil {
		return lien.Document{}, notFound(err, fmt.Sprintf("document %q", id))
	}
	return d, nil
}

const runColumns = `id, trigger, status, date_from, date_to, started_at, ended_at,
	liens_found, liens_processed, liens_over_threshold, error_message`

func nullableDate(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scanRun(row pgx.Row) (lien.Run, error) {
	var (
		r               lien.Run
		trigger, status string
		from, to        *time.Time
	)
	err := row.Scan(&r.ID, &trigger, &status, &from, &to, &r.StartedAt, &r.EndedAt,
		&r.Counters.LiensFound, &r.Counters.LiensProcessed, &r.Counters.LiensOverThreshold, &r.ErrorMessage)
	if err != nil {
		return lien.Run{}, err //nolint:wrapcheck
	}
	r.Trigger = lien.TriggerType(trigger)
	r.Status = lien.RunStatus(status)
	if from != nil {
		r.DateRange.From = *from
	}
	if to != nil {
		r.DateRange.To = *to
	}
	return r, nil
}

// CreateRun inserts a new run.
func (s *Store) CreateRun(ctx context.Context, run lien.Run) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO lien_runs (`+runColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, string(run.Trigger), string(run.Status),
		nullableDate(run.DateRange.From), nullableDate(run.DateRange.To),
		run.StartedAt, run.EndedAt,
		run.Counters.LiensFound, run.Counters.LiensProcessed, run.Counters.LiensOverThreshold,
		run.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun writes a run's status, counters and end state.
func (s *Store) UpdateRun(ctx context.Context, run lien.Run) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE lien_runs SET status = $2, ended_at = $3, liens_found = $4, liens_processed = $5,
	liens_over_threshold = $6, error_message = $7
WHERE id = $1`,
		run.ID, string(run.Status), run.EndedAt,
		run.Counters.LiensFound, run.Counters.LiensProcessed, run.Counters.LiensOverThreshold,
		run.ErrorMessage)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %q: %w", run.ID, lien.ErrNotFound)
	}
	return nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, id string) (lien.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM lien_runs WHERE id = $1`, id))
	if err != nil {
		return lien.Run{}, notFound(err, fmt.Sprintf("run %q", id))
	}
	return r, nil
}

// LatestRun returns the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (lien.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM lien_runs ORDER BY started_at DESC, id DESC LIMIT 1`))
	if err != nil {
		return lien.Run{}, notFound(err, "latest run")
	}
	return r, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]lien.Run, error) {
	var args []any
	query := `SELECT ` + runColumns + ` FROM lien_runs ORDER BY started_at DESC, id DESC` + paging(&args, limit, offset)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	out := make([]lien.Run, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// FailOrphanedRuns marks every running run failed and reports how many changed.
func (s *Store) FailOrphanedRuns(ctx context.Context, endedAt time.Time, reason string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE lien_runs SET status = $1, ended_at = $2, error_message = $3
WHERE status = $4`,
		string(lien.RunFailed), endedAt, reason, string(lien.RunRunning))
	if err != nil {
		return 0, fmt.Errorf("fail orphaned runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AppendLogs inserts a batch of entries with one statement.
func (s *Store) AppendLogs(ctx context.Context, entries []lien.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	var (
		ts         = make([]time.Time, len(entries))
		levels     = make([]string, len(entries))
		components = make([]string, len(entries))
		messages   = make([]string, len(entries))
		runIDs     = make([]string, len(entries))
	)
	for i, e := range entries {
		ts[i] = e.Timestamp
		levels[i] = string(e.Level)
		components[i] = e.Component
		messages[i] = e.Message
		runIDs[i] = e.RunID
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO system_logs (ts, level, component, message, run_id)
SELECT * FROM unnest($1::timestamptz[], $2::text[], $3::text[], $4::text[], $5::text[])`,
		ts, levels, components, messages, runIDs)
	if err != nil {
		return fmt.Errorf("append logs: %w", err)
	}
	return nil
}

// ListLogs returns the newest entries first.
func (s *Store) ListLogs(ctx context.Context, limit int) ([]lien.LogEntry, error) {
	var args []any
	query := `SELECT ts, level, component, message, run_id FROM system_logs ORDER BY id DESC` + paging(&args, limit, 0)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()
	out := make([]lien.LogEntry, 0)
	for rows.Next() {
		var (
			e     lien.LogEntry
			level string
		)
		if err := rows.Scan(&e.Timestamp, &level, &e.Component, &e.Message, &e.RunID); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.Level = lien.LogLevel(level)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	return out, nil
}

// CountLiensCreatedSince counts records first created at or after since.
func (s *Store) CountLiensCreatedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM liens WHERE created_at >= $1`, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count liens: %w", err)
	}
	return n, nil
}
