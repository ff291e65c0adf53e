// internal/store/sql.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq" // registers the "postgres" driver
	"github.com/pkg/errors"

	"github.com/softwarefaith/appflowy/pkg/ot"
	"github.com/softwarefaith/appflowy/pkg/revision"
)

const schema = `
CREATE TABLE IF NOT EXISTS revisions (
	doc_id        TEXT        NOT NULL,
	rev_id        BIGINT      NOT NULL,
	base_revision BIGINT      NOT NULL,
	user_id       TEXT        NOT NULL DEFAULT '',
	delta         TEXT        NOT NULL,
	md5           TEXT        NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (doc_id, rev_id)
);
CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// uniqueViolation is the Postgres SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// SQLStore keeps the revision log in Postgres, through either the lib/pq
// ("postgres") or pgx ("pgx") driver.
type SQLStore struct {
	db *sqlx.DB
}

type revisionRow struct {
	DocID        string    `db:"doc_id"`
	RevID        int64     `db:"rev_id"`
	BaseRevision int64     `db:"base_revision"`
	UserID       string    `db:"user_id"`
	Delta        string    `db:"delta"`
	MD5          string    `db:"md5"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r revisionRow) revision() (revision.Revision, error) {
	rev := revision.Revision{
		DocumentID:   r.DocID,
		BaseRevision: uint64(r.BaseRevision),
		RevisionID:   uint64(r.RevID),
		UserID:       r.UserID,
	}
	d, err := ot.ParseDelta([]byte(r.Delta))
	if err != nil {
		return rev, errors.Wrapf(err, "decode delta of %s@%d", r.DocID, r.RevID)
	}
	rev.Delta = d
	if err := rev.Checksum.UnmarshalText([]byte(r.MD5)); err != nil {
		return rev, err
	}
	return rev, nil
}

// OpenSQL connects with driverName ("postgres" or "pgx") and creates the
// tables when missing.
func OpenSQL(ctx context.Context, driverName, dsn string) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", driverName)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create schema")
	}
	return &SQLStore{db: db}, nil
}

// isUniqueViolation reports whether err is a duplicate key error from
// either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}

func (s *SQLStore) Append(ctx context.Context, rev revision.Revision) error {
	delta, err := json.Marshal(rev.Delta)
	if err != nil {
		return errors.Wrap(err, "encode delta")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var head int64
	q := tx.Rebind(`SELECT COALESCE(MAX(rev_id), 0) FROM revisions WHERE doc_id = ?`)
	if err := tx.GetContext(ctx, &head, q, rev.DocumentID); err != nil {
		return errors.Wrap(err, "read head")
	}
	if err := checkNext(uint64(head), rev); err != nil {
		return err
	}

	q = tx.Rebind(`INSERT INTO revisions (doc_id, rev_id, base_revision, user_id, delta, md5)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, q, rev.DocumentID, int64(rev.RevisionID), int64(rev.BaseRevision),
		rev.UserID, string(delta), rev.Checksum.String())
	if isUniqueViolation(err) {
		return errors.Wrapf(ErrConflict, "%s", rev)
	}
	if err != nil {
		return errors.Wrapf(err, "insert %s", rev)
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(ErrConflict, "%s", rev)
		}
		return err
	}
	return nil
}

func (s *SQLStore) Revisions(ctx context.Context, docID string, from uint64) ([]revision.Revision, error) {
	if _, err := s.Head(ctx, docID); err != nil {
		return nil, err
	}
	var rows []revisionRow
	q := s.db.Rebind(`SELECT doc_id, rev_id, base_revision, user_id, delta, md5, created_at
		FROM revisions WHERE doc_id = ? AND rev_id > ? ORDER BY rev_id`)
	if err := s.db.SelectContext(ctx, &rows, q, docID, int64(from)); err != nil {
		return nil, errors.Wrapf(err, "select revisions of %s", docID)
	}
	out := make([]revision.Revision, 0, len(rows))
	for _, r := range rows {
		rev, err := r.revision()
		if err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, nil
}

func (s *SQLStore) Head(ctx context.Context, docID string) (uint64, error) {
	var head int64
	q := s.db.Rebind(`SELECT COALESCE(MAX(rev_id), 0) FROM revisions WHERE doc_id = ?`)
	if err := s.db.GetContext(ctx, &head, q, docID); err != nil {
		return 0, errors.Wrapf(err, "read head of %s", docID)
	}
	if head == 0 {
		return 0, errors.Wrapf(ErrNotFound, "document %s", docID)
	}
	return uint64(head), nil
}

func (s *SQLStore) Delete(ctx context.Context, docID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM revisions WHERE doc_id = ?`), docID)
	if err != nil {
		return errors.Wrapf(err, "delete %s", docID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(ErrNotFound, "document %s", docID)
	}
	return nil
}

func (s *SQLStore) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.GetContext(ctx, &v, s.db.Rebind(`SELECT value FROM metadata WHERE key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrapf(ErrNotFound, "meta %s", key)
	}
	return v, err
}

func (s *SQLStore) SetMeta(ctx context.Context, key, value string) error {
	q := s.db.Rebind(`INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`)
	_, err := s.db.ExecContext(ctx, q, key, value)
	return errors.Wrapf(err, "set meta %s", key)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
