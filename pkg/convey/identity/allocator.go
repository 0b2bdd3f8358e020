// Package identity allocates per-repository build numbers. The counter is a
// single mutable record per (owner, name, provider) which must never hand the
// same number to two builds, so allocation serializes on the database.
package identity

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"golang.org/x/xerrors"
	_ "modernc.org/sqlite"

	"github.com/convey-ci/convey/pkg/convey/scm"
)

const schema = `
CREATE TABLE IF NOT EXISTS build_identifiers (
	owner    TEXT NOT NULL,
	name     TEXT NOT NULL,
	provider TEXT NOT NULL,
	value    INTEGER NOT NULL,
	PRIMARY KEY (owner, name, provider)
);`

// Allocator hands out monotonically increasing build numbers, one sequence
// per repository. The primary key makes duplicate counter records impossible,
// which resolves what would otherwise be an undefined tie-break.
type Allocator struct {
	db *sql.DB
}

// Open opens (and if necessary initializes) the allocator database at path.
func Open(path string) (*Allocator, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, xerrors.Errorf("cannot open identity store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, xerrors.Errorf("cannot initialize identity store: %w", err)
	}
	return &Allocator{db: db}, nil
}

// Close releases the underlying database.
func (a *Allocator) Close() error {
	return a.db.Close()
}

// Allocate bumps the counter for the repository and returns the new value.
// The first allocation for a previously unseen repository returns "1". The
// updated record is persisted before the identifier is handed to the caller:
// the number appears in tag names and downstream systems may query for it
// immediately.
func (a *Allocator) Allocate(ctx context.Context, ref scm.RepoRef) (string, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return "", xerrors.Errorf("cannot begin allocation: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO build_identifiers (owner, name, provider, value) VALUES (?, ?, ?, 1)
		ON CONFLICT (owner, name, provider) DO UPDATE SET value = value + 1`,
		ref.Owner, ref.Name, ref.Provider)
	if err != nil {
		return "", xerrors.Errorf("cannot bump build identifier: %w", err)
	}

	var value int64
	err = tx.QueryRowContext(ctx, `
		SELECT value FROM build_identifiers WHERE owner = ? AND name = ? AND provider = ?`,
		ref.Owner, ref.Name, ref.Provider).Scan(&value)
	if err != nil {
		return "", xerrors.Errorf("cannot read build identifier: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", xerrors.Errorf("cannot persist build identifier: %w", err)
	}

	return strconv.FormatInt(value, 10), nil
}
