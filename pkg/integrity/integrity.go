// Copyright 2026 The Funtoo Metatools Authors
// SPDX-License-Identifier: Apache-2.0

// Package integrity maps scoped, caller-defined keys (an authoritative URL
// within a given scope, e.g. a distfile namespace) to the BLOS object hash
// that currently satisfies them, persisted in the same sqlite database
// pkg/fetchcache uses.
package integrity

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/funtoo/metatools/pkg/ferrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS integrity_records (
	scope       TEXT NOT NULL,
	key         TEXT NOT NULL,
	sha512      TEXT NOT NULL,
	size        INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (scope, key)
);
`

// DB is the IntegrityDB. It shares the sql.DB handle backing a fetchcache.Cache.
type DB struct {
	db *sql.DB
}

// Open wraps db (a handle already holding fetch_cache's schema or its own)
// and ensures the integrity_records table exists.
func Open(db *sql.DB) (*DB, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "integrity: initializing schema")
	}
	return &DB{db: db}, nil
}

// Record associates a scoped key with the BLOS object that satisfies it.
type Record struct {
	Scope     string
	Key       string
	SHA512    string
	Size      int64
	UpdatedAt time.Time
}

// Resolve looks up the object currently recorded for (scope, key).
func (d *DB) Resolve(ctx context.Context, scope, key string) (*Record, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT scope, key, sha512, size, updated_at FROM integrity_records WHERE scope = ? AND key = ?`, scope, key)
	var rec Record
	var updatedAtUnix int64
	if err := row.Scan(&rec.Scope, &rec.Key, &rec.SHA512, &rec.Size, &updatedAtUnix); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(ferrors.NotFound, "integrity: no record for scope/key")
		}
		return nil, errors.Wrap(err, "integrity: resolving record")
	}
	rec.UpdatedAt = time.Unix(updatedAtUnix, 0).UTC()
	return &rec, nil
}

// ResolveExpect resolves (scope, key) and verifies the recorded object
// matches expectedSHA512, returning ferrors.HashMismatch on disagreement.
func (d *DB) ResolveExpect(ctx context.Context, scope, key, expectedSHA512 string) (*Record, error) {
	rec, err := d.Resolve(ctx, scope, key)
	if err != nil {
		return nil, err
	}
	if rec.SHA512 != expectedSHA512 {
		return nil, errors.Wrapf(ferrors.HashMismatch,
			"integrity: %s/%s records sha512 %s, caller expected %s", scope, key, rec.SHA512, expectedSHA512)
	}
	return rec, nil
}

// Record upserts the object satisfying (scope, key), overwriting whatever
// was previously recorded. Used both for first population and for fixing
// up a scope entry to point at a corrected object.
func (d *DB) Record(ctx context.Context, scope, key, sha512 string, size int64) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO integrity_records (scope, key, sha512, size, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(scope, key) DO UPDATE SET sha512=excluded.sha512, size=excluded.size, updated_at=excluded.updated_at`,
		scope, key, sha512, size, time.Now().UTC().Unix())
	if err != nil {
		return errors.Wrap(err, "integrity: recording object")
	}
	return nil
}

// Remove deletes the record for (scope, key), if any. Returns
// ferrors.NotFound if no such record exists.
func (d *DB) Remove(ctx context.Context, scope, key string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM integrity_records WHERE scope = ? AND key = ?`, scope, key)
	if err != nil {
		return errors.Wrap(err, "integrity: removing record")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "integrity: checking removal")
	}
	if n == 0 {
		return errors.Wrap(ferrors.NotFound, "integrity: no record for scope/key")
	}
	return nil
}
