package threat

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kestrel-hq/kestrel/pkg/types"
)

// CreatorRecord is one creator's persistent reputation. Mint records hold
// only the creator address; the store is the arena that breaks the
// mint/creator reference cycle.
type CreatorRecord struct {
	Address   types.MintAddress
	FirstSeen time.Time
	Launches  int
	Rugs      int
	Graduated int
}

// ReputationStore is the append-mostly creator reputation database.
type ReputationStore struct {
	db *sql.DB
}

// OpenReputationStore opens (and migrates) the sqlite-backed store.
func OpenReputationStore(path string) (*ReputationStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open reputation store: %w", err)
	}
	// Single writer; sqlite serializes the rest.
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS creators (
	address    TEXT PRIMARY KEY,
	first_seen INTEGER NOT NULL,
	launches   INTEGER NOT NULL DEFAULT 0,
	rugs       INTEGER NOT NULL DEFAULT 0,
	graduated  INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate reputation store: %w", err)
	}
	return &ReputationStore{db: db}, nil
}

// Close releases the database.
func (s *ReputationStore) Close() error { return s.db.Close() }

// Get looks a creator up; ok is false for unknown creators.
func (s *ReputationStore) Get(ctx context.Context, addr types.MintAddress) (CreatorRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT first_seen, launches, rugs, graduated FROM creators WHERE address = ?`,
		addr.String())

	var firstSeen int64
	rec := CreatorRecord{Address: addr}
	err := row.Scan(&firstSeen, &rec.Launches, &rec.Rugs, &rec.Graduated)
	if err == sql.ErrNoRows {
		return CreatorRecord{}, false, nil
	}
	if err != nil {
		return CreatorRecord{}, false, err
	}
	rec.FirstSeen = time.Unix(firstSeen, 0)
	return rec, true, nil
}

// RecordLaunch notes that a creator launched a token.
func (s *ReputationStore) RecordLaunch(ctx context.Context, addr types.MintAddress, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO creators (address, first_seen, launches, updated_at) VALUES (?, ?, 1, ?)
ON CONFLICT(address) DO UPDATE SET launches = launches + 1, updated_at = excluded.updated_at`,
		addr.String(), at.Unix(), at.Unix())
	return err
}

// RecordRug notes a rug attributed to the creator.
func (s *ReputationStore) RecordRug(ctx context.Context, addr types.MintAddress, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO creators (address, first_seen, rugs, updated_at) VALUES (?, ?, 1, ?)
ON CONFLICT(address) DO UPDATE SET rugs = rugs + 1, updated_at = excluded.updated_at`,
		addr.String(), at.Unix(), at.Unix())
	return err
}

// RecordGraduation notes a token of this creator graduating to the AMM.
func (s *ReputationStore) RecordGraduation(ctx context.Context, addr types.MintAddress, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO creators (address, first_seen, graduated, updated_at) VALUES (?, ?, 1, ?)
ON CONFLICT(address) DO UPDATE SET graduated = graduated + 1, updated_at = excluded.updated_at`,
		addr.String(), at.Unix(), at.Unix())
	return err
}
