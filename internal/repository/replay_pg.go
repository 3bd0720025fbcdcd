package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/paygate-labs/paygate/internal/replay"
)

// PostgresReplayStore is the durable replay cache for deployments that must
// survive restarts without ever reusing a nonce.
type PostgresReplayStore struct {
	db *sqlx.DB
}

func NewPostgresReplayStore(db *sqlx.DB) (*PostgresReplayStore, error) {
	store := &PostgresReplayStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresReplayStore) Reserve(ctx context.Context, nonce string, expiresAt time.Time) (*replay.Entry, bool, error) {
	now := time.Now().UTC()

	// Reclaim abandoned reservations first so a crashed holder cannot lock
	// the nonce forever.
	_, _ = s.db.ExecContext(ctx, `
		DELETE FROM replay_nonces
		WHERE nonce = $1
		  AND ((pending AND first_seen_at < $2) OR (NOT pending AND expires_at < $3))
	`, nonce, now.Add(-2*time.Minute), now)

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO replay_nonces (nonce, pending, first_seen_at, expires_at)
		VALUES ($1, true, $2, $3)
		ON CONFLICT (nonce) DO NOTHING
	`, nonce, now, expiresAt.UTC())
	if err != nil {
		return nil, false, err
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		return nil, true, nil
	}

	var entry replay.Entry
	var reason, ref *string
	err = s.db.QueryRowxContext(ctx, `
		SELECT nonce, pending, verified, reason, settlement_ref, first_seen_at, expires_at
		FROM replay_nonces
		WHERE nonce = $1
	`, nonce).Scan(&entry.Nonce, &entry.Pending, &entry.Verified, &reason, &ref, &entry.FirstSeenAt, &entry.ExpiresAt)
	if err != nil {
		return nil, false, err
	}
	if reason != nil {
		entry.Reason = *reason
	}
	if ref != nil {
		entry.SettlementRef = *ref
	}
	return &entry, false, nil
}

func (s *PostgresReplayStore) Finalize(ctx context.Context, nonce string, verified bool, reason, ref string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE replay_nonces
		SET pending = false, verified = $2, reason = $3, settlement_ref = $4
		WHERE nonce = $1 AND pending
	`, nonce, verified, reason, ref)
	return err
}

func (s *PostgresReplayStore) Release(ctx context.Context, nonce string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM replay_nonces WHERE nonce = $1 AND pending`, nonce)
	return err
}

func (s *PostgresReplayStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS replay_nonces (
			nonce TEXT PRIMARY KEY,
			pending BOOLEAN NOT NULL DEFAULT true,
			verified BOOLEAN NOT NULL DEFAULT false,
			reason TEXT,
			settlement_ref TEXT,
			first_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

// Cleanup purges entries that expired before the retention window. Run it
// on a timer; correctness only needs expiry, not cadence.
func (s *PostgresReplayStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	_, err := s.db.ExecContext(ctx, `DELETE FROM replay_nonces WHERE expires_at < $1`, cutoff)
	return err
}
