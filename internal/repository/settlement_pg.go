package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/paygate-labs/paygate/internal/model"
)

type PostgresSettlementRepo struct {
	db *sqlx.DB
}

func NewPostgresSettlementRepo(db *sqlx.DB) (*PostgresSettlementRepo, error) {
	repo := &PostgresSettlementRepo{db: db}
	if err := repo.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *PostgresSettlementRepo) Insert(ctx context.Context, rec *model.SettlementRecord) error {
	if rec == nil {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settlements (
			id, nonce, payer, pay_to, asset, amount, network, tx_hash, outcome, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.Nonce, rec.Payer, rec.PayTo, rec.Asset, rec.Amount,
		rec.Network, rec.TxHash, rec.Outcome, rec.CreatedAt)
	return err
}

func (r *PostgresSettlementRepo) List(ctx context.Context, payer string, limit int, from, to *time.Time) ([]*model.SettlementRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT id, nonce, payer, pay_to, asset, amount, network, tx_hash, outcome, created_at FROM settlements`
	clauses := []string{}
	args := []interface{}{}
	idx := 1

	if payer != "" {
		clauses = append(clauses, fmt.Sprintf("payer = $%d", idx))
		args = append(args, strings.ToLower(payer))
		idx++
	}
	if from != nil {
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", idx))
		args = append(args, *from)
		idx++
	}
	if to != nil {
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", idx))
		args = append(args, *to)
		idx++
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*model.SettlementRecord, 0, limit)
	for rows.Next() {
		var rec model.SettlementRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (r *PostgresSettlementRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS settlements (
			id TEXT PRIMARY KEY,
			nonce TEXT,
			payer TEXT,
			pay_to TEXT,
			asset TEXT,
			amount TEXT,
			network TEXT,
			tx_hash TEXT,
			outcome TEXT,
			created_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return err
	}
	_, _ = r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_settlements_payer ON settlements(payer, created_at DESC)`)
	return nil
}
