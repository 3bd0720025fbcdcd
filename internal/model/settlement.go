package model

import "time"

// SettlementRecord is one journal entry for a finalized payment. The
// signature is deliberately not part of the record.
type SettlementRecord struct {
	ID        string    `json:"id" db:"id"`
	Nonce     string    `json:"nonce" db:"nonce"`
	Payer     string    `json:"payer" db:"payer"`
	PayTo     string    `json:"pay_to" db:"pay_to"`
	Asset     string    `json:"asset" db:"asset"`
	Amount    string    `json:"amount" db:"amount"`
	Network   string    `json:"network" db:"network"`
	TxHash    string    `json:"tx_hash,omitempty" db:"tx_hash"`
	Outcome   string    `json:"outcome" db:"outcome"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
