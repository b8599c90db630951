package model

import "time"

// Transaction is the canonical row persisted for one extracted financial
// transaction.
type Transaction struct {
	ID              string         `json:"id"`
	RunID           string         `json:"run_id"`
	EmailID         string         `json:"email_id"`
	AccountID       string         `json:"account_id,omitempty"`
	ToAccountID     string         `json:"to_account_id,omitempty"`
	Type            string         `json:"type,omitempty"`
	Amount          string         `json:"amount,omitempty"`
	Currency        string         `json:"currency,omitempty"`
	Date            string         `json:"date,omitempty"`
	Description     string         `json:"description,omitempty"`
	Counterparty    string         `json:"counterparty,omitempty"`
	ReferenceNumber string         `json:"reference_number,omitempty"`
	Category        string         `json:"category,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
	ModelID         string         `json:"model_id"`
	Confidence      float64        `json:"confidence"`
	RunCompleted    bool           `json:"run_completed"`
	CreatedAt       time.Time      `json:"created_at"`
}
