package model

import "time"

// Account is a canonical financial account shared across runs.
type Account struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	Institution  string    `json:"institution,omitempty"`
	MaskedNumber string    `json:"masked_number,omitempty"`
	IsExternal   bool      `json:"is_external"`
	CreatedAt    time.Time `json:"created_at"`
}

// AccountIdentifiers is the raw identifying information the model extracted
// for one side of a transaction.
type AccountIdentifiers struct {
	Name         string `json:"name,omitempty"`
	Institution  string `json:"institution,omitempty"`
	MaskedNumber string `json:"masked_number,omitempty"`
}

// Empty reports whether no identifying information is present.
func (a AccountIdentifiers) Empty() bool {
	return a.Name == "" && a.MaskedNumber == ""
}
