package models

import "github.com/shopspring/decimal"

// BudgetRange is an optional client constraint. A zero Max means unbounded.
type BudgetRange struct {
	Min decimal.Decimal `json:"min" yaml:"min"`
	Max decimal.Decimal `json:"max" yaml:"max"`
}

// ClientProfile is owned by account management; the engine only reads it.
type ClientProfile struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	Sectors      []string     `json:"sectors" yaml:"sectors"`
	Requirements string       `json:"requirements" yaml:"requirements"`
	Budget       *BudgetRange `json:"budget,omitempty" yaml:"budget,omitempty"`
	Regions      []string     `json:"regions,omitempty" yaml:"regions,omitempty"`
	Active       bool         `json:"active" yaml:"active"`
}
