package types

import "math/big"

// Account tracks the fungible-asset balance held by a ledger participant.
// Balances are denominated in the smallest asset unit and stored as big
// integers to keep settlement arithmetic exact.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{Nonce: a.Nonce}
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	}
	return clone
}
