package loans

import (
	"fmt"
	"math/big"

	"recfin/core/types"
	"recfin/crypto"
)

// accountSet batches balance mutations so a multi-leg settlement either
// persists completely or not at all. Accounts are loaded once, mutated in
// memory, and written back in load order.
type accountSet struct {
	engine   *Engine
	order    []string
	accounts map[string]*types.Account
}

func (e *Engine) newAccountSet() *accountSet {
	return &accountSet{engine: e, accounts: make(map[string]*types.Account)}
}

func (s *accountSet) load(addr crypto.Address) (*types.Account, error) {
	key := addr.String()
	if account, ok := s.accounts[key]; ok {
		return account, nil
	}
	account, err := s.engine.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if account == nil {
		account = &types.Account{Balance: big.NewInt(0)}
	}
	if account.Balance == nil {
		account.Balance = big.NewInt(0)
	}
	s.order = append(s.order, key)
	s.accounts[key] = account
	return account, nil
}

// transfer moves amount between two balances in memory. A zero amount is a
// no-op; the source must already hold the funds.
func (s *accountSet) transfer(from, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return errInvalidAmount
	}
	source, err := s.load(from)
	if err != nil {
		return err
	}
	if source.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", errInsufficientBalance, from.String(), source.Balance, amount)
	}
	dest, err := s.load(to)
	if err != nil {
		return err
	}
	source.Balance = new(big.Int).Sub(source.Balance, amount)
	dest.Balance = new(big.Int).Add(dest.Balance, amount)
	return nil
}

func (s *accountSet) persist() error {
	for _, key := range s.order {
		addr, err := crypto.DecodeAddress(key)
		if err != nil {
			return err
		}
		if err := s.engine.state.PutAccount(addr, s.accounts[key]); err != nil {
			return err
		}
	}
	return nil
}

// distributeClaimedFunds splits a settled payment between the pool, the pool
// administrator and the protocol vault. The administrator's share is waived
// when the pool lacks first-loss cover; the waived portion stays with the
// pool.
func (e *Engine) distributeClaimedFunds(accounts *accountSet, payment *Payment, principal, grossInterest *big.Int) error {
	protocolFee := feeShare(grossInterest, payment.ProtocolFeeRate)
	adminFee := big.NewInt(0)
	if e.poolCfg.HasSufficientCover() {
		adminFee = feeShare(grossInterest, payment.AdminFeeRate)
	}
	poolShare := addBig(principal, grossInterest)
	poolShare = clampSub(poolShare, protocolFee)
	poolShare = clampSub(poolShare, adminFee)

	if err := accounts.transfer(e.moduleAddress, e.poolCfg.Pool(), poolShare); err != nil {
		return err
	}
	if err := accounts.transfer(e.moduleAddress, e.poolCfg.PoolAdmin(), adminFee); err != nil {
		return err
	}
	return accounts.transfer(e.moduleAddress, e.globals.ProtocolVault(), protocolFee)
}

// distributeLiquidationFunds runs the repossession waterfall over whatever the
// engine recovered: protocol fees first, then pool losses, any remainder back
// to the borrower. It returns the losses and fees still outstanding after the
// recovery is exhausted.
func (e *Engine) distributeLiquidationFunds(accounts *accountSet, borrower crypto.Address, recovered, protocolFees, remainingLosses *big.Int) (*big.Int, *big.Int, error) {
	losses := cloneBigInt(remainingLosses)
	fees := cloneBigInt(protocolFees)
	if recovered == nil || recovered.Sign() == 0 {
		return losses, fees, nil
	}
	remainder := cloneBigInt(recovered)

	toVault := minBig(remainder, fees)
	if err := accounts.transfer(e.moduleAddress, e.globals.ProtocolVault(), toVault); err != nil {
		return nil, nil, err
	}
	fees = clampSub(fees, toVault)
	remainder = clampSub(remainder, toVault)

	toPool := minBig(remainder, losses)
	if err := accounts.transfer(e.moduleAddress, e.poolCfg.Pool(), toPool); err != nil {
		return nil, nil, err
	}
	losses = clampSub(losses, toPool)
	remainder = clampSub(remainder, toPool)

	if err := accounts.transfer(e.moduleAddress, borrower, remainder); err != nil {
		return nil, nil, err
	}
	return losses, fees, nil
}
