package state

import (
	"fmt"
	"math/big"

	"nftmarket/core/types"
	"nftmarket/storage"
)

type storedAccount struct {
	Nonce   uint64
	Balance *big.Int
}

func accountKey(addr [20]byte) []byte {
	return prefixedKey(accountPrefix, addr[:])
}

// Account loads the account for addr. Unknown accounts are returned with a
// zero balance.
func (m *Manager) Account(addr [20]byte) (*types.Account, error) {
	var stored storedAccount
	ok, err := m.get(accountKey(addr), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return (&types.Account{}).EnsureBalance(), nil
	}
	acc := &types.Account{Nonce: stored.Nonce, Balance: stored.Balance}
	return acc.EnsureBalance(), nil
}

// PutAccount persists acc for addr.
func (m *Manager) PutAccount(addr [20]byte, acc *types.Account) error {
	acc = acc.EnsureBalance()
	if acc.Balance.Sign() < 0 {
		return fmt.Errorf("negative balance not allowed")
	}
	return m.put(accountKey(addr), &storedAccount{Nonce: acc.Nonce, Balance: new(big.Int).Set(acc.Balance)})
}

// CommitAccounts persists every account in one batch.
func (m *Manager) CommitAccounts(accounts map[[20]byte]*types.Account) error {
	batch := new(storage.Batch)
	for addr, acc := range accounts {
		acc = acc.EnsureBalance()
		if acc.Balance.Sign() < 0 {
			return fmt.Errorf("negative balance not allowed")
		}
		if err := queue(batch, accountKey(addr), &storedAccount{Nonce: acc.Nonce, Balance: new(big.Int).Set(acc.Balance)}); err != nil {
			return err
		}
	}
	return m.db.Write(batch)
}

// Balance retrieves the native balance for addr.
func (m *Manager) Balance(addr [20]byte) (*big.Int, error) {
	acc, err := m.Account(addr)
	if err != nil {
		return nil, err
	}
	return acc.Balance, nil
}
