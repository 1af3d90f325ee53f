// core/genesis/loader.go
package genesis

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"nftmarket/native/bank"
	"nftmarket/native/nft"
)

// ErrGenesisMismatch is returned when the database was seeded from a
// different genesis document.
var ErrGenesisMismatch = errors.New("genesis: database was initialised from a different genesis document")

type markerStore interface {
	GenesisDigest() ([]byte, bool, error)
	SetGenesisDigest(digest []byte) error
}

// Apply registers the genesis collections and restores operator approvals
// on every start; both live in memory. Balances and mints are applied once per
// database and guarded by the recorded genesis digest. The boolean reports
// whether the one-time seed ran.
func Apply(ctx context.Context, spec *GenesisSpec, registry *nft.Registry, rail *bank.Rail, markers markerStore) (bool, error) {
	if spec == nil {
		return false, fmt.Errorf("genesis spec must not be nil")
	}
	if registry == nil || rail == nil || markers == nil {
		return false, fmt.Errorf("genesis: registry, rail and marker store are required")
	}

	for _, c := range spec.Collections {
		if _, err := registry.Register(c.contract, c.Name); err != nil {
			return false, fmt.Errorf("register collection %s: %w", c.Contract, err)
		}
	}

	seeded := false
	recorded, ok, err := markers.GenesisDigest()
	if err != nil {
		return false, fmt.Errorf("read genesis marker: %w", err)
	}
	switch {
	case ok && !bytes.Equal(recorded, spec.digest):
		return false, fmt.Errorf("%w: have %s, spec %s", ErrGenesisMismatch, hex.EncodeToString(recorded), hex.EncodeToString(spec.digest))
	case !ok:
		if err := seed(ctx, spec, registry, rail); err != nil {
			return false, err
		}
		if err := markers.SetGenesisDigest(spec.digest); err != nil {
			return false, fmt.Errorf("record genesis marker: %w", err)
		}
		seeded = true
	}

	for _, a := range spec.OperatorApprovals {
		collection, ok := registry.Collection(a.contract)
		if !ok {
			return seeded, fmt.Errorf("operator approval: unknown collection %s", a.Contract)
		}
		if err := collection.SetApprovalForAll(a.owner, a.operator, true); err != nil {
			return seeded, fmt.Errorf("operator approval %s -> %s: %w", a.Owner, a.Operator, err)
		}
	}
	return seeded, nil
}

func seed(ctx context.Context, spec *GenesisSpec, registry *nft.Registry, rail *bank.Rail) error {
	// Balances (sorted by address)
	balances := append([]BalanceSpec(nil), spec.Balances...)
	sort.Slice(balances, func(i, j int) bool {
		return bytes.Compare(balances[i].address[:], balances[j].address[:]) < 0
	})
	for _, b := range balances {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := rail.Credit(b.address, b.amount); err != nil {
			return fmt.Errorf("credit %s: %w", b.Address, err)
		}
	}

	// Mints (declaration order)
	for _, m := range spec.Mints {
		for i, id := range m.tokenIDs {
			if err := registry.Mint(m.contract, m.owner, id); err != nil {
				return fmt.Errorf("mint %s #%s: %w", m.Contract, m.TokenIDs[i], err)
			}
		}
	}
	return nil
}
