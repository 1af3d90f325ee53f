// core/genesis/spec.go
package genesis

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	nftcrypto "nftmarket/crypto"
)

// GenesisSpec seeds a fresh node: collections to register, opening balances,
// minted tokens and standing operator approvals.
type GenesisSpec struct {
	Collections       []CollectionSpec `yaml:"collections"`
	Balances          []BalanceSpec    `yaml:"balances"`
	Mints             []MintSpec       `yaml:"mints"`
	OperatorApprovals []ApprovalSpec   `yaml:"operatorApprovals"`

	digest []byte
}

type CollectionSpec struct {
	Contract string `yaml:"contract"`
	Name     string `yaml:"name"`

	contract [20]byte
}

type BalanceSpec struct {
	Address string `yaml:"address"`
	Amount  string `yaml:"amount"`

	address [20]byte
	amount  *big.Int
}

type MintSpec struct {
	Contract string   `yaml:"contract"`
	Owner    string   `yaml:"owner"`
	TokenIDs []string `yaml:"tokenIds"`

	contract [20]byte
	owner    [20]byte
	tokenIDs []*uint256.Int
}

type ApprovalSpec struct {
	Contract string `yaml:"contract"`
	Owner    string `yaml:"owner"`
	Operator string `yaml:"operator"`

	contract [20]byte
	owner    [20]byte
	operator [20]byte
}

func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	spec, err := ParseGenesisSpec(raw)
	if err != nil {
		return nil, fmt.Errorf("genesis spec %q: %w", path, err)
	}
	return spec, nil
}

// ParseGenesisSpec decodes and validates a YAML genesis document. Unknown
// fields are rejected.
func ParseGenesisSpec(raw []byte) (*GenesisSpec, error) {
	var spec GenesisSpec
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("invalid: %w", err)
	}
	spec.digest = crypto.Keccak256(raw)
	return &spec, nil
}

// Digest identifies the genesis document that was parsed.
func (s *GenesisSpec) Digest() []byte {
	return append([]byte(nil), s.digest...)
}

func (s *GenesisSpec) validate() error {
	collections := make(map[[20]byte]struct{}, len(s.Collections))
	for i := range s.Collections {
		c := &s.Collections[i]
		addr, err := parseAccount(c.Contract)
		if err != nil {
			return fmt.Errorf("collection[%d]: contract: %w", i, err)
		}
		if _, exists := collections[addr]; exists {
			return fmt.Errorf("collection[%d]: duplicate contract %s", i, c.Contract)
		}
		collections[addr] = struct{}{}
		c.contract = addr
	}

	funded := make(map[[20]byte]struct{}, len(s.Balances))
	for i := range s.Balances {
		b := &s.Balances[i]
		addr, err := parseAccount(b.Address)
		if err != nil {
			return fmt.Errorf("balance[%d]: address: %w", i, err)
		}
		if _, exists := funded[addr]; exists {
			return fmt.Errorf("balance[%d]: duplicate address %s", i, b.Address)
		}
		funded[addr] = struct{}{}
		amount, err := parseAmountString(b.Amount)
		if err != nil {
			return fmt.Errorf("balance[%d]: amount: %w", i, err)
		}
		b.address = addr
		b.amount = amount
	}

	type tokenKey struct {
		contract [20]byte
		id       uint256.Int
	}
	minted := make(map[tokenKey]struct{})
	for i := range s.Mints {
		m := &s.Mints[i]
		contract, err := parseAccount(m.Contract)
		if err != nil {
			return fmt.Errorf("mint[%d]: contract: %w", i, err)
		}
		if _, ok := collections[contract]; !ok {
			return fmt.Errorf("mint[%d]: contract %s is not a declared collection", i, m.Contract)
		}
		owner, err := parseAccount(m.Owner)
		if err != nil {
			return fmt.Errorf("mint[%d]: owner: %w", i, err)
		}
		if len(m.TokenIDs) == 0 {
			return fmt.Errorf("mint[%d]: tokenIds must not be empty", i)
		}
		m.contract = contract
		m.owner = owner
		m.tokenIDs = m.tokenIDs[:0]
		for j, raw := range m.TokenIDs {
			id, err := uint256.FromDecimal(strings.TrimSpace(raw))
			if err != nil {
				return fmt.Errorf("mint[%d]: tokenIds[%d]: %w", i, j, err)
			}
			key := tokenKey{contract: contract, id: *id}
			if _, exists := minted[key]; exists {
				return fmt.Errorf("mint[%d]: token %s minted twice", i, raw)
			}
			minted[key] = struct{}{}
			m.tokenIDs = append(m.tokenIDs, id)
		}
	}

	for i := range s.OperatorApprovals {
		a := &s.OperatorApprovals[i]
		contract, err := parseAccount(a.Contract)
		if err != nil {
			return fmt.Errorf("operatorApproval[%d]: contract: %w", i, err)
		}
		if _, ok := collections[contract]; !ok {
			return fmt.Errorf("operatorApproval[%d]: contract %s is not a declared collection", i, a.Contract)
		}
		owner, err := parseAccount(a.Owner)
		if err != nil {
			return fmt.Errorf("operatorApproval[%d]: owner: %w", i, err)
		}
		operator, err := parseAccount(a.Operator)
		if err != nil {
			return fmt.Errorf("operatorApproval[%d]: operator: %w", i, err)
		}
		if owner == operator {
			return fmt.Errorf("operatorApproval[%d]: owner and operator must differ", i)
		}
		a.contract, a.owner, a.operator = contract, owner, operator
	}
	return nil
}

func parseAccount(raw string) ([20]byte, error) {
	addr, err := nftcrypto.ParseAddress(raw)
	if err != nil {
		return [20]byte{}, err
	}
	if addr.IsZero() {
		return [20]byte{}, fmt.Errorf("zero address")
	}
	return addr, nil
}

func parseAmountString(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return value, nil
}
