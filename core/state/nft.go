package state

import (
	"github.com/holiman/uint256"
)

func nftOwnerKey(contract [20]byte, tokenID *uint256.Int) []byte {
	id := tokenID.Bytes32()
	buf := make([]byte, 0, len(contract)+len(id))
	buf = append(buf, contract[:]...)
	buf = append(buf, id[:]...)
	return prefixedKey(nftOwnerPrefix, buf)
}

// NFTOwner returns the recorded owner of a token.
func (m *Manager) NFTOwner(contract [20]byte, tokenID *uint256.Int) ([20]byte, bool, error) {
	var owner [20]byte
	ok, err := m.get(nftOwnerKey(contract, tokenID), &owner)
	if err != nil || !ok {
		return [20]byte{}, false, err
	}
	return owner, true, nil
}

// SetNFTOwner records the owner of a token.
func (m *Manager) SetNFTOwner(contract [20]byte, tokenID *uint256.Int, owner [20]byte) error {
	return m.put(nftOwnerKey(contract, tokenID), owner)
}
