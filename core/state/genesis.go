package state

var genesisDigestKey = []byte("genesis/digest")

// GenesisDigest returns the digest of the genesis document applied to this
// database, if any.
func (m *Manager) GenesisDigest() ([]byte, bool, error) {
	var digest []byte
	ok, err := m.KVGet(genesisDigestKey, &digest)
	if err != nil || !ok {
		return nil, false, err
	}
	return digest, true, nil
}

// SetGenesisDigest records that the genesis document with digest has been
// applied.
func (m *Manager) SetGenesisDigest(digest []byte) error {
	return m.KVPut(genesisDigestKey, digest)
}
