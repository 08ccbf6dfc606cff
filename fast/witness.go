package fast

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// StateWitness is the serialized form of a VMState snapshot, sufficient to
// resume execution or independently re-verify a shard.
type StateWitness []byte

// StateHash is the keccak256 commitment over the witness bytes; the proving
// pipeline identifies shard pre/post states by this hash.
func (sw StateWitness) StateHash() common.Hash {
	return crypto.Keccak256Hash(sw)
}

// EncodeWitness encodes the full architectural state. The result holds no
// alias into the live state.
func (s *VMState) EncodeWitness() (StateWitness, error) {
	var buf bytes.Buffer
	if err := s.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode state witness: %w", err)
	}
	return buf.Bytes(), nil
}

// StateFromWitness reconstructs the snapshot a witness was taken from.
func StateFromWitness(sw StateWitness) (*VMState, error) {
	s := new(VMState)
	if err := s.Deserialize(bytes.NewReader(sw)); err != nil {
		return nil, fmt.Errorf("invalid state witness: %w", err)
	}
	return s, nil
}
