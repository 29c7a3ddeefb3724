package tractor

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// domainTypeHash tags the separator preimage so it cannot be confused with a
// blueprint struct hash.
var domainTypeHash = keccak([]byte("TractorDomain(string name,string version,uint256 network,address instance)"))

// Domain binds blueprint hashes to one hosting application and one deployed
// controller instance. Blueprints signed for a different domain never verify.
type Domain struct {
	Name     string  `yaml:"name"`
	Version  string  `yaml:"version"`
	Network  uint64  `yaml:"network"`
	Instance Address `yaml:"instance"`
}

// Separator returns the domain separator digest.
func (d Domain) Separator() Hash {
	nameHash := keccak([]byte(d.Name))
	versionHash := keccak([]byte(d.Version))
	instanceHash := keccak([]byte(d.Instance))
	network := word(d.Network)
	return keccak(domainTypeHash[:], nameHash[:], versionHash[:], network[:], instanceHash[:])
}

func keccak(parts ...[]byte) Hash {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

// word left-pads v into a 32-byte big-endian word.
func word(v uint64) [32]byte {
	var w [32]byte
	binary.BigEndian.PutUint64(w[24:], v)
	return w
}
