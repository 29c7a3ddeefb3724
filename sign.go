package tractor

import (
	"errors"
	"fmt"

	bsm "github.com/bsv-blockchain/go-sdk/compat/bsm"
	"github.com/bsv-blockchain/go-sdk/message"
	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	scripts "github.com/bsv-blockchain/go-sdk/script"
)

// SignerConfig holds the key material for signing a blueprint.
type SignerConfig struct {
	PrivateKeyWIF string // WIF-encoded private key (mandatory)
	Scheme        string // Optional: "bsm" (default) or "brc77"
}

// AddressFromPublicKey returns the mainnet address for a compressed key. This
// is the Address a key holder publishes under.
func AddressFromPublicKey(pub *ec.PublicKey) (Address, error) {
	addr, err := scripts.NewAddressFromPublicKey(pub, true)
	if err != nil {
		return "", fmt.Errorf("failed to derive address: %w", err)
	}
	return Address(addr.AddressString), nil
}

// SignWIF signs bp under d with the key in config and returns the signed
// blueprint. The blueprint's publisher must be the key's address.
func SignWIF(d Domain, bp Blueprint, config SignerConfig) (SignedBlueprint, error) {
	if config.PrivateKeyWIF == "" {
		return SignedBlueprint{}, errors.New("PrivateKeyWIF must not be empty")
	}
	key, err := ec.PrivateKeyFromWif(config.PrivateKeyWIF)
	if err != nil {
		return SignedBlueprint{}, fmt.Errorf("failed to parse PrivateKeyWIF: %w", err)
	}
	return Sign(d, bp, key, config.Scheme)
}

// Sign hashes bp under d and signs the hash with key using scheme. An empty
// scheme selects BSM.
func Sign(d Domain, bp Blueprint, key *ec.PrivateKey, scheme string) (SignedBlueprint, error) {
	if scheme == "" {
		scheme = SchemeBSM
	}
	publisher, err := AddressFromPublicKey(key.PubKey())
	if err != nil {
		return SignedBlueprint{}, err
	}
	if bp.Publisher != publisher {
		return SignedBlueprint{}, fmt.Errorf("key address %s does not match publisher %s", publisher, bp.Publisher)
	}

	h := d.HashBlueprint(bp)
	var sig []byte
	switch scheme {
	case SchemeBSM:
		sig, err = bsm.SignMessage(key, h[:])
		if err != nil {
			return SignedBlueprint{}, fmt.Errorf("BSM: bsm.SignMessage failed: %w", err)
		}
	case SchemeBRC77:
		// nil recipient produces an "anyone can verify" envelope
		sig, err = message.Sign(h[:], key, nil)
		if err != nil {
			return SignedBlueprint{}, fmt.Errorf("BRC-77: message.Sign failed: %w", err)
		}
	default:
		return SignedBlueprint{}, fmt.Errorf("invalid scheme: %s. Must be %s or %s", scheme, SchemeBSM, SchemeBRC77)
	}

	return SignedBlueprint{Blueprint: bp, Hash: h, Signature: sig}, nil
}
