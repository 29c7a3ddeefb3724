package tractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	bsm "github.com/bsv-blockchain/go-sdk/compat/bsm"
	"github.com/bsv-blockchain/go-sdk/message"
	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
)

// DefaultMaxDelegationDepth bounds nested delegated verification.
const DefaultMaxDelegationDepth = 8

// brc77Version is the BRC-77 message signing protocol version prefix.
var brc77Version = []byte{0x42, 0x42, 0x33, 0x01}

// Authorizer answers delegated verification queries for a programmatic
// publisher. Implementations return MagicAccept only for hashes they have
// authorized.
type Authorizer interface {
	IsValidSignature(ctx context.Context, h Hash, signature []byte) (MagicValue, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, h Hash, signature []byte) (MagicValue, error)

// IsValidSignature calls f.
func (f AuthorizerFunc) IsValidSignature(ctx context.Context, h Hash, signature []byte) (MagicValue, error) {
	return f(ctx, h, signature)
}

// SignerDirectory resolves programmatic publishers. A publisher it does not
// know is treated as an external key holder.
type SignerDirectory interface {
	Lookup(publisher Address) (Authorizer, bool)
}

// Signers is an in-memory SignerDirectory.
type Signers struct {
	mu         sync.RWMutex
	authorizer map[Address]Authorizer
}

// NewSigners returns an empty directory.
func NewSigners() *Signers {
	return &Signers{authorizer: make(map[Address]Authorizer)}
}

// Register makes publisher a programmatic signer answered by a.
func (s *Signers) Register(publisher Address, a Authorizer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorizer[publisher] = a
}

// Lookup implements SignerDirectory.
func (s *Signers) Lookup(publisher Address) (Authorizer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.authorizer[publisher]
	return a, ok
}

type depthKey struct{}

// DelegationDepth returns how many delegated queries enclose ctx.
func DelegationDepth(ctx context.Context) int {
	depth, _ := ctx.Value(depthKey{}).(int)
	return depth
}

// WithDelegationDepth returns a context carrying depth. Transports use it to
// carry the depth across process boundaries.
func WithDelegationDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

// Verifier checks that a signed blueprint was authorized by its publisher.
type Verifier struct {
	domain   Domain
	signers  SignerDirectory
	maxDepth int
}

// NewVerifier creates a verifier for blueprints hashed under d. A nil
// directory treats every publisher as an external key holder.
func NewVerifier(d Domain, signers SignerDirectory, maxDepth int) *Verifier {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDelegationDepth
	}
	return &Verifier{domain: d, signers: signers, maxDepth: maxDepth}
}

// Domain returns the domain the verifier hashes under.
func (v *Verifier) Domain() Domain {
	return v.domain
}

// Verify recomputes the hash of sb and checks the signature over it. The
// signature is only examined when the hash matches.
func (v *Verifier) Verify(ctx context.Context, sb SignedBlueprint) error {
	if _, ok := sb.Recompute(v.domain); !ok {
		return fmt.Errorf("%w: attached %s", ErrInvalidHash, sb.Hash)
	}
	return v.VerifyHash(ctx, sb.Blueprint.Publisher, sb.Hash, sb.Signature)
}

// VerifyHash checks that publisher authorized h.
func (v *Verifier) VerifyHash(ctx context.Context, publisher Address, h Hash, signature []byte) error {
	if v.signers != nil {
		if a, ok := v.signers.Lookup(publisher); ok {
			return v.delegate(ctx, a, publisher, h, signature)
		}
	}
	if err := verifyKeySignature(publisher, h, signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

func (v *Verifier) delegate(ctx context.Context, a Authorizer, publisher Address, h Hash, signature []byte) error {
	depth := DelegationDepth(ctx)
	if depth >= v.maxDepth {
		return fmt.Errorf("%w: %w at depth %d", ErrInvalidSignature, ErrDelegationDepth, depth)
	}
	code, err := a.IsValidSignature(WithDelegationDepth(ctx, depth+1), h, signature)
	if err != nil {
		if errors.Is(err, ErrDelegationDepth) {
			return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
		}
		return fmt.Errorf("%w: delegated query to %s failed: %v", ErrInvalidSignature, publisher, err)
	}
	if code != MagicAccept {
		return fmt.Errorf("%w: %s rejected hash %s", ErrInvalidSignature, publisher, h)
	}
	return nil
}

// verifyKeySignature resolves the signing key from signature and compares its
// address to publisher.
func verifyKeySignature(publisher Address, h Hash, signature []byte) error {
	if len(signature) == 0 {
		return errors.New("empty signature")
	}
	if bytes.HasPrefix(signature, brc77Version) {
		return verifyBRC77(publisher, h, signature)
	}
	if err := bsm.VerifyMessage(string(publisher), signature, h[:]); err != nil {
		return fmt.Errorf("BSM: verification failed: %w", err)
	}
	return nil
}

func verifyBRC77(publisher Address, h Hash, signature []byte) error {
	const pubKeyEnd = 4 + 33
	if len(signature) < pubKeyEnd {
		return errors.New("BRC-77: truncated envelope")
	}
	signer, err := ec.PublicKeyFromBytes(signature[4:pubKeyEnd])
	if err != nil {
		return fmt.Errorf("BRC-77: failed to parse signer key: %w", err)
	}
	signerAddr, err := AddressFromPublicKey(signer)
	if err != nil {
		return err
	}
	if signerAddr != publisher {
		return fmt.Errorf("BRC-77: envelope signer %s is not publisher %s", signerAddr, publisher)
	}
	ok, err := message.Verify(h[:], signature, nil)
	if err != nil {
		return fmt.Errorf("BRC-77: message.Verify call failed: %w", err)
	}
	if !ok {
		return errors.New("BRC-77: message.Verify returned false")
	}
	return nil
}
