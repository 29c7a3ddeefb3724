package tractor

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// secp256k1N is the order of the secp256k1 group.
var secp256k1N, _ = new(big.Int).SetString("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEBAAEDCE6AF48A03BBFD25E8CD0364141", 16)

// highSTwin returns the (r, N-s) twin of a compact recoverable signature.
// Negating s flips the parity of the recovered point, so the recovery id's
// low bit flips with it.
func highSTwin(t *testing.T, sig []byte) []byte {
	t.Helper()
	require.Len(t, sig, 65)
	s := new(big.Int).SetBytes(sig[33:])
	s.Sub(secp256k1N, s)

	twin := make([]byte, 65)
	copy(twin, sig[:33])
	s.FillBytes(twin[33:])
	flags := (sig[0] - 27) & 4
	recID := (sig[0] - 27) & 3
	twin[0] = 27 + flags + (recID ^ 1)
	return twin
}

// usesWithSignatures runs counted uses alternating between the given
// signatures and returns the outcome of each attempt.
func usesWithSignatures(t *testing.T, sb SignedBlueprint, sigs [][]byte, attempts int) ([]error, *MemoryLedger) {
	t.Helper()
	ledger := NewMemoryLedger()
	clock := newTestClock(t0.Add(1))
	c := NewController(testDomain, ledger, WithClock(clock.Now))

	errs := make([]error, attempts)
	for i := range attempts {
		attempt := sb
		attempt.Signature = sigs[i%len(sigs)]
		errs[i] = c.Run(context.Background(), "operator", attempt, func(context.Context) error { return nil })
	}
	return errs, ledger
}

func TestMalleability_BSMHighSTwin(t *testing.T) {
	key, addr := testKey(t)
	sb := mustSign(t, testDomain, testBlueprint(addr), key, SchemeBSM)
	twin := highSTwin(t, sb.Signature)
	require.False(t, bytes.Equal(sb.Signature, twin))

	v := NewVerifier(testDomain, nil, 0)
	require.NoError(t, v.Verify(context.Background(), sb))
	twinSB := sb
	twinSB.Signature = twin
	require.NoError(t, v.Verify(context.Background(), twinSB), "twin signature must verify")

	errs, ledger := usesWithSignatures(t, sb, [][]byte{sb.Signature, twin}, 3)
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.ErrorIs(t, errs[2], ErrCeilingReached)

	uses, err := ledger.Uses(context.Background(), sb.Hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), uses)
}

func TestMalleability_BRC77DistinctEnvelopes(t *testing.T) {
	key, addr := testKey(t)
	bp := testBlueprint(addr)
	first := mustSign(t, testDomain, bp, key, SchemeBRC77)
	second := mustSign(t, testDomain, bp, key, SchemeBRC77)

	require.Equal(t, first.Hash, second.Hash)
	require.False(t, bytes.Equal(first.Signature, second.Signature), "BRC-77 envelopes use fresh key IDs")

	// Whichever signature is presented, the ledger sees the same blueprint.
	for _, order := range [][][]byte{
		{first.Signature, second.Signature},
		{second.Signature, first.Signature},
		{first.Signature},
	} {
		errs, ledger := usesWithSignatures(t, first, order, 3)
		assert.NoError(t, errs[0])
		assert.NoError(t, errs[1])
		assert.ErrorIs(t, errs[2], ErrCeilingReached)

		uses, err := ledger.Uses(context.Background(), first.Hash)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), uses)
	}
}

func TestMalleability_DestroyCoversEverySignature(t *testing.T) {
	key, addr := testKey(t)
	sb := mustSign(t, testDomain, testBlueprint(addr), key, SchemeBSM)
	twin := sb
	twin.Signature = highSTwin(t, sb.Signature)

	clock := newTestClock(t0.Add(1))
	c := NewController(testDomain, NewMemoryLedger(), WithClock(clock.Now))
	require.NoError(t, c.Destroy(context.Background(), addr, sb))

	err := c.Run(context.Background(), "operator", twin, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCeilingReached)
}
