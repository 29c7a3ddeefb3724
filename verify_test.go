package tractor

import (
	"context"
	"errors"
	"testing"
	"time"

	bsm "github.com/bsv-blockchain/go-sdk/compat/bsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify_SuccessCases(t *testing.T) {
	key, addr := testKey(t)
	v := NewVerifier(testDomain, nil, 0)

	for _, scheme := range []string{"", SchemeBSM, SchemeBRC77} {
		t.Run("scheme_"+scheme, func(t *testing.T) {
			sb := mustSign(t, testDomain, testBlueprint(addr), key, scheme)
			assert.NoError(t, v.Verify(context.Background(), sb))
		})
	}
}

func TestSignWIF(t *testing.T) {
	_, addr := testKey(t)
	sb, err := SignWIF(testDomain, testBlueprint(addr), SignerConfig{PrivateKeyWIF: testWIF})
	require.NoError(t, err)
	assert.NoError(t, NewVerifier(testDomain, nil, 0).Verify(context.Background(), sb))

	_, err = SignWIF(testDomain, testBlueprint(addr), SignerConfig{})
	assert.Error(t, err)
	_, err = SignWIF(testDomain, testBlueprint(addr), SignerConfig{PrivateKeyWIF: "not-a-wif"})
	assert.Error(t, err)
	_, err = SignWIF(testDomain, testBlueprint(addr), SignerConfig{PrivateKeyWIF: testWIF, Scheme: "ed25519"})
	assert.Error(t, err)
}

func TestSign_PublisherMustMatchKey(t *testing.T) {
	key, _ := testKey(t)
	_, other := newKey(t)
	_, err := Sign(testDomain, testBlueprint(other), key, SchemeBSM)
	assert.Error(t, err)
}

func TestVerify_TamperedFieldsFailInvalidHash(t *testing.T) {
	key, addr := testKey(t)
	_, other := newKey(t)
	v := NewVerifier(testDomain, nil, 0)

	tests := []struct {
		Name   string
		Mutate func(sb *SignedBlueprint)
	}{
		{"Publisher", func(sb *SignedBlueprint) { sb.Blueprint.Publisher = other }},
		{"Payload", func(sb *SignedBlueprint) { sb.Blueprint.Payload = PackPayload(0x01, []byte("bar")) }},
		{"Ceiling", func(sb *SignedBlueprint) { sb.Blueprint.UseCeiling = 1000 }},
		{"ValidFrom", func(sb *SignedBlueprint) { sb.Blueprint.ValidFrom = sb.Blueprint.ValidFrom.Add(-time.Hour) }},
		{"ValidUntil", func(sb *SignedBlueprint) { sb.Blueprint.ValidUntil = sb.Blueprint.ValidUntil.Add(time.Hour) }},
		{"Hash", func(sb *SignedBlueprint) { sb.Hash[0] ^= 0xff }},
	}
	for _, tc := range tests {
		t.Run(tc.Name, func(t *testing.T) {
			sb := mustSign(t, testDomain, testBlueprint(addr), key, SchemeBSM)
			tc.Mutate(&sb)
			err := v.Verify(context.Background(), sb)
			assert.ErrorIs(t, err, ErrInvalidHash)
			assert.NotErrorIs(t, err, ErrInvalidSignature)
		})
	}
}

func TestVerify_InvalidHashShortCircuits(t *testing.T) {
	calls := 0
	signers := NewSigners()
	signers.Register("tractor:programmatic", AuthorizerFunc(func(context.Context, Hash, []byte) (MagicValue, error) {
		calls++
		return MagicAccept, nil
	}))
	v := NewVerifier(testDomain, signers, 0)

	sb := SignedBlueprint{Blueprint: testBlueprint("tractor:programmatic")}
	sb.Hash = testDomain.HashBlueprint(sb.Blueprint)
	sb.Blueprint.UseCeiling++

	assert.ErrorIs(t, v.Verify(context.Background(), sb), ErrInvalidHash)
	assert.Zero(t, calls, "authorizer consulted for a mismatched hash")
}

func TestVerify_InvalidSignature(t *testing.T) {
	key, addr := testKey(t)
	otherKey, _ := newKey(t)
	v := NewVerifier(testDomain, nil, 0)
	bp := testBlueprint(addr)
	h := testDomain.HashBlueprint(bp)

	wrongSigner, err := bsm.SignMessage(otherKey, h[:])
	require.NoError(t, err)

	otherDomain := testDomain
	otherDomain.Network = 2
	foreign := mustSign(t, otherDomain, bp, key, SchemeBSM)

	brc := mustSign(t, testDomain, bp, key, SchemeBRC77)
	brcOtherHash := mustSign(t, otherDomain, bp, key, SchemeBRC77)

	tests := []struct {
		Name      string
		Signature []byte
	}{
		{"Empty", nil},
		{"Garbage", []byte("definitely not a signature")},
		{"WrongSigner", wrongSigner},
		{"OtherDomain", foreign.Signature},
		{"TruncatedBRC77", brc.Signature[:20]},
		{"BRC77OtherHash", brcOtherHash.Signature},
	}
	for _, tc := range tests {
		t.Run(tc.Name, func(t *testing.T) {
			sb := SignedBlueprint{Blueprint: bp, Hash: h, Signature: tc.Signature}
			assert.ErrorIs(t, v.Verify(context.Background(), sb), ErrInvalidSignature)
		})
	}
}

func TestVerify_BRC77EnvelopeSignerMustBePublisher(t *testing.T) {
	_, addr := testKey(t)
	otherKey, other := newKey(t)
	v := NewVerifier(testDomain, nil, 0)

	// other signs its own blueprint; the envelope is then replayed for addr
	signed := mustSign(t, testDomain, testBlueprint(other), otherKey, SchemeBRC77)
	bp := testBlueprint(addr)
	sb := SignedBlueprint{Blueprint: bp, Hash: testDomain.HashBlueprint(bp), Signature: signed.Signature}
	assert.ErrorIs(t, v.Verify(context.Background(), sb), ErrInvalidSignature)
}

func TestVerify_ProgrammaticSigner(t *testing.T) {
	const publisher Address = "tractor:programmatic"
	bp := testBlueprint(publisher)
	h := testDomain.HashBlueprint(bp)
	sb := SignedBlueprint{Blueprint: bp, Hash: h}

	tests := []struct {
		Name    string
		Answer  MagicValue
		Err     error
		WantErr bool
	}{
		{"Accept", MagicAccept, nil, false},
		{"Reject", MagicReject, nil, true},
		{"NearMiss", MagicValue{0x16, 0x26, 0xba, 0x7f}, nil, true},
		{"Zero", MagicValue{}, nil, true},
		{"QueryError", MagicAccept, errors.New("remote unavailable"), true},
	}
	for _, tc := range tests {
		t.Run(tc.Name, func(t *testing.T) {
			signers := NewSigners()
			var gotHash Hash
			signers.Register(publisher, AuthorizerFunc(func(_ context.Context, queried Hash, _ []byte) (MagicValue, error) {
				gotHash = queried
				return tc.Answer, tc.Err
			}))
			err := NewVerifier(testDomain, signers, 0).Verify(context.Background(), sb)
			if tc.WantErr {
				assert.ErrorIs(t, err, ErrInvalidSignature)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, h, gotHash)
		})
	}
}

func TestVerify_DelegationDepthGuard(t *testing.T) {
	const publisher Address = "tractor:loop"
	signers := NewSigners()
	v := NewVerifier(testDomain, signers, 4)

	calls := 0
	// the authorizer asks the verifier about itself, forming a cycle
	signers.Register(publisher, AuthorizerFunc(func(ctx context.Context, h Hash, sig []byte) (MagicValue, error) {
		calls++
		if err := v.VerifyHash(ctx, publisher, h, sig); err != nil {
			return MagicReject, err
		}
		return MagicAccept, nil
	}))

	bp := testBlueprint(publisher)
	sb := SignedBlueprint{Blueprint: bp, Hash: testDomain.HashBlueprint(bp)}
	err := v.Verify(context.Background(), sb)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.ErrorIs(t, err, ErrDelegationDepth)
	assert.Equal(t, 4, calls)
}

func TestDelegationDepthContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, 0, DelegationDepth(ctx))
	assert.Equal(t, 3, DelegationDepth(WithDelegationDepth(ctx, 3)))
}
