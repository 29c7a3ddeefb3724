package tractor

import (
	"sync"
	"testing"
	"time"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/stretchr/testify/require"
)

// testWIF is a common private key WIF for testing.
var testWIF = "L2WRkd2TgtXSA9C5HffGSpfQc44Zk13MPdnGQhDEksYmXH3sAc5A" // Known valid WIF for testing (priv key = 2)

var testDomain = Domain{
	Name:     "tractor-test",
	Version:  "1",
	Network:  1,
	Instance: "tractor:instance-a",
}

var t0 = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func newKey(t *testing.T) (*ec.PrivateKey, Address) {
	t.Helper()
	key, err := ec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := AddressFromPublicKey(key.PubKey())
	require.NoError(t, err)
	return key, addr
}

func testKey(t *testing.T) (*ec.PrivateKey, Address) {
	t.Helper()
	key, err := ec.PrivateKeyFromWif(testWIF)
	require.NoError(t, err)
	addr, err := AddressFromPublicKey(key.PubKey())
	require.NoError(t, err)
	return key, addr
}

func testBlueprint(publisher Address) Blueprint {
	return Blueprint{
		Publisher:  publisher,
		Payload:    PackPayload(0x01, []byte("foo")),
		UseCeiling: 2,
		ValidFrom:  t0,
		ValidUntil: t0.Add(time.Hour),
	}
}

func mustSign(t *testing.T, d Domain, bp Blueprint, key *ec.PrivateKey, scheme string) SignedBlueprint {
	t.Helper()
	sb, err := Sign(d, bp, key, scheme)
	require.NoError(t, err)
	return sb
}

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
