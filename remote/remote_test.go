package remote

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funderberkr/tractor"
)

var (
	domainA = tractor.Domain{Name: "remote-test", Version: "1", Network: 5, Instance: "tractor:remote-a"}
	domainB = tractor.Domain{Name: "remote-test", Version: "1", Network: 5, Instance: "tractor:remote-b"}
)

func activeBlueprint(publisher tractor.Address) tractor.Blueprint {
	now := time.Now()
	return tractor.Blueprint{
		Publisher:  publisher,
		Payload:    tractor.PackPayload(0x01, []byte("remote")),
		UseCeiling: 1,
		ValidFrom:  now.Add(-time.Hour),
		ValidUntil: now.Add(time.Hour),
	}
}

func TestCrossInstanceOverHTTP(t *testing.T) {
	ctx := context.Background()
	a := tractor.NewController(domainA, tractor.NewMemoryLedger())
	srv := httptest.NewServer(NewHandler(a, nil))
	defer srv.Close()

	signers := tractor.NewSigners()
	signers.Register(a.Address(), NewClient(srv.URL, srv.Client()))
	b := tractor.NewController(domainB, tractor.NewMemoryLedger(), tractor.WithSigners(signers))

	sb, err := a.Attest(ctx, domainB, activeBlueprint(a.Address()))
	require.NoError(t, err)

	ran := 0
	effect := func(context.Context) error { ran++; return nil }
	require.NoError(t, b.Run(ctx, "operator", sb, effect))
	assert.ErrorIs(t, b.Run(ctx, "operator", sb, effect), tractor.ErrCeilingReached)
	assert.Equal(t, 1, ran)

	forged := activeBlueprint(a.Address())
	forged.UseCeiling = 100
	err = b.Run(ctx, "operator", tractor.SignedBlueprint{Blueprint: forged, Hash: domainB.HashBlueprint(forged)}, effect)
	assert.ErrorIs(t, err, tractor.ErrInvalidSignature)
}

type depthRecorder struct {
	*tractor.Controller
	depth int
}

func (d *depthRecorder) IsValidSignature(ctx context.Context, h tractor.Hash, sig []byte) (tractor.MagicValue, error) {
	d.depth = tractor.DelegationDepth(ctx)
	return tractor.MagicAccept, nil
}

func TestClient_CarriesDelegationDepth(t *testing.T) {
	rec := &depthRecorder{Controller: tractor.NewController(domainA, tractor.NewMemoryLedger())}
	srv := httptest.NewServer(NewHandler(rec, nil))
	defer srv.Close()

	c := NewClient(srv.URL+"/", nil)
	code, err := c.IsValidSignature(tractor.WithDelegationDepth(context.Background(), 3), tractor.Hash{}, []byte("sig"))
	require.NoError(t, err)
	assert.Equal(t, tractor.MagicAccept, code)
	assert.Equal(t, 3, rec.depth)
}

type failingInstance struct {
	*tractor.Controller
}

func (failingInstance) IsValidSignature(context.Context, tractor.Hash, []byte) (tractor.MagicValue, error) {
	return tractor.MagicReject, errors.New("attestation store offline")
}

func TestClient_ServerErrorIsRejection(t *testing.T) {
	srv := httptest.NewServer(NewHandler(failingInstance{tractor.NewController(domainA, tractor.NewMemoryLedger())}, nil))
	defer srv.Close()

	code, err := NewClient(srv.URL, srv.Client()).IsValidSignature(context.Background(), tractor.Hash{}, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "attestation store offline")
	assert.Equal(t, tractor.MagicReject, code)
}

func TestDomainAndHashEndpoints(t *testing.T) {
	ctx := context.Background()
	a := tractor.NewController(domainA, tractor.NewMemoryLedger())
	srv := httptest.NewServer(NewHandler(a, nil))
	defer srv.Close()
	c := NewClient(srv.URL, srv.Client())

	d, sep, err := c.Domain(ctx)
	require.NoError(t, err)
	assert.Equal(t, domainA, d)
	assert.Equal(t, a.DomainSeparator(), sep)

	bp := activeBlueprint("1BgGZ9tcN4rm9KBzDn7KprQz87SZ26SAMH")
	h, err := c.HashBlueprint(ctx, bp)
	require.NoError(t, err)
	assert.Equal(t, a.HashBlueprint(bp), h)
}

func TestHandler_RejectsBadRequests(t *testing.T) {
	srv := httptest.NewServer(NewHandler(tractor.NewController(domainA, tractor.NewMemoryLedger()), nil))
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/v1/authorize", contentType, bytes.NewReader([]byte("not cbor")))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = srv.Client().Post(srv.URL+"/v1/authorize", contentType, bytes.NewReader(make([]byte, maxRequestBody+10)))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/v1/authorize")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
