package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/funderberkr/tractor"
	"github.com/funderberkr/tractor/internal/codec"
)

// Client queries a remote instance. It implements tractor.Authorizer, so it
// can be registered in a tractor.Signers directory under the remote
// instance's address.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the instance served at baseURL. A nil
// httpClient uses one with a 10 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// IsValidSignature implements tractor.Authorizer. The delegation depth of ctx
// travels with the query.
func (c *Client) IsValidSignature(ctx context.Context, h tractor.Hash, signature []byte) (tractor.MagicValue, error) {
	req := authorizeRequest{Hash: h, Signature: signature, Depth: tractor.DelegationDepth(ctx)}
	var resp authorizeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/authorize", req, &resp); err != nil {
		return tractor.MagicReject, err
	}
	return resp.Code, nil
}

// Domain fetches the remote instance's domain and separator.
func (c *Client) Domain(ctx context.Context) (tractor.Domain, tractor.Hash, error) {
	var resp domainResponse
	if err := c.do(ctx, http.MethodGet, "/v1/domain", nil, &resp); err != nil {
		return tractor.Domain{}, tractor.Hash{}, err
	}
	return resp.Domain, resp.Separator, nil
}

// HashBlueprint asks the remote instance for the hash of bp.
func (c *Client) HashBlueprint(ctx context.Context, bp tractor.Blueprint) (tractor.Hash, error) {
	var resp hashResponse
	if err := c.do(ctx, http.MethodPost, "/v1/hash", bp, &resp); err != nil {
		return tractor.Hash{}, err
	}
	return resp.Hash, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := codec.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := codec.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
