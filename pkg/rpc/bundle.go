package rpc

import (
	"context"
)

// MaxBundleTransactions is the relay ceiling on transactions per bundle.
const MaxBundleTransactions = 5

// BundleHTTPClient talks to a block-engine relay that lands bundles of
// transactions atomically. It shares HTTPClient's failover and rate limiting.
type BundleHTTPClient struct {
	*HTTPClient
}

func NewBundleHTTPWithOpts(o Opts) *BundleHTTPClient {
	return &BundleHTTPClient{HTTPClient: NewHTTPWithOpts(o)}
}

// SendBundle submits base64 encoded transactions and returns the bundle id.
func (c *BundleHTTPClient) SendBundle(ctx context.Context, txs []string) (string, error) {
	var id string
	if err := c.call(ctx, "sendBundle", []any{txs, map[string]string{"encoding": encodingBase64}}, &id); err != nil {
		return "", err
	}
	return id, nil
}

// GetBundleStatuses returns one entry per id, nil while a bundle has not landed.
func (c *BundleHTTPClient) GetBundleStatuses(ctx context.Context, ids []string) ([]*BundleStatus, error) {
	var out struct {
		Context Context         `json:"context"`
		Value   []*BundleStatus `json:"value"`
	}
	if err := c.call(ctx, "getBundleStatuses", []any{ids}, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}
