package rpc

import (
	"context"
	"fmt"

	"github.com/canopy-network/checkpointx/pkg/solana"
)

// maxMultipleAccounts is the node limit for getMultipleAccounts.
const maxMultipleAccounts = 100

type accountConfig struct {
	Encoding   string `json:"encoding"`
	Commitment string `json:"commitment,omitempty"`
}

// GetAccountInfo returns nil when the account does not exist.
func (c *HTTPClient) GetAccountInfo(ctx context.Context, addr solana.PublicKey) (*AccountInfo, error) {
	var out struct {
		Context Context      `json:"context"`
		Value   *AccountInfo `json:"value"`
	}
	cfg := accountConfig{Encoding: encodingBase64, Commitment: c.commitment}
	if err := c.call(ctx, "getAccountInfo", []any{addr.String(), cfg}, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

// GetMultipleAccounts returns one entry per address, nil for missing accounts.
// Requests above the node limit are split.
func (c *HTTPClient) GetMultipleAccounts(ctx context.Context, addrs []solana.PublicKey) ([]*AccountInfo, error) {
	all := make([]*AccountInfo, 0, len(addrs))
	cfg := accountConfig{Encoding: encodingBase64, Commitment: c.commitment}
	for start := 0; start < len(addrs); start += maxMultipleAccounts {
		end := min(start+maxMultipleAccounts, len(addrs))
		keys := make([]string, 0, end-start)
		for _, a := range addrs[start:end] {
			keys = append(keys, a.String())
		}
		var out struct {
			Context Context        `json:"context"`
			Value   []*AccountInfo `json:"value"`
		}
		if err := c.call(ctx, "getMultipleAccounts", []any{keys, cfg}, &out); err != nil {
			return nil, err
		}
		if len(out.Value) != len(keys) {
			return nil, fmt.Errorf("getMultipleAccounts: asked for %d accounts, got %d", len(keys), len(out.Value))
		}
		all = append(all, out.Value...)
	}
	return all, nil
}

type programAccountsConfig struct {
	Encoding   string   `json:"encoding"`
	Commitment string   `json:"commitment,omitempty"`
	Filters    []Memcmp `json:"filters,omitempty"`
}

// GetProgramAccounts scans accounts owned by program matching every filter.
func (c *HTTPClient) GetProgramAccounts(ctx context.Context, program solana.PublicKey, filters []Memcmp) ([]KeyedAccount, error) {
	var out []KeyedAccount
	cfg := programAccountsConfig{Encoding: encodingBase64, Commitment: c.commitment, Filters: filters}
	if err := c.call(ctx, "getProgramAccounts", []any{program.String(), cfg}, &out); err != nil {
		return nil, err
	}
	return out, nil
}
