package rpc

import (
	"context"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/canopy-network/checkpointx/pkg/solana"
)

type commitmentConfig struct {
	Commitment string `json:"commitment,omitempty"`
}

// GetLatestBlockhash returns a blockhash usable for new transactions.
func (c *HTTPClient) GetLatestBlockhash(ctx context.Context) (Blockhash, error) {
	var out struct {
		Context Context `json:"context"`
		Value   struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", []any{commitmentConfig{Commitment: c.commitment}}, &out); err != nil {
		return Blockhash{}, err
	}
	raw, err := base58.Decode(out.Value.Blockhash)
	if err != nil || len(raw) != 32 {
		return Blockhash{}, fmt.Errorf("getLatestBlockhash: bad blockhash %q", out.Value.Blockhash)
	}
	var bh Blockhash
	copy(bh.Hash[:], raw)
	bh.LastValidBlockHeight = out.Value.LastValidBlockHeight
	return bh, nil
}

func (c *HTTPClient) GetBlockHeight(ctx context.Context) (uint64, error) {
	var h uint64
	if err := c.call(ctx, "getBlockHeight", []any{commitmentConfig{Commitment: c.commitment}}, &h); err != nil {
		return 0, err
	}
	return h, nil
}

// SendTransaction submits a base64 encoded transaction and returns its signature.
func (c *HTTPClient) SendTransaction(ctx context.Context, tx string, opts SendOptions) (solana.Signature, error) {
	opts.Encoding = encodingBase64
	if opts.PreflightCommitment == "" {
		opts.PreflightCommitment = c.commitment
	}
	var sig string
	if err := c.call(ctx, "sendTransaction", []any{tx, opts}, &sig); err != nil {
		return solana.Signature{}, err
	}
	return solana.ParseSignature(sig)
}

// GetSignatureStatuses returns one entry per signature, nil when unknown.
func (c *HTTPClient) GetSignatureStatuses(ctx context.Context, sigs []solana.Signature) ([]*SignatureStatus, error) {
	keys := make([]string, 0, len(sigs))
	for _, s := range sigs {
		keys = append(keys, s.String())
	}
	var out struct {
		Context Context            `json:"context"`
		Value   []*SignatureStatus `json:"value"`
	}
	cfg := map[string]bool{"searchTransactionHistory": false}
	if err := c.call(ctx, "getSignatureStatuses", []any{keys, cfg}, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}
