package rpc

import (
	"context"

	"github.com/canopy-network/checkpointx/pkg/solana"
)

// Client captures the ledger RPC calls used by the gateway.
type Client interface {
	Commitment() string
	GetAccountInfo(ctx context.Context, addr solana.PublicKey) (*AccountInfo, error)
	GetMultipleAccounts(ctx context.Context, addrs []solana.PublicKey) ([]*AccountInfo, error)
	GetProgramAccounts(ctx context.Context, program solana.PublicKey, filters []Memcmp) ([]KeyedAccount, error)
	GetLatestBlockhash(ctx context.Context) (Blockhash, error)
	GetBlockHeight(ctx context.Context) (uint64, error)
	SendTransaction(ctx context.Context, tx string, opts SendOptions) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, sigs []solana.Signature) ([]*SignatureStatus, error)
}

// BundleClient submits atomic transaction bundles to a relay.
type BundleClient interface {
	SendBundle(ctx context.Context, txs []string) (string, error)
	GetBundleStatuses(ctx context.Context, ids []string) ([]*BundleStatus, error)
}

var (
	_ Client       = (*HTTPClient)(nil)
	_ BundleClient = (*BundleHTTPClient)(nil)
)

// Cluster endpoints used when RPC_ENDPOINTS is not set.
var clusterEndpoints = map[string]string{
	"mainnet": "https://api.mainnet-beta.solana.com",
	"devnet":  "https://api.devnet.solana.com",
	"testnet": "https://api.testnet.solana.com",
	"local":   "http://127.0.0.1:8899",
}

// ClusterEndpoint resolves a named cluster to its public endpoint.
func ClusterEndpoint(cluster string) (string, bool) {
	ep, ok := clusterEndpoints[cluster]
	return ep, ok
}
