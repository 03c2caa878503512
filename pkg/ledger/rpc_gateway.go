package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/checkpointx/pkg/errs"
	"github.com/canopy-network/checkpointx/pkg/retry"
	"github.com/canopy-network/checkpointx/pkg/rpc"
	"github.com/canopy-network/checkpointx/pkg/solana"
)

var (
	ErrEmptyBundle       = errors.New("empty bundle")
	ErrBundleTooLarge    = errors.New("too many transactions in bundle")
	ErrUnconfirmedBundle = errors.New("unconfirmed bundle")
	ErrNoRelay           = errors.New("no bundle relay configured")
	ErrBlockhashExpired  = errors.New("blockhash expired before confirmation")

	errPending = errors.New("pending")
)

// Options tunes submission.
type Options struct {
	// PriorityFee is the compute unit price in micro-lamports.
	PriorityFee    uint64
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	SkipPreflight  bool
	// TipAccount receives TipLamports from the last transaction of each bundle.
	TipAccount  solana.PublicKey
	TipLamports uint64
}

// RPCGateway implements Gateway over JSON-RPC.
type RPCGateway struct {
	client  rpc.Client
	bundles rpc.BundleClient
	signer  solana.Signer
	opts    Options
	logger  *zap.Logger
}

// New builds a gateway. bundles may be nil when atomic submission is unused.
func New(client rpc.Client, bundles rpc.BundleClient, signer solana.Signer, opts Options, logger *zap.Logger) *RPCGateway {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 60 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &RPCGateway{client: client, bundles: bundles, signer: signer, opts: opts, logger: logger}
}

func (g *RPCGateway) Authority() solana.PublicKey { return g.signer.PublicKey() }

func (g *RPCGateway) GetAccount(ctx context.Context, addr solana.PublicKey) ([]byte, error) {
	info, err := g.client.GetAccountInfo(ctx, addr)
	if err != nil {
		return nil, classify("getAccountInfo", err)
	}
	if info == nil {
		return nil, errs.New(errs.KindNotFound, "getAccountInfo", fmt.Errorf("%s: %w", addr, ErrAccountNotFound))
	}
	data, err := info.Bytes()
	if err != nil {
		return nil, errs.New(errs.KindInvalid, "getAccountInfo", err)
	}
	return data, nil
}

func (g *RPCGateway) GetMultipleAccounts(ctx context.Context, addrs []solana.PublicKey) ([][]byte, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	infos, err := g.client.GetMultipleAccounts(ctx, addrs)
	if err != nil {
		return nil, classify("getMultipleAccounts", err)
	}
	out := make([][]byte, len(infos))
	for i, info := range infos {
		if info == nil {
			continue
		}
		data, err := info.Bytes()
		if err != nil {
			return nil, errs.New(errs.KindInvalid, "getMultipleAccounts", fmt.Errorf("%s: %w", addrs[i], err))
		}
		out[i] = data
	}
	return out, nil
}

func (g *RPCGateway) GetProgramAccounts(ctx context.Context, program solana.PublicKey, discriminator []byte, filters ...Filter) ([]KeyedAccount, error) {
	memcmps := make([]rpc.Memcmp, 0, len(filters)+1)
	if len(discriminator) > 0 {
		memcmps = append(memcmps, rpc.Memcmp{Offset: 0, Bytes: discriminator})
	}
	for _, f := range filters {
		memcmps = append(memcmps, rpc.Memcmp{Offset: f.Offset, Bytes: f.Bytes})
	}
	accts, err := g.client.GetProgramAccounts(ctx, program, memcmps)
	if err != nil {
		return nil, classify("getProgramAccounts", err)
	}
	out := make([]KeyedAccount, 0, len(accts))
	for _, a := range accts {
		data, err := a.Account.Bytes()
		if err != nil {
			g.logger.Warn("skipping undecodable account", zap.Stringer("address", a.Pubkey), zap.Error(err))
			continue
		}
		out = append(out, KeyedAccount{Address: a.Pubkey, Data: data})
	}
	return out, nil
}

func (g *RPCGateway) GetClock(ctx context.Context) (solana.Clock, error) {
	data, err := g.GetAccount(ctx, solana.SysvarClockID)
	if err != nil {
		return solana.Clock{}, err
	}
	clock, err := solana.DecodeClock(data)
	if err != nil {
		return solana.Clock{}, errs.New(errs.KindInvalid, "getClock", err)
	}
	return clock, nil
}

// budget prepends compute budget instructions.
func (g *RPCGateway) budget(tx Tx) []solana.Instruction {
	ixs := make([]solana.Instruction, 0, len(tx.Instructions)+2)
	if tx.ComputeUnits > 0 {
		ixs = append(ixs, solana.SetComputeUnitLimit(tx.ComputeUnits))
	}
	if g.opts.PriorityFee > 0 {
		ixs = append(ixs, solana.SetComputeUnitPrice(g.opts.PriorityFee))
	}
	return append(ixs, tx.Instructions...)
}

// build compiles, signs and size-checks one transaction.
func (g *RPCGateway) build(ixs []solana.Instruction, bh solana.Hash, tables []solana.LookupTable) (*solana.Transaction, error) {
	msg, err := solana.CompileMessage(g.Authority(), ixs, bh, tables)
	if err != nil {
		return nil, errs.New(errs.KindInvalid, "compile", err)
	}
	if n := msg.NumAccounts(); n > solana.MaxAccountLocks {
		return nil, errs.Newf(errs.KindResourceRejected, "compile", "transaction references %d accounts, limit %d", n, solana.MaxAccountLocks)
	}
	tx, err := solana.NewTransaction(msg, g.signer)
	if err != nil {
		return nil, errs.New(errs.KindInvalid, "sign", err)
	}
	if size := len(tx.Serialize()); size > solana.MaxTransactionSize {
		return nil, errs.Newf(errs.KindResourceRejected, "compile", "transaction of %d bytes exceeds %d", size, solana.MaxTransactionSize)
	}
	return tx, nil
}

func (g *RPCGateway) SendTransaction(ctx context.Context, tx Tx, tables []solana.LookupTable) (solana.Signature, error) {
	bh, err := g.client.GetLatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, classify("getLatestBlockhash", err)
	}
	signed, err := g.build(g.budget(tx), bh.Hash, tables)
	if err != nil {
		return solana.Signature{}, err
	}
	sig, err := g.client.SendTransaction(ctx, signed.Base64(), rpc.SendOptions{SkipPreflight: g.opts.SkipPreflight})
	if err != nil {
		return solana.Signature{}, classify("sendTransaction", err)
	}
	if err := g.confirm(ctx, sig, bh.LastValidBlockHeight); err != nil {
		return sig, err
	}
	g.logger.Debug("transaction confirmed", zap.Stringer("signature", sig), zap.Int("instructions", len(tx.Instructions)))
	return sig, nil
}

func (g *RPCGateway) confirm(ctx context.Context, sig solana.Signature, lastValid uint64) error {
	cfg := retry.PollConfig(g.opts.PollInterval, g.opts.ConfirmTimeout)
	err := retry.WithBackoff(ctx, cfg, g.logger, "confirm "+sig.String(), func() error {
		statuses, err := g.client.GetSignatureStatuses(ctx, []solana.Signature{sig})
		if err != nil {
			return err
		}
		if len(statuses) == 1 && statuses[0] != nil {
			st := statuses[0]
			if st.Failed() {
				return retry.Permanent(errs.Newf(errs.KindRejected, "confirm", "%s failed: %s", sig, string(st.Err)))
			}
			if st.Reached(g.client.Commitment()) {
				return nil
			}
			return errPending
		}
		if lastValid > 0 {
			if height, herr := g.client.GetBlockHeight(ctx); herr == nil && height > lastValid {
				return retry.Permanent(errs.New(errs.KindTransport, "confirm", fmt.Errorf("%s: %w", sig, ErrBlockhashExpired)))
			}
		}
		return errPending
	})
	if err == nil || errs.KindOf(err) != errs.KindUnknown {
		return err
	}
	return classify("confirm", err)
}

func (g *RPCGateway) SendAtomicBundle(ctx context.Context, txs []Tx, tables []solana.LookupTable) (string, error) {
	switch {
	case g.bundles == nil:
		return "", errs.New(errs.KindInvalid, "sendBundle", ErrNoRelay)
	case len(txs) == 0:
		return "", errs.New(errs.KindInvalid, "sendBundle", ErrEmptyBundle)
	case len(txs) > rpc.MaxBundleTransactions:
		return "", errs.New(errs.KindResourceRejected, "sendBundle", fmt.Errorf("%w: %d > %d", ErrBundleTooLarge, len(txs), rpc.MaxBundleTransactions))
	}

	bh, err := g.client.GetLatestBlockhash(ctx)
	if err != nil {
		return "", classify("getLatestBlockhash", err)
	}
	encoded := make([]string, 0, len(txs))
	for i, tx := range txs {
		ixs := g.budget(tx)
		if i == len(txs)-1 && g.opts.TipLamports > 0 {
			ixs = append(ixs, solana.Transfer(g.Authority(), g.opts.TipAccount, g.opts.TipLamports))
		}
		signed, err := g.build(ixs, bh.Hash, tables)
		if err != nil {
			return "", fmt.Errorf("bundle tx %d: %w", i, err)
		}
		encoded = append(encoded, signed.Base64())
	}

	id, err := g.bundles.SendBundle(ctx, encoded)
	if err != nil {
		return "", classify("sendBundle", err)
	}

	cfg := retry.PollConfig(g.opts.PollInterval, g.opts.ConfirmTimeout)
	err = retry.WithBackoff(ctx, cfg, g.logger, "bundle "+id, func() error {
		statuses, err := g.bundles.GetBundleStatuses(ctx, []string{id})
		if err != nil {
			return err
		}
		if len(statuses) == 1 && statuses[0] != nil {
			st := statuses[0]
			if st.Failed() {
				return retry.Permanent(errs.Newf(errs.KindRejected, "bundle", "%s failed: %s", id, string(st.Err)))
			}
			if st.ConfirmationStatus == rpc.CommitmentConfirmed || st.ConfirmationStatus == rpc.CommitmentFinalized {
				return nil
			}
		}
		return errPending
	})
	if err != nil {
		if errs.KindOf(err) != errs.KindUnknown {
			return id, err
		}
		if errors.Is(err, errPending) {
			return id, errs.New(errs.KindTransport, "bundle", fmt.Errorf("%s: %w", id, ErrUnconfirmedBundle))
		}
		return id, classify("bundle", err)
	}
	g.logger.Debug("bundle landed", zap.String("bundle", id), zap.Int("transactions", len(txs)))
	return id, nil
}

var _ Gateway = (*RPCGateway)(nil)
