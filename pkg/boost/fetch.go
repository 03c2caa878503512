package boost

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/canopy-network/checkpointx/pkg/errs"
	"github.com/canopy-network/checkpointx/pkg/ledger"
	"github.com/canopy-network/checkpointx/pkg/solana"
)

// AccountReader is the part of ledger.Gateway used to load single accounts.
type AccountReader interface {
	GetAccount(ctx context.Context, addr solana.PublicKey) ([]byte, error)
}

// StakeScanner is the part of ledger.Gateway used to enumerate stakes.
type StakeScanner interface {
	GetProgramAccounts(ctx context.Context, program solana.PublicKey, discriminator []byte, filters ...ledger.Filter) ([]ledger.KeyedAccount, error)
}

// Participant is one stake position of a pool.
type Participant struct {
	Address solana.PublicKey
	Stake   Stake
}

func (p Participant) ID() uint64 { return p.Stake.ID }

func FetchBoost(ctx context.Context, r AccountReader, pool Pool) (Boost, error) {
	data, err := r.GetAccount(ctx, pool.Address)
	if err != nil {
		return Boost{}, err
	}
	b, err := DecodeBoost(data)
	if err != nil {
		return Boost{}, errs.New(errs.KindInvalid, "decode boost", err)
	}
	return b, nil
}

func FetchCheckpoint(ctx context.Context, r AccountReader, pool Pool) (Checkpoint, error) {
	data, err := r.GetAccount(ctx, pool.Checkpoint)
	if err != nil {
		return Checkpoint{}, err
	}
	cp, err := DecodeCheckpoint(data)
	if err != nil {
		return Checkpoint{}, errs.New(errs.KindInvalid, "decode checkpoint", err)
	}
	if cp.Boost != pool.Address {
		return Checkpoint{}, errs.Newf(errs.KindInvalid, "decode checkpoint", "checkpoint %s belongs to %s", pool.Checkpoint, cp.Boost)
	}
	return cp, nil
}

// Participants lists every stake of pool sorted ascending by id. Accounts that
// do not decode are logged and skipped.
func Participants(ctx context.Context, s StakeScanner, pool Pool, logger *zap.Logger) ([]Participant, error) {
	accts, err := s.GetProgramAccounts(ctx, pool.Program, []byte{StakeDiscriminator},
		ledger.Filter{Offset: StakeBoostOffset, Bytes: pool.Address.Bytes()})
	if err != nil {
		return nil, fmt.Errorf("scan stakes of %s: %w", pool.Address, err)
	}
	out := make([]Participant, 0, len(accts))
	for _, a := range accts {
		st, err := DecodeStake(a.Data)
		if err != nil {
			logger.Warn("skipping undecodable stake account",
				zap.Stringer("address", a.Address),
				zap.Error(err))
			continue
		}
		if st.Boost != pool.Address {
			continue
		}
		out = append(out, Participant{Address: a.Address, Stake: st})
	}
	slices.SortFunc(out, func(a, b Participant) int { return cmp.Compare(a.Stake.ID, b.Stake.ID) })
	return out, nil
}

// Remaining returns the participants the checkpoint has not processed yet.
// sorted must be ascending by id.
func Remaining(sorted []Participant, cursor uint64) []Participant {
	i, _ := slices.BinarySearchFunc(sorted, cursor, func(p Participant, c uint64) int { return cmp.Compare(p.Stake.ID, c) })
	return sorted[i:]
}

// Addresses projects participants onto their stake addresses.
func Addresses(ps []Participant) []solana.PublicKey {
	out := make([]solana.PublicKey, len(ps))
	for i, p := range ps {
		out[i] = p.Address
	}
	return out
}
