package batcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/canopy-network/checkpointx/pkg/boost"
	"github.com/canopy-network/checkpointx/pkg/errs"
	"github.com/canopy-network/checkpointx/pkg/ledger"
	"github.com/canopy-network/checkpointx/pkg/ledger/ledgertest"
	"github.com/canopy-network/checkpointx/pkg/solana"
)

var program = solana.MustPublicKey(boost.DefaultProgramID)

func participants(n int) []boost.Participant {
	out := make([]boost.Participant, n)
	for i := range out {
		out[i] = boost.Participant{Address: solana.PublicKey{byte(i), byte(i >> 8), 1}, Stake: boost.Stake{ID: uint64(i)}}
	}
	return out
}

func TestPartitionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 500).Draw(t, "n")
		k := rapid.IntRange(1, 64).Draw(t, "k")
		items := make([]int, n)
		for i := range items {
			items[i] = i
		}
		groups := Partition(items, k)
		if want := (n + k - 1) / k; len(groups) != want {
			t.Fatalf("got %d groups, want %d", len(groups), want)
		}
		var flat []int
		for _, g := range groups {
			if len(g) == 0 || len(g) > k {
				t.Fatalf("group of %d with k=%d", len(g), k)
			}
			flat = append(flat, g...)
		}
		if len(flat) != n {
			t.Fatalf("flattened %d of %d", len(flat), n)
		}
		for i, v := range flat {
			if v != i {
				t.Fatalf("position %d holds %d", i, v)
			}
		}
	})
}

func TestPartitionDoesNotAlias(t *testing.T) {
	groups := Partition([]int{1, 2, 3, 4, 5}, 2)
	groups[0] = append(groups[0], 99)
	assert.Equal(t, []int{3, 4}, groups[1])
}

func TestComputeUnitsScaleLinearly(t *testing.T) {
	l := Limits{BaseUnits: 1_000, UnitsPerItem: 500}
	assert.Equal(t, uint32(1_000), l.ComputeUnits(0))
	assert.Equal(t, uint32(6_000), l.ComputeUnits(10))
	assert.Equal(t, uint32(solana.MaxComputeUnits), Limits{UnitsPerItem: 1_000_000}.ComputeUnits(3))
}

func TestLimitsValidate(t *testing.T) {
	require.NoError(t, DefaultLimits().Validate())
	bad := Limits{ChunkSize: 0, BundleSize: 6}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk size")
	assert.Contains(t, err.Error(), "bundle size")
	assert.Error(t, Limits{ChunkSize: 100, BundleSize: 1}.Validate())
	assert.Error(t, Limits{ChunkSize: 10, BundleSize: 1, UnitsPerItem: 200_000}.Validate())
}

func TestScenarioThreeHundredParticipants(t *testing.T) {
	limits := Limits{ChunkSize: 10, BundleSize: 4, BaseUnits: 1_000, UnitsPerItem: 2_000}
	pool, err := boost.NewPool(program, solana.PublicKey{7})
	require.NoError(t, err)
	units := RebasePlan(participants(300), limits, solana.PublicKey{9}, pool)
	require.Len(t, units, 30)

	next := uint64(0)
	for _, u := range units {
		require.Len(t, u.Items, 10)
		assert.Equal(t, uint32(21_000), u.Tx.ComputeUnits)
		for i, p := range u.Items {
			assert.Equal(t, next, p.ID(), "ids must be contiguous")
			target, err := boost.RebaseTarget(u.Tx.Instructions[i])
			require.NoError(t, err)
			assert.Equal(t, p.Address, target)
			next++
		}
	}
	assert.Equal(t, uint64(300), next)

	bundles := Bundle(units, limits.BundleSize)
	require.Len(t, bundles, 8)
	for _, b := range bundles[:7] {
		assert.Len(t, b, 4)
	}
	assert.Len(t, bundles[7], 2)
}

func TestDefaultUnit(t *testing.T) {
	pool, err := boost.NewPool(program, solana.PublicKey{7})
	require.NoError(t, err)
	u := Default(DefaultLimits(), solana.PublicKey{9}, pool)
	require.Len(t, u.Tx.Instructions, 1)
	target, err := boost.RebaseTarget(u.Tx.Instructions[0])
	require.NoError(t, err)
	assert.True(t, target.IsZero())
	assert.Equal(t, "default", u.String())
}

func setup(t *testing.T, stakes int) (*ledgertest.Ledger, boost.Pool, []boost.Participant) {
	t.Helper()
	l := ledgertest.New(solana.PublicKey{9})
	pool, err := l.AddPool(program, solana.PublicKey{7}, 2*time.Hour, time.Hour)
	require.NoError(t, err)
	for i := 0; i < stakes; i++ {
		_, err := l.AddStake(pool)
		require.NoError(t, err)
	}
	ps, err := boost.Participants(context.Background(), l, pool, zap.NewNop())
	require.NoError(t, err)
	return l, pool, ps
}

func TestBundledSubmitsEveryUnit(t *testing.T) {
	l, pool, ps := setup(t, 300)
	limits := Limits{ChunkSize: 10, BundleSize: 4, BaseUnits: 1_000, UnitsPerItem: 2_000}
	sub, err := New(StrategyBundled, l, limits.BundleSize, zap.NewNop())
	require.NoError(t, err)

	report, err := sub.Submit(context.Background(), RebasePlan(ps, limits, l.Authority(), pool), nil)
	require.NoError(t, err)
	assert.Equal(t, 30, report.Confirmed)
	assert.Len(t, report.Handles, 8)
	assert.Equal(t, uint64(300), l.Checkpoint(pool).CurrentID)
	for _, s := range l.Submissions() {
		assert.True(t, s.Bundle)
	}
}

func TestSequentialStopsAtFirstFailure(t *testing.T) {
	l, pool, ps := setup(t, 50)
	l.Faults = func(n int, _ []ledger.Tx) ledgertest.Fault {
		if n == 2 {
			return ledgertest.FaultDrop
		}
		return ledgertest.FaultNone
	}
	sub, err := New(StrategySequential, l, 0, zap.NewNop())
	require.NoError(t, err)

	report, err := sub.Submit(context.Background(), RebasePlan(ps, DefaultLimits(), l.Authority(), pool), nil)
	require.Error(t, err)
	assert.Equal(t, 2, report.Confirmed)
	assert.Equal(t, 2, report.Skipped)
	assert.Len(t, l.Submissions(), 3)
	assert.Equal(t, uint64(20), l.Checkpoint(pool).CurrentID)

	var partial *errs.PartialFailure
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, 2, partial.Succeeded)
	require.Len(t, partial.Failed, 1)
	assert.Equal(t, "ids 20-29", partial.Failed[0].Unit)
	assert.True(t, errs.Is(partial.Failed[0].Err, errs.KindTransport))
}

func TestFirstUnitFailureKeepsKind(t *testing.T) {
	l, pool, ps := setup(t, 5)
	l.RebaseCost = 50_000
	sub, err := New(StrategySequential, l, 0, zap.NewNop())
	require.NoError(t, err)

	_, err = sub.Submit(context.Background(), RebasePlan(ps, DefaultLimits(), l.Authority(), pool), nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindResourceRejected))
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	_, err := New("parallel", nil, 1, zap.NewNop())
	assert.Error(t, err)
	_, err = New(StrategyBundled, nil, 0, zap.NewNop())
	assert.Error(t, err)
}
