package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/canopy-network/checkpointx/pkg/batcher"
	"github.com/canopy-network/checkpointx/pkg/boost"
	"github.com/canopy-network/checkpointx/pkg/errs"
	"github.com/canopy-network/checkpointx/pkg/ledger"
	"github.com/canopy-network/checkpointx/pkg/ledger/ledgertest"
	"github.com/canopy-network/checkpointx/pkg/lut"
	"github.com/canopy-network/checkpointx/pkg/registry"
	"github.com/canopy-network/checkpointx/pkg/solana"
)

var program = solana.MustPublicKey(boost.DefaultProgramID)

type harness struct {
	l      *ledgertest.Ledger
	pool   boost.Pool
	store  registry.Store
	cfg    Config
	method batcher.Strategy
	slept  []time.Duration
	status []Status
}

func newHarness(t require.TestingT, dir string, sinceRebase time.Duration, stakes int) *harness {
	h := &harness{l: ledgertest.New(solana.PublicKey{0xaa, 1})}
	pool, err := h.l.AddPool(program, solana.PublicKey{7}, sinceRebase, time.Hour)
	require.NoError(t, err)
	h.pool = pool
	for range stakes {
		_, err := h.l.AddStake(pool)
		require.NoError(t, err)
	}
	h.store, err = registry.NewFile(dir, zap.NewNop())
	require.NoError(t, err)
	h.cfg = DefaultConfig()
	h.cfg.PollCap = 2 * time.Hour
	h.method = batcher.StrategySequential
	return h
}

func (h *harness) sleep(_ context.Context, d time.Duration) error {
	h.slept = append(h.slept, d)
	h.l.Advance(d)
	return nil
}

// controller builds a fresh controller, as a restarted process would.
func (h *harness) controller(t require.TestingT) *Controller {
	tables := lut.NewManager(h.l, h.store, lut.DefaultConfig(), zap.NewNop(), lut.WithSleep(h.sleep))
	sub, err := batcher.New(h.method, h.l, h.cfg.Limits.BundleSize, zap.NewNop())
	require.NoError(t, err)
	return New(h.pool, h.l, tables, sub, h.cfg, zap.NewNop(),
		WithSleep(h.sleep),
		WithObserver(func(s Status) { h.status = append(h.status, s) }))
}

func stepUntil(t *testing.T, c *Controller, want State, limit int) {
	t.Helper()
	for range limit {
		if c.State() == want {
			return
		}
		_ = c.Step(context.Background())
	}
	require.Equal(t, want, c.State())
}

func TestWaitsForInterval(t *testing.T) {
	h := newHarness(t, t.TempDir(), 30*time.Minute, 3)
	c := h.controller(t)
	ctx := context.Background()

	require.NoError(t, c.Step(ctx))
	assert.Equal(t, AwaitInterval, c.State())
	require.NoError(t, c.Step(ctx))
	assert.Equal(t, Backoff, c.State())
	st := c.Status()
	assert.Equal(t, AwaitInterval, st.Resume)
	assert.Equal(t, 30*time.Minute, st.Wait)

	require.NoError(t, c.Step(ctx))
	assert.Equal(t, AwaitInterval, c.State())
	assert.Equal(t, []time.Duration{30 * time.Minute}, h.slept)
	assert.Zero(t, h.l.Instructions(ledgertest.IsRebase))
}

func TestWaitIsBoundedByPollCap(t *testing.T) {
	h := newHarness(t, t.TempDir(), 0, 0)
	h.cfg.PollCap = 5 * time.Minute
	c := h.controller(t)
	stepUntil(t, c, Backoff, 3)
	assert.Equal(t, 5*time.Minute, c.Status().Wait)
}

func TestEmptyPoolSendsOneDefaultRebase(t *testing.T) {
	h := newHarness(t, t.TempDir(), 2*time.Hour, 0)
	c := h.controller(t)

	stepUntil(t, c, Rotate, 10)
	stepUntil(t, c, AwaitInterval, 2)

	assert.Equal(t, 1, h.l.Instructions(ledgertest.IsRebase))
	assert.Zero(t, h.l.Instructions(ledgertest.IsLookupTableOp))
	assert.Equal(t, []uint64{0}, h.l.Finalized(h.pool))
	assert.Equal(t, 1, c.Status().Completed)
}

func TestFullCycle(t *testing.T) {
	h := newHarness(t, t.TempDir(), 2*time.Hour, 45)
	c := h.controller(t)

	stepUntil(t, c, Submit, 10)
	require.NoError(t, c.Step(context.Background()))
	assert.Equal(t, Reconcile, c.State(), "participants first, finalizer on its own")
	assert.Equal(t, 45, h.l.Instructions(ledgertest.IsRebase))
	assert.Empty(t, h.l.Finalized(h.pool))
	assert.Equal(t, uint64(45), h.l.Checkpoint(h.pool).CurrentID)

	require.NoError(t, c.Step(context.Background()))
	assert.Equal(t, Submit, c.State())
	assert.Zero(t, c.Status().Remaining)
	require.NoError(t, c.Step(context.Background()))
	assert.Equal(t, Rotate, c.State())
	require.Len(t, h.l.Finalized(h.pool), 1)
	assert.Equal(t, uint64(45), h.l.Finalized(h.pool)[0])
	assert.Equal(t, 6, c.Status().Submitted, "five chunks and the finalizer")
	assert.Equal(t, 46, h.l.Instructions(ledgertest.IsRebase))

	stepUntil(t, c, AwaitInterval, 2)
	assert.Equal(t, 0, h.l.CloseViolations())
	entries, err := h.store.Read(context.Background(), h.pool.Address)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "old table closed, next one opened")

	// the next interval has not elapsed yet
	require.NoError(t, c.Step(context.Background()))
	assert.Equal(t, Backoff, c.State())
	assert.Equal(t, 1, c.Status().Completed)
}

func TestSubmitFailureBacksOffToReconcile(t *testing.T) {
	h := newHarness(t, t.TempDir(), 2*time.Hour, 25)
	h.cfg.Limits.ChunkSize = 10
	rebases := 0
	h.l.Faults = func(_ int, txs []ledger.Tx) ledgertest.Fault {
		for _, ix := range txs[0].Instructions {
			if ledgertest.IsRebase(ix) {
				rebases++
				if rebases == 2 {
					return ledgertest.FaultDrop
				}
				break
			}
		}
		return ledgertest.FaultNone
	}
	c := h.controller(t)
	ctx := context.Background()
	stepUntil(t, c, Submit, 10)

	err := c.Step(ctx)
	require.Error(t, err)
	assert.Equal(t, Backoff, c.State())
	st := c.Status()
	assert.Equal(t, Reconcile, st.Resume)
	assert.Equal(t, h.cfg.Backoff, st.Wait)
	assert.NotEmpty(t, st.LastError)
	assert.True(t, errs.Is(err, errs.KindPartialBatch))

	require.NoError(t, c.Step(ctx))
	require.NoError(t, c.Step(ctx))
	assert.Equal(t, Submit, c.State())
	assert.Equal(t, 15, c.Status().Remaining)
	assert.Equal(t, uint64(10), h.l.Checkpoint(h.pool).CurrentID)

	stepUntil(t, c, Rotate, 4)
	assert.Equal(t, []uint64{25}, h.l.Finalized(h.pool))
}

func TestBundledIntervalKeepsFinalizerOutOfParticipantBundles(t *testing.T) {
	h := newHarness(t, t.TempDir(), 2*time.Hour, 300)
	h.cfg.Limits.ChunkSize = 10
	h.cfg.Limits.BundleSize = 4
	h.method = batcher.StrategyBundled
	c := h.controller(t)

	stepUntil(t, c, Rotate, 20)
	assert.Equal(t, []uint64{300}, h.l.Finalized(h.pool))

	var sizes []int
	var last ledgertest.Submission
	for _, s := range h.l.Submissions() {
		if !s.Bundle {
			continue
		}
		require.NoError(t, s.Err)
		sizes = append(sizes, len(s.Txs))
		last = s
	}
	assert.Equal(t, []int{4, 4, 4, 4, 4, 4, 4, 2, 1}, sizes)
	require.Len(t, last.Txs, 1)
	ixs := last.Txs[0].Instructions
	require.True(t, ledgertest.IsRebase(ixs[len(ixs)-1]))
	assert.Equal(t, 301, h.l.Instructions(ledgertest.IsRebase))
	assert.Equal(t, 31, c.Status().Submitted)
}

func TestCursorStallBacksOff(t *testing.T) {
	h := newHarness(t, t.TempDir(), 2*time.Hour, 5)
	c := h.controller(t)
	ctx := context.Background()
	stepUntil(t, c, Submit, 10)

	// a confirmed pass that left the cursor where it was
	c.remaining = nil
	c.sentFrom, c.sent = h.l.Checkpoint(h.pool).CurrentID, true
	c.transition(Reconcile)
	require.NoError(t, c.Step(ctx))
	assert.Equal(t, Backoff, c.State())
	assert.Equal(t, Reconcile, c.Status().Resume)

	require.NoError(t, c.Step(ctx))
	require.NoError(t, c.Step(ctx))
	assert.Equal(t, Submit, c.State(), "the guard only fires once per pass")
	assert.Equal(t, 5, c.Status().Remaining)
}

func TestFailedSyncIsRetriedByReconcile(t *testing.T) {
	h := newHarness(t, t.TempDir(), 2*time.Hour, 5)
	h.l.Faults = func(n int, txs []ledger.Tx) ledgertest.Fault {
		if n == 0 && len(txs[0].Instructions) > 0 && ledgertest.IsLookupTableOp(txs[0].Instructions[0]) {
			return ledgertest.FaultDrop
		}
		return ledgertest.FaultNone
	}
	c := h.controller(t)
	ctx := context.Background()

	require.NoError(t, c.Step(ctx))
	assert.Equal(t, AwaitInterval, c.State(), "a failed sync does not block cold start")
	assert.False(t, c.hasObserved)
	ops := h.l.Instructions(ledgertest.IsLookupTableOp)
	active, err := c.tables.Active(ctx, h.pool)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, c.Step(ctx))
	assert.Equal(t, Reconcile, c.State())
	require.NoError(t, c.Step(ctx))
	assert.Equal(t, Submit, c.State())
	assert.Greater(t, h.l.Instructions(ledgertest.IsLookupTableOp), ops, "reconcile syncs again")
	assert.True(t, c.hasObserved)
	active, err = c.tables.Active(ctx, h.pool)
	require.NoError(t, err)
	require.NotEmpty(t, active)
	assert.Len(t, active[0].Addresses, 5)

	// once synced for this interval, reconcile leaves the tables alone
	ops = h.l.Instructions(ledgertest.IsLookupTableOp)
	require.NoError(t, c.Step(ctx))
	require.NoError(t, c.Step(ctx))
	assert.Equal(t, Submit, c.State())
	assert.Equal(t, ops, h.l.Instructions(ledgertest.IsLookupTableOp))
}

func TestLostFinalizerConfirmationGoesToRotate(t *testing.T) {
	h := newHarness(t, t.TempDir(), 2*time.Hour, 0)
	h.l.Faults = func(_ int, txs []ledger.Tx) ledgertest.Fault {
		ixs := txs[0].Instructions
		if len(ixs) > 0 && ledgertest.IsRebase(ixs[len(ixs)-1]) {
			return ledgertest.FaultLost
		}
		return ledgertest.FaultNone
	}
	c := h.controller(t)
	ctx := context.Background()
	stepUntil(t, c, Submit, 10)
	require.Error(t, c.Step(ctx))
	require.NoError(t, c.Step(ctx))
	assert.Equal(t, Reconcile, c.State())
	require.NoError(t, c.Step(ctx))
	assert.Equal(t, Rotate, c.State())
	assert.Equal(t, 1, h.l.Instructions(ledgertest.IsRebase))
}

func TestReadFailuresRetryTheSameState(t *testing.T) {
	h := newHarness(t, t.TempDir(), 2*time.Hour, 2)
	c := h.controller(t)
	ctx := context.Background()

	h.l.FailReads = 1
	require.Error(t, c.Step(ctx))
	assert.Equal(t, Backoff, c.State())
	assert.Equal(t, ColdStart, c.Status().Resume)
	require.NoError(t, c.Step(ctx))
	require.NoError(t, c.Step(ctx))
	assert.Equal(t, AwaitInterval, c.State())

	h.l.FailReads = 1
	require.Error(t, c.Step(ctx))
	assert.Equal(t, AwaitInterval, c.Status().Resume)
	require.NoError(t, c.Step(ctx))
	require.NoError(t, c.Step(ctx))
	assert.Equal(t, Reconcile, c.State())

	h.l.FailReads = 1
	require.Error(t, c.Step(ctx))
	assert.Equal(t, Reconcile, c.Status().Resume)
}

func TestObserverSeesEveryStep(t *testing.T) {
	h := newHarness(t, t.TempDir(), 30*time.Minute, 0)
	c := h.controller(t)
	for range 3 {
		_ = c.Step(context.Background())
	}
	require.Len(t, h.status, 3)
	assert.Equal(t, AwaitInterval, h.status[0].State)
	assert.Equal(t, Backoff, h.status[1].State)
	assert.Equal(t, h.pool.Address.String(), h.status[2].Pool)
	assert.Equal(t, "sequential", h.status[2].SubmitMethod)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, t.TempDir(), 30*time.Minute, 0)
	c := h.controller(t)
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	assert.ErrorIs(t, c.Run(ctx), context.Canceled)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.Interval = 0
	cfg.Limits.BundleSize = 9
	assert.Error(t, cfg.Validate())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AwaitInterval", AwaitInterval.String())
	assert.Equal(t, "State(42)", State(42).String())
}

// Crashes and lost or dropped submissions at arbitrary points must never
// rebase a stake twice or skip one.
func TestCrashResumeRebasesEachStakeOnce(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		stakes := rapid.IntRange(0, 40).Draw(rt, "stakes")
		faults := rapid.SliceOfN(rapid.IntRange(0, 2), 0, 16).Draw(rt, "faults")
		crashes := rapid.SliceOfN(rapid.IntRange(1, 12), 0, 4).Draw(rt, "crashes")
		chunk := rapid.IntRange(1, 12).Draw(rt, "chunk")

		h := newHarness(rt, t.TempDir(), 2*time.Hour, stakes)
		h.cfg.Limits.ChunkSize = chunk
		h.l.Faults = func(n int, _ []ledger.Tx) ledgertest.Fault {
			if n < len(faults) {
				return ledgertest.Fault(faults[n])
			}
			return ledgertest.FaultNone
		}

		c := h.controller(rt)
		steps := 0
		for i := 0; len(h.l.Finalized(h.pool)) == 0; i++ {
			require.Less(rt, i, 2_000, "no progress")
			if len(crashes) > 0 && steps == crashes[0] {
				c, steps, crashes = h.controller(rt), 0, crashes[1:]
			}
			_ = c.Step(context.Background())
			steps++
		}

		assert.Equal(rt, []uint64{uint64(stakes)}, h.l.Finalized(h.pool))
		ps, err := boost.Participants(context.Background(), h.l, h.pool, zap.NewNop())
		require.NoError(rt, err)
		for _, p := range ps {
			assert.Equal(rt, 1, h.l.Rebased(p.Address), "stake %d", p.ID())
		}
		assert.Equal(rt, 0, h.l.CloseViolations())
	})
}
