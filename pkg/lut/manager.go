// Package lut keeps participant addresses registered in address lookup tables
// so large rebase transactions fit the packet limit, and rotates the tables
// once per completed interval.
package lut

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/checkpointx/pkg/boost"
	"github.com/canopy-network/checkpointx/pkg/errs"
	"github.com/canopy-network/checkpointx/pkg/ledger"
	"github.com/canopy-network/checkpointx/pkg/metrics"
	"github.com/canopy-network/checkpointx/pkg/registry"
	"github.com/canopy-network/checkpointx/pkg/retry"
	"github.com/canopy-network/checkpointx/pkg/solana"
)

// Config holds the lifecycle tuning constants.
type Config struct {
	// ExtendChunk is the number of addresses per extend instruction.
	ExtendChunk int
	// DeactivateChunk and CloseChunk are instructions per transaction.
	DeactivateChunk int
	CloseChunk      int
	// CooldownWait approximates the post-deactivation cooldown in wall time.
	CooldownWait time.Duration
	// CooldownSlots is the ledger-mandated cooldown.
	CooldownSlots uint64
	// SlotDuration converts outstanding cooldown slots into extra waits.
	SlotDuration time.Duration
	// CooldownChecks bounds the extra waits when the cooldown is not over.
	CooldownChecks int
}

func DefaultConfig() Config {
	return Config{
		ExtendChunk:     26,
		DeactivateChunk: 10,
		CloseChunk:      10,
		CooldownWait:    4 * time.Minute,
		CooldownSlots:   solana.LookupTableCooldownSlots,
		SlotDuration:    400 * time.Millisecond,
		CooldownChecks:  5,
	}
}

// Validate checks the constants against ledger packet limits.
func (c Config) Validate() error {
	switch {
	case c.ExtendChunk < 1 || c.ExtendChunk > 30:
		// 30 addresses plus the extend header is the largest chunk under 1232 bytes
		return fmt.Errorf("extend chunk %d outside 1..30", c.ExtendChunk)
	case c.DeactivateChunk < 1 || c.DeactivateChunk > 20:
		return fmt.Errorf("deactivate chunk %d outside 1..20", c.DeactivateChunk)
	case c.CloseChunk < 1 || c.CloseChunk > 20:
		return fmt.Errorf("close chunk %d outside 1..20", c.CloseChunk)
	case c.CooldownSlots < solana.LookupTableCooldownSlots:
		return fmt.Errorf("cooldown of %d slots is below the ledger's %d", c.CooldownSlots, solana.LookupTableCooldownSlots)
	}
	return nil
}

// Manager is shared by every pool; its state lives on the ledger and in the
// registry.
type Manager struct {
	gateway ledger.Gateway
	store   registry.Store
	cfg     Config
	sleep   func(ctx context.Context, d time.Duration) error
	metrics *metrics.Metrics
	logger  *zap.Logger
}

type Option func(*Manager)

// WithSleep replaces the cooldown wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = sleep }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func NewManager(gateway ledger.Gateway, store registry.Store, cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		gateway: gateway,
		store:   store,
		cfg:     cfg,
		sleep:   retry.Sleep,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SyncResult summarizes one sync pass.
type SyncResult struct {
	Tables   int
	Tabled   int
	Added    int
	Created  int
	Untabled int
}

// tracked is a registry entry joined with its on-ledger state; state is nil
// when the account no longer exists.
type tracked struct {
	addr  solana.PublicKey
	state *solana.LookupTableState
}

func (m *Manager) load(ctx context.Context, pool boost.Pool) ([]tracked, error) {
	entries, err := m.store.Read(ctx, pool.Address)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	entries = dedupKeys(entries)
	if len(entries) == 0 {
		return nil, nil
	}
	datas, err := m.gateway.GetMultipleAccounts(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("fetch lookup tables: %w", err)
	}
	out := make([]tracked, len(entries))
	for i, addr := range entries {
		out[i].addr = addr
		if datas[i] == nil {
			continue
		}
		st, err := solana.DecodeLookupTable(addr, datas[i])
		if err != nil {
			m.logger.Warn("registry entry is not a lookup table", zap.Stringer("table", addr), zap.Error(err))
			continue
		}
		out[i].state = st
	}
	return out, nil
}

// Active returns the active tables recorded for pool, for message compilation.
func (m *Manager) Active(ctx context.Context, pool boost.Pool) ([]solana.LookupTable, error) {
	tables, err := m.load(ctx, pool)
	if err != nil {
		return nil, err
	}
	var out []solana.LookupTable
	for _, t := range tables {
		if t.state != nil && t.state.Active() && len(t.state.Addresses) > 0 {
			out = append(out, t.state.Table())
		}
	}
	return out, nil
}

// Sync registers every address of participants in exactly one of the pool's
// tables, topping up tables with spare capacity before creating new ones. A
// new table is recorded in the registry before it is created on the ledger.
// Unit failures are collected and returned as *errs.PartialFailure.
func (m *Manager) Sync(ctx context.Context, pool boost.Pool, participants []solana.PublicKey) (SyncResult, error) {
	var res SyncResult
	tables, err := m.load(ctx, pool)
	if err != nil {
		return res, err
	}

	tabled := make(map[solana.PublicKey]struct{})
	known := make(map[solana.PublicKey]struct{}, len(tables))
	var open []*solana.LookupTableState
	for _, t := range tables {
		known[t.addr] = struct{}{}
		if t.state == nil {
			continue
		}
		res.Tables++
		for _, a := range t.state.Addresses {
			tabled[a] = struct{}{}
		}
		if t.state.Active() && t.state.Remaining() > 0 {
			open = append(open, t.state)
		}
	}
	res.Tabled = len(tabled)

	var untabled []solana.PublicKey
	for _, p := range participants {
		if _, ok := tabled[p]; !ok {
			untabled = append(untabled, p)
			tabled[p] = struct{}{}
		}
	}
	m.logger.Info("syncing lookup tables",
		zap.Int("tables", res.Tables),
		zap.Int("tabled", res.Tabled),
		zap.Int("untabled", len(untabled)))
	if len(untabled) == 0 {
		return res, nil
	}

	tally := errs.NewTally("sync lookup tables")
	for _, st := range open {
		if len(untabled) == 0 {
			break
		}
		n := min(st.Remaining(), len(untabled))
		res.Added += m.extend(ctx, pool, st.Address, untabled[:n], tally)
		untabled = untabled[n:]
	}

	if len(untabled) > 0 {
		clock, err := m.gateway.GetClock(ctx)
		if err != nil {
			tally.Fail("clock", err)
			res.Untabled = len(untabled)
			return res, tally.Err()
		}
		for k := uint64(0); len(untabled) > 0 && k <= clock.Slot; k++ {
			// one table per recent slot; skip slots whose table is already recorded
			addr, _, err := solana.LookupTableAddress(m.gateway.Authority(), clock.Slot-k)
			if err != nil {
				continue
			}
			if _, ok := known[addr]; ok {
				continue
			}
			known[addr] = struct{}{}
			table, err := m.create(ctx, pool, clock.Slot-k)
			if err != nil {
				tally.Fail("create", err)
				break
			}
			res.Created++
			n := min(solana.LookupTableMaxAddresses, len(untabled))
			res.Added += m.extend(ctx, pool, table, untabled[:n], tally)
			untabled = untabled[n:]
		}
	}
	res.Untabled = len(untabled)
	return res, tally.Err()
}

// create records the derived table address, then opens it on the ledger.
func (m *Manager) create(ctx context.Context, pool boost.Pool, recentSlot uint64) (solana.PublicKey, error) {
	authority := m.gateway.Authority()
	ix, table, err := solana.CreateLookupTable(authority, authority, recentSlot)
	if err != nil {
		return solana.ZeroKey, err
	}
	if err := m.store.Append(ctx, pool.Address, table); err != nil {
		return solana.ZeroKey, fmt.Errorf("record %s: %w", table, err)
	}
	_, err = m.gateway.SendTransaction(ctx, ledger.Tx{Instructions: []solana.Instruction{ix}}, nil)
	m.metrics.RecordTableOp(pool.Address.String(), "create", 1, err)
	if err != nil {
		return solana.ZeroKey, fmt.Errorf("create %s: %w", table, err)
	}
	m.logger.Info("opened lookup table", zap.Stringer("table", table), zap.Uint64("recent_slot", recentSlot))
	return table, nil
}

// extend appends addrs in chunks and returns how many were added.
func (m *Manager) extend(ctx context.Context, pool boost.Pool, table solana.PublicKey, addrs []solana.PublicKey, tally *errs.Tally) int {
	authority := m.gateway.Authority()
	added := 0
	for i, start := 0, 0; start < len(addrs); i, start = i+1, start+m.cfg.ExtendChunk {
		chunk := addrs[start:min(start+m.cfg.ExtendChunk, len(addrs))]
		ix := solana.ExtendLookupTable(table, authority, authority, chunk)
		_, err := m.gateway.SendTransaction(ctx, ledger.Tx{Instructions: []solana.Instruction{ix}}, nil)
		m.metrics.RecordTableOp(pool.Address.String(), "extend", 1, err)
		if err != nil {
			unit := fmt.Sprintf("extend %s chunk %d", table, i)
			tally.Fail(unit, err)
			m.logger.Warn("extend failed", append(errs.Fields(err), zap.String("unit", unit))...)
			continue
		}
		tally.Ok()
		added += len(chunk)
	}
	return added
}

// RotateResult summarizes one rotation.
type RotateResult struct {
	Deactivated int
	Closed      int
	Forgotten   int
	Pending     int
	Next        SyncResult
}

// Rotate deactivates every table of pool, waits out the cooldown, closes the
// tables whose cooldown has passed and drops them from the registry, then
// pre-opens tables for next. It can be re-run after any failure.
func (m *Manager) Rotate(ctx context.Context, pool boost.Pool, next []solana.PublicKey) (RotateResult, error) {
	var res RotateResult
	tables, err := m.load(ctx, pool)
	if err != nil {
		return res, err
	}

	if len(tables) > 0 {
		tally := errs.NewTally("rotate lookup tables")
		var live []solana.PublicKey
		var active []solana.PublicKey
		for _, t := range tables {
			switch {
			case t.state == nil:
				res.Forgotten++
			case t.state.Active():
				active = append(active, t.addr)
				live = append(live, t.addr)
			default:
				live = append(live, t.addr)
			}
		}

		res.Deactivated = m.batch(ctx, pool, "deactivate", active, m.cfg.DeactivateChunk, tally, func(t solana.PublicKey) solana.Instruction {
			return solana.DeactivateLookupTable(t, m.gateway.Authority())
		})
		if res.Deactivated > 0 {
			m.logger.Info("waiting for lookup table cooldown",
				zap.Int("tables", res.Deactivated),
				zap.Duration("wait", m.cfg.CooldownWait))
			if err := m.sleep(ctx, m.cfg.CooldownWait); err != nil {
				return res, err
			}
		}

		closable, pending, err := m.closable(ctx, live)
		if err != nil {
			return res, err
		}
		closed := m.batch(ctx, pool, "close", closable, m.cfg.CloseChunk, tally, func(t solana.PublicKey) solana.Instruction {
			a := m.gateway.Authority()
			return solana.CloseLookupTable(t, a, a)
		})
		res.Closed = closed

		survivors := m.survivors(ctx, live)
		res.Pending = len(pending)
		if err := m.store.Retain(ctx, pool.Address, survivors); err != nil {
			return res, fmt.Errorf("update registry: %w", err)
		}
		m.logger.Info("rotated lookup tables",
			zap.Int("deactivated", res.Deactivated),
			zap.Int("closed", res.Closed),
			zap.Int("forgotten", res.Forgotten),
			zap.Int("remaining", len(survivors)))

		if len(pending) > 0 {
			tally.Fail("cooldown", errs.Newf(errs.KindCoolingDown, "close", "%d tables still cooling down", len(pending)))
		}
		if err := tally.Err(); err != nil {
			return res, err
		}
	}

	synced, err := m.Sync(ctx, pool, next)
	res.Next = synced
	return res, err
}

// closable waits, up to the configured number of checks, until every
// deactivated table is past its cooldown. Tables that are still cooling down
// after that are returned as pending and never closed.
func (m *Manager) closable(ctx context.Context, addrs []solana.PublicKey) (ready, pending []solana.PublicKey, err error) {
	for check := 0; ; check++ {
		if len(addrs) == 0 {
			return nil, nil, nil
		}
		datas, err := m.gateway.GetMultipleAccounts(ctx, addrs)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch lookup tables: %w", err)
		}
		clock, err := m.gateway.GetClock(ctx)
		if err != nil {
			return nil, nil, err
		}
		ready, pending = ready[:0], pending[:0]
		var wait uint64
		for i, addr := range addrs {
			if datas[i] == nil {
				continue
			}
			st, err := solana.DecodeLookupTable(addr, datas[i])
			if err != nil {
				continue
			}
			if st.Closable(clock.Slot, m.cfg.CooldownSlots) {
				ready = append(ready, addr)
				continue
			}
			pending = append(pending, addr)
			if !st.Active() {
				wait = max(wait, st.DeactivationSlot+m.cfg.CooldownSlots+1-clock.Slot)
			}
		}
		if len(pending) == 0 || check >= m.cfg.CooldownChecks || wait == 0 {
			return ready, pending, nil
		}
		d := time.Duration(wait) * m.cfg.SlotDuration
		m.logger.Debug("lookup tables still cooling down",
			zap.Int("pending", len(pending)),
			zap.Uint64("slots", wait),
			zap.Duration("wait", d))
		if err := m.sleep(ctx, d); err != nil {
			return nil, nil, err
		}
	}
}

// survivors re-reads the ledger so only tables that still exist stay recorded.
func (m *Manager) survivors(ctx context.Context, addrs []solana.PublicKey) []solana.PublicKey {
	if len(addrs) == 0 {
		return nil
	}
	datas, err := m.gateway.GetMultipleAccounts(ctx, addrs)
	if err != nil {
		// unknown outcome: keep everything, the next rotation forgets what is gone
		m.logger.Warn("could not confirm closed tables", zap.Error(err))
		return addrs
	}
	var out []solana.PublicKey
	for i, a := range addrs {
		if datas[i] != nil {
			out = append(out, a)
		}
	}
	return out
}

// batch sends build(t) for every table, chunk instructions per transaction,
// and returns how many tables were handled.
func (m *Manager) batch(ctx context.Context, pool boost.Pool, op string, tables []solana.PublicKey, chunk int, tally *errs.Tally, build func(solana.PublicKey) solana.Instruction) int {
	done := 0
	for start := 0; start < len(tables); start += chunk {
		set := tables[start:min(start+chunk, len(tables))]
		ixs := make([]solana.Instruction, len(set))
		for i, t := range set {
			ixs[i] = build(t)
		}
		_, err := m.gateway.SendTransaction(ctx, ledger.Tx{Instructions: ixs}, nil)
		m.metrics.RecordTableOp(pool.Address.String(), op, len(set), err)
		if err != nil {
			unit := fmt.Sprintf("%s %s..%s", op, set[0], set[len(set)-1])
			tally.Fail(unit, err)
			m.logger.Warn(op+" failed", append(errs.Fields(err), zap.String("unit", unit))...)
			continue
		}
		tally.Ok()
		done += len(set)
	}
	return done
}

func dedupKeys(in []solana.PublicKey) []solana.PublicKey {
	seen := make(map[solana.PublicKey]struct{}, len(in))
	out := in[:0:0]
	for _, k := range in {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
