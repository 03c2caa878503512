// Package ledgertest provides an in-memory Gateway that executes the boost
// rebase and address lookup table instructions the agent submits.
package ledgertest

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/canopy-network/checkpointx/pkg/boost"
	"github.com/canopy-network/checkpointx/pkg/errs"
	"github.com/canopy-network/checkpointx/pkg/ledger"
	"github.com/canopy-network/checkpointx/pkg/solana"
)

// SlotsPerSecond converts clock advances into slots.
const SlotsPerSecond = 2

// Fault decides what happens to one submission.
type Fault int

const (
	// FaultNone executes the submission normally.
	FaultNone Fault = iota
	// FaultDrop fails the submission without executing it.
	FaultDrop
	// FaultLost executes the submission but reports a transport failure.
	FaultLost
)

// Submission is one recorded SendTransaction or SendAtomicBundle call.
type Submission struct {
	Bundle bool
	Txs    []ledger.Tx
	Err    error
}

type poolState struct {
	pool     boost.Pool
	interval int64
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu        sync.Mutex
	authority solana.PublicKey
	clock     solana.Clock
	accounts  map[solana.PublicKey][]byte
	owners    map[solana.PublicKey]solana.PublicKey
	pools     map[solana.PublicKey]*poolState // by checkpoint address
	rebased   map[solana.PublicKey]int
	// finalized records the cursor each time a checkpoint interval closed.
	finalized map[solana.PublicKey][]uint64

	submissions     []Submission
	closeViolations int

	// Faults, when set, is consulted before every submission with its
	// zero-based sequence number.
	Faults func(n int, txs []ledger.Tx) Fault
	// FailReads makes the next FailReads account reads fail with a transport error.
	FailReads int
	// RebaseCost is the compute each rebase consumes; zero disables the check.
	RebaseCost uint32
}

func New(authority solana.PublicKey) *Ledger {
	return &Ledger{
		authority: authority,
		clock:     solana.Clock{Slot: 1_000, UnixTimestamp: 1_700_000_000},
		accounts:  map[solana.PublicKey][]byte{},
		owners:    map[solana.PublicKey]solana.PublicKey{},
		pools:     map[solana.PublicKey]*poolState{},
		rebased:   map[solana.PublicKey]int{},
		finalized: map[solana.PublicKey][]uint64{},
	}
}

// AddPool creates the boost and checkpoint accounts. The last rebase happened
// sinceRebase ago; interval is the program's minimum spacing between rebases.
func (l *Ledger) AddPool(program, mint solana.PublicKey, sinceRebase, interval time.Duration) (boost.Pool, error) {
	pool, err := boost.NewPool(program, mint)
	if err != nil {
		return boost.Pool{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.put(pool.Address, program, boost.EncodeBoost(boost.Boost{Mint: mint, Multiplier: 1}))
	l.put(pool.Checkpoint, program, boost.EncodeCheckpoint(boost.Checkpoint{
		Boost:     pool.Address,
		Timestamp: l.clock.UnixTimestamp - int64(sinceRebase/time.Second),
	}))
	l.pools[pool.Checkpoint] = &poolState{pool: pool, interval: int64(interval / time.Second)}
	return pool, nil
}

// AddStake opens a stake account for a fresh authority and returns its address.
func (l *Ledger) AddStake(pool boost.Pool) (solana.PublicKey, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := boost.DecodeBoost(l.accounts[pool.Address])
	if err != nil {
		return solana.ZeroKey, err
	}
	id := b.TotalStakers
	var authority solana.PublicKey
	copy(authority[:], pool.Address[:16])
	authority[24] = byte(id >> 8)
	authority[25] = byte(id)
	addr, err := pool.StakeAddress(authority)
	if err != nil {
		return solana.ZeroKey, err
	}
	b.TotalStakers++
	l.put(pool.Address, pool.Program, boost.EncodeBoost(b))
	l.put(addr, pool.Program, boost.EncodeStake(boost.Stake{Authority: authority, Boost: pool.Address, ID: id}))
	return addr, nil
}

// Advance moves the clock forward by d rounded up to whole seconds.
func (l *Ledger) Advance(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	secs := int64((d + time.Second - 1) / time.Second)
	l.clock.UnixTimestamp += secs
	l.clock.Slot += uint64(secs) * SlotsPerSecond
}

func (l *Ledger) Clock() solana.Clock {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clock
}

func (l *Ledger) Checkpoint(pool boost.Pool) boost.Checkpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp, _ := boost.DecodeCheckpoint(l.accounts[pool.Checkpoint])
	return cp
}

// Rebased is how many times stake was effectively rebased.
func (l *Ledger) Rebased(stake solana.PublicKey) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rebased[stake]
}

// Finalized lists the cursor value at each completed interval of pool.
func (l *Ledger) Finalized(pool boost.Pool) []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint64(nil), l.finalized[pool.Checkpoint]...)
}

// Table returns the decoded lookup table or nil if it does not exist.
func (l *Ledger) Table(addr solana.PublicKey) *solana.LookupTableState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, _ := l.table(addr)
	return st
}

// Tables lists every open lookup table.
func (l *Ledger) Tables() []*solana.LookupTableState {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*solana.LookupTableState
	for addr, owner := range l.owners {
		if owner != solana.AddressLookupTableProgramID {
			continue
		}
		if st, err := l.table(addr); err == nil {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Less(out[j].Address) })
	return out
}

func (l *Ledger) Submissions() []Submission {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Submission(nil), l.submissions...)
}

// Instructions counts submitted instructions, executed or not, for which match
// returns true.
func (l *Ledger) Instructions(match func(solana.Instruction) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.submissions {
		for _, tx := range s.Txs {
			for _, ix := range tx.Instructions {
				if match(ix) {
					n++
				}
			}
		}
	}
	return n
}

// IsLookupTableOp matches address lookup table program instructions.
func IsLookupTableOp(ix solana.Instruction) bool {
	return ix.ProgramID == solana.AddressLookupTableProgramID
}

// IsRebase matches boost rebase instructions.
func IsRebase(ix solana.Instruction) bool {
	_, err := boost.RebaseTarget(ix)
	return err == nil
}

// CloseViolations counts close attempts made before the cooldown passed.
func (l *Ledger) CloseViolations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeViolations
}

func (l *Ledger) put(addr, owner solana.PublicKey, data []byte) {
	l.accounts[addr] = data
	l.owners[addr] = owner
}

func (l *Ledger) del(addr solana.PublicKey) {
	delete(l.accounts, addr)
	delete(l.owners, addr)
}

func (l *Ledger) table(addr solana.PublicKey) (*solana.LookupTableState, error) {
	data, ok := l.accounts[addr]
	if !ok || l.owners[addr] != solana.AddressLookupTableProgramID {
		return nil, fmt.Errorf("lookup table %s not found", addr)
	}
	return solana.DecodeLookupTable(addr, data)
}

func (l *Ledger) readFault(op string) error {
	if l.FailReads > 0 {
		l.FailReads--
		return errs.New(errs.KindTransport, op, errors.New("connection reset"))
	}
	return nil
}

// Gateway implementation.

func (l *Ledger) Authority() solana.PublicKey { return l.authority }

func (l *Ledger) GetAccount(_ context.Context, addr solana.PublicKey) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.readFault("getAccountInfo"); err != nil {
		return nil, err
	}
	data, ok := l.accounts[addr]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "getAccountInfo", fmt.Errorf("%s: %w", addr, ledger.ErrAccountNotFound))
	}
	return append([]byte(nil), data...), nil
}

func (l *Ledger) GetMultipleAccounts(_ context.Context, addrs []solana.PublicKey) ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.readFault("getMultipleAccounts"); err != nil {
		return nil, err
	}
	out := make([][]byte, len(addrs))
	for i, a := range addrs {
		if data, ok := l.accounts[a]; ok {
			out[i] = append([]byte(nil), data...)
		}
	}
	return out, nil
}

func (l *Ledger) GetProgramAccounts(_ context.Context, program solana.PublicKey, discriminator []byte, filters ...ledger.Filter) ([]ledger.KeyedAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.readFault("getProgramAccounts"); err != nil {
		return nil, err
	}
	var out []ledger.KeyedAccount
	for addr, owner := range l.owners {
		if owner != program {
			continue
		}
		data := l.accounts[addr]
		if !bytes.HasPrefix(data, discriminator) {
			continue
		}
		match := true
		for _, f := range filters {
			if f.Offset+len(f.Bytes) > len(data) || !bytes.Equal(data[f.Offset:f.Offset+len(f.Bytes)], f.Bytes) {
				match = false
				break
			}
		}
		if match {
			out = append(out, ledger.KeyedAccount{Address: addr, Data: append([]byte(nil), data...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Less(out[j].Address) })
	return out, nil
}

func (l *Ledger) GetClock(context.Context) (solana.Clock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.readFault("getClock"); err != nil {
		return solana.Clock{}, err
	}
	return l.clock, nil
}

func (l *Ledger) SendTransaction(_ context.Context, tx ledger.Tx, tables []solana.LookupTable) (solana.Signature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.submit(false, []ledger.Tx{tx}, tables)
	var sig solana.Signature
	sig[0] = byte(len(l.submissions))
	sig[1] = byte(len(l.submissions) >> 8)
	return sig, err
}

func (l *Ledger) SendAtomicBundle(_ context.Context, txs []ledger.Tx, tables []solana.LookupTable) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(txs) == 0 {
		return "", errs.New(errs.KindInvalid, "sendBundle", ledger.ErrEmptyBundle)
	}
	if len(txs) > 5 {
		return "", errs.New(errs.KindResourceRejected, "sendBundle", ledger.ErrBundleTooLarge)
	}
	err := l.submit(true, txs, tables)
	return fmt.Sprintf("bundle-%d", len(l.submissions)), err
}

// submit executes txs all-or-nothing and records the submission.
func (l *Ledger) submit(bundle bool, txs []ledger.Tx, tables []solana.LookupTable) error {
	fault := FaultNone
	if l.Faults != nil {
		fault = l.Faults(len(l.submissions), txs)
	}
	err := l.execute(fault, txs, tables)
	l.submissions = append(l.submissions, Submission{Bundle: bundle, Txs: txs, Err: err})
	return err
}

func (l *Ledger) execute(fault Fault, txs []ledger.Tx, tables []solana.LookupTable) error {
	if fault == FaultDrop {
		return errs.New(errs.KindTransport, "send", errors.New("connection reset"))
	}
	for i, tx := range txs {
		if err := l.check(tx, tables); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
	}

	accounts, owners, rebased := maps.Clone(l.accounts), maps.Clone(l.owners), maps.Clone(l.rebased)
	finalized := maps.Clone(l.finalized)
	for i, tx := range txs {
		for j, ix := range tx.Instructions {
			if err := l.apply(ix); err != nil {
				l.accounts, l.owners, l.rebased, l.finalized = accounts, owners, rebased, finalized
				return errs.New(errs.KindRejected, "send", fmt.Errorf("tx %d instruction %d: %w", i, j, err))
			}
		}
	}
	if fault == FaultLost {
		return errs.New(errs.KindTransport, "confirm", errors.New("confirmation timed out"))
	}
	return nil
}

// check enforces packet size, account locks, compute and table integrity.
func (l *Ledger) check(tx ledger.Tx, tables []solana.LookupTable) error {
	for _, t := range tables {
		st, err := l.table(t.Address)
		if err != nil {
			return errs.New(errs.KindRejected, "send", err)
		}
		if len(t.Addresses) > len(st.Addresses) {
			return errs.Newf(errs.KindRejected, "send", "lookup table %s: stale contents", t.Address)
		}
		for i, a := range t.Addresses {
			if st.Addresses[i] != a {
				return errs.Newf(errs.KindRejected, "send", "lookup table %s: index %d mismatch", t.Address, i)
			}
		}
	}
	ixs := tx.Instructions
	if tx.ComputeUnits > 0 {
		ixs = append([]solana.Instruction{solana.SetComputeUnitLimit(tx.ComputeUnits)}, ixs...)
	}
	msg, err := solana.CompileMessage(l.authority, ixs, solana.Hash{}, tables)
	if err != nil {
		return errs.New(errs.KindInvalid, "compile", err)
	}
	if n := msg.NumAccounts(); n > solana.MaxAccountLocks {
		return errs.Newf(errs.KindResourceRejected, "send", "too many account locks: %d", n)
	}
	size := 1 + int(msg.Header.NumRequiredSignatures)*solana.SignatureLength + len(msg.Serialize())
	if size > solana.MaxTransactionSize {
		return errs.Newf(errs.KindResourceRejected, "send", "transaction too large: %d bytes", size)
	}
	if l.RebaseCost > 0 {
		var need uint64
		for _, ix := range tx.Instructions {
			if IsRebase(ix) {
				need += uint64(l.RebaseCost)
			}
		}
		budget := uint64(tx.ComputeUnits)
		if budget == 0 {
			budget = 200_000
		}
		if need > budget || budget > solana.MaxComputeUnits {
			return errs.Newf(errs.KindResourceRejected, "send", "exceeded CUs meter: need %d, budget %d", need, budget)
		}
	}
	return nil
}

func (l *Ledger) apply(ix solana.Instruction) error {
	if tag, ok := solana.LookupTableTag(ix); ok {
		return l.applyLookupTable(tag, ix)
	}
	if IsRebase(ix) {
		return l.applyRebase(ix)
	}
	return nil
}

func (l *Ledger) applyLookupTable(tag uint32, ix solana.Instruction) error {
	if len(ix.Accounts) < 2 {
		return errors.New("missing accounts")
	}
	addr, authority := ix.Accounts[0].PublicKey, ix.Accounts[1].PublicKey
	if tag == solana.LookupTableCreateTag {
		if len(ix.Data) < 12 {
			return errors.New("malformed create")
		}
		slot := binary.LittleEndian.Uint64(ix.Data[4:12])
		if slot > l.clock.Slot || l.clock.Slot-slot >= 512 {
			return fmt.Errorf("%d is not a recent slot", slot)
		}
		want, _, err := solana.LookupTableAddress(authority, slot)
		if err != nil || want != addr {
			return errors.New("table address does not match derivation")
		}
		if _, exists := l.accounts[addr]; exists {
			return fmt.Errorf("lookup table %s already exists", addr)
		}
		auth := authority
		l.put(addr, solana.AddressLookupTableProgramID, solana.EncodeLookupTable(&solana.LookupTableState{
			Address:          addr,
			DeactivationSlot: math.MaxUint64,
			Authority:        &auth,
		}))
		return nil
	}

	st, err := l.table(addr)
	if err != nil {
		return err
	}
	if st.Authority == nil || *st.Authority != authority {
		return errors.New("incorrect authority")
	}
	switch tag {
	case solana.LookupTableExtendTag:
		addrs, ok := solana.ExtendAddresses(ix)
		if !ok || len(addrs) == 0 {
			return errors.New("malformed extend")
		}
		if !st.Active() {
			return errors.New("table is deactivated")
		}
		if len(st.Addresses)+len(addrs) > solana.LookupTableMaxAddresses {
			return errors.New("table is full")
		}
		st.Addresses = append(st.Addresses, addrs...)
		st.LastExtendedSlot = l.clock.Slot
	case solana.LookupTableDeactivateTag:
		if !st.Active() {
			return errors.New("table already deactivated")
		}
		st.DeactivationSlot = l.clock.Slot
	case solana.LookupTableCloseTag:
		if !st.Closable(l.clock.Slot, solana.LookupTableCooldownSlots) {
			l.closeViolations++
			return errors.New("table is not deactivated or still cooling down")
		}
		l.del(addr)
		return nil
	default:
		return fmt.Errorf("unsupported lookup table instruction %d", tag)
	}
	l.put(addr, solana.AddressLookupTableProgramID, solana.EncodeLookupTable(st))
	return nil
}

// applyRebase follows the boost program: a rebase when the cursor has passed
// every staker closes the interval; otherwise only the stake at the cursor
// advances it. Rebases inside the interval are no-ops.
func (l *Ledger) applyRebase(ix solana.Instruction) error {
	ps, ok := l.pools[ix.Accounts[3].PublicKey]
	if !ok {
		return errors.New("unknown checkpoint")
	}
	cp, err := boost.DecodeCheckpoint(l.accounts[ps.pool.Checkpoint])
	if err != nil {
		return err
	}
	b, err := boost.DecodeBoost(l.accounts[ps.pool.Address])
	if err != nil {
		return err
	}
	if l.clock.UnixTimestamp-cp.Timestamp < ps.interval {
		return nil
	}
	if cp.CurrentID >= b.TotalStakers {
		l.finalized[ps.pool.Checkpoint] = append(l.finalized[ps.pool.Checkpoint], cp.CurrentID)
		cp.CurrentID = 0
		cp.Timestamp = l.clock.UnixTimestamp
		l.put(ps.pool.Checkpoint, ps.pool.Program, boost.EncodeCheckpoint(cp))
		return nil
	}
	target := ix.Accounts[4].PublicKey
	if target.IsZero() {
		return nil
	}
	data, ok := l.accounts[target]
	if !ok {
		return fmt.Errorf("stake %s not found", target)
	}
	stake, err := boost.DecodeStake(data)
	if err != nil {
		return err
	}
	if stake.Boost != ps.pool.Address || stake.ID != cp.CurrentID {
		return nil
	}
	l.rebased[target]++
	cp.CurrentID++
	cp.TotalStakers = b.TotalStakers
	l.put(ps.pool.Checkpoint, ps.pool.Program, boost.EncodeCheckpoint(cp))
	return nil
}

var _ ledger.Gateway = (*Ledger)(nil)
