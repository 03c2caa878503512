package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/canopy-network/checkpointx/pkg/errs"
	"github.com/canopy-network/checkpointx/pkg/rpc"
	"github.com/canopy-network/checkpointx/pkg/solana"
)

type stubClient struct {
	mu       sync.Mutex
	accounts map[solana.PublicKey][]byte
	scanned  []rpc.Memcmp
	sent     []string
	sendErr  error
	statuses []*rpc.SignatureStatus
	height   uint64
}

func (s *stubClient) Commitment() string { return rpc.CommitmentConfirmed }

func (s *stubClient) info(addr solana.PublicKey) *rpc.AccountInfo {
	data, ok := s.accounts[addr]
	if !ok {
		return nil
	}
	return &rpc.AccountInfo{Data: []string{base64.StdEncoding.EncodeToString(data), "base64"}}
}

func (s *stubClient) GetAccountInfo(_ context.Context, addr solana.PublicKey) (*rpc.AccountInfo, error) {
	return s.info(addr), nil
}

func (s *stubClient) GetMultipleAccounts(_ context.Context, addrs []solana.PublicKey) ([]*rpc.AccountInfo, error) {
	out := make([]*rpc.AccountInfo, len(addrs))
	for i, a := range addrs {
		out[i] = s.info(a)
	}
	return out, nil
}

func (s *stubClient) GetProgramAccounts(_ context.Context, _ solana.PublicKey, filters []rpc.Memcmp) ([]rpc.KeyedAccount, error) {
	s.scanned = filters
	return []rpc.KeyedAccount{
		{Pubkey: key(1), Account: rpc.AccountInfo{Data: []string{base64.StdEncoding.EncodeToString([]byte{9}), "base64"}}},
		{Pubkey: key(2), Account: rpc.AccountInfo{Data: []string{"!!!", "base64"}}},
	}, nil
}

func (s *stubClient) GetLatestBlockhash(context.Context) (rpc.Blockhash, error) {
	return rpc.Blockhash{Hash: solana.Hash{1}, LastValidBlockHeight: 100}, nil
}

func (s *stubClient) GetBlockHeight(context.Context) (uint64, error) { return s.height, nil }

func (s *stubClient) SendTransaction(_ context.Context, tx string, _ rpc.SendOptions) (solana.Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return solana.Signature{}, s.sendErr
	}
	s.sent = append(s.sent, tx)
	return solana.Signature{byte(len(s.sent))}, nil
}

func (s *stubClient) GetSignatureStatuses(context.Context, []solana.Signature) ([]*rpc.SignatureStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return []*rpc.SignatureStatus{nil}, nil
	}
	st := s.statuses[0]
	if len(s.statuses) > 1 {
		s.statuses = s.statuses[1:]
	}
	return []*rpc.SignatureStatus{st}, nil
}

type stubRelay struct {
	bundles  [][]string
	statuses []*rpc.BundleStatus
}

func (r *stubRelay) SendBundle(_ context.Context, txs []string) (string, error) {
	r.bundles = append(r.bundles, txs)
	return "bundle-1", nil
}

func (r *stubRelay) GetBundleStatuses(context.Context, []string) ([]*rpc.BundleStatus, error) {
	if len(r.statuses) == 0 {
		return []*rpc.BundleStatus{nil}, nil
	}
	return r.statuses, nil
}

func key(b byte) solana.PublicKey {
	var pk solana.PublicKey
	pk[0] = b
	pk[31] = 1
	return pk
}

func testSigner(t *testing.T) *solana.Keypair {
	t.Helper()
	kp, err := solana.NewKeypairFromSeed(make([]byte, 32))
	require.NoError(t, err)
	return kp
}

func newTestGateway(t *testing.T, client *stubClient, relay rpc.BundleClient) *RPCGateway {
	return New(client, relay, testSigner(t), Options{
		ConfirmTimeout: 50 * time.Millisecond,
		PollInterval:   time.Millisecond,
		PriorityFee:    1000,
		TipAccount:     key(200),
		TipLamports:    5000,
	}, zap.NewNop())
}

func confirmed() *rpc.SignatureStatus {
	return &rpc.SignatureStatus{ConfirmationStatus: rpc.CommitmentConfirmed}
}

func memo(n int) solana.Instruction {
	return solana.Instruction{ProgramID: key(50), Data: []byte{byte(n)}}
}

func TestGetAccountNotFound(t *testing.T) {
	g := newTestGateway(t, &stubClient{accounts: map[solana.PublicKey][]byte{}}, nil)
	_, err := g.GetAccount(context.Background(), key(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestGetClockDecodesSysvar(t *testing.T) {
	clock := solana.Clock{Slot: 55, UnixTimestamp: 1_700_000_000}
	client := &stubClient{accounts: map[solana.PublicKey][]byte{solana.SysvarClockID: solana.EncodeClock(clock)}}
	g := newTestGateway(t, client, nil)
	got, err := g.GetClock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clock, got)
}

func TestGetProgramAccountsPrependsDiscriminatorAndSkipsBadData(t *testing.T) {
	client := &stubClient{}
	g := newTestGateway(t, client, nil)
	accts, err := g.GetProgramAccounts(context.Background(), key(9), []byte{103}, Filter{Offset: 56, Bytes: key(3).Bytes()})
	require.NoError(t, err)
	require.Len(t, accts, 1)
	assert.Equal(t, key(1), accts[0].Address)
	require.Len(t, client.scanned, 2)
	assert.Equal(t, 0, client.scanned[0].Offset)
	assert.Equal(t, []byte{103}, client.scanned[0].Bytes)
	assert.Equal(t, 56, client.scanned[1].Offset)
}

func TestSendTransactionWaitsForConfirmation(t *testing.T) {
	client := &stubClient{statuses: []*rpc.SignatureStatus{nil, {ConfirmationStatus: "processed"}, confirmed()}}
	g := newTestGateway(t, client, nil)
	sig, err := g.SendTransaction(context.Background(), Tx{Instructions: []solana.Instruction{memo(1)}, ComputeUnits: 10_000}, nil)
	require.NoError(t, err)
	assert.Equal(t, solana.Signature{1}, sig)
	assert.Len(t, client.sent, 1)
}

func TestSendTransactionLandedWithError(t *testing.T) {
	client := &stubClient{statuses: []*rpc.SignatureStatus{{Err: json.RawMessage(`{"InstructionError":[0,{"Custom":1}]}`), ConfirmationStatus: "confirmed"}}}
	g := newTestGateway(t, client, nil)
	_, err := g.SendTransaction(context.Background(), Tx{Instructions: []solana.Instruction{memo(1)}}, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindRejected))
}

func TestSendTransactionUnconfirmedIsTransport(t *testing.T) {
	client := &stubClient{}
	g := newTestGateway(t, client, nil)
	_, err := g.SendTransaction(context.Background(), Tx{Instructions: []solana.Instruction{memo(1)}}, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindTransport))
}

func TestSendTransactionExpiredBlockhash(t *testing.T) {
	client := &stubClient{height: 101}
	g := newTestGateway(t, client, nil)
	_, err := g.SendTransaction(context.Background(), Tx{Instructions: []solana.Instruction{memo(1)}}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBlockhashExpired)
}

func TestSendTransactionRejectsOversizeLocally(t *testing.T) {
	client := &stubClient{}
	g := newTestGateway(t, client, nil)
	ixs := make([]solana.Instruction, 0, 40)
	for i := 0; i < 40; i++ {
		ixs = append(ixs, solana.Instruction{
			ProgramID: key(50),
			Accounts:  []solana.AccountMeta{solana.Writable(key(byte(100 + i)))},
		})
	}
	_, err := g.SendTransaction(context.Background(), Tx{Instructions: ixs}, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindResourceRejected))
	assert.Empty(t, client.sent)
}

func TestClassifyRPCErrors(t *testing.T) {
	cases := []struct {
		err  error
		want errs.Kind
	}{
		{&rpc.Error{Code: -32002, Message: "Transaction simulation failed", Data: json.RawMessage(`{"logs":["exceeded CUs meter at BPF instruction"]}`)}, errs.KindResourceRejected},
		{&rpc.Error{Code: -32602, Message: "base64 encoded solana_sdk::transaction::versioned::VersionedTransaction too large: 1300 bytes (max: encoded/raw 1644/1232)"}, errs.KindResourceRejected},
		{&rpc.Error{Code: -32005, Message: "Node is unhealthy"}, errs.KindTransport},
		{&rpc.Error{Code: -32002, Message: "Transaction simulation failed: custom program error: 0x1"}, errs.KindRejected},
		{errors.New("dial tcp: refused"), errs.KindTransport},
		{errs.New(errs.KindInvalid, "x", errors.New("bad")), errs.KindInvalid},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, errs.KindOf(classify("op", tc.err)), tc.err.Error())
	}
	assert.NoError(t, classify("op", nil))
}

func TestSendTransactionMapsRejection(t *testing.T) {
	client := &stubClient{sendErr: &rpc.Error{Code: -32002, Message: "Transaction simulation failed: Computational budget exceeded"}}
	g := newTestGateway(t, client, nil)
	_, err := g.SendTransaction(context.Background(), Tx{Instructions: []solana.Instruction{memo(1)}}, nil)
	assert.True(t, errs.Is(err, errs.KindResourceRejected))
}

func TestSendAtomicBundleValidation(t *testing.T) {
	g := newTestGateway(t, &stubClient{}, nil)
	_, err := g.SendAtomicBundle(context.Background(), []Tx{{Instructions: []solana.Instruction{memo(1)}}}, nil)
	assert.ErrorIs(t, err, ErrNoRelay)

	g = newTestGateway(t, &stubClient{}, &stubRelay{})
	_, err = g.SendAtomicBundle(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrEmptyBundle)

	txs := make([]Tx, 6)
	for i := range txs {
		txs[i] = Tx{Instructions: []solana.Instruction{memo(i)}}
	}
	_, err = g.SendAtomicBundle(context.Background(), txs, nil)
	assert.ErrorIs(t, err, ErrBundleTooLarge)
}

func TestSendAtomicBundleLands(t *testing.T) {
	relay := &stubRelay{statuses: []*rpc.BundleStatus{{BundleID: "bundle-1", ConfirmationStatus: "confirmed", Err: json.RawMessage(`{"Ok":null}`)}}}
	g := newTestGateway(t, &stubClient{}, relay)
	txs := []Tx{{Instructions: []solana.Instruction{memo(1)}}, {Instructions: []solana.Instruction{memo(2)}}}
	id, err := g.SendAtomicBundle(context.Background(), txs, nil)
	require.NoError(t, err)
	assert.Equal(t, "bundle-1", id)
	require.Len(t, relay.bundles, 1)
	assert.Len(t, relay.bundles[0], 2)
	// the tip transfer makes the last transaction larger than the first
	first, _ := base64.StdEncoding.DecodeString(relay.bundles[0][0])
	last, _ := base64.StdEncoding.DecodeString(relay.bundles[0][1])
	assert.Greater(t, len(last), len(first))
}

func TestSendAtomicBundleUnconfirmed(t *testing.T) {
	g := newTestGateway(t, &stubClient{}, &stubRelay{})
	_, err := g.SendAtomicBundle(context.Background(), []Tx{{Instructions: []solana.Instruction{memo(1)}}}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnconfirmedBundle)
	assert.True(t, errs.Is(err, errs.KindTransport))
}
