package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/econos-labs/master-engine/internal/app/domain/fault"
	"github.com/econos-labs/master-engine/internal/app/domain/task"
)

var (
	escrowAddr = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	workerAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

// fakeBackend scripts the JSON-RPC surface. callResults answer CallContract
// in order; the zero value errors every call.
type fakeBackend struct {
	mu          sync.Mutex
	callResults [][]byte
	callErr     error
	callCount   int

	nonce    uint64
	gasPrice *big.Int
	gasLimit uint64
	sendErr  error
	sent     []*types.Transaction

	receipt    *types.Receipt
	receiptErr error
	head       uint64

	logs      []types.Log
	filterErr error
	subErr    error
	subCh     chan types.Log
}

func (b *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callCount++
	if b.callErr != nil {
		return nil, b.callErr
	}
	if len(b.callResults) == 0 {
		return nil, errors.New("no scripted call result")
	}
	out := b.callResults[0]
	b.callResults = b.callResults[1:]
	return out, nil
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	if b.gasPrice == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return b.gasPrice, nil
}

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if b.gasLimit == 0 {
		return 21000, nil
	}
	return b.gasLimit, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	return nil
}

func (b *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.receiptErr != nil {
		return nil, b.receiptErr
	}
	return b.receipt, nil
}

func (b *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head, nil
}

func (b *fakeBackend) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.filterErr != nil {
		return nil, b.filterErr
	}
	return b.logs, nil
}

type fakeSub struct{ errs chan error }

func (s *fakeSub) Unsubscribe()      {}
func (s *fakeSub) Err() <-chan error { return s.errs }

func (b *fakeBackend) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subErr != nil {
		return nil, b.subErr
	}
	if b.subCh != nil {
		go func() {
			for lg := range b.subCh {
				ch <- lg
			}
		}()
	}
	return &fakeSub{errs: make(chan error)}, nil
}

func newTestGateway(t *testing.T, backend Backend) *Gateway {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	g, err := NewGateway(Config{
		Backend:       backend,
		EscrowAddress: escrowAddr,
		PrivateKey:    key,
		ChainID:       big.NewInt(1),
		Confirmations: 2,
	}, nil)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	return g
}

// packTaskRecord encodes the escrow tasks() return tuple.
func packTaskRecord(t *testing.T, master, worker common.Address, amount, deadline *big.Int, status uint8) []byte {
	t.Helper()
	out, err := escrowABI.Methods["tasks"].Outputs.Pack(master, worker, amount, deadline, status)
	if err != nil {
		t.Fatalf("pack task record: %v", err)
	}
	return out
}

func TestNewGatewayValidatesConfig(t *testing.T) {
	key, _ := crypto.GenerateKey()
	cases := []Config{
		{PrivateKey: key, ChainID: big.NewInt(1)},     // no backend
		{Backend: &fakeBackend{}, ChainID: big.NewInt(1)},    // no key
		{Backend: &fakeBackend{}, PrivateKey: key},           // no chain id
		{Backend: &fakeBackend{}, PrivateKey: key, ChainID: big.NewInt(0)},
	}
	for i, cfg := range cases {
		if _, err := NewGateway(cfg, nil); err == nil {
			t.Errorf("case %d: invalid config accepted", i)
		}
	}
}

func TestLocalStatus(t *testing.T) {
	cases := []struct {
		onchain uint8
		want    task.Status
	}{
		{0, task.StatusCreated},
		{1, task.StatusCompleted},
		{2, task.StatusFailed},
		{3, task.StatusRefunded},
	}
	for _, tc := range cases {
		got, err := LocalStatus(tc.onchain)
		if err != nil {
			t.Errorf("LocalStatus(%d): %v", tc.onchain, err)
			continue
		}
		if got != tc.want {
			t.Errorf("LocalStatus(%d) = %s, want %s", tc.onchain, got, tc.want)
		}
	}
	if _, err := LocalStatus(9); err == nil {
		t.Error("unknown on-chain status accepted")
	}
}

func TestConfirmed(t *testing.T) {
	cases := []struct {
		minedAt, head, required uint64
		want                    bool
	}{
		{10, 9, 1, false},  // head behind
		{10, 10, 1, true},  // mined block counts
		{10, 10, 2, false},
		{10, 11, 2, true},
		{10, 100, 5, true},
	}
	for _, tc := range cases {
		if got := confirmed(tc.minedAt, tc.head, tc.required); got != tc.want {
			t.Errorf("confirmed(%d, %d, %d) = %v, want %v", tc.minedAt, tc.head, tc.required, got, tc.want)
		}
	}
}

func TestGetTaskDecodesRecord(t *testing.T) {
	master := common.HexToAddress("0x01")
	backend := &fakeBackend{callResults: [][]byte{
		packTaskRecord(t, master, workerAddr, big.NewInt(500), big.NewInt(999), 1),
	}}
	g := newTestGateway(t, backend)

	rec, err := g.GetTask(context.Background(), common.HexToHash("0x01"))
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if rec == nil {
		t.Fatal("record missing")
	}
	if rec.Master != master || rec.Worker != workerAddr || rec.Amount.Int64() != 500 || rec.Status != 1 {
		t.Fatalf("record = %#v", rec)
	}
}

func TestGetTaskZeroMasterMeansAbsent(t *testing.T) {
	backend := &fakeBackend{callResults: [][]byte{
		packTaskRecord(t, common.Address{}, common.Address{}, big.NewInt(0), big.NewInt(0), 0),
	}}
	g := newTestGateway(t, backend)

	rec, err := g.GetTask(context.Background(), common.HexToHash("0x01"))
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if rec != nil {
		t.Fatalf("absent record decoded as %#v", rec)
	}
}

func TestReadRetriesSurfaceChainUnavailable(t *testing.T) {
	backend := &fakeBackend{callErr: errors.New("connection refused")}
	g := newTestGateway(t, backend)

	_, err := g.GetTask(context.Background(), common.HexToHash("0x01"))
	if !errors.Is(err, fault.ErrChainUnavailable) {
		t.Fatalf("err = %v, want ErrChainUnavailable", err)
	}
	if backend.callCount != 5 {
		t.Fatalf("call attempts = %d, want 5", backend.callCount)
	}
}

func TestIsWorkerActive(t *testing.T) {
	active, err := registryABI.Methods["isWorkerActive"].Outputs.Pack(true)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	backend := &fakeBackend{callResults: [][]byte{active}}
	g := newTestGateway(t, backend)

	got, err := g.IsWorkerActive(context.Background(), workerAddr)
	if err != nil {
		t.Fatalf("IsWorkerActive: %v", err)
	}
	if !got {
		t.Fatal("active worker reported inactive")
	}
}

func TestDepositTaskValidation(t *testing.T) {
	g := newTestGateway(t, &fakeBackend{})
	ctx := context.Background()
	id := common.HexToHash("0x01")

	_, err := g.DepositTask(ctx, id, workerAddr, 60, big.NewInt(100))
	if err == nil || fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("short duration err = %v, want validation", err)
	}
	_, err = g.DepositTask(ctx, id, workerAddr, MaxTaskDuration+1, big.NewInt(100))
	if err == nil || fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("long duration err = %v, want validation", err)
	}
	_, err = g.DepositTask(ctx, id, workerAddr, 7200, nil)
	if err == nil || fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("nil amount err = %v, want validation", err)
	}
	_, err = g.DepositTask(ctx, id, workerAddr, 7200, big.NewInt(0))
	if err == nil || fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("zero amount err = %v, want validation", err)
	}
}

func TestDepositTaskRejectsExistingRecord(t *testing.T) {
	backend := &fakeBackend{callResults: [][]byte{
		packTaskRecord(t, common.HexToAddress("0x01"), workerAddr, big.NewInt(1), big.NewInt(1), 0),
	}}
	g := newTestGateway(t, backend)

	_, err := g.DepositTask(context.Background(), common.HexToHash("0x01"), workerAddr, 7200, big.NewInt(100))
	if err == nil || fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("err = %v, want validation", err)
	}
	if len(backend.sent) != 0 {
		t.Fatal("transaction sent despite existing record")
	}
}

func TestDepositTaskConfirmsAndReturnsReceipt(t *testing.T) {
	backend := &fakeBackend{
		callResults: [][]byte{
			packTaskRecord(t, common.Address{}, common.Address{}, big.NewInt(0), big.NewInt(0), 0),
		},
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(10),
			GasUsed:     30000,
		},
		head: 11, // two confirmations with the mined block included
	}
	g := newTestGateway(t, backend)

	receipt, err := g.DepositTask(context.Background(), common.HexToHash("0x01"), workerAddr, 7200, big.NewInt(100))
	if err != nil {
		t.Fatalf("DepositTask: %v", err)
	}
	if receipt.BlockNumber != 10 || receipt.GasUsed != 30000 {
		t.Fatalf("receipt = %#v", receipt)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("transactions sent = %d, want 1", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.To() == nil || *tx.To() != escrowAddr {
		t.Fatal("transaction not addressed to the escrow")
	}
	if tx.Value().Int64() != 100 {
		t.Fatalf("transaction value = %s, want 100", tx.Value())
	}
}

func TestRevertedTransactionSurfaces(t *testing.T) {
	backend := &fakeBackend{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusFailed,
			BlockNumber: big.NewInt(10),
		},
		head: 20,
	}
	g := newTestGateway(t, backend)

	_, err := g.RefundAndSlash(context.Background(), common.HexToHash("0x01"))
	var reverted *fault.TxRevertedError
	if !errors.As(err, &reverted) {
		t.Fatalf("err = %v, want TxRevertedError", err)
	}
}

func TestWaitConfirmedHonorsContext(t *testing.T) {
	backend := &fakeBackend{
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(10),
		},
		head: 10, // one confirmation, two required
	}
	g := newTestGateway(t, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := g.RefundAndSlash(ctx, common.HexToHash("0x01"))
	if !errors.Is(err, fault.ErrInsufficientConfirmations) {
		t.Fatalf("err = %v, want ErrInsufficientConfirmations", err)
	}
}

func TestSendFailureIsChainFault(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("nonce too low")}
	g := newTestGateway(t, backend)

	_, err := g.RefundAndSlash(context.Background(), common.HexToHash("0x01"))
	if err == nil || fault.KindOf(err) != fault.KindChain {
		t.Fatalf("err = %v, want chain fault", err)
	}
}
