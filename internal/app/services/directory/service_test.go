package directory

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/econos-labs/master-engine/internal/app/domain/fault"
	"github.com/econos-labs/master-engine/internal/app/domain/task"
	"github.com/econos-labs/master-engine/internal/app/domain/worker"
)

var (
	addrA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	addrB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	addrC = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

type staticOffers []worker.Offer

func (s staticOffers) Offers() []worker.Offer { return s }

type activity struct {
	inactive map[common.Address]bool
	err      error
}

func (a activity) IsWorkerActive(_ context.Context, addr common.Address) (bool, error) {
	if a.err != nil {
		return false, a.err
	}
	return !a.inactive[addr], nil
}

func offer(addr common.Address, reputation int, price int64) worker.Offer {
	return worker.Offer{
		Address:      addr,
		Endpoint:     "http://" + addr.Hex(),
		Reputation:   reputation,
		Capabilities: []string{task.TypeWriter},
		Pricing:      map[string]*big.Int{task.TypeWriter: big.NewInt(price)},
		IsActive:     true,
	}
}

func writerTask(budget int64) task.Task {
	return task.Task{
		ID:       "task-1",
		Type:     task.TypeWriter,
		Deadline: time.Now().Add(time.Hour),
		Budget:   big.NewInt(budget),
		Status:   task.StatusPending,
	}
}

func TestSelectWorkerNoCandidates(t *testing.T) {
	svc := New(staticOffers{}, nil, 0, nil)
	_, err := svc.SelectWorker(context.Background(), writerTask(1000), StrategyReputation, nil)
	if !errors.Is(err, fault.ErrNoEligibleWorker) {
		t.Fatalf("err = %v, want ErrNoEligibleWorker", err)
	}
}

func TestFilterPipeline(t *testing.T) {
	offers := staticOffers{
		offer(addrA, 90, 500),  // inactive on chain
		offer(addrB, 30, 500),  // below reputation floor
		offer(addrC, 80, 2000), // over budget
	}
	svc := New(offers, activity{inactive: map[common.Address]bool{addrA: true}}, 50, nil)

	_, err := svc.SelectWorker(context.Background(), writerTask(1000), StrategyReputation, nil)
	if !errors.Is(err, fault.ErrNoEligibleWorker) {
		t.Fatalf("err = %v, want ErrNoEligibleWorker", err)
	}
}

func TestFilterDropsMissingCapability(t *testing.T) {
	researcher := offer(addrA, 90, 100)
	researcher.Capabilities = []string{task.TypeResearcher}
	researcher.Pricing = map[string]*big.Int{task.TypeResearcher: big.NewInt(100)}

	svc := New(staticOffers{researcher}, nil, 0, nil)
	_, err := svc.SelectWorker(context.Background(), writerTask(1000), StrategyReputation, nil)
	if !errors.Is(err, fault.ErrNoEligibleWorker) {
		t.Fatalf("err = %v, want ErrNoEligibleWorker", err)
	}
}

func TestFilterRequiresExtraCapabilities(t *testing.T) {
	plain := offer(addrA, 90, 100)
	cuda := offer(addrB, 70, 200)
	cuda.Capabilities = append(cuda.Capabilities, "gpu")

	svc := New(staticOffers{plain, cuda}, nil, 0, nil)
	tk := writerTask(1000)
	tk.RequiredCapabilities = []string{"gpu"}

	got, err := svc.SelectWorker(context.Background(), tk, StrategyReputation, nil)
	if err != nil {
		t.Fatalf("SelectWorker: %v", err)
	}
	if got.Address != addrB {
		t.Fatalf("selected %s, want the gpu worker %s", got.Address.Hex(), addrB.Hex())
	}
}

func TestFilterSurfacesActivityCheckError(t *testing.T) {
	svc := New(staticOffers{offer(addrA, 90, 100)}, activity{err: errors.New("rpc down")}, 0, nil)
	if _, err := svc.SelectWorker(context.Background(), writerTask(1000), StrategyReputation, nil); err == nil {
		t.Fatal("activity check failure swallowed")
	}
}

func TestFilterUsesOfferFlagWithoutChain(t *testing.T) {
	stale := offer(addrA, 90, 100)
	stale.IsActive = false
	svc := New(staticOffers{stale, offer(addrB, 60, 100)}, nil, 0, nil)

	got, err := svc.SelectWorker(context.Background(), writerTask(1000), StrategyReputation, nil)
	if err != nil {
		t.Fatalf("SelectWorker: %v", err)
	}
	if got.Address != addrB {
		t.Fatalf("selected inactive worker %s", got.Address.Hex())
	}
}

func TestStrategyReputation(t *testing.T) {
	svc := New(staticOffers{
		offer(addrA, 70, 100),
		offer(addrB, 95, 900),
		offer(addrC, 95, 500),
	}, nil, 0, nil)

	// empty strategy defaults to reputation; ties break toward lower price
	got, err := svc.SelectWorker(context.Background(), writerTask(1000), "", nil)
	if err != nil {
		t.Fatalf("SelectWorker: %v", err)
	}
	if got.Address != addrC {
		t.Fatalf("selected %s, want %s", got.Address.Hex(), addrC.Hex())
	}
}

func TestStrategyCheapest(t *testing.T) {
	svc := New(staticOffers{
		offer(addrA, 95, 900),
		offer(addrB, 40, 200),
		offer(addrC, 70, 200),
	}, nil, 0, nil)

	got, err := svc.SelectWorker(context.Background(), writerTask(1000), StrategyCheapest, nil)
	if err != nil {
		t.Fatalf("SelectWorker: %v", err)
	}
	// price tie breaks toward the higher reputation
	if got.Address != addrC {
		t.Fatalf("selected %s, want %s", got.Address.Hex(), addrC.Hex())
	}
}

func TestStrategyRoundRobinRotates(t *testing.T) {
	svc := New(staticOffers{
		offer(addrB, 50, 100),
		offer(addrA, 50, 100),
	}, nil, 0, nil)

	seen := make(map[common.Address]int)
	for n := 0; n < 4; n++ {
		got, err := svc.SelectWorker(context.Background(), writerTask(1000), StrategyRoundRobin, nil)
		if err != nil {
			t.Fatalf("SelectWorker: %v", err)
		}
		seen[got.Address]++
	}
	if seen[addrA] != 2 || seen[addrB] != 2 {
		t.Fatalf("rotation uneven: %v", seen)
	}
}

func TestStrategyDirect(t *testing.T) {
	svc := New(staticOffers{offer(addrA, 50, 100), offer(addrB, 90, 100)}, nil, 0, nil)
	ctx := context.Background()

	got, err := svc.SelectWorker(ctx, writerTask(1000), StrategyDirect, &addrA)
	if err != nil {
		t.Fatalf("SelectWorker: %v", err)
	}
	if got.Address != addrA {
		t.Fatalf("selected %s, want %s", got.Address.Hex(), addrA.Hex())
	}

	_, err = svc.SelectWorker(ctx, writerTask(1000), StrategyDirect, nil)
	if err == nil {
		t.Fatal("direct without an address accepted")
	}
	if kind := fault.KindOf(err); kind != fault.KindValidation {
		t.Fatalf("kind = %s, want validation", kind)
	}

	_, err = svc.SelectWorker(ctx, writerTask(1000), StrategyDirect, &addrC)
	if !errors.Is(err, fault.ErrNoEligibleWorker) {
		t.Fatalf("err = %v, want ErrNoEligibleWorker", err)
	}
}

func TestStrategyWeighted(t *testing.T) {
	svc := New(staticOffers{
		offer(addrA, 100, 1000), // best reputation, worst price
		offer(addrB, 30, 100),   // best price, poor reputation
	}, nil, 0, nil)

	// default weights favor reputation
	got, err := svc.SelectWorker(context.Background(), writerTask(1000), StrategyWeighted, nil)
	if err != nil {
		t.Fatalf("SelectWorker: %v", err)
	}
	if got.Address != addrA {
		t.Fatalf("selected %s, want %s", got.Address.Hex(), addrA.Hex())
	}

	// flipping the weights flips the pick
	svc.WithWeights(0.1, 0.9)
	got, err = svc.SelectWorker(context.Background(), writerTask(1000), StrategyWeighted, nil)
	if err != nil {
		t.Fatalf("SelectWorker: %v", err)
	}
	if got.Address != addrB {
		t.Fatalf("selected %s, want %s", got.Address.Hex(), addrB.Hex())
	}
}

func TestUnknownStrategyRejected(t *testing.T) {
	svc := New(staticOffers{offer(addrA, 50, 100)}, nil, 0, nil)
	_, err := svc.SelectWorker(context.Background(), writerTask(1000), Strategy("coin-flip"), nil)
	if err == nil {
		t.Fatal("unknown strategy accepted")
	}
	if kind := fault.KindOf(err); kind != fault.KindValidation {
		t.Fatalf("kind = %s, want validation", kind)
	}
}
