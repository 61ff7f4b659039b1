package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	app "github.com/econos-labs/master-engine/internal/app"
	"github.com/econos-labs/master-engine/internal/app/domain/worker"
	"github.com/econos-labs/master-engine/internal/chain"
	"github.com/econos-labs/master-engine/internal/config"
)

// stubBackend refuses every chain interaction. The API surface under test
// never needs a live chain.
type stubBackend struct{}

var errNoChain = errors.New("no chain in test")

func (stubBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errNoChain
}
func (stubBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, errNoChain
}
func (stubBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return nil, errNoChain }
func (stubBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 0, errNoChain
}
func (stubBackend) SendTransaction(context.Context, *types.Transaction) error { return errNoChain }
func (stubBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, errNoChain
}
func (stubBackend) BlockNumber(context.Context) (uint64, error) { return 0, errNoChain }
func (stubBackend) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, errNoChain
}
func (stubBackend) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errNoChain
}

var _ chain.Backend = stubBackend{}

func newTestAPI(t *testing.T, roster ...worker.Known) http.Handler {
	h, _ := newTestAPIWithApp(t, roster)
	return h
}

func newTestAPIWithApp(t *testing.T, roster []worker.Known) (http.Handler, *app.Application) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg := config.Config{
		RPCURL:          "ws://stub",
		ChainID:         big.NewInt(1),
		Confirmations:   2,
		PrivateKey:      key,
		MasterAddress:   crypto.PubkeyToAddress(key.PublicKey),
		EscrowAddress:   common.HexToAddress("0x00000000000000000000000000000000000000e5"),
		RegistryAddress: common.HexToAddress("0x00000000000000000000000000000000000000e6"),
		MinReputation:   config.DefaultMinReputation,
		SweepInterval:   config.DefaultSweepInterval,
		CapabilityTTL:   config.DefaultCapabilityTTL,
		AuthValidity:    config.DefaultAuthValidity,
		NonceRetention:  config.DefaultNonceRetention,
	}
	application, err := app.New(cfg, app.Stores{}, stubBackend{}, roster, nil)
	if err != nil {
		t.Fatalf("build application: %v", err)
	}
	h, err := NewHandler(application, nil, Options{AuditMax: 32})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	return h, application
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := doJSON(t, newTestAPI(t), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %#v", body)
	}
}

func TestListTasksValidation(t *testing.T) {
	h := newTestAPI(t)

	if rec := doJSON(t, h, http.MethodGet, "/tasks", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing status = %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodGet, "/tasks?status=sideways", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status = %d", rec.Code)
	}

	rec := doJSON(t, h, http.MethodGet, "/tasks?status=pending", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pending list = %d", rec.Code)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	rec := doJSON(t, newTestAPI(t), http.MethodGet, "/tasks/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHireValidation(t *testing.T) {
	h := newTestAPI(t)
	deadline := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	cases := []struct {
		name, body string
	}{
		{"broken json", `{"taskType":`},
		{"bad budget", `{"taskType":"summary-generation","input":{"text":"doc"},"budgetWei":"lots"}`},
		{"bad worker", `{"taskType":"summary-generation","input":{"text":"doc"},"budgetWei":"1000","worker":"not-hex"}`},
		{"unsupported type", `{"taskType":"quantum","input":{},"budgetWei":"1000","deadline":"` + deadline + `"}`},
		{"schema violation", `{"taskType":"summary-generation","input":{},"budgetWei":"1000","deadline":"` + deadline + `"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/hire", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHireAcceptsAndTracksTask(t *testing.T) {
	h := newTestAPI(t)
	deadline := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	body := `{"taskType":"summary-generation","input":{"text":"a document"},"budgetWei":"1000","deadline":"` + deadline + `"}`

	rec := doJSON(t, h, http.MethodPost, "/hire", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.Status != "pending" {
		t.Fatalf("created = %#v", created)
	}

	// The task stays observable while the background run proceeds. With no
	// workers configured the run ends in failed; either state is fine here.
	got := doJSON(t, h, http.MethodGet, "/tasks/"+created.ID, "")
	if got.Code != http.StatusOK {
		t.Fatalf("get = %d", got.Code)
	}
}

func TestCapabilities(t *testing.T) {
	rec := doJSON(t, newTestAPI(t), http.MethodGet, "/capabilities", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestChatValidation(t *testing.T) {
	h := newTestAPI(t)
	if rec := doJSON(t, h, http.MethodPost, "/chat", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty message = %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/chat", `{"message":`); rec.Code != http.StatusBadRequest {
		t.Fatalf("broken json = %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/chat", `{"message":"summarize this","budgetWei":"lots"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad budget = %d", rec.Code)
	}
}

func TestChatStatusLookup(t *testing.T) {
	manifest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m worker.Manifest
		m.Worker.Address = "0x00000000000000000000000000000000000000aa"
		m.Services = []worker.ManifestService{{
			ID:       "summary-generation",
			Name:     "Summaries",
			PriceWei: "1000",
		}}
		json.NewEncoder(w).Encode(m)
	}))
	defer manifest.Close()

	roster := []worker.Known{{
		Address:    common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Endpoint:   manifest.URL,
		Reputation: 80,
	}}
	h, application := newTestAPIWithApp(t, roster)
	application.Capabilities.RefreshAll(context.Background())

	if rec := doJSON(t, h, http.MethodGet, "/chat/not-a-uuid", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad uuid = %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodGet, "/chat/6ba7b810-9dad-11d1-80b4-00c04fd430c8", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown plan = %d", rec.Code)
	}

	rec := doJSON(t, h, http.MethodPost, "/chat", `{"message":"summarize this article for me"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("chat = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Plan struct {
			PlanID string `json:"plan_id"`
		} `json:"plan"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Plan.PlanID == "" {
		t.Fatalf("resp = %s", rec.Body.String())
	}

	status := doJSON(t, h, http.MethodGet, "/chat/"+resp.Plan.PlanID, "")
	if status.Code != http.StatusOK {
		t.Fatalf("status lookup = %d", status.Code)
	}

	// A per-request budget below the cheapest offer rejects the plan before
	// anything is escrowed.
	over := doJSON(t, h, http.MethodPost, "/chat", `{"message":"summarize this article for me","budgetWei":"10"}`)
	if over.Code == http.StatusAccepted {
		t.Fatalf("underfunded chat accepted: %s", over.Body.String())
	}
	if !strings.Contains(over.Body.String(), "exceeds maximum") {
		t.Fatalf("body = %s", over.Body.String())
	}
}

func TestAuditTrail(t *testing.T) {
	h := newTestAPI(t)
	doJSON(t, h, http.MethodGet, "/healthz", "")
	doJSON(t, h, http.MethodGet, "/tasks?status=pending", "")

	rec := doJSON(t, h, http.MethodGet, "/audit?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var entries []struct {
		Path   string `json:"path"`
		Status int    `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %#v", entries)
	}
	if entries[0].Path != "/healthz" || entries[1].Path != "/tasks" {
		t.Fatalf("entries = %#v", entries)
	}
}
