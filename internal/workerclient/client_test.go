package workerclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/econos-labs/master-engine/internal/app/domain/fault"
	"github.com/econos-labs/master-engine/internal/app/domain/worker"
	"github.com/econos-labs/master-engine/internal/app/services/authorizer"
)

func TestFetchManifest(t *testing.T) {
	var manifest worker.Manifest
	manifest.Worker.Address = "0x00000000000000000000000000000000000000aa"
	manifest.Worker.ChainID = 1
	manifest.Services = []worker.ManifestService{{
		ID:       "summary-generation",
		Name:     "Summaries",
		PriceWei: "1000",
		Endpoint: "/tasks/summary",
	}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/manifest" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(manifest)
	}))
	defer srv.Close()

	got, err := New(srv.Client(), nil).FetchManifest(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("FetchManifest: %v", err)
	}
	if got.Worker.Address != manifest.Worker.Address {
		t.Fatalf("address = %s", got.Worker.Address)
	}
	if len(got.Services) != 1 || got.Services[0].PriceWei != "1000" {
		t.Fatalf("services = %#v", got.Services)
	}
}

func TestFetchManifestUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.Client(), nil).FetchManifest(context.Background(), srv.URL)
	if !errors.Is(err, fault.ErrManifestUnavailable) {
		t.Fatalf("err = %v, want ErrManifestUnavailable", err)
	}
	if kind := fault.KindOf(err); kind != fault.KindWorker {
		t.Fatalf("kind = %s, want worker", kind)
	}
}

func TestAuthorizeDeliversPayload(t *testing.T) {
	var got authorizeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/authorize/task-1" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sa := authorizer.SignedAuthorization{Signature: hexutil.Bytes{0x01, 0x02}}
	err := New(srv.Client(), nil).Authorize(context.Background(), srv.URL, "task-1",
		map[string]interface{}{"text": "doc"}, sa)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if got.Payload.Params["text"] != "doc" {
		t.Fatalf("params = %#v", got.Payload.Params)
	}
	if string(got.Authorization.Signature) != string(sa.Signature) {
		t.Fatalf("signature = %x", got.Authorization.Signature)
	}
}

func TestAuthorizeRejectionIsDispatchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no capacity", http.StatusConflict)
	}))
	defer srv.Close()

	err := New(srv.Client(), nil).Authorize(context.Background(), srv.URL, "task-1", nil, authorizer.SignedAuthorization{})
	var dispatch *fault.DispatchFailedError
	if !errors.As(err, &dispatch) {
		t.Fatalf("err = %v, want DispatchFailedError", err)
	}
	if dispatch.Status != http.StatusConflict {
		t.Fatalf("status = %d", dispatch.Status)
	}
}

func TestGetProof(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/proof/task-1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"proof": map[string]string{
				"resultHash": "0x0a0b",
				"signature":  "0x01",
			},
		})
	}))
	defer srv.Close()

	proof, err := New(srv.Client(), nil).GetProof(context.Background(), srv.URL, "task-1")
	if err != nil {
		t.Fatalf("GetProof: %v", err)
	}
	if proof == nil || len(proof.ResultHash) != 2 {
		t.Fatalf("proof = %#v", proof)
	}
}

func TestGetProofNotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"success": false})
	}))
	defer srv.Close()

	proof, err := New(srv.Client(), nil).GetProof(context.Background(), srv.URL, "task-1")
	if err != nil {
		t.Fatalf("GetProof: %v", err)
	}
	if proof != nil {
		t.Fatalf("proof = %#v, want nil while pending", proof)
	}
}

func TestGetResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data":    map[string]string{"summary": "short"},
		})
	}))
	defer srv.Close()

	result, err := New(srv.Client(), nil).GetResult(context.Background(), srv.URL, "task-1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	data, ok := result.(map[string]interface{})
	if !ok || data["summary"] != "short" {
		t.Fatalf("result = %#v", result)
	}
}

func TestGetResultFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"success": false})
	}))
	defer srv.Close()

	_, err := New(srv.Client(), nil).GetResult(context.Background(), srv.URL, "task-1")
	if !errors.Is(err, fault.ErrResultFetchFailed) {
		t.Fatalf("err = %v, want ErrResultFetchFailed", err)
	}
}

func TestJoinPath(t *testing.T) {
	cases := []struct {
		endpoint, path, want string
	}{
		{"http://worker:4021", "/manifest", "http://worker:4021/manifest"},
		{"http://worker:4021/", "/manifest", "http://worker:4021/manifest"},
		{"http://worker:4021//", "/proof/x", "http://worker:4021/proof/x"},
	}
	for _, tc := range cases {
		if got := joinPath(tc.endpoint, tc.path); got != tc.want {
			t.Fatalf("joinPath(%q, %q) = %q, want %q", tc.endpoint, tc.path, got, tc.want)
		}
	}
}
