// Package workerclient consumes the worker sidecar HTTP surface: manifest
// discovery, task authorization delivery, and proof/result retrieval.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/econos-labs/master-engine/internal/app/domain/fault"
	"github.com/econos-labs/master-engine/internal/app/domain/worker"
	"github.com/econos-labs/master-engine/internal/app/services/authorizer"
	"github.com/econos-labs/master-engine/internal/httputil"
	"github.com/econos-labs/master-engine/pkg/logger"
)

const maxResponseBytes = 8 << 20

// Client talks to worker sidecars.
type Client struct {
	http *http.Client
	log  *logger.Logger
}

// New builds a client. A nil http.Client gets a 15 second default timeout;
// per-call deadlines still come from the caller's context.
func New(httpClient *http.Client, log *logger.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("worker-client")
	}
	return &Client{http: httpClient, log: log}
}

// FetchManifest retrieves GET {endpoint}/manifest.
func (c *Client) FetchManifest(ctx context.Context, endpoint string) (worker.Manifest, error) {
	var manifest worker.Manifest
	if err := c.getJSON(ctx, joinPath(endpoint, "/manifest"), &manifest); err != nil {
		return worker.Manifest{}, fault.Wrap(fault.KindWorker, fault.ErrManifestUnavailable, endpoint)
	}
	return manifest, nil
}

// authorizeRequest is the POST /authorize/:taskId body.
type authorizeRequest struct {
	Payload struct {
		Params map[string]interface{} `json:"params"`
	} `json:"payload"`
	Authorization authorizer.SignedAuthorization `json:"authorization"`
}

// Authorize delivers a signed authorization and the task input to the worker.
// Any non-2xx response is a dispatch failure.
func (c *Client) Authorize(ctx context.Context, endpoint, taskID string, params map[string]interface{}, sa authorizer.SignedAuthorization) error {
	var body authorizeRequest
	body.Payload.Params = params
	body.Authorization = sa

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal authorize body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinPath(endpoint, "/authorize/"+taskID), bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build authorize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fault.Wrap(fault.KindWorker, err, "deliver authorization")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &fault.DispatchFailedError{Status: resp.StatusCode}
	}
	return nil
}

// Proof is the worker's signed completion proof.
type Proof struct {
	ResultHash hexutil.Bytes `json:"resultHash"`
	Signature  hexutil.Bytes `json:"signature"`
}

// GetProof retrieves GET {endpoint}/proof/:taskId. A nil proof with nil error
// means the worker has not produced one yet.
func (c *Client) GetProof(ctx context.Context, endpoint, taskID string) (*Proof, error) {
	var payload struct {
		Success bool   `json:"success"`
		Proof   *Proof `json:"proof"`
	}
	if err := c.getJSON(ctx, joinPath(endpoint, "/proof/"+taskID), &payload); err != nil {
		return nil, err
	}
	if !payload.Success || payload.Proof == nil {
		return nil, nil
	}
	return payload.Proof, nil
}

// GetResult retrieves GET {endpoint}/result/:taskId.
func (c *Client) GetResult(ctx context.Context, endpoint, taskID string) (interface{}, error) {
	var payload struct {
		Success bool        `json:"success"`
		Data    interface{} `json:"data"`
	}
	if err := c.getJSON(ctx, joinPath(endpoint, "/result/"+taskID), &payload); err != nil {
		return nil, fault.Wrap(fault.KindWorker, err, "fetch result")
	}
	if !payload.Success {
		return nil, fault.Wrap(fault.KindWorker, fault.ErrResultFetchFailed, taskID)
	}
	return payload.Data, nil
}

func (c *Client) getJSON(ctx context.Context, url string, target interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	body, err := httputil.ReadAllStrict(resp.Body, maxResponseBytes)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func joinPath(endpoint, path string) string {
	return strings.TrimRight(endpoint, "/") + path
}
