// Package authorizer issues and verifies the master's EIP-712 task
// authorizations. The domain separation (name, version, chainId, verifying
// contract) makes signatures worthless on any other chain or app, and the
// nonce ledger makes each (taskId, nonce) pair signable at most once.
package authorizer

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/econos-labs/master-engine/internal/app/domain/fault"
	"github.com/econos-labs/master-engine/internal/app/domain/task"
	"github.com/econos-labs/master-engine/pkg/logger"
)

const (
	// DomainName and DomainVersion pin the signing domain.
	DomainName    = "Econos Master Agent"
	DomainVersion = "1"

	primaryType = "TaskAuthorization"

	defaultValidity  = time.Hour
	defaultRetention = 24 * time.Hour
)

// Payload is the typed-data message bound by a signature.
type Payload struct {
	TaskID    common.Hash    `json:"task_id"`
	Worker    common.Address `json:"worker"`
	ExpiresAt uint64         `json:"expires_at"`
	Nonce     uint64         `json:"nonce"`
}

// SignedAuthorization grants one worker the right to execute one task before
// ExpiresAt.
type SignedAuthorization struct {
	Payload   Payload        `json:"payload"`
	Signature hexutil.Bytes  `json:"signature"`
	Signer    common.Address `json:"signer"`
}

// Config carries signer construction parameters.
type Config struct {
	PrivateKey        *ecdsa.PrivateKey
	ChainID           int64
	VerifyingContract common.Address // optional; zero address omits the field
	DefaultValidity   time.Duration
	NonceRetention    time.Duration
}

type nonceKey struct {
	taskID common.Hash
	nonce  uint64
}

// Service signs and verifies task authorizations and owns the nonce ledger.
type Service struct {
	key             *ecdsa.PrivateKey
	signer          common.Address
	chainID         int64
	contract        common.Address
	defaultValidity time.Duration
	retention       time.Duration
	log             *logger.Logger

	mu      sync.Mutex
	counter uint64
	used    map[nonceKey]time.Time
}

// New builds an authorization signer.
func New(cfg Config, log *logger.Logger) (*Service, error) {
	if cfg.PrivateKey == nil {
		return nil, fault.Wrap(fault.KindInternal, fault.ErrConfigMissing, "signer private key")
	}
	if cfg.ChainID <= 0 {
		return nil, fault.Wrap(fault.KindInternal, fault.ErrConfigMissing, "signer chain id")
	}
	if log == nil {
		log = logger.NewDefault("authorizer")
	}
	validity := cfg.DefaultValidity
	if validity <= 0 {
		validity = defaultValidity
	}
	retention := cfg.NonceRetention
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Service{
		key:             cfg.PrivateKey,
		signer:          crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey),
		chainID:         cfg.ChainID,
		contract:        cfg.VerifyingContract,
		defaultValidity: validity,
		retention:       retention,
		log:             log,
	}, nil
}

// Signer returns the master's signing address.
func (s *Service) Signer() common.Address { return s.signer }

// Generate produces a payload binding a task to a worker with a fresh nonce.
// A non-positive validity falls back to the configured default.
func (s *Service) Generate(taskID string, worker common.Address, validity time.Duration) Payload {
	if validity <= 0 {
		validity = s.defaultValidity
	}
	s.mu.Lock()
	s.counter++
	nonce := s.counter
	s.mu.Unlock()

	return Payload{
		TaskID:    task.HashID(taskID),
		Worker:    worker,
		ExpiresAt: uint64(time.Now().Add(validity).Unix()),
		Nonce:     nonce,
	}
}

// Sign produces the typed-data signature for a payload. A (taskId, nonce)
// pair signs at most once; repeats yield NonceReused.
func (s *Service) Sign(payload Payload) (SignedAuthorization, error) {
	key := nonceKey{taskID: payload.TaskID, nonce: payload.Nonce}

	s.mu.Lock()
	if _, reused := s.used[key]; reused {
		s.mu.Unlock()
		return SignedAuthorization{}, fault.ErrNonceReused
	}
	if s.used == nil {
		s.used = make(map[nonceKey]time.Time)
	}
	s.used[key] = time.Now().UTC()
	s.mu.Unlock()

	hash, err := s.typedHash(payload)
	if err != nil {
		return SignedAuthorization{}, err
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return SignedAuthorization{}, fmt.Errorf("sign authorization: %w", err)
	}
	sig[64] += 27 // solidity ecrecover convention

	return SignedAuthorization{
		Payload:   payload,
		Signature: sig,
		Signer:    s.signer,
	}, nil
}

// CreateSignedAuthorization generates and signs in one step.
func (s *Service) CreateSignedAuthorization(taskID string, worker common.Address, validity time.Duration) (SignedAuthorization, error) {
	return s.Sign(s.Generate(taskID, worker, validity))
}

// Verify recovers the signature under this service's domain and compares the
// recovered address against the declared signer. A signature produced under
// any other domain fails.
func (s *Service) Verify(sa SignedAuthorization) bool {
	if len(sa.Signature) != crypto.SignatureLength {
		return false
	}
	hash, err := s.typedHash(sa.Payload)
	if err != nil {
		return false
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, sa.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == sa.Signer
}

// IsExpired reports whether the authorization's validity window has passed.
func (s *Service) IsExpired(sa SignedAuthorization, now time.Time) bool {
	return now.Unix() >= int64(sa.Payload.ExpiresAt)
}

// IsNonceUsed reads the ledger.
func (s *Service) IsNonceUsed(taskID common.Hash, nonce uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, used := s.used[nonceKey{taskID: taskID, nonce: nonce}]
	return used
}

// PruneNoncesOlderThan drops ledger entries issued more than age ago and
// returns how many were removed. A non-positive age uses the configured
// retention.
func (s *Service) PruneNoncesOlderThan(age time.Duration) int {
	if age <= 0 {
		age = s.retention
	}
	cutoff := time.Now().UTC().Add(-age)

	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for key, issued := range s.used {
		if issued.Before(cutoff) {
			delete(s.used, key)
			pruned++
		}
	}
	return pruned
}

// Serialize encodes a signed authorization as JSON.
func Serialize(sa SignedAuthorization) ([]byte, error) {
	return json.Marshal(sa)
}

// Deserialize decodes a signed authorization from JSON.
func Deserialize(raw []byte) (SignedAuthorization, error) {
	var sa SignedAuthorization
	if err := json.Unmarshal(raw, &sa); err != nil {
		return SignedAuthorization{}, fmt.Errorf("decode authorization: %w", err)
	}
	return sa, nil
}

// typedHash computes the EIP-712 digest for a payload under the service
// domain.
func (s *Service) typedHash(payload Payload) ([]byte, error) {
	domainFields := []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
	}
	domain := apitypes.TypedDataDomain{
		Name:    DomainName,
		Version: DomainVersion,
		ChainId: math.NewHexOrDecimal256(s.chainID),
	}
	if s.contract != (common.Address{}) {
		domainFields = append(domainFields, apitypes.Type{Name: "verifyingContract", Type: "address"})
		domain.VerifyingContract = s.contract.Hex()
	}

	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields,
			primaryType: {
				{Name: "taskId", Type: "bytes32"},
				{Name: "worker", Type: "address"},
				{Name: "expiresAt", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: primaryType,
		Domain:      domain,
		Message: apitypes.TypedDataMessage{
			"taskId":    hexutil.Encode(payload.TaskID[:]),
			"worker":    payload.Worker.Hex(),
			"expiresAt": fmt.Sprintf("%d", payload.ExpiresAt),
			"nonce":     fmt.Sprintf("%d", payload.Nonce),
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return hash, nil
}
