// Package config loads engine configuration from the environment and an
// optional workers file. The recognized variable set is closed; anything the
// engine does not understand is ignored rather than invented.
package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"

	"github.com/econos-labs/master-engine/internal/app/domain/fault"
)

// Defaults applied when the environment leaves a knob unset.
const (
	DefaultConfirmations    = 2
	DefaultMinReputation    = 50
	DefaultSweepInterval    = 60 * time.Second
	DefaultCapabilityTTL    = 60 * time.Second
	DefaultAuthValidity     = time.Hour
	DefaultNonceRetention   = 24 * time.Hour
	DefaultListenAddr       = ":8080"
	DefaultWorkersFile      = "config/workers.yaml"
)

// Config is the resolved engine configuration.
type Config struct {
	RPCURL          string
	ChainID         *big.Int
	Confirmations   uint64
	PrivateKey      *ecdsa.PrivateKey
	MasterAddress   common.Address
	EscrowAddress   common.Address
	RegistryAddress common.Address

	MinReputation  int
	SweepInterval  time.Duration
	CapabilityTTL  time.Duration
	AuthValidity   time.Duration
	NonceRetention time.Duration

	ListenAddr  string
	AnalyzerURL string
	PostgresDSN string
	AuditFile   string
	WorkersFile string
}

// Load reads .env if present, then resolves the engine configuration from
// the environment. Missing required values fail with a config fault.
func Load() (Config, error) {
	// .env is developer convenience; absence is not an error.
	_ = godotenv.Load()

	cfg := Config{
		Confirmations:  DefaultConfirmations,
		MinReputation:  DefaultMinReputation,
		SweepInterval:  DefaultSweepInterval,
		CapabilityTTL:  DefaultCapabilityTTL,
		AuthValidity:   DefaultAuthValidity,
		NonceRetention: DefaultNonceRetention,
		ListenAddr:     DefaultListenAddr,
		WorkersFile:    DefaultWorkersFile,
	}

	cfg.RPCURL = strings.TrimSpace(os.Getenv("CHAIN_RPC_URL"))
	if cfg.RPCURL == "" {
		return Config{}, fault.Wrap(fault.KindInternal, fault.ErrConfigMissing, "CHAIN_RPC_URL")
	}

	chainID, err := requiredInt("CHAIN_ID")
	if err != nil {
		return Config{}, err
	}
	cfg.ChainID = big.NewInt(chainID)

	if raw := os.Getenv("BLOCK_CONFIRMATIONS"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || n == 0 {
			return Config{}, fault.Errorf(fault.KindValidation, "BLOCK_CONFIRMATIONS must be a positive integer, got %q", raw)
		}
		cfg.Confirmations = n
	}

	keyHex := strings.TrimPrefix(strings.TrimSpace(os.Getenv("MASTER_PRIVATE_KEY")), "0x")
	if keyHex == "" {
		return Config{}, fault.Wrap(fault.KindInternal, fault.ErrConfigMissing, "MASTER_PRIVATE_KEY")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return Config{}, fault.Wrap(fault.KindValidation, err, "MASTER_PRIVATE_KEY")
	}
	cfg.PrivateKey = key
	cfg.MasterAddress = crypto.PubkeyToAddress(key.PublicKey)

	// MASTER_ADDRESS is a cross-check against key mismatch, not a source.
	if raw := strings.TrimSpace(os.Getenv("MASTER_ADDRESS")); raw != "" {
		declared, err := parseAddress("MASTER_ADDRESS", raw)
		if err != nil {
			return Config{}, err
		}
		if declared != cfg.MasterAddress {
			return Config{}, fault.Errorf(fault.KindValidation,
				"MASTER_ADDRESS %s does not match MASTER_PRIVATE_KEY (derives %s)",
				declared.Hex(), cfg.MasterAddress.Hex())
		}
	}

	if cfg.EscrowAddress, err = requiredAddress("ESCROW_ADDRESS"); err != nil {
		return Config{}, err
	}
	if cfg.RegistryAddress, err = requiredAddress("REGISTRY_ADDRESS"); err != nil {
		return Config{}, err
	}

	if raw := os.Getenv("MIN_REPUTATION"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 100 {
			return Config{}, fault.Errorf(fault.KindValidation, "MIN_REPUTATION must be 0..100, got %q", raw)
		}
		cfg.MinReputation = n
	}

	if cfg.SweepInterval, err = durationOr("EXPIRATION_CHECK_INTERVAL", cfg.SweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.CapabilityTTL, err = durationOr("CAPABILITY_CACHE_TTL", cfg.CapabilityTTL); err != nil {
		return Config{}, err
	}
	if cfg.AuthValidity, err = durationOr("AUTHORIZATION_DEFAULT_VALIDITY", cfg.AuthValidity); err != nil {
		return Config{}, err
	}
	if cfg.NonceRetention, err = durationOr("NONCE_RETENTION", cfg.NonceRetention); err != nil {
		return Config{}, err
	}

	if addr := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); addr != "" {
		cfg.ListenAddr = addr
	}
	cfg.AnalyzerURL = strings.TrimSpace(os.Getenv("ANALYZER_URL"))
	cfg.PostgresDSN = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.AuditFile = strings.TrimSpace(os.Getenv("AUDIT_LOG_FILE"))
	if path := strings.TrimSpace(os.Getenv("WORKERS_FILE")); path != "" {
		cfg.WorkersFile = path
	}
	return cfg, nil
}

func requiredInt(name string) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, fault.Wrap(fault.KindInternal, fault.ErrConfigMissing, name)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, fault.Errorf(fault.KindValidation, "%s must be a positive integer, got %q", name, raw)
	}
	return n, nil
}

func requiredAddress(name string) (common.Address, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return common.Address{}, fault.Wrap(fault.KindInternal, fault.ErrConfigMissing, name)
	}
	return parseAddress(name, raw)
}

func parseAddress(name, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fault.Errorf(fault.KindValidation, "%s is not a hex address: %q", name, raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, fault.Errorf(fault.KindValidation, "%s must not be the zero address", name)
	}
	return addr, nil
}

func durationOr(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	// Plain integers are seconds; otherwise Go duration syntax.
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, fault.Errorf(fault.KindValidation, "%s must be positive, got %q", name, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fault.Errorf(fault.KindValidation, "%s is not a valid duration: %q", name, raw)
	}
	return d, nil
}

// String renders the configuration with the key redacted.
func (c Config) String() string {
	return fmt.Sprintf("rpc=%s chain=%s escrow=%s registry=%s master=%s confirmations=%d",
		c.RPCURL, c.ChainID, c.EscrowAddress.Hex(), c.RegistryAddress.Hex(), c.MasterAddress.Hex(), c.Confirmations)
}
