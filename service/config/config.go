package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// DefaultFallbackRPCURLs are tried, in order, after the primary endpoint.
var DefaultFallbackRPCURLs = []string{
	"https://solana-rpc.publicnode.com",
	"https://solana-mainnet.g.alchemy.com/v2/demo",
	"https://api.mainnet-beta.solana.com",
	"https://solana-api.projectserum.com",
	"https://rpc.ankr.com/solana",
}

// DefaultSubmitTiers is the compute-unit / priority-fee escalation used when
// SUBMIT_TIERS is unset.
const DefaultSubmitTiers = "500000:10,800000:25,1000000:50,1200000:100,1400000:200"

// FeeTier is one step of the submission escalation: a compute-unit limit and a
// priority fee in micro-lamports per compute unit.
type FeeTier struct {
	ComputeUnits  uint32
	MicroLamports uint64
}

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr            string
	LogLevel              string
	TransferRatePerMinute int

	// Database configuration
	DatabaseURL string

	// Optional infrastructure; empty disables the feature
	NATSURL  string
	RedisURL string

	// Operator credential. Never log this; use OperatorKey.PublicKey().
	OperatorKey solana.PrivateKey

	// Solana configuration
	SolanaRPCURL          string
	SolanaFallbackRPCURLs []string
	SolanaWSURL           string
	TokenMint             solana.PublicKey
	TreasuryWallet        solana.PublicKey
	RecipientWallet       string
	TokenDecimals         int

	// Purchase bounds in native units (SOL)
	MinPurchase       decimal.Decimal
	MaxPurchase       decimal.Decimal
	MaxQuoteDeviation decimal.Decimal

	// Retry policy
	SubmitTiers       []FeeTier
	SubmitBackoff     time.Duration
	ConfirmMaxRetries int
	ConfirmTimeout    time.Duration
	ConfirmBackoff    time.Duration
	ProbeTimeout      time.Duration

	// Price oracle
	PriceQuoteURL        string
	PriceQuoteJQ         string
	DefaultSolPrice      decimal.Decimal
	PriceRefreshInterval time.Duration

	// Supply and sale
	SupplyPollInterval      time.Duration
	FallbackRemainingSupply int64
	TotalForSale            int64
	SaleDeadline            time.Time
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	ratePerMinute, err := parseInt("TRANSFER_RATE_PER_MINUTE", 10)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.TransferRatePerMinute = ratePerMinute
	}

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.RedisURL = os.Getenv("REDIS_URL")

	// Operator credential
	if raw := os.Getenv("PRIVATE_KEY"); raw == "" {
		errs = append(errs, fmt.Errorf("PRIVATE_KEY is required"))
	} else {
		key, err := ParsePrivateKey(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("PRIVATE_KEY: %w", err))
		} else {
			cfg.OperatorKey = key
		}
	}

	// Solana configuration
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}
	cfg.SolanaFallbackRPCURLs = DefaultFallbackRPCURLs
	if v := os.Getenv("SOLANA_FALLBACK_RPC_URLS"); v != "" {
		cfg.SolanaFallbackRPCURLs = splitList(v)
	}
	cfg.SolanaWSURL = os.Getenv("SOLANA_WS_URL")

	if mint := os.Getenv("CDX_TOKEN_ADDRESS"); mint == "" {
		errs = append(errs, fmt.Errorf("CDX_TOKEN_ADDRESS is required"))
	} else if pk, err := solana.PublicKeyFromBase58(mint); err != nil {
		errs = append(errs, fmt.Errorf("CDX_TOKEN_ADDRESS: invalid public key %q: %w", mint, err))
	} else {
		cfg.TokenMint = pk
	}

	// The treasury defaults to the operator wallet, which is also the token source.
	if treasury := os.Getenv("CDX_WALLET"); treasury != "" {
		pk, err := solana.PublicKeyFromBase58(treasury)
		if err != nil {
			errs = append(errs, fmt.Errorf("CDX_WALLET: invalid public key %q: %w", treasury, err))
		} else {
			cfg.TreasuryWallet = pk
		}
	} else if cfg.OperatorKey != nil {
		cfg.TreasuryWallet = cfg.OperatorKey.PublicKey()
	}
	cfg.RecipientWallet = os.Getenv("RECIPIENT_WALLET_ADDRESS")

	decimals, err := parseInt("TOKEN_DECIMALS", 0)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.TokenDecimals = decimals
	}

	// Purchase bounds
	if cfg.MinPurchase, err = parseDecimal("MIN_PURCHASE_SOL", "0.001"); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxPurchase, err = parseDecimal("MAX_PURCHASE_SOL", "50"); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxQuoteDeviation, err = parseDecimal("MAX_QUOTE_DEVIATION", "0"); err != nil {
		errs = append(errs, err)
	}

	// Retry policy
	tiers, err := ParseFeeTiers(getEnvOrDefault("SUBMIT_TIERS", DefaultSubmitTiers))
	if err != nil {
		errs = append(errs, fmt.Errorf("SUBMIT_TIERS: %w", err))
	} else {
		cfg.SubmitTiers = tiers
	}
	if cfg.SubmitBackoff, err = parseDuration("SUBMIT_BACKOFF", "5s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.ConfirmMaxRetries, err = parseInt("CONFIRM_MAX_RETRIES", 10); err != nil {
		errs = append(errs, err)
	}
	if cfg.ConfirmTimeout, err = parseDuration("CONFIRM_TIMEOUT", "60s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.ConfirmBackoff, err = parseDuration("CONFIRM_BACKOFF", "2s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.ProbeTimeout, err = parseDuration("PROBE_TIMEOUT", "10s"); err != nil {
		errs = append(errs, err)
	}

	// Price oracle
	cfg.PriceQuoteURL = getEnvOrDefault("PRICE_QUOTE_URL", "https://api.binance.com/api/v3/ticker/price?symbol=SOLUSDT")
	cfg.PriceQuoteJQ = getEnvOrDefault("PRICE_QUOTE_JQ", ".price")
	if cfg.DefaultSolPrice, err = parseDecimal("DEFAULT_SOL_PRICE", "95"); err != nil {
		errs = append(errs, err)
	}
	if cfg.PriceRefreshInterval, err = parseDuration("PRICE_REFRESH_INTERVAL", "60s"); err != nil {
		errs = append(errs, err)
	}

	// Supply and sale
	if cfg.SupplyPollInterval, err = parseDuration("SUPPLY_POLL_INTERVAL", "30s"); err != nil {
		errs = append(errs, err)
	}
	if cfg.FallbackRemainingSupply, err = parseInt64("FALLBACK_REMAINING_SUPPLY", 9585095); err != nil {
		errs = append(errs, err)
	}
	if cfg.TotalForSale, err = parseInt64("TOTAL_FOR_SALE", 50000000); err != nil {
		errs = append(errs, err)
	}
	deadline := getEnvOrDefault("SALE_DEADLINE", "2025-04-18T12:00:00-04:00")
	if cfg.SaleDeadline, err = time.Parse(time.RFC3339, deadline); err != nil {
		errs = append(errs, fmt.Errorf("SALE_DEADLINE: invalid RFC3339 time %q: %w", deadline, err))
	}

	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if len(c.OperatorKey) != 64 {
		errs = append(errs, fmt.Errorf("OperatorKey must be a 64-byte ed25519 secret key"))
	}

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if c.TokenMint.IsZero() {
		errs = append(errs, fmt.Errorf("TokenMint is required"))
	}

	if c.TokenDecimals < 0 || c.TokenDecimals > 18 {
		errs = append(errs, fmt.Errorf("TokenDecimals must be between 0 and 18"))
	}

	if !c.MinPurchase.IsPositive() {
		errs = append(errs, fmt.Errorf("MinPurchase must be positive"))
	}

	if c.MaxPurchase.LessThan(c.MinPurchase) {
		errs = append(errs, fmt.Errorf("MaxPurchase (%s) cannot be less than MinPurchase (%s)", c.MaxPurchase, c.MinPurchase))
	}

	if c.MaxQuoteDeviation.IsNegative() {
		errs = append(errs, fmt.Errorf("MaxQuoteDeviation cannot be negative"))
	}

	if len(c.SubmitTiers) == 0 {
		errs = append(errs, fmt.Errorf("at least one submit tier is required"))
	}
	for i := 1; i < len(c.SubmitTiers); i++ {
		prev, cur := c.SubmitTiers[i-1], c.SubmitTiers[i]
		if cur.ComputeUnits < prev.ComputeUnits || cur.MicroLamports < prev.MicroLamports {
			errs = append(errs, fmt.Errorf("submit tier %d must not decrease compute units or priority fee", i))
		}
	}

	if c.ConfirmMaxRetries < 1 {
		errs = append(errs, fmt.Errorf("ConfirmMaxRetries must be at least 1"))
	}

	if c.ConfirmTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ConfirmTimeout must be positive"))
	}

	if c.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ProbeTimeout must be positive"))
	}

	if !c.DefaultSolPrice.IsPositive() {
		errs = append(errs, fmt.Errorf("DefaultSolPrice must be positive"))
	}

	if c.PriceRefreshInterval < time.Second {
		errs = append(errs, fmt.Errorf("PriceRefreshInterval must be at least 1 second"))
	}

	if c.SupplyPollInterval < time.Second {
		errs = append(errs, fmt.Errorf("SupplyPollInterval must be at least 1 second"))
	}

	if c.TotalForSale <= 0 {
		errs = append(errs, fmt.Errorf("TotalForSale must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// RPCEndpoints returns the primary endpoint followed by the fallbacks, without duplicates.
func (c *Config) RPCEndpoints() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, u := range append([]string{c.SolanaRPCURL}, c.SolanaFallbackRPCURLs...) {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// ParsePrivateKey accepts either a JSON byte array (as written by solana-keygen)
// or a base58 encoded secret key.
func ParsePrivateKey(raw string) (solana.PrivateKey, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "[") {
		var b []byte
		var ints []int
		if err := json.Unmarshal([]byte(raw), &ints); err != nil {
			return nil, fmt.Errorf("invalid JSON byte array")
		}
		for _, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("byte value out of range")
			}
			b = append(b, byte(v))
		}
		if len(b) != 64 {
			return nil, fmt.Errorf("expected 64 bytes, got %d", len(b))
		}
		return solana.PrivateKey(b), nil
	}

	// Errors from here deliberately omit the input.
	key, err := solana.PrivateKeyFromBase58(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid base58 secret key")
	}
	if len(key) != 64 {
		return nil, fmt.Errorf("expected 64 bytes, got %d", len(key))
	}
	return key, nil
}

// ParseFeeTiers parses "units:microLamports,..." into an ordered tier list.
func ParseFeeTiers(s string) ([]FeeTier, error) {
	var tiers []FeeTier
	for _, part := range splitList(s) {
		units, fee, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("invalid tier %q: expected units:microLamports", part)
		}
		u, err := strconv.ParseUint(strings.TrimSpace(units), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid compute units in %q: %w", part, err)
		}
		f, err := strconv.ParseUint(strings.TrimSpace(fee), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid priority fee in %q: %w", part, err)
		}
		tiers = append(tiers, FeeTier{ComputeUnits: uint32(u), MicroLamports: f})
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("no tiers given")
	}
	return tiers, nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseInt64(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseDecimal parses a decimal from an environment variable or uses a default.
func parseDecimal(key, defaultValue string) (decimal.Decimal, error) {
	value := getEnvOrDefault(key, defaultValue)
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q: %w", key, value, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
