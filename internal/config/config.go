// Package config provides application configuration loaded from environment
// variables. Use the package-level Get() function to obtain the singleton
// Config instance.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sub-config structs
// ──────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string
	Env          string // "development" | "production"
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	RequestTimeout time.Duration // bounded wait for a single client request
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RoundConfig holds the Round Engine's phase durations and multiplier law
// constants, matching the configuration options enumerated by the spec.
type RoundConfig struct {
	BettingDuration   time.Duration // BETTING_DURATION_MS
	CashoutDuration   time.Duration // CASHOUT_DURATION_MS
	MaxCrash          float64       // MAX_CRASH
	HouseEdgeDivisor  uint64        // HOUSE_EDGE_DIVISOR
	MinBetWei         int64         // MIN_BET (wei)
	MaxBetWei         int64         // MAX_BET (wei)
	BetCooldown       time.Duration // BET_COOLDOWN_MS
	MaxBetsPerRound   int           // MAX_BETS_PER_ROUND
	CashoutBuffer     time.Duration // CASHOUT_BUFFER_MS
	ManualCashoutCapPPM uint64      // default target_multiplier for manual-cashout liability accounting
}

// SolvencyConfig holds the admission gate's reserve policy.
type SolvencyConfig struct {
	MaxLiabilityRatio  float64 // MAX_LIABILITY_RATIO
	EmergencyThreshold float64 // EMERGENCY_THRESHOLD
	MinReserveWei      int64   // MIN_RESERVE_WEI
}

// IndexerConfig holds the deposit indexer's scan parameters.
type IndexerConfig struct {
	Confirmations    uint64
	ReorgBuffer      uint64
	ScanBatch        uint64
	PollInterval     time.Duration
	GenesisBlock     uint64
	LagCeilingBlocks uint64
}

// ChainConfig holds the external chain collaborator's connection settings.
type ChainConfig struct {
	HotWalletAddress string
	HouseWalletAddress string
}

// HubConfig holds the event fan-out session retention window.
type HubConfig struct {
	ResyncWindow time.Duration // RESYNC_WINDOW_MS
}

// ──────────────────────────────────────────────────────────────────────────────
// Top-level Config
// ──────────────────────────────────────────────────────────────────────────────

// Config is the root configuration object for the entire application.
type Config struct {
	Server   ServerConfig
	DB       DBConfig
	Redis    RedisConfig
	Round    RoundConfig
	Solvency SolvencyConfig
	Indexer  IndexerConfig
	Chain    ChainConfig
	Hub      HubConfig
}

// IsProd returns true when running in the production environment.
func (c *Config) IsProd() bool {
	return c.Server.Env == "production"
}

// Validate checks cross-field invariants that env parsing alone can't catch.
func (c *Config) Validate() error {
	var errs []error

	if c.IsProd() && c.DB.DSN == "" {
		errs = append(errs, errors.New("DATABASE_DSN must be set in production"))
	}
	if c.Round.MinBetWei <= 0 || c.Round.MaxBetWei <= c.Round.MinBetWei {
		errs = append(errs, fmt.Errorf("MIN_BET/MAX_BET misconfigured: min=%d max=%d", c.Round.MinBetWei, c.Round.MaxBetWei))
	}
	if c.Round.HouseEdgeDivisor == 0 {
		errs = append(errs, errors.New("HOUSE_EDGE_DIVISOR must be > 0"))
	}
	if c.Solvency.MaxLiabilityRatio <= 0 || c.Solvency.MaxLiabilityRatio > c.Solvency.EmergencyThreshold {
		errs = append(errs, fmt.Errorf(
			"MAX_LIABILITY_RATIO must be in (0, EMERGENCY_THRESHOLD], got max=%.3f emergency=%.3f",
			c.Solvency.MaxLiabilityRatio, c.Solvency.EmergencyThreshold,
		))
	}
	if c.Indexer.ReorgBuffer == 0 {
		errs = append(errs, errors.New("REORG_BUFFER must be > 0"))
	}
	if c.Hub.ResyncWindow < 5*time.Minute {
		errs = append(errs, fmt.Errorf("RESYNC_WINDOW_MS must be >= 5 minutes, got %s", c.Hub.ResyncWindow))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Singleton
// ──────────────────────────────────────────────────────────────────────────────

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Get returns the singleton Config, loading it once from environment
// variables. Panics if loading fails — call this early in main() to catch
// misconfigurations at startup.
func Get() *Config {
	once.Do(func() {
		instance, loadErr = load()
	})
	if loadErr != nil {
		panic(fmt.Sprintf("config: failed to load: %v", loadErr))
	}
	return instance
}

// MustLoad loads and validates configuration. Intended for use in main().
func MustLoad() *Config {
	cfg := Get()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: validation failed: %v", err))
	}
	return cfg
}

// ──────────────────────────────────────────────────────────────────────────────
// Internal loader
// ──────────────────────────────────────────────────────────────────────────────

func load() (*Config, error) {
	cfg := &Config{}

	cfg.Server = ServerConfig{
		Port:           getEnv("SERVER_PORT", "8080"),
		Env:            getEnv("ENVIRONMENT", "development"),
		ReadTimeout:    getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
		WriteTimeout:   getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
		RequestTimeout: getDuration("REQUEST_TIMEOUT", 5*time.Second),
	}

	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s?sslmode=%s",
			getEnv("CRASHD_DB_USERNAME", "postgres"),
			getEnv("CRASHD_DB_PASSWORD", "postgres"),
			getEnv("CRASHD_DB_HOST", "localhost"),
			getEnv("CRASHD_DB_PORT", "5432"),
			getEnv("CRASHD_DB_DATABASE", "crashd"),
			getEnv("CRASHD_DB_SSLMODE", "disable"),
		)
	}
	maxOpen, err := getInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_OPEN_CONNS: %w", err)
	}
	maxIdle, err := getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_IDLE_CONNS: %w", err)
	}
	cfg.DB = DBConfig{
		DSN:             dsn,
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}

	redisDB, err := getInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("REDIS_DB: %w", err)
	}
	cfg.Redis = RedisConfig{
		Addr:     getEnv("REDIS_URL", "localhost:6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       redisDB,
	}

	minBet, err := getInt64("MIN_BET", 1_000_000_000_000_000) // 0.001 ETH
	if err != nil {
		return nil, fmt.Errorf("MIN_BET: %w", err)
	}
	maxBet, err := getInt64("MAX_BET", 9_000_000_000_000_000_000) // 9 ETH
	if err != nil {
		return nil, fmt.Errorf("MAX_BET: %w", err)
	}
	houseEdgeDivisor, err := getInt("HOUSE_EDGE_DIVISOR", 33)
	if err != nil {
		return nil, fmt.Errorf("HOUSE_EDGE_DIVISOR: %w", err)
	}
	maxBetsPerRound, err := getInt("MAX_BETS_PER_ROUND", 100_000)
	if err != nil {
		return nil, fmt.Errorf("MAX_BETS_PER_ROUND: %w", err)
	}
	maxCrash, err := getFloat("MAX_CRASH", 1000.0)
	if err != nil {
		return nil, fmt.Errorf("MAX_CRASH: %w", err)
	}
	cfg.Round = RoundConfig{
		BettingDuration:     getDuration("BETTING_DURATION_MS", 15*time.Second),
		CashoutDuration:     getDuration("CASHOUT_DURATION_MS", 3*time.Second),
		MaxCrash:            maxCrash,
		HouseEdgeDivisor:    uint64(houseEdgeDivisor),
		MinBetWei:           minBet,
		MaxBetWei:           maxBet,
		BetCooldown:         getDuration("BET_COOLDOWN_MS", 1*time.Second),
		MaxBetsPerRound:     maxBetsPerRound,
		CashoutBuffer:       getDuration("CASHOUT_BUFFER_MS", 24*time.Millisecond),
		ManualCashoutCapPPM: 1000 * 1_000_000, // 1000.00x, matches MAX_CRASH default
	}

	maxLiabilityRatio, err := getFloat("MAX_LIABILITY_RATIO", 0.8)
	if err != nil {
		return nil, fmt.Errorf("MAX_LIABILITY_RATIO: %w", err)
	}
	emergencyThreshold, err := getFloat("EMERGENCY_THRESHOLD", 0.95)
	if err != nil {
		return nil, fmt.Errorf("EMERGENCY_THRESHOLD: %w", err)
	}
	minReserve, err := getInt64("MIN_RESERVE_WEI", 5_000_000_000_000_000_000) // 5 ETH
	if err != nil {
		return nil, fmt.Errorf("MIN_RESERVE_WEI: %w", err)
	}
	cfg.Solvency = SolvencyConfig{
		MaxLiabilityRatio:  maxLiabilityRatio,
		EmergencyThreshold: emergencyThreshold,
		MinReserveWei:      minReserve,
	}

	confirmations, err := getInt("CONFIRMATIONS", 12)
	if err != nil {
		return nil, fmt.Errorf("CONFIRMATIONS: %w", err)
	}
	reorgBuffer, err := getInt("REORG_BUFFER", 25)
	if err != nil {
		return nil, fmt.Errorf("REORG_BUFFER: %w", err)
	}
	scanBatch, err := getInt("SCAN_BATCH", 200)
	if err != nil {
		return nil, fmt.Errorf("SCAN_BATCH: %w", err)
	}
	lagCeiling, err := getInt("INDEXER_LAG_CEILING_BLOCKS", 200)
	if err != nil {
		return nil, fmt.Errorf("INDEXER_LAG_CEILING_BLOCKS: %w", err)
	}
	cfg.Indexer = IndexerConfig{
		Confirmations:    uint64(confirmations),
		ReorgBuffer:      uint64(reorgBuffer),
		ScanBatch:        uint64(scanBatch),
		PollInterval:     getDuration("INDEXER_POLL_INTERVAL", 5*time.Second),
		GenesisBlock:     0,
		LagCeilingBlocks: uint64(lagCeiling),
	}

	cfg.Chain = ChainConfig{
		HotWalletAddress:   getEnv("HOT_WALLET_ADDRESS", ""),
		HouseWalletAddress: getEnv("HOUSE_WALLET_ADDRESS", ""),
	}

	cfg.Hub = HubConfig{
		ResyncWindow: getDuration("RESYNC_WINDOW_MS", 5*time.Minute),
	}

	return cfg, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper functions
// ──────────────────────────────────────────────────────────────────────────────

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getInt64(key string, defaultVal int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float %q", v)
	}
	return f, nil
}

// getDuration parses an env var as a Go duration string (e.g. "5s") and,
// failing that, as a plain integer count of milliseconds; falls back to
// defaultVal if unset or unparseable.
func getDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultVal
}
