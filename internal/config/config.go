package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lizcirble/shakabackend/internal/money"
	"gopkg.in/yaml.v3"
)

// Config holds all application-level settings.
type Config struct {
	// Server
	ServerAddr  string   `yaml:"server_addr"`
	CORSOrigins []string `yaml:"cors_origins"`
	LogEnv      string   `yaml:"log_env"` // development | production

	// Redis (split-processing job queue)
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// PostgreSQL
	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBName     string `yaml:"db_name"`
	DBSSLMode  string `yaml:"db_sslmode"`

	// Escrow ledger
	EthRPCURL        string        `yaml:"eth_rpc_url"`
	EscrowContract   string        `yaml:"escrow_contract"`
	SignerKey        string        `yaml:"signer_key"` // hex ECDSA key of the platform operator
	ChainID          int64         `yaml:"chain_id"`
	TxConfirmTimeout time.Duration `yaml:"tx_confirm_timeout"`

	// Identity provider
	PrivyAppID           string `yaml:"privy_app_id"`
	PrivyAppSecret       string `yaml:"privy_app_secret"`
	PrivyVerificationKey string `yaml:"privy_verification_key"` // PEM encoded ES256 public key
	PrivyAPIURL          string `yaml:"privy_api_url"`

	// Split-processing nodes
	NodeVerifyKey     string        `yaml:"node_verify_key"` // ED25519 public key (Base64) for node tokens
	SplitJobLeaseTTL  time.Duration `yaml:"split_job_lease_ttl"`
	SplitResultTTL    time.Duration `yaml:"split_result_ttl"`
	SplitSyncInterval time.Duration `yaml:"split_sync_interval"`

	// Periodic triggers
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	// Admin Authentication
	AdminToken string `yaml:"admin_token"`

	Economics Economics `yaml:"economics"`
}

// Economics gathers every business constant of the marketplace. It is passed
// into the orchestrators as a value.
type Economics struct {
	PlatformFeeBps     int64         `yaml:"platform_fee_bps"`
	LargeTaskWorkers   int           `yaml:"large_task_workers"`
	ConsensusThreshold float64       `yaml:"consensus_threshold"`
	MinEvaluations     int           `yaml:"min_evaluations"`
	SubmissionTTL      time.Duration `yaml:"submission_ttl"`

	ReputationMin     int `yaml:"reputation_min"`
	ReputationMax     int `yaml:"reputation_max"`
	ReputationInitial int `yaml:"reputation_initial"`
	ApproveDelta      int `yaml:"approve_delta"`
	RejectDelta       int `yaml:"reject_delta"`
	DefaultVoteWeight int `yaml:"default_vote_weight"`

	AnonymousMaxWorkers int          `yaml:"anonymous_max_workers"`
	AnonymousMaxPayout  money.Amount `yaml:"-"`
	FirstTimeMaxWorkers int          `yaml:"first_time_max_workers"`
	FirstTimeMaxPayout  money.Amount `yaml:"-"`

	ForbiddenKeywords []string `yaml:"forbidden_keywords"`
}

// DefaultEconomics returns the marketplace rules as deployed.
func DefaultEconomics() Economics {
	return Economics{
		PlatformFeeBps:      1500,
		LargeTaskWorkers:    50,
		ConsensusThreshold:  0.70,
		MinEvaluations:      3,
		SubmissionTTL:       5 * time.Minute,
		ReputationMin:       0,
		ReputationMax:       200,
		ReputationInitial:   100,
		ApproveDelta:        10,
		RejectDelta:         -5,
		DefaultVoteWeight:   1,
		AnonymousMaxWorkers: 5,
		AnonymousMaxPayout:  money.MustParse("0.05"),
		FirstTimeMaxWorkers: 10,
		FirstTimeMaxPayout:  money.MustParse("0.1"),
		ForbiddenKeywords: []string{
			"scam", "phishing", "malware", "ransomware", "hack",
			"exploit", "porn", "gambling", "weapon", "drugs",
		},
	}
}

// Validate rejects economics that would break settlement invariants.
func (e Economics) Validate() error {
	switch {
	case e.PlatformFeeBps < 0 || e.PlatformFeeBps > 10_000:
		return fmt.Errorf("platform fee %d bps out of range", e.PlatformFeeBps)
	case e.ConsensusThreshold <= 0 || e.ConsensusThreshold > 1:
		return fmt.Errorf("consensus threshold %.2f out of range", e.ConsensusThreshold)
	case e.MinEvaluations < 1:
		return fmt.Errorf("min evaluations must be positive")
	case e.ReputationMin > e.ReputationMax:
		return fmt.Errorf("reputation bounds [%d,%d] inverted", e.ReputationMin, e.ReputationMax)
	case e.ReputationInitial < e.ReputationMin || e.ReputationInitial > e.ReputationMax:
		return fmt.Errorf("initial reputation %d outside bounds", e.ReputationInitial)
	case e.SubmissionTTL <= 0:
		return fmt.Errorf("submission ttl must be positive")
	}
	return nil
}

// Load reads configuration: defaults, then an optional YAML file named by
// CONFIG_FILE, then environment variables (a local .env file is honoured).
func Load() (*Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Economics.Validate(); err != nil {
		return nil, fmt.Errorf("invalid economics: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServerAddr:        ":8080",
		LogEnv:            "development",
		RedisAddr:         "localhost:6379",
		DBHost:            "localhost",
		DBPort:            "5432",
		DBUser:            "postgres",
		DBPassword:        "postgres",
		DBName:            "escrow",
		DBSSLMode:         "disable",
		ChainID:           84532,
		TxConfirmTimeout:  2 * time.Minute,
		PrivyAPIURL:       "https://auth.privy.io",
		SplitJobLeaseTTL:  2 * time.Minute,
		SplitResultTTL:    24 * time.Hour,
		SplitSyncInterval: 30 * time.Second,
		SweepInterval:     60 * time.Second,
		ReconcileInterval: 2 * time.Minute,
		Economics:         DefaultEconomics(),
	}
}

// DSN builds the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// yamlEconomics carries the amount fields, which are written as decimal
// strings in YAML.
type yamlEconomics struct {
	AnonymousMaxPayout string `yaml:"anonymous_max_payout"`
	FirstTimeMaxPayout string `yaml:"first_time_max_payout"`
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	var amounts struct {
		Economics yamlEconomics `yaml:"economics"`
	}
	if err := yaml.Unmarshal(data, &amounts); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if s := amounts.Economics.AnonymousMaxPayout; s != "" {
		if c.Economics.AnonymousMaxPayout, err = money.Parse(s); err != nil {
			return fmt.Errorf("economics.anonymous_max_payout: %w", err)
		}
	}
	if s := amounts.Economics.FirstTimeMaxPayout; s != "" {
		if c.Economics.FirstTimeMaxPayout, err = money.Parse(s); err != nil {
			return fmt.Errorf("economics.first_time_max_payout: %w", err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServerAddr = envOr("SERVER_ADDR", c.ServerAddr)
	c.CORSOrigins = envListOr("CORS_ORIGINS", c.CORSOrigins)
	c.LogEnv = envOr("LOG_ENV", c.LogEnv)

	c.RedisAddr = envOr("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = envOr("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = envIntOr("REDIS_DB", c.RedisDB)

	c.DBHost = envOr("DB_HOST", c.DBHost)
	c.DBPort = envOr("DB_PORT", c.DBPort)
	c.DBUser = envOr("DB_USER", c.DBUser)
	c.DBPassword = envOr("DB_PASSWORD", c.DBPassword)
	c.DBName = envOr("DB_NAME", c.DBName)
	c.DBSSLMode = envOr("DB_SSLMODE", c.DBSSLMode)

	c.EthRPCURL = envOr("ETH_RPC_URL", c.EthRPCURL)
	c.EscrowContract = envOr("ESCROW_CONTRACT_ADDRESS", c.EscrowContract)
	c.SignerKey = envOr("SIGNER_PRIVATE_KEY", c.SignerKey)
	c.ChainID = int64(envIntOr("CHAIN_ID", int(c.ChainID)))
	c.TxConfirmTimeout = envDurationOr("TX_CONFIRM_TIMEOUT", c.TxConfirmTimeout)

	c.PrivyAppID = envOr("PRIVY_APP_ID", c.PrivyAppID)
	c.PrivyAppSecret = envOr("PRIVY_APP_SECRET", c.PrivyAppSecret)
	c.PrivyVerificationKey = envOr("PRIVY_VERIFICATION_KEY", c.PrivyVerificationKey)
	c.PrivyAPIURL = envOr("PRIVY_API_URL", c.PrivyAPIURL)

	c.NodeVerifyKey = envOr("NODE_VERIFY_KEY", c.NodeVerifyKey)
	c.SplitJobLeaseTTL = envDurationOr("SPLIT_JOB_LEASE_TTL", c.SplitJobLeaseTTL)
	c.SplitResultTTL = envDurationOr("SPLIT_RESULT_TTL", c.SplitResultTTL)
	c.SplitSyncInterval = envDurationOr("SPLIT_SYNC_INTERVAL", c.SplitSyncInterval)

	c.SweepInterval = envDurationOr("SWEEP_INTERVAL", c.SweepInterval)
	c.ReconcileInterval = envDurationOr("RECONCILE_INTERVAL", c.ReconcileInterval)
	c.AdminToken = envOr("ADMIN_TOKEN", c.AdminToken)

	e := &c.Economics
	e.PlatformFeeBps = int64(envIntOr("PLATFORM_FEE_BPS", int(e.PlatformFeeBps)))
	e.LargeTaskWorkers = envIntOr("LARGE_TASK_WORKERS", e.LargeTaskWorkers)
	e.ConsensusThreshold = envFloatOr("CONSENSUS_THRESHOLD", e.ConsensusThreshold)
	e.MinEvaluations = envIntOr("MIN_EVALUATIONS", e.MinEvaluations)
	e.SubmissionTTL = envDurationOr("SUBMISSION_TTL", e.SubmissionTTL)
	e.ForbiddenKeywords = envListOr("FORBIDDEN_KEYWORDS", e.ForbiddenKeywords)
}

// ─── helpers ───

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envListOr(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
