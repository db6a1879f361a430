package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName         = "AgentPay"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
)

// Config captures application runtime configuration loaded from environment variables.
// Monetary amounts are minor units (cents).
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	// Fees.
	FeeBps          int64
	FeeExemptBelow  int64
	FeePoolWalletID string
	SystemAgentIDs  []string

	// Payment limits.
	MaxPaymentAmount int64
	MFAThreshold     int64
	SubmitPerMinute  int

	// Verification.
	VerifyTimeout  time.Duration
	VerifyRetries  int
	VelocityLimit  int64
	VelocityWindow time.Duration

	// Escrow.
	EscrowVotingThreshold int64
	EscrowReputationFloor float64
	EscrowSweepInterval   time.Duration

	// Saga.
	SagaResumeInterval  time.Duration
	CompensationRetries int
	RetryBackoff        time.Duration
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		AppEnv:         getEnv("APP_ENV", defaultAppEnv),
		Port:           getEnv("PORT", defaultPort),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		ShutdownPeriod: defaultShutdownDelay,
		IdempotencyTTL: defaultIdempotencyTTL,

		FeePoolWalletID: os.Getenv("FEE_POOL_WALLET_ID"),
	}

	if v := os.Getenv(shutdownSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownSecondsEnvVar, err)
		}
		cfg.ShutdownPeriod = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(shutdownDurationEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownDurationEnvVar, err)
		}
		cfg.ShutdownPeriod = d
	}

	if v := os.Getenv(idemTTLSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLSecondsEnvVar, err)
		}
		cfg.IdempotencyTTL = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(idemTTLDurEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLDurEnvVar, err)
		}
		cfg.IdempotencyTTL = d
	}

	var err error
	if cfg.FeeBps, err = getInt64("FEE_BPS", 250); err != nil {
		return Config{}, err
	}
	if cfg.FeeExemptBelow, err = getInt64("FEE_EXEMPT_BELOW", 1_000); err != nil {
		return Config{}, err
	}
	if cfg.MaxPaymentAmount, err = getInt64("MAX_PAYMENT_AMOUNT", 10_000_000); err != nil {
		return Config{}, err
	}
	if cfg.MFAThreshold, err = getInt64("MFA_THRESHOLD", 500_000); err != nil {
		return Config{}, err
	}
	if cfg.SubmitPerMinute, err = getInt("SUBMIT_RATE_LIMIT", 60); err != nil {
		return Config{}, err
	}
	if cfg.VerifyTimeout, err = getDuration("VERIFY_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.VerifyRetries, err = getInt("VERIFY_RETRIES", 2); err != nil {
		return Config{}, err
	}
	if cfg.VelocityLimit, err = getInt64("VELOCITY_LIMIT", 10); err != nil {
		return Config{}, err
	}
	if cfg.VelocityWindow, err = getDuration("VELOCITY_WINDOW", time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.EscrowVotingThreshold, err = getInt64("ESCROW_VOTING_THRESHOLD", 1_000_000); err != nil {
		return Config{}, err
	}
	if cfg.EscrowReputationFloor, err = getFloat("ESCROW_REPUTATION_FLOOR", 30); err != nil {
		return Config{}, err
	}
	if cfg.EscrowSweepInterval, err = getDuration("ESCROW_SWEEP_INTERVAL", time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.SagaResumeInterval, err = getDuration("SAGA_RESUME_INTERVAL", time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.CompensationRetries, err = getInt("COMPENSATION_RETRIES", 3); err != nil {
		return Config{}, err
	}
	if cfg.RetryBackoff, err = getDuration("RETRY_BACKOFF", 200*time.Millisecond); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("SYSTEM_AGENT_IDS"); v != "" {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.SystemAgentIDs = append(cfg.SystemAgentIDs, id)
			}
		}
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}

	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
