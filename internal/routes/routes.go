package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/agentpay/agentpay/internal/agent"
	"github.com/agentpay/agentpay/internal/config"
	"github.com/agentpay/agentpay/internal/escrow"
	"github.com/agentpay/agentpay/internal/ledger"
	"github.com/agentpay/agentpay/internal/middleware"
	"github.com/agentpay/agentpay/internal/money"
	"github.com/agentpay/agentpay/internal/notification"
	"github.com/agentpay/agentpay/internal/payments"
	"github.com/agentpay/agentpay/internal/saga"
	"github.com/agentpay/agentpay/internal/verification"
	"github.com/agentpay/agentpay/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
	// Rates overrides the currency rate provider; nil uses same-currency only.
	Rates money.RateProvider
}

// Background holds the workers main runs alongside the HTTP server.
type Background struct {
	SagaWorker    *saga.Worker
	EscrowSweeper *escrow.Sweeper
}

// Setup configures middlewares and all application routes, and returns the
// background workers for main to run.
func Setup(app *fiber.App, d Deps) (*Background, error) {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !isDev(d.Cfg.AppEnv) {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))

	// Health
	RegisterHealthRoutes(app, d)

	rates := d.Rates
	if rates == nil {
		rates = money.StaticRates{}
	}

	// Storage backends.
	var ledgerBackend ledger.Ledger
	var agentRepo agent.Repository
	var escrowStore escrow.Store
	var sagaStore saga.Store
	var auditLog saga.AuditLog
	if d.DB != nil {
		ledgerBackend = ledger.NewPostgresLedger(d.DB, rates)
		agentRepo = agent.NewPostgresRepository(d.DB)
		escrowStore = escrow.NewPostgresStore(d.DB)
		sagaStore = saga.NewPostgresStore(d.DB)
		auditLog = saga.NewPostgresAuditLog(d.DB)
	} else {
		ledgerBackend = ledger.NewInMemory(rates)
		agentRepo = agent.NewMemoryRepository()
		escrowStore = escrow.NewMemoryStore()
		sagaStore = saga.NewMemoryStore()
		auditLog = saga.NewMemoryAuditLog()
	}

	agentSvc := agent.NewService(agentRepo)
	walletSvc := wallet.NewService(ledgerBackend)

	// Verification gate.
	var velocity verification.VelocityCounter
	var resultCache verification.ResultCache
	if d.Cache != nil {
		velocity = &verification.RedisVelocityCounter{Client: d.Cache}
		resultCache = &verification.RedisResultCache{Client: d.Cache, TTL: d.Cfg.IdempotencyTTL}
	} else {
		velocity = verification.NewMemoryVelocityCounter()
		resultCache = verification.NewMemoryResultCache()
	}
	history := verification.NewMemoryHistory(1_000)
	reputation := verification.StaticReputation{Default: 50}
	checks := []verification.Check{
		verification.SignatureCheck{Signer: verification.Ed25519Signer{}, Keys: agentSvc},
		verification.AgentStatusCheck{Directory: agentSvc},
		verification.LimitsCheck{MaxAmount: d.Cfg.MaxPaymentAmount},
		verification.VelocityCheck{Counter: velocity, Limit: d.Cfg.VelocityLimit, Window: d.Cfg.VelocityWindow},
		verification.FraudCheck{
			History:              history,
			Oracle:               reputation,
			Counter:              velocity,
			VelocityLimit:        d.Cfg.VelocityLimit,
			StructuringThreshold: d.Cfg.MaxPaymentAmount / 10,
		},
		verification.ComplianceCheck{Engine: verification.StaticCompliance{}},
		verification.EncryptionCheck{AllowedSchemes: []string{"aes-256-gcm", "chacha20-poly1305"}},
		verification.MultiFactorCheck{Threshold: d.Cfg.MFAThreshold},
	}
	gate, err := verification.NewGate(checks, verification.DefaultWeights(), resultCache, d.Logger, d.Cfg.VerifyTimeout)
	if err != nil {
		return nil, err
	}

	// Escrow and saga.
	escrowSvc := escrow.NewService(escrowStore, ledgerBackend, reputation, escrow.Config{
		VotingThreshold: d.Cfg.EscrowVotingThreshold,
		ReputationFloor: d.Cfg.EscrowReputationFloor,
	}, d.Logger)
	dispatcher := notification.NewLoggerDispatcher(d.Logger)
	orchestrator := saga.NewOrchestrator(sagaStore, auditLog, ledgerBackend, gate, escrowSvc,
		dispatcher, history, saga.Config{
			FeeBps:              d.Cfg.FeeBps,
			FeeExemptBelow:      d.Cfg.FeeExemptBelow,
			FeePoolWalletID:     d.Cfg.FeePoolWalletID,
			SystemAgentIDs:      d.Cfg.SystemAgentIDs,
			MaxAmount:           d.Cfg.MaxPaymentAmount,
			VerifyRetries:       d.Cfg.VerifyRetries,
			CompensationRetries: d.Cfg.CompensationRetries,
			RetryBackoff:        d.Cfg.RetryBackoff,
		}, d.Logger)
	paymentSvc := payments.NewService(orchestrator, walletSvc)

	agentHandler := agent.NewHandler(agentSvc)
	walletHandler := wallet.NewHandler(walletSvc)
	escrowHandler := escrow.NewHandler(escrowSvc)
	paymentHandler := payments.NewHandler(paymentSvc)

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Public routes
	RegisterAgentRoutes(api, agentHandler)

	// Protected routes
	authmw := middleware.AgentAuth(agentSvc)
	protected := api.Group("", authmw)
	if d.Cache != nil {
		protected.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	RegisterWalletRoutes(protected, walletHandler)
	RegisterEscrowRoutes(protected, escrowHandler)
	RegisterPaymentRoutes(protected, paymentHandler, middleware.SubmitRateLimit(d.Cache, d.Cfg.SubmitPerMinute))

	return &Background{
		SagaWorker:    saga.NewWorker(orchestrator, d.Cfg.SagaResumeInterval, d.Logger),
		EscrowSweeper: escrow.NewSweeper(escrowSvc, d.Cfg.EscrowSweepInterval, d.Logger),
	}, nil
}

func isDev(env string) bool {
	switch strings.ToLower(env) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}
